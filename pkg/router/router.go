// Package router implements the routing engine: the component that turns a
// ranked candidate list into an executed upstream call, with failover
// across candidates, breaker/metrics recording, and per-(server,model)
// cooldown escalation on failure. Each candidate's eligibility is
// re-checked immediately before use, since state may have changed while
// earlier candidates were being tried.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"fleetrouter/internal/clock"
	"fleetrouter/pkg/balancer"
	"fleetrouter/pkg/breaker"
	"fleetrouter/pkg/classify"
	"fleetrouter/pkg/ferrors"
	"fleetrouter/pkg/fleet"
	"fleetrouter/pkg/metrics"
	"fleetrouter/pkg/queue"
)

// UpstreamOutcome is what a host's upstreamFn reports back after a call
// completes, successfully or not.
type UpstreamOutcome struct {
	Duration          time.Duration
	TokensGenerated   int
	TokensPrompt      int
	Streaming         bool
	TimeToFirstToken  time.Duration
	StreamingDuration time.Duration

	// FirstByteWritten reports whether any byte of a streaming response was
	// already flushed to the client when the call failed. Once true,
	// failover to another candidate is not possible: the error must be
	// surfaced as a stream termination instead.
	FirstByteWritten bool
}

// UpstreamFunc performs the actual protocol call against backend and, for
// streaming endpoints, copies the response to the client using its own
// activity-based timeouts. It returns a descriptor for metrics recording
// even when it returns a non-nil error (callers should report whatever
// partial duration/tokens/first-byte state applies).
type UpstreamFunc func(ctx context.Context, backend fleet.Backend) (UpstreamOutcome, error)

// RoutingContext accumulates the bookkeeping visible to the caller across
// a (possibly multi-candidate) request:
// every server tried, the one that ultimately served it, how many fleet
// members were candidates to begin with, and the retry count.
type RoutingContext struct {
	Model                string
	Endpoint             queue.Endpoint
	Streaming            bool
	Capability           balancer.Capability
	Tried                []string
	SelectedServerID     string
	AvailableServerCount int
	RetryCount           int
	StartedAt            time.Time

	// AnyCandidateOpen reports whether any candidate was skipped because a
	// breaker was open, for the host's debug headers.
	AnyCandidateOpen bool

	// TimeToFirstToken and StreamingDuration carry the winning candidate's
	// streaming sub-metrics when the request streamed, so slow streams are
	// debuggable from the same headers.
	TimeToFirstToken  time.Duration
	StreamingDuration time.Duration
}

// NewRoutingContext creates an empty context for one client request.
func NewRoutingContext(model string, endpoint queue.Endpoint, streaming bool, cap balancer.Capability) *RoutingContext {
	return &RoutingContext{
		Model:      fleet.ResolveTag(model),
		Endpoint:   endpoint,
		Streaming:  streaming,
		Capability: cap,
	}
}

// MetricsRecorder is the write surface the router needs from the metrics
// aggregator. metrics.Aggregator satisfies this directly.
type MetricsRecorder interface {
	RecordRequest(key metrics.Key, o metrics.Outcome)
}

// Config tunes the per-(server,model) cooldown escalation applied after a
// failed attempt.
type Config struct {
	// BaseCooldown and MaxCooldown bound the exponential cooldown applied
	// to a (server, model) pair after a failure: baseCooldown * 2^failures,
	// capped at maxCooldown.
	BaseCooldown time.Duration `json:"base_cooldown" yaml:"base_cooldown"`
	MaxCooldown  time.Duration `json:"max_cooldown" yaml:"max_cooldown"`

	// RequestTimeout is the single overall deadline applied to a
	// non-streaming upstream call. Streaming calls are never bounded here:
	// their connection and activity deadlines belong to the streaming
	// adapter (StreamingUpstream / stream.Config), since only the side
	// that opens the body can tell establishment apart from the copy.
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`
}

// DefaultConfig returns sane router defaults.
func DefaultConfig() Config {
	return Config{
		BaseCooldown:   500 * time.Millisecond,
		MaxCooldown:    2 * time.Minute,
		RequestTimeout: 60 * time.Second,
	}
}

// Router is the Routing Engine: it asks the Load Balancer for candidates,
// executes upstreamFn against them with failover, and feeds every outcome
// back into the Breaker Registry, Metrics Aggregator, and cooldown tracker.
type Router struct {
	fleetReg  *fleet.Registry
	bal       *balancer.Balancer
	breakers  *breaker.Registry
	metricsA  MetricsRecorder
	cooldowns *fleet.CooldownTracker
	inflight  *balancer.InFlightTracker
	config    Config
	clock     clock.Clock
	logger    *zap.Logger

	bypassCount int64
}

// New creates a Router over the given collaborators, all of which are the
// process-wide singletons owned by the host.
func New(fleetReg *fleet.Registry, bal *balancer.Balancer, breakers *breaker.Registry, metricsA MetricsRecorder, cooldowns *fleet.CooldownTracker, inflight *balancer.InFlightTracker, config Config, c clock.Clock, logger *zap.Logger) *Router {
	if c == nil {
		c = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		fleetReg:  fleetReg,
		bal:       bal,
		breakers:  breakers,
		metricsA:  metricsA,
		cooldowns: cooldowns,
		inflight:  inflight,
		config:    config,
		clock:     c,
		logger:    logger,
	}
}

// BypassCount returns the number of calls executed with bypassBreaker=true,
// kept separately from ordinary routed traffic.
func (r *Router) BypassCount() int64 {
	return atomic.LoadInt64(&r.bypassCount)
}

// TryRequestWithFailover is the primary entry point: rank
// candidates via the Load Balancer, then walk them in order, re-checking
// freshness and executing upstreamFn, recording the outcome, and failing
// over to the next candidate unless the failure is non-retryable or (for a
// streaming call) occurred after the first byte reached the client.
func (r *Router) TryRequestWithFailover(ctx context.Context, rc *RoutingContext, fn UpstreamFunc) (UpstreamOutcome, error) {
	rc.StartedAt = r.clock.Now()
	model := fleet.ResolveTag(rc.Model)

	ranked := r.bal.Rank(model, rc.Capability)
	rc.AvailableServerCount = len(ranked)
	if len(ranked) == 0 {
		return UpstreamOutcome{}, ferrors.NoHealthyServers(model)
	}

	var lastErr error
	var chain []ferrors.CandidateFailure

	for _, candidate := range ranked {
		backend := candidate.Backend

		if blockErr := r.recheck(backend, model); blockErr != nil {
			if ferrors.IsKind(blockErr, ferrors.KindBreakerOpen) {
				rc.AnyCandidateOpen = true
			}
			chain = append(chain, ferrors.CandidateFailure{ServerID: backend.ID, Err: blockErr})
			lastErr = blockErr
			continue
		}

		rc.RetryCount = len(rc.Tried)
		rc.Tried = append(rc.Tried, backend.ID)
		rc.SelectedServerID = backend.ID

		r.inflight.Inc(backend.ID, model)
		outcome, err := r.callOnce(ctx, backend, model, rc.Streaming, fn)

		if err == nil {
			r.recordSuccess(backend.ID, model, outcome)
			r.inflight.Dec(backend.ID, model)
			if outcome.Streaming {
				rc.TimeToFirstToken = outcome.TimeToFirstToken
				rc.StreamingDuration = outcome.StreamingDuration
			}
			return outcome, nil
		}

		if errors.Is(err, context.Canceled) {
			// Cancellation is a non-counted abort: it does not toggle
			// breakers or record a failed request.
			r.inflight.Dec(backend.ID, model)
			return outcome, ferrors.Cancelled()
		}

		classification := classify.Classify(err)
		r.recordFailure(backend.ID, model, err, classification, outcome)
		r.inflight.Dec(backend.ID, model)

		chain = append(chain, ferrors.CandidateFailure{ServerID: backend.ID, Classification: string(classification), Err: err})
		lastErr = err

		if rc.Streaming && outcome.FirstByteWritten {
			return outcome, ferrors.UpstreamFailure(string(classification), err).WithChain(chain)
		}
		if classification == classify.NonRetryable {
			return outcome, ferrors.UpstreamFailure(string(classification), err).WithChain(chain)
		}
		// transient, retryable, unknown: continue to the next candidate.
	}

	return UpstreamOutcome{}, ferrors.AllCandidatesExhausted(lastErr, chain)
}

// recheck re-validates a candidate's freshness immediately before use: its
// state may have changed while the caller was still iterating the ranked
// list.
func (r *Router) recheck(backend fleet.Backend, model string) error {
	if !backend.Eligible() {
		return ferrors.ServerUnhealthy(backend.ID)
	}
	if r.cooldowns != nil {
		if r.cooldowns.IsBanned(backend.ID, model) {
			return ferrors.Banned(backend.ID, model)
		}
		if cooling, remaining := r.cooldowns.InCooldown(backend.ID, model); cooling {
			return ferrors.InCooldown(backend.ID, model, remaining)
		}
	}
	if r.breakers != nil {
		serverKey := breaker.Key{Server: backend.ID}
		if ok, _ := r.breakers.CanExecute(serverKey); !ok {
			return breaker.OpenError(serverKey)
		}
		modelKey := breaker.Key{Server: backend.ID, Model: model}
		if ok, _ := r.breakers.CanExecute(modelKey); !ok {
			return breaker.OpenError(modelKey)
		}
	}
	if backend.MaxConcurrency > 0 && r.inflight.Total(backend.ID) >= backend.MaxConcurrency {
		return fmt.Errorf("server %s at capacity", backend.ID)
	}
	return nil
}

func (r *Router) callOnce(ctx context.Context, backend fleet.Backend, model string, streaming bool, fn UpstreamFunc) (UpstreamOutcome, error) {
	callCtx := ctx
	var cancel context.CancelFunc
	if !streaming && r.config.RequestTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, r.config.RequestTimeout)
		defer cancel()
	}

	start := r.clock.Now()
	outcome, err := fn(callCtx, backend)
	if outcome.Duration == 0 {
		outcome.Duration = r.clock.Now().Sub(start)
	}
	return outcome, err
}

// recordFailure records a failed attempt on both the server-level and
// model-level breakers, records the failed request in metrics, and applies
// an exponentially escalating per-(server,model) cooldown. The exponent
// is the model-level breaker's observed failure
// count so repeated failures against the same pair escalate the cooldown
// even across successive requests, not just within one failover loop.
func (r *Router) recordFailure(serverID, model string, err error, classification classify.Classification, outcome UpstreamOutcome) {
	if r.breakers != nil {
		r.breakers.Get(breaker.Key{Server: serverID}).RecordFailure(err, classification)
		modelBreaker := r.breakers.Get(breaker.Key{Server: serverID, Model: model})
		modelBreaker.RecordFailure(err, classification)

		if r.cooldowns != nil {
			failures := modelBreaker.Snapshot().FailureCount
			r.cooldowns.StartCooldown(serverID, model, r.cooldownFor(failures))
		}
	} else if r.cooldowns != nil {
		r.cooldowns.StartCooldown(serverID, model, r.config.BaseCooldown)
	}

	if r.metricsA != nil {
		r.metricsA.RecordRequest(metrics.Key{Server: serverID, Model: model}, metrics.Outcome{
			Success:           false,
			Latency:           outcome.Duration,
			TokensGenerated:   outcome.TokensGenerated,
			TokensPrompt:      outcome.TokensPrompt,
			Streaming:         outcome.Streaming,
			TimeToFirstToken:  outcome.TimeToFirstToken,
			StreamingDuration: outcome.StreamingDuration,
			Timestamp:         r.clock.Now(),
		})
	}
}

// cooldownFor returns baseCooldown * 2^failures, capped at MaxCooldown. A
// non-positive count still cools down as a single failure.
func (r *Router) cooldownFor(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	d := r.config.BaseCooldown
	for i := 0; i < failures && d < r.config.MaxCooldown; i++ {
		d *= 2
	}
	if d > r.config.MaxCooldown {
		d = r.config.MaxCooldown
	}
	return d
}

func (r *Router) recordSuccess(serverID, model string, outcome UpstreamOutcome) {
	if r.breakers != nil {
		r.breakers.Get(breaker.Key{Server: serverID}).RecordSuccess(outcome.Duration)
		r.breakers.Get(breaker.Key{Server: serverID, Model: model}).RecordSuccess(outcome.Duration)
	}
	if r.metricsA != nil {
		r.metricsA.RecordRequest(metrics.Key{Server: serverID, Model: model}, metrics.Outcome{
			Success:           true,
			Latency:           outcome.Duration,
			TokensGenerated:   outcome.TokensGenerated,
			TokensPrompt:      outcome.TokensPrompt,
			Streaming:         outcome.Streaming,
			TimeToFirstToken:  outcome.TimeToFirstToken,
			StreamingDuration: outcome.StreamingDuration,
			Timestamp:         r.clock.Now(),
		})
	}
}

// ServerOptions configures a directed, load-balancer-bypassing request.
type ServerOptions struct {
	Streaming     bool
	BypassBreaker bool
}

// RequestToServer directs a request at a specific fleet member, bypassing
// the Load Balancer entirely. It still
// checks health, model advertisement, and cooldown/ban state; breaker
// checks are skipped only when opts.BypassBreaker is set, which is the path
// administrative probes and recovery tests use. Recording (breakers,
// metrics, cooldown) is otherwise identical to the failover path.
func (r *Router) RequestToServer(ctx context.Context, serverID, model string, opts ServerOptions, fn UpstreamFunc) (UpstreamOutcome, error) {
	model = fleet.ResolveTag(model)

	backend, ok := r.fleetReg.Get(serverID)
	if !ok {
		return UpstreamOutcome{}, ferrors.ServerNotFound(serverID)
	}
	if !backend.Eligible() {
		return UpstreamOutcome{}, ferrors.ServerUnhealthy(serverID)
	}
	if !backend.AdvertisesModel(model) {
		return UpstreamOutcome{}, ferrors.ModelNotAvailable(model)
	}
	if r.cooldowns != nil {
		if r.cooldowns.IsBanned(serverID, model) {
			return UpstreamOutcome{}, ferrors.Banned(serverID, model)
		}
		if cooling, remaining := r.cooldowns.InCooldown(serverID, model); cooling {
			return UpstreamOutcome{}, ferrors.InCooldown(serverID, model, remaining)
		}
	}

	if opts.BypassBreaker {
		atomic.AddInt64(&r.bypassCount, 1)
	} else if r.breakers != nil {
		serverKey := breaker.Key{Server: serverID}
		if ok, _ := r.breakers.CanExecute(serverKey); !ok {
			return UpstreamOutcome{}, breaker.OpenError(serverKey)
		}
		modelKey := breaker.Key{Server: serverID, Model: model}
		if ok, _ := r.breakers.CanExecute(modelKey); !ok {
			return UpstreamOutcome{}, breaker.OpenError(modelKey)
		}
	}

	r.inflight.Inc(serverID, model)
	outcome, err := r.callOnce(ctx, backend, model, opts.Streaming, fn)
	defer r.inflight.Dec(serverID, model)

	if err == nil {
		r.recordSuccess(serverID, model, outcome)
		return outcome, nil
	}

	if errors.Is(err, context.Canceled) {
		return outcome, ferrors.Cancelled()
	}

	classification := classify.Classify(err)
	if !opts.BypassBreaker {
		r.recordFailure(serverID, model, err, classification, outcome)
	} else if r.metricsA != nil {
		r.metricsA.RecordRequest(metrics.Key{Server: serverID, Model: model}, metrics.Outcome{
			Success: false, Latency: outcome.Duration, Timestamp: r.clock.Now(),
		})
	}
	return outcome, ferrors.UpstreamFailure(string(classification), err)
}
