// Package recovery implements the recovery coordinator: it proactively
// drives open breakers back through their half-open probe once their open
// timeout has elapsed, rather than waiting for the next routed request for
// that key to claim the probe.
//
// At most one probe is in flight per breaker key, a weighted semaphore
// bounds probes globally, and probe initiation is additionally throttled
// with a rate limiter so a fleet with many simultaneously open breakers
// can't fire a probe storm in one sweep. A per-key EWMA of probe outcomes
// is kept as a recovery-probability estimate for monitoring.
package recovery

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"fleetrouter/internal/clock"
	"fleetrouter/pkg/breaker"
	"fleetrouter/pkg/classify"
)

// ProbeFunc exercises a single breaker key (either a bare server or a
// (server, model) pair) and reports whether the probe succeeded. This is
// supplied by the host, mirroring health.Prober but keyed by breaker.Key
// rather than by fleet.Backend since a recovery probe may target a single
// model on a server rather than the whole server.
type ProbeFunc func(ctx context.Context, key breaker.Key) error

// Config tunes the coordinator.
type Config struct {
	// GlobalConcurrency bounds how many recovery probes may be in flight
	// across every breaker at once.
	GlobalConcurrency int64 `json:"global_concurrency" yaml:"global_concurrency"`
	// PollInterval is how often the coordinator scans for breakers whose
	// open timeout has elapsed and that are not already being probed.
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
	// ProbeTimeout bounds a single probe call.
	ProbeTimeout time.Duration `json:"probe_timeout" yaml:"probe_timeout"`
	// PostFailureCooldown is how long the coordinator waits before
	// attempting another proactive probe of the same key after one fails.
	PostFailureCooldown time.Duration `json:"post_failure_cooldown" yaml:"post_failure_cooldown"`
	// EWMASmoothing is the weight given to the newest probe outcome when
	// blending the recovery-probability estimate (alpha in the standard
	// EWMA formulation: estimate = alpha*sample + (1-alpha)*estimate).
	EWMASmoothing float64 `json:"ewma_smoothing" yaml:"ewma_smoothing"`
	// MaxProbesPerSecond caps how often new probes may be *initiated*
	// across the whole fleet, independent of GlobalConcurrency (which only
	// bounds how many run at once). A burst of simultaneously open
	// breakers is throttled into a steady trickle of probes rather than
	// all firing in the same sweep.
	MaxProbesPerSecond float64 `json:"max_probes_per_second" yaml:"max_probes_per_second"`
	// ProbeBurst is the token bucket burst size backing MaxProbesPerSecond.
	ProbeBurst int `json:"probe_burst" yaml:"probe_burst"`
}

// DefaultConfig returns reasonable coordinator defaults.
func DefaultConfig() Config {
	return Config{
		GlobalConcurrency:   4,
		PollInterval:        2 * time.Second,
		ProbeTimeout:        5 * time.Second,
		PostFailureCooldown: 10 * time.Second,
		EWMASmoothing:       0.3,
		MaxProbesPerSecond:  10,
		ProbeBurst:          10,
	}
}

type history struct {
	estimate     float64
	hasEstimate  bool
	cooldownUntil time.Time
}

// Coordinator proactively drives recovery probes for open breakers.
type Coordinator struct {
	breakers *breaker.Registry
	probeFn  ProbeFunc
	config   Config
	clock    clock.Clock
	logger   *zap.Logger

	sem     *semaphore.Weighted
	limiter *rate.Limiter

	mu        sync.Mutex
	inFlight  map[breaker.Key]bool
	histories map[breaker.Key]*history

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Coordinator. probeFn is required; it performs the actual
// recovery probe call against the backend identified by a breaker key.
func New(breakers *breaker.Registry, probeFn ProbeFunc, config Config, c clock.Clock, logger *zap.Logger) *Coordinator {
	if c == nil {
		c = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.GlobalConcurrency <= 0 {
		config.GlobalConcurrency = 1
	}
	burst := config.ProbeBurst
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Limit(config.MaxProbesPerSecond)
	if config.MaxProbesPerSecond <= 0 {
		limit = rate.Inf
	}
	return &Coordinator{
		breakers:  breakers,
		probeFn:   probeFn,
		config:    config,
		clock:     c,
		logger:    logger,
		sem:       semaphore.NewWeighted(config.GlobalConcurrency),
		limiter:   rate.NewLimiter(limit, burst),
		inFlight:  make(map[breaker.Key]bool),
		histories: make(map[breaker.Key]*history),
	}
}

// Start begins the background polling loop that looks for open breakers
// eligible for a proactive probe.
func (c *Coordinator) Start(ctx context.Context) {
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})

	ticker := c.clock.NewTicker(c.config.PollInterval)
	go func() {
		defer close(c.doneCh)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C():
				c.sweepOnce(ctx)
			}
		}
	}()
}

// Stop halts the polling loop and waits for it to exit. In-flight probes
// are not cancelled; they are left to finish and record their own outcome.
func (c *Coordinator) Stop() {
	if c.stopCh == nil {
		return
	}
	close(c.stopCh)
	<-c.doneCh
}

// sweepOnce scans every breaker the registry owns for one eligible for a
// proactive half-open probe: open, past its timeout, not already being
// probed by this coordinator, and not in its post-failure cooldown.
func (c *Coordinator) sweepOnce(ctx context.Context) {
	now := c.clock.Now()
	for _, b := range c.breakers.All() {
		key := b.Key()
		if !b.AllowProbe() {
			continue
		}

		c.mu.Lock()
		if c.inFlight[key] {
			c.mu.Unlock()
			continue
		}
		h := c.histories[key]
		if h != nil && now.Before(h.cooldownUntil) {
			c.mu.Unlock()
			continue
		}
		if !c.sem.TryAcquire(1) {
			c.mu.Unlock()
			continue
		}
		if !c.limiter.Allow() {
			c.sem.Release(1)
			c.mu.Unlock()
			continue
		}
		c.inFlight[key] = true
		c.mu.Unlock()

		go c.runProbe(ctx, b)
	}
}

func (c *Coordinator) runProbe(ctx context.Context, b *breaker.Breaker) {
	key := b.Key()
	defer func() {
		c.sem.Release(1)
		c.mu.Lock()
		delete(c.inFlight, key)
		c.mu.Unlock()
	}()

	// b.CanExecute claims the breaker's own single half-open probe slot.
	// If something else (an ordinary routed request re-checking the
	// breaker, or a concurrent call) has already claimed it, this
	// proactive attempt simply backs off until the next poll.
	allowed, _ := b.CanExecute()
	if !allowed {
		return
	}

	probeCtx := ctx
	var cancel context.CancelFunc
	if c.config.ProbeTimeout > 0 {
		probeCtx, cancel = context.WithTimeout(ctx, c.config.ProbeTimeout)
		defer cancel()
	}

	start := c.clock.Now()
	err := c.probeFn(probeCtx, key)
	duration := c.clock.Now().Sub(start)

	if err == nil {
		b.RecordSuccess(duration)
		c.recordOutcome(key, true)
		c.logger.Info("recovery probe succeeded", zap.String("key", key.String()))
		return
	}

	b.RecordFailure(err, classify.Classify(err))
	c.recordOutcome(key, false)
	c.logger.Info("recovery probe failed", zap.String("key", key.String()), zap.Error(err))
}

func (c *Coordinator) recordOutcome(key breaker.Key, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := c.histories[key]
	if h == nil {
		h = &history{}
		c.histories[key] = h
	}

	sample := 0.0
	if success {
		sample = 1.0
	}
	if !h.hasEstimate {
		h.estimate = sample
		h.hasEstimate = true
	} else {
		alpha := c.config.EWMASmoothing
		h.estimate = alpha*sample + (1-alpha)*h.estimate
	}

	if !success {
		h.cooldownUntil = c.clock.Now().Add(c.config.PostFailureCooldown)
	} else {
		h.cooldownUntil = time.Time{}
	}
}

// RecoveryProbability returns the EWMA-smoothed estimate of this breaker
// key's probe success probability, for monitoring. The
// second return is false if no probe has ever been recorded for key.
func (c *Coordinator) RecoveryProbability(key breaker.Key) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.histories[key]
	if !ok || !h.hasEstimate {
		return 0, false
	}
	return h.estimate, true
}
