// Package health implements the health scheduler: periodic
// bounded-concurrency probes across the fleet that feed capability/model
// discovery back into the Fleet Registry and force-close server-level
// breakers on a successful probe.
//
// Sweeps fan out with bounded concurrency and a small inter-batch delay so
// a large fleet is probed gradually rather than all at once.
package health

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fleetrouter/internal/clock"
	"fleetrouter/pkg/breaker"
	"fleetrouter/pkg/fleet"
)

// ProbeResult is the outcome of probing a single backend.
type ProbeResult struct {
	Healthy          bool
	ResponseTime     time.Duration
	AdvertisedModels []string
	LoadedModels     []string
	SupportsNative   bool
	SupportsOpenAI   bool
}

// Prober performs the actual capability-discovery and list-models calls
// against a backend. The host supplies the implementation; this package is
// protocol-agnostic.
type Prober interface {
	Probe(ctx context.Context, backend fleet.Backend) (ProbeResult, error)
}

// Config tunes sweep cadence, concurrency, and per-probe timeout.
type Config struct {
	Interval        time.Duration `json:"interval" yaml:"interval"`
	Concurrency     int           `json:"concurrency" yaml:"concurrency"`
	InterBatchDelay time.Duration `json:"inter_batch_delay" yaml:"inter_batch_delay"`
	ProbeTimeout    time.Duration `json:"probe_timeout" yaml:"probe_timeout"`
}

// DefaultConfig returns sensible health-scheduler defaults.
func DefaultConfig() Config {
	return Config{
		Interval:        30 * time.Second,
		Concurrency:     4,
		InterBatchDelay: 250 * time.Millisecond,
		ProbeTimeout:    5 * time.Second,
	}
}

// BackendResult pairs a probed backend with its outcome.
type BackendResult struct {
	BackendID string
	Result    ProbeResult
	Err       error
}

// SweepEvent is emitted once per completed sweep.
type SweepEvent struct {
	Started  time.Time
	Finished time.Time
	Results  []BackendResult
}

// SweepListener receives every completed sweep.
type SweepListener func(SweepEvent)

// Scheduler periodically probes every backend in the fleet registry.
type Scheduler struct {
	fleetReg *fleet.Registry
	breakers *breaker.Registry
	prober   Prober
	config   Config
	clock    clock.Clock
	logger   *zap.Logger

	listeners []SweepListener

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Scheduler. It does not start probing until Start is called.
func New(fleetReg *fleet.Registry, breakers *breaker.Registry, prober Prober, config Config, c clock.Clock, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if c == nil {
		c = clock.Real{}
	}
	return &Scheduler{
		fleetReg: fleetReg,
		breakers: breakers,
		prober:   prober,
		config:   config,
		clock:    c,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// OnSweep registers a listener invoked after every completed sweep.
func (s *Scheduler) OnSweep(l SweepListener) {
	s.listeners = append(s.listeners, l)
}

// Start runs the periodic sweep loop in a new goroutine until Stop is
// called.
func (s *Scheduler) Start(ctx context.Context) {
	go s.loop(ctx)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.doneCh)
	if s.config.Interval <= 0 {
		return
	}
	ticker := s.clock.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.Sweep(ctx)
		}
	}
}

// Sweep probes every backend currently in the fleet once, with bounded
// concurrency, and publishes the resulting SweepEvent.
func (s *Scheduler) Sweep(ctx context.Context) SweepEvent {
	started := s.clock.Now()
	backends := s.fleetReg.All()

	results := make([]BackendResult, len(backends))

	limit := s.config.Concurrency
	if limit <= 0 {
		limit = 1
	}

	for batchStart := 0; batchStart < len(backends); batchStart += limit {
		batchEnd := batchStart + limit
		if batchEnd > len(backends) {
			batchEnd = len(backends)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(limit)
		for i := batchStart; i < batchEnd; i++ {
			i := i
			g.Go(func() error {
				results[i] = s.probeOne(gctx, backends[i])
				return nil
			})
		}
		_ = g.Wait()

		if batchEnd < len(backends) && s.config.InterBatchDelay > 0 {
			s.clock.Sleep(s.config.InterBatchDelay)
		}
	}

	event := SweepEvent{Started: started, Finished: s.clock.Now(), Results: results}
	for _, l := range s.listeners {
		l(event)
	}
	return event
}

func (s *Scheduler) probeOne(ctx context.Context, b fleet.Backend) BackendResult {
	probeCtx := ctx
	var cancel context.CancelFunc
	if s.config.ProbeTimeout > 0 {
		probeCtx, cancel = context.WithTimeout(ctx, s.config.ProbeTimeout)
		defer cancel()
	}

	result, err := s.prober.Probe(probeCtx, b)
	if err != nil {
		s.logger.Warn("health probe failed", zap.String("server_id", b.ID), zap.Error(err))
		s.fleetReg.SetHealthy(b.ID, false)
		return BackendResult{BackendID: b.ID, Result: result, Err: err}
	}

	s.fleetReg.SetHealthy(b.ID, result.Healthy)
	if result.Healthy {
		if len(result.AdvertisedModels) > 0 {
			s.fleetReg.SetModels(b.ID, result.AdvertisedModels)
		}
		s.fleetReg.SetCapabilities(b.ID, fleet.Capabilities{
			SupportsNativeProtocol: result.SupportsNative,
			SupportsOpenAIShape:    result.SupportsOpenAI,
		})
		s.fleetReg.SetHardware(b.ID, fleet.HardwareSnapshot{
			LoadedModels: result.LoadedModels,
			ObservedAt:   s.clock.Now(),
		})

		// A successful probe against a server whose breaker is open
		// force-closes only the server-level breaker; model-level breakers
		// are left alone.
		if s.breakers != nil {
			s.breakers.ForceCloseServer(b.ID, "health-probe-succeeded")
		}
	}

	return BackendResult{BackendID: b.ID, Result: result}
}

// Stop halts the sweep loop. Safe to call once.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}
