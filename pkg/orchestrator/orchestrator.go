// Package orchestrator wires the routing components into the single
// long-lived object a host embeds: the Fleet Registry, Breaker Registry,
// Metrics Aggregator, and Priority Queue as its process-wide singletons,
// plus the Load Balancer, Routing Engine, Health Scheduler, Recovery
// Coordinator, and Persistence stores that operate over them.
//
// New wires the components and Initialize loads persisted state, neither
// starting background work beyond the queue's boost ticker; Start flips the components that poll on a timer into their running
// state; Shutdown stops background work and persists.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"fleetrouter/internal/clock"
	"fleetrouter/pkg/balancer"
	"fleetrouter/pkg/breaker"
	"fleetrouter/pkg/fleet"
	"fleetrouter/pkg/health"
	"fleetrouter/pkg/metrics"
	"fleetrouter/pkg/persistence"
	"fleetrouter/pkg/queue"
	"fleetrouter/pkg/recovery"
	"fleetrouter/pkg/router"
	"fleetrouter/pkg/stream"
	"fleetrouter/pkg/warmup"
)

// Config composes every component's own config struct.
type Config struct {
	Breaker  breaker.Config
	Metrics  metrics.Config
	Queue    queue.Config
	Health   health.Config
	Balancer balancer.Config
	Router   router.Config
	Recovery recovery.Config
	Stream   stream.Config
	Warmup   warmup.Config

	// DataDir, when non-empty, enables persistence: breaker and metrics
	// snapshots are written under it as "breakers.json" / "metrics.json"
	// with MaxBackups rotated copies each. Empty disables persistence
	// entirely (an in-memory-only deployment).
	DataDir    string
	MaxBackups int
}

// DefaultConfig returns the component defaults, persistence disabled.
func DefaultConfig() Config {
	return Config{
		Breaker:    breaker.DefaultConfig(),
		Metrics:    metrics.DefaultConfig(),
		Queue:      queue.DefaultConfig(),
		Health:     health.DefaultConfig(),
		Balancer:   balancer.DefaultConfig(),
		Router:     router.DefaultConfig(),
		Recovery:   recovery.DefaultConfig(),
		Stream:     stream.DefaultConfig(),
		Warmup:     warmup.DefaultConfig(),
		MaxBackups: 3,
	}
}

// Orchestrator owns every component and exposes the inbound surface: the
// two routing entry points plus the administrative operations. It does not
// itself speak any wire protocol; upstreamFn and the health Prober are
// supplied by the host.
type Orchestrator struct {
	config Config
	logger *zap.Logger
	clock  clock.Clock

	FleetRegistry *fleet.Registry
	Breakers      *breaker.Registry
	Metrics       *metrics.Aggregator
	Queue         *queue.Queue
	Cooldowns     *fleet.CooldownTracker
	InFlight      *balancer.InFlightTracker
	Balancer      *balancer.Balancer
	Router        *router.Router
	Health        *health.Scheduler
	Recovery      *recovery.Coordinator
	Warmup        *warmup.Manager

	metricsStore  *persistence.Store
	breakerStore  *persistence.Store
	metricsPersist *persistence.MetricsPersister
	breakerPersist *persistence.BreakerPersister

	mu           sync.Mutex
	started      bool
	shutdown     bool
	healthCtx    context.Context
	healthCancel context.CancelFunc
}

// New constructs an Orchestrator and every component it owns, but performs
// no I/O and starts no background goroutines beyond those New() of the
// constituent packages themselves start (the queue's boost ticker). Call
// Initialize then Start before serving traffic.
func New(config Config, prober health.Prober, logger *zap.Logger, c clock.Clock) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if c == nil {
		c = clock.Real{}
	}

	o := &Orchestrator{
		config: config,
		logger: logger,
		clock:  c,
	}

	o.FleetRegistry = fleet.New(logger)
	o.Breakers = breaker.NewRegistry(config.Breaker, c, logger)
	o.Breakers.SetExistenceCheck(o.FleetRegistry.Exists)
	o.Cooldowns = fleet.NewCooldownTracker(c)
	o.InFlight = balancer.NewInFlightTracker()

	if config.DataDir != "" {
		maxBackups := config.MaxBackups
		if maxBackups <= 0 {
			maxBackups = 3
		}
		o.metricsStore = persistence.New(config.DataDir+"/metrics.json", maxBackups, logger)
		o.breakerStore = persistence.New(config.DataDir+"/breakers.json", maxBackups, logger)
		o.metricsPersist = persistence.NewMetricsPersister(o.metricsStore)
		o.breakerPersist = persistence.NewBreakerPersister(o.breakerStore)
	}

	var metricsPersister metrics.Persister
	if o.metricsPersist != nil {
		metricsPersister = o.metricsPersist
	}
	o.Metrics = metrics.New(config.Metrics, metricsPersister, c, logger, nil)

	o.Queue = queue.New(config.Queue, c, logger)

	o.Balancer = balancer.New(o.FleetRegistry, o.Metrics, o.Breakers, o.Cooldowns, o.InFlight, config.Balancer)
	o.Router = router.New(o.FleetRegistry, o.Balancer, o.Breakers, o.Metrics, o.Cooldowns, o.InFlight, config.Router, c, logger)

	if prober != nil {
		o.Health = health.New(o.FleetRegistry, o.Breakers, prober, config.Health, c, logger)
	}

	o.Recovery = recovery.New(o.Breakers, o.recoveryProbe(prober), config.Recovery, c, logger)

	return o
}

// EnableWarmup installs the host's warm function and constructs the warmup
// Manager. Warmup stays nil (and WarmModel errors) until this is called,
// since warming is an optional auxiliary subsystem rather than part of the
// routing core.
func (o *Orchestrator) EnableWarmup(fn warmup.WarmFunc) {
	o.Warmup = warmup.NewManager(o.FleetRegistry, fn, o.config.Warmup, o.clock, o.logger)
}

// Drain blocks until the queue is empty and every in-flight request has
// concluded, or ctx expires. It does not stop new work arriving; hosts
// pause the queue and stop routing first, then Drain, then Shutdown.
func (o *Orchestrator) Drain(ctx context.Context) error {
	for {
		if o.Queue.Size() == 0 && o.totalInFlight() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.clock.After(25 * time.Millisecond):
		}
	}
}

func (o *Orchestrator) totalInFlight() int {
	total := 0
	for _, b := range o.FleetRegistry.All() {
		total += o.InFlight.Total(b.ID)
	}
	return total
}

// recoveryProbe adapts the host's health.Prober into the recovery
// Coordinator's narrower breaker-key probe shape: a server-level key probes
// the backend directly, a (server, model) key additionally requires the
// model appear in that probe's advertised list.
func (o *Orchestrator) recoveryProbe(prober health.Prober) recovery.ProbeFunc {
	return func(ctx context.Context, key breaker.Key) error {
		if prober == nil {
			return fmt.Errorf("orchestrator: no health prober configured")
		}
		backend, ok := o.FleetRegistry.Get(key.Server)
		if !ok {
			return fmt.Errorf("orchestrator: recovery probe: server %s not found", key.Server)
		}
		result, err := prober.Probe(ctx, backend)
		if err != nil {
			return err
		}
		if !result.Healthy {
			return fmt.Errorf("orchestrator: recovery probe: %s unhealthy", key.Server)
		}
		if key.IsServerLevel() {
			return nil
		}
		for _, m := range result.AdvertisedModels {
			if fleet.ResolveTag(m) == fleet.ResolveTag(key.Model) {
				return nil
			}
		}
		return fmt.Errorf("orchestrator: recovery probe: %s no longer advertises %s", key.Server, key.Model)
	}
}

// Initialize loads any persisted breaker and metrics state. It must be
// called at most once, before Start.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	if o.breakerPersist != nil {
		snaps, err := o.breakerPersist.Load()
		if err != nil {
			return fmt.Errorf("orchestrator: load breaker snapshots: %w", err)
		}
		if snaps != nil {
			o.Breakers.LoadSnapshots(snaps)
		}
	}
	if o.metricsPersist != nil {
		snaps, err := o.metricsPersist.LoadMetrics()
		if err != nil {
			return fmt.Errorf("orchestrator: load metrics snapshots: %w", err)
		}
		if snaps != nil {
			o.Metrics.LoadSnapshots(snaps)
		}
	}
	o.logger.Info("orchestrator initialized",
		zap.String("data_dir", o.config.DataDir),
		zap.Bool("persistence_enabled", o.metricsStore != nil))
	return nil
}

// Start begins background work: health sweeps and recovery probing. Serving
// requests via TryRequestWithFailover/RequestToServer is safe even before
// Start, since the routing engine itself starts no goroutines; Start only
// brings up the components that poll on a timer.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return fmt.Errorf("orchestrator: already started")
	}

	healthCtx, cancel := context.WithCancel(ctx)
	o.healthCtx = healthCtx
	o.healthCancel = cancel

	if o.Health != nil {
		o.Health.Start(healthCtx)
	}
	o.Recovery.Start(healthCtx)

	o.started = true
	o.logger.Info("orchestrator started")
	return nil
}

// Shutdown stops background work and synchronously flushes metrics and
// breaker state. In-flight client requests are the host's concern, not
// this package's; Drain exists for hosts that want to wait them out first.
// The flush serializes against in-flight snapshot writes via the Store's
// own mutex, and runs even if Start was never called, so a host that only
// ever used the routing/admin surface still gets a clean final snapshot.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.shutdown {
		return nil
	}
	o.shutdown = true

	if o.started {
		if o.healthCancel != nil {
			o.healthCancel()
		}
		if o.Health != nil {
			o.Health.Stop()
		}
		o.Recovery.Stop()
		o.started = false
	}
	o.Queue.Stop()

	var errs []error
	if err := o.Metrics.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("flush metrics: %w", err))
	}
	if o.breakerPersist != nil {
		if err := o.breakerPersist.Save(o.Breakers.Snapshots()); err != nil {
			errs = append(errs, fmt.Errorf("flush breakers: %w", err))
		}
	}

	o.logger.Info("orchestrator shut down", zap.Int("errors", len(errs)))
	if len(errs) > 0 {
		return fmt.Errorf("orchestrator: shutdown errors: %v", errs)
	}
	return nil
}
