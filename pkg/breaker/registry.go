package breaker

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"fleetrouter/internal/clock"
)

// Subscriber receives every transition published by any breaker owned by
// the registry. Subscribers are invoked synchronously and must return
// quickly; slow subscribers will stall the breaker that triggered them.
type Subscriber func(key Key, t Transition)

// Registry lazily creates and owns breakers keyed by server and by
// (server, model). It fails cheaply: asking about a key with no breaker
// yet created is equivalent to "implicitly closed" (permitted).
type Registry struct {
	defaultConfig Config
	clock         clock.Clock
	logger        *zap.Logger

	mu          sync.RWMutex
	breakers    map[Key]*Breaker
	subscribers []Subscriber
	subMu       sync.Mutex

	// existingServer reports whether a server id is still present in the
	// fleet, consulted when reloading persisted state so breakers for
	// removed servers are discarded rather than resurrected.
	existingServer func(serverID string) bool

	promState *prometheus.GaugeVec
}

// NewRegistry creates a registry with the given default breaker
// configuration, applied to any breaker lazily created without an explicit
// override. A nil clock defaults to the wall clock. registry may be nil to
// skip prometheus registration (e.g. in tests), matching metrics.New's
// convention.
func NewRegistry(defaultConfig Config, c clock.Clock, logger *zap.Logger, registry ...prometheus.Registerer) *Registry {
	if c == nil {
		c = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		defaultConfig: defaultConfig,
		clock:         c,
		logger:        logger,
		breakers:      make(map[Key]*Breaker),
	}

	r.promState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleetrouter_breaker_state",
		Help: "Circuit breaker state per (server, model): 0=closed, 1=open, 2=half-open.",
	}, []string{"server", "model"})
	r.Subscribe(func(key Key, t Transition) {
		r.promState.WithLabelValues(key.Server, key.Model).Set(float64(t.To))
	})

	if len(registry) > 0 && registry[0] != nil {
		registry[0].MustRegister(r.promState)
	}

	return r
}

// SetExistenceCheck installs the predicate used by LoadSnapshots to decide
// whether a persisted breaker's server still exists in the fleet.
func (r *Registry) SetExistenceCheck(fn func(serverID string) bool) {
	r.existingServer = fn
}

// Subscribe registers a listener for every transition across every breaker
// this registry owns (present and future).
func (r *Registry) Subscribe(s Subscriber) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	r.subscribers = append(r.subscribers, s)
}

func (r *Registry) broadcast(key Key, t Transition) {
	r.subMu.Lock()
	subs := make([]Subscriber, len(r.subscribers))
	copy(subs, r.subscribers)
	r.subMu.Unlock()

	for _, s := range subs {
		s(key, t)
	}
}

// Get returns the breaker for key, creating it with the default
// configuration if it does not yet exist.
func (r *Registry) Get(key Key) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[key]; ok {
		return b
	}
	b = New(key, r.defaultConfig, r.broadcast, r.clock, r.logger)
	r.breakers[key] = b
	return b
}

// GetWithConfig returns the breaker for key, creating it with config if it
// does not yet exist. If the breaker already exists its configuration is
// left unchanged.
func (r *Registry) GetWithConfig(key Key, config Config) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[key]; ok {
		return b
	}
	b = New(key, config, r.broadcast, r.clock, r.logger)
	r.breakers[key] = b
	return b
}

// Lookup returns the breaker for key without creating one. Absence of a
// breaker is not an error: it means the key has never failed and is
// implicitly closed.
func (r *Registry) Lookup(key Key) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[key]
	return b, ok
}

// CanExecute reports whether key currently permits a call. A key with no
// breaker yet is implicitly closed, and therefore always allowed.
func (r *Registry) CanExecute(key Key) (bool, string) {
	b, ok := r.Lookup(key)
	if !ok {
		return true, ""
	}
	return b.CanExecute()
}

// StateOf reports a breaker's current state without the side effects
// CanExecute has (CanExecute may transition an elapsed-timeout breaker into
// half-open and claim its single probe slot). Callers that only need to
// rank or filter candidates, rather than actually execute against one,
// should use this instead. An open breaker whose open timeout has elapsed
// is reported as HalfOpen, since its next CanExecute grants the probe.
func (r *Registry) StateOf(key Key) (State, bool) {
	b, ok := r.Lookup(key)
	if !ok {
		return Closed, false
	}
	if b.AllowProbe() {
		return HalfOpen, true
	}
	return b.State(), true
}

// Remove drops a breaker from the registry, e.g. when its server has been
// removed from the fleet.
func (r *Registry) Remove(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, key)
}

// All returns a snapshot of every breaker currently tracked, for stats
// reporting and persistence.
func (r *Registry) All() []*Breaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b)
	}
	return out
}

// Snapshots returns a persistable view of every breaker.
func (r *Registry) Snapshots() map[Key]Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[Key]Snapshot, len(r.breakers))
	for k, b := range r.breakers {
		out[k] = b.Snapshot()
	}
	return out
}

// LoadSnapshots restores breakers from persisted snapshots, discarding any
// whose server no longer exists in the fleet (per the installed existence
// check, if any).
func (r *Registry) LoadSnapshots(snaps map[Key]Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for k, snap := range snaps {
		if r.existingServer != nil && !r.existingServer(k.Server) {
			r.logger.Info("discarding persisted breaker for removed server",
				zap.String("key", k.String()))
			continue
		}
		r.breakers[k] = Restore(snap, r.defaultConfig, r.broadcast, r.clock, r.logger)
	}
}

// ForceCloseServer force-closes the server-level breaker for serverID. This
// is the path the Health Scheduler uses after a successful probe;
// model-level breakers for that server are left untouched.
func (r *Registry) ForceCloseServer(serverID, reason string) {
	b, ok := r.Lookup(Key{Server: serverID})
	if !ok {
		return
	}
	if b.State() == Open {
		b.ForceClose(reason)
	}
}
