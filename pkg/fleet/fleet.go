// Package fleet implements the fleet registry: the canonical in-memory set
// of backends, with uniqueness on id and URL, add/remove events for
// downstream pruning, and synchronous flag updates.
package fleet

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Capabilities declares the wire shapes a backend can serve.
type Capabilities struct {
	SupportsNativeProtocol bool
	SupportsOpenAIShape    bool
}

// HardwareSnapshot is the optional last-observed hardware state reported by
// the Health Scheduler.
type HardwareSnapshot struct {
	LoadedModels []string
	VRAMUsedMB   int64
	VRAMTotalMB  int64
	ObservedAt   time.Time
}

// Backend is a single fleet entry.
type Backend struct {
	ID           string
	URL          string
	Capabilities Capabilities
	MaxConcurrency int
	Models       []string
	Healthy      bool
	Draining     bool
	Maintenance  bool
	APIKeyRef    string
	Hardware     *HardwareSnapshot
}

// Eligible reports whether a backend may currently receive routed traffic.
func (b Backend) Eligible() bool {
	return b.Healthy && !b.Draining && !b.Maintenance
}

// AdvertisesModel reports whether the backend's model list contains tag,
// resolving a bare tag against the "name:latest" convention so "llama3" and
// "llama3:latest" are treated as the same candidate set.
func (b Backend) AdvertisesModel(tag string) bool {
	resolved := ResolveTag(tag)
	for _, m := range b.Models {
		if ResolveTag(m) == resolved {
			return true
		}
	}
	return false
}

// ResolveTag normalizes a model reference by appending the default ":latest"
// suffix when no tag is present, mirroring how registries resolve bare image
// names.
func ResolveTag(name string) string {
	if strings.Contains(name, ":") {
		return name
	}
	return name + ":latest"
}

// EventKind distinguishes fleet membership change notifications.
type EventKind int

const (
	EventAdded EventKind = iota
	EventRemoved
)

// Event is published on every add/remove so the metrics aggregator and
// breaker registry can prune their own state.
type Event struct {
	Kind    EventKind
	Backend Backend
}

// Listener receives fleet membership events.
type Listener func(Event)

// Registry owns the canonical backend set.
type Registry struct {
	mu       sync.RWMutex
	byID     map[string]*Backend
	byURL    map[string]string // url -> id, for uniqueness enforcement

	listenersMu sync.Mutex
	listeners   []Listener

	logger *zap.Logger
}

// New creates an empty Registry.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		byID:   make(map[string]*Backend),
		byURL:  make(map[string]string),
		logger: logger,
	}
}

// Subscribe registers a listener for every future add/remove event.
func (r *Registry) Subscribe(l Listener) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *Registry) publish(e Event) {
	r.listenersMu.Lock()
	listeners := make([]Listener, len(r.listeners))
	copy(listeners, r.listeners)
	r.listenersMu.Unlock()

	for _, l := range listeners {
		l(e)
	}
}

// Add registers a new backend, rejecting a duplicate id or URL.
func (r *Registry) Add(b Backend) error {
	r.mu.Lock()
	if _, exists := r.byID[b.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("fleet: backend id %q already registered", b.ID)
	}
	if existingID, exists := r.byURL[b.URL]; exists {
		r.mu.Unlock()
		return fmt.Errorf("fleet: backend URL %q already registered to %q", b.URL, existingID)
	}

	cp := b
	r.byID[b.ID] = &cp
	r.byURL[b.URL] = b.ID
	r.mu.Unlock()

	r.logger.Info("backend added", zap.String("server_id", b.ID), zap.String("url", b.URL))
	r.publish(Event{Kind: EventAdded, Backend: cp})
	return nil
}

// Remove destroys a backend, if present, and publishes a removal event.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	b, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.byID, id)
	delete(r.byURL, b.URL)
	cp := *b
	r.mu.Unlock()

	r.logger.Info("backend removed", zap.String("server_id", id))
	r.publish(Event{Kind: EventRemoved, Backend: cp})
	return true
}

// Get returns a copy of the backend for id, if present.
func (r *Registry) Get(id string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.byID[id]
	if !ok {
		return Backend{}, false
	}
	return *b, true
}

// Exists reports whether id is currently registered, used by the breaker
// registry's existence check when reloading persisted state.
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byID[id]
	return ok
}

// All returns a snapshot of every registered backend.
func (r *Registry) All() []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Backend, 0, len(r.byID))
	for _, b := range r.byID {
		out = append(out, *b)
	}
	return out
}

// ForModel returns every backend advertising tag, using ResolveTag
// normalization.
func (r *Registry) ForModel(tag string) []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Backend
	for _, b := range r.byID {
		if b.AdvertisesModel(tag) {
			out = append(out, *b)
		}
	}
	return out
}

// SetHealthy synchronously updates a backend's healthy flag; flags are
// mutated only by the health scheduler and admin operations.
func (r *Registry) SetHealthy(id string, healthy bool) bool {
	return r.mutate(id, func(b *Backend) { b.Healthy = healthy })
}

// SetDraining synchronously updates a backend's draining flag.
func (r *Registry) SetDraining(id string, draining bool) bool {
	return r.mutate(id, func(b *Backend) { b.Draining = draining })
}

// SetMaintenance synchronously updates a backend's maintenance flag.
func (r *Registry) SetMaintenance(id string, maintenance bool) bool {
	return r.mutate(id, func(b *Backend) { b.Maintenance = maintenance })
}

// SetModels replaces a backend's advertised model list, as discovered by the
// Health Scheduler's list-models probe.
func (r *Registry) SetModels(id string, models []string) bool {
	return r.mutate(id, func(b *Backend) { b.Models = models })
}

// SetHardware records the last-observed hardware snapshot.
func (r *Registry) SetHardware(id string, snap HardwareSnapshot) bool {
	return r.mutate(id, func(b *Backend) { b.Hardware = &snap })
}

// SetCapabilities updates the discovered capability bits.
func (r *Registry) SetCapabilities(id string, caps Capabilities) bool {
	return r.mutate(id, func(b *Backend) { b.Capabilities = caps })
}

func (r *Registry) mutate(id string, fn func(b *Backend)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.byID[id]
	if !ok {
		return false
	}
	fn(b)
	return true
}

// Len returns the number of registered backends.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
