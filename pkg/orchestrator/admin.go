package orchestrator

import (
	"context"
	"fmt"
	"time"

	"fleetrouter/pkg/breaker"
	"fleetrouter/pkg/fleet"
	"fleetrouter/pkg/metrics"
	"fleetrouter/pkg/queue"
	"fleetrouter/pkg/warmup"
)

// This file implements the administrative surface: add/remove backend,
// list backends, reset breakers, stats, queue control, metrics snapshot,
// per-(server,model) detail, ban/unban, force-open/force-close, warmup.
// Every method here surfaces its error directly rather than retrying or
// folding it into a candidate chain.

// AddBackend registers a new backend with the fleet.
func (o *Orchestrator) AddBackend(b fleet.Backend) error {
	return o.FleetRegistry.Add(b)
}

// RemoveBackend deregisters a backend and clears every piece of state keyed
// on it: its cooldowns/bans, its server-level breaker, and any per-model
// breakers referencing it directly (the registry's own existence check
// handles the persisted-reload case; this handles the live-removal case).
func (o *Orchestrator) RemoveBackend(id string) bool {
	removed := o.FleetRegistry.Remove(id)
	if !removed {
		return false
	}
	o.Cooldowns.Remove(id)
	o.Breakers.Remove(breaker.Key{Server: id})
	for _, b := range o.Breakers.All() {
		if b.Key().Server == id {
			o.Breakers.Remove(b.Key())
		}
	}
	for _, key := range o.Metrics.Keys() {
		if key.Server == id {
			o.Metrics.Remove(key)
		}
	}
	return true
}

// ListBackends returns every registered backend.
func (o *Orchestrator) ListBackends() []fleet.Backend {
	return o.FleetRegistry.All()
}

// ResetServerBreaker clears a server-level breaker back to closed with fresh
// counters.
func (o *Orchestrator) ResetServerBreaker(serverID string) {
	o.Breakers.Get(breaker.Key{Server: serverID}).Reset()
}

// ResetModelBreaker clears a (server, model) breaker back to closed with
// fresh counters.
func (o *Orchestrator) ResetModelBreaker(serverID, model string) {
	o.Breakers.Get(breaker.Key{Server: serverID, Model: model}).Reset()
}

// ForceOpenBreaker forces the named breaker open regardless of its counters.
func (o *Orchestrator) ForceOpenBreaker(key breaker.Key, reason string) {
	o.Breakers.Get(key).ForceOpen(reason)
}

// ForceCloseBreaker forces the named breaker closed regardless of its
// counters.
func (o *Orchestrator) ForceCloseBreaker(key breaker.Key, reason string) {
	o.Breakers.Get(key).ForceClose(reason)
}

// BreakerSnapshot returns the current snapshot for a breaker, creating it
// (implicitly closed) if it doesn't exist yet.
func (o *Orchestrator) BreakerSnapshot(key breaker.Key) breaker.Snapshot {
	return o.Breakers.Get(key).Snapshot()
}

// BanPair administratively bans a (server, model) pair from selection.
func (o *Orchestrator) BanPair(server, model string) {
	o.Cooldowns.Ban(server, model)
}

// UnbanPair clears an administrative ban.
func (o *Orchestrator) UnbanPair(server, model string) {
	o.Cooldowns.Unban(server, model)
}

// BannedPairs lists every currently banned (server, model) pair.
func (o *Orchestrator) BannedPairs() []struct{ Server, Model string } {
	return o.Cooldowns.BannedPairs()
}

// CooldownPairs lists every (server, model) pair currently cooling down.
func (o *Orchestrator) CooldownPairs() []struct {
	Server, Model string
	Remaining     time.Duration
} {
	return o.Cooldowns.CooldownPairs()
}

// QueueStats returns the priority queue's current counters.
func (o *Orchestrator) QueueStats() queue.Stats {
	return o.Queue.Stats()
}

// PauseQueue stops new enqueues; dequeues continue uninterrupted.
func (o *Orchestrator) PauseQueue() {
	o.Queue.Pause()
}

// ResumeQueue re-enables enqueues.
func (o *Orchestrator) ResumeQueue() {
	o.Queue.Resume()
}

// DrainQueue empties the queue, rejecting every resident envelope with
// queue-cleared.
func (o *Orchestrator) DrainQueue() {
	o.Queue.Clear()
}

// MetricsSnapshot returns the rolling snapshot for a (server, model) pair in
// the named window.
func (o *Orchestrator) MetricsSnapshot(key metrics.Key, window metrics.Window) (metrics.Snapshot, bool) {
	return o.Metrics.GetMetrics(key, window)
}

// ServerModelDetail bundles everything an operator needs about one
// (server, model) pair: its breaker, its rolling metrics, and its
// cooldown/ban state.
type ServerModelDetail struct {
	Server          string
	Model           string
	ServerBreaker   breaker.Snapshot
	ModelBreaker    breaker.Snapshot
	Metrics1m       metrics.Snapshot
	InCooldown      bool
	CooldownRemains time.Duration
	Banned          bool
	InFlight        int
}

// GetServerModelDetail assembles a ServerModelDetail for (server, model).
func (o *Orchestrator) GetServerModelDetail(server, model string) ServerModelDetail {
	inCooldown, remaining := o.Cooldowns.InCooldown(server, model)
	snap, _ := o.Metrics.GetMetrics(metrics.Key{Server: server, Model: model}, metrics.Window1m)
	return ServerModelDetail{
		Server:          server,
		Model:           model,
		ServerBreaker:   o.Breakers.Get(breaker.Key{Server: server}).Snapshot(),
		ModelBreaker:    o.Breakers.Get(breaker.Key{Server: server, Model: model}).Snapshot(),
		Metrics1m:       snap,
		InCooldown:      inCooldown,
		CooldownRemains: remaining,
		Banned:          o.Cooldowns.IsBanned(server, model),
		InFlight:        o.InFlight.Count(server, model),
	}
}

// Stats is the overall fleet-level rollup: backend counts by health, and
// the queue's own counters.
type Stats struct {
	TotalBackends     int
	HealthyBackends   int
	DrainingBackends  int
	MaintenanceBackends int
	Queue             queue.Stats
}

// GetStats assembles the fleet-wide Stats rollup.
func (o *Orchestrator) GetStats() Stats {
	backends := o.FleetRegistry.All()
	s := Stats{TotalBackends: len(backends), Queue: o.Queue.Stats()}
	for _, b := range backends {
		if b.Healthy {
			s.HealthyBackends++
		}
		if b.Draining {
			s.DrainingBackends++
		}
		if b.Maintenance {
			s.MaintenanceBackends++
		}
	}
	return s
}

// WarmModel drives the warmup subsystem for one model across every eligible
// backend advertising it, blocking until each concludes. EnableWarmup must
// have been called first.
func (o *Orchestrator) WarmModel(ctx context.Context, model string) ([]warmup.Status, error) {
	if o.Warmup == nil {
		return nil, fmt.Errorf("orchestrator: warmup not enabled")
	}
	return o.Warmup.WarmModel(ctx, model)
}

// WarmupStatuses lists every recorded warmup status, empty if warmup was
// never enabled.
func (o *Orchestrator) WarmupStatuses() []warmup.Status {
	if o.Warmup == nil {
		return nil
	}
	return o.Warmup.Statuses()
}

// SetBackendDraining flags a backend as draining (stops new selection,
// leaves in-flight requests alone) or clears the flag.
func (o *Orchestrator) SetBackendDraining(id string, draining bool) error {
	if !o.FleetRegistry.SetDraining(id, draining) {
		return fmt.Errorf("orchestrator: backend %s not found", id)
	}
	return nil
}

// SetBackendMaintenance flags a backend as under maintenance or clears it.
func (o *Orchestrator) SetBackendMaintenance(id string, maintenance bool) error {
	if !o.FleetRegistry.SetMaintenance(id, maintenance) {
		return fmt.Errorf("orchestrator: backend %s not found", id)
	}
	return nil
}
