package persistence

import (
	"fmt"

	"fleetrouter/pkg/breaker"
	"fleetrouter/pkg/metrics"
)

// MetricsPersister adapts a Store to metrics.Persister, the write surface
// the Metrics Aggregator debounces its snapshots through.
type MetricsPersister struct {
	store *Store
}

// NewMetricsPersister wraps store for use as a metrics.Persister.
func NewMetricsPersister(store *Store) *MetricsPersister {
	return &MetricsPersister{store: store}
}

// SaveMetrics implements metrics.Persister.
func (m *MetricsPersister) SaveMetrics(snapshots []metrics.PersistSnapshot) error {
	return m.store.Save(snapshots)
}

// LoadMetrics restores a previously persisted metrics snapshot list. A
// fresh start (absent file, or schema mismatch) returns (nil, nil).
func (m *MetricsPersister) LoadMetrics() ([]metrics.PersistSnapshot, error) {
	var snapshots []metrics.PersistSnapshot
	ok, err := m.store.Load(&snapshots)
	if err != nil {
		return nil, fmt.Errorf("persistence: load metrics: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return snapshots, nil
}

// BreakerPersister adapts a Store to the breaker.Registry's snapshot/load
// round trip. breaker.Key is not a valid JSON object key, so the on-disk
// shape is a flat slice of breaker.Snapshot (each of which already embeds
// its own Key) rather than the map the registry works with in memory.
type BreakerPersister struct {
	store *Store
}

// NewBreakerPersister wraps store for breaker registry snapshots.
func NewBreakerPersister(store *Store) *BreakerPersister {
	return &BreakerPersister{store: store}
}

// Save persists every breaker's snapshot.
func (b *BreakerPersister) Save(snapshots map[breaker.Key]breaker.Snapshot) error {
	flat := make([]breaker.Snapshot, 0, len(snapshots))
	for _, snap := range snapshots {
		flat = append(flat, snap)
	}
	return b.store.Save(flat)
}

// Load restores a previously persisted breaker snapshot set, keyed back by
// breaker.Key for Registry.LoadSnapshots. A fresh start returns (nil, nil).
func (b *BreakerPersister) Load() (map[breaker.Key]breaker.Snapshot, error) {
	var flat []breaker.Snapshot
	ok, err := b.store.Load(&flat)
	if err != nil {
		return nil, fmt.Errorf("persistence: load breakers: %w", err)
	}
	if !ok {
		return nil, nil
	}
	out := make(map[breaker.Key]breaker.Snapshot, len(flat))
	for _, snap := range flat {
		out[snap.Key] = snap
	}
	return out, nil
}
