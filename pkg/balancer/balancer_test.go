package balancer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetrouter/pkg/breaker"
	"fleetrouter/pkg/fleet"
	"fleetrouter/pkg/metrics"
)

type fakeMetricsSource struct {
	snapshots map[metrics.Key]metrics.Snapshot
}

func newFakeMetricsSource() *fakeMetricsSource {
	return &fakeMetricsSource{snapshots: make(map[metrics.Key]metrics.Snapshot)}
}

func (f *fakeMetricsSource) set(server, model string, p95 time.Duration, successRate float64) {
	f.snapshots[metrics.Key{Server: server, Model: model}] = metrics.Snapshot{
		P95:         p95,
		SuccessRate: successRate,
	}
}

func (f *fakeMetricsSource) GetMetrics(key metrics.Key, w metrics.Window) (metrics.Snapshot, bool) {
	s, ok := f.snapshots[key]
	return s, ok
}

type fakeBreakerSource struct {
	open map[breaker.Key]bool
}

func (f *fakeBreakerSource) StateOf(key breaker.Key) (breaker.State, bool) {
	if f.open == nil {
		return breaker.Closed, false
	}
	if f.open[key] {
		return breaker.Open, true
	}
	return breaker.Closed, true
}

func setupFleet(t *testing.T) *fleet.Registry {
	t.Helper()
	reg := fleet.New(nil)
	require.NoError(t, reg.Add(fleet.Backend{
		ID: "A", URL: "http://a", Healthy: true, MaxConcurrency: 4,
		Models:       []string{"llama:8b"},
		Capabilities: fleet.Capabilities{SupportsNativeProtocol: true},
	}))
	require.NoError(t, reg.Add(fleet.Backend{
		ID: "B", URL: "http://b", Healthy: true, MaxConcurrency: 4,
		Models:       []string{"llama:8b"},
		Capabilities: fleet.Capabilities{SupportsNativeProtocol: true},
	}))
	return reg
}

func TestBalancer_RoutesToLowerLatencyHigherSuccess(t *testing.T) {
	reg := setupFleet(t)
	ms := newFakeMetricsSource()
	ms.set("A", "llama:8b", 400*time.Millisecond, 0.99)
	ms.set("B", "llama:8b", 900*time.Millisecond, 0.95)

	cfg := DefaultConfig()
	bal := New(reg, ms, nil, nil, NewInFlightTracker(), cfg)

	for i := 0; i < 3; i++ {
		best, ok := bal.Best("llama:8b", CapabilityNative)
		require.True(t, ok)
		assert.Equal(t, "A", best.ID)
	}
}

func TestBalancer_FiltersUnhealthyBackend(t *testing.T) {
	reg := fleet.New(nil)
	require.NoError(t, reg.Add(fleet.Backend{ID: "A", URL: "http://a", Healthy: false, Models: []string{"m"}, Capabilities: fleet.Capabilities{SupportsNativeProtocol: true}, MaxConcurrency: 4}))

	bal := New(reg, newFakeMetricsSource(), nil, nil, NewInFlightTracker(), DefaultConfig())
	_, ok := bal.Best("m", CapabilityNative)
	assert.False(t, ok)
}

func TestBalancer_FiltersOpenServerBreaker(t *testing.T) {
	reg := fleet.New(nil)
	require.NoError(t, reg.Add(fleet.Backend{ID: "A", URL: "http://a", Healthy: true, Models: []string{"m"}, Capabilities: fleet.Capabilities{SupportsNativeProtocol: true}, MaxConcurrency: 4}))

	breakers := &fakeBreakerSource{open: map[breaker.Key]bool{{Server: "A"}: true}}
	bal := New(reg, newFakeMetricsSource(), breakers, nil, NewInFlightTracker(), DefaultConfig())
	_, ok := bal.Best("m", CapabilityNative)
	assert.False(t, ok)
}

func TestBalancer_FiltersBannedPair(t *testing.T) {
	reg := fleet.New(nil)
	require.NoError(t, reg.Add(fleet.Backend{ID: "A", URL: "http://a", Healthy: true, Models: []string{"m"}, Capabilities: fleet.Capabilities{SupportsNativeProtocol: true}, MaxConcurrency: 4}))

	cooldowns := fleet.NewCooldownTracker(nil)
	cooldowns.Ban("A", "m")
	bal := New(reg, newFakeMetricsSource(), nil, cooldowns, NewInFlightTracker(), DefaultConfig())
	_, ok := bal.Best("m", CapabilityNative)
	assert.False(t, ok)
}

func TestBalancer_FiltersFullCapacity(t *testing.T) {
	reg := fleet.New(nil)
	require.NoError(t, reg.Add(fleet.Backend{ID: "A", URL: "http://a", Healthy: true, Models: []string{"m"}, Capabilities: fleet.Capabilities{SupportsNativeProtocol: true}, MaxConcurrency: 1}))

	inflight := NewInFlightTracker()
	inflight.Inc("A", "m")
	bal := New(reg, newFakeMetricsSource(), nil, nil, inflight, DefaultConfig())
	_, ok := bal.Best("m", CapabilityNative)
	assert.False(t, ok)
}

func TestBalancer_FiltersCapabilityMismatch(t *testing.T) {
	reg := fleet.New(nil)
	require.NoError(t, reg.Add(fleet.Backend{ID: "A", URL: "http://a", Healthy: true, Models: []string{"m"}, MaxConcurrency: 4}))

	bal := New(reg, newFakeMetricsSource(), nil, nil, NewInFlightTracker(), DefaultConfig())
	_, ok := bal.Best("m", CapabilityOpenAI)
	assert.False(t, ok)
}

func TestBalancer_TieBreaksByLowerInFlightThenID(t *testing.T) {
	reg := fleet.New(nil)
	require.NoError(t, reg.Add(fleet.Backend{ID: "B", URL: "http://b", Healthy: true, Models: []string{"m"}, Capabilities: fleet.Capabilities{SupportsNativeProtocol: true}, MaxConcurrency: 4}))
	require.NoError(t, reg.Add(fleet.Backend{ID: "A", URL: "http://a", Healthy: true, Models: []string{"m"}, Capabilities: fleet.Capabilities{SupportsNativeProtocol: true}, MaxConcurrency: 4}))

	// Equal everything (no metrics source data at all -> identical default
	// scores): the tie should resolve to lexicographic id, "A" before "B".
	bal := New(reg, newFakeMetricsSource(), nil, nil, NewInFlightTracker(), DefaultConfig())
	ranked := bal.Rank("m", CapabilityNative)
	require.Len(t, ranked, 2)
	assert.Equal(t, "A", ranked[0].Backend.ID)
}

func TestBalancer_SoftPenaltyDoesNotExcludeCandidate(t *testing.T) {
	reg := fleet.New(nil)
	require.NoError(t, reg.Add(fleet.Backend{ID: "A", URL: "http://a", Healthy: true, Models: []string{"m"}, Capabilities: fleet.Capabilities{SupportsNativeProtocol: true}, MaxConcurrency: 4}))

	ms := newFakeMetricsSource()
	ms.set("A", "m", 5*time.Second, 0.5) // breaches both soft thresholds badly
	bal := New(reg, ms, nil, nil, NewInFlightTracker(), DefaultConfig())

	ranked := bal.Rank("m", CapabilityNative)
	require.Len(t, ranked, 1, "a breached soft threshold must not be filtered out")
}

func TestInFlightTracker_IncDecAndTotal(t *testing.T) {
	tr := NewInFlightTracker()
	tr.Inc("A", "m1")
	tr.Inc("A", "m2")
	assert.Equal(t, 2, tr.Total("A"))
	assert.Equal(t, 1, tr.Count("A", "m1"))

	tr.Dec("A", "m1")
	assert.Equal(t, 1, tr.Total("A"))
	assert.Equal(t, 0, tr.Count("A", "m1"))
}

func TestInFlightTracker_DecNeverNegative(t *testing.T) {
	tr := NewInFlightTracker()
	tr.Dec("A", "m1")
	assert.Equal(t, 0, tr.Count("A", "m1"))
	assert.Equal(t, 0, tr.Total("A"))
}
