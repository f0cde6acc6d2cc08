package warmup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetrouter/pkg/ferrors"
	"fleetrouter/pkg/fleet"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	cfg.WarmsPerSecond = 0 // unlimited in tests
	cfg.WarmTimeout = time.Second
	return cfg
}

func addBackend(t *testing.T, reg *fleet.Registry, id string, models ...string) {
	t.Helper()
	require.NoError(t, reg.Add(fleet.Backend{
		ID: id, URL: "http://" + id, Healthy: true, MaxConcurrency: 4, Models: models,
	}))
}

func TestWarmModel_MarksBackendWarm(t *testing.T) {
	reg := fleet.New(nil)
	addBackend(t, reg, "A", "llama3:latest")

	calls := 0
	m := NewManager(reg, func(ctx context.Context, b fleet.Backend, model string) error {
		calls++
		assert.Equal(t, "A", b.ID)
		assert.Equal(t, "llama3:latest", model)
		return nil
	}, testConfig(), nil, nil)

	statuses, err := m.WarmModel(context.Background(), "llama3")
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, StateWarm, statuses[0].State)
	assert.Equal(t, 1, statuses[0].Attempts)
	assert.Equal(t, 1, calls)
}

func TestWarmModel_UnknownModelErrors(t *testing.T) {
	reg := fleet.New(nil)
	addBackend(t, reg, "A", "llama3:latest")

	m := NewManager(reg, func(ctx context.Context, b fleet.Backend, model string) error {
		t.Fatal("warm must not be called for an unknown model")
		return nil
	}, testConfig(), nil, nil)

	_, err := m.WarmModel(context.Background(), "mistral")
	assert.True(t, ferrors.IsKind(err, ferrors.KindModelNotAvailable))
}

func TestWarmModel_TransientFailureRetriesThenSucceeds(t *testing.T) {
	reg := fleet.New(nil)
	addBackend(t, reg, "A", "m:latest")

	calls := 0
	m := NewManager(reg, func(ctx context.Context, b fleet.Backend, model string) error {
		calls++
		if calls == 1 {
			return errors.New("connection refused")
		}
		return nil
	}, testConfig(), nil, nil)

	statuses, err := m.WarmModel(context.Background(), "m")
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, StateWarm, statuses[0].State)
	assert.Equal(t, 2, statuses[0].Attempts)
}

func TestWarmModel_NonRetryableFailsWithoutRetry(t *testing.T) {
	reg := fleet.New(nil)
	addBackend(t, reg, "A", "m:latest")

	calls := 0
	m := NewManager(reg, func(ctx context.Context, b fleet.Backend, model string) error {
		calls++
		return errors.New("model not found")
	}, testConfig(), nil, nil)

	statuses, err := m.WarmModel(context.Background(), "m")
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, StateFailed, statuses[0].State)
	assert.Equal(t, 1, calls)
	assert.Contains(t, statuses[0].LastError, "not found")
}

// Unknown classifications are not retried by warmup, unlike breaker-facing
// failover.
func TestWarmModel_UnknownClassificationNotRetried(t *testing.T) {
	reg := fleet.New(nil)
	addBackend(t, reg, "A", "m:latest")

	calls := 0
	m := NewManager(reg, func(ctx context.Context, b fleet.Backend, model string) error {
		calls++
		return errors.New("something inexplicable happened")
	}, testConfig(), nil, nil)

	statuses, err := m.WarmModel(context.Background(), "m")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, statuses[0].State)
	assert.Equal(t, 1, calls)
}

func TestWarmModel_ExhaustsAttemptsThenFails(t *testing.T) {
	reg := fleet.New(nil)
	addBackend(t, reg, "A", "m:latest")

	cfg := testConfig()
	cfg.MaxAttempts = 3
	calls := 0
	m := NewManager(reg, func(ctx context.Context, b fleet.Backend, model string) error {
		calls++
		return errors.New("service unavailable")
	}, cfg, nil, nil)

	statuses, err := m.WarmModel(context.Background(), "m")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, statuses[0].State)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, statuses[0].Attempts)
}

func TestWarmModel_SkipsAlreadyLoadedAndIneligible(t *testing.T) {
	reg := fleet.New(nil)
	addBackend(t, reg, "loaded", "m:latest")
	reg.SetHardware("loaded", fleet.HardwareSnapshot{LoadedModels: []string{"m:latest"}})
	addBackend(t, reg, "draining", "m:latest")
	reg.SetDraining("draining", true)
	addBackend(t, reg, "cold", "m:latest")

	var warmed []string
	var mu sync.Mutex
	m := NewManager(reg, func(ctx context.Context, b fleet.Backend, model string) error {
		mu.Lock()
		warmed = append(warmed, b.ID)
		mu.Unlock()
		return nil
	}, testConfig(), nil, nil)

	statuses, err := m.WarmModel(context.Background(), "m")
	require.NoError(t, err)
	assert.Equal(t, []string{"cold"}, warmed)

	// The pre-loaded backend is reported warm without a call; the draining
	// one is absent entirely.
	byServer := map[string]Status{}
	for _, s := range statuses {
		byServer[s.Server] = s
	}
	assert.Equal(t, StateWarm, byServer["loaded"].State)
	assert.Zero(t, byServer["loaded"].Attempts)
	assert.Equal(t, StateWarm, byServer["cold"].State)
	_, present := byServer["draining"]
	assert.False(t, present)
}

func TestWarmModel_ConcurrencyIsBounded(t *testing.T) {
	reg := fleet.New(nil)
	for _, id := range []string{"A", "B", "C", "D", "E"} {
		addBackend(t, reg, id, "m:latest")
	}

	cfg := testConfig()
	cfg.Concurrency = 2

	var active, maxActive int64
	m := NewManager(reg, func(ctx context.Context, b fleet.Backend, model string) error {
		cur := atomic.AddInt64(&active, 1)
		for {
			prev := atomic.LoadInt64(&maxActive)
			if cur <= prev || atomic.CompareAndSwapInt64(&maxActive, prev, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt64(&active, -1)
		return nil
	}, cfg, nil, nil)

	_, err := m.WarmModel(context.Background(), "m")
	require.NoError(t, err)
	assert.LessOrEqual(t, atomic.LoadInt64(&maxActive), int64(2))
}

func TestStatusAccessors(t *testing.T) {
	reg := fleet.New(nil)
	addBackend(t, reg, "A", "m:latest", "other:latest")

	m := NewManager(reg, func(ctx context.Context, b fleet.Backend, model string) error {
		return nil
	}, testConfig(), nil, nil)

	_, err := m.WarmModel(context.Background(), "m")
	require.NoError(t, err)
	_, err = m.WarmModel(context.Background(), "other")
	require.NoError(t, err)

	s, ok := m.Status("A", "m")
	require.True(t, ok)
	assert.Equal(t, StateWarm, s.State)

	assert.Len(t, m.Statuses(), 2)
	assert.Len(t, m.StatusesForModel("other"), 1)

	_, ok = m.Status("A", "never-warmed")
	assert.False(t, ok)
}
