// Package warmup implements the optional auxiliary warmup subsystem: it
// drives host-supplied warm calls against every eligible backend advertising
// a model, so the first real client request doesn't pay the model-load cost.
//
// Retry gating uses the classifier's warmup-specific retryability (Unknown
// is not retried here, unlike breaker-facing failover). The bounded fan-out
// shape mirrors pkg/health's sweep; the probe-initiation rate limit reuses
// golang.org/x/time/rate the same way pkg/recovery does.
package warmup

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"fleetrouter/internal/clock"
	"fleetrouter/pkg/classify"
	"fleetrouter/pkg/ferrors"
	"fleetrouter/pkg/fleet"
)

// WarmFunc performs the actual model-load call against a backend. The host
// supplies the implementation; this package is protocol-agnostic.
type WarmFunc func(ctx context.Context, backend fleet.Backend, model string) error

// State is a (server, model) pair's position in the warmup lifecycle.
type State string

const (
	StateWarming State = "warming"
	StateWarm    State = "warm"
	StateFailed  State = "failed"
)

// Status reports one (server, model) pair's warmup progress.
type Status struct {
	Server    string
	Model     string
	State     State
	Attempts  int
	LastError string
	UpdatedAt time.Time
}

// Config tunes warmup retry and fan-out behavior.
type Config struct {
	// MaxAttempts bounds how many times a single (server, model) warm call
	// is tried before the pair is marked failed.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// InitialBackoff and MaxBackoff bound the exponential delay between
	// attempts against the same pair.
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     time.Duration `json:"max_backoff" yaml:"max_backoff"`

	// Concurrency bounds simultaneous warm calls across backends.
	Concurrency int `json:"concurrency" yaml:"concurrency"`

	// WarmsPerSecond and Burst feed the global rate limiter so a large
	// fleet isn't asked to load models all at once.
	WarmsPerSecond float64 `json:"warms_per_second" yaml:"warms_per_second"`
	Burst          int     `json:"burst" yaml:"burst"`

	// WarmTimeout bounds a single warm call. Model loads are slow; this
	// default is deliberately generous.
	WarmTimeout time.Duration `json:"warm_timeout" yaml:"warm_timeout"`
}

// DefaultConfig returns sensible warmup defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		Concurrency:    2,
		WarmsPerSecond: 1,
		Burst:          2,
		WarmTimeout:    2 * time.Minute,
	}
}

// Manager owns warmup state and drives warm calls.
type Manager struct {
	fleetReg *fleet.Registry
	warm     WarmFunc
	config   Config
	limiter  *rate.Limiter
	clock    clock.Clock
	logger   *zap.Logger

	mu       sync.Mutex
	statuses map[statusKey]Status
}

type statusKey struct {
	server string
	model  string
}

// NewManager creates a Manager. clock and logger may be nil.
func NewManager(fleetReg *fleet.Registry, warm WarmFunc, config Config, c clock.Clock, logger *zap.Logger) *Manager {
	if c == nil {
		c = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	limit := rate.Limit(config.WarmsPerSecond)
	if config.WarmsPerSecond <= 0 {
		limit = rate.Inf
	}
	burst := config.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Manager{
		fleetReg: fleetReg,
		warm:     warm,
		config:   config,
		limiter:  rate.NewLimiter(limit, burst),
		clock:    c,
		logger:   logger,
		statuses: make(map[statusKey]Status),
	}
}

// WarmModel warms model on every eligible backend that advertises it,
// skipping backends whose last hardware snapshot already reports it loaded.
// It blocks until every backend's warmup concludes (warm or failed) and
// returns the resulting statuses. An unknown model is an error.
func (m *Manager) WarmModel(ctx context.Context, model string) ([]Status, error) {
	model = fleet.ResolveTag(model)

	advertising := m.fleetReg.ForModel(model)
	if len(advertising) == 0 {
		return nil, ferrors.ModelNotAvailable(model)
	}

	var targets []fleet.Backend
	for _, b := range advertising {
		if !b.Eligible() {
			continue
		}
		if backendHasLoaded(b, model) {
			m.setStatus(b.ID, model, StateWarm, 0, "")
			continue
		}
		targets = append(targets, b)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.config.Concurrency)
	for _, b := range targets {
		b := b
		g.Go(func() error {
			m.warmOne(gctx, b, model)
			return nil
		})
	}
	_ = g.Wait()

	return m.StatusesForModel(model), nil
}

func backendHasLoaded(b fleet.Backend, model string) bool {
	if b.Hardware == nil {
		return false
	}
	for _, loaded := range b.Hardware.LoadedModels {
		if fleet.ResolveTag(loaded) == model {
			return true
		}
	}
	return false
}

func (m *Manager) warmOne(ctx context.Context, b fleet.Backend, model string) {
	m.setStatus(b.ID, model, StateWarming, 0, "")

	backoff := m.config.InitialBackoff
	for attempt := 1; attempt <= m.config.MaxAttempts; attempt++ {
		if err := m.limiter.Wait(ctx); err != nil {
			m.setStatus(b.ID, model, StateFailed, attempt-1, err.Error())
			return
		}

		callCtx := ctx
		var cancel context.CancelFunc
		if m.config.WarmTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, m.config.WarmTimeout)
		}
		err := m.warm(callCtx, b, model)
		if cancel != nil {
			cancel()
		}

		if err == nil {
			m.setStatus(b.ID, model, StateWarm, attempt, "")
			m.logger.Info("model warmed",
				zap.String("server_id", b.ID),
				zap.String("model", model),
				zap.Int("attempts", attempt))
			return
		}

		classification := classify.Classify(err)
		m.setStatus(b.ID, model, StateWarming, attempt, err.Error())
		m.logger.Warn("warmup attempt failed",
			zap.String("server_id", b.ID),
			zap.String("model", model),
			zap.Int("attempt", attempt),
			zap.String("classification", string(classification)),
			zap.Error(err))

		if !classification.IsRetryableForWarmup() || attempt == m.config.MaxAttempts {
			m.setStatus(b.ID, model, StateFailed, attempt, err.Error())
			return
		}

		select {
		case <-ctx.Done():
			m.setStatus(b.ID, model, StateFailed, attempt, ctx.Err().Error())
			return
		case <-m.clock.After(backoff):
		}
		backoff *= 2
		if m.config.MaxBackoff > 0 && backoff > m.config.MaxBackoff {
			backoff = m.config.MaxBackoff
		}
	}
}

func (m *Manager) setStatus(server, model string, state State, attempts int, lastErr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[statusKey{server: server, model: model}] = Status{
		Server:    server,
		Model:     model,
		State:     state,
		Attempts:  attempts,
		LastError: lastErr,
		UpdatedAt: m.clock.Now(),
	}
}

// Status returns the recorded warmup status for one (server, model) pair.
func (m *Manager) Status(server, model string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.statuses[statusKey{server: server, model: fleet.ResolveTag(model)}]
	return s, ok
}

// Statuses returns every recorded warmup status.
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.statuses))
	for _, s := range m.statuses {
		out = append(out, s)
	}
	return out
}

// StatusesForModel returns every recorded status for one model.
func (m *Manager) StatusesForModel(model string) []Status {
	model = fleet.ResolveTag(model)
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Status
	for k, s := range m.statuses {
		if k.model == model {
			out = append(out, s)
		}
	}
	return out
}
