// Package breaker implements the adaptive circuit breaker and the registry
// that owns per-server and per-(server,model) breaker instances: a
// three-state machine with mutex-guarded counts, a failure threshold that
// slides with the observed error mix, and an error-rate trip path gated on
// a minimum sample size.
package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"fleetrouter/internal/clock"
	"fleetrouter/pkg/classify"
	"fleetrouter/pkg/ferrors"
)

// State is the circuit breaker state machine's current position.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Key identifies a breaker. Model == "" denotes a server-level breaker;
// otherwise it is a (server, model) breaker. Both kinds coexist;
// model-level is consulted first, server-level second.
type Key struct {
	Server string
	Model  string
}

func (k Key) String() string {
	if k.Model == "" {
		return k.Server
	}
	return k.Server + ":" + k.Model
}

// IsServerLevel reports whether this key denotes a server-wide breaker.
func (k Key) IsServerLevel() bool { return k.Model == "" }

// Config holds the tunables for a single breaker.
type Config struct {
	// BaseFailureThreshold is the starting point for the adaptive
	// threshold before any transient/non-retryable bias is applied.
	BaseFailureThreshold int `json:"base_failure_threshold" yaml:"base_failure_threshold"`
	// MinFailureThreshold and MaxFailureThreshold bound the adaptive
	// threshold so it can neither collapse to zero nor drift unbounded.
	MinFailureThreshold int `json:"min_failure_threshold" yaml:"min_failure_threshold"`
	MaxFailureThreshold int `json:"max_failure_threshold" yaml:"max_failure_threshold"`

	// TransientWeight (kT) inflates the threshold per observed transient
	// error, since a run of transient failures shouldn't trip as fast as a
	// run of hard failures.
	TransientWeight float64 `json:"transient_weight" yaml:"transient_weight"`
	// NonRetryableWeight (kN) deflates the threshold per observed
	// non-retryable error, tripping the breaker faster on a burst of hard
	// client-side failures.
	NonRetryableWeight float64 `json:"non_retryable_weight" yaml:"non_retryable_weight"`

	// ErrorRateWindow is the number of most recent outcomes examined for
	// the error-rate trip path.
	ErrorRateWindow int `json:"error_rate_window" yaml:"error_rate_window"`
	// ErrorRateThreshold is the fraction of failures in the window (of at
	// least ErrorRateMinSamples outcomes) that trips the breaker.
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"`
	// ErrorRateMinSamples is the minimum window occupancy before the
	// error-rate path is even considered, avoiding small-sample noise.
	ErrorRateMinSamples int `json:"error_rate_min_samples" yaml:"error_rate_min_samples"`

	// OpenTimeout is how long the breaker stays open before allowing a
	// half-open probe.
	OpenTimeout time.Duration `json:"open_timeout" yaml:"open_timeout"`
	// MaxOpenTimeout caps the exponential growth of OpenTimeout across
	// repeated half-open failures.
	MaxOpenTimeout time.Duration `json:"max_open_timeout" yaml:"max_open_timeout"`
	// BackoffMultiplier scales OpenTimeout each time a half-open probe
	// fails and the breaker falls back to open.
	BackoffMultiplier float64 `json:"backoff_multiplier" yaml:"backoff_multiplier"`

	// RecoverySuccessThreshold is the number of consecutive half-open
	// successes required to close the breaker.
	RecoverySuccessThreshold int `json:"recovery_success_threshold" yaml:"recovery_success_threshold"`

	// MaxTransitions bounds the in-memory transition history kept for
	// diagnostics.
	MaxTransitions int `json:"max_transitions" yaml:"max_transitions"`
}

// DefaultConfig returns the breaker defaults used when a registry lazily
// creates a breaker with no explicit configuration.
func DefaultConfig() Config {
	return Config{
		BaseFailureThreshold:     5,
		MinFailureThreshold:      2,
		MaxFailureThreshold:      20,
		TransientWeight:          0.8,
		NonRetryableWeight:       1.5,
		ErrorRateWindow:          20,
		ErrorRateThreshold:       0.5,
		ErrorRateMinSamples:      10,
		OpenTimeout:              30 * time.Second,
		MaxOpenTimeout:           10 * time.Minute,
		BackoffMultiplier:        2.0,
		RecoverySuccessThreshold: 2,
		MaxTransitions:           50,
	}
}

// Transition records a single state change for diagnostics and persistence.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
}

// Snapshot is the persistable view of a breaker's internal state.
type Snapshot struct {
	Key                  Key          `json:"key"`
	State                State        `json:"state"`
	FailureCount         int          `json:"failure_count"`
	SuccessCount         int          `json:"success_count"`
	ConsecutiveSuccesses int          `json:"consecutive_successes"`
	LastFailure          time.Time    `json:"last_failure"`
	LastSuccess          time.Time    `json:"last_success"`
	CurrentThreshold     int          `json:"current_threshold"`
	OpenedAt             time.Time    `json:"opened_at"`
	OpenTimeout          time.Duration `json:"open_timeout"`
	TransientErrors      int          `json:"transient_errors"`
	NonRetryableErrors   int          `json:"non_retryable_errors"`
	CustomTimeout        *time.Duration `json:"custom_timeout,omitempty"`
	Transitions          []Transition `json:"transitions"`
}

// TransitionHook is invoked synchronously, under the breaker's lock, whenever
// the breaker changes state. Registries use this to fan out to subscribers.
type TransitionHook func(key Key, t Transition)

// Breaker is a single adaptive circuit breaker instance, keyed either by
// server or by (server, model).
type Breaker struct {
	key    Key
	config Config
	logger *zap.Logger
	hook   TransitionHook
	clock  clock.Clock

	mu                   sync.Mutex
	state                State
	failureCount         int
	successCount         int
	consecutiveSuccesses int
	lastFailure          time.Time
	lastSuccess          time.Time
	currentThreshold     int
	openedAt             time.Time
	openTimeout          time.Duration
	customTimeout        *time.Duration
	transientErrors      int
	nonRetryableErrors   int
	window               []bool // ring of recent outcomes, true = success
	halfOpenProbeInFlight bool
	transitions          []Transition
}

// New creates a breaker for key with the given configuration. A nil clock
// defaults to the wall clock; a nil logger to a no-op logger.
func New(key Key, config Config, hook TransitionHook, c clock.Clock, logger *zap.Logger) *Breaker {
	if c == nil {
		c = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		key:              key,
		config:           config,
		logger:           logger,
		hook:             hook,
		clock:            c,
		state:            Closed,
		currentThreshold: config.BaseFailureThreshold,
		openTimeout:      config.OpenTimeout,
	}
}

// Key returns the breaker's identity.
func (b *Breaker) Key() Key { return b.key }

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// CanExecute reports whether a call may proceed. It returns (true, "") when
// allowed, or (false, reason) when denied. A half-open breaker allows
// exactly one in-flight probe; subsequent callers are denied until the
// probe's outcome is recorded.
func (b *Breaker) CanExecute() (bool, string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()

	switch b.state {
	case Closed:
		return true, ""

	case Open:
		if now.Sub(b.openedAt) >= b.effectiveOpenTimeout() {
			b.transitionLocked(HalfOpen, "open-timeout-elapsed")
			b.halfOpenProbeInFlight = true
			b.consecutiveSuccesses = 0
			return true, ""
		}
		return false, "open"

	case HalfOpen:
		if b.halfOpenProbeInFlight {
			return false, "half-open-probe-in-flight"
		}
		b.halfOpenProbeInFlight = true
		return true, ""

	default:
		return false, "unknown-state"
	}
}

func (b *Breaker) effectiveOpenTimeout() time.Duration {
	if b.customTimeout != nil {
		return *b.customTimeout
	}
	return b.openTimeout
}

// RecordSuccess records a successful call outcome.
func (b *Breaker) RecordSuccess(duration time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.successCount++
	b.lastSuccess = b.clock.Now()
	b.failureCount = 0
	b.pushOutcome(true)

	switch b.state {
	case HalfOpen:
		b.halfOpenProbeInFlight = false
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.config.RecoverySuccessThreshold {
			b.resetThresholdsLocked()
			b.transitionLocked(Closed, "recovery-success-threshold-met")
		}
	case Closed:
		b.transientErrors = 0
		b.nonRetryableErrors = 0
		b.recomputeThresholdLocked()
	}
}

// RecordFailure records a failed call outcome. If classification is empty,
// the breaker classifies err itself.
func (b *Breaker) RecordFailure(err error, classification classify.Classification) {
	if classification == "" {
		classification = classify.Classify(err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.consecutiveSuccesses = 0
	b.lastFailure = b.clock.Now()
	b.pushOutcome(false)

	switch classification {
	case classify.Transient:
		b.transientErrors++
	case classify.NonRetryable:
		b.nonRetryableErrors++
	}
	b.recomputeThresholdLocked()

	switch b.state {
	case HalfOpen:
		b.halfOpenProbeInFlight = false
		b.openTimeout = b.nextOpenTimeoutLocked()
		b.openedAt = b.clock.Now()
		b.transitionLocked(Open, "half-open-probe-failed")

	case Closed:
		if b.shouldTripLocked() {
			b.openedAt = b.clock.Now()
			b.transitionLocked(Open, "failure-threshold-exceeded")
		}
	}
}

func (b *Breaker) shouldTripLocked() bool {
	if b.failureCount >= b.currentThreshold {
		return true
	}
	if len(b.window) >= b.config.ErrorRateMinSamples {
		failures := 0
		for _, ok := range b.window {
			if !ok {
				failures++
			}
		}
		rate := float64(failures) / float64(len(b.window))
		if rate >= b.config.ErrorRateThreshold {
			return true
		}
	}
	return false
}

func (b *Breaker) recomputeThresholdLocked() {
	adaptive := float64(b.config.BaseFailureThreshold) +
		b.config.TransientWeight*float64(b.transientErrors) -
		b.config.NonRetryableWeight*float64(b.nonRetryableErrors)

	threshold := int(adaptive)
	if threshold < b.config.MinFailureThreshold {
		threshold = b.config.MinFailureThreshold
	}
	if threshold > b.config.MaxFailureThreshold {
		threshold = b.config.MaxFailureThreshold
	}
	b.currentThreshold = threshold
}

func (b *Breaker) resetThresholdsLocked() {
	b.currentThreshold = b.config.BaseFailureThreshold
	b.transientErrors = 0
	b.nonRetryableErrors = 0
	b.openTimeout = b.config.OpenTimeout
	b.failureCount = 0
	b.window = nil
}

func (b *Breaker) nextOpenTimeoutLocked() time.Duration {
	next := time.Duration(float64(b.openTimeout) * b.config.BackoffMultiplier)
	if next > b.config.MaxOpenTimeout {
		next = b.config.MaxOpenTimeout
	}
	return next
}

func (b *Breaker) pushOutcome(success bool) {
	b.window = append(b.window, success)
	if len(b.window) > b.config.ErrorRateWindow {
		b.window = b.window[len(b.window)-b.config.ErrorRateWindow:]
	}
}

// ForceOpen administratively trips the breaker regardless of current state.
func (b *Breaker) ForceOpen(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openedAt = b.clock.Now()
	b.halfOpenProbeInFlight = false
	b.transitionLocked(Open, reason)
}

// ForceClose administratively closes the breaker regardless of current
// state. This is the one permitted exception to "open -> closed only via
// half-open probe": a successful health probe may force-close a
// server-level breaker.
func (b *Breaker) ForceClose(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetThresholdsLocked()
	b.consecutiveSuccesses = 0
	b.halfOpenProbeInFlight = false
	b.transitionLocked(Closed, reason)
}

// Reset restores the breaker to its initial closed state with default
// thresholds, for administrative use.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetThresholdsLocked()
	b.consecutiveSuccesses = 0
	b.successCount = 0
	b.halfOpenProbeInFlight = false
	b.transitions = nil
	b.transitionLocked(Closed, "admin-reset")
}

func (b *Breaker) transitionLocked(to State, reason string) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	t := Transition{From: from, To: to, At: b.clock.Now(), Reason: reason}
	b.transitions = append(b.transitions, t)
	if len(b.transitions) > b.config.MaxTransitions {
		b.transitions = b.transitions[len(b.transitions)-b.config.MaxTransitions:]
	}

	b.logger.Info("breaker transition",
		zap.String("key", b.key.String()),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.String("reason", reason),
	)

	if b.hook != nil {
		// Invoked synchronously and under b.mu so that transitions are
		// observed by subscribers in the same total order they occur in.
		// Hooks must not call back into this breaker.
		b.hook(b.key, t)
	}
}

// AllowProbe exposes whether a half-open probe can currently be granted
// without side effects, used by the recovery coordinator to decide whether
// to even attempt acquiring its semaphore for this key.
func (b *Breaker) AllowProbe() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == Open && b.clock.Now().Sub(b.openedAt) >= b.effectiveOpenTimeout()
}

// SetCustomTimeout overrides the open timeout used for this breaker only.
func (b *Breaker) SetCustomTimeout(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.customTimeout = &d
}

// Snapshot returns a copy of the breaker's persistable state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	transitions := make([]Transition, len(b.transitions))
	copy(transitions, b.transitions)

	return Snapshot{
		Key:                  b.key,
		State:                b.state,
		FailureCount:         b.failureCount,
		SuccessCount:         b.successCount,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		LastFailure:          b.lastFailure,
		LastSuccess:          b.lastSuccess,
		CurrentThreshold:     b.currentThreshold,
		OpenedAt:             b.openedAt,
		OpenTimeout:          b.openTimeout,
		TransientErrors:      b.transientErrors,
		NonRetryableErrors:   b.nonRetryableErrors,
		CustomTimeout:        b.customTimeout,
		Transitions:          transitions,
	}
}

// Restore reinstates a breaker's state from a snapshot, used when loading
// persisted breaker state at startup.
func Restore(snap Snapshot, config Config, hook TransitionHook, c clock.Clock, logger *zap.Logger) *Breaker {
	b := New(snap.Key, config, hook, c, logger)
	b.state = snap.State
	b.failureCount = snap.FailureCount
	b.successCount = snap.SuccessCount
	b.consecutiveSuccesses = snap.ConsecutiveSuccesses
	b.lastFailure = snap.LastFailure
	b.lastSuccess = snap.LastSuccess
	b.currentThreshold = snap.CurrentThreshold
	b.openedAt = snap.OpenedAt
	b.openTimeout = snap.OpenTimeout
	b.transientErrors = snap.TransientErrors
	b.nonRetryableErrors = snap.NonRetryableErrors
	b.customTimeout = snap.CustomTimeout
	b.transitions = append([]Transition(nil), snap.Transitions...)
	return b
}

// OpenError builds the ferrors.RouteError surfaced when CanExecute denies a
// call because the breaker is open.
func OpenError(key Key) error {
	return ferrors.BreakerOpen(key.String())
}
