// Package clock provides injectable time, timer, and randomness sources so
// that components higher in the stack (breakers, queues, schedulers) can be
// driven deterministically in tests instead of depending on wall-clock time.
package clock

import (
	"math/rand"
	"sync"
	"time"
)

// Clock is the minimal surface the core depends on for time. The real
// implementation wraps the standard library; tests substitute a fake that
// can be advanced manually.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	NewTicker(d time.Duration) Ticker
	Sleep(d time.Duration)
}

// Ticker mirrors time.Ticker so fakes can control delivery.
type Ticker interface {
	C() <-chan time.Time
	Stop()
	Reset(d time.Duration)
}

// Real is the production Clock backed by the standard library.
type Real struct{}

// New returns the production clock.
func New() Clock { return Real{} }

func (Real) Now() time.Time { return time.Now() }

func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (Real) Sleep(d time.Duration) { time.Sleep(d) }

func (Real) NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

type realTicker struct {
	t *time.Ticker
}

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }
func (r *realTicker) Reset(d time.Duration) { r.t.Reset(d) }

// Rand is an injectable randomness source, used for jitter in backoff
// calculations. It wraps math/rand.Rand behind a mutex so a single instance
// can be shared by concurrent callers.
type Rand struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRand returns a Rand seeded from the given seed. Callers that want
// process-entropy seeding should pass time.Now().UnixNano().
func NewRand(seed int64) *Rand {
	return &Rand{rng: rand.New(rand.NewSource(seed))}
}

// Float64 returns a pseudo-random number in [0.0, 1.0).
func (r *Rand) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Float64()
}

// Intn returns a pseudo-random number in [0, n).
func (r *Rand) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Intn(n)
}
