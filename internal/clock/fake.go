package clock

import (
	"sync"
	"time"
)

// Fake is a Clock whose time only moves when Advance is called, so
// timer-driven code can be stepped deterministically in tests. After and
// NewTicker deliver during the Advance call that crosses their deadline.
type Fake struct {
	mu      sync.Mutex
	current time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	at     time.Time
	period time.Duration // 0 = one-shot After
	ch     chan time.Time
}

// NewFake returns a Fake starting at start.
func NewFake(start time.Time) *Fake {
	return &Fake{current: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// Advance moves the clock forward, delivering to every timer whose deadline
// is crossed. A ticker delivers at most one tick per Advance, like
// time.Ticker under a slow receiver.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = f.current.Add(d)

	kept := f.waiters[:0]
	for _, w := range f.waiters {
		if w.at.After(f.current) {
			kept = append(kept, w)
			continue
		}
		select {
		case w.ch <- w.at:
		default:
		}
		if w.period > 0 {
			for !w.at.After(f.current) {
				w.at = w.at.Add(w.period)
			}
			kept = append(kept, w)
		}
	}
	f.waiters = kept
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &fakeWaiter{at: f.current.Add(d), ch: make(chan time.Time, 1)}
	f.waiters = append(f.waiters, w)
	return w.ch
}

// Sleep blocks until another goroutine advances the clock past d.
func (f *Fake) Sleep(d time.Duration) {
	<-f.After(d)
}

func (f *Fake) NewTicker(d time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &fakeWaiter{at: f.current.Add(d), period: d, ch: make(chan time.Time, 1)}
	f.waiters = append(f.waiters, w)
	return &fakeTicker{f: f, w: w}
}

type fakeTicker struct {
	f *Fake
	w *fakeWaiter
}

func (t *fakeTicker) C() <-chan time.Time { return t.w.ch }

func (t *fakeTicker) Stop() {
	t.f.mu.Lock()
	defer t.f.mu.Unlock()
	for i, w := range t.f.waiters {
		if w == t.w {
			t.f.waiters = append(t.f.waiters[:i], t.f.waiters[i+1:]...)
			return
		}
	}
}

func (t *fakeTicker) Reset(d time.Duration) {
	t.f.mu.Lock()
	defer t.f.mu.Unlock()
	t.w.period = d
	t.w.at = t.f.current.Add(d)
	for _, w := range t.f.waiters {
		if w == t.w {
			return
		}
	}
	t.f.waiters = append(t.f.waiters, t.w)
}
