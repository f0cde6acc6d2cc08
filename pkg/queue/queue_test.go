package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()
	q := New(cfg, nil, nil)
	t.Cleanup(q.Stop)
	return q
}

func envelopeWithPriority(priority int) *Envelope {
	return &Envelope{ID: "e", Priority: priority, Model: "m"}
}

func TestQueue_DequeuesHighestPriorityFirst(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PriorityBoostInterval = 0 // disable the background timer for this test
	q := newTestQueue(t, cfg)

	require.NoError(t, q.Enqueue(envelopeWithPriority(1)))
	require.NoError(t, q.Enqueue(envelopeWithPriority(5)))
	require.NoError(t, q.Enqueue(envelopeWithPriority(2)))

	e, err := q.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, 5, e.Priority)
}

func TestQueue_BoostReordersResidents(t *testing.T) {
	// maxSize=3, priorities [1, 5, 2],
	// dequeue returns 5; after a +5 boost tick, remaining [6, 7]; the next
	// dequeue returns 7.
	cfg := Config{MaxSize: 3, PriorityBoostInterval: 0, PriorityBoostAmount: 5}
	q := newTestQueue(t, cfg)

	require.NoError(t, q.Enqueue(envelopeWithPriority(1)))
	require.NoError(t, q.Enqueue(envelopeWithPriority(5)))
	require.NoError(t, q.Enqueue(envelopeWithPriority(2)))

	first, err := q.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, 5, first.Priority)

	q.boostOnce()

	second, err := q.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, 7, second.Priority)
}

func TestQueue_RejectsWhenFull(t *testing.T) {
	cfg := Config{MaxSize: 1, PriorityBoostInterval: 0}
	q := newTestQueue(t, cfg)

	require.NoError(t, q.Enqueue(envelopeWithPriority(1)))

	var rejectedErr error
	e := envelopeWithPriority(2)
	e.Reject = func(err error) { rejectedErr = err }

	err := q.Enqueue(e)
	assert.Error(t, err)
	assert.Equal(t, err, rejectedErr)
}

func TestQueue_RejectsWhenPaused(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PriorityBoostInterval = 0
	q := newTestQueue(t, cfg)
	q.Pause()

	err := q.Enqueue(envelopeWithPriority(1))
	assert.Error(t, err)
	assert.True(t, q.Paused())
}

func TestQueue_DequeueAllowedWhilePaused(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PriorityBoostInterval = 0
	q := newTestQueue(t, cfg)
	require.NoError(t, q.Enqueue(envelopeWithPriority(1)))
	q.Pause()

	e, err := q.Dequeue()
	require.NoError(t, err)
	assert.NotNil(t, e)
}

func TestQueue_DequeueDiscardsPastDeadline(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PriorityBoostInterval = 0
	q := newTestQueue(t, cfg)

	var rejected error
	expired := envelopeWithPriority(10)
	expired.Deadline = time.Now().Add(-time.Second)
	expired.Reject = func(err error) { rejected = err }
	require.NoError(t, q.Enqueue(expired))

	fresh := envelopeWithPriority(1)
	fresh.Deadline = time.Now().Add(time.Hour)
	require.NoError(t, q.Enqueue(fresh))

	e, err := q.Dequeue()
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, 1, e.Priority, "expired envelope must be skipped, not returned")
	assert.Error(t, rejected)
}

func TestQueue_PriorityCappedAt100(t *testing.T) {
	cfg := Config{MaxSize: 10, PriorityBoostInterval: 0, PriorityBoostAmount: 50}
	q := newTestQueue(t, cfg)
	require.NoError(t, q.Enqueue(envelopeWithPriority(90)))

	q.boostOnce()
	q.boostOnce()

	e := q.Peek()
	require.NotNil(t, e)
	assert.Equal(t, MaxPriority, e.Priority)
}

func TestQueue_Clear(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PriorityBoostInterval = 0
	q := newTestQueue(t, cfg)

	var mu sync.Mutex
	rejections := 0
	for i := 0; i < 3; i++ {
		e := envelopeWithPriority(i)
		e.Reject = func(err error) {
			mu.Lock()
			rejections++
			mu.Unlock()
		}
		require.NoError(t, q.Enqueue(e))
	}

	q.Clear()
	assert.Equal(t, 0, q.Size())
	assert.Equal(t, 3, rejections)
}

func TestQueue_Stats(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PriorityBoostInterval = 0
	q := newTestQueue(t, cfg)

	for i := 0; i < 3; i++ {
		e := envelopeWithPriority(i)
		e.Model = "llama3"
		require.NoError(t, q.Enqueue(e))
	}
	_, err := q.Dequeue()
	require.NoError(t, err)

	stats := q.Stats()
	assert.Equal(t, 2, stats.Size)
	assert.Equal(t, int64(3), stats.TotalEnqueued)
	assert.Equal(t, 2, stats.PerModel["llama3"])
}

func TestQueue_GetByModel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PriorityBoostInterval = 0
	q := newTestQueue(t, cfg)

	a := envelopeWithPriority(1)
	a.Model = "a"
	b := envelopeWithPriority(2)
	b.Model = "b"
	require.NoError(t, q.Enqueue(a))
	require.NoError(t, q.Enqueue(b))

	got := q.GetByModel("a")
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Model)
}

func TestQueue_BoostLoopFiresOnTicker(t *testing.T) {
	cfg := Config{MaxSize: 10, PriorityBoostInterval: 10 * time.Millisecond, PriorityBoostAmount: 1}
	q := newTestQueue(t, cfg)
	require.NoError(t, q.Enqueue(envelopeWithPriority(1)))

	assert.Eventually(t, func() bool {
		e := q.Peek()
		return e != nil && e.Priority > 1
	}, 500*time.Millisecond, 10*time.Millisecond)
}
