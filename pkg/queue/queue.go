// Package queue implements the priority queue: a binary
// max-heap of pending request envelopes with age-based priority boost,
// pause/resume, and overflow rejection.
//
// The heap tracks each envelope's index through Swap so a single
// envelope's priority change re-heapifies in O(log n) instead of
// rebuilding.
package queue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fleetrouter/internal/clock"
	"fleetrouter/pkg/ferrors"
)

// Endpoint names the kind of upstream call an envelope represents.
type Endpoint string

const (
	EndpointGenerate  Endpoint = "generate"
	EndpointChat      Endpoint = "chat"
	EndpointEmbedding Endpoint = "embeddings"
)

// MaxPriority is the cap age-based boosting can never push a priority
// past.
const MaxPriority = 100

// Envelope is a single queued request. Once dequeued it is never
// re-inserted.
type Envelope struct {
	ID        string
	Model     string
	Priority  int
	Endpoint  Endpoint
	Payload   interface{}
	Deadline  time.Time
	EnqueuedAt time.Time
	DequeuedAt time.Time

	Resolve func(interface{})
	Reject  func(error)

	index int // heap bookkeeping, unused by callers
}

type envelopeHeap []*Envelope

func (h envelopeHeap) Len() int { return len(h) }

func (h envelopeHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	// Equal priorities are ordered by enqueue time; identical timestamps
	// are left in heap order, so FIFO for equal priorities is not promised.
	return h[i].EnqueuedAt.Before(h[j].EnqueuedAt)
}

func (h envelopeHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *envelopeHeap) Push(x interface{}) {
	e := x.(*Envelope)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *envelopeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Config tunes capacity and the age-based boost timer.
type Config struct {
	MaxSize              int           `json:"max_size" yaml:"max_size"`
	PriorityBoostInterval time.Duration `json:"priority_boost_interval" yaml:"priority_boost_interval"`
	PriorityBoostAmount   int           `json:"priority_boost_amount" yaml:"priority_boost_amount"`
}

// DefaultConfig returns sensible queue defaults.
func DefaultConfig() Config {
	return Config{
		MaxSize:               1000,
		PriorityBoostInterval: 5 * time.Second,
		PriorityBoostAmount:   1,
	}
}

// Stats reports queue-level counters.
type Stats struct {
	Size          int
	MaxSize       int
	TotalEnqueued int64
	TotalDropped  int64
	AvgWaitTime   time.Duration
	PerModel      map[string]int
}

// Queue is the process-wide priority queue: a mutex-guarded heap plus a
// pause flag and a boost ticker goroutine.
type Queue struct {
	mu     sync.Mutex
	heap   envelopeHeap
	config Config
	paused bool
	logger *zap.Logger
	clock  clock.Clock

	totalEnqueued int64
	totalDropped  int64
	waitSamples   []time.Duration // bounded ring for avg-wait computation

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Queue and starts its priority-boost background timer.
func New(config Config, c clock.Clock, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if c == nil {
		c = clock.Real{}
	}
	q := &Queue{
		config: config,
		logger: logger,
		clock:  c,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	heap.Init(&q.heap)
	go q.boostLoop()
	return q
}

// NewEnvelope constructs an envelope with a generated id and enqueue
// timestamp, for callers that don't want to manage ids themselves.
func NewEnvelope(model string, priority int, endpoint Endpoint, payload interface{}, deadline time.Time) *Envelope {
	return &Envelope{
		ID:       uuid.NewString(),
		Model:    model,
		Priority: priority,
		Endpoint: endpoint,
		Payload:  payload,
		Deadline: deadline,
	}
}

// Enqueue adds an envelope to the queue, rejecting it with a typed error
// when the queue is full or paused.
func (q *Queue) Enqueue(e *Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.paused {
		err := ferrors.QueuePaused()
		if e.Reject != nil {
			e.Reject(err)
		}
		return err
	}
	if len(q.heap) >= q.config.MaxSize {
		q.totalDropped++
		err := ferrors.QueueFull(len(q.heap), q.config.MaxSize)
		if e.Reject != nil {
			e.Reject(err)
		}
		return err
	}

	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = q.clock.Now()
	}
	heap.Push(&q.heap, e)
	q.totalEnqueued++
	return nil
}

// Dequeue removes and returns the highest-priority envelope. Always allowed,
// even while paused. Envelopes whose deadline has already
// passed are discarded with `deadline-exceeded` rather than returned,
// continuing to the next candidate.
func (q *Queue) Dequeue() (*Envelope, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	for len(q.heap) > 0 {
		e := heap.Pop(&q.heap).(*Envelope)
		if !e.Deadline.IsZero() && now.After(e.Deadline) {
			err := ferrors.DeadlineExceeded(e.ID)
			if e.Reject != nil {
				e.Reject(err)
			}
			q.totalDropped++
			continue
		}
		e.DequeuedAt = now
		q.recordWait(now.Sub(e.EnqueuedAt))
		return e, nil
	}
	return nil, nil
}

func (q *Queue) recordWait(d time.Duration) {
	q.waitSamples = append(q.waitSamples, d)
	const maxSamples = 1000
	if len(q.waitSamples) > maxSamples {
		q.waitSamples = q.waitSamples[len(q.waitSamples)-maxSamples:]
	}
}

// Peek returns the highest-priority envelope without removing it.
func (q *Queue) Peek() *Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return nil
	}
	return q.heap[0]
}

// Size returns the current number of queued envelopes.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Clear empties the queue, rejecting every resident envelope with
// `queue-cleared`.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	err := ferrors.QueueCleared()
	for _, e := range q.heap {
		if e.Reject != nil {
			e.Reject(err)
		}
		q.totalDropped++
	}
	q.heap = nil
	heap.Init(&q.heap)
}

// GetByModel returns every resident envelope for the given model, in no
// particular order.
func (q *Queue) GetByModel(model string) []*Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*Envelope
	for _, e := range q.heap {
		if e.Model == model {
			out = append(out, e)
		}
	}
	return out
}

// Pause stops Enqueue from accepting new envelopes; Dequeue keeps working.
func (q *Queue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
}

// Resume re-enables Enqueue.
func (q *Queue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = false
}

// Paused reports whether the queue currently rejects enqueues.
func (q *Queue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Stats returns a snapshot of queue-level counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	perModel := make(map[string]int)
	for _, e := range q.heap {
		perModel[e.Model]++
	}

	var avg time.Duration
	if len(q.waitSamples) > 0 {
		var sum time.Duration
		for _, d := range q.waitSamples {
			sum += d
		}
		avg = sum / time.Duration(len(q.waitSamples))
	}

	return Stats{
		Size:          len(q.heap),
		MaxSize:       q.config.MaxSize,
		TotalEnqueued: q.totalEnqueued,
		TotalDropped:  q.totalDropped,
		AvgWaitTime:   avg,
		PerModel:      perModel,
	}
}

// boostLoop runs the age-based priority boost on PriorityBoostInterval,
// re-heapifying after each pass.
func (q *Queue) boostLoop() {
	defer close(q.doneCh)
	if q.config.PriorityBoostInterval <= 0 {
		return
	}
	ticker := q.clock.NewTicker(q.config.PriorityBoostInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C():
			q.boostOnce()
		}
	}
}

func (q *Queue) boostOnce() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return
	}
	for _, e := range q.heap {
		e.Priority += q.config.PriorityBoostAmount
		if e.Priority > MaxPriority {
			e.Priority = MaxPriority
		}
	}
	heap.Init(&q.heap)
}

// Stop halts the priority-boost background timer. Safe to call once.
func (q *Queue) Stop() {
	close(q.stopCh)
	<-q.doneCh
}
