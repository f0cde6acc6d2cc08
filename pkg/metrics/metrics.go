// Package metrics implements the per-(server, model) aggregator: rolling
// named windows, a bounded recent-latency sample for percentile estimation,
// time-based decay of stale records, and a debounced persistence hook.
//
// Decay is applied on read rather than on write, so stored state is never
// mutated by staleness; prometheus export sits alongside the in-memory
// windows as an additive facade.
package metrics

import (
	"math"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"fleetrouter/internal/clock"
)

// Window names the fixed set of rolling windows every record tracks.
type Window string

const (
	Window1m  Window = "1m"
	Window5m  Window = "5m"
	Window15m Window = "15m"
	Window1h  Window = "1h"
	Window24h Window = "24h"
)

// AllWindows lists every window in a stable order, used for iteration and
// persistence.
var AllWindows = []Window{Window1m, Window5m, Window15m, Window1h, Window24h}

var windowDurations = map[Window]time.Duration{
	Window1m:  time.Minute,
	Window5m:  5 * time.Minute,
	Window15m: 15 * time.Minute,
	Window1h:  time.Hour,
	Window24h: 24 * time.Hour,
}

// Key identifies a metrics record by (server, model).
type Key struct {
	Server string
	Model  string
}

// Config tunes decay, percentile rings, and the bounded record cache.
type Config struct {
	// MaxRecords bounds the number of distinct (server, model) records held
	// in memory at once; the least recently used record is evicted beyond
	// this.
	MaxRecords int `json:"max_records" yaml:"max_records"`
	// LatencyRingSize bounds the recent-duration sample used for percentile
	// estimation.
	LatencyRingSize int `json:"latency_ring_size" yaml:"latency_ring_size"`
	// StreamingRingSize bounds the TTFT and streaming-duration sample rings.
	StreamingRingSize int `json:"streaming_ring_size" yaml:"streaming_ring_size"`

	// StaleThreshold is the age beyond which getMetrics applies decay.
	StaleThreshold time.Duration `json:"stale_threshold" yaml:"stale_threshold"`
	// DecayHalfLife is the half-life used in the exponential decay factor
	// 2^(-age/halfLife).
	DecayHalfLife time.Duration `json:"decay_half_life" yaml:"decay_half_life"`
	// MinDecayFactor floors the decay factor so very old records don't
	// collapse to a zero-confidence reading outright.
	MinDecayFactor float64 `json:"min_decay_factor" yaml:"min_decay_factor"`
	// PercentileInflation is the factor percentiles are blended toward as a
	// record goes stale, expressing "be more conservative about stale
	// data" without hardcoding a specific constant.
	PercentileInflation float64 `json:"percentile_inflation" yaml:"percentile_inflation"`

	// DebounceInterval is how long Record coalesces before invoking the
	// persistence callback.
	DebounceInterval time.Duration `json:"debounce_interval" yaml:"debounce_interval"`
}

// DefaultConfig returns sensible defaults for the aggregator.
func DefaultConfig() Config {
	return Config{
		MaxRecords:          8192,
		LatencyRingSize:     1000,
		StreamingRingSize:   1000,
		StaleThreshold:      5 * time.Minute,
		DecayHalfLife:       10 * time.Minute,
		MinDecayFactor:      0.1,
		PercentileInflation: 1.5,
		DebounceInterval:    2 * time.Second,
	}
}

// WindowStats holds the raw accumulators for one named window.
type WindowStats struct {
	Count           int64
	ErrorCount      int64
	LatencySum      time.Duration
	LatencySumSq    float64 // sum of squares, in seconds^2, for variance callers
	MinLatency      time.Duration
	MaxLatency      time.Duration
	TokensGenerated int64
	TokensPrompt    int64
	StartTime       time.Time
	EndTime         time.Time
}

// Derived recomputes the rates implied by the raw counters: success rate,
// throughput, and average tokens per request.
func (w WindowStats) Derived() (successRate, throughputPerSec, avgTokensPerRequest float64) {
	if w.Count == 0 {
		return 1, 0, 0
	}
	successRate = float64(w.Count-w.ErrorCount) / float64(w.Count)
	span := w.EndTime.Sub(w.StartTime).Seconds()
	if span > 0 {
		throughputPerSec = float64(w.Count) / span
	}
	avgTokensPerRequest = float64(w.TokensGenerated) / float64(w.Count)
	return
}

// AvgLatency returns the mean latency recorded in the window.
func (w WindowStats) AvgLatency() time.Duration {
	if w.Count == 0 {
		return 0
	}
	return w.LatencySum / time.Duration(w.Count)
}

// Outcome is the input to Record for a single completed request.
type Outcome struct {
	Success           bool
	Latency           time.Duration
	TokensGenerated   int
	TokensPrompt      int
	Streaming         bool
	TimeToFirstToken  time.Duration
	StreamingDuration time.Duration
	Timestamp         time.Time
}

type streamingSample struct {
	ttftRing     []time.Duration
	durationRing []time.Duration
}

// record is the mutable per-(server,model) state. Exported accessors return
// copies so callers never see partially-updated state.
type record struct {
	mu         sync.Mutex
	key        Key
	windows    map[Window]*WindowStats
	latencies  []time.Duration
	streaming  streamingSample
	lastUpdate time.Time
	dirty      bool

	ringSize      int
	streamRing    int
}

func newRecord(key Key, ringSize, streamRing int) *record {
	windows := make(map[Window]*WindowStats, len(AllWindows))
	for _, w := range AllWindows {
		windows[w] = &WindowStats{}
	}
	return &record{
		key:        key,
		windows:    windows,
		ringSize:   ringSize,
		streamRing: streamRing,
	}
}

func (r *record) apply(now time.Time, o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for w, stats := range r.windows {
		dur := windowDurations[w]
		if stats.Count == 0 || now.After(stats.EndTime) {
			// Either never started or the window has fully elapsed: begin a
			// fresh period. The spec's "slides or resets when age exceeds
			// window size" collapses to a reset here since a single bucket
			// per window can't represent a sliding sub-window; we document
			// this simplification rather than fake a multi-bucket sliding
			// window.
			*stats = WindowStats{StartTime: now, EndTime: now.Add(dur)}
		}
		stats.Count++
		if !o.Success {
			stats.ErrorCount++
		}
		stats.LatencySum += o.Latency
		secs := o.Latency.Seconds()
		stats.LatencySumSq += secs * secs
		if stats.MinLatency == 0 || o.Latency < stats.MinLatency {
			stats.MinLatency = o.Latency
		}
		if o.Latency > stats.MaxLatency {
			stats.MaxLatency = o.Latency
		}
		stats.TokensGenerated += int64(o.TokensGenerated)
		stats.TokensPrompt += int64(o.TokensPrompt)
	}

	r.latencies = pushBounded(r.latencies, o.Latency, r.ringSize)
	if o.Streaming {
		r.streaming.ttftRing = pushBounded(r.streaming.ttftRing, o.TimeToFirstToken, r.streamRing)
		r.streaming.durationRing = pushBounded(r.streaming.durationRing, o.StreamingDuration, r.streamRing)
	}

	r.lastUpdate = now
	r.dirty = true
}

func pushBounded(ring []time.Duration, v time.Duration, max int) []time.Duration {
	ring = append(ring, v)
	if len(ring) > max {
		ring = ring[len(ring)-max:]
	}
	return ring
}

// Percentile computes the nearest-rank percentile (0-100) over a copy of
// durations: empty returns 0, a single element returns
// that element.
func Percentile(durations []time.Duration, p float64) time.Duration {
	n := len(durations)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return durations[0]
	}
	sorted := make([]time.Duration, n)
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	rank := int(p/100*float64(n) + 0.9999999)
	if rank < 1 {
		rank = 1
	}
	if rank > n {
		rank = n
	}
	return sorted[rank-1]
}

// Snapshot is the read-only view returned by GetMetrics, optionally decayed.
type Snapshot struct {
	Key                 Key
	Window              Window
	Stats               WindowStats
	SuccessRate         float64
	ThroughputPerSec    float64
	AvgTokensPerRequest float64
	P50, P95, P99       time.Duration
	StreamingTTFTP50    time.Duration
	StreamingTTFTP99    time.Duration
	StreamingDurP50     time.Duration
	StreamingDurP99     time.Duration
	Decayed             bool
	Age                 time.Duration
}

// PersistSnapshot is the shape handed to a persistence backend.
type PersistSnapshot struct {
	Key        Key                    `json:"key"`
	Windows    map[Window]WindowStats `json:"windows"`
	LastUpdate time.Time              `json:"last_update"`
}

// Persister is implemented by the persistence layer (C10). SaveMetrics is
// called on the debounce timer and on Flush; it must be safe to call
// concurrently with further Record calls.
type Persister interface {
	SaveMetrics(snapshots []PersistSnapshot) error
}

// Aggregator owns every (server, model) record, bounded by an LRU so a
// runaway number of distinct model tags can't grow memory without limit.
type Aggregator struct {
	config    Config
	clock     clock.Clock
	logger    *zap.Logger
	persister Persister

	cache *lru.Cache[Key, *record]

	debounceMu   sync.Mutex
	debouncePend bool

	promRequests   *prometheus.CounterVec
	promErrors     *prometheus.CounterVec
	promLatency    *prometheus.HistogramVec
	promSuccessPct *prometheus.GaugeVec
}

// New creates an Aggregator. registry may be nil to skip prometheus
// registration (e.g. in tests).
func New(config Config, persister Persister, c clock.Clock, logger *zap.Logger, registry prometheus.Registerer) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if c == nil {
		c = clock.Real{}
	}
	cache, _ := lru.New[Key, *record](config.MaxRecords)

	a := &Aggregator{
		config:    config,
		clock:     c,
		logger:    logger,
		persister: persister,
		cache:     cache,
	}

	a.promRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetrouter_requests_total",
		Help: "Total requests recorded per (server, model).",
	}, []string{"server", "model"})
	a.promErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetrouter_request_errors_total",
		Help: "Total failed requests recorded per (server, model).",
	}, []string{"server", "model"})
	a.promLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fleetrouter_request_latency_seconds",
		Help:    "Request latency recorded per (server, model).",
		Buckets: prometheus.DefBuckets,
	}, []string{"server", "model"})
	a.promSuccessPct = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleetrouter_success_rate",
		Help: "Most recent 1m-window success rate per (server, model).",
	}, []string{"server", "model"})

	if registry != nil {
		registry.MustRegister(a.promRequests, a.promErrors, a.promLatency, a.promSuccessPct)
	}

	return a
}

func (a *Aggregator) getOrCreate(key Key) *record {
	if r, ok := a.cache.Get(key); ok {
		return r
	}
	r := newRecord(key, a.config.LatencyRingSize, a.config.StreamingRingSize)
	a.cache.Add(key, r)
	return r
}

// RecordRequest applies an outcome to the (server, model) record.
func (a *Aggregator) RecordRequest(key Key, o Outcome) {
	if o.Timestamp.IsZero() {
		o.Timestamp = a.clock.Now()
	}
	r := a.getOrCreate(key)
	r.apply(o.Timestamp, o)

	a.promRequests.WithLabelValues(key.Server, key.Model).Inc()
	if !o.Success {
		a.promErrors.WithLabelValues(key.Server, key.Model).Inc()
	}
	a.promLatency.WithLabelValues(key.Server, key.Model).Observe(o.Latency.Seconds())
	if snap, ok := a.rawWindow(key, Window1m); ok {
		a.promSuccessPct.WithLabelValues(key.Server, key.Model).Set(snap.SuccessRate)
	}

	a.scheduleDebounce()
}

// GetMetrics returns the decayed view of a (server, model) window, applying
// the exponential-decay blend when the record is
// older than StaleThreshold.
func (a *Aggregator) GetMetrics(key Key, w Window) (Snapshot, bool) {
	snap, ok := a.rawWindow(key, w)
	if !ok {
		return Snapshot{}, false
	}
	return a.applyDecay(snap), true
}

// GetMetricsRaw bypasses decay entirely.
func (a *Aggregator) GetMetricsRaw(key Key, w Window) (Snapshot, bool) {
	return a.rawWindow(key, w)
}

func (a *Aggregator) rawWindow(key Key, w Window) (Snapshot, bool) {
	r, ok := a.cache.Peek(key)
	if !ok {
		return Snapshot{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stats := *r.windows[w]
	successRate, throughput, avgTokens := stats.Derived()

	snap := Snapshot{
		Key:                 key,
		Window:              w,
		Stats:               stats,
		SuccessRate:         successRate,
		ThroughputPerSec:    throughput,
		AvgTokensPerRequest: avgTokens,
		P50:                 Percentile(r.latencies, 50),
		P95:                 Percentile(r.latencies, 95),
		P99:                 Percentile(r.latencies, 99),
		StreamingTTFTP50:    Percentile(r.streaming.ttftRing, 50),
		StreamingTTFTP99:    Percentile(r.streaming.ttftRing, 99),
		StreamingDurP50:     Percentile(r.streaming.durationRing, 50),
		StreamingDurP99:     Percentile(r.streaming.durationRing, 99),
	}
	if !r.lastUpdate.IsZero() {
		snap.Age = a.clock.Now().Sub(r.lastUpdate)
	}
	return snap, true
}

func (a *Aggregator) applyDecay(snap Snapshot) Snapshot {
	if snap.Age <= a.config.StaleThreshold {
		return snap
	}

	exponent := -snap.Age.Seconds() / a.config.DecayHalfLife.Seconds()
	factor := math.Pow(2, exponent)
	if factor < a.config.MinDecayFactor {
		factor = a.config.MinDecayFactor
	}

	snap.Decayed = true
	// Success rate blends toward 1 (assume recovery as data goes stale);
	// throughput blends toward 0 (assume traffic has dried up).
	snap.SuccessRate = snap.SuccessRate*factor + 1*(1-factor)
	snap.ThroughputPerSec = snap.ThroughputPerSec * factor

	inflate := func(d time.Duration) time.Duration {
		inflated := float64(d) * a.config.PercentileInflation
		blended := float64(d)*factor + inflated*(1-factor)
		return time.Duration(blended)
	}
	snap.P50 = inflate(snap.P50)
	snap.P95 = inflate(snap.P95)
	snap.P99 = inflate(snap.P99)
	snap.StreamingTTFTP50 = inflate(snap.StreamingTTFTP50)
	snap.StreamingTTFTP99 = inflate(snap.StreamingTTFTP99)
	snap.StreamingDurP50 = inflate(snap.StreamingDurP50)
	snap.StreamingDurP99 = inflate(snap.StreamingDurP99)

	return snap
}

// Keys returns every (server, model) currently tracked.
func (a *Aggregator) Keys() []Key {
	return a.cache.Keys()
}

// Remove drops a record, e.g. when its server is removed from the fleet.
func (a *Aggregator) Remove(key Key) {
	a.cache.Remove(key)
}

// Snapshots returns a persistable view of every tracked record.
func (a *Aggregator) Snapshots() []PersistSnapshot {
	out := make([]PersistSnapshot, 0, a.cache.Len())
	for _, key := range a.cache.Keys() {
		r, ok := a.cache.Peek(key)
		if !ok {
			continue
		}
		r.mu.Lock()
		windows := make(map[Window]WindowStats, len(r.windows))
		for w, s := range r.windows {
			windows[w] = *s
		}
		snap := PersistSnapshot{Key: key, Windows: windows, LastUpdate: r.lastUpdate}
		r.mu.Unlock()
		out = append(out, snap)
	}
	return out
}

// LoadSnapshots seeds the aggregator from previously persisted window
// accumulators, mirroring breaker.Registry.LoadSnapshots. Recent-sample rings
// (latency percentiles, streaming TTFT/duration) aren't part of the
// persisted shape, so a restored record starts those rings empty; percentile
// queries catch up as fresh requests land. Callers use this once during
// Initialize, before any traffic is recorded.
func (a *Aggregator) LoadSnapshots(snaps []PersistSnapshot) {
	for _, snap := range snaps {
		r := a.getOrCreate(snap.Key)
		r.mu.Lock()
		for w, stats := range snap.Windows {
			cp := stats
			r.windows[w] = &cp
		}
		r.lastUpdate = snap.LastUpdate
		r.mu.Unlock()
	}
}

// scheduleDebounce arms (or leaves armed) a single debounce timer that
// flushes to the persister DebounceInterval after the first record since the
// last flush; later records do not push the flush back.
func (a *Aggregator) scheduleDebounce() {
	if a.persister == nil || a.config.DebounceInterval <= 0 {
		return
	}

	a.debounceMu.Lock()
	defer a.debounceMu.Unlock()
	if a.debouncePend {
		return
	}
	a.debouncePend = true

	go func() {
		a.clock.Sleep(a.config.DebounceInterval)
		a.debounceMu.Lock()
		a.debouncePend = false
		a.debounceMu.Unlock()
		if err := a.persister.SaveMetrics(a.Snapshots()); err != nil {
			a.logger.Warn("debounced metrics persist failed", zap.Error(err))
		}
	}()
}

// Flush synchronously persists every record, for use during shutdown where
// the debounce delay can't be waited out.
func (a *Aggregator) Flush() error {
	if a.persister == nil {
		return nil
	}
	return a.persister.SaveMetrics(a.Snapshots())
}
