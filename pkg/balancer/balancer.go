// Package balancer implements the load balancer: candidate filtering over
// the fleet registry plus a weighted multi-factor scorer that ranks
// surviving candidates from rolling performance metrics and live load.
//
// Threshold breaches (p95, success rate) are soft penalties rather than
// hard filters, so every candidate stays rankable even when the whole
// fleet is degraded.
package balancer

import (
	"sort"
	"sync"

	"fleetrouter/pkg/breaker"
	"fleetrouter/pkg/fleet"
	"fleetrouter/pkg/metrics"
)

// Capability names the wire shape a request requires.
type Capability int

const (
	CapabilityNative Capability = iota
	CapabilityOpenAI
)

// Weights must sum to 1; New normalizes defensively if they
// don't.
type Weights struct {
	Latency           float64 `json:"latency" yaml:"latency"`
	SuccessRate       float64 `json:"success_rate" yaml:"success_rate"`
	AvailableCapacity float64 `json:"available_capacity" yaml:"available_capacity"`
	CapacityBonus     float64 `json:"capacity_bonus" yaml:"capacity_bonus"`
}

// Config tunes scoring weights and the soft-penalty thresholds.
type Config struct {
	Weights Weights `json:"weights" yaml:"weights"`

	// P95Threshold and MinSuccessRate are soft penalty thresholds, not hard
	// filters: a candidate that breaches either stays rankable, just scored
	// lower.
	P95ThresholdSeconds float64 `json:"p95_threshold_seconds" yaml:"p95_threshold_seconds"`
	MinSuccessRate      float64 `json:"min_success_rate" yaml:"min_success_rate"`
	SoftPenalty         float64 `json:"soft_penalty" yaml:"soft_penalty"`

	// MetricsWindow selects which rolling window backs the score.
	MetricsWindow metrics.Window `json:"metrics_window" yaml:"metrics_window"`
}

// DefaultConfig returns the default weights: latency 0.4, success rate
// 0.4, available capacity 0.2, capacity bonus 0.
func DefaultConfig() Config {
	return Config{
		Weights: Weights{
			Latency:           0.4,
			SuccessRate:       0.4,
			AvailableCapacity: 0.2,
			CapacityBonus:     0.0,
		},
		P95ThresholdSeconds: 1.0,
		MinSuccessRate:      0.9,
		SoftPenalty:         0.15,
		MetricsWindow:       metrics.Window5m,
	}
}

// MetricsSource is the read surface the balancer needs from the metrics
// aggregator. metrics.Aggregator satisfies this directly.
type MetricsSource interface {
	GetMetrics(key metrics.Key, w metrics.Window) (metrics.Snapshot, bool)
}

// BreakerSource is the read surface the balancer needs from the breaker
// registry: a side-effect-free state query (breaker.Registry.StateOf
// satisfies this; CanExecute is deliberately not used here since it can
// itself claim a half-open probe slot).
type BreakerSource interface {
	StateOf(key breaker.Key) (breaker.State, bool)
}

// Candidate is one ranked result.
type Candidate struct {
	Backend  fleet.Backend
	Score    float64
	InFlight int
}

// Balancer ranks backends hosting a model.
type Balancer struct {
	fleetReg  *fleet.Registry
	metricsSrc MetricsSource
	breakers  BreakerSource
	cooldowns *fleet.CooldownTracker
	inflight  *InFlightTracker
	config    Config
}

// New creates a Balancer over the given collaborators.
func New(fleetReg *fleet.Registry, metricsSrc MetricsSource, breakers BreakerSource, cooldowns *fleet.CooldownTracker, inflight *InFlightTracker, config Config) *Balancer {
	w := config.Weights
	if sum := w.Latency + w.SuccessRate + w.AvailableCapacity + w.CapacityBonus; sum > 0 && sum != 1 {
		config.Weights = Weights{
			Latency:           w.Latency / sum,
			SuccessRate:       w.SuccessRate / sum,
			AvailableCapacity: w.AvailableCapacity / sum,
			CapacityBonus:     w.CapacityBonus / sum,
		}
	}
	return &Balancer{
		fleetReg:   fleetReg,
		metricsSrc: metricsSrc,
		breakers:   breakers,
		cooldowns:  cooldowns,
		inflight:   inflight,
		config:     config,
	}
}

// candidates returns every backend passing the hard filters: model
// advertised, eligible, not cooling down or banned, neither breaker open,
// spare capacity, and the required wire capability.
func (b *Balancer) candidates(model string, cap Capability) []fleet.Backend {
	var out []fleet.Backend
	for _, backend := range b.fleetReg.ForModel(model) {
		if !backend.Eligible() {
			continue
		}
		if b.cooldowns != nil {
			if banned := b.cooldowns.IsBanned(backend.ID, model); banned {
				continue
			}
			if cooling, _ := b.cooldowns.InCooldown(backend.ID, model); cooling {
				continue
			}
		}
		if b.breakers != nil {
			if st, ok := b.breakers.StateOf(breaker.Key{Server: backend.ID}); ok && st == breaker.Open {
				continue
			}
			if st, ok := b.breakers.StateOf(breaker.Key{Server: backend.ID, Model: model}); ok && st == breaker.Open {
				continue
			}
		}
		if backend.MaxConcurrency > 0 && b.inflight != nil {
			if b.inflight.Total(backend.ID) >= backend.MaxConcurrency {
				continue
			}
		}
		if !matchesCapability(backend, cap) {
			continue
		}
		out = append(out, backend)
	}
	return out
}

func matchesCapability(b fleet.Backend, cap Capability) bool {
	switch cap {
	case CapabilityNative:
		return b.Capabilities.SupportsNativeProtocol
	case CapabilityOpenAI:
		return b.Capabilities.SupportsOpenAIShape
	default:
		return false
	}
}

// Rank returns every surviving candidate with its score, in descending
// order, ties broken by lower in-flight then lexicographic id.
func (b *Balancer) Rank(model string, cap Capability) []Candidate {
	survivors := b.candidates(model, cap)
	if len(survivors) == 0 {
		return nil
	}

	maxCapacity := 0
	for _, backend := range survivors {
		if backend.MaxConcurrency > maxCapacity {
			maxCapacity = backend.MaxConcurrency
		}
	}

	out := make([]Candidate, 0, len(survivors))
	for _, backend := range survivors {
		inFlight := 0
		if b.inflight != nil {
			inFlight = b.inflight.Total(backend.ID)
		}
		score := b.score(backend, model, inFlight, maxCapacity)
		out = append(out, Candidate{Backend: backend, Score: score, InFlight: inFlight})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].InFlight != out[j].InFlight {
			return out[i].InFlight < out[j].InFlight
		}
		return out[i].Backend.ID < out[j].Backend.ID
	})
	return out
}

// Best returns the top-ranked candidate, if any.
func (b *Balancer) Best(model string, cap Capability) (fleet.Backend, bool) {
	ranked := b.Rank(model, cap)
	if len(ranked) == 0 {
		return fleet.Backend{}, false
	}
	return ranked[0].Backend, true
}

func (b *Balancer) score(backend fleet.Backend, model string, inFlight, maxCapacity int) float64 {
	w := b.config.Weights

	p95 := 0.0
	successRate := 1.0
	if b.metricsSrc != nil {
		if snap, ok := b.metricsSrc.GetMetrics(metrics.Key{Server: backend.ID, Model: model}, b.config.MetricsWindow); ok {
			p95 = snap.P95.Seconds()
			successRate = snap.SuccessRate
		}
	}

	latencyScore := 1.0 / (1.0 + p95)
	penalty := 0.0
	if b.config.P95ThresholdSeconds > 0 && p95 > b.config.P95ThresholdSeconds {
		penalty += b.config.SoftPenalty
	}
	if successRate < b.config.MinSuccessRate {
		penalty += b.config.SoftPenalty
	}

	availableCapacity := 1.0
	if backend.MaxConcurrency > 0 {
		availableCapacity = 1.0 - float64(inFlight)/float64(backend.MaxConcurrency)
		if availableCapacity < 0 {
			availableCapacity = 0
		}
	}

	capacityBonus := 0.0
	if maxCapacity > 0 {
		capacityBonus = float64(backend.MaxConcurrency) / float64(maxCapacity)
	}

	score := w.Latency*latencyScore +
		w.SuccessRate*successRate +
		w.AvailableCapacity*availableCapacity +
		w.CapacityBonus*capacityBonus -
		penalty
	if score < 0 {
		score = 0
	}
	return score
}

// InFlightTracker counts concurrently active requests per (server, model),
// and exposes the per-server total the balancer compares against a
// backend's maxConcurrency: in-flight slots are a whole-backend budget,
// incremented per (server, model) in the routing engine.
type InFlightTracker struct {
	mu       sync.Mutex
	byPair   map[string]int
	byServer map[string]int
}

// NewInFlightTracker creates an empty tracker.
func NewInFlightTracker() *InFlightTracker {
	return &InFlightTracker{
		byPair:   make(map[string]int),
		byServer: make(map[string]int),
	}
}

func pairID(server, model string) string { return server + "\x00" + model }

// Inc increments the in-flight count for (server, model).
func (t *InFlightTracker) Inc(server, model string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byPair[pairID(server, model)]++
	t.byServer[server]++
}

// Dec decrements the in-flight count for (server, model). It never goes
// below zero.
func (t *InFlightTracker) Dec(server, model string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := pairID(server, model)
	if t.byPair[key] > 0 {
		t.byPair[key]--
	}
	if t.byServer[server] > 0 {
		t.byServer[server]--
	}
}

// Count returns the in-flight count for a single (server, model) pair.
func (t *InFlightTracker) Count(server, model string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byPair[pairID(server, model)]
}

// Total returns the in-flight count across every model for server.
func (t *InFlightTracker) Total(server string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byServer[server]
}
