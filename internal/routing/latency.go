package routing

import (
	"math"
	"time"

	"github.com/maypok86/otter"

	"github.com/vllm-project/router/internal/endpoint"
)

// decayWindow controls the TD-EWMA decay rate for the KV-cache-aware
// affinity's per-endpoint latency estimate, backed by a bounded otter
// cache.
const decayWindow = 30 * time.Second

// LatencyTable is a bounded per-endpoint exponentially-decayed latency
// estimate: weight = exp(-Δt/decayWindow).
type LatencyTable struct {
	cache otter.Cache[endpoint.Hash, latencySample]
	now   func() time.Time
}

type latencySample struct {
	estimate float64
	at       time.Time
}

func NewLatencyTable(capacity int, now func() time.Time) *LatencyTable {
	if now == nil {
		now = time.Now
	}
	cache, err := otter.MustBuilder[endpoint.Hash, latencySample](capacity).
		Cost(func(_ endpoint.Hash, _ latencySample) uint32 { return 1 }).
		Build()
	if err != nil {
		panic("routing: failed to create latency table: " + err.Error())
	}
	return &LatencyTable{cache: cache, now: now}
}

// Update folds a newly observed latency sample into the decayed
// estimate for h.
func (t *LatencyTable) Update(h endpoint.Hash, observed time.Duration) {
	now := t.now()
	prev, ok := t.cache.Get(h)
	if !ok {
		t.cache.Set(h, latencySample{estimate: observed.Seconds(), at: now})
		return
	}
	weight := math.Exp(-now.Sub(prev.at).Seconds() / decayWindow.Seconds())
	estimate := weight*prev.estimate + (1-weight)*observed.Seconds()
	t.cache.Set(h, latencySample{estimate: estimate, at: now})
}

// Estimate returns the current decayed latency estimate in seconds, or
// ok=false if nothing has been observed yet.
func (t *LatencyTable) Estimate(h endpoint.Hash) (float64, bool) {
	s, ok := t.cache.Get(h)
	if !ok {
		return 0, false
	}
	return s.estimate, true
}
