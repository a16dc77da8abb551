package routing

import (
	"sync"

	"github.com/vllm-project/router/internal/endpoint"
)

// WeightedAffinity is Smooth Weighted Round Robin over static integer
// weights per URL (§4.4 "Weighted (SWRR)"). Unknown URLs default to
// weight 1.
//
//	each tick: current[url] += staticWeight[url] for every url
//	           pick url = argmax(current)
//	           current[chosen] -= total(staticWeight)
type WeightedAffinity struct {
	staticWeight map[string]int
	totalWeight  int

	mu      sync.Mutex
	current map[string]int
}

func NewWeightedAffinity(weights map[string]int) *WeightedAffinity {
	total := 0
	for _, w := range weights {
		total += w
	}
	return &WeightedAffinity{
		staticWeight: weights,
		totalWeight:  total,
		current:      map[string]int{},
	}
}

func (a *WeightedAffinity) Name() string { return "weighted" }

func (a *WeightedAffinity) Update([]endpoint.Endpoint, StatsSource, EngineStatsSource) {}

func (a *WeightedAffinity) weightOf(url string) int {
	if w, ok := a.staticWeight[url]; ok {
		return w
	}
	return 1
}

func (a *WeightedAffinity) Select(_ Request, candidates []endpoint.Endpoint) (endpoint.Endpoint, error) {
	if len(candidates) == 0 {
		return endpoint.Endpoint{}, ErrNoCandidates
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	total := 0
	for _, e := range candidates {
		w := a.weightOf(e.URL)
		a.current[e.URL] += w
		total += w
	}

	best := candidates[0]
	bestCurrent := a.current[best.URL]
	for _, e := range candidates[1:] {
		if a.current[e.URL] > bestCurrent {
			best, bestCurrent = e, a.current[e.URL]
		}
	}

	a.current[best.URL] -= total
	return best, nil
}

func (a *WeightedAffinity) OnRouted(Request, endpoint.Endpoint) {}
