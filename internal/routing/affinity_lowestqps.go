package routing

import (
	"sync"

	"github.com/vllm-project/router/internal/endpoint"
)

// LowestQPSAffinity always picks argmin(qps); an endpoint with no
// stats yet is treated as load 0 and preferred (§4.4 "Lowest-QPS").
type LowestQPSAffinity struct {
	mu    sync.Mutex
	stats StatsSource
}

func NewLowestQPSAffinity() *LowestQPSAffinity { return &LowestQPSAffinity{} }

func (a *LowestQPSAffinity) Name() string { return "lowestqps" }

func (a *LowestQPSAffinity) Update(_ []endpoint.Endpoint, stats StatsSource, _ EngineStatsSource) {
	a.mu.Lock()
	a.stats = stats
	a.mu.Unlock()
}

func (a *LowestQPSAffinity) Select(_ Request, candidates []endpoint.Endpoint) (endpoint.Endpoint, error) {
	if len(candidates) == 0 {
		return endpoint.Endpoint{}, ErrNoCandidates
	}
	a.mu.Lock()
	stats := a.stats
	a.mu.Unlock()

	best := candidates[0]
	bestQPS := qpsOf(stats, best.Hash)
	for _, e := range candidates[1:] {
		q := qpsOf(stats, e.Hash)
		if q < bestQPS {
			best, bestQPS = e, q
		}
	}
	return best, nil
}

func (a *LowestQPSAffinity) OnRouted(Request, endpoint.Endpoint) {}
