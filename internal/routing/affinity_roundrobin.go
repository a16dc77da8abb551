package routing

import (
	"sync/atomic"

	"github.com/vllm-project/router/internal/endpoint"
)

// RoundRobinAffinity is a monotonic counter modulo the sorted-by-URL
// candidate list (§4.4 "Round-robin"). No per-request state.
type RoundRobinAffinity struct {
	counter atomic.Uint64
}

func NewRoundRobinAffinity() *RoundRobinAffinity { return &RoundRobinAffinity{} }

func (a *RoundRobinAffinity) Name() string { return "roundrobin" }

func (a *RoundRobinAffinity) Update([]endpoint.Endpoint, StatsSource, EngineStatsSource) {}

func (a *RoundRobinAffinity) Select(_ Request, candidates []endpoint.Endpoint) (endpoint.Endpoint, error) {
	if len(candidates) == 0 {
		return endpoint.Endpoint{}, ErrNoCandidates
	}
	idx := a.counter.Add(1) - 1
	return candidates[idx%uint64(len(candidates))], nil
}

func (a *RoundRobinAffinity) OnRouted(Request, endpoint.Endpoint) {}
