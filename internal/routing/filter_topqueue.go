package routing

import (
	"sort"

	"github.com/vllm-project/router/internal/endpoint"
)

// TopQueueFilter drops candidates at or above the p-th percentile of
// num_queuing_requests (§4.4 "Top-percentile-queue cut"). Never
// returns empty; if it would, it returns the input unchanged.
type TopQueueFilter struct {
	Percentile float64 // default 0.9
}

func NewTopQueueFilter(percentile float64) *TopQueueFilter {
	if percentile <= 0 || percentile >= 1 {
		percentile = 0.9
	}
	return &TopQueueFilter{Percentile: percentile}
}

func (f *TopQueueFilter) Name() string { return "top_percentile_queue_cut" }

func (f *TopQueueFilter) Apply(candidates []endpoint.Endpoint, stats StatsSource, engine EngineStatsSource) []endpoint.Endpoint {
	if len(candidates) <= 1 {
		return candidates
	}

	queueLen := make([]int, len(candidates))
	for i, e := range candidates {
		if st, ok := engine.Get(e.Hash); ok {
			queueLen[i] = st.NumQueuingRequests
		}
	}

	sorted := append([]int(nil), queueLen...)
	sort.Ints(sorted)
	idx := int(f.Percentile * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	threshold := sorted[idx]

	out := make([]endpoint.Endpoint, 0, len(candidates))
	for i, e := range candidates {
		if queueLen[i] < threshold {
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		return candidates
	}
	return out
}
