package routing

import (
	"github.com/vllm-project/router/internal/endpoint"
)

// DisaggregatedAffinity routes within the prefill or decode role subset
// implied by the request (§4.6: max_tokens==1 means the prefill stage,
// else decode), delegating the actual pick inside that subset to a
// configured sub-strategy (round-robin / random / lowest-QPS).
type DisaggregatedAffinity struct {
	sub AffinityPolicy
}

func NewDisaggregatedAffinity(sub AffinityPolicy) *DisaggregatedAffinity {
	return &DisaggregatedAffinity{sub: sub}
}

func (a *DisaggregatedAffinity) Name() string { return "disaggregated_prefill" }

func (a *DisaggregatedAffinity) Update(candidates []endpoint.Endpoint, stats StatsSource, engine EngineStatsSource) {
	a.sub.Update(candidates, stats, engine)
}

func (a *DisaggregatedAffinity) Select(req Request, candidates []endpoint.Endpoint) (endpoint.Endpoint, error) {
	role := endpoint.RoleDecode
	if req.IsPrefill || req.MaxTokens == 1 {
		role = endpoint.RolePrefill
	}

	subset := make([]endpoint.Endpoint, 0, len(candidates))
	for _, e := range candidates {
		if e.Role == role {
			subset = append(subset, e)
		}
	}
	if len(subset) == 0 {
		return endpoint.Endpoint{}, ErrNoCandidates
	}
	return a.sub.Select(req, subset)
}

func (a *DisaggregatedAffinity) OnRouted(req Request, chosen endpoint.Endpoint) {
	a.sub.OnRouted(req, chosen)
}
