package routing

import (
	"errors"
	"sort"

	"github.com/vllm-project/router/internal/endpoint"
)

// ErrNoCandidates is returned when no endpoint serves the requested
// model (§7 "unknown model" — the HTTP layer maps this to 400).
var ErrNoCandidates = errors.New("no endpoint serves the requested model")

// ErrAllSleeping is returned when every endpoint serving the model is
// parked (§3 "a sleep-flagged endpoint MUST NOT receive user requests").
var ErrAllSleeping = errors.New("all endpoints serving the requested model are sleeping")

// Router is the second-generation composition named authoritative by
// §9's open question: a filter chain followed by one affinity policy.
type Router struct {
	Filters  []EndpointFilter
	Affinity AffinityPolicy
	Stats    StatsSource
	Engine   EngineStatsSource
}

// Route implements §4.4's five-step algorithm.
func (r *Router) Route(req Request, all []endpoint.Endpoint) (endpoint.Endpoint, []endpoint.Endpoint, error) {
	candidates := buildCandidateSet(req, all)
	if len(candidates) == 0 {
		if hasSleepingForRequest(req, all) {
			return endpoint.Endpoint{}, nil, ErrAllSleeping
		}
		return endpoint.Endpoint{}, nil, ErrNoCandidates
	}

	filtered := applyFilters(r.Filters, candidates, r.Stats, r.Engine)

	r.Affinity.Update(filtered, r.Stats, r.Engine)
	chosen, err := r.Affinity.Select(req, filtered)
	if err != nil {
		return endpoint.Endpoint{}, filtered, err
	}
	r.Affinity.OnRouted(req, chosen)
	return chosen, filtered, nil
}

// buildCandidateSet is §4.4 step 1: endpoints serving the model, not
// sleeping, matching any role requirement the request kind implies.
func buildCandidateSet(req Request, all []endpoint.Endpoint) []endpoint.Endpoint {
	out := make([]endpoint.Endpoint, 0, len(all))
	for _, e := range all {
		if e.Sleeping || e.Model != req.Model {
			continue
		}
		if req.NeedsRole != endpoint.RoleNone && e.Role != req.NeedsRole {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// hasSleepingForRequest reports whether an endpoint that would have been
// a candidate for req (same model, matching role) is excluded only
// because it is sleeping.
func hasSleepingForRequest(req Request, all []endpoint.Endpoint) bool {
	for _, e := range all {
		if !e.Sleeping || e.Model != req.Model {
			continue
		}
		if req.NeedsRole == endpoint.RoleNone || e.Role == req.NeedsRole {
			return true
		}
	}
	return false
}
