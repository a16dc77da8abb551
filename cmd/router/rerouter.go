package main

import (
	"github.com/vllm-project/router/internal/endpoint"
	"github.com/vllm-project/router/internal/routing"
)

// schedulerRerouter adapts the live registry and router composition to
// admission.Rerouter (§4.7, implementing §13's find_best_endpoint /
// _session_matches_endpoint semantics): reroute a stale waiter by
// re-running the filter+affinity pipeline against the candidate set
// with the timed-out endpoint excluded.
type schedulerRerouter struct {
	registry *endpoint.Registry
	router   *routing.Router
}

func (rr *schedulerRerouter) Reroute(sessionKey string, excluded endpoint.Hash) (endpoint.Hash, bool) {
	excludedEndpoint, ok := rr.registry.Get(excluded)
	if !ok {
		return endpoint.Hash{}, false
	}
	candidates := make([]endpoint.Endpoint, 0)
	for _, e := range rr.registry.Snapshot() {
		if e.Hash != excluded {
			candidates = append(candidates, e)
		}
	}
	req := routing.Request{Model: excludedEndpoint.Model, SessionKey: sessionKey}
	chosen, _, err := rr.router.Route(req, candidates)
	if err != nil {
		return endpoint.Hash{}, false
	}
	return chosen.Hash, true
}

func (rr *schedulerRerouter) SessionPinned(sessionKey string, candidateHash endpoint.Hash) bool {
	if sessionKey == "" {
		return false
	}
	e, ok := rr.registry.Get(candidateHash)
	if !ok {
		return false
	}
	req := routing.Request{Model: e.Model, SessionKey: sessionKey}
	chosen, _, err := rr.router.Route(req, rr.registry.Snapshot())
	if err != nil {
		return false
	}
	return chosen.Hash == candidateHash
}
