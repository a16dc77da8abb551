// Package routing implements the router composition (§4.4): a filter
// chain plus one pluggable affinity policy, and the concrete affinity
// and filter variants an OpenAI-compatible request router needs.
package routing

import (
	"github.com/vllm-project/router/internal/endpoint"
	"github.com/vllm-project/router/internal/enginestats"
	"github.com/vllm-project/router/internal/requeststats"
)

// Request is the minimal typed view of an inbound request the router
// needs (§9 "dynamic typing of request bodies"): enough to select a
// candidate set and an affinity key, with everything else forwarded
// untouched by the proxy layer.
type Request struct {
	RequestID   string
	Model       string
	SessionKey  string // header value configured by --session-key, "" if absent
	PrefixText  string // serialized chat messages / prompt, for prefix & simhash affinity
	MaxTokens   int    // ==1 signals a disaggregated prefill stage (§4.6)
	IsPrefill   bool
	NeedsRole   endpoint.Role // RoleNone unless the request kind implies one (e.g. transcription)
}

// StatsSource is the subset of the request-stats monitor affinity/
// filter implementations need.
type StatsSource interface {
	QPS(h endpoint.Hash) float64
	HasStats(h endpoint.Hash) bool
	GetStats(h endpoint.Hash) requeststats.Stats
}

// EngineStatsSource is the subset of the engine stats scraper
// affinity/filter implementations need.
type EngineStatsSource interface {
	Get(h endpoint.Hash) (enginestats.Stats, bool)
}

// EndpointFilter shrinks a candidate set based on load signals (§4.4).
// Apply must never return an empty slice; callers fall back to the
// input set when it would.
type EndpointFilter interface {
	Name() string
	Apply(candidates []endpoint.Endpoint, stats StatsSource, engine EngineStatsSource) []endpoint.Endpoint
}

// AffinityPolicy maps (request, candidate set) to one endpoint (§4.4).
type AffinityPolicy interface {
	Name() string
	// Update performs the cheap incremental bookkeeping step that must
	// run before Select on every route (e.g. refreshing a ring).
	Update(candidates []endpoint.Endpoint, stats StatsSource, engine EngineStatsSource)
	Select(req Request, candidates []endpoint.Endpoint) (endpoint.Endpoint, error)
	OnRouted(req Request, chosen endpoint.Endpoint)
}

// applyFilters runs each filter in order, reverting to the previous
// set (and stopping) the moment one would return empty (§4.4 step 2).
func applyFilters(filters []EndpointFilter, candidates []endpoint.Endpoint, stats StatsSource, engine EngineStatsSource) []endpoint.Endpoint {
	current := candidates
	for _, f := range filters {
		next := f.Apply(current, stats, engine)
		if len(next) == 0 {
			break
		}
		current = next
	}
	return current
}
