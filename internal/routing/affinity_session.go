package routing

import (
	"sync"

	"github.com/vllm-project/router/internal/endpoint"
)

// SessionAffinity routes by a configured session header via a
// consistent hash ring; when the header is absent it falls back to
// lowest-QPS (§4.4 "Session").
type SessionAffinity struct {
	mu    sync.Mutex
	ring  *hashRing
	stats StatsSource
}

func NewSessionAffinity() *SessionAffinity { return &SessionAffinity{} }

func (a *SessionAffinity) Name() string { return "session" }

func (a *SessionAffinity) Update(candidates []endpoint.Endpoint, stats StatsSource, _ EngineStatsSource) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ring = buildRing(candidateURLs(candidates))
	a.stats = stats
}

func (a *SessionAffinity) Select(req Request, candidates []endpoint.Endpoint) (endpoint.Endpoint, error) {
	if len(candidates) == 0 {
		return endpoint.Endpoint{}, ErrNoCandidates
	}
	if req.SessionKey == "" {
		a.mu.Lock()
		stats := a.stats
		a.mu.Unlock()
		return qpsFallback(candidates, stats)
	}

	a.mu.Lock()
	ring := a.ring
	a.mu.Unlock()
	if ring == nil {
		ring = buildRing(candidateURLs(candidates))
	}

	url := ring.lookup(req.SessionKey, candidateURLSet(candidates))
	if url == "" {
		return candidates[0], nil
	}
	e, _ := findByURL(candidates, url)
	return e, nil
}

func (a *SessionAffinity) OnRouted(Request, endpoint.Endpoint) {}

// MatchesEndpoint reports whether the ring would also pick candidateURL
// for sessionKey among the given candidate set. The admission scheduler
// does not call it.
func (a *SessionAffinity) MatchesEndpoint(sessionKey string, candidates []endpoint.Endpoint, candidateURL string) bool {
	if sessionKey == "" {
		return false
	}
	ring := buildRing(candidateURLs(candidates))
	return ring.lookup(sessionKey, candidateURLSet(candidates)) == candidateURL
}

// qpsFallback implements the original source's `_qps_routing`: the
// first candidate with no request-stats entry yet wins immediately
// (§12); otherwise the argmin-QPS candidate wins, endpoints with no
// stats treated as load 0.
func qpsFallback(candidates []endpoint.Endpoint, stats StatsSource) (endpoint.Endpoint, error) {
	if stats != nil {
		for _, e := range candidates {
			if !stats.HasStats(e.Hash) {
				return e, nil
			}
		}
	}
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

func qpsOf(stats StatsSource, h endpoint.Hash) float64 {
	if stats == nil {
		return 0
	}
	return stats.QPS(h)
}
