package routing

import (
	"sync"

	"github.com/vllm-project/router/internal/endpoint"
)

const simhashPrefixChars = 256

// SimhashAffinity routes on hash(first N chars of the serialized
// request content) via the same consistent hash ring session affinity
// uses (§4.4 "Similarity hash"), content-addressed rather than
// session-addressed.
type SimhashAffinity struct {
	mu   sync.Mutex
	ring *hashRing
}

func NewSimhashAffinity() *SimhashAffinity { return &SimhashAffinity{} }

func (a *SimhashAffinity) Name() string { return "simhash" }

func (a *SimhashAffinity) Update(candidates []endpoint.Endpoint, _ StatsSource, _ EngineStatsSource) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ring = buildRing(candidateURLs(candidates))
}

func (a *SimhashAffinity) Select(req Request, candidates []endpoint.Endpoint) (endpoint.Endpoint, error) {
	if len(candidates) == 0 {
		return endpoint.Endpoint{}, ErrNoCandidates
	}
	a.mu.Lock()
	ring := a.ring
	a.mu.Unlock()
	if ring == nil {
		ring = buildRing(candidateURLs(candidates))
	}

	key := contentKey(req.PrefixText)
	url := ring.lookup(key, candidateURLSet(candidates))
	if url == "" {
		return candidates[0], nil
	}
	e, _ := findByURL(candidates, url)
	return e, nil
}

func (a *SimhashAffinity) OnRouted(Request, endpoint.Endpoint) {}

// contentKey truncates the serialized request content to its first
// simhashPrefixChars characters so the ring's own xxh3 hashing keys
// off of it: a true bit-sampled simhash needs a shingling scheme with
// no single canonical definition, while hashing the truncated prefix
// gives the same "similar prefix -> same bucket" property for
// requests that share a literal prefix, which is the common case.
func contentKey(text string) string {
	if len(text) > simhashPrefixChars {
		text = text[:simhashPrefixChars]
	}
	return text
}
