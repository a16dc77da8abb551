package routing

import (
	"github.com/vllm-project/router/internal/endpoint"
)

// PrefixAffinity is the longest-prefix affinity policy (§4.4
// "Longest-prefix"): a shared trie keyed by hashed fixed-size chunks
// of the serialized request content.
type PrefixAffinity struct {
	trie *Trie
}

func NewPrefixAffinity(trie *Trie) *PrefixAffinity {
	return &PrefixAffinity{trie: trie}
}

func (a *PrefixAffinity) Name() string { return "prefixaware" }

func (a *PrefixAffinity) Update([]endpoint.Endpoint, StatsSource, EngineStatsSource) {}

func (a *PrefixAffinity) Select(req Request, candidates []endpoint.Endpoint) (endpoint.Endpoint, error) {
	if len(candidates) == 0 {
		return endpoint.Endpoint{}, ErrNoCandidates
	}
	if url, ok := a.trie.LongestPrefixMatch(req.PrefixText, candidateURLSet(candidates)); ok {
		if e, found := findByURL(candidates, url); found {
			return e, nil
		}
	}
	return candidates[0], nil
}

func (a *PrefixAffinity) OnRouted(req Request, chosen endpoint.Endpoint) {
	a.trie.Insert(req.PrefixText, chosen.URL)
}
