package routing

import (
	"sync"

	"github.com/vllm-project/router/internal/endpoint"
)

// KVCacheAwareAffinity combines the longest-prefix trie's per-endpoint
// matched-prefix length, current load, and a decayed per-endpoint
// latency estimate into a lowest-expected-TTFT score (§4.4 "KV-cache-
// aware"). With no stats yet, it degrades to round-robin.
type KVCacheAwareAffinity struct {
	trie    *Trie
	latency *LatencyTable

	mu         sync.Mutex
	stats      StatsSource
	engine     EngineStatsSource
	roundRobin RoundRobinAffinity
}

func NewKVCacheAwareAffinity(trie *Trie, latency *LatencyTable) *KVCacheAwareAffinity {
	return &KVCacheAwareAffinity{trie: trie, latency: latency}
}

func (a *KVCacheAwareAffinity) Name() string { return "kvcache" }

func (a *KVCacheAwareAffinity) Update(_ []endpoint.Endpoint, stats StatsSource, engine EngineStatsSource) {
	a.mu.Lock()
	a.stats, a.engine = stats, engine
	a.mu.Unlock()
}

func (a *KVCacheAwareAffinity) Select(req Request, candidates []endpoint.Endpoint) (endpoint.Endpoint, error) {
	if len(candidates) == 0 {
		return endpoint.Endpoint{}, ErrNoCandidates
	}

	a.mu.Lock()
	stats, engine := a.stats, a.engine
	a.mu.Unlock()

	matched := map[string]bool{}
	if url, ok := a.trie.LongestPrefixMatch(req.PrefixText, candidateURLSet(candidates)); ok {
		matched[url] = true
	}

	haveAnySignal := len(matched) > 0
	var best endpoint.Endpoint
	bestScore := 0.0
	for i, e := range candidates {
		score := 0.0
		if matched[e.URL] {
			score += 1.0
			haveAnySignal = true
		}
		if latencyEst, ok := a.latency.Estimate(e.Hash); ok {
			score -= latencyEst
			haveAnySignal = true
		}
		if stats != nil && stats.HasStats(e.Hash) {
			score -= stats.QPS(e.Hash) * 0.01
			haveAnySignal = true
		}
		if engine != nil {
			if st, ok := engine.Get(e.Hash); ok {
				score -= float64(st.NumQueuingRequests) * 0.1
				haveAnySignal = true
			}
		}
		if i == 0 || score > bestScore {
			best, bestScore = e, score
		}
	}

	if !haveAnySignal {
		return a.roundRobin.Select(req, candidates)
	}
	return best, nil
}

func (a *KVCacheAwareAffinity) OnRouted(req Request, chosen endpoint.Endpoint) {
	a.trie.Insert(req.PrefixText, chosen.URL)
}
