package routing

import (
	"time"

	"github.com/vllm-project/router/internal/config"
)

// TrieConfig mirrors the hashtrie env knobs (§6
// HASHTRIE_MAX_MEMORY_MB/HASHTRIE_EVICTION_THRESHOLD/
// HASHTRIE_TARGET_UTILIZATION) that size the longest-prefix/KV-cache
// tries shared by NewAffinity.
type TrieConfig struct {
	MaxMemoryMB       int
	EvictionThreshold float64
	TargetUtilization float64
}

// NewAffinity builds the AffinityPolicy named by cfg.RoutingLogic
// (§4.4), wiring shared state (hash rings, tries, latency tables) as
// each variant needs it.
func NewAffinity(logic config.RoutingLogic, trieCfg TrieConfig, weights map[string]int, now func() time.Time) AffinityPolicy {
	switch logic {
	case config.RoutingSession:
		return NewSessionAffinity()
	case config.RoutingLongestPrefix:
		return NewPrefixAffinity(NewTrie(trieCfg.MaxMemoryMB, trieCfg.EvictionThreshold, trieCfg.TargetUtilization))
	case config.RoutingSimhash:
		return NewSimhashAffinity()
	case config.RoutingLowestQPS:
		return NewLowestQPSAffinity()
	case config.RoutingWeighted:
		return NewWeightedAffinity(weights)
	case config.RoutingKVCache:
		trie := NewTrie(trieCfg.MaxMemoryMB, trieCfg.EvictionThreshold, trieCfg.TargetUtilization)
		latency := NewLatencyTable(4096, now)
		return NewKVCacheAwareAffinity(trie, latency)
	case config.RoutingDisaggregated:
		return NewDisaggregatedAffinity(NewRoundRobinAffinity())
	case config.RoutingRoundRobin:
		fallthrough
	default:
		return NewRoundRobinAffinity()
	}
}

// NewFilters builds the fixed filter chain run ahead of affinity
// selection (§4.4 step 2). Today that is just the top-percentile-queue
// cut; more filters can be appended here without touching Router.
func NewFilters() []EndpointFilter {
	return []EndpointFilter{NewTopQueueFilter(0.9)}
}
