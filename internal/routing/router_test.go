package routing

import (
	"testing"
	"time"

	"github.com/vllm-project/router/internal/config"
	"github.com/vllm-project/router/internal/endpoint"
	"github.com/vllm-project/router/internal/enginestats"
	"github.com/vllm-project/router/internal/requeststats"
)

func mustEndpoint(url, model string, role endpoint.Role) endpoint.Endpoint {
	return endpoint.New(url, model, role, "", time.Unix(0, 0))
}

type fakeStats struct {
	qps  map[endpoint.Hash]float64
	seen map[endpoint.Hash]bool
}

func (f *fakeStats) QPS(h endpoint.Hash) float64         { return f.qps[h] }
func (f *fakeStats) HasStats(h endpoint.Hash) bool       { return f.seen[h] }
func (f *fakeStats) GetStats(h endpoint.Hash) requeststats.Stats { return requeststats.Stats{} }

type fakeEngine struct {
	byHash map[endpoint.Hash]enginestats.Stats
}

func (f *fakeEngine) Get(h endpoint.Hash) (enginestats.Stats, bool) {
	s, ok := f.byHash[h]
	return s, ok
}

func TestRouterRoundRobinCyclesAllCandidates(t *testing.T) {
	eps := []endpoint.Endpoint{
		mustEndpoint("http://a", "m", endpoint.RoleNone),
		mustEndpoint("http://b", "m", endpoint.RoleNone),
		mustEndpoint("http://c", "m", endpoint.RoleNone),
	}
	r := &Router{Affinity: NewRoundRobinAffinity()}

	seen := map[string]int{}
	for i := 0; i < 6; i++ {
		chosen, _, err := r.Route(Request{Model: "m"}, eps)
		if err != nil {
			t.Fatalf("Route: %v", err)
		}
		seen[chosen.URL]++
	}
	for _, e := range eps {
		if seen[e.URL] != 2 {
			t.Errorf("url %s: got %d selections, want 2", e.URL, seen[e.URL])
		}
	}
}

func TestRouterUnknownModel(t *testing.T) {
	eps := []endpoint.Endpoint{mustEndpoint("http://a", "m1", endpoint.RoleNone)}
	r := &Router{Affinity: NewRoundRobinAffinity()}
	if _, _, err := r.Route(Request{Model: "m2"}, eps); err != ErrNoCandidates {
		t.Fatalf("got %v, want ErrNoCandidates", err)
	}
}

func TestRouterAllSleeping(t *testing.T) {
	e := mustEndpoint("http://a", "m", endpoint.RoleNone)
	e.Sleeping = true
	r := &Router{Affinity: NewRoundRobinAffinity()}
	if _, _, err := r.Route(Request{Model: "m"}, []endpoint.Endpoint{e}); err != ErrAllSleeping {
		t.Fatalf("got %v, want ErrAllSleeping", err)
	}
}

func TestDisaggregatedAffinityRoutesByRole(t *testing.T) {
	eps := []endpoint.Endpoint{
		mustEndpoint("http://p1", "m", endpoint.RolePrefill),
		mustEndpoint("http://p2", "m", endpoint.RolePrefill),
		mustEndpoint("http://d1", "m", endpoint.RoleDecode),
		mustEndpoint("http://d2", "m", endpoint.RoleDecode),
	}
	r := &Router{Affinity: NewDisaggregatedAffinity(NewRoundRobinAffinity())}

	chosen, _, err := r.Route(Request{Model: "m", MaxTokens: 1}, eps)
	if err != nil {
		t.Fatalf("Route prefill: %v", err)
	}
	if chosen.Role != endpoint.RolePrefill {
		t.Fatalf("max_tokens=1 routed to role %v, want prefill", chosen.Role)
	}

	chosen, _, err = r.Route(Request{Model: "m", MaxTokens: 100}, eps)
	if err != nil {
		t.Fatalf("Route decode: %v", err)
	}
	if chosen.Role != endpoint.RoleDecode {
		t.Fatalf("max_tokens=100 routed to role %v, want decode", chosen.Role)
	}
}

func TestDisaggregatedAffinityNoPrefillEndpoints(t *testing.T) {
	eps := []endpoint.Endpoint{mustEndpoint("http://d1", "m", endpoint.RoleDecode)}
	r := &Router{Affinity: NewDisaggregatedAffinity(NewRoundRobinAffinity())}
	if _, _, err := r.Route(Request{Model: "m", MaxTokens: 1}, eps); err != ErrNoCandidates {
		t.Fatalf("got %v, want ErrNoCandidates", err)
	}
}

func TestKVCacheAwareAffinityDegradesToRoundRobinWithNoSignal(t *testing.T) {
	eps := []endpoint.Endpoint{
		mustEndpoint("http://a", "m", endpoint.RoleNone),
		mustEndpoint("http://b", "m", endpoint.RoleNone),
	}
	trie := NewTrie(512, 0.9, 0.7)
	latency := NewLatencyTable(16, func() time.Time { return time.Unix(0, 0) })
	r := &Router{Affinity: NewKVCacheAwareAffinity(trie, latency)}

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		chosen, _, err := r.Route(Request{Model: "m"}, eps)
		if err != nil {
			t.Fatalf("Route: %v", err)
		}
		seen[chosen.URL]++
	}
	if seen["http://a"] != 2 || seen["http://b"] != 2 {
		t.Fatalf("expected round-robin fallback to alternate evenly, got %v", seen)
	}
}

func TestKVCacheAwareAffinityPrefersMatchedPrefix(t *testing.T) {
	eps := []endpoint.Endpoint{
		mustEndpoint("http://a", "m", endpoint.RoleNone),
		mustEndpoint("http://b", "m", endpoint.RoleNone),
	}
	trie := NewTrie(512, 0.9, 0.7)
	latency := NewLatencyTable(16, func() time.Time { return time.Unix(0, 0) })
	aff := NewKVCacheAwareAffinity(trie, latency)
	trie.Insert("the quick brown fox", "http://a")

	chosen, err := aff.Select(Request{Model: "m", PrefixText: "the quick brown fox"}, eps)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if chosen.URL != "http://a" {
		t.Fatalf("got %s, want http://a (matched prefix)", chosen.URL)
	}
}

func TestTopQueueFilterDropsHighestQueueCandidate(t *testing.T) {
	a := mustEndpoint("http://a", "m", endpoint.RoleNone)
	b := mustEndpoint("http://b", "m", endpoint.RoleNone)
	c := mustEndpoint("http://c", "m", endpoint.RoleNone)
	engine := &fakeEngine{byHash: map[endpoint.Hash]enginestats.Stats{
		a.Hash: {NumQueuingRequests: 1},
		b.Hash: {NumQueuingRequests: 2},
		c.Hash: {NumQueuingRequests: 9},
	}}
	f := NewTopQueueFilter(0.5)
	out := f.Apply([]endpoint.Endpoint{a, b, c}, &fakeStats{}, engine)
	for _, e := range out {
		if e.URL == "http://c" {
			t.Fatalf("expected highest-queue candidate dropped, got %v", out)
		}
	}
}

func TestNewAffinityBuildsRequestedVariant(t *testing.T) {
	now := func() time.Time { return time.Unix(0, 0) }
	trieCfg := TrieConfig{MaxMemoryMB: 512, EvictionThreshold: 0.9, TargetUtilization: 0.7}

	cases := map[config.RoutingLogic]string{
		config.RoutingRoundRobin:    "roundrobin",
		config.RoutingSession:       "session",
		config.RoutingLongestPrefix: "prefixaware",
		config.RoutingSimhash:       "simhash",
		config.RoutingLowestQPS:     "lowestqps",
		config.RoutingWeighted:      "weighted",
		config.RoutingKVCache:       "kvcache",
		config.RoutingDisaggregated: "disaggregated_prefill",
	}
	for logic, wantName := range cases {
		aff := NewAffinity(logic, trieCfg, nil, now)
		if aff.Name() != wantName {
			t.Errorf("logic %s: got name %s, want %s", logic, aff.Name(), wantName)
		}
	}
}
