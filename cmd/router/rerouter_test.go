package main

import (
	"testing"
	"time"

	"github.com/vllm-project/router/internal/endpoint"
	"github.com/vllm-project/router/internal/routing"
)

func newRerouterFixture(t *testing.T, model string, urls ...string) (*schedulerRerouter, []endpoint.Endpoint) {
	t.Helper()
	reg := endpoint.NewRegistry()
	eps := make([]endpoint.Endpoint, len(urls))
	for i, u := range urls {
		e := endpoint.New(u, model, endpoint.RoleNone, "", time.Now())
		reg.Upsert(e)
		eps[i] = e
	}
	router := &routing.Router{Affinity: routing.NewRoundRobinAffinity()}
	return &schedulerRerouter{registry: reg, router: router}, eps
}

func TestRerouterExcludesStaleEndpoint(t *testing.T) {
	rr, eps := newRerouterFixture(t, "m1", "http://a", "http://b")

	chosen, ok := rr.Reroute("", eps[0].Hash)
	if !ok {
		t.Fatal("expected a reroute target")
	}
	if chosen == eps[0].Hash {
		t.Fatal("reroute must not return the excluded endpoint")
	}
	if chosen != eps[1].Hash {
		t.Fatalf("expected reroute to land on the only remaining candidate, got %v", chosen)
	}
}

func TestRerouterUnknownExcludedReturnsFalse(t *testing.T) {
	rr, _ := newRerouterFixture(t, "m1", "http://a")
	_, ok := rr.Reroute("", endpoint.Hash{0xFF})
	if ok {
		t.Fatal("expected Reroute to fail for an unknown excluded hash")
	}
}

func TestRerouterNoRemainingCandidatesReturnsFalse(t *testing.T) {
	rr, eps := newRerouterFixture(t, "m1", "http://a")
	_, ok := rr.Reroute("", eps[0].Hash)
	if ok {
		t.Fatal("expected Reroute to fail when excluding the only endpoint")
	}
}

func TestSessionPinnedEmptySessionIsFalse(t *testing.T) {
	rr, eps := newRerouterFixture(t, "m1", "http://a")
	if rr.SessionPinned("", eps[0].Hash) {
		t.Fatal("expected SessionPinned to be false for an empty session key")
	}
}

func TestSessionPinnedUnknownCandidateIsFalse(t *testing.T) {
	rr, _ := newRerouterFixture(t, "m1", "http://a")
	if rr.SessionPinned("sess-1", endpoint.Hash{0xFF}) {
		t.Fatal("expected SessionPinned to be false for an unknown candidate hash")
	}
}
