package requeststats

import (
	"testing"
	"time"

	"github.com/vllm-project/router/internal/endpoint"
)

func TestMonitorOrdering(t *testing.T) {
	base := time.Unix(1000, 0)
	clock := base
	m := NewMonitor(60*time.Second, func() time.Time { return clock })

	h := endpoint.HashURLModel("http://a:8000", "m")

	m.OnNewRequest(h, "r1", clock)
	st := m.GetStats(h)
	if st.InPrefillRequests != 1 {
		t.Fatalf("expected 1 in-prefill after new request, got %d", st.InPrefillRequests)
	}

	clock = clock.Add(50 * time.Millisecond)
	m.OnRequestResponse(h, "r1", clock)
	st = m.GetStats(h)
	if st.InPrefillRequests != 0 || st.InDecodingRequests != 1 {
		t.Fatalf("expected prefill 0 decoding 1, got %+v", st)
	}

	clock = clock.Add(200 * time.Millisecond)
	m.OnRequestComplete(h, "r1", clock)
	st = m.GetStats(h)
	if st.InDecodingRequests != 0 || st.FinishedRequests != 1 {
		t.Fatalf("expected decoding 0 finished 1, got %+v", st)
	}
	if st.AvgLatency <= 0 {
		t.Fatalf("expected positive avg latency, got %v", st.AvgLatency)
	}
}

func TestMonitorQPSUnknownEndpointIsZero(t *testing.T) {
	m := NewMonitor(60*time.Second, nil)
	h := endpoint.HashURLModel("http://a:8000", "m")
	if m.QPS(h) != 0 {
		t.Fatalf("expected 0 QPS for unseen endpoint")
	}
	if m.HasStats(h) {
		t.Fatalf("expected HasStats false for unseen endpoint")
	}
}

func TestMovingWindowEvicts(t *testing.T) {
	w := newMovingWindow(10 * time.Second)
	base := time.Unix(0, 0)
	w.updateNoValue(base)
	w.updateNoValue(base.Add(5 * time.Second))

	if c := w.count(base.Add(6 * time.Second)); c != 2 {
		t.Fatalf("expected 2 samples still in window, got %d", c)
	}
	if c := w.count(base.Add(16 * time.Second)); c != 0 {
		t.Fatalf("expected window empty after both samples age out, got %d", c)
	}
}
