package requeststats

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/vllm-project/router/internal/endpoint"
)

// Stats is the per-endpoint sliding-window snapshot (§3 "RequestStats"),
// plus two optional KV-cache fields, EnginePrefillCompSpeed and
// UncomputedPrefixTokens (zero value means "unknown"). The Monitor
// never sets them and the routing score functions do not read them.
type Stats struct {
	QPS                    float64
	TTFT                   float64
	AvgLatency             float64
	InPrefillRequests      int
	InDecodingRequests     int
	FinishedRequests       int64
	NumSwappedRequests     int64
	AvgITL                 float64 // -1 if unknown
	Uptime                 time.Duration
	EnginePrefillCompSpeed float64
	UncomputedPrefixTokens int
}

type perEndpoint struct {
	mu sync.Mutex

	qps        *movingWindow
	ttft       *movingWindow
	latency    *movingWindow
	itl        *movingWindow
	inPrefill  int
	inDecoding int
	finished   int64
	swapped    int64
	createdAt  time.Time
}

// inFlight tracks one request's lifecycle for ordering the three
// observer calls correctly even across goroutines (§5 "ordering").
type inFlight struct {
	endpoint endpoint.Hash
	start    time.Time
}

// Monitor is the request stats monitor (§4.3): sliding-window size W,
// mutated by the four observer hooks, read via GetStats.
type Monitor struct {
	window time.Duration
	now    func() time.Time

	endpoints *xsync.Map[endpoint.Hash, *perEndpoint]
	inFlights *xsync.Map[string, inFlight]
}

// NewMonitor builds a Monitor with sliding-window size w. now defaults
// to time.Now but tests inject a deterministic clock (§10.4).
func NewMonitor(w time.Duration, now func() time.Time) *Monitor {
	if now == nil {
		now = time.Now
	}
	return &Monitor{
		window:    w,
		now:       now,
		endpoints: xsync.NewMap[endpoint.Hash, *perEndpoint](),
		inFlights: xsync.NewMap[string, inFlight](),
	}
}

func (m *Monitor) entry(h endpoint.Hash) *perEndpoint {
	if e, ok := m.endpoints.Load(h); ok {
		return e
	}
	fresh := &perEndpoint{
		qps:       newMovingWindow(m.window),
		ttft:      newMovingWindow(m.window),
		latency:   newMovingWindow(m.window),
		itl:       newMovingWindow(m.window),
		createdAt: m.now(),
	}
	e, _ := m.endpoints.Compute(h, func(old *perEndpoint, loaded bool) (*perEndpoint, xsync.ComputeOp) {
		if loaded {
			return old, xsync.CancelOp
		}
		return fresh, xsync.UpdateOp
	})
	return e
}

// OnNewRequest records arrival: increments in-flight-prefill, records
// start time for later observers, pushes one QPS sample.
func (m *Monitor) OnNewRequest(h endpoint.Hash, requestID string, at time.Time) {
	e := m.entry(h)
	e.mu.Lock()
	e.inPrefill++
	e.qps.updateNoValue(at)
	e.mu.Unlock()

	m.inFlights.Store(requestID, inFlight{endpoint: h, start: at})
}

// OnRequestResponse records the first response byte: decrements
// in-flight-prefill, increments in-flight-decoding, records TTFT.
func (m *Monitor) OnRequestResponse(h endpoint.Hash, requestID string, at time.Time) {
	e := m.entry(h)
	e.mu.Lock()
	if e.inPrefill > 0 {
		e.inPrefill--
	}
	e.inDecoding++
	if fl, ok := m.inFlights.Load(requestID); ok {
		e.ttft.update(at, at.Sub(fl.start).Seconds())
	}
	e.mu.Unlock()
}

// OnRequestComplete records completion: decrements in-flight-decoding,
// increments finished count, records total latency.
func (m *Monitor) OnRequestComplete(h endpoint.Hash, requestID string, at time.Time) {
	e := m.entry(h)
	e.mu.Lock()
	if e.inDecoding > 0 {
		e.inDecoding--
	}
	e.finished++
	if fl, ok := m.inFlights.Load(requestID); ok {
		e.latency.update(at, at.Sub(fl.start).Seconds())
	}
	e.mu.Unlock()
	m.inFlights.Delete(requestID)
}

// OnRequestSwapped records a swap-out event.
func (m *Monitor) OnRequestSwapped(h endpoint.Hash, requestID string, at time.Time) {
	e := m.entry(h)
	e.mu.Lock()
	e.swapped++
	e.mu.Unlock()
}

// OnInterTokenLatency feeds one inter-token gap sample (ITL).
func (m *Monitor) OnInterTokenLatency(h endpoint.Hash, at time.Time, gap time.Duration) {
	e := m.entry(h)
	e.mu.Lock()
	e.itl.update(at, gap.Seconds())
	e.mu.Unlock()
}

// GetStats returns the current snapshot for one endpoint.
func (m *Monitor) GetStats(h endpoint.Hash) Stats {
	e, ok := m.endpoints.Load(h)
	if !ok {
		return Stats{AvgITL: -1}
	}
	now := m.now()
	e.mu.Lock()
	defer e.mu.Unlock()

	qps := e.qps.sum(now) / m.window.Seconds()
	ttft, _ := e.ttft.average(now)
	avgLatency, _ := e.latency.average(now)
	itl, haveITL := e.itl.average(now)
	if !haveITL {
		itl = -1
	}

	return Stats{
		QPS:                qps,
		TTFT:               ttft,
		AvgLatency:         avgLatency,
		InPrefillRequests:  e.inPrefill,
		InDecodingRequests: e.inDecoding,
		FinishedRequests:   e.finished,
		NumSwappedRequests: e.swapped,
		AvgITL:             itl,
		Uptime:             now.Sub(e.createdAt),
	}
}

// AvgDecodingLength estimates the average number of tokens decoded per
// completed request (§6 "avg_decoding_length") from the decode-phase
// duration (latency minus TTFT) divided by the average inter-token
// gap, plus the one token already accounted for by TTFT. Returns 0
// when ITL hasn't been observed yet.
func (s Stats) AvgDecodingLength() float64 {
	if s.AvgITL <= 0 {
		return 0
	}
	decodeDuration := s.AvgLatency - s.TTFT
	if decodeDuration <= 0 {
		return 0
	}
	return decodeDuration/s.AvgITL + 1
}

// QPS returns just the current QPS for one endpoint, used by the
// lowest-QPS and session-affinity-fallback policies (§4.4). Endpoints
// with no stats yet are treated as load 0.
func (m *Monitor) QPS(h endpoint.Hash) float64 {
	e, ok := m.endpoints.Load(h)
	if !ok {
		return 0
	}
	now := m.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.qps.sum(now) / m.window.Seconds()
}

// HasStats reports whether any observer has ever touched this
// endpoint — used by the session affinity QPS fallback's
// "first engine not yet in request_stats wins immediately" rule (§12).
func (m *Monitor) HasStats(h endpoint.Hash) bool {
	_, ok := m.endpoints.Load(h)
	return ok
}
