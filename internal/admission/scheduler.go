package admission

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vllm-project/router/internal/endpoint"
	"github.com/vllm-project/router/internal/enginestats"
)

// FreeThresholds is the "free" predicate's configuration (§4.7:
// "num_running_requests < R_max and gpu_cache_usage_perc < U_max").
type FreeThresholds struct {
	MaxRunningRequests int
	MaxCacheUsage      float64
}

// Rerouter resolves a stale waiter to a different endpoint serving the
// same model — §13's `find_best_endpoint`: re-run the filter+affinity
// pipeline against the candidate set minus the endpoint that timed out.
type Rerouter interface {
	Reroute(sessionKey string, excluded endpoint.Hash) (endpoint.Hash, bool)
	// SessionPinned reports whether sessionKey would also be routed to
	// candidateHash under the configured affinity (§13's
	// `_session_matches_endpoint`). The Scheduler does not call it.
	SessionPinned(sessionKey string, candidateHash endpoint.Hash) bool
}

// Scheduler runs one dispatch loop per endpoint, waking on its queue's
// condition variable and dispatching the head entry once the scraped
// engine stats say the endpoint is free (§4.7).
type Scheduler struct {
	thresholds   FreeThresholds
	engine       enginestats.Getter
	rerouter     Rerouter
	maxQueueWait time.Duration
	log          *zap.Logger

	mu      sync.Mutex
	queues  map[endpoint.Hash]*Queue
	stopChs map[endpoint.Hash]chan struct{}
	wg      sync.WaitGroup
}

func NewScheduler(thresholds FreeThresholds, engine enginestats.Getter, rerouter Rerouter, maxQueueWait time.Duration, log *zap.Logger) *Scheduler {
	return &Scheduler{
		thresholds:   thresholds,
		engine:       engine,
		rerouter:     rerouter,
		maxQueueWait: maxQueueWait,
		log:          log,
		queues:       make(map[endpoint.Hash]*Queue),
		stopChs:      make(map[endpoint.Hash]chan struct{}),
	}
}

// QueueFor returns (creating if needed) h's queue and starts its
// dispatch loop.
func (s *Scheduler) QueueFor(h endpoint.Hash) *Queue {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[h]; ok {
		return q
	}
	q := NewQueue(h)
	stop := make(chan struct{})
	s.queues[h] = q
	s.stopChs[h] = stop
	s.wg.Add(1)
	go s.dispatchLoop(q, stop)
	return q
}

// Shutdown cancels every dispatch loop cleanly (§4.7 "Shutdown cancels
// scheduler tasks cleanly") and waits for them to exit.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	for h, stop := range s.stopChs {
		close(stop)
		delete(s.stopChs, h)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) dispatchLoop(q *Queue, stop chan struct{}) {
	defer s.wg.Done()
	pollInterval := 200 * time.Millisecond

	for {
		select {
		case <-stop:
			return
		default:
		}

		head := q.Peek()
		if head == nil {
			q.Wait(stop)
			select {
			case <-stop:
				return
			default:
			}
			continue
		}

		if s.isStale(head) {
			s.reroute(q, head)
			continue
		}

		if s.isFree(q.Endpoint) {
			if entry := q.Pop(); entry != nil {
				entry.Dispatch()
			}
			continue
		}

		timer := time.NewTimer(pollInterval)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *Scheduler) isFree(h endpoint.Hash) bool {
	st, ok := s.engine.Get(h)
	if !ok {
		// No stats yet: admit optimistically rather than starve the
		// queue indefinitely.
		return true
	}
	return st.NumRunningRequests < s.thresholds.MaxRunningRequests && st.GPUCacheUsagePerc < s.thresholds.MaxCacheUsage
}

func (s *Scheduler) isStale(e *Entry) bool {
	return s.maxQueueWait > 0 && time.Since(e.EnqueuedAt) > s.maxQueueWait
}

// reroute attempts to move a stale waiter to whichever endpoint the
// Rerouter picks with the current one excluded (§4.7); failing that, it
// is re-queued on the same endpoint with raised priority. Session
// affinity of the waiter plays no part in choosing the target.
func (s *Scheduler) reroute(q *Queue, e *Entry) {
	if s.rerouter == nil {
		s.requeueWithRaisedPriority(q, e)
		return
	}
	target, ok := s.rerouter.Reroute(e.SessionKey, q.Endpoint)
	if !ok {
		s.requeueWithRaisedPriority(q, e)
		return
	}
	if !q.Remove(e) {
		return
	}
	e.EnqueuedAt = time.Now()
	if s.log != nil {
		s.log.Debug("admission queue rerouted stale waiter", zap.String("request_id", e.RequestID))
	}
	s.QueueFor(target).Push(e)
}

func (s *Scheduler) requeueWithRaisedPriority(q *Queue, e *Entry) {
	if !q.Remove(e) {
		return
	}
	e.Priority++
	e.EnqueuedAt = time.Now()
	q.Push(e)
}
