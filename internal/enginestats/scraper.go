package enginestats

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/vllm-project/router/internal/endpoint"
	"github.com/vllm-project/router/internal/scanloop"
)

// Source is the subset of discovery a Scraper needs: the current
// endpoint set to scrape.
type Source interface {
	Snapshot() []endpoint.Endpoint
}

// Getter is the read-only view of a Scraper's table that downstream
// consumers (routing, admission) depend on, without pulling in the
// scrape loop itself.
type Getter interface {
	Get(h endpoint.Hash) (Stats, bool)
}

// Scraper periodically fetches /metrics from every current endpoint in
// parallel (§4.2), replacing its in-memory map entry per endpoint and
// evicting endpoints that have disappeared from discovery.
type Scraper struct {
	source Source
	client *http.Client
	logger *zap.Logger

	interval time.Duration
	timeout  time.Duration

	table  map[endpoint.Hash]Stats
	mu     chan struct{} // 1-buffered mutex
	stopCh chan struct{}
}

// NewScraper builds a Scraper. interval is I₁ from §4.2; the per-
// endpoint fetch timeout is fixed at interval/2 as required.
func NewScraper(source Source, interval time.Duration, logger *zap.Logger) *Scraper {
	if logger == nil {
		logger = zap.NewNop()
	}
	mu := make(chan struct{}, 1)
	mu <- struct{}{}
	return &Scraper{
		source:   source,
		client:   &http.Client{Timeout: interval},
		logger:   logger,
		interval: interval,
		timeout:  interval / 2,
		table:    make(map[endpoint.Hash]Stats),
		mu:       mu,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the scrape loop on scanloop's jittered cadence until Stop.
func (s *Scraper) Start() {
	go scanloop.Run(s.stopCh, s.interval, s.interval/4, s.scrapeAll)
}

func (s *Scraper) Stop() { close(s.stopCh) }

func (s *Scraper) scrapeAll() {
	endpoints := s.source.Snapshot()
	live := make(map[endpoint.Hash]struct{}, len(endpoints))

	results := make(chan struct {
		h  endpoint.Hash
		st Stats
		ok bool
	}, len(endpoints))

	for _, e := range endpoints {
		live[e.Hash] = struct{}{}
		go func(e endpoint.Endpoint) {
			st, err := s.scrapeOne(e)
			results <- struct {
				h  endpoint.Hash
				st Stats
				ok bool
			}{e.Hash, st, err == nil}
		}(e)
	}

	<-s.mu
	defer func() { s.mu <- struct{}{} }()

	for range endpoints {
		r := <-results
		if r.ok {
			s.table[r.h] = r.st
		}
	}
	for h := range s.table {
		if _, ok := live[h]; !ok {
			delete(s.table, h)
		}
	}
}

func (s *Scraper) scrapeOne(e endpoint.Endpoint) (Stats, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.URL+"/metrics", nil)
	if err != nil {
		return Stats{}, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Debug("engine stats scrape failed", zap.String("url", e.URL), zap.Error(err))
		return Stats{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Stats{}, errStatus(resp.StatusCode)
	}
	return ParsePrometheusText(resp.Body), nil
}

type errStatus int

func (e errStatus) Error() string { return "non-200 status from /metrics" }

// Get returns the last scraped stats for an endpoint.
func (s *Scraper) Get(h endpoint.Hash) (Stats, bool) {
	<-s.mu
	defer func() { s.mu <- struct{}{} }()
	st, ok := s.table[h]
	return st, ok
}

// All returns a copy of the whole stats table.
func (s *Scraper) All() map[endpoint.Hash]Stats {
	<-s.mu
	defer func() { s.mu <- struct{}{} }()
	out := make(map[endpoint.Hash]Stats, len(s.table))
	for k, v := range s.table {
		out[k] = v
	}
	return out
}
