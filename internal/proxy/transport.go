package proxy

import (
	"net/http"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/sony/gobreaker"

	"github.com/vllm-project/router/internal/endpoint"
)

// TransportConfig tunes the shared http.Transport pooled per endpoint.
type TransportConfig struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration

	BreakerMaxFailures uint32
	BreakerOpenTimeout time.Duration
}

const (
	defaultMaxIdleConns        = 1024
	defaultMaxIdleConnsPerHost = 64
	defaultIdleConnTimeout     = 90 * time.Second
	defaultBreakerMaxFailures  = 5
	defaultBreakerOpenTimeout  = 30 * time.Second
)

func normalizeTransportConfig(cfg TransportConfig) TransportConfig {
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = defaultMaxIdleConns
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = defaultMaxIdleConnsPerHost
	}
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = defaultIdleConnTimeout
	}
	if cfg.BreakerMaxFailures == 0 {
		cfg.BreakerMaxFailures = defaultBreakerMaxFailures
	}
	if cfg.BreakerOpenTimeout <= 0 {
		cfg.BreakerOpenTimeout = defaultBreakerOpenTimeout
	}
	return cfg
}

// endpointClient bundles one pooled http.Transport with the
// circuit breaker guarding calls through it.
type endpointClient struct {
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// TransportPool hands out a reusable, circuit-broken HTTP client per
// endpoint hash, keeping one keep-alive pool per remote endpoint with
// per-endpoint circuit breaking (§9 "transport reuse") layered on via
// sony/gobreaker.
type TransportPool struct {
	config  TransportConfig
	clients *xsync.Map[endpoint.Hash, *endpointClient]
}

func NewTransportPool(cfg TransportConfig) *TransportPool {
	return &TransportPool{
		config:  normalizeTransportConfig(cfg),
		clients: xsync.NewMap[endpoint.Hash, *endpointClient](),
	}
}

// Get returns the pooled client and breaker for h, creating them on
// first use.
func (p *TransportPool) Get(h endpoint.Hash) (*http.Client, *gobreaker.CircuitBreaker) {
	ec, _ := p.clients.LoadOrCompute(h, func() (*endpointClient, bool) {
		return p.newEndpointClient(h), false
	})
	return ec.client, ec.breaker
}

// Evict closes idle connections for one endpoint and drops it from the
// pool, called when discovery removes that endpoint.
func (p *TransportPool) Evict(h endpoint.Hash) {
	ec, ok := p.clients.LoadAndDelete(h)
	if !ok || ec == nil {
		return
	}
	ec.client.CloseIdleConnections()
}

// CloseAll closes every pooled transport's idle connections and clears
// the pool, used on shutdown.
func (p *TransportPool) CloseAll() {
	p.clients.Range(func(_ endpoint.Hash, ec *endpointClient) bool {
		if ec != nil {
			ec.client.CloseIdleConnections()
		}
		return true
	})
	p.clients.Clear()
}

func (p *TransportPool) newEndpointClient(h endpoint.Hash) *endpointClient {
	transport := &http.Transport{
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        p.config.MaxIdleConns,
		MaxIdleConnsPerHost: p.config.MaxIdleConnsPerHost,
		IdleConnTimeout:     p.config.IdleConnTimeout,
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: h.String(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= p.config.BreakerMaxFailures
		},
		Timeout: p.config.BreakerOpenTimeout,
	})
	return &endpointClient{
		client:  &http.Client{Transport: transport},
		breaker: breaker,
	}
}
