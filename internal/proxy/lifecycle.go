package proxy

import (
	"time"

	"go.uber.org/zap"

	"github.com/vllm-project/router/internal/endpoint"
)

// requestLifecycle captures mutable per-request telemetry and emits a
// structured log line plus a metrics observation on completion.
type requestLifecycle struct {
	startedAt time.Time
	log       *zap.Logger
	metrics   MetricsSink

	requestID string
	model     string
	endpoint  endpoint.Hash
	endpoints string // chosen endpoint URL, set once routed

	httpStatus    int
	errorType     string
	failoverCount int
	streamed      bool
}

// MetricsSink is the subset of the router's own metrics registry the
// proxy layer updates directly.
type MetricsSink interface {
	ObserveRequestComplete(model, endpointURL string, status int, duration time.Duration)
	IncRequestError(model, endpointURL, errorType string)
	IncInFlight(h endpoint.Hash, delta int)
}

func newRequestLifecycle(log *zap.Logger, metrics MetricsSink, requestID, model string) *requestLifecycle {
	return &requestLifecycle{
		startedAt: time.Now(),
		log:       log,
		metrics:   metrics,
		requestID: requestID,
		model:     model,
	}
}

func (l *requestLifecycle) setRouted(h endpoint.Hash, url string) {
	l.endpoint, l.endpoints = h, url
}

func (l *requestLifecycle) setHTTPStatus(code int) { l.httpStatus = code }

func (l *requestLifecycle) setError(errorType string) {
	l.errorType = errorType
	if l.metrics != nil {
		l.metrics.IncRequestError(l.model, l.endpoints, errorType)
	}
}

func (l *requestLifecycle) incFailover() { l.failoverCount++ }

func (l *requestLifecycle) finish() {
	duration := time.Since(l.startedAt)
	if l.metrics != nil {
		l.metrics.ObserveRequestComplete(l.model, l.endpoints, l.httpStatus, duration)
	}
	if l.log == nil {
		return
	}
	fields := []zap.Field{
		zap.String("request_id", l.requestID),
		zap.String("model", l.model),
		zap.String("endpoint", l.endpoints),
		zap.Int("http_status", l.httpStatus),
		zap.Duration("duration", duration),
		zap.Int("failover_count", l.failoverCount),
	}
	if l.errorType != "" {
		fields = append(fields, zap.String("error_type", l.errorType))
		l.log.Warn("request failed", fields...)
		return
	}
	l.log.Info("request completed", fields...)
}
