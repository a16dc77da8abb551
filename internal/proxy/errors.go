// Package proxy implements the request proxy data plane: parse, route,
// forward, and fail over an inbound OpenAI-compatible request to a
// chosen endpoint (§4.5).
package proxy

import (
	"context"
	"errors"
	"net/http"
	"os"
)

// ProxyError is a structured, client-presentable proxy error: an HTTP
// status, a short machine code, and a human message.
type ProxyError struct {
	HTTPCode  int
	ErrorType string // X-Router-Error header value and request_errors_total{error_type}
	Message   string
	Cause     error
}

func (e *ProxyError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *ProxyError) Unwrap() error { return e.Cause }

// withCause returns a copy of a predefined ProxyError with cause
// attached, so the shared sentinel values below stay immutable.
func withCause(pe *ProxyError, cause error) *ProxyError {
	cp := *pe
	cp.Cause = cause
	return &cp
}

var (
	ErrBadRequest = &ProxyError{
		HTTPCode:  http.StatusBadRequest,
		ErrorType: "BAD_REQUEST",
		Message:   "request body is not valid JSON or is missing the model field",
	}
	ErrUnknownModel = &ProxyError{
		HTTPCode:  http.StatusBadRequest,
		ErrorType: "UNKNOWN_MODEL",
		Message:   "no endpoint serves the requested model",
	}
	ErrAllSleeping = &ProxyError{
		HTTPCode:  http.StatusServiceUnavailable,
		ErrorType: "ALL_SLEEPING",
		Message:   "all endpoints serving the requested model are asleep",
	}
	ErrUpstreamConnectFailed = &ProxyError{
		HTTPCode:  http.StatusBadGateway,
		ErrorType: "UPSTREAM_CONNECT_FAILED",
		Message:   "failed to connect to upstream endpoint",
	}
	ErrUpstreamStatus = &ProxyError{
		HTTPCode:  http.StatusBadGateway,
		ErrorType: "UPSTREAM_STATUS",
		Message:   "upstream endpoint returned an error status",
	}
	ErrNoHealthyBackend = &ProxyError{
		HTTPCode:  http.StatusServiceUnavailable,
		ErrorType: "NO_HEALTHY_BACKEND",
		Message:   "failover exhausted the candidate set",
	}
	// ErrKVReadyTimeout is never written to a client: the pipeline
	// proceeds on a KV-ready wait timeout (§4.6 step 3) and only logs
	// it, using pdpipeline.ErrKVReadyTimeout. No code path references
	// this value.
	ErrKVReadyTimeout = &ProxyError{
		HTTPCode:  http.StatusGatewayTimeout,
		ErrorType: "KV_READY_TIMEOUT",
		Message:   "timed out waiting for KV transfer completion",
	}
	ErrQueueSaturated = &ProxyError{
		HTTPCode:  http.StatusTooManyRequests,
		ErrorType: "QUEUE_SATURATED",
		Message:   "admission queue is full",
	}
	ErrInternal = &ProxyError{
		HTTPCode:  http.StatusInternalServerError,
		ErrorType: "INTERNAL_ERROR",
		Message:   "internal proxy error",
	}
)

// writeProxyError writes pe as the HTTP response, always echoing
// requestID (§4.5 "Always echo X-Request-Id in the response headers").
func writeProxyError(w http.ResponseWriter, requestID string, pe *ProxyError) {
	w.Header().Set("X-Request-Id", requestID)
	w.Header().Set("X-Router-Error", pe.ErrorType)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(pe.HTTPCode)
	body := `{"error":{"message":` + jsonQuote(pe.Message) + `,"type":` + jsonQuote(pe.ErrorType) + `}}`
	_, _ = w.Write([]byte(body))
}

func jsonQuote(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '"')
	for _, r := range s {
		switch r {
		case '"', '\\':
			out = append(out, '\\', byte(r))
		case '\n':
			out = append(out, '\\', 'n')
		default:
			out = append(out, string(r)...)
		}
	}
	out = append(out, '"')
	return string(out)
}

// classifyUpstreamError maps a net/http transport error to a
// ProxyError. Returns nil for context.Canceled: client-initiated
// cancellation is not an endpoint health failure.
func classifyUpstreamError(err error) *ProxyError {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if os.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return withCause(ErrUpstreamConnectFailed, err)
	}
	return withCause(ErrUpstreamConnectFailed, err)
}

// classifyConnectError classifies errors from opening the streaming
// POST to the chosen endpoint (§4.5 "Failover"): all of these are
// dial-phase failures eligible for a failover retry.
func classifyConnectError(err error) *ProxyError {
	return classifyUpstreamError(err)
}
