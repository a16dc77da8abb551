package proxy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vllm-project/router/internal/admission"
	"github.com/vllm-project/router/internal/endpoint"
	"github.com/vllm-project/router/internal/routing"
)

// AdmissionGate is the subset of the admission scheduler RequestProxy
// needs: a per-endpoint queue a request waits on until the engine
// reports the endpoint free (§4.7).
type AdmissionGate interface {
	QueueFor(h endpoint.Hash) *admission.Queue
}

// RequestRewriter optionally replaces an inbound request body entirely
// before routing (§4.5 "pluggable request rewriter hook").
type RequestRewriter func(model string, body []byte) ([]byte, error)

// PreRequestHook may short-circuit a request with a synthetic response
// before it is routed (§4.5 "pre-request callback").
type PreRequestHook func(model string, body []byte) (shortCircuit bool, status int, response []byte)

// EndpointLister is the live endpoint set the router selects over.
type EndpointLister interface {
	Snapshot() []endpoint.Endpoint
}

// Config wires everything RequestProxy needs.
type Config struct {
	EndpointPath        string // e.g. "/v1/chat/completions"
	Endpoints           EndpointLister
	Router              *routing.Router
	Transport           *TransportPool
	MaxFailoverAttempts int
	Aliases             map[string]string // alias -> canonical model name
	Rewriter            RequestRewriter
	PreRequest          PreRequestHook
	Hooks               Hooks
	Metrics             MetricsSink
	Admission           AdmissionGate // nil disables admission queueing (§4.7)
	SessionHeader       string        // header read into routing.Request.SessionKey, "" disables
	Log                 *zap.Logger

	// Multipart marks this endpoint's body as multipart/form-data
	// rather than JSON (§6 "/v1/audio/transcriptions"): the model name
	// is read out of the form instead of unmarshalled JSON, and the
	// body is re-forwarded byte-for-byte.
	Multipart bool
	// RequiredRole restricts candidates to endpoints carrying this
	// role; RoleNone means no restriction.
	RequiredRole endpoint.Role
}

// RequestProxy implements §4.5: parse, route, forward, fail over one
// inbound OpenAI-compatible request.
type RequestProxy struct {
	cfg Config
}

func New(cfg Config) *RequestProxy {
	return &RequestProxy{cfg: cfg}
}

func (p *RequestProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if p.cfg.Multipart {
		p.serveMultipart(w, r)
		return
	}

	requestID := r.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID = uuid.NewString()
	}

	lifecycle := newRequestLifecycle(p.cfg.Log, p.cfg.Metrics, requestID, "")
	defer lifecycle.finish()

	raw, err := io.ReadAll(io.LimitReader(r.Body, 32<<20))
	if err != nil {
		lifecycle.setHTTPStatus(ErrBadRequest.HTTPCode)
		lifecycle.setError(ErrBadRequest.ErrorType)
		writeProxyError(w, requestID, ErrBadRequest)
		return
	}

	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		lifecycle.setHTTPStatus(ErrBadRequest.HTTPCode)
		lifecycle.setError(ErrBadRequest.ErrorType)
		writeProxyError(w, requestID, ErrBadRequest)
		return
	}
	model, _ := parsed["model"].(string)
	if model == "" {
		lifecycle.setHTTPStatus(ErrBadRequest.HTTPCode)
		lifecycle.setError(ErrBadRequest.ErrorType)
		writeProxyError(w, requestID, ErrBadRequest)
		return
	}
	lifecycle.model = model

	canonical := model
	if c, ok := p.cfg.Aliases[model]; ok {
		canonical = c
		parsed["model"] = canonical
		raw, err = json.Marshal(parsed)
		if err != nil {
			lifecycle.setHTTPStatus(ErrInternal.HTTPCode)
			lifecycle.setError(ErrInternal.ErrorType)
			writeProxyError(w, requestID, ErrInternal)
			return
		}
	}

	if p.cfg.Rewriter != nil {
		rewritten, err := p.cfg.Rewriter(canonical, raw)
		if err != nil {
			lifecycle.setHTTPStatus(ErrBadRequest.HTTPCode)
			lifecycle.setError(ErrBadRequest.ErrorType)
			writeProxyError(w, requestID, withCause(ErrBadRequest, err))
			return
		}
		raw = rewritten
	}

	if p.cfg.PreRequest != nil {
		if shortCircuit, status, response := p.cfg.PreRequest(canonical, raw); shortCircuit {
			lifecycle.setHTTPStatus(status)
			w.Header().Set("X-Request-Id", requestID)
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(status)
			_, _ = w.Write(response)
			return
		}
	}

	maxTokens, _ := parsed["max_tokens"].(float64)
	prefixText := serializeForAffinity(parsed)
	var sessionKey string
	if p.cfg.SessionHeader != "" {
		sessionKey = r.Header.Get(p.cfg.SessionHeader)
	}
	req := routing.Request{
		RequestID:  requestID,
		Model:      canonical,
		SessionKey: sessionKey,
		PrefixText: prefixText,
		MaxTokens:  int(maxTokens),
		IsPrefill:  int(maxTokens) == 1,
		NeedsRole:  p.cfg.RequiredRole,
	}

	p.routeAndForward(w, r, lifecycle, req, raw)
}

// serveMultipart implements the /v1/audio/transcriptions endpoint
// (§6): the body is multipart/form-data carrying a file and a model
// field rather than JSON, so the model is read out of the parsed form
// and the original multipart body re-forwarded byte-for-byte.
func (p *RequestProxy) serveMultipart(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID = uuid.NewString()
	}

	lifecycle := newRequestLifecycle(p.cfg.Log, p.cfg.Metrics, requestID, "")
	defer lifecycle.finish()

	raw, err := io.ReadAll(io.LimitReader(r.Body, 32<<20))
	if err != nil {
		lifecycle.setHTTPStatus(ErrBadRequest.HTTPCode)
		lifecycle.setError(ErrBadRequest.ErrorType)
		writeProxyError(w, requestID, ErrBadRequest)
		return
	}

	_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || params["boundary"] == "" {
		lifecycle.setHTTPStatus(ErrBadRequest.HTTPCode)
		lifecycle.setError(ErrBadRequest.ErrorType)
		writeProxyError(w, requestID, ErrBadRequest)
		return
	}

	model, err := multipartField(raw, params["boundary"], "model")
	if err != nil || model == "" {
		lifecycle.setHTTPStatus(ErrBadRequest.HTTPCode)
		lifecycle.setError(ErrBadRequest.ErrorType)
		writeProxyError(w, requestID, ErrBadRequest)
		return
	}
	lifecycle.model = model

	canonical := model
	if c, ok := p.cfg.Aliases[model]; ok {
		canonical = c
	}

	req := routing.Request{
		RequestID: requestID,
		Model:     canonical,
		NeedsRole: p.cfg.RequiredRole,
	}

	p.routeAndForward(w, r, lifecycle, req, raw)
}

// multipartField extracts one form field's value from a multipart body
// already buffered in raw, without consuming the file parts into
// memory beyond the field itself.
func multipartField(raw []byte, boundary, field string) (string, error) {
	mr := multipart.NewReader(bytes.NewReader(raw), boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return "", nil
		}
		if err != nil {
			return "", err
		}
		if part.FormName() == field {
			val, readErr := io.ReadAll(io.LimitReader(part, 1<<16))
			part.Close()
			if readErr != nil {
				return "", readErr
			}
			return string(val), nil
		}
		part.Close()
	}
}

// routeAndForward implements §4.5's routing + failover loop: route,
// attempt the streaming POST, and on a connect-phase failure retry
// against the remaining candidate set until the failover budget or
// candidate set is exhausted.
func (p *RequestProxy) routeAndForward(w http.ResponseWriter, r *http.Request, lifecycle *requestLifecycle, req routing.Request, body []byte) {
	excluded := map[endpoint.Hash]bool{}
	attempts := p.cfg.MaxFailoverAttempts + 1
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		all := p.cfg.Endpoints.Snapshot()
		candidates := excludeHashes(all, excluded)

		chosen, _, err := p.cfg.Router.Route(req, candidates)
		if err != nil {
			pe := mapRouteError(err)
			lifecycle.setHTTPStatus(pe.HTTPCode)
			lifecycle.setError(pe.ErrorType)
			writeProxyError(w, req.RequestID, pe)
			return
		}
		lifecycle.setRouted(chosen.Hash, chosen.URL)
		if p.cfg.Hooks.OnRouted != nil {
			p.cfg.Hooks.OnRouted(chosen.Hash)
		}

		if p.cfg.Admission != nil {
			if err := p.waitForAdmission(r, chosen.Hash, req); err != nil {
				lifecycle.setHTTPStatus(ErrQueueSaturated.HTTPCode)
				lifecycle.setError(ErrQueueSaturated.ErrorType)
				writeProxyError(w, req.RequestID, ErrQueueSaturated)
				return
			}
		}

		outReq, err := p.buildUpstreamRequest(r, chosen.URL, body)
		if err != nil {
			lifecycle.setHTTPStatus(ErrInternal.HTTPCode)
			lifecycle.setError(ErrInternal.ErrorType)
			writeProxyError(w, req.RequestID, ErrInternal)
			return
		}

		status, streamErr := p.forward(w, outReq, chosen.Hash, req.RequestID)
		if streamErr == nil {
			lifecycle.setHTTPStatus(status)
			return
		}

		// A failure after bytes were already written to the client
		// cannot be retried — the response is already in flight.
		if streamErr.wroteBytes {
			lifecycle.setHTTPStatus(status)
			lifecycle.setError(streamErr.proxyErr.ErrorType)
			return
		}

		excluded[chosen.Hash] = true
		lifecycle.incFailover()
		if streamErr.proxyErr.HTTPCode < 500 {
			// Upstream 4xx is not retried (§4.5).
			lifecycle.setHTTPStatus(status)
			lifecycle.setError(streamErr.proxyErr.ErrorType)
			writeProxyError(w, req.RequestID, streamErr.proxyErr)
			return
		}
		if attempt == attempts-1 || len(excludeHashes(all, excluded)) == 0 {
			lifecycle.setHTTPStatus(ErrNoHealthyBackend.HTTPCode)
			lifecycle.setError(ErrNoHealthyBackend.ErrorType)
			writeProxyError(w, req.RequestID, ErrNoHealthyBackend)
			return
		}
		// This attempt's error is retried rather than written; count it
		// here so request_errors_total still sees it.
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.IncRequestError(lifecycle.model, chosen.URL, streamErr.proxyErr.ErrorType)
		}
	}
}

// waitForAdmission parks the request on chosen's admission queue until
// the scheduler's dispatch loop decides the endpoint is free, or the
// client disconnects first (§4.7).
func (p *RequestProxy) waitForAdmission(r *http.Request, h endpoint.Hash, req routing.Request) error {
	dispatched := make(chan struct{})
	entry := &admission.Entry{
		RequestID:  req.RequestID,
		SessionKey: req.SessionKey,
		EnqueuedAt: time.Now(),
		Dispatch:   func() { close(dispatched) },
	}
	q := p.cfg.Admission.QueueFor(h)
	q.Push(entry)

	select {
	case <-dispatched:
		return nil
	case <-r.Context().Done():
		if q.Remove(entry) {
			return r.Context().Err()
		}
		// Already popped for dispatch; let it proceed rather than
		// forward against a canceled context we can no longer stop.
		<-dispatched
		return nil
	}
}

func (p *RequestProxy) buildUpstreamRequest(r *http.Request, baseURL string, body []byte) (*http.Request, error) {
	outReq, err := http.NewRequestWithContext(r.Context(), http.MethodPost, baseURL+p.cfg.EndpointPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	copyEndToEndHeaders(outReq.Header, r.Header)
	outReq.Header.Set("Content-Length", strconv.Itoa(len(body)))
	outReq.ContentLength = int64(len(body))
	return outReq, nil
}

func mapRouteError(err error) *ProxyError {
	switch err {
	case routing.ErrNoCandidates:
		return ErrUnknownModel
	case routing.ErrAllSleeping:
		return ErrAllSleeping
	default:
		return ErrInternal
	}
}

func excludeHashes(all []endpoint.Endpoint, excluded map[endpoint.Hash]bool) []endpoint.Endpoint {
	if len(excluded) == 0 {
		return all
	}
	out := make([]endpoint.Endpoint, 0, len(all))
	for _, e := range all {
		if !excluded[e.Hash] {
			out = append(out, e)
		}
	}
	return out
}

// serializeForAffinity produces a stable textual form of the request's
// message/prompt content for prefix and simhash affinity to hash over.
func serializeForAffinity(parsed map[string]any) string {
	switch v := parsed["messages"].(type) {
	case []any:
		var buf bytes.Buffer
		for _, m := range v {
			if mm, ok := m.(map[string]any); ok {
				fmt.Fprintf(&buf, "%v:%v\n", mm["role"], mm["content"])
			}
		}
		return buf.String()
	}
	if prompt, ok := parsed["prompt"].(string); ok {
		return prompt
	}
	return ""
}
