package proxy

import (
	"io"
	"net/http"
	"strings"

	"github.com/sony/gobreaker"
	"golang.org/x/net/http/httpguts"

	"github.com/vllm-project/router/internal/endpoint"
)

// hop-by-hop headers stripped on every forward, per RFC 7230 §6.1.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func stripHopByHop(h http.Header) {
	for _, conn := range h.Values("Connection") {
		for _, name := range strings.Split(conn, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// copyEndToEndHeaders copies only end-to-end headers from src into dst,
// stripping hop-by-hop headers (§4.5 "forwarding request headers minus
// hop-by-hop") and any header whose name or value httpguts rejects as
// malformed.
func copyEndToEndHeaders(dst, src http.Header) {
	cloned := src.Clone()
	stripHopByHop(cloned)
	for k, vv := range cloned {
		if !httpguts.ValidHeaderFieldName(k) {
			continue
		}
		for _, v := range vv {
			if !httpguts.ValidHeaderFieldValue(v) {
				continue
			}
			dst.Add(k, v)
		}
	}
}

// forwardError distinguishes a failure before any client bytes were
// written (retry-eligible) from one mid-stream (not retry-eligible:
// the response is already committed).
type forwardError struct {
	proxyErr   *ProxyError
	wroteBytes bool
}

// OnFirstChunk/OnComplete let the caller observe the request's response
// lifecycle (§4.5 "the very first chunk triggers on_request_response,
// completion triggers on_request_complete") without forward needing to
// know about request-stats or admission-queue bookkeeping.
type Hooks struct {
	OnRouted     func(h endpoint.Hash)
	OnFirstChunk func(h endpoint.Hash)
	OnComplete   func(h endpoint.Hash, status int)
}

// forward opens the streaming POST to outReq's target and copies the
// response back to w chunk by chunk, applying the circuit breaker
// pooled for h. Returns the status written (best-effort if the stream
// fails before headers arrive) and a non-nil forwardError on failure.
func (p *RequestProxy) forward(w http.ResponseWriter, outReq *http.Request, h endpoint.Hash, requestID string) (int, *forwardError) {
	client, breaker := p.cfg.Transport.Get(h)

	result, err := breaker.Execute(func() (any, error) {
		return client.Do(outReq)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return http.StatusBadGateway, &forwardError{proxyErr: withCause(ErrUpstreamConnectFailed, err)}
		}
		pe := classifyConnectError(err)
		if pe == nil {
			return 0, &forwardError{proxyErr: ErrInternal}
		}
		return pe.HTTPCode, &forwardError{proxyErr: pe}
	}

	resp := result.(*http.Response)
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return resp.StatusCode, &forwardError{proxyErr: withCause(ErrUpstreamStatus, nil)}
	}

	w.Header().Set("X-Request-Id", requestID)
	copyEndToEndHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	if p.cfg.Hooks.OnFirstChunk != nil {
		p.cfg.Hooks.OnFirstChunk(h)
	}

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				if p.cfg.Hooks.OnComplete != nil {
					p.cfg.Hooks.OnComplete(h, resp.StatusCode)
				}
				return resp.StatusCode, &forwardError{proxyErr: withCause(ErrUpstreamStatus, writeErr), wroteBytes: true}
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if p.cfg.Hooks.OnComplete != nil {
				p.cfg.Hooks.OnComplete(h, resp.StatusCode)
			}
			if readErr == io.EOF {
				return resp.StatusCode, nil
			}
			return resp.StatusCode, &forwardError{proxyErr: withCause(ErrUpstreamStatus, readErr), wroteBytes: true}
		}
	}
}
