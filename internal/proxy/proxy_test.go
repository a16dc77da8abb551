package proxy

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vllm-project/router/internal/endpoint"
	"github.com/vllm-project/router/internal/routing"
)

type staticLister struct {
	endpoints []endpoint.Endpoint
}

func (s staticLister) Snapshot() []endpoint.Endpoint { return s.endpoints }

func mustEndpoint(url, model string) endpoint.Endpoint {
	return endpoint.New(url, model, endpoint.RoleNone, "", time.Now())
}

func newTestRouter() *routing.Router {
	return &routing.Router{
		Filters:  nil,
		Affinity: routing.NewRoundRobinAffinity(),
	}
}

func newTestProxy(t *testing.T, backends []string, model string) *RequestProxy {
	t.Helper()
	eps := make([]endpoint.Endpoint, len(backends))
	for i, b := range backends {
		eps[i] = mustEndpoint(b, model)
	}
	return New(Config{
		EndpointPath:        "/v1/chat/completions",
		Endpoints:           staticLister{eps},
		Router:              newTestRouter(),
		Transport:           NewTransportPool(TransportConfig{}),
		MaxFailoverAttempts: 2,
	})
}

func doChatRequest(p *RequestProxy, model string) *httptest.ResponseRecorder {
	body, _ := json.Marshal(map[string]any{"model": model, "messages": []map[string]string{{"role": "user", "content": "hi"}}})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)
	return rec
}

func TestProxyForwardsToHealthyBackend(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"ok"}`))
	}))
	defer backend.Close()

	p := newTestProxy(t, []string{backend.URL}, "m")
	rec := doChatRequest(p, "m")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestProxyUnknownModelReturns400(t *testing.T) {
	p := newTestProxy(t, []string{"http://unused"}, "m")
	rec := doChatRequest(p, "other-model")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if rec.Header().Get("X-Router-Error") != "UNKNOWN_MODEL" {
		t.Fatalf("expected UNKNOWN_MODEL error type, got %q", rec.Header().Get("X-Router-Error"))
	}
}

func TestProxyMissingModelReturns400(t *testing.T) {
	p := newTestProxy(t, []string{"http://unused"}, "m")
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader([]byte(`{"messages":[]}`)))
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestProxyFailsOverOnConnectError(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"ok"}`))
	}))
	defer backend.Close()

	// First backend in the round-robin cycle is unreachable; failover
	// must retry against the second, reachable one (§4.5).
	p := newTestProxy(t, []string{"http://127.0.0.1:1", backend.URL}, "m")
	rec := doChatRequest(p, "m")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected failover to succeed with 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestProxyDoesNotRetryOn4xx(t *testing.T) {
	calls := 0
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer backend.Close()

	p := newTestProxy(t, []string{backend.URL}, "m")
	rec := doChatRequest(p, "m")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected the upstream 400 to pass through, got %d", rec.Code)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one upstream call, got %d", calls)
	}
}

func TestProxyAppliesAlias(t *testing.T) {
	var gotModel string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		gotModel, _ = body["model"].(string)
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	p := newTestProxy(t, []string{backend.URL}, "canonical-model")
	p.cfg.Aliases = map[string]string{"alias-model": "canonical-model"}
	rec := doChatRequest(p, "alias-model")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if gotModel != "canonical-model" {
		t.Fatalf("expected upstream body to carry canonical model, got %q", gotModel)
	}
}

func buildMultipartBody(t *testing.T, model, fileContent string) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	if err := mw.WriteField("model", model); err != nil {
		t.Fatalf("write model field: %v", err)
	}
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write([]byte(fileContent)); err != nil {
		t.Fatalf("write file part: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return buf, mw.FormDataContentType()
}

func TestTranscriptionForwardsMultipartBody(t *testing.T) {
	var gotContentType string
	var gotModel string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("backend failed to parse forwarded multipart body: %v", err)
		}
		gotModel = r.FormValue("model")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"text":"hello"}`))
	}))
	defer backend.Close()

	eps := []endpoint.Endpoint{endpoint.New(backend.URL, "whisper", endpoint.RoleTranscription, "", time.Now())}
	p := New(Config{
		EndpointPath:        "/v1/audio/transcriptions",
		Endpoints:           staticLister{eps},
		Router:              newTestRouter(),
		Transport:           NewTransportPool(TransportConfig{}),
		MaxFailoverAttempts: 1,
		Multipart:           true,
		RequiredRole:        endpoint.RoleTranscription,
	})

	body, contentType := buildMultipartBody(t, "whisper", "fake-audio-bytes")
	req := httptest.NewRequest(http.MethodPost, "/v1/audio/transcriptions", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if gotModel != "whisper" {
		t.Fatalf("expected backend to see model field %q, got %q", "whisper", gotModel)
	}
	if gotContentType == "" || gotContentType != contentType {
		t.Fatalf("expected forwarded Content-Type to preserve multipart boundary, got %q", gotContentType)
	}
}

func TestTranscriptionSkipsNonTranscriptionEndpoints(t *testing.T) {
	// A candidate exists for the model but carries no transcription
	// role, so routing must treat it as having no candidates (§4.4
	// role-restricted candidate set).
	eps := []endpoint.Endpoint{endpoint.New("http://unused", "whisper", endpoint.RoleNone, "", time.Now())}
	p := New(Config{
		EndpointPath: "/v1/audio/transcriptions",
		Endpoints:    staticLister{eps},
		Router:       newTestRouter(),
		Transport:    NewTransportPool(TransportConfig{}),
		Multipart:    true,
		RequiredRole: endpoint.RoleTranscription,
	})

	body, contentType := buildMultipartBody(t, "whisper", "fake-audio-bytes")
	req := httptest.NewRequest(http.MethodPost, "/v1/audio/transcriptions", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 when no transcription-role endpoint exists, got %d", rec.Code)
	}
}

func TestTranscriptionMissingModelFieldReturns400(t *testing.T) {
	p := New(Config{
		EndpointPath: "/v1/audio/transcriptions",
		Endpoints:    staticLister{},
		Router:       newTestRouter(),
		Transport:    NewTransportPool(TransportConfig{}),
		Multipart:    true,
		RequiredRole: endpoint.RoleTranscription,
	})

	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	fw, _ := mw.CreateFormFile("file", "audio.wav")
	fw.Write([]byte("fake-audio-bytes"))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/v1/audio/transcriptions", buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing model field, got %d", rec.Code)
	}
}
