package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vllm-project/router/internal/endpoint"
)

type fakeRegistry struct {
	endpoints map[endpoint.Hash]endpoint.Endpoint
}

func newFakeRegistry(eps ...endpoint.Endpoint) *fakeRegistry {
	r := &fakeRegistry{endpoints: map[endpoint.Hash]endpoint.Endpoint{}}
	for _, e := range eps {
		r.endpoints[e.Hash] = e
	}
	return r
}

func (r *fakeRegistry) Snapshot() []endpoint.Endpoint {
	out := make([]endpoint.Endpoint, 0, len(r.endpoints))
	for _, e := range r.endpoints {
		out = append(out, e)
	}
	return out
}

func (r *fakeRegistry) ModelsUnion() []string {
	seen := map[string]bool{}
	var out []string
	for _, e := range r.endpoints {
		if !seen[e.Model] {
			seen[e.Model] = true
			out = append(out, e.Model)
		}
	}
	return out
}

func (r *fakeRegistry) Get(h endpoint.Hash) (endpoint.Endpoint, bool) {
	e, ok := r.endpoints[h]
	return e, ok
}

func (r *fakeRegistry) SetSleeping(h endpoint.Hash, sleeping bool) bool {
	e, ok := r.endpoints[h]
	if !ok {
		return false
	}
	e.Sleeping = sleeping
	r.endpoints[h] = e
	return true
}

type fakeHealth struct{ healthy bool }

func (f fakeHealth) Healthy() bool { return f.healthy }

func TestHandleModelsListsUnion(t *testing.T) {
	reg := newFakeRegistry(endpoint.New("http://a", "m1", endpoint.RoleNone, "", time.Now()))
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	handleModels(reg)(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Body.String(); !strings.Contains(got, "m1") {
		t.Fatalf("expected model m1 in response body, got %q", got)
	}
}

func TestHandleHealthReflectsChecker(t *testing.T) {
	rec := httptest.NewRecorder()
	handleHealth(fakeHealth{healthy: true})(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 when healthy, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handleHealth(fakeHealth{healthy: false})(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when unhealthy, got %d", rec.Code)
	}
}

func TestSleepControlTogglesAndForwards(t *testing.T) {
	forwarded := false
	engine := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		forwarded = true
		w.WriteHeader(http.StatusOK)
	}))
	defer engine.Close()

	ep := endpoint.New(engine.URL, "m1", endpoint.RoleNone, "", time.Now())
	reg := newFakeRegistry(ep)

	req := httptest.NewRequest(http.MethodPost, "/sleep?id="+ep.Hash.String(), nil)
	rec := httptest.NewRecorder()
	sleepControl(reg, engine.Client(), true, "/sleep")(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !forwarded {
		t.Fatal("expected sleep call to be forwarded to the engine")
	}
	got, _ := reg.Get(ep.Hash)
	if !got.Sleeping {
		t.Fatal("expected registry entry to be marked sleeping")
	}
}

func TestSleepControlUnknownIDReturns404(t *testing.T) {
	reg := newFakeRegistry()
	unknownID := strings.Repeat("0", 32)
	req := httptest.NewRequest(http.MethodPost, "/sleep?id="+unknownID, nil)
	rec := httptest.NewRecorder()
	sleepControl(reg, http.DefaultClient, true, "/sleep")(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestSleepControlMissingIDReturns400(t *testing.T) {
	reg := newFakeRegistry()
	req := httptest.NewRequest(http.MethodPost, "/sleep", nil)
	rec := httptest.NewRecorder()
	sleepControl(reg, http.DefaultClient, true, "/sleep")(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestIsSleepingReportsState(t *testing.T) {
	ep := endpoint.New("http://backend", "m1", endpoint.RoleNone, "", time.Now())
	ep.Sleeping = true
	reg := newFakeRegistry(ep)

	req := httptest.NewRequest(http.MethodGet, "/is_sleeping?id="+ep.Hash.String(), nil)
	rec := httptest.NewRecorder()
	isSleeping(reg)(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "true") {
		t.Fatalf("expected sleeping=true in body, got %q", rec.Body.String())
	}
}

func TestRequireAdminTokenBlocksMissingToken(t *testing.T) {
	mw := requireAdminToken("secret")
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/sleep", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with no token, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/sleep", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with correct token, got %d", rec.Code)
	}
}

func TestRequireAdminTokenOpenWhenUnconfigured(t *testing.T) {
	mw := requireAdminToken("")
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sleep", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 when no admin token is configured, got %d", rec.Code)
	}
}
