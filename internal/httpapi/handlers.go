package httpapi

import (
	"io"
	"net/http"
	"strconv"

	"github.com/vllm-project/router/internal/endpoint"
)

// EndpointRegistry is the subset of endpoint.Registry the control
// endpoints need.
type EndpointRegistry interface {
	Snapshot() []endpoint.Endpoint
	ModelsUnion() []string
	Get(h endpoint.Hash) (endpoint.Endpoint, bool)
	SetSleeping(h endpoint.Hash, sleeping bool) bool
}

// HealthChecker reports the liveness of background subsystems (§6
// "/health": 200 iff discovery and stats scraper are healthy).
type HealthChecker interface {
	Healthy() bool
}

// MetricsWriter renders the router's own Prometheus text exposition.
type MetricsWriter interface {
	Write(w io.Writer) error
}

func handleModels(reg EndpointRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		models := reg.ModelsUnion()
		data := make([]map[string]any, 0, len(models))
		for _, m := range models {
			data = append(data, map[string]any{"id": m, "object": "model"})
		}
		writeJSON(w, r.Header.Get("X-Request-Id"), http.StatusOK, map[string]any{
			"object": "list",
			"data":   data,
		})
	}
}

func handleVersion(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r.Header.Get("X-Request-Id"), http.StatusOK, map[string]string{"version": version})
	}
}

func handleHealth(hc HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if hc.Healthy() {
			writeJSON(w, r.Header.Get("X-Request-Id"), http.StatusOK, map[string]string{"status": "ok"})
			return
		}
		writeJSON(w, r.Header.Get("X-Request-Id"), http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
	}
}

func handleMetrics(m MetricsWriter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		w.WriteHeader(http.StatusOK)
		_ = m.Write(w)
	}
}

// sleepControl builds the /sleep, /wake_up, /is_sleeping handlers
// (§4.8): toggle the endpoint's sleep flag via the discovery control
// plane and forward the call to the engine.
func sleepControl(reg EndpointRegistry, client *http.Client, sleeping bool, forwardPath string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		id := r.URL.Query().Get("id")
		h, ok := parseEndpointHash(id)
		if !ok {
			writeError(w, requestID, http.StatusBadRequest, "missing or invalid id")
			return
		}
		e, ok := reg.Get(h)
		if !ok {
			writeError(w, requestID, http.StatusNotFound, "unknown endpoint id")
			return
		}
		reg.SetSleeping(h, sleeping)

		req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, e.URL+forwardPath, nil)
		if err == nil {
			if resp, err := client.Do(req); err == nil {
				resp.Body.Close()
			}
		}
		writeJSON(w, requestID, http.StatusOK, map[string]bool{"sleeping": sleeping})
	}
}

func isSleeping(reg EndpointRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		id := r.URL.Query().Get("id")
		h, ok := parseEndpointHash(id)
		if !ok {
			writeError(w, requestID, http.StatusBadRequest, "missing or invalid id")
			return
		}
		e, ok := reg.Get(h)
		if !ok {
			writeError(w, requestID, http.StatusNotFound, "unknown endpoint id")
			return
		}
		writeJSON(w, requestID, http.StatusOK, map[string]bool{"sleeping": e.Sleeping})
	}
}

func parseEndpointHash(id string) (endpoint.Hash, bool) {
	var h endpoint.Hash
	if len(id) != len(h)*2 {
		return h, false
	}
	for i := 0; i < len(h); i++ {
		b, err := strconv.ParseUint(id[i*2:i*2+2], 16, 8)
		if err != nil {
			return endpoint.Hash{}, false
		}
		h[i] = byte(b)
	}
	return h, true
}
