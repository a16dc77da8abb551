// Package httpapi assembles the router's HTTP surface (§6): the routed
// OpenAI-compatible endpoints, discovery/metrics read endpoints, and
// the sleep/wake_up/is_sleeping control endpoints.
package httpapi

import (
	"encoding/json"
	"net/http"
)

// writeJSON marshals v as the response body with requestID always
// echoed (§4.5 "Always echo X-Request-Id in the response headers").
func writeJSON(w http.ResponseWriter, requestID string, status int, v any) {
	w.Header().Set("X-Request-Id", requestID)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, requestID string, status int, message string) {
	writeJSON(w, requestID, status, map[string]any{
		"error": map[string]any{"message": message},
	})
}
