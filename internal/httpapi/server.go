package httpapi

import (
	"net/http"

	"go.uber.org/zap"
)

// Config wires every dependency the HTTP surface needs (§6). The four
// routed endpoints are plain http.Handler so the composition root can
// swap in a non-proxy handler (e.g. the disaggregated pipeline) for
// chat completions without widening this package's surface.
type Config struct {
	Registry    EndpointRegistry
	Health      HealthChecker
	Metrics     MetricsWriter
	Version     string
	AdminToken  string
	Log         *zap.Logger
	SleepClient *http.Client

	ChatCompletions http.Handler
	Completions     http.Handler
	Embeddings      http.Handler
	Transcriptions  http.Handler
}

// NewServer builds the full routed mux (§6 "HTTP surface").
func NewServer(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/v1/chat/completions", cfg.ChatCompletions)
	mux.Handle("/v1/completions", cfg.Completions)
	mux.Handle("/v1/embeddings", cfg.Embeddings)
	mux.Handle("/v1/audio/transcriptions", cfg.Transcriptions)

	mux.HandleFunc("/v1/models", handleModels(cfg.Registry))
	mux.HandleFunc("/version", handleVersion(cfg.Version))
	mux.HandleFunc("/health", handleHealth(cfg.Health))
	mux.HandleFunc("/metrics", handleMetrics(cfg.Metrics))

	client := cfg.SleepClient
	if client == nil {
		client = http.DefaultClient
	}
	adminMW := requireAdminToken(cfg.AdminToken)
	mux.Handle("/sleep", adminMW(sleepControl(cfg.Registry, client, true, "/sleep")))
	mux.Handle("/wake_up", adminMW(sleepControl(cfg.Registry, client, false, "/wake_up")))
	mux.HandleFunc("/is_sleeping", isSleeping(cfg.Registry))

	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	var h http.Handler = mux
	return chain(h, withRequestID, withAccessLog(log))
}
