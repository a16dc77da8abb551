package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/vllm-project/router/internal/endpoint"
)

// StaticConfig configures the Static discovery variant (§4.1).
type StaticConfig struct {
	// Backends and Models are parallel; Models[i] may be "m1|m2" for a
	// backend serving several models (matching --static-models' shape).
	Backends []string
	Models   []string
	Aliases  map[string]string

	// ProbeSchedule is a cron expression for the optional periodic
	// health probe; empty disables probing.
	ProbeSchedule string
	ProbeTimeout  time.Duration

	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Static is the Static service discovery variant: a fixed list of
// (url, model) pairs, optionally health-probed on a cron schedule.
type Static struct {
	registry *endpoint.Registry
	client   *http.Client
	logger   *zap.Logger
	cronRun  *cron.Cron
}

// NewStatic builds and starts a Static discovery instance, populating
// the registry immediately from cfg.
func NewStatic(cfg StaticConfig) *Static {
	registry := endpoint.NewRegistry()
	now := time.Now()
	for i, backend := range cfg.Backends {
		for _, model := range strings.Split(cfg.Models[i], "|") {
			model = strings.TrimSpace(model)
			if model == "" {
				continue
			}
			registry.Upsert(endpoint.New(backend, model, endpoint.RoleNone, "", now))
		}
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Static{registry: registry, client: client, logger: logger}

	if cfg.ProbeSchedule != "" {
		s.cronRun = cron.New()
		timeout := cfg.ProbeTimeout
		if timeout <= 0 {
			timeout = 3 * time.Second
		}
		_, _ = s.cronRun.AddFunc(cfg.ProbeSchedule, func() {
			s.probeAll(timeout)
		})
		s.cronRun.Start()
	}

	return s
}

func (s *Static) Snapshot() []endpoint.Endpoint    { return s.registry.Snapshot() }
func (s *Static) UnhealthyHashes() []endpoint.Hash { return s.registry.UnhealthyHashes() }
func (s *Static) MarkUnhealthy(h endpoint.Hash)     { s.registry.MarkUnhealthy(h) }

// Registry exposes the underlying endpoint registry for callers that
// need the full surface (model union, sleep control) beyond the
// Discovery interface's four operations.
func (s *Static) Registry() *endpoint.Registry { return s.registry }

func (s *Static) Close() error {
	if s.cronRun != nil {
		ctx := s.cronRun.Stop()
		<-ctx.Done()
	}
	return nil
}

// probeAll runs the §4.1 static health probe over every registered
// (url, model) pair with the request probePayload builds; a non-2xx
// response or a transport error marks the pair unhealthy, a 2xx
// clears it.
func (s *Static) probeAll(timeout time.Duration) {
	for _, e := range s.registry.Snapshot() {
		go s.probeOne(e, timeout)
	}
}

func (s *Static) probeOne(e endpoint.Endpoint, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	path, payload := probePayload(e)
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL+path, bytes.NewReader(body))
	if err != nil {
		s.logger.Warn("static probe build request failed", zap.String("url", e.URL), zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		s.registry.MarkUnhealthy(e.Hash)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		s.registry.ClearUnhealthy(e.Hash)
	} else {
		s.registry.MarkUnhealthy(e.Hash)
	}
}

// probePayload builds a tiny request body per endpoint role (§4.1):
// transcription endpoints get a model-only transcription request, every
// other endpoint gets a one-token chat completion. There are no
// completion, embeddings, rerank or score probes; an endpoint serving
// only those APIs is probed with the chat request.
func probePayload(e endpoint.Endpoint) (string, map[string]any) {
	switch e.Role {
	case endpoint.RoleTranscription:
		return "/v1/audio/transcriptions", map[string]any{"model": e.Model}
	default:
		return "/v1/chat/completions", map[string]any{
			"model":      e.Model,
			"messages":   []map[string]string{{"role": "user", "content": "hi"}},
			"max_tokens": 1,
		}
	}
}
