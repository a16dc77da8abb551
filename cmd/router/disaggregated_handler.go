package main

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vllm-project/router/internal/pdpipeline"
)

// newDisaggregatedHandler drives the full prefill/decode pipeline
// (§4.6 "the hard variant") for chat/completions requests instead of
// routing to a single endpoint: tokenize against the prefill engine,
// run the prefill call with kv_transfer_params, wait for the KV-ready
// side channel, then stream the decode call back to the client.
func newDisaggregatedHandler(prefillURL, decodeURL string, kvReady *pdpipeline.KVReadySocket, client *http.Client, kvReadyTimeout time.Duration, log *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", requestID)

		raw, err := io.ReadAll(io.LimitReader(r.Body, 32<<20))
		if err != nil {
			http.Error(w, `{"error":{"message":"failed to read request body"}}`, http.StatusBadRequest)
			return
		}
		var body map[string]any
		if err := json.Unmarshal(raw, &body); err != nil {
			http.Error(w, `{"error":{"message":"invalid JSON body"}}`, http.StatusBadRequest)
			return
		}

		pcfg := pdpipeline.Config{
			PrefillURL:     prefillURL,
			DecodeURL:      decodeURL,
			Client:         client,
			KVReady:        kvReady,
			KVReadyTimeout: kvReadyTimeout,
			ReceiverHost:   kvReadyHost(kvReady),
			Log:            log,
		}
		if err := pdpipeline.Run(r.Context(), pcfg, requestID, body, w); err != nil {
			log.Warn("disaggregated pipeline failed", zap.String("request_id", requestID), zap.Error(err))
		}
	})
}

// kvReadyHost reports the bound host:port the prefill engine should push
// its KV-ready notification to; empty when no side channel is configured.
func kvReadyHost(kvReady *pdpipeline.KVReadySocket) string {
	if kvReady == nil {
		return ""
	}
	return kvReady.Addr()
}
