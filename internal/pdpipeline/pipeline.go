package pdpipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// state is the pipeline's coroutine-shaped control flow (§9
// "Coroutine control flow for the disaggregated pipeline"): one
// suspension per state, modeled as an explicit state machine rather
// than goroutine-per-stage, since each stage's suspension point (an
// HTTP round trip, a channel receive with deadline) is better expressed
// as a blocking call inside a single function than as extra
// concurrency.
type state int

const (
	stateTokenize state = iota
	statePrefill
	stateWaitKV
	stateDecode
	stateDone
	stateError
)

// Config wires one pipeline run's dependencies.
type Config struct {
	PrefillURL      string
	DecodeURL       string
	Client          *http.Client
	KVReady         *KVReadySocket
	KVReadyTimeout  time.Duration
	ReceiverHost    string
	ReceiverPort    int
	ReceiverAllocPt int
	Log             *zap.Logger
}

// Run drives one request through TOKENIZE -> PREFILL -> WAIT_KV ->
// DECODE -> DONE/ERROR (§4.6 "Full disaggregated pipeline"), streaming
// the decode response to w as it arrives.
func Run(ctx context.Context, cfg Config, reqID string, body map[string]any, w http.ResponseWriter) error {
	st := stateTokenize
	var tokenIDs []int
	var firstToken string

	for {
		switch st {
		case stateTokenize:
			ids, err := tokenize(ctx, cfg, body)
			if err != nil {
				return writeJSONError(w, http.StatusBadGateway, "tokenize failed: "+err.Error())
			}
			tokenIDs = ids
			st = statePrefill

		case statePrefill:
			tok, err := prefillCall(ctx, cfg, reqID, tokenIDs, body)
			if err != nil {
				return writeJSONError(w, http.StatusBadGateway, "prefill failed: "+err.Error())
			}
			firstToken = tok
			st = stateWaitKV

		case stateWaitKV:
			waitForKV(cfg, reqID)
			st = stateDecode

		case stateDecode:
			maxTokens, _ := body["max_tokens"].(float64)
			promptIDs := tokenIDs
			if firstToken != "" {
				firstTokenIDs, tokErr := callTokenize(ctx, cfg, firstToken)
				if tokErr != nil {
					return writeJSONError(w, http.StatusBadGateway, "tokenize failed: "+tokErr.Error())
				}
				promptIDs = append(append([]int{}, tokenIDs...), firstTokenIDs...)
			}
			started, err := decodeCall(ctx, cfg, reqID, promptIDs, firstToken, int(maxTokens)-1, w)
			if err != nil {
				if !started {
					return writeJSONError(w, http.StatusBadGateway, "decode failed: "+err.Error())
				}
				// Decode errors mid-stream have already written a
				// partial body; emit a trailing error chunk rather
				// than a fresh JSON error response.
				if cfg.Log != nil {
					cfg.Log.Warn("decode stream failed", zap.String("request_id", reqID), zap.Error(err))
				}
				fmt.Fprintf(w, "data: {\"error\":%q}\n\n", err.Error())
				return err
			}
			st = stateDone

		case stateDone:
			return nil

		case stateError:
			return writeJSONError(w, http.StatusBadGateway, "pipeline error")
		}
	}
}

func tokenize(ctx context.Context, cfg Config, body map[string]any) ([]int, error) {
	return callTokenize(ctx, cfg, body["messages"])
}

// callTokenize tokenizes an arbitrary prompt value against the prefill
// engine's /tokenize endpoint, used both for the initial request body
// and for extending the decode prompt with the first generated token.
func callTokenize(ctx context.Context, cfg Config, prompt any) ([]int, error) {
	payload, _ := json.Marshal(map[string]any{"prompt": prompt})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.PrefillURL+"/tokenize", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := cfg.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("tokenize endpoint returned %d", resp.StatusCode)
	}
	var out struct {
		Tokens []int `json:"tokens"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Tokens, nil
}

func prefillCall(ctx context.Context, cfg Config, reqID string, tokenIDs []int, body map[string]any) (string, error) {
	payload := map[string]any{
		"prompt":      tokenIDs,
		"max_tokens":  1,
		"stream":      false,
		"kv_transfer_params": map[string]any{
			"req_id":              reqID,
			"receiver_host":       cfg.ReceiverHost,
			"receiver_init_port":  cfg.ReceiverPort,
			"receiver_alloc_port": cfg.ReceiverAllocPt,
			"ret_first_tok":       true,
		},
	}
	if model, ok := body["model"]; ok {
		payload["model"] = model
	}
	raw, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.PrefillURL+"/v1/completions", bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := cfg.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("prefill engine returned %d: %s", resp.StatusCode, respBody)
	}
	var out struct {
		Choices []struct {
			Text string `json:"text"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("prefill response had no choices")
	}
	return out.Choices[0].Text, nil
}

// waitForKV blocks for the bounded timeout, proceeding regardless of
// whether the KV-ready frame arrived (§4.6 step 3).
func waitForKV(cfg Config, reqID string) {
	if cfg.KVReady == nil {
		return
	}
	timeout := cfg.KVReadyTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	stop := make(chan struct{})
	timer := time.AfterFunc(timeout, func() { close(stop) })
	defer timer.Stop()
	if err := cfg.KVReady.Wait(reqID, stop); err != nil && cfg.Log != nil {
		cfg.Log.Info("KV-ready wait timed out, proceeding", zap.String("request_id", reqID))
	}
}

// decodeCall reports whether it had started writing the response to w
// when it returned, so the caller knows whether a JSON error can still
// be sent.
func decodeCall(ctx context.Context, cfg Config, reqID string, promptIDs []int, firstToken string, maxTokens int, w http.ResponseWriter) (bool, error) {
	payload := map[string]any{
		"prompt":     promptIDs,
		"max_tokens": maxTokens,
		"stream":     true,
	}
	raw, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.DecodeURL+"/v1/completions", bytes.NewReader(raw))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := cfg.Client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		respBody, _ := io.ReadAll(resp.Body)
		return false, fmt.Errorf("decode engine returned %d: %s", resp.StatusCode, respBody)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("X-Request-Id", reqID)
	w.WriteHeader(resp.StatusCode)

	// Synthesize a leading chunk carrying the first token produced
	// during prefill so the client observes one uniform stream (§4.6
	// step 4).
	fmt.Fprintf(w, "data: {\"choices\":[{\"text\":%q}]}\n\n", firstToken)
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}

	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return true, writeErr
			}
			if flusher, ok := w.(http.Flusher); ok {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return true, nil
			}
			return true, readErr
		}
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) error {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, err := fmt.Fprintf(w, `{"error":{"message":%q}}`, message)
	return err
}
