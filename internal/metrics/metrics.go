// Package metrics hand-rolls the router's own Prometheus text
// exposition surface (§6), the same no-client-library style
// internal/enginestats uses to parse it on the way in.
package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vllm-project/router/internal/endpoint"
)

type labelKey struct {
	server string
	model  string
}

// Registry accumulates the router's own metrics (§6 "Prometheus
// exposition"), keyed by (server, model) label pairs, and renders them
// as Prometheus text on Write.
type Registry struct {
	mu sync.Mutex

	gauges   map[string]map[labelKey]float64
	counters map[string]map[labelKey]float64
	// errorCounters additionally carries an error_type label.
	errorCounters map[labelKey]map[string]float64
}

func New() *Registry {
	return &Registry{
		gauges:        make(map[string]map[labelKey]float64),
		counters:      make(map[string]map[labelKey]float64),
		errorCounters: make(map[labelKey]map[string]float64),
	}
}

func (r *Registry) setGauge(name, server, model string, v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.gauges[name]
	if !ok {
		m = make(map[labelKey]float64)
		r.gauges[name] = m
	}
	m[labelKey{server, model}] = v
}

func (r *Registry) addCounter(name, server, model string, delta float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.counters[name]
	if !ok {
		m = make(map[labelKey]float64)
		r.counters[name] = m
	}
	m[labelKey{server, model}] += delta
}

// SetEngineGauges records the per-endpoint engine-stats gauges (§6).
func (r *Registry) SetEngineGauges(server, model string, numRunning, numWaiting, numSwapped int, qps, avgLatency, avgITL, avgDecodingLen, gpuPrefixHit float64, numPrefill, numDecoding int) {
	r.setGauge("num_requests_running", server, model, float64(numRunning))
	r.setGauge("num_requests_waiting", server, model, float64(numWaiting))
	r.setGauge("num_requests_swapped", server, model, float64(numSwapped))
	r.setGauge("current_qps", server, model, qps)
	r.setGauge("avg_latency", server, model, avgLatency)
	r.setGauge("avg_itl", server, model, avgITL)
	r.setGauge("avg_decoding_length", server, model, avgDecodingLen)
	r.setGauge("num_prefill_requests", server, model, float64(numPrefill))
	r.setGauge("num_decoding_requests", server, model, float64(numDecoding))
	r.setGauge("gpu_prefix_cache_hit_rate", server, model, gpuPrefixHit)
}

// SetHealthyPods records the cluster-wide healthy-pod gauge.
func (r *Registry) SetHealthyPods(model string, n int) {
	r.setGauge("healthy_pods_total", "", model, float64(n))
}

func (r *Registry) AddInputTokens(server, model string, n int)  { r.addCounter("input_tokens_total", server, model, float64(n)) }
func (r *Registry) AddOutputTokens(server, model string, n int) { r.addCounter("output_tokens_total", server, model, float64(n)) }
func (r *Registry) IncIncomingRequests(server, model string)    { r.addCounter("num_incoming_requests", server, model, 1) }

// IncRequestError implements proxy.MetricsSink's error counter. server
// is "" when the request failed before an endpoint was chosen (e.g.
// unknown model).
func (r *Registry) IncRequestError(model, server, errorType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := labelKey{server, model}
	m, ok := r.errorCounters[key]
	if !ok {
		m = make(map[string]float64)
		r.errorCounters[key] = m
	}
	m[errorType]++
}

// ObserveRequestComplete implements proxy.MetricsSink.
func (r *Registry) ObserveRequestComplete(model, endpointURL string, status int, duration time.Duration) {
	r.addCounter("num_incoming_requests", endpointURL, model, 1)
}

// IncInFlight implements proxy.MetricsSink; the router's own in-flight
// gauge is derived from requeststats, so this is a no-op placeholder
// satisfying the interface for callers that don't track it separately.
func (r *Registry) IncInFlight(endpoint.Hash, int) {}

// Write renders every recorded metric as Prometheus text exposition
// format, sorted for deterministic test output.
func (r *Registry) Write(w io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var buf strings.Builder
	for _, name := range sortedKeys(r.gauges) {
		fmt.Fprintf(&buf, "# TYPE %s gauge\n", name)
		series := r.gauges[name]
		for _, lk := range sortedLabelKeys(series) {
			writeSample(&buf, name, lk, series[lk])
		}
	}
	for _, name := range sortedKeys(r.counters) {
		fmt.Fprintf(&buf, "# TYPE %s counter\n", name)
		series := r.counters[name]
		for _, lk := range sortedLabelKeys(series) {
			writeSample(&buf, name, lk, series[lk])
		}
	}
	if len(r.errorCounters) > 0 {
		fmt.Fprintf(&buf, "# TYPE request_errors_total counter\n")
		keys := make([]labelKey, 0, len(r.errorCounters))
		for k := range r.errorCounters {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			if keys[i].server != keys[j].server {
				return keys[i].server < keys[j].server
			}
			return keys[i].model < keys[j].model
		})
		for _, lk := range keys {
			errs := r.errorCounters[lk]
			types := make([]string, 0, len(errs))
			for t := range errs {
				types = append(types, t)
			}
			sort.Strings(types)
			for _, t := range types {
				writeErrorSample(&buf, lk, t, errs[t])
			}
		}
	}

	_, err := io.WriteString(w, buf.String())
	return err
}

func writeSample(buf *strings.Builder, name string, lk labelKey, v float64) {
	switch {
	case lk.server != "" && lk.model != "":
		fmt.Fprintf(buf, "%s{server=%q,model=%q} %v\n", name, lk.server, lk.model, v)
	case lk.model != "":
		fmt.Fprintf(buf, "%s{model=%q} %v\n", name, lk.model, v)
	case lk.server != "":
		fmt.Fprintf(buf, "%s{server=%q} %v\n", name, lk.server, v)
	default:
		fmt.Fprintf(buf, "%s %v\n", name, v)
	}
}

func writeErrorSample(buf *strings.Builder, lk labelKey, errorType string, v float64) {
	if lk.server != "" {
		fmt.Fprintf(buf, "request_errors_total{server=%q,model=%q,error_type=%q} %v\n", lk.server, lk.model, errorType, v)
		return
	}
	fmt.Fprintf(buf, "request_errors_total{model=%q,error_type=%q} %v\n", lk.model, errorType, v)
}

func sortedKeys(m map[string]map[labelKey]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedLabelKeys(m map[labelKey]float64) []labelKey {
	keys := make([]labelKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].server != keys[j].server {
			return keys[i].server < keys[j].server
		}
		return keys[i].model < keys[j].model
	})
	return keys
}
