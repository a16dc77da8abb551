package enginestats

import (
	"strings"
	"testing"
)

func TestParsePrometheusText(t *testing.T) {
	body := "vllm:num_requests_running 7\n" +
		"vllm:num_requests_waiting 2\n" +
		"vllm:gpu_prefix_cache_hit_rate 0.8\n" +
		"vllm:gpu_cache_usage_perc 0.5\n"

	got := ParsePrometheusText(strings.NewReader(body))
	want := Stats{
		NumRunningRequests:    7,
		NumQueuingRequests:    2,
		GPUPrefixCacheHitRate: 0.8,
		GPUCacheUsagePerc:     0.5,
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestParsePrometheusTextIgnoresUnknownFamilies(t *testing.T) {
	body := "# HELP unrelated_metric something\n" +
		"unrelated_metric{label=\"x\"} 42\n" +
		"vllm:num_requests_running 3\n"

	got := ParsePrometheusText(strings.NewReader(body))
	if got.NumRunningRequests != 3 {
		t.Fatalf("expected 3, got %d", got.NumRunningRequests)
	}
}
