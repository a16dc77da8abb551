package metrics

import (
	"strings"
	"testing"
)

func TestWriteEngineGauges(t *testing.T) {
	r := New()
	r.SetEngineGauges("http://a", "m", 7, 2, 0, 1.5, 0.4, -1, 12, 0.8, 3, 4)

	var buf strings.Builder
	if err := r.Write(&buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		`num_requests_running{server="http://a",model="m"} 7`,
		`num_requests_waiting{server="http://a",model="m"} 2`,
		`gpu_prefix_cache_hit_rate{server="http://a",model="m"} 0.8`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q, got:\n%s", want, out)
		}
	}
}

func TestRequestErrorsLabeled(t *testing.T) {
	r := New()
	r.IncRequestError("m", "", "UNKNOWN_MODEL")
	r.IncRequestError("m", "", "UNKNOWN_MODEL")

	var buf strings.Builder
	if err := r.Write(&buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !strings.Contains(buf.String(), `request_errors_total{model="m",error_type="UNKNOWN_MODEL"} 2`) {
		t.Errorf("expected error counter at 2, got:\n%s", buf.String())
	}
}

func TestRequestErrorsLabeledWithServer(t *testing.T) {
	r := New()
	r.IncRequestError("m", "http://a", "UPSTREAM_STATUS")

	var buf strings.Builder
	if err := r.Write(&buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !strings.Contains(buf.String(), `request_errors_total{server="http://a",model="m",error_type="UPSTREAM_STATUS"} 1`) {
		t.Errorf("expected server-labeled error counter, got:\n%s", buf.String())
	}
}
