package config

import (
	"os"
	"strconv"
)

// Env holds process-environment-derived settings, read separately from
// the CLI flags parsed in cli.go.
type Env struct {
	// VLLMAPIKey holds VLLM_API_KEY. No request path reads it: upstream
	// requests carry only the Authorization header the client sent.
	VLLMAPIKey string

	// Longest-prefix affinity memory tuning (§6 "Environment").
	HashtrieMaxMemoryMB        int
	HashtrieEvictionThreshold  float64
	HashtrieTargetUtilization  float64
}

const (
	defaultHashtrieMaxMemoryMB       = 512
	defaultHashtrieEvictionThreshold = 0.9
	defaultHashtrieTargetUtilization = 0.7
)

// LoadEnv reads the router's environment variables, falling back to
// the documented defaults for the hashtrie tuning knobs.
func LoadEnv() Env {
	return Env{
		VLLMAPIKey:                os.Getenv("VLLM_API_KEY"),
		HashtrieMaxMemoryMB:       envInt("HASHTRIE_MAX_MEMORY_MB", defaultHashtrieMaxMemoryMB),
		HashtrieEvictionThreshold: envFloat("HASHTRIE_EVICTION_THRESHOLD", defaultHashtrieEvictionThreshold),
		HashtrieTargetUtilization: envFloat("HASHTRIE_TARGET_UTILIZATION", defaultHashtrieTargetUtilization),
	}
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}
