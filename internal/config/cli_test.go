package config

import "testing"

func TestParseStaticRequiresBackends(t *testing.T) {
	_, err := Parse("router", "test", []string{"--service-discovery=static"})
	if err == nil {
		t.Fatal("expected error for static discovery without --static-backends")
	}
}

func TestParseStaticOK(t *testing.T) {
	cfg, err := Parse("router", "test", []string{
		"--service-discovery=static",
		"--static-backends=http://a:8000,http://b:8000",
		"--static-models=m,m",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.StaticBackends) != 2 {
		t.Fatalf("expected 2 backends, got %d", len(cfg.StaticBackends))
	}
}

func TestParseAliases(t *testing.T) {
	cfg, err := Parse("router", "test", []string{
		"--service-discovery=static",
		"--static-backends=http://a:8000",
		"--static-models=m",
		"--static-aliases=gpt:llama-3",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.StaticAliases["gpt"] != "llama-3" {
		t.Fatalf("expected alias gpt->llama-3, got %v", cfg.StaticAliases)
	}
}
