package config

import (
	"strings"
	"testing"
	"time"
)

// withProviderKey gives Load a minimal valid environment.
func withProviderKey(t *testing.T) {
	t.Helper()
	t.Setenv("OPENROUTER_API_KEY", "sk-or-test")
}

func TestLoadDefaults(t *testing.T) {
	withProviderKey(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr() != "0.0.0.0:8080" {
		t.Errorf("ListenAddr = %q, want 0.0.0.0:8080", cfg.ListenAddr())
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.BasePath != "/v1" {
		t.Errorf("BasePath = %q, want /v1", cfg.BasePath)
	}
	if cfg.CatalogPath != "models.yaml" {
		t.Errorf("CatalogPath = %q, want models.yaml", cfg.CatalogPath)
	}
	if cfg.Routing.MaxModelSwitches != 3 || cfg.Routing.MaxSameModelRetries != 2 {
		t.Errorf("routing bounds = %d/%d, want 3/2",
			cfg.Routing.MaxModelSwitches, cfg.Routing.MaxSameModelRetries)
	}
	if cfg.Routing.RetryDelay != time.Second {
		t.Errorf("RetryDelay = %v, want 1s", cfg.Routing.RetryDelay)
	}
	if cfg.Routing.TimeoutSecs != 60 {
		t.Errorf("TimeoutSecs = %d, want 60", cfg.Routing.TimeoutSecs)
	}
	if cfg.Breaker.FailureThreshold != 3 || cfg.Breaker.SuccessThreshold != 2 {
		t.Errorf("breaker thresholds = %d/%d, want 3/2",
			cfg.Breaker.FailureThreshold, cfg.Breaker.SuccessThreshold)
	}
	if cfg.Breaker.CooldownPeriod != 3*time.Minute {
		t.Errorf("CooldownPeriod = %v, want 3m", cfg.Breaker.CooldownPeriod)
	}
	if cfg.Breaker.StatsWindow != 10*time.Minute {
		t.Errorf("StatsWindow = %v, want 10m", cfg.Breaker.StatsWindow)
	}
	if cfg.ModelRequestsPerMinute != 0 {
		t.Errorf("ModelRequestsPerMinute = %d, want 0 (disabled)", cfg.ModelRequestsPerMinute)
	}
	if cfg.State.Type != StateMemory {
		t.Errorf("State.Type = %q, want memory", cfg.State.Type)
	}
	if cfg.Auth.Mode != "none" {
		t.Errorf("Auth.Mode = %q, want none", cfg.Auth.Mode)
	}
	if cfg.ShutdownTimeout != 10*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 10s", cfg.ShutdownTimeout)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	withProviderKey(t)
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("ROUTING_MAX_MODEL_SWITCHES", "5")
	t.Setenv("ROUTING_RETRY_DELAY", "250ms")
	t.Setenv("CB_COOLDOWN_PERIOD_MINS", "7")
	t.Setenv("ROUTER_MODEL_REQUESTS_PER_MINUTE", "120")
	t.Setenv("ROUTING_FALLBACK_ENABLED", "true")
	t.Setenv("ROUTING_FALLBACK_PROVIDER", "deepseek")
	t.Setenv("ROUTING_FALLBACK_MODEL", "backstop")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug (lowercased)", cfg.LogLevel)
	}
	if cfg.Routing.MaxModelSwitches != 5 {
		t.Errorf("MaxModelSwitches = %d, want 5", cfg.Routing.MaxModelSwitches)
	}
	if cfg.Routing.RetryDelay != 250*time.Millisecond {
		t.Errorf("RetryDelay = %v, want 250ms", cfg.Routing.RetryDelay)
	}
	if cfg.Breaker.CooldownPeriod != 7*time.Minute {
		t.Errorf("CooldownPeriod = %v, want 7m", cfg.Breaker.CooldownPeriod)
	}
	if cfg.ModelRequestsPerMinute != 120 {
		t.Errorf("ModelRequestsPerMinute = %d, want 120", cfg.ModelRequestsPerMinute)
	}
	if !cfg.Routing.FallbackEnabled || cfg.Routing.FallbackModel != "backstop" {
		t.Errorf("fallback = %v/%q, want enabled with model backstop",
			cfg.Routing.FallbackEnabled, cfg.Routing.FallbackModel)
	}
}

func TestLoadRequiresAProvider(t *testing.T) {
	// Force-clear any ambient keys so the test is hermetic.
	for _, k := range []string{"OPENROUTER_API_KEY", "DEEPSEEK_API_KEY", "ANTHROPIC_API_KEY", "GEMINI_API_KEY"} {
		t.Setenv(k, "")
	}
	_, err := Load()
	if err == nil {
		t.Fatal("Load succeeded without any provider key")
	}
	if !strings.Contains(err.Error(), "at least one provider") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoadValidationFailures(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{
			name: "bad log level",
			env:  map[string]string{"LOG_LEVEL": "verbose"},
			want: "LOG_LEVEL",
		},
		{
			name: "tcp state without url",
			env:  map[string]string{"REDIS_TYPE": "tcp"},
			want: "REDIS_URL",
		},
		{
			name: "http state without token",
			env:  map[string]string{"REDIS_TYPE": "http", "REDIS_URL": "https://kv.example.com"},
			want: "REDIS_TOKEN",
		},
		{
			name: "unknown state type",
			env:  map[string]string{"REDIS_TYPE": "dynamo"},
			want: "REDIS_TYPE",
		},
		{
			name: "basic auth without password",
			env:  map[string]string{"AUTH_MODE": "basic", "AUTH_USERNAME": "ops"},
			want: "AUTH_PASSWORD",
		},
		{
			name: "bearer auth without token",
			env:  map[string]string{"AUTH_MODE": "bearer"},
			want: "AUTH_TOKEN",
		},
		{
			name: "unknown selection mode",
			env:  map[string]string{"ROUTING_SELECTION_MODE": "round_robin"},
			want: "ROUTING_SELECTION_MODE",
		},
		{
			name: "timeout out of range",
			env:  map[string]string{"ROUTING_TIMEOUT_SECS": "601"},
			want: "ROUTING_TIMEOUT_SECS",
		},
		{
			name: "fallback without model",
			env:  map[string]string{"ROUTING_FALLBACK_ENABLED": "true"},
			want: "ROUTING_FALLBACK_MODEL",
		},
		{
			name: "zero failure threshold",
			env:  map[string]string{"CB_FAILURE_THRESHOLD": "0"},
			want: "CB_FAILURE_THRESHOLD",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			withProviderKey(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil {
				t.Fatal("Load succeeded, want validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestProviderConfigured(t *testing.T) {
	withProviderKey(t)
	t.Setenv("DEEPSEEK_ENABLED", "false")
	t.Setenv("DEEPSEEK_API_KEY", "sk-ds-test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.OpenRouter.Configured() {
		t.Error("OpenRouter should be configured")
	}
	if cfg.DeepSeek.Configured() {
		t.Error("DeepSeek disabled explicitly, Configured() must be false")
	}
	if cfg.Anthropic.Configured() {
		t.Error("Anthropic has no key, Configured() must be false")
	}
}
