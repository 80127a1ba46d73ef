// Package config loads and validates all runtime configuration for the router.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example OPENROUTER_API_KEY becomes
// openrouter_api_key in YAML.
//
// At least one provider must be enabled with an API key for the router to
// start. The state backend defaults to the in-process store — set
// REDIS_TYPE=tcp or REDIS_TYPE=http to share state across replicas.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// State backend types accepted by REDIS_TYPE.
const (
	StateMemory = "memory"
	StateTCP    = "tcp"
	StateHTTP   = "http"
)

// Config is the top-level configuration container.
type Config struct {
	// Host and Port form the HTTP listen address. Defaults: 0.0.0.0:8080.
	Host string
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// BasePath prefixes the OpenAI-compatible endpoints. Default: /v1.
	BasePath string

	// CatalogPath is the YAML model catalog location: a file path or an
	// http(s) URL. Default: models.yaml.
	CatalogPath string

	// ModelOverrides is the raw ROUTER_MODEL_OVERRIDES JSON array, parsed by
	// the registry.
	ModelOverrides string

	// Providers. A provider is wired only when enabled with a key.
	OpenRouter ProviderConfig
	DeepSeek   ProviderConfig
	Anthropic  ProviderConfig
	Gemini     ProviderConfig

	Routing RoutingConfig
	Breaker BreakerConfig

	// ModelRequestsPerMinute caps per-model request rate; 0 disables.
	ModelRequestsPerMinute int

	State StateConfig
	Auth  AuthConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string

	// ShutdownTimeout is the graceful drain deadline. Default: 10s.
	ShutdownTimeout time.Duration
}

// ProviderConfig holds configuration for a single upstream provider.
type ProviderConfig struct {
	// Enabled gates the provider regardless of key presence. Default: true.
	Enabled bool

	// APIKey is the provider API key. Leave empty to disable the provider.
	APIKey string

	// BaseURL overrides the provider's default API endpoint.
	// Useful for local mocks and development. Leave empty to use the default.
	BaseURL string
}

// Configured reports whether the provider should be wired at startup.
func (p ProviderConfig) Configured() bool { return p.Enabled && p.APIKey != "" }

// RoutingConfig controls the candidate loop.
type RoutingConfig struct {
	// MaxModelSwitches bounds distinct candidates per request. Default: 3.
	MaxModelSwitches int

	// MaxSameModelRetries bounds retries against one model. Default: 2.
	MaxSameModelRetries int

	// RetryDelay is the jittered base delay between retries. Default: 1s.
	RetryDelay time.Duration

	// TimeoutSecs bounds a whole request, 1–600. Default: 60.
	TimeoutSecs int

	FallbackEnabled  bool
	FallbackProvider string
	FallbackModel    string

	// SelectionMode is weighted_random, best, or top_n_random.
	// Default: weighted_random.
	SelectionMode string
}

// BreakerConfig controls the per-model circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// circuit. Default: 3.
	FailureThreshold int

	// CooldownPeriod is how long an open circuit rejects before probing.
	// Default: 3m.
	CooldownPeriod time.Duration

	// SuccessThreshold is the consecutive-success count that closes a
	// half-open circuit. Default: 2.
	SuccessThreshold int

	// StatsWindow is the sliding window for success rate and latency
	// aggregates. Default: 10m.
	StatsWindow time.Duration
}

// StateConfig selects and configures the shared state backend.
type StateConfig struct {
	// Type is memory, tcp (Redis), or http (Redis-compatible REST).
	Type string

	// URL is the redis:// URL (tcp) or the REST endpoint (http).
	URL string

	// Token is the bearer token for the http backend.
	Token string
}

// AuthConfig is the inbound authentication contract: none, basic, or bearer.
type AuthConfig struct {
	Mode     string
	Username string
	Password string
	Token    string
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("BASE_PATH", "/v1")
	v.SetDefault("ROUTER_CONFIG_PATH", "models.yaml")

	v.SetDefault("OPENROUTER_ENABLED", true)
	v.SetDefault("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1")
	v.SetDefault("DEEPSEEK_ENABLED", true)
	v.SetDefault("DEEPSEEK_BASE_URL", "https://api.deepseek.com/v1")
	v.SetDefault("ANTHROPIC_ENABLED", true)
	v.SetDefault("GEMINI_ENABLED", true)

	// Routing defaults.
	v.SetDefault("ROUTING_MAX_MODEL_SWITCHES", 3)
	v.SetDefault("ROUTING_MAX_SAME_MODEL_RETRIES", 2)
	v.SetDefault("ROUTING_RETRY_DELAY", "1s")
	v.SetDefault("ROUTING_TIMEOUT_SECS", 60)
	v.SetDefault("ROUTING_FALLBACK_ENABLED", false)
	v.SetDefault("ROUTING_SELECTION_MODE", "weighted_random")

	// Circuit breaker defaults.
	v.SetDefault("CB_FAILURE_THRESHOLD", 3)
	v.SetDefault("CB_COOLDOWN_PERIOD_MINS", 3)
	v.SetDefault("CB_SUCCESS_THRESHOLD", 2)
	v.SetDefault("CB_STATS_WINDOW_SIZE_MINS", 10)

	// Rate limit: 0 = disabled.
	v.SetDefault("ROUTER_MODEL_REQUESTS_PER_MINUTE", 0)

	v.SetDefault("REDIS_TYPE", StateMemory)
	v.SetDefault("AUTH_MODE", "none")
	v.SetDefault("CORS_ORIGINS", []string{"*"})
	v.SetDefault("SHUTDOWN_TIMEOUT", "10s")

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Host:     v.GetString("HOST"),
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),
		BasePath: v.GetString("BASE_PATH"),

		CatalogPath:    v.GetString("ROUTER_CONFIG_PATH"),
		ModelOverrides: v.GetString("ROUTER_MODEL_OVERRIDES"),

		OpenRouter: ProviderConfig{
			Enabled: v.GetBool("OPENROUTER_ENABLED"),
			APIKey:  v.GetString("OPENROUTER_API_KEY"),
			BaseURL: v.GetString("OPENROUTER_BASE_URL"),
		},
		DeepSeek: ProviderConfig{
			Enabled: v.GetBool("DEEPSEEK_ENABLED"),
			APIKey:  v.GetString("DEEPSEEK_API_KEY"),
			BaseURL: v.GetString("DEEPSEEK_BASE_URL"),
		},
		Anthropic: ProviderConfig{
			Enabled: v.GetBool("ANTHROPIC_ENABLED"),
			APIKey:  v.GetString("ANTHROPIC_API_KEY"),
			BaseURL: v.GetString("ANTHROPIC_BASE_URL"),
		},
		Gemini: ProviderConfig{
			Enabled: v.GetBool("GEMINI_ENABLED"),
			APIKey:  v.GetString("GEMINI_API_KEY"),
			BaseURL: v.GetString("GEMINI_BASE_URL"),
		},

		Routing: RoutingConfig{
			MaxModelSwitches:    v.GetInt("ROUTING_MAX_MODEL_SWITCHES"),
			MaxSameModelRetries: v.GetInt("ROUTING_MAX_SAME_MODEL_RETRIES"),
			RetryDelay:          v.GetDuration("ROUTING_RETRY_DELAY"),
			TimeoutSecs:         v.GetInt("ROUTING_TIMEOUT_SECS"),
			FallbackEnabled:     v.GetBool("ROUTING_FALLBACK_ENABLED"),
			FallbackProvider:    v.GetString("ROUTING_FALLBACK_PROVIDER"),
			FallbackModel:       v.GetString("ROUTING_FALLBACK_MODEL"),
			SelectionMode:       strings.ToLower(v.GetString("ROUTING_SELECTION_MODE")),
		},

		Breaker: BreakerConfig{
			FailureThreshold: v.GetInt("CB_FAILURE_THRESHOLD"),
			CooldownPeriod:   time.Duration(v.GetInt("CB_COOLDOWN_PERIOD_MINS")) * time.Minute,
			SuccessThreshold: v.GetInt("CB_SUCCESS_THRESHOLD"),
			StatsWindow:      time.Duration(v.GetInt("CB_STATS_WINDOW_SIZE_MINS")) * time.Minute,
		},

		ModelRequestsPerMinute: v.GetInt("ROUTER_MODEL_REQUESTS_PER_MINUTE"),

		State: StateConfig{
			Type:  strings.ToLower(v.GetString("REDIS_TYPE")),
			URL:   v.GetString("REDIS_URL"),
			Token: v.GetString("REDIS_TOKEN"),
		},

		Auth: AuthConfig{
			Mode:     strings.ToLower(v.GetString("AUTH_MODE")),
			Username: v.GetString("AUTH_USERNAME"),
			Password: v.GetString("AUTH_PASSWORD"),
			Token:    v.GetString("AUTH_TOKEN"),
		},

		CORSOrigins:     v.GetStringSlice("CORS_ORIGINS"),
		ShutdownTimeout: v.GetDuration("SHUTDOWN_TIMEOUT"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if !c.AtLeastOneProvider() {
		return fmt.Errorf(
			"config: at least one provider must be enabled with an API key " +
				"(OPENROUTER_API_KEY, DEEPSEEK_API_KEY, ANTHROPIC_API_KEY, or GEMINI_API_KEY)",
		)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	switch c.State.Type {
	case StateMemory:
	case StateTCP:
		if c.State.URL == "" {
			return fmt.Errorf("config: REDIS_URL is required when REDIS_TYPE=tcp")
		}
	case StateHTTP:
		if c.State.URL == "" || c.State.Token == "" {
			return fmt.Errorf("config: REDIS_URL and REDIS_TOKEN are required when REDIS_TYPE=http")
		}
	default:
		return fmt.Errorf(
			"config: invalid REDIS_TYPE %q; must be one of: memory, tcp, http",
			c.State.Type,
		)
	}

	switch c.Auth.Mode {
	case "none":
	case "basic":
		if c.Auth.Username == "" || c.Auth.Password == "" {
			return fmt.Errorf("config: AUTH_USERNAME and AUTH_PASSWORD are required when AUTH_MODE=basic")
		}
	case "bearer":
		if c.Auth.Token == "" {
			return fmt.Errorf("config: AUTH_TOKEN is required when AUTH_MODE=bearer")
		}
	default:
		return fmt.Errorf(
			"config: invalid AUTH_MODE %q; must be one of: none, basic, bearer",
			c.Auth.Mode,
		)
	}

	switch c.Routing.SelectionMode {
	case "weighted_random", "best", "top_n_random":
	default:
		return fmt.Errorf(
			"config: invalid ROUTING_SELECTION_MODE %q; must be one of: weighted_random, best, top_n_random",
			c.Routing.SelectionMode,
		)
	}

	if c.Routing.MaxModelSwitches < 0 {
		return fmt.Errorf("config: ROUTING_MAX_MODEL_SWITCHES must be >= 0, got %d", c.Routing.MaxModelSwitches)
	}
	if c.Routing.MaxSameModelRetries < 0 {
		return fmt.Errorf("config: ROUTING_MAX_SAME_MODEL_RETRIES must be >= 0, got %d", c.Routing.MaxSameModelRetries)
	}
	if c.Routing.TimeoutSecs < 1 || c.Routing.TimeoutSecs > 600 {
		return fmt.Errorf("config: ROUTING_TIMEOUT_SECS must be in [1, 600], got %d", c.Routing.TimeoutSecs)
	}
	if c.Routing.FallbackEnabled && c.Routing.FallbackModel == "" {
		return fmt.Errorf("config: ROUTING_FALLBACK_MODEL is required when ROUTING_FALLBACK_ENABLED=true")
	}

	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("config: CB_FAILURE_THRESHOLD must be >= 1, got %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.SuccessThreshold < 1 {
		return fmt.Errorf("config: CB_SUCCESS_THRESHOLD must be >= 1, got %d", c.Breaker.SuccessThreshold)
	}
	if c.Breaker.CooldownPeriod <= 0 {
		return fmt.Errorf("config: CB_COOLDOWN_PERIOD_MINS must be a positive duration")
	}
	if c.Breaker.StatsWindow <= 0 {
		return fmt.Errorf("config: CB_STATS_WINDOW_SIZE_MINS must be a positive duration")
	}

	if c.ModelRequestsPerMinute < 0 {
		return fmt.Errorf("config: ROUTER_MODEL_REQUESTS_PER_MINUTE must be >= 0, got %d", c.ModelRequestsPerMinute)
	}

	return nil
}

// AtLeastOneProvider reports whether any provider is enabled with a key.
func (c *Config) AtLeastOneProvider() bool {
	return c.OpenRouter.Configured() ||
		c.DeepSeek.Configured() ||
		c.Anthropic.Configured() ||
		c.Gemini.Configured()
}

// ListenAddr joins Host and Port.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
