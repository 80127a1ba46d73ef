package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/llm-router/internal/breaker"
	"github.com/nulpointcorp/llm-router/internal/config"
	"github.com/nulpointcorp/llm-router/internal/logger"
	"github.com/nulpointcorp/llm-router/internal/metrics"
	"github.com/nulpointcorp/llm-router/internal/providers"
	anthropicprov "github.com/nulpointcorp/llm-router/internal/providers/anthropic"
	geminiprov "github.com/nulpointcorp/llm-router/internal/providers/gemini"
	openaicompatprov "github.com/nulpointcorp/llm-router/internal/providers/openaicompat"
	"github.com/nulpointcorp/llm-router/internal/proxy"
	"github.com/nulpointcorp/llm-router/internal/ratelimit"
	"github.com/nulpointcorp/llm-router/internal/registry"
	routing "github.com/nulpointcorp/llm-router/internal/router"
	"github.com/nulpointcorp/llm-router/internal/selector"
	"github.com/nulpointcorp/llm-router/internal/shutdown"
	"github.com/nulpointcorp/llm-router/internal/state"
)

// initState picks the shared state backend from REDIS_TYPE and starts the
// stale-entry janitor over it.
func (a *App) initState(ctx context.Context) error {
	switch a.cfg.State.Type {
	case config.StateMemory:
		a.store = state.NewMemoryStore()
		a.log.Info("state backend: memory (in-process)")

	case config.StateTCP:
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.State.URL)))
		rdb, err := connectRedis(ctx, a.cfg.State.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.store = state.NewRedisStore(rdb)
		a.log.Info("state backend: redis")

	case config.StateHTTP:
		a.store = state.NewHTTPStore(a.cfg.State.URL, a.cfg.State.Token)
		a.log.Info("state backend: http", slog.String("url", redactURL(a.cfg.State.URL)))

	default:
		return fmt.Errorf("unknown state backend: %s", a.cfg.State.Type)
	}

	a.janitor = state.NewJanitor(a.store, a.cfg.Breaker.StatsWindow, time.Minute, a.log)

	return nil
}

// initRegistry loads the model catalog and applies any JSON overrides.
func (a *App) initRegistry(ctx context.Context) error {
	overrides, err := registry.ParseOverrides(a.cfg.ModelOverrides)
	if err != nil {
		return fmt.Errorf("model overrides: %w", err)
	}

	a.reg = registry.New(a.cfg.CatalogPath, overrides, a.log)
	if err := a.reg.Load(ctx); err != nil {
		return fmt.Errorf("catalog %s: %w", a.cfg.CatalogPath, err)
	}

	a.log.Info("catalog loaded",
		slog.String("source", a.cfg.CatalogPath),
		slog.Int("models", len(a.reg.GetAll())),
		slog.Int("overrides", len(overrides)),
	)

	return nil
}

// initRouting builds the health machinery: breaker, selector, rate limiter,
// shutdown coordinator, and the Prometheus registry the breaker reports into.
func (a *App) initRouting(_ context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	a.brk = breaker.New(a.store, breaker.Config{
		FailureThreshold: a.cfg.Breaker.FailureThreshold,
		CooldownPeriod:   a.cfg.Breaker.CooldownPeriod,
		SuccessThreshold: a.cfg.Breaker.SuccessThreshold,
		StatsWindow:      a.cfg.Breaker.StatsWindow,
	}, a.log)
	a.brk.SetTransitionHook(a.prom.RecordCircuitTransition)

	a.sel = selector.New(a.reg, a.brk, a.store, a.log)

	a.limiter = ratelimit.NewModelLimiter(a.store, a.cfg.ModelRequestsPerMinute)
	if a.limiter.Enabled() {
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.limiter.Limit()))
	}

	a.coord = shutdown.New(a.cfg.ShutdownTimeout, a.log)

	return nil
}

// initProviders builds the provider map. At least one provider is configured —
// this is enforced by config validation before we reach here.
func (a *App) initProviders(ctx context.Context) error {
	provs := make(map[string]providers.Provider)

	if a.cfg.OpenRouter.Configured() {
		provs["openrouter"] = openaicompatprov.New(
			"openrouter", a.cfg.OpenRouter.APIKey, a.cfg.OpenRouter.BaseURL)
	}
	if a.cfg.DeepSeek.Configured() {
		provs["deepseek"] = openaicompatprov.New(
			"deepseek", a.cfg.DeepSeek.APIKey, a.cfg.DeepSeek.BaseURL)
	}
	if a.cfg.Anthropic.Configured() {
		var opts []anthropicprov.Option
		if a.cfg.Anthropic.BaseURL != "" {
			opts = append(opts, anthropicprov.WithBaseURL(a.cfg.Anthropic.BaseURL))
		}
		provs["anthropic"] = anthropicprov.New(a.cfg.Anthropic.APIKey, opts...)
	}
	if a.cfg.Gemini.Configured() {
		var opts []geminiprov.Option
		if a.cfg.Gemini.BaseURL != "" {
			opts = append(opts, geminiprov.WithBaseURL(a.cfg.Gemini.BaseURL))
		}
		p, err := geminiprov.New(ctx, a.cfg.Gemini.APIKey, opts...)
		if err != nil {
			return fmt.Errorf("gemini: %w", err)
		}
		provs["gemini"] = p
	}

	if len(provs) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}
	a.provs = provs

	names := make([]string, 0, len(provs))
	for n := range provs {
		names = append(names, n)
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	// Warn about catalog models whose provider has no client.
	for _, m := range a.reg.GetAll() {
		if _, ok := provs[m.Provider]; !ok {
			a.log.Warn("catalog model has no provider client",
				slog.String("model", m.Name),
				slog.String("provider", m.Provider),
			)
		}
	}

	return nil
}

// initServer assembles the routing core and the HTTP front.
func (a *App) initServer(ctx context.Context) error {
	reqLogger, err := logger.New(ctx, a.log)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = reqLogger

	a.core = routing.New(
		a.reg, a.sel, a.brk, a.limiter, a.store, a.provs, a.coord,
		routing.Config{
			MaxModelSwitches:    a.cfg.Routing.MaxModelSwitches,
			MaxSameModelRetries: a.cfg.Routing.MaxSameModelRetries,
			RetryDelay:          a.cfg.Routing.RetryDelay,
			Timeout:             time.Duration(a.cfg.Routing.TimeoutSecs) * time.Second,
			FallbackEnabled:     a.cfg.Routing.FallbackEnabled,
			FallbackProvider:    a.cfg.Routing.FallbackProvider,
			FallbackModel:       a.cfg.Routing.FallbackModel,
			SelectionMode:       selector.Mode(a.cfg.Routing.SelectionMode),
		},
		a.log,
	)

	a.srv = proxy.New(a.core, a.reg, a.store, a.brk, a.limiter, proxy.Options{
		Logger:        a.log,
		Metrics:       a.prom,
		RequestLogger: a.reqLogger,
		BasePath:      a.cfg.BasePath,
		CORSOrigins:   a.cfg.CORSOrigins,
		Auth: proxy.AuthConfig{
			Mode:     a.cfg.Auth.Mode,
			Username: a.cfg.Auth.Username,
			Password: a.cfg.Auth.Password,
			Token:    a.cfg.Auth.Token,
		},
		Version: a.version,
	})

	return nil
}
