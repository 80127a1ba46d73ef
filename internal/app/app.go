// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initState     — state backend (memory, Redis, or REST) + janitor
//  2. initRegistry  — model catalog load (file or URL) + overrides
//  3. initRouting   — breaker, selector, rate limiter, shutdown coordinator
//  4. initProviders — upstream provider clients
//  5. initServer    — routing core + HTTP server
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/llm-router/internal/breaker"
	"github.com/nulpointcorp/llm-router/internal/config"
	"github.com/nulpointcorp/llm-router/internal/logger"
	"github.com/nulpointcorp/llm-router/internal/metrics"
	"github.com/nulpointcorp/llm-router/internal/providers"
	"github.com/nulpointcorp/llm-router/internal/proxy"
	"github.com/nulpointcorp/llm-router/internal/ratelimit"
	"github.com/nulpointcorp/llm-router/internal/registry"
	routing "github.com/nulpointcorp/llm-router/internal/router"
	"github.com/nulpointcorp/llm-router/internal/selector"
	"github.com/nulpointcorp/llm-router/internal/shutdown"
	"github.com/nulpointcorp/llm-router/internal/state"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connection — nil unless REDIS_TYPE=tcp.
	rdb *redis.Client

	store   state.Store
	janitor *state.Janitor
	reg     *registry.Registry
	brk     *breaker.Breaker
	sel     *selector.Selector
	limiter *ratelimit.ModelLimiter
	coord   *shutdown.Coordinator
	provs   map[string]providers.Provider

	prom      *metrics.Registry
	reqLogger *logger.Logger

	core *routing.Router
	srv  *proxy.Server
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"state", a.initState},
		{"registry", a.initRegistry},
		{"routing", a.initRouting},
		{"providers", a.initProviders},
		{"server", a.initServer},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or the server
// fails. Cancellation triggers a graceful drain: in-flight requests get
// ShutdownTimeout to finish before the listener closes.
func (a *App) Run(ctx context.Context) error {
	addr := a.cfg.ListenAddr()

	a.log.Info("starting router",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("state_backend", a.cfg.State.Type),
		slog.Int("models", len(a.reg.GetAll())),
		slog.Int("providers", len(a.provs)),
	)

	a.janitor.Start(a.baseCtx)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.Start(addr)
	})

	g.Go(func() error {
		<-gctx.Done()

		drainCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()

		if err := a.coord.Shutdown(drainCtx); err != nil {
			a.log.Warn("drain incomplete", slog.String("error", err.Error()))
		}
		if err := a.srv.Stop(drainCtx); err != nil {
			a.log.Error("server stop error", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("logger close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
	}
	if a.janitor != nil {
		a.janitor.Stop()
		a.janitor = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
