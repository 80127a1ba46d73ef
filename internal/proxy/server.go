// Package proxy is the HTTP transport of the router.
//
// The Server receives OpenAI-compatible chat requests, validates them, hands
// them to the routing core, and writes back either a JSON completion envelope
// or an SSE stream. It also exposes the model catalog, health and readiness
// probes, Prometheus metrics, and the admin state API.
//
// Key design constraints:
//   - No blocking I/O on the hot path besides the routed call itself.
//   - Metrics and the async request logger are optional and nil-safe.
//   - All I/O uses context.Context so cancellation propagates correctly.
//   - Streaming responses are pass-through (SSE); the first frame carries the
//     routing metadata, and mid-stream errors terminate the stream.
package proxy

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-router/internal/breaker"
	"github.com/nulpointcorp/llm-router/internal/logger"
	"github.com/nulpointcorp/llm-router/internal/metrics"
	"github.com/nulpointcorp/llm-router/internal/ratelimit"
	"github.com/nulpointcorp/llm-router/internal/registry"
	routing "github.com/nulpointcorp/llm-router/internal/router"
	"github.com/nulpointcorp/llm-router/internal/state"
)

// DefaultBasePath prefixes the OpenAI-compatible endpoints.
const DefaultBasePath = "/v1"

// AuthConfig is the inbound authentication contract. Mode is "none", "basic",
// or "bearer"; probes and /metrics stay open regardless.
type AuthConfig struct {
	Mode     string
	Username string
	Password string
	Token    string
}

// Options holds the optional Server dependencies and tuning knobs.
type Options struct {
	// Logger defaults to slog.Default when nil.
	Logger *slog.Logger

	// Metrics enables Prometheus collection. When nil, metrics are disabled.
	Metrics *metrics.Registry

	// RequestLogger is the async per-request logger. May be nil.
	RequestLogger *logger.Logger

	// BasePath defaults to DefaultBasePath.
	BasePath string

	// CORSOrigins: nil or ["*"] allows all.
	CORSOrigins []string

	Auth    AuthConfig
	Version string
}

// Server is the fasthttp front of the router. All dependencies are injected
// so they can be replaced with doubles in unit tests.
type Server struct {
	core    *routing.Router
	reg     *registry.Registry
	store   state.Store
	brk     *breaker.Breaker
	limiter *ratelimit.ModelLimiter

	metrics *metrics.Registry
	reqLog  *logger.Logger
	log     *slog.Logger

	basePath    string
	corsOrigins []string
	auth        AuthConfig
	version     string

	srv *fasthttp.Server
}

// New creates a Server over the routing core.
func New(
	core *routing.Router,
	reg *registry.Registry,
	store state.Store,
	brk *breaker.Breaker,
	limiter *ratelimit.ModelLimiter,
	opts Options,
) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	basePath := opts.BasePath
	if basePath == "" {
		basePath = DefaultBasePath
	}
	basePath = strings.TrimRight(basePath, "/")

	version := opts.Version
	if version == "" {
		version = "dev"
	}
	if opts.Metrics != nil {
		opts.Metrics.SetBuildInfo(version)
	}

	return &Server{
		core:        core,
		reg:         reg,
		store:       store,
		brk:         brk,
		limiter:     limiter,
		metrics:     opts.Metrics,
		reqLog:      opts.RequestLogger,
		log:         log,
		basePath:    basePath,
		corsOrigins: opts.CORSOrigins,
		auth:        opts.Auth,
		version:     version,
	}
}

// Handler builds the full route table wrapped in the middleware chain.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()

	auth := authHandler(s.auth)

	r.POST(s.basePath+"/chat/completions", auth(s.handleChatCompletions))
	r.GET(s.basePath+"/models", auth(s.handleModels))
	r.GET(s.basePath+"/health", s.handleHealth)
	r.GET("/health", s.handleHealth)
	r.GET("/readiness", s.handleReadiness)

	if s.metrics != nil {
		r.GET("/metrics", s.metrics.Handler())
	}

	r.GET("/admin/state", auth(s.handleAdminState))
	r.GET("/admin/state/{model}", auth(s.handleAdminModelState))
	r.POST("/admin/state/{model}/reset", auth(s.handleAdminModelReset))
	r.GET("/admin/metrics", auth(s.handleAdminMetrics))
	r.GET("/admin/ratelimits", auth(s.handleAdminRateLimits))

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(s.corsOrigins),
		securityHeaders,
	)
}

// Start serves on addr (e.g. ":8080") until Stop is called.
func (s *Server) Start(addr string) error {
	s.srv = &fasthttp.Server{
		Handler:            s.Handler(),
		Name:               "llm-router",
		ReadTimeout:        60 * time.Second,
		WriteTimeout:       10 * time.Minute, // streams can run long
		MaxRequestBodySize: 16 << 20,
	}
	return s.srv.ListenAndServe(addr)
}

// Stop shuts the listener down, letting in-flight handlers finish.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.ShutdownWithContext(ctx)
}
