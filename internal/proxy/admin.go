package proxy

import (
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-router/internal/state"
	"github.com/nulpointcorp/llm-router/pkg/apierr"
)

// handleAdminState serves GET /admin/state: the runtime state of every
// catalog model. Models with no recorded traffic report a fresh state.
func (s *Server) handleAdminState(ctx *fasthttp.RequestCtx) {
	out := make(map[string]*state.ModelState)
	for _, m := range s.reg.GetAll() {
		st, err := s.store.GetState(ctx, m.Name)
		if err != nil {
			s.writeRouterError(ctx, err)
			return
		}
		if st == nil {
			st = state.NewModelState()
		}
		out[m.Name] = st
	}
	writeJSON(ctx, out)
}

func (s *Server) handleAdminModelState(ctx *fasthttp.RequestCtx) {
	name, _ := ctx.UserValue("model").(string)
	if s.reg.FindByName(name) == nil {
		apierr.WriteNotFound(ctx, "unknown model "+name)
		return
	}
	st, err := s.store.GetState(ctx, name)
	if err != nil {
		s.writeRouterError(ctx, err)
		return
	}
	if st == nil {
		st = state.NewModelState()
	}
	cooldown, err := s.brk.RemainingCooldown(ctx, name)
	if err != nil {
		s.writeRouterError(ctx, err)
		return
	}
	writeJSON(ctx, map[string]any{
		"model":                 name,
		"state":                 st,
		"remaining_cooldown_ms": cooldown.Milliseconds(),
	})
}

// handleAdminModelReset serves POST /admin/state/{model}/reset. Resetting
// fully resurrects a permanently unavailable model; resetting twice is a
// no-op.
func (s *Server) handleAdminModelReset(ctx *fasthttp.RequestCtx) {
	name, _ := ctx.UserValue("model").(string)
	if s.reg.FindByName(name) == nil {
		apierr.WriteNotFound(ctx, "unknown model "+name)
		return
	}
	if err := s.store.ResetState(ctx, name); err != nil {
		s.writeRouterError(ctx, err)
		return
	}
	writeJSON(ctx, map[string]string{"status": "ok", "model": name})
}

// adminModelMetrics is the per-model aggregate snapshot for /admin/metrics.
type adminModelMetrics struct {
	Provider         string  `json:"provider"`
	CircuitState     string  `json:"circuit_state"`
	SuccessRate      float64 `json:"success_rate"`
	AvgLatencyMs     float64 `json:"avg_latency_ms"`
	P95LatencyMs     int64   `json:"p95_latency_ms"`
	WindowRequests   int     `json:"window_requests"`
	LifetimeRequests int64   `json:"lifetime_requests"`
}

func (s *Server) handleAdminMetrics(ctx *fasthttp.RequestCtx) {
	models := make(map[string]adminModelMetrics)
	for _, m := range s.reg.GetAll() {
		st, err := s.store.GetState(ctx, m.Name)
		if err != nil {
			s.writeRouterError(ctx, err)
			return
		}
		if st == nil {
			st = state.NewModelState()
		}
		models[m.Name] = adminModelMetrics{
			Provider:         m.Provider,
			CircuitState:     string(st.CircuitState),
			SuccessRate:      st.Stats.SuccessRate,
			AvgLatencyMs:     st.Stats.AvgLatencyMs,
			P95LatencyMs:     st.Stats.P95LatencyMs,
			WindowRequests:   st.Stats.TotalRequests,
			LifetimeRequests: st.LifetimeTotalRequests,
		}
	}

	fallbacks, err := s.store.FallbacksUsed(ctx)
	if err != nil {
		s.writeRouterError(ctx, err)
		return
	}
	writeJSON(ctx, map[string]any{
		"models":         models,
		"fallbacks_used": fallbacks,
	})
}

func (s *Server) handleAdminRateLimits(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{
		"enabled":             s.limiter.Enabled(),
		"requests_per_minute": s.limiter.Limit(),
		"window":              "1m",
	})
}
