// Package metrics provides the Prometheus metrics registry for the router.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/nulpointcorp/llm-router/internal/state"
)

// Circuit state gauge values.
const (
	gaugeClosed      = 0
	gaugeOpen        = 1
	gaugeHalfOpen    = 2
	gaugeUnavailable = 3
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// router_inflight_requests
	inFlight prometheus.Gauge

	// router_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// router_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// router_requests_total{provider,model,status}
	requestsTotal *prometheus.CounterVec

	// router_latency_ms_total{provider,model} — sum of latency in ms (derive avg externally)
	latencyTotal *prometheus.CounterVec

	// router_attempts_total{provider,model,outcome}
	attemptsTotal *prometheus.CounterVec

	// router_model_selections_total{model,mode}
	selectionsTotal *prometheus.CounterVec

	// router_circuit_state{model} — 0=closed,1=open,2=half-open,3=unavailable
	circuitState *prometheus.GaugeVec

	// router_circuit_transitions_total{model,to_state}
	circuitTransitions *prometheus.CounterVec

	// router_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// router_fallbacks_total
	fallbacksTotal prometheus.Counter

	// router_tokens_total{model,direction}
	tokensTotal *prometheus.CounterVec

	// router_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "router_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the router",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_http_requests_total",
				Help: "Total number of HTTP requests handled by the router",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "router_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes retries and fallback)",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
			},
			[]string{"route"},
		),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_requests_total",
				Help: "Total routed chat requests by serving model and final status",
			},
			[]string{"provider", "model", "status"},
		),

		latencyTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_latency_ms_total",
				Help: "Sum of request latency in ms (compute avg externally)",
			},
			[]string{"provider", "model"},
		),

		attemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_attempts_total",
				Help: "Upstream model attempts by outcome (includes same-model retries)",
			},
			[]string{"provider", "model", "outcome"},
		),

		selectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_model_selections_total",
				Help: "Models chosen by the selector, by selection mode",
			},
			[]string{"model", "mode"},
		),

		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "router_circuit_state",
				Help: "Circuit state per model (0=closed,1=open,2=half-open,3=unavailable)",
			},
			[]string{"model"},
		),

		circuitTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_circuit_transitions_total",
				Help: "Circuit transitions to a new state",
			},
			[]string{"model", "to_state"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_ratelimit_total",
				Help: "Per-model rate limit decisions",
			},
			[]string{"result"},
		),

		fallbacksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "router_fallbacks_total",
			Help: "Requests served by the configured fallback model",
		}),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"model", "direction"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "router_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.requestsTotal,
		r.latencyTotal,
		r.attemptsTotal,
		r.selectionsTotal,
		r.circuitState,
		r.circuitTransitions,
		r.rateLimitTotal,
		r.fallbacksTotal,
		r.tokensTotal,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics for one handled request.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// RecordRequest records the final outcome of one routed chat request.
func (r *Registry) RecordRequest(provider, model string, statusCode int, latencyMs int64) {
	r.requestsTotal.WithLabelValues(provider, model, strconv.Itoa(statusCode)).Inc()
	r.latencyTotal.WithLabelValues(provider, model).Add(float64(latencyMs))
}

// RecordAttempt records one upstream call; outcome is "success" or "error".
func (r *Registry) RecordAttempt(provider, model, outcome string) {
	r.attemptsTotal.WithLabelValues(provider, model, outcome).Inc()
}

func (r *Registry) RecordSelection(model, mode string) {
	r.selectionsTotal.WithLabelValues(model, mode).Inc()
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) RecordFallback() {
	r.fallbacksTotal.Inc()
}

func (r *Registry) AddTokens(model string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(model, "output").Add(float64(outputTokens))
	}
}

// RecordCircuitTransition updates the state gauge and the transition counter.
// It is wired as the breaker's transition hook.
func (r *Registry) RecordCircuitTransition(model string, from, to state.CircuitState) {
	r.circuitState.WithLabelValues(model).Set(circuitGauge(to))
	r.circuitTransitions.WithLabelValues(model, string(to)).Inc()
}

func circuitGauge(s state.CircuitState) float64 {
	switch s {
	case state.CircuitOpen:
		return gaugeOpen
	case state.CircuitHalfOpen:
		return gaugeHalfOpen
	case state.CircuitUnavailable:
		return gaugeUnavailable
	default:
		return gaugeClosed
	}
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
