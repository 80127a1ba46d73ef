// Package router orchestrates a single chat request: it negotiates with the
// registry, selector, rate limiter, circuit breaker, and retry handler until
// success, exhaustion, cancellation, or fallback.
package router

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nulpointcorp/llm-router/internal/breaker"
	"github.com/nulpointcorp/llm-router/internal/providers"
	"github.com/nulpointcorp/llm-router/internal/ratelimit"
	"github.com/nulpointcorp/llm-router/internal/registry"
	"github.com/nulpointcorp/llm-router/internal/retry"
	"github.com/nulpointcorp/llm-router/internal/selector"
	"github.com/nulpointcorp/llm-router/internal/shutdown"
	"github.com/nulpointcorp/llm-router/internal/state"
)

// Config holds the routing knobs; per-request overrides take precedence.
type Config struct {
	// MaxModelSwitches bounds how many distinct candidates one request may
	// consume. Default: 3.
	MaxModelSwitches int

	// MaxSameModelRetries bounds retries against one model after its first
	// call, so a model is called at most MaxSameModelRetries+1 times.
	// Default: 2.
	MaxSameModelRetries int

	// RetryDelay is the jittered base delay between same-model retries.
	// Default: 1s.
	RetryDelay time.Duration

	// Timeout bounds the whole request. Default: 60s.
	Timeout time.Duration

	FallbackEnabled  bool
	FallbackProvider string
	FallbackModel    string

	// SelectionMode defaults to weighted_random.
	SelectionMode selector.Mode
}

func (c *Config) maxModelSwitches() int {
	if c.MaxModelSwitches > 0 {
		return c.MaxModelSwitches
	}
	return 3
}

func (c *Config) maxSameModelRetries() int {
	if c.MaxSameModelRetries > 0 {
		return c.MaxSameModelRetries
	}
	return 2
}

func (c *Config) retryDelay() time.Duration {
	if c.RetryDelay > 0 {
		return c.RetryDelay
	}
	return time.Second
}

func (c *Config) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return 60 * time.Second
}

// Router routes chat requests across the model fleet.
type Router struct {
	reg       *registry.Registry
	sel       *selector.Selector
	brk       *breaker.Breaker
	limiter   *ratelimit.ModelLimiter
	store     state.Store
	providers map[string]providers.Provider
	coord     *shutdown.Coordinator
	cfg       Config
	log       *slog.Logger
}

// New creates a Router. adapters maps provider names (as referenced by the
// catalog) to their adapters. log may be nil.
func New(
	reg *registry.Registry,
	sel *selector.Selector,
	brk *breaker.Breaker,
	limiter *ratelimit.ModelLimiter,
	store state.Store,
	adapters map[string]providers.Provider,
	coord *shutdown.Coordinator,
	cfg Config,
	log *slog.Logger,
) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		reg:       reg,
		sel:       sel,
		brk:       brk,
		limiter:   limiter,
		store:     store,
		providers: adapters,
		coord:     coord,
		cfg:       cfg,
		log:       log,
	}
}

// Route handles a unary request end to end.
func (r *Router) Route(ctx context.Context, req *ChatRequest) (*Response, error) {
	ctx, release, err := r.admit(ctx, req)
	if err != nil {
		return nil, err
	}
	defer release()

	res, model, meta, err := routeLoop(ctx, r, req,
		func(ctx context.Context, p providers.Provider, params *providers.ChatParams) (*providers.ChatResult, error) {
			return p.ChatCompletion(ctx, params)
		})
	if err != nil {
		return nil, err
	}
	return newResponse(res, model.Name, meta, req.JSONResponse), nil
}

// RouteStream handles a streaming request. The selection and retry loop is
// identical to Route up to the first delivered event; once the returned
// stream is committed, mid-stream failures terminate it without cross-model
// retry. The shutdown registration is released when the stream closes.
func (r *Router) RouteStream(ctx context.Context, req *ChatRequest) (*StreamResult, error) {
	ctx, release, err := r.admit(ctx, req)
	if err != nil {
		return nil, err
	}

	src, model, meta, err := routeLoop(ctx, r, req,
		func(ctx context.Context, p providers.Provider, params *providers.ChatParams) (<-chan providers.StreamChunk, error) {
			return p.ChatCompletionStream(ctx, params)
		})
	if err != nil {
		release()
		return nil, err
	}

	out := make(chan providers.StreamChunk, 64)
	go func() {
		defer release()
		defer close(out)
		for c := range src {
			out <- c
		}
	}()

	return &StreamResult{
		Model:  model.Name,
		Meta:   meta,
		Chunks: out,
	}, nil
}

// admit registers the request with the shutdown coordinator and applies the
// request timeout. The returned release also cancels the timeout.
func (r *Router) admit(ctx context.Context, req *ChatRequest) (context.Context, func(), error) {
	ctx, release, err := r.coord.Register(ctx)
	if err != nil {
		return nil, nil, &RequestCancelledError{Reason: CancelledByShutdown}
	}

	timeout := r.cfg.timeout()
	if req.TimeoutSecs != nil {
		timeout = time.Duration(*req.TimeoutSecs) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, func() { cancel(); release() }, nil
}

// routeLoop is the candidate loop shared by the unary and streaming paths;
// call performs one provider dispatch.
func routeLoop[T any](
	ctx context.Context,
	r *Router,
	req *ChatRequest,
	call func(context.Context, providers.Provider, *providers.ChatParams) (T, error),
) (T, *registry.Model, *Meta, error) {
	var zero T

	criteria := r.buildCriteria(req)
	priority, allowAuto, err := req.ParseModelList()
	if err != nil {
		return zero, nil, nil, err
	}

	maxSwitches := r.cfg.maxModelSwitches()
	if req.MaxModelSwitches != nil {
		maxSwitches = *req.MaxModelSwitches
	}

	var (
		attempts       []string
		attemptErrors  []AttemptError
		switches       int
		healthRejected bool
		rateLimited    int
	)

	for switches <= maxSwitches {
		if ctx.Err() != nil {
			return zero, nil, nil, r.cancelled(ctx)
		}

		model, fatal, ok := r.nextCandidate(ctx, &priority, allowAuto, criteria, attempts, &attemptErrors, &healthRejected)
		if fatal != nil {
			return zero, nil, nil, fatal // storage failure
		}
		if !ok {
			break
		}
		if model == nil {
			continue // priority entry rejected; error already recorded
		}

		allowed, err := r.limiter.CheckModel(ctx, model.Name)
		if err != nil {
			return zero, nil, nil, err
		}
		if !allowed {
			r.log.Warn("model rate limited", slog.String("model", model.Name))
			attemptErrors = append(attemptErrors, AttemptError{
				Provider: model.Provider,
				Model:    model.Name,
				Error:    "rate_limited",
				Code:     429,
			})
			rateLimited++
			switches++
			continue
		}

		attempts = append(attempts, model.Name)

		res, err := attemptModel(ctx, r, req, model, &attemptErrors, call)
		if err == nil {
			return res, model, &Meta{
				Provider:  model.Provider,
				ModelName: model.Name,
				Attempts:  len(attempts),
				Errors:    attemptErrors,
			}, nil
		}
		if ctx.Err() != nil {
			return zero, nil, nil, r.cancelled(ctx)
		}
		var pnf *ProviderNotFoundError
		if errors.As(err, &pnf) {
			return zero, nil, nil, err
		}

		switches++
	}

	if ctx.Err() != nil {
		return zero, nil, nil, r.cancelled(ctx)
	}

	// Fallback phase: one extra attempt against the configured last resort.
	res, model, meta, fbAttempted, ok := fallbackAttempt(ctx, r, req, attempts, &attemptErrors, call)
	if ok {
		return res, model, meta, nil
	}

	if len(attempts) == 0 && !fbAttempted {
		if rateLimited > 0 && rateLimited == len(attemptErrors) {
			return zero, nil, nil, &RateLimitedError{Errors: attemptErrors}
		}
		return zero, nil, nil, &NoSuitableModelError{
			Reason:      "no candidate passed the selection filters",
			Unavailable: healthRejected,
		}
	}

	total := len(attempts)
	if fbAttempted {
		total++
	}
	return zero, nil, nil, &AllModelsFailedError{
		Attempts:     total,
		FallbackUsed: fbAttempted,
		Errors:       attemptErrors,
	}
}

// nextCandidate yields the next model to try. Returns (nil, nil, true) when
// a priority entry was rejected (error recorded, caller continues), and
// ok=false when the loop should move to the fallback phase. healthRejected is
// set when a candidate was dropped for an open or unavailable circuit.
func (r *Router) nextCandidate(
	ctx context.Context,
	priority *[]ModelRef,
	allowAuto bool,
	criteria selector.Criteria,
	attempts []string,
	attemptErrors *[]AttemptError,
	healthRejected *bool,
) (model *registry.Model, fatal error, ok bool) {
	for len(*priority) > 0 {
		ref := (*priority)[0]
		*priority = (*priority)[1:]

		m := r.reg.FindByNameAndProvider(ref.Name, ref.Provider)
		if m == nil || !m.Available {
			*attemptErrors = append(*attemptErrors, AttemptError{
				Provider: ref.Provider,
				Model:    ref.Name,
				Error:    "model not found or unavailable",
			})
			return nil, nil, true
		}

		admitted, err := r.brk.CanRequest(ctx, m.Name)
		if err != nil {
			return nil, err, false
		}
		if !admitted {
			*healthRejected = true
			*attemptErrors = append(*attemptErrors, AttemptError{
				Provider: m.Provider,
				Model:    m.Name,
				Error:    "circuit open",
			})
			return nil, nil, true
		}
		return m, nil, true
	}

	if !allowAuto {
		return nil, nil, false
	}
	m, circuitDropped, err := r.sel.SelectNext(ctx, criteria, attempts)
	if err != nil {
		return nil, err, false
	}
	if m == nil {
		if circuitDropped {
			*healthRejected = true
		}
		return nil, nil, false
	}
	return m, nil, true
}

// attemptModel runs the same-model retry loop. Every failed provider call is
// recorded in the breaker and appended to attemptErrors; a success is
// recorded with its latency.
func attemptModel[T any](
	ctx context.Context,
	r *Router,
	req *ChatRequest,
	model *registry.Model,
	attemptErrors *[]AttemptError,
	call func(context.Context, providers.Provider, *providers.ChatParams) (T, error),
) (T, error) {
	var zero T

	prov := r.providers[model.Provider]
	if prov == nil {
		return zero, &ProviderNotFoundError{Provider: model.Provider, Model: model.Name}
	}

	params := BuildParams(req, model)

	maxRetries := r.cfg.maxSameModelRetries()
	if req.MaxSameModelRetries != nil {
		maxRetries = *req.MaxSameModelRetries
	}
	delay := r.cfg.retryDelay()
	if req.RetryDelayMs != nil {
		delay = time.Duration(*req.RetryDelayMs) * time.Millisecond
	}

	return retry.Do(ctx, func(ctx context.Context) (T, error) {
		start := time.Now()
		res, err := call(ctx, prov, params)
		latency := time.Since(start)
		if err != nil {
			if ctx.Err() == nil {
				code := providers.StatusCode(err)
				if berr := r.brk.OnFailure(ctx, model.Name, code, latency); berr != nil {
					r.log.Error("record failure", slog.String("model", model.Name), slog.Any("error", berr))
				}
				*attemptErrors = append(*attemptErrors, AttemptError{
					Provider: model.Provider,
					Model:    model.Name,
					Error:    err.Error(),
					Code:     code,
				})
			}
			return zero, err
		}
		if berr := r.brk.OnSuccess(ctx, model.Name, latency); berr != nil {
			r.log.Error("record success", slog.String("model", model.Name), slog.Any("error", berr))
		}
		return res, nil
	}, retry.Options{
		MaxRetries:  maxRetries,
		Delay:       delay,
		ShouldRetry: providers.IsTransient,
		OnRetry: func(attempt int, err error) {
			r.log.Debug("retrying model",
				slog.String("model", model.Name),
				slog.Int("attempt", attempt),
				slog.Any("error", err),
			)
		},
	})
}

// fallbackAttempt tries the configured last-resort model once (with
// same-model retries). attempted reports that the fallback model was actually
// called, so failed fallback calls still count toward the attempt total; ok
// reports success.
func fallbackAttempt[T any](
	ctx context.Context,
	r *Router,
	req *ChatRequest,
	attempts []string,
	attemptErrors *[]AttemptError,
	call func(context.Context, providers.Provider, *providers.ChatParams) (T, error),
) (result T, model *registry.Model, meta *Meta, attempted, ok bool) {
	var zero T

	if !r.cfg.FallbackEnabled {
		return zero, nil, nil, false, false
	}
	fbProvider, fbModel := r.cfg.FallbackProvider, r.cfg.FallbackModel
	if req.FallbackModel != "" {
		fbProvider, fbModel = req.FallbackProvider, req.FallbackModel
	}
	if fbModel == "" {
		return zero, nil, nil, false, false
	}
	for _, tried := range attempts {
		if tried == fbModel {
			return zero, nil, nil, false, false
		}
	}

	m := r.reg.FindByNameAndProvider(fbModel, fbProvider)
	if m == nil || !m.Available {
		return zero, nil, nil, false, false
	}
	admitted, err := r.brk.CanRequest(ctx, m.Name)
	if err != nil || !admitted {
		return zero, nil, nil, false, false
	}

	r.log.Info("entering fallback phase",
		slog.String("model", m.Name),
		slog.String("provider", m.Provider),
	)
	if err := r.store.RecordFallbackUsage(ctx); err != nil {
		r.log.Error("record fallback usage", slog.Any("error", err))
	}

	res, err := attemptModel(ctx, r, req, m, attemptErrors, call)
	if err != nil {
		var pnf *ProviderNotFoundError
		if errors.As(err, &pnf) {
			// Never called: the adapter is missing, not the model failing.
			return zero, nil, nil, false, false
		}
		return zero, nil, nil, true, false
	}
	return res, m, &Meta{
		Provider:     m.Provider,
		ModelName:    m.Name,
		Attempts:     len(attempts) + 1,
		FallbackUsed: true,
		Errors:       *attemptErrors,
	}, true, true
}

func (r *Router) buildCriteria(req *ChatRequest) selector.Criteria {
	c := selector.Criteria{
		FilterCriteria: registry.FilterCriteria{
			Tags:           registry.ParseTagGroups(req.Tags),
			Type:           req.Type,
			MinContextSize: req.MinContextSize,
			JSONResponse:   req.JSONResponse,
			SupportsVision: req.SupportsVision,
		},
		PreferFast: req.PreferFast,
		Mode:       r.cfg.SelectionMode,
	}
	if req.MinSuccessRate != nil {
		c.MinSuccessRate = *req.MinSuccessRate
	}
	if !c.SupportsVision && HasImageContent(req.Messages) {
		c.SupportsVision = true
	}
	if len(req.Tools) > 0 {
		c.SupportsTools = true
	}
	return c
}

// cancelled classifies a context cancellation into the outward error.
func (r *Router) cancelled(ctx context.Context) error {
	if errors.Is(context.Cause(ctx), shutdown.ErrShutdownCause) {
		return &RequestCancelledError{Reason: CancelledByShutdown}
	}
	return &RequestCancelledError{Reason: CancelledByClient}
}
