package proxy

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-router/internal/logger"
	"github.com/nulpointcorp/llm-router/internal/providers"
	routing "github.com/nulpointcorp/llm-router/internal/router"
	"github.com/nulpointcorp/llm-router/internal/state"
	"github.com/nulpointcorp/llm-router/pkg/apierr"
)

// handleChatCompletions is the core handler for POST {basePath}/chat/completions.
func (s *Server) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "chat_completions"
	streaming := false

	if s.metrics != nil {
		s.metrics.IncInFlight()
	}
	defer func() {
		if s.metrics == nil || streaming {
			return // streams are finalised by the stream writer
		}
		s.metrics.DecInFlight()
		s.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	var req routing.ChatRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"invalid JSON: "+err.Error(),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if err := req.Validate(); err != nil {
		s.writeRouterError(ctx, err)
		return
	}

	s.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("model", string(req.Model)),
		slog.Bool("stream", req.Stream),
	)

	if req.Stream {
		streaming = true
		s.serveStream(ctx, &req, reqID, start, route)
		return
	}

	resp, err := s.core.Route(ctx, &req)
	if err != nil {
		s.writeRouterError(ctx, err)
		s.record(reqID, nil, ctx.Response.StatusCode(), time.Since(start), false, providers.Usage{})
		return
	}

	body, err := json.Marshal(resp)
	if err != nil {
		apierr.WriteInternal(ctx)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)

	s.record(reqID, resp.Router, fasthttp.StatusOK, time.Since(start), false, resp.Usage)
}

// streamFrame is one SSE chunk in the OpenAI chat.completion.chunk shape. The
// first frame of a stream carries the routing metadata.
type (
	streamDelta struct {
		Role    string `json:"role,omitempty"`
		Content string `json:"content,omitempty"`
	}
	streamChoice struct {
		Index        int         `json:"index"`
		Delta        streamDelta `json:"delta"`
		FinishReason any         `json:"finish_reason"`
	}
	streamFrame struct {
		ID      string         `json:"id"`
		Object  string         `json:"object"`
		Created int64          `json:"created"`
		Model   string         `json:"model"`
		Choices []streamChoice `json:"choices"`
		Router  *routing.Meta  `json:"_router,omitempty"`
	}
)

func newStreamFrame(id, model string, chunk providers.StreamChunk, meta *routing.Meta) streamFrame {
	var finish any
	if chunk.FinishReason != "" {
		finish = chunk.FinishReason
	}
	return streamFrame{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []streamChoice{{
			Delta:        streamDelta{Content: chunk.Content},
			FinishReason: finish,
		}},
		Router: meta,
	}
}

// serveStream writes the committed stream as Server-Sent Events. Mid-stream
// failures become a terminating error frame; cross-model retry never happens
// once the first byte has been delivered.
func (s *Server) serveStream(ctx *fasthttp.RequestCtx, req *routing.ChatRequest, reqID string, start time.Time, route string) {
	res, err := s.core.RouteStream(ctx, req)
	if err != nil {
		s.writeRouterError(ctx, err)
		dur := time.Since(start)
		if s.metrics != nil {
			s.metrics.DecInFlight()
			s.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), dur)
		}
		s.record(reqID, nil, ctx.Response.StatusCode(), dur, true, providers.Usage{})
		return
	}

	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	id := "chatcmpl-" + uuid.NewString()
	meta := res.Meta
	model := res.Model

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer

		outputChars := 0
		frameMeta := meta
		for chunk := range res.Chunks {
			if chunk.Err != nil {
				// The first data frame always carries the routing metadata,
				// even when the stream dies immediately.
				if frameMeta != nil {
					data, _ := json.Marshal(newStreamFrame(id, model, providers.StreamChunk{}, frameMeta))
					fmt.Fprintf(w, "data: %s\n\n", data)
					frameMeta = nil
				}
				writeStreamError(w, chunk.Err)
				break
			}
			outputChars += len(chunk.Content)
			data, _ := json.Marshal(newStreamFrame(id, model, chunk, frameMeta))
			frameMeta = nil
			fmt.Fprintf(w, "data: %s\n\n", data)
			w.Flush() //nolint:errcheck
		}
		if frameMeta != nil {
			// Empty stream: the metadata still has to reach the client.
			data, _ := json.Marshal(newStreamFrame(id, model, providers.StreamChunk{}, frameMeta))
			fmt.Fprintf(w, "data: %s\n\n", data)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		w.Flush() //nolint:errcheck

		// Estimate output tokens: ~4 characters per token.
		estimated := outputChars / 4
		if estimated == 0 {
			estimated = 1
		}
		dur := time.Since(start)
		if s.metrics != nil {
			s.metrics.DecInFlight()
			s.metrics.ObserveHTTP(route, fasthttp.StatusOK, dur)
		}
		s.record(reqID, meta, fasthttp.StatusOK, dur, true, providers.Usage{CompletionTokens: estimated})
	})
}

func writeStreamError(w *bufio.Writer, err error) {
	payload, _ := json.Marshal(map[string]any{
		"error": map[string]string{
			"message": err.Error(),
			"type":    apierr.TypeRouterError,
		},
	})
	fmt.Fprintf(w, "data: %s\n\n", payload)
}

// record emits the final metrics and the async log entry for one request.
func (s *Server) record(reqID string, meta *routing.Meta, status int, dur time.Duration, stream bool, usage providers.Usage) {
	provider, model := "unknown", "unknown"
	attempts := 0
	fallback := false
	if meta != nil {
		provider, model = meta.Provider, meta.ModelName
		attempts = meta.Attempts
		fallback = meta.FallbackUsed
	}

	if s.metrics != nil {
		s.metrics.RecordRequest(provider, model, status, dur.Milliseconds())
		s.metrics.AddTokens(model, usage.PromptTokens, usage.CompletionTokens)
		if fallback {
			s.metrics.RecordFallback()
		}
		if meta != nil {
			for _, e := range meta.Errors {
				s.metrics.RecordAttempt(e.Provider, e.Model, "error")
			}
			if status == fasthttp.StatusOK {
				s.metrics.RecordAttempt(provider, model, "success")
			}
		}
	}

	if s.reqLog != nil {
		id, _ := uuid.Parse(reqID)
		s.reqLog.Log(logger.RequestLog{
			ID:           id,
			Provider:     provider,
			Model:        model,
			Attempts:     attempts,
			FallbackUsed: fallback,
			Stream:       stream,
			InputTokens:  usage.PromptTokens,
			OutputTokens: usage.CompletionTokens,
			LatencyMs:    dur.Milliseconds(),
			Status:       status,
			CreatedAt:    time.Now(),
		})
	}
}

// writeRouterError maps the routing error taxonomy onto OpenAI error
// envelopes:
//
//	ValidationError          → 400 invalid_request_error
//	RateLimitedError         → 429 rate_limit_error (+ Retry-After)
//	NoSuitableModelError     → 400 or 503 depending on cause
//	AllModelsFailedError     → 502 with the per-attempt error list
//	ProviderNotFoundError    → 500
//	RequestCancelledError    → 503
//	state.StorageError       → 500 (details withheld)
func (s *Server) writeRouterError(ctx *fasthttp.RequestCtx, err error) {
	var (
		ve  *routing.ValidationError
		rl  *routing.RateLimitedError
		nsm *routing.NoSuitableModelError
		all *routing.AllModelsFailedError
		pnf *routing.ProviderNotFoundError
		rc  *routing.RequestCancelledError
		se  *state.StorageError
	)
	switch {
	case errors.As(err, &ve):
		apierr.Write(ctx, ve.HTTPStatus(), ve.Detail, apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)

	case errors.As(err, &rl):
		if s.metrics != nil {
			s.metrics.RecordRateLimit("blocked")
		}
		apierr.WriteRateLimit(ctx, rl.Error(), rl.Errors)

	case errors.As(err, &nsm):
		errType := apierr.TypeInvalidRequest
		if nsm.Unavailable {
			errType = apierr.TypeRouterError
		}
		apierr.Write(ctx, nsm.HTTPStatus(), nsm.Error(), errType, apierr.CodeNoSuitableModel)

	case errors.As(err, &all):
		// The whole error marshals as details so attempts, fallback_used and
		// the per-attempt list reach the client.
		apierr.WriteDetailed(ctx, all.HTTPStatus(), all.Error(),
			apierr.TypeRouterError, apierr.CodeAllModelsFailed, all)

	case errors.As(err, &pnf):
		apierr.Write(ctx, pnf.HTTPStatus(), pnf.Error(), apierr.TypeServerError, apierr.CodeProviderNotFound)

	case errors.As(err, &rc):
		apierr.Write(ctx, rc.HTTPStatus(), rc.Error(), apierr.TypeRouterError, apierr.CodeRequestCancelled)

	case errors.As(err, &se):
		s.log.Error("storage failure", slog.Any("error", se))
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"state storage unavailable", apierr.TypeServerError, apierr.CodeStorageError)

	default:
		s.log.Error("unclassified routing error", slog.Any("error", err))
		apierr.WriteInternal(ctx)
	}
}

// handleModels serves GET {basePath}/models with the available catalog.
func (s *Server) handleModels(ctx *fasthttp.RequestCtx) {
	models := s.reg.GetAvailable()
	writeJSON(ctx, map[string]any{
		"object": "list",
		"data":   models,
	})
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]string{"status": "ok", "version": s.version})
}

// handleReadiness reports whether the state backend answers.
func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	if _, err := s.store.ModelNames(ctx); err != nil {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		writeJSON(ctx, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(ctx, map[string]string{"status": "ok"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
