// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeInvalidRequest    = "invalid_request_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeRouterError       = "router_error"
	TypeAuthenticationErr = "authentication_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeInvalidRequest    = "invalid_request"
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeAllModelsFailed   = "all_models_failed"
	CodeNoSuitableModel   = "no_suitable_model"
	CodeProviderNotFound  = "provider_not_configured"
	CodeRequestCancelled  = "request_cancelled"
	CodeStorageError      = "storage_error"
	CodeInvalidAPIKey     = "invalid_api_key"
	CodeNotFound          = "not_found"
	CodeInternalError     = "internal_error"
)

type (
	// APIError is the structured error returned to clients. Details carries
	// machine-readable context such as the per-attempt error list.
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
		Details any    `json:"details,omitempty"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	WriteDetailed(ctx, status, message, errType, code, nil)
}

// WriteDetailed is Write with an extra details payload.
func WriteDetailed(ctx *fasthttp.RequestCtx, status int, message, errType, code string, details any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
		Details: details,
	}})
	ctx.SetBody(body)
}

// WriteRateLimit writes a 429 rate limit error with a Retry-After hint.
func WriteRateLimit(ctx *fasthttp.RequestCtx, message string, details any) {
	ctx.Response.Header.Set("Retry-After", "60")
	WriteDetailed(ctx, fasthttp.StatusTooManyRequests, message, TypeRateLimitError, CodeRateLimitExceeded, details)
}

// WriteUnauthorized writes a 401 authentication error.
func WriteUnauthorized(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusUnauthorized, "invalid or missing credentials", TypeAuthenticationErr, CodeInvalidAPIKey)
}

// WriteNotFound writes a 404 for an unknown route or resource.
func WriteNotFound(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusNotFound, message, TypeInvalidRequest, CodeNotFound)
}

// WriteInternal writes a 500 without leaking internals to the client.
func WriteInternal(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusInternalServerError, "internal server error", TypeServerError, CodeInternalError)
}
