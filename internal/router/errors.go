package router

import "fmt"

// AttemptError is one failed provider call, surfaced to clients in the
// router metadata and in AllModelsFailedError bodies.
type AttemptError struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Error    string `json:"error"`
	Code     int    `json:"code,omitempty"`
}

// ValidationError rejects a malformed request body (HTTP 400).
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string   { return "validation: " + e.Detail }
func (e *ValidationError) HTTPStatus() int { return 400 }

func validationErrf(format string, args ...any) error {
	return &ValidationError{Detail: fmt.Sprintf(format, args...)}
}

// AllModelsFailedError means every candidate was tried and failed (HTTP 502).
// FallbackUsed marks that the configured fallback model was among the failed
// attempts.
type AllModelsFailedError struct {
	Attempts     int            `json:"attempts"`
	FallbackUsed bool           `json:"fallback_used"`
	Errors       []AttemptError `json:"errors"`
}

func (e *AllModelsFailedError) Error() string {
	if e.FallbackUsed {
		return fmt.Sprintf("all models failed after %d attempts including fallback (%d errors)", e.Attempts, len(e.Errors))
	}
	return fmt.Sprintf("all models failed after %d attempts (%d errors)", e.Attempts, len(e.Errors))
}

func (e *AllModelsFailedError) HTTPStatus() int { return 502 }

// NoSuitableModelError means the filters matched nothing. Unavailable marks
// the case where candidates exist but none is currently admitted (503);
// otherwise the criteria themselves match nothing (400).
type NoSuitableModelError struct {
	Reason      string
	Unavailable bool
}

func (e *NoSuitableModelError) Error() string { return "no suitable model: " + e.Reason }

func (e *NoSuitableModelError) HTTPStatus() int {
	if e.Unavailable {
		return 503
	}
	return 400
}

// RateLimitedError means the limiter denied every attempt (HTTP 429).
type RateLimitedError struct {
	Errors []AttemptError `json:"errors"`
}

func (e *RateLimitedError) Error() string   { return "rate limited: all candidates over budget" }
func (e *RateLimitedError) HTTPStatus() int { return 429 }

// ProviderNotFoundError means the catalog references an adapter that is not
// configured (HTTP 500).
type ProviderNotFoundError struct {
	Provider string
	Model    string
}

func (e *ProviderNotFoundError) Error() string {
	return fmt.Sprintf("provider %q for model %q is not configured", e.Provider, e.Model)
}

func (e *ProviderNotFoundError) HTTPStatus() int { return 500 }

// Cancellation reasons carried by RequestCancelledError.
const (
	CancelledByClient   = "client"
	CancelledByShutdown = "shutdown"
)

// RequestCancelledError means the request was aborted by client disconnect
// or process shutdown (HTTP 503).
type RequestCancelledError struct {
	Reason string
}

func (e *RequestCancelledError) Error() string   { return "request cancelled: " + e.Reason }
func (e *RequestCancelledError) HTTPStatus() int { return 503 }
