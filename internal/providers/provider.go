// Package providers defines the provider-neutral chat-completion capability
// the routing core dispatches to. Each adapter lives in its own sub-package
// (openaicompat, anthropic, gemini) and varies only in wire format.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"
)

// ProviderTimeout bounds a single upstream HTTP exchange.
const ProviderTimeout = 120 * time.Second

type (
	// ContentPart is one element of a multimodal message.
	ContentPart struct {
		Type     string // "text" or "image_url"
		Text     string
		ImageURL string
	}

	// ToolCall is a tool invocation requested by the model.
	ToolCall struct {
		ID        string          `json:"id"`
		Type      string          `json:"type"`
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}

	// Tool declares a callable function to the model.
	Tool struct {
		Name        string
		Description string
		Parameters  json.RawMessage
	}

	// Message is one conversation turn. Content carries the plain-text form;
	// Parts is set instead when the turn is multimodal.
	Message struct {
		Role       string
		Content    string
		Parts      []ContentPart
		Name       string
		ToolCallID string
		ToolCalls  []ToolCall
	}

	// ChatParams is the provider-neutral call input. Pointer fields are
	// omitted from the wire when nil.
	ChatParams struct {
		ModelID  string
		Messages []Message

		Temperature      *float64
		MaxTokens        int
		TopP             *float64
		FrequencyPenalty *float64
		PresencePenalty  *float64
		Stop             []string
		Tools            []Tool
		JSONResponse     bool
	}

	// Usage is the token accounting reported by the upstream.
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	// ChatResult is a unary completion.
	ChatResult struct {
		ID           string
		Model        string
		Content      string
		FinishReason string
		ToolCalls    []ToolCall
		Usage        Usage
	}

	// StreamChunk is one streaming delta. Err is set on a terminating
	// mid-stream failure; no further chunks follow it.
	StreamChunk struct {
		Content      string
		FinishReason string
		Err          error
	}
)

// Provider is the chat-completion capability.
//
// ChatCompletionStream blocks until the upstream delivers (or refuses) the
// first event, so connection and auth failures surface as ordinary errors
// before any byte reaches the client. Once the channel is returned the
// stream is committed: mid-stream failures arrive as a final chunk with Err
// set and the channel is closed.
type Provider interface {
	Name() string
	ChatCompletion(ctx context.Context, params *ChatParams) (*ChatResult, error)
	ChatCompletionStream(ctx context.Context, params *ChatParams) (<-chan StreamChunk, error)
}

// StatusCoder is implemented by errors that carry an upstream HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// ProviderError is a structured upstream API error.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s (status=%d)", e.Provider, e.Message, e.StatusCode)
}

func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

// StatusCode extracts the upstream HTTP status from err, or 0 when it
// carries none.
func StatusCode(err error) int {
	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatus()
	}
	return 0
}

// IsTransient classifies an attempt error as worth retrying on the same
// model: rate limiting (429), upstream 5xx, timeouts, and network failures.
// Cancellation and all other 4xx are terminal. Errors with no status are
// treated as transport failures, hence transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if code := StatusCode(err); code != 0 {
		return code == 429 || code >= 500
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return true
}
