package router

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/llm-router/internal/providers"
)

// Meta is the routing metadata attached to every response under "_router".
type Meta struct {
	Provider     string         `json:"provider"`
	ModelName    string         `json:"model_name"`
	Attempts     int            `json:"attempts"`
	FallbackUsed bool           `json:"fallback_used"`
	Errors       []AttemptError `json:"errors,omitempty"`

	// Data is the parsed completion content when json_response was
	// requested and the content is valid JSON.
	Data any `json:"data,omitempty"`
}

// ResponseMessage is the assistant turn in a completion choice.
type ResponseMessage struct {
	Role      string               `json:"role"`
	Content   string               `json:"content"`
	ToolCalls []providers.ToolCall `json:"tool_calls,omitempty"`
}

// Choice is one completion choice (the router always returns exactly one).
type Choice struct {
	Index        int             `json:"index"`
	Message      ResponseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

// Response is the OpenAI-shaped unary completion envelope.
type Response struct {
	ID      string          `json:"id"`
	Object  string          `json:"object"`
	Created int64           `json:"created"`
	Model   string          `json:"model"`
	Choices []Choice        `json:"choices"`
	Usage   providers.Usage `json:"usage"`
	Router  *Meta           `json:"_router"`
}

// StreamResult is a committed stream: Chunks terminates with either a chunk
// whose Err is set or a clean close. Meta belongs on the first frame.
type StreamResult struct {
	ID     string
	Model  string
	Meta   *Meta
	Chunks <-chan providers.StreamChunk
}

// newResponse wraps a provider result into the outbound envelope. When
// jsonMode is set and the content parses as JSON, the parsed value is
// attached under the router metadata.
func newResponse(res *providers.ChatResult, model string, meta *Meta, jsonMode bool) *Response {
	id := res.ID
	if id == "" {
		id = "chatcmpl-" + uuid.NewString()
	}

	if jsonMode && res.Content != "" {
		var data any
		if err := json.Unmarshal([]byte(res.Content), &data); err == nil {
			meta.Data = data
		}
	}

	finish := res.FinishReason
	if finish == "" {
		finish = "stop"
	}

	return &Response{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []Choice{{
			Message: ResponseMessage{
				Role:      "assistant",
				Content:   res.Content,
				ToolCalls: res.ToolCalls,
			},
			FinishReason: finish,
		}},
		Usage:  res.Usage,
		Router: meta,
	}
}
