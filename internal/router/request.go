package router

import (
	"encoding/json"
	"strings"

	"github.com/nulpointcorp/llm-router/internal/registry"
)

// Limits enforced on inbound parameters.
const (
	maxTokensCeiling  = 128000
	timeoutSecCeiling = 600
)

// AutoModel is the literal model value enabling criteria-based selection.
const AutoModel = "auto"

// Message is one inbound conversation turn. Content is either a JSON string,
// an array of content parts, or null.
type Message struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// ContentPart is one element of a multimodal message content array.
type ContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

// Tool is an inbound tool declaration, forwarded verbatim.
type Tool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

// ChatRequest is the OpenAI-compatible request body extended with the
// routing fields.
type ChatRequest struct {
	// Model is a string or an array of strings: a priority list. The
	// literal "auto" enables criteria-based selection; "provider/name"
	// entries pin the provider.
	Model json.RawMessage `json:"model"`

	Messages []Message `json:"messages"`

	Temperature      *float64        `json:"temperature,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	Stop             json.RawMessage `json:"stop,omitempty"`
	Tools            []Tool          `json:"tools,omitempty"`
	ToolChoice       json.RawMessage `json:"tool_choice,omitempty"`
	Stream           bool            `json:"stream,omitempty"`

	// Routing fields.
	Tags           string   `json:"tags,omitempty"`
	Type           string   `json:"type,omitempty"`
	MinContextSize int      `json:"min_context_size,omitempty"`
	JSONResponse   bool     `json:"json_response,omitempty"`
	PreferFast     bool     `json:"prefer_fast,omitempty"`
	MinSuccessRate *float64 `json:"min_success_rate,omitempty"`
	SupportsVision bool     `json:"supports_vision,omitempty"`

	// Per-request overrides of routing config.
	MaxModelSwitches    *int   `json:"max_model_switches,omitempty"`
	MaxSameModelRetries *int   `json:"max_same_model_retries,omitempty"`
	RetryDelayMs        *int   `json:"retry_delay,omitempty"`
	TimeoutSecs         *int   `json:"timeout_secs,omitempty"`
	FallbackProvider    string `json:"fallback_provider,omitempty"`
	FallbackModel       string `json:"fallback_model,omitempty"`
}

var validRoles = map[string]bool{
	"system":    true,
	"user":      true,
	"assistant": true,
	"tool":      true,
	"developer": true,
}

// Validate checks structural and range constraints, returning a
// *ValidationError on the first violation.
func (r *ChatRequest) Validate() error {
	if len(r.Messages) == 0 {
		return validationErrf("messages must not be empty")
	}
	for i, m := range r.Messages {
		if !validRoles[strings.ToLower(m.Role)] {
			return validationErrf("messages[%d]: invalid role %q", i, m.Role)
		}
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return validationErrf("temperature %v outside [0, 2]", *r.Temperature)
	}
	if r.MaxTokens != nil && (*r.MaxTokens < 1 || *r.MaxTokens > maxTokensCeiling) {
		return validationErrf("max_tokens %d outside [1, %d]", *r.MaxTokens, maxTokensCeiling)
	}
	if r.TopP != nil && (*r.TopP < 0 || *r.TopP > 1) {
		return validationErrf("top_p %v outside [0, 1]", *r.TopP)
	}
	if r.FrequencyPenalty != nil && (*r.FrequencyPenalty < -2 || *r.FrequencyPenalty > 2) {
		return validationErrf("frequency_penalty %v outside [-2, 2]", *r.FrequencyPenalty)
	}
	if r.PresencePenalty != nil && (*r.PresencePenalty < -2 || *r.PresencePenalty > 2) {
		return validationErrf("presence_penalty %v outside [-2, 2]", *r.PresencePenalty)
	}
	if r.MinSuccessRate != nil && (*r.MinSuccessRate < 0 || *r.MinSuccessRate > 1) {
		return validationErrf("min_success_rate %v outside [0, 1]", *r.MinSuccessRate)
	}
	if r.TimeoutSecs != nil && (*r.TimeoutSecs < 1 || *r.TimeoutSecs > timeoutSecCeiling) {
		return validationErrf("timeout_secs %d outside [1, %d]", *r.TimeoutSecs, timeoutSecCeiling)
	}
	if r.MaxModelSwitches != nil && *r.MaxModelSwitches < 0 {
		return validationErrf("max_model_switches must be non-negative")
	}
	if r.MaxSameModelRetries != nil && *r.MaxSameModelRetries < 0 {
		return validationErrf("max_same_model_retries must be non-negative")
	}
	if r.RetryDelayMs != nil && *r.RetryDelayMs < 0 {
		return validationErrf("retry_delay must be non-negative")
	}
	return nil
}

// ModelRef is one resolved priority-list entry.
type ModelRef struct {
	Provider string // empty unless the "provider/name" form was used
	Name     string
}

// ParseModelList decodes the model field into an ordered priority list and
// reports whether the literal "auto" enables criteria fallback. An absent or
// empty model field means auto-only.
func (r *ChatRequest) ParseModelList() (refs []ModelRef, allowAuto bool, err error) {
	var names []string
	switch {
	case len(r.Model) == 0 || string(r.Model) == "null":
		return nil, true, nil
	default:
		var single string
		if json.Unmarshal(r.Model, &single) == nil {
			names = []string{single}
			break
		}
		if json.Unmarshal(r.Model, &names) != nil {
			return nil, false, validationErrf("model must be a string or an array of strings")
		}
	}

	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if n == AutoModel {
			allowAuto = true
			continue
		}
		provider, name := registry.SplitProviderModel(n)
		refs = append(refs, ModelRef{Provider: provider, Name: name})
	}
	if len(refs) == 0 && !allowAuto {
		return nil, false, validationErrf("model list resolves to no candidates")
	}
	return refs, allowAuto, nil
}
