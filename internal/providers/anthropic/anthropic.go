// Package anthropic adapts the Anthropic Messages API to the
// providers.Provider capability.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nulpointcorp/llm-router/internal/providers"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	providerName     = "anthropic"
	defaultMaxTokens = 4096
)

// Provider implements providers.Provider for Anthropic (official SDK).
type Provider struct {
	apiKey  string
	baseURL string
	client  anthropic.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// New creates an Anthropic Provider.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{apiKey: apiKey, baseURL: defaultBaseURL}
	for _, o := range opts {
		o(p)
	}

	p.client = anthropic.NewClient(
		option.WithAPIKey(p.apiKey),
		option.WithBaseURL(p.baseURL),
		option.WithHTTPClient(&http.Client{Timeout: providers.ProviderTimeout}),
		// Retry policy lives in the routing core; SDK retries would multiply
		// upstream calls and skew per-attempt failure accounting.
		option.WithMaxRetries(0),
	)
	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) ChatCompletion(ctx context.Context, params *providers.ChatParams) (*providers.ChatResult, error) {
	msg, err := p.client.Messages.New(ctx, p.buildParams(params))
	if err != nil {
		return nil, toProviderError(err)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(v.Text)
		case *anthropic.TextBlock:
			sb.WriteString(v.Text)
		}
	}

	return &providers.ChatResult{
		ID:           msg.ID,
		Model:        string(msg.Model),
		Content:      sb.String(),
		FinishReason: finishReason(string(msg.StopReason)),
		Usage: providers.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}, nil
}

func (p *Provider) ChatCompletionStream(ctx context.Context, params *providers.ChatParams) (<-chan providers.StreamChunk, error) {
	stream := p.client.Messages.NewStreaming(ctx, p.buildParams(params))

	// Block until the first event so open-failures surface as errors.
	if !stream.Next() {
		if err := stream.Err(); err != nil {
			stream.Close()
			return nil, toProviderError(err)
		}
		stream.Close()
		ch := make(chan providers.StreamChunk)
		close(ch)
		return ch, nil
	}

	ch := make(chan providers.StreamChunk, 64)
	go func() {
		defer close(ch)
		defer stream.Close()

		emit := func(ev anthropic.MessageStreamEventUnion) {
			switch eventVariant := ev.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				switch deltaVariant := eventVariant.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if deltaVariant.Text != "" {
						ch <- providers.StreamChunk{Content: deltaVariant.Text}
					}
				case *anthropic.TextDelta:
					if deltaVariant.Text != "" {
						ch <- providers.StreamChunk{Content: deltaVariant.Text}
					}
				}
			case anthropic.MessageDeltaEvent:
				if r := string(eventVariant.Delta.StopReason); r != "" {
					ch <- providers.StreamChunk{FinishReason: finishReason(r)}
				}
			}
		}

		emit(stream.Current())
		for stream.Next() {
			emit(stream.Current())
		}
		if err := stream.Err(); err != nil {
			ch <- providers.StreamChunk{Err: toProviderError(err)}
		}
	}()
	return ch, nil
}

func (p *Provider) buildParams(in *providers.ChatParams) anthropic.MessageNewParams {
	var systemPrompt string
	msgs := make([]anthropic.MessageParam, 0, len(in.Messages))

	for _, m := range in.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		default:
			msgs = append(msgs, toSDKMessage(m))
		}
	}

	maxTokens := in.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(in.ModelID),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}
	if in.Temperature != nil {
		params.Temperature = anthropic.Float(*in.Temperature)
	}
	if in.TopP != nil {
		params.TopP = anthropic.Float(*in.TopP)
	}
	if len(in.Stop) > 0 {
		params.StopSequences = in.Stop
	}
	return params
}

func toSDKMessage(m providers.Message) anthropic.MessageParam {
	role := anthropic.MessageParamRoleUser
	if strings.EqualFold(m.Role, "assistant") {
		role = anthropic.MessageParamRoleAssistant
	}

	if len(m.Parts) > 0 {
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.Parts))
		for _, p := range m.Parts {
			switch p.Type {
			case "image_url":
				blocks = append(blocks, anthropic.NewImageBlock(anthropic.URLImageSourceParam{URL: p.ImageURL}))
			default:
				blocks = append(blocks, anthropic.NewTextBlock(p.Text))
			}
		}
		return anthropic.MessageParam{Role: role, Content: blocks}
	}

	return anthropic.MessageParam{
		Role:    role,
		Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(m.Content)},
	}
}

// finishReason maps Anthropic stop reasons onto the OpenAI vocabulary the
// gateway speaks outward.
func finishReason(stop string) string {
	switch stop {
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	case "":
		return ""
	default:
		return "stop"
	}
}

// ProviderError carries the upstream status for breaker classification.
func toProviderError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &providers.ProviderError{
			Provider:   providerName,
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
		}
	}
	return fmt.Errorf("%s: %w", providerName, err)
}
