// Package openaicompat adapts any OpenAI-compatible chat-completions API
// (OpenRouter, DeepSeek, and the like) to the providers.Provider capability.
package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"
	"github.com/openai/openai-go/v3/shared"

	"github.com/nulpointcorp/llm-router/internal/providers"
)

// Provider is a configurable OpenAI-compatible adapter.
type Provider struct {
	name    string
	apiKey  string
	baseURL string
	client  openaiSDK.Client
}

// New creates an adapter.
//
//   - name    — unique provider identifier used for routing and logs.
//   - apiKey  — sent as "Authorization: Bearer <key>".
//   - baseURL — API base URL, e.g. "https://openrouter.ai/api/v1".
func New(name, apiKey, baseURL string) *Provider {
	p := &Provider{name: name, apiKey: apiKey, baseURL: baseURL}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Timeout: providers.ProviderTimeout}),
		// Retry policy lives in the routing core; SDK retries would multiply
		// upstream calls and skew per-attempt failure accounting.
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	p.client = openaiSDK.NewClient(opts...)
	return p
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) ChatCompletion(ctx context.Context, params *providers.ChatParams) (*providers.ChatResult, error) {
	resp, err := p.client.Chat.Completions.New(ctx, p.buildParams(params))
	if err != nil {
		return nil, p.toProviderError(err)
	}

	res := &providers.ChatResult{
		ID:    resp.ID,
		Model: resp.Model,
		Usage: providers.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}
	if len(resp.Choices) > 0 {
		c := resp.Choices[0]
		res.Content = c.Message.Content
		res.FinishReason = c.FinishReason
		for _, tc := range c.Message.ToolCalls {
			res.ToolCalls = append(res.ToolCalls, providers.ToolCall{
				ID:        tc.ID,
				Type:      string(tc.Type),
				Name:      tc.Function.Name,
				Arguments: json.RawMessage(tc.Function.Arguments),
			})
		}
	}
	return res, nil
}

func (p *Provider) ChatCompletionStream(ctx context.Context, params *providers.ChatParams) (<-chan providers.StreamChunk, error) {
	stream := p.client.Chat.Completions.NewStreaming(ctx, p.buildParams(params))

	// Pull the first event synchronously so open-failures are returned as
	// errors instead of a poisoned stream.
	if !stream.Next() {
		if err := stream.Err(); err != nil {
			stream.Close()
			return nil, p.toProviderError(err)
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

		emit := func(chunk openaiSDK.ChatCompletionChunk) {
			if len(chunk.Choices) == 0 {
				return
			}
			c := chunk.Choices[0]
			if c.Delta.Content != "" || c.FinishReason != "" {
				ch <- providers.StreamChunk{Content: c.Delta.Content, FinishReason: c.FinishReason}
			}
		}

		emit(stream.Current())
		for stream.Next() {
			emit(stream.Current())
		}
		if err := stream.Err(); err != nil {
			ch <- providers.StreamChunk{Err: p.toProviderError(err)}
		}
	}()
	return ch, nil
}

func (p *Provider) buildParams(in *providers.ChatParams) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(in.Messages))
	for _, m := range in.Messages {
		msgs = append(msgs, toSDKMessage(m))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    in.ModelID,
	}

	if in.Temperature != nil {
		params.Temperature = openaiSDK.Float(*in.Temperature)
	}
	if in.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(in.MaxTokens))
	}
	if in.TopP != nil {
		params.TopP = openaiSDK.Float(*in.TopP)
	}
	if in.FrequencyPenalty != nil {
		params.FrequencyPenalty = openaiSDK.Float(*in.FrequencyPenalty)
	}
	if in.PresencePenalty != nil {
		params.PresencePenalty = openaiSDK.Float(*in.PresencePenalty)
	}
	if len(in.Stop) > 0 {
		params.Stop = openaiSDK.ChatCompletionNewParamsStopUnion{OfStringArray: in.Stop}
	}
	if in.JSONResponse {
		params.ResponseFormat = openaiSDK.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}
	for _, t := range in.Tools {
		params.Tools = append(params.Tools, openaiSDK.ChatCompletionToolUnionParam{
			OfFunction: &openaiSDK.ChatCompletionFunctionToolParam{
				Function: shared.FunctionDefinitionParam{
					Name:        t.Name,
					Description: param.NewOpt(t.Description),
					Parameters:  toFunctionParameters(t.Parameters),
				},
			},
		})
	}
	return params
}

func toFunctionParameters(raw json.RawMessage) shared.FunctionParameters {
	if len(raw) == 0 {
		return nil
	}
	var out shared.FunctionParameters
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func toSDKMessage(m providers.Message) openaiSDK.ChatCompletionMessageParamUnion {
	content := m.Content
	if len(m.Parts) > 0 && strings.EqualFold(m.Role, "user") {
		parts := make([]openaiSDK.ChatCompletionContentPartUnionParam, 0, len(m.Parts))
		for _, p := range m.Parts {
			switch p.Type {
			case "image_url":
				parts = append(parts, openaiSDK.ImageContentPart(
					openaiSDK.ChatCompletionContentPartImageImageURLParam{URL: p.ImageURL},
				))
			default:
				parts = append(parts, openaiSDK.TextContentPart(p.Text))
			}
		}
		return openaiSDK.UserMessage(parts)
	}

	switch strings.ToLower(m.Role) {
	case "system", "developer":
		return openaiSDK.SystemMessage(content)
	case "assistant":
		return openaiSDK.AssistantMessage(content)
	case "tool":
		return openaiSDK.ToolMessage(content, m.ToolCallID)
	default:
		return openaiSDK.UserMessage(content)
	}
}

func (p *Provider) toProviderError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &providers.ProviderError{
			Provider:   p.name,
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
		}
	}
	return fmt.Errorf("%s: %w", p.name, err)
}
