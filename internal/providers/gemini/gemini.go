// Package gemini adapts the Google Gemini API (official GenAI SDK) to the
// providers.Provider capability.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/nulpointcorp/llm-router/internal/providers"
)

const providerName = "gemini"

// Provider implements providers.Provider for Google Gemini.
type Provider struct {
	apiKey  string
	baseURL string
	client  *genai.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// New creates a Gemini Provider. The error is non-nil when the SDK client
// cannot be constructed.
func New(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	p := &Provider{apiKey: apiKey}
	for _, o := range opts {
		o(p)
	}

	cfg := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: providers.ProviderTimeout},
	}
	if p.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: p.baseURL}
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	p.client = client
	return p, nil
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) ChatCompletion(ctx context.Context, params *providers.ChatParams) (*providers.ChatResult, error) {
	contents, cfg := buildContentsAndConfig(params)

	resp, err := p.client.Models.GenerateContent(ctx, params.ModelID, contents, cfg)
	if err != nil {
		return nil, toProviderError(err)
	}

	res := &providers.ChatResult{Model: params.ModelID}
	if resp != nil {
		res.ID = resp.ResponseID
		res.Content = resp.Text()
		if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
			res.FinishReason = finishReason(resp.Candidates[0].FinishReason)
		}
		if resp.UsageMetadata != nil {
			res.Usage = providers.Usage{
				PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
				CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
				TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
			}
		}
	}
	return res, nil
}

func (p *Provider) ChatCompletionStream(ctx context.Context, params *providers.ChatParams) (<-chan providers.StreamChunk, error) {
	contents, cfg := buildContentsAndConfig(params)

	// Pull the first event synchronously so open-failures surface as errors.
	next, stop := iter.Pull2(p.client.Models.GenerateContentStream(ctx, params.ModelID, contents, cfg))
	resp, err, ok := next()
	if !ok {
		stop()
		ch := make(chan providers.StreamChunk)
		close(ch)
		return ch, nil
	}
	if err != nil {
		stop()
		return nil, toProviderError(err)
	}

	ch := make(chan providers.StreamChunk, 64)
	go func() {
		defer close(ch)
		defer stop()

		for {
			emitResponse(ch, resp)
			resp, err, ok = next()
			if !ok {
				return
			}
			if err != nil {
				ch <- providers.StreamChunk{Err: toProviderError(err)}
				return
			}
		}
	}()
	return ch, nil
}

func emitResponse(ch chan<- providers.StreamChunk, resp *genai.GenerateContentResponse) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return
	}
	c := resp.Candidates[0]
	text := candidateText(c)
	finish := finishReason(c.FinishReason)
	if text != "" || finish != "" {
		ch <- providers.StreamChunk{Content: text, FinishReason: finish}
	}
}

func buildContentsAndConfig(in *providers.ChatParams) ([]*genai.Content, *genai.GenerateContentConfig) {
	var systemPrompt string
	contents := make([]*genai.Content, 0, len(in.Messages))

	for _, m := range in.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		case "assistant", "model":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, toUserContent(m))
		}
	}

	cfg := &genai.GenerateContentConfig{}
	if systemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: systemPrompt}}}
	}
	if in.Temperature != nil {
		cfg.Temperature = genai.Ptr[float32](float32(*in.Temperature))
	}
	if in.TopP != nil {
		cfg.TopP = genai.Ptr[float32](float32(*in.TopP))
	}
	if in.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(in.MaxTokens)
	}
	if len(in.Stop) > 0 {
		cfg.StopSequences = in.Stop
	}
	if in.JSONResponse {
		cfg.ResponseMIMEType = "application/json"
	}
	return contents, cfg
}

func toUserContent(m providers.Message) *genai.Content {
	if len(m.Parts) == 0 {
		return genai.NewContentFromText(m.Content, genai.RoleUser)
	}
	parts := make([]*genai.Part, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch p.Type {
		case "image_url":
			parts = append(parts, genai.NewPartFromURI(p.ImageURL, "image/*"))
		default:
			parts = append(parts, genai.NewPartFromText(p.Text))
		}
	}
	return &genai.Content{Role: genai.RoleUser, Parts: parts}
}

func candidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil || len(c.Content.Parts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		if p != nil && p.Text != "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// finishReason maps Gemini finish reasons onto the OpenAI vocabulary.
func finishReason(r genai.FinishReason) string {
	switch r {
	case "":
		return ""
	case genai.FinishReasonMaxTokens:
		return "length"
	case genai.FinishReasonStop:
		return "stop"
	default:
		return "stop"
	}
}

func toProviderError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &providers.ProviderError{
			Provider:   providerName,
			StatusCode: apiErr.Code,
			Message:    apiErr.Message,
		}
	}
	return fmt.Errorf("%s: %w", providerName, err)
}
