package router

import (
	"encoding/json"

	"github.com/nulpointcorp/llm-router/internal/providers"
	"github.com/nulpointcorp/llm-router/internal/registry"
)

// BuildParams translates the validated inbound request into the
// provider-neutral call parameters for the chosen model.
func BuildParams(req *ChatRequest, model *registry.Model) *providers.ChatParams {
	params := &providers.ChatParams{
		ModelID:          model.ModelID,
		Messages:         buildMessages(req.Messages),
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		Stop:             parseStop(req.Stop),
		JSONResponse:     req.JSONResponse,
	}
	if req.MaxTokens != nil {
		params.MaxTokens = *req.MaxTokens
	}
	for _, t := range req.Tools {
		params.Tools = append(params.Tools, providers.Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}
	return params
}

func buildMessages(in []Message) []providers.Message {
	out := make([]providers.Message, 0, len(in))
	for _, m := range in {
		pm := providers.Message{
			Role:       m.Role,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}

		text, parts := decodeContent(m.Content)
		pm.Content = text
		for _, p := range parts {
			cp := providers.ContentPart{Type: p.Type, Text: p.Text, ImageURL: p.ImageURL.URL}
			pm.Parts = append(pm.Parts, cp)
		}
		out = append(out, pm)
	}
	return out
}

// decodeContent unwraps the string-or-parts content union. For the parts
// form, text also carries the concatenated text parts so adapters without
// multimodal support still see the prompt.
func decodeContent(raw json.RawMessage) (text string, parts []ContentPart) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	if json.Unmarshal(raw, &text) == nil {
		return text, nil
	}
	if json.Unmarshal(raw, &parts) != nil {
		return "", nil
	}
	for _, p := range parts {
		if p.Type == "text" {
			if text != "" {
				text += "\n"
			}
			text += p.Text
		}
	}
	return text, parts
}

func parseStop(raw json.RawMessage) []string {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var single string
	if json.Unmarshal(raw, &single) == nil {
		return []string{single}
	}
	var many []string
	if json.Unmarshal(raw, &many) == nil {
		return many
	}
	return nil
}

// HasImageContent reports whether any message carries an image part; the
// router uses it to require vision support during selection.
func HasImageContent(messages []Message) bool {
	for _, m := range messages {
		var parts []ContentPart
		if json.Unmarshal(m.Content, &parts) != nil {
			continue
		}
		for _, p := range parts {
			if p.Type == "image_url" {
				return true
			}
		}
	}
	return false
}
