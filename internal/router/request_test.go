package router

import (
	"encoding/json"
	"errors"
	"testing"
)

func validReq() *ChatRequest {
	return &ChatRequest{
		Messages: []Message{{Role: "user", Content: json.RawMessage(`"hi"`)}},
	}
}

func TestValidate(t *testing.T) {
	ptrF := func(v float64) *float64 { return &v }
	ptrI := func(v int) *int { return &v }

	cases := []struct {
		name   string
		mutate func(*ChatRequest)
		ok     bool
	}{
		{"valid", func(r *ChatRequest) {}, true},
		{"no messages", func(r *ChatRequest) { r.Messages = nil }, false},
		{"bad role", func(r *ChatRequest) { r.Messages[0].Role = "robot" }, false},
		{"developer role", func(r *ChatRequest) { r.Messages[0].Role = "developer" }, true},
		{"temperature high", func(r *ChatRequest) { r.Temperature = ptrF(2.5) }, false},
		{"temperature edge", func(r *ChatRequest) { r.Temperature = ptrF(2) }, true},
		{"max_tokens zero", func(r *ChatRequest) { r.MaxTokens = ptrI(0) }, false},
		{"max_tokens over ceiling", func(r *ChatRequest) { r.MaxTokens = ptrI(maxTokensCeiling + 1) }, false},
		{"top_p negative", func(r *ChatRequest) { r.TopP = ptrF(-0.1) }, false},
		{"frequency_penalty low", func(r *ChatRequest) { r.FrequencyPenalty = ptrF(-3) }, false},
		{"presence_penalty high", func(r *ChatRequest) { r.PresencePenalty = ptrF(2.1) }, false},
		{"min_success_rate over one", func(r *ChatRequest) { r.MinSuccessRate = ptrF(1.1) }, false},
		{"timeout over ceiling", func(r *ChatRequest) { r.TimeoutSecs = ptrI(timeoutSecCeiling + 1) }, false},
		{"negative switches", func(r *ChatRequest) { r.MaxModelSwitches = ptrI(-1) }, false},
		{"negative retry delay", func(r *ChatRequest) { r.RetryDelayMs = ptrI(-5) }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validReq()
			tc.mutate(req)
			err := req.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok {
				var ve *ValidationError
				if !errors.As(err, &ve) {
					t.Fatalf("err = %v, want ValidationError", err)
				}
			}
		})
	}
}

func TestParseModelList(t *testing.T) {
	parse := func(t *testing.T, raw string) ([]ModelRef, bool, error) {
		t.Helper()
		req := validReq()
		if raw != "" {
			req.Model = json.RawMessage(raw)
		}
		return req.ParseModelList()
	}

	t.Run("absent means auto", func(t *testing.T) {
		refs, auto, err := parse(t, "")
		if err != nil || !auto || len(refs) != 0 {
			t.Fatalf("refs=%v auto=%v err=%v", refs, auto, err)
		}
	})

	t.Run("single string", func(t *testing.T) {
		refs, auto, err := parse(t, `"m-one"`)
		if err != nil || auto {
			t.Fatalf("auto=%v err=%v", auto, err)
		}
		if len(refs) != 1 || refs[0] != (ModelRef{Name: "m-one"}) {
			t.Fatalf("refs = %v", refs)
		}
	})

	t.Run("provider pinned", func(t *testing.T) {
		refs, _, err := parse(t, `"openrouter/m-one"`)
		if err != nil {
			t.Fatal(err)
		}
		if refs[0] != (ModelRef{Provider: "openrouter", Name: "m-one"}) {
			t.Fatalf("refs = %v", refs)
		}
	})

	t.Run("priority list with auto tail", func(t *testing.T) {
		refs, auto, err := parse(t, `["m-one", "deepseek/m-two", "auto"]`)
		if err != nil || !auto {
			t.Fatalf("auto=%v err=%v", auto, err)
		}
		want := []ModelRef{{Name: "m-one"}, {Provider: "deepseek", Name: "m-two"}}
		if len(refs) != len(want) || refs[0] != want[0] || refs[1] != want[1] {
			t.Fatalf("refs = %v", refs)
		}
	})

	t.Run("empty strings resolve to nothing", func(t *testing.T) {
		_, _, err := parse(t, `["", "  "]`)
		var ve *ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("err = %v, want ValidationError", err)
		}
	})

	t.Run("wrong type rejected", func(t *testing.T) {
		_, _, err := parse(t, `42`)
		var ve *ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("err = %v, want ValidationError", err)
		}
	})
}
