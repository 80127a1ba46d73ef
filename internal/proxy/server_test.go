package proxy

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/llm-router/internal/breaker"
	"github.com/nulpointcorp/llm-router/internal/metrics"
	"github.com/nulpointcorp/llm-router/internal/providers"
	"github.com/nulpointcorp/llm-router/internal/ratelimit"
	"github.com/nulpointcorp/llm-router/internal/registry"
	routing "github.com/nulpointcorp/llm-router/internal/router"
	"github.com/nulpointcorp/llm-router/internal/selector"
	"github.com/nulpointcorp/llm-router/internal/shutdown"
	"github.com/nulpointcorp/llm-router/internal/state"
)

const serverCatalog = `
models:
  - name: m-good
    provider: openrouter
    model_id: good
    context_size: 8000
    max_output_tokens: 1000
  - name: m-bad
    provider: openrouter
    model_id: bad
    context_size: 8000
    max_output_tokens: 1000
  - name: m-midfail
    provider: openrouter
    model_id: midfail
    context_size: 8000
    max_output_tokens: 1000
  - name: m-hidden
    provider: openrouter
    model_id: hidden
    context_size: 8000
    max_output_tokens: 1000
    available: false
`

// fakeProvider serves "good" with a canned completion, streams "midfail" up
// to an immediate mid-stream error, and fails everything else with an
// upstream 500.
type fakeProvider struct{}

func (fakeProvider) Name() string { return "openrouter" }

func (fakeProvider) ChatCompletion(_ context.Context, p *providers.ChatParams) (*providers.ChatResult, error) {
	if p.ModelID != "good" {
		return nil, &providers.ProviderError{Provider: "openrouter", StatusCode: 500, Message: "boom"}
	}
	return &providers.ChatResult{
		ID:           "chatcmpl-test",
		Content:      "hello there",
		FinishReason: "stop",
		Usage:        providers.Usage{PromptTokens: 2, CompletionTokens: 3, TotalTokens: 5},
	}, nil
}

func (f fakeProvider) ChatCompletionStream(ctx context.Context, p *providers.ChatParams) (<-chan providers.StreamChunk, error) {
	if p.ModelID == "midfail" {
		// The stream opens fine, then dies before any content.
		ch := make(chan providers.StreamChunk, 1)
		ch <- providers.StreamChunk{Err: &providers.ProviderError{
			Provider: "openrouter", StatusCode: 500, Message: "stream collapsed",
		}}
		close(ch)
		return ch, nil
	}
	if _, err := f.ChatCompletion(ctx, p); err != nil {
		return nil, err
	}
	ch := make(chan providers.StreamChunk, 3)
	ch <- providers.StreamChunk{Content: "hello "}
	ch <- providers.StreamChunk{Content: "there"}
	ch <- providers.StreamChunk{FinishReason: "stop"}
	close(ch)
	return ch, nil
}

type serverFixture struct {
	s     *Server
	store *state.MemoryStore
	coord *shutdown.Coordinator
}

func newServerFixture(t *testing.T, opts Options) *serverFixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "models.yaml")
	if err := os.WriteFile(path, []byte(serverCatalog), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	reg := registry.New(path, nil, nil)
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("load registry: %v", err)
	}

	store := state.NewMemoryStore()
	store.Init(context.Background())
	t.Cleanup(func() { store.Close() })

	brk := breaker.New(store, breaker.Config{}, nil)
	sel := selector.New(reg, brk, store, nil)
	limiter := ratelimit.NewModelLimiter(store, 0)
	coord := shutdown.New(time.Second, nil)

	core := routing.New(reg, sel, brk, limiter, store,
		map[string]providers.Provider{"openrouter": fakeProvider{}},
		coord, routing.Config{RetryDelay: time.Millisecond}, nil)

	return &serverFixture{
		s:     New(core, reg, store, brk, limiter, opts),
		store: store,
		coord: coord,
	}
}

// do runs one request through the full handler chain.
func (f *serverFixture) do(t *testing.T, method, uri string, body []byte, header map[string]string) *fasthttp.RequestCtx {
	t.Helper()
	var req fasthttp.Request
	req.Header.SetMethod(method)
	req.SetRequestURI(uri)
	if body != nil {
		req.SetBody(body)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}

	var ctx fasthttp.RequestCtx
	ctx.Init(&req, nil, nil)
	f.s.Handler()(&ctx)
	return &ctx
}

func chatBody(t *testing.T, model string, stream bool) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"model":    model,
		"stream":   stream,
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func TestChatCompletionsUnary(t *testing.T) {
	f := newServerFixture(t, Options{})

	ctx := f.do(t, "POST", "/v1/chat/completions", chatBody(t, "m-good", false), nil)
	if ctx.Response.StatusCode() != 200 {
		t.Fatalf("status = %d body=%s", ctx.Response.StatusCode(), ctx.Response.Body())
	}

	var resp struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Model   string `json:"model"`
		Choices []struct {
			Message struct{ Content string }
		} `json:"choices"`
		Router struct {
			Provider  string `json:"provider"`
			ModelName string `json:"model_name"`
			Attempts  int    `json:"attempts"`
		} `json:"_router"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Object != "chat.completion" || resp.Model != "m-good" {
		t.Fatalf("envelope = %+v", resp)
	}
	if resp.Choices[0].Message.Content != "hello there" {
		t.Fatalf("content = %q", resp.Choices[0].Message.Content)
	}
	if resp.Router.Provider != "openrouter" || resp.Router.Attempts != 1 {
		t.Fatalf("_router = %+v", resp.Router)
	}
	if got := string(ctx.Response.Header.Peek("X-Request-ID")); got == "" {
		t.Fatal("missing X-Request-ID header")
	}
}

func TestChatCompletionsBadJSON(t *testing.T) {
	f := newServerFixture(t, Options{})

	ctx := f.do(t, "POST", "/v1/chat/completions", []byte("{nope"), nil)
	if ctx.Response.StatusCode() != 400 {
		t.Fatalf("status = %d", ctx.Response.StatusCode())
	}
	if !strings.Contains(string(ctx.Response.Body()), "invalid_request_error") {
		t.Fatalf("body = %s", ctx.Response.Body())
	}
}

func TestChatCompletionsValidation(t *testing.T) {
	f := newServerFixture(t, Options{})

	body, _ := json.Marshal(map[string]any{
		"model":    "m-good",
		"messages": []map[string]string{{"role": "robot", "content": "hi"}},
	})
	ctx := f.do(t, "POST", "/v1/chat/completions", body, nil)
	if ctx.Response.StatusCode() != 400 {
		t.Fatalf("status = %d body=%s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
}

func TestChatCompletionsAllModelsFailed(t *testing.T) {
	f := newServerFixture(t, Options{})

	ctx := f.do(t, "POST", "/v1/chat/completions", chatBody(t, "m-bad", false), nil)
	if ctx.Response.StatusCode() != 502 {
		t.Fatalf("status = %d body=%s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Details struct {
				Attempts     int              `json:"attempts"`
				FallbackUsed bool             `json:"fallback_used"`
				Errors       []map[string]any `json:"errors"`
			} `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Error.Code != "all_models_failed" || len(env.Error.Details.Errors) == 0 {
		t.Fatalf("error = %+v", env.Error)
	}
	if env.Error.Details.Attempts == 0 || env.Error.Details.FallbackUsed {
		t.Fatalf("details = %+v, want counted attempts without fallback", env.Error.Details)
	}
}

func TestModelsEndpointHidesUnavailable(t *testing.T) {
	f := newServerFixture(t, Options{})

	ctx := f.do(t, "GET", "/v1/models", nil, nil)
	if ctx.Response.StatusCode() != 200 {
		t.Fatalf("status = %d", ctx.Response.StatusCode())
	}
	var resp struct {
		Data []registry.Model `json:"data"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Data) != 3 {
		t.Fatalf("models = %d, want 3", len(resp.Data))
	}
	for _, m := range resp.Data {
		if m.Name == "m-hidden" {
			t.Fatal("administratively disabled model listed")
		}
	}
}

func TestHealthAndReadiness(t *testing.T) {
	f := newServerFixture(t, Options{Version: "1.2.3"})

	ctx := f.do(t, "GET", "/health", nil, nil)
	if ctx.Response.StatusCode() != 200 || !strings.Contains(string(ctx.Response.Body()), "1.2.3") {
		t.Fatalf("health = %d %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}

	ctx = f.do(t, "GET", "/readiness", nil, nil)
	if ctx.Response.StatusCode() != 200 {
		t.Fatalf("readiness = %d", ctx.Response.StatusCode())
	}
}

func TestBearerAuth(t *testing.T) {
	f := newServerFixture(t, Options{Auth: AuthConfig{Mode: "bearer", Token: "s3cret"}})

	ctx := f.do(t, "GET", "/v1/models", nil, nil)
	if ctx.Response.StatusCode() != 401 {
		t.Fatalf("unauthenticated status = %d", ctx.Response.StatusCode())
	}

	ctx = f.do(t, "GET", "/v1/models", nil, map[string]string{"Authorization": "Bearer wrong"})
	if ctx.Response.StatusCode() != 401 {
		t.Fatalf("wrong token status = %d", ctx.Response.StatusCode())
	}

	ctx = f.do(t, "GET", "/v1/models", nil, map[string]string{"Authorization": "Bearer s3cret"})
	if ctx.Response.StatusCode() != 200 {
		t.Fatalf("authenticated status = %d", ctx.Response.StatusCode())
	}

	// Probes stay open.
	ctx = f.do(t, "GET", "/health", nil, nil)
	if ctx.Response.StatusCode() != 200 {
		t.Fatalf("health status = %d", ctx.Response.StatusCode())
	}
}

func TestBasicAuth(t *testing.T) {
	f := newServerFixture(t, Options{Auth: AuthConfig{Mode: "basic", Username: "ops", Password: "pw"}})

	ctx := f.do(t, "GET", "/admin/state", nil, nil)
	if ctx.Response.StatusCode() != 401 {
		t.Fatalf("unauthenticated status = %d", ctx.Response.StatusCode())
	}

	cred := base64.StdEncoding.EncodeToString([]byte("ops:pw"))
	ctx = f.do(t, "GET", "/admin/state", nil, map[string]string{"Authorization": "Basic " + cred})
	if ctx.Response.StatusCode() != 200 {
		t.Fatalf("authenticated status = %d body=%s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
}

func TestAdminStateAndReset(t *testing.T) {
	f := newServerFixture(t, Options{})

	// Generate some failures so m-bad has state.
	f.do(t, "POST", "/v1/chat/completions", chatBody(t, "m-bad", false), nil)

	ctx := f.do(t, "GET", "/admin/state", nil, nil)
	var all map[string]*state.ModelState
	if err := json.Unmarshal(ctx.Response.Body(), &all); err != nil {
		t.Fatal(err)
	}
	if all["m-bad"].Stats.ErrorCount == 0 {
		t.Fatalf("m-bad state = %+v", all["m-bad"])
	}
	if all["m-good"].CircuitState != state.CircuitClosed {
		t.Fatalf("m-good state = %+v", all["m-good"])
	}

	ctx = f.do(t, "GET", "/admin/state/m-bad", nil, nil)
	if ctx.Response.StatusCode() != 200 {
		t.Fatalf("status = %d", ctx.Response.StatusCode())
	}

	ctx = f.do(t, "POST", "/admin/state/m-bad/reset", nil, nil)
	if ctx.Response.StatusCode() != 200 {
		t.Fatalf("reset status = %d", ctx.Response.StatusCode())
	}
	st, err := f.store.GetState(context.Background(), "m-bad")
	if err != nil || st != nil {
		t.Fatalf("state after reset = %+v (%v)", st, err)
	}

	ctx = f.do(t, "GET", "/admin/state/m-unknown", nil, nil)
	if ctx.Response.StatusCode() != 404 {
		t.Fatalf("unknown model status = %d", ctx.Response.StatusCode())
	}
}

func TestAdminMetricsAndRateLimits(t *testing.T) {
	f := newServerFixture(t, Options{})
	f.do(t, "POST", "/v1/chat/completions", chatBody(t, "m-good", false), nil)

	ctx := f.do(t, "GET", "/admin/metrics", nil, nil)
	var resp struct {
		Models map[string]struct {
			SuccessRate float64 `json:"success_rate"`
		} `json:"models"`
		FallbacksUsed int64 `json:"fallbacks_used"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Models["m-good"].SuccessRate != 1.0 {
		t.Fatalf("metrics = %+v", resp)
	}

	ctx = f.do(t, "GET", "/admin/ratelimits", nil, nil)
	if !strings.Contains(string(ctx.Response.Body()), `"enabled":false`) {
		t.Fatalf("ratelimits = %s", ctx.Response.Body())
	}
}

func TestPrometheusEndpoint(t *testing.T) {
	f := newServerFixture(t, Options{Metrics: metrics.New(), Version: "test"})
	f.do(t, "POST", "/v1/chat/completions", chatBody(t, "m-good", false), nil)

	ctx := f.do(t, "GET", "/metrics", nil, nil)
	if ctx.Response.StatusCode() != 200 {
		t.Fatalf("status = %d", ctx.Response.StatusCode())
	}
}

// The SSE path needs a real connection so the body stream writer runs.
func TestChatCompletionsStreamSSE(t *testing.T) {
	f := newServerFixture(t, Options{})

	ln := fasthttputil.NewInmemoryListener()
	defer ln.Close()
	srv := &fasthttp.Server{Handler: f.s.Handler()}
	go srv.Serve(ln) //nolint:errcheck

	client := &fasthttp.Client{
		Dial: func(string) (net.Conn, error) { return ln.Dial() },
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.Header.SetMethod("POST")
	req.SetRequestURI("http://router/v1/chat/completions")
	req.SetBody(chatBody(t, "m-good", true))

	if err := client.DoTimeout(req, resp, 5*time.Second); err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp.StatusCode() != 200 {
		t.Fatalf("status = %d", resp.StatusCode())
	}
	if ct := string(resp.Header.ContentType()); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}

	body := string(resp.Body())
	frames := strings.Split(strings.TrimSpace(body), "\n\n")
	if len(frames) < 2 {
		t.Fatalf("frames = %q", body)
	}
	if !strings.Contains(frames[0], `"_router"`) {
		t.Fatalf("first frame lacks routing metadata: %q", frames[0])
	}
	for _, fr := range frames[1:] {
		if strings.Contains(fr, `"_router"`) && !strings.Contains(fr, "[DONE]") {
			t.Fatalf("metadata repeated mid-stream: %q", fr)
		}
	}
	if frames[len(frames)-1] != "data: [DONE]" {
		t.Fatalf("missing terminator: %q", frames[len(frames)-1])
	}
	if !strings.Contains(body, "hello ") || !strings.Contains(body, "there") {
		t.Fatalf("content chunks missing: %q", body)
	}
}

// A stream that errors on its very first chunk still opens with the routing
// metadata frame; the error frame and the terminator follow it.
func TestChatCompletionsStreamErrorAfterMetadata(t *testing.T) {
	f := newServerFixture(t, Options{})

	ln := fasthttputil.NewInmemoryListener()
	defer ln.Close()
	srv := &fasthttp.Server{Handler: f.s.Handler()}
	go srv.Serve(ln) //nolint:errcheck

	client := &fasthttp.Client{
		Dial: func(string) (net.Conn, error) { return ln.Dial() },
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.Header.SetMethod("POST")
	req.SetRequestURI("http://router/v1/chat/completions")
	req.SetBody(chatBody(t, "m-midfail", true))

	if err := client.DoTimeout(req, resp, 5*time.Second); err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp.StatusCode() != 200 {
		t.Fatalf("status = %d", resp.StatusCode())
	}

	frames := strings.Split(strings.TrimSpace(string(resp.Body())), "\n\n")
	if len(frames) != 3 {
		t.Fatalf("frames = %d %q, want metadata, error, terminator", len(frames), frames)
	}
	if !strings.Contains(frames[0], `"_router"`) || strings.Contains(frames[0], `"error"`) {
		t.Fatalf("first frame must carry routing metadata: %q", frames[0])
	}
	if !strings.Contains(frames[1], "stream collapsed") {
		t.Fatalf("second frame must carry the error: %q", frames[1])
	}
	if frames[2] != "data: [DONE]" {
		t.Fatalf("missing terminator: %q", frames[2])
	}
}
