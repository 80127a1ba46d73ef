package selector

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-router/internal/breaker"
	"github.com/nulpointcorp/llm-router/internal/registry"
	"github.com/nulpointcorp/llm-router/internal/state"
)

const testCatalog = `
models:
  - name: m-light
    provider: openrouter
    model_id: light
    type: fast
    context_size: 8000
    max_output_tokens: 1000
    weight: 1
    tags: [cheap]
  - name: m-heavy
    provider: openrouter
    model_id: heavy
    type: fast
    context_size: 8000
    max_output_tokens: 1000
    weight: 3
    tags: [cheap]
  - name: m-reason
    provider: deepseek
    model_id: reason
    type: reasoning
    context_size: 64000
    max_output_tokens: 8000
    weight: 1
`

type fixture struct {
	sel   *Selector
	brk   *breaker.Breaker
	store *state.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "models.yaml")
	if err := os.WriteFile(path, []byte(testCatalog), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	reg := registry.New(path, nil, nil)
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("load registry: %v", err)
	}

	store := state.NewMemoryStore()
	store.Init(context.Background())
	t.Cleanup(func() { store.Close() })

	brk := breaker.New(store, breaker.Config{FailureThreshold: 1}, nil)
	return &fixture{sel: New(reg, brk, store, nil), brk: brk, store: store}
}

func TestSelectNextNoCandidates(t *testing.T) {
	f := newFixture(t)
	m, _, err := f.sel.SelectNext(context.Background(), Criteria{
		FilterCriteria: registry.FilterCriteria{Tags: []string{"nonexistent"}},
	}, nil)
	if err != nil {
		t.Fatalf("selectNext: %v", err)
	}
	if m != nil {
		t.Fatalf("picked %s, want nil", m.Name)
	}
}

func TestSelectNextExcludesTriedAndListed(t *testing.T) {
	f := newFixture(t)
	c := Criteria{FilterCriteria: registry.FilterCriteria{Tags: []string{"cheap"}}}

	m, _, err := f.sel.SelectNext(context.Background(), c, []string{"m-heavy"})
	if err != nil || m == nil {
		t.Fatalf("selectNext: %v %v", m, err)
	}
	if m.Name != "m-light" {
		t.Fatalf("picked %s, want m-light", m.Name)
	}

	// The provider/name form excludes too.
	c.ExcludeModels = []string{"openrouter/m-light"}
	m, _, _ = f.sel.SelectNext(context.Background(), c, []string{"m-heavy"})
	if m != nil {
		t.Fatalf("picked %s, want nil with everything excluded", m.Name)
	}
}

func TestSelectNextSkipsBrokenCircuits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.brk.OnFailure(ctx, "m-heavy", 500, time.Millisecond) // threshold 1 → OPEN
	c := Criteria{FilterCriteria: registry.FilterCriteria{Tags: []string{"cheap"}}}

	for i := 0; i < 10; i++ {
		m, _, err := f.sel.SelectNext(ctx, c, nil)
		if err != nil || m == nil {
			t.Fatalf("selectNext: %v %v", m, err)
		}
		if m.Name == "m-heavy" {
			t.Fatal("picked a model with an open circuit")
		}
	}
}

// An unhealthy fleet must be distinguishable from criteria that match
// nothing: circuit-dropped candidates are reported alongside the nil pick.
func TestSelectNextReportsCircuitDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, name := range []string{"m-light", "m-heavy", "m-reason"} {
		f.brk.OnFailure(ctx, name, 500, time.Millisecond) // threshold 1 → OPEN
	}

	m, circuitDropped, err := f.sel.SelectNext(ctx, Criteria{}, nil)
	if err != nil {
		t.Fatalf("selectNext: %v", err)
	}
	if m != nil {
		t.Fatalf("picked %s, want nil with every circuit open", m.Name)
	}
	if !circuitDropped {
		t.Fatal("circuitDropped = false, want true when the breaker rejected every candidate")
	}

	// Criteria matching nothing must not claim a health problem.
	m, circuitDropped, err = f.sel.SelectNext(ctx, Criteria{
		FilterCriteria: registry.FilterCriteria{Tags: []string{"nonexistent"}},
	}, nil)
	if err != nil || m != nil {
		t.Fatalf("selectNext: %v %v", m, err)
	}
	if circuitDropped {
		t.Fatal("circuitDropped = true for criteria that match no model")
	}
}

func TestSelectNextMinSuccessRate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// m-light: 50% success. m-heavy: untouched (implicit 1.0).
	f.brk.OnSuccess(ctx, "m-light", 100*time.Millisecond)
	f.brk.OnFailure(ctx, "m-light", 500, 100*time.Millisecond)

	c := Criteria{
		FilterCriteria: registry.FilterCriteria{Tags: []string{"cheap"}},
		MinSuccessRate: 0.9,
	}
	for i := 0; i < 10; i++ {
		m, _, err := f.sel.SelectNext(ctx, c, nil)
		if err != nil || m == nil {
			t.Fatalf("selectNext: %v %v", m, err)
		}
		if m.Name != "m-heavy" {
			t.Fatalf("picked %s, want m-heavy (zero-request models count as 1.0)", m.Name)
		}
	}
}

func TestSelectNextPreferFast(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.brk.OnSuccess(ctx, "m-light", 400*time.Millisecond)
	f.brk.OnSuccess(ctx, "m-heavy", 80*time.Millisecond)
	// m-reason has no traffic: ranks last under preferFast.

	m, _, err := f.sel.SelectNext(ctx, Criteria{PreferFast: true}, nil)
	if err != nil || m == nil {
		t.Fatalf("selectNext: %v %v", m, err)
	}
	if m.Name != "m-heavy" {
		t.Fatalf("picked %s, want the lowest-latency m-heavy", m.Name)
	}
}

func TestSelectNextBestMode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Same latency for both, so the higher static weight wins.
	f.brk.OnSuccess(ctx, "m-light", 100*time.Millisecond)
	f.brk.OnSuccess(ctx, "m-heavy", 100*time.Millisecond)

	m, _, err := f.sel.SelectNext(ctx, Criteria{
		FilterCriteria: registry.FilterCriteria{Tags: []string{"cheap"}},
		Mode:           ModeBest,
	}, nil)
	if err != nil || m == nil {
		t.Fatalf("selectNext: %v %v", m, err)
	}
	if m.Name != "m-heavy" {
		t.Fatalf("picked %s, want m-heavy", m.Name)
	}
}

func TestEffectiveWeight(t *testing.T) {
	// Zero traffic: static weight untouched.
	c := candidate{model: registry.Model{Weight: 5}, successRate: 1.0}
	if got := effectiveWeight(&c); got != 5 {
		t.Fatalf("zero-traffic effective = %v, want 5", got)
	}

	// 1000ms average at full success: factor exactly 1.
	c = candidate{model: registry.Model{Weight: 5}, successRate: 1.0, avgLatencyMs: 1000, totalRequests: 10}
	if got := effectiveWeight(&c); math.Abs(got-5) > 1e-9 {
		t.Fatalf("1s-latency effective = %v, want 5", got)
	}

	// Latency floored at 50ms.
	c = candidate{model: registry.Model{Weight: 1}, successRate: 1.0, avgLatencyMs: 1, totalRequests: 10}
	if got := effectiveWeight(&c); math.Abs(got-20) > 1e-9 {
		t.Fatalf("floored effective = %v, want 20", got)
	}

	// Success rate scales linearly.
	c = candidate{model: registry.Model{Weight: 2}, successRate: 0.5, avgLatencyMs: 1000, totalRequests: 10}
	if got := effectiveWeight(&c); math.Abs(got-1) > 1e-9 {
		t.Fatalf("half-success effective = %v, want 1", got)
	}
}

func TestWeightedRandomFairness(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := Criteria{FilterCriteria: registry.FilterCriteria{Tags: []string{"cheap"}}}

	const n = 100_000
	counts := map[string]int{}
	for i := 0; i < n; i++ {
		m, _, err := f.sel.SelectNext(ctx, c, nil)
		if err != nil || m == nil {
			t.Fatalf("selectNext: %v %v", m, err)
		}
		counts[m.Name]++
	}

	// Weights 1:3 → expect 25% / 75% within 5 points.
	gotLight := float64(counts["m-light"]) / n
	gotHeavy := float64(counts["m-heavy"]) / n
	if math.Abs(gotLight-0.25) > 0.05 || math.Abs(gotHeavy-0.75) > 0.05 {
		t.Fatalf("frequencies light=%.3f heavy=%.3f, want ~0.25/0.75", gotLight, gotHeavy)
	}
}

func TestWeightedRandomZeroTotalDeterministic(t *testing.T) {
	f := newFixture(t)
	cands := []candidate{
		{model: registry.Model{Name: "a"}},
		{model: registry.Model{Name: "b"}},
	}
	if got := f.sel.pickWeightedRandom(cands); got.model.Name != "a" {
		t.Fatalf("zero-weight pick = %s, want first candidate", got.model.Name)
	}
}

func TestTopNRandomLimitsPool(t *testing.T) {
	f := newFixture(t)
	// Four candidates with distinct weights; the lowest must never be drawn.
	cands := []candidate{
		{model: registry.Model{Name: "w4"}, effective: 4},
		{model: registry.Model{Name: "w1"}, effective: 1},
		{model: registry.Model{Name: "w3"}, effective: 3},
		{model: registry.Model{Name: "w2"}, effective: 2},
	}
	for i := 0; i < 1000; i++ {
		if got := f.sel.pickTopNRandom(cands); got.model.Name == "w1" {
			t.Fatal("top_n_random drew from outside the top 3")
		}
	}
}
