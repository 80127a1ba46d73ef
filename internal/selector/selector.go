// Package selector picks the next candidate model for a request: it filters
// the registry by the request's criteria, drops excluded and circuit-broken
// models, then applies a weighted policy biased toward healthier and faster
// models.
package selector

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"

	"github.com/nulpointcorp/llm-router/internal/breaker"
	"github.com/nulpointcorp/llm-router/internal/registry"
	"github.com/nulpointcorp/llm-router/internal/state"
)

// Mode is the selection policy applied after filtering.
type Mode string

const (
	ModeWeightedRandom Mode = "weighted_random"
	ModeBest           Mode = "best"
	ModeTopNRandom     Mode = "top_n_random"
)

const (
	// latencyNormalizationFactor scales the inverse-latency term so a
	// sub-second average latency yields a factor near 1.
	latencyNormalizationFactor = 1000.0

	// minLatencyForCalculation floors the latency divisor so very fast
	// models cannot inflate their weight unboundedly.
	minLatencyForCalculation = 50.0

	// topN is the pool size for ModeTopNRandom.
	topN = 3
)

// Criteria is the full selection input: registry filters plus routing knobs.
type Criteria struct {
	registry.FilterCriteria

	// ExcludeModels are names (or "provider/name") never to pick.
	ExcludeModels []string

	// PreferFast picks the lowest observed average latency regardless of
	// Mode; models with no traffic rank last.
	PreferFast bool

	// MinSuccessRate drops models below the threshold; zero-request models
	// count as 1.0. Zero disables the filter.
	MinSuccessRate float64

	// Mode defaults to weighted_random.
	Mode Mode
}

// Selector is safe for concurrent use.
type Selector struct {
	reg   *registry.Registry
	brk   *breaker.Breaker
	store state.Store
	log   *slog.Logger

	// randFloat is swappable in tests; returns uniform [0,1).
	randFloat func() float64
}

// New creates a Selector. log may be nil.
func New(reg *registry.Registry, brk *breaker.Breaker, store state.Store, log *slog.Logger) *Selector {
	if log == nil {
		log = slog.Default()
	}
	return &Selector{reg: reg, brk: brk, store: store, log: log, randFloat: rand.Float64}
}

// candidate pairs a model with its windowed health snapshot.
type candidate struct {
	model         registry.Model
	successRate   float64
	avgLatencyMs  float64
	totalRequests int
	effective     float64
}

// SelectNext returns the next model to try, or nil when no candidate
// survives the filters. The second return reports whether any
// filter-matching candidate was dropped for an open or unavailable circuit,
// so callers can tell an unhealthy fleet apart from criteria that match
// nothing. tried lists model names already attempted in this request.
func (s *Selector) SelectNext(ctx context.Context, c Criteria, tried []string) (*registry.Model, bool, error) {
	cands, circuitDropped, err := s.candidates(ctx, c, tried)
	if err != nil {
		return nil, false, err
	}
	if len(cands) == 0 {
		return nil, circuitDropped, nil
	}

	var picked *candidate
	switch {
	case c.PreferFast:
		picked = pickFastest(cands)
	case c.Mode == ModeBest:
		picked = pickBest(cands)
	case c.Mode == ModeTopNRandom:
		picked = s.pickTopNRandom(cands)
	default:
		picked = s.pickWeightedRandom(cands)
	}

	s.log.Debug("model selected",
		slog.String("model", picked.model.Name),
		slog.String("provider", picked.model.Provider),
		slog.Float64("effective_weight", picked.effective),
		slog.Int("candidates", len(cands)),
	)
	m := picked.model
	return &m, circuitDropped, nil
}

// candidates runs the filter pipeline and computes effective weights.
// circuitDropped reports whether any non-excluded, filter-matching model was
// rejected by the breaker.
func (s *Selector) candidates(ctx context.Context, c Criteria, tried []string) (cands []candidate, circuitDropped bool, err error) {
	excluded := make(map[string]bool, len(c.ExcludeModels)+len(tried))
	for _, e := range c.ExcludeModels {
		excluded[e] = true
	}
	for _, e := range tried {
		excluded[e] = true
	}

	for _, m := range s.reg.Filter(c.FilterCriteria) {
		if excluded[m.Name] || excluded[m.Key()] {
			continue
		}

		ok, err := s.brk.CanRequest(ctx, m.Name)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			circuitDropped = true
			continue
		}

		cand := candidate{model: m, successRate: 1.0}
		st, err := s.store.GetState(ctx, m.Name)
		if err != nil {
			return nil, false, err
		}
		if st != nil {
			cand.successRate = st.Stats.SuccessRate
			cand.avgLatencyMs = st.Stats.AvgLatencyMs
			cand.totalRequests = st.Stats.TotalRequests
		}

		if c.MinSuccessRate > 0 && cand.successRate < c.MinSuccessRate {
			continue
		}

		cand.effective = effectiveWeight(&cand)
		cands = append(cands, cand)
	}
	return cands, circuitDropped, nil
}

// effectiveWeight scales the static weight by recent health: success rate
// times a normalized inverse latency. Models with no traffic keep their
// static weight untouched.
func effectiveWeight(c *candidate) float64 {
	static := float64(c.model.Weight)
	if c.totalRequests == 0 {
		return static
	}
	latency := math.Max(c.avgLatencyMs, minLatencyForCalculation)
	return static * c.successRate * (latencyNormalizationFactor / latency)
}

func pickFastest(cands []candidate) *candidate {
	best := &cands[0]
	bestLatency := preferFastLatency(best)
	for i := 1; i < len(cands); i++ {
		if l := preferFastLatency(&cands[i]); l < bestLatency {
			best, bestLatency = &cands[i], l
		}
	}
	return best
}

// preferFastLatency ranks zero-traffic models last: known latency beats
// unknown.
func preferFastLatency(c *candidate) float64 {
	if c.totalRequests == 0 {
		return math.Inf(1)
	}
	return c.avgLatencyMs
}

func pickBest(cands []candidate) *candidate {
	best := &cands[0]
	for i := 1; i < len(cands); i++ {
		if cands[i].effective > best.effective {
			best = &cands[i]
		}
	}
	return best
}

func (s *Selector) pickTopNRandom(cands []candidate) *candidate {
	sorted := make([]candidate, len(cands))
	copy(sorted, cands)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].effective > sorted[j].effective })
	if len(sorted) > topN {
		sorted = sorted[:topN]
	}
	return s.pickWeightedRandom(sorted)
}

// pickWeightedRandom draws proportionally to effective weight. A zero total
// falls back to the first candidate deterministically. The roll walks the
// candidates in order, subtracting until it drops to or below zero.
func (s *Selector) pickWeightedRandom(cands []candidate) *candidate {
	var total float64
	for i := range cands {
		total += cands[i].effective
	}
	if total <= 0 {
		return &cands[0]
	}

	roll := s.randFloat() * total
	for i := range cands {
		roll -= cands[i].effective
		if roll <= 0 {
			return &cands[i]
		}
	}
	return &cands[len(cands)-1]
}
