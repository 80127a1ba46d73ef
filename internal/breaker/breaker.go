// Package breaker implements the per-model circuit breaker on top of the
// shared state store, so that every replica sees the same circuit decisions
// when an external backend is configured.
package breaker

import (
	"context"
	"log/slog"
	"time"

	"github.com/nulpointcorp/llm-router/internal/state"
)

// Defaults applied by Config when a field is zero.
const (
	DefaultFailureThreshold = 3
	DefaultCooldownPeriod   = 3 * time.Minute
	DefaultSuccessThreshold = 2
	DefaultStatsWindow      = 10 * time.Minute
)

// Config holds circuit breaker tuning parameters. Zero values fall back to
// the package-level defaults.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips a
	// CLOSED circuit. Default: 3.
	FailureThreshold int

	// CooldownPeriod is how long an OPEN circuit rejects requests before the
	// first probe is allowed through in HALF_OPEN. Default: 3m.
	CooldownPeriod time.Duration

	// SuccessThreshold is the number of consecutive successes that closes a
	// HALF_OPEN circuit. Default: 2.
	SuccessThreshold int

	// StatsWindow is the sliding window used for success-rate and latency
	// aggregates. Default: 10m.
	StatsWindow time.Duration
}

func (c *Config) failureThreshold() int {
	if c.FailureThreshold > 0 {
		return c.FailureThreshold
	}
	return DefaultFailureThreshold
}

func (c *Config) cooldownPeriod() time.Duration {
	if c.CooldownPeriod > 0 {
		return c.CooldownPeriod
	}
	return DefaultCooldownPeriod
}

func (c *Config) successThreshold() int {
	if c.SuccessThreshold > 0 {
		return c.SuccessThreshold
	}
	return DefaultSuccessThreshold
}

func (c *Config) statsWindow() time.Duration {
	if c.StatsWindow > 0 {
		return c.StatsWindow
	}
	return DefaultStatsWindow
}

// TransitionHook is called after every circuit state change, for metrics.
type TransitionHook func(model string, from, to state.CircuitState)

// Breaker drives the four-state circuit machine for each model:
//
//	CLOSED    — normal operation; requests pass through.
//	OPEN      — model is failing; requests rejected until the cooldown ends.
//	HALF_OPEN — recovery probing; a run of successes closes the circuit,
//	            a single failure reopens it.
//	PERMANENTLY_UNAVAILABLE — the upstream said the model does not exist
//	            (HTTP 404); stuck until an explicit state reset.
//
// All state lives in the Store; the Breaker itself is stateless and safe for
// concurrent use.
type Breaker struct {
	store state.Store
	cfg   Config
	log   *slog.Logger

	// onTransition may be nil.
	onTransition TransitionHook
}

// New creates a Breaker over store. log may be nil.
func New(store state.Store, cfg Config, log *slog.Logger) *Breaker {
	if log == nil {
		log = slog.Default()
	}
	return &Breaker{store: store, cfg: cfg, log: log}
}

// SetTransitionHook installs a callback fired on every state change.
func (b *Breaker) SetTransitionHook(h TransitionHook) { b.onTransition = h }

// StatsWindow exposes the effective sliding window (used by the janitor).
func (b *Breaker) StatsWindow() time.Duration { return b.cfg.statsWindow() }

// OnSuccess records a successful request outcome and advances the state
// machine: it resets the failure run and, in HALF_OPEN, closes the circuit
// once the success run reaches the threshold.
func (b *Breaker) OnSuccess(ctx context.Context, name string, latency time.Duration) error {
	st, err := b.loadOrInit(ctx, name)
	if err != nil {
		return err
	}

	if err := b.record(ctx, name, st, latency, true); err != nil {
		return err
	}

	st.ConsecutiveFailures = 0
	st.ConsecutiveSuccesses++

	if st.CircuitState == state.CircuitHalfOpen &&
		st.ConsecutiveSuccesses >= b.cfg.successThreshold() {
		b.transition(name, st, state.CircuitClosed)
		st.OpenedAt = 0
		st.ConsecutiveSuccesses = 0
	}

	return b.store.SetState(ctx, name, st)
}

// OnFailure records a failed request outcome. statusCode 404 marks the model
// PERMANENTLY_UNAVAILABLE unconditionally; otherwise a failure run at the
// threshold (or any failure in HALF_OPEN) opens the circuit.
func (b *Breaker) OnFailure(ctx context.Context, name string, statusCode int, latency time.Duration) error {
	st, err := b.loadOrInit(ctx, name)
	if err != nil {
		return err
	}

	if err := b.record(ctx, name, st, latency, false); err != nil {
		return err
	}

	st.ConsecutiveSuccesses = 0
	st.ConsecutiveFailures++

	switch {
	case statusCode == 404:
		b.transition(name, st, state.CircuitUnavailable)
		st.UnavailableReason = "HTTP 404: model not found upstream"
		st.OpenedAt = 0

	case st.CircuitState == state.CircuitHalfOpen:
		b.transition(name, st, state.CircuitOpen)
		st.OpenedAt = state.NowMillis()

	case st.CircuitState == state.CircuitClosed &&
		st.ConsecutiveFailures >= b.cfg.failureThreshold():
		b.transition(name, st, state.CircuitOpen)
		st.OpenedAt = state.NowMillis()
	}

	return b.store.SetState(ctx, name, st)
}

// CanRequest reports whether the model should receive the next request.
//
//   - CLOSED and HALF_OPEN → true.
//   - OPEN → false until the cooldown has elapsed; the first probe after that
//     transitions the circuit to HALF_OPEN and is admitted.
//   - PERMANENTLY_UNAVAILABLE → always false.
//
// Unknown models are admitted (their circuit is implicitly closed).
func (b *Breaker) CanRequest(ctx context.Context, name string) (bool, error) {
	st, err := b.store.GetState(ctx, name)
	if err != nil {
		return false, err
	}
	if st == nil {
		return true, nil
	}

	switch st.CircuitState {
	case state.CircuitClosed, state.CircuitHalfOpen:
		return true, nil

	case state.CircuitUnavailable:
		return false, nil

	case state.CircuitOpen:
		if state.NowMillis()-st.OpenedAt < b.cfg.cooldownPeriod().Milliseconds() {
			return false, nil
		}
		b.transition(name, st, state.CircuitHalfOpen)
		if err := b.store.SetState(ctx, name, st); err != nil {
			return false, err
		}
		return true, nil
	}

	return true, nil
}

// FilterAdmitted returns the subset of names passing CanRequest, preserving
// order.
func (b *Breaker) FilterAdmitted(ctx context.Context, names []string) ([]string, error) {
	admitted := make([]string, 0, len(names))
	for _, n := range names {
		ok, err := b.CanRequest(ctx, n)
		if err != nil {
			return nil, err
		}
		if ok {
			admitted = append(admitted, n)
		}
	}
	return admitted, nil
}

// RemainingCooldown returns how long an OPEN circuit keeps rejecting, zero
// for every other state.
func (b *Breaker) RemainingCooldown(ctx context.Context, name string) (time.Duration, error) {
	st, err := b.store.GetState(ctx, name)
	if err != nil {
		return 0, err
	}
	if st == nil || st.CircuitState != state.CircuitOpen {
		return 0, nil
	}
	remaining := b.cfg.cooldownPeriod().Milliseconds() - (state.NowMillis() - st.OpenedAt)
	if remaining < 0 {
		remaining = 0
	}
	return time.Duration(remaining) * time.Millisecond, nil
}

func (b *Breaker) loadOrInit(ctx context.Context, name string) (*state.ModelState, error) {
	st, err := b.store.GetState(ctx, name)
	if err != nil {
		return nil, err
	}
	if st == nil {
		st = state.NewModelState()
	}
	return st, nil
}

// record appends the outcome and refreshes the windowed aggregates on st.
func (b *Breaker) record(ctx context.Context, name string, st *state.ModelState, latency time.Duration, success bool) error {
	now := state.NowMillis()
	rec := state.RequestRecord{Timestamp: now, LatencyMs: latency.Milliseconds(), Success: success}
	if err := b.store.RecordRequest(ctx, name, rec); err != nil {
		return err
	}

	records, err := b.store.GetRequests(ctx, name, now-b.cfg.statsWindow().Milliseconds())
	if err != nil {
		return err
	}
	st.Recompute(records)
	st.LifetimeTotalRequests++
	return nil
}

func (b *Breaker) transition(name string, st *state.ModelState, to state.CircuitState) {
	from := st.CircuitState
	if from == to {
		return
	}
	st.CircuitState = to
	b.log.Info("circuit transition",
		slog.String("model", name),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
	if b.onTransition != nil {
		b.onTransition(name, from, to)
	}
}
