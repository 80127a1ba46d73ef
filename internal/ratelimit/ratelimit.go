// Package ratelimit enforces the per-model request budget. Buckets live in
// the state store, so the budget is shared across replicas when an external
// backend is configured.
package ratelimit

import (
	"context"
	"time"

	"github.com/nulpointcorp/llm-router/internal/state"
)

const (
	modelKeyPrefix = "model:"
	window         = time.Minute
)

// ModelLimiter applies a fixed-window requests-per-minute cap to every model.
// A zero limit disables the limiter entirely.
type ModelLimiter struct {
	store state.Store
	limit int
}

// NewModelLimiter creates a limiter capping each model at limit requests per
// minute. limit <= 0 disables it.
func NewModelLimiter(store state.Store, limit int) *ModelLimiter {
	return &ModelLimiter{store: store, limit: limit}
}

// Enabled reports whether a limit is configured.
func (l *ModelLimiter) Enabled() bool { return l.limit > 0 }

// Limit returns the configured per-minute cap (0 when disabled).
func (l *ModelLimiter) Limit() int { return l.limit }

// CheckModel consumes one slot from the model's current window and reports
// whether the request is admitted. Disabled limiters admit everything without
// touching the store. Storage failures are returned, not treated as denials.
func (l *ModelLimiter) CheckModel(ctx context.Context, name string) (bool, error) {
	if !l.Enabled() {
		return true, nil
	}
	return l.store.CheckRateLimit(ctx, modelKeyPrefix+name, l.limit, window)
}
