package state

import (
	"context"
	"time"
)

// Store is the storage contract the routing core depends on. All methods are
// safe for concurrent use. Any backend failure is returned as *StorageError.
type Store interface {
	// Init verifies connectivity; for external backends this pings the server.
	Init(ctx context.Context) error
	Close() error

	// GetState returns a copy of the model's state, or nil when the model has
	// never been referenced.
	GetState(ctx context.Context, name string) (*ModelState, error)
	SetState(ctx context.Context, name string, st *ModelState) error

	// RecordRequest appends one outcome record for the model.
	RecordRequest(ctx context.Context, name string, rec RequestRecord) error

	// GetRequests returns the records with Timestamp >= windowStart (unix ms)
	// in ascending order, purging anything older.
	GetRequests(ctx context.Context, name string, windowStart int64) ([]RequestRecord, error)

	// ResetState removes all state and records for the model. Resetting twice
	// is equivalent to resetting once.
	ResetState(ctx context.Context, name string) error

	// ModelNames lists every model with stored state.
	ModelNames(ctx context.Context) ([]string, error)

	FallbacksUsed(ctx context.Context) (int64, error)
	RecordFallbackUsage(ctx context.Context) error

	// CheckRateLimit atomically increments the bucket for key and reports
	// whether the post-increment count is within limit. The first increment of
	// a window arms an expiry of window on the bucket.
	CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
