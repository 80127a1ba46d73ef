// Package shutdown coordinates graceful process drain: it refuses new
// requests once triggered, waits for in-flight requests up to a deadline,
// then cancels the stragglers with a shutdown cause.
package shutdown

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultGracePeriod is how long Shutdown waits for in-flight requests.
const DefaultGracePeriod = 10 * time.Second

// ErrDraining is returned by Register once shutdown has been triggered.
var ErrDraining = errors.New("shutdown: draining, new requests refused")

// ErrShutdownCause is the cancellation cause set on requests that outlive
// the grace period. Distinguish it from client disconnects with
// context.Cause.
var ErrShutdownCause = errors.New("shutdown: grace period expired")

// Coordinator tracks in-flight requests. Safe for concurrent use.
type Coordinator struct {
	grace time.Duration
	log   *slog.Logger

	mu       sync.Mutex
	draining bool
	nextID   uint64
	active   map[uint64]context.CancelCauseFunc
	idle     chan struct{} // closed when draining and active is empty
}

// New creates a Coordinator. grace <= 0 uses DefaultGracePeriod; log may be
// nil.
func New(grace time.Duration, log *slog.Logger) *Coordinator {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		grace:  grace,
		log:    log,
		active: make(map[uint64]context.CancelCauseFunc),
		idle:   make(chan struct{}),
	}
}

// Register admits one request. The returned context is cancelled when the
// parent is (client disconnect, timeout) or when the grace period expires
// during shutdown. The release func must be called exactly once when the
// request finishes. Returns ErrDraining once shutdown has started.
func (c *Coordinator) Register(parent context.Context) (context.Context, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.draining {
		return nil, nil, ErrDraining
	}

	ctx, cancel := context.WithCancelCause(parent)
	id := c.nextID
	c.nextID++
	c.active[id] = cancel

	release := func() {
		cancel(nil)
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.active, id)
		if c.draining && len(c.active) == 0 {
			close(c.idle)
		}
	}
	return ctx, release, nil
}

// Active returns the number of in-flight requests.
func (c *Coordinator) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// Draining reports whether shutdown has been triggered.
func (c *Coordinator) Draining() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draining
}

// Shutdown stops admitting requests, waits up to the grace period (or until
// ctx is done) for in-flight requests to finish, then cancels the remainder
// with ErrShutdownCause. Calling it more than once is a no-op after the
// first.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return nil
	}
	c.draining = true
	remaining := len(c.active)
	if remaining == 0 {
		close(c.idle)
	}
	c.mu.Unlock()

	c.log.Info("shutdown started",
		slog.Int("in_flight", remaining),
		slog.Duration("grace", c.grace),
	)

	timer := time.NewTimer(c.grace)
	defer timer.Stop()
	select {
	case <-c.idle:
		c.log.Info("all requests drained")
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	// Grace exhausted: cancel everything still running.
	c.mu.Lock()
	stragglers := len(c.active)
	for _, cancel := range c.active {
		cancel(ErrShutdownCause)
	}
	c.mu.Unlock()

	if stragglers > 0 {
		c.log.Warn("grace period expired, cancelling requests",
			slog.Int("cancelled", stragglers),
		)
	}
	return ctx.Err()
}
