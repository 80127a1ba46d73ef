package state

import (
	"context"
	"log/slog"
	"time"
)

// Janitor periodically purges stale request records for every known model and
// recomputes the derived aggregates, so stats decay even for models that stop
// receiving traffic.
type Janitor struct {
	store    Store
	window   time.Duration
	interval time.Duration
	log      *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewJanitor creates a cleanup task over store. window is the stats window;
// interval defaults to one minute when zero. log may be nil.
func NewJanitor(store Store, window, interval time.Duration, log *slog.Logger) *Janitor {
	if interval <= 0 {
		interval = time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Janitor{
		store:    store,
		window:   window,
		interval: interval,
		log:      log,
	}
}

// Start launches the background loop. Call Stop to halt it.
func (j *Janitor) Start(ctx context.Context) {
	ctx, j.cancel = context.WithCancel(ctx)
	j.done = make(chan struct{})
	go j.run(ctx)
}

// Stop halts the loop and waits for the in-flight sweep, if any.
func (j *Janitor) Stop() {
	if j.cancel == nil {
		return
	}
	j.cancel()
	<-j.done
}

func (j *Janitor) run(ctx context.Context) {
	defer close(j.done)
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			j.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// sweep trims each model's record window and writes back fresh aggregates.
func (j *Janitor) sweep(ctx context.Context) {
	names, err := j.store.ModelNames(ctx)
	if err != nil {
		j.log.Warn("state janitor: list models failed", "error", err)
		return
	}

	windowStart := NowMillis() - j.window.Milliseconds()
	for _, name := range names {
		if ctx.Err() != nil {
			return
		}
		records, err := j.store.GetRequests(ctx, name, windowStart)
		if err != nil {
			j.log.Warn("state janitor: trim failed", "model", name, "error", err)
			continue
		}
		st, err := j.store.GetState(ctx, name)
		if err != nil || st == nil {
			continue
		}
		st.Recompute(records)
		if err := j.store.SetState(ctx, name, st); err != nil {
			j.log.Warn("state janitor: write failed", "model", name, "error", err)
		}
	}
}
