package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRegisterAndRelease(t *testing.T) {
	c := New(time.Second, nil)

	ctx, release, err := c.Register(context.Background())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if c.Active() != 1 {
		t.Fatalf("active = %d, want 1", c.Active())
	}
	if ctx.Err() != nil {
		t.Fatal("fresh request context already cancelled")
	}

	release()
	if c.Active() != 0 {
		t.Fatalf("active = %d after release, want 0", c.Active())
	}
}

func TestRegisterRefusedWhileDraining(t *testing.T) {
	c := New(10*time.Millisecond, nil)
	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !c.Draining() {
		t.Fatal("coordinator should report draining")
	}
	_, _, err := c.Register(context.Background())
	if !errors.Is(err, ErrDraining) {
		t.Fatalf("err = %v, want ErrDraining", err)
	}
}

func TestShutdownWaitsForInFlight(t *testing.T) {
	c := New(time.Second, nil)
	_, release, err := c.Register(context.Background())
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		release()
	}()

	start := time.Now()
	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	elapsed := time.Since(start)
	if elapsed < 20*time.Millisecond {
		t.Fatal("shutdown returned before the request finished")
	}
	if elapsed > 500*time.Millisecond {
		t.Fatal("shutdown waited past the release")
	}
}

func TestShutdownCancelsStragglers(t *testing.T) {
	c := New(20*time.Millisecond, nil)
	ctx, release, err := c.Register(context.Background())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	defer release()

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("straggler context was not cancelled")
	}
	if cause := context.Cause(ctx); !errors.Is(cause, ErrShutdownCause) {
		t.Fatalf("cause = %v, want ErrShutdownCause", cause)
	}
}

func TestClientDisconnectKeepsOwnCause(t *testing.T) {
	c := New(time.Second, nil)
	parent, cancel := context.WithCancel(context.Background())
	ctx, release, err := c.Register(parent)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	defer release()

	cancel()
	<-ctx.Done()
	if cause := context.Cause(ctx); errors.Is(cause, ErrShutdownCause) {
		t.Fatal("client disconnect must not look like shutdown")
	}
}

func TestShutdownIdempotent(t *testing.T) {
	c := New(10*time.Millisecond, nil)
	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("first shutdown: %v", err)
	}
	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
}
