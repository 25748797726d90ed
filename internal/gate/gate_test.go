package gate

import (
	"context"
	"testing"
	"time"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	g := New(2)
	ctx := context.Background()
	timeout := make(chan struct{})

	if err := g.Acquire(ctx, timeout); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.Running() != 1 {
		t.Fatalf("want running=1, got %d", g.Running())
	}
	g.Release()
	if g.Running() != 0 {
		t.Fatalf("want running=0 after release, got %d", g.Running())
	}
}

func TestAcquireTimesOutWhenSaturated(t *testing.T) {
	g := New(1)
	ctx := context.Background()
	noTimeout := make(chan struct{})

	if err := g.Acquire(ctx, noTimeout); err != nil {
		t.Fatalf("unexpected error acquiring first slot: %v", err)
	}

	timeout := make(chan struct{})
	close(timeout)

	err := g.Acquire(ctx, timeout)
	if err != ErrQueueWaitTimeout {
		t.Fatalf("want ErrQueueWaitTimeout, got %v", err)
	}
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	g := New(1)
	noTimeout := make(chan struct{})
	g.Acquire(context.Background(), noTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := g.Acquire(ctx, noTimeout)
	if err != context.Canceled {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

func TestReleasedSlotCanBeReacquired(t *testing.T) {
	g := New(1)
	timeout := make(chan struct{})

	g.Acquire(context.Background(), timeout)
	g.Release()

	done := make(chan error, 1)
	go func() {
		done <- g.Acquire(context.Background(), timeout)
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected released slot to be immediately reacquirable")
	}
}
