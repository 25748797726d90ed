package events

import (
	"context"
	"testing"
)

func TestNoopPublisherIsSafeWithoutABroker(t *testing.T) {
	var p NoopPublisher
	if err := p.PublishCompleted(context.Background(), CompletedEvent{ContentID: 1, Owner: "o", Tags: []string{"a"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBackoffDelayIsBoundedAndIncreasing(t *testing.T) {
	d0 := backoffDelay(0)
	d5 := backoffDelay(5)
	if d0 <= 0 {
		t.Fatal("expected a positive delay")
	}
	if d5 > maxReconnectDelay+maxReconnectDelay/2 {
		t.Fatalf("expected delay to stay within the jittered cap, got %v", d5)
	}
	if d5 <= d0 {
		t.Fatalf("expected a later attempt to wait longer, got d0=%v d5=%v", d0, d5)
	}
}
