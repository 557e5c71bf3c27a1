package util

import (
	"context"
	"testing"
	"time"
)

func TestNewTimeoutContext(t *testing.T) {
	ctx, cancel := NewTimeoutContext(50 * time.Millisecond)
	defer cancel()

	deadline, ok := ctx.Deadline()
	if !ok {
		t.Fatal("Expected context to have a deadline")
	}
	if time.Until(deadline) > 50*time.Millisecond {
		t.Error("Deadline is later than requested")
	}

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("Context did not expire")
	}
}

func TestNewDefaultTimeoutContext(t *testing.T) {
	ctx, cancel := NewDefaultTimeoutContext()
	defer cancel()

	if _, ok := ctx.Deadline(); !ok {
		t.Error("Expected default context to have a deadline")
	}
}

func TestTraceIDs(t *testing.T) {
	if got := TraceIDFromContext(context.Background()); got != "" {
		t.Errorf("Expected empty trace ID, got %q", got)
	}

	ctx := NewContextWithTraceID(context.Background())
	id := TraceIDFromContext(ctx)
	if len(id) != 32 {
		t.Errorf("Expected 32-character trace ID, got %q", id)
	}

	custom := ContextWithTraceID(context.Background(), "req-1")
	if TraceIDFromContext(custom) != "req-1" {
		t.Error("Expected custom trace ID to round trip")
	}

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewTraceID()
		if seen[id] {
			t.Fatalf("Duplicate trace ID %s", id)
		}
		seen[id] = true
	}
}
