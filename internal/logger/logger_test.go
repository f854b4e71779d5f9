package logger

import (
	"context"
	"log/slog"
	"testing"
)

func TestInit(t *testing.T) {
	logger := Init("test-service", slog.LevelInfo)
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := context.Background()

	if id := RequestID(ctx); id != "" {
		t.Errorf("expected empty request id, got %q", id)
	}

	ctx = WithRequestID(ctx, "req-123")
	if id := RequestID(ctx); id != "req-123" {
		t.Errorf("expected 'req-123', got %q", id)
	}
}

func TestNewRequestIDUnique(t *testing.T) {
	a, b := NewRequestID(), NewRequestID()
	if a == "" || b == "" {
		t.Fatal("expected non-empty request ids")
	}
	if a == b {
		t.Errorf("expected unique request ids, got %q twice", a)
	}
}

func TestWithRequest(t *testing.T) {
	ctx := context.Background()

	if attrs := WithRequest(ctx); attrs != nil {
		t.Errorf("expected nil attrs without request id, got %v", attrs)
	}

	ctx = WithRequestID(ctx, "abc-123")
	if attrs := WithRequest(ctx); len(attrs) == 0 {
		t.Fatal("expected non-empty attrs with request id set")
	}
}
