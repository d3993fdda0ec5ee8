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

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestContextIDs_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if TraceID(ctx) != "" || SessionID(ctx) != "" {
		t.Fatal("expected empty ids on bare context")
	}

	ctx = WithSession(WithTraceID(ctx, "req-1"), "sess-9")
	if TraceID(ctx) != "req-1" {
		t.Errorf("expected trace id req-1, got %q", TraceID(ctx))
	}
	if SessionID(ctx) != "sess-9" {
		t.Errorf("expected session id sess-9, got %q", SessionID(ctx))
	}
}

func TestAttrs(t *testing.T) {
	if attrs := Attrs(context.Background()); attrs != nil {
		t.Errorf("expected nil attrs, got %v", attrs)
	}

	ctx := WithSession(context.Background(), "sess-1")
	if attrs := Attrs(ctx); len(attrs) != 1 {
		t.Fatalf("expected 1 attr, got %d", len(attrs))
	}

	ctx = WithTraceID(ctx, "req-2")
	if attrs := Attrs(ctx); len(attrs) != 2 {
		t.Fatalf("expected 2 attrs, got %d", len(attrs))
	}
}
