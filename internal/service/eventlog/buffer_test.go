package eventlog

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"
)

func TestBufferDoubleStartIsNoop(t *testing.T) {
	// Buffer.Start() must be idempotent: a second call logs a warning and
	// returns without spawning a second flush goroutine or panicking on
	// double close(b.done).
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	buf := NewBuffer(nil, logger, 100, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	buf.Start(ctx) // First call should work.
	buf.Start(ctx) // Second call should be a no-op, no panic.

	if !buf.started.Load() {
		t.Fatal("expected started to be true after Start()")
	}

	// Clean shutdown.
	cancel()
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer drainCancel()
	buf.Drain(drainCtx)
}

func TestAppendEmptyIsNoop(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	buf := NewBuffer(nil, logger, 100, 50*time.Millisecond)

	// An empty append must not reach the database (db is nil here).
	got, err := buf.Append(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil result for empty append, got %v", got)
	}
	if buf.Len() != 0 {
		t.Fatalf("expected empty buffer, got %d", buf.Len())
	}
}
