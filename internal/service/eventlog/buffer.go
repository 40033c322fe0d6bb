// Package eventlog provides the deliberation event pipeline with buffered
// COPY-based writes.
//
// Stage transitions are recorded transactionally by the storage layer; this
// buffer carries the high-volume submission events, batching them so a burst
// of opinions or rankings costs one COPY instead of one INSERT each.
package eventlog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/togi/internal/model"
	"github.com/ashita-ai/togi/internal/storage"
	"github.com/ashita-ai/togi/internal/telemetry"
)

// maxBufferCapacity is the hard upper limit on buffered events to prevent OOM.
// When this limit is reached, Append applies backpressure by returning an error.
const maxBufferCapacity = 100_000

// Buffer accumulates events in memory and flushes to the database
// using COPY when either the buffer size or flush timeout is reached.
type Buffer struct {
	db           *storage.DB
	logger       *slog.Logger
	maxSize      int
	flushTimeout time.Duration

	mu     sync.Mutex
	events []model.DeliberationEvent

	droppedEvents atomic.Int64 // total events dropped due to capacity after flush failure
	started       atomic.Bool

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc // cancels the flushLoop goroutine
	drainCtx   context.Context    // set by Drain so final flush respects caller's deadline
}

// NewBuffer creates a new event buffer.
func NewBuffer(db *storage.DB, logger *slog.Logger, maxSize int, flushTimeout time.Duration) *Buffer {
	return &Buffer{
		db:           db,
		logger:       logger,
		maxSize:      maxSize,
		flushTimeout: flushTimeout,
		flushCh:      make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// Start begins the background flush loop and registers OTEL metrics.
// Start is idempotent; call Drain to stop.
func (b *Buffer) Start(ctx context.Context) {
	if !b.started.CompareAndSwap(false, true) {
		b.logger.Warn("eventlog: buffer already started")
		return
	}
	b.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancelLoop = cancel
	go b.flushLoop(loopCtx)
}

// Append adds events to the buffer, assigning IDs, timestamps, and
// server-side sequence numbers, and returns the assigned events.
// Returns an error if the buffer is at capacity (backpressure).
func (b *Buffer) Append(ctx context.Context, events []model.DeliberationEvent) ([]model.DeliberationEvent, error) {
	if len(events) == 0 {
		return nil, nil
	}

	// Reserve sequence numbers outside the mutex. Sequences are globally
	// unique; if the append fails after this point, the reserved numbers
	// become gaps, which is acceptable (sequence_num is for ordering, not
	// continuity).
	seqNums, err := b.db.ReserveSequenceNums(ctx, len(events))
	if err != nil {
		return nil, fmt.Errorf("eventlog: reserve sequence nums: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// Backpressure: reject writes when the buffer is full.
	if len(b.events)+len(events) > maxBufferCapacity {
		return nil, fmt.Errorf("eventlog: buffer at capacity (%d events), try again later", len(b.events))
	}

	now := time.Now().UTC()
	assigned := make([]model.DeliberationEvent, len(events))
	for i, e := range events {
		e.ID = uuid.New()
		e.SequenceNum = seqNums[i]
		if e.OccurredAt.IsZero() {
			e.OccurredAt = now
		}
		e.CreatedAt = now
		if e.Payload == nil {
			e.Payload = map[string]any{}
		}
		assigned[i] = e
	}

	b.events = append(b.events, assigned...)

	if len(b.events) >= b.maxSize {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}

	return assigned, nil
}

func (b *Buffer) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(b.flushTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush using the drain context provided by Drain().
			// We need a non-cancelled context because ctx is already done.
			// The drain context has its own deadline set by the caller.
			if b.drainCtx != nil {
				b.flush(b.drainCtx)
			} else {
				// Fallback for direct cancellation without Drain (e.g., tests).
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				b.flush(fallbackCtx)
				cancel()
			}
			close(b.done)
			return
		case <-ticker.C:
			b.flush(ctx)
		case <-b.flushCh:
			b.flush(ctx)
		}
	}
}

func (b *Buffer) flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.events) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.events
	b.events = nil
	b.mu.Unlock()

	start := time.Now()
	err := b.db.InsertEvents(ctx, batch)
	duration := time.Since(start)

	if err != nil {
		b.logger.Error("eventlog: flush failed", "error", err, "batch_size", len(batch))
		// Put events back for retry, but respect the capacity limit.
		b.mu.Lock()
		if len(b.events)+len(batch) <= maxBufferCapacity {
			b.events = append(batch, b.events...)
		} else {
			b.droppedEvents.Add(int64(len(batch)))
			b.logger.Error("eventlog: dropping events, buffer at capacity after flush failure", "dropped", len(batch))
		}
		b.mu.Unlock()
		return
	}

	b.logger.Info("eventlog: batch flushed",
		"batch_size", len(batch),
		"flush_duration_ms", duration.Milliseconds(),
	)

	// Wake live subscribers once per deliberation with the newest event in
	// the batch. Submission rows only become visible at flush, so notifying
	// earlier would point subscribers at rows that do not exist yet.
	latest := make(map[uuid.UUID]model.DeliberationEvent)
	for _, e := range batch {
		if cur, ok := latest[e.DeliberationID]; !ok || e.SequenceNum > cur.SequenceNum {
			latest[e.DeliberationID] = e
		}
	}
	for _, e := range latest {
		if err := b.db.NotifyEvent(ctx, e); err != nil {
			b.logger.Warn("eventlog: notify failed", "deliberation_id", e.DeliberationID, "error", err)
		}
	}
}

// Drain signals the background flush loop to stop, waits for it to complete
// its final flush, and returns. The ctx parameter controls the maximum time
// to wait for the goroutine to finish and is passed to the final flush so it
// respects the caller's deadline.
func (b *Buffer) Drain(ctx context.Context) {
	b.drainCtx = ctx // Store so flushLoop's final flush respects caller's deadline.
	if b.cancelLoop != nil {
		b.cancelLoop() // Signal flushLoop to exit; it does a final flush before closing b.done.
	}
	select {
	case <-b.done:
	case <-ctx.Done():
		b.logger.Warn("eventlog: drain timed out waiting for flush loop")
	}
}

// registerMetrics registers observable OTEL gauges for buffer health monitoring.
// Called from Start() after the global meter provider has been initialized.
func (b *Buffer) registerMetrics() {
	meter := telemetry.Meter("togi/eventlog")

	_, _ = meter.Int64ObservableGauge("togi.eventlog.depth",
		metric.WithDescription("Current number of events in the write buffer"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(b.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("togi.eventlog.dropped_total",
		metric.WithDescription("Total events dropped due to buffer capacity exhaustion"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.DroppedEvents())
			return nil
		}),
	)
}

// Len returns the current number of buffered events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Capacity returns the hard upper limit on buffered events.
func (b *Buffer) Capacity() int {
	return maxBufferCapacity
}

// DroppedEvents returns the total number of events dropped due to buffer
// capacity exhaustion after a flush failure. A non-zero value indicates
// data loss.
func (b *Buffer) DroppedEvents() int64 {
	return b.droppedEvents.Load()
}
