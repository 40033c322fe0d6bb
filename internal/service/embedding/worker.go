package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/togi/internal/storage"
	"github.com/ashita-ai/togi/internal/telemetry"
)

// Store is the slice of the storage layer the worker needs.
// *storage.DB satisfies it.
type Store interface {
	ListOpinionsMissingEmbedding(ctx context.Context, limit int) ([]storage.PendingEmbedding, error)
	ListStatementsMissingEmbedding(ctx context.Context, limit int) ([]storage.PendingEmbedding, error)
	UpdateOpinionEmbedding(ctx context.Context, id uuid.UUID, embedding pgvector.Vector) error
	UpdateStatementEmbedding(ctx context.Context, id uuid.UUID, embedding pgvector.Vector) error
	QueueSearchUpsert(ctx context.Context, kind string, entityID, deliberationID uuid.UUID) error
}

// Worker periodically embeds rows whose embedding column is NULL and queues
// them for the search index. It scans by NULL column instead of locking rows;
// re-embedding a row after a crash is harmless, so the loop needs no
// coordination beyond the column itself.
type Worker struct {
	store     Store
	provider  Provider
	logger    *slog.Logger
	interval  time.Duration
	batchSize int

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once
	drainCh    chan context.Context // carries the drain context to pollLoop for the final pass

	generated metric.Int64Counter
}

// NewWorker creates a backfill worker. It does not start polling until Start
// is called.
func NewWorker(store Store, provider Provider, logger *slog.Logger, interval time.Duration, batchSize int) *Worker {
	return &Worker{
		store:     store,
		provider:  provider,
		logger:    logger,
		interval:  interval,
		batchSize: batchSize,
		done:      make(chan struct{}),
		drainCh:   make(chan context.Context, 1),
	}
}

// Start begins the background poll loop. It is safe to call only once;
// subsequent calls are no-ops and log a warning.
func (w *Worker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("embedding: Start called more than once, ignoring")
		return
	}
	w.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.pollLoop(loopCtx)
}

// Drain signals the poll loop to stop, runs one final backfill pass, and
// blocks until done or the context expires.
func (w *Worker) Drain(ctx context.Context) {
	// Send the drain context before cancelling so pollLoop can receive it
	// on ctx.Done().
	select {
	case w.drainCh <- ctx:
	default:
	}
	if w.cancelLoop != nil {
		w.cancelLoop()
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("embedding: drain timed out")
	}
}

func (w *Worker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final pass: prefer the drain context so it respects the
			// caller's deadline.
			var drainCtx context.Context
			select {
			case drainCtx = <-w.drainCh:
			default:
			}
			if drainCtx != nil {
				w.processBatch(drainCtx)
			} else {
				// Fallback for direct cancellation without Drain.
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				w.processBatch(fallbackCtx)
				cancel()
			}
			w.once.Do(func() { close(w.done) })
			return
		case <-ticker.C:
			batchCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
			w.processBatch(batchCtx)
			cancel()
		}
	}
}

func (w *Worker) processBatch(ctx context.Context) {
	pending, err := w.collectPending(ctx)
	if err != nil {
		w.logger.Error("embedding: list pending rows", "error", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	texts := make([]string, len(pending))
	for i, p := range pending {
		texts[i] = p.Text
	}

	vecs, err := w.provider.EmbedBatch(ctx, texts)
	if err != nil {
		// Rows stay NULL; the next tick retries them.
		w.logger.Error("embedding: batch failed", "error", err, "count", len(texts))
		return
	}
	if len(vecs) != len(pending) {
		w.logger.Error("embedding: provider returned wrong vector count",
			"want", len(pending), "got", len(vecs))
		return
	}

	var stored int
	for i, p := range pending {
		if err := w.storeVector(ctx, p, vecs[i]); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				// Row deleted between list and update.
				continue
			}
			w.logger.Error("embedding: store vector", "error", err, "kind", p.Kind, "id", p.ID)
			continue
		}
		stored++
	}

	if stored > 0 {
		if w.generated != nil {
			w.generated.Add(ctx, int64(stored))
		}
		w.logger.Info("embedding: backfilled", "count", stored)
	}
}

// collectPending gathers up to batchSize unembedded rows, opinions first so
// participant submissions become searchable before generated statements.
func (w *Worker) collectPending(ctx context.Context) ([]storage.PendingEmbedding, error) {
	pending, err := w.store.ListOpinionsMissingEmbedding(ctx, w.batchSize)
	if err != nil {
		return nil, err
	}
	if remain := w.batchSize - len(pending); remain > 0 {
		stmts, err := w.store.ListStatementsMissingEmbedding(ctx, remain)
		if err != nil {
			return nil, err
		}
		pending = append(pending, stmts...)
	}
	return pending, nil
}

func (w *Worker) storeVector(ctx context.Context, p storage.PendingEmbedding, vec pgvector.Vector) error {
	switch p.Kind {
	case storage.SearchKindOpinion:
		if err := w.store.UpdateOpinionEmbedding(ctx, p.ID, vec); err != nil {
			return err
		}
	case storage.SearchKindStatement:
		if err := w.store.UpdateStatementEmbedding(ctx, p.ID, vec); err != nil {
			return err
		}
	default:
		return fmt.Errorf("embedding: unknown kind %q", p.Kind)
	}
	return w.store.QueueSearchUpsert(ctx, p.Kind, p.ID, p.DeliberationID)
}

func (w *Worker) registerMetrics() {
	meter := telemetry.Meter("togi/embedding")
	ctr, err := meter.Int64Counter("togi.embeddings.generated",
		metric.WithDescription("Vectors written by the embedding backfill worker"))
	if err == nil {
		w.generated = ctr
	}
}
