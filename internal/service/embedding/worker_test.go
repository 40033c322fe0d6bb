package embedding

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/togi/internal/storage"
)

var workerTestLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

// fakeStore is an in-memory Store for worker tests.
type fakeStore struct {
	mu      sync.Mutex
	pending []storage.PendingEmbedding
	deleted map[uuid.UUID]bool
	vectors map[uuid.UUID]pgvector.Vector
	queued  []storage.PendingEmbedding
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		deleted: make(map[uuid.UUID]bool),
		vectors: make(map[uuid.UUID]pgvector.Vector),
	}
}

func (s *fakeStore) add(kind, text string) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New()
	s.pending = append(s.pending, storage.PendingEmbedding{
		Kind:           kind,
		ID:             id,
		DeliberationID: uuid.New(),
		Text:           text,
	})
	return id
}

func (s *fakeStore) listMissing(kind string, limit int) []storage.PendingEmbedding {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.PendingEmbedding
	for _, p := range s.pending {
		if p.Kind != kind {
			continue
		}
		if _, done := s.vectors[p.ID]; done {
			continue
		}
		out = append(out, p)
		if len(out) == limit {
			break
		}
	}
	return out
}

func (s *fakeStore) ListOpinionsMissingEmbedding(_ context.Context, limit int) ([]storage.PendingEmbedding, error) {
	return s.listMissing(storage.SearchKindOpinion, limit), nil
}

func (s *fakeStore) ListStatementsMissingEmbedding(_ context.Context, limit int) ([]storage.PendingEmbedding, error) {
	return s.listMissing(storage.SearchKindStatement, limit), nil
}

func (s *fakeStore) update(id uuid.UUID, vec pgvector.Vector) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleted[id] {
		return storage.ErrNotFound
	}
	s.vectors[id] = vec
	return nil
}

func (s *fakeStore) UpdateOpinionEmbedding(_ context.Context, id uuid.UUID, vec pgvector.Vector) error {
	return s.update(id, vec)
}

func (s *fakeStore) UpdateStatementEmbedding(_ context.Context, id uuid.UUID, vec pgvector.Vector) error {
	return s.update(id, vec)
}

func (s *fakeStore) QueueSearchUpsert(_ context.Context, kind string, entityID, deliberationID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued = append(s.queued, storage.PendingEmbedding{Kind: kind, ID: entityID, DeliberationID: deliberationID})
	return nil
}

func (s *fakeStore) queuedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queued)
}

func (s *fakeStore) vector(id uuid.UUID) (pgvector.Vector, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vectors[id]
	return v, ok
}

// errProvider fails every embedding call.
type errProvider struct{}

func (errProvider) Embed(context.Context, string) (pgvector.Vector, error) {
	return pgvector.Vector{}, errors.New("provider unavailable")
}

func (errProvider) EmbedBatch(context.Context, []string) ([]pgvector.Vector, error) {
	return nil, errors.New("provider unavailable")
}

func (errProvider) Dimensions() int { return 768 }

func TestWorkerBackfillsPendingRows(t *testing.T) {
	store := newFakeStore()
	op1 := store.add(storage.SearchKindOpinion, "traffic calming first")
	op2 := store.add(storage.SearchKindOpinion, "keep the bus lane open")
	st1 := store.add(storage.SearchKindStatement, "both positions agree on safety")

	w := NewWorker(store, NewNoopProvider(768), workerTestLogger, time.Minute, 50)
	w.processBatch(context.Background())

	for _, id := range []uuid.UUID{op1, op2, st1} {
		vec, ok := store.vector(id)
		if !ok {
			t.Fatalf("row %s was not embedded", id)
		}
		if got := len(vec.Slice()); got != 768 {
			t.Errorf("row %s: expected 768-dim vector, got %d", id, got)
		}
	}
	if got := store.queuedCount(); got != 3 {
		t.Errorf("expected 3 outbox entries, got %d", got)
	}
}

func TestWorkerQueuesOpinionsBeforeStatements(t *testing.T) {
	store := newFakeStore()
	store.add(storage.SearchKindStatement, "statement one")
	store.add(storage.SearchKindOpinion, "opinion one")

	w := NewWorker(store, NewNoopProvider(768), workerTestLogger, time.Minute, 50)
	w.processBatch(context.Background())

	if len(store.queued) != 2 {
		t.Fatalf("expected 2 outbox entries, got %d", len(store.queued))
	}
	if store.queued[0].Kind != storage.SearchKindOpinion {
		t.Errorf("expected opinion queued first, got %s", store.queued[0].Kind)
	}
	if store.queued[1].Kind != storage.SearchKindStatement {
		t.Errorf("expected statement queued second, got %s", store.queued[1].Kind)
	}
}

func TestWorkerRespectsBatchSize(t *testing.T) {
	store := newFakeStore()
	for i := 0; i < 3; i++ {
		store.add(storage.SearchKindOpinion, "an opinion")
	}

	w := NewWorker(store, NewNoopProvider(768), workerTestLogger, time.Minute, 2)

	w.processBatch(context.Background())
	if got := store.queuedCount(); got != 2 {
		t.Fatalf("first batch: expected 2 entries, got %d", got)
	}

	w.processBatch(context.Background())
	if got := store.queuedCount(); got != 3 {
		t.Fatalf("second batch: expected 3 entries, got %d", got)
	}
}

func TestWorkerLeavesRowsOnProviderFailure(t *testing.T) {
	store := newFakeStore()
	id := store.add(storage.SearchKindOpinion, "an opinion")

	w := NewWorker(store, errProvider{}, workerTestLogger, time.Minute, 50)
	w.processBatch(context.Background())

	if _, ok := store.vector(id); ok {
		t.Error("row should stay unembedded after provider failure")
	}
	if got := store.queuedCount(); got != 0 {
		t.Errorf("expected no outbox entries, got %d", got)
	}
}

func TestWorkerSkipsRowsDeletedMidBatch(t *testing.T) {
	store := newFakeStore()
	gone := store.add(storage.SearchKindOpinion, "deleted before update")
	kept := store.add(storage.SearchKindOpinion, "still here")
	store.deleted[gone] = true

	w := NewWorker(store, NewNoopProvider(768), workerTestLogger, time.Minute, 50)
	w.processBatch(context.Background())

	if _, ok := store.vector(kept); !ok {
		t.Error("surviving row should be embedded")
	}
	if got := store.queuedCount(); got != 1 {
		t.Errorf("expected 1 outbox entry, got %d", got)
	}
}

func TestWorkerStartDrain(t *testing.T) {
	store := newFakeStore()
	id := store.add(storage.SearchKindOpinion, "an opinion")

	w := NewWorker(store, NewNoopProvider(768), workerTestLogger, 10*time.Millisecond, 50)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	w.Start(bgCtx)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := store.vector(id); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("row was not embedded before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer drainCancel()
	w.Drain(drainCtx)

	select {
	case <-w.done:
	default:
		t.Fatal("done channel should be closed after drain")
	}
}

func TestWorkerDrainWithoutStart(t *testing.T) {
	w := NewWorker(newFakeStore(), NewNoopProvider(768), workerTestLogger, time.Minute, 50)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	// Without Start there is no poll loop to close done; Drain must give up
	// at the context deadline instead of blocking forever.
	w.Drain(ctx)
}
