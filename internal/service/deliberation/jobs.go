package deliberation

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// maxConcurrentChecks bounds transition checks running across all
// deliberations. A check that fires a transition spends the whole mediation
// round inside the engine, which fans out its own bounded model calls.
const maxConcurrentChecks = 8

// checkRunner executes transition checks off the request path with one
// invariant: at most one check per deliberation at a time. A check
// requested while one is already running for the same deliberation
// coalesces into a single follow-up run, so a burst of submissions costs
// one predicate evaluation, not one each. A forced request keeps its force
// flag through coalescing.
type checkRunner struct {
	svc    *Service
	logger *slog.Logger
	sem    *semaphore.Weighted

	// Checks outlive the requests that enqueue them; baseCtx is canceled
	// only when a drain runs out of patience.
	baseCtx context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	pending map[uuid.UUID]*checkState
	wg      sync.WaitGroup
}

// checkState tracks coalesced requests for one deliberation while its
// runner goroutine is alive.
type checkState struct {
	rerun bool
	force bool
}

func newCheckRunner(svc *Service, logger *slog.Logger) *checkRunner {
	ctx, cancel := context.WithCancel(context.Background())
	return &checkRunner{
		svc:     svc,
		logger:  logger,
		sem:     semaphore.NewWeighted(maxConcurrentChecks),
		baseCtx: ctx,
		cancel:  cancel,
		pending: make(map[uuid.UUID]*checkState),
	}
}

// Enqueue requests a transition check for a deliberation and returns
// immediately.
func (r *checkRunner) Enqueue(id uuid.UUID, force bool) {
	r.mu.Lock()
	if st, ok := r.pending[id]; ok {
		st.rerun = true
		st.force = st.force || force
		r.mu.Unlock()
		return
	}
	r.pending[id] = &checkState{force: force}
	r.wg.Add(1)
	r.mu.Unlock()

	go r.run(id)
}

// run owns the pending entry for id until no rerun is requested, then
// removes it. The removal happens under the same lock Enqueue uses to
// choose between coalescing and spawning, so exactly one goroutine per
// deliberation exists at any time.
func (r *checkRunner) run(id uuid.UUID) {
	defer r.wg.Done()
	for {
		if err := r.sem.Acquire(r.baseCtx, 1); err != nil {
			// Draining; drop the queued check.
			r.mu.Lock()
			delete(r.pending, id)
			r.mu.Unlock()
			return
		}

		r.mu.Lock()
		st := r.pending[id]
		force := st.force
		st.force = false
		st.rerun = false
		r.mu.Unlock()

		err := r.svc.checkTransition(r.baseCtx, id, force)
		r.sem.Release(1)
		if err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("transition check failed",
				"deliberation_id", id, "error", err)
		}

		r.mu.Lock()
		if !r.pending[id].rerun {
			delete(r.pending, id)
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()
	}
}

// Drain waits for running checks to finish. When ctx expires first, the
// outstanding checks are canceled and the wait resumes; a mediation round
// lost this way is marked failed and recoverable through a later re-check.
func (r *checkRunner) Drain(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("canceling in-flight transition checks")
		r.cancel()
		<-done
	}
	r.cancel()
}
