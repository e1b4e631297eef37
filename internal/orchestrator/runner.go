package orchestrator

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/agencykit/siteaudit/internal/metrics"
)

// Runner dispatches batches in the background and guarantees at most one
// in-flight batch per audit. Trigger is what the API handlers call; the
// actual batch runs on its own context so an HTTP client disconnect never
// aborts a running audit.
type Runner struct {
	orch   *Orchestrator
	logger *zap.Logger

	mu     sync.Mutex
	active map[string]struct{}
	wg     sync.WaitGroup
	closed bool
}

// NewRunner constructs a Runner around an Orchestrator.
func NewRunner(orch *Orchestrator, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		orch:   orch,
		logger: logger,
		active: make(map[string]struct{}),
	}
}

// Trigger starts a background batch for the audit. It returns false when a
// batch for that audit is already running (or the runner is shut down), which
// makes duplicate continue calls harmless.
func (r *Runner) Trigger(auditID string) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	if _, running := r.active[auditID]; running {
		r.mu.Unlock()
		return false
	}
	r.active[auditID] = struct{}{}
	r.wg.Add(1)
	r.mu.Unlock()

	go r.runBatch(auditID)
	return true
}

func (r *Runner) runBatch(auditID string) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		delete(r.active, auditID)
		r.mu.Unlock()
	}()

	metrics.IncActiveBatches()
	defer metrics.DecActiveBatches()

	start := r.orch.clock.Now()
	err := r.orch.RunBatch(context.Background(), auditID)
	elapsed := r.orch.clock.Now().Sub(start)

	outcome := "ok"
	if err != nil {
		outcome = "error"
		r.logger.Error("batch failed",
			zap.String("audit_id", auditID),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
	} else {
		r.logger.Debug("batch finished",
			zap.String("audit_id", auditID),
			zap.Duration("elapsed", elapsed),
		)
	}
	metrics.ObserveBatch(outcome, elapsed)
}

// Cancel flags the audit as canceled and fails it in the store. Any running
// batch stops at its next unit of work.
func (r *Runner) Cancel(ctx context.Context, auditID string) error {
	return r.orch.Cancel(ctx, auditID)
}

// Shutdown stops accepting new batches and waits for in-flight ones to
// finish or for the context to expire.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
