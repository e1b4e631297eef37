// Package orchestrator drives an audit through its lifecycle one batch at a
// time. Each RunBatch invocation works under a wall-clock budget and persists
// a resume cursor, so an audit survives process restarts and deadline cuts:
// the next invocation picks up exactly where the previous one stopped.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agencykit/siteaudit/internal/audit"
	"github.com/agencykit/siteaudit/internal/checks"
	"github.com/agencykit/siteaudit/internal/crawler"
	"github.com/agencykit/siteaudit/internal/progress"
	"github.com/agencykit/siteaudit/internal/scorer"
)

// Config controls batch execution.
type Config struct {
	// BatchBudget is the wall-clock budget of a single RunBatch invocation.
	BatchBudget time.Duration
	// EventTopic names the Pub/Sub topic for lifecycle events.
	EventTopic string
}

const (
	defaultBatchBudget = 50 * time.Second
	defaultEventTopic  = "siteaudit.events"
)

// CancelReason is recorded on audits failed through Cancel.
const CancelReason = "canceled"

// Orchestrator executes audit batches: crawl, check, score.
type Orchestrator struct {
	store    audit.Store
	blobs    audit.BlobStore
	pub      audit.Publisher
	crawler  *crawler.Crawler
	executor *checks.Executor
	hasher   audit.Hasher
	clock    audit.Clock
	emitter  progress.Emitter
	logger   *zap.Logger
	cfg      Config

	mu       sync.Mutex
	canceled map[string]struct{}
}

// New constructs an Orchestrator.
func New(
	store audit.Store,
	blobs audit.BlobStore,
	pub audit.Publisher,
	crawl *crawler.Crawler,
	executor *checks.Executor,
	hasher audit.Hasher,
	clock audit.Clock,
	emitter progress.Emitter,
	logger *zap.Logger,
	cfg Config,
) *Orchestrator {
	if cfg.BatchBudget <= 0 {
		cfg.BatchBudget = defaultBatchBudget
	}
	if cfg.EventTopic == "" {
		cfg.EventTopic = defaultEventTopic
	}
	if emitter == nil {
		emitter = progress.NopEmitter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		store:    store,
		blobs:    blobs,
		pub:      pub,
		crawler:  crawl,
		executor: executor,
		hasher:   hasher,
		clock:    clock,
		emitter:  emitter,
		logger:   logger,
		cfg:      cfg,
		canceled: make(map[string]struct{}),
	}
}

// lifecycleEvent is the payload published on status transitions.
type lifecycleEvent struct {
	AuditID      string       `json:"audit_id"`
	Status       audit.Status `json:"status"`
	PagesCrawled int          `json:"pages_crawled"`
	Timestamp    time.Time    `json:"timestamp"`
}

// Cancel requests cooperative cancellation of an audit. The audit moves to
// failed immediately; a batch that is mid-flight stops at its next unit of
// work. Canceling an already-terminal audit is a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, auditID string) error {
	o.mu.Lock()
	o.canceled[auditID] = struct{}{}
	o.mu.Unlock()

	now := o.clock.Now()
	reason := CancelReason
	err := o.store.UpdateAudit(ctx, auditID, audit.Update{
		Status:      audit.StatusFailed,
		ErrorText:   &reason,
		CompletedAt: &now,
	})
	if errors.Is(err, audit.ErrTerminal) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cancel audit: %w", err)
	}
	o.emitter.Emit(progress.Event{
		AuditID: auditID,
		TS:      now,
		Stage:   progress.StageAuditError,
		Note:    CancelReason,
	})
	o.publish(ctx, auditID, audit.StatusFailed, 0)
	return nil
}

func (o *Orchestrator) isCanceled(auditID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.canceled[auditID]
	return ok
}

func (o *Orchestrator) clearCancel(auditID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.canceled, auditID)
}

// RunBatch executes one budgeted invocation of the audit pipeline. It is
// safe to invoke on an audit in any state: terminal audits are a no-op, and
// a batch_complete audit resumes from its persisted cursor. Partial results
// are never rolled back.
func (o *Orchestrator) RunBatch(ctx context.Context, auditID string) error {
	defer o.clearCancel(auditID)

	a, err := o.store.GetAudit(ctx, auditID)
	if err != nil {
		return fmt.Errorf("load audit: %w", err)
	}
	if a.Status.Terminal() {
		o.logger.Debug("batch skipped, audit already terminal",
			zap.String("audit_id", auditID),
			zap.String("status", string(a.Status)),
		)
		return nil
	}

	batchCtx, cancel := context.WithTimeout(ctx, o.cfg.BatchBudget)
	defer cancel()

	switch a.Status {
	case audit.StatusPending:
		started := o.clock.Now()
		if err := o.transition(ctx, &a, audit.StatusCrawling, audit.Update{StartedAt: &started}); err != nil {
			return err
		}
		return o.crawlPhase(ctx, batchCtx, a)
	case audit.StatusCrawling:
		return o.crawlPhase(ctx, batchCtx, a)
	case audit.StatusBatchComplete:
		if o.crawlUnfinished(a) {
			if err := o.transition(ctx, &a, audit.StatusCrawling, audit.Update{}); err != nil {
				return err
			}
			return o.crawlPhase(ctx, batchCtx, a)
		}
		if err := o.transition(ctx, &a, audit.StatusChecking, audit.Update{}); err != nil {
			return err
		}
		return o.checkPhase(ctx, batchCtx, a)
	case audit.StatusChecking:
		return o.checkPhase(ctx, batchCtx, a)
	default:
		return fmt.Errorf("audit %s in unexpected status %s", auditID, a.Status)
	}
}

// crawlUnfinished reports whether a resumed audit still has crawling to do.
func (o *Orchestrator) crawlUnfinished(a audit.Audit) bool {
	return len(a.Frontier) > 0 && a.PagesCrawled < a.PageBudget
}

// crawlPhase runs the crawl until the page budget is consumed, the frontier
// empties, or the batch deadline cuts in. Every emitted page is archived and
// persisted before the next one is accepted.
func (o *Orchestrator) crawlPhase(ctx context.Context, batchCtx context.Context, a audit.Audit) error {
	visited, err := o.visitedURLs(ctx, a)
	if err != nil {
		return o.failAudit(ctx, a.ID, fmt.Errorf("load crawl state: %w", err))
	}

	crawled := a.PagesCrawled
	req := crawler.Request{
		AuditID:       a.ID,
		SeedURL:       a.TargetURL,
		Budget:        a.PageBudget - a.PagesCrawled,
		Visited:       visited,
		Frontier:      a.Frontier,
		StartPosition: a.PagesCrawled,
	}

	frontier, crawlErr := o.crawler.Crawl(batchCtx, req, func(page audit.Page) error {
		if o.isCanceled(a.ID) {
			return fmt.Errorf("audit %s: %s", a.ID, CancelReason)
		}
		if err := o.persistPage(ctx, &page); err != nil {
			return err
		}
		crawled++
		count := crawled
		if err := o.store.UpdateAudit(ctx, a.ID, audit.Update{PagesCrawled: &count}); err != nil {
			return err
		}
		o.emitter.Emit(progress.Event{
			AuditID:     a.ID,
			TS:          o.clock.Now(),
			Stage:       progress.StagePageCrawled,
			URL:         page.URL,
			StatusClass: progress.ClassifyStatus(page.StatusCode),
			Bytes:       int64(len(page.HTML)),
			Dur:         time.Duration(page.ElapsedMs) * time.Millisecond,
			Note:        page.ErrorText,
		})
		return nil
	})

	// Always persist the frontier: it is the crawl's resume state.
	if err := o.store.UpdateAudit(ctx, a.ID, audit.Update{Frontier: &frontier}); err != nil {
		if errors.Is(err, audit.ErrTerminal) {
			return nil // canceled underneath us
		}
		return fmt.Errorf("persist frontier: %w", err)
	}
	a.Frontier = frontier
	a.PagesCrawled = crawled

	switch {
	case crawlErr == nil:
		// Crawl finished inside the budget.
	case ctx.Err() != nil:
		// Shutdown, not an audit failure: resume state is already persisted.
		return fmt.Errorf("crawl interrupted: %w", ctx.Err())
	case errors.Is(batchCtx.Err(), context.DeadlineExceeded):
		return o.finishBatch(ctx, a)
	case o.isCanceled(a.ID) || errors.Is(crawlErr, audit.ErrTerminal):
		return nil
	default:
		return o.failAudit(ctx, a.ID, fmt.Errorf("crawl: %w", crawlErr))
	}

	if a.PagesCrawled == 0 {
		return o.failAudit(ctx, a.ID, fmt.Errorf("seed %s yielded no pages", a.TargetURL))
	}
	if seedErr := o.seedUnreachable(ctx, a); seedErr != nil {
		return o.failAudit(ctx, a.ID, seedErr)
	}

	if err := o.transition(ctx, &a, audit.StatusChecking, audit.Update{}); err != nil {
		if errors.Is(err, audit.ErrTerminal) {
			return nil
		}
		return err
	}
	return o.checkPhase(ctx, batchCtx, a)
}

// seedUnreachable reports a hard failure when the crawl produced nothing but
// a failed seed fetch.
func (o *Orchestrator) seedUnreachable(ctx context.Context, a audit.Audit) error {
	if a.PagesCrawled != 1 {
		return nil
	}
	pages, err := o.store.ListPages(ctx, a.ID)
	if err != nil {
		return fmt.Errorf("list pages: %w", err)
	}
	if len(pages) == 1 && !pages[0].Fetched() {
		if pages[0].ErrorText != "" {
			return fmt.Errorf("seed page unreachable: %s", pages[0].ErrorText)
		}
		return fmt.Errorf("seed page unreachable: status %d", pages[0].StatusCode)
	}
	return nil
}

// persistPage archives the markup, hashes it, and inserts the page row.
func (o *Orchestrator) persistPage(ctx context.Context, page *audit.Page) error {
	if page.HTML != "" {
		hash, err := o.hasher.Hash([]byte(page.HTML))
		if err != nil {
			return fmt.Errorf("hash page %s: %w", page.URL, err)
		}
		page.ContentHash = hash

		uri, err := o.blobs.PutObject(ctx, blobPath(page.AuditID, page.Position), "text/html", []byte(page.HTML))
		if err != nil {
			return fmt.Errorf("archive page %s: %w", page.URL, err)
		}
		page.BlobURI = uri
	}
	if err := o.store.InsertPages(ctx, page.AuditID, []audit.Page{*page}); err != nil {
		return fmt.Errorf("insert page %s: %w", page.URL, err)
	}
	return nil
}

func blobPath(auditID string, position int) string {
	return fmt.Sprintf("%s/%d.html", auditID, position)
}

// visitedURLs rebuilds the visited-set from already persisted pages.
func (o *Orchestrator) visitedURLs(ctx context.Context, a audit.Audit) ([]string, error) {
	if a.PagesCrawled == 0 {
		return nil, nil
	}
	pages, err := o.store.ListPages(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	urls := make([]string, 0, len(pages))
	for _, page := range pages {
		urls = append(urls, page.URL)
	}
	return urls, nil
}

// checkPhase evaluates per-page checks from the cursor forward, then the
// site-wide checks, then scores the audit. The cursor only advances after a
// page's results are persisted, so a batch cut between pages never loses or
// repeats work.
func (o *Orchestrator) checkPhase(ctx context.Context, batchCtx context.Context, a audit.Audit) error {
	pages, err := o.store.ListPages(ctx, a.ID)
	if err != nil {
		return o.failAudit(ctx, a.ID, fmt.Errorf("list pages: %w", err))
	}
	if err := o.hydratePages(ctx, pages); err != nil {
		return o.failAudit(ctx, a.ID, err)
	}

	for i := a.Cursor + 1; i < len(pages); i++ {
		if o.isCanceled(a.ID) {
			return nil
		}
		select {
		case <-batchCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return o.finishBatch(ctx, a)
		default:
		}

		page := pages[i]
		results := o.executor.RunPage(batchCtx, a.ID, page, pages)
		if err := o.store.InsertCheckResults(ctx, a.ID, results); err != nil {
			return o.failAudit(ctx, a.ID, fmt.Errorf("insert check results: %w", err))
		}
		cursor := i
		if err := o.store.UpdateAudit(ctx, a.ID, audit.Update{Cursor: &cursor}); err != nil {
			if errors.Is(err, audit.ErrTerminal) {
				return nil
			}
			return fmt.Errorf("advance cursor: %w", err)
		}
		a.Cursor = cursor
		o.emitCheckResults(results)
	}

	select {
	case <-batchCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return o.finishBatch(ctx, a)
	default:
	}
	return o.completeAudit(ctx, batchCtx, a, pages)
}

// completeAudit runs site-wide checks, computes scores, and finishes.
func (o *Orchestrator) completeAudit(ctx context.Context, batchCtx context.Context, a audit.Audit, pages []audit.Page) error {
	if len(pages) == 0 {
		return o.failAudit(ctx, a.ID, fmt.Errorf("no pages to score"))
	}

	siteResults := o.executor.RunSite(batchCtx, a.ID, pages[0], pages)
	if err := o.store.InsertCheckResults(ctx, a.ID, siteResults); err != nil {
		return o.failAudit(ctx, a.ID, fmt.Errorf("insert site check results: %w", err))
	}
	o.emitCheckResults(siteResults)

	all, err := o.store.ListCheckResults(ctx, a.ID)
	if err != nil {
		return o.failAudit(ctx, a.ID, fmt.Errorf("list check results: %w", err))
	}
	scores := scorer.Score(all)

	now := o.clock.Now()
	err = o.store.UpdateAudit(ctx, a.ID, audit.Update{
		Status:      audit.StatusCompleted,
		Scores:      &scores,
		CompletedAt: &now,
	})
	if err != nil {
		if errors.Is(err, audit.ErrTerminal) {
			return nil
		}
		return fmt.Errorf("complete audit: %w", err)
	}

	runtime := time.Duration(0)
	if a.StartedAt != nil {
		runtime = now.Sub(*a.StartedAt)
	}
	o.emitter.Emit(progress.Event{
		AuditID: a.ID,
		TS:      now,
		Stage:   progress.StageAuditDone,
		Dur:     runtime,
	})
	o.publish(ctx, a.ID, audit.StatusCompleted, a.PagesCrawled)
	o.logger.Info("audit completed",
		zap.String("audit_id", a.ID),
		zap.Int("pages", a.PagesCrawled),
		zap.Duration("runtime", runtime),
	)
	return nil
}

// finishBatch persists batch_complete so a later continue call can resume.
func (o *Orchestrator) finishBatch(ctx context.Context, a audit.Audit) error {
	err := o.store.UpdateAudit(ctx, a.ID, audit.Update{Status: audit.StatusBatchComplete})
	if err != nil {
		if errors.Is(err, audit.ErrTerminal) {
			return nil
		}
		return fmt.Errorf("persist batch_complete: %w", err)
	}
	now := o.clock.Now()
	o.emitter.Emit(progress.Event{
		AuditID: a.ID,
		TS:      now,
		Stage:   progress.StageStatusChange,
		Status:  audit.StatusBatchComplete,
	})
	o.publish(ctx, a.ID, audit.StatusBatchComplete, a.PagesCrawled)
	o.logger.Info("batch budget reached",
		zap.String("audit_id", a.ID),
		zap.Int("pages_crawled", a.PagesCrawled),
		zap.Int("cursor", a.Cursor),
	)
	return nil
}

// failAudit marks the audit failed with the error message. Partial pages and
// check results stay in place.
func (o *Orchestrator) failAudit(ctx context.Context, auditID string, cause error) error {
	now := o.clock.Now()
	message := cause.Error()
	err := o.store.UpdateAudit(ctx, auditID, audit.Update{
		Status:      audit.StatusFailed,
		ErrorText:   &message,
		CompletedAt: &now,
	})
	if err != nil && !errors.Is(err, audit.ErrTerminal) {
		o.logger.Error("failed to persist audit failure",
			zap.String("audit_id", auditID),
			zap.Error(err),
		)
	}
	o.emitter.Emit(progress.Event{
		AuditID: auditID,
		TS:      now,
		Stage:   progress.StageAuditError,
		Note:    message,
	})
	o.publish(ctx, auditID, audit.StatusFailed, 0)
	o.logger.Warn("audit failed",
		zap.String("audit_id", auditID),
		zap.String("reason", message),
	)
	return nil
}

// transition persists a status change along with any extra fields and emits
// the matching progress event.
func (o *Orchestrator) transition(ctx context.Context, a *audit.Audit, next audit.Status, upd audit.Update) error {
	upd.Status = next
	if err := o.store.UpdateAudit(ctx, a.ID, upd); err != nil {
		return fmt.Errorf("transition to %s: %w", next, err)
	}
	a.Status = next
	if upd.StartedAt != nil {
		a.StartedAt = upd.StartedAt
	}
	o.emitter.Emit(progress.Event{
		AuditID: a.ID,
		TS:      o.clock.Now(),
		Stage:   progress.StageStatusChange,
		Status:  next,
	})
	return nil
}

// hydratePages restores markup from the blob archive for pages persisted by
// an earlier batch. Pages that never fetched have nothing to restore.
func (o *Orchestrator) hydratePages(ctx context.Context, pages []audit.Page) error {
	for i := range pages {
		if pages[i].HTML != "" || pages[i].BlobURI == "" {
			continue
		}
		data, err := o.blobs.GetObject(ctx, blobPath(pages[i].AuditID, pages[i].Position))
		if err != nil {
			return fmt.Errorf("restore page %d markup: %w", pages[i].Position, err)
		}
		pages[i].HTML = string(data)
	}
	return nil
}

func (o *Orchestrator) emitCheckResults(results []audit.CheckResult) {
	for _, result := range results {
		o.emitter.Emit(progress.Event{
			AuditID:     result.AuditID,
			TS:          result.CreatedAt,
			Stage:       progress.StageCheckDone,
			URL:         result.PageURL,
			Check:       result.Check,
			CheckStatus: result.Status,
		})
	}
}

func (o *Orchestrator) publish(ctx context.Context, auditID string, status audit.Status, pagesCrawled int) {
	if o.pub == nil {
		return
	}
	event := lifecycleEvent{
		AuditID:      auditID,
		Status:       status,
		PagesCrawled: pagesCrawled,
		Timestamp:    o.clock.Now(),
	}
	if _, err := o.pub.Publish(ctx, o.cfg.EventTopic, event); err != nil {
		o.logger.Warn("lifecycle publish failed",
			zap.String("audit_id", auditID),
			zap.Error(err),
		)
	}
}
