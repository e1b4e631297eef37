package checks

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/agencykit/siteaudit/internal/audit"
)

const defaultCheckConcurrency = 4

// Executor runs registry checks against crawled pages. It never returns an
// error from a check run: panics, parse failures, and unfetchable pages all
// become failed CheckResults so one broken rule cannot sink an audit.
type Executor struct {
	registry    *Registry
	client      *http.Client
	clock       audit.Clock
	logger      *zap.Logger
	concurrency int
}

// NewExecutor builds an executor over the given registry.
func NewExecutor(registry *Registry, client *http.Client, clock audit.Clock, logger *zap.Logger, concurrency int) *Executor {
	if client == nil {
		client = http.DefaultClient
	}
	if concurrency <= 0 {
		concurrency = defaultCheckConcurrency
	}
	return &Executor{
		registry:    registry,
		client:      client,
		clock:       clock,
		logger:      logger,
		concurrency: concurrency,
	}
}

// RunPage evaluates every page-scoped check against one crawled page.
// Results come back in registry order regardless of execution order.
func (e *Executor) RunPage(ctx context.Context, auditID string, page audit.Page, pages []audit.Page) []audit.CheckResult {
	return e.run(ctx, auditID, e.registry.PageChecks(), page, pages, true)
}

// RunSite evaluates every site-scoped check once, using the seed page as
// the document context for markup-based rules like favicon detection.
func (e *Executor) RunSite(ctx context.Context, auditID string, seed audit.Page, pages []audit.Page) []audit.CheckResult {
	return e.run(ctx, auditID, e.registry.SiteChecks(), seed, pages, false)
}

func (e *Executor) run(ctx context.Context, auditID string, defs []Definition, page audit.Page, pages []audit.Page, pageScoped bool) []audit.CheckResult {
	if len(defs) == 0 {
		return nil
	}

	pageURL := ""
	if pageScoped {
		pageURL = page.URL
	}

	if !page.Fetched() {
		// Nothing to inspect. Every check fails with the fetch error so the
		// page still contributes to the score.
		results := make([]audit.CheckResult, 0, len(defs))
		for _, def := range defs {
			results = append(results, e.checkResult(auditID, def, pageURL, failed(map[string]any{
				"reason":      "page could not be fetched",
				"fetch_error": page.ErrorText,
				"status_code": page.StatusCode,
			})))
		}
		return results
	}

	checkCtx, err := NewContext(page, pages, e.client)
	if err != nil {
		e.logger.Warn("check context build failed",
			zap.String("audit_id", auditID),
			zap.String("url", page.URL),
			zap.Error(err),
		)
		results := make([]audit.CheckResult, 0, len(defs))
		for _, def := range defs {
			results = append(results, e.checkResult(auditID, def, pageURL, failed(map[string]any{
				"reason": "page markup could not be parsed",
				"error":  err.Error(),
			})))
		}
		return results
	}

	// Bounded fan-out over the checks; results land in their registry slot
	// so output order is deterministic.
	results := make([]audit.CheckResult, len(defs))
	sem := make(chan struct{}, e.concurrency)
	var wg sync.WaitGroup
	for i, def := range defs {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, def Definition) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = e.checkResult(auditID, def, pageURL, e.safeRun(ctx, def, checkCtx))
		}(i, def)
	}
	wg.Wait()
	return results
}

// safeRun executes one check, converting a panic into a failed result.
func (e *Executor) safeRun(ctx context.Context, def Definition, checkCtx *Context) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("check panicked",
				zap.String("check", def.Name),
				zap.String("url", checkCtx.URL),
				zap.Any("panic", r),
			)
			result = failed(map[string]any{
				"reason": "check panicked",
				"error":  fmt.Sprint(r),
			})
		}
	}()
	return def.Run(ctx, checkCtx)
}

func (e *Executor) checkResult(auditID string, def Definition, pageURL string, result Result) audit.CheckResult {
	return audit.CheckResult{
		AuditID:   auditID,
		Check:     def.Name,
		Category:  def.Category,
		Priority:  def.Priority,
		PageURL:   pageURL,
		Status:    result.Status,
		Details:   result.Details,
		CreatedAt: e.clock.Now(),
	}
}
