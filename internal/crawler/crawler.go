// Package crawler implements breadth-first page discovery for audits.
//
// A single coordinator goroutine owns the frontier and the visited-set; a
// fixed-size pool of fetch workers only reports results back over a channel.
// Pages are delivered to the caller in discovery order: out-of-order fetch
// completions are buffered and released as a contiguous prefix, which is what
// makes the orchestrator's resume cursor stable.
package crawler

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/agencykit/siteaudit/internal/audit"
	"github.com/agencykit/siteaudit/internal/fetcher"
)

// Config holds the settings for a crawl session.
type Config struct {
	// Concurrency is the fetch worker pool size. Kept small so a single
	// audit never overwhelms the target site.
	Concurrency int
	// MaxDepth bounds BFS distance from the seed; 0 means unbounded.
	MaxDepth int
}

const defaultConcurrency = 4

// Request describes one crawl slice. Visited and Frontier allow the
// orchestrator to resume a crawl that a previous batch left unfinished.
type Request struct {
	AuditID string
	SeedURL string
	// Budget is the maximum number of pages this crawl may emit.
	Budget int
	// Visited holds normalized URLs already fetched in earlier batches.
	Visited []string
	// Frontier holds URLs discovered but not yet fetched; empty on a fresh
	// crawl, in which case the seed URL is the sole frontier entry.
	Frontier []audit.Seed
	// StartPosition is the discovery index assigned to the first emitted page.
	StartPosition int
}

// Crawler performs bounded-concurrency breadth-first discovery.
type Crawler struct {
	fetcher  audit.Fetcher
	headless audit.Fetcher
	detector audit.RenderDetector
	clock    audit.Clock
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Crawler. The headless fetcher and detector are optional;
// when both are set, pages that look like client-rendered shells are fetched
// a second time with a real browser.
func New(
	fetcher audit.Fetcher,
	headless audit.Fetcher,
	detector audit.RenderDetector,
	clock audit.Clock,
	cfg Config,
	logger *zap.Logger,
) *Crawler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Crawler{
		fetcher:  fetcher,
		headless: headless,
		detector: detector,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
}

type fetchJob struct {
	index int
	seed  audit.Seed
}

type fetchResult struct {
	index int
	page  audit.Page
}

// Crawl runs breadth-first discovery from the request's frontier and calls
// emit once per page, in discovery order. Fetch failures still consume one
// unit of budget and are emitted with their error recorded. Crawl returns
// the remaining frontier so the caller can persist crawl state for resumption.
func (c *Crawler) Crawl(
	ctx context.Context,
	req Request,
	emit func(audit.Page) error,
) ([]audit.Seed, error) {
	seedURL, err := audit.NormalizeURL(req.SeedURL)
	if err != nil {
		return nil, fmt.Errorf("normalize seed url: %w", err)
	}

	visited := make(map[string]struct{}, len(req.Visited)+req.Budget)
	for _, u := range req.Visited {
		visited[u] = struct{}{}
	}

	frontier := make([]audit.Seed, 0, len(req.Frontier)+1)
	if len(req.Frontier) > 0 {
		for _, s := range req.Frontier {
			if _, ok := visited[s.URL]; ok {
				continue
			}
			visited[s.URL] = struct{}{}
			frontier = append(frontier, s)
		}
	} else if _, ok := visited[seedURL]; !ok {
		visited[seedURL] = struct{}{}
		frontier = append(frontier, audit.Seed{URL: seedURL, Depth: 0})
	}

	jobs := make(chan fetchJob)
	results := make(chan fetchResult, c.cfg.Concurrency)

	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				results <- fetchResult{
					index: job.index,
					page:  c.fetchPage(ctx, req.AuditID, job),
				}
			}
		}()
	}
	defer func() {
		close(jobs)
		go func() {
			// Drain so in-flight workers can finish their sends.
			wg.Wait()
			close(results)
		}()
		for range results {
		}
	}()

	var (
		dispatched  int
		inFlight    int
		nextEmit    int
		pending     = make(map[int]audit.Page)
		outstanding = make(map[int]audit.Seed)
	)
	for {
		select {
		case <-ctx.Done():
			return restoreOutstanding(frontier, outstanding, nextEmit), fmt.Errorf("crawl canceled: %w", ctx.Err())
		default:
		}

		var (
			jobsCh  chan fetchJob
			nextJob fetchJob
		)
		if len(frontier) > 0 && dispatched < req.Budget {
			jobsCh = jobs
			nextJob = fetchJob{index: dispatched, seed: frontier[0]}
		} else if inFlight == 0 {
			return frontier, nil
		}

		select {
		case <-ctx.Done():
			return restoreOutstanding(frontier, outstanding, nextEmit), fmt.Errorf("crawl canceled: %w", ctx.Err())
		case jobsCh <- nextJob:
			outstanding[nextJob.index] = nextJob.seed
			frontier = frontier[1:]
			dispatched++
			inFlight++
		case res := <-results:
			inFlight--
			markRedirectTarget(visited, res.page)
			frontier = c.extendFrontier(frontier, visited, seedURL, res.page)
			pending[res.index] = res.page
			for {
				page, ok := pending[nextEmit]
				if !ok {
					break
				}
				delete(pending, nextEmit)
				delete(outstanding, nextEmit)
				page.Position = req.StartPosition + nextEmit
				nextEmit++
				if err := emit(page); err != nil {
					return restoreOutstanding(frontier, outstanding, nextEmit), fmt.Errorf("emit page %s: %w", page.URL, err)
				}
			}
		}
	}
}

// restoreOutstanding prepends seeds that were dispatched but never emitted
// back onto the frontier, in dispatch order, so an interrupted crawl can be
// resumed without skipping them.
func restoreOutstanding(frontier []audit.Seed, outstanding map[int]audit.Seed, nextEmit int) []audit.Seed {
	if len(outstanding) == 0 {
		return frontier
	}
	indexes := make([]int, 0, len(outstanding))
	for index := range outstanding {
		if index >= nextEmit {
			indexes = append(indexes, index)
		}
	}
	sort.Ints(indexes)
	restored := make([]audit.Seed, 0, len(indexes)+len(frontier))
	for _, index := range indexes {
		restored = append(restored, outstanding[index])
	}
	return append(restored, frontier...)
}

// markRedirectTarget records a page's post-redirect URL as visited, so the
// same content is not fetched again under its final URL.
func markRedirectTarget(visited map[string]struct{}, page audit.Page) {
	if page.FinalURL == "" || page.FinalURL == page.URL {
		return
	}
	normalized, err := audit.NormalizeURL(page.FinalURL)
	if err != nil {
		return
	}
	visited[normalized] = struct{}{}
}

// extendFrontier enqueues the page's same-origin links. Only the coordinator
// calls this, which keeps the visited-set consistent: no URL is ever
// scheduled twice.
func (c *Crawler) extendFrontier(
	frontier []audit.Seed,
	visited map[string]struct{},
	seedURL string,
	page audit.Page,
) []audit.Seed {
	if !page.Fetched() {
		return frontier
	}
	if c.cfg.MaxDepth > 0 && page.Depth >= c.cfg.MaxDepth {
		return frontier
	}
	base := page.FinalURL
	if base == "" {
		base = page.URL
	}
	// A page that redirected off-origin contributes nothing to the frontier.
	if !audit.SameOrigin(base, seedURL) {
		return frontier
	}
	links, err := fetcher.ExtractLinks(page.HTML, base)
	if err != nil {
		c.logger.Warn("link extraction failed",
			zap.String("audit_id", page.AuditID),
			zap.String("url", page.URL),
			zap.Error(err),
		)
		return frontier
	}
	for _, link := range links {
		if _, ok := visited[link]; ok {
			continue
		}
		visited[link] = struct{}{}
		frontier = append(frontier, audit.Seed{URL: link, Depth: page.Depth + 1})
	}
	return frontier
}

func (c *Crawler) fetchPage(ctx context.Context, auditID string, job fetchJob) audit.Page {
	page := audit.Page{
		AuditID:   auditID,
		URL:       job.seed.URL,
		Depth:     job.seed.Depth,
		FetchedAt: c.clock.Now(),
	}

	resp, err := c.fetcher.Fetch(ctx, audit.FetchRequest{URL: job.seed.URL})
	if err != nil {
		page.ErrorText = err.Error()
		c.logger.Debug("page fetch failed",
			zap.String("audit_id", auditID),
			zap.String("url", job.seed.URL),
			zap.Error(err),
		)
		return page
	}

	if final, promoted := c.maybeRender(ctx, auditID, job.seed.URL, resp); promoted {
		resp = final
	}

	page.FinalURL = resp.URL
	page.StatusCode = resp.StatusCode
	page.HTML = string(resp.Body)
	page.ElapsedMs = resp.Elapsed.Milliseconds()
	page.Rendered = resp.Rendered
	return page
}

func (c *Crawler) maybeRender(
	ctx context.Context,
	auditID string,
	url string,
	resp audit.FetchResponse,
) (audit.FetchResponse, bool) {
	if c.headless == nil || c.detector == nil || !c.detector.ShouldRender(resp) {
		return resp, false
	}
	rendered, err := c.headless.Fetch(ctx, audit.FetchRequest{URL: url, Render: true})
	if err != nil {
		c.logger.Warn("headless render failed, keeping probe response",
			zap.String("audit_id", auditID),
			zap.String("url", url),
			zap.Error(err),
		)
		return resp, false
	}
	rendered.Rendered = true
	return rendered, true
}
