package orchestrator

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agencykit/siteaudit/internal/audit"
	"github.com/agencykit/siteaudit/internal/checks"
	"github.com/agencykit/siteaudit/internal/clock/system"
	"github.com/agencykit/siteaudit/internal/crawler"
	"github.com/agencykit/siteaudit/internal/hash/sha256"
	"github.com/agencykit/siteaudit/internal/progress"
	pubmem "github.com/agencykit/siteaudit/internal/publisher/memory"
	blobmem "github.com/agencykit/siteaudit/internal/storage/memory"
	storemem "github.com/agencykit/siteaudit/internal/store/memory"
)

type fakePage struct {
	status int
	html   string
}

// fakeFetcher serves a static site map. Unknown URLs come back 404; a
// configured delay simulates slow origins for deadline tests.
type fakeFetcher struct {
	mu    sync.Mutex
	pages map[string]fakePage
	delay time.Duration
}

func (f *fakeFetcher) Fetch(ctx context.Context, req audit.FetchRequest) (audit.FetchResponse, error) {
	f.mu.Lock()
	delay := f.delay
	page, ok := f.pages[req.URL]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return audit.FetchResponse{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	if !ok {
		return audit.FetchResponse{
			URL:        req.URL,
			StatusCode: http.StatusNotFound,
			Body:       []byte("not found"),
		}, nil
	}
	return audit.FetchResponse{
		URL:        req.URL,
		StatusCode: page.status,
		Body:       []byte(page.html),
		Elapsed:    2 * time.Millisecond,
	}, nil
}

// stubTransport keeps site-probe checks (robots.txt and friends) off the
// network.
type stubTransport struct{}

func (stubTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return &http.Response{
		StatusCode: http.StatusNotFound,
		Body:       io.NopCloser(strings.NewReader("not found")),
		Header:     make(http.Header),
		Request:    req,
	}, nil
}

type harness struct {
	store *storemem.Store
	blobs *blobmem.BlobStore
	pub   *pubmem.Publisher
	fetch *fakeFetcher
	orch  *Orchestrator
}

func newHarness(t *testing.T, site map[string]fakePage, crawlCfg crawler.Config, cfg Config) *harness {
	t.Helper()

	store := storemem.NewStore()
	blobs := blobmem.NewBlobStore()
	pub := pubmem.New()
	fetch := &fakeFetcher{pages: site}
	return &harness{
		store: store,
		blobs: blobs,
		pub:   pub,
		fetch: fetch,
		orch:  newOrchestrator(t, store, blobs, pub, fetch, crawlCfg, cfg),
	}
}

func newOrchestrator(
	t *testing.T,
	store audit.Store,
	blobs audit.BlobStore,
	pub audit.Publisher,
	fetch audit.Fetcher,
	crawlCfg crawler.Config,
	cfg Config,
) *Orchestrator {
	t.Helper()

	clk := system.New()
	logger := zap.NewNop()
	crawl := crawler.New(fetch, nil, nil, clk, crawlCfg, logger)
	executor := checks.NewExecutor(
		checks.NewRegistry(),
		&http.Client{Transport: stubTransport{}},
		clk,
		logger,
		2,
	)
	return New(store, blobs, pub, crawl, executor, sha256.New(), clk, progress.NopEmitter{}, logger, cfg)
}

func createAudit(t *testing.T, store audit.Store, id string, budget int) audit.Audit {
	t.Helper()

	a := audit.Audit{
		ID:         id,
		TargetURL:  "https://example.com",
		Status:     audit.StatusPending,
		PageBudget: budget,
		Cursor:     audit.NoCursor,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, store.CreateAudit(context.Background(), a))
	return a
}

func threePageSite() map[string]fakePage {
	return map[string]fakePage{
		"https://example.com": {
			status: http.StatusOK,
			html: `<html lang="en"><head><title>Example home page for testing</title>
<meta name="description" content="A home page with enough description text to satisfy the length preferred by search engines."></head>
<body><h1>Welcome</h1><p>Plenty of content here.</p>
<a href="/about">About our team</a> <a href="/contact">Contact sales</a></body></html>`,
		},
		"https://example.com/about": {
			status: http.StatusOK,
			html:   `<html lang="en"><head><title>About the example company</title></head><body><h1>About</h1><p>Team info.</p><a href="/">Back to the home page</a></body></html>`,
		},
		"https://example.com/contact": {
			status: http.StatusOK,
			html:   `<html lang="en"><head><title>Contact the example company</title></head><body><h1>Contact</h1><p>Reach us.</p></body></html>`,
		},
	}
}

func TestRunBatchCompletesAudit(t *testing.T) {
	t.Parallel()

	h := newHarness(t, threePageSite(), crawler.Config{Concurrency: 2}, Config{BatchBudget: 30 * time.Second})
	ctx := context.Background()
	createAudit(t, h.store, "audit-1", 5)

	require.NoError(t, h.orch.RunBatch(ctx, "audit-1"))

	a, err := h.store.GetAudit(ctx, "audit-1")
	require.NoError(t, err)
	require.Equal(t, audit.StatusCompleted, a.Status)
	require.Equal(t, 3, a.PagesCrawled)
	require.NotNil(t, a.StartedAt)
	require.NotNil(t, a.CompletedAt)
	require.NotNil(t, a.Scores)
	require.NotNil(t, a.Scores.Overall)

	pages, err := h.store.ListPages(ctx, "audit-1")
	require.NoError(t, err)
	require.Len(t, pages, 3)
	require.Equal(t, "https://example.com", pages[0].URL)
	for _, page := range pages {
		require.NotEmpty(t, page.BlobURI)
		require.NotEmpty(t, page.ContentHash)
		data, err := h.blobs.GetObject(ctx, blobPath("audit-1", page.Position))
		require.NoError(t, err)
		require.NotEmpty(t, data)
	}

	registry := checks.NewRegistry()
	results, err := h.store.ListCheckResults(ctx, "audit-1")
	require.NoError(t, err)
	require.Len(t, results, 3*len(registry.PageChecks())+len(registry.SiteChecks()))

	messages := h.pub.Messages()
	require.NotEmpty(t, messages)
	last, ok := messages[len(messages)-1].Payload.(lifecycleEvent)
	require.True(t, ok)
	require.Equal(t, audit.StatusCompleted, last.Status)
}

func TestRunBatchTerminalNoOp(t *testing.T) {
	t.Parallel()

	h := newHarness(t, threePageSite(), crawler.Config{Concurrency: 2}, Config{})
	ctx := context.Background()
	createAudit(t, h.store, "audit-terminal", 5)
	require.NoError(t, h.orch.RunBatch(ctx, "audit-terminal"))

	before, err := h.store.GetAudit(ctx, "audit-terminal")
	require.NoError(t, err)
	require.True(t, before.Status.Terminal())
	published := len(h.pub.Messages())

	require.NoError(t, h.orch.RunBatch(ctx, "audit-terminal"))

	after, err := h.store.GetAudit(ctx, "audit-terminal")
	require.NoError(t, err)
	require.Equal(t, before.Status, after.Status)
	require.Equal(t, before.CompletedAt, after.CompletedAt)
	require.Len(t, h.pub.Messages(), published)
}

func TestRunBatchResumesCheckingFromCursor(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, crawler.Config{}, Config{})
	ctx := context.Background()
	createAudit(t, h.store, "audit-resume", 3)

	// Simulate a previous batch: three crawled pages archived to blobs, the
	// first two already checked.
	site := threePageSite()
	urls := []string{"https://example.com", "https://example.com/about", "https://example.com/contact"}
	pages := make([]audit.Page, 0, len(urls))
	for i, u := range urls {
		uri, err := h.blobs.PutObject(ctx, blobPath("audit-resume", i), "text/html", []byte(site[u].html))
		require.NoError(t, err)
		pages = append(pages, audit.Page{
			AuditID:    "audit-resume",
			Position:   i,
			URL:        u,
			StatusCode: http.StatusOK,
			BlobURI:    uri,
			FetchedAt:  time.Now().UTC(),
		})
	}
	require.NoError(t, h.store.InsertPages(ctx, "audit-resume", pages))

	crawled := 3
	cursor := 1
	require.NoError(t, h.store.UpdateAudit(ctx, "audit-resume", audit.Update{Status: audit.StatusCrawling, PagesCrawled: &crawled}))
	require.NoError(t, h.store.UpdateAudit(ctx, "audit-resume", audit.Update{Status: audit.StatusChecking, Cursor: &cursor}))

	require.NoError(t, h.orch.RunBatch(ctx, "audit-resume"))

	a, err := h.store.GetAudit(ctx, "audit-resume")
	require.NoError(t, err)
	require.Equal(t, audit.StatusCompleted, a.Status)

	// Only the third page plus the site-wide checks ran in this batch.
	registry := checks.NewRegistry()
	results, err := h.store.ListCheckResults(ctx, "audit-resume")
	require.NoError(t, err)
	require.Len(t, results, len(registry.PageChecks())+len(registry.SiteChecks()))
	for _, result := range results[:len(registry.PageChecks())] {
		require.Equal(t, "https://example.com/contact", result.PageURL)
	}
}

func TestRunBatchRecheckedPageKeepsSingleResultSet(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, crawler.Config{}, Config{})
	ctx := context.Background()
	createAudit(t, h.store, "audit-recheck", 3)

	// Simulate a crash between persisting the first page's results and
	// advancing the cursor: the results exist but the cursor still says no
	// page has been checked.
	site := threePageSite()
	urls := []string{"https://example.com", "https://example.com/about", "https://example.com/contact"}
	pages := make([]audit.Page, 0, len(urls))
	for i, u := range urls {
		uri, err := h.blobs.PutObject(ctx, blobPath("audit-recheck", i), "text/html", []byte(site[u].html))
		require.NoError(t, err)
		pages = append(pages, audit.Page{
			AuditID:    "audit-recheck",
			Position:   i,
			URL:        u,
			StatusCode: http.StatusOK,
			BlobURI:    uri,
			FetchedAt:  time.Now().UTC(),
		})
	}
	require.NoError(t, h.store.InsertPages(ctx, "audit-recheck", pages))

	registry := checks.NewRegistry()
	firstPage := make([]audit.CheckResult, 0, len(registry.PageChecks()))
	for _, def := range registry.PageChecks() {
		firstPage = append(firstPage, audit.CheckResult{
			AuditID:   "audit-recheck",
			Check:     def.Name,
			Category:  def.Category,
			Priority:  def.Priority,
			PageURL:   "https://example.com",
			Status:    audit.CheckPassed,
			CreatedAt: time.Now().UTC(),
		})
	}
	require.NoError(t, h.store.InsertCheckResults(ctx, "audit-recheck", firstPage))

	crawled := 3
	require.NoError(t, h.store.UpdateAudit(ctx, "audit-recheck", audit.Update{Status: audit.StatusCrawling, PagesCrawled: &crawled}))
	require.NoError(t, h.store.UpdateAudit(ctx, "audit-recheck", audit.Update{Status: audit.StatusChecking}))

	require.NoError(t, h.orch.RunBatch(ctx, "audit-recheck"))

	a, err := h.store.GetAudit(ctx, "audit-recheck")
	require.NoError(t, err)
	require.Equal(t, audit.StatusCompleted, a.Status)

	// Rechecking the first page must not duplicate its result rows.
	results, err := h.store.ListCheckResults(ctx, "audit-recheck")
	require.NoError(t, err)
	require.Len(t, results, 3*len(registry.PageChecks())+len(registry.SiteChecks()))
	counts := make(map[string]int)
	for _, result := range results {
		counts[result.Check+" "+result.PageURL]++
	}
	for key, n := range counts {
		require.LessOrEqual(t, n, 1, "check %s has %d results for the same page", key, n)
	}
}

func TestRunBatchDeadlineBecomesBatchComplete(t *testing.T) {
	t.Parallel()

	h := newHarness(t, threePageSite(), crawler.Config{Concurrency: 1}, Config{BatchBudget: 60 * time.Millisecond})
	h.fetch.delay = 40 * time.Millisecond
	ctx := context.Background()
	createAudit(t, h.store, "audit-budget", 5)

	require.NoError(t, h.orch.RunBatch(ctx, "audit-budget"))

	a, err := h.store.GetAudit(ctx, "audit-budget")
	require.NoError(t, err)
	require.Equal(t, audit.StatusBatchComplete, a.Status)
	require.GreaterOrEqual(t, a.PagesCrawled, 1)
	require.NotEmpty(t, a.Frontier)

	// A fresh orchestrator (as after a process restart) resumes the crawl and
	// finishes the audit.
	h.fetch.mu.Lock()
	h.fetch.delay = 0
	h.fetch.mu.Unlock()
	resumed := newOrchestrator(t, h.store, h.blobs, h.pub, h.fetch, crawler.Config{Concurrency: 2}, Config{BatchBudget: 30 * time.Second})
	require.NoError(t, resumed.RunBatch(ctx, "audit-budget"))

	a, err = h.store.GetAudit(ctx, "audit-budget")
	require.NoError(t, err)
	require.Equal(t, audit.StatusCompleted, a.Status)

	pages, err := h.store.ListPages(ctx, "audit-budget")
	require.NoError(t, err)
	require.Len(t, pages, 3)
	seen := make(map[string]int)
	for _, page := range pages {
		seen[page.URL]++
	}
	for u, count := range seen {
		require.Equal(t, 1, count, "page %s crawled more than once", u)
	}
}

func TestCancelFailsAudit(t *testing.T) {
	t.Parallel()

	h := newHarness(t, threePageSite(), crawler.Config{}, Config{})
	ctx := context.Background()
	createAudit(t, h.store, "audit-cancel", 5)

	require.NoError(t, h.orch.Cancel(ctx, "audit-cancel"))

	a, err := h.store.GetAudit(ctx, "audit-cancel")
	require.NoError(t, err)
	require.Equal(t, audit.StatusFailed, a.Status)
	require.Equal(t, CancelReason, a.ErrorText)
	require.NotNil(t, a.CompletedAt)

	// Canceling again, or running a batch afterwards, changes nothing.
	require.NoError(t, h.orch.Cancel(ctx, "audit-cancel"))
	require.NoError(t, h.orch.RunBatch(ctx, "audit-cancel"))

	a, err = h.store.GetAudit(ctx, "audit-cancel")
	require.NoError(t, err)
	require.Equal(t, audit.StatusFailed, a.Status)
	require.Equal(t, CancelReason, a.ErrorText)
}

func TestRunBatchSeedUnreachable(t *testing.T) {
	t.Parallel()

	site := map[string]fakePage{
		"https://example.com": {status: http.StatusInternalServerError, html: "oops"},
	}
	h := newHarness(t, site, crawler.Config{}, Config{})
	ctx := context.Background()
	createAudit(t, h.store, "audit-dead-seed", 5)

	require.NoError(t, h.orch.RunBatch(ctx, "audit-dead-seed"))

	a, err := h.store.GetAudit(ctx, "audit-dead-seed")
	require.NoError(t, err)
	require.Equal(t, audit.StatusFailed, a.Status)
	require.Contains(t, a.ErrorText, "seed page unreachable")
	require.Nil(t, a.Scores)
}

func TestRunBatchUnknownAudit(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, crawler.Config{}, Config{})
	err := h.orch.RunBatch(context.Background(), "missing")
	require.ErrorIs(t, err, audit.ErrNotFound)
}
