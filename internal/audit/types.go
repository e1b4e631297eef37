// Package audit defines the core types and interfaces for the website audit
// pipeline: audits, discovered pages, check results, and the contracts the
// orchestrator depends on.
package audit

import (
	"net/http"
	"time"
)

// Status represents the lifecycle state of an audit.
type Status string

// Audit status values persisted in the store. BatchComplete is terminal for a
// single invocation only; the audit resumes from its cursor when the
// continuation trigger fires.
const (
	StatusPending       Status = "pending"
	StatusCrawling      Status = "crawling"
	StatusChecking      Status = "checking"
	StatusBatchComplete Status = "batch_complete"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
)

// Terminal reports whether the status ends the audit for good.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether moving from s to next is a legal edge of the
// audit state machine. Terminal states have no outgoing edges.
func (s Status) CanTransition(next Status) bool {
	if next == StatusFailed {
		return !s.Terminal()
	}
	switch s {
	case StatusPending:
		return next == StatusCrawling
	case StatusCrawling:
		return next == StatusChecking || next == StatusBatchComplete
	case StatusChecking:
		return next == StatusBatchComplete || next == StatusCompleted
	case StatusBatchComplete:
		return next == StatusCrawling || next == StatusChecking
	default:
		return false
	}
}

// NoCursor is the cursor value of an audit with no fully-checked pages yet.
const NoCursor = -1

// Audit is one end-to-end crawl+check run against a site.
type Audit struct {
	ID           string     `json:"id"`
	TargetURL    string     `json:"target_url"`
	Status       Status     `json:"status"`
	PageBudget   int        `json:"page_budget"`
	PagesCrawled int        `json:"pages_crawled"`
	Cursor       int        `json:"cursor"`
	Frontier     []Seed     `json:"frontier,omitempty"`
	Scores       *Scores    `json:"scores,omitempty"`
	ErrorText    string     `json:"error_text,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Seed is a discovered-but-unfetched URL and its BFS depth. The remaining
// frontier is persisted with the audit so an interrupted crawl can resume.
type Seed struct {
	URL   string `json:"url"`
	Depth int    `json:"depth"`
}

// Scores holds the 0-100 category scores of a completed audit. A nil field
// means the category had no applicable results.
type Scores struct {
	Overall     *int `json:"overall"`
	SEO         *int `json:"seo"`
	Technical   *int `json:"technical"`
	AIReadiness *int `json:"ai_readiness"`
}

// Page is one discovered, fetched page belonging to an audit. Position is the
// breadth-first discovery index; URL is the normalized form and unique within
// the audit.
type Page struct {
	AuditID     string    `json:"audit_id"`
	Position    int       `json:"position"`
	URL         string    `json:"url"`
	FinalURL    string    `json:"final_url,omitempty"`
	StatusCode  int       `json:"status_code"`
	HTML        string    `json:"-"`
	ContentHash string    `json:"content_hash,omitempty"`
	BlobURI     string    `json:"blob_uri,omitempty"`
	Depth       int       `json:"depth"`
	ErrorText   string    `json:"error_text,omitempty"`
	ElapsedMs   int64     `json:"elapsed_ms"`
	Rendered    bool      `json:"rendered,omitempty"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// Fetched reports whether the page body was retrieved successfully.
func (p Page) Fetched() bool {
	return p.ErrorText == "" && p.StatusCode >= 200 && p.StatusCode < 300
}

// CheckStatus is the outcome of a single check run.
type CheckStatus string

// Check outcome values. Warning is reserved for findings the check cannot
// assert with full confidence.
const (
	CheckPassed  CheckStatus = "passed"
	CheckWarning CheckStatus = "warning"
	CheckFailed  CheckStatus = "failed"
)

// CheckCategory groups checks for scoring.
type CheckCategory string

// Check categories.
const (
	CategorySEO         CheckCategory = "seo"
	CategoryTechnical   CheckCategory = "technical"
	CategoryAIReadiness CheckCategory = "ai_readiness"
)

// CheckPriority weights a check's contribution to its category score.
type CheckPriority string

// Check priorities.
const (
	PriorityCritical    CheckPriority = "critical"
	PriorityRecommended CheckPriority = "recommended"
	PriorityOptional    CheckPriority = "optional"
)

// CheckScope distinguishes per-page checks from site-wide ones.
type CheckScope string

// Check scopes. Site-wide checks run exactly once per audit, against the seed
// page's context.
const (
	ScopePage CheckScope = "page"
	ScopeSite CheckScope = "site"
)

// CheckResult records the outcome of one check against one page (or against
// the site, in which case PageURL is empty) within one audit.
type CheckResult struct {
	AuditID   string         `json:"audit_id"`
	Check     string         `json:"check"`
	Category  CheckCategory  `json:"category"`
	Priority  CheckPriority  `json:"priority"`
	PageURL   string         `json:"page_url,omitempty"`
	Status    CheckStatus    `json:"status"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// FetchRequest captures everything needed to fetch one URL.
type FetchRequest struct {
	URL     string
	Render  bool
	Headers http.Header
}

// FetchResponse is returned by a Fetcher implementation. URL is the final URL
// after redirects.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Elapsed    time.Duration
	Rendered   bool
}
