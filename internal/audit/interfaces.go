package audit

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by all Store implementations.
var (
	ErrNotFound      = errors.New("audit not found")
	ErrAlreadyExists = errors.New("audit already exists")
	ErrTerminal      = errors.New("audit is in a terminal state")
)

// Update carries the mutable audit fields persisted between batches. Nil
// pointer fields (and an empty Status) are left untouched by the store.
type Update struct {
	Status       Status
	ErrorText    *string
	Cursor       *int
	PagesCrawled *int
	Frontier     *[]Seed
	Scores       *Scores
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// Store persists audits, pages, and check results. All writes are additive
// apart from UpdateAudit; implementations must reject transitions out of a
// terminal status with ErrTerminal.
type Store interface {
	CreateAudit(ctx context.Context, a Audit) error
	GetAudit(ctx context.Context, auditID string) (Audit, error)
	UpdateAudit(ctx context.Context, auditID string, upd Update) error
	InsertPages(ctx context.Context, auditID string, pages []Page) error
	ListPages(ctx context.Context, auditID string) ([]Page, error)
	InsertCheckResults(ctx context.Context, auditID string, results []CheckResult) error
	ListCheckResults(ctx context.Context, auditID string) ([]CheckResult, error)
}

// BlobStore archives raw page markup. PutObject returns a URI; GetObject
// reads the archived content back for check runs that resume after the
// original crawl batch ended.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
	GetObject(ctx context.Context, path string) ([]byte, error)
}

// Publisher pushes audit lifecycle events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher fetches a URL and returns the body plus metadata. Transport-level
// failures surface as the error return; callers decide whether that is
// crawl-stopping or a per-page-skippable condition.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// RenderDetector decides whether a fetched page warrants a headless re-fetch.
type RenderDetector interface {
	ShouldRender(resp FetchResponse) bool
}

// Hasher computes digests for content hashing.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces audit IDs.
type IDGenerator interface {
	NewID() (string, error)
}
