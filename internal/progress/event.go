// Package progress defines the event stream emitted while an audit runs:
// page fetches, check completions, and status transitions, fanned out to
// logging and metrics sinks.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/agencykit/siteaudit/internal/audit"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageStatusChange Stage = "STATUS_CHANGE"
	StagePageCrawled  Stage = "PAGE_CRAWLED"
	StageCheckDone    Stage = "CHECK_DONE"
	StageAuditDone    Stage = "AUDIT_DONE"
	StageAuditError   Stage = "AUDIT_ERROR"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for page fetches.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single milestone of audit progress.
type Event struct {
	// AuditID identifies the audit this event belongs to.
	AuditID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Status carries the new audit status for STATUS_CHANGE events.
	Status audit.Status
	// URL is the page URL for page and check events.
	URL string
	// Check names the completed check for CHECK_DONE events.
	Check string
	// CheckStatus is the outcome of a completed check.
	CheckStatus audit.CheckStatus
	// StatusClass groups the HTTP response code of a crawled page.
	StatusClass StatusClass
	// Bytes carries the response size for a crawled page.
	Bytes int64
	// Dur captures fetch latency or total audit runtime.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.AuditID == "" {
		return errors.New("audit id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageAuditDone, StageAuditError:
	case StageStatusChange:
		if e.Status == "" {
			return errors.New("status change requires a status")
		}
	case StagePageCrawled:
		if e.URL == "" {
			return errors.New("page crawled requires a url")
		}
	case StageCheckDone:
		if e.Check == "" {
			return errors.New("check done requires a check name")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// ClassifyStatus groups HTTP status codes for page events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
