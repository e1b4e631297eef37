// Package client is a small Go client for the siteaudit HTTP API. It covers
// the full audit lifecycle, including the continuation protocol: Wait polls
// an audit and fires the continue trigger whenever a batch ends, so callers
// get fire-and-forget semantics over the batched server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Config parameterizes a Client.
type Config struct {
	// BaseURL is the server root, e.g. "http://localhost:8080".
	BaseURL string
	// APIKey is sent as X-API-Key when set.
	APIKey string
	// HTTPClient defaults to a client with a 30s timeout.
	HTTPClient *http.Client
}

// Client talks to a siteaudit server.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New constructs a Client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    httpClient,
	}, nil
}

// AuditStatus mirrors the server's audit lifecycle states.
type AuditStatus string

// Audit status values as reported by the server.
const (
	StatusPending       AuditStatus = "pending"
	StatusCrawling      AuditStatus = "crawling"
	StatusChecking      AuditStatus = "checking"
	StatusBatchComplete AuditStatus = "batch_complete"
	StatusCompleted     AuditStatus = "completed"
	StatusFailed        AuditStatus = "failed"
)

// Terminal reports whether the status ends the audit for good.
func (s AuditStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Scores holds the 0-100 category scores of a completed audit. A nil field
// means the category had no applicable results.
type Scores struct {
	Overall     *int `json:"overall"`
	SEO         *int `json:"seo"`
	Technical   *int `json:"technical"`
	AIReadiness *int `json:"ai_readiness"`
}

// CheckResult is one check outcome as reported by the server. PageURL is
// empty for site-wide checks.
type CheckResult struct {
	AuditID   string         `json:"audit_id"`
	Check     string         `json:"check"`
	Category  string         `json:"category"`
	Priority  string         `json:"priority"`
	PageURL   string         `json:"page_url,omitempty"`
	Status    string         `json:"status"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// StartRequest describes a new audit.
type StartRequest struct {
	URL        string `json:"url"`
	PageBudget *int   `json:"page_budget,omitempty"`
}

// StartResponse is returned when an audit is accepted.
type StartResponse struct {
	AuditID string      `json:"audit_id"`
	Status  AuditStatus `json:"status"`
}

// Status is the server's poll-safe audit view.
type Status struct {
	AuditID      string      `json:"audit_id"`
	TargetURL    string      `json:"target_url"`
	Status       AuditStatus `json:"status"`
	PageBudget   int         `json:"page_budget"`
	PagesCrawled int         `json:"pages_crawled"`
	PagesChecked int         `json:"pages_checked"`
	Scores       *Scores     `json:"scores,omitempty"`
	Error        string      `json:"error,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	StartedAt    *time.Time  `json:"started_at,omitempty"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
}

// ChecksResponse lists an audit's check results.
type ChecksResponse struct {
	AuditID string        `json:"audit_id"`
	Results []CheckResult `json:"results"`
}

// ContinueResponse reports whether a continue call actually resumed a batch.
type ContinueResponse struct {
	AuditID string      `json:"audit_id"`
	Status  AuditStatus `json:"status"`
	Resumed bool        `json:"resumed"`
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("siteaudit: %d %s", e.StatusCode, e.Message)
}

// Start submits a new audit.
func (c *Client) Start(ctx context.Context, req StartRequest) (StartResponse, error) {
	var resp StartResponse
	err := c.do(ctx, http.MethodPost, "/v1/audits", req, &resp)
	return resp, err
}

// Status fetches the current audit state.
func (c *Client) Status(ctx context.Context, auditID string) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, "/v1/audits/"+auditID+"/status", nil, &resp)
	return resp, err
}

// Checks fetches the audit's check results so far.
func (c *Client) Checks(ctx context.Context, auditID string) (ChecksResponse, error) {
	var resp ChecksResponse
	err := c.do(ctx, http.MethodGet, "/v1/audits/"+auditID+"/checks", nil, &resp)
	return resp, err
}

// Continue asks the server to run the next batch. Safe to call repeatedly.
func (c *Client) Continue(ctx context.Context, auditID string) (ContinueResponse, error) {
	var resp ContinueResponse
	err := c.do(ctx, http.MethodPost, "/v1/audits/"+auditID+"/continue", nil, &resp)
	return resp, err
}

// Cancel aborts a running audit.
func (c *Client) Cancel(ctx context.Context, auditID string) error {
	return c.do(ctx, http.MethodPost, "/v1/audits/"+auditID+"/cancel", nil, nil)
}

// Wait polls the audit at the given interval until it reaches a terminal
// status, issuing a continue call each time it observes batch_complete. It
// returns the final status.
func (c *Client) Wait(ctx context.Context, auditID string, interval time.Duration) (Status, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := c.Status(ctx, auditID)
		if err != nil {
			return Status{}, err
		}
		if status.Status.Terminal() {
			return status, nil
		}
		if status.Status == StatusBatchComplete {
			if _, err := c.Continue(ctx, auditID); err != nil {
				return Status{}, err
			}
		}
		select {
		case <-ctx.Done():
			return Status{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		message := resp.Status
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			message = apiErr.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: message}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
