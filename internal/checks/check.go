// Package checks defines the audit check catalogue: independently authored
// SEO, technical, and AI-readiness rules evaluated per page or once per site.
package checks

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/agencykit/siteaudit/internal/audit"
)

// Context bundles everything a check may inspect: the page's URL, markup,
// parsed document, HTTP status, and the full set of discovered pages for
// cross-page context. Checks are pure functions of this context plus any
// companion-file probes they perform through Client.
type Context struct {
	URL        string
	Origin     string
	HTML       string
	Title      string
	StatusCode int
	Rendered   bool
	Pages      []audit.Page
	Client     *http.Client

	doc *goquery.Document
}

// NewContext parses the page markup and prepares a check context.
func NewContext(page audit.Page, pages []audit.Page, client *http.Client) (*Context, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.HTML))
	if err != nil {
		return nil, fmt.Errorf("parse markup for %s: %w", page.URL, err)
	}
	origin, err := audit.Origin(page.URL)
	if err != nil {
		return nil, fmt.Errorf("page origin: %w", err)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Context{
		URL:        page.URL,
		Origin:     origin,
		HTML:       page.HTML,
		Title:      strings.TrimSpace(doc.Find("head title").First().Text()),
		StatusCode: page.StatusCode,
		Rendered:   page.Rendered,
		Pages:      pages,
		Client:     client,
		doc:        doc,
	}, nil
}

// Doc returns the parsed document.
func (c *Context) Doc() *goquery.Document {
	return c.doc
}

// Probe fetches a companion file relative to the page origin (e.g.
// /robots.txt) and returns the status code and a bounded body prefix.
// Transport failures are reported through the error return.
func (c *Context) Probe(ctx context.Context, path string) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Origin+path, nil)
	if err != nil {
		return 0, "", fmt.Errorf("build probe request: %w", err)
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("probe %s: %w", path, err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only probe

	const maxProbeBody = 64 * 1024
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))
	if err != nil {
		return resp.StatusCode, "", fmt.Errorf("read probe body: %w", err)
	}
	return resp.StatusCode, string(body), nil
}

// Result is the normalized outcome of one check run.
type Result struct {
	Status  audit.CheckStatus
	Details map[string]any
}

// Definition is a named, versionless audit rule. Definitions are immutable
// and collected into the static registry at process start.
type Definition struct {
	Name        string
	Title       string
	Description string
	Category    audit.CheckCategory
	Priority    audit.CheckPriority
	Scope       audit.CheckScope
	Run         func(ctx context.Context, c *Context) Result
}

func passed(details map[string]any) Result {
	return Result{Status: audit.CheckPassed, Details: details}
}

func warning(details map[string]any) Result {
	return Result{Status: audit.CheckWarning, Details: details}
}

func failed(details map[string]any) Result {
	return Result{Status: audit.CheckFailed, Details: details}
}
