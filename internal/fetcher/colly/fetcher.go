// Package collyfetcher implements audit.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/agencykit/siteaudit/internal/audit"
)

// Config controls collector behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxRedirects int
}

const (
	defaultTimeout      = 8 * time.Second
	defaultMaxRedirects = 5
)

// Fetcher implements audit.Fetcher using the Colly collector. Each Fetch
// clones the base collector so per-request hooks never leak between calls.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = defaultMaxRedirects
	}
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true

	transport := newHTTPTransport()
	c.WithTransport(transport)

	return &Fetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP GET. Non-2xx responses are returned as a
// FetchResponse carrying the status code; only transport-level failures
// (DNS, timeout, too many redirects) surface as errors.
func (f *Fetcher) Fetch(ctx context.Context, request audit.FetchRequest) (audit.FetchResponse, error) {
	var (
		result   audit.FetchResponse
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(request, start, &result, &fetchErr)

	err := f.runCollector(ctx, collector, request.URL)
	// A recorded status wins over the visit error: colly reports non-2xx
	// responses as errors, but for the audit those are results.
	if result.StatusCode > 0 {
		return result, nil
	}
	if err != nil {
		return audit.FetchResponse{}, err
	}
	if fetchErr != nil {
		return audit.FetchResponse{}, fmt.Errorf("fetch %s: %w", request.URL, fetchErr)
	}
	return result, nil
}

func (f *Fetcher) buildCollector(
	request audit.FetchRequest,
	start time.Time,
	result *audit.FetchResponse,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)
	collector.WithTransport(f.transport)

	maxRedirects := f.cfg.MaxRedirects
	collector.SetRedirectHandler(func(_ *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		return nil
	})

	record := func(r *colly.Response) {
		*result = audit.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    cloneHeaders(r.Headers),
			Body:       append([]byte(nil), r.Body...),
			Elapsed:    time.Since(start),
		}
	}

	collector.OnRequest(func(r *colly.Request) {
		copyHeaders(request.Headers, r)
	})
	collector.OnResponse(record)
	collector.OnError(func(r *colly.Response, err error) {
		// Colly reports non-2xx statuses through OnError with the response
		// attached; keep those as results rather than failures.
		if r != nil && r.StatusCode > 0 {
			record(r)
			return
		}
		*fetchErr = err
	})
	return collector
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		var alreadyVisited *colly.AlreadyVisitedError
		if err != nil && !errors.As(err, &alreadyVisited) {
			return fmt.Errorf("visit %s: %w", url, err)
		}
		return nil
	}
}

func copyHeaders(src http.Header, r *colly.Request) {
	if src == nil {
		return
	}
	for key, values := range src {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func cloneHeaders(h *http.Header) http.Header {
	if h == nil {
		return http.Header{}
	}
	return h.Clone()
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
