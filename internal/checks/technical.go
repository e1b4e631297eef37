package checks

import (
	"context"
	"net/http"
	"strings"

	"github.com/agencykit/siteaudit/internal/audit"
)

func technicalChecks() []Definition {
	return []Definition{
		{
			Name:        "https-scheme",
			Title:       "HTTPS",
			Description: "Pages must be served over TLS.",
			Category:    audit.CategoryTechnical,
			Priority:    audit.PriorityCritical,
			Scope:       audit.ScopePage,
			Run:         runHTTPSScheme,
		},
		{
			Name:        "http-status",
			Title:       "HTTP status",
			Description: "Crawled pages should respond with a success status.",
			Category:    audit.CategoryTechnical,
			Priority:    audit.PriorityCritical,
			Scope:       audit.ScopePage,
			Run:         runHTTPStatus,
		},
		{
			Name:        "viewport-meta",
			Title:       "Viewport meta tag",
			Description: "Mobile rendering requires a viewport declaration.",
			Category:    audit.CategoryTechnical,
			Priority:    audit.PriorityCritical,
			Scope:       audit.ScopePage,
			Run:         runViewportMeta,
		},
		{
			Name:        "noindex-directive",
			Title:       "Noindex directive",
			Description: "A stray noindex removes the page from search entirely.",
			Category:    audit.CategoryTechnical,
			Priority:    audit.PriorityCritical,
			Scope:       audit.ScopePage,
			Run:         runNoindexDirective,
		},
		{
			Name:        "html-lang",
			Title:       "HTML lang attribute",
			Description: "The lang attribute helps search engines and screen readers.",
			Category:    audit.CategoryTechnical,
			Priority:    audit.PriorityRecommended,
			Scope:       audit.ScopePage,
			Run:         runHTMLLang,
		},
		{
			Name:        "robots-txt",
			Title:       "robots.txt",
			Description: "A robots.txt file controls crawler access site-wide.",
			Category:    audit.CategoryTechnical,
			Priority:    audit.PriorityRecommended,
			Scope:       audit.ScopeSite,
			Run:         runRobotsTxt,
		},
		{
			Name:        "sitemap-xml",
			Title:       "XML sitemap",
			Description: "A sitemap helps crawlers discover every page.",
			Category:    audit.CategoryTechnical,
			Priority:    audit.PriorityRecommended,
			Scope:       audit.ScopeSite,
			Run:         runSitemapXML,
		},
		{
			Name:        "favicon",
			Title:       "Favicon",
			Description: "A favicon is expected by browsers and some result pages.",
			Category:    audit.CategoryTechnical,
			Priority:    audit.PriorityOptional,
			Scope:       audit.ScopeSite,
			Run:         runFavicon,
		},
		{
			Name:        "custom-404",
			Title:       "Custom 404 page",
			Description: "Unknown paths should return a real 404, not a soft 200.",
			Category:    audit.CategoryTechnical,
			Priority:    audit.PriorityOptional,
			Scope:       audit.ScopeSite,
			Run:         runCustom404,
		},
	}
}

func runHTTPSScheme(_ context.Context, c *Context) Result {
	if strings.HasPrefix(c.URL, "https://") {
		return passed(map[string]any{"scheme": "https"})
	}
	return failed(map[string]any{"scheme": "http", "reason": "page served without TLS"})
}

func runHTTPStatus(_ context.Context, c *Context) Result {
	details := map[string]any{"status_code": c.StatusCode}
	switch {
	case c.StatusCode >= 200 && c.StatusCode < 300:
		return passed(details)
	case c.StatusCode >= 300 && c.StatusCode < 400:
		details["reason"] = "page responded with a redirect"
		return warning(details)
	default:
		details["reason"] = "page responded with an error status"
		return failed(details)
	}
}

func runViewportMeta(_ context.Context, c *Context) Result {
	content, ok := c.Doc().Find(`head meta[name="viewport"]`).First().Attr("content")
	if !ok || strings.TrimSpace(content) == "" {
		return failed(map[string]any{"reason": "missing viewport meta tag"})
	}
	return passed(map[string]any{"viewport": content})
}

func runNoindexDirective(_ context.Context, c *Context) Result {
	content, _ := c.Doc().Find(`head meta[name="robots"]`).First().Attr("content")
	directives := strings.ToLower(content)
	if strings.Contains(directives, "noindex") {
		return failed(map[string]any{
			"robots": content,
			"reason": "page carries a noindex directive",
		})
	}
	details := map[string]any{}
	if content != "" {
		details["robots"] = content
	}
	return passed(details)
}

func runHTMLLang(_ context.Context, c *Context) Result {
	lang, ok := c.Doc().Find("html").First().Attr("lang")
	lang = strings.TrimSpace(lang)
	if !ok || lang == "" {
		return failed(map[string]any{"reason": "missing lang attribute on <html>"})
	}
	return passed(map[string]any{"lang": lang})
}

func runRobotsTxt(ctx context.Context, c *Context) Result {
	status, body, err := c.Probe(ctx, "/robots.txt")
	if err != nil {
		return failed(map[string]any{"reason": "robots.txt probe failed", "error": err.Error()})
	}
	details := map[string]any{"status_code": status}
	if status != http.StatusOK {
		details["reason"] = "no robots.txt found"
		return failed(details)
	}
	if !strings.Contains(strings.ToLower(body), "user-agent") {
		details["reason"] = "robots.txt present but has no User-agent directive"
		return warning(details)
	}
	return passed(details)
}

func runSitemapXML(ctx context.Context, c *Context) Result {
	status, body, err := c.Probe(ctx, "/sitemap.xml")
	if err != nil {
		return failed(map[string]any{"reason": "sitemap probe failed", "error": err.Error()})
	}
	details := map[string]any{"status_code": status}
	if status != http.StatusOK {
		details["reason"] = "no sitemap.xml found"
		return failed(details)
	}
	lowered := strings.ToLower(body)
	if !strings.Contains(lowered, "<urlset") && !strings.Contains(lowered, "<sitemapindex") {
		details["reason"] = "sitemap.xml does not look like a sitemap"
		return warning(details)
	}
	return passed(details)
}

func runFavicon(ctx context.Context, c *Context) Result {
	if href, ok := c.Doc().Find(`head link[rel~="icon"]`).First().Attr("href"); ok && href != "" {
		return passed(map[string]any{"source": "link tag", "href": href})
	}
	status, _, err := c.Probe(ctx, "/favicon.ico")
	if err != nil {
		return failed(map[string]any{"reason": "favicon probe failed", "error": err.Error()})
	}
	if status == http.StatusOK {
		return passed(map[string]any{"source": "/favicon.ico"})
	}
	return failed(map[string]any{"status_code": status, "reason": "no favicon found"})
}

// custom404ProbePath is unlikely to exist on any real site.
const custom404ProbePath = "/siteaudit-missing-page-check-a1b2c3"

func runCustom404(ctx context.Context, c *Context) Result {
	status, _, err := c.Probe(ctx, custom404ProbePath)
	if err != nil {
		return failed(map[string]any{"reason": "404 probe failed", "error": err.Error()})
	}
	details := map[string]any{"status_code": status}
	switch {
	case status == http.StatusNotFound || status == http.StatusGone:
		return passed(details)
	case status >= 200 && status < 300:
		details["reason"] = "unknown path returned a success status (soft 404)"
		return warning(details)
	default:
		details["reason"] = "unknown path returned an unexpected status"
		return warning(details)
	}
}
