// Package fetcher provides page retrieval and link discovery for the audit
// crawler.
package fetcher

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/agencykit/siteaudit/internal/audit"
)

// ExtractLinks parses markup and returns the ordered, deduplicated set of
// absolute same-origin URLs it links to. Relative paths are resolved against
// baseURL; fragment-only links, mailto/tel, and other non-HTTP schemes are
// ignored.
func ExtractLinks(html string, baseURL string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse markup: %w", err)
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	seen := make(map[string]struct{})
	var links []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		if ref.Scheme != "" && ref.Scheme != "http" && ref.Scheme != "https" {
			return
		}
		abs := base.ResolveReference(ref)
		normalized, err := audit.NormalizeURL(abs.String())
		if err != nil {
			return
		}
		if !audit.SameOrigin(normalized, baseURL) {
			return
		}
		if _, ok := seen[normalized]; ok {
			return
		}
		seen[normalized] = struct{}{}
		links = append(links, normalized)
	})
	return links, nil
}
