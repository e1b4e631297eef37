package checks

import (
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/agencykit/siteaudit/internal/audit"
)

const (
	titleMinLength = 10
	titleMaxLength = 70
	descMinLength  = 50
	descMaxLength  = 160
)

func seoChecks() []Definition {
	return []Definition{
		{
			Name:        "title-tag",
			Title:       "Title tag",
			Description: "Every page needs a unique, descriptive <title> of a sensible length.",
			Category:    audit.CategorySEO,
			Priority:    audit.PriorityCritical,
			Scope:       audit.ScopePage,
			Run:         runTitleTag,
		},
		{
			Name:        "meta-description",
			Title:       "Meta description",
			Description: "A meta description drives click-through from search results.",
			Category:    audit.CategorySEO,
			Priority:    audit.PriorityCritical,
			Scope:       audit.ScopePage,
			Run:         runMetaDescription,
		},
		{
			Name:        "single-h1",
			Title:       "Single H1 heading",
			Description: "Exactly one <h1> should anchor the page's topic.",
			Category:    audit.CategorySEO,
			Priority:    audit.PriorityRecommended,
			Scope:       audit.ScopePage,
			Run:         runSingleH1,
		},
		{
			Name:        "heading-order",
			Title:       "Heading hierarchy",
			Description: "Headings should descend without skipping levels.",
			Category:    audit.CategorySEO,
			Priority:    audit.PriorityRecommended,
			Scope:       audit.ScopePage,
			Run:         runHeadingOrder,
		},
		{
			Name:        "image-alt-text",
			Title:       "Image alt text",
			Description: "Images need alt attributes for accessibility and indexing.",
			Category:    audit.CategorySEO,
			Priority:    audit.PriorityRecommended,
			Scope:       audit.ScopePage,
			Run:         runImageAltText,
		},
		{
			Name:        "canonical-url",
			Title:       "Canonical URL",
			Description: "A canonical link prevents duplicate-content dilution.",
			Category:    audit.CategorySEO,
			Priority:    audit.PriorityRecommended,
			Scope:       audit.ScopePage,
			Run:         runCanonicalURL,
		},
		{
			Name:        "open-graph",
			Title:       "Open Graph tags",
			Description: "og:title and og:description control link previews when shared.",
			Category:    audit.CategorySEO,
			Priority:    audit.PriorityOptional,
			Scope:       audit.ScopePage,
			Run:         runOpenGraph,
		},
		{
			Name:        "descriptive-links",
			Title:       "Descriptive link text",
			Description: "Anchor text like \"click here\" tells crawlers nothing.",
			Category:    audit.CategorySEO,
			Priority:    audit.PriorityOptional,
			Scope:       audit.ScopePage,
			Run:         runDescriptiveLinks,
		},
	}
}

func runTitleTag(_ context.Context, c *Context) Result {
	title := c.Title
	if title == "" {
		return failed(map[string]any{"reason": "missing <title> tag"})
	}
	length := len([]rune(title))
	details := map[string]any{"title": title, "length": length}
	if length < titleMinLength || length > titleMaxLength {
		details["reason"] = "title length outside recommended range"
		details["recommended_min"] = titleMinLength
		details["recommended_max"] = titleMaxLength
		return warning(details)
	}
	return passed(details)
}

func runMetaDescription(_ context.Context, c *Context) Result {
	desc, ok := c.Doc().Find(`head meta[name="description"]`).First().Attr("content")
	desc = strings.TrimSpace(desc)
	if !ok || desc == "" {
		return failed(map[string]any{"reason": "missing meta description"})
	}
	length := len([]rune(desc))
	details := map[string]any{"description": desc, "length": length}
	if length < descMinLength || length > descMaxLength {
		details["reason"] = "description length outside recommended range"
		details["recommended_min"] = descMinLength
		details["recommended_max"] = descMaxLength
		return warning(details)
	}
	return passed(details)
}

func runSingleH1(_ context.Context, c *Context) Result {
	h1s := c.Doc().Find("h1")
	count := h1s.Length()
	details := map[string]any{"count": count}
	switch {
	case count == 0:
		details["reason"] = "no <h1> heading found"
		return failed(details)
	case count > 1:
		details["reason"] = "multiple <h1> headings dilute the page topic"
		return warning(details)
	default:
		details["text"] = strings.TrimSpace(h1s.First().Text())
		return passed(details)
	}
}

var headingLevels = map[string]int{"h1": 1, "h2": 2, "h3": 3, "h4": 4, "h5": 5, "h6": 6}

func runHeadingOrder(_ context.Context, c *Context) Result {
	var sequence []int
	c.Doc().Find("h1, h2, h3, h4, h5, h6").Each(func(_ int, sel *goquery.Selection) {
		if level, ok := headingLevels[goquery.NodeName(sel)]; ok {
			sequence = append(sequence, level)
		}
	})
	if len(sequence) == 0 {
		return failed(map[string]any{"reason": "page has no headings"})
	}
	details := map[string]any{"headings": len(sequence)}
	prev := sequence[0]
	for _, level := range sequence[1:] {
		if level > prev+1 {
			details["reason"] = "heading level skipped"
			details["from"] = prev
			details["to"] = level
			return warning(details)
		}
		prev = level
	}
	return passed(details)
}

func runImageAltText(_ context.Context, c *Context) Result {
	images := c.Doc().Find("img")
	total := images.Length()
	if total == 0 {
		return passed(map[string]any{"images": 0})
	}
	withAlt := 0
	images.Each(func(_ int, sel *goquery.Selection) {
		if alt, ok := sel.Attr("alt"); ok && strings.TrimSpace(alt) != "" {
			withAlt++
		}
	})
	details := map[string]any{"images": total, "with_alt": withAlt}
	switch {
	case withAlt == total:
		return passed(details)
	case withAlt*100/total >= 80:
		details["reason"] = "some images are missing alt text"
		return warning(details)
	default:
		details["reason"] = "most images are missing alt text"
		return failed(details)
	}
}

func runCanonicalURL(_ context.Context, c *Context) Result {
	href, ok := c.Doc().Find(`head link[rel="canonical"]`).First().Attr("href")
	href = strings.TrimSpace(href)
	if !ok || href == "" {
		return failed(map[string]any{"reason": "missing canonical link"})
	}
	details := map[string]any{"canonical": href}
	normalized, err := audit.NormalizeURL(href)
	if err == nil && normalized != c.URL {
		// Pointing elsewhere may be deliberate (e.g. pagination), so this is
		// only flagged, not failed.
		details["reason"] = "canonical points to a different URL"
		details["page_url"] = c.URL
		return warning(details)
	}
	return passed(details)
}

func runOpenGraph(_ context.Context, c *Context) Result {
	title := metaProperty(c.Doc(), "og:title")
	desc := metaProperty(c.Doc(), "og:description")
	details := map[string]any{"og_title": title != "", "og_description": desc != ""}
	switch {
	case title != "" && desc != "":
		return passed(details)
	case title != "" || desc != "":
		details["reason"] = "incomplete Open Graph tags"
		return warning(details)
	default:
		details["reason"] = "no Open Graph tags"
		return failed(details)
	}
}

func metaProperty(doc *goquery.Document, property string) string {
	content, _ := doc.Find(`head meta[property="` + property + `"]`).First().Attr("content")
	return strings.TrimSpace(content)
}

var genericAnchorText = map[string]struct{}{
	"click here": {},
	"here":       {},
	"read more":  {},
	"more":       {},
	"link":       {},
	"learn more": {},
	"this":       {},
}

func runDescriptiveLinks(_ context.Context, c *Context) Result {
	var generic []string
	c.Doc().Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		text := strings.ToLower(strings.TrimSpace(sel.Text()))
		if _, ok := genericAnchorText[text]; ok {
			generic = append(generic, text)
		}
	})
	if len(generic) == 0 {
		return passed(map[string]any{"generic_anchors": 0})
	}
	// Heuristic only: surrounding context may make these anchors fine.
	return warning(map[string]any{
		"generic_anchors": len(generic),
		"examples":        generic,
		"reason":          "anchors with generic text found",
	})
}
