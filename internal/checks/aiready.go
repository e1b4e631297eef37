package checks

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/agencykit/siteaudit/internal/audit"
)

const (
	contentDepthGood    = 300
	contentDepthMinimum = 100
)

func aiReadinessChecks() []Definition {
	return []Definition{
		{
			Name:        "structured-data",
			Title:       "Structured data",
			Description: "JSON-LD structured data lets machines understand page entities.",
			Category:    audit.CategoryAIReadiness,
			Priority:    audit.PriorityRecommended,
			Scope:       audit.ScopePage,
			Run:         runStructuredData,
		},
		{
			Name:        "semantic-html",
			Title:       "Semantic HTML",
			Description: "Landmark elements give machine readers a document outline.",
			Category:    audit.CategoryAIReadiness,
			Priority:    audit.PriorityOptional,
			Scope:       audit.ScopePage,
			Run:         runSemanticHTML,
		},
		{
			Name:        "content-depth",
			Title:       "Content depth",
			Description: "Thin pages give language models little to ground answers on.",
			Category:    audit.CategoryAIReadiness,
			Priority:    audit.PriorityOptional,
			Scope:       audit.ScopePage,
			Run:         runContentDepth,
		},
		{
			Name:        "llms-txt",
			Title:       "llms.txt",
			Description: "An llms.txt file tells AI crawlers where the canonical content lives.",
			Category:    audit.CategoryAIReadiness,
			Priority:    audit.PriorityRecommended,
			Scope:       audit.ScopeSite,
			Run:         runLLMSTxt,
		},
	}
}

func runStructuredData(_ context.Context, c *Context) Result {
	scripts := c.Doc().Find(`script[type="application/ld+json"]`)
	if scripts.Length() == 0 {
		return failed(map[string]any{"reason": "no JSON-LD structured data"})
	}
	blocks, typed := 0, 0
	var types []string
	scripts.Each(func(_ int, sel *goquery.Selection) {
		blocks++
		var payload any
		if err := json.Unmarshal([]byte(sel.Text()), &payload); err != nil {
			return
		}
		for _, t := range jsonLDTypes(payload) {
			types = append(types, t)
		}
		if len(jsonLDTypes(payload)) > 0 {
			typed++
		}
	})
	details := map[string]any{"blocks": blocks, "types": types}
	switch {
	case typed == blocks && typed > 0:
		return passed(details)
	case typed > 0:
		details["reason"] = "some JSON-LD blocks are invalid or untyped"
		return warning(details)
	default:
		details["reason"] = "JSON-LD present but no block declares @type"
		return warning(details)
	}
}

// jsonLDTypes walks a decoded JSON-LD payload and collects @type values,
// handling both single objects and @graph arrays.
func jsonLDTypes(payload any) []string {
	var types []string
	switch value := payload.(type) {
	case map[string]any:
		switch t := value["@type"].(type) {
		case string:
			types = append(types, t)
		case []any:
			for _, item := range t {
				if s, ok := item.(string); ok {
					types = append(types, s)
				}
			}
		}
		if graph, ok := value["@graph"].([]any); ok {
			for _, node := range graph {
				types = append(types, jsonLDTypes(node)...)
			}
		}
	case []any:
		for _, node := range value {
			types = append(types, jsonLDTypes(node)...)
		}
	}
	return types
}

var semanticElements = []string{"main", "article", "nav", "header", "footer", "section", "aside"}

func runSemanticHTML(_ context.Context, c *Context) Result {
	var present []string
	for _, tag := range semanticElements {
		if c.Doc().Find(tag).Length() > 0 {
			present = append(present, tag)
		}
	}
	details := map[string]any{"elements": present}
	switch {
	case len(present) >= 2:
		return passed(details)
	case len(present) == 1:
		details["reason"] = "only one semantic landmark element in use"
		return warning(details)
	default:
		details["reason"] = "no semantic landmark elements"
		return failed(details)
	}
}

func runContentDepth(_ context.Context, c *Context) Result {
	body := c.Doc().Find("body").Clone()
	body.Find("script, style, noscript").Remove()
	words := len(strings.Fields(body.Text()))
	details := map[string]any{"word_count": words}
	switch {
	case words >= contentDepthGood:
		return passed(details)
	case words >= contentDepthMinimum:
		details["reason"] = "page content is on the thin side"
		return warning(details)
	default:
		details["reason"] = "page has very little textual content"
		return failed(details)
	}
}

func runLLMSTxt(ctx context.Context, c *Context) Result {
	status, body, err := c.Probe(ctx, "/llms.txt")
	if err != nil {
		return failed(map[string]any{"reason": "llms.txt probe failed", "error": err.Error()})
	}
	details := map[string]any{"status_code": status}
	if status != http.StatusOK {
		details["reason"] = "no llms.txt found"
		return failed(details)
	}
	if strings.TrimSpace(body) == "" {
		details["reason"] = "llms.txt exists but is empty"
		return warning(details)
	}
	return passed(details)
}
