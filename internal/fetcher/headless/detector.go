package headless

import (
	"bytes"
	"strings"

	"github.com/agencykit/siteaudit/internal/audit"
)

// Detector implements rule-based render promotion: pages that look like
// client-rendered shells get a second, headless fetch so checks inspect the
// real DOM instead of an empty mount point.
type Detector struct {
	BodyLengthThreshold int
}

const defaultBodyLengthThreshold = 2048

// NewDetector creates a new Detector.
func NewDetector(threshold int) *Detector {
	if threshold == 0 {
		threshold = defaultBodyLengthThreshold
	}
	return &Detector{BodyLengthThreshold: threshold}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
}

// ShouldRender decides whether a headless re-fetch is warranted.
func (d *Detector) ShouldRender(resp audit.FetchResponse) bool {
	if resp.StatusCode != 200 {
		return false
	}
	body := resp.Body
	if len(body) == 0 {
		return true
	}
	if len(body) < d.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

// scriptDensityHigh reports whether script tags cover at least a quarter of
// the document.
func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	coverage := 0
	pos := 0
	for {
		relStart := strings.Index(lower[pos:], openTag)
		if relStart == -1 {
			break
		}
		start := pos + relStart

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			coverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		relEnd := strings.Index(lower[contentStart:], closeTag)
		var next int
		if relEnd == -1 {
			next = total
		} else {
			next = contentStart + relEnd + len(closeTag)
		}
		coverage += next - start
		pos = next
	}

	if coverage == 0 {
		return false
	}
	return coverage*100/total >= 25
}
