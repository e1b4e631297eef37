// Package scorer turns a set of check results into category and overall
// scores. Scoring is a pure function of the results: the same inputs always
// produce the same scores.
package scorer

import (
	"math"

	"github.com/agencykit/siteaudit/internal/audit"
)

// Priority weights. Critical findings move the score three times as far as
// optional ones.
const (
	weightCritical    = 3
	weightRecommended = 2
	weightOptional    = 1
)

// Status credit on a 0..1 scale.
const (
	creditPassed  = 1.0
	creditWarning = 0.5
	creditFailed  = 0.0
)

// Score computes per-category scores (0..100) and an overall score from the
// given results. A category with no results scores nil rather than zero so
// absence of data is distinguishable from total failure. The overall score
// is the unweighted mean of the categories that have data.
func Score(results []audit.CheckResult) audit.Scores {
	type tally struct {
		weighted float64
		total    float64
	}
	tallies := make(map[audit.CheckCategory]*tally, 3)
	for _, result := range results {
		weight := priorityWeight(result.Priority)
		t := tallies[result.Category]
		if t == nil {
			t = &tally{}
			tallies[result.Category] = t
		}
		t.weighted += weight * statusCredit(result.Status)
		t.total += weight
	}

	categoryScore := func(category audit.CheckCategory) *int {
		t := tallies[category]
		if t == nil || t.total == 0 {
			return nil
		}
		score := int(math.Round(100 * t.weighted / t.total))
		return &score
	}

	scores := audit.Scores{
		SEO:         categoryScore(audit.CategorySEO),
		Technical:   categoryScore(audit.CategoryTechnical),
		AIReadiness: categoryScore(audit.CategoryAIReadiness),
	}

	sum, count := 0, 0
	for _, category := range []*int{scores.SEO, scores.Technical, scores.AIReadiness} {
		if category != nil {
			sum += *category
			count++
		}
	}
	if count > 0 {
		overall := int(math.Round(float64(sum) / float64(count)))
		scores.Overall = &overall
	}
	return scores
}

func priorityWeight(priority audit.CheckPriority) float64 {
	switch priority {
	case audit.PriorityCritical:
		return weightCritical
	case audit.PriorityRecommended:
		return weightRecommended
	default:
		return weightOptional
	}
}

func statusCredit(status audit.CheckStatus) float64 {
	switch status {
	case audit.CheckPassed:
		return creditPassed
	case audit.CheckWarning:
		return creditWarning
	default:
		return creditFailed
	}
}
