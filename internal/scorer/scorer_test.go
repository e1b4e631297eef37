package scorer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agencykit/siteaudit/internal/audit"
)

func result(category audit.CheckCategory, priority audit.CheckPriority, status audit.CheckStatus) audit.CheckResult {
	return audit.CheckResult{
		Check:    "test-check",
		Category: category,
		Priority: priority,
		Status:   status,
	}
}

func TestScoreEmptyResults(t *testing.T) {
	t.Parallel()

	scores := Score(nil)
	require.Nil(t, scores.Overall)
	require.Nil(t, scores.SEO)
	require.Nil(t, scores.Technical)
	require.Nil(t, scores.AIReadiness)
}

func TestScoreAllPassedIsHundred(t *testing.T) {
	t.Parallel()

	scores := Score([]audit.CheckResult{
		result(audit.CategorySEO, audit.PriorityCritical, audit.CheckPassed),
		result(audit.CategorySEO, audit.PriorityOptional, audit.CheckPassed),
		result(audit.CategoryTechnical, audit.PriorityRecommended, audit.CheckPassed),
	})
	require.NotNil(t, scores.SEO)
	require.Equal(t, 100, *scores.SEO)
	require.Equal(t, 100, *scores.Technical)
	require.Nil(t, scores.AIReadiness)
	require.Equal(t, 100, *scores.Overall)
}

func TestScoreWeightsPriorities(t *testing.T) {
	t.Parallel()

	// Critical failure (weight 3, credit 0) against optional pass (weight 1,
	// credit 1): 100 * 1/4 = 25.
	scores := Score([]audit.CheckResult{
		result(audit.CategorySEO, audit.PriorityCritical, audit.CheckFailed),
		result(audit.CategorySEO, audit.PriorityOptional, audit.CheckPassed),
	})
	require.Equal(t, 25, *scores.SEO)

	// Flipping the priorities inverts the damage: 100 * 3/4 = 75.
	flipped := Score([]audit.CheckResult{
		result(audit.CategorySEO, audit.PriorityOptional, audit.CheckFailed),
		result(audit.CategorySEO, audit.PriorityCritical, audit.CheckPassed),
	})
	require.Equal(t, 75, *flipped.SEO)
}

func TestScoreWarningIsHalfCredit(t *testing.T) {
	t.Parallel()

	scores := Score([]audit.CheckResult{
		result(audit.CategoryTechnical, audit.PriorityRecommended, audit.CheckWarning),
	})
	require.Equal(t, 50, *scores.Technical)
}

func TestScoreFailureStrictlyLowersCategory(t *testing.T) {
	t.Parallel()

	base := []audit.CheckResult{
		result(audit.CategorySEO, audit.PriorityCritical, audit.CheckPassed),
		result(audit.CategorySEO, audit.PriorityRecommended, audit.CheckPassed),
	}
	clean := Score(base)

	withFailure := Score(append(base,
		result(audit.CategorySEO, audit.PriorityOptional, audit.CheckFailed)))

	require.Less(t, *withFailure.SEO, *clean.SEO)
}

func TestScoreOverallIsMeanOfPresentCategories(t *testing.T) {
	t.Parallel()

	scores := Score([]audit.CheckResult{
		result(audit.CategorySEO, audit.PriorityOptional, audit.CheckPassed),       // 100
		result(audit.CategoryTechnical, audit.PriorityOptional, audit.CheckFailed), // 0
	})
	require.Equal(t, 100, *scores.SEO)
	require.Equal(t, 0, *scores.Technical)
	require.Nil(t, scores.AIReadiness)
	require.Equal(t, 50, *scores.Overall)
}

func TestScoreIsDeterministic(t *testing.T) {
	t.Parallel()

	results := []audit.CheckResult{
		result(audit.CategorySEO, audit.PriorityCritical, audit.CheckWarning),
		result(audit.CategoryTechnical, audit.PriorityRecommended, audit.CheckPassed),
		result(audit.CategoryAIReadiness, audit.PriorityOptional, audit.CheckFailed),
	}

	first := Score(results)
	for i := 0; i < 10; i++ {
		require.Equal(t, first, Score(results))
	}
}
