package quality

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalagman/specdrive/internal/stage"
)

func issueFrom(id, answer string, c Confidence, m Magnitude, r Resolvability) AgentIssue {
	return AgentIssue{
		ID:            id,
		Question:      "What is the retention period?",
		Answer:        answer,
		Confidence:    c,
		Magnitude:     m,
		Resolvability: r,
	}
}

func TestMergeIssuesCollectsAnswersByID(t *testing.T) {
	perAgent := map[string][]AgentIssue{
		"gemini":  {issueFrom("Q1", "30 days", ConfidenceHigh, MagnitudeMinor, ResolvabilityAutoFix)},
		"claude":  {issueFrom("Q1", "30 days", ConfidenceHigh, MagnitudeMinor, ResolvabilityAutoFix)},
		"gpt_pro": {issueFrom("Q2", "use UTC", ConfidenceMedium, MagnitudeImportant, ResolvabilitySuggestFix)},
	}
	merged := MergeIssues(stage.GateClarify, perAgent)
	require.Len(t, merged, 2)
	assert.Equal(t, "Q1", merged[0].ID)
	assert.Equal(t, map[string]string{"gemini": "30 days", "claude": "30 days"}, merged[0].AgentAnswers)
	assert.Equal(t, stage.GateClarify, merged[0].GateType)
	assert.Equal(t, map[string]string{"gpt_pro": "use UTC"}, merged[1].AgentAnswers)
}

func TestMergeIssuesConfidenceMajorityTiesResolveLower(t *testing.T) {
	perAgent := map[string][]AgentIssue{
		"gemini": {issueFrom("Q1", "a", ConfidenceHigh, MagnitudeMinor, ResolvabilityAutoFix)},
		"claude": {issueFrom("Q1", "a", ConfidenceMedium, MagnitudeMinor, ResolvabilityAutoFix)},
	}
	merged := MergeIssues(stage.GateClarify, perAgent)
	require.Len(t, merged, 1)
	assert.Equal(t, ConfidenceMedium, merged[0].Confidence)

	perAgent["gpt_pro"] = []AgentIssue{issueFrom("Q1", "a", ConfidenceHigh, MagnitudeMinor, ResolvabilityAutoFix)}
	merged = MergeIssues(stage.GateClarify, perAgent)
	assert.Equal(t, ConfidenceHigh, merged[0].Confidence)
}

func TestMergeIssuesTakesMaxMagnitudeMinResolvability(t *testing.T) {
	perAgent := map[string][]AgentIssue{
		"gemini": {issueFrom("Q1", "a", ConfidenceHigh, MagnitudeMinor, ResolvabilityAutoFix)},
		"claude": {issueFrom("Q1", "a", ConfidenceHigh, MagnitudeCritical, ResolvabilityNeedHuman)},
	}
	merged := MergeIssues(stage.GateAnalyze, perAgent)
	require.Len(t, merged, 1)
	assert.Equal(t, MagnitudeCritical, merged[0].Magnitude)
	assert.Equal(t, ResolvabilityNeedHuman, merged[0].Resolvability)
}

func TestMajorityAnswer(t *testing.T) {
	issue := Issue{AgentAnswers: map[string]string{
		"gemini":  "30 days",
		"claude":  "30 days",
		"gpt_pro": "90 days",
	}}
	answer, ok := MajorityAnswer(issue)
	require.True(t, ok)
	assert.Equal(t, "30 days", answer)

	_, ok = MajorityAnswer(Issue{})
	assert.False(t, ok)
}

func TestMajorityAnswerTieBreaksByCanonicalOrder(t *testing.T) {
	// 1-1 tie: gemini outranks gpt_pro in the canonical ordering.
	issue := Issue{AgentAnswers: map[string]string{
		"gpt_pro": "90 days",
		"gemini":  "30 days",
	}}
	answer, ok := MajorityAnswer(issue)
	require.True(t, ok)
	assert.Equal(t, "30 days", answer)

	// gpt_codex outranks gpt_pro, matching the stage roster.
	issue = Issue{AgentAnswers: map[string]string{
		"gpt_pro":   "90 days",
		"gpt_codex": "60 days",
	}}
	answer, ok = MajorityAnswer(issue)
	require.True(t, ok)
	assert.Equal(t, "60 days", answer)
}

func TestCanonicalOrderCoversRoster(t *testing.T) {
	assert.Equal(t, stage.Implement.ExpectedAgents(), canonicalAgentOrder)
}

func TestUnanimousAndAnswerTied(t *testing.T) {
	unanimous := Issue{AgentAnswers: map[string]string{"gemini": "a", "claude": "a"}}
	assert.True(t, Unanimous(unanimous))
	assert.False(t, AnswerTied(unanimous))

	split := Issue{AgentAnswers: map[string]string{"gemini": "a", "claude": "b"}}
	assert.False(t, Unanimous(split))
	assert.True(t, AnswerTied(split))

	assert.False(t, Unanimous(Issue{}))
}
