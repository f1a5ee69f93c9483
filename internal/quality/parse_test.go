package quality

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validIssuesPayload = `{
  "issues": [
    {
      "id": "Q1",
      "question": "What is the retention period?",
      "answer": "30 days",
      "confidence": "high",
      "magnitude": "minor",
      "resolvability": "auto-fix"
    }
  ]
}`

func TestParseIssuesValidPayload(t *testing.T) {
	issues, err := ParseIssues(validIssuesPayload)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, "Q1", issues[0].ID)
	assert.Equal(t, ConfidenceHigh, issues[0].Confidence)
	assert.Equal(t, ResolvabilityAutoFix, issues[0].Resolvability)
}

func TestParseIssuesEmptyListIsValid(t *testing.T) {
	issues, err := ParseIssues(`{"issues": []}`)
	require.NoError(t, err)
	assert.Empty(t, issues)
}

func TestParseIssuesRejectsMissingFields(t *testing.T) {
	_, err := ParseIssues(`{"issues": [{"id": "Q1", "question": "incomplete"}]}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema validation failed")
}

func TestParseIssuesRejectsBadEnum(t *testing.T) {
	payload := `{
  "issues": [
    {
      "id": "Q1",
      "question": "q",
      "answer": "a",
      "confidence": "very-high",
      "magnitude": "minor",
      "resolvability": "auto-fix"
    }
  ]
}`
	_, err := ParseIssues(payload)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema validation failed")
}

func TestParseValidatorVerdicts(t *testing.T) {
	payload := `{"verdicts": [
  {"issue_index": 0, "agrees_with_majority": true, "reasoning": "checked", "confidence": "high"},
  {"issue_index": 1, "agrees_with_majority": false, "reasoning": "stale", "recommended_answer": "90 days", "confidence": "medium"}
]}`
	verdicts, err := ParseValidatorVerdicts(payload, 2)
	require.NoError(t, err)
	require.Len(t, verdicts, 2)
	assert.True(t, verdicts[0].AgreesWithMajority)
	assert.Equal(t, "90 days", verdicts[1].RecommendedAnswer)
}

func TestParseValidatorVerdictsRejectsOutOfRange(t *testing.T) {
	payload := `{"verdicts": [{"issue_index": 5, "agrees_with_majority": true, "reasoning": "x", "confidence": "high"}]}`
	_, err := ParseValidatorVerdicts(payload, 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}

func TestBuildValidationPromptNumbersIssues(t *testing.T) {
	issues := []Issue{
		{ID: "Q1", Question: "first?", AgentAnswers: map[string]string{"gemini": "a", "claude": "b"}},
		{ID: "Q2", Question: "second?", AgentAnswers: map[string]string{"gpt_pro": "c"}},
	}
	prompt := BuildValidationPrompt(issues, []string{"a", "c"})
	assert.Contains(t, prompt, "Issue 0 [Q1]: first?")
	assert.Contains(t, prompt, "Issue 1 [Q2]: second?")
	assert.Contains(t, prompt, "gemini answered: a")
	assert.Contains(t, prompt, "Majority answer: a")
	assert.Contains(t, prompt, `"issue_index"`)
}
