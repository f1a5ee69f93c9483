package quality

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyNeedHumanAlwaysEscalates(t *testing.T) {
	for _, c := range []Confidence{ConfidenceHigh, ConfidenceMedium, ConfidenceLow} {
		issue := Issue{
			Confidence:    c,
			Resolvability: ResolvabilityNeedHuman,
			AgentAnswers:  map[string]string{"gemini": "a", "claude": "a"},
		}
		assert.Equal(t, ClassEscalate, Classify(issue), c)
	}
}

func TestClassifyHighAutoFixUnanimousAutoResolves(t *testing.T) {
	issue := Issue{
		Confidence:    ConfidenceHigh,
		Resolvability: ResolvabilityAutoFix,
		AgentAnswers:  map[string]string{"gemini": "30 days", "claude": "30 days", "gpt_pro": "30 days"},
	}
	assert.Equal(t, ClassAutoResolve, Classify(issue))
}

func TestClassifyHighAutoFixDisagreementFallsThrough(t *testing.T) {
	issue := Issue{
		Confidence:    ConfidenceHigh,
		Resolvability: ResolvabilityAutoFix,
		AgentAnswers:  map[string]string{"gemini": "30 days", "claude": "90 days"},
	}
	assert.Equal(t, ClassEscalate, Classify(issue))
}

func TestClassifyMediumNeedsValidation(t *testing.T) {
	issue := Issue{
		Confidence:    ConfidenceMedium,
		Resolvability: ResolvabilitySuggestFix,
		AgentAnswers:  map[string]string{"gemini": "a", "claude": "b"},
	}
	assert.Equal(t, ClassNeedsValidation, Classify(issue))
}

func TestClassifyLowEscalates(t *testing.T) {
	issue := Issue{
		Confidence:    ConfidenceLow,
		Resolvability: ResolvabilitySuggestFix,
		AgentAnswers:  map[string]string{"gemini": "a"},
	}
	assert.Equal(t, ClassEscalate, Classify(issue))
}

func TestClassifyString(t *testing.T) {
	assert.Equal(t, "auto-resolve", ClassAutoResolve.String())
	assert.Equal(t, "needs-validation", ClassNeedsValidation.String())
	assert.Equal(t, "escalate", ClassEscalate.String())
}
