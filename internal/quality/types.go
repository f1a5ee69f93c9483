// Package quality runs the quality-gate agent panels and routes their
// issues by confidence.
package quality

import "github.com/metalagman/specdrive/internal/stage"

// Confidence is the panel's certainty about an issue.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

func (c Confidence) rank() int {
	switch c {
	case ConfidenceHigh:
		return 2
	case ConfidenceMedium:
		return 1
	default:
		return 0
	}
}

// Magnitude is the issue's severity.
type Magnitude string

const (
	MagnitudeCritical  Magnitude = "critical"
	MagnitudeImportant Magnitude = "important"
	MagnitudeMinor     Magnitude = "minor"
)

func (m Magnitude) rank() int {
	switch m {
	case MagnitudeCritical:
		return 2
	case MagnitudeImportant:
		return 1
	default:
		return 0
	}
}

// Resolvability is how the issue can be fixed.
type Resolvability string

const (
	ResolvabilityAutoFix    Resolvability = "auto-fix"
	ResolvabilitySuggestFix Resolvability = "suggest-fix"
	ResolvabilityNeedHuman  Resolvability = "need-human"
)

// rank orders resolvability from least to most restrictive; merging
// takes the minimum, i.e. the most restrictive.
func (r Resolvability) rank() int {
	switch r {
	case ResolvabilityAutoFix:
		return 2
	case ResolvabilitySuggestFix:
		return 1
	default:
		return 0
	}
}

// AgentIssue is one issue as reported by a single panel agent.
type AgentIssue struct {
	ID            string        `json:"id"`
	Question      string        `json:"question"`
	Answer        string        `json:"answer"`
	Confidence    Confidence    `json:"confidence"`
	Magnitude     Magnitude     `json:"magnitude"`
	Resolvability Resolvability `json:"resolvability"`
	Context       string        `json:"context,omitempty"`
	SuggestedFix  string        `json:"suggested_fix,omitempty"`
	Reasoning     string        `json:"reasoning,omitempty"`
}

// issuesPayload is the fixed schema every gate agent must produce.
type issuesPayload struct {
	Issues []AgentIssue `json:"issues"`
}

// Issue is the merged view of one issue across the panel.
type Issue struct {
	ID            string            `json:"id"`
	GateType      stage.GateType    `json:"gate_type"`
	Question      string            `json:"question"`
	Context       string            `json:"context,omitempty"`
	AgentAnswers  map[string]string `json:"agent_answers"`
	Confidence    Confidence        `json:"confidence"`
	Magnitude     Magnitude         `json:"magnitude"`
	Resolvability Resolvability     `json:"resolvability"`
	SuggestedFix  string            `json:"suggested_fix,omitempty"`
}

// Classification routes a merged issue.
type Classification int

const (
	// ClassAutoResolve applies the majority answer without review.
	ClassAutoResolve Classification = iota
	// ClassNeedsValidation delegates to the stronger validator agent.
	ClassNeedsValidation
	// ClassEscalate surfaces the issue to a human.
	ClassEscalate
)

func (c Classification) String() string {
	switch c {
	case ClassAutoResolve:
		return "auto-resolve"
	case ClassNeedsValidation:
		return "needs-validation"
	default:
		return "escalate"
	}
}

// canonicalAgentOrder breaks answer-frequency ties deterministically.
// It matches the full stage roster.
var canonicalAgentOrder = []string{"gemini", "claude", "gpt_codex", "gpt_pro"}

func agentRank(name string) int {
	for i, n := range canonicalAgentOrder {
		if n == name {
			return i
		}
	}
	return len(canonicalAgentOrder)
}
