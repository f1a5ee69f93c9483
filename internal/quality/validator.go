package quality

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ValidatorVerdict is the stronger agent's review of one medium-confidence
// issue and its panel-majority answer.
type ValidatorVerdict struct {
	IssueIndex         int        `json:"issue_index"`
	AgreesWithMajority bool       `json:"agrees_with_majority"`
	Reasoning          string     `json:"reasoning"`
	RecommendedAnswer  string     `json:"recommended_answer,omitempty"`
	Confidence         Confidence `json:"confidence"`
}

type validatorPayload struct {
	Verdicts []ValidatorVerdict `json:"verdicts"`
}

// BuildValidationPrompt renders one combined prompt covering every issue
// delegated to the validator agent. Issues are numbered so verdicts can
// refer back by index.
func BuildValidationPrompt(issues []Issue, majorities []string) string {
	var b strings.Builder
	b.WriteString("You are reviewing quality-gate issues where the agent panel reached only medium confidence.\n")
	b.WriteString("For each issue, decide whether the majority answer is correct.\n\n")
	for i, issue := range issues {
		fmt.Fprintf(&b, "Issue %d [%s]: %s\n", i, issue.ID, issue.Question)
		if issue.Context != "" {
			fmt.Fprintf(&b, "Context: %s\n", issue.Context)
		}
		for _, name := range canonicalAgentOrder {
			if answer, ok := issue.AgentAnswers[name]; ok {
				fmt.Fprintf(&b, "  %s answered: %s\n", name, answer)
			}
		}
		fmt.Fprintf(&b, "Majority answer: %s\n\n", majorities[i])
	}
	b.WriteString("Respond with JSON only, in the form:\n")
	b.WriteString(`{"verdicts": [{"issue_index": 0, "agrees_with_majority": true, "reasoning": "...", "recommended_answer": "...", "confidence": "high"}]}`)
	b.WriteString("\n")
	return b.String()
}

// ParseValidatorVerdicts decodes the validator agent's reply. Verdicts
// with out-of-range indexes are dropped with an error naming them.
func ParseValidatorVerdicts(payload string, issueCount int) ([]ValidatorVerdict, error) {
	var doc validatorPayload
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return nil, fmt.Errorf("decode validator verdicts: %w", err)
	}
	out := make([]ValidatorVerdict, 0, len(doc.Verdicts))
	for _, v := range doc.Verdicts {
		if v.IssueIndex < 0 || v.IssueIndex >= issueCount {
			return nil, fmt.Errorf("validator verdict index %d out of range (issues: %d)", v.IssueIndex, issueCount)
		}
		out = append(out, v)
	}
	return out, nil
}
