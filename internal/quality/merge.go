package quality

import (
	"sort"

	"github.com/metalagman/specdrive/internal/stage"
)

// MergeIssues unions per-agent issue lists by id. For an id reported by
// several agents, answers are collected per agent, confidence is the
// majority confidence (ties resolve to the lower), magnitude is the
// maximum, and resolvability the most restrictive.
func MergeIssues(gate stage.GateType, perAgent map[string][]AgentIssue) []Issue {
	merged := make(map[string]*Issue)
	confidences := make(map[string][]Confidence)

	agents := make([]string, 0, len(perAgent))
	for name := range perAgent {
		agents = append(agents, name)
	}
	sort.Slice(agents, func(i, j int) bool { return agentRank(agents[i]) < agentRank(agents[j]) })

	for _, agentName := range agents {
		for _, raw := range perAgent[agentName] {
			issue, ok := merged[raw.ID]
			if !ok {
				issue = &Issue{
					ID:            raw.ID,
					GateType:      gate,
					Question:      raw.Question,
					Context:       raw.Context,
					AgentAnswers:  make(map[string]string),
					Confidence:    raw.Confidence,
					Magnitude:     raw.Magnitude,
					Resolvability: raw.Resolvability,
					SuggestedFix:  raw.SuggestedFix,
				}
				merged[raw.ID] = issue
			}
			issue.AgentAnswers[agentName] = raw.Answer
			confidences[raw.ID] = append(confidences[raw.ID], raw.Confidence)
			if raw.Magnitude.rank() > issue.Magnitude.rank() {
				issue.Magnitude = raw.Magnitude
			}
			if raw.Resolvability.rank() < issue.Resolvability.rank() {
				issue.Resolvability = raw.Resolvability
			}
			if issue.SuggestedFix == "" {
				issue.SuggestedFix = raw.SuggestedFix
			}
		}
	}

	out := make([]Issue, 0, len(merged))
	for id, issue := range merged {
		issue.Confidence = majorityConfidence(confidences[id])
		out = append(out, *issue)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// majorityConfidence picks the most frequent confidence; ties resolve
// to the lower confidence.
func majorityConfidence(votes []Confidence) Confidence {
	counts := make(map[Confidence]int)
	for _, v := range votes {
		counts[v]++
	}
	best := ConfidenceLow
	bestCount := -1
	for _, c := range []Confidence{ConfidenceLow, ConfidenceMedium, ConfidenceHigh} {
		if n := counts[c]; n > bestCount {
			best, bestCount = c, n
		}
	}
	return best
}

// MajorityAnswer selects the most frequent answer for an issue. Ties
// break by answer frequency first, then by canonical agent ordering.
// The second return is false when no agent answered.
func MajorityAnswer(issue Issue) (string, bool) {
	if len(issue.AgentAnswers) == 0 {
		return "", false
	}
	counts := make(map[string]int)
	firstRank := make(map[string]int)
	for agentName, answer := range issue.AgentAnswers {
		counts[answer]++
		r := agentRank(agentName)
		if prev, ok := firstRank[answer]; !ok || r < prev {
			firstRank[answer] = r
		}
	}
	var best string
	bestCount := -1
	bestRank := 1 << 30
	for answer, n := range counts {
		r := firstRank[answer]
		if n > bestCount || (n == bestCount && r < bestRank) {
			best, bestCount, bestRank = answer, n, r
		}
	}
	return best, true
}

// Unanimous reports whether every responding agent gave the same answer.
func Unanimous(issue Issue) bool {
	var first string
	started := false
	for _, answer := range issue.AgentAnswers {
		if !started {
			first, started = answer, true
			continue
		}
		if answer != first {
			return false
		}
	}
	return started
}

// AnswerTied reports whether the top answer frequency is shared by more
// than one distinct answer.
func AnswerTied(issue Issue) bool {
	counts := make(map[string]int)
	for _, answer := range issue.AgentAnswers {
		counts[answer]++
	}
	top, seen := 0, 0
	for _, n := range counts {
		if n > top {
			top, seen = n, 1
		} else if n == top {
			seen++
		}
	}
	return seen > 1
}
