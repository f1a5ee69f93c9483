// Package consensus reconciles multiple agent artifacts for one stage
// into a pass/fail verdict.
package consensus

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/metalagman/specdrive/internal/db"
	"github.com/metalagman/specdrive/internal/stage"
)

// quorum is the minimum number of agreeing, parseable artifacts.
const quorum = 2

// Report is the outcome of evaluating one stage's artifacts.
type Report struct {
	SpecID        string   `json:"spec_id"`
	Stage         string   `json:"stage"`
	RunID         string   `json:"run_id"`
	OK            bool     `json:"ok"`
	Degraded      bool     `json:"degraded"`
	Verdict       string   `json:"verdict,omitempty"`
	MissingAgents []string `json:"missing_agents,omitempty"`
	Lines         []string `json:"lines"`
	EvaluatedAt   string   `json:"evaluated_at"`
}

// Engine evaluates consensus and persists evidence records.
type Engine struct {
	evidenceRoot string
}

// NewEngine creates an engine writing evidence under the given root
// (typically docs/<SPEC-ID> lives beneath it).
func NewEngine(evidenceRoot string) *Engine {
	return &Engine{evidenceRoot: evidenceRoot}
}

// Evaluate applies the quorum rule to the completed artifacts of one
// stage attempt. At least two of the three expected agents must produce
// a parseable artifact with matching primary verdicts. One missing agent
// triggers degraded mode: consensus may still pass 2/2, but the gap is
// recorded so a checklist follow-up can be scheduled.
func (e *Engine) Evaluate(specID string, st stage.Stage, runID string, artifacts []db.Artifact) (Report, error) {
	report := Report{
		SpecID:      specID,
		Stage:       st.Key(),
		RunID:       runID,
		EvaluatedAt: time.Now().UTC().Format(time.RFC3339),
	}

	expected := st.ExpectedAgents()
	verdicts := make(map[string]string, len(artifacts))
	for _, a := range artifacts {
		if a.ExtractedJSON == "" {
			continue
		}
		v, ok := primaryVerdict(a.ExtractedJSON)
		if !ok {
			report.Lines = append(report.Lines, fmt.Sprintf("%s: artifact has no verdict field", a.AgentName))
			continue
		}
		verdicts[a.AgentName] = v
		report.Lines = append(report.Lines, fmt.Sprintf("%s: %s", a.AgentName, v))
	}

	for _, name := range expected {
		if _, ok := verdicts[name]; !ok {
			report.MissingAgents = append(report.MissingAgents, name)
		}
	}
	sort.Strings(report.MissingAgents)

	if len(verdicts) < quorum {
		report.OK = false
		report.Lines = append(report.Lines, fmt.Sprintf("consensus failed: only %d of %d agents parseable", len(verdicts), len(expected)))
		return report, e.persist(report)
	}

	counts := make(map[string]int)
	for _, v := range verdicts {
		counts[normalizeVerdict(v)]++
	}
	var top string
	var topCount int
	for v, n := range counts {
		if n > topCount || (n == topCount && v < top) {
			top, topCount = v, n
		}
	}

	report.Verdict = top
	report.OK = topCount >= quorum
	report.Degraded = report.OK && len(report.MissingAgents) > 0
	if report.OK {
		report.Lines = append(report.Lines, fmt.Sprintf("consensus OK: %d/%d agree on %q", topCount, len(expected), top))
		if report.Degraded {
			report.Lines = append(report.Lines, fmt.Sprintf("degraded: missing %s", strings.Join(report.MissingAgents, ", ")))
		}
	} else {
		report.Lines = append(report.Lines, fmt.Sprintf("consensus failed: best agreement %d/%d on %q", topCount, len(expected), top))
	}

	return report, e.persist(report)
}

// persist writes the evidence record under the spec's docs tree.
// Evidence failures are logged, not fatal: the in-memory report is
// still authoritative for the current attempt.
func (e *Engine) persist(report Report) error {
	if e.evidenceRoot == "" {
		return nil
	}
	dir := filepath.Join(e.evidenceRoot, report.SpecID, "evidence")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("failed to create evidence dir")
		return nil
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal consensus report: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("consensus-%s-%s.json", report.Stage, report.RunID))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("failed to write consensus evidence")
	}
	return nil
}

// primaryVerdict pulls the first recognised verdict field from an
// artifact payload.
func primaryVerdict(raw string) (string, bool) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return "", false
	}
	for _, field := range []string{"verdict", "status", "decision", "recommendation"} {
		if v, ok := doc[field]; ok {
			var s string
			if err := json.Unmarshal(v, &s); err == nil && s != "" {
				return s, true
			}
		}
	}
	return "", false
}

func normalizeVerdict(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
