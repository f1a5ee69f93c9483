package consensus

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalagman/specdrive/internal/db"
	"github.com/metalagman/specdrive/internal/stage"
)

func artifact(agent, payload string) db.Artifact {
	return db.Artifact{AgentName: agent, ExtractedJSON: payload}
}

func TestEvaluateUnanimousPass(t *testing.T) {
	e := NewEngine(t.TempDir())
	artifacts := []db.Artifact{
		artifact("gemini", `{"verdict":"pass"}`),
		artifact("claude", `{"verdict":"PASS"}`),
		artifact("gpt_pro", `{"verdict":"pass"}`),
	}
	report, err := e.Evaluate("SPEC-001", stage.Validate, "run1", artifacts)
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.False(t, report.Degraded)
	assert.Equal(t, "pass", report.Verdict)
	assert.Empty(t, report.MissingAgents)
}

func TestEvaluateTwoOfThreeDegraded(t *testing.T) {
	e := NewEngine(t.TempDir())
	artifacts := []db.Artifact{
		artifact("gemini", `{"verdict":"pass"}`),
		artifact("claude", `{"verdict":"pass"}`),
	}
	report, err := e.Evaluate("SPEC-001", stage.Validate, "run1", artifacts)
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.True(t, report.Degraded)
	assert.Equal(t, []string{"gpt_pro"}, report.MissingAgents)
}

func TestEvaluateSingleParseableFails(t *testing.T) {
	e := NewEngine(t.TempDir())
	artifacts := []db.Artifact{
		artifact("gemini", `{"verdict":"pass"}`),
		artifact("claude", "not json"),
		artifact("gpt_pro", ""),
	}
	report, err := e.Evaluate("SPEC-001", stage.Validate, "run1", artifacts)
	require.NoError(t, err)
	assert.False(t, report.OK)
	assert.Contains(t, report.MissingAgents, "claude")
	assert.Contains(t, report.MissingAgents, "gpt_pro")
}

func TestEvaluateDisagreementFails(t *testing.T) {
	e := NewEngine(t.TempDir())
	artifacts := []db.Artifact{
		artifact("gemini", `{"verdict":"pass"}`),
		artifact("claude", `{"verdict":"fail"}`),
		artifact("gpt_pro", `{"verdict":"needs-work"}`),
	}
	report, err := e.Evaluate("SPEC-001", stage.Validate, "run1", artifacts)
	require.NoError(t, err)
	assert.False(t, report.OK)
	assert.Empty(t, report.MissingAgents)
}

func TestEvaluateVerdictFieldFallbacks(t *testing.T) {
	e := NewEngine(t.TempDir())
	artifacts := []db.Artifact{
		artifact("gemini", `{"status":"approved"}`),
		artifact("claude", `{"decision":"approved"}`),
		artifact("gpt_pro", `{"recommendation":"approved"}`),
	}
	report, err := e.Evaluate("SPEC-001", stage.Audit, "run1", artifacts)
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.Equal(t, "approved", report.Verdict)
}

func TestEvaluatePersistsEvidence(t *testing.T) {
	root := t.TempDir()
	e := NewEngine(root)
	artifacts := []db.Artifact{
		artifact("gemini", `{"verdict":"pass"}`),
		artifact("claude", `{"verdict":"pass"}`),
		artifact("gpt_pro", `{"verdict":"pass"}`),
	}
	_, err := e.Evaluate("SPEC-002", stage.Unlock, "run9", artifacts)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(root, "SPEC-002", "evidence", "consensus-unlock-run9.json"))
	require.NoError(t, err)
	var persisted Report
	require.NoError(t, json.Unmarshal(data, &persisted))
	assert.Equal(t, "SPEC-002", persisted.SpecID)
	assert.True(t, persisted.OK)
}
