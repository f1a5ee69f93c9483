package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalagman/specdrive/internal/consensus"
	"github.com/metalagman/specdrive/internal/db"
	"github.com/metalagman/specdrive/internal/stage"
)

func stageIndex(stages []stage.Stage, target stage.Stage) int {
	for i, st := range stages {
		if st == target {
			return i
		}
	}
	return -1
}

func TestRunRequiresStart(t *testing.T) {
	c := NewController(Params{})
	require.Error(t, c.Run(context.Background()))
}

func TestGuardrailFailureAtValidateRewindsToImplement(t *testing.T) {
	failing := func(_ context.Context, _ string, _ stage.Stage) (GuardrailResult, error) {
		return GuardrailResult{Passed: false, Evidence: "tests failed"}, nil
	}
	c := NewController(Params{Guardrail: failing})
	c.Start("SPEC-001", "goal", nil)
	c.state.CurrentIndex = stageIndex(c.state.Stages, stage.Validate)

	// First two failures reschedule implement+validate.
	for want := 1; want <= maxGuardrailRetries; want++ {
		advanced, err := c.runStage(context.Background(), stage.Validate)
		require.NoError(t, err)
		assert.False(t, advanced)
		assert.Equal(t, want, c.state.GuardrailRetries)
		assert.Equal(t, stageIndex(c.state.Stages, stage.Implement), c.state.CurrentIndex)
		c.state.CurrentIndex = stageIndex(c.state.Stages, stage.Validate)
	}

	// Out of retries, the pipeline halts.
	_, err := c.runStage(context.Background(), stage.Validate)
	var halt *HaltError
	require.ErrorAs(t, err, &halt)
	assert.Equal(t, stage.Validate, halt.Stage)
	assert.Contains(t, halt.Reason, "guardrail failed")
}

func TestGuardrailFailureOutsideValidateHalts(t *testing.T) {
	failing := func(_ context.Context, _ string, _ stage.Stage) (GuardrailResult, error) {
		return GuardrailResult{Passed: false, Evidence: "spec incomplete"}, nil
	}
	c := NewController(Params{Guardrail: failing})
	c.Start("SPEC-001", "goal", nil)

	_, err := c.runStage(context.Background(), stage.Plan)
	var halt *HaltError
	require.ErrorAs(t, err, &halt)
	assert.Zero(t, c.state.GuardrailRetries)
}

func TestGuardrailErrorHalts(t *testing.T) {
	broken := func(_ context.Context, _ string, _ stage.Stage) (GuardrailResult, error) {
		return GuardrailResult{}, errors.New("command not found")
	}
	c := NewController(Params{Guardrail: broken})
	c.Start("SPEC-001", "goal", nil)

	_, err := c.runStage(context.Background(), stage.Validate)
	var halt *HaltError
	require.ErrorAs(t, err, &halt)
	assert.Contains(t, halt.Reason, "guardrail error")
}

func TestRetryableFailure(t *testing.T) {
	parseable := db.Artifact{ExtractedJSON: `{"verdict":"pass"}`}
	garbled := db.Artifact{ResultText: "not json"}

	// Too few parseable artifacts retries.
	assert.True(t, retryableFailure(consensus.Report{}, []db.Artifact{parseable, garbled, garbled}))
	// Missing agents retry too.
	assert.True(t, retryableFailure(consensus.Report{MissingAgents: []string{"gpt_pro"}}, []db.Artifact{parseable, parseable}))
	// A genuine verdict disagreement with a full parseable panel does not.
	assert.False(t, retryableFailure(consensus.Report{}, []db.Artifact{parseable, parseable, parseable}))
}

func TestDuplicateValidateDispatchHalts(t *testing.T) {
	root := t.TempDir()
	lifecycle := NewValidateLifecycle(nil)
	c := NewController(Params{Validate: lifecycle, DocsRoot: root})
	c.Start("SPEC-001", "goal", nil)
	c.state.CurrentIndex = stageIndex(c.state.Stages, stage.Validate)

	// An identical payload is already active, so this attempt collapses
	// into it and stops instead of re-entering the stage.
	hash := PayloadHash(ValidateAuto, stage.Validate, "SPEC-001", BuildContext(filepath.Join(root, "SPEC-001")))
	_, duplicate, err := lifecycle.Begin(hash, ValidateAuto)
	require.NoError(t, err)
	require.False(t, duplicate)

	_, err = c.runStage(context.Background(), stage.Validate)
	var halt *HaltError
	require.ErrorAs(t, err, &halt)
	assert.Contains(t, halt.Reason, "collapsed into active run")
}

func TestDegradedStageSchedulesChecklistOnce(t *testing.T) {
	c := NewController(Params{})
	c.Start("SPEC-001", "goal", nil)

	report := consensus.Report{OK: true, Degraded: true, MissingAgents: []string{"gpt_pro"}}
	c.finishStage(stage.Validate, report)
	c.finishStage(stage.Validate, report)
	c.finishStage(stage.Audit, report)

	assert.Equal(t, []string{"checklist", "checklist"}, c.PendingCommands())
	// Drained.
	assert.Empty(t, c.PendingCommands())
}

func TestStateSnapshot(t *testing.T) {
	c := NewController(Params{})
	_, ok := c.State()
	assert.False(t, ok)

	c.Start("SPEC-001", "make it work", []stage.Stage{stage.Validate, stage.Audit})
	snapshot, ok := c.State()
	require.True(t, ok)
	assert.Equal(t, "SPEC-001", snapshot.SpecID)
	assert.Equal(t, []stage.Stage{stage.Validate, stage.Audit}, snapshot.Stages)
	assert.Equal(t, PhaseGuardrail, snapshot.Phase)

	// Mutating the snapshot does not touch the controller.
	snapshot.CurrentIndex = 99
	fresh, _ := c.State()
	assert.Zero(t, fresh.CurrentIndex)
}

func TestResumeWithAnswersRequiresSuspension(t *testing.T) {
	c := NewController(Params{})
	c.Start("SPEC-001", "goal", nil)
	require.Error(t, c.ResumeWithAnswers(context.Background(), map[string]string{"Q1": "answer"}))
}
