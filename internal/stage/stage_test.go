package stage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllOrder(t *testing.T) {
	assert.Equal(t, []Stage{Specify, Plan, Tasks, Implement, Validate, Audit, Unlock}, All())
}

func TestParseRoundTrip(t *testing.T) {
	for _, s := range All() {
		byKey, err := Parse(s.Key())
		require.NoError(t, err)
		assert.Equal(t, s, byKey)

		byName, err := Parse(s.DisplayName())
		require.NoError(t, err)
		assert.Equal(t, s, byName)
	}

	_, err := Parse("deploy")
	require.Error(t, err)
}

func TestNext(t *testing.T) {
	next, ok := Specify.Next()
	require.True(t, ok)
	assert.Equal(t, Plan, next)

	_, ok = Unlock.Next()
	assert.False(t, ok)
}

func TestExecutionStrategy(t *testing.T) {
	for _, s := range []Stage{Specify, Plan, Tasks, Implement} {
		assert.Equal(t, Sequential, s.ExecutionStrategy(), s)
	}
	for _, s := range []Stage{Validate, Audit, Unlock} {
		assert.Equal(t, Parallel, s.ExecutionStrategy(), s)
	}
}

func TestExpectedAgents(t *testing.T) {
	assert.Equal(t, []string{"gemini", "claude", "gpt_codex", "gpt_pro"}, Implement.ExpectedAgents())
	for _, s := range []Stage{Specify, Plan, Tasks, Validate, Audit, Unlock} {
		assert.Equal(t, []string{"gemini", "claude", "gpt_pro"}, s.ExpectedAgents(), s)
	}
}

func TestCheckpointPlacement(t *testing.T) {
	cp, ok := CheckpointBefore(Plan)
	require.True(t, ok)
	assert.Equal(t, BeforeSpecify, cp)
	assert.Equal(t, "before-specify", cp.Name())
	assert.Equal(t, []GateType{GateClarify}, cp.Gates())

	cp, ok = CheckpointBefore(Tasks)
	require.True(t, ok)
	assert.Equal(t, AfterSpecify, cp)
	assert.Equal(t, "after-specify", cp.Name())
	assert.Equal(t, []GateType{GateChecklist}, cp.Gates())

	cp, ok = CheckpointBefore(Implement)
	require.True(t, ok)
	assert.Equal(t, AfterTasks, cp)
	assert.Equal(t, "after-tasks", cp.Name())
	assert.Equal(t, []GateType{GateAnalyze}, cp.Gates())

	for _, s := range []Stage{Specify, Validate, Audit, Unlock} {
		_, ok := CheckpointBefore(s)
		assert.False(t, ok, s)
	}
}
