package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalagman/specdrive/internal/stage"
)

func TestPayloadHashDiscriminates(t *testing.T) {
	base := PayloadHash(ValidateAuto, stage.Validate, "SPEC-001", "prompt")
	assert.Equal(t, base, PayloadHash(ValidateAuto, stage.Validate, "SPEC-001", "prompt"))
	assert.NotEqual(t, base, PayloadHash(ValidateManual, stage.Validate, "SPEC-001", "prompt"))
	assert.NotEqual(t, base, PayloadHash(ValidateAuto, stage.Audit, "SPEC-001", "prompt"))
	assert.NotEqual(t, base, PayloadHash(ValidateAuto, stage.Validate, "SPEC-002", "prompt"))
	assert.NotEqual(t, base, PayloadHash(ValidateAuto, stage.Validate, "SPEC-001", "other"))
	// Field boundaries matter: shifting bytes between fields changes the hash.
	assert.NotEqual(t,
		PayloadHash(ValidateAuto, stage.Validate, "SPEC-001a", "prompt"),
		PayloadHash(ValidateAuto, stage.Validate, "SPEC-001", "aprompt"))
}

func TestLifecycleDuplicateBeginCollapsed(t *testing.T) {
	var events []ValidateLifecycleEvent
	l := NewValidateLifecycle(func(e ValidateLifecycleEvent) { events = append(events, e) })
	hash := PayloadHash(ValidateAuto, stage.Validate, "SPEC-001", "prompt")

	first, dup, err := l.Begin(hash, ValidateAuto)
	require.NoError(t, err)
	require.False(t, dup)
	assert.Equal(t, 1, first.Attempt)
	assert.Equal(t, ValidateQueued, first.Phase)

	second, dup, err := l.Begin(hash, ValidateAuto)
	require.NoError(t, err)
	require.True(t, dup)
	assert.Equal(t, first.RunID, second.RunID)
	assert.Equal(t, 1, second.DedupeCount)

	// Only one run exists; the duplicate just bumped the counter.
	active, ok := l.Active()
	require.True(t, ok)
	assert.Equal(t, first.RunID, active.RunID)
	assert.Equal(t, 1, active.DedupeCount)

	require.Len(t, events, 2)
	assert.Equal(t, ValidateQueued, events[0].Phase)
	assert.Equal(t, 1, events[1].DedupeCount)
}

func TestLifecycleDifferentHashWhileActiveErrors(t *testing.T) {
	l := NewValidateLifecycle(nil)
	_, _, err := l.Begin("hash-a", ValidateAuto)
	require.NoError(t, err)

	_, _, err = l.Begin("hash-b", ValidateAuto)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already active")
}

func TestLifecycleFullTransitionPath(t *testing.T) {
	var events []ValidateLifecycleEvent
	l := NewValidateLifecycle(func(e ValidateLifecycleEvent) { events = append(events, e) })

	info, _, err := l.Begin("hash-a", ValidateManual)
	require.NoError(t, err)

	require.NoError(t, l.MarkDispatched(info.RunID))
	require.NoError(t, l.MarkChecking(info.RunID))
	require.NoError(t, l.Complete(info.RunID))

	_, ok := l.Active()
	assert.False(t, ok)

	phases := make([]ValidatePhase, 0, len(events))
	for _, e := range events {
		phases = append(phases, e.Phase)
	}
	assert.Equal(t, []ValidatePhase{ValidateQueued, ValidateDispatched, ValidateCheckingConsensus, ValidateCompleted}, phases)
}

func TestLifecycleOutOfOrderTransitionRejected(t *testing.T) {
	l := NewValidateLifecycle(nil)
	info, _, err := l.Begin("hash-a", ValidateAuto)
	require.NoError(t, err)

	// Checking before dispatched is invalid.
	require.Error(t, l.MarkChecking(info.RunID))
	// Unknown run ids are rejected too.
	require.Error(t, l.MarkDispatched("no-such-run"))
}

func TestLifecycleResetClearsActiveAndFreshAttempt(t *testing.T) {
	l := NewValidateLifecycle(nil)
	first, _, err := l.Begin("hash-a", ValidateAuto)
	require.NoError(t, err)
	require.NoError(t, l.MarkDispatched(first.RunID))
	require.NoError(t, l.Reset(first.RunID, ValidateFailed))

	_, ok := l.Active()
	require.False(t, ok)

	// The retry gets a fresh run id and the next attempt number.
	second, dup, err := l.Begin("hash-a", ValidateAuto)
	require.NoError(t, err)
	assert.False(t, dup)
	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, 2, second.Attempt)
	assert.Equal(t, 0, second.DedupeCount)
}

func TestLifecycleResetRequiresTerminalPhase(t *testing.T) {
	l := NewValidateLifecycle(nil)
	info, _, err := l.Begin("hash-a", ValidateAuto)
	require.NoError(t, err)

	require.Error(t, l.Reset(info.RunID, ValidateDispatched))
	require.NoError(t, l.Reset(info.RunID, ValidateReset))
}
