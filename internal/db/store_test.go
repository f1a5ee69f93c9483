package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalagman/specdrive/internal/stage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	handle, err := Open(filepath.Join(t.TempDir(), "specdrive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = handle.Close() })
	return NewStore(handle)
}

func TestSpawnRecordRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	spawnedAt := time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.RecordAgentSpawn(ctx, SpawnRecord{
		AgentID:   "agent-1",
		SpecID:    "SPEC-001",
		Stage:     stage.Validate,
		PhaseType: stage.PhaseQualityGate,
		AgentName: "gemini",
		RunID:     "run-1",
		SpawnedAt: spawnedAt,
	}))

	phase, st, err := s.GetAgentSpawnInfo(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, stage.PhaseQualityGate, phase)
	assert.Equal(t, stage.Validate, st)

	name, err := s.GetAgentName(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "gemini", name)

	require.NoError(t, s.RecordAgentCompletion(ctx, "agent-1", spawnedAt.Add(time.Minute)))
}

func TestSpawnInfoNotFound(t *testing.T) {
	s := openTestStore(t)

	_, _, err := s.GetAgentSpawnInfo(context.Background(), "nope")
	require.ErrorContains(t, err, "agent spawn not found")

	_, err = s.GetAgentName(context.Background(), "nope")
	require.ErrorContains(t, err, "agent spawn not found")
}

func TestStoreArtifactUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := Artifact{
		AgentID:     "agent-1",
		SpecID:      "SPEC-001",
		Stage:       stage.Audit,
		PhaseType:   stage.PhaseRegularStage,
		AgentName:   "claude",
		RunID:       "run-7",
		SpawnedAt:   time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC),
		CompletedAt: time.Date(2026, 2, 3, 10, 5, 0, 0, time.UTC),
		ResultText:  "first attempt",
	}
	require.NoError(t, s.StoreArtifact(ctx, base))

	// Same (spec, stage, run, agent) replaces the row instead of duplicating.
	updated := base
	updated.AgentID = "agent-2"
	updated.ResultText = "second attempt"
	updated.ExtractedJSON = `{"verdict":"pass"}`
	require.NoError(t, s.StoreArtifact(ctx, updated))

	got, err := s.ListArtifacts(ctx, "SPEC-001", stage.Audit, "run-7")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "agent-2", got[0].AgentID)
	assert.Equal(t, "second attempt", got[0].ResultText)
	assert.Equal(t, `{"verdict":"pass"}`, got[0].ExtractedJSON)
	assert.Equal(t, base.CompletedAt, got[0].CompletedAt)
}

func TestListArtifactsOrderedAndScoped(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 2, 3, 11, 0, 0, 0, time.UTC)

	for _, name := range []string{"gpt_pro", "claude", "gemini"} {
		require.NoError(t, s.StoreArtifact(ctx, Artifact{
			AgentID:     name + "-id",
			SpecID:      "SPEC-001",
			Stage:       stage.Validate,
			PhaseType:   stage.PhaseRegularStage,
			AgentName:   name,
			RunID:       "run-1",
			SpawnedAt:   now,
			CompletedAt: now,
			ResultText:  "ok",
		}))
	}
	// A different run and a different spec stay out of the listing.
	other := Artifact{
		AgentID: "x", SpecID: "SPEC-001", Stage: stage.Validate, PhaseType: stage.PhaseRegularStage,
		AgentName: "gemini", RunID: "run-2", SpawnedAt: now, CompletedAt: now, ResultText: "ok",
	}
	require.NoError(t, s.StoreArtifact(ctx, other))
	other.SpecID = "SPEC-002"
	other.RunID = "run-1"
	require.NoError(t, s.StoreArtifact(ctx, other))

	got, err := s.ListArtifacts(ctx, "SPEC-001", stage.Validate, "run-1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "claude", got[0].AgentName)
	assert.Equal(t, "gemini", got[1].AgentName)
	assert.Equal(t, "gpt_pro", got[2].AgentName)
	// Empty extracted_json is stored as NULL and read back empty.
	assert.Empty(t, got[0].ExtractedJSON)
}

func TestMigrateIdempotent(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, Migrate(s.DB()))
}
