package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/metalagman/specdrive/internal/stage"
)

// Store persists agent spawns and artifacts for the audit trail and to
// disambiguate stale quality-gate completions from fresh regular-stage
// completions.
type Store struct {
	db *sql.DB
}

// NewStore creates a store over an open database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// SpawnRecord describes a launched agent before it completes.
type SpawnRecord struct {
	AgentID   string
	SpecID    string
	Stage     stage.Stage
	PhaseType stage.PhaseType
	AgentName string
	RunID     string
	SpawnedAt time.Time
}

// Artifact is the record written after an agent completes.
type Artifact struct {
	AgentID       string
	SpecID        string
	Stage         stage.Stage
	PhaseType     stage.PhaseType
	AgentName     string
	RunID         string
	SpawnedAt     time.Time
	CompletedAt   time.Time
	ResultText    string
	ExtractedJSON string
}

// RecordAgentSpawn inserts the spawn record.
func (s *Store) RecordAgentSpawn(ctx context.Context, rec SpawnRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO agent_spawns(agent_id, spec_id, stage, phase_type, agent_name, run_id, spawned_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)`,
		rec.AgentID, rec.SpecID, rec.Stage.Key(), string(rec.PhaseType), rec.AgentName, rec.RunID,
		rec.SpawnedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("insert agent spawn: %w", err)
	}
	return nil
}

// RecordAgentCompletion stamps the spawn record's completion time.
func (s *Store) RecordAgentCompletion(ctx context.Context, agentID string, completedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE agent_spawns SET completed_at=? WHERE agent_id=?`,
		completedAt.UTC().Format(time.RFC3339), agentID)
	if err != nil {
		return fmt.Errorf("record agent completion: %w", err)
	}
	return nil
}

// StoreArtifact upserts the artifact for (spec_id, stage, run_id, agent_name).
// A retry produces a new run_id, so at most one successful artifact exists
// per attempt.
func (s *Store) StoreArtifact(ctx context.Context, a Artifact) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO agent_artifacts(agent_id, spec_id, stage, phase_type, agent_name, run_id, spawned_at, completed_at, result_text, extracted_json)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(spec_id, stage, run_id, agent_name) DO UPDATE SET
			agent_id=excluded.agent_id,
			phase_type=excluded.phase_type,
			completed_at=excluded.completed_at,
			result_text=excluded.result_text,
			extracted_json=excluded.extracted_json`,
		a.AgentID, a.SpecID, a.Stage.Key(), string(a.PhaseType), a.AgentName, a.RunID,
		a.SpawnedAt.UTC().Format(time.RFC3339), a.CompletedAt.UTC().Format(time.RFC3339),
		a.ResultText, nullableString(a.ExtractedJSON))
	if err != nil {
		return fmt.Errorf("store artifact: %w", err)
	}
	return nil
}

// GetAgentSpawnInfo returns the phase type and stage recorded at spawn time.
func (s *Store) GetAgentSpawnInfo(ctx context.Context, agentID string) (stage.PhaseType, stage.Stage, error) {
	row := s.db.QueryRowContext(ctx, `SELECT phase_type, stage FROM agent_spawns WHERE agent_id=?`, agentID)
	var phase, stageKey string
	if err := row.Scan(&phase, &stageKey); err != nil {
		if err == sql.ErrNoRows {
			return "", 0, fmt.Errorf("agent spawn not found: %s", agentID)
		}
		return "", 0, fmt.Errorf("read agent spawn: %w", err)
	}
	st, err := stage.Parse(stageKey)
	if err != nil {
		return "", 0, err
	}
	return stage.PhaseType(phase), st, nil
}

// GetAgentName returns the canonical agent name recorded at spawn time.
func (s *Store) GetAgentName(ctx context.Context, agentID string) (string, error) {
	row := s.db.QueryRowContext(ctx, `SELECT agent_name FROM agent_spawns WHERE agent_id=?`, agentID)
	var name string
	if err := row.Scan(&name); err != nil {
		if err == sql.ErrNoRows {
			return "", fmt.Errorf("agent spawn not found: %s", agentID)
		}
		return "", fmt.Errorf("read agent name: %w", err)
	}
	return name, nil
}

// ListArtifacts returns the artifacts for one stage attempt, ordered by
// agent name.
func (s *Store) ListArtifacts(ctx context.Context, specID string, st stage.Stage, runID string) ([]Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT agent_id, spec_id, stage, phase_type, agent_name, run_id, spawned_at, completed_at, result_text, COALESCE(extracted_json, '')
		FROM agent_artifacts WHERE spec_id=? AND stage=? AND run_id=? ORDER BY agent_name`,
		specID, st.Key(), runID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Artifact
	for rows.Next() {
		var a Artifact
		var stageKey, spawnedAt, completedAt string
		var phase string
		if err := rows.Scan(&a.AgentID, &a.SpecID, &stageKey, &phase, &a.AgentName, &a.RunID,
			&spawnedAt, &completedAt, &a.ResultText, &a.ExtractedJSON); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a.PhaseType = stage.PhaseType(phase)
		if a.Stage, err = stage.Parse(stageKey); err != nil {
			return nil, err
		}
		a.SpawnedAt, _ = time.Parse(time.RFC3339, spawnedAt)
		a.CompletedAt, _ = time.Parse(time.RFC3339, completedAt)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifacts: %w", err)
	}
	return out, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
