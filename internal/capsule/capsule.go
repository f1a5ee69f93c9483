// Package capsule mirrors bot-run artifacts into a per-workspace
// append-mostly capsule file. When a capsule is present it is the
// system of record; the local store remains a convenience cache.
package capsule

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/metalagman/specdrive/internal/store"
)

// relPath locates the capsule inside a workspace.
var relPath = filepath.Join(".speckit", "memvid", "workspace.mv2")

// URI derives the mv2:// URI for one capsule artifact.
func URI(runID, artifact string) string {
	return fmt.Sprintf("mv2://%s/%s", runID, artifact)
}

// record is one appended capsule entry. Entries are content-addressed
// by digest; an identical payload re-appends without harm.
type record struct {
	Digest    string          `json:"digest"`
	RunID     string          `json:"run_id"`
	Artifact  string          `json:"artifact"`
	WrittenAt string          `json:"written_at"`
	Content   json.RawMessage `json:"content"`
}

type capsuleFile struct {
	mu   sync.Mutex
	file *os.File
}

// Manager opens capsules lazily, one per workspace, on first write.
type Manager struct {
	mu       sync.Mutex
	capsules map[string]*capsuleFile
}

// NewManager creates an empty capsule manager.
func NewManager() *Manager {
	return &Manager{capsules: make(map[string]*capsuleFile)}
}

// Available reports whether the workspace carries a capsule file.
func Available(workspace string) bool {
	_, err := os.Stat(filepath.Join(workspace, relPath))
	return err == nil
}

// WriteRequest appends the run request.
func (m *Manager) WriteRequest(workspace, runID string, v any) (string, error) {
	return m.write(workspace, runID, store.ArtifactRequest, v)
}

// WriteLog appends the run log.
func (m *Manager) WriteLog(workspace, runID string, v any) (string, error) {
	return m.write(workspace, runID, store.ArtifactLog, v)
}

// WriteReport appends the engine report.
func (m *Manager) WriteReport(workspace, runID string, v any) (string, error) {
	return m.write(workspace, runID, store.ArtifactReport, v)
}

// WritePatchBundle appends the patch bundle of a write-mode run.
func (m *Manager) WritePatchBundle(workspace, runID string, v any) (string, error) {
	return m.write(workspace, runID, store.ArtifactPatchBundle, v)
}

// WriteConflictSummary appends the rebase conflict summary.
func (m *Manager) WriteConflictSummary(workspace, runID string, v any) (string, error) {
	return m.write(workspace, runID, store.ArtifactConflictSummary, v)
}

// WriteCheckpoint appends the nth progress snapshot.
func (m *Manager) WriteCheckpoint(workspace, runID string, n int, v any) (string, error) {
	return m.write(workspace, runID, store.CheckpointArtifact(n), v)
}

func (m *Manager) write(workspace, runID, artifact string, v any) (string, error) {
	cf, err := m.open(workspace)
	if err != nil {
		return "", err
	}

	content, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal capsule %s: %w", artifact, err)
	}
	digest := sha256.Sum256(content)
	rec := record{
		Digest:    hex.EncodeToString(digest[:]),
		RunID:     runID,
		Artifact:  artifact,
		WrittenAt: time.Now().UTC().Format(time.RFC3339),
		Content:   content,
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal capsule record: %w", err)
	}
	line = append(line, '\n')

	cf.mu.Lock()
	defer cf.mu.Unlock()
	if _, err := cf.file.Write(line); err != nil {
		return "", fmt.Errorf("append capsule record: %w", err)
	}
	log.Debug().Str("run_id", runID).Str("artifact", artifact).Str("digest", rec.Digest[:12]).Msg("capsule record appended")
	return URI(runID, artifact), nil
}

// open returns the workspace's capsule, opening it on first use. A
// workspace without a capsule file is not eligible; writes are skipped
// upstream.
func (m *Manager) open(workspace string) (*capsuleFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cf, ok := m.capsules[workspace]; ok {
		return cf, nil
	}
	path := filepath.Join(workspace, relPath)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("capsule unavailable at %s: %w", path, err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open capsule: %w", err)
	}
	cf := &capsuleFile{file: file}
	m.capsules[workspace] = cf
	return cf, nil
}

// Close releases all open capsules.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for workspace, cf := range m.capsules {
		cf.mu.Lock()
		_ = cf.file.Close()
		cf.mu.Unlock()
		delete(m.capsules, workspace)
	}
}
