// Package store persists bot-run artifacts in a flat directory tree
// keyed by run_id, with atomic writes and pm:// URI derivation.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog/log"
)

// Artifact file names within a run directory.
const (
	ArtifactRequest         = "request.json"
	ArtifactMeta            = "meta.json"
	ArtifactLog             = "log.json"
	ArtifactReport          = "report.json"
	ArtifactPatchBundle     = "patch_bundle.json"
	ArtifactConflictSummary = "conflict_summary.json"
)

// CheckpointArtifact names the nth periodic progress snapshot.
func CheckpointArtifact(n int) string {
	return fmt.Sprintf("checkpoint-%d.json", n)
}

// URI derives the pm:// URI for one run artifact.
func URI(runID, artifact string) string {
	return fmt.Sprintf("pm://%s/%s", runID, artifact)
}

// Store writes run artifacts under a base directory.
type Store struct {
	base string
}

// New creates a store rooted at base.
func New(base string) *Store {
	return &Store{base: base}
}

// RunDir returns the directory for one run.
func (s *Store) RunDir(runID string) string {
	return filepath.Join(s.base, runID)
}

// Write marshals v and atomically writes it as the named artifact,
// returning the pm:// URI.
func (s *Store) Write(runID, artifact string, v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", artifact, err)
	}
	return s.WriteRaw(runID, artifact, data)
}

// WriteRaw atomically writes pre-serialized bytes: the payload lands in
// a temp file in the same directory and is renamed into place.
func (s *Store) WriteRaw(runID, artifact string, data []byte) (string, error) {
	dir := s.RunDir(runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create run dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+artifact+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp artifact: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("write %s: %w", artifact, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("close %s: %w", artifact, err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, artifact)); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("publish %s: %w", artifact, err)
	}
	return URI(runID, artifact), nil
}

// Read unmarshals the named artifact into v.
func (s *Store) Read(runID, artifact string, v any) error {
	data, err := os.ReadFile(filepath.Join(s.RunDir(runID), artifact))
	if err != nil {
		return fmt.Errorf("read %s for run %s: %w", artifact, runID, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s for run %s: %w", artifact, runID, err)
	}
	return nil
}

// Exists reports whether the named artifact is present for a run.
func (s *Store) Exists(runID, artifact string) bool {
	_, err := os.Stat(filepath.Join(s.RunDir(runID), artifact))
	return err == nil
}

// logView is the minimal slice of log.json needed to judge terminality.
type logView struct {
	State string `json:"state"`
}

// ScanIncomplete enumerates run directories that have a request but no
// terminal log. isTerminal judges the log's state string. The result is
// sorted by run_id and feeds startup auto-resume.
func (s *Store) ScanIncomplete(isTerminal func(state string) bool) ([]string, error) {
	entries, err := os.ReadDir(s.base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read store base: %w", err)
	}

	var incomplete []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		runID := entry.Name()
		if !s.Exists(runID, ArtifactRequest) {
			continue
		}
		var lv logView
		if err := s.Read(runID, ArtifactLog, &lv); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				log.Warn().Str("run_id", runID).Err(err).Msg("run log unreadable, treating as incomplete")
			}
			incomplete = append(incomplete, runID)
			continue
		}
		if !isTerminal(lv.State) {
			incomplete = append(incomplete, runID)
		}
	}
	sort.Strings(incomplete)
	return incomplete, nil
}
