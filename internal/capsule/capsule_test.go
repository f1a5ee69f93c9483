package capsule

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedCapsule creates an empty capsule file inside a fresh workspace.
func seedCapsule(t *testing.T) string {
	t.Helper()
	workspace := t.TempDir()
	path := filepath.Join(workspace, relPath)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	return workspace
}

func TestAvailable(t *testing.T) {
	workspace := seedCapsule(t)
	assert.True(t, Available(workspace))
	assert.False(t, Available(t.TempDir()))
}

func TestWriteAppendsContentAddressedRecords(t *testing.T) {
	workspace := seedCapsule(t)
	m := NewManager()
	defer m.Close()

	uri, err := m.WriteReport(workspace, "run1", map[string]bool{"degraded": false})
	require.NoError(t, err)
	assert.Equal(t, "mv2://run1/report.json", uri)

	uri, err = m.WriteLog(workspace, "run1", map[string]string{"state": "succeeded"})
	require.NoError(t, err)
	assert.Equal(t, "mv2://run1/log.json", uri)

	file, err := os.Open(filepath.Join(workspace, relPath))
	require.NoError(t, err)
	defer func() { _ = file.Close() }()

	var recs []record
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var rec record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		recs = append(recs, rec)
	}
	require.NoError(t, scanner.Err())
	require.Len(t, recs, 2)

	assert.Equal(t, "run1", recs[0].RunID)
	assert.Equal(t, "report.json", recs[0].Artifact)
	assert.Equal(t, "log.json", recs[1].Artifact)

	// Digest covers the serialized content.
	sum := sha256.Sum256(recs[0].Content)
	assert.Equal(t, hex.EncodeToString(sum[:]), recs[0].Digest)
	assert.JSONEq(t, `{"degraded":false}`, string(recs[0].Content))
}

func TestWriteWithoutCapsuleFails(t *testing.T) {
	m := NewManager()
	defer m.Close()
	_, err := m.WriteRequest(t.TempDir(), "run1", map[string]string{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "capsule unavailable")
}

func TestWriteCheckpointNaming(t *testing.T) {
	workspace := seedCapsule(t)
	m := NewManager()
	defer m.Close()

	uri, err := m.WriteCheckpoint(workspace, "run1", 2, map[string]int{"seq": 2})
	require.NoError(t, err)
	assert.Equal(t, "mv2://run1/checkpoint-2.json", uri)
}
