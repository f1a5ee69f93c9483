package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedSpawn(m *Manager, id string, status Status, batchID, model string, createdAt time.Time) {
	m.mu.Lock()
	m.agents[id] = &Spawn{
		ID:        id,
		BatchID:   batchID,
		Model:     model,
		Status:    status,
		CreatedAt: createdAt,
	}
	m.mu.Unlock()
}

func TestUpdateStatusMonotonic(t *testing.T) {
	m := NewManager(t.TempDir(), "", nil)
	seedSpawn(m, "a1", StatusPending, "", "gemini", time.Now().UTC())

	require.NoError(t, m.UpdateStatus("a1", StatusRunning))
	a, ok := m.Get("a1")
	require.True(t, ok)
	require.NotNil(t, a.StartedAt)

	// Backward transitions are rejected.
	require.Error(t, m.UpdateStatus("a1", StatusPending))

	require.NoError(t, m.UpdateStatus("a1", StatusCompleted))
	a, _ = m.Get("a1")
	require.NotNil(t, a.CompletedAt)

	// Terminal states are locked.
	assert.Error(t, m.UpdateStatus("a1", StatusRunning))
	assert.Error(t, m.UpdateStatus("a1", StatusFailed))
}

func TestUpdateStatusUnknownAgent(t *testing.T) {
	m := NewManager(t.TempDir(), "", nil)
	assert.Error(t, m.UpdateStatus("missing", StatusRunning))
}

func TestUpdateResultImmutable(t *testing.T) {
	m := NewManager(t.TempDir(), "", nil)
	seedSpawn(m, "a1", StatusRunning, "", "claude", time.Now().UTC())

	require.NoError(t, m.UpdateResult("a1", `{"verdict":"pass"}`, ""))
	require.NoError(t, m.UpdateResult("a1", `{"verdict":"overwritten"}`, "late error"))

	a, _ := m.Get("a1")
	assert.Equal(t, `{"verdict":"pass"}`, a.Result)
	assert.Equal(t, "late error", a.Error)

	require.NoError(t, m.UpdateResult("a1", "", "second error"))
	a, _ = m.Get("a1")
	assert.Equal(t, "late error", a.Error)
}

func TestUpdateResultRejectedAfterTerminal(t *testing.T) {
	m := NewManager(t.TempDir(), "", nil)
	seedSpawn(m, "a1", StatusRunning, "", "claude", time.Now().UTC())

	// A cancelled agent with no result stays empty even if the driving
	// task reports an error afterwards.
	require.NoError(t, m.CancelAgent("a1"))
	require.Error(t, m.UpdateResult("a1", "", "killed by signal"))

	a, _ := m.Get("a1")
	assert.Empty(t, a.Result)
	assert.Empty(t, a.Error)
}

func TestCancelAgent(t *testing.T) {
	m := NewManager(t.TempDir(), "", nil)
	seedSpawn(m, "a1", StatusRunning, "", "gemini", time.Now().UTC())
	seedSpawn(m, "a2", StatusCompleted, "", "gemini", time.Now().UTC())

	require.NoError(t, m.CancelAgent("a1"))
	a, _ := m.Get("a1")
	assert.Equal(t, StatusCancelled, a.Status)
	require.NotNil(t, a.CompletedAt)

	// Cancelling a terminal agent is a no-op, not an error.
	require.NoError(t, m.CancelAgent("a2"))
	a, _ = m.Get("a2")
	assert.Equal(t, StatusCompleted, a.Status)

	assert.Error(t, m.CancelAgent("missing"))
}

func TestCancelBatch(t *testing.T) {
	m := NewManager(t.TempDir(), "", nil)
	now := time.Now().UTC()
	seedSpawn(m, "a1", StatusRunning, "b1", "gemini", now)
	seedSpawn(m, "a2", StatusPending, "b1", "claude", now)
	seedSpawn(m, "a3", StatusCompleted, "b1", "gpt-5", now)
	seedSpawn(m, "a4", StatusRunning, "b2", "gemini", now)

	assert.Equal(t, 2, m.CancelBatch("b1"))
	for _, id := range []string{"a1", "a2"} {
		a, _ := m.Get(id)
		assert.Equal(t, StatusCancelled, a.Status, id)
	}
	a, _ := m.Get("a3")
	assert.Equal(t, StatusCompleted, a.Status)
	a, _ = m.Get("a4")
	assert.Equal(t, StatusRunning, a.Status)
}

func TestListAgentsFilters(t *testing.T) {
	m := NewManager(t.TempDir(), "", nil)
	now := time.Now().UTC()
	seedSpawn(m, "old", StatusCompleted, "b1", "gemini", now.Add(-3*time.Hour))
	seedSpawn(m, "a1", StatusRunning, "b1", "gemini", now.Add(-2*time.Minute))
	seedSpawn(m, "a2", StatusRunning, "b2", "claude", now.Add(-time.Minute))

	all := m.ListAgents(ListFilter{})
	require.Len(t, all, 3)
	// Ordered by creation time.
	assert.Equal(t, []string{"old", "a1", "a2"}, []string{all[0].ID, all[1].ID, all[2].ID})

	running := StatusRunning
	assert.Len(t, m.ListAgents(ListFilter{Status: &running}), 2)
	assert.Len(t, m.ListAgents(ListFilter{BatchID: "b2"}), 1)

	recent := m.ListAgents(ListFilter{RecentOnly: true})
	require.Len(t, recent, 2)
	assert.Equal(t, "a1", recent[0].ID)
}

func TestCheckConcurrentAgents(t *testing.T) {
	m := NewManager(t.TempDir(), "", nil)
	now := time.Now().UTC()
	seedSpawn(m, "a1", StatusRunning, "", "gemini-2.5-pro", now)
	seedSpawn(m, "a2", StatusRunning, "", "gemini-2.5-flash", now)
	seedSpawn(m, "a3", StatusRunning, "", "claude-sonnet", now)
	seedSpawn(m, "a4", StatusCompleted, "", "claude-opus", now)

	counts := m.CheckConcurrentAgents()
	require.Len(t, counts, 1)
	assert.Equal(t, "gemini", counts[0].BaseModel)
	assert.Equal(t, 2, counts[0].Count)
}

func TestSubscribeReceivesSnapshots(t *testing.T) {
	m := NewManager(t.TempDir(), "", nil)
	seedSpawn(m, "a1", StatusPending, "", "gemini", time.Now().UTC())
	ch := m.Subscribe()

	require.NoError(t, m.UpdateStatus("a1", StatusRunning))
	select {
	case update := <-ch:
		require.Len(t, update.Agents, 1)
		assert.Equal(t, StatusRunning, update.Agents[0].Status)
	case <-time.After(time.Second):
		t.Fatal("no status update published")
	}
}
