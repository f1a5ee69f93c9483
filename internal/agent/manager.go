// Package agent spawns and monitors the external LLM CLI subprocesses
// that produce stage artifacts.
package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/metalagman/specdrive/internal/config"
)

// Status is the lifecycle state of one agent subprocess.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusRunning:
		return 1
	default:
		return 2
	}
}

// ProgressEntry is one line of an agent's progress log.
type ProgressEntry struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// Spawn is the record of one agent subprocess.
type Spawn struct {
	ID           string          `json:"agent_id"`
	BatchID      string          `json:"batch_id,omitempty"`
	Model        string          `json:"model"`
	Prompt       string          `json:"prompt"`
	Context      string          `json:"context,omitempty"`
	OutputGoal   string          `json:"output_goal,omitempty"`
	Files        []string        `json:"files,omitempty"`
	ReadOnly     bool            `json:"read_only"`
	Status       Status          `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	Progress     []ProgressEntry `json:"progress,omitempty"`
	WorktreePath string          `json:"worktree_path,omitempty"`
	BranchName   string          `json:"branch_name,omitempty"`
	Result       string          `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	TmuxEnabled  bool            `json:"tmux_enabled,omitempty"`
}

// StatusUpdate is the event payload published whenever a status or
// progress entry changes: a full snapshot of agents plus the current
// task's context and prompt.
type StatusUpdate struct {
	Agents  []Spawn
	Context string
	Prompt  string
}

// CreateParams describes a new agent to spawn.
type CreateParams struct {
	Model       string
	Prompt      string
	Context     string
	OutputGoal  string
	Files       []string
	ReadOnly    bool
	BatchID     string
	Config      *config.AgentConfig
	TmuxEnabled bool
	Timeout     time.Duration
}

// ListFilter narrows ListAgents results.
type ListFilter struct {
	Status     *Status
	BatchID    string
	RecentOnly bool
}

const recentWindow = 2 * time.Hour

// Manager owns the agent spawn map and the driving tasks.
type Manager struct {
	mu      sync.RWMutex
	agents  map[string]*Spawn
	cancels map[string]context.CancelFunc

	subMu sync.Mutex
	subs  []chan StatusUpdate

	configs   map[string]config.AgentConfig
	workspace string
	debugDir  string

	wg sync.WaitGroup
}

// NewManager creates a manager rooted at the given workspace. debugDir
// receives unparseable raw outputs for inspection.
func NewManager(workspace, debugDir string, configs map[string]config.AgentConfig) *Manager {
	return &Manager{
		agents:    make(map[string]*Spawn),
		cancels:   make(map[string]context.CancelFunc),
		configs:   configs,
		workspace: workspace,
		debugDir:  debugDir,
	}
}

// Subscribe returns a channel of status updates. The channel is lossy
// for slow subscribers; persisted state remains authoritative.
func (m *Manager) Subscribe() <-chan StatusUpdate {
	ch := make(chan StatusUpdate, 16)
	m.subMu.Lock()
	m.subs = append(m.subs, ch)
	m.subMu.Unlock()
	return ch
}

func (m *Manager) publish() {
	m.mu.RLock()
	snapshot := make([]Spawn, 0, len(m.agents))
	var curContext, curPrompt string
	for _, a := range m.agents {
		snapshot = append(snapshot, *a)
		if a.Status == StatusRunning {
			curContext, curPrompt = a.Context, a.Prompt
		}
	}
	m.mu.RUnlock()
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].CreatedAt.Before(snapshot[j].CreatedAt) })

	update := StatusUpdate{Agents: snapshot, Context: curContext, Prompt: curPrompt}
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- update:
		default:
		}
	}
}

// CreateAgent registers a new agent in Pending and spawns the task that
// drives the subprocess. Returns the agent id.
func (m *Manager) CreateAgent(params CreateParams) string {
	id := uuid.NewString()
	spawn := &Spawn{
		ID:          id,
		BatchID:     params.BatchID,
		Model:       params.Model,
		Prompt:      params.Prompt,
		Context:     params.Context,
		OutputGoal:  params.OutputGoal,
		Files:       params.Files,
		ReadOnly:    params.ReadOnly,
		Status:      StatusPending,
		CreatedAt:   time.Now().UTC(),
		TmuxEnabled: params.TmuxEnabled,
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.agents[id] = spawn
	m.cancels[id] = cancel
	m.mu.Unlock()
	m.publish()

	cfg := m.resolveConfig(params)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		m.drive(ctx, id, cfg, params)
	}()

	log.Debug().Str("agent_id", id).Str("model", params.Model).Str("batch_id", params.BatchID).Msg("agent created")
	return id
}

// CreateAgentFromConfigName looks up a named agent configuration and
// spawns from it. Fails if the configuration is missing or disabled.
func (m *Manager) CreateAgentFromConfigName(name string, params CreateParams) (string, error) {
	cfg, ok := m.configs[name]
	if !ok {
		return "", fmt.Errorf("agent config %q not found", name)
	}
	if !cfg.IsEnabled() {
		return "", fmt.Errorf("agent config %q is disabled", name)
	}
	params.Config = &cfg
	if params.Model == "" {
		params.Model = cfg.Model
	}
	if params.Model == "" {
		params.Model = name
	}
	return m.CreateAgent(params), nil
}

func (m *Manager) resolveConfig(params CreateParams) config.AgentConfig {
	if params.Config != nil {
		return *params.Config
	}
	if cfg, ok := m.configs[baseModel(params.Model)]; ok {
		return cfg
	}
	return config.AgentConfig{Command: params.Model}
}

// Get returns a copy of the spawn record.
func (m *Manager) Get(id string) (Spawn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return Spawn{}, false
	}
	return *a, true
}

// UpdateStatus applies a monotonic status transition, stamping
// started_at and completed_at as appropriate.
func (m *Manager) UpdateStatus(id string, status Status) error {
	m.mu.Lock()
	a, ok := m.agents[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("agent not found: %s", id)
	}
	if a.Status.Terminal() || status.rank() < a.Status.rank() {
		m.mu.Unlock()
		return fmt.Errorf("invalid transition %s -> %s for agent %s", a.Status, status, id)
	}
	now := time.Now().UTC()
	a.Status = status
	if status == StatusRunning && a.StartedAt == nil {
		a.StartedAt = &now
	}
	if status.Terminal() {
		a.CompletedAt = &now
	}
	m.mu.Unlock()
	m.publish()
	return nil
}

// UpdateResult stores the terminal result or error. Writes are rejected
// once the agent reaches a terminal status, and each field is set once.
func (m *Manager) UpdateResult(id string, result, errText string) error {
	m.mu.Lock()
	a, ok := m.agents[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("agent not found: %s", id)
	}
	if a.Status.Terminal() {
		m.mu.Unlock()
		return fmt.Errorf("agent %s is %s, result is immutable", id, a.Status)
	}
	if a.Result == "" {
		a.Result = result
	}
	if a.Error == "" {
		a.Error = errText
	}
	m.mu.Unlock()
	m.publish()
	return nil
}

// AddProgress appends a timestamped progress entry.
func (m *Manager) AddProgress(id, message string) {
	m.mu.Lock()
	if a, ok := m.agents[id]; ok {
		a.Progress = append(a.Progress, ProgressEntry{At: time.Now().UTC(), Message: message})
	}
	m.mu.Unlock()
	m.publish()
}

// CancelAgent aborts the driving task and marks the record Cancelled.
func (m *Manager) CancelAgent(id string) error {
	m.mu.Lock()
	a, ok := m.agents[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("agent not found: %s", id)
	}
	if a.Status.Terminal() {
		m.mu.Unlock()
		return nil
	}
	now := time.Now().UTC()
	a.Status = StatusCancelled
	a.CompletedAt = &now
	cancel := m.cancels[id]
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.publish()
	log.Info().Str("agent_id", id).Msg("agent cancelled")
	return nil
}

// CancelBatch cancels all non-terminal agents matching a batch.
func (m *Manager) CancelBatch(batchID string) int {
	m.mu.RLock()
	var ids []string
	for id, a := range m.agents {
		if a.BatchID == batchID && !a.Status.Terminal() {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()
	for _, id := range ids {
		_ = m.CancelAgent(id)
	}
	return len(ids)
}

// ListAgents returns a filtered snapshot ordered by creation time.
func (m *Manager) ListAgents(filter ListFilter) []Spawn {
	cutoff := time.Now().UTC().Add(-recentWindow)
	m.mu.RLock()
	out := make([]Spawn, 0, len(m.agents))
	for _, a := range m.agents {
		if filter.Status != nil && a.Status != *filter.Status {
			continue
		}
		if filter.BatchID != "" && a.BatchID != filter.BatchID {
			continue
		}
		if filter.RecentOnly && a.CreatedAt.Before(cutoff) {
			continue
		}
		out = append(out, *a)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ConcurrentCount is a single-flight diagnostic entry.
type ConcurrentCount struct {
	BaseModel string
	Count     int
}

// CheckConcurrentAgents returns base models with two or more concurrent
// running agents.
func (m *Manager) CheckConcurrentAgents() []ConcurrentCount {
	counts := make(map[string]int)
	m.mu.RLock()
	for _, a := range m.agents {
		if a.Status == StatusRunning {
			counts[baseModel(a.Model)]++
		}
	}
	m.mu.RUnlock()

	var out []ConcurrentCount
	for model, n := range counts {
		if n >= 2 {
			out = append(out, ConcurrentCount{BaseModel: model, Count: n})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BaseModel < out[j].BaseModel })
	return out
}

// Wait blocks until all driving tasks finish. Used by tests and shutdown.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// baseModel reduces a full model name to its provider family, e.g.
// "gemini-2.5-pro" -> "gemini".
func baseModel(model string) string {
	if i := strings.IndexByte(model, '-'); i != -1 {
		return model[:i]
	}
	return model
}
