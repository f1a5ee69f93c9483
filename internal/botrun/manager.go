package botrun

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/metalagman/specdrive/internal/capsule"
	"github.com/metalagman/specdrive/internal/store"
)

// Manager owns bot-run state: the runs map, the single-flight active
// index, and the terminal broadcast. The runs map and active index are
// guarded by separate locks, always acquired runs-first.
type Manager struct {
	mu   sync.Mutex
	runs map[string]*Record

	activeMu sync.Mutex
	active   map[ActiveRunKey]string

	subMu sync.Mutex
	subs  []chan TerminalNotification

	store   *store.Store
	capsule *capsule.Manager
	engine  Engine

	startedAt    time.Time
	activityMu   sync.Mutex
	lastActivity time.Time
	connections  int
}

// NewManager wires a manager over a local store, a capsule manager, and
// an engine.
func NewManager(st *store.Store, caps *capsule.Manager, engine Engine) *Manager {
	now := time.Now().UTC()
	return &Manager{
		runs:         make(map[string]*Record),
		active:       make(map[ActiveRunKey]string),
		store:        st,
		capsule:      caps,
		engine:       engine,
		startedAt:    now,
		lastActivity: now,
	}
}

// SubscribeTerminal returns a channel of terminal notifications. The
// channel is lossy for slow subscribers; persisted state stays
// authoritative.
func (m *Manager) SubscribeTerminal() <-chan TerminalNotification {
	ch := make(chan TerminalNotification, 16)
	m.subMu.Lock()
	m.subs = append(m.subs, ch)
	m.subMu.Unlock()
	return ch
}

func (m *Manager) broadcast(n TerminalNotification) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- n:
		default:
		}
	}
}

// Submit validates, persists, and executes a new run to completion.
func (m *Manager) Submit(ctx context.Context, req Request) (*Record, error) {
	m.Touch()
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	req.SchemaVersion = SchemaVersion
	req.SubmittedAt = time.Now().UTC().Format(time.RFC3339)
	if err := req.Validate(); err != nil {
		return nil, err
	}

	key := ActiveRunKey{Workspace: req.WorkspacePath, WorkItemID: req.WorkItemID, Kind: req.Kind}
	m.activeMu.Lock()
	if existing, ok := m.active[key]; ok {
		m.activeMu.Unlock()
		return nil, fmt.Errorf("%w: run %s", ErrDuplicateRun, existing)
	}
	m.active[key] = req.RunID
	m.activeMu.Unlock()

	if _, err := m.store.Write(req.RunID, store.ArtifactRequest, req); err != nil {
		m.clearActive(key)
		return nil, fmt.Errorf("persist request: %w", err)
	}
	if _, err := m.store.Write(req.RunID, store.ArtifactMeta, Meta{
		SchemaVersion: SchemaVersion,
		RunID:         req.RunID,
		WorkspacePath: req.WorkspacePath,
		CreatedAt:     req.SubmittedAt,
	}); err != nil {
		log.Warn().Err(err).Str("run_id", req.RunID).Msg("meta not persisted")
	}

	return m.execute(ctx, req, key)
}

// execute runs steps 5-11 of submit: record insertion, engine run,
// artifact persistence, broadcast. Resume re-enters here.
func (m *Manager) execute(ctx context.Context, req Request, key ActiveRunKey) (*Record, error) {
	startedAt := time.Now().UTC()
	rec := &Record{
		RunID:     req.RunID,
		Request:   req,
		State:     StateQueued,
		StartedAt: startedAt,
	}
	m.mu.Lock()
	m.runs[req.RunID] = rec
	m.mu.Unlock()

	m.setState(req.RunID, StateRunning)
	out := m.engine.Execute(ctx, req)

	uris := m.persistOutcome(req, startedAt, out)

	m.mu.Lock()
	finished := time.Now().UTC()
	rec.State = out.State
	rec.ExitCode = out.ExitCode
	rec.Summary = out.Summary
	rec.FinishedAt = &finished
	rec.ArtifactURIs = uris
	if len(out.Checkpoints) > 0 {
		rec.LastCheckpoint = out.Checkpoints[len(out.Checkpoints)-1].Note
	}
	if data, err := json.Marshal(out.Report); err == nil {
		rec.ReportJSON = data
	}
	snapshot := *rec
	m.mu.Unlock()

	m.clearActive(key)
	m.broadcast(TerminalNotification{
		RunID:        snapshot.RunID,
		Status:       snapshot.State,
		ExitCode:     snapshot.ExitCode,
		Summary:      snapshot.Summary,
		ArtifactURIs: snapshot.ArtifactURIs,
	})
	log.Info().Str("run_id", snapshot.RunID).Str("state", string(snapshot.State)).Int("exit_code", snapshot.ExitCode).Msg("bot run terminal")
	return &snapshot, nil
}

// persistOutcome writes every artifact to the local store, then mirrors
// it into the capsule. Capsule writes are best-effort; when any
// succeed, capsule URIs are preferred in the returned list.
func (m *Manager) persistOutcome(req Request, startedAt time.Time, out EngineOutput) []string {
	runLog := Log{
		SchemaVersion: SchemaVersion,
		RunID:         req.RunID,
		State:         out.State,
		StartedAt:     startedAt.Format(time.RFC3339),
		FinishedAt:    time.Now().UTC().Format(time.RFC3339),
		ExitCode:      out.ExitCode,
		Summary:       out.Summary,
		Partial:       out.Partial,
	}

	type artifact struct {
		name  string
		value any
	}
	artifacts := []artifact{
		{store.ArtifactLog, runLog},
		{store.ArtifactReport, out.Report},
	}
	if out.PatchBundle != nil {
		artifacts = append(artifacts, artifact{store.ArtifactPatchBundle, out.PatchBundle})
	}
	if out.ConflictSummary != nil {
		artifacts = append(artifacts, artifact{store.ArtifactConflictSummary, out.ConflictSummary})
	}
	for _, cp := range out.Checkpoints {
		artifacts = append(artifacts, artifact{store.CheckpointArtifact(cp.Seq), cp})
	}

	localURIs := make([]string, 0, len(artifacts)+1)
	localURIs = append(localURIs, store.URI(req.RunID, store.ArtifactRequest))
	for _, a := range artifacts {
		uri, err := m.store.Write(req.RunID, a.name, a.value)
		if err != nil {
			log.Error().Err(err).Str("run_id", req.RunID).Str("artifact", a.name).Msg("local artifact write failed")
			continue
		}
		localURIs = append(localURIs, uri)
	}

	if m.capsule == nil || !capsule.Available(req.WorkspacePath) {
		return localURIs
	}
	capsuleURIs := make([]string, 0, len(artifacts)+1)
	writeCapsule := func(name string, fn func() (string, error)) {
		uri, err := fn()
		if err != nil {
			log.Warn().Err(err).Str("run_id", req.RunID).Str("artifact", name).Msg("capsule write failed")
			return
		}
		capsuleURIs = append(capsuleURIs, uri)
	}
	writeCapsule(store.ArtifactRequest, func() (string, error) { return m.capsule.WriteRequest(req.WorkspacePath, req.RunID, req) })
	writeCapsule(store.ArtifactLog, func() (string, error) { return m.capsule.WriteLog(req.WorkspacePath, req.RunID, runLog) })
	writeCapsule(store.ArtifactReport, func() (string, error) { return m.capsule.WriteReport(req.WorkspacePath, req.RunID, out.Report) })
	if out.PatchBundle != nil {
		writeCapsule(store.ArtifactPatchBundle, func() (string, error) {
			return m.capsule.WritePatchBundle(req.WorkspacePath, req.RunID, out.PatchBundle)
		})
	}
	if out.ConflictSummary != nil {
		writeCapsule(store.ArtifactConflictSummary, func() (string, error) {
			return m.capsule.WriteConflictSummary(req.WorkspacePath, req.RunID, out.ConflictSummary)
		})
	}
	for _, cp := range out.Checkpoints {
		snapshot := cp
		writeCapsule(store.CheckpointArtifact(cp.Seq), func() (string, error) {
			return m.capsule.WriteCheckpoint(req.WorkspacePath, req.RunID, snapshot.Seq, snapshot)
		})
	}

	if len(capsuleURIs) > 0 {
		return capsuleURIs
	}
	return localURIs
}

// Resume re-executes a persisted run that never reached a terminal
// state. A terminal run is rejected.
func (m *Manager) Resume(ctx context.Context, runID string) (*Record, error) {
	m.Touch()
	var req Request
	if err := m.store.Read(runID, store.ArtifactRequest, &req); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	var runLog Log
	if err := m.store.Read(runID, store.ArtifactLog, &runLog); err == nil && runLog.State.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, runID, runLog.State)
	}

	key := ActiveRunKey{Workspace: req.WorkspacePath, WorkItemID: req.WorkItemID, Kind: req.Kind}
	m.activeMu.Lock()
	if existing, ok := m.active[key]; ok {
		m.activeMu.Unlock()
		return nil, fmt.Errorf("%w: run %s", ErrDuplicateRun, existing)
	}
	m.active[key] = runID
	m.activeMu.Unlock()

	log.Info().Str("run_id", runID).Msg("resuming incomplete run")
	return m.execute(ctx, req, key)
}

// ResumeIncomplete enumerates persisted runs with no terminal log and
// resumes each. Called at startup before the IPC server accepts
// connections.
func (m *Manager) ResumeIncomplete(ctx context.Context) []string {
	incomplete, err := m.store.ScanIncomplete(func(state string) bool { return State(state).Terminal() })
	if err != nil {
		log.Error().Err(err).Msg("scan incomplete runs failed")
		return nil
	}
	var resumed []string
	for _, runID := range incomplete {
		if _, err := m.Resume(ctx, runID); err != nil {
			log.Warn().Err(err).Str("run_id", runID).Msg("run not resumed")
			continue
		}
		resumed = append(resumed, runID)
	}
	return resumed
}

// Cancel stamps a non-terminal run Cancelled with a synthetic partial
// log. Terminal runs return their existing state unchanged.
func (m *Manager) Cancel(runID string) (State, error) {
	m.Touch()
	m.mu.Lock()
	rec, ok := m.runs[runID]
	if !ok {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if rec.State.Terminal() {
		state := rec.State
		m.mu.Unlock()
		return state, nil
	}
	finished := time.Now().UTC()
	rec.State = StateCancelled
	rec.ExitCode = StateCancelled.ExitCode()
	rec.Summary = "cancelled by request"
	rec.FinishedAt = &finished
	req := rec.Request
	started := rec.StartedAt
	m.mu.Unlock()

	if _, err := m.store.Write(runID, store.ArtifactLog, Log{
		SchemaVersion: SchemaVersion,
		RunID:         runID,
		State:         StateCancelled,
		StartedAt:     started.Format(time.RFC3339),
		FinishedAt:    finished.Format(time.RFC3339),
		ExitCode:      StateCancelled.ExitCode(),
		Summary:       "cancelled by request",
		Partial:       true,
	}); err != nil {
		log.Warn().Err(err).Str("run_id", runID).Msg("cancel log not persisted")
	}

	m.clearActive(ActiveRunKey{Workspace: req.WorkspacePath, WorkItemID: req.WorkItemID, Kind: req.Kind})
	m.broadcast(TerminalNotification{RunID: runID, Status: StateCancelled, ExitCode: StateCancelled.ExitCode(), Summary: "cancelled by request"})
	return StateCancelled, nil
}

// Status lists runs matching a workspace and work item, optionally
// narrowed by kind.
func (m *Manager) Status(workspace, workItemID string, kind Kind) []Record {
	m.Touch()
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, rec := range m.runs {
		if rec.Request.WorkspacePath != workspace || rec.Request.WorkItemID != workItemID {
			continue
		}
		if kind != "" && rec.Request.Kind != kind {
			continue
		}
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Show returns the full record including report and URIs.
func (m *Manager) Show(runID string) (Record, error) {
	m.Touch()
	m.mu.Lock()
	if rec, ok := m.runs[runID]; ok {
		snapshot := *rec
		m.mu.Unlock()
		return snapshot, nil
	}
	m.mu.Unlock()
	return m.loadPersisted(runID)
}

// loadPersisted rebuilds a record from disk for runs that predate this
// process.
func (m *Manager) loadPersisted(runID string) (Record, error) {
	var req Request
	if err := m.store.Read(runID, store.ArtifactRequest, &req); err != nil {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	rec := Record{RunID: runID, Request: req, State: StateQueued}

	var runLog Log
	if err := m.store.Read(runID, store.ArtifactLog, &runLog); err == nil {
		rec.State = runLog.State
		rec.ExitCode = runLog.ExitCode
		rec.Summary = runLog.Summary
		if t, err := time.Parse(time.RFC3339, runLog.StartedAt); err == nil {
			rec.StartedAt = t
		}
		if t, err := time.Parse(time.RFC3339, runLog.FinishedAt); err == nil {
			rec.FinishedAt = &t
		}
	}
	var report Report
	if err := m.store.Read(runID, store.ArtifactReport, &report); err == nil {
		if data, err := json.Marshal(report); err == nil {
			rec.ReportJSON = data
		}
	}
	// The capsule is the system of record when the workspace carries one,
	// so rebuilt records keep pointing at it across restarts.
	uriFor := store.URI
	if capsule.Available(req.WorkspacePath) {
		uriFor = capsule.URI
	}
	for _, name := range []string{store.ArtifactRequest, store.ArtifactLog, store.ArtifactReport, store.ArtifactPatchBundle, store.ArtifactConflictSummary} {
		if m.store.Exists(runID, name) {
			rec.ArtifactURIs = append(rec.ArtifactURIs, uriFor(runID, name))
		}
	}
	return rec, nil
}

// ListRuns sorts matching runs by start time descending and paginates.
// The second return is the total before pagination.
func (m *Manager) ListRuns(workspace, workItemID string, limit, offset int) ([]Record, int) {
	matched := m.Status(workspace, workItemID, "")
	total := len(matched)
	if offset >= total {
		return nil, total
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, total
}

// Uptime reports how long the manager has been running.
func (m *Manager) Uptime() time.Duration {
	return time.Since(m.startedAt)
}

// ActiveRuns counts in-flight runs.
func (m *Manager) ActiveRuns() int {
	m.activeMu.Lock()
	defer m.activeMu.Unlock()
	return len(m.active)
}

// ActiveWorkspaces returns the sorted, deduplicated workspaces with
// in-flight runs.
func (m *Manager) ActiveWorkspaces() []string {
	m.activeMu.Lock()
	seen := make(map[string]bool, len(m.active))
	for key := range m.active {
		seen[key.Workspace] = true
	}
	m.activeMu.Unlock()

	out := make([]string, 0, len(seen))
	for ws := range seen {
		out = append(out, ws)
	}
	sort.Strings(out)
	return out
}

// Touch records activity for the idle-timeout clock.
func (m *Manager) Touch() {
	m.activityMu.Lock()
	m.lastActivity = time.Now().UTC()
	m.activityMu.Unlock()
}

// LastActivity returns the most recent request time.
func (m *Manager) LastActivity() time.Time {
	m.activityMu.Lock()
	defer m.activityMu.Unlock()
	return m.lastActivity
}

// ConnectionOpened tracks a new IPC connection.
func (m *Manager) ConnectionOpened() {
	m.activityMu.Lock()
	m.connections++
	m.activityMu.Unlock()
}

// ConnectionClosed tracks a dropped IPC connection.
func (m *Manager) ConnectionClosed() {
	m.activityMu.Lock()
	if m.connections > 0 {
		m.connections--
	}
	m.activityMu.Unlock()
}

// Connections returns the live IPC connection count.
func (m *Manager) Connections() int {
	m.activityMu.Lock()
	defer m.activityMu.Unlock()
	return m.connections
}

func (m *Manager) setState(runID string, state State) {
	m.mu.Lock()
	if rec, ok := m.runs[runID]; ok {
		rec.State = state
	}
	m.mu.Unlock()
}

func (m *Manager) clearActive(key ActiveRunKey) {
	m.activeMu.Lock()
	delete(m.active, key)
	m.activeMu.Unlock()
}

// IsInputError reports whether err belongs to the never-retried input
// class.
func IsInputError(err error) bool {
	var ie *InputError
	return errors.As(err, &ie)
}
