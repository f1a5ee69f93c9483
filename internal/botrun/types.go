// Package botrun manages long-running bot jobs: submission, single
// flight, persistence, resume, and terminal broadcast.
package botrun

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SchemaVersion stamps every persisted artifact; bumped only on a
// breaking change.
const SchemaVersion = 1

// Kind is the bot job family.
type Kind string

const (
	KindResearch Kind = "research"
	KindReview   Kind = "review"
)

// CaptureMode controls what the run records about agent traffic.
type CaptureMode string

const (
	CaptureNone        CaptureMode = "none"
	CapturePromptsOnly CaptureMode = "prompts-only"
	CaptureFullIO      CaptureMode = "full-io"
)

// WriteMode controls whether the run may modify the workspace.
type WriteMode string

const (
	WriteNone     WriteMode = "none"
	WriteWorktree WriteMode = "worktree"
)

// State is the lifecycle state of one bot run.
type State string

const (
	StateQueued         State = "queued"
	StateRunning        State = "running"
	StateSucceeded      State = "succeeded"
	StateFailed         State = "failed"
	StateCancelled      State = "cancelled"
	StateBlocked        State = "blocked"
	StateNeedsAttention State = "needs_attention"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled, StateBlocked, StateNeedsAttention:
		return true
	}
	return false
}

// ExitCode maps a terminal state to its process-style exit code.
func (s State) ExitCode() int {
	switch s {
	case StateSucceeded:
		return 0
	case StateFailed:
		return 1
	case StateCancelled, StateBlocked:
		return 2
	case StateNeedsAttention:
		return 10
	}
	return 3
}

// Sentinel errors of the run manager's taxonomy.
var (
	ErrDuplicateRun    = errors.New("a run for this work item is already in flight")
	ErrNotFound        = errors.New("run not found")
	ErrAlreadyTerminal = errors.New("run is already terminal")
)

// InputError is a bad request; surfaced to the caller, never retried.
type InputError struct {
	Reason string
}

func (e *InputError) Error() string { return e.Reason }

// Request is the schema-versioned bot run request persisted as
// request.json.
type Request struct {
	SchemaVersion       int         `json:"schema_version"`
	RunID               string      `json:"run_id"`
	WorkspacePath       string      `json:"workspace_path"`
	WorkItemID          string      `json:"work_item_id"`
	Kind                Kind        `json:"kind"`
	CaptureMode         CaptureMode `json:"capture_mode"`
	WriteMode           WriteMode   `json:"write_mode,omitempty"`
	AllowDegraded       bool        `json:"allow_degraded,omitempty"`
	NotebookLMHealthURL string      `json:"notebooklm_health_url,omitempty"`
	RebaseTarget        string      `json:"rebase_target,omitempty"`
	SubmittedAt         string      `json:"submitted_at"`
}

// Validate enforces the request invariants, notably that capture is
// required and worktree writes are review-only.
func (r *Request) Validate() error {
	if r.WorkspacePath == "" {
		return &InputError{Reason: "workspace_path is required"}
	}
	if r.WorkItemID == "" {
		return &InputError{Reason: "work_item_id is required"}
	}
	switch r.Kind {
	case KindResearch, KindReview:
	default:
		return &InputError{Reason: fmt.Sprintf("unknown kind %q", r.Kind)}
	}
	switch r.CaptureMode {
	case CaptureNone:
		return &InputError{Reason: "capture_mode none is not allowed; runs must be auditable"}
	case CapturePromptsOnly, CaptureFullIO:
	default:
		return &InputError{Reason: fmt.Sprintf("unknown capture_mode %q", r.CaptureMode)}
	}
	switch r.WriteMode {
	case "", WriteNone:
	case WriteWorktree:
		if r.Kind != KindReview {
			return &InputError{Reason: "write_mode worktree requires kind review"}
		}
	default:
		return &InputError{Reason: fmt.Sprintf("unknown write_mode %q", r.WriteMode)}
	}
	return nil
}

// Meta is the housekeeping sidecar persisted as meta.json.
type Meta struct {
	SchemaVersion int    `json:"schema_version"`
	RunID         string `json:"run_id"`
	WorkspacePath string `json:"workspace_path"`
	CreatedAt     string `json:"created_at"`
}

// Log is the run outcome persisted as log.json.
type Log struct {
	SchemaVersion int    `json:"schema_version"`
	RunID         string `json:"run_id"`
	State         State  `json:"state"`
	StartedAt     string `json:"started_at"`
	FinishedAt    string `json:"finished_at,omitempty"`
	ExitCode      int    `json:"exit_code"`
	Summary       string `json:"summary,omitempty"`
	Partial       bool   `json:"partial,omitempty"`
}

// BlockedReason explains a Blocked terminal state in machine-readable
// form.
type BlockedReason struct {
	Dependency  string   `json:"dependency"`
	Detail      string   `json:"detail"`
	Remediation []string `json:"remediation,omitempty"`
}

// Report is the engine-produced structured report persisted as
// report.json.
type Report struct {
	SchemaVersion int            `json:"schema_version"`
	RunID         string         `json:"run_id"`
	Kind          Kind           `json:"kind"`
	Summary       string         `json:"summary"`
	Degraded      bool           `json:"degraded,omitempty"`
	SourcesUsed   []string       `json:"sources_used,omitempty"`
	BlockedReason *BlockedReason `json:"blocked_reason,omitempty"`
	Findings      []Finding      `json:"findings,omitempty"`
}

// Finding is one report entry.
type Finding struct {
	Title  string `json:"title"`
	Detail string `json:"detail,omitempty"`
}

// Patch is one file diff in a patch bundle.
type Patch struct {
	File string `json:"file"`
	Diff string `json:"diff"`
}

// PatchBundle is the diff set produced by a write-mode run.
type PatchBundle struct {
	SchemaVersion int     `json:"schema_version"`
	RunID         string  `json:"run_id"`
	BaseCommit    string  `json:"base_commit,omitempty"`
	Patches       []Patch `json:"patches"`
}

// ConflictSummary is the machine-readable resolution plan written when
// a rebase fails.
type ConflictSummary struct {
	SchemaVersion          int      `json:"schema_version"`
	RunID                  string   `json:"run_id"`
	RebaseTarget           string   `json:"rebase_target"`
	ConflictingFiles       []string `json:"conflicting_files,omitempty"`
	Detail                 string   `json:"detail"`
	ResolutionInstructions []string `json:"resolution_instructions"`
}

// Checkpoint is one periodic progress snapshot.
type Checkpoint struct {
	Seq  int    `json:"seq"`
	At   string `json:"at"`
	Note string `json:"note"`
}

// ActiveRunKey identifies the single-flight slot of a run.
type ActiveRunKey struct {
	Workspace  string
	WorkItemID string
	Kind       Kind
}

// Record is the manager's in-memory view of one run.
type Record struct {
	RunID          string          `json:"run_id"`
	Request        Request         `json:"request"`
	State          State           `json:"state"`
	ExitCode       int             `json:"exit_code"`
	Summary        string          `json:"summary,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
	LastCheckpoint string          `json:"last_checkpoint,omitempty"`
	ArtifactURIs   []string        `json:"artifact_uris"`
	ReportJSON     json.RawMessage `json:"report_json,omitempty"`
}

// TerminalNotification is broadcast when a run reaches a terminal state.
type TerminalNotification struct {
	RunID        string   `json:"run_id"`
	Status       State    `json:"status"`
	ExitCode     int      `json:"exit_code"`
	Summary      string   `json:"summary,omitempty"`
	ArtifactURIs []string `json:"artifact_uris"`
}
