// Package ipc implements the local-socket control protocol: newline
// delimited JSON requests, responses, and notifications.
package ipc

import (
	"encoding/json"

	"github.com/metalagman/specdrive/internal/botrun"
)

// ProtocolVersion is compared exactly during the hello handshake.
const ProtocolVersion = "1"

// Error codes of the wire protocol.
const (
	CodeInvalidRequest  = -32600
	CodeUnknownMethod   = -32601
	CodeInvalidParams   = -32602
	CodeInfra           = 3
	CodeNeedsInput      = 10
	CodeAlreadyTerminal = 11
	CodeNotFound        = 13
	CodeDuplicateRun    = 100
	CodeCapsule         = 200
)

// Request is one client message.
type Request struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ErrorObject carries a failed response.
type ErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Response answers one request.
type Response struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Result any             `json:"result,omitempty"`
	Error  *ErrorObject    `json:"error,omitempty"`
}

// Notification is a server-to-client message with no id.
type Notification struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

// HelloParams opens every connection.
type HelloParams struct {
	ProtocolVersion string `json:"protocol_version"`
	ClientVersion   string `json:"client_version"`
}

// HelloResult acknowledges a compatible client.
type HelloResult struct {
	ProtocolVersion string   `json:"protocol_version"`
	ServiceVersion  string   `json:"service_version"`
	Capabilities    []string `json:"capabilities"`
}

// BotRunParams submits a run.
type BotRunParams struct {
	WorkspacePath       string `json:"workspace_path"`
	WorkItemID          string `json:"work_item_id"`
	Kind                string `json:"kind"`
	CaptureMode         string `json:"capture_mode"`
	WriteMode           string `json:"write_mode,omitempty"`
	AllowDegraded       bool   `json:"allow_degraded,omitempty"`
	NotebookLMHealthURL string `json:"notebooklm_health_url,omitempty"`
	RebaseTarget        string `json:"rebase_target,omitempty"`
	Subscribe           bool   `json:"subscribe,omitempty"`
}

// BotRunResult answers bot.run.
type BotRunResult struct {
	RunID        string   `json:"run_id"`
	Status       string   `json:"status"`
	WorkItemID   string   `json:"work_item_id"`
	Kind         string   `json:"kind"`
	ExitCode     int      `json:"exit_code"`
	Summary      string   `json:"summary,omitempty"`
	ArtifactURIs []string `json:"artifact_uris"`
}

// RunSummary is one entry of a run listing.
type RunSummary struct {
	RunID          string `json:"run_id"`
	Status         string `json:"status"`
	Kind           string `json:"kind"`
	StartedAt      string `json:"started_at"`
	LastCheckpoint string `json:"last_checkpoint,omitempty"`
	Summary        string `json:"summary,omitempty"`
}

// BotStatusParams filters runs for one work item.
type BotStatusParams struct {
	WorkspacePath string `json:"workspace_path"`
	WorkItemID    string `json:"work_item_id"`
	Kind          string `json:"kind,omitempty"`
}

// BotStatusResult answers bot.status.
type BotStatusResult struct {
	Runs []RunSummary `json:"runs"`
}

// BotShowParams fetches one full record.
type BotShowParams struct {
	WorkspacePath string `json:"workspace_path"`
	WorkItemID    string `json:"work_item_id"`
	RunID         string `json:"run_id"`
}

// BotShowResult answers bot.show.
type BotShowResult struct {
	RunID        string          `json:"run_id"`
	Status       string          `json:"status"`
	Kind         string          `json:"kind"`
	ExitCode     int             `json:"exit_code"`
	Summary      string          `json:"summary,omitempty"`
	StartedAt    string          `json:"started_at"`
	FinishedAt   string          `json:"finished_at,omitempty"`
	ArtifactURIs []string        `json:"artifact_uris"`
	ReportJSON   json.RawMessage `json:"report_json,omitempty"`
}

// BotRunsParams paginates a run listing.
type BotRunsParams struct {
	WorkspacePath string `json:"workspace_path"`
	WorkItemID    string `json:"work_item_id"`
	Limit         int    `json:"limit,omitempty"`
	Offset        int    `json:"offset,omitempty"`
}

// BotRunsResult answers bot.runs.
type BotRunsResult struct {
	Runs  []RunSummary `json:"runs"`
	Total int          `json:"total"`
}

// BotCancelParams cancels a run.
type BotCancelParams struct {
	WorkspacePath string `json:"workspace_path"`
	WorkItemID    string `json:"work_item_id"`
	RunID         string `json:"run_id"`
}

// BotCancelResult answers bot.cancel.
type BotCancelResult struct {
	Status string `json:"status"`
}

// ServiceStatusResult answers service.status.
type ServiceStatusResult struct {
	UptimeS          int64    `json:"uptime_s"`
	ActiveRuns       int      `json:"active_runs"`
	ActiveWorkspaces []string `json:"active_workspaces"`
}

// DoctorCheck is one health probe result.
type DoctorCheck struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// ServiceDoctorResult answers service.doctor.
type ServiceDoctorResult struct {
	Checks []DoctorCheck `json:"checks"`
}

// TerminalParams is the payload of the bot.terminal notification.
type TerminalParams = botrun.TerminalNotification
