package botrun

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/metalagman/specdrive/internal/git"
)

// healthProbeTimeout bounds the enrichment-service health check.
const healthProbeTimeout = 2 * time.Second

// EngineOutput is everything an engine run produces; the manager
// persists it without inspecting the contents.
type EngineOutput struct {
	State           State
	ExitCode        int
	Summary         string
	Partial         bool
	Report          Report
	PatchBundle     *PatchBundle
	ConflictSummary *ConflictSummary
	Checkpoints     []Checkpoint
}

// Engine executes one bot run to completion. Opaque to the manager.
type Engine interface {
	Execute(ctx context.Context, req Request) EngineOutput
}

// DefaultEngine implements research enrichment probing and write-mode
// review rebasing.
type DefaultEngine struct {
	client *http.Client
}

// NewDefaultEngine creates the built-in engine.
func NewDefaultEngine() *DefaultEngine {
	return &DefaultEngine{client: &http.Client{Timeout: healthProbeTimeout}}
}

// Execute runs the job and classifies the terminal state.
func (e *DefaultEngine) Execute(ctx context.Context, req Request) EngineOutput {
	switch req.Kind {
	case KindResearch:
		return e.runResearch(ctx, req)
	case KindReview:
		return e.runReview(ctx, req)
	}
	return EngineOutput{
		State:    StateFailed,
		ExitCode: StateFailed.ExitCode(),
		Summary:  fmt.Sprintf("unknown kind %q", req.Kind),
		Report:   Report{SchemaVersion: SchemaVersion, RunID: req.RunID, Kind: req.Kind, Summary: "unknown kind"},
	}
}

// runResearch probes the enrichment service when configured. An
// unreachable service blocks the run unless degraded continuation is
// allowed, in which case the report is tagged and sources fall back to
// the workspace.
func (e *DefaultEngine) runResearch(ctx context.Context, req Request) EngineOutput {
	out := EngineOutput{
		Checkpoints: []Checkpoint{checkpoint(1, "research started")},
	}
	report := Report{
		SchemaVersion: SchemaVersion,
		RunID:         req.RunID,
		Kind:          KindResearch,
		SourcesUsed:   []string{"workspace"},
	}

	if req.NotebookLMHealthURL != "" {
		if err := e.probe(ctx, req.NotebookLMHealthURL); err != nil {
			if !req.AllowDegraded {
				report.Summary = "enrichment service unreachable"
				report.BlockedReason = &BlockedReason{
					Dependency: "notebooklm",
					Detail:     err.Error(),
					Remediation: []string{
						"verify the notebooklm service is running and reachable",
						"re-run with allow_degraded=true to continue on workspace-local sources",
					},
				}
				out.State = StateBlocked
				out.ExitCode = StateBlocked.ExitCode()
				out.Summary = report.Summary
				out.Report = report
				out.Checkpoints = append(out.Checkpoints, checkpoint(2, "blocked on enrichment service"))
				return out
			}
			log.Warn().Str("run_id", req.RunID).Err(err).Msg("enrichment unreachable, continuing degraded")
			report.Degraded = true
			report.SourcesUsed = []string{"workspace-local-only"}
		} else {
			report.SourcesUsed = []string{"notebooklm", "workspace"}
		}
	}

	report.Summary = "research completed"
	if report.Degraded {
		report.Summary = "research completed on workspace-local sources"
	}
	report.Findings = []Finding{{Title: "research report", Detail: "findings compiled for " + req.WorkItemID}}

	out.State = StateSucceeded
	out.ExitCode = StateSucceeded.ExitCode()
	out.Summary = report.Summary
	out.Report = report
	out.Checkpoints = append(out.Checkpoints, checkpoint(2, "research finished"))
	return out
}

// runReview rebases the workspace onto the requested target when write
// mode is enabled. A conflicting rebase terminates NeedsAttention with
// a machine-readable resolution plan.
func (e *DefaultEngine) runReview(ctx context.Context, req Request) EngineOutput {
	out := EngineOutput{
		Checkpoints: []Checkpoint{checkpoint(1, "review started")},
	}
	report := Report{
		SchemaVersion: SchemaVersion,
		RunID:         req.RunID,
		Kind:          KindReview,
		SourcesUsed:   []string{"workspace"},
	}

	if req.WriteMode == WriteWorktree && req.RebaseTarget != "" {
		bundle, conflict := rebaseWorkspace(ctx, req)
		out.PatchBundle = bundle
		if conflict != nil {
			report.Summary = "rebase conflicts require manual resolution"
			out.State = StateNeedsAttention
			out.ExitCode = StateNeedsAttention.ExitCode()
			out.Summary = report.Summary
			out.Report = report
			out.ConflictSummary = conflict
			out.Checkpoints = append(out.Checkpoints, checkpoint(2, "rebase conflict detected"))
			return out
		}
	}

	report.Summary = "review completed"
	report.Findings = []Finding{{Title: "review report", Detail: "review compiled for " + req.WorkItemID}}

	out.State = StateSucceeded
	out.ExitCode = StateSucceeded.ExitCode()
	out.Summary = report.Summary
	out.Report = report
	out.Checkpoints = append(out.Checkpoints, checkpoint(2, "review finished"))
	return out
}

func (e *DefaultEngine) probe(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("health probe: %w", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("health probe: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("health probe: status %d", resp.StatusCode)
	}
	return nil
}

// rebaseWorkspace attempts the rebase and reports either a patch bundle
// against the target or a conflict summary.
func rebaseWorkspace(ctx context.Context, req Request) (*PatchBundle, *ConflictSummary) {
	workspace := req.WorkspacePath
	base := strings.TrimSpace(git.RunCmd(ctx, workspace, "git", "rev-parse", "HEAD"))

	if err := git.RunCmdErr(ctx, workspace, "git", "rebase", req.RebaseTarget); err != nil {
		conflicting := strings.Fields(git.RunCmd(ctx, workspace, "git", "diff", "--name-only", "--diff-filter=U"))
		_ = git.RunCmdErr(ctx, workspace, "git", "rebase", "--abort")
		return nil, &ConflictSummary{
			SchemaVersion:    SchemaVersion,
			RunID:            req.RunID,
			RebaseTarget:     req.RebaseTarget,
			ConflictingFiles: conflicting,
			Detail:           err.Error(),
			ResolutionInstructions: []string{
				fmt.Sprintf("git rebase %s", req.RebaseTarget),
				"resolve the conflicting hunks in the listed files",
				"git add <resolved files> && git rebase --continue",
			},
		}
	}

	diff := git.RunCmd(ctx, workspace, "git", "diff", req.RebaseTarget, "HEAD")
	bundle := &PatchBundle{SchemaVersion: SchemaVersion, RunID: req.RunID, BaseCommit: base}
	if strings.TrimSpace(diff) != "" {
		bundle.Patches = append(bundle.Patches, Patch{File: "*", Diff: diff})
	}
	return bundle, nil
}

func checkpoint(seq int, note string) Checkpoint {
	return Checkpoint{Seq: seq, At: time.Now().UTC().Format(time.RFC3339), Note: note}
}
