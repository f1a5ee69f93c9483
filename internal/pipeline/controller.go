package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/metalagman/specdrive/internal/config"
	"github.com/metalagman/specdrive/internal/consensus"
	"github.com/metalagman/specdrive/internal/cost"
	"github.com/metalagman/specdrive/internal/db"
	"github.com/metalagman/specdrive/internal/quality"
	"github.com/metalagman/specdrive/internal/stage"
)

// Phase is the controller's position within the current stage.
type Phase string

const (
	PhaseGuardrail         Phase = "guardrail"
	PhaseExecutingAgents   Phase = "executing_agents"
	PhaseCheckingConsensus Phase = "checking_consensus"
	PhaseQualityGate       Phase = "quality_gate"
	PhaseAwaitingHuman     Phase = "awaiting_human"
	PhaseDone              Phase = "done"
)

// maxGuardrailRetries bounds the Implement+Validate rewind on a failed
// Validate guardrail.
const maxGuardrailRetries = 2

// GuardrailResult is the evidence read back after a guardrail command.
type GuardrailResult struct {
	Passed   bool
	Evidence string
}

// GuardrailFunc runs the stage's guardrail command. A nil func passes
// every stage.
type GuardrailFunc func(ctx context.Context, specID string, st stage.Stage) (GuardrailResult, error)

// HaltError stops the pipeline with no retries left.
type HaltError struct {
	SpecID string
	Stage  stage.Stage
	Reason string
}

func (e *HaltError) Error() string {
	return fmt.Sprintf("pipeline halted for %s at %s: %s", e.SpecID, e.Stage, e.Reason)
}

// HumanInputNeeded suspends the pipeline until escalated quality-gate
// issues receive human answers via ResumeWithAnswers.
type HumanInputNeeded struct {
	Checkpoint stage.Checkpoint
	Gate       stage.GateType
	Escalated  []quality.EscalatedIssue
}

func (e *HumanInputNeeded) Error() string {
	return fmt.Sprintf("checkpoint %s gate %s: %d issues need human answers", e.Checkpoint.Name(), e.Gate, len(e.Escalated))
}

// State is the controller's view of one spec lifecycle.
type State struct {
	SpecID               string
	Goal                 string
	Stages               []stage.Stage
	CurrentIndex         int
	Phase                Phase
	RetryCount           int
	GuardrailRetries     int
	DegradedFollowUps    map[stage.Stage]bool
	CompletedCheckpoints map[stage.Checkpoint]bool
	LastResponses        map[string]string

	pendingCheckpoint stage.Checkpoint
	pendingGate       stage.GateType
	pendingEscalated  []quality.EscalatedIssue
}

// Params wires a controller.
type Params struct {
	Config    config.Config
	Executor  *Executor
	Consensus *consensus.Engine
	Gates     *quality.Engine
	Store     *db.Store
	Cost      *cost.Tracker
	Validate  *ValidateLifecycle
	Guardrail GuardrailFunc
	DocsRoot  string
}

// Controller owns the stage machine for one spec.
type Controller struct {
	cfg       config.Config
	executor  *Executor
	consensus *consensus.Engine
	gates     *quality.Engine
	store     *db.Store
	tracker   *cost.Tracker
	validate  *ValidateLifecycle
	guardrail GuardrailFunc
	docsRoot  string

	state    *State
	commands []string
}

// NewController creates a controller. Start must be called before Run.
func NewController(p Params) *Controller {
	return &Controller{
		cfg:       p.Config,
		executor:  p.Executor,
		consensus: p.Consensus,
		gates:     p.Gates,
		store:     p.Store,
		tracker:   p.Cost,
		validate:  p.Validate,
		guardrail: p.Guardrail,
		docsRoot:  p.DocsRoot,
	}
}

// Start initialises lifecycle state for a spec. stages defaults to the
// full pipeline when empty.
func (c *Controller) Start(specID, goal string, stages []stage.Stage) {
	if len(stages) == 0 {
		stages = stage.All()
	}
	c.state = &State{
		SpecID:               specID,
		Goal:                 goal,
		Stages:               stages,
		Phase:                PhaseGuardrail,
		DegradedFollowUps:    make(map[stage.Stage]bool),
		CompletedCheckpoints: make(map[stage.Checkpoint]bool),
		LastResponses:        make(map[string]string),
	}
}

// State returns a copy of the lifecycle state for display.
func (c *Controller) State() (State, bool) {
	if c.state == nil {
		return State{}, false
	}
	return *c.state, true
}

// PendingCommands drains the follow-up commands scheduled for the user
// message stream, e.g. the degraded-mode checklist.
func (c *Controller) PendingCommands() []string {
	out := c.commands
	c.commands = nil
	return out
}

// Run advances the stage machine until the pipeline completes, halts,
// or needs human input.
func (c *Controller) Run(ctx context.Context) error {
	if c.state == nil {
		return errors.New("controller not started")
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.state.CurrentIndex >= len(c.state.Stages) {
			c.state.Phase = PhaseDone
			log.Info().Str("spec_id", c.state.SpecID).Msg("pipeline complete")
			return nil
		}
		st := c.state.Stages[c.state.CurrentIndex]

		if c.cfg.Pipeline.QualityGatesEnabled {
			if cp, ok := stage.CheckpointBefore(st); ok && !c.state.CompletedCheckpoints[cp] {
				if err := c.runCheckpoint(ctx, cp); err != nil {
					return err
				}
				c.state.CompletedCheckpoints[cp] = true
			}
		}

		advanced, err := c.runStage(ctx, st)
		if err != nil {
			return err
		}
		if advanced {
			c.state.CurrentIndex++
			c.state.RetryCount = 0
		}
	}
}

// runStage executes one stage attempt. The first return reports whether
// the stage succeeded and the pipeline may advance; a false return with
// nil error means the same stage is re-entered (retry or rewind).
func (c *Controller) runStage(ctx context.Context, st stage.Stage) (bool, error) {
	specID := c.state.SpecID
	c.state.Phase = PhaseGuardrail

	if c.guardrail != nil {
		res, err := c.guardrail(ctx, specID, st)
		if err != nil {
			return false, &HaltError{SpecID: specID, Stage: st, Reason: fmt.Sprintf("guardrail error: %v", err)}
		}
		if !res.Passed {
			if st == stage.Validate && c.state.GuardrailRetries < maxGuardrailRetries {
				c.state.GuardrailRetries++
				c.rewindTo(stage.Implement)
				log.Warn().Str("spec_id", specID).Int("retry", c.state.GuardrailRetries).Msg("validate guardrail failed, rescheduling implement+validate")
				return false, nil
			}
			return false, &HaltError{SpecID: specID, Stage: st, Reason: "guardrail failed: " + res.Evidence}
		}
	}

	contextText := BuildContext(c.specDir())

	runID := uuid.NewString()
	var validateRun *ValidateRunInfo
	if st == stage.Validate && c.validate != nil {
		hash := PayloadHash(ValidateAuto, st, specID, contextText)
		info, duplicate, err := c.validate.Begin(hash, ValidateAuto)
		if err != nil {
			return false, &HaltError{SpecID: specID, Stage: st, Reason: err.Error()}
		}
		if duplicate {
			// Re-entering here would collapse into the same active run
			// forever; this attempt stops and the active run carries on.
			log.Info().Str("run_id", info.RunID).Int("dedupe_count", info.DedupeCount).Msg("validate dispatch suppressed as duplicate")
			return false, &HaltError{SpecID: specID, Stage: st, Reason: fmt.Sprintf("validate dispatch collapsed into active run %s", info.RunID)}
		}
		runID = info.RunID
		validateRun = &info
		if err := c.validate.MarkDispatched(runID); err != nil {
			return false, err
		}
	}

	c.state.Phase = PhaseExecutingAgents
	results, err := c.executor.Run(ctx, specID, st, runID, contextText)
	if err != nil {
		c.resetValidate(validateRun, ValidateFailed)
		return false, &HaltError{SpecID: specID, Stage: st, Reason: fmt.Sprintf("stage execution: %v", err)}
	}
	for _, res := range results {
		c.state.LastResponses[res.AgentName] = res.Result
		if c.tracker != nil {
			c.tracker.RecordAgentCall(specID, st, res.ModelName, cost.EstimateTokens(contextText), cost.EstimateTokens(res.Result))
		}
	}

	c.state.Phase = PhaseCheckingConsensus
	if validateRun != nil {
		if err := c.validate.MarkChecking(runID); err != nil {
			return false, err
		}
	}
	artifacts, err := c.store.ListArtifacts(ctx, specID, st, runID)
	if err != nil {
		c.resetValidate(validateRun, ValidateFailed)
		return false, &HaltError{SpecID: specID, Stage: st, Reason: fmt.Sprintf("load artifacts: %v", err)}
	}
	report, err := c.consensus.Evaluate(specID, st, runID, artifacts)
	if err != nil {
		c.resetValidate(validateRun, ValidateFailed)
		return false, &HaltError{SpecID: specID, Stage: st, Reason: fmt.Sprintf("consensus: %v", err)}
	}

	if report.OK {
		if validateRun != nil {
			if err := c.validate.Complete(runID); err != nil {
				return false, err
			}
		}
		c.finishStage(st, report)
		return true, nil
	}

	c.resetValidate(validateRun, ValidateReset)
	if retryableFailure(report, artifacts) && c.state.RetryCount < c.cfg.Pipeline.MaxRetries {
		c.state.RetryCount++
		c.state.Phase = PhaseGuardrail
		log.Warn().Str("spec_id", specID).Str("stage", st.Key()).Int("retry", c.state.RetryCount).Msg("stage failed with retryable error, re-entering")
		return false, nil
	}
	return false, &HaltError{SpecID: specID, Stage: st, Reason: "consensus failed: " + report.Verdict}
}

func (c *Controller) finishStage(st stage.Stage, report consensus.Report) {
	var notes []string
	if report.Degraded {
		notes = append(notes, "degraded consensus, missing: "+fmt.Sprint(report.MissingAgents))
		if !c.state.DegradedFollowUps[st] {
			c.state.DegradedFollowUps[st] = true
			c.commands = append(c.commands, "checklist")
		}
	}
	if c.tracker != nil {
		if err := c.tracker.WriteStageSummary(c.state.SpecID, st, notes); err != nil {
			log.Warn().Err(err).Str("stage", st.Key()).Msg("cost summary not written")
		}
	}
	log.Info().Str("spec_id", c.state.SpecID).Str("stage", st.Key()).Bool("degraded", report.Degraded).Msg("stage complete")
}

// runCheckpoint executes every gate of a pending checkpoint. Escalated
// issues suspend the pipeline with HumanInputNeeded.
func (c *Controller) runCheckpoint(ctx context.Context, cp stage.Checkpoint) error {
	c.state.Phase = PhaseQualityGate
	specID := c.state.SpecID
	specDir := c.specDir()
	for _, gate := range cp.Gates() {
		prompt := gatePrompt(gate, specID, BuildContext(specDir))
		outcome, err := c.gates.RunGate(ctx, specID, specDir, gate, prompt)
		if err != nil {
			return &HaltError{SpecID: specID, Stage: c.state.Stages[c.state.CurrentIndex], Reason: fmt.Sprintf("quality gate %s: %v", gate, err)}
		}
		if !outcome.Clean() {
			c.state.Phase = PhaseAwaitingHuman
			c.state.pendingCheckpoint = cp
			c.state.pendingGate = gate
			c.state.pendingEscalated = outcome.Escalated
			return &HumanInputNeeded{Checkpoint: cp, Gate: gate, Escalated: outcome.Escalated}
		}
	}
	return nil
}

// ResumeWithAnswers applies human answers to the escalated issues of
// the suspended checkpoint, then resumes the pipeline.
func (c *Controller) ResumeWithAnswers(ctx context.Context, answers map[string]string) error {
	if c.state == nil || c.state.Phase != PhaseAwaitingHuman {
		return errors.New("pipeline is not awaiting human input")
	}
	_, remaining := c.gates.ApplyHumanAnswers(c.specDir(), c.state.pendingEscalated, answers)
	if len(remaining) > 0 {
		c.state.pendingEscalated = remaining
		return &HumanInputNeeded{Checkpoint: c.state.pendingCheckpoint, Gate: c.state.pendingGate, Escalated: remaining}
	}
	c.state.CompletedCheckpoints[c.state.pendingCheckpoint] = true
	c.state.pendingEscalated = nil
	c.state.Phase = PhaseGuardrail
	return c.Run(ctx)
}

func (c *Controller) rewindTo(target stage.Stage) {
	for i, st := range c.state.Stages {
		if st == target {
			c.state.CurrentIndex = i
			c.state.Phase = PhaseGuardrail
			return
		}
	}
}

func (c *Controller) resetValidate(run *ValidateRunInfo, phase ValidatePhase) {
	if run == nil {
		return
	}
	if err := c.validate.Reset(run.RunID, phase); err != nil {
		log.Warn().Err(err).Str("run_id", run.RunID).Msg("validate lifecycle reset failed")
	}
}

func (c *Controller) specDir() string {
	return filepath.Join(c.docsRoot, c.state.SpecID)
}

// retryableFailure limits retries to the documented failure subset:
// too few parseable artifacts (invalid schema or empty output) retries;
// a genuine verdict disagreement does not.
func retryableFailure(report consensus.Report, artifacts []db.Artifact) bool {
	parseable := 0
	for _, a := range artifacts {
		if a.ExtractedJSON != "" {
			parseable++
		}
	}
	return parseable < 2 || len(report.MissingAgents) > 0
}

func gatePrompt(gate stage.GateType, specID, contextText string) string {
	return fmt.Sprintf(
		"Run the %s quality gate for spec %s.\n\n%s\n\n"+
			"Respond with JSON only, in the form:\n"+
			`{"issues": [{"id": "...", "question": "...", "answer": "...", "confidence": "high|medium|low", "magnitude": "critical|important|minor", "resolvability": "auto-fix|suggest-fix|need-human", "context": "...", "suggested_fix": "...", "reasoning": "..."}]}`+"\n",
		gate, specID, contextText)
}
