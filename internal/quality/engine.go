package quality

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/metalagman/specdrive/internal/agent"
	"github.com/metalagman/specdrive/internal/config"
	"github.com/metalagman/specdrive/internal/stage"
)

// EscalatedIssue is an issue routed to a human, with the reason it could
// not be resolved automatically.
type EscalatedIssue struct {
	Issue  Issue  `json:"issue"`
	Reason string `json:"reason"`
}

// Outcome is the result of running one quality gate.
type Outcome struct {
	Gate          stage.GateType   `json:"gate"`
	SpecID        string           `json:"spec_id"`
	Issues        []Issue          `json:"issues"`
	AutoResolved  []Resolution     `json:"auto_resolved,omitempty"`
	Validated     []Resolution     `json:"validated,omitempty"`
	Escalated     []EscalatedIssue `json:"escalated,omitempty"`
	MissingAgents []string         `json:"missing_agents,omitempty"`
	ModifiedFiles []string         `json:"modified_files,omitempty"`
}

// Clean reports whether the gate found nothing requiring a human.
func (o *Outcome) Clean() bool {
	return len(o.Escalated) == 0
}

const (
	panelPollInterval = 500 * time.Millisecond
	singleFlightPause = 2 * time.Second
)

// Engine runs gate panels through the agent manager and routes merged
// issues by confidence.
type Engine struct {
	mgr     *agent.Manager
	gates   config.GatesConfig
	configs map[string]config.AgentConfig
	timeout time.Duration
}

// NewEngine creates a gate engine. timeout bounds each panel agent run.
func NewEngine(mgr *agent.Manager, gates config.GatesConfig, configs map[string]config.AgentConfig, timeout time.Duration) *Engine {
	return &Engine{mgr: mgr, gates: gates, configs: configs, timeout: timeout}
}

// RunGate executes a gate panel for a spec: waits out overlapping runs,
// spawns the roster read-only with an identical prompt, merges parseable
// payloads, then auto-resolves, delegates, or escalates each issue.
func (e *Engine) RunGate(ctx context.Context, specID, specDir string, gate stage.GateType, prompt string) (*Outcome, error) {
	roster := e.gates.PanelFor(string(gate))
	if err := e.waitForQuietPanel(ctx, roster); err != nil {
		return nil, err
	}

	results, missing, err := e.runPanel(ctx, specID, gate, roster, prompt)
	if err != nil {
		return nil, err
	}

	perAgent := make(map[string][]AgentIssue)
	for name, payload := range results {
		issues, perr := ParseIssues(payload)
		if perr != nil {
			log.Warn().Str("agent", name).Str("gate", string(gate)).Err(perr).Msg("gate payload unparseable")
			missing = append(missing, name)
			continue
		}
		perAgent[name] = issues
	}
	if len(perAgent) == 0 {
		return nil, fmt.Errorf("gate %s: no panel agent produced a parseable payload", gate)
	}

	outcome := &Outcome{Gate: gate, SpecID: specID, MissingAgents: missing}
	outcome.Issues = MergeIssues(gate, perAgent)

	resolver := NewResolver(specDir)
	var pending []Issue
	for _, issue := range outcome.Issues {
		switch Classify(issue) {
		case ClassAutoResolve:
			answer, _ := MajorityAnswer(issue)
			outcome.AutoResolved = append(outcome.AutoResolved, resolver.Apply(issue, answer, "auto"))
		case ClassNeedsValidation:
			pending = append(pending, issue)
		default:
			outcome.Escalated = append(outcome.Escalated, EscalatedIssue{Issue: issue, Reason: escalationReason(issue)})
		}
	}

	if len(pending) > 0 {
		e.delegateToValidator(ctx, specID, gate, pending, resolver, outcome)
	}

	outcome.ModifiedFiles = resolver.ModifiedFiles()
	log.Info().
		Str("spec_id", specID).
		Str("gate", string(gate)).
		Int("issues", len(outcome.Issues)).
		Int("auto_resolved", len(outcome.AutoResolved)).
		Int("validated", len(outcome.Validated)).
		Int("escalated", len(outcome.Escalated)).
		Msg("quality gate complete")
	return outcome, nil
}

// delegateToValidator sends medium-confidence issues to the stronger
// validator agent in one combined prompt. Agreements apply the majority
// answer; disagreements escalate with the validator's reasoning. A
// validator failure escalates everything it was asked about.
func (e *Engine) delegateToValidator(ctx context.Context, specID string, gate stage.GateType, pending []Issue, resolver *Resolver, outcome *Outcome) {
	majorities := make([]string, len(pending))
	for i, issue := range pending {
		majorities[i], _ = MajorityAnswer(issue)
	}

	validatorName := e.gates.ValidatorAgent
	if validatorName == "" {
		validatorName = "gpt_pro"
	}
	prompt := BuildValidationPrompt(pending, majorities)
	payload, err := e.runSingle(ctx, validatorName, fmt.Sprintf("validate %s gate issues for %s", gate, specID), prompt)
	if err != nil {
		log.Warn().Str("validator", validatorName).Err(err).Msg("validator agent failed; escalating delegated issues")
		for _, issue := range pending {
			outcome.Escalated = append(outcome.Escalated, EscalatedIssue{Issue: issue, Reason: "validator unavailable: " + err.Error()})
		}
		return
	}

	verdicts, err := ParseValidatorVerdicts(payload, len(pending))
	if err != nil {
		log.Warn().Str("validator", validatorName).Err(err).Msg("validator verdicts unparseable; escalating delegated issues")
		for _, issue := range pending {
			outcome.Escalated = append(outcome.Escalated, EscalatedIssue{Issue: issue, Reason: "validator verdicts unparseable"})
		}
		return
	}

	reviewed := make(map[int]bool, len(verdicts))
	for _, v := range verdicts {
		reviewed[v.IssueIndex] = true
		issue := pending[v.IssueIndex]
		if v.AgreesWithMajority {
			outcome.Validated = append(outcome.Validated, resolver.Apply(issue, majorities[v.IssueIndex], "validator"))
			continue
		}
		reason := "validator disagrees with the panel majority"
		if v.Reasoning != "" {
			reason = "validator disagrees: " + v.Reasoning
		}
		esc := EscalatedIssue{Issue: issue, Reason: reason}
		if v.RecommendedAnswer != "" {
			esc.Reason += " (recommended: " + v.RecommendedAnswer + ")"
		}
		outcome.Escalated = append(outcome.Escalated, esc)
	}
	for i, issue := range pending {
		if !reviewed[i] {
			outcome.Escalated = append(outcome.Escalated, EscalatedIssue{Issue: issue, Reason: "validator gave no verdict"})
		}
	}
}

// ApplyHumanAnswers records answers a human provided for escalated
// issues. Unanswered issues are returned untouched.
func (e *Engine) ApplyHumanAnswers(specDir string, escalated []EscalatedIssue, answers map[string]string) ([]Resolution, []EscalatedIssue) {
	resolver := NewResolver(specDir)
	var applied []Resolution
	var remaining []EscalatedIssue
	for _, esc := range escalated {
		answer, ok := answers[esc.Issue.ID]
		if !ok || strings.TrimSpace(answer) == "" {
			remaining = append(remaining, esc)
			continue
		}
		applied = append(applied, resolver.Apply(esc.Issue, answer, "human"))
	}
	return applied, remaining
}

// runPanel spawns the roster with an identical read-only prompt and
// waits for every agent to finish. Agents that fail or are disabled are
// reported as missing rather than failing the gate.
func (e *Engine) runPanel(ctx context.Context, specID string, gate stage.GateType, roster []string, prompt string) (map[string]string, []string, error) {
	batchID := uuid.NewString()
	ids := make(map[string]string, len(roster))
	var missing []string
	for _, name := range roster {
		id, err := e.mgr.CreateAgentFromConfigName(name, agent.CreateParams{
			Prompt:     prompt,
			OutputGoal: fmt.Sprintf("%s gate issues for %s as JSON", gate, specID),
			ReadOnly:   true,
			BatchID:    batchID,
			Timeout:    e.timeout,
		})
		if err != nil {
			log.Warn().Str("agent", name).Str("gate", string(gate)).Err(err).Msg("panel agent not spawned")
			missing = append(missing, name)
			continue
		}
		ids[name] = id
	}
	if len(ids) == 0 {
		return nil, nil, fmt.Errorf("gate %s: no panel agents available", gate)
	}

	results := make(map[string]string, len(ids))
	for name, id := range ids {
		spawn, err := e.waitTerminal(ctx, id)
		if err != nil {
			e.mgr.CancelBatch(batchID)
			return nil, nil, err
		}
		if spawn.Status != agent.StatusCompleted {
			log.Warn().Str("agent", name).Str("status", string(spawn.Status)).Str("error", spawn.Error).Msg("panel agent did not complete")
			missing = append(missing, name)
			continue
		}
		results[name] = spawn.Result
	}
	return results, missing, nil
}

// runSingle spawns one agent and returns its completed result.
func (e *Engine) runSingle(ctx context.Context, name, goal, prompt string) (string, error) {
	id, err := e.mgr.CreateAgentFromConfigName(name, agent.CreateParams{
		Prompt:     prompt,
		OutputGoal: goal,
		ReadOnly:   true,
		Timeout:    e.timeout,
	})
	if err != nil {
		return "", err
	}
	spawn, err := e.waitTerminal(ctx, id)
	if err != nil {
		_ = e.mgr.CancelAgent(id)
		return "", err
	}
	if spawn.Status != agent.StatusCompleted {
		return "", fmt.Errorf("agent %s finished %s: %s", name, spawn.Status, spawn.Error)
	}
	return spawn.Result, nil
}

func (e *Engine) waitTerminal(ctx context.Context, id string) (agent.Spawn, error) {
	ticker := time.NewTicker(panelPollInterval)
	defer ticker.Stop()
	for {
		spawn, ok := e.mgr.Get(id)
		if !ok {
			return agent.Spawn{}, fmt.Errorf("agent disappeared: %s", id)
		}
		if spawn.Status.Terminal() {
			return spawn, nil
		}
		select {
		case <-ctx.Done():
			return agent.Spawn{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// waitForQuietPanel blocks while any running agent shares a provider
// family with the gate roster, so a gate never races a stage run on the
// same provider.
func (e *Engine) waitForQuietPanel(ctx context.Context, roster []string) error {
	families := make(map[string]bool, len(roster))
	for _, name := range roster {
		families[providerFamily(e.modelFor(name))] = true
	}
	running := agent.StatusRunning
	for {
		var overlap []string
		for _, spawn := range e.mgr.ListAgents(agent.ListFilter{Status: &running}) {
			if families[providerFamily(spawn.Model)] {
				overlap = append(overlap, spawn.Model)
			}
		}
		if len(overlap) == 0 {
			return nil
		}
		log.Info().Strs("running_models", overlap).Msg("gate waiting for overlapping agents to finish")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(singleFlightPause):
		}
	}
}

func (e *Engine) modelFor(name string) string {
	if cfg, ok := e.configs[name]; ok && cfg.Model != "" {
		return cfg.Model
	}
	return name
}

// providerFamily reduces a model name to its provider prefix, e.g.
// "gemini-2.5-pro" -> "gemini".
func providerFamily(model string) string {
	if i := strings.IndexByte(model, '-'); i != -1 {
		return model[:i]
	}
	return model
}

func escalationReason(issue Issue) string {
	switch {
	case issue.Resolvability == ResolvabilityNeedHuman:
		return "issue requires a human decision"
	case issue.Confidence == ConfidenceLow:
		return "panel confidence too low to act"
	default:
		return "no safe automatic resolution"
	}
}
