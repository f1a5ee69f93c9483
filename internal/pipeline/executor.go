package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/metalagman/specdrive/internal/agent"
	"github.com/metalagman/specdrive/internal/config"
	"github.com/metalagman/specdrive/internal/db"
	"github.com/metalagman/specdrive/internal/stage"
)

// previousOutputsLimit bounds the prior-agent output substituted into a
// sequential prompt.
const previousOutputsLimit = 5000

// AgentResult is one agent's contribution to a stage attempt.
type AgentResult struct {
	AgentID   string `json:"agent_id"`
	AgentName string `json:"agent_name"`
	ModelName string `json:"model_name"`
	Result    string `json:"result,omitempty"`
	Err       string `json:"error,omitempty"`
}

// Executor routes a stage to its execution strategy and records every
// spawn and artifact in the audit store.
type Executor struct {
	mgr     *agent.Manager
	store   *db.Store
	prompts *PromptLibrary
	configs map[string]config.AgentConfig
	timeout time.Duration
}

// NewExecutor creates a stage executor. timeout bounds each agent run.
func NewExecutor(mgr *agent.Manager, store *db.Store, prompts *PromptLibrary, configs map[string]config.AgentConfig, timeout time.Duration) *Executor {
	return &Executor{mgr: mgr, store: store, prompts: prompts, configs: configs, timeout: timeout}
}

// Run executes one stage attempt identified by runID. Sequential stages
// pipe each agent's cleaned output into the next prompt; parallel stages
// spawn the roster concurrently with identical prompts so consensus
// stays statistically independent.
func (e *Executor) Run(ctx context.Context, specID string, st stage.Stage, runID, contextText string) ([]AgentResult, error) {
	roster := st.ExpectedAgents()
	if st.ExecutionStrategy() == stage.Parallel {
		return e.runParallel(ctx, specID, st, runID, contextText, roster)
	}
	return e.runSequential(ctx, specID, st, runID, contextText, roster)
}

func (e *Executor) runSequential(ctx context.Context, specID string, st stage.Stage, runID, contextText string, roster []string) ([]AgentResult, error) {
	results := make([]AgentResult, 0, len(roster))
	previous := make(map[string]string, len(roster))

	for _, name := range roster {
		prompt := e.renderPrompt(specID, st, name, contextText)
		prompt = substitutePreviousOutputs(prompt, previous)

		res, err := e.runOne(ctx, specID, st, runID, name, prompt)
		if err != nil {
			return results, err
		}
		results = append(results, res)
		if res.Err == "" {
			previous[name] = res.Result
		} else {
			log.Warn().Str("agent", name).Str("stage", st.Key()).Str("error", res.Err).Msg("sequential agent failed, continuing without its output")
		}
	}
	return results, nil
}

func (e *Executor) runParallel(ctx context.Context, specID string, st stage.Stage, runID, contextText string, roster []string) ([]AgentResult, error) {
	ids := make(map[string]string, len(roster))
	for _, name := range roster {
		prompt := e.renderPrompt(specID, st, name, contextText)
		id, err := e.spawn(ctx, specID, st, runID, name, prompt)
		if err != nil {
			log.Warn().Str("agent", name).Str("stage", st.Key()).Err(err).Msg("agent not spawned")
			continue
		}
		ids[name] = id
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("stage %s: no agents available", st)
	}

	results := make([]AgentResult, 0, len(ids))
	for _, name := range roster {
		id, ok := ids[name]
		if !ok {
			continue
		}
		res, err := e.collect(ctx, specID, st, runID, name, id)
		if err != nil {
			e.mgr.CancelBatch(runID)
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// runOne spawns a single agent and blocks until it is terminal.
func (e *Executor) runOne(ctx context.Context, specID string, st stage.Stage, runID, name, prompt string) (AgentResult, error) {
	id, err := e.spawn(ctx, specID, st, runID, name, prompt)
	if err != nil {
		return AgentResult{AgentName: name, Err: err.Error()}, nil
	}
	return e.collect(ctx, specID, st, runID, name, id)
}

func (e *Executor) spawn(ctx context.Context, specID string, st stage.Stage, runID, name, prompt string) (string, error) {
	id, err := e.mgr.CreateAgentFromConfigName(name, agent.CreateParams{
		Prompt:     prompt,
		OutputGoal: fmt.Sprintf("%s stage artifact for %s as JSON", st.DisplayName(), specID),
		ReadOnly:   st != stage.Implement,
		BatchID:    runID,
		Timeout:    e.timeout,
	})
	if err != nil {
		return "", err
	}
	if serr := e.store.RecordAgentSpawn(ctx, db.SpawnRecord{
		AgentID:   id,
		SpecID:    specID,
		Stage:     st,
		PhaseType: stage.PhaseRegularStage,
		AgentName: name,
		RunID:     runID,
		SpawnedAt: time.Now().UTC(),
	}); serr != nil {
		log.Warn().Err(serr).Str("agent_id", id).Msg("spawn record not persisted")
	}
	return id, nil
}

// collect waits out one agent and persists its artifact.
func (e *Executor) collect(ctx context.Context, specID string, st stage.Stage, runID, name, id string) (AgentResult, error) {
	spawn, err := e.waitTerminal(ctx, id)
	if err != nil {
		return AgentResult{AgentID: id, AgentName: name}, err
	}
	if serr := e.store.RecordAgentCompletion(ctx, id, time.Now().UTC()); serr != nil {
		log.Warn().Err(serr).Str("agent_id", id).Msg("completion not persisted")
	}

	res := AgentResult{AgentID: id, AgentName: name, ModelName: spawn.Model}
	if spawn.Status == agent.StatusCompleted {
		res.Result = spawn.Result
	} else {
		res.Err = spawn.Error
	}

	artifact := db.Artifact{
		AgentID:     id,
		SpecID:      specID,
		Stage:       st,
		PhaseType:   stage.PhaseRegularStage,
		AgentName:   name,
		RunID:       runID,
		SpawnedAt:   spawn.CreatedAt,
		CompletedAt: time.Now().UTC(),
		ResultText:  spawn.Result,
	}
	if json.Valid([]byte(spawn.Result)) {
		artifact.ExtractedJSON = spawn.Result
	}
	if serr := e.store.StoreArtifact(ctx, artifact); serr != nil {
		log.Warn().Err(serr).Str("agent_id", id).Msg("artifact not persisted")
	}
	return res, nil
}

func (e *Executor) waitTerminal(ctx context.Context, id string) (agent.Spawn, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
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

func (e *Executor) renderPrompt(specID string, st stage.Stage, name, contextText string) string {
	cfg := e.configs[name]
	return e.prompts.Render(st, name, PromptVars{
		SpecID:        specID,
		Context:       contextText,
		ModelID:       cfg.Model,
		ModelRelease:  cfg.ModelRelease,
		ReasoningMode: cfg.ReasoningMode,
	})
}

// substitutePreviousOutputs fills ${PREVIOUS_OUTPUTS.<agent>} and the
// aggregate ${PREVIOUS_OUTPUTS} placeholders, truncating oversized prior
// output with an elision marker.
func substitutePreviousOutputs(prompt string, previous map[string]string) string {
	for name, output := range previous {
		prompt = strings.ReplaceAll(prompt, "${PREVIOUS_OUTPUTS."+name+"}", truncateOutput(output))
	}
	if strings.Contains(prompt, "${PREVIOUS_OUTPUTS}") {
		var b strings.Builder
		for _, name := range orderedKeys(previous) {
			fmt.Fprintf(&b, "--- %s ---\n%s\n", name, truncateOutput(previous[name]))
		}
		prompt = strings.ReplaceAll(prompt, "${PREVIOUS_OUTPUTS}", b.String())
	}
	return prompt
}

func truncateOutput(s string) string {
	if len(s) <= previousOutputsLimit {
		return s
	}
	return s[:previousOutputsLimit] + elisionMarker
}

func orderedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for _, name := range []string{"gemini", "claude", "gpt_codex", "gpt_pro"} {
		if _, ok := m[name]; ok {
			keys = append(keys, name)
		}
	}
	var extras []string
	for name := range m {
		if !slices.Contains(keys, name) {
			extras = append(extras, name)
		}
	}
	sort.Strings(extras)
	return append(keys, extras...)
}
