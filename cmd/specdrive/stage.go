package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/metalagman/specdrive/internal/agent"
	"github.com/metalagman/specdrive/internal/config"
	"github.com/metalagman/specdrive/internal/consensus"
	"github.com/metalagman/specdrive/internal/cost"
	"github.com/metalagman/specdrive/internal/db"
	"github.com/metalagman/specdrive/internal/pipeline"
	"github.com/metalagman/specdrive/internal/quality"
	"github.com/metalagman/specdrive/internal/stage"
)

// pipelineEnv is everything a stage run needs, plus its teardown.
type pipelineEnv struct {
	cfg        config.Config
	controller *pipeline.Controller
	manager    *agent.Manager
	closeFn    func()
}

// buildPipeline assembles the full controller graph rooted at the
// current workspace.
func buildPipeline() (*pipelineEnv, error) {
	root, err := workspaceRoot()
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	rtDir := runtimeDir(root)
	if err := os.MkdirAll(rtDir, 0o755); err != nil {
		return nil, fmt.Errorf("create runtime dir: %w", err)
	}

	storeDB, err := db.Open(filepath.Join(rtDir, "artifacts.db"))
	if err != nil {
		return nil, err
	}
	artifacts := db.NewStore(storeDB)

	mgr := agent.NewManager(root, filepath.Join(rtDir, "debug"), cfg.Agents)
	prompts := pipeline.NewPromptLibrary(cfg.Pipeline.PromptsDir, toolVersion)
	agentTimeout := time.Duration(cfg.Pipeline.AgentTimeoutMinutes) * time.Minute
	gateTimeout := time.Duration(cfg.Pipeline.GateTimeoutMinutes) * time.Minute

	tracker, err := cost.NewTracker(cfg.Cost.AlertThresholdsUSD, cfg.Pipeline.EvidenceRoot)
	if err != nil {
		_ = storeDB.Close()
		return nil, err
	}

	lifecycle := pipeline.NewValidateLifecycle(validateTelemetrySink(rtDir))

	controller := pipeline.NewController(pipeline.Params{
		Config:    cfg,
		Executor:  pipeline.NewExecutor(mgr, artifacts, prompts, cfg.Agents, agentTimeout),
		Consensus: consensus.NewEngine(cfg.Pipeline.EvidenceRoot),
		Gates:     quality.NewEngine(mgr, cfg.Gates, cfg.Agents, gateTimeout),
		Store:     artifacts,
		Cost:      tracker,
		Validate:  lifecycle,
		DocsRoot:  cfg.Pipeline.EvidenceRoot,
	})

	return &pipelineEnv{
		cfg:        cfg,
		controller: controller,
		manager:    mgr,
		closeFn:    func() { _ = storeDB.Close() },
	}, nil
}

// validateTelemetrySink appends lifecycle events as JSON lines for
// later reconciliation.
func validateTelemetrySink(rtDir string) func(pipeline.ValidateLifecycleEvent) {
	path := filepath.Join(rtDir, "validate-lifecycle.jsonl")
	return func(ev pipeline.ValidateLifecycleEvent) {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return
		}
		defer func() { _ = f.Close() }()
		fmt.Fprintf(f, `{"run_id":%q,"phase":%q,"attempt":%d,"dedupe_count":%d,"payload_hash":%q,"at":%q}`+"\n",
			ev.RunID, ev.Phase, ev.Attempt, ev.DedupeCount, ev.PayloadHash, ev.At.Format(time.RFC3339))
	}
}

// stageCmds builds one subcommand per lifecycle stage.
func stageCmds() []*cobra.Command {
	var cmds []*cobra.Command
	for _, st := range stage.All() {
		st := st
		var specID string
		cmd := &cobra.Command{
			Use:          st.Command(),
			Short:        fmt.Sprintf("Run the %s stage for a spec", st.DisplayName()),
			SilenceUsage: true,
			RunE: func(cmd *cobra.Command, args []string) error {
				if specID == "" {
					return fmt.Errorf("--spec is required")
				}
				return runStages(cmd, specID, []stage.Stage{st})
			},
		}
		cmd.Flags().StringVar(&specID, "spec", "", "spec identifier, e.g. SPEC-T-001")
		cmds = append(cmds, cmd)
	}
	return cmds
}

// runCmd drives the full pipeline, optionally narrowed by --from/--to.
func runCmd() *cobra.Command {
	var specID, goal, from, to string
	var dryRun, execute, explain, strictPrereqs bool
	cmd := &cobra.Command{
		Use:          "run",
		Short:        "Run the full stage pipeline for a spec",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if specID == "" {
				return fmt.Errorf("--spec is required")
			}
			stages, err := stageRange(from, to)
			if err != nil {
				return err
			}
			if strictPrereqs {
				if err := checkPrereqs(specID, stages[0]); err != nil {
					return err
				}
			}
			if explain || dryRun && !execute {
				return emit(map[string]any{"spec_id": specID, "stages": stageKeys(stages)}, func() {
					fmt.Printf("would run %s through stages %v\n", specID, stageKeys(stages))
				})
			}
			return runStagesWithGoal(cmd, specID, goal, stages)
		},
	}
	cmd.Flags().StringVar(&specID, "spec", "", "spec identifier")
	cmd.Flags().StringVar(&goal, "goal", "", "one-line goal recorded on the lifecycle state")
	cmd.Flags().StringVar(&from, "from", "", "first stage of the batch range")
	cmd.Flags().StringVar(&to, "to", "", "last stage of the batch range")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show the plan without executing")
	cmd.Flags().BoolVar(&execute, "execute", false, "execute the plan")
	cmd.Flags().BoolVar(&explain, "explain", false, "explain what would run")
	cmd.Flags().BoolVar(&strictPrereqs, "strict-prereqs", false, "fail when earlier stage artifacts are missing")
	return cmd
}

func runStages(cmd *cobra.Command, specID string, stages []stage.Stage) error {
	return runStagesWithGoal(cmd, specID, "", stages)
}

func runStagesWithGoal(cmd *cobra.Command, specID, goal string, stages []stage.Stage) error {
	env, err := buildPipeline()
	if err != nil {
		return err
	}
	defer env.closeFn()

	env.controller.Start(specID, goal, stages)
	runErr := env.controller.Run(cmd.Context())
	env.manager.Wait()

	for _, followup := range env.controller.PendingCommands() {
		fmt.Printf("follow-up scheduled: %s\n", followup)
	}
	if runErr != nil {
		return runErr
	}

	state, _ := env.controller.State()
	return emit(map[string]any{"spec_id": specID, "phase": state.Phase, "stages": stageKeys(stages)}, func() {
		fmt.Printf("pipeline complete for %s\n", specID)
	})
}

func stageRange(from, to string) ([]stage.Stage, error) {
	all := stage.All()
	start, end := 0, len(all)-1
	if from != "" {
		st, err := stage.Parse(from)
		if err != nil {
			return nil, err
		}
		start = int(st)
	}
	if to != "" {
		st, err := stage.Parse(to)
		if err != nil {
			return nil, err
		}
		end = int(st)
	}
	if start > end {
		return nil, fmt.Errorf("--from %s is after --to %s", from, to)
	}
	return all[start : end+1], nil
}

func stageKeys(stages []stage.Stage) []string {
	out := make([]string, len(stages))
	for i, st := range stages {
		out[i] = st.Key()
	}
	return out
}

// checkPrereqs verifies the documents earlier stages should have
// produced are present.
func checkPrereqs(specID string, first stage.Stage) error {
	specDir := filepath.Join(evidenceRoot, specID)
	required := map[stage.Stage][]string{
		stage.Plan:      {"spec.md"},
		stage.Tasks:     {"spec.md", "plan.md"},
		stage.Implement: {"spec.md", "plan.md", "tasks.md"},
	}
	for _, name := range required[first] {
		if _, err := os.Stat(filepath.Join(specDir, name)); err != nil {
			return fmt.Errorf("prerequisite %s missing for stage %s: %w", name, first, err)
		}
	}
	return nil
}
