// Package stage defines the spec lifecycle stages and quality checkpoints.
package stage

import "fmt"

// Stage is one step of the specification lifecycle. Stages are totally
// ordered; the zero value is Specify.
type Stage int

const (
	Specify Stage = iota
	Plan
	Tasks
	Implement
	Validate
	Audit
	Unlock
)

// All returns every stage in pipeline order.
func All() []Stage {
	return []Stage{Specify, Plan, Tasks, Implement, Validate, Audit, Unlock}
}

// Key returns the short key used in prompt files and artifact paths.
func (s Stage) Key() string {
	switch s {
	case Specify:
		return "specify"
	case Plan:
		return "plan"
	case Tasks:
		return "tasks"
	case Implement:
		return "implement"
	case Validate:
		return "validate"
	case Audit:
		return "audit"
	case Unlock:
		return "unlock"
	}
	return "unknown"
}

// DisplayName returns the human-readable stage name.
func (s Stage) DisplayName() string {
	switch s {
	case Specify:
		return "Specify"
	case Plan:
		return "Plan"
	case Tasks:
		return "Tasks"
	case Implement:
		return "Implement"
	case Validate:
		return "Validate"
	case Audit:
		return "Audit"
	case Unlock:
		return "Unlock"
	}
	return "Unknown"
}

// Command returns the CLI subcommand that dispatches the stage.
func (s Stage) Command() string {
	return s.Key()
}

// String implements fmt.Stringer.
func (s Stage) String() string { return s.Key() }

// Parse resolves a stage from its key or display name.
func Parse(name string) (Stage, error) {
	for _, s := range All() {
		if name == s.Key() || name == s.DisplayName() {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown stage %q", name)
}

// Next returns the stage that follows s, or false at the end of the pipeline.
func (s Stage) Next() (Stage, bool) {
	if s >= Unlock {
		return s, false
	}
	return s + 1, true
}

// Strategy describes how a stage executes its agents.
type Strategy int

const (
	// Sequential pipelines each agent's cleaned output into the next prompt.
	Sequential Strategy = iota
	// Parallel spawns all agents concurrently with identical prompts,
	// preserving the statistical independence required by consensus.
	Parallel
)

// ExecutionStrategy returns the execution strategy for the stage.
func (s Stage) ExecutionStrategy() Strategy {
	switch s {
	case Validate, Audit, Unlock:
		return Parallel
	default:
		return Sequential
	}
}

// ExpectedAgents returns the canonical agent roster for the stage.
func (s Stage) ExpectedAgents() []string {
	if s == Implement {
		return []string{"gemini", "claude", "gpt_codex", "gpt_pro"}
	}
	return []string{"gemini", "claude", "gpt_pro"}
}

// PhaseType classifies an agent artifact by the kind of work that produced it.
type PhaseType string

const (
	PhaseRegularStage   PhaseType = "regular_stage"
	PhaseQualityGate    PhaseType = "quality_gate"
	PhaseGateValidation PhaseType = "gpt5_validation"
)
