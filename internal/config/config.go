// Package config provides configuration loading and management for specdrive.
package config

// Config is the root configuration.
type Config struct {
	Agents   map[string]AgentConfig `json:"agents"   mapstructure:"agents"`
	Pipeline PipelineConfig         `json:"pipeline" mapstructure:"pipeline"`
	Gates    GatesConfig            `json:"gates"    mapstructure:"gates"`
	Service  ServiceConfig          `json:"service"  mapstructure:"service"`
	Cost     CostConfig             `json:"cost"     mapstructure:"cost"`
}

// AgentConfig is the capability set for one agent provider. The agent
// manager consumes this set and never branches on provider identity
// beyond it.
type AgentConfig struct {
	Command       string            `json:"command"                  mapstructure:"command"`
	Args          []string          `json:"args,omitempty"           mapstructure:"args"`
	Model         string            `json:"model,omitempty"          mapstructure:"model"`
	ModelRelease  string            `json:"model_release,omitempty"  mapstructure:"model_release"`
	ReasoningMode string            `json:"reasoning_mode,omitempty" mapstructure:"reasoning_mode"`
	ReadOnlyFlag  string            `json:"read_only_flag,omitempty" mapstructure:"read_only_flag"`
	WriteFlag     string            `json:"write_flag,omitempty"     mapstructure:"write_flag"`
	EnvAliases    map[string]string `json:"env_aliases,omitempty"    mapstructure:"env_aliases"`
	Instructions  string            `json:"instructions,omitempty"   mapstructure:"instructions"`
	Enabled       *bool             `json:"enabled,omitempty"        mapstructure:"enabled"`
	TmuxEnabled   bool              `json:"tmux_enabled,omitempty"   mapstructure:"tmux_enabled"`
}

// IsEnabled reports whether the agent may be spawned. Agents are enabled
// unless explicitly disabled.
func (a AgentConfig) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// PipelineConfig defines pipeline-level limits.
type PipelineConfig struct {
	MaxRetries          int    `json:"max_retries"                 mapstructure:"max_retries"`
	AgentTimeoutMinutes int    `json:"agent_timeout_minutes"       mapstructure:"agent_timeout_minutes"`
	GateTimeoutMinutes  int    `json:"gate_timeout_minutes"        mapstructure:"gate_timeout_minutes"`
	QualityGatesEnabled bool   `json:"quality_gates_enabled"       mapstructure:"quality_gates_enabled"`
	PromptsDir          string `json:"prompts_dir,omitempty"       mapstructure:"prompts_dir"`
	EvidenceRoot        string `json:"evidence_root,omitempty"     mapstructure:"evidence_root"`
}

// GatesConfig defines the quality gate panels.
type GatesConfig struct {
	PanelAgents    map[string][]string `json:"panel_agents,omitempty" mapstructure:"panel_agents"`
	ValidatorAgent string              `json:"validator_agent"        mapstructure:"validator_agent"`
}

// PanelFor returns the panel roster for a gate, defaulting to the
// three-agent panel.
func (g GatesConfig) PanelFor(gate string) []string {
	if agents, ok := g.PanelAgents[gate]; ok && len(agents) > 0 {
		return agents
	}
	return []string{"gemini", "claude", "gpt_pro"}
}

// ServiceConfig configures the bot run service.
type ServiceConfig struct {
	SocketPath         string `json:"socket_path,omitempty"  mapstructure:"socket_path"`
	DataDir            string `json:"data_dir,omitempty"     mapstructure:"data_dir"`
	IdleTimeoutMinutes int    `json:"idle_timeout_minutes"   mapstructure:"idle_timeout_minutes"`
}

// CostConfig configures spend tracking.
type CostConfig struct {
	AlertThresholdsUSD []float64 `json:"alert_thresholds_usd,omitempty" mapstructure:"alert_thresholds_usd"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Agents: map[string]AgentConfig{
			"gemini": {
				Command:    "gemini",
				Args:       []string{"--output-format", "text", "--approval-mode", "yolo"},
				Model:      "gemini-2.5-pro",
				EnvAliases: map[string]string{"GEMINI_API_KEY": "GOOGLE_API_KEY"},
			},
			"claude": {
				Command: "claude",
				Args:    []string{"--output-format", "text", "--print", "--dangerously-skip-permissions"},
				Model:   "claude-sonnet",
			},
			"gpt_pro": {
				Command:       "codex",
				Args:          []string{"exec", "--full-auto", "--skip-git-repo-check"},
				Model:         "gpt-5",
				ReasoningMode: "high",
			},
			"gpt_codex": {
				Command: "codex",
				Args:    []string{"exec", "--full-auto", "--skip-git-repo-check"},
				Model:   "gpt-5-codex",
			},
		},
		Pipeline: PipelineConfig{
			MaxRetries:          3,
			AgentTimeoutMinutes: 20,
			GateTimeoutMinutes:  5,
			QualityGatesEnabled: true,
		},
		Gates: GatesConfig{
			ValidatorAgent: "gpt_pro",
		},
		Service: ServiceConfig{
			IdleTimeoutMinutes: 30,
		},
		Cost: CostConfig{
			AlertThresholdsUSD: []float64{5, 20, 50},
		},
	}
}
