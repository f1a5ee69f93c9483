package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsEnabled(t *testing.T) {
	assert.True(t, AgentConfig{}.IsEnabled())

	enabled := true
	assert.True(t, AgentConfig{Enabled: &enabled}.IsEnabled())

	disabled := false
	assert.False(t, AgentConfig{Enabled: &disabled}.IsEnabled())
}

func TestPanelFor(t *testing.T) {
	g := GatesConfig{PanelAgents: map[string][]string{
		"clarify": {"gemini", "gpt_pro"},
		"analyze": {},
	}}

	assert.Equal(t, []string{"gemini", "gpt_pro"}, g.PanelFor("clarify"))
	// Empty and missing entries fall back to the default panel.
	assert.Equal(t, []string{"gemini", "claude", "gpt_pro"}, g.PanelFor("analyze"))
	assert.Equal(t, []string{"gemini", "claude", "gpt_pro"}, g.PanelFor("checklist"))
}

func TestDefault(t *testing.T) {
	cfg := Default()

	require.Len(t, cfg.Agents, 4)
	for name, agent := range cfg.Agents {
		assert.NotEmpty(t, agent.Command, name)
		assert.True(t, agent.IsEnabled(), name)
	}
	assert.Equal(t, "gemini-2.5-pro", cfg.Agents["gemini"].Model)
	assert.Equal(t, "high", cfg.Agents["gpt_pro"].ReasoningMode)

	assert.Equal(t, 3, cfg.Pipeline.MaxRetries)
	assert.Equal(t, 20, cfg.Pipeline.AgentTimeoutMinutes)
	assert.True(t, cfg.Pipeline.QualityGatesEnabled)
	assert.Equal(t, "gpt_pro", cfg.Gates.ValidatorAgent)
	assert.Equal(t, 30, cfg.Service.IdleTimeoutMinutes)
	assert.Equal(t, []float64{5, 20, 50}, cfg.Cost.AlertThresholdsUSD)

	require.NoError(t, ValidateSettings(map[string]any{}))
}

func TestValidateSettings(t *testing.T) {
	valid := map[string]any{
		"agents": map[string]any{
			"gemini": map[string]any{
				"command":        "gemini",
				"model":          "gemini-2.5-pro",
				"reasoning_mode": "high",
			},
		},
		"pipeline": map[string]any{
			"max_retries": 2,
		},
	}
	require.NoError(t, ValidateSettings(valid))

	missingCommand := map[string]any{
		"agents": map[string]any{
			"gemini": map[string]any{"model": "gemini-2.5-pro"},
		},
	}
	err := ValidateSettings(missingCommand)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
	assert.Contains(t, err.Error(), "command")

	badEnum := map[string]any{
		"agents": map[string]any{
			"gemini": map[string]any{
				"command":        "gemini",
				"reasoning_mode": "extreme",
			},
		},
	}
	require.Error(t, ValidateSettings(badEnum))

	unknownKey := map[string]any{"pipelines": map[string]any{}}
	require.Error(t, ValidateSettings(unknownKey))

	retriesOutOfRange := map[string]any{
		"pipeline": map[string]any{"max_retries": 99},
	}
	require.Error(t, ValidateSettings(retriesOutOfRange))
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"pipeline": {"max_retries": 1, "agent_timeout_minutes": 5},
		"gates": {"validator_agent": "claude"}
	}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Pipeline.MaxRetries)
	assert.Equal(t, 5, cfg.Pipeline.AgentTimeoutMinutes)
	assert.Equal(t, "claude", cfg.Gates.ValidatorAgent)
	// Untouched sections keep the defaults.
	assert.Equal(t, 5, cfg.Pipeline.GateTimeoutMinutes)
	assert.Len(t, cfg.Agents, 4)
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"pipeline": {"max_retries": -1}}`), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}
