package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// Load reads configuration from path, validates it against the embedded
// schema, and merges it over the defaults. A missing file yields the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := ValidateSettings(v.AllSettings()); err != nil {
		return Config{}, err
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Pipeline.MaxRetries < 0 {
		return Config{}, fmt.Errorf("pipeline.max_retries must be >= 0")
	}
	if cfg.Pipeline.AgentTimeoutMinutes <= 0 {
		return Config{}, fmt.Errorf("pipeline.agent_timeout_minutes must be > 0")
	}
	return cfg, nil
}
