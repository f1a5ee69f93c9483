package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/metalagman/specdrive/internal/config"
	"github.com/metalagman/specdrive/internal/logging"
)

// toolVersion is stamped into every JSON output.
const toolVersion = "0.1.0"

// outputSchemaVersion is bumped only on breaking output changes.
const outputSchemaVersion = 1

var (
	cfgFile      string
	debug        bool
	jsonOutput   bool
	evidenceRoot string

	rootCmd = &cobra.Command{
		Use:   "specdrive",
		Short: "specdrive drives multi-agent spec lifecycles",
	}
)

// Execute runs the root command.
func Execute() error {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", filepath.Join(".specdrive", "config.json"), "config file path")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "emit machine-readable JSON output")
	rootCmd.PersistentFlags().StringVar(&evidenceRoot, "evidence-root", "docs", "root directory of per-spec evidence trees")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		return fmt.Errorf("bind config flag: %w", err)
	}
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		// Provider API keys commonly live in a local .env during development.
		_ = godotenv.Load()
		logging.Init(debug, jsonOutput)
	}

	for _, cmd := range stageCmds() {
		rootCmd.AddCommand(cmd)
	}
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(botCmd())
	rootCmd.AddCommand(migrateCmd())
	return rootCmd.Execute()
}

func initConfig() {
	path := cfgFile
	if path == "" {
		path = filepath.Join(".specdrive", "config.json")
	}
	viper.SetConfigFile(path)
	viper.SetConfigType("json")
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, err
	}
	if cfg.Pipeline.EvidenceRoot == "" {
		cfg.Pipeline.EvidenceRoot = evidenceRoot
	}
	return cfg, nil
}

// envelope wraps machine-readable output with version stamps.
type envelope struct {
	SchemaVersion int    `json:"schema_version"`
	ToolVersion   string `json:"tool_version"`
	Result        any    `json:"result"`
}

// emit prints a result as JSON or human-readable text per --json.
func emit(result any, plain func()) error {
	if !jsonOutput {
		plain()
		return nil
	}
	data, err := json.MarshalIndent(envelope{
		SchemaVersion: outputSchemaVersion,
		ToolVersion:   toolVersion,
		Result:        result,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func workspaceRoot() (string, error) {
	root, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("resolve workspace: %w", err)
	}
	return root, nil
}

func runtimeDir(root string) string {
	return filepath.Join(root, ".specdrive")
}

func defaultSocketPath(cfg config.Config, root string) string {
	if cfg.Service.SocketPath != "" {
		return cfg.Service.SocketPath
	}
	return filepath.Join(runtimeDir(root), "specdrive.sock")
}

func defaultDataDir(cfg config.Config, root string) string {
	if cfg.Service.DataDir != "" {
		return cfg.Service.DataDir
	}
	return filepath.Join(runtimeDir(root), "runs")
}
