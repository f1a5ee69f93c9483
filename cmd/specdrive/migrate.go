package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/metalagman/specdrive/internal/db"
)

// migrateCmd applies pending schema migrations to the artifact
// database.
func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "migrate",
		Short:        "Apply artifact database migrations",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := workspaceRoot()
			if err != nil {
				return err
			}
			rtDir := runtimeDir(root)
			if err := os.MkdirAll(rtDir, 0o755); err != nil {
				return fmt.Errorf("create runtime dir: %w", err)
			}
			storeDB, err := db.Open(filepath.Join(rtDir, "artifacts.db"))
			if err != nil {
				return err
			}
			defer func() { _ = storeDB.Close() }()
			return emit(map[string]string{"database": filepath.Join(rtDir, "artifacts.db")}, func() {
				fmt.Println("migrations applied")
			})
		},
	}
	return cmd
}
