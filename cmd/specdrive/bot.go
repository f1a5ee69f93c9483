package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/metalagman/specdrive/internal/ipc"
)

// botCmd groups the IPC client subcommands.
func botCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bot",
		Short: "Submit and inspect bot runs via the local service",
	}
	cmd.AddCommand(botRunCmd(), botStatusCmd(), botShowCmd(), botRunsCmd(), botCancelCmd())
	return cmd
}

func dialService() (*ipc.Client, error) {
	root, err := workspaceRoot()
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return ipc.Dial(defaultSocketPath(cfg, root), toolVersion)
}

func botRunCmd() *cobra.Command {
	var params ipc.BotRunParams
	cmd := &cobra.Command{
		Use:          "run",
		Short:        "Submit a bot run and wait for its terminal state",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if params.WorkspacePath == "" {
				root, err := workspaceRoot()
				if err != nil {
					return err
				}
				params.WorkspacePath = root
			}
			client, err := dialService()
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			var result ipc.BotRunResult
			call := client.Call
			if params.Subscribe {
				call = func(method string, p, r any) error {
					return client.CallWithNotify(method, p, r, func(n ipc.Notification) {
						if n.Method == "bot.terminal" {
							data, _ := json.Marshal(n.Params)
							fmt.Printf("terminal: %s\n", data)
						}
					})
				}
			}
			if err := call("bot.run", params, &result); err != nil {
				return err
			}
			return emit(result, func() {
				fmt.Printf("run %s: %s (exit %d) %s\n", result.RunID, result.Status, result.ExitCode, result.Summary)
				for _, uri := range result.ArtifactURIs {
					fmt.Printf("  %s\n", uri)
				}
			})
		},
	}
	cmd.Flags().StringVar(&params.WorkspacePath, "workspace", "", "workspace path (defaults to the current directory)")
	cmd.Flags().StringVar(&params.WorkItemID, "work-item", "", "work item id, e.g. SPEC-T-001")
	cmd.Flags().StringVar(&params.Kind, "kind", "research", "run kind: research or review")
	cmd.Flags().StringVar(&params.CaptureMode, "capture", "prompts-only", "capture mode: prompts-only or full-io")
	cmd.Flags().StringVar(&params.WriteMode, "write-mode", "", "write mode: none or worktree")
	cmd.Flags().BoolVar(&params.AllowDegraded, "allow-degraded", false, "continue on workspace-local sources when enrichment is down")
	cmd.Flags().StringVar(&params.NotebookLMHealthURL, "notebooklm-health-url", "", "enrichment service health endpoint")
	cmd.Flags().StringVar(&params.RebaseTarget, "rebase-target", "", "rebase target for write-mode review runs")
	cmd.Flags().BoolVar(&params.Subscribe, "subscribe", false, "print the bot.terminal notification")
	return cmd
}

func botStatusCmd() *cobra.Command {
	var params ipc.BotStatusParams
	cmd := &cobra.Command{
		Use:          "status",
		Short:        "List runs for a work item",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialService()
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()
			var result ipc.BotStatusResult
			if err := client.Call("bot.status", params, &result); err != nil {
				return err
			}
			return emit(result, func() { printRunSummaries(result.Runs) })
		},
	}
	cmd.Flags().StringVar(&params.WorkspacePath, "workspace", "", "workspace path")
	cmd.Flags().StringVar(&params.WorkItemID, "work-item", "", "work item id")
	cmd.Flags().StringVar(&params.Kind, "kind", "", "optional kind filter")
	return cmd
}

func botShowCmd() *cobra.Command {
	var params ipc.BotShowParams
	cmd := &cobra.Command{
		Use:          "show",
		Short:        "Show one run in full",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialService()
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()
			var result ipc.BotShowResult
			if err := client.Call("bot.show", params, &result); err != nil {
				return err
			}
			return emit(result, func() {
				fmt.Printf("run %s: %s (exit %d) %s\n", result.RunID, result.Status, result.ExitCode, result.Summary)
				for _, uri := range result.ArtifactURIs {
					fmt.Printf("  %s\n", uri)
				}
				if len(result.ReportJSON) > 0 {
					fmt.Printf("report: %s\n", result.ReportJSON)
				}
			})
		},
	}
	cmd.Flags().StringVar(&params.WorkspacePath, "workspace", "", "workspace path")
	cmd.Flags().StringVar(&params.WorkItemID, "work-item", "", "work item id")
	cmd.Flags().StringVar(&params.RunID, "run", "", "run id")
	return cmd
}

func botRunsCmd() *cobra.Command {
	var params ipc.BotRunsParams
	cmd := &cobra.Command{
		Use:          "runs",
		Short:        "List runs with pagination",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialService()
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()
			var result ipc.BotRunsResult
			if err := client.Call("bot.runs", params, &result); err != nil {
				return err
			}
			return emit(result, func() {
				printRunSummaries(result.Runs)
				fmt.Printf("total: %d\n", result.Total)
			})
		},
	}
	cmd.Flags().StringVar(&params.WorkspacePath, "workspace", "", "workspace path")
	cmd.Flags().StringVar(&params.WorkItemID, "work-item", "", "work item id")
	cmd.Flags().IntVar(&params.Limit, "limit", 20, "page size")
	cmd.Flags().IntVar(&params.Offset, "offset", 0, "page offset")
	return cmd
}

func botCancelCmd() *cobra.Command {
	var params ipc.BotCancelParams
	cmd := &cobra.Command{
		Use:          "cancel",
		Short:        "Cancel a non-terminal run",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialService()
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()
			var result ipc.BotCancelResult
			if err := client.Call("bot.cancel", params, &result); err != nil {
				return err
			}
			return emit(result, func() { fmt.Printf("run %s: %s\n", params.RunID, result.Status) })
		},
	}
	cmd.Flags().StringVar(&params.WorkspacePath, "workspace", "", "workspace path")
	cmd.Flags().StringVar(&params.WorkItemID, "work-item", "", "work item id")
	cmd.Flags().StringVar(&params.RunID, "run", "", "run id")
	return cmd
}

func printRunSummaries(runs []ipc.RunSummary) {
	for _, r := range runs {
		fmt.Printf("%s  %-15s %-8s %s  %s\n", r.RunID, r.Status, r.Kind, r.StartedAt, r.Summary)
	}
}
