package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/metalagman/specdrive/internal/ipc"
	"github.com/metalagman/specdrive/internal/stage"
)

// statusCmd reports either a spec's document tree or the service's
// health, depending on flags.
func statusCmd() *cobra.Command {
	var specID string
	var service bool
	cmd := &cobra.Command{
		Use:          "status",
		Short:        "Show spec document status or service status",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if service {
				return serviceStatus()
			}
			if specID == "" {
				return fmt.Errorf("--spec or --service is required")
			}
			return specStatus(specID)
		},
	}
	cmd.Flags().StringVar(&specID, "spec", "", "spec identifier")
	cmd.Flags().BoolVar(&service, "service", false, "query the running service instead")
	return cmd
}

func specStatus(specID string) error {
	specDir := filepath.Join(evidenceRoot, specID)
	type docStatus struct {
		Name    string `json:"name"`
		Present bool   `json:"present"`
		Bytes   int64  `json:"bytes,omitempty"`
	}
	var docs []docStatus
	for _, name := range []string{"spec.md", "plan.md", "tasks.md"} {
		status := docStatus{Name: name}
		if info, err := os.Stat(filepath.Join(specDir, name)); err == nil {
			status.Present = true
			status.Bytes = info.Size()
		}
		docs = append(docs, status)
	}
	result := map[string]any{
		"spec_id": specID,
		"docs":    docs,
		"stages":  stageKeys(stage.All()),
	}
	return emit(result, func() {
		fmt.Printf("spec %s (%s)\n", specID, specDir)
		for _, d := range docs {
			mark := "missing"
			if d.Present {
				mark = fmt.Sprintf("%d bytes", d.Bytes)
			}
			fmt.Printf("  %-10s %s\n", d.Name, mark)
		}
	})
}

func serviceStatus() error {
	client, err := dialService()
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	var status ipc.ServiceStatusResult
	if err := client.Call("service.status", nil, &status); err != nil {
		return err
	}
	var doctor ipc.ServiceDoctorResult
	if err := client.Call("service.doctor", nil, &doctor); err != nil {
		return err
	}
	result := map[string]any{"status": status, "doctor": doctor}
	return emit(result, func() {
		fmt.Printf("uptime %ds, %d active runs, workspaces %v\n", status.UptimeS, status.ActiveRuns, status.ActiveWorkspaces)
		for _, check := range doctor.Checks {
			fmt.Printf("  %-12s %-5s %s\n", check.Name, check.Status, check.Detail)
		}
	})
}
