package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/metalagman/specdrive/internal/db"
	"github.com/metalagman/specdrive/internal/stage"
)

// artifactReview is one stage's artifact inventory for a spec.
type artifactReview struct {
	Stage     string   `json:"stage"`
	Agents    []string `json:"agents"`
	Missing   []string `json:"missing,omitempty"`
	Stale     bool     `json:"stale,omitempty"`
	SchemaOK  bool     `json:"schema_ok"`
	LatestRun string   `json:"latest_run,omitempty"`
}

// reviewCmd audits a spec's stored artifacts against the expected
// rosters.
func reviewCmd() *cobra.Command {
	var specID, stageName string
	var staleHours int
	var strictArtifacts, strictWarnings, strictSchema bool
	cmd := &cobra.Command{
		Use:          "review",
		Short:        "Review stored stage artifacts for a spec",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if specID == "" {
				return fmt.Errorf("--spec is required")
			}
			root, err := workspaceRoot()
			if err != nil {
				return err
			}
			storeDB, err := db.Open(filepath.Join(runtimeDir(root), "artifacts.db"))
			if err != nil {
				return err
			}
			defer func() { _ = storeDB.Close() }()

			stages := stage.All()
			if stageName != "" {
				st, err := stage.Parse(stageName)
				if err != nil {
					return err
				}
				stages = []stage.Stage{st}
			}

			reviews, warnings, err := reviewArtifacts(storeDB, specID, stages, staleHours)
			if err != nil {
				return err
			}
			if err := emit(reviews, func() {
				for _, r := range reviews {
					fmt.Printf("%-10s agents=%v missing=%v stale=%v schema_ok=%v\n", r.Stage, r.Agents, r.Missing, r.Stale, r.SchemaOK)
				}
			}); err != nil {
				return err
			}

			for _, r := range reviews {
				if strictArtifacts && len(r.Missing) > 0 {
					return &hardFailError{msg: fmt.Sprintf("stage %s is missing artifacts from %v", r.Stage, r.Missing)}
				}
				if strictSchema && !r.SchemaOK {
					return &hardFailError{msg: fmt.Sprintf("stage %s has artifacts that do not parse as JSON", r.Stage)}
				}
			}
			if strictWarnings && warnings > 0 {
				return &softFailError{msg: fmt.Sprintf("%d review warnings in strict mode", warnings)}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&specID, "spec", "", "spec identifier")
	cmd.Flags().StringVar(&stageName, "stage", "", "limit the review to one stage")
	cmd.Flags().IntVar(&staleHours, "stale-hours", 0, "flag artifacts older than N hours")
	cmd.Flags().BoolVar(&strictArtifacts, "strict-artifacts", false, "hard-fail on missing artifacts")
	cmd.Flags().BoolVar(&strictWarnings, "strict-warnings", false, "soft-fail on warnings")
	cmd.Flags().BoolVar(&strictSchema, "strict-schema", false, "hard-fail on unparseable artifacts")
	return cmd
}

func reviewArtifacts(storeDB *sql.DB, specID string, stages []stage.Stage, staleHours int) ([]artifactReview, int, error) {
	warnings := 0
	var reviews []artifactReview
	for _, st := range stages {
		review, warn, err := reviewStage(storeDB, specID, st, staleHours)
		if err != nil {
			return nil, 0, err
		}
		warnings += warn
		reviews = append(reviews, review)
	}
	return reviews, warnings, nil
}

func reviewStage(storeDB *sql.DB, specID string, st stage.Stage, staleHours int) (artifactReview, int, error) {
	review := artifactReview{Stage: st.Key(), SchemaOK: true}
	warnings := 0

	rows, err := storeDB.Query(`SELECT agent_name, run_id, completed_at, COALESCE(extracted_json, '')
		FROM agent_artifacts WHERE spec_id=? AND stage=? ORDER BY completed_at DESC`, specID, st.Key())
	if err != nil {
		return review, 0, fmt.Errorf("query artifacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	seen := make(map[string]bool)
	for rows.Next() {
		var name, runID, completedAt, extracted string
		if err := rows.Scan(&name, &runID, &completedAt, &extracted); err != nil {
			return review, 0, fmt.Errorf("scan artifact: %w", err)
		}
		if review.LatestRun == "" {
			review.LatestRun = runID
		}
		if runID != review.LatestRun {
			continue
		}
		seen[name] = true
		review.Agents = append(review.Agents, name)
		if extracted == "" || !json.Valid([]byte(extracted)) {
			review.SchemaOK = false
		}
		if staleHours > 0 {
			if t, err := time.Parse(time.RFC3339, completedAt); err == nil && time.Since(t) > time.Duration(staleHours)*time.Hour {
				review.Stale = true
				warnings++
			}
		}
	}
	if err := rows.Err(); err != nil {
		return review, 0, fmt.Errorf("iterate artifacts: %w", err)
	}

	for _, name := range st.ExpectedAgents() {
		if !seen[name] {
			review.Missing = append(review.Missing, name)
		}
	}
	if review.LatestRun == "" {
		// No artifacts at all for the stage yet.
		review.Missing = st.ExpectedAgents()
	}
	return review, warnings, nil
}
