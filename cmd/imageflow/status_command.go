package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"imageflow/internal/job"
)

func newStatusCommand(cctx *commandContext) *cobra.Command {
	var jsonFlag bool

	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the current state of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := cctx.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			record, err := store.Get(cmd.Context(), strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}

			if jsonFlag {
				return writeJobJSON(cmd, record)
			}
			printJob(cmd.OutOrStdout(), record)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonFlag, "json", false, "Emit machine-readable JSON")
	return cmd
}

func writeJobJSON(cmd *cobra.Command, record *job.Job) error {
	view := map[string]any{
		"id":              record.ID,
		"owner_id":        record.OwnerID,
		"idempotency_key": record.IdempotencyKey,
		"source":          record.Source,
		"filename":        record.Filename,
		"size_bytes":      record.SizeBytes,
		"status":          record.Status,
		"version":         record.Version,
		"created_at":      record.CreatedAt,
		"updated_at":      record.UpdatedAt,
	}
	if len(record.StepResults) > 0 {
		view["step_results"] = record.StepResults
	}
	if record.Failure != nil {
		view["failure"] = record.Failure
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(view); err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	return nil
}
