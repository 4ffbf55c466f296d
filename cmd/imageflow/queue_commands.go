package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"imageflow/internal/job"
)

func newListCommand(cctx *commandContext) *cobra.Command {
	var statusFlag string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, optionally filtered by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var statuses []job.Status
			for _, raw := range strings.Split(statusFlag, ",") {
				raw = strings.TrimSpace(raw)
				if raw == "" {
					continue
				}
				status, ok := job.ParseStatus(raw)
				if !ok {
					return fmt.Errorf("unknown status %q", raw)
				}
				statuses = append(statuses, status)
			}

			store, err := cctx.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.List(cmd.Context(), statuses...)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs found")
				return nil
			}

			rows := make([][]string, 0, len(records))
			for _, record := range records {
				detail := ""
				if record.Failure != nil {
					detail = record.Failure.Reason
				}
				rows = append(rows, []string{
					record.ID,
					record.OwnerID,
					record.Filename,
					string(record.Status),
					record.UpdatedAt.Local().Format(time.RFC3339),
					detail,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "OWNER", "FILENAME", "STATUS", "UPDATED", "DETAIL"}, rows))
			return nil
		},
	}

	cmd.Flags().StringVar(&statusFlag, "status", "", "Comma-separated status filter (queued, validating, resizing, watermarking, completed, failed)")
	return cmd
}

func newStatsCommand(cctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show job counts by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := cctx.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			stats, err := store.Stats(cmd.Context())
			if err != nil {
				return err
			}

			total := 0
			rows := make([][]string, 0, len(stats)+1)
			for _, status := range job.AllStatuses() {
				count, ok := stats[status]
				if !ok {
					continue
				}
				total += count
				rows = append(rows, []string{string(status), strconv.Itoa(count)})
			}
			rows = append(rows, []string{"total", strconv.Itoa(total)})
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"STATUS", "JOBS"}, rows))
			return nil
		},
	}
}
