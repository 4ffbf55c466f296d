package main

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"imageflow/internal/intake"
)

func newRetryCommand(cctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Resubmit a failed job as a new job",
		Long: `Resubmit a failed job as a new job.

Terminal job records are immutable, so retrying never mutates the failed
record: a fresh submission with a new idempotency key is created from the
same source object.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cctx.ensureConfig()
			if err != nil {
				return err
			}
			store, err := cctx.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			record, err := store.Get(cmd.Context(), strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			if record.Failure == nil {
				return fmt.Errorf("job %s is %s, only failed jobs can be retried", record.ID, record.Status)
			}

			msg := intake.Message{
				IdempotencyKey: uuid.NewString(),
				OwnerID:        record.OwnerID,
				SourceStore:    record.Source.Store,
				SourceKey:      record.Source.Key,
				Filename:       record.Filename,
				SizeBytes:      record.SizeBytes,
			}

			if cfg.Intake.Backend == "amqp" {
				return publishSubmission(cmd, cctx, msg)
			}
			return processLocally(cmd, cctx, msg, true)
		},
	}
}
