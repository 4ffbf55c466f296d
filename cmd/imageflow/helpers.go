package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"imageflow/internal/blobstore"
	"imageflow/internal/config"
	"imageflow/internal/imaging"
	"imageflow/internal/job"
	"imageflow/internal/logging"
	"imageflow/internal/steps"
)

func buildExecutors(cfg *config.Config, blobs blobstore.Store) ([]steps.Executor, error) {
	transformer, err := imaging.NewMagick()
	if err != nil {
		return nil, err
	}
	logger := logging.NewNop()
	return []steps.Executor{
		steps.NewValidator(blobs, cfg.Steps, logger),
		steps.NewResizer(blobs, transformer, nil, logger),
		steps.NewWatermarker(blobs, transformer, cfg.Steps, logger),
	}, nil
}

func printJob(out io.Writer, record *job.Job) {
	fmt.Fprintf(out, "Job:     %s\n", record.ID)
	fmt.Fprintf(out, "Owner:   %s\n", record.OwnerID)
	fmt.Fprintf(out, "Source:  %s\n", record.Source.Key)
	fmt.Fprintf(out, "Status:  %s (version %d)\n", record.Status, record.Version)
	fmt.Fprintf(out, "Updated: %s\n", record.UpdatedAt.Local().Format(time.RFC3339))

	if len(record.StepResults) > 0 {
		rows := make([][]string, 0, len(record.StepResults))
		for _, step := range job.StepNames() {
			result, ok := record.StepResults[step]
			if !ok {
				continue
			}
			duration := result.CompletedAt.Sub(result.StartedAt).Round(time.Millisecond)
			rows = append(rows, []string{
				step,
				string(result.Outcome),
				strconv.Itoa(result.Attempts),
				duration.String(),
				strconv.Itoa(len(result.OutputKeys)),
				result.Detail,
			})
		}
		fmt.Fprintln(out, renderTable(
			[]string{"STEP", "OUTCOME", "ATTEMPTS", "DURATION", "OUTPUTS", "DETAIL"}, rows))
	}

	if record.Failure != nil {
		fmt.Fprintf(out, "Failed at %s after %d attempts: %s\n",
			record.Failure.FailedStep, record.Failure.Attempts, record.Failure.Reason)
	}
}
