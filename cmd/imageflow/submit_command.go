package main

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"imageflow/internal/blobstore"
	"imageflow/internal/intake"
	"imageflow/internal/job"
	"imageflow/internal/logging"
	"imageflow/internal/notifications"
	"imageflow/internal/statuscache"
	"imageflow/internal/workflow"
)

func newSubmitCommand(cctx *commandContext) *cobra.Command {
	var (
		keyFlag       string
		ownerFlag     string
		sourceKeyFlag string
		sizeFlag      int64
		waitFlag      bool
	)

	cmd := &cobra.Command{
		Use:   "submit [file]",
		Short: "Submit an image for processing",
		Long: `Submit an image for processing.

With a file argument the image is first copied into the blob store under
uploads/<owner>/<name>. With --source-key the object is assumed to already
exist. Submissions are published to the configured intake queue; with the
in-memory intake backend the job is processed synchronously instead.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cctx.ensureConfig()
			if err != nil {
				return err
			}

			owner := strings.TrimSpace(ownerFlag)
			if owner == "" {
				return fmt.Errorf("--owner is required")
			}

			msg := intake.Message{
				IdempotencyKey: strings.TrimSpace(keyFlag),
				OwnerID:        owner,
				SourceStore:    "local",
				SourceKey:      strings.TrimSpace(sourceKeyFlag),
				SizeBytes:      sizeFlag,
			}
			if msg.IdempotencyKey == "" {
				msg.IdempotencyKey = uuid.NewString()
			}

			if len(args) == 1 {
				uploaded, err := uploadFile(cmd, cctx, owner, args[0])
				if err != nil {
					return err
				}
				msg.SourceKey = uploaded.Key
				msg.SizeBytes = uploaded.SizeBytes
			}
			if msg.SourceKey == "" {
				return fmt.Errorf("provide a file argument or --source-key")
			}
			msg.Filename = path.Base(msg.SourceKey)

			if cfg.Intake.Backend == "amqp" {
				return publishSubmission(cmd, cctx, msg)
			}
			return processLocally(cmd, cctx, msg, waitFlag)
		},
	}

	cmd.Flags().StringVar(&keyFlag, "key", "", "Idempotency key (defaults to a fresh UUID)")
	cmd.Flags().StringVar(&ownerFlag, "owner", "", "Owner identifier for the upload")
	cmd.Flags().StringVar(&sourceKeyFlag, "source-key", "", "Blob store key of an already-uploaded object")
	cmd.Flags().Int64Var(&sizeFlag, "size", 0, "Declared object size in bytes (with --source-key)")
	cmd.Flags().BoolVar(&waitFlag, "wait", true, "Process synchronously when using the memory intake backend")

	return cmd
}

func uploadFile(cmd *cobra.Command, cctx *commandContext, owner, localPath string) (blobstore.Info, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return blobstore.Info{}, fmt.Errorf("read %s: %w", localPath, err)
	}
	blobs, err := cctx.openBlobs()
	if err != nil {
		return blobstore.Info{}, err
	}
	key := path.Join("uploads", owner, filepath.Base(localPath))
	if _, err := blobs.Put(cmd.Context(), key, data, blobstore.Metadata{"owner": owner}); err != nil {
		return blobstore.Info{}, fmt.Errorf("upload %s: %w", localPath, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Uploaded %s (%d bytes)\n", key, len(data))
	return blobstore.Info{Key: key, SizeBytes: int64(len(data))}, nil
}

func publishSubmission(cmd *cobra.Command, cctx *commandContext, msg intake.Message) error {
	cfg, err := cctx.ensureConfig()
	if err != nil {
		return err
	}
	publisher, err := intake.DialAMQPPublisher(cfg.Intake.AMQPURL, cfg.Intake.Queue)
	if err != nil {
		return err
	}
	defer publisher.Close()

	if err := publisher.Publish(cmd.Context(), msg); err != nil {
		return fmt.Errorf("publish submission: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Queued submission %s for %s\n", msg.IdempotencyKey, msg.SourceKey)
	return nil
}

// processLocally runs the whole pipeline in-process. This is the broker-free
// path used for single-machine setups and smoke tests.
func processLocally(cmd *cobra.Command, cctx *commandContext, msg intake.Message, wait bool) error {
	cfg, err := cctx.ensureConfig()
	if err != nil {
		return err
	}
	store, err := cctx.openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()
	blobs, err := cctx.openBlobs()
	if err != nil {
		return err
	}

	executors, err := buildExecutors(cfg, blobs)
	if err != nil {
		return err
	}
	engine, err := workflow.New(cfg, store, blobs, executors,
		notifications.NewService(cfg), statuscache.Noop{}, nil, logging.NewNop())
	if err != nil {
		return err
	}

	record, created, err := engine.Submit(cmd.Context(), msg)
	if err != nil {
		return err
	}
	if !created {
		fmt.Fprintf(cmd.OutOrStdout(), "Duplicate submission; existing job %s is %s\n", record.ID, record.Status)
		if record.IsTerminal() || !wait {
			return nil
		}
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Admitted job %s\n", record.ID)
	}
	if !wait {
		return nil
	}

	if err := engine.Drive(cmd.Context(), record.ID); err != nil {
		return err
	}
	final, err := store.Get(cmd.Context(), record.ID)
	if err != nil {
		return err
	}
	printJob(cmd.OutOrStdout(), final)
	if final.Status == job.StatusFailed {
		return fmt.Errorf("job %s failed at %s: %s", final.ID, final.Failure.FailedStep, final.Failure.Reason)
	}
	return nil
}
