package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"imageflow/internal/config"
	"imageflow/internal/job"
)

const userAgent = "Imageflow-Go/0.1.0"

// Service defines the notification surface exposed to workflow components.
type Service interface {
	NotifyJobCompleted(ctx context.Context, record *job.Job) error
	NotifyJobFailed(ctx context.Context, record *job.Job) error
	NotifyWorkersStarted(ctx context.Context, workers int) error
	NotifyError(ctx context.Context, err error, context string) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint:     topic,
		client:       &http.Client{Timeout: timeout},
		jobCompleted: cfg.Notifications.JobCompleted,
		jobFailed:    cfg.Notifications.JobFailed,
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint     string
	client       *http.Client
	jobCompleted bool
	jobFailed    bool
}

func (n *ntfyService) NotifyJobCompleted(ctx context.Context, record *job.Job) error {
	if !n.jobCompleted || record == nil {
		return nil
	}
	outputs := 0
	for _, result := range record.StepResults {
		outputs += len(result.OutputKeys)
	}
	data := payload{
		title:   "Imageflow - Job Complete",
		message: fmt.Sprintf("Processed %s: %d outputs stored", displayName(record), outputs),
		tags:    []string{"imageflow", "job", "completed"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyJobFailed(ctx context.Context, record *job.Job) error {
	if !n.jobFailed || record == nil {
		return nil
	}
	message := fmt.Sprintf("Failed %s", displayName(record))
	if record.Failure != nil {
		message = fmt.Sprintf("%s at %s: %s (attempt %d)",
			message, record.Failure.FailedStep, record.Failure.Reason, record.Failure.Attempts)
	}
	data := payload{
		title:    "Imageflow - Job Failed",
		message:  message,
		tags:     []string{"imageflow", "job", "failed"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyWorkersStarted(ctx context.Context, workers int) error {
	data := payload{
		title:   "Imageflow - Workers Started",
		message: fmt.Sprintf("Started %d workflow workers", workers),
		tags:    []string{"imageflow", "daemon", "started"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyError(ctx context.Context, err error, contextLabel string) error {
	var builder strings.Builder
	builder.WriteString("Error")
	if contextLabel = strings.TrimSpace(contextLabel); contextLabel != "" {
		builder.WriteString(" with ")
		builder.WriteString(contextLabel)
	}
	builder.WriteString(": ")
	if err != nil {
		builder.WriteString(strings.TrimSpace(err.Error()))
	} else {
		builder.WriteString("unknown")
	}

	data := payload{
		title:    "Imageflow - Error",
		message:  builder.String(),
		tags:     []string{"imageflow", "error", "alert"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	data := payload{
		title:    "Imageflow - Test",
		message:  "Notification system test",
		tags:     []string{"imageflow", "test"},
		priority: "low",
	}
	return n.send(ctx, data)
}

func displayName(record *job.Job) string {
	name := strings.TrimSpace(record.Filename)
	if name == "" {
		name = record.Source.Key
	}
	if owner := strings.TrimSpace(record.OwnerID); owner != "" {
		return fmt.Sprintf("%s (%s)", name, owner)
	}
	return name
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) NotifyJobCompleted(context.Context, *job.Job) error { return nil }
func (noopService) NotifyJobFailed(context.Context, *job.Job) error    { return nil }
func (noopService) NotifyWorkersStarted(context.Context, int) error    { return nil }
func (noopService) NotifyError(context.Context, error, string) error   { return nil }
func (noopService) TestNotification(context.Context) error             { return nil }
