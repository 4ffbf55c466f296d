package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.Paths.DataDir) == "" {
		problems = append(problems, "paths.data_dir must be set")
	}
	if strings.TrimSpace(c.Paths.BlobRoot) == "" {
		problems = append(problems, "paths.blob_root must be set")
	}

	switch c.Store.Backend {
	case "sqlite":
	case "postgres":
		if strings.TrimSpace(c.Store.PostgresURL) == "" {
			problems = append(problems, "store.postgres_url required when store.backend is postgres")
		}
	default:
		problems = append(problems, fmt.Sprintf("store.backend: unsupported value %q", c.Store.Backend))
	}
	if c.Store.MaxConns < 1 {
		problems = append(problems, "store.max_conns must be at least 1")
	}

	switch c.Intake.Backend {
	case "memory":
	case "amqp":
		if strings.TrimSpace(c.Intake.AMQPURL) == "" {
			problems = append(problems, "intake.amqp_url required when intake.backend is amqp")
		}
		if strings.TrimSpace(c.Intake.Queue) == "" {
			problems = append(problems, "intake.queue must be set")
		}
	default:
		problems = append(problems, fmt.Sprintf("intake.backend: unsupported value %q", c.Intake.Backend))
	}

	if c.Steps.ExecutionTimeout <= 0 {
		problems = append(problems, "steps.execution_timeout must be positive")
	}
	if c.Steps.MaxFileBytes <= 0 {
		problems = append(problems, "steps.max_file_bytes must be positive")
	}
	if c.Steps.MinWidth <= 0 || c.Steps.MinHeight <= 0 {
		problems = append(problems, "steps.min_width and steps.min_height must be positive")
	}
	if len(c.Steps.AllowedFormats) == 0 {
		problems = append(problems, "steps.allowed_formats must not be empty")
	}
	for _, format := range c.Steps.AllowedFormats {
		switch format {
		case "jpeg", "png", "gif":
		default:
			problems = append(problems, fmt.Sprintf("steps.allowed_formats: unsupported format %q", format))
		}
	}

	if c.Retry.MaxAttempts < 1 {
		problems = append(problems, "retry.max_attempts must be at least 1")
	}
	if c.Retry.BaseDelay < 0 {
		problems = append(problems, "retry.base_delay must not be negative")
	}
	if c.Retry.Multiplier < 1 {
		problems = append(problems, "retry.multiplier must be at least 1")
	}

	if c.Workflow.Workers < 1 {
		problems = append(problems, "workflow.workers must be at least 1")
	}
	if c.Workflow.ErrorRetryInterval <= 0 {
		problems = append(problems, "workflow.error_retry_interval must be positive")
	}

	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.Bind) == "" {
		problems = append(problems, "metrics.bind required when metrics.enabled is true")
	}
	if c.Cache.TTLSeconds < 0 {
		problems = append(problems, "cache.ttl_seconds must not be negative")
	}

	switch c.Logging.Format {
	case "", "text", "console", "json":
	default:
		problems = append(problems, fmt.Sprintf("logging.format: unsupported value %q", c.Logging.Format))
	}

	if len(problems) == 0 {
		return nil
	}
	return errors.New("invalid configuration: " + strings.Join(problems, "; "))
}
