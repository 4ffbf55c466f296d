package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	DataDir  string `toml:"data_dir"`
	BlobRoot string `toml:"blob_root"`
	LogDir   string `toml:"log_dir"`
}

// Store selects and configures the job metadata store backend.
type Store struct {
	// Backend is "sqlite" or "postgres".
	Backend     string `toml:"backend"`
	PostgresURL string `toml:"postgres_url"`
	MaxConns    int    `toml:"max_conns"`
}

// Intake selects and configures the work queue feeding the orchestrator.
type Intake struct {
	// Backend is "amqp" or "memory".
	Backend  string `toml:"backend"`
	AMQPURL  string `toml:"amqp_url"`
	Queue    string `toml:"queue"`
	Prefetch int    `toml:"prefetch"`
}

// Steps contains task executor tunables.
type Steps struct {
	ExecutionTimeout int      `toml:"execution_timeout"` // seconds, per attempt
	MaxFileBytes     int64    `toml:"max_file_bytes"`
	MinWidth         int      `toml:"min_width"`
	MinHeight        int      `toml:"min_height"`
	AllowedFormats   []string `toml:"allowed_formats"`
	WatermarkText    string   `toml:"watermark_text"`
}

// Retry bounds the number and pacing of retries for transient step failures.
type Retry struct {
	MaxAttempts int     `toml:"max_attempts"`
	BaseDelay   int     `toml:"base_delay"` // seconds
	Multiplier  float64 `toml:"multiplier"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	JobCompleted   bool   `toml:"job_completed"`
	JobFailed      bool   `toml:"job_failed"`
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	Enabled bool   `toml:"enabled"`
	Bind    string `toml:"bind"`
}

// Cache configures the optional Redis read cache for status polling.
type Cache struct {
	RedisURL   string `toml:"redis_url"`
	TTLSeconds int    `toml:"ttl_seconds"`
}

// Workflow contains daemon timing and concurrency settings.
type Workflow struct {
	Workers            int `toml:"workers"`
	ErrorRetryInterval int `toml:"error_retry_interval"` // seconds
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for imageflow.
type Config struct {
	Paths         Paths         `toml:"paths"`
	Store         Store         `toml:"store"`
	Intake        Intake        `toml:"intake"`
	Steps         Steps         `toml:"steps"`
	Retry         Retry         `toml:"retry"`
	Notifications Notifications `toml:"notifications"`
	Metrics       Metrics       `toml:"metrics"`
	Cache         Cache         `toml:"cache"`
	Workflow      Workflow      `toml:"workflow"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/imageflow/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized. The boolean reports
// whether a file was found at the resolved path.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("imageflow.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

func (c *Config) normalize() error {
	for _, field := range []*string{&c.Paths.DataDir, &c.Paths.BlobRoot, &c.Paths.LogDir} {
		expanded, err := expandPath(*field)
		if err != nil {
			return err
		}
		*field = expanded
	}

	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	c.Intake.Backend = strings.ToLower(strings.TrimSpace(c.Intake.Backend))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))

	formats := make([]string, 0, len(c.Steps.AllowedFormats))
	for _, format := range c.Steps.AllowedFormats {
		format = strings.ToLower(strings.TrimSpace(format))
		if format == "" {
			continue
		}
		if format == "jpg" {
			format = "jpeg"
		}
		formats = append(formats, format)
	}
	if len(formats) > 0 {
		c.Steps.AllowedFormats = formats
	}
	return nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.BlobRoot, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// QueueDatabasePath returns the SQLite database location under the data dir.
func (c *Config) QueueDatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "jobs.db")
}

// LockFilePath returns the daemon's single-instance lock file location.
func (c *Config) LockFilePath() string {
	return filepath.Join(c.Paths.DataDir, "imageflowd.lock")
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
