package config

const (
	defaultDataDir  = "~/.local/share/imageflow"
	defaultBlobRoot = "~/.local/share/imageflow/blobs"
	defaultLogDir   = "~/.local/share/imageflow/logs"

	defaultStoreBackend  = "sqlite"
	defaultIntakeBackend = "memory"
	defaultIntakeQueue   = "imageflow.uploads"
	defaultPrefetch      = 8

	defaultExecutionTimeout = 60
	defaultMaxFileBytes     = 10 * 1024 * 1024
	defaultMinWidth         = 100
	defaultMinHeight        = 100
	defaultWatermarkText    = "PROCESSED"

	defaultMaxAttempts     = 3
	defaultBaseDelay       = 2
	defaultBackoffMultiple = 2.0

	defaultNotifyTimeout = 10

	defaultMetricsBind = "127.0.0.1:9290"

	defaultCacheTTLSeconds = 300

	defaultWorkers            = 4
	defaultErrorRetryInterval = 10

	defaultLogFormat = "text"
	defaultLogLevel  = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:  defaultDataDir,
			BlobRoot: defaultBlobRoot,
			LogDir:   defaultLogDir,
		},
		Store: Store{
			Backend:  defaultStoreBackend,
			MaxConns: 4,
		},
		Intake: Intake{
			Backend:  defaultIntakeBackend,
			Queue:    defaultIntakeQueue,
			Prefetch: defaultPrefetch,
		},
		Steps: Steps{
			ExecutionTimeout: defaultExecutionTimeout,
			MaxFileBytes:     defaultMaxFileBytes,
			MinWidth:         defaultMinWidth,
			MinHeight:        defaultMinHeight,
			AllowedFormats:   []string{"jpeg", "png", "gif"},
			WatermarkText:    defaultWatermarkText,
		},
		Retry: Retry{
			MaxAttempts: defaultMaxAttempts,
			BaseDelay:   defaultBaseDelay,
			Multiplier:  defaultBackoffMultiple,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyTimeout,
			JobCompleted:   true,
			JobFailed:      true,
		},
		Metrics: Metrics{
			Enabled: false,
			Bind:    defaultMetricsBind,
		},
		Cache: Cache{
			TTLSeconds: defaultCacheTTLSeconds,
		},
		Workflow: Workflow{
			Workers:            defaultWorkers,
			ErrorRetryInterval: defaultErrorRetryInterval,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
