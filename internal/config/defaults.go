package config

const (
	defaultOutputDir  = "~/.local/share/vidforge/videos"
	defaultScratchDir = "~/.local/share/vidforge/scratch"
	defaultLogDir     = "~/.local/share/vidforge/logs"
	defaultAPIBind    = "127.0.0.1:7823"

	defaultMaxFileSizeMB          = 100
	defaultRateLimitRequests      = 100
	defaultRateLimitWindowSeconds = 3600

	defaultWorkerConcurrency  = 2
	defaultTaskTimeoutSeconds = 3600
	defaultMaxRetries         = 3
	defaultRetryBackoffBase   = 5
	defaultCancelGraceSeconds = 10
	defaultHeartbeatInterval  = 15
	defaultQueuePollInterval  = 2
	defaultErrorRetryInterval = 5

	defaultScratchTTLSeconds = 3600
	defaultSweepInterval     = 60
	defaultVisibilitySeconds = 120
	defaultBrokerBackend     = "sqlite"
	defaultRedisAddr         = "127.0.0.1:6379"
	defaultRedisKeyPrefix    = "vidforge:jobs"

	defaultLogFormat = "console"
	defaultLogLevel  = "info"
)

var defaultAllowedExtensions = []string{"jpg", "jpeg", "png", "bmp", "tiff", "mp4", "mkv", "mov", "avi"}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			OutputDir:  defaultOutputDir,
			ScratchDir: defaultScratchDir,
			LogDir:     defaultLogDir,
			APIBind:    defaultAPIBind,
		},
		Limits: Limits{
			MaxFileSizeMB:          defaultMaxFileSizeMB,
			RateLimitRequests:      defaultRateLimitRequests,
			RateLimitWindowSeconds: defaultRateLimitWindowSeconds,
			AllowedExtensions:      append([]string{}, defaultAllowedExtensions...),
		},
		Workers: Workers{
			Concurrency:        defaultWorkerConcurrency,
			TaskTimeoutSeconds: defaultTaskTimeoutSeconds,
			MaxRetries:         defaultMaxRetries,
			RetryBackoffBase:   defaultRetryBackoffBase,
			CancelGraceSeconds: defaultCancelGraceSeconds,
			HeartbeatInterval:  defaultHeartbeatInterval,
			QueuePollInterval:  defaultQueuePollInterval,
			ErrorRetryInterval: defaultErrorRetryInterval,
		},
		Scratch: Scratch{
			TTLSeconds:           defaultScratchTTLSeconds,
			SweepIntervalSeconds: defaultSweepInterval,
		},
		Broker: Broker{
			Backend:                  defaultBrokerBackend,
			VisibilityTimeoutSeconds: defaultVisibilitySeconds,
			RedisAddr:                defaultRedisAddr,
			RedisKeyPrefix:           defaultRedisKeyPrefix,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
