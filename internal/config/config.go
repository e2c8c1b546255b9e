package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"workbridge/internal/errors"
)

// Config carries every runtime option the bridge recognizes. Values come
// from the environment, layered over an optional bridge-config file.
type Config struct {
	Port        string
	DatabaseURL string

	// Upstream workflows service
	UpstreamBaseURL string
	UpstreamAudience string
	UpstreamToken   string
	ConsumerBaseURL string

	// Sandbox
	WorkRoot           string
	WorkPrefixTemplate string
	ReadFileMaxBytes   int
	OutputMaxBytes     int
	RunCommandTimeout  time.Duration

	// Event stream
	HeartbeatInterval time.Duration
	ReconnectBackoff  time.Duration
	ReconnectBackoffCap time.Duration
	IdleWatchdog      time.Duration

	// Object store sync
	GCSBucket           string
	GCSPrefix           string
	SyncOnStart         bool
	SyncInterval        time.Duration
	EnableUpload        bool
	DownloadConcurrency int
	UploadConcurrency   int

	// Lifecycle
	ShutdownTimeout time.Duration
	WorkspaceTTL    time.Duration
	MaxLease        time.Duration

	// Launcher
	ConsumerImage  string
	ProducerImage  string
	ConsumerPort   int
	RemoteJobURL   string

	MetricsPort int
}

// Load builds the configuration from the environment, layered over an
// optional bridge-config JSON file in $HOME or the working directory.
func Load() (*Config, error) {
	viper.SetConfigName("bridge-config")
	viper.SetConfigType("json")
	viper.AddConfigPath("$HOME")
	viper.AddConfigPath(".")
	// A missing config file is fine; the environment is authoritative.
	_ = viper.ReadInConfig()

	cfg := &Config{
		Port:        getString("PORT", "8080"),
		DatabaseURL: getString("DATABASE_URL", ""),

		UpstreamBaseURL:  getString("UPSTREAM_BASE_URL", ""),
		UpstreamAudience: getString("UPSTREAM_AUDIENCE", ""),
		UpstreamToken:    getString("UPSTREAM_TOKEN", ""),
		ConsumerBaseURL:  getString("CONSUMER_BASE_URL", ""),

		WorkRoot:           getString("WORK_ROOT", "/mnt/work"),
		WorkPrefixTemplate: getString("WORK_PREFIX_TEMPLATE", "{projectId}/{workspaceId}"),
		ReadFileMaxBytes:   getInt("READ_FILE_MAX_BYTES", 200000),
		OutputMaxBytes:     getInt("OUTPUT_MAX_BYTES", 50000),
		RunCommandTimeout:  time.Duration(getInt("RUN_COMMAND_TIMEOUT_SECONDS", 120)) * time.Second,

		HeartbeatInterval:   time.Duration(getInt("EVENTS_HEARTBEAT_MS", 15000)) * time.Millisecond,
		ReconnectBackoff:    time.Duration(getInt("RECONNECT_BACKOFF_MS", 1000)) * time.Millisecond,
		ReconnectBackoffCap: 30 * time.Second,
		IdleWatchdog:        time.Duration(getInt("IDLE_WATCHDOG_MS", 120000)) * time.Millisecond,

		GCSBucket:           getString("GCS_BUCKET", ""),
		GCSPrefix:           getString("GCS_PREFIX", ""),
		SyncOnStart:         getBool("SYNC_ON_START", true),
		SyncInterval:        time.Duration(getInt("SYNC_INTERVAL_MS", 15000)) * time.Millisecond,
		EnableUpload:        getBool("GCS_ENABLE_UPLOAD", true),
		DownloadConcurrency: getInt("GCS_DOWNLOAD_CONCURRENCY", 4),
		UploadConcurrency:   getInt("GCS_UPLOAD_CONCURRENCY", 4),

		ShutdownTimeout: time.Duration(getInt("SHUTDOWN_TIMEOUT_MS", 30000)) * time.Millisecond,
		WorkspaceTTL:    time.Duration(getInt("WORKSPACE_TTL_MS", 300000)) * time.Millisecond,
		MaxLease:        10 * time.Minute,

		ConsumerImage: getString("CONSUMER_IMAGE", ""),
		ProducerImage: getString("PRODUCER_IMAGE", ""),
		ConsumerPort:  getInt("CONSUMER_PORT", 8081),
		RemoteJobURL:  getString("REMOTE_JOB_URL", ""),

		MetricsPort: getInt("METRICS_PORT", 9090),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.WorkRoot) == "" {
		return &errors.ConfigError{Field: "WORK_ROOT"}
	}
	if c.ReadFileMaxBytes <= 0 {
		return &errors.ConfigError{Field: "READ_FILE_MAX_BYTES", Message: "READ_FILE_MAX_BYTES must be positive"}
	}
	if c.OutputMaxBytes <= 0 {
		return &errors.ConfigError{Field: "OUTPUT_MAX_BYTES", Message: "OUTPUT_MAX_BYTES must be positive"}
	}
	if c.RunCommandTimeout <= 0 {
		return &errors.ConfigError{Field: "RUN_COMMAND_TIMEOUT_SECONDS", Message: "RUN_COMMAND_TIMEOUT_SECONDS must be positive"}
	}
	if c.DownloadConcurrency <= 0 {
		c.DownloadConcurrency = 1
	}
	if c.UploadConcurrency <= 0 {
		c.UploadConcurrency = 1
	}
	return nil
}

func getString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(value)
	}
	if viper.IsSet(key) {
		return strings.TrimSpace(viper.GetString(key))
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	if viper.IsSet(key) {
		return viper.GetInt(key)
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		switch strings.TrimSpace(value) {
		case "1", "true", "TRUE", "on", "yes":
			return true
		case "0", "false", "FALSE", "off", "no":
			return false
		}
	}
	if viper.IsSet(key) {
		return viper.GetBool(key)
	}
	return fallback
}

// String renders the config for startup logging; secrets stay out.
func (c *Config) String() string {
	return fmt.Sprintf("port=%s workRoot=%s template=%s bucket=%s prefix=%s syncInterval=%s heartbeat=%s",
		c.Port, c.WorkRoot, c.WorkPrefixTemplate, c.GCSBucket, c.GCSPrefix, c.SyncInterval, c.HeartbeatInterval)
}
