package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// configName is the config file name without extension.
const configName = ".vidforge"

// configType is the config file format.
const configType = "yaml"

// envPrefix is the environment variable prefix for vidforge settings.
const envPrefix = "VIDFORGE"

// envKeySeparator is the nested key separator in environment variable names.
const envKeySeparator = "_"

// Default processor settings.
const (
	DefaultMaxConcurrentRequests = 5
	DefaultMaxQueueSize          = 100
	DefaultWorkerTimeoutSeconds  = 3600
)

// DefaultQueuePriorityLevels lists the priority classes in descending urgency.
var DefaultQueuePriorityLevels = []string{"urgent", "high", "normal", "low"}

// Default governor thresholds (percent) and sampling interval.
const (
	DefaultCPUWarning     = 70.0
	DefaultCPUCritical    = 85.0
	DefaultMemoryWarning  = 75.0
	DefaultMemoryCritical = 90.0
	DefaultDiskWarning    = 80.0
	DefaultDiskCritical   = 95.0

	DefaultMonitorIntervalSeconds = 5
)

// Default maintenance settings.
const (
	DefaultMaintenanceIntervalSeconds = 3600
	DefaultFailedRetentionHours       = 12
	DefaultCompletedRetentionHours    = 48
	DefaultCancelledRetentionHours    = 24
	DefaultTempFileMaxAgeHours        = 6
	DefaultLogMaxAgeDays              = 7
	DefaultArchiveExpired             = true
)

// Default storage locations.
const (
	DefaultSessionsDir = "sessions"
	DefaultTempDir     = "tmp"
	DefaultLogDir      = "logs"
)

// DefaultListenAddr is the control-plane HTTP bind address.
const DefaultListenAddr = "127.0.0.1:8311"

// DefaultLogLevel is the minimum level emitted by the structured logger.
const DefaultLogLevel = "info"

// Load reads configuration from file, env vars, and defaults.
// If configPath is non-empty, it is used as the explicit config file path.
// Otherwise, the config file is searched in CWD and $HOME.
// Missing config file is not an error; defaults are used.
func Load(configPath string) (*Config, error) {
	viperCfg := viper.New()

	applyDefaults(viperCfg)

	viperCfg.SetConfigType(configType)
	viperCfg.SetEnvPrefix(envPrefix)
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", envKeySeparator))
	viperCfg.AutomaticEnv()

	if configPath != "" {
		viperCfg.SetConfigFile(configPath)
	} else {
		viperCfg.SetConfigName(configName)
		viperCfg.AddConfigPath(".")

		home, err := os.UserHomeDir()
		if err == nil {
			viperCfg.AddConfigPath(home)
		}
	}

	readErr := viperCfg.ReadInConfig()
	if readErr != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFound) {
			return nil, fmt.Errorf("read config: %w", readErr)
		}
	}

	var cfg Config

	unmarshalErr := viperCfg.Unmarshal(&cfg)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("unmarshal config: %w", unmarshalErr)
	}

	validateErr := cfg.Validate()
	if validateErr != nil {
		return nil, fmt.Errorf("validate config: %w", validateErr)
	}

	return &cfg, nil
}

func applyDefaults(viperCfg *viper.Viper) {
	viperCfg.SetDefault("processor.max_concurrent_requests", DefaultMaxConcurrentRequests)
	viperCfg.SetDefault("processor.max_queue_size", DefaultMaxQueueSize)
	viperCfg.SetDefault("processor.queue_priority_levels", DefaultQueuePriorityLevels)
	viperCfg.SetDefault("processor.worker_timeout_seconds", DefaultWorkerTimeoutSeconds)

	viperCfg.SetDefault("resources.cpu.warning", DefaultCPUWarning)
	viperCfg.SetDefault("resources.cpu.critical", DefaultCPUCritical)
	viperCfg.SetDefault("resources.memory.warning", DefaultMemoryWarning)
	viperCfg.SetDefault("resources.memory.critical", DefaultMemoryCritical)
	viperCfg.SetDefault("resources.disk.warning", DefaultDiskWarning)
	viperCfg.SetDefault("resources.disk.critical", DefaultDiskCritical)
	viperCfg.SetDefault("resources.monitor_interval_seconds", DefaultMonitorIntervalSeconds)

	viperCfg.SetDefault("maintenance.interval_seconds", DefaultMaintenanceIntervalSeconds)
	viperCfg.SetDefault("maintenance.failed_retention_hours", DefaultFailedRetentionHours)
	viperCfg.SetDefault("maintenance.completed_retention_hours", DefaultCompletedRetentionHours)
	viperCfg.SetDefault("maintenance.cancelled_retention_hours", DefaultCancelledRetentionHours)
	viperCfg.SetDefault("maintenance.temp_file_max_age_hours", DefaultTempFileMaxAgeHours)
	viperCfg.SetDefault("maintenance.log_max_age_days", DefaultLogMaxAgeDays)
	viperCfg.SetDefault("maintenance.archive_expired", DefaultArchiveExpired)

	viperCfg.SetDefault("storage.sessions_dir", DefaultSessionsDir)
	viperCfg.SetDefault("storage.temp_dir", DefaultTempDir)
	viperCfg.SetDefault("storage.log_dir", DefaultLogDir)

	viperCfg.SetDefault("server.listen_addr", DefaultListenAddr)

	viperCfg.SetDefault("observability.log_level", DefaultLogLevel)
	viperCfg.SetDefault("observability.log_json", false)
}
