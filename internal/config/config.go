// Package config defines the vidforge configuration record and its loader.
// Configuration comes from a YAML file, VIDFORGE_-prefixed environment
// variables, and compiled-in defaults, in that order of precedence.
package config

import "errors"

// Config is the top-level configuration struct for vidforge.
// Field tags use mapstructure for viper unmarshalling.
type Config struct {
	Processor     ProcessorConfig         `mapstructure:"processor"`
	Resources     ResourcesConfig         `mapstructure:"resources"`
	Maintenance   MaintenanceConfig       `mapstructure:"maintenance"`
	RateLimit     map[string]ServiceLimit `mapstructure:"rate_limit"`
	Storage       StorageConfig           `mapstructure:"storage"`
	Server        ServerConfig            `mapstructure:"server"`
	Observability ObservabilityConfig     `mapstructure:"observability"`
}

// ProcessorConfig holds the scheduler knobs.
type ProcessorConfig struct {
	MaxConcurrentRequests int      `mapstructure:"max_concurrent_requests"`
	MaxQueueSize          int      `mapstructure:"max_queue_size"`
	QueuePriorityLevels   []string `mapstructure:"queue_priority_levels"`
	WorkerTimeoutSeconds  int      `mapstructure:"worker_timeout_seconds"`
}

// ThresholdPair holds warning and critical percentages for one resource
// dimension.
type ThresholdPair struct {
	Warning  float64 `mapstructure:"warning"`
	Critical float64 `mapstructure:"critical"`
}

// ResourcesConfig holds governor thresholds and the sampling interval.
// The Total* fields size the logical allocation ledger; zero means derive
// from the host at startup.
type ResourcesConfig struct {
	CPU                    ThresholdPair `mapstructure:"cpu"`
	Memory                 ThresholdPair `mapstructure:"memory"`
	Disk                   ThresholdPair `mapstructure:"disk"`
	MonitorIntervalSeconds int           `mapstructure:"monitor_interval_seconds"`
	TotalCPUCores          float64       `mapstructure:"total_cpu_cores"`
	TotalMemoryMB          int           `mapstructure:"total_memory_mb"`
	TotalDiskMB            int           `mapstructure:"total_disk_mb"`
}

// MaintenanceConfig holds sweeper intervals and retention windows.
type MaintenanceConfig struct {
	IntervalSeconds     int  `mapstructure:"interval_seconds"`
	FailedRetentionH    int  `mapstructure:"failed_retention_hours"`
	CompletedRetentionH int  `mapstructure:"completed_retention_hours"`
	CancelledRetentionH int  `mapstructure:"cancelled_retention_hours"`
	TempFileMaxAgeH     int  `mapstructure:"temp_file_max_age_hours"`
	LogMaxAgeDays       int  `mapstructure:"log_max_age_days"`
	ArchiveExpired      bool `mapstructure:"archive_expired"`
}

// ServiceLimit declares a rate-limited upstream service.
type ServiceLimit struct {
	Capacity  float64 `mapstructure:"capacity"`
	RefillRPS float64 `mapstructure:"refill_rps"`
	PerMinute int     `mapstructure:"per_minute"`
	PerHour   int     `mapstructure:"per_hour"`
}

// StorageConfig holds filesystem locations.
type StorageConfig struct {
	SessionsDir string `mapstructure:"sessions_dir"`
	TempDir     string `mapstructure:"temp_dir"`
	LogDir      string `mapstructure:"log_dir"`
}

// ServerConfig holds the control-plane HTTP server settings.
type ServerConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// ObservabilityConfig holds telemetry export and logging settings.
type ObservabilityConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	OTLPInsecure bool   `mapstructure:"otlp_insecure"`
	LogLevel     string `mapstructure:"log_level"`
	LogJSON      bool   `mapstructure:"log_json"`
}

// maxPercent is the upper bound for threshold percentages.
const maxPercent = 100.0

// Sentinel errors for configuration validation.
var (
	// ErrInvalidMaxConcurrent indicates max_concurrent_requests is not positive.
	ErrInvalidMaxConcurrent = errors.New("processor.max_concurrent_requests must be positive")
	// ErrInvalidMaxQueueSize indicates max_queue_size is not positive.
	ErrInvalidMaxQueueSize = errors.New("processor.max_queue_size must be positive")
	// ErrInvalidWorkerTimeout indicates worker_timeout_seconds is not positive.
	ErrInvalidWorkerTimeout = errors.New("processor.worker_timeout_seconds must be positive")
	// ErrInvalidThreshold indicates a threshold is outside (0, 100] or
	// warning exceeds critical.
	ErrInvalidThreshold = errors.New("resource threshold must satisfy 0 < warning <= critical <= 100")
	// ErrInvalidMonitorInterval indicates monitor_interval_seconds is not positive.
	ErrInvalidMonitorInterval = errors.New("resources.monitor_interval_seconds must be positive")
	// ErrInvalidMaintenanceInterval indicates interval_seconds is not positive.
	ErrInvalidMaintenanceInterval = errors.New("maintenance.interval_seconds must be positive")
	// ErrInvalidRetention indicates a retention window is negative.
	ErrInvalidRetention = errors.New("maintenance retention windows must be non-negative")
	// ErrInvalidServiceLimit indicates a rate-limit service has a non-positive
	// capacity or refill rate.
	ErrInvalidServiceLimit = errors.New("rate_limit service capacity and refill_rps must be positive")
	// ErrMissingSessionsDir indicates storage.sessions_dir is empty.
	ErrMissingSessionsDir = errors.New("storage.sessions_dir must not be empty")
	// ErrMissingTempDir indicates storage.temp_dir is empty.
	ErrMissingTempDir = errors.New("storage.temp_dir must not be empty")
)

// Validate checks Config invariants and returns the first error found.
func (c *Config) Validate() error {
	processorErr := c.validateProcessor()
	if processorErr != nil {
		return processorErr
	}

	resourcesErr := c.validateResources()
	if resourcesErr != nil {
		return resourcesErr
	}

	maintenanceErr := c.validateMaintenance()
	if maintenanceErr != nil {
		return maintenanceErr
	}

	for _, limit := range c.RateLimit {
		if limit.Capacity <= 0 || limit.RefillRPS <= 0 {
			return ErrInvalidServiceLimit
		}
	}

	return c.validateStorage()
}

func (c *Config) validateProcessor() error {
	if c.Processor.MaxConcurrentRequests <= 0 {
		return ErrInvalidMaxConcurrent
	}

	if c.Processor.MaxQueueSize <= 0 {
		return ErrInvalidMaxQueueSize
	}

	if c.Processor.WorkerTimeoutSeconds <= 0 {
		return ErrInvalidWorkerTimeout
	}

	return nil
}

func (c *Config) validateResources() error {
	for _, pair := range []ThresholdPair{c.Resources.CPU, c.Resources.Memory, c.Resources.Disk} {
		if pair.Warning <= 0 || pair.Warning > pair.Critical || pair.Critical > maxPercent {
			return ErrInvalidThreshold
		}
	}

	if c.Resources.MonitorIntervalSeconds <= 0 {
		return ErrInvalidMonitorInterval
	}

	return nil
}

func (c *Config) validateMaintenance() error {
	if c.Maintenance.IntervalSeconds <= 0 {
		return ErrInvalidMaintenanceInterval
	}

	if c.Maintenance.FailedRetentionH < 0 ||
		c.Maintenance.CompletedRetentionH < 0 ||
		c.Maintenance.CancelledRetentionH < 0 {
		return ErrInvalidRetention
	}

	return nil
}

func (c *Config) validateStorage() error {
	if c.Storage.SessionsDir == "" {
		return ErrMissingSessionsDir
	}

	if c.Storage.TempDir == "" {
		return ErrMissingTempDir
	}

	return nil
}
