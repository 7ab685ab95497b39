package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultMaxConcurrentRequests, cfg.Processor.MaxConcurrentRequests)
	assert.Equal(t, DefaultMaxQueueSize, cfg.Processor.MaxQueueSize)
	assert.Equal(t, DefaultQueuePriorityLevels, cfg.Processor.QueuePriorityLevels)
	assert.InEpsilon(t, DefaultCPUCritical, cfg.Resources.CPU.Critical, 1e-9)
	assert.Equal(t, DefaultMonitorIntervalSeconds, cfg.Resources.MonitorIntervalSeconds)
	assert.Equal(t, DefaultCompletedRetentionHours, cfg.Maintenance.CompletedRetentionH)
	assert.True(t, cfg.Maintenance.ArchiveExpired)
	assert.Equal(t, DefaultSessionsDir, cfg.Storage.SessionsDir)
	assert.Equal(t, DefaultListenAddr, cfg.Server.ListenAddr)
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vidforge.yaml")

	content := `
processor:
  max_concurrent_requests: 12
resources:
  cpu:
    warning: 60
    critical: 80
rate_limit:
  search_api:
    capacity: 10
    refill_rps: 2
    per_minute: 60
    per_hour: 1000
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 12, cfg.Processor.MaxConcurrentRequests)
	assert.InEpsilon(t, 60.0, cfg.Resources.CPU.Warning, 1e-9)

	limit, ok := cfg.RateLimit["search_api"]
	require.True(t, ok)
	assert.InEpsilon(t, 10.0, limit.Capacity, 1e-9)
	assert.Equal(t, 60, limit.PerMinute)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("VIDFORGE_PROCESSOR_MAX_QUEUE_SIZE", "7")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Processor.MaxQueueSize)
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	valid := func() Config {
		return Config{
			Processor: ProcessorConfig{
				MaxConcurrentRequests: 5,
				MaxQueueSize:          100,
				WorkerTimeoutSeconds:  3600,
			},
			Resources: ResourcesConfig{
				CPU:                    ThresholdPair{Warning: 70, Critical: 85},
				Memory:                 ThresholdPair{Warning: 75, Critical: 90},
				Disk:                   ThresholdPair{Warning: 80, Critical: 95},
				MonitorIntervalSeconds: 5,
			},
			Maintenance: MaintenanceConfig{IntervalSeconds: 3600},
			Storage:     StorageConfig{SessionsDir: "sessions", TempDir: "tmp"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"valid", func(*Config) {}, nil},
		{"zero workers", func(c *Config) { c.Processor.MaxConcurrentRequests = 0 }, ErrInvalidMaxConcurrent},
		{"zero queue", func(c *Config) { c.Processor.MaxQueueSize = 0 }, ErrInvalidMaxQueueSize},
		{"zero timeout", func(c *Config) { c.Processor.WorkerTimeoutSeconds = 0 }, ErrInvalidWorkerTimeout},
		{"warning above critical", func(c *Config) { c.Resources.CPU = ThresholdPair{Warning: 90, Critical: 85} }, ErrInvalidThreshold},
		{"zero monitor interval", func(c *Config) { c.Resources.MonitorIntervalSeconds = 0 }, ErrInvalidMonitorInterval},
		{"zero maintenance interval", func(c *Config) { c.Maintenance.IntervalSeconds = 0 }, ErrInvalidMaintenanceInterval},
		{"negative retention", func(c *Config) { c.Maintenance.FailedRetentionH = -1 }, ErrInvalidRetention},
		{"bad service limit", func(c *Config) {
			c.RateLimit = map[string]ServiceLimit{"tts": {Capacity: 0, RefillRPS: 1}}
		}, ErrInvalidServiceLimit},
		{"missing sessions dir", func(c *Config) { c.Storage.SessionsDir = "" }, ErrMissingSessionsDir},
		{"missing temp dir", func(c *Config) { c.Storage.TempDir = "" }, ErrMissingTempDir},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := valid()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}
