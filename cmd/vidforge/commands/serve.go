package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vidforge/vidforge/internal/agent"
	"github.com/vidforge/vidforge/internal/config"
	"github.com/vidforge/vidforge/internal/governor"
	"github.com/vidforge/vidforge/internal/maintenance"
	"github.com/vidforge/vidforge/internal/observability"
	"github.com/vidforge/vidforge/internal/processor"
	"github.com/vidforge/vidforge/internal/progress"
	"github.com/vidforge/vidforge/internal/ratelimit"
	"github.com/vidforge/vidforge/internal/server"
	"github.com/vidforge/vidforge/internal/session"
	"github.com/vidforge/vidforge/pkg/version"
)

// logFileName is the service log inside storage.log_dir, shared with the
// log command.
const logFileName = "vidforge.log"

// Shutdown budgets.
const (
	drainTimeout        = 30 * time.Second
	httpShutdownTimeout = 15 * time.Second
)

// storageDirPerm is the mode for created storage directories.
const storageDirPerm = 0o750

// ServeCommand holds the configuration for the serve command.
type ServeCommand struct {
	configPath string
}

// NewServeCommand creates and configures the serve command.
func NewServeCommand() *cobra.Command {
	sc := &ServeCommand{}

	cobraCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the processor and control-plane HTTP server",
		Long: `Start the full platform: session store, resource governor, rate
limiter, concurrent processor, maintenance sweeper, and the control-plane
HTTP API. Runs until SIGINT or SIGTERM, then drains gracefully.`,
		RunE: sc.run,
	}

	cobraCmd.Flags().StringVarP(&sc.configPath, "config", "c", "", "Config file path (default: .vidforge.yaml in CWD or $HOME)")

	return cobraCmd
}

func (sc *ServeCommand) run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(sc.configPath)
	if err != nil {
		return err
	}

	for _, dir := range []string{cfg.Storage.SessionsDir, cfg.Storage.TempDir, cfg.Storage.LogDir} {
		mkdirErr := os.MkdirAll(dir, storageDirPerm)
		if mkdirErr != nil {
			return fmt.Errorf("create storage dir %s: %w", dir, mkdirErr)
		}
	}

	logFile, err := os.OpenFile(
		filepath.Join(cfg.Storage.LogDir, logFileName),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	providers, err := observability.Init(observability.Config{
		ServiceName:    "vidforge",
		ServiceVersion: version.Version,
		Environment:    "production",
		OTLPEndpoint:   cfg.Observability.OTLPEndpoint,
		OTLPInsecure:   cfg.Observability.OTLPInsecure,
		LogLevel:       observability.ParseLevel(cfg.Observability.LogLevel),
		LogJSON:        cfg.Observability.LogJSON,
		LogWriter:      io.MultiWriter(os.Stderr, logFile),
	})
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}

	logger := providers.Logger
	logger.Info("starting vidforge", "version", version.Version)

	store, err := session.NewStore(cfg.Storage.SessionsDir, logger)
	if err != nil {
		return err
	}

	totals := governor.Totals{
		CPUCores: cfg.Resources.TotalCPUCores,
		MemoryMB: cfg.Resources.TotalMemoryMB,
		DiskMB:   cfg.Resources.TotalDiskMB,
	}

	if totals.CPUCores == 0 || totals.MemoryMB == 0 || totals.DiskMB == 0 {
		detected, detectErr := governor.DetectTotals("")
		if detectErr != nil {
			return fmt.Errorf("detect host capacity: %w", detectErr)
		}

		totals = detected
		logger.Info("host capacity detected",
			"cpu_cores", totals.CPUCores,
			"memory_mb", totals.MemoryMB,
			"disk_mb", totals.DiskMB)
	}

	gov := governor.New(cfg.Resources, totals, nil, logger)
	gov.StartMonitoring()
	defer gov.StopMonitoring()

	limiter := ratelimit.New(cfg.RateLimit, logger)
	defer limiter.Close()

	metrics, err := observability.NewPipelineMetrics(providers.Meter)
	if err != nil {
		return fmt.Errorf("create pipeline metrics: %w", err)
	}

	tracker := progress.NewTracker(store)
	pipeline := agent.NewSimulatedPipeline(limiter, logger, agent.SimulatedOptions{Metrics: metrics})

	proc, err := processor.New(cfg.Processor, store, tracker, gov, pipeline, metrics, logger)
	if err != nil {
		return err
	}

	err = proc.Start()
	if err != nil {
		return err
	}

	sweeper := maintenance.New(cfg.Maintenance, cfg.Storage, store, gov, logger)
	sweeper.Start()
	defer sweeper.Stop()

	srv, err := server.New(cfg.Server, store, proc, tracker, gov, limiter, logger)
	if err != nil {
		return err
	}

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- srv.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case serveErr := <-serveErrCh:
		if serveErr != nil {
			logger.Error("server failed", "error", serveErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(cmd.Context(), httpShutdownTimeout)
	defer cancel()

	shutdownErr := srv.Shutdown(shutdownCtx)
	if shutdownErr != nil {
		logger.Error("http shutdown failed", "error", shutdownErr)
	}

	stopErr := proc.Stop(drainTimeout)
	if stopErr != nil {
		logger.Error("processor stop failed", "error", stopErr)
	}

	flushErr := providers.Shutdown(context.Background())
	if flushErr != nil {
		logger.Error("telemetry flush failed", "error", flushErr)
	}

	logger.Info("vidforge stopped")

	return nil
}
