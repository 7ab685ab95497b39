package commands

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/vidforge/vidforge/internal/config"
	"github.com/vidforge/vidforge/internal/maintenance"
	"github.com/vidforge/vidforge/internal/observability"
	"github.com/vidforge/vidforge/internal/session"
)

// CleanupCommand holds the configuration for the cleanup command.
type CleanupCommand struct {
	configPath string
	format     string
}

// NewCleanupCommand creates and configures the cleanup command.
func NewCleanupCommand() *cobra.Command {
	cc := &CleanupCommand{}

	cobraCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Run one maintenance sweep",
		Long: `Run a single maintenance pass over local storage: expire terminal
sessions past retention, sweep temp and log entries, and remove orphaned
files. Run this against storage that is not being served; a running server
sweeps on its own schedule.`,
		RunE: cc.run,
	}

	flags := cobraCmd.Flags()
	flags.StringVarP(&cc.configPath, "config", "c", "", "Config file path")
	flags.StringVarP(&cc.format, "output", "o", formatTable, "Output format: table, json, yaml")

	return cobraCmd
}

func (cc *CleanupCommand) run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cc.configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: observability.ParseLevel(cfg.Observability.LogLevel),
	}))

	store, err := session.NewStore(cfg.Storage.SessionsDir, logger)
	if err != nil {
		return err
	}

	sweeper := maintenance.New(cfg.Maintenance, cfg.Storage, store, nil, logger)
	report := sweeper.RunOnce()

	if cc.format != formatTable {
		return renderStructured(cmd.OutOrStdout(), cc.format, report)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Expired sessions:  %d (%d archived)\n", report.ExpiredSessions, report.ArchivedSessions)
	fmt.Fprintf(out, "Disk relief:       %d evicted\n", report.DiskReliefEvictd)
	fmt.Fprintf(out, "Temp entries:      %d swept (%d orphans)\n", report.TempEntriesSwept, report.OrphansSwept)
	fmt.Fprintf(out, "Log files:         %d swept\n", report.LogFilesSwept)
	fmt.Fprintf(out, "Space reclaimed:   %s\n", humanize.IBytes(uint64(report.BytesReclaimed)))
	fmt.Fprintf(out, "Duration:          %s\n", report.Duration.Round(time.Millisecond))

	for _, sweepErr := range report.Errors {
		fmt.Fprintf(out, "Warning: %s\n", sweepErr)
	}

	return nil
}
