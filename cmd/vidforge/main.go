// Package main provides the entry point for the vidforge CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vidforge/vidforge/cmd/vidforge/commands"
	"github.com/vidforge/vidforge/pkg/version"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "vidforge",
		Short: "Vidforge - multi-tenant video generation job platform",
		Long: `Vidforge runs the video generation job platform core.

Commands:
  serve      Start the processor and control-plane HTTP server
  submit     Submit a generation job
  status     Show job or processor status
  sessions   List sessions
  pause      Pause job admission on a running server
  resume     Resume job admission
  stop       Stop the processor, draining active jobs
  loadtest   Run a synthetic load scenario
  cleanup    Run one maintenance sweep
  discover   Classify session snapshots on disk
  remigrate  Rewrite legacy snapshots into the canonical format
  log        Tail or export the service log`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(commands.NewServeCommand())
	rootCmd.AddCommand(commands.NewSubmitCommand())
	rootCmd.AddCommand(commands.NewStatusCommand())
	rootCmd.AddCommand(commands.NewSessionsCommand())
	rootCmd.AddCommand(commands.NewPauseCommand())
	rootCmd.AddCommand(commands.NewResumeCommand())
	rootCmd.AddCommand(commands.NewStopCommand())
	rootCmd.AddCommand(commands.NewLoadtestCommand())
	rootCmd.AddCommand(commands.NewCleanupCommand())
	rootCmd.AddCommand(commands.NewDiscoverCommand())
	rootCmd.AddCommand(commands.NewRemigrateCommand())
	rootCmd.AddCommand(commands.NewLogCommand())
	rootCmd.AddCommand(versionCmd())

	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(os.Stdout, "vidforge %s (commit: %s, built: %s)\n",
				version.Version, version.Commit, version.Date)
		},
	}
}
