package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vidforge/vidforge/internal/config"
)

// defaultLogLines is how many trailing lines the log command prints.
const defaultLogLines = 100

// logFilePerm is the mode for exported log copies.
const logFilePerm = 0o600

// LogCommand holds the configuration for the log command.
type LogCommand struct {
	configPath string
	outPath    string
	lines      int
}

// NewLogCommand creates and configures the log command.
func NewLogCommand() *cobra.Command {
	lc := &LogCommand{}

	cobraCmd := &cobra.Command{
		Use:   "log",
		Short: "Tail or export the service log",
		Long: `Print the last lines of the service log file. With --output, copy
the whole log to a file instead.`,
		RunE: lc.run,
	}

	flags := cobraCmd.Flags()
	flags.StringVarP(&lc.configPath, "config", "c", "", "Config file path")
	flags.StringVarP(&lc.outPath, "output", "o", "", "Export the full log to this file")
	flags.IntVarP(&lc.lines, "lines", "n", defaultLogLines, "Trailing lines to print")

	return cobraCmd
}

func (lc *LogCommand) run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(lc.configPath)
	if err != nil {
		return err
	}

	logPath := filepath.Join(cfg.Storage.LogDir, logFileName)

	data, err := os.ReadFile(logPath)
	if err != nil {
		return fmt.Errorf("read service log: %w", err)
	}

	if lc.outPath != "" {
		writeErr := os.WriteFile(lc.outPath, data, logFilePerm)
		if writeErr != nil {
			return fmt.Errorf("export log: %w", writeErr)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Exported %d bytes to %s\n", len(data), lc.outPath)

		return nil
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if lc.lines > 0 && len(lines) > lc.lines {
		lines = lines[len(lines)-lc.lines:]
	}

	for _, line := range lines {
		fmt.Fprintln(cmd.OutOrStdout(), line)
	}

	return nil
}
