package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vidforge/vidforge/internal/config"
	"github.com/vidforge/vidforge/internal/session"
)

// ErrNotConfirmed indicates remigrate was invoked without --confirm.
var ErrNotConfirmed = errors.New("remigrate rewrites snapshot files in place; re-run with --confirm")

// RemigrateCommand holds the configuration for the remigrate command.
type RemigrateCommand struct {
	configPath string
	dir        string
	confirm    bool
}

// NewRemigrateCommand creates and configures the remigrate command.
func NewRemigrateCommand() *cobra.Command {
	rc := &RemigrateCommand{}

	cobraCmd := &cobra.Command{
		Use:   "remigrate",
		Short: "Rewrite legacy snapshots into the canonical format",
		Long: `Rewrite every legacy session snapshot in the sessions directory
into the canonical atomic format, normalizing file names to <id>.json.
Valid snapshots are left untouched; corrupt ones are reported and skipped.
Requires --confirm because files are rewritten in place.`,
		RunE: rc.run,
	}

	flags := cobraCmd.Flags()
	flags.StringVarP(&rc.configPath, "config", "c", "", "Config file path")
	flags.StringVar(&rc.dir, "dir", "", "Sessions directory (default: configured sessions dir)")
	flags.BoolVar(&rc.confirm, "confirm", false, "Actually rewrite files")

	return cobraCmd
}

func (rc *RemigrateCommand) run(cmd *cobra.Command, _ []string) error {
	if !rc.confirm {
		return ErrNotConfirmed
	}

	dir := rc.dir
	if dir == "" {
		cfg, err := config.Load(rc.configPath)
		if err != nil {
			return err
		}

		dir = cfg.Storage.SessionsDir
	}

	result, err := session.Remigrate(dir)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Migrated: %d\n", result.Migrated)
	fmt.Fprintf(out, "Valid:    %d\n", result.Valid)
	fmt.Fprintf(out, "Corrupt:  %d\n", result.Corrupt)

	return nil
}
