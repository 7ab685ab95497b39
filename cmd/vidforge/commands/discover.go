package commands

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/vidforge/vidforge/internal/config"
	"github.com/vidforge/vidforge/internal/session"
)

// DiscoverCommand holds the configuration for the discover command.
type DiscoverCommand struct {
	configPath string
	dir        string
	format     string
}

// NewDiscoverCommand creates and configures the discover command.
func NewDiscoverCommand() *cobra.Command {
	dc := &DiscoverCommand{}

	cobraCmd := &cobra.Command{
		Use:   "discover",
		Short: "Classify session snapshots on disk",
		Long: `Scan the sessions directory and classify every snapshot file as
valid, legacy, or corrupt. Legacy snapshots can be rewritten with the
remigrate command.`,
		RunE: dc.run,
	}

	flags := cobraCmd.Flags()
	flags.StringVarP(&dc.configPath, "config", "c", "", "Config file path")
	flags.StringVar(&dc.dir, "dir", "", "Sessions directory (default: configured sessions dir)")
	flags.StringVarP(&dc.format, "output", "o", formatTable, "Output format: table, json, yaml")

	return cobraCmd
}

func (dc *DiscoverCommand) run(cmd *cobra.Command, _ []string) error {
	dir := dc.dir
	if dir == "" {
		cfg, err := config.Load(dc.configPath)
		if err != nil {
			return err
		}

		dir = cfg.Storage.SessionsDir
	}

	entries, err := session.DiscoverSnapshots(dir)
	if err != nil {
		return err
	}

	counts := make(map[session.SnapshotKind]int)
	for _, entry := range entries {
		counts[entry.Kind]++
	}

	if dc.format != formatTable {
		return renderStructured(cmd.OutOrStdout(), dc.format, map[string]any{
			"dir":     dir,
			"entries": entries,
			"valid":   counts[session.SnapshotValid],
			"legacy":  counts[session.SnapshotLegacy],
			"corrupt": counts[session.SnapshotCorrupt],
		})
	}

	out := cmd.OutOrStdout()

	if len(entries) == 0 {
		fmt.Fprintf(out, "No snapshots in %s.\n", dir)

		return nil
	}

	tbl := newTable(out)
	tbl.AppendHeader(table.Row{"File", "Kind", "Session", "Detail"})

	for _, entry := range entries {
		tbl.AppendRow(table.Row{entry.Path, entry.Kind, entry.ID, entry.Detail})
	}

	tbl.Render()

	fmt.Fprintf(out, "%d valid, %d legacy, %d corrupt\n",
		counts[session.SnapshotValid],
		counts[session.SnapshotLegacy],
		counts[session.SnapshotCorrupt])

	if counts[session.SnapshotLegacy] > 0 {
		fmt.Fprintln(out, "Run 'vidforge remigrate --confirm' to rewrite legacy snapshots.")
	}

	return nil
}
