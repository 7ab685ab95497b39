package commands

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/vidforge/vidforge/internal/config"
	"github.com/vidforge/vidforge/internal/session"
)

// SessionsCommand holds the configuration for the sessions command.
type SessionsCommand struct {
	configPath string
	addr       string
	format     string
	userID     string
	status     string
	limit      int
}

// NewSessionsCommand creates and configures the sessions command.
func NewSessionsCommand() *cobra.Command {
	sc := &SessionsCommand{}

	cobraCmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions, newest first",
		RunE:  sc.run,
	}

	flags := cobraCmd.Flags()
	flags.StringVarP(&sc.configPath, "config", "c", "", "Config file path")
	flags.StringVar(&sc.addr, "addr", "", "Server address (default: configured listen address)")
	flags.StringVarP(&sc.format, "output", "o", formatTable, "Output format: table, json, yaml")
	flags.StringVarP(&sc.userID, "user", "u", "", "Only sessions owned by this user")
	flags.StringVarP(&sc.status, "status", "s", "", "Only sessions with this status")
	flags.IntVarP(&sc.limit, "limit", "n", 20, "Maximum sessions to list (0 = all)")

	return cobraCmd
}

func (sc *SessionsCommand) run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(sc.configPath)
	if err != nil {
		return err
	}

	client := newAPIClient(sc.addr, cfg)

	query := url.Values{}
	if sc.userID != "" {
		query.Set("user_id", sc.userID)
	}

	if sc.status != "" {
		query.Set("status", sc.status)
	}

	if sc.limit > 0 {
		query.Set("limit", strconv.Itoa(sc.limit))
	}

	path := "/v1/sessions"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var listing struct {
		Sessions []session.Session `json:"sessions"`
		Count    int               `json:"count"`
	}

	err = client.get(path, &listing)
	if err != nil {
		return err
	}

	if sc.format != formatTable {
		return renderStructured(cmd.OutOrStdout(), sc.format, listing)
	}

	if len(listing.Sessions) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No sessions.")

		return nil
	}

	tbl := newTable(cmd.OutOrStdout())
	tbl.AppendHeader(table.Row{"ID", "User", "Status", "Stage", "Progress", "Quality", "Created"})

	for _, sess := range listing.Sessions {
		tbl.AppendRow(table.Row{
			sess.ID,
			sess.UserID,
			colorStatus(sess.Status),
			sess.Stage,
			fmt.Sprintf("%.0f%%", sess.Progress*100),
			sess.Request.Quality,
			humanize.Time(sess.CreatedAt),
		})
	}

	tbl.AppendFooter(table.Row{fmt.Sprintf("Total: %d", listing.Count)})
	tbl.Render()

	return nil
}
