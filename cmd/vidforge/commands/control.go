package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vidforge/vidforge/internal/config"
)

// ControlCommand holds the configuration shared by the processor control
// verbs: pause, resume, and stop.
type ControlCommand struct {
	configPath string
	addr       string
}

// stateResponse is the server's reply to a processor control request.
type stateResponse struct {
	State string `json:"state"`
}

// NewPauseCommand creates and configures the pause command.
func NewPauseCommand() *cobra.Command {
	cc := &ControlCommand{}

	cobraCmd := &cobra.Command{
		Use:   "pause",
		Short: "Pause job admission on a running server",
		Long: `Pause job admission. Queued jobs stay queued and running jobs finish;
nothing new starts until resume.`,
		RunE: cc.control("/v1/processor/pause"),
	}

	cc.bindFlags(cobraCmd)

	return cobraCmd
}

// NewResumeCommand creates and configures the resume command.
func NewResumeCommand() *cobra.Command {
	cc := &ControlCommand{}

	cobraCmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume job admission on a paused server",
		RunE:  cc.control("/v1/processor/resume"),
	}

	cc.bindFlags(cobraCmd)

	return cobraCmd
}

// NewStopCommand creates and configures the stop command.
func NewStopCommand() *cobra.Command {
	cc := &ControlCommand{}

	cobraCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the processor, draining active jobs",
		Long: `Stop the processor on a running server. Active jobs get a bounded
drain window; the control plane keeps serving status reads afterwards.`,
		RunE: cc.control("/v1/processor/stop"),
	}

	cc.bindFlags(cobraCmd)

	return cobraCmd
}

func (cc *ControlCommand) bindFlags(cobraCmd *cobra.Command) {
	flags := cobraCmd.Flags()
	flags.StringVarP(&cc.configPath, "config", "c", "", "Config file path")
	flags.StringVar(&cc.addr, "addr", "", "Server address (default: configured listen address)")
}

func (cc *ControlCommand) control(path string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(cc.configPath)
		if err != nil {
			return err
		}

		client := newAPIClient(cc.addr, cfg)

		var resp stateResponse

		err = client.post(path, nil, &resp)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Processor state: %s\n", resp.State)

		return nil
	}
}
