package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/vidforge/vidforge/internal/config"
	"github.com/vidforge/vidforge/internal/processor"
	"github.com/vidforge/vidforge/internal/session"
)

// ErrJobFailed indicates a watched job ended in a failed status.
var ErrJobFailed = errors.New("job failed")

// watchPollInterval is how often --wait polls the job status.
const watchPollInterval = 1 * time.Second

// SubmitCommand holds the configuration for the submit command.
type SubmitCommand struct {
	configPath string
	addr       string
	prompt     string
	duration   int
	quality    string
	style      string
	voice      string
	priority   string
	userID     string
	wait       bool
}

// NewSubmitCommand creates and configures the submit command.
func NewSubmitCommand() *cobra.Command {
	sc := &SubmitCommand{}

	cobraCmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a video generation job",
		Long: `Submit a job to a running vidforge server. Prints the assigned
session ID and queue position. With --wait, polls until the job reaches a
terminal status and exits non-zero if it failed.`,
		RunE: sc.run,
	}

	flags := cobraCmd.Flags()
	flags.StringVarP(&sc.configPath, "config", "c", "", "Config file path")
	flags.StringVar(&sc.addr, "addr", "", "Server address (default: configured listen address)")
	flags.StringVarP(&sc.prompt, "prompt", "p", "", "Video prompt (required)")
	flags.IntVarP(&sc.duration, "duration", "d", 60, "Target video duration in seconds (10-600)")
	flags.StringVarP(&sc.quality, "quality", "q", string(session.QualityMedium), "Quality tier: low, medium, high, ultra")
	flags.StringVar(&sc.style, "style", "", "Visual style hint")
	flags.StringVar(&sc.voice, "voice", "", "Narration voice hint")
	flags.StringVar(&sc.priority, "priority", "", "Queue priority: urgent, high, normal, low (default: normal)")
	flags.StringVarP(&sc.userID, "user", "u", "", "Submitting user ID")
	flags.BoolVarP(&sc.wait, "wait", "w", false, "Block until the job reaches a terminal status")

	_ = cobraCmd.MarkFlagRequired("prompt")

	return cobraCmd
}

func (sc *SubmitCommand) run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(sc.configPath)
	if err != nil {
		return err
	}

	client := newAPIClient(sc.addr, cfg)

	payload := processor.Submission{
		JobRequest: session.JobRequest{
			Prompt:          sc.prompt,
			DurationSeconds: sc.duration,
			Style:           sc.style,
			Voice:           sc.voice,
			Quality:         session.Quality(sc.quality),
		},
		Priority: sc.priority,
		UserID:   sc.userID,
	}

	var accepted struct {
		SessionID           string         `json:"session_id"`
		Status              session.Status `json:"status"`
		Priority            string         `json:"priority"`
		QueuePosition       int            `json:"queue_position"`
		EstimatedProcessing string         `json:"estimated_processing"`
	}

	err = client.post("/v1/jobs", payload, &accepted)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Session:   %s\n", accepted.SessionID)
	fmt.Fprintf(out, "Status:    %s\n", accepted.Status)
	fmt.Fprintf(out, "Priority:  %s\n", accepted.Priority)

	if accepted.QueuePosition > 0 {
		fmt.Fprintf(out, "Position:  %d\n", accepted.QueuePosition)
	}

	fmt.Fprintf(out, "Estimated: %s\n", accepted.EstimatedProcessing)

	if !sc.wait {
		return nil
	}

	return sc.watch(cmd, client, accepted.SessionID)
}

// watch polls the job until it reaches a terminal status, printing stage
// transitions as they happen.
func (sc *SubmitCommand) watch(cmd *cobra.Command, client *apiClient, id string) error {
	out := cmd.OutOrStdout()
	lastStage := session.Stage("")

	for {
		select {
		case <-cmd.Context().Done():
			return cmd.Context().Err()
		case <-time.After(watchPollInterval):
		}

		var status struct {
			Session session.Session `json:"session"`
		}

		err := client.get("/v1/jobs/"+id, &status)
		if err != nil {
			return err
		}

		sess := status.Session
		if sess.Stage != lastStage {
			fmt.Fprintf(out, "  %s (%.0f%%)\n", sess.Stage, sess.Progress*100)
			lastStage = sess.Stage
		}

		switch sess.Status {
		case session.StatusCompleted:
			color.Green("Job %s completed", id)

			return nil
		case session.StatusFailed:
			color.Red("Job %s failed: %s", id, sess.Error)

			return fmt.Errorf("%w: %s", ErrJobFailed, sess.Error)
		case session.StatusCancelled:
			color.Yellow("Job %s cancelled", id)

			return nil
		case session.StatusQueued, session.StatusProcessing:
		}
	}
}
