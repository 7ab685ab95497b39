package commands

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/vidforge/vidforge/internal/config"
	"github.com/vidforge/vidforge/internal/governor"
	"github.com/vidforge/vidforge/internal/processor"
	"github.com/vidforge/vidforge/internal/progress"
	"github.com/vidforge/vidforge/internal/session"
)

// StatusCommand holds the configuration for the status command.
type StatusCommand struct {
	configPath string
	addr       string
	format     string
}

// NewStatusCommand creates and configures the status command.
func NewStatusCommand() *cobra.Command {
	sc := &StatusCommand{}

	cobraCmd := &cobra.Command{
		Use:   "status [session-id]",
		Short: "Show job status, or processor and resource status",
		Long: `With a session ID, show that job's status and per-stage progress.
Without arguments, show processor metrics and resource usage for the
running server.`,
		Args: cobra.MaximumNArgs(1),
		RunE: sc.run,
	}

	flags := cobraCmd.Flags()
	flags.StringVarP(&sc.configPath, "config", "c", "", "Config file path")
	flags.StringVar(&sc.addr, "addr", "", "Server address (default: configured listen address)")
	flags.StringVarP(&sc.format, "output", "o", formatTable, "Output format: table, json, yaml")

	return cobraCmd
}

func (sc *StatusCommand) run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(sc.configPath)
	if err != nil {
		return err
	}

	client := newAPIClient(sc.addr, cfg)

	if len(args) == 1 {
		return sc.showJob(cmd, client, args[0])
	}

	return sc.showSystem(cmd, client)
}

// jobStatus mirrors the server's job status payload.
type jobStatus struct {
	Session  session.Session  `json:"session"`
	Progress *progress.Report `json:"progress,omitempty"`
}

func (sc *StatusCommand) showJob(cmd *cobra.Command, client *apiClient, id string) error {
	var status jobStatus

	err := client.get("/v1/jobs/"+id, &status)
	if err != nil {
		return err
	}

	if sc.format != formatTable {
		return renderStructured(cmd.OutOrStdout(), sc.format, status)
	}

	out := cmd.OutOrStdout()
	sess := status.Session

	fmt.Fprintf(out, "Session:  %s\n", sess.ID)
	fmt.Fprintf(out, "Status:   %s\n", colorStatus(sess.Status))
	fmt.Fprintf(out, "Stage:    %s\n", sess.Stage)
	fmt.Fprintf(out, "Progress: %.1f%%\n", sess.Progress*100)
	fmt.Fprintf(out, "Created:  %s\n", humanize.Time(sess.CreatedAt))
	fmt.Fprintf(out, "Updated:  %s\n", humanize.Time(sess.UpdatedAt))

	if sess.EstimatedCompletion != nil {
		fmt.Fprintf(out, "ETA:      %s\n", humanize.Time(*sess.EstimatedCompletion))
	}

	if sess.Error != "" {
		fmt.Fprintf(out, "Error:    %s\n", sess.Error)
	}

	if status.Progress != nil {
		sc.renderStages(cmd, status.Progress)
	}

	return nil
}

func (sc *StatusCommand) renderStages(cmd *cobra.Command, report *progress.Report) {
	tbl := newTable(cmd.OutOrStdout())
	tbl.AppendHeader(table.Row{"Stage", "Progress"})

	for _, stage := range session.PipelineStages {
		stageProgress, ok := report.PerStage[stage]
		if !ok {
			continue
		}

		marker := ""
		if stage == report.CurrentStage {
			marker = " *"
		}

		tbl.AppendRow(table.Row{string(stage) + marker, fmt.Sprintf("%.0f%%", stageProgress.Progress*100)})
	}

	tbl.Render()
}

// systemStatus bundles the processor and resource views for structured output.
type systemStatus struct {
	Processor processor.Metrics `json:"processor"`
	Resources resourcesView     `json:"resources"`
}

type resourcesView struct {
	Usage        *governor.Usage       `json:"usage,omitempty"`
	Availability governor.Availability `json:"availability"`
	Alerts       []governor.Alert      `json:"alerts"`
}

func (sc *StatusCommand) showSystem(cmd *cobra.Command, client *apiClient) error {
	var status systemStatus

	err := client.get("/v1/metrics/processor", &status.Processor)
	if err != nil {
		return err
	}

	err = client.get("/v1/resources", &status.Resources)
	if err != nil {
		return err
	}

	if sc.format != formatTable {
		return renderStructured(cmd.OutOrStdout(), sc.format, status)
	}

	out := cmd.OutOrStdout()
	metrics := status.Processor

	fmt.Fprintf(out, "Processor: %s\n", metrics.State)
	fmt.Fprintf(out, "Workers:   %d active (%.0f%% utilization)\n", metrics.ActiveWorkers, metrics.Utilization*100)
	fmt.Fprintf(out, "Queue:     %d deep", metrics.QueueDepth)

	for _, priority := range []string{"urgent", "high", "normal", "low"} {
		if n := metrics.QueueByPriority[priority]; n > 0 {
			fmt.Fprintf(out, "  %s=%d", priority, n)
		}
	}

	fmt.Fprintln(out)
	fmt.Fprintf(out, "Jobs:      %d submitted, %d completed, %d failed, %d cancelled, %d rejected\n",
		metrics.Submitted, metrics.Completed, metrics.Failed, metrics.Cancelled, metrics.Rejected)

	if metrics.Completed > 0 {
		fmt.Fprintf(out, "Timing:    avg %s, p95 %s\n",
			(time.Duration(metrics.AvgProcessingSeconds * float64(time.Second))).Round(time.Millisecond),
			(time.Duration(metrics.P95ProcessingSeconds * float64(time.Second))).Round(time.Millisecond))
	}

	if usage := status.Resources.Usage; usage != nil {
		fmt.Fprintf(out, "Host:      cpu %.1f%%, mem %.1f%% (%.1f GB free), disk %.1f%% (%.1f GB free)\n",
			usage.CPUPercent, usage.MemoryPercent, usage.MemAvailableGB,
			usage.DiskPercent, usage.DiskFreeGB)
	}

	avail := status.Resources.Availability
	fmt.Fprintf(out, "Allocated: %.1f cores, %s memory, %s disk\n",
		avail.AllocatedCPU,
		humanize.IBytes(uint64(avail.AllocatedMem)*1024*1024),
		humanize.IBytes(uint64(avail.AllocatedDsk)*1024*1024))

	if alerts := status.Resources.Alerts; len(alerts) > 0 {
		latest := alerts[len(alerts)-1]
		fmt.Fprintf(out, "Alerts:    %d recent (latest: %s %s at %.1f%%)\n",
			len(alerts), latest.Resource, latest.LevelName, latest.Value)
	}

	return nil
}
