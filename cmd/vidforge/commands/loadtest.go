package commands

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/vidforge/vidforge/internal/agent"
	"github.com/vidforge/vidforge/internal/config"
	"github.com/vidforge/vidforge/internal/governor"
	"github.com/vidforge/vidforge/internal/loadgen"
	"github.com/vidforge/vidforge/internal/observability"
	"github.com/vidforge/vidforge/internal/processor"
	"github.com/vidforge/vidforge/internal/progress"
	"github.com/vidforge/vidforge/internal/ratelimit"
	"github.com/vidforge/vidforge/internal/session"
)

// defaultTimeScale compresses simulated stage durations so a load run
// finishes in wall-clock minutes instead of hours.
const defaultTimeScale = 0.01

// loadtestDrainTimeout bounds the processor drain after a run.
const loadtestDrainTimeout = 10 * time.Second

// LoadtestCommand holds the configuration for the loadtest command.
type LoadtestCommand struct {
	configPath   string
	profile      string
	users        int
	requests     int
	duration     time.Duration
	scenarioPath string
	exportPath   string
	timeScale    float64
	priority     string
}

// NewLoadtestCommand creates and configures the loadtest command.
func NewLoadtestCommand() *cobra.Command {
	lc := &LoadtestCommand{}

	cobraCmd := &cobra.Command{
		Use:   "loadtest",
		Short: "Run a synthetic load scenario",
		Long: `Run a load scenario against an in-process stack backed by temporary
storage. Virtual users submit simulated jobs and poll them to a terminal
status; the run ends with an accounting summary where every submitted job
is completed, failed, cancelled, or unsettled.`,
		RunE: lc.run,
	}

	flags := cobraCmd.Flags()
	flags.StringVarP(&lc.configPath, "config", "c", "", "Config file path")
	flags.StringVarP(&lc.profile, "profile", "p", string(loadgen.ProfileConstantLoad), "Load profile: constant-load, ramp-up, spike, stress, endurance, burst")
	flags.IntVarP(&lc.users, "users", "u", 5, "Concurrent virtual users")
	flags.IntVarP(&lc.requests, "requests", "r", 0, "Requests per user (0 = unlimited)")
	flags.DurationVarP(&lc.duration, "duration", "d", time.Minute, "Run duration")
	flags.StringVar(&lc.scenarioPath, "scenario", "", "YAML scenario file (overrides profile/users/duration flags)")
	flags.StringVar(&lc.exportPath, "export", "", "Write the run result as JSON to this file")
	flags.Float64Var(&lc.timeScale, "time-scale", defaultTimeScale, "Simulated stage duration multiplier")
	flags.StringVar(&lc.priority, "priority", "", "Submission priority (default: normal)")

	return cobraCmd
}

func (lc *LoadtestCommand) run(cmd *cobra.Command, _ []string) error {
	scenario, err := lc.buildScenario()
	if err != nil {
		return err
	}

	cfg, err := config.Load(lc.configPath)
	if err != nil {
		return err
	}

	workDir, err := os.MkdirTemp("", "vidforge-loadtest-*")
	if err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: observability.ParseLevel(cfg.Observability.LogLevel),
	}))

	store, err := session.NewStore(filepath.Join(workDir, "sessions"), logger)
	if err != nil {
		return err
	}

	totals := governor.Totals{
		CPUCores: cfg.Resources.TotalCPUCores,
		MemoryMB: cfg.Resources.TotalMemoryMB,
		DiskMB:   cfg.Resources.TotalDiskMB,
	}

	if totals.CPUCores == 0 || totals.MemoryMB == 0 || totals.DiskMB == 0 {
		totals, err = governor.DetectTotals("")
		if err != nil {
			return fmt.Errorf("detect host capacity: %w", err)
		}
	}

	gov := governor.New(cfg.Resources, totals, nil, logger)
	gov.StartMonitoring()
	defer gov.StopMonitoring()

	limiter := ratelimit.New(cfg.RateLimit, logger)
	defer limiter.Close()

	pipeline := agent.NewSimulatedPipeline(limiter, logger, agent.SimulatedOptions{TimeScale: lc.timeScale})

	proc, err := processor.New(cfg.Processor, store, progress.NewTracker(store), gov, pipeline, nil, logger)
	if err != nil {
		return err
	}

	err = proc.Start()
	if err != nil {
		return err
	}
	defer proc.Stop(loadtestDrainTimeout) //nolint:errcheck // scratch stack teardown

	gen := loadgen.NewGenerator(proc, gov, logger)

	fmt.Fprintf(cmd.OutOrStdout(), "Running %s: %d users for %s\n",
		scenario.Profile, scenario.Users, scenario.Duration)

	result, err := gen.Run(cmd.Context(), scenario)
	if err != nil {
		return err
	}

	lc.renderResult(cmd, result)

	if lc.exportPath != "" {
		exportErr := result.WriteJSON(lc.exportPath)
		if exportErr != nil {
			return exportErr
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Result written to %s\n", lc.exportPath)
	}

	return nil
}

// buildScenario resolves the scenario from a YAML file or from flags.
func (lc *LoadtestCommand) buildScenario() (loadgen.Scenario, error) {
	if lc.scenarioPath != "" {
		return loadgen.LoadScenario(lc.scenarioPath)
	}

	profile, err := loadgen.ParseProfile(lc.profile)
	if err != nil {
		return loadgen.Scenario{}, err
	}

	scenario := loadgen.Scenario{
		Name:            "cli",
		Profile:         profile,
		Users:           lc.users,
		RequestsPerUser: lc.requests,
		Duration:        lc.duration,
		Priority:        lc.priority,
	}

	err = scenario.Validate()
	if err != nil {
		return loadgen.Scenario{}, err
	}

	return scenario, nil
}

func (lc *LoadtestCommand) renderResult(cmd *cobra.Command, result loadgen.Result) {
	tbl := newTable(cmd.OutOrStdout())
	tbl.AppendHeader(table.Row{"Outcome", "Count"})
	tbl.AppendRow(table.Row{"submitted", result.Submitted})
	tbl.AppendRow(table.Row{"completed", result.Completed})
	tbl.AppendRow(table.Row{"failed", result.Failed})
	tbl.AppendRow(table.Row{"cancelled", result.Cancelled})
	tbl.AppendRow(table.Row{"unsettled", result.Unsettled})
	tbl.AppendRow(table.Row{"rejected", result.Rejected})
	tbl.Render()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Elapsed:  %s\n", result.EndedAt.Sub(result.StartedAt).Round(time.Millisecond))
	fmt.Fprintf(out, "Rate:     %.2f req/s, %.0f%% success, peak %d in flight\n",
		result.RequestsPerSecond, result.SuccessRate*100, result.PeakConcurrency)

	latency := result.LatencySeconds
	if latency.Max > 0 {
		fmt.Fprintf(out, "Latency:  mean %.2fs, p95 %.2fs, max %.2fs\n",
			latency.Mean, latency.P95, latency.Max)
	}

	if len(result.ResourceSnapshots) > 0 {
		last := result.ResourceSnapshots[len(result.ResourceSnapshots)-1]
		fmt.Fprintf(out, "Host:     cpu %.1f%%, mem %.1f%%, disk %.1f%% at run end\n",
			last.CPUPercent, last.MemoryPercent, last.DiskPercent)
	}
}
