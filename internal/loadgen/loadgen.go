// Package loadgen drives synthetic job traffic against the processor: six
// submission profiles, virtual users that poll their jobs to completion, and
// a result summary with latency percentiles and resource snapshots.
package loadgen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vidforge/vidforge/internal/governor"
	"github.com/vidforge/vidforge/internal/processor"
	"github.com/vidforge/vidforge/internal/session"
	"github.com/vidforge/vidforge/pkg/stats"
)

// Profile names a submission pattern.
type Profile string

// Supported load profiles.
const (
	ProfileConstantLoad Profile = "constant-load"
	ProfileRampUp       Profile = "ramp-up"
	ProfileSpike        Profile = "spike"
	ProfileStress       Profile = "stress"
	ProfileEndurance    Profile = "endurance"
	ProfileBurst        Profile = "burst"
)

// Profiles lists every supported profile.
var Profiles = []Profile{
	ProfileConstantLoad,
	ProfileRampUp,
	ProfileSpike,
	ProfileStress,
	ProfileEndurance,
	ProfileBurst,
}

// ErrUnknownProfile indicates a profile name outside the supported set.
var ErrUnknownProfile = errors.New("unknown load profile")

// ParseProfile validates a profile name.
func ParseProfile(s string) (Profile, error) {
	for _, p := range Profiles {
		if string(p) == s {
			return p, nil
		}
	}

	return "", fmt.Errorf("%w: %q", ErrUnknownProfile, s)
}

// Default scenario knobs.
const (
	defaultPollInterval     = time.Second
	defaultSnapshotInterval = 5 * time.Second
	defaultSubmitInterval   = 2 * time.Second
	defaultBurstSize        = 5
	defaultBurstIdle        = 10 * time.Second
)

// Scenario configures one load run. RequestsPerUser caps how many jobs each
// virtual user submits; zero means unlimited within the run window.
type Scenario struct {
	Name            string        `json:"name"`
	Profile         Profile       `json:"profile"`
	Users           int           `json:"users"`
	Duration        time.Duration `json:"duration"`
	RequestsPerUser int           `json:"requests_per_user"`
	SubmitInterval  time.Duration `json:"submit_interval"`
	RampUp          time.Duration `json:"ramp_up"`
	BurstSize       int           `json:"burst_size"`
	BurstIdle       time.Duration `json:"burst_idle"`
	Priority        string        `json:"priority"`
	PollInterval    time.Duration `json:"poll_interval"`
}

// scenarioYAML is the on-disk scenario form; durations are Go duration
// strings such as "90s" or "5m".
type scenarioYAML struct {
	Name            string `yaml:"name"`
	Profile         string `yaml:"profile"`
	Users           int    `yaml:"users"`
	Duration        string `yaml:"duration"`
	RequestsPerUser int    `yaml:"requests_per_user"`
	SubmitInterval  string `yaml:"submit_interval"`
	RampUp          string `yaml:"ramp_up"`
	BurstSize       int    `yaml:"burst_size"`
	BurstIdle       string `yaml:"burst_idle"`
	Priority        string `yaml:"priority"`
	PollInterval    string `yaml:"poll_interval"`
}

// Sentinel errors for scenario validation.
var (
	// ErrNoUsers indicates a scenario with no virtual users.
	ErrNoUsers = errors.New("scenario must have at least one user")
	// ErrNoDuration indicates a scenario with a non-positive duration.
	ErrNoDuration = errors.New("scenario duration must be positive")
)

// Validate checks the scenario and fills defaults in place.
func (s *Scenario) Validate() error {
	if _, err := ParseProfile(string(s.Profile)); err != nil {
		return err
	}

	if s.Users <= 0 {
		return ErrNoUsers
	}

	if s.Duration <= 0 {
		return ErrNoDuration
	}

	if _, err := processor.ParsePriority(s.Priority); err != nil {
		return err
	}

	if s.RequestsPerUser < 0 {
		s.RequestsPerUser = 0
	}

	if s.SubmitInterval <= 0 {
		s.SubmitInterval = defaultSubmitInterval
	}

	if s.PollInterval <= 0 {
		s.PollInterval = defaultPollInterval
	}

	if s.RampUp <= 0 {
		s.RampUp = s.Duration / 2
	}

	if s.BurstSize <= 0 {
		s.BurstSize = defaultBurstSize
	}

	if s.BurstIdle <= 0 {
		s.BurstIdle = defaultBurstIdle
	}

	return nil
}

// LoadScenario reads a YAML scenario file and validates it.
func LoadScenario(path string) (Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, fmt.Errorf("read scenario: %w", err)
	}

	var raw scenarioYAML

	err = yaml.Unmarshal(data, &raw)
	if err != nil {
		return Scenario{}, fmt.Errorf("parse scenario: %w", err)
	}

	sc := Scenario{
		Name:            raw.Name,
		Profile:         Profile(raw.Profile),
		Users:           raw.Users,
		RequestsPerUser: raw.RequestsPerUser,
		BurstSize:       raw.BurstSize,
		Priority:        raw.Priority,
	}

	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"duration", raw.Duration, &sc.Duration},
		{"submit_interval", raw.SubmitInterval, &sc.SubmitInterval},
		{"ramp_up", raw.RampUp, &sc.RampUp},
		{"burst_idle", raw.BurstIdle, &sc.BurstIdle},
		{"poll_interval", raw.PollInterval, &sc.PollInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}

		parsed, parseErr := time.ParseDuration(f.raw)
		if parseErr != nil {
			return Scenario{}, fmt.Errorf("parse scenario %s: %w", f.name, parseErr)
		}

		*f.dst = parsed
	}

	err = sc.Validate()
	if err != nil {
		return Scenario{}, err
	}

	return sc, nil
}

// Submitter is the processor surface the generator drives.
type Submitter interface {
	Submit(req session.JobRequest, userID string, priority processor.Priority) (string, error)
	Status(sessionID string) (session.Session, error)
}

// userPlan schedules one virtual user within the run window.
type userPlan struct {
	id          string
	startAfter  time.Duration
	stopAfter   time.Duration // 0 means active until the run ends
	thinkScale  float64       // multiplies the submit interval
	maxRequests int           // 0 means unlimited
}

// buildPlans expands a profile into per-user activation schedules. The
// profile shape lives here, as a user-count schedule over time:
//
//   - constant-load: all users active for the whole run
//   - ramp-up: user starts staggered linearly across the ramp window
//   - spike: a quarter of the users as baseline, the rest active only
//     during the middle third of the run
//   - stress: half again as many users, started linearly across the run
//   - endurance: three quarters of the users, doubled think time, triple
//     the per-user request cap
//   - burst: all users active, submitting whole batches (see runUser)
func buildPlans(sc Scenario) []userPlan {
	plan := func(i int) userPlan {
		return userPlan{
			id:          fmt.Sprintf("loadgen-user-%d", i),
			thinkScale:  1,
			maxRequests: sc.RequestsPerUser,
		}
	}

	var plans []userPlan

	switch sc.Profile {
	case ProfileRampUp:
		for i := range sc.Users {
			p := plan(i)
			p.startAfter = sc.RampUp * time.Duration(i) / time.Duration(sc.Users)
			plans = append(plans, p)
		}
	case ProfileSpike:
		baseline := max(1, sc.Users/4)

		for i := range baseline {
			plans = append(plans, plan(i))
		}

		for i := baseline; i < sc.Users; i++ {
			p := plan(i)
			p.startAfter = sc.Duration / 3
			p.stopAfter = 2 * sc.Duration / 3
			plans = append(plans, p)
		}
	case ProfileStress:
		total := sc.Users + (sc.Users+1)/2

		for i := range total {
			p := plan(i)
			p.startAfter = sc.Duration * time.Duration(i) / time.Duration(total)
			plans = append(plans, p)
		}
	case ProfileEndurance:
		count := max(1, 3*sc.Users/4)

		for i := range count {
			p := plan(i)
			p.thinkScale = 2

			if sc.RequestsPerUser > 0 {
				p.maxRequests = 3 * sc.RequestsPerUser
			}

			plans = append(plans, p)
		}
	default:
		for i := range sc.Users {
			plans = append(plans, plan(i))
		}
	}

	return plans
}

// UserStats aggregates one virtual user's outcomes.
type UserStats struct {
	Submitted          int     `json:"submitted"`
	Completed          int     `json:"completed"`
	Failed             int     `json:"failed"`
	Cancelled          int     `json:"cancelled"`
	Unsettled          int     `json:"unsettled"`
	Rejected           int     `json:"rejected"`
	MeanLatencySeconds float64 `json:"mean_latency_seconds"`
}

// Result summarizes one load run.
type Result struct {
	Scenario  Scenario  `json:"scenario"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`

	Submitted int `json:"submitted"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Rejected  int `json:"rejected"`
	Unsettled int `json:"unsettled"`

	RequestsPerSecond float64 `json:"requests_per_sec"`
	SuccessRate       float64 `json:"success_rate"`
	PeakConcurrency   int     `json:"peak_concurrency"`

	PerUser map[string]UserStats `json:"per_user,omitempty"`

	LatencySeconds    stats.Summary    `json:"latency_seconds"`
	ResourceSnapshots []governor.Usage `json:"resource_snapshots,omitempty"`
}

// Accounted returns the sum of every outcome bucket. It always equals
// Submitted plus Rejected.
func (r *Result) Accounted() int {
	return r.Completed + r.Failed + r.Cancelled + r.Unsettled + r.Rejected
}

// WriteJSON exports the result as an indented JSON file.
func (r *Result) WriteJSON(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	err = os.WriteFile(path, data, 0o600)
	if err != nil {
		return fmt.Errorf("write result: %w", err)
	}

	return nil
}

// userTally accumulates one user's counters while the run is live.
type userTally struct {
	submitted  int
	completed  int
	failed     int
	cancelled  int
	unsettled  int
	rejected   int
	latencySum float64
	latencyN   int
}

// Generator runs load scenarios against a submitter.
type Generator struct {
	submitter Submitter
	gov       *governor.Governor
	logger    *slog.Logger

	pollWG sync.WaitGroup

	mu        sync.Mutex
	submitted int
	rejected  int
	completed int
	failed    int
	cancelled int
	unsettled int
	inflight  int
	peak      int
	perUser   map[string]*userTally
	latencies []float64
	snapshots []governor.Usage
}

// NewGenerator creates a generator. The governor may be nil, which disables
// resource snapshots.
func NewGenerator(submitter Submitter, gov *governor.Governor, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}

	return &Generator{
		submitter: submitter,
		gov:       gov,
		logger:    logger,
	}
}

// Run executes the scenario to completion or until ctx is cancelled.
func (g *Generator) Run(ctx context.Context, sc Scenario) (Result, error) {
	err := sc.Validate()
	if err != nil {
		return Result{}, err
	}

	g.reset()

	priority, _ := processor.ParsePriority(sc.Priority)
	start := time.Now().UTC()

	runCtx, cancel := context.WithTimeout(ctx, sc.Duration)
	defer cancel()

	var snapWG sync.WaitGroup

	if g.gov != nil {
		snapWG.Add(1)
		go g.snapshotLoop(runCtx, &snapWG)
	}

	var userWG sync.WaitGroup

	for _, plan := range buildPlans(sc) {
		userWG.Add(1)

		go func(plan userPlan) {
			defer userWG.Done()
			g.runUser(runCtx, sc, plan, priority)
		}(plan)
	}

	userWG.Wait()
	cancel()
	g.pollWG.Wait()
	snapWG.Wait()

	result := g.collect(sc, start)

	g.logger.Info("load run finished",
		"scenario", sc.Name, "profile", string(sc.Profile),
		"submitted", result.Submitted, "completed", result.Completed,
		"rejected", result.Rejected, "p95_latency_s", result.LatencySeconds.P95)

	return result, nil
}

func (g *Generator) reset() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.submitted, g.rejected = 0, 0
	g.completed, g.failed, g.cancelled, g.unsettled = 0, 0, 0, 0
	g.inflight, g.peak = 0, 0
	g.perUser = make(map[string]*userTally)
	g.latencies = nil
	g.snapshots = nil
}

func (g *Generator) tally(userID string) *userTally {
	t, ok := g.perUser[userID]
	if !ok {
		t = &userTally{}
		g.perUser[userID] = t
	}

	return t
}

// runUser submits jobs per its plan and polls each one to a terminal state
// at the poll interval.
func (g *Generator) runUser(ctx context.Context, sc Scenario, plan userPlan, priority processor.Priority) {
	if !sleepCtx(ctx, plan.startAfter) {
		return
	}

	if plan.stopAfter > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, plan.stopAfter-plan.startAfter)
		defer cancel()
	}

	sent := 0

	for ctx.Err() == nil {
		batch := 1
		if sc.Profile == ProfileBurst {
			batch = sc.BurstSize
		}

		for range batch {
			if plan.maxRequests > 0 && sent >= plan.maxRequests {
				return
			}

			g.submitAndTrack(ctx, sc, plan.id, priority)
			sent++
		}

		if !sleepCtx(ctx, g.nextInterval(sc, plan)) {
			return
		}
	}
}

// nextInterval returns the wait before a user's next submission.
func (g *Generator) nextInterval(sc Scenario, plan userPlan) time.Duration {
	if sc.Profile == ProfileBurst {
		return sc.BurstIdle
	}

	// Jitter spreads users apart.
	jitter := time.Duration(rand.Int63n(int64(sc.SubmitInterval)/4 + 1))
	interval := sc.SubmitInterval + jitter

	if plan.thinkScale > 0 && plan.thinkScale != 1 {
		interval = time.Duration(float64(interval) * plan.thinkScale)
	}

	return interval
}

// submitAndTrack submits one job and spawns the 1 Hz status poller.
func (g *Generator) submitAndTrack(ctx context.Context, sc Scenario, userID string, priority processor.Priority) {
	req := session.JobRequest{
		Prompt:          fmt.Sprintf("load test clip for %s", userID),
		DurationSeconds: 10 + rand.Intn(50),
		Quality:         session.QualityLow,
	}

	id, err := g.submitter.Submit(req, userID, priority)
	if err != nil {
		g.mu.Lock()
		g.rejected++
		g.tally(userID).rejected++
		g.mu.Unlock()

		if !errors.Is(err, processor.ErrQueueFull) {
			g.logger.Debug("submission rejected", "user_id", userID, "error", err)
		}

		return
	}

	g.mu.Lock()
	g.submitted++
	g.tally(userID).submitted++
	g.inflight++

	if g.inflight > g.peak {
		g.peak = g.inflight
	}
	g.mu.Unlock()

	g.pollWG.Add(1)

	submittedAt := time.Now()
	go func() {
		defer g.pollWG.Done()
		g.pollJob(ctx, sc, id, userID, submittedAt)
	}()
}

// pollJob polls a job until it reaches a terminal state or the run ends.
func (g *Generator) pollJob(ctx context.Context, sc Scenario, id, userID string, submittedAt time.Time) {
	ticker := time.NewTicker(sc.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			g.recordOutcome(id, userID, submittedAt, true)

			return
		case <-ticker.C:
		}

		sess, err := g.submitter.Status(id)
		if err != nil {
			continue
		}

		if terminal(sess.Status) {
			g.recordTerminal(sess.Status, userID, submittedAt)

			return
		}
	}
}

// recordOutcome resolves a job after the run window: one last status check,
// falling back to unsettled.
func (g *Generator) recordOutcome(id, userID string, submittedAt time.Time, finalCheck bool) {
	if finalCheck {
		sess, err := g.submitter.Status(id)
		if err == nil && terminal(sess.Status) {
			g.recordTerminal(sess.Status, userID, submittedAt)

			return
		}
	}

	g.mu.Lock()
	g.unsettled++
	g.tally(userID).unsettled++
	g.inflight--
	g.mu.Unlock()
}

func (g *Generator) recordTerminal(status session.Status, userID string, submittedAt time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.inflight--
	tally := g.tally(userID)

	switch status {
	case session.StatusCompleted:
		g.completed++
		tally.completed++

		latency := time.Since(submittedAt).Seconds()
		g.latencies = append(g.latencies, latency)
		tally.latencySum += latency
		tally.latencyN++
	case session.StatusFailed:
		g.failed++
		tally.failed++
	case session.StatusCancelled:
		g.cancelled++
		tally.cancelled++
	default:
	}
}

// snapshotLoop records governor usage every snapshot interval.
func (g *Generator) snapshotLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(defaultSnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		usage, err := g.gov.CurrentUsage()
		if err != nil {
			continue
		}

		g.mu.Lock()
		g.snapshots = append(g.snapshots, usage)
		g.mu.Unlock()
	}
}

func (g *Generator) collect(sc Scenario, start time.Time) Result {
	g.mu.Lock()
	defer g.mu.Unlock()

	result := Result{
		Scenario:          sc,
		StartedAt:         start,
		EndedAt:           time.Now().UTC(),
		Submitted:         g.submitted,
		Completed:         g.completed,
		Failed:            g.failed,
		Cancelled:         g.cancelled,
		Rejected:          g.rejected,
		Unsettled:         g.unsettled,
		PeakConcurrency:   g.peak,
		LatencySeconds:    stats.Summarize(g.latencies),
		ResourceSnapshots: g.snapshots,
	}

	if elapsed := result.EndedAt.Sub(start).Seconds(); elapsed > 0 {
		result.RequestsPerSecond = float64(g.submitted) / elapsed
	}

	if g.submitted > 0 {
		result.SuccessRate = float64(g.completed) / float64(g.submitted)
	}

	if len(g.perUser) > 0 {
		result.PerUser = make(map[string]UserStats, len(g.perUser))

		for id, t := range g.perUser {
			us := UserStats{
				Submitted: t.submitted,
				Completed: t.completed,
				Failed:    t.failed,
				Cancelled: t.cancelled,
				Unsettled: t.unsettled,
				Rejected:  t.rejected,
			}

			if t.latencyN > 0 {
				us.MeanLatencySeconds = t.latencySum / float64(t.latencyN)
			}

			result.PerUser[id] = us
		}
	}

	return result
}

func terminal(status session.Status) bool {
	switch status {
	case session.StatusCompleted, session.StatusFailed, session.StatusCancelled:
		return true
	default:
		return false
	}
}

// sleepCtx sleeps for d, returning false when the context ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
