// Package governor samples OS resource usage, keeps a ledger of logical
// cpu/memory/disk allocations, and answers admission questions for the
// processor under configured thresholds.
package governor

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vidforge/vidforge/internal/config"
)

// Resource names a monitored dimension.
type Resource string

// Monitored resource dimensions.
const (
	ResourceCPU    Resource = "cpu"
	ResourceMemory Resource = "memory"
	ResourceDisk   Resource = "disk"
)

// Level is the severity of a threshold crossing.
type Level int

// Threshold levels in ascending severity.
const (
	LevelNone Level = iota
	LevelWarning
	LevelCritical
)

// String returns the lowercase level name.
func (l Level) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	default:
		return "none"
	}
}

// Sentinel errors for ledger operations.
var (
	// ErrAllocationNotFound indicates an unknown allocation id.
	ErrAllocationNotFound = errors.New("allocation not found")
	// ErrInsufficientResources indicates the request exceeds unallocated capacity.
	ErrInsufficientResources = errors.New("insufficient resources")
)

// Totals is the logical capacity the ledger allocates against.
type Totals struct {
	CPUCores float64 `json:"cpu_cores"`
	MemoryMB int     `json:"memory_mb"`
	DiskMB   int     `json:"disk_mb"`
}

// Allocation is a logical reservation recorded in the ledger, independent of
// OS-level measurement.
type Allocation struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	CPUCores  float64   `json:"cpu_cores"`
	MemoryMB  int       `json:"memory_mb"`
	DiskMB    int       `json:"disk_mb"`
	Priority  int       `json:"priority"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Availability reports per-resource totals, allocated, and available amounts.
type Availability struct {
	Totals       Totals  `json:"totals"`
	AllocatedCPU float64 `json:"allocated_cpu_cores"`
	AllocatedMem int     `json:"allocated_memory_mb"`
	AllocatedDsk int     `json:"allocated_disk_mb"`
	FreeCPU      float64 `json:"available_cpu_cores"`
	FreeMem      int     `json:"available_memory_mb"`
	FreeDsk      int     `json:"available_disk_mb"`
}

// Alert records a threshold crossing.
type Alert struct {
	Resource  Resource  `json:"resource"`
	Level     Level     `json:"-"`
	LevelName string    `json:"level"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// GCResult reports the effect of a forced garbage collection.
type GCResult struct {
	BytesFreed       int64 `json:"bytes_freed"`
	ObjectsCollected int64 `json:"objects_collected"`
}

// historyRetention is the window the sample ring buffer is sized to cover.
const historyRetention = 24 * time.Hour

// Governor monitors system resources and tracks logical allocations.
//
// The ledger counters are guarded by their own lock and stay internally
// consistent even when OS sampling is unavailable.
type Governor struct {
	sampler  Sampler
	logger   *slog.Logger
	interval time.Duration

	cpuThresh  config.ThresholdPair
	memThresh  config.ThresholdPair
	diskThresh config.ThresholdPair

	mu          sync.Mutex
	totals      Totals
	allocations map[string]*Allocation
	allocCPU    float64
	allocMem    int
	allocDsk    int

	history    []Usage
	maxSamples int
	lastUsage  Usage
	haveUsage  bool
	levels     map[Resource]Level
	alerts     []Alert

	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// New creates a governor from the resources config. A nil sampler defaults
// to the live system sampler rooted at "/".
func New(cfg config.ResourcesConfig, totals Totals, sampler Sampler, logger *slog.Logger) *Governor {
	if sampler == nil {
		sampler = NewSystemSampler("")
	}

	if logger == nil {
		logger = slog.Default()
	}

	interval := time.Duration(cfg.MonitorIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = config.DefaultMonitorIntervalSeconds * time.Second
	}

	maxSamples := int(historyRetention / interval)
	if maxSamples < 1 {
		maxSamples = 1
	}

	return &Governor{
		sampler:     sampler,
		logger:      logger,
		interval:    interval,
		cpuThresh:   cfg.CPU,
		memThresh:   cfg.Memory,
		diskThresh:  cfg.Disk,
		totals:      totals,
		allocations: make(map[string]*Allocation),
		maxSamples:  maxSamples,
		levels:      make(map[Resource]Level),
	}
}

// StartMonitoring launches the sampler loop. Idempotent.
func (g *Governor) StartMonitoring() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.running {
		return
	}

	g.running = true
	g.stopCh = make(chan struct{})
	g.doneCh = make(chan struct{})

	go g.monitorLoop(g.stopCh, g.doneCh)
}

// StopMonitoring stops the sampler loop and waits for it to exit. Idempotent.
func (g *Governor) StopMonitoring() {
	g.mu.Lock()

	if !g.running {
		g.mu.Unlock()

		return
	}

	g.running = false
	stopCh, doneCh := g.stopCh, g.doneCh
	g.mu.Unlock()

	close(stopCh)
	<-doneCh
}

// monitorLoop samples at the configured interval until stopped. Sampling
// errors are logged; the loop never exits on error.
func (g *Governor) monitorLoop(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	g.sampleOnce()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			g.sampleOnce()
		}
	}
}

// sampleOnce takes one sample, records history, and evaluates thresholds.
func (g *Governor) sampleOnce() {
	usage, err := g.sampler.Sample()
	if err != nil {
		g.logger.Warn("resource sample failed", "error", err)

		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.lastUsage = usage
	g.haveUsage = true

	g.history = append(g.history, usage)
	if len(g.history) > g.maxSamples {
		g.history = g.history[len(g.history)-g.maxSamples:]
	}

	g.evaluate(ResourceCPU, usage.CPUPercent, g.cpuThresh, usage.Timestamp)
	g.evaluate(ResourceMemory, usage.MemoryPercent, g.memThresh, usage.Timestamp)
	g.evaluate(ResourceDisk, usage.DiskPercent, g.diskThresh, usage.Timestamp)
}

// evaluate updates the per-resource level and appends a deduped alert on any
// upward crossing. The alert clears once the value falls back under warning.
func (g *Governor) evaluate(res Resource, value float64, thresh config.ThresholdPair, at time.Time) {
	level := LevelNone

	switch {
	case value >= thresh.Critical:
		level = LevelCritical
	case value >= thresh.Warning:
		level = LevelWarning
	}

	prev := g.levels[res]
	if level == prev {
		return
	}

	g.levels[res] = level

	if level == LevelNone {
		g.logger.Info("resource recovered", "resource", string(res), "value", value)

		return
	}

	threshold := thresh.Warning
	if level == LevelCritical {
		threshold = thresh.Critical
	}

	alert := Alert{
		Resource:  res,
		Level:     level,
		LevelName: level.String(),
		Value:     value,
		Threshold: threshold,
		Timestamp: at,
	}

	g.alerts = append(g.alerts, alert)
	g.logger.Warn("resource threshold crossed",
		"resource", string(res), "level", level.String(),
		"value", value, "threshold", threshold)
}

// CurrentUsage returns a synchronous single sample.
func (g *Governor) CurrentUsage() (Usage, error) {
	usage, err := g.sampler.Sample()
	if err != nil {
		return Usage{}, fmt.Errorf("current usage: %w", err)
	}

	return usage, nil
}

// LastUsage returns the most recent monitor-loop sample, if any.
func (g *Governor) LastUsage() (Usage, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.lastUsage, g.haveUsage
}

// WorstLevel returns the highest threshold level across all dimensions as of
// the last monitor sample.
func (g *Governor) WorstLevel() Level {
	g.mu.Lock()
	defer g.mu.Unlock()

	worst := LevelNone

	for _, level := range g.levels {
		if level > worst {
			worst = level
		}
	}

	return worst
}

// ClassifyDisk grades a disk usage percentage against the configured disk
// thresholds.
func (g *Governor) ClassifyDisk(value float64) Level {
	switch {
	case value >= g.diskThresh.Critical:
		return LevelCritical
	case value >= g.diskThresh.Warning:
		return LevelWarning
	default:
		return LevelNone
	}
}

// Alerts returns a copy of the alert log.
func (g *Governor) Alerts() []Alert {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]Alert, len(g.alerts))
	copy(out, g.alerts)

	return out
}

// Availability reports logical totals, allocated, and available amounts.
func (g *Governor) Availability() Availability {
	g.mu.Lock()
	defer g.mu.Unlock()

	return Availability{
		Totals:       g.totals,
		AllocatedCPU: g.allocCPU,
		AllocatedMem: g.allocMem,
		AllocatedDsk: g.allocDsk,
		FreeCPU:      g.totals.CPUCores - g.allocCPU,
		FreeMem:      g.totals.MemoryMB - g.allocMem,
		FreeDsk:      g.totals.DiskMB - g.allocDsk,
	}
}

// CanAllocate reports whether the requested amounts fit into unallocated
// capacity, with a reason when they do not. Decisions use the logical
// ledger, not live samples.
func (g *Governor) CanAllocate(cpuCores float64, memoryMB, diskMB int) (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.canAllocateLocked(cpuCores, memoryMB, diskMB)
}

func (g *Governor) canAllocateLocked(cpuCores float64, memoryMB, diskMB int) (bool, string) {
	if cpuCores > g.totals.CPUCores-g.allocCPU {
		return false, fmt.Sprintf("cpu: requested %.1f cores, %.1f available",
			cpuCores, g.totals.CPUCores-g.allocCPU)
	}

	if memoryMB > g.totals.MemoryMB-g.allocMem {
		return false, fmt.Sprintf("memory: requested %d MB, %d MB available",
			memoryMB, g.totals.MemoryMB-g.allocMem)
	}

	if diskMB > g.totals.DiskMB-g.allocDsk {
		return false, fmt.Sprintf("disk: requested %d MB, %d MB available",
			diskMB, g.totals.DiskMB-g.allocDsk)
	}

	return true, ""
}

// Allocate records a logical reservation and returns its id. Fails with
// ErrInsufficientResources when the request does not fit.
func (g *Governor) Allocate(sessionID string, cpuCores float64, memoryMB, diskMB, priority int) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ok, reason := g.canAllocateLocked(cpuCores, memoryMB, diskMB)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrInsufficientResources, reason)
	}

	alloc := &Allocation{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		CPUCores:  cpuCores,
		MemoryMB:  memoryMB,
		DiskMB:    diskMB,
		Priority:  priority,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}

	g.allocations[alloc.ID] = alloc
	g.allocCPU += cpuCores
	g.allocMem += memoryMB
	g.allocDsk += diskMB

	return alloc.ID, nil
}

// Deallocate releases a reservation, decrementing totals exactly once.
func (g *Governor) Deallocate(allocationID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	alloc, ok := g.allocations[allocationID]
	if !ok {
		return ErrAllocationNotFound
	}

	delete(g.allocations, allocationID)

	if alloc.Active {
		g.allocCPU -= alloc.CPUCores
		g.allocMem -= alloc.MemoryMB
		g.allocDsk -= alloc.DiskMB
	}

	return nil
}

// ForceGC triggers runtime memory reclamation and reports deltas.
func (g *Governor) ForceGC() GCResult {
	var before, after runtime.MemStats

	runtime.ReadMemStats(&before)
	runtime.GC()
	debug.FreeOSMemory()
	runtime.ReadMemStats(&after)

	bytesFreed := int64(before.HeapAlloc) - int64(after.HeapAlloc)
	objects := int64(before.HeapObjects) - int64(after.HeapObjects)

	return GCResult{
		BytesFreed:       max(bytesFreed, 0),
		ObjectsCollected: max(objects, 0),
	}
}

// UsageHistory returns retained samples within the last given number of hours.
func (g *Governor) UsageHistory(hours int) []Usage {
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)

	var out []Usage

	for _, sample := range g.history {
		if sample.Timestamp.After(cutoff) {
			out = append(out, sample)
		}
	}

	return out
}

// Interval returns the monitor sampling interval.
func (g *Governor) Interval() time.Duration {
	return g.interval
}
