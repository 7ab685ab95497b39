package governor

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vidforge/vidforge/internal/config"
)

// stubSampler returns a configurable fixed usage sample.
type stubSampler struct {
	mu    sync.Mutex
	usage Usage
	err   error
}

func (s *stubSampler) Sample() (Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return Usage{}, s.err
	}

	usage := s.usage
	usage.Timestamp = time.Now().UTC()

	return usage, nil
}

func (s *stubSampler) set(usage Usage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.usage = usage
}

func testResourcesConfig() config.ResourcesConfig {
	return config.ResourcesConfig{
		CPU:                    config.ThresholdPair{Warning: 70, Critical: 85},
		Memory:                 config.ThresholdPair{Warning: 75, Critical: 90},
		Disk:                   config.ThresholdPair{Warning: 80, Critical: 95},
		MonitorIntervalSeconds: 1,
	}
}

func testTotals() Totals {
	return Totals{CPUCores: 8, MemoryMB: 16384, DiskMB: 102400}
}

func TestGovernor_AllocateAndDeallocate(t *testing.T) {
	t.Parallel()

	g := New(testResourcesConfig(), testTotals(), &stubSampler{}, nil)

	id, err := g.Allocate("sess-1", 2, 4096, 10240, 2)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	avail := g.Availability()
	assert.InEpsilon(t, 2.0, avail.AllocatedCPU, 1e-9)
	assert.Equal(t, 4096, avail.AllocatedMem)
	assert.InEpsilon(t, 6.0, avail.FreeCPU, 1e-9)

	require.NoError(t, g.Deallocate(id))

	avail = g.Availability()
	assert.Zero(t, avail.AllocatedCPU)
	assert.Zero(t, avail.AllocatedMem)
	assert.Zero(t, avail.AllocatedDsk)

	// Deallocation decrements exactly once.
	err = g.Deallocate(id)
	assert.ErrorIs(t, err, ErrAllocationNotFound)

	avail = g.Availability()
	assert.Zero(t, avail.AllocatedCPU)
}

func TestGovernor_CanAllocate_DeniesOversubscription(t *testing.T) {
	t.Parallel()

	g := New(testResourcesConfig(), testTotals(), &stubSampler{}, nil)

	_, err := g.Allocate("sess-1", 6, 1024, 1024, 2)
	require.NoError(t, err)

	ok, reason := g.CanAllocate(4, 0, 0)
	assert.False(t, ok)
	assert.Contains(t, reason, "cpu")

	_, err = g.Allocate("sess-2", 4, 0, 0, 2)
	assert.ErrorIs(t, err, ErrInsufficientResources)

	ok, _ = g.CanAllocate(2, 1024, 1024)
	assert.True(t, ok)
}

func TestGovernor_MonitorEvaluatesThresholds(t *testing.T) {
	t.Parallel()

	sampler := &stubSampler{}
	sampler.set(Usage{CPUPercent: 99, MemoryPercent: 50, DiskPercent: 50})

	g := New(testResourcesConfig(), testTotals(), sampler, nil)
	g.StartMonitoring()
	defer g.StopMonitoring()

	require.Eventually(t, func() bool {
		return g.WorstLevel() == LevelCritical
	}, 3*time.Second, 20*time.Millisecond)

	alerts := g.Alerts()
	require.NotEmpty(t, alerts)
	assert.Equal(t, ResourceCPU, alerts[len(alerts)-1].Resource)
	assert.Equal(t, "critical", alerts[len(alerts)-1].LevelName)

	// Recovery clears the level.
	sampler.set(Usage{CPUPercent: 10, MemoryPercent: 50, DiskPercent: 50})

	require.Eventually(t, func() bool {
		return g.WorstLevel() == LevelNone
	}, 3*time.Second, 20*time.Millisecond)
}

func TestGovernor_AlertsDeduped(t *testing.T) {
	t.Parallel()

	sampler := &stubSampler{}
	sampler.set(Usage{CPUPercent: 72})

	g := New(testResourcesConfig(), testTotals(), sampler, nil)

	// Drive the loop body directly for determinism.
	g.sampleOnce()
	g.sampleOnce()
	g.sampleOnce()

	assert.Len(t, g.Alerts(), 1)

	// Escalation to critical appends one more alert.
	sampler.set(Usage{CPUPercent: 90})
	g.sampleOnce()
	g.sampleOnce()

	assert.Len(t, g.Alerts(), 2)
}

func TestGovernor_SampleErrorDoesNotStopLoop(t *testing.T) {
	t.Parallel()

	sampler := &stubSampler{err: errors.New("proc unavailable")}
	g := New(testResourcesConfig(), testTotals(), sampler, nil)

	g.sampleOnce()

	_, ok := g.LastUsage()
	assert.False(t, ok)

	// Ledger stays consistent while sampling is down.
	id, err := g.Allocate("sess-1", 1, 512, 512, 2)
	require.NoError(t, err)
	require.NoError(t, g.Deallocate(id))
}

func TestGovernor_UsageHistoryWindow(t *testing.T) {
	t.Parallel()

	sampler := &stubSampler{}
	sampler.set(Usage{CPUPercent: 5})

	g := New(testResourcesConfig(), testTotals(), sampler, nil)

	for range 5 {
		g.sampleOnce()
	}

	history := g.UsageHistory(1)
	assert.Len(t, history, 5)

	// Samples outside the window are excluded.
	g.mu.Lock()
	g.history[0].Timestamp = time.Now().UTC().Add(-2 * time.Hour)
	g.mu.Unlock()

	history = g.UsageHistory(1)
	assert.Len(t, history, 4)
}

func TestGovernor_StartStopIdempotent(t *testing.T) {
	t.Parallel()

	g := New(testResourcesConfig(), testTotals(), &stubSampler{}, nil)

	g.StartMonitoring()
	g.StartMonitoring()
	g.StopMonitoring()
	g.StopMonitoring()
}

func TestGovernor_ForceGC(t *testing.T) {
	t.Parallel()

	g := New(testResourcesConfig(), testTotals(), &stubSampler{}, nil)

	result := g.ForceGC()
	assert.GreaterOrEqual(t, result.BytesFreed, int64(0))
	assert.GreaterOrEqual(t, result.ObjectsCollected, int64(0))
}
