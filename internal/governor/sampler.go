package governor

import (
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	gopsnet "github.com/shirou/gopsutil/v4/net"

	"github.com/vidforge/vidforge/pkg/units"
)

// Usage is one point-in-time sample of OS resource consumption.
type Usage struct {
	CPUPercent     float64   `json:"cpu_percent"`
	MemoryPercent  float64   `json:"memory_percent"`
	DiskPercent    float64   `json:"disk_percent"`
	MemAvailableGB float64   `json:"memory_available_gb"`
	DiskFreeGB     float64   `json:"disk_free_gb"`
	NetSentMbps    float64   `json:"network_sent_mbps"`
	NetRecvMbps    float64   `json:"network_recv_mbps"`
	Timestamp      time.Time `json:"timestamp"`
}

// Sampler reads current OS resource usage. Implementations must be safe for
// concurrent use; the governor calls Sample from both its monitor loop and
// synchronous CurrentUsage requests.
type Sampler interface {
	Sample() (Usage, error)
}

// bitsPerByte converts byte rates to bit rates.
const bitsPerByte = 8

// megabit is the divisor for Mbps rates.
const megabit = 1e6

// SystemSampler reads host usage via gopsutil. Network throughput is derived
// from counter deltas between consecutive samples, so the first sample
// reports zero Mbps.
type SystemSampler struct {
	diskPath string

	mu           sync.Mutex
	lastNetSent  uint64
	lastNetRecv  uint64
	lastSampleAt time.Time
}

// NewSystemSampler creates a sampler measuring disk usage at diskPath.
func NewSystemSampler(diskPath string) *SystemSampler {
	if diskPath == "" {
		diskPath = "/"
	}

	return &SystemSampler{diskPath: diskPath}
}

// Sample implements Sampler using live OS counters.
func (s *SystemSampler) Sample() (Usage, error) {
	now := time.Now().UTC()

	cpuPercents, err := cpu.Percent(0, false)
	if err != nil {
		return Usage{}, fmt.Errorf("sample cpu: %w", err)
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return Usage{}, fmt.Errorf("sample memory: %w", err)
	}

	du, err := disk.Usage(s.diskPath)
	if err != nil {
		return Usage{}, fmt.Errorf("sample disk: %w", err)
	}

	usage := Usage{
		MemoryPercent:  vm.UsedPercent,
		DiskPercent:    du.UsedPercent,
		MemAvailableGB: units.BytesToGiB(vm.Available),
		DiskFreeGB:     units.BytesToGiB(du.Free),
		Timestamp:      now,
	}

	if len(cpuPercents) > 0 {
		usage.CPUPercent = cpuPercents[0]
	}

	counters, netErr := gopsnet.IOCounters(false)
	if netErr == nil && len(counters) > 0 {
		usage.NetSentMbps, usage.NetRecvMbps = s.netRates(counters[0], now)
	}

	return usage, nil
}

// netRates converts aggregate counters into Mbps deltas since the last sample.
func (s *SystemSampler) netRates(counters gopsnet.IOCountersStat, now time.Time) (sent, recv float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.lastSampleAt.IsZero() {
		elapsed := now.Sub(s.lastSampleAt).Seconds()
		if elapsed > 0 {
			sent = float64(counters.BytesSent-s.lastNetSent) * bitsPerByte / megabit / elapsed
			recv = float64(counters.BytesRecv-s.lastNetRecv) * bitsPerByte / megabit / elapsed
		}
	}

	s.lastNetSent = counters.BytesSent
	s.lastNetRecv = counters.BytesRecv
	s.lastSampleAt = now

	return sent, recv
}

// DetectTotals reads host capacity for dimensions the config leaves at zero.
func DetectTotals(diskPath string) (Totals, error) {
	if diskPath == "" {
		diskPath = "/"
	}

	counts, err := cpu.Counts(true)
	if err != nil {
		return Totals{}, fmt.Errorf("detect cpu count: %w", err)
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return Totals{}, fmt.Errorf("detect memory total: %w", err)
	}

	du, err := disk.Usage(diskPath)
	if err != nil {
		return Totals{}, fmt.Errorf("detect disk total: %w", err)
	}

	return Totals{
		CPUCores: float64(counts),
		MemoryMB: units.BytesToMiB(vm.Total),
		DiskMB:   units.BytesToMiB(du.Total),
	}, nil
}
