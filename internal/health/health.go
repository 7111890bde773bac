// Package health samples host and process vitals for the readiness
// endpoint. Collection is best effort: a probe that fails on some
// platform just leaves its fields zero.
package health

import (
	"context"
	"errors"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// ErrMonitorClosed is returned by Start after Stop.
var ErrMonitorClosed = errors.New("health: monitor closed")

const defaultSampleInterval = 15 * time.Second

// Snapshot is one host/process sample.
type Snapshot struct {
	CPUPercent        float64 `json:"cpu_percent"`
	MemUsedPercent    float64 `json:"mem_used_percent"`
	MemAvailableBytes uint64  `json:"mem_available_bytes"`
	SwapUsedBytes     uint64  `json:"swap_used_bytes"`
	LoadAvg1          float64 `json:"load_avg_1"`
	LoadAvg5          float64 `json:"load_avg_5"`
	LoadAvg15         float64 `json:"load_avg_15"`
	ProcessRSSBytes   uint64  `json:"process_rss_bytes"`
	ProcessThreads    int     `json:"process_threads"`
	Goroutines        int     `json:"goroutines"`
	CollectedAtMs     int64   `json:"collected_at_ms"`
}

// Collect takes one sample of the host and this process.
func Collect() Snapshot {
	sample := Snapshot{
		Goroutines:    runtime.NumGoroutine(),
		CollectedAtMs: time.Now().UnixMilli(),
	}

	if cpuPercent, err := cpu.Percent(0, false); err == nil && len(cpuPercent) > 0 {
		sample.CPUPercent = cpuPercent[0]
	}

	if memInfo, err := mem.VirtualMemory(); err == nil && memInfo != nil {
		sample.MemUsedPercent = memInfo.UsedPercent
		sample.MemAvailableBytes = memInfo.Available
	}

	if swapInfo, err := mem.SwapMemory(); err == nil && swapInfo != nil {
		sample.SwapUsedBytes = swapInfo.Used
	}

	// Load average (Unix systems)
	if loadAvg, err := load.Avg(); err == nil && loadAvg != nil {
		sample.LoadAvg1 = loadAvg.Load1
		sample.LoadAvg5 = loadAvg.Load5
		sample.LoadAvg15 = loadAvg.Load15
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if memInfo, err := proc.MemoryInfo(); err == nil && memInfo != nil {
			sample.ProcessRSSBytes = memInfo.RSS
		}
		if numThreads, err := proc.NumThreads(); err == nil {
			sample.ProcessThreads = int(numThreads)
		}
	}

	return sample
}

// Monitor keeps the latest Snapshot fresh on an interval.
type Monitor struct {
	interval time.Duration

	mu   sync.RWMutex
	last Snapshot

	started atomic.Bool
	closed  atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewMonitor creates a monitor. interval <= 0 falls back to 15s.
func NewMonitor(interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = defaultSampleInterval
	}
	return &Monitor{interval: interval}
}

// Start takes an immediate sample and begins the refresh loop.
func (m *Monitor) Start(ctx context.Context) error {
	if m.closed.Load() {
		return ErrMonitorClosed
	}
	if m.started.Swap(true) {
		return nil
	}

	m.ctx, m.cancel = context.WithCancel(ctx)
	m.store(Collect())

	m.wg.Add(1)
	go m.run()
	return nil
}

// Stop halts the refresh loop and waits for it.
func (m *Monitor) Stop(ctx context.Context) error {
	if m.closed.Swap(true) {
		return nil
	}
	if m.cancel != nil {
		m.cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Latest returns the most recent sample. Zero value before Start.
func (m *Monitor) Latest() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.store(Collect())
		}
	}
}

func (m *Monitor) store(s Snapshot) {
	m.mu.Lock()
	m.last = s
	m.mu.Unlock()
}
