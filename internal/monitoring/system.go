package monitoring

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemSample holds one measurement of host and process resources.
type SystemSample struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	ProcessRSS    uint64    `json:"process_rss_bytes"`
	Goroutines    int       `json:"goroutines"`
	Timestamp     time.Time `json:"timestamp"`
}

// SystemMonitor samples CPU and memory on a fixed interval and serves the
// latest sample to the status endpoint. Measure once, query many times.
type SystemMonitor struct {
	logger zerolog.Logger
	proc   *process.Process

	mu     sync.RWMutex
	sample SystemSample

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSystemMonitor creates a monitor for the current process.
func NewSystemMonitor(logger zerolog.Logger) *SystemMonitor {
	sm := &SystemMonitor{
		logger: logger.With().Str("component", "system_monitor").Logger(),
		sample: SystemSample{Timestamp: time.Now()},
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		LogError(sm.logger, err, "Process stats unavailable", nil)
	} else {
		sm.proc = proc
	}

	return sm
}

// Start begins periodic sampling until Stop is called.
func (sm *SystemMonitor) Start(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	sm.cancel = cancel

	sm.wg.Add(1)
	go func() {
		defer RecoverPanic(sm.logger, "systemMonitor", nil)
		defer sm.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		sm.Sample(ctx)

		for {
			select {
			case <-ticker.C:
				sm.Sample(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts sampling and waits for the sampler goroutine to exit.
func (sm *SystemMonitor) Stop() {
	if sm.cancel != nil {
		sm.cancel()
	}
	sm.wg.Wait()
}

// Sample takes one measurement, stores it and updates the gauges.
func (sm *SystemMonitor) Sample(ctx context.Context) SystemSample {
	s := SystemSample{
		Goroutines: runtime.NumGoroutine(),
		Timestamp:  time.Now(),
	}

	// interval 0 compares against the previous call; the first call reports 0
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		s.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		s.MemoryPercent = vm.UsedPercent
	}
	if sm.proc != nil {
		if info, err := sm.proc.MemoryInfoWithContext(ctx); err == nil {
			s.ProcessRSS = info.RSS
		}
	}

	sm.mu.Lock()
	sm.sample = s
	sm.mu.Unlock()

	UpdateSystemMetrics(s)

	sm.logger.Debug().
		Float64("cpu_percent", s.CPUPercent).
		Float64("memory_percent", s.MemoryPercent).
		Uint64("process_rss", s.ProcessRSS).
		Int("goroutines", s.Goroutines).
		Msg("System metrics updated")

	return s
}

// Latest returns the most recent sample.
func (sm *SystemMonitor) Latest() SystemSample {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.sample
}
