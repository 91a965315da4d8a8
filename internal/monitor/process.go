package monitor

import (
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessStats describes the relay process itself, reported on /health.
type ProcessStats struct {
	PID        int       `json:"pid"`
	RSSBytes   uint64    `json:"rss_bytes"`
	CPUPercent float64   `json:"cpu_percent"`
	NumThreads int32     `json:"num_threads"`
	StartTime  time.Time `json:"start_time"`
	Uptime     string    `json:"uptime"`
}

// CurrentProcess samples the running process.
func CurrentProcess() (ProcessStats, error) {
	return processStats(os.Getpid())
}

func processStats(pid int) (ProcessStats, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return ProcessStats{}, fmt.Errorf("process %d: %w", pid, err)
	}

	stats := ProcessStats{PID: pid}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		stats.RSSBytes = mem.RSS
	}
	if cpu, err := p.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	if n, err := p.NumThreads(); err == nil {
		stats.NumThreads = n
	}
	if ms, err := p.CreateTime(); err == nil {
		stats.StartTime = time.UnixMilli(ms)
		stats.Uptime = time.Since(stats.StartTime).Truncate(time.Second).String()
	}
	return stats, nil
}
