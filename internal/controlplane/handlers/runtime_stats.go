package handlers

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// RuntimeStats describes the daemon process
type RuntimeStats struct {
	PID int32 `json:"pid"`
	// Process start time, RFC3339
	StartedAt string `json:"startedAt"`
	// How long the daemon has been running in milliseconds
	Uptime     int64   `json:"uptime"`
	CPUPercent float64 `json:"cpuPercent"`
	// Resident set size in bytes
	MemoryRSS  uint64 `json:"memoryRss"`
	NumThreads int32  `json:"numThreads"`
	Goroutines int    `json:"goroutines"`
}

func NewRuntimeStats() (*RuntimeStats, error) {
	pid := int32(os.Getpid())
	p, err := process.NewProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect process: %w", err)
	}

	stats := &RuntimeStats{
		PID:        pid,
		Goroutines: runtime.NumGoroutine(),
	}

	if createTime, err := p.CreateTime(); err == nil {
		started := time.UnixMilli(createTime)
		stats.StartedAt = started.UTC().Format(time.RFC3339)
		stats.Uptime = time.Since(started).Milliseconds()
	}
	if cpuPercent, err := p.CPUPercent(); err == nil {
		stats.CPUPercent = cpuPercent
	}
	if mem, err := p.MemoryInfo(); err == nil {
		stats.MemoryRSS = mem.RSS
	}
	if threads, err := p.NumThreads(); err == nil {
		stats.NumThreads = threads
	}

	return stats, nil
}
