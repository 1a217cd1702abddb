// Package diag produces the host diagnostics snapshot behind the privileged
// sys.status operation.
package diag

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

const snapshotTTL = 2 * time.Second

// Snapshot is a point-in-time host health reading. Fields that could not be
// collected are zero; collection is best-effort by design.
type Snapshot struct {
	CPUUsage    float64   `json:"cpu_usage"`
	CPUCores    int       `json:"cpu_cores"`
	LoadAverage []float64 `json:"load_average,omitempty"`

	MemoryTotalBytes uint64 `json:"memory_total_bytes"`
	MemoryUsedBytes  uint64 `json:"memory_used_bytes"`

	UptimeSeconds uint64 `json:"uptime_seconds"`
	Platform      string `json:"platform"`
	TimestampMs   int64  `json:"timestamp_ms"`
}

type Service struct {
	log *slog.Logger

	mu      sync.Mutex
	hasSnap bool
	snap    Snapshot
	takenAt time.Time
}

func NewService(log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{log: log}
}

// Snapshot returns a cached reading, refreshing it when older than the TTL.
func (s *Service) Snapshot(ctx context.Context) Snapshot {
	now := time.Now()

	s.mu.Lock()
	if s.hasSnap && now.Sub(s.takenAt) < snapshotTTL {
		out := s.snap
		s.mu.Unlock()
		return out
	}
	s.mu.Unlock()

	snap := s.collect(ctx)

	s.mu.Lock()
	s.snap = snap
	s.takenAt = now
	s.hasSnap = true
	s.mu.Unlock()

	return snap
}

func (s *Service) collect(ctx context.Context) Snapshot {
	snap := Snapshot{
		Platform:    runtime.GOOS,
		TimestampMs: time.Now().UnixMilli(),
	}

	// Non-blocking sampling: diff since the previous call.
	if p, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(p) > 0 {
		snap.CPUUsage = p[0]
	} else if err != nil {
		s.log.Warn("diag: cpu percent failed", "error", err)
	}
	if cores, err := cpu.CountsWithContext(ctx, true); err == nil {
		snap.CPUCores = cores
	} else {
		s.log.Warn("diag: cpu cores failed", "error", err)
	}
	if avg, err := load.AvgWithContext(ctx); err == nil && avg != nil {
		snap.LoadAverage = []float64{avg.Load1, avg.Load5, avg.Load15}
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm != nil {
		snap.MemoryTotalBytes = vm.Total
		snap.MemoryUsedBytes = vm.Used
	} else if err != nil {
		s.log.Warn("diag: memory stats failed", "error", err)
	}
	if up, err := host.UptimeWithContext(ctx); err == nil {
		snap.UptimeSeconds = up
	}

	return snap
}
