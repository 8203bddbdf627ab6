// Package monitor samples process and system memory and combines it with the
// chat session's resource arena, giving diagnostics one place to read memory
// pressure from.
package monitor

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

const snapshotCacheTTL = 2 * time.Second

// ArenaUsage mirrors the chat session's tracked-resource accounting.
type ArenaUsage struct {
	ActiveResources  int   `json:"active_resources"`
	TotalAllocated   int64 `json:"total_allocated"`
	IsMemoryPressure bool  `json:"is_memory_pressure"`
}

// ArenaUsageFunc reads the current arena usage. Supplied by the session owner.
type ArenaUsageFunc func() ArenaUsage

type MemorySnapshot struct {
	ProcessRSSBytes  uint64  `json:"process_rss_bytes"`
	SystemTotalBytes uint64  `json:"system_total_bytes"`
	SystemUsedPct    float64 `json:"system_used_pct"`
	GoHeapBytes      uint64  `json:"go_heap_bytes"`

	Arena ArenaUsage `json:"arena"`

	Platform    string `json:"platform"`
	TimestampMs int64  `json:"timestamp_ms"`
}

type Service struct {
	log   *slog.Logger
	arena ArenaUsageFunc

	mu      sync.Mutex
	hasSnap bool
	snap    MemorySnapshot
	snapAt  time.Time
}

func NewService(log *slog.Logger, arena ArenaUsageFunc) *Service {
	if log == nil {
		log = slog.Default()
	}
	if arena == nil {
		arena = func() ArenaUsage { return ArenaUsage{} }
	}
	return &Service{log: log, arena: arena}
}

// Snapshot returns the current memory picture. Host metrics are cached
// briefly; arena usage is always read fresh so pressure changes show up
// immediately.
func (s *Service) Snapshot(ctx context.Context) MemorySnapshot {
	if s == nil {
		return MemorySnapshot{}
	}
	now := time.Now()

	s.mu.Lock()
	if s.hasSnap && now.Sub(s.snapAt) < snapshotCacheTTL {
		out := s.snap
		s.mu.Unlock()
		out.Arena = s.arena()
		return out
	}
	s.mu.Unlock()

	snap := s.collect(ctx, now)

	s.mu.Lock()
	s.snap = snap
	s.snapAt = now
	s.hasSnap = true
	s.mu.Unlock()

	snap.Arena = s.arena()
	return snap
}

func (s *Service) collect(ctx context.Context, now time.Time) MemorySnapshot {
	snap := MemorySnapshot{
		Platform:    runtime.GOOS,
		TimestampMs: now.UnixMilli(),
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	snap.GoHeapBytes = ms.HeapAlloc

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm != nil {
		snap.SystemTotalBytes = vm.Total
		snap.SystemUsedPct = vm.UsedPercent
	} else if err != nil {
		s.log.Warn("memory snapshot: system memory read failed", "error", err)
	}

	if proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err == nil {
		if info, err := proc.MemoryInfoWithContext(ctx); err == nil && info != nil {
			snap.ProcessRSSBytes = info.RSS
		} else if err != nil {
			s.log.Warn("memory snapshot: process memory read failed", "error", err)
		}
	} else {
		s.log.Warn("memory snapshot: process lookup failed", "error", err)
	}

	return snap
}
