package reliability

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/vigil/internal/database"
	"github.com/aristath/vigil/internal/domain"
	"github.com/aristath/vigil/internal/events"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// Disk thresholds in GB of free space. Below critical the agent must halt
// before a partial SQLite write corrupts state.
const (
	diskCriticalGB = 0.5
	diskLowGB      = 5.0
)

const healthTable = "health"

// HealthSnapshot is one machine + database health reading.
type HealthSnapshot struct {
	TakenAt        time.Time                 `json:"taken_at"`
	CPUPercent     float64                   `json:"cpu_percent"`
	MemUsedPercent float64                   `json:"mem_used_percent"`
	DiskFreeGB     float64                   `json:"disk_free_gb"`
	DiskUsedPct    float64                   `json:"disk_used_percent"`
	Databases      map[string]DatabaseHealth `json:"databases"`
}

// DatabaseHealth is the per-database slice of a snapshot.
type DatabaseHealth struct {
	Reachable bool    `json:"reachable"`
	SizeMB    float64 `json:"size_mb"`
	WALSizeMB float64 `json:"wal_size_mb"`
}

// HealthMonitor samples cpu/mem/disk usage plus database sizes and appends
// the reading to the analytics feed for the dashboard. Sampling failures
// degrade to zero values with a warning; only critically low disk space is
// an error, because continuing to write then risks corruption.
type HealthMonitor struct {
	databases map[string]*database.DB
	dataDir   string
	analytics domain.Analytics
	observer  domain.Observer
	clock     domain.Clock
	log       zerolog.Logger
}

// NewHealthMonitor creates a monitor over the named databases. dataDir is the
// directory whose filesystem the disk check watches.
func NewHealthMonitor(
	databases map[string]*database.DB,
	dataDir string,
	analytics domain.Analytics,
	observer domain.Observer,
	clock domain.Clock,
	log zerolog.Logger,
) *HealthMonitor {
	return &HealthMonitor{
		databases: databases,
		dataDir:   dataDir,
		analytics: analytics,
		observer:  observer,
		clock:     clock,
		log:       log.With().Str("module", "health").Logger(),
	}
}

// Collect takes a snapshot, records it, and returns an error only when free
// disk space is below the critical floor.
func (m *HealthMonitor) Collect(ctx context.Context) (*HealthSnapshot, error) {
	snap := &HealthSnapshot{
		TakenAt:   m.clock.Now().UTC(),
		Databases: make(map[string]DatabaseHealth, len(m.databases)),
	}

	// CPU usage over a 100ms sampling window.
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil || len(cpuPercent) == 0 {
		m.log.Warn().Err(err).Msg("Failed to sample CPU usage")
	} else {
		var total float64
		for _, v := range cpuPercent {
			total += v
		}
		snap.CPUPercent = total / float64(len(cpuPercent))
	}

	if memStat, err := mem.VirtualMemory(); err != nil {
		m.log.Warn().Err(err).Msg("Failed to sample memory usage")
	} else {
		snap.MemUsedPercent = memStat.UsedPercent
	}

	if usage, err := disk.Usage(m.dataDir); err != nil {
		m.log.Warn().Err(err).Msg("Failed to sample disk usage")
		// No reading is not the same as no space. Skip the floor check.
		snap.DiskFreeGB = -1
	} else {
		snap.DiskFreeGB = float64(usage.Free) / 1e9
		snap.DiskUsedPct = usage.UsedPercent
	}

	for name, db := range m.databases {
		snap.Databases[name] = m.databaseHealth(ctx, name, db)
	}

	m.record(ctx, snap)

	if snap.DiskFreeGB >= 0 && snap.DiskFreeGB < diskCriticalGB {
		return snap, fmt.Errorf("only %.2f GB free on %s, halting before corruption", snap.DiskFreeGB, m.dataDir)
	}
	return snap, nil
}

func (m *HealthMonitor) databaseHealth(ctx context.Context, name string, db *database.DB) DatabaseHealth {
	h := DatabaseHealth{}

	if err := db.QuickCheck(ctx); err != nil {
		m.log.Warn().Err(err).Str("database", name).Msg("Database unreachable")
		return h
	}
	h.Reachable = true

	stats, err := db.GetStats()
	if err != nil {
		m.log.Warn().Err(err).Str("database", name).Msg("Failed to read database stats")
		return h
	}
	h.SizeMB = float64(stats.SizeBytes) / 1024 / 1024
	h.WALSizeMB = float64(stats.WALSizeBytes) / 1024 / 1024
	return h
}

// record appends the snapshot to analytics and emits an event whose level
// follows the disk reading.
func (m *HealthMonitor) record(ctx context.Context, snap *HealthSnapshot) {
	fields := map[string]any{
		"cpu_percent":      snap.CPUPercent,
		"mem_used_percent": snap.MemUsedPercent,
		"disk_free_gb":     snap.DiskFreeGB,
		"disk_used_pct":    snap.DiskUsedPct,
		"taken_at":         snap.TakenAt.Format(time.RFC3339),
	}
	for name, h := range snap.Databases {
		fields[name+"_size_mb"] = h.SizeMB
		fields[name+"_wal_mb"] = h.WALSizeMB
		fields[name+"_reachable"] = h.Reachable
	}

	if err := m.analytics.Append(ctx, healthTable, fields); err != nil {
		m.log.Warn().Err(err).Msg("Failed to append health snapshot to analytics")
	}

	level := events.LevelInfo
	switch {
	case snap.DiskFreeGB >= 0 && snap.DiskFreeGB < diskCriticalGB:
		level = events.LevelError
	case snap.DiskFreeGB >= 0 && snap.DiskFreeGB < diskLowGB:
		level = events.LevelWarn
	}
	m.observer.Event(level, events.CodeHealthSnapshot, fields)
}
