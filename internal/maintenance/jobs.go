package maintenance

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/costs"
	"github.com/aristath/vigil/internal/database"
	"github.com/aristath/vigil/internal/domain"
	"github.com/aristath/vigil/internal/memory"
	"github.com/aristath/vigil/internal/patterns"
	"github.com/aristath/vigil/internal/profiles"
	"github.com/aristath/vigil/internal/reliability"
)

// Six-field cron schedules, seconds first, evaluated in UTC. The daily jobs
// are staggered after midnight so the cost rollover reads a closed day and
// the backup archives it.
const (
	ScheduleWALCheckpoint       = "0 0 * * * *"    // hourly on the hour
	ScheduleMemoryCompaction    = "0 5 * * * *"    // hourly at :05
	ScheduleCorrelation         = "0 10 * * * *"   // hourly at :10
	ScheduleSemanticRepair      = "0 */15 * * * *" // every 15 minutes
	ScheduleHealthSnapshot      = "0 */30 * * * *" // every 30 minutes
	ScheduleCostRollover        = "0 1 0 * * *"    // daily 00:01
	ScheduleBackup              = "0 5 0 * * *"    // daily 00:05
	ScheduleDatabaseMaintenance = "0 20 0 * * *"   // daily 00:20
	SchedulePatternPrune        = "0 0 1 * * *"    // daily 01:00
)

// Patterns below this confidence with no observation for pruneMaxAge are
// noise, not signal.
const (
	pruneConfidenceFloor = 0.2
	pruneMaxAge          = 7 * 24 * time.Hour
)

const (
	costDaysTable = "cost_days"
	appendTimeout = 5 * time.Second
)

// CheckpointJob truncates every database's WAL. SQLite only folds the log
// back into the main file on a checkpoint, and an agent persisting every
// cycle grows the WAL without one.
type CheckpointJob struct {
	databases map[string]*database.DB
	log       zerolog.Logger
}

func NewCheckpointJob(databases map[string]*database.DB, log zerolog.Logger) *CheckpointJob {
	return &CheckpointJob{
		databases: databases,
		log:       log.With().Str("job", "wal_checkpoint").Logger(),
	}
}

func (j *CheckpointJob) Name() string { return "wal_checkpoint" }

func (j *CheckpointJob) Run(ctx context.Context) error {
	for _, name := range sortedNames(j.databases) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := j.databases[name].WALCheckpoint(""); err != nil {
			// A busy writer can hold the checkpoint off. The next run retries.
			j.log.Warn().Err(err).Str("database", name).Msg("WAL checkpoint failed")
		}
	}
	return nil
}

// DatabaseMaintenanceJob runs the daily integrity check and vacuum pass.
// A failed integrity check fails the job; vacuum failures are logged and
// skipped because the data is still intact.
type DatabaseMaintenanceJob struct {
	databases map[string]*database.DB
	log       zerolog.Logger
}

func NewDatabaseMaintenanceJob(databases map[string]*database.DB, log zerolog.Logger) *DatabaseMaintenanceJob {
	return &DatabaseMaintenanceJob{
		databases: databases,
		log:       log.With().Str("job", "database_maintenance").Logger(),
	}
}

func (j *DatabaseMaintenanceJob) Name() string { return "database_maintenance" }

func (j *DatabaseMaintenanceJob) Run(ctx context.Context) error {
	names := sortedNames(j.databases)

	for _, name := range names {
		j.log.Debug().Str("database", name).Msg("Running integrity check")
		if err := j.databases[name].HealthCheck(ctx); err != nil {
			return fmt.Errorf("integrity check failed for %s: %w", name, err)
		}
	}

	for _, name := range names {
		db := j.databases[name]
		if db.Profile() == database.ProfileLedger {
			// Append-only ledgers never free pages, so there is nothing
			// for VACUUM to reclaim.
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		j.log.Debug().Str("database", name).Msg("Running vacuum")
		if err := db.Vacuum(); err != nil {
			j.log.Warn().Err(err).Str("database", name).Msg("Vacuum failed")
		}
	}
	return nil
}

// BackupJob uploads one verified archive of all databases.
type BackupJob struct {
	service *reliability.BackupService
}

func NewBackupJob(service *reliability.BackupService) *BackupJob {
	return &BackupJob{service: service}
}

func (j *BackupJob) Name() string { return "cloud_backup" }

func (j *BackupJob) Run(ctx context.Context) error {
	return j.service.Run(ctx)
}

// HealthSnapshotJob records one machine and database health snapshot.
type HealthSnapshotJob struct {
	monitor *reliability.HealthMonitor
}

func NewHealthSnapshotJob(monitor *reliability.HealthMonitor) *HealthSnapshotJob {
	return &HealthSnapshotJob{monitor: monitor}
}

func (j *HealthSnapshotJob) Name() string { return "health_snapshot" }

func (j *HealthSnapshotJob) Run(ctx context.Context) error {
	_, err := j.monitor.Collect(ctx)
	return err
}

// MemoryCompactionJob evicts expired, rarely accessed memories.
type MemoryCompactionJob struct {
	memories *memory.Manager
}

func NewMemoryCompactionJob(memories *memory.Manager) *MemoryCompactionJob {
	return &MemoryCompactionJob{memories: memories}
}

func (j *MemoryCompactionJob) Name() string { return "memory_compaction" }

func (j *MemoryCompactionJob) Run(ctx context.Context) error {
	_, err := j.memories.Compact(ctx)
	return err
}

// SemanticRepairJob replays vector writes that failed during persistence.
type SemanticRepairJob struct {
	memories *memory.Manager
}

func NewSemanticRepairJob(memories *memory.Manager) *SemanticRepairJob {
	return &SemanticRepairJob{memories: memories}
}

func (j *SemanticRepairJob) Name() string { return "semantic_repair" }

func (j *SemanticRepairJob) Run(ctx context.Context) error {
	_, err := j.memories.RepairSemantic(ctx)
	return err
}

// CorrelationJob recomputes pairwise pool correlations from recent yields.
type CorrelationJob struct {
	profiles *profiles.Store
}

func NewCorrelationJob(profiles *profiles.Store) *CorrelationJob {
	return &CorrelationJob{profiles: profiles}
}

func (j *CorrelationJob) Name() string { return "pool_correlation" }

func (j *CorrelationJob) Run(ctx context.Context) error {
	_, err := j.profiles.Correlate(ctx)
	return err
}

// PatternPruneJob drops stale low-confidence patterns from the working set.
type PatternPruneJob struct {
	patterns *patterns.Engine
}

func NewPatternPruneJob(patterns *patterns.Engine) *PatternPruneJob {
	return &PatternPruneJob{patterns: patterns}
}

func (j *PatternPruneJob) Name() string { return "pattern_prune" }

func (j *PatternPruneJob) Run(ctx context.Context) error {
	_, err := j.patterns.Prune(ctx, pruneConfidenceFloor, pruneMaxAge)
	return err
}

// CostRolloverJob archives yesterday's final LLM spend to analytics after
// the UTC day flips. Today's counter moves constantly; yesterday's is
// immutable, which makes it the number worth keeping.
type CostRolloverJob struct {
	governor  *costs.Governor
	analytics domain.Analytics
	clock     domain.Clock
	log       zerolog.Logger
}

func NewCostRolloverJob(governor *costs.Governor, analytics domain.Analytics, clock domain.Clock, log zerolog.Logger) *CostRolloverJob {
	return &CostRolloverJob{
		governor:  governor,
		analytics: analytics,
		clock:     clock,
		log:       log.With().Str("job", "cost_rollover").Logger(),
	}
}

func (j *CostRolloverJob) Name() string { return "cost_rollover" }

func (j *CostRolloverJob) Run(ctx context.Context) error {
	yesterday := j.clock.Now().UTC().AddDate(0, 0, -1)
	spend, err := j.governor.SpendUSDOn(ctx, yesterday)
	if err != nil {
		return fmt.Errorf("failed to read yesterday's spend: %w", err)
	}

	day := yesterday.Format("2006-01-02")
	appendCtx, cancel := context.WithTimeout(ctx, appendTimeout)
	defer cancel()
	err = j.analytics.Append(appendCtx, costDaysTable, map[string]any{
		"day":       day,
		"spend_usd": spend,
		"cap_usd":   j.governor.CapUSD(),
	})
	if err != nil {
		return fmt.Errorf("failed to archive spend for %s: %w", day, err)
	}

	j.log.Info().Str("day", day).Float64("spend_usd", spend).Msg("Daily spend archived")
	return nil
}

func sortedNames(databases map[string]*database.DB) []string {
	names := make([]string, 0, len(databases))
	for name := range databases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
