// Package di wires the agent together. Wire is the single composition
// point: it opens the databases, builds every store and service in
// dependency order, and hands back a Container whose lifecycle the
// caller owns.
package di

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/clients/anthropic"
	"github.com/aristath/vigil/internal/clients/simchain"
	"github.com/aristath/vigil/internal/clock"
	"github.com/aristath/vigil/internal/config"
	"github.com/aristath/vigil/internal/costs"
	"github.com/aristath/vigil/internal/database"
	"github.com/aristath/vigil/internal/domain"
	"github.com/aristath/vigil/internal/engine"
	"github.com/aristath/vigil/internal/events"
	"github.com/aristath/vigil/internal/maintenance"
	"github.com/aristath/vigil/internal/memory"
	"github.com/aristath/vigil/internal/patterns"
	"github.com/aristath/vigil/internal/profiles"
	"github.com/aristath/vigil/internal/reliability"
	"github.com/aristath/vigil/internal/scheduler"
	"github.com/aristath/vigil/internal/storage"
)

// Container holds every wired component. Fields are exported for main and
// for tests; nothing else should reach into it.
type Container struct {
	Config *config.Config

	StateDB     *database.DB
	AnalyticsDB *database.DB
	VectorsDB   *database.DB

	KV        *storage.KV
	Docs      *storage.DocStore
	Analytics *storage.Analytics
	Vectors   *storage.VectorStore
	Secrets   domain.SecretStore

	Clock    domain.Clock
	Observer domain.Observer

	Governor *costs.Governor
	Router   *costs.Router
	Memories *memory.Manager
	Profiles *profiles.Store
	Patterns *patterns.Engine
	Gateway  domain.ChainGateway

	Engine    *engine.Engine
	Scheduler *scheduler.Scheduler

	Health  *reliability.HealthMonitor
	Backups *reliability.BackupService // nil when cloud backup is disabled

	Maintenance *maintenance.Registry

	log zerolog.Logger
}

// Wire initializes all dependencies and returns a fully configured container.
// Order of operations:
// 1. Open and migrate the three databases
// 2. Build the storage layer over the raw connections
// 3. Build the clock and the event fan-out
// 4. Build cost governance and the model router
// 5. Build memory, pool profiles, and the pattern engine
// 6. Build the chain gateway behind its circuit breaker
// 7. Build the cycle engine and its scheduler
// 8. Build reliability services and register maintenance jobs
func Wire(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Container, error) {
	c := &Container{Config: cfg, log: log}

	// Step 1: Databases. Each failure closes everything opened before it.
	stateDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "state.db"),
		Profile: database.ProfileStandard,
		Name:    "state",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	analyticsDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "analytics.db"),
		Profile: database.ProfileLedger,
		Name:    "analytics",
	})
	if err != nil {
		stateDB.Close()
		return nil, fmt.Errorf("failed to open analytics database: %w", err)
	}
	vectorsDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "vectors.db"),
		Profile: database.ProfileStandard,
		Name:    "vectors",
	})
	if err != nil {
		stateDB.Close()
		analyticsDB.Close()
		return nil, fmt.Errorf("failed to open vectors database: %w", err)
	}
	c.StateDB, c.AnalyticsDB, c.VectorsDB = stateDB, analyticsDB, vectorsDB

	for _, db := range []*database.DB{stateDB, analyticsDB, vectorsDB} {
		if err := db.Migrate(); err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to migrate %s database: %w", db.Name(), err)
		}
	}

	// Step 2: Storage over the raw connections. Documents and the KV share
	// the state database; the vector namespace isolates agents that share a
	// vectors file.
	c.KV = storage.NewKV(stateDB.Conn(), log)
	c.Docs = storage.NewDocStore(stateDB.Conn(), log)
	c.Analytics = storage.NewAnalytics(analyticsDB.Conn(), log)
	c.Vectors = storage.NewVectorStore(vectorsDB.Conn(), domain.VectorNamespace(cfg.AgentID), log)
	c.Secrets = storage.NewEnvSecretStore()

	// Step 3: Clock and event fan-out. The analytics observer records the
	// same events the log observer prints, so history survives restarts.
	c.Clock = clock.NewSystem()
	c.Observer = events.NewMultiObserver(
		events.NewLogObserver(log),
		events.NewAnalyticsObserver(c.Analytics, log),
	)

	// Step 4: Cost governance and the model router. A missing API key is
	// not fatal: the router gets a provider that always fails transiently,
	// and THINK falls back to its rule-based analysis.
	c.Governor = costs.NewGovernor(cfg.AgentID, cfg.MaxDailyCostUSD, cfg.AlertThresholdsUSD,
		c.KV, c.Docs, c.Analytics, c.Clock, c.Observer, log)

	var provider domain.LLMProvider
	if client, err := anthropic.NewClient(c.Secrets, log); err != nil {
		log.Warn().Err(err).Msg("LLM provider unavailable - cycles will run on heuristics")
		provider = disabledLLM{}
	} else {
		provider = client
	}
	c.Router = costs.NewRouter(c.Governor, provider, cfg.ComfortableTreasuryUSD, cfg.LLMTimeout, log)

	// Step 5: Memory, pool profiles, patterns.
	c.Memories = memory.NewManager(cfg.AgentID, c.Docs, c.Vectors, memory.NewHashEmbedder(0),
		c.Clock, c.Observer, cfg.CompactAccessFloor, log)
	c.Profiles = profiles.NewStore(cfg.AgentID, c.Docs, c.Clock, cfg.PoolProfileUpdateInterval, log)
	c.Patterns = patterns.NewEngine(cfg.AgentID, c.Docs, c.Profiles, c.Clock, c.Observer,
		cfg.MinPatternConfidence, log)

	// Step 6: Chain gateway. The simulated protocol stands in until a real
	// RPC gateway exists; the breaker wraps whichever implementation runs.
	c.Gateway = reliability.NewBreakerGateway(
		simchain.NewGateway(cfg.StartingTreasuryUSD, c.Clock, log), log)

	// Step 7: The cycle engine and its scheduler. The governor doubles as
	// the scheduler's emergency check.
	c.Engine = engine.New(cfg, c.Gateway, c.Docs, c.Memories, c.Profiles, c.Patterns,
		c.Governor, c.Router, c.Clock, c.Observer, log)
	c.Scheduler = scheduler.New(cfg, c.Engine, c.Governor, c.Clock, c.Observer, log)

	// Step 8: Reliability services and the maintenance schedule.
	databases := map[string]*database.DB{
		"state":     stateDB,
		"analytics": analyticsDB,
		"vectors":   vectorsDB,
	}
	c.Health = reliability.NewHealthMonitor(databases, cfg.DataDir, c.Analytics, c.Observer, c.Clock, log)

	if cfg.BackupEnabled {
		store, err := reliability.NewS3Store(ctx, cfg.BackupS3Bucket, c.Secrets, log)
		if err != nil {
			log.Warn().Err(err).Msg("Cloud backup unavailable - continuing without it")
		} else {
			c.Backups = reliability.NewBackupService(databases, store, cfg.AgentID,
				cfg.BackupS3Prefix, cfg.BackupKeep, c.Clock, c.Observer, log)
		}
	}

	registry, err := registerMaintenance(c, databases, log)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to register maintenance jobs: %w", err)
	}
	c.Maintenance = registry

	log.Info().Str("agent_id", cfg.AgentID).Msg("Wiring completed")
	return c, nil
}

// registerMaintenance builds the cron registry and adds every job. Timeouts
// are generous multiples of expected runtimes; a job that overruns is cut
// off and retried on its next tick.
func registerMaintenance(c *Container, databases map[string]*database.DB, log zerolog.Logger) (*maintenance.Registry, error) {
	registry := maintenance.NewRegistry(log)

	type registration struct {
		schedule string
		timeout  time.Duration
		job      maintenance.Job
	}
	regs := []registration{
		{maintenance.ScheduleWALCheckpoint, 30 * time.Second, maintenance.NewCheckpointJob(databases, log)},
		{maintenance.ScheduleMemoryCompaction, 2 * time.Minute, maintenance.NewMemoryCompactionJob(c.Memories)},
		{maintenance.ScheduleCorrelation, 2 * time.Minute, maintenance.NewCorrelationJob(c.Profiles)},
		{maintenance.ScheduleSemanticRepair, time.Minute, maintenance.NewSemanticRepairJob(c.Memories)},
		{maintenance.ScheduleHealthSnapshot, 30 * time.Second, maintenance.NewHealthSnapshotJob(c.Health)},
		{maintenance.ScheduleCostRollover, 30 * time.Second, maintenance.NewCostRolloverJob(c.Governor, c.Analytics, c.Clock, log)},
		{maintenance.ScheduleDatabaseMaintenance, 5 * time.Minute, maintenance.NewDatabaseMaintenanceJob(databases, log)},
		{maintenance.SchedulePatternPrune, time.Minute, maintenance.NewPatternPruneJob(c.Patterns)},
	}
	if c.Backups != nil {
		regs = append(regs, registration{maintenance.ScheduleBackup, 10 * time.Minute, maintenance.NewBackupJob(c.Backups)})
	}

	for _, r := range regs {
		if err := registry.Add(r.schedule, r.timeout, r.job); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// Close releases everything Wire opened, in reverse of open order. Callers
// stop the scheduler and the maintenance registry before closing.
func (c *Container) Close() {
	for _, db := range []*database.DB{c.VectorsDB, c.AnalyticsDB, c.StateDB} {
		if db == nil {
			continue
		}
		if err := db.Close(); err != nil {
			c.log.Warn().Err(err).Str("database", db.Name()).Msg("Database close failed")
		}
	}
}

// disabledLLM answers every completion with a transient failure. It backs
// the router when no API key is configured, which turns every THINK into
// the rule-based fallback instead of a crashed cycle.
type disabledLLM struct{}

func (disabledLLM) Complete(context.Context, domain.ModelTier, string, int) (domain.Completion, error) {
	return domain.Completion{}, &domain.TransientError{
		Op:  "llm_complete",
		Err: errors.New("no llm provider configured"),
	}
}
