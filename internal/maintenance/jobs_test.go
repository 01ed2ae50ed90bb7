package maintenance

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/vigil/internal/costs"
	"github.com/aristath/vigil/internal/database"
	"github.com/aristath/vigil/internal/domain"
	"github.com/aristath/vigil/internal/memory"
	"github.com/aristath/vigil/internal/patterns"
	"github.com/aristath/vigil/internal/profiles"
	"github.com/aristath/vigil/internal/reliability"
	"github.com/aristath/vigil/internal/storage"
)

func TestCheckpointJobTruncatesWAL(t *testing.T) {
	state := newMaintDB(t, "state", database.ProfileStandard)
	for i := 0; i < 50; i++ {
		_, err := state.Conn().Exec(
			`INSERT INTO documents (collection, id, rev, body, updated_at) VALUES (?, ?, 1, ?, ?)`,
			"notes", fmt.Sprintf("doc-%03d", i), `{"i":1}`, "2025-06-02T00:00:00Z")
		require.NoError(t, err)
	}
	stats, err := state.GetStats()
	require.NoError(t, err)
	require.Positive(t, stats.WALSizeBytes)

	job := NewCheckpointJob(map[string]*database.DB{"state": state}, zerolog.Nop())
	assert.Equal(t, "wal_checkpoint", job.Name())
	require.NoError(t, job.Run(context.Background()))

	stats, err = state.GetStats()
	require.NoError(t, err)
	assert.Zero(t, stats.WALSizeBytes)
}

func TestDatabaseMaintenancePassesOnHealthyDatabases(t *testing.T) {
	databases := map[string]*database.DB{
		"state":     newMaintDB(t, "state", database.ProfileStandard),
		"analytics": newMaintDB(t, "analytics", database.ProfileLedger),
		"vectors":   newMaintDB(t, "vectors", database.ProfileStandard),
	}

	job := NewDatabaseMaintenanceJob(databases, zerolog.Nop())
	require.NoError(t, job.Run(context.Background()))
}

func TestDatabaseMaintenanceFailsOnUnreachableDatabase(t *testing.T) {
	state := newMaintDB(t, "state", database.ProfileStandard)
	require.NoError(t, state.Close())

	job := NewDatabaseMaintenanceJob(map[string]*database.DB{"state": state}, zerolog.Nop())

	err := job.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "integrity check failed for state")
}

func TestBackupJobUploadsArchive(t *testing.T) {
	state := newMaintDB(t, "state", database.ProfileStandard)
	store := &memObjectStore{}
	clock := newFakeClock(time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC))

	svc := reliability.NewBackupService(
		map[string]*database.DB{"state": state},
		store, "test-agent", "snapshots", 3, clock, &recordingObserver{}, zerolog.Nop())
	job := NewBackupJob(svc)
	assert.Equal(t, "cloud_backup", job.Name())

	require.NoError(t, job.Run(context.Background()))
	assert.Len(t, store.keys(), 1)
}

func TestHealthSnapshotJobRecords(t *testing.T) {
	state := newMaintDB(t, "state", database.ProfileStandard)
	analytics := &fakeAnalytics{}
	clock := newFakeClock(time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC))

	monitor := reliability.NewHealthMonitor(
		map[string]*database.DB{"state": state},
		filepath.Dir(state.Path()), analytics, &recordingObserver{}, clock, zerolog.Nop())
	job := NewHealthSnapshotJob(monitor)
	assert.Equal(t, "health_snapshot", job.Name())

	require.NoError(t, job.Run(context.Background()))
	assert.Len(t, analytics.byTable("health"), 1)
}

func TestCostRolloverArchivesYesterdaySpend(t *testing.T) {
	state := newMaintDB(t, "state", database.ProfileStandard)
	log := zerolog.Nop()
	kv := storage.NewKV(state.Conn(), log)
	docs := storage.NewDocStore(state.Conn(), log)
	analytics := &fakeAnalytics{}
	clock := newFakeClock(time.Date(2025, 6, 1, 23, 0, 0, 0, time.UTC))
	ctx := context.Background()

	gov := costs.NewGovernor("test-agent", 30, nil, kv, docs, analytics, clock, &recordingObserver{}, log)
	_, err := gov.Record(ctx, domain.CostLedgerEntry{
		TS:        clock.Now(),
		Service:   domain.CostLLM,
		Operation: "ANALYSIS",
		USD:       1.25,
		ModelTier: domain.TierBalanced,
	})
	require.NoError(t, err)

	// The day flips; the job runs on its 00:01 slot.
	clock.Set(time.Date(2025, 6, 2, 0, 1, 0, 0, time.UTC))
	job := NewCostRolloverJob(gov, analytics, clock, log)
	assert.Equal(t, "cost_rollover", job.Name())
	require.NoError(t, job.Run(ctx))

	rows := analytics.byTable(costDaysTable)
	require.Len(t, rows, 1)
	assert.Equal(t, "2025-06-01", rows[0]["day"])
	assert.InDelta(t, 1.25, rows[0]["spend_usd"].(float64), 1e-9)
	assert.InDelta(t, 30.0, rows[0]["cap_usd"].(float64), 1e-9)
}

func TestMemoryJobsRunCleanOnEmptyStores(t *testing.T) {
	state := newMaintDB(t, "state", database.ProfileStandard)
	vectors := newMaintDB(t, "vectors", database.ProfileStandard)
	log := zerolog.Nop()
	clock := newFakeClock(time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC))
	ctx := context.Background()

	manager := memory.NewManager(
		"test-agent",
		storage.NewDocStore(state.Conn(), log),
		storage.NewVectorStore(vectors.Conn(), domain.VectorNamespace("test-agent"), log),
		memory.NewHashEmbedder(64),
		clock, &recordingObserver{}, 3, log)

	compaction := NewMemoryCompactionJob(manager)
	assert.Equal(t, "memory_compaction", compaction.Name())
	require.NoError(t, compaction.Run(ctx))

	repair := NewSemanticRepairJob(manager)
	assert.Equal(t, "semantic_repair", repair.Name())
	require.NoError(t, repair.Run(ctx))
}

func TestPatternAndCorrelationJobsRunCleanOnEmptyStores(t *testing.T) {
	state := newMaintDB(t, "state", database.ProfileStandard)
	log := zerolog.Nop()
	clock := newFakeClock(time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC))
	docs := storage.NewDocStore(state.Conn(), log)
	ctx := context.Background()

	profileStore := profiles.NewStore("test-agent", docs, clock, time.Minute, log)
	engine := patterns.NewEngine("test-agent", docs, profileStore, clock, &recordingObserver{}, 0.7, log)

	correlation := NewCorrelationJob(profileStore)
	assert.Equal(t, "pool_correlation", correlation.Name())
	require.NoError(t, correlation.Run(ctx))

	prune := NewPatternPruneJob(engine)
	assert.Equal(t, "pattern_prune", prune.Name())
	require.NoError(t, prune.Run(ctx))
}

func newMaintDB(t *testing.T, name string, profile database.DatabaseProfile) *database.DB {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), name+".db"),
		Profile: profile,
		Name:    name,
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return ctx.Err()
}

func (c *fakeClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

type recordingObserver struct {
	mu     sync.Mutex
	events []string
}

func (o *recordingObserver) Event(level, code string, fields map[string]any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, code)
}

type analyticsRow struct {
	table  string
	record map[string]any
}

type fakeAnalytics struct {
	mu   sync.Mutex
	rows []analyticsRow
}

func (a *fakeAnalytics) Append(ctx context.Context, table string, record map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rows = append(a.rows, analyticsRow{table: table, record: record})
	return nil
}

func (a *fakeAnalytics) byTable(table string) []map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []map[string]any
	for _, row := range a.rows {
		if row.table == table {
			out = append(out, row.record)
		}
	}
	return out
}

type memObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (s *memObjectStore) Upload(ctx context.Context, key string, body io.Reader, size int64) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.objects == nil {
		s.objects = make(map[string][]byte)
	}
	s.objects[key] = data
	return nil
}

func (s *memObjectStore) List(ctx context.Context, prefix string) ([]reliability.StoredObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []reliability.StoredObject
	for key, data := range s.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, reliability.StoredObject{Key: key, SizeBytes: int64(len(data))})
		}
	}
	return out, nil
}

func (s *memObjectStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *memObjectStore) keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.objects))
	for key := range s.objects {
		out = append(out, key)
	}
	return out
}
