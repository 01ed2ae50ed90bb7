package reliability

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aristath/vigil/internal/database"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type analyticsRow struct {
	table  string
	record map[string]any
}

type fakeAnalytics struct {
	mu   sync.Mutex
	rows []analyticsRow
}

func (f *fakeAnalytics) Append(ctx context.Context, table string, record map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, analyticsRow{table: table, record: record})
	return nil
}

func newTestHealthMonitor(t *testing.T, dataDir string, dbs map[string]*database.DB) (*HealthMonitor, *fakeAnalytics, *recordingObserver) {
	t.Helper()
	analytics := &fakeAnalytics{}
	observer := &recordingObserver{}
	clock := &fixedClock{now: time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)}
	monitor := NewHealthMonitor(dbs, dataDir, analytics, observer, clock, zerolog.Nop())
	return monitor, analytics, observer
}

func TestCollectRecordsSnapshot(t *testing.T) {
	dir := t.TempDir()
	db, err := database.New(database.Config{
		Path:    filepath.Join(dir, "state.db"),
		Profile: database.ProfileStandard,
		Name:    "state",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	monitor, analytics, observer := newTestHealthMonitor(t, dir, map[string]*database.DB{"state": db})

	snap, err := monitor.Collect(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap)

	state := snap.Databases["state"]
	assert.True(t, state.Reachable)
	assert.Greater(t, state.SizeMB, 0.0)
	assert.Greater(t, snap.DiskFreeGB, 0.0)
	assert.Equal(t, time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC), snap.TakenAt)

	require.Len(t, analytics.rows, 1)
	assert.Equal(t, healthTable, analytics.rows[0].table)
	assert.Contains(t, analytics.rows[0].record, "cpu_percent")
	assert.Contains(t, analytics.rows[0].record, "state_size_mb")

	snapshots := observer.byCode("HEALTH_SNAPSHOT")
	require.Len(t, snapshots, 1)
}

func TestCollectFlagsUnreachableDatabase(t *testing.T) {
	dir := t.TempDir()
	db, err := database.New(database.Config{
		Path:    filepath.Join(dir, "state.db"),
		Profile: database.ProfileStandard,
		Name:    "state",
	})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	monitor, _, _ := newTestHealthMonitor(t, dir, map[string]*database.DB{"state": db})

	snap, err := monitor.Collect(context.Background())
	require.NoError(t, err)
	assert.False(t, snap.Databases["state"].Reachable)
	assert.Zero(t, snap.Databases["state"].SizeMB)
}

func TestCollectSkipsDiskFloorWhenUnreadable(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "does-not-exist")
	monitor, _, observer := newTestHealthMonitor(t, missing, map[string]*database.DB{})

	snap, err := monitor.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, -1.0, snap.DiskFreeGB)

	// No disk reading means no scare: the event stays informational.
	snapshots := observer.byCode("HEALTH_SNAPSHOT")
	require.Len(t, snapshots, 1)
	assert.Equal(t, "info", snapshots[0].level)
}
