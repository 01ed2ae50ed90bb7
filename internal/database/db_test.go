package database

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T, name string, profile DatabaseProfile) *DB {
	t.Helper()
	db, err := New(Config{
		Path:    filepath.Join(t.TempDir(), name+".db"),
		Profile: profile,
		Name:    name,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestNewAndMigrate(t *testing.T) {
	db := newTestDB(t, "state", ProfileStandard)
	require.NoError(t, db.Migrate())

	// Schema is idempotent
	require.NoError(t, db.Migrate())

	// Both tables exist
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name IN ('documents','kv_counters')`).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestMigrateUnknownDatabaseIsNoop(t *testing.T) {
	db := newTestDB(t, "scratch", ProfileCache)
	require.NoError(t, db.Migrate())
}

func TestWithTransactionCommitsOnSuccess(t *testing.T) {
	db := newTestDB(t, "state", ProfileStandard)
	require.NoError(t, db.Migrate())

	err := WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO kv_counters (key, value, updated_at) VALUES ('a', 1, '2026-01-01T00:00:00Z')`)
		return err
	})
	require.NoError(t, err)

	var value int64
	require.NoError(t, db.QueryRow(`SELECT value FROM kv_counters WHERE key = 'a'`).Scan(&value))
	assert.Equal(t, int64(1), value)
}

func TestWithTransactionRollsBackOnError(t *testing.T) {
	db := newTestDB(t, "state", ProfileStandard)
	require.NoError(t, db.Migrate())

	boom := errors.New("boom")
	err := WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO kv_counters (key, value, updated_at) VALUES ('b', 2, '2026-01-01T00:00:00Z')`); err != nil {
			return err
		}
		return boom
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM kv_counters`).Scan(&count))
	assert.Equal(t, 0, count)
}

func TestHealthCheck(t *testing.T) {
	db := newTestDB(t, "state", ProfileStandard)
	require.NoError(t, db.Migrate())
	require.NoError(t, db.HealthCheck(context.Background()))
	require.NoError(t, db.QuickCheck(context.Background()))
}

func TestWALCheckpointAndStats(t *testing.T) {
	db := newTestDB(t, "state", ProfileStandard)
	require.NoError(t, db.Migrate())

	require.NoError(t, db.WALCheckpoint(""))

	stats, err := db.GetStats()
	require.NoError(t, err)
	assert.Greater(t, stats.PageCount, int64(0))
	assert.Greater(t, stats.PageSize, int64(0))
}

func TestVacuumInto(t *testing.T) {
	db := newTestDB(t, "state", ProfileStandard)
	require.NoError(t, db.Migrate())

	dest := filepath.Join(t.TempDir(), "backup.db")
	require.NoError(t, db.VacuumInto(dest))

	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}
