package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// KV stores named integer counters. Missing keys read as zero, so callers
// bootstrap a counter by passing expected=0 to CompareAndSetInt.
type KV struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewKV creates a counter store on the given connection.
func NewKV(db *sql.DB, log zerolog.Logger) *KV {
	return &KV{
		db:  db,
		log: log.With().Str("store", "kv").Logger(),
	}
}

// GetInt reads a counter. Missing keys return 0 without error.
func (s *KV) GetInt(ctx context.Context, key string) (int64, error) {
	var value int64
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv_counters WHERE key = ?`, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get counter %s: %w", key, err)
	}
	return value, nil
}

// CompareAndSetInt atomically replaces the counter value when the stored
// value equals expected. Returns false when another writer got there first.
func (s *KV) CompareAndSetInt(ctx context.Context, key string, expected, value int64) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	if expected == 0 {
		// The key may not exist yet. Creation counts as a successful swap;
		// on conflict we fall through to the conditional update so an
		// existing row holding an explicit zero still swaps correctly.
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO kv_counters (key, value, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(key) DO NOTHING
		`, key, value, now)
		if err != nil {
			return false, fmt.Errorf("failed to create counter %s: %w", key, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 1 {
			return true, nil
		}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE kv_counters SET value = ?, updated_at = ?
		WHERE key = ? AND value = ?
	`, value, now, key, expected)
	if err != nil {
		return false, fmt.Errorf("failed to swap counter %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected for counter %s: %w", key, err)
	}
	return n == 1, nil
}
