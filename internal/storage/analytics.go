package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Analytics appends event records to the ledger-profile analytics database.
// Records are never updated or deleted by the agent; reports and dashboards
// read them out of band.
type Analytics struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewAnalytics creates an analytics sink on the given connection.
func NewAnalytics(db *sql.DB, log zerolog.Logger) *Analytics {
	return &Analytics{
		db:  db,
		log: log.With().Str("store", "analytics").Logger(),
	}
}

// Append writes one record to the named logical table.
func (s *Analytics) Append(ctx context.Context, table string, record map[string]any) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal analytics record for %s: %w", table, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO analytics_events (id, table_name, record, created_at)
		VALUES (?, ?, ?, ?)
	`, uuid.New().String(), table, string(body), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to append analytics record to %s: %w", table, err)
	}
	return nil
}

// List returns the most recent records for a logical table, newest first.
func (s *Analytics) List(ctx context.Context, table string, limit int) ([]json.RawMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT record FROM analytics_events
		WHERE table_name = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, table, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list analytics records for %s: %w", table, err)
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			s.log.Warn().Err(err).Str("table", table).Msg("Failed to scan analytics row")
			continue
		}
		out = append(out, json.RawMessage(body))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate analytics records for %s: %w", table, err)
	}
	return out, nil
}
