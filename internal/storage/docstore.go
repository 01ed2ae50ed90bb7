// Package storage provides SQLite-backed implementations of the persistence
// ports: the JSON document store, the counter KV, the vector index and the
// append-only analytics feed. All stores share the database wrappers from
// internal/database and speak the domain interfaces.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aristath/vigil/internal/domain"
	"github.com/rs/zerolog"
)

// DocStore stores versioned JSON documents grouped by collection.
// Revisions start at 1 and increment on every write, which gives
// PutIfRevision its optimistic-concurrency semantics.
type DocStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewDocStore creates a document store on the given connection.
func NewDocStore(db *sql.DB, log zerolog.Logger) *DocStore {
	return &DocStore{
		db:  db,
		log: log.With().Str("store", "documents").Logger(),
	}
}

// Put writes a document unconditionally, bumping its revision if it exists.
func (s *DocStore) Put(ctx context.Context, collection, id string, doc any) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document %s/%s: %w", collection, id, err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (collection, id, rev, body, updated_at)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			rev = rev + 1,
			body = excluded.body,
			updated_at = excluded.updated_at
	`, collection, id, string(body), now)
	if err != nil {
		return fmt.Errorf("failed to put document %s/%s: %w", collection, id, err)
	}
	return nil
}

// PutIfRevision writes a document only when the stored revision matches
// expectedRev. An expectedRev of 0 means "create only": the write fails with
// ErrRevisionMismatch when the document already exists.
func (s *DocStore) PutIfRevision(ctx context.Context, collection, id string, doc any, expectedRev int64) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document %s/%s: %w", collection, id, err)
	}

	now := time.Now().UTC().Format(time.RFC3339)

	if expectedRev == 0 {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO documents (collection, id, rev, body, updated_at)
			VALUES (?, ?, 1, ?, ?)
		`, collection, id, string(body), now)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return domain.ErrRevisionMismatch
			}
			return fmt.Errorf("failed to create document %s/%s: %w", collection, id, err)
		}
		return nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET rev = rev + 1, body = ?, updated_at = ?
		WHERE collection = ? AND id = ? AND rev = ?
	`, string(body), now, collection, id, expectedRev)
	if err != nil {
		return fmt.Errorf("failed to update document %s/%s: %w", collection, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected for %s/%s: %w", collection, id, err)
	}
	if n == 0 {
		return domain.ErrRevisionMismatch
	}
	return nil
}

// Get loads a document into out. Returns domain.ErrNotFound when absent.
func (s *DocStore) Get(ctx context.Context, collection, id string, out any) error {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM documents WHERE collection = ? AND id = ?`,
		collection, id,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get document %s/%s: %w", collection, id, err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal([]byte(body), out); err != nil {
		return fmt.Errorf("failed to unmarshal document %s/%s: %w", collection, id, err)
	}
	return nil
}

// GetRevision returns the current revision of a document, or
// domain.ErrNotFound when the document is absent.
func (s *DocStore) GetRevision(ctx context.Context, collection, id string) (int64, error) {
	var rev int64
	err := s.db.QueryRowContext(ctx,
		`SELECT rev FROM documents WHERE collection = ? AND id = ?`,
		collection, id,
	).Scan(&rev)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get revision %s/%s: %w", collection, id, err)
	}
	return rev, nil
}

// Query returns matching document bodies. Equality filters are JSON paths
// evaluated with json_extract; time bounds compare RFC 3339 strings, which
// order lexicographically.
func (s *DocStore) Query(ctx context.Context, collection string, q domain.DocQuery) ([]json.RawMessage, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT body FROM documents WHERE collection = ?`)
	args := []any{collection}

	// Iterate filters in key order so generated SQL is stable.
	paths := make([]string, 0, len(q.Equals))
	for path := range q.Equals {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		jsonPath, err := toJSONPath(path)
		if err != nil {
			return nil, err
		}
		sb.WriteString(` AND json_extract(body, '` + jsonPath + `') = ?`)
		args = append(args, q.Equals[path])
	}

	orderExpr := "updated_at"
	if q.TimeField != "" {
		jsonPath, err := toJSONPath(q.TimeField)
		if err != nil {
			return nil, err
		}
		orderExpr = `json_extract(body, '` + jsonPath + `')`
		if !q.Before.IsZero() {
			sb.WriteString(` AND ` + orderExpr + ` < ?`)
			args = append(args, q.Before.UTC().Format(time.RFC3339))
		}
		if !q.After.IsZero() {
			sb.WriteString(` AND ` + orderExpr + ` > ?`)
			args = append(args, q.After.UTC().Format(time.RFC3339))
		}
	}

	sb.WriteString(` ORDER BY ` + orderExpr)
	if q.OrderDesc {
		sb.WriteString(` DESC`)
	}
	if q.Limit > 0 {
		sb.WriteString(` LIMIT ?`)
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query collection %s: %w", collection, err)
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			s.log.Warn().Err(err).Str("collection", collection).Msg("Failed to scan document row")
			continue
		}
		out = append(out, json.RawMessage(body))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate collection %s: %w", collection, err)
	}
	return out, nil
}

// Delete removes a document. Deleting a missing document is not an error.
func (s *DocStore) Delete(ctx context.Context, collection, id string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE collection = ? AND id = ?`,
		collection, id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete document %s/%s: %w", collection, id, err)
	}
	return nil
}

// Count returns the number of documents in a collection.
func (s *DocStore) Count(ctx context.Context, collection string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM documents WHERE collection = ?`, collection,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count collection %s: %w", collection, err)
	}
	return n, nil
}

// toJSONPath converts a dotted field path to a json_extract path, rejecting
// anything that could escape the quoted literal.
func toJSONPath(path string) (string, error) {
	for _, r := range path {
		ok := r == '.' || r == '_' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !ok {
			return "", fmt.Errorf("invalid query path %q", path)
		}
	}
	return "$." + path, nil
}
