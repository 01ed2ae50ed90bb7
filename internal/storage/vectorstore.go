package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/aristath/vigil/internal/domain"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// VectorStore is an embedded vector index bound to a single namespace.
// Embeddings are msgpack-encoded float32 slices; search is a linear scan
// with cosine similarity, which is fine at the scale of one agent's
// memories (thousands of rows, not millions).
type VectorStore struct {
	db        *sql.DB
	namespace string
	log       zerolog.Logger
}

// NewVectorStore creates a vector store scoped to the given namespace.
func NewVectorStore(db *sql.DB, namespace string, log zerolog.Logger) *VectorStore {
	return &VectorStore{
		db:        db,
		namespace: namespace,
		log:       log.With().Str("store", "vectors").Str("namespace", namespace).Logger(),
	}
}

// Namespace returns the namespace this store reads and writes.
func (s *VectorStore) Namespace() string {
	return s.namespace
}

// Upsert writes or replaces an embedding and its metadata.
func (s *VectorStore) Upsert(ctx context.Context, id string, embedding []float32, meta map[string]string) error {
	if len(embedding) == 0 {
		return fmt.Errorf("empty embedding for vector %s", id)
	}

	blob, err := msgpack.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("failed to encode embedding %s: %w", id, err)
	}
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode metadata %s: %w", id, err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO vectors (namespace, id, embedding, metadata, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(namespace, id) DO UPDATE SET
			embedding = excluded.embedding,
			metadata = excluded.metadata
	`, s.namespace, id, blob, string(metaJSON), now)
	if err != nil {
		return fmt.Errorf("failed to upsert vector %s: %w", id, err)
	}
	return nil
}

// Search returns the k nearest stored vectors by cosine similarity,
// restricted to rows whose metadata contains every filter entry.
func (s *VectorStore) Search(ctx context.Context, embedding []float32, k int, filters map[string]string) ([]domain.VectorHit, error) {
	if k <= 0 || len(embedding) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, embedding, metadata FROM vectors WHERE namespace = ?`,
		s.namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan vectors: %w", err)
	}
	defer rows.Close()

	var hits []domain.VectorHit
	for rows.Next() {
		var (
			id       string
			blob     []byte
			metaJSON string
		)
		if err := rows.Scan(&id, &blob, &metaJSON); err != nil {
			s.log.Warn().Err(err).Msg("Failed to scan vector row")
			continue
		}

		var stored []float32
		if err := msgpack.Unmarshal(blob, &stored); err != nil {
			s.log.Warn().Err(err).Str("id", id).Msg("Failed to decode stored embedding")
			continue
		}

		var meta map[string]string
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			s.log.Warn().Err(err).Str("id", id).Msg("Failed to decode vector metadata")
			continue
		}
		if !metaMatches(meta, filters) {
			continue
		}

		hits = append(hits, domain.VectorHit{
			ID:    id,
			Score: domain.CosineSimilarity(embedding, stored),
			Meta:  meta,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate vectors: %w", err)
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Delete removes a vector. Deleting a missing vector is not an error.
func (s *VectorStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM vectors WHERE namespace = ? AND id = ?`,
		s.namespace, id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete vector %s: %w", id, err)
	}
	return nil
}

// Count returns the number of vectors in the namespace.
func (s *VectorStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM vectors WHERE namespace = ?`, s.namespace,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count vectors: %w", err)
	}
	return n, nil
}

func metaMatches(meta, filters map[string]string) bool {
	for key, want := range filters {
		if meta[key] != want {
			return false
		}
	}
	return true
}
