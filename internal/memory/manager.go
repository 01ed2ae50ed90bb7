package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aristath/vigil/internal/domain"
	"github.com/aristath/vigil/internal/events"
	"github.com/rs/zerolog"
)

const (
	// dedupWindow is how many recently formed memories are checked for
	// near-duplicates before a new record is created.
	dedupWindow = 256
	// dedupThreshold is the cosine similarity above which two memories are
	// considered the same.
	dedupThreshold = 0.95
	// opTimeout bounds every document or vector store operation.
	opTimeout = 10 * time.Second
	// maxRepairRetries is how often the repair job replays a failed vector
	// write before dropping it.
	maxRepairRetries = 5
)

// RecallFilters narrows a semantic recall.
type RecallFilters struct {
	Category domain.MemoryCategory
	PoolID   string
	After    time.Time
}

// repairTask is a queued vector write that failed and will be replayed.
type repairTask struct {
	MemoryID   string                `json:"memory_id"`
	Content    string                `json:"content"`
	Category   domain.MemoryCategory `json:"category"`
	Importance float64               `json:"importance"`
	PoolID     string                `json:"pool_id,omitempty"`
	QueuedAt   time.Time             `json:"queued_at"`
	Retries    int                   `json:"retries"`
}

type recentEntry struct {
	id        string
	embedding []float32
}

// Manager owns episodic and semantic memory for one agent. Working memory is
// not managed here; it lives on the consciousness state.
type Manager struct {
	agentID      string
	docs         domain.DocStore
	vectors      domain.VectorStore
	embedder     domain.Embedder
	clock        domain.Clock
	observer     domain.Observer
	compactFloor int
	log          zerolog.Logger

	mu     sync.Mutex
	recent []recentEntry
}

// NewManager creates a memory manager.
func NewManager(
	agentID string,
	docs domain.DocStore,
	vectors domain.VectorStore,
	embedder domain.Embedder,
	clock domain.Clock,
	observer domain.Observer,
	compactFloor int,
	log zerolog.Logger,
) *Manager {
	return &Manager{
		agentID:      agentID,
		docs:         docs,
		vectors:      vectors,
		embedder:     embedder,
		clock:        clock,
		observer:     observer,
		compactFloor: compactFloor,
		log:          log.With().Str("module", "memory").Logger(),
	}
}

// Remember forms a memory, deduplicating against recent formations. Returns
// the id of the stored record, which is the existing id on a duplicate hit.
func (m *Manager) Remember(ctx context.Context, content string, category domain.MemoryCategory, metadata map[string]string, importance, confidence float64) (string, error) {
	if content == "" {
		return "", &domain.DataQualityError{Source: "memory", Reason: "empty content"}
	}
	if !category.IsValid() {
		return "", &domain.DataQualityError{Source: "memory", Reason: fmt.Sprintf("unknown category %q", category)}
	}
	importance = clamp01(importance)
	confidence = clamp01(confidence)
	metadata = domain.ClampMetadata(metadata)

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	now := m.clock.Now().UTC()

	embedding, embedErr := m.embedder.Embed(ctx, content)
	if embedErr == nil {
		if id, ok := m.findDuplicate(embedding); ok {
			if err := m.touch(ctx, id, metadata); err != nil {
				return "", err
			}
			return id, nil
		}
	}

	id := domain.NewMemoryID(content, category, now)

	// Same content in the same minute resolves to the same id; treat a
	// re-formation as an access, not a new record.
	var existing domain.Memory
	err := m.docs.Get(ctx, domain.MemoriesCollection(m.agentID), id, &existing)
	if err == nil {
		if err := m.touch(ctx, id, metadata); err != nil {
			return "", err
		}
		return id, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return "", fmt.Errorf("failed to check existing memory: %w", err)
	}

	ttl := domain.TTLForCategory(category)
	if importance >= 1.0 {
		ttl = domain.TTLPermanent
	}

	mem := domain.Memory{
		ID:             id,
		Content:        content,
		Category:       category,
		Importance:     importance,
		Confidence:     confidence,
		CreatedAt:      now,
		LastAccessedAt: now,
		AccessCount:    1,
		Metadata:       metadata,
		EmbeddingRef:   id,
		TTLPolicy:      ttl,
	}

	// Episodic first: the durable record must exist before the index entry
	if err := m.docs.Put(ctx, domain.MemoriesCollection(m.agentID), id, mem); err != nil {
		return "", fmt.Errorf("failed to store episodic memory: %w", err)
	}

	if embedErr != nil {
		m.queueRepair(ctx, mem)
		return id, nil
	}

	if err := m.vectors.Upsert(ctx, id, embedding, vectorMeta(mem)); err != nil {
		m.log.Warn().Err(err).Str("memory_id", id).Msg("Semantic write failed, queueing repair")
		m.queueRepair(ctx, mem)
		return id, nil
	}

	m.trackRecent(recentEntry{id: id, embedding: embedding})
	return id, nil
}

// Recall runs a semantic search and hydrates the hits from the episodic
// store. Returned memories get their access count bumped.
func (m *Manager) Recall(ctx context.Context, query string, filters RecallFilters, k int) ([]domain.MemoryRef, error) {
	if k <= 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	embedding, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed recall query: %w", err)
	}

	vf := map[string]string{}
	if filters.Category != "" {
		vf["category"] = string(filters.Category)
	}
	if filters.PoolID != "" {
		vf["pool_id"] = filters.PoolID
	}

	// Overfetch to survive hydration misses and time-window drops
	hits, err := m.vectors.Search(ctx, embedding, k*2, vf)
	if err != nil {
		return nil, fmt.Errorf("semantic search failed: %w", err)
	}

	refs := make([]domain.MemoryRef, 0, k)
	for _, hit := range hits {
		if len(refs) == k {
			break
		}
		var mem domain.Memory
		err := m.docs.Get(ctx, domain.MemoriesCollection(m.agentID), hit.ID, &mem)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to hydrate memory %s: %w", hit.ID, err)
		}
		if !filters.After.IsZero() && mem.CreatedAt.Before(filters.After) {
			continue
		}
		if err := m.touch(ctx, mem.ID, nil); err != nil {
			m.log.Warn().Err(err).Str("memory_id", mem.ID).Msg("Failed to bump access count")
		}
		refs = append(refs, mem.Ref())
	}
	return refs, nil
}

// RecallForPool returns the freshest memories tagged with a pool id inside
// the window, newest first.
func (m *Manager) RecallForPool(ctx context.Context, poolID string, window time.Duration, limit int) ([]domain.MemoryRef, error) {
	if limit <= 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raws, err := m.docs.Query(ctx, domain.MemoriesCollection(m.agentID), domain.DocQuery{
		Equals:    map[string]string{"metadata.pool_id": poolID},
		TimeField: "created_at",
		After:     m.clock.Now().UTC().Add(-window),
		OrderDesc: true,
		Limit:     limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query pool memories: %w", err)
	}

	refs := make([]domain.MemoryRef, 0, len(raws))
	for _, raw := range raws {
		var mem domain.Memory
		if err := json.Unmarshal(raw, &mem); err != nil {
			m.log.Warn().Err(err).Msg("Failed to decode pool memory")
			continue
		}
		if err := m.touch(ctx, mem.ID, nil); err != nil {
			m.log.Warn().Err(err).Str("memory_id", mem.ID).Msg("Failed to bump access count")
		}
		refs = append(refs, mem.Ref())
	}
	return refs, nil
}

// Compact evicts memories whose TTL elapsed and that were rarely accessed.
// Permanent memories are never evicted.
func (m *Manager) Compact(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raws, err := m.docs.Query(ctx, domain.MemoriesCollection(m.agentID), domain.DocQuery{})
	if err != nil {
		return 0, fmt.Errorf("failed to list memories for compaction: %w", err)
	}

	now := m.clock.Now().UTC()
	evicted := 0
	for _, raw := range raws {
		var mem domain.Memory
		if err := json.Unmarshal(raw, &mem); err != nil {
			m.log.Warn().Err(err).Msg("Failed to decode memory during compaction")
			continue
		}
		if !mem.Expired(now) || mem.AccessCount > int64(m.compactFloor) {
			continue
		}
		if err := m.docs.Delete(ctx, domain.MemoriesCollection(m.agentID), mem.ID); err != nil {
			return evicted, fmt.Errorf("failed to evict memory %s: %w", mem.ID, err)
		}
		if err := m.vectors.Delete(ctx, mem.ID); err != nil {
			m.log.Warn().Err(err).Str("memory_id", mem.ID).Msg("Failed to delete vector during compaction")
		}
		evicted++
	}

	if evicted > 0 {
		m.observer.Event(events.LevelInfo, events.CodeMemoryCompacted, map[string]any{
			"agent_id": m.agentID,
			"evicted":  evicted,
		})
	}
	return evicted, nil
}

// RepairSemantic replays queued vector writes. Tasks that keep failing are
// dropped after maxRepairRetries attempts.
func (m *Manager) RepairSemantic(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	collection := domain.SemanticRepairsCollection(m.agentID)
	raws, err := m.docs.Query(ctx, collection, domain.DocQuery{})
	if err != nil {
		return 0, fmt.Errorf("failed to list repair queue: %w", err)
	}

	repaired := 0
	for _, raw := range raws {
		var task repairTask
		if err := json.Unmarshal(raw, &task); err != nil {
			m.log.Warn().Err(err).Msg("Failed to decode repair task")
			continue
		}

		embedding, err := m.embedder.Embed(ctx, task.Content)
		if err == nil {
			meta := map[string]string{
				"category":   string(task.Category),
				"importance": strconv.FormatFloat(task.Importance, 'f', 2, 64),
			}
			if task.PoolID != "" {
				meta["pool_id"] = task.PoolID
			}
			err = m.vectors.Upsert(ctx, task.MemoryID, embedding, meta)
		}
		if err == nil {
			if err := m.docs.Delete(ctx, collection, task.MemoryID); err != nil {
				m.log.Warn().Err(err).Str("memory_id", task.MemoryID).Msg("Failed to dequeue repair task")
				continue
			}
			repaired++
			continue
		}

		task.Retries++
		if task.Retries >= maxRepairRetries {
			m.log.Error().Str("memory_id", task.MemoryID).Int("retries", task.Retries).
				Msg("Dropping repair task after repeated failures")
			_ = m.docs.Delete(ctx, collection, task.MemoryID)
			continue
		}
		if err := m.docs.Put(ctx, collection, task.MemoryID, task); err != nil {
			m.log.Warn().Err(err).Str("memory_id", task.MemoryID).Msg("Failed to update repair task")
		}
	}
	return repaired, nil
}

// Get loads one episodic record.
func (m *Manager) Get(ctx context.Context, id string) (domain.Memory, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var mem domain.Memory
	if err := m.docs.Get(ctx, domain.MemoriesCollection(m.agentID), id, &mem); err != nil {
		return domain.Memory{}, err
	}
	return mem, nil
}

// touch bumps access bookkeeping and shallow-merges metadata.
func (m *Manager) touch(ctx context.Context, id string, metadata map[string]string) error {
	var mem domain.Memory
	if err := m.docs.Get(ctx, domain.MemoriesCollection(m.agentID), id, &mem); err != nil {
		return fmt.Errorf("failed to load memory %s: %w", id, err)
	}
	mem.AccessCount++
	mem.LastAccessedAt = m.clock.Now().UTC()
	if len(metadata) > 0 {
		if mem.Metadata == nil {
			mem.Metadata = map[string]string{}
		}
		for k, v := range metadata {
			mem.Metadata[k] = v
		}
		mem.Metadata = domain.ClampMetadata(mem.Metadata)
	}
	if err := m.docs.Put(ctx, domain.MemoriesCollection(m.agentID), id, mem); err != nil {
		return fmt.Errorf("failed to update memory %s: %w", id, err)
	}
	return nil
}

func (m *Manager) findDuplicate(embedding []float32) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.recent) - 1; i >= 0; i-- {
		if domain.CosineSimilarity(embedding, m.recent[i].embedding) >= dedupThreshold {
			return m.recent[i].id, true
		}
	}
	return "", false
}

func (m *Manager) trackRecent(entry recentEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recent = append(m.recent, entry)
	if len(m.recent) > dedupWindow {
		m.recent = m.recent[len(m.recent)-dedupWindow:]
	}
}

func (m *Manager) queueRepair(ctx context.Context, mem domain.Memory) {
	task := repairTask{
		MemoryID:   mem.ID,
		Content:    mem.Content,
		Category:   mem.Category,
		Importance: mem.Importance,
		PoolID:     mem.Metadata["pool_id"],
		QueuedAt:   m.clock.Now().UTC(),
	}
	if err := m.docs.Put(ctx, domain.SemanticRepairsCollection(m.agentID), mem.ID, task); err != nil {
		m.log.Error().Err(err).Str("memory_id", mem.ID).Msg("Failed to queue semantic repair")
		return
	}
	m.observer.Event(events.LevelWarn, events.CodeSemanticRepair, map[string]any{
		"agent_id":  m.agentID,
		"memory_id": mem.ID,
	})
}

func vectorMeta(mem domain.Memory) map[string]string {
	meta := map[string]string{
		"category":   string(mem.Category),
		"importance": strconv.FormatFloat(mem.Importance, 'f', 2, 64),
	}
	if poolID, ok := mem.Metadata["pool_id"]; ok {
		meta["pool_id"] = poolID
	}
	return meta
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
