package memory

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/aristath/vigil/internal/domain"
	"github.com/aristath/vigil/internal/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/mattn/go-sqlite3"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.now = c.now.Add(d)
	return ctx.Err()
}

type noopObserver struct{}

func (noopObserver) Event(string, string, map[string]any) {}

type flakyVectors struct {
	inner     domain.VectorStore
	upsertErr error
}

func (f *flakyVectors) Upsert(ctx context.Context, id string, embedding []float32, meta map[string]string) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	return f.inner.Upsert(ctx, id, embedding, meta)
}

func (f *flakyVectors) Search(ctx context.Context, embedding []float32, k int, filters map[string]string) ([]domain.VectorHit, error) {
	return f.inner.Search(ctx, embedding, k, filters)
}

func (f *flakyVectors) Delete(ctx context.Context, id string) error {
	return f.inner.Delete(ctx, id)
}

func setupMemoryDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`
		CREATE TABLE documents (
			collection TEXT NOT NULL,
			id         TEXT NOT NULL,
			rev        INTEGER NOT NULL DEFAULT 1,
			body       TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (collection, id)
		)
	`)
	require.NoError(t, err)

	_, err = db.Exec(`
		CREATE TABLE vectors (
			namespace  TEXT NOT NULL,
			id         TEXT NOT NULL,
			embedding  BLOB NOT NULL,
			metadata   TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			PRIMARY KEY (namespace, id)
		)
	`)
	require.NoError(t, err)

	return db
}

func newTestManager(t *testing.T) (*Manager, *storage.DocStore, domain.VectorStore, *fakeClock) {
	t.Helper()
	db := setupMemoryDB(t)
	docs := storage.NewDocStore(db, zerolog.Nop())
	vectors := storage.NewVectorStore(db, domain.VectorNamespace("vigil"), zerolog.Nop())
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	mgr := NewManager("vigil", docs, vectors, NewHashEmbedder(64), clock, noopObserver{}, 2, zerolog.Nop())
	return mgr, docs, vectors, clock
}

func TestRememberStoresEpisodicAndSemantic(t *testing.T) {
	mgr, _, vectors, _ := newTestManager(t)
	ctx := context.Background()

	id, err := mgr.Remember(ctx, "pool-a fee APR climbed to 24 percent", domain.CategoryObservation,
		map[string]string{"pool_id": "pool-a"}, 0.5, 0.8)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	mem, err := mgr.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.CategoryObservation, mem.Category)
	assert.Equal(t, domain.TTLMedium30D, mem.TTLPolicy)
	assert.Equal(t, int64(1), mem.AccessCount)
	assert.Equal(t, "pool-a", mem.Metadata["pool_id"])

	emb, err := NewHashEmbedder(64).Embed(ctx, "pool-a fee APR climbed to 24 percent")
	require.NoError(t, err)
	hits, err := vectors.Search(ctx, emb, 1, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, id, hits[0].ID)
}

func TestRememberDeduplicatesIdenticalContent(t *testing.T) {
	mgr, _, _, clock := newTestManager(t)
	ctx := context.Background()

	first, err := mgr.Remember(ctx, "gas fell below 20 gwei", domain.CategoryGasTiming, nil, 0.6, 0.9)
	require.NoError(t, err)

	// A different minute changes the content-derived id, so this hit comes
	// from the cosine check against recent formations.
	clock.now = clock.now.Add(5 * time.Minute)
	second, err := mgr.Remember(ctx, "gas fell below 20 gwei", domain.CategoryGasTiming,
		map[string]string{"window": "overnight"}, 0.6, 0.9)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	mem, err := mgr.Get(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, int64(2), mem.AccessCount)
	assert.Equal(t, "overnight", mem.Metadata["window"], "metadata should shallow-merge on dedup")
}

func TestRememberIsIdempotentWithinTheMinute(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	ctx := context.Background()

	first, err := mgr.Remember(ctx, "treasury dipped under 25 dollars", domain.CategorySurvivalCritical, nil, 1.0, 1.0)
	require.NoError(t, err)
	second, err := mgr.Remember(ctx, "treasury dipped under 25 dollars", domain.CategorySurvivalCritical, nil, 1.0, 1.0)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	mem, err := mgr.Get(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, int64(2), mem.AccessCount)
}

func TestRememberImportanceForcesPermanent(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	ctx := context.Background()

	id, err := mgr.Remember(ctx, "compound roi beat gas threefold", domain.CategoryOutcome, nil, 1.0, 0.9)
	require.NoError(t, err)

	mem, err := mgr.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.TTLPermanent, mem.TTLPolicy)
	assert.True(t, mem.Permanent())
}

func TestRememberRejectsBadInput(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := mgr.Remember(ctx, "", domain.CategoryObservation, nil, 0.5, 0.5)
	var dq *domain.DataQualityError
	require.ErrorAs(t, err, &dq)

	_, err = mgr.Remember(ctx, "content", domain.MemoryCategory("BOGUS"), nil, 0.5, 0.5)
	require.ErrorAs(t, err, &dq)
}

func TestRememberQueuesRepairWhenSemanticWriteFails(t *testing.T) {
	db := setupMemoryDB(t)
	docs := storage.NewDocStore(db, zerolog.Nop())
	realVectors := storage.NewVectorStore(db, domain.VectorNamespace("vigil"), zerolog.Nop())
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	broken := &flakyVectors{inner: realVectors, upsertErr: assert.AnError}

	mgr := NewManager("vigil", docs, broken, NewHashEmbedder(64), clock, noopObserver{}, 2, zerolog.Nop())
	ctx := context.Background()

	id, err := mgr.Remember(ctx, "volume spike on pool-b", domain.CategoryPoolBehavior,
		map[string]string{"pool_id": "pool-b"}, 0.7, 0.8)
	require.NoError(t, err, "episodic write must survive a semantic failure")

	// Episodic record exists
	_, err = mgr.Get(ctx, id)
	require.NoError(t, err)

	// Repair task queued
	raws, err := docs.Query(ctx, domain.SemanticRepairsCollection("vigil"), domain.DocQuery{})
	require.NoError(t, err)
	require.Len(t, raws, 1)

	// Healing the store and running the repair drains the queue
	broken.upsertErr = nil
	repaired, err := mgr.RepairSemantic(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, repaired)

	raws, err = docs.Query(ctx, domain.SemanticRepairsCollection("vigil"), domain.DocQuery{})
	require.NoError(t, err)
	assert.Empty(t, raws)

	emb, err := NewHashEmbedder(64).Embed(ctx, "volume spike on pool-b")
	require.NoError(t, err)
	hits, err := realVectors.Search(ctx, emb, 1, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, id, hits[0].ID)
}

func TestRecallReturnsRelevantAndBumpsAccess(t *testing.T) {
	mgr, _, _, clock := newTestManager(t)
	ctx := context.Background()

	gasID, err := mgr.Remember(ctx, "gas prices dropped overnight on sundays", domain.CategoryGasTiming, nil, 0.6, 0.8)
	require.NoError(t, err)
	clock.now = clock.now.Add(time.Minute)
	_, err = mgr.Remember(ctx, "pool-c rewards ended after incentive program", domain.CategoryPoolBehavior,
		map[string]string{"pool_id": "pool-c"}, 0.7, 0.8)
	require.NoError(t, err)

	refs, err := mgr.Recall(ctx, "when do gas prices drop", RecallFilters{}, 1)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, gasID, refs[0].ID)

	mem, err := mgr.Get(ctx, gasID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), mem.AccessCount)
}

func TestRecallAppliesCategoryFilter(t *testing.T) {
	mgr, _, _, clock := newTestManager(t)
	ctx := context.Background()

	_, err := mgr.Remember(ctx, "gas spiked during nft mint", domain.CategoryGasTiming, nil, 0.5, 0.8)
	require.NoError(t, err)
	clock.now = clock.now.Add(time.Minute)
	errID, err := mgr.Remember(ctx, "gas estimate call failed twice", domain.CategoryError, nil, 0.3, 0.5)
	require.NoError(t, err)

	refs, err := mgr.Recall(ctx, "gas failure", RecallFilters{Category: domain.CategoryError}, 5)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, errID, refs[0].ID)
}

func TestRecallForPoolFiltersByMetadataAndWindow(t *testing.T) {
	mgr, _, _, clock := newTestManager(t)
	ctx := context.Background()

	_, err := mgr.Remember(ctx, "pool-a looked sleepy", domain.CategoryObservation,
		map[string]string{"pool_id": "pool-a"}, 0.4, 0.8)
	require.NoError(t, err)

	clock.now = clock.now.Add(48 * time.Hour)
	freshID, err := mgr.Remember(ctx, "pool-a volume doubled within the hour", domain.CategoryPoolBehavior,
		map[string]string{"pool_id": "pool-a"}, 0.8, 0.9)
	require.NoError(t, err)
	_, err = mgr.Remember(ctx, "pool-b is unrelated", domain.CategoryObservation,
		map[string]string{"pool_id": "pool-b"}, 0.4, 0.8)
	require.NoError(t, err)

	refs, err := mgr.RecallForPool(ctx, "pool-a", 24*time.Hour, 10)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, freshID, refs[0].ID)
}

func TestCompactEvictsExpiredButSparesPermanentAndHot(t *testing.T) {
	mgr, docs, _, clock := newTestManager(t)
	ctx := context.Background()

	coldID, err := mgr.Remember(ctx, "routine observation of pool-a", domain.CategoryObservation, nil, 0.4, 0.8)
	require.NoError(t, err)
	clock.now = clock.now.Add(time.Minute)
	permanentID, err := mgr.Remember(ctx, "never enter pools under 100k tvl again", domain.CategorySurvivalCritical, nil, 1.0, 1.0)
	require.NoError(t, err)
	clock.now = clock.now.Add(time.Minute)
	hotID, err := mgr.Remember(ctx, "frequently consulted strategy note", domain.CategoryObservation, nil, 0.5, 0.8)
	require.NoError(t, err)

	// Drive the hot memory's access count above the compaction floor
	for i := 0; i < 3; i++ {
		_, err := mgr.Recall(ctx, "frequently consulted strategy note", RecallFilters{}, 1)
		require.NoError(t, err)
	}

	// 31 days later the MEDIUM_30D observations have expired
	clock.now = clock.now.Add(31 * 24 * time.Hour)
	evicted, err := mgr.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, evicted)

	_, err = mgr.Get(ctx, coldID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = mgr.Get(ctx, permanentID)
	assert.NoError(t, err, "permanent memories are never evicted")

	_, err = mgr.Get(ctx, hotID)
	assert.NoError(t, err, "frequently accessed memories survive compaction")

	// Idempotent
	evicted, err = mgr.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, evicted)

	raws, err := docs.Query(ctx, domain.MemoriesCollection("vigil"), domain.DocQuery{})
	require.NoError(t, err)
	assert.Len(t, raws, 2)
}
