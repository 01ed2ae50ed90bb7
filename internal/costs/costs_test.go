package costs

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/domain"
	"github.com/aristath/vigil/internal/storage"
	"github.com/stretchr/testify/require"

	_ "github.com/mattn/go-sqlite3"
)

func setupCostsDB(t *testing.T) *sql.DB {
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
		CREATE TABLE kv_counters (
			key        TEXT PRIMARY KEY,
			value      INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		)
	`)
	require.NoError(t, err)

	_, err = db.Exec(`
		CREATE TABLE analytics_events (
			id         TEXT PRIMARY KEY,
			table_name TEXT NOT NULL,
			record     TEXT NOT NULL,
			created_at TEXT NOT NULL
		)
	`)
	require.NoError(t, err)

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
	c.Advance(d)
	return ctx.Err()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

type observedEvent struct {
	level  string
	code   string
	fields map[string]any
}

type recordingObserver struct {
	mu     sync.Mutex
	events []observedEvent
}

func (o *recordingObserver) Event(level, code string, fields map[string]any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, observedEvent{level: level, code: code, fields: fields})
}

func (o *recordingObserver) byCode(code string) []observedEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []observedEvent
	for _, ev := range o.events {
		if ev.code == code {
			out = append(out, ev)
		}
	}
	return out
}

// stubbornKV loses every compare-and-set, simulating a counter under
// permanent contention.
type stubbornKV struct {
	domain.KV
}

func (k stubbornKV) CompareAndSetInt(ctx context.Context, key string, expected, value int64) (bool, error) {
	return false, nil
}

type providerCall struct {
	tier      domain.ModelTier
	prompt    string
	maxTokens int
}

type fakeProvider struct {
	mu         sync.Mutex
	completion domain.Completion
	err        error
	calls      []providerCall
}

func (p *fakeProvider) Complete(ctx context.Context, tier domain.ModelTier, prompt string, maxTokens int) (domain.Completion, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, providerCall{tier: tier, prompt: prompt, maxTokens: maxTokens})
	if p.err != nil {
		return domain.Completion{}, p.err
	}
	out := p.completion
	out.Tier = tier
	return out, nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type testHarness struct {
	governor  *Governor
	docs      *storage.DocStore
	kv        *storage.KV
	analytics *storage.Analytics
	clock     *fakeClock
	observer  *recordingObserver
}

func newTestGovernor(t *testing.T, capUSD float64, thresholds []float64) *testHarness {
	t.Helper()
	db := setupCostsDB(t)
	log := zerolog.Nop()

	h := &testHarness{
		docs:      storage.NewDocStore(db, log),
		kv:        storage.NewKV(db, log),
		analytics: storage.NewAnalytics(db, log),
		clock:     newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
		observer:  &recordingObserver{},
	}
	h.governor = NewGovernor("test-agent", capUSD, thresholds,
		h.kv, h.docs, h.analytics, h.clock, h.observer, log)
	return h
}

func llmEntry(usd float64, at time.Time) domain.CostLedgerEntry {
	return domain.CostLedgerEntry{
		TS:        at,
		Service:   domain.CostLLM,
		Operation: "ANALYSIS",
		USD:       usd,
		TokensIn:  1000,
		TokensOut: 400,
		ModelTier: domain.TierBalanced,
	}
}
