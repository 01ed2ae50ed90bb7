package patterns

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/domain"
	"github.com/aristath/vigil/internal/events"
	"github.com/aristath/vigil/internal/profiles"
	"github.com/aristath/vigil/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/mattn/go-sqlite3"
)

func setupPatternsDB(t *testing.T) *sql.DB {
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

type engineHarness struct {
	engine   *Engine
	store    *profiles.Store
	docs     *storage.DocStore
	clock    *fakeClock
	observer *recordingObserver
}

func newTestEngine(t *testing.T, minConfidence float64) *engineHarness {
	t.Helper()
	db := setupPatternsDB(t)
	log := zerolog.Nop()

	h := &engineHarness{
		docs:     storage.NewDocStore(db, log),
		clock:    newFakeClock(time.Date(2025, 6, 1, 0, 30, 0, 0, time.UTC)),
		observer: &recordingObserver{},
	}
	h.store = profiles.NewStore("test-agent", h.docs, h.clock, time.Hour, log)
	h.engine = NewEngine("test-agent", h.docs, h.store, h.clock, h.observer, minConfidence, log)
	return h
}

func poolObs(poolID string, apr, volumeUSD, tvlUSD float64, at time.Time) domain.PoolObservation {
	return domain.PoolObservation{
		PoolID:       poolID,
		PairLabel:    "TKN/USDC",
		TVLUSD:       tvlUSD,
		Volume24hUSD: volumeUSD,
		FeeAPR:       apr,
		TotalAPR:     apr,
		ObservedAt:   at,
	}
}

// seedProfile feeds count hourly updates so the pool clears the sample floor
// the detectors require.
func seedProfile(t *testing.T, h *engineHarness, poolID string, apr, volumeUSD float64, count int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < count; i++ {
		h.clock.Advance(time.Hour)
		updated, err := h.store.Update(ctx, poolObs(poolID, apr, volumeUSD, 1_000_000, h.clock.Now()))
		require.NoError(t, err)
		require.True(t, updated)
	}
}

func TestGasWindowDetectedFromHourlyHistogram(t *testing.T) {
	h := newTestEngine(t, 0.7)
	ctx := context.Background()

	// Four days of hourly readings: hour 3 is consistently a third of the
	// usual price.
	for i := 0; i < 96; i++ {
		gas := 30.0
		if h.clock.Now().UTC().Hour() == 3 {
			gas = 10.0
		}
		_, err := h.engine.ObserveCycle(ctx, nil, gas)
		require.NoError(t, err)
		h.clock.Advance(time.Hour)
	}

	p, ok := h.engine.Get("gas_window_h03")
	require.True(t, ok)
	assert.Equal(t, domain.PatternGasWindow, p.Kind)
	assert.Equal(t, "3", p.Payload[PayloadHourUTC])
	assert.GreaterOrEqual(t, p.Confidence, domain.PatternInitialConfidence)
	assert.GreaterOrEqual(t, p.SupportCount, int64(2))

	// No window pattern for the expensive hours.
	_, ok = h.engine.Get("gas_window_h10")
	assert.False(t, ok)
}

func TestGasWindowFalsifiedByHotReading(t *testing.T) {
	h := newTestEngine(t, 0.7)
	ctx := context.Background()

	for i := 0; i < 96; i++ {
		gas := 30.0
		if h.clock.Now().UTC().Hour() == 3 {
			gas = 10.0
		}
		_, err := h.engine.ObserveCycle(ctx, nil, gas)
		require.NoError(t, err)
		h.clock.Advance(time.Hour)
	}

	p, ok := h.engine.Get("gas_window_h03")
	require.True(t, ok)
	before := p.Confidence

	// Jump to the next 03:00 with a reading above the overall mean.
	for h.clock.Now().UTC().Hour() != 3 {
		h.clock.Advance(time.Hour)
	}
	_, err := h.engine.ObserveCycle(ctx, nil, 45.0)
	require.NoError(t, err)

	p, ok = h.engine.Get("gas_window_h03")
	require.True(t, ok)
	assert.InDelta(t, before*0.8, p.Confidence, 1e-9)
}

func TestAPRDegradationPattern(t *testing.T) {
	h := newTestEngine(t, 0.7)
	ctx := context.Background()

	seedProfile(t, h, "orca-sol-usdc", 20.0, 100_000, 8)
	h.clock.Advance(15 * 24 * time.Hour)

	// Observed APR at 35% of the norm: degradation.
	obs := []domain.PoolObservation{poolObs("orca-sol-usdc", 7.0, 100_000, 1_000_000, h.clock.Now())}
	_, err := h.engine.ObserveCycle(ctx, obs, 0)
	require.NoError(t, err)

	p, ok := h.engine.Get("apr_degradation_orca-sol-usdc")
	require.True(t, ok)
	assert.Equal(t, domain.PatternAPRDegradation, p.Kind)
	assert.InDelta(t, 0.3, p.Confidence, 1e-9)
	assert.Equal(t, int64(1), p.SupportCount)

	// Still degraded next cycle: reinforced.
	_, err = h.engine.ObserveCycle(ctx, obs, 0)
	require.NoError(t, err)
	p, _ = h.engine.Get("apr_degradation_orca-sol-usdc")
	assert.InDelta(t, 0.3+(1-0.3)*0.1, p.Confidence, 1e-9)
	assert.Equal(t, int64(2), p.SupportCount)

	// Recovery falsifies.
	recovered := []domain.PoolObservation{poolObs("orca-sol-usdc", 19.0, 100_000, 1_000_000, h.clock.Now())}
	_, err = h.engine.ObserveCycle(ctx, recovered, 0)
	require.NoError(t, err)
	p, _ = h.engine.Get("apr_degradation_orca-sol-usdc")
	assert.InDelta(t, 0.37*0.8, p.Confidence, 1e-9)
}

func TestVolumeSpikeDetection(t *testing.T) {
	h := newTestEngine(t, 0.7)
	ctx := context.Background()

	seedProfile(t, h, "ray-bonk-sol", 15.0, 100_000, 8)

	spike := []domain.PoolObservation{poolObs("ray-bonk-sol", 15.0, 350_000, 1_000_000, h.clock.Now())}
	_, err := h.engine.ObserveCycle(ctx, spike, 0)
	require.NoError(t, err)

	p, ok := h.engine.Get("volume_spike_ray-bonk-sol")
	require.True(t, ok)
	assert.Equal(t, domain.PatternVolumeSpike, p.Kind)
	assert.Equal(t, "ray-bonk-sol", p.Payload[PayloadPoolID])

	calm := []domain.PoolObservation{poolObs("ray-bonk-sol", 15.0, 120_000, 1_000_000, h.clock.Now())}
	_, err = h.engine.ObserveCycle(ctx, calm, 0)
	require.NoError(t, err)

	p, _ = h.engine.Get("volume_spike_ray-bonk-sol")
	assert.InDelta(t, 0.3*0.8, p.Confidence, 1e-9)
}

func TestLifecyclePatternOnlyForYoungPools(t *testing.T) {
	h := newTestEngine(t, 0.7)
	ctx := context.Background()

	seedProfile(t, h, "young-pool", 40.0, 100_000, 8)
	obs := []domain.PoolObservation{poolObs("young-pool", 30.0, 100_000, 1_000_000, h.clock.Now())}
	_, err := h.engine.ObserveCycle(ctx, obs, 0)
	require.NoError(t, err)

	_, ok := h.engine.Get("pool_lifecycle_young-pool")
	assert.True(t, ok)

	// The same decay on a pool first seen weeks ago is not a launch shape.
	seedProfile(t, h, "old-pool", 40.0, 100_000, 8)
	h.clock.Advance(15 * 24 * time.Hour)
	obs = []domain.PoolObservation{poolObs("old-pool", 30.0, 100_000, 1_000_000, h.clock.Now())}
	_, err = h.engine.ObserveCycle(ctx, obs, 0)
	require.NoError(t, err)

	_, ok = h.engine.Get("pool_lifecycle_old-pool")
	assert.False(t, ok)
}

func TestArbitragePatternFromNegativeCorrelation(t *testing.T) {
	h := newTestEngine(t, 0.7)
	ctx := context.Background()

	// Two pools moving in perfect opposition over ten aligned hours.
	for i := 0; i < 10; i++ {
		h.clock.Advance(time.Hour)
		now := h.clock.Now()
		_, err := h.store.Update(ctx, poolObs("pool-a", 10+float64(i)*2, 100_000, 1_000_000, now))
		require.NoError(t, err)
		_, err = h.store.Update(ctx, poolObs("pool-b", 40-float64(i)*2, 100_000, 1_000_000, now))
		require.NoError(t, err)
	}
	_, err := h.store.Correlate(ctx)
	require.NoError(t, err)

	_, err = h.engine.ObserveCycle(ctx, nil, 0)
	require.NoError(t, err)

	p, ok := h.engine.Get("arbitrage_pool-a_pool-b")
	require.True(t, ok)
	assert.Equal(t, domain.PatternArbitrage, p.Kind)
	assert.Equal(t, "pool-a", p.Payload[PayloadPoolA])
	assert.Equal(t, "pool-b", p.Payload[PayloadPoolB])
}

func TestPatternDetectedEventEmittedOnlyOnCreation(t *testing.T) {
	h := newTestEngine(t, 0.7)
	ctx := context.Background()

	seedProfile(t, h, "orca-sol-usdc", 20.0, 100_000, 8)
	h.clock.Advance(15 * 24 * time.Hour)
	obs := []domain.PoolObservation{poolObs("orca-sol-usdc", 7.0, 100_000, 1_000_000, h.clock.Now())}

	_, err := h.engine.ObserveCycle(ctx, obs, 0)
	require.NoError(t, err)
	_, err = h.engine.ObserveCycle(ctx, obs, 0)
	require.NoError(t, err)

	detected := h.observer.byCode(events.CodePatternDetected)
	require.Len(t, detected, 1)
	assert.Equal(t, "apr_degradation_orca-sol-usdc", detected[0].fields["pattern_id"])
}

func TestConfidenceClimbsThroughAdvisoryToActionable(t *testing.T) {
	h := newTestEngine(t, 0.7)
	ctx := context.Background()

	seedProfile(t, h, "orca-sol-usdc", 20.0, 100_000, 8)
	h.clock.Advance(15 * 24 * time.Hour)
	obs := []domain.PoolObservation{poolObs("orca-sol-usdc", 7.0, 100_000, 1_000_000, h.clock.Now())}

	var lastConfidence float64
	for i := 0; i < 12; i++ {
		_, err := h.engine.ObserveCycle(ctx, obs, 0)
		require.NoError(t, err)
		p, ok := h.engine.Get("apr_degradation_orca-sol-usdc")
		require.True(t, ok)
		assert.Greater(t, p.Confidence, lastConfidence)
		lastConfidence = p.Confidence
	}

	assert.GreaterOrEqual(t, lastConfidence, 0.7)
	require.Len(t, h.engine.Advisory(), 1)
	require.Len(t, h.engine.Actionable(), 1)
	assert.Equal(t, "apr_degradation_orca-sol-usdc", h.engine.Actionable()[0].ID)
}

func TestReinforceAndFalsifyPersistAcrossReload(t *testing.T) {
	h := newTestEngine(t, 0.7)
	ctx := context.Background()

	require.ErrorIs(t, h.engine.Reinforce(ctx, "missing"), domain.ErrNotFound)
	require.ErrorIs(t, h.engine.Falsify(ctx, "missing"), domain.ErrNotFound)

	seedProfile(t, h, "orca-sol-usdc", 20.0, 100_000, 8)
	h.clock.Advance(15 * 24 * time.Hour)
	obs := []domain.PoolObservation{poolObs("orca-sol-usdc", 7.0, 100_000, 1_000_000, h.clock.Now())}
	_, err := h.engine.ObserveCycle(ctx, obs, 0)
	require.NoError(t, err)

	require.NoError(t, h.engine.Reinforce(ctx, "apr_degradation_orca-sol-usdc"))
	p, _ := h.engine.Get("apr_degradation_orca-sol-usdc")

	reloaded := NewEngine("test-agent", h.docs, h.store, h.clock, h.observer, 0.7, zerolog.Nop())
	require.NoError(t, reloaded.Load(ctx))

	rp, ok := reloaded.Get("apr_degradation_orca-sol-usdc")
	require.True(t, ok)
	assert.InDelta(t, p.Confidence, rp.Confidence, 1e-9)
	assert.Equal(t, p.SupportCount, rp.SupportCount)
}

func TestPruneDropsDecayedStalePatterns(t *testing.T) {
	h := newTestEngine(t, 0.7)
	ctx := context.Background()

	seedProfile(t, h, "orca-sol-usdc", 20.0, 100_000, 8)
	h.clock.Advance(15 * 24 * time.Hour)
	degraded := []domain.PoolObservation{poolObs("orca-sol-usdc", 7.0, 100_000, 1_000_000, h.clock.Now())}
	_, err := h.engine.ObserveCycle(ctx, degraded, 0)
	require.NoError(t, err)

	// Four falsifications take 0.3 down to ~0.12.
	for i := 0; i < 4; i++ {
		require.NoError(t, h.engine.Falsify(ctx, "apr_degradation_orca-sol-usdc"))
	}

	h.clock.Advance(31 * 24 * time.Hour)
	pruned, err := h.engine.Prune(ctx, 0.15, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)
	assert.Empty(t, h.engine.Active())

	// Gone from the store too.
	reloaded := NewEngine("test-agent", h.docs, h.store, h.clock, h.observer, 0.7, zerolog.Nop())
	require.NoError(t, reloaded.Load(ctx))
	assert.Empty(t, reloaded.Active())
}

func TestNextGasWindow(t *testing.T) {
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	gasPattern := func(hour int) domain.Pattern {
		p := domain.NewPattern(fmt.Sprintf("gas_window_h%02d", hour), domain.PatternGasWindow, "", base)
		p.Payload[PayloadHourUTC] = fmt.Sprintf("%d", hour)
		return p
	}

	tests := []struct {
		name    string
		pattern domain.Pattern
		now     time.Time
		want    time.Time
		ok      bool
	}{
		{
			name:    "window later today",
			pattern: gasPattern(14),
			now:     time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
			want:    time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC),
			ok:      true,
		},
		{
			name:    "window already passed rolls to tomorrow",
			pattern: gasPattern(14),
			now:     time.Date(2025, 6, 1, 15, 0, 0, 0, time.UTC),
			want:    time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC),
			ok:      true,
		},
		{
			name:    "currently inside the window",
			pattern: gasPattern(14),
			now:     time.Date(2025, 6, 1, 14, 30, 0, 0, time.UTC),
			want:    time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC),
			ok:      true,
		},
		{
			name:    "wrong kind",
			pattern: domain.NewPattern("volume_spike_x", domain.PatternVolumeSpike, "", base),
			now:     base,
			ok:      false,
		},
		{
			name:    "missing payload",
			pattern: domain.NewPattern("gas_window_h99", domain.PatternGasWindow, "", base),
			now:     base,
			ok:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NextGasWindow(tt.pattern, tt.now)
			require.Equal(t, tt.ok, ok)
			if ok {
				assert.True(t, got.Equal(tt.want), "got %s want %s", got, tt.want)
			}
		})
	}
}
