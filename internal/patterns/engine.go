// Package patterns detects, reinforces and falsifies recurring market
// behaviors from each cycle's observations. Confidence follows an evidence
// schedule: support moves it toward 1 asymptotically, falsification decays it
// multiplicatively, so a single contradiction never erases a long history.
package patterns

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/aristath/vigil/internal/domain"
	"github.com/aristath/vigil/internal/events"
	"github.com/aristath/vigil/internal/profiles"
	"github.com/rs/zerolog"
)

const (
	opTimeout = 10 * time.Second

	// Gas windows need a day of samples before any hour can be called
	// cheap, and a few samples in the hour itself.
	minGasSamples       = 24
	minGasBucketSamples = 3
	cheapWindowFactor   = 0.7

	// Pool-level detectors need a profile with some history.
	minProfileSamples    = 8
	aprDegradedFactor    = 0.7
	aprRecoveredFactor   = 0.9
	volumeSpikeFactor    = 3.0
	volumeCalmFactor     = 1.5
	lifecycleMaxAge      = 14 * 24 * time.Hour
	lifecycleDecayFactor = 0.8

	// Correlation bounds for rotation opportunities between pool pairs.
	arbitrageStrongR = -0.6
	arbitrageWeakR   = 0.3
)

// Payload keys shared with the decider.
const (
	PayloadHourUTC = "hour_utc"
	PayloadPoolID  = "pool_id"
	PayloadPoolA   = "pool_a"
	PayloadPoolB   = "pool_b"
)

// gasStats accumulates gas price readings per UTC hour so recurring cheap
// windows become visible.
type gasStats struct {
	Overall profiles.RunningStat     `json:"overall"`
	ByHour  [24]profiles.RunningStat `json:"by_hour"`
}

// Engine owns the pattern working set of one agent, backed by one document
// per pattern.
type Engine struct {
	agentID       string
	docs          domain.DocStore
	profileStore  *profiles.Store
	clock         domain.Clock
	observer      domain.Observer
	minConfidence float64
	log           zerolog.Logger

	mu       sync.Mutex
	patterns map[string]*domain.Pattern
	gas      gasStats
}

// NewEngine creates a pattern engine. minConfidence is the actionable bar;
// advisory is fixed at the domain threshold.
func NewEngine(
	agentID string,
	docs domain.DocStore,
	profileStore *profiles.Store,
	clock domain.Clock,
	observer domain.Observer,
	minConfidence float64,
	log zerolog.Logger,
) *Engine {
	return &Engine{
		agentID:       agentID,
		docs:          docs,
		profileStore:  profileStore,
		clock:         clock,
		observer:      observer,
		minConfidence: minConfidence,
		log:           log.With().Str("module", "patterns").Logger(),
		patterns:      make(map[string]*domain.Pattern),
	}
}

// Load hydrates the working set and the gas histogram from the store.
func (e *Engine) Load(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raws, err := e.docs.Query(ctx, domain.PatternsCollection(e.agentID), domain.DocQuery{})
	if err != nil {
		return fmt.Errorf("failed to load patterns: %w", err)
	}

	e.mu.Lock()
	for _, raw := range raws {
		var p domain.Pattern
		if err := json.Unmarshal(raw, &p); err != nil {
			e.log.Warn().Err(err).Msg("Failed to decode pattern")
			continue
		}
		e.patterns[p.ID] = &p
	}
	loaded := len(e.patterns)
	e.mu.Unlock()

	var gas gasStats
	err = e.docs.Get(ctx, domain.AgentStateCollection(e.agentID), domain.DocIDGasStats, &gas)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("failed to load gas stats: %w", err)
	}
	e.mu.Lock()
	e.gas = gas
	e.mu.Unlock()

	e.log.Info().Int("patterns", loaded).Msg("Patterns loaded")
	return nil
}

// ObserveCycle folds one cycle's observations into the pattern set and
// returns all patterns, strongest first. Detection is deterministic: the
// same observations against the same profiles always produce the same set.
func (e *Engine) ObserveCycle(ctx context.Context, observations []domain.PoolObservation, gasPriceGwei float64) ([]domain.Pattern, error) {
	now := e.clock.Now().UTC()

	e.observeGas(ctx, gasPriceGwei, now)

	for _, obs := range observations {
		profile, ok := e.profileStore.Get(obs.PoolID)
		if !ok || profile.APRStat.N < minProfileSamples {
			continue
		}
		e.observeAPRDegradation(ctx, obs, profile, now)
		e.observeVolumeSpike(ctx, obs, profile, now)
		e.observeLifecycle(ctx, obs, profile, now)
	}

	e.observeArbitrage(ctx, now)

	return e.Active(), nil
}

// Active returns every pattern, sorted by confidence descending then id.
func (e *Engine) Active() []domain.Pattern {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]domain.Pattern, 0, len(e.patterns))
	for _, p := range e.patterns {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Advisory returns patterns confident enough to inform analysis text.
func (e *Engine) Advisory() []domain.Pattern {
	var out []domain.Pattern
	for _, p := range e.Active() {
		if p.Advisory() {
			out = append(out, p)
		}
	}
	return out
}

// Actionable returns patterns confident enough to drive decisions.
func (e *Engine) Actionable() []domain.Pattern {
	var out []domain.Pattern
	for _, p := range e.Active() {
		if p.Actionable(e.minConfidence) {
			out = append(out, p)
		}
	}
	return out
}

// Get returns a copy of one pattern.
func (e *Engine) Get(id string) (domain.Pattern, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.patterns[id]
	if !ok {
		return domain.Pattern{}, false
	}
	return *p, true
}

// Reinforce records external supporting evidence, such as a rebalance
// outcome matching a pattern's prediction.
func (e *Engine) Reinforce(ctx context.Context, id string) error {
	now := e.clock.Now().UTC()

	e.mu.Lock()
	p, ok := e.patterns[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("pattern %s: %w", id, domain.ErrNotFound)
	}
	p.Reinforce(now)
	snapshot := *p
	e.mu.Unlock()

	return e.persist(ctx, snapshot)
}

// Falsify records external contradicting evidence.
func (e *Engine) Falsify(ctx context.Context, id string) error {
	now := e.clock.Now().UTC()

	e.mu.Lock()
	p, ok := e.patterns[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("pattern %s: %w", id, domain.ErrNotFound)
	}
	p.Falsify(now)
	snapshot := *p
	e.mu.Unlock()

	return e.persist(ctx, snapshot)
}

// Prune drops patterns whose confidence decayed below the floor and that
// have not been observed for olderThan. Returns how many were removed.
func (e *Engine) Prune(ctx context.Context, confidenceFloor float64, olderThan time.Duration) (int, error) {
	now := e.clock.Now().UTC()

	e.mu.Lock()
	var doomed []string
	for id, p := range e.patterns {
		if p.Confidence < confidenceFloor && now.Sub(p.LastObservedAt) > olderThan {
			doomed = append(doomed, id)
		}
	}
	for _, id := range doomed {
		delete(e.patterns, id)
	}
	e.mu.Unlock()

	sort.Strings(doomed)
	for _, id := range doomed {
		delCtx, cancel := context.WithTimeout(ctx, opTimeout)
		err := e.docs.Delete(delCtx, domain.PatternsCollection(e.agentID), id)
		cancel()
		if err != nil {
			return 0, fmt.Errorf("failed to prune pattern %s: %w", id, err)
		}
	}

	if len(doomed) > 0 {
		e.log.Info().Int("pruned", len(doomed)).Msg("Stale patterns pruned")
	}
	return len(doomed), nil
}

// NextGasWindow returns the next occurrence of a GAS_WINDOW pattern's cheap
// hour at or after now. Returns false for other kinds or a missing payload.
func NextGasWindow(p domain.Pattern, now time.Time) (time.Time, bool) {
	if p.Kind != domain.PatternGasWindow {
		return time.Time{}, false
	}
	hour, err := strconv.Atoi(p.Payload[PayloadHourUTC])
	if err != nil || hour < 0 || hour > 23 {
		return time.Time{}, false
	}

	now = now.UTC()
	window := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC)
	if now.Hour() > hour {
		window = window.Add(24 * time.Hour)
	}
	return window, true
}

// observeGas folds the reading into the hourly histogram and evaluates the
// current hour against the overall mean.
func (e *Engine) observeGas(ctx context.Context, gasPriceGwei float64, now time.Time) {
	if gasPriceGwei <= 0 {
		return
	}
	hour := now.Hour()

	e.mu.Lock()
	e.gas.Overall.Push(gasPriceGwei)
	e.gas.ByHour[hour].Push(gasPriceGwei)
	gas := e.gas
	e.mu.Unlock()

	putCtx, cancel := context.WithTimeout(ctx, opTimeout)
	if err := e.docs.Put(putCtx, domain.AgentStateCollection(e.agentID), domain.DocIDGasStats, gas); err != nil {
		e.log.Warn().Err(err).Msg("Failed to persist gas stats")
	}
	cancel()

	if gas.Overall.N < minGasSamples || gas.ByHour[hour].N < minGasBucketSamples {
		return
	}

	id := fmt.Sprintf("gas_window_h%02d", hour)
	bucketMean := gas.ByHour[hour].Mean
	overallMean := gas.Overall.Mean

	switch {
	case gasPriceGwei >= overallMean:
		// A reading at or above the overall mean inside the supposedly
		// cheap hour contradicts the window, whatever the bucket history
		// says. Only existing patterns take the hit.
		e.falsifyExisting(ctx, id, now)
	case bucketMean <= cheapWindowFactor*overallMean:
		e.support(ctx, id, domain.PatternGasWindow,
			fmt.Sprintf("gas is reliably cheap around %02d:00 UTC (%.1f vs %.1f gwei overall)", hour, bucketMean, overallMean),
			map[string]string{PayloadHourUTC: strconv.Itoa(hour)}, now)
	}
}

func (e *Engine) observeAPRDegradation(ctx context.Context, obs domain.PoolObservation, profile profiles.Profile, now time.Time) {
	id := "apr_degradation_" + obs.PoolID
	mean := profile.APRStat.Mean
	if mean <= 0 {
		return
	}

	switch {
	case obs.TotalAPR <= aprDegradedFactor*mean:
		e.support(ctx, id, domain.PatternAPRDegradation,
			fmt.Sprintf("%s APR degraded to %.1f%% against a %.1f%% norm", obs.PoolID, obs.TotalAPR, mean),
			map[string]string{PayloadPoolID: obs.PoolID}, now)
	case obs.TotalAPR >= aprRecoveredFactor*mean:
		e.falsifyExisting(ctx, id, now)
	}
}

func (e *Engine) observeVolumeSpike(ctx context.Context, obs domain.PoolObservation, profile profiles.Profile, now time.Time) {
	id := "volume_spike_" + obs.PoolID
	mean := profile.VolumeStat.Mean
	if mean <= 0 {
		return
	}

	switch {
	case obs.Volume24hUSD >= volumeSpikeFactor*mean:
		e.support(ctx, id, domain.PatternVolumeSpike,
			fmt.Sprintf("%s volume spiked to %.0f against a %.0f norm", obs.PoolID, obs.Volume24hUSD, mean),
			map[string]string{PayloadPoolID: obs.PoolID}, now)
	case obs.Volume24hUSD < volumeCalmFactor*mean:
		e.falsifyExisting(ctx, id, now)
	}
}

// observeLifecycle tracks the launch-decay shape of young pools: high APR at
// listing that bleeds off as TVL arrives.
func (e *Engine) observeLifecycle(ctx context.Context, obs domain.PoolObservation, profile profiles.Profile, now time.Time) {
	if profile.FirstSeenAt.IsZero() || now.Sub(profile.FirstSeenAt) > lifecycleMaxAge {
		return
	}
	id := "pool_lifecycle_" + obs.PoolID
	mean := profile.APRStat.Mean
	if mean <= 0 {
		return
	}

	switch {
	case obs.TotalAPR <= lifecycleDecayFactor*mean:
		e.support(ctx, id, domain.PatternPoolLifecycle,
			fmt.Sprintf("%s is a young pool bleeding APR (%.1f%% vs %.1f%% since listing)", obs.PoolID, obs.TotalAPR, mean),
			map[string]string{PayloadPoolID: obs.PoolID}, now)
	case obs.TotalAPR >= mean:
		e.falsifyExisting(ctx, id, now)
	}
}

// observeArbitrage reads the latest correlation cache: a strong negative APR
// correlation between two pools is a rotation opportunity.
func (e *Engine) observeArbitrage(ctx context.Context, now time.Time) {
	for _, c := range e.profileStore.Correlations() {
		a, b := c.PoolA, c.PoolB
		if b < a {
			a, b = b, a
		}
		id := "arbitrage_" + a + "_" + b

		switch {
		case c.R <= arbitrageStrongR:
			e.support(ctx, id, domain.PatternArbitrage,
				fmt.Sprintf("%s and %s move against each other (r=%.2f)", a, b, c.R),
				map[string]string{PayloadPoolA: a, PayloadPoolB: b}, now)
		case c.R > -arbitrageWeakR && c.R < arbitrageWeakR:
			e.falsifyExisting(ctx, id, now)
		}
	}
}

// support reinforces an existing pattern or creates a new one at the initial
// confidence.
func (e *Engine) support(ctx context.Context, id string, kind domain.PatternKind, description string, payload map[string]string, now time.Time) {
	e.mu.Lock()
	p, ok := e.patterns[id]
	if ok {
		p.Reinforce(now)
		p.Description = description
	} else {
		fresh := domain.NewPattern(id, kind, description, now)
		for k, v := range payload {
			fresh.Payload[k] = v
		}
		p = &fresh
		e.patterns[id] = p
	}
	snapshot := *p
	e.mu.Unlock()

	if !ok {
		e.observer.Event(events.LevelInfo, events.CodePatternDetected, map[string]any{
			"pattern_id": snapshot.ID,
			"kind":       string(snapshot.Kind),
			"confidence": snapshot.Confidence,
		})
	}

	if err := e.persist(ctx, snapshot); err != nil {
		e.log.Warn().Err(err).Str("pattern_id", id).Msg("Failed to persist pattern")
	}
}

// falsifyExisting decays a pattern if it exists; absence is not evidence.
func (e *Engine) falsifyExisting(ctx context.Context, id string, now time.Time) {
	e.mu.Lock()
	p, ok := e.patterns[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	p.Falsify(now)
	snapshot := *p
	e.mu.Unlock()

	if err := e.persist(ctx, snapshot); err != nil {
		e.log.Warn().Err(err).Str("pattern_id", id).Msg("Failed to persist pattern")
	}
}

func (e *Engine) persist(ctx context.Context, p domain.Pattern) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := e.docs.Put(ctx, domain.PatternsCollection(e.agentID), p.ID, p); err != nil {
		return fmt.Errorf("failed to persist pattern %s: %w", p.ID, err)
	}
	return nil
}
