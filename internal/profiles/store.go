package profiles

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/aristath/vigil/internal/domain"
	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"
)

const (
	// opTimeout bounds every document store operation.
	opTimeout = 10 * time.Second
	// slopePeriod is how many hourly buckets feed the regression slope.
	slopePeriod = 6
	// CorrelationMaxPools caps the quadratic correlation pass.
	CorrelationMaxPools = 32
	// minCorrelationBuckets is the smallest aligned-sample overlap that
	// produces a correlation.
	minCorrelationBuckets = 8
)

// PairCorrelation is the Pearson correlation between two pools' hourly APR.
type PairCorrelation struct {
	PoolA string  `json:"pool_a"`
	PoolB string  `json:"pool_b"`
	R     float64 `json:"r"`
	N     int     `json:"n"`
}

// Store owns the pool profiles of one agent: an in-memory working set backed
// by one document per pool.
type Store struct {
	agentID        string
	docs           domain.DocStore
	clock          domain.Clock
	updateInterval time.Duration
	log            zerolog.Logger

	mu           sync.Mutex
	profiles     map[string]*Profile
	correlations []PairCorrelation
}

// NewStore creates a profile store.
func NewStore(agentID string, docs domain.DocStore, clock domain.Clock, updateInterval time.Duration, log zerolog.Logger) *Store {
	return &Store{
		agentID:        agentID,
		docs:           docs,
		clock:          clock,
		updateInterval: updateInterval,
		log:            log.With().Str("module", "profiles").Logger(),
		profiles:       make(map[string]*Profile),
	}
}

// Load hydrates the working set from the document store.
func (s *Store) Load(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raws, err := s.docs.Query(ctx, domain.PoolProfilesCollection(s.agentID), domain.DocQuery{})
	if err != nil {
		return fmt.Errorf("failed to load pool profiles: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, raw := range raws {
		var p Profile
		if err := json.Unmarshal(raw, &p); err != nil {
			s.log.Warn().Err(err).Msg("Failed to decode pool profile")
			continue
		}
		s.profiles[p.PoolID] = &p
	}
	s.log.Info().Int("profiles", len(s.profiles)).Msg("Pool profiles loaded")
	return nil
}

// Update folds an observation into the pool's profile. Updates are rate
// limited to once per update interval per pool; a skipped update returns
// false without error.
func (s *Store) Update(ctx context.Context, obs domain.PoolObservation) (bool, error) {
	now := s.clock.Now().UTC()

	s.mu.Lock()
	p, ok := s.profiles[obs.PoolID]
	if !ok {
		p = &Profile{PoolID: obs.PoolID, PairLabel: obs.PairLabel}
		s.profiles[obs.PoolID] = p
	}
	if !p.LastUpdatedAt.IsZero() && now.Sub(p.LastUpdatedAt) < s.updateInterval {
		s.mu.Unlock()
		return false, nil
	}
	if p.PairLabel == "" {
		p.PairLabel = obs.PairLabel
	}
	p.observe(obs.TotalAPR, obs.Volume24hUSD, obs.TVLUSD, now)
	snapshot := *p
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := s.docs.Put(ctx, domain.PoolProfilesCollection(s.agentID), obs.PoolID, snapshot); err != nil {
		return true, fmt.Errorf("failed to persist profile %s: %w", obs.PoolID, err)
	}
	return true, nil
}

// Get returns a copy of one profile.
func (s *Store) Get(poolID string) (Profile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[poolID]
	if !ok {
		return Profile{}, false
	}
	return *p, true
}

// Ranges returns the condensed history view for one tracked pool.
func (s *Store) Ranges(poolID string) (RangeSummary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[poolID]
	if !ok {
		return RangeSummary{}, false
	}
	return p.Ranges(), true
}

// Len returns the number of tracked pools.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.profiles)
}

// Predict estimates the pool's APR at now+horizon. It blends the hour-of-day
// bucket mean with a regression-slope projection of the recent ring, and
// scores confidence by sample depth and dispersion.
func (s *Store) Predict(poolID string, horizon time.Duration) (float64, float64) {
	s.mu.Lock()
	p, ok := s.profiles[poolID]
	if !ok {
		s.mu.Unlock()
		return 0, 0
	}
	snapshot := *p
	s.mu.Unlock()

	if snapshot.APRStat.N == 0 {
		return 0, 0
	}

	target := s.clock.Now().UTC().Add(horizon)
	bucketAPR := snapshot.APRStat.Mean
	if snapshot.HourOfDayN[target.Hour()] > 0 {
		bucketAPR = snapshot.HourOfDayAPR[target.Hour()]
	}

	projected := snapshot.lastAPR()
	series := snapshot.aprSeries()
	if len(series) >= slopePeriod {
		ema := talib.Ema(series, slopePeriod)
		slope := talib.LinearRegSlope(series, slopePeriod)
		level := ema[len(ema)-1]
		perHour := slope[len(slope)-1]
		projected = level + perHour*horizon.Hours()
	}

	expected := 0.5*bucketAPR + 0.5*projected
	if expected < 0 {
		expected = 0
	}

	depth := math.Min(1, float64(len(snapshot.Recent))/float64(MaxRecentSamples))
	agreement := 1.0
	if snapshot.APRStat.Mean != 0 {
		cv := snapshot.APRStat.StdDev() / math.Abs(snapshot.APRStat.Mean)
		agreement = 1 / (1 + cv)
	}
	confidence := depth * agreement

	return expected, confidence
}

// Correlate recomputes pairwise Pearson correlations over aligned hourly
// buckets for the most active pools. Quadratic in CorrelationMaxPools.
func (s *Store) Correlate(ctx context.Context) ([]PairCorrelation, error) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.profiles))
	for id := range s.profiles {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ni, nj := len(s.profiles[ids[i]].Recent), len(s.profiles[ids[j]].Recent)
		if ni != nj {
			return ni > nj
		}
		return ids[i] < ids[j]
	})
	if len(ids) > CorrelationMaxPools {
		ids = ids[:CorrelationMaxPools]
	}

	buckets := make(map[string]map[time.Time]float64, len(ids))
	for _, id := range ids {
		m := make(map[time.Time]float64, len(s.profiles[id].Recent))
		for _, sample := range s.profiles[id].Recent {
			m[sample.BucketUTC] = sample.APR
		}
		buckets[id] = m
	}
	s.mu.Unlock()

	var out []PairCorrelation
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			x, y := alignBuckets(buckets[ids[i]], buckets[ids[j]])
			if len(x) < minCorrelationBuckets {
				continue
			}
			r := stat.Correlation(x, y, nil)
			if math.IsNaN(r) {
				continue
			}
			out = append(out, PairCorrelation{PoolA: ids[i], PoolB: ids[j], R: r, N: len(x)})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return math.Abs(out[i].R) > math.Abs(out[j].R)
	})

	s.mu.Lock()
	s.correlations = out
	s.mu.Unlock()

	s.log.Debug().Int("pairs", len(out)).Msg("Pool correlations recomputed")
	return out, nil
}

// Correlations returns the latest Correlate result.
func (s *Store) Correlations() []PairCorrelation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PairCorrelation, len(s.correlations))
	copy(out, s.correlations)
	return out
}

// alignBuckets intersects two bucket maps into paired series sorted by time.
func alignBuckets(a, b map[time.Time]float64) ([]float64, []float64) {
	var keys []time.Time
	for k := range a {
		if _, ok := b[k]; ok {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Before(keys[j]) })

	x := make([]float64, len(keys))
	y := make([]float64, len(keys))
	for i, k := range keys {
		x[i] = a[k]
		y[i] = b[k]
	}
	return x, y
}
