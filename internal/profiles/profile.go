// Package profiles maintains per-pool running statistics: Welford moments,
// hour-of-day and day-of-week histograms, a ring of recent hourly samples,
// APR prediction and cross-pool correlation.
package profiles

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
)

const (
	// MaxRecentSamples is the hourly ring size (one week of buckets).
	MaxRecentSamples = 168
)

// RunningStat tracks mean, variance and extremes with Welford's online
// algorithm.
type RunningStat struct {
	N    int64   `json:"n"`
	Mean float64 `json:"mean"`
	M2   float64 `json:"m2"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
}

// Push folds one sample into the moments and extremes.
func (s *RunningStat) Push(x float64) {
	s.N++
	if s.N == 1 || x < s.Min {
		s.Min = x
	}
	if s.N == 1 || x > s.Max {
		s.Max = x
	}
	delta := x - s.Mean
	s.Mean += delta / float64(s.N)
	s.M2 += delta * (x - s.Mean)
}

// Variance returns the sample variance.
func (s RunningStat) Variance() float64 {
	if s.N < 2 {
		return 0
	}
	return s.M2 / float64(s.N-1)
}

// StdDev returns the sample standard deviation.
func (s RunningStat) StdDev() float64 {
	return math.Sqrt(s.Variance())
}

// HourlySample is one observed 1-hour bucket.
type HourlySample struct {
	BucketUTC time.Time `json:"bucket_utc"`
	APR       float64   `json:"apr"`
	VolumeUSD float64   `json:"volume_usd"`
	TVLUSD    float64   `json:"tvl_usd"`
}

// Profile is the persisted statistical profile of one pool.
type Profile struct {
	PoolID        string    `json:"pool_id"`
	PairLabel     string    `json:"pair_label,omitempty"`
	FirstSeenAt   time.Time `json:"first_seen_at"`
	LastUpdatedAt time.Time `json:"last_updated_at"`

	APRStat    RunningStat `json:"apr_stat"`
	VolumeStat RunningStat `json:"volume_stat"`
	TVLStat    RunningStat `json:"tvl_stat"`

	// Per-bucket incremental means
	HourOfDayAPR [24]float64 `json:"hour_of_day_apr"`
	HourOfDayN   [24]int64   `json:"hour_of_day_n"`
	DayOfWeekAPR [7]float64  `json:"day_of_week_apr"`
	DayOfWeekN   [7]int64    `json:"day_of_week_n"`

	// Recent hourly samples, oldest first, capped at MaxRecentSamples
	Recent []HourlySample `json:"recent,omitempty"`
}

// observe folds a sample into the moments, the histograms and the ring.
// The caller owns rate limiting.
func (p *Profile) observe(apr, volumeUSD, tvlUSD float64, at time.Time) {
	at = at.UTC()
	p.LastUpdatedAt = at
	if p.FirstSeenAt.IsZero() {
		p.FirstSeenAt = at
	}

	p.APRStat.Push(apr)
	p.VolumeStat.Push(volumeUSD)
	p.TVLStat.Push(tvlUSD)

	hour := at.Hour()
	p.HourOfDayN[hour]++
	p.HourOfDayAPR[hour] += (apr - p.HourOfDayAPR[hour]) / float64(p.HourOfDayN[hour])

	dow := int(at.Weekday())
	p.DayOfWeekN[dow]++
	p.DayOfWeekAPR[dow] += (apr - p.DayOfWeekAPR[dow]) / float64(p.DayOfWeekN[dow])

	bucket := at.Truncate(time.Hour)
	if n := len(p.Recent); n > 0 && p.Recent[n-1].BucketUTC.Equal(bucket) {
		p.Recent[n-1] = HourlySample{BucketUTC: bucket, APR: apr, VolumeUSD: volumeUSD, TVLUSD: tvlUSD}
	} else {
		p.Recent = append(p.Recent, HourlySample{BucketUTC: bucket, APR: apr, VolumeUSD: volumeUSD, TVLUSD: tvlUSD})
		if len(p.Recent) > MaxRecentSamples {
			p.Recent = p.Recent[len(p.Recent)-MaxRecentSamples:]
		}
	}
}

// aprSeries returns the ring's APR values, oldest first.
func (p *Profile) aprSeries() []float64 {
	out := make([]float64, len(p.Recent))
	for i, s := range p.Recent {
		out[i] = s.APR
	}
	return out
}

// lastAPR returns the most recent sampled APR, or the running mean when the
// ring is empty.
func (p *Profile) lastAPR() float64 {
	if n := len(p.Recent); n > 0 {
		return p.Recent[n-1].APR
	}
	return p.APRStat.Mean
}

// RangeSummary condenses one pool's history: lifetime extremes from the
// running stats and medians over the recent ring.
type RangeSummary struct {
	APRMin, APRMax, APRMedian          float64
	TVLMin, TVLMax, TVLMedian          float64
	VolumeMin, VolumeMax, VolumeMedian float64
	Samples                            int
}

// Ranges builds the condensed view. Medians are empirical p50 over the ring,
// so an even window reports the lower of the two middle samples.
func (p *Profile) Ranges() RangeSummary {
	r := RangeSummary{
		APRMin: p.APRStat.Min, APRMax: p.APRStat.Max,
		TVLMin: p.TVLStat.Min, TVLMax: p.TVLStat.Max,
		VolumeMin: p.VolumeStat.Min, VolumeMax: p.VolumeStat.Max,
		Samples: len(p.Recent),
	}
	if len(p.Recent) == 0 {
		return r
	}

	apr := make([]float64, len(p.Recent))
	vol := make([]float64, len(p.Recent))
	tvl := make([]float64, len(p.Recent))
	for i, s := range p.Recent {
		apr[i] = s.APR
		vol[i] = s.VolumeUSD
		tvl[i] = s.TVLUSD
	}
	r.APRMedian = windowMedian(apr)
	r.VolumeMedian = windowMedian(vol)
	r.TVLMedian = windowMedian(tvl)
	return r
}

// windowMedian sorts values in place and returns their empirical p50.
func windowMedian(values []float64) float64 {
	sort.Float64s(values)
	return stat.Quantile(0.5, stat.Empirical, values, nil)
}
