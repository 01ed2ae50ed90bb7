package domain

import (
	"math"
	"time"
)

// Emotion is the agent's survival posture, derived from treasury runway.
// It modulates cycle frequency, LLM tier selection, and the ROI multiple an
// action must clear before it is worth paying gas for.
type Emotion string

const (
	EmotionDesperate Emotion = "DESPERATE"
	EmotionCautious  Emotion = "CAUTIOUS"
	EmotionStable    Emotion = "STABLE"
	EmotionConfident Emotion = "CONFIDENT"
)

// Runway thresholds in days. Below each bound the matching emotion applies;
// at or above the stable bound the agent is confident.
const (
	DesperateRunwayDays = 7.0
	CautiousRunwayDays  = 20.0
	StableRunwayDays    = 90.0
)

// TreasuryFloorUSD forces DESPERATE regardless of runway. An agent with less
// than this in the treasury cannot afford a single bad day.
const TreasuryFloorUSD = 25.0

// IsValid reports whether e is one of the four known emotions.
func (e Emotion) IsValid() bool {
	switch e {
	case EmotionDesperate, EmotionCautious, EmotionStable, EmotionConfident:
		return true
	}
	return false
}

func (e Emotion) String() string {
	return string(e)
}

// CycleInterval returns how long the agent waits between cycles in this
// emotional state. Desperate agents conserve: longer waits, fewer LLM calls.
func (e Emotion) CycleInterval() time.Duration {
	switch e {
	case EmotionDesperate:
		return 4 * time.Hour
	case EmotionCautious:
		return 2 * time.Hour
	case EmotionStable:
		return time.Hour
	case EmotionConfident:
		return 30 * time.Minute
	default:
		return time.Hour
	}
}

// RequiredROIMultiplier returns the multiple of the gas cost an action's
// expected 24h net gain must exceed before the agent will act.
func (e Emotion) RequiredROIMultiplier() float64 {
	switch e {
	case EmotionDesperate:
		return 3.0
	case EmotionCautious:
		return 2.0
	case EmotionStable, EmotionConfident:
		return 1.5
	default:
		return 2.0
	}
}

// PredictionConfidenceThreshold returns the minimum prediction confidence a
// candidate pool needs before the decider will consider it.
func (e Emotion) PredictionConfidenceThreshold() float64 {
	switch e {
	case EmotionDesperate:
		return 0.9
	case EmotionCautious:
		return 0.8
	case EmotionStable:
		return 0.7
	case EmotionConfident:
		return 0.6
	default:
		return 0.8
	}
}

// RunwayDays returns how many days the treasury lasts at the current burn
// rate. Returns +Inf when the burn rate is zero or negative.
func RunwayDays(treasuryUSD, dailyBurnUSD float64) float64 {
	if treasuryUSD <= 0 {
		return 0
	}
	if dailyBurnUSD <= 0 {
		return math.Inf(1)
	}
	return treasuryUSD / dailyBurnUSD
}

// AssessEmotion derives (emotion, intensity) from treasury and burn rate.
// Pure: the same inputs always produce the same outputs.
//
// Intensity is clamp(1 - days/threshold, 0, 1) against the matched band's
// threshold, so an agent entering a band feels it strongly and relaxes as it
// approaches the next band up. The absolute treasury floor overrides the
// runway bands and scales intensity by how far below the floor we are, so a
// zeroed treasury always reads as a full-intensity emergency.
func AssessEmotion(treasuryUSD, dailyBurnUSD float64) (Emotion, float64) {
	days := RunwayDays(treasuryUSD, dailyBurnUSD)

	var emotion Emotion
	var threshold float64
	switch {
	case days < DesperateRunwayDays:
		emotion, threshold = EmotionDesperate, DesperateRunwayDays
	case days < CautiousRunwayDays:
		emotion, threshold = EmotionCautious, CautiousRunwayDays
	case days < StableRunwayDays:
		emotion, threshold = EmotionStable, StableRunwayDays
	default:
		emotion, threshold = EmotionConfident, StableRunwayDays
	}

	intensity := clamp01(1 - days/threshold)

	if treasuryUSD < TreasuryFloorUSD {
		emotion = EmotionDesperate
		if floorIntensity := clamp01(1 - treasuryUSD/TreasuryFloorUSD); floorIntensity > intensity {
			intensity = floorIntensity
		}
	}

	return emotion, intensity
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
