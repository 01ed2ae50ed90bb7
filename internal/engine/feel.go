package engine

import "github.com/aristath/vigil/internal/domain"

// feel is the only stage allowed to change emotion. Pure function of treasury
// and burn, no I/O.
func (e *Engine) feel() {
	previous := e.state.Emotion
	e.state.DaysUntilBankruptcy = domain.RunwayDays(e.state.TreasuryUSD, e.state.DailyBurnUSD)
	e.state.Emotion, e.state.EmotionIntensity = domain.AssessEmotion(e.state.TreasuryUSD, e.state.DailyBurnUSD)

	if previous != "" && previous != e.state.Emotion {
		e.log.Info().
			Str("from", string(previous)).
			Str("to", string(e.state.Emotion)).
			Float64("intensity", e.state.EmotionIntensity).
			Float64("runway_days", e.state.DaysUntilBankruptcy).
			Msg("Emotion shifted")
	}
}
