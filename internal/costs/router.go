package costs

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/vigil/internal/domain"
	"github.com/rs/zerolog"
)

// defaultLLMTimeout bounds a single provider call when the router is built
// with a zero timeout.
const defaultLLMTimeout = 30 * time.Second

// TierInputs carries the cycle state the tier ladder reads.
type TierInputs struct {
	Emotion       domain.Emotion
	TreasuryUSD   float64
	EmergencyMode bool
}

// Router picks the cheapest adequate model tier for each call and runs every
// call through the governor: cap check before, spend recording after.
type Router struct {
	governor       *Governor
	provider       domain.LLMProvider
	comfortableUSD float64
	timeout        time.Duration
	log            zerolog.Logger
}

// NewRouter creates a cost-governed LLM router. comfortableUSD is the
// treasury level above which the POWERFUL tier becomes reachable.
func NewRouter(
	governor *Governor,
	provider domain.LLMProvider,
	comfortableUSD float64,
	timeout time.Duration,
	log zerolog.Logger,
) *Router {
	if timeout <= 0 {
		timeout = defaultLLMTimeout
	}
	return &Router{
		governor:       governor,
		provider:       provider,
		comfortableUSD: comfortableUSD,
		timeout:        timeout,
		log:            log.With().Str("module", "llm_router").Logger(),
	}
}

// Call runs one governed completion. budgetHintUSD is the caller's upper
// estimate for this call; if current spend plus the hint would breach the
// cap, the call is denied with ErrCapExceeded and the emergency stop fires
// before any provider traffic happens.
//
// On ErrCostUpdateConflict the completion is returned alongside the error:
// the provider was paid but the spend counter could not be updated.
func (r *Router) Call(
	ctx context.Context,
	hint domain.TaskHint,
	prompt string,
	maxTokens int,
	budgetHintUSD float64,
	in TierInputs,
) (domain.Completion, error) {
	spendUSD, err := r.governor.Authorize(ctx, budgetHintUSD)
	if err != nil {
		return domain.Completion{}, err
	}

	tier := r.selectTier(hint, in, spendUSD)

	start := r.governor.clock.Now()
	llmCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	completion, err := r.provider.Complete(llmCtx, tier, prompt, maxTokens)
	if err != nil {
		return domain.Completion{}, &domain.TransientError{Op: "llm " + string(hint), Err: err}
	}

	entry := domain.CostLedgerEntry{
		TS:        r.governor.clock.Now().UTC(),
		Service:   domain.CostLLM,
		Operation: string(hint),
		USD:       completion.USD,
		TokensIn:  completion.TokensIn,
		TokensOut: completion.TokensOut,
		ModelTier: tier,
	}
	dailyUSD, err := r.governor.Record(ctx, entry)
	if err != nil {
		return completion, fmt.Errorf("failed to record llm spend: %w", err)
	}

	r.log.Debug().
		Str("task", string(hint)).
		Str("tier", string(tier)).
		Str("model", completion.Model).
		Float64("usd", completion.USD).
		Float64("daily_usd", dailyUSD).
		Dur("duration", r.governor.clock.Now().Sub(start)).
		Msg("LLM call completed")

	return completion, nil
}

// selectTier walks the ladder top down; the first matching rule wins.
// EFFICIENT is the default when nothing else applies.
func (r *Router) selectTier(hint domain.TaskHint, in TierInputs, spendUSD float64) domain.ModelTier {
	switch {
	case in.EmergencyMode || r.governor.emergency.Load() ||
		in.Emotion == domain.EmotionDesperate ||
		spendUSD >= r.governor.capUSD*2.0/3.0:
		return domain.TierCritical
	case in.Emotion == domain.EmotionCautious,
		in.Emotion == domain.EmotionConfident && hint == domain.TaskRoutine:
		return domain.TierEfficient
	case hint == domain.TaskAnalysis:
		return domain.TierBalanced
	case hint == domain.TaskCriticalDecision && in.TreasuryUSD > r.comfortableUSD:
		return domain.TierPowerful
	default:
		return domain.TierEfficient
	}
}
