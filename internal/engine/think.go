package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/aristath/vigil/internal/costs"
	"github.com/aristath/vigil/internal/domain"
	"github.com/aristath/vigil/internal/profiles"
)

const (
	thinkMaxTokens = 600
	// thinkBudgetUSD is the pre-call upper estimate handed to the governor.
	thinkBudgetUSD = 0.05

	maxPromptPools    = 8
	maxPromptPatterns = 5
	maxPromptMemories = 5
)

// Analysis is THINK's structured output: parsed from the model when it
// answers in shape, assembled from rules when the model is denied, down or
// incoherent.
type Analysis struct {
	Source     string   `json:"source"`
	Summary    string   `json:"summary"`
	FocusPools []string `json:"focus_pools,omitempty"`
	Risks      []string `json:"risks,omitempty"`
}

// think runs the cost-governed model over a compact view of the state. A cap
// denial flags the breach and degrades to rules; the cycle always gets an
// analysis.
func (e *Engine) think(ctx context.Context) Analysis {
	e.state.PatternsActive = e.patterns.Active()

	if len(e.state.Observations) == 0 && len(e.state.WorkingMemories) == 0 {
		e.state.RecordWarning("think", "nothing sensed, skipping model call")
		return e.ruleAnalysis()
	}

	prompt := buildThinkPrompt(e.state, e.profiles.Ranges)
	completion, err := e.router.Call(ctx, e.taskHint(), prompt, thinkMaxTokens, thinkBudgetUSD, costs.TierInputs{
		Emotion:     e.state.Emotion,
		TreasuryUSD: e.state.TreasuryUSD,
	})
	switch {
	case errors.Is(err, domain.ErrCapExceeded):
		e.capBreached = true
		e.state.RecordError("think", err)
		return e.ruleAnalysis()
	case errors.Is(err, domain.ErrCostUpdateConflict):
		// The provider was paid; the text is still good, only the spend
		// counter missed the entry.
		e.state.RecordWarning("think", fmt.Sprintf("spend recording failed: %v", err))
	case err != nil:
		e.state.RecordWarning("think", fmt.Sprintf("model unavailable, falling back to rules: %v", err))
		return e.ruleAnalysis()
	}

	e.state.CycleCostUSD += completion.USD

	analysis, ok := parseAnalysis(completion.Text)
	if !ok {
		e.state.RecordWarning("think", "unparseable analysis, keeping raw text")
		analysis = Analysis{Source: "llm", Summary: strings.TrimSpace(completion.Text)}
	}

	e.log.Debug().
		Str("source", analysis.Source).
		Str("model", completion.Model).
		Float64("usd", completion.USD).
		Int("focus_pools", len(analysis.FocusPools)).
		Msg("Think completed")
	return analysis
}

// taskHint classifies the cycle for the tier ladder. Emotion here is the
// carry-over from the last cycle; FEEL refreshes it afterwards.
func (e *Engine) taskHint() domain.TaskHint {
	switch {
	case e.state.Emotion == domain.EmotionDesperate || e.state.TreasuryUSD < e.cfg.CriticalFloorUSD:
		return domain.TaskCriticalDecision
	case e.state.Emotion == domain.EmotionConfident:
		return domain.TaskRoutine
	default:
		return domain.TaskAnalysis
	}
}

// ruleAnalysis is the deterministic fallback: top pools by APR plus active
// degradation warnings.
func (e *Engine) ruleAnalysis() Analysis {
	obs := append([]domain.PoolObservation(nil), e.state.Observations...)
	sort.Slice(obs, func(i, j int) bool {
		if obs[i].TotalAPR != obs[j].TotalAPR {
			return obs[i].TotalAPR > obs[j].TotalAPR
		}
		return obs[i].PoolID < obs[j].PoolID
	})

	summary := fmt.Sprintf("rules: %d pools observed", len(obs))
	var focus []string
	if len(obs) > 0 {
		summary = fmt.Sprintf("rules: %d pools observed, best APR %.1f%% on %s", len(obs), obs[0].TotalAPR, obs[0].PoolID)
		for i := 0; i < len(obs) && i < 3; i++ {
			focus = append(focus, obs[i].PoolID)
		}
	}

	var risks []string
	for _, p := range e.state.PatternsActive {
		if len(risks) == 3 {
			break
		}
		if p.Kind == domain.PatternAPRDegradation && p.Advisory() {
			risks = append(risks, p.Description)
		}
	}

	return Analysis{Source: "rules", Summary: summary, FocusPools: focus, Risks: risks}
}

// buildThinkPrompt compacts the state into a few lines the cheap tiers can
// handle. Token budget matters more than completeness here. Pools with a
// profile carry their week-median APR and lifetime range so the model can
// tell a spike from a baseline.
func buildThinkPrompt(s *domain.ConsciousnessState, hist func(string) (profiles.RangeSummary, bool)) string {
	var b strings.Builder
	b.WriteString("You are a liquidity agent managing its own survival budget on a DEX.\n")
	fmt.Fprintf(&b, "Status: treasury $%.2f, daily burn $%.2f, runway %s, mood %s.\n",
		s.TreasuryUSD, s.DailyBurnUSD, formatRunway(domain.RunwayDays(s.TreasuryUSD, s.DailyBurnUSD)), s.Emotion)

	if len(s.Observations) > 0 {
		b.WriteString("Pools observed this cycle:\n")
		for i, obs := range s.Observations {
			if i == maxPromptPools {
				break
			}
			fmt.Fprintf(&b, "- %s (%s): APR %.1f%%, TVL $%.0f, 24h volume $%.0f",
				obs.PoolID, obs.PairLabel, obs.TotalAPR, obs.TVLUSD, obs.Volume24hUSD)
			if hist != nil {
				if r, ok := hist(obs.PoolID); ok && r.Samples > 0 {
					fmt.Fprintf(&b, "; week-median APR %.1f%% (seen %.1f-%.1f%%)",
						r.APRMedian, r.APRMin, r.APRMax)
				}
			}
			b.WriteString("\n")
		}
	}

	if len(s.PatternsActive) > 0 {
		b.WriteString("Known patterns:\n")
		for i, p := range s.PatternsActive {
			if i == maxPromptPatterns {
				break
			}
			fmt.Fprintf(&b, "- [%s %.2f] %s\n", p.Kind, p.Confidence, p.Description)
		}
	}

	if len(s.WorkingMemories) > 0 {
		b.WriteString("Recent memories:\n")
		for i, ref := range s.WorkingMemories {
			if i == maxPromptMemories {
				break
			}
			fmt.Fprintf(&b, "- %s\n", ref.Summary)
		}
	}

	b.WriteString("\nRespond with compact JSON only: {\"summary\": string, \"focus_pools\": [pool ids worth attention], \"risks\": [short strings]}.\n")
	return b.String()
}

// parseAnalysis extracts the JSON object from a completion that may carry
// prose around it.
func parseAnalysis(text string) (Analysis, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return Analysis{}, false
	}
	var a Analysis
	if err := json.Unmarshal([]byte(text[start:end+1]), &a); err != nil {
		return Analysis{}, false
	}
	if strings.TrimSpace(a.Summary) == "" {
		return Analysis{}, false
	}
	a.Source = "llm"
	return a, true
}

func formatRunway(days float64) string {
	if math.IsInf(days, 1) {
		return "unlimited"
	}
	return fmt.Sprintf("%.1f days", days)
}
