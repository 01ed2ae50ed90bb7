package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/aristath/vigil/internal/domain"
	"github.com/aristath/vigil/internal/events"
)

const (
	// outcomeTolerance: a realized APR at 80% of the prediction or better
	// still counts as a good call.
	outcomeTolerance = 0.8

	// imbalanceDeltaAPR is the jump against the last hourly sample, in
	// percentage points, that makes a pool memorable on its own.
	imbalanceDeltaAPR = 25.0
)

// learn turns the cycle into durable knowledge: settles the previous action's
// outcome, forms memories behind the significance gate, advances patterns and
// folds observations into the pool profiles. Everything here is best-effort.
func (e *Engine) learn(ctx context.Context, decision domain.Decision, analysis Analysis) {
	formed := 0

	e.settleOutcome(ctx, &formed)
	e.rememberObservations(ctx, &formed)
	e.rememberDecision(ctx, decision, analysis, &formed)
	e.rememberErrors(ctx, &formed)

	// Patterns read the profiles as history, so they observe before the
	// current cycle folds in.
	active, err := e.patterns.ObserveCycle(ctx, e.state.Observations, e.state.GasPriceGwei)
	if err != nil {
		e.state.RecordWarning("learn", fmt.Sprintf("pattern observation failed: %v", err))
	} else {
		e.state.PatternsActive = active
	}

	var profileErr error
	for _, obs := range e.state.Observations {
		if _, err := e.profiles.Update(ctx, obs); err != nil && profileErr == nil {
			profileErr = err
		}
	}
	if profileErr != nil {
		e.state.RecordWarning("learn", fmt.Sprintf("profile updates failed: %v", profileErr))
	}

	e.log.Debug().
		Int("memories_formed", formed).
		Int("patterns_active", len(e.state.PatternsActive)).
		Msg("Learn completed")
}

// loadPendingOutcome reads the follow-up marker stashed by the last executed
// action. RunCycle calls it before EXECUTE can overwrite the slot.
func (e *Engine) loadPendingOutcome(ctx context.Context) {
	var po pendingOutcome
	err := e.docs.Get(ctx, domain.AgentStateCollection(e.cfg.AgentID), domain.DocIDPendingOutcome, &po)
	if errors.Is(err, domain.ErrNotFound) {
		return
	}
	if err != nil {
		e.state.RecordWarning("learn", fmt.Sprintf("pending outcome read failed: %v", err))
		return
	}
	e.pending = &po
}

// settleOutcome compares the previously executed action against what this
// cycle observed and forms a REBALANCE_OUTCOME memory when the pool is still
// visible.
func (e *Engine) settleOutcome(ctx context.Context, formed *int) {
	if e.pending == nil {
		return
	}
	po := *e.pending

	var actual *domain.PoolObservation
	for i := range e.state.Observations {
		if e.state.Observations[i].PoolID == po.PoolID {
			actual = &e.state.Observations[i]
			break
		}
	}

	if actual == nil {
		e.state.RecordWarning("learn", fmt.Sprintf("outcome for %s unresolved: pool not observed this cycle", po.PoolID))
	} else {
		verdict := "held"
		confidence := 0.9
		if actual.TotalAPR < po.PredictedAPR*outcomeTolerance {
			verdict = "missed"
			confidence = 0.6
		}
		content := fmt.Sprintf("%s outcome on %s: predicted APR %.1f%%, realized %.1f%%, prediction %s (gas $%.2f, tx %s)",
			strings.ToLower(string(po.Kind)), po.PoolID, po.PredictedAPR, actual.TotalAPR, verdict, po.GasSpentUSD, po.TxHash)
		e.remember(ctx, content, domain.CategoryRebalanceOutcome, map[string]string{
			"pool_id":     po.PoolID,
			"decision_id": po.DecisionID,
			"verdict":     verdict,
		}, 0.8, confidence, formed)
	}

	// When EXECUTE stashed a fresh marker this cycle the slot is no longer
	// ours to clear.
	if e.outcomeStored {
		return
	}
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := e.docs.Delete(dctx, domain.AgentStateCollection(e.cfg.AgentID), domain.DocIDPendingOutcome); err != nil {
		e.state.RecordWarning("learn", fmt.Sprintf("pending outcome cleanup failed: %v", err))
	}
}

// rememberObservations applies the significance gate. Pools crossing a hard
// trigger become POOL_BEHAVIOR memories; when nothing crosses, the best pool
// still leaves one routine OBSERVATION so the cycle is never amnesiac.
func (e *Engine) rememberObservations(ctx context.Context, formed *int) {
	significant := 0
	bestIdx := -1
	for i, obs := range e.state.Observations {
		if bestIdx < 0 || obs.TotalAPR > e.state.Observations[bestIdx].TotalAPR {
			bestIdx = i
		}
		trigger := e.significanceTrigger(obs)
		if trigger == "" {
			continue
		}
		significant++
		e.remember(ctx, describePool(obs, trigger), domain.CategoryPoolBehavior, map[string]string{
			"pool_id": obs.PoolID,
			"trigger": trigger,
		}, poolImportance(obs), 0.9, formed)
	}

	if significant == 0 && bestIdx >= 0 {
		obs := e.state.Observations[bestIdx]
		e.remember(ctx, describePool(obs, "routine"), domain.CategoryObservation, map[string]string{
			"pool_id": obs.PoolID,
			"trigger": "routine",
		}, 0.5, 0.9, formed)
	}
}

// rememberDecision keeps what the agent almost died from, and the reasoning
// behind anything the model talked it into.
func (e *Engine) rememberDecision(ctx context.Context, decision domain.Decision, analysis Analysis, formed *int) {
	switch {
	case decision.Kind == domain.DecisionEmergencyStop:
		e.remember(ctx, "EMERGENCY STOP: "+decision.Rationale, domain.CategorySurvivalCritical, map[string]string{
			"decision_id": decision.ID,
		}, 1.0, 1.0, formed)
	case analysis.Source == "llm" && decision.Kind != domain.DecisionHold:
		content := fmt.Sprintf("strategy behind %s: %s", decision.Kind, analysis.Summary)
		e.remember(ctx, content, domain.CategoryStrategy, map[string]string{
			"decision_id": decision.ID,
			"kind":        string(decision.Kind),
			"pool_id":     decision.TargetPoolID,
		}, e.cfg.MemoryFormationThreshold, decision.Confidence, formed)
	}
}

func (e *Engine) rememberErrors(ctx context.Context, formed *int) {
	if len(e.state.Errors) == 0 {
		return
	}
	content := fmt.Sprintf("cycle %d errors: %s", e.state.CycleCount+1, strings.Join(e.state.Errors, "; "))
	e.remember(ctx, content, domain.CategoryError, nil, e.cfg.MemoryFormationThreshold, 1.0, formed)
}

// remember is the capped write path into the memory manager. Every formed
// memory also enters working memory.
func (e *Engine) remember(ctx context.Context, content string, category domain.MemoryCategory, meta map[string]string, importance, confidence float64, formed *int) {
	if *formed >= e.cfg.MaxMemoriesPerCycle {
		return
	}
	id, err := e.memories.Remember(ctx, content, category, meta, importance, confidence)
	if err != nil {
		e.state.RecordWarning("learn", fmt.Sprintf("memory formation failed: %v", err))
		return
	}
	*formed++

	summary := content
	if len(summary) > 120 {
		summary = summary[:120]
	}
	e.state.PushWorkingMemory(domain.MemoryRef{
		ID:             id,
		Category:       category,
		Importance:     importance,
		Summary:        summary,
		LastAccessedAt: e.state.Now,
	}, e.cfg.WorkingMemoryCap)

	e.observer.Event(events.LevelDebug, events.CodeMemoryFormed, map[string]any{
		"memory_id":  id,
		"category":   string(category),
		"importance": importance,
	})
}

// significanceTrigger names the gate an observation crossed, or "" for none.
func (e *Engine) significanceTrigger(obs domain.PoolObservation) string {
	if obs.TotalAPR >= e.cfg.MinAPRForMemory {
		return "high_apr"
	}
	if obs.Volume24hUSD >= e.cfg.MinVolumeForMemory {
		return "high_volume"
	}
	if profile, ok := e.profiles.Get(obs.PoolID); ok && len(profile.Recent) > 0 {
		if math.Abs(obs.TotalAPR-profile.Recent[len(profile.Recent)-1].APR) >= imbalanceDeltaAPR {
			return "apr_imbalance"
		}
	}
	return ""
}

// poolImportance scales with APR above the floor the gate already guarantees.
func poolImportance(obs domain.PoolObservation) float64 {
	return min(0.95, 0.7+obs.TotalAPR/200)
}

func describePool(obs domain.PoolObservation, trigger string) string {
	return fmt.Sprintf("pool %s (%s): APR %.1f%% (fee %.1f%% + reward %.1f%%), TVL $%.0f, 24h volume $%.0f [%s]",
		obs.PoolID, obs.PairLabel, obs.TotalAPR, obs.FeeAPR, obs.RewardAPR, obs.TVLUSD, obs.Volume24hUSD, trigger)
}
