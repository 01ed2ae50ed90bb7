package engine

import (
	"context"
	"time"

	"github.com/aristath/vigil/internal/domain"
	"github.com/aristath/vigil/internal/events"
)

// pendingOutcome records an executed action so the next cycle's LEARN can
// compare the prediction against what actually happened.
type pendingOutcome struct {
	Cycle          int64               `json:"cycle"`
	DecisionID     string              `json:"decision_id"`
	Kind           domain.DecisionKind `json:"kind"`
	PoolID         string              `json:"pool_id"`
	PredictedAPR   float64             `json:"predicted_apr"`
	ExpectedROIUSD float64             `json:"expected_roi_usd"`
	GasSpentUSD    float64             `json:"gas_spent_usd"`
	TxHash         string              `json:"tx_hash"`
	ExecutedAt     time.Time           `json:"executed_at"`
}

// execute performs the decided action through the gateway. Only reachable
// when observation mode is off; failures land in state.errors and the cycle
// continues into LEARN.
func (e *Engine) execute(ctx context.Context, decision domain.Decision) {
	var (
		receipt domain.ExecutionReceipt
		err     error
	)
	switch decision.Kind {
	case domain.DecisionRebalance:
		receipt, err = e.gateway.ExecuteRebalance(ctx, e.largestPositionPool(), decision.TargetPoolID, decision.AmountUSD)
	case domain.DecisionCompound:
		receipt, err = e.gateway.ExecuteCompound(ctx, decision.TargetPoolID)
	default:
		return
	}

	if err != nil {
		execErr := &domain.ExecutionError{Op: string(decision.Kind), Err: err}
		e.state.RecordError("execute", execErr)
		e.observer.Event(events.LevelError, events.CodeExecutionResult, map[string]any{
			"kind":        string(decision.Kind),
			"target_pool": decision.TargetPoolID,
			"error":       err.Error(),
		})
		return
	}

	if receipt.GasSpentUSD > 0 {
		e.state.TreasuryUSD = max(0, e.state.TreasuryUSD-receipt.GasSpentUSD)
	}

	e.observer.Event(events.LevelInfo, events.CodeExecutionResult, map[string]any{
		"kind":          string(decision.Kind),
		"target_pool":   decision.TargetPoolID,
		"amount_usd":    decision.AmountUSD,
		"gas_spent_usd": receipt.GasSpentUSD,
		"tx_hash":       receipt.TxHash,
	})
	e.log.Info().
		Str("kind", string(decision.Kind)).
		Str("target_pool", decision.TargetPoolID).
		Float64("amount_usd", decision.AmountUSD).
		Str("tx_hash", receipt.TxHash).
		Msg("Action executed")

	e.storePendingOutcome(ctx, decision, receipt)
}

// storePendingOutcome stashes what the cycle believed at execution time. A
// write failure costs one outcome memory, nothing else.
func (e *Engine) storePendingOutcome(ctx context.Context, decision domain.Decision, receipt domain.ExecutionReceipt) {
	po := pendingOutcome{
		Cycle:          e.state.CycleCount + 1,
		DecisionID:     decision.ID,
		Kind:           decision.Kind,
		PoolID:         decision.TargetPoolID,
		PredictedAPR:   e.candidatePredictedAPR(decision.TargetPoolID),
		ExpectedROIUSD: decision.ExpectedROIUSD,
		GasSpentUSD:    receipt.GasSpentUSD,
		TxHash:         receipt.TxHash,
		ExecutedAt:     receipt.ExecutedAt,
	}
	pctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	if err := e.docs.Put(pctx, domain.AgentStateCollection(e.cfg.AgentID), domain.DocIDPendingOutcome, po); err != nil {
		e.state.RecordWarning("execute", "failed to stash outcome for follow-up: "+err.Error())
		return
	}
	e.outcomeStored = true
}

func (e *Engine) candidatePredictedAPR(poolID string) float64 {
	for _, c := range e.lastCandidates {
		if c.PoolID == poolID {
			return c.PredictedAPR
		}
	}
	return 0
}

func (e *Engine) largestPositionPool() string {
	best := ""
	bestValue := 0.0
	for _, p := range e.state.Positions {
		if best == "" || p.ValueUSD > bestValue {
			best = p.PoolID
			bestValue = p.ValueUSD
		}
	}
	return best
}
