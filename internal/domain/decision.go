package domain

import (
	"fmt"
	"time"
)

// DecisionKind is the closed set of actions a cycle can settle on.
type DecisionKind string

const (
	DecisionHold          DecisionKind = "HOLD"
	DecisionObserveMore   DecisionKind = "OBSERVE_MORE"
	DecisionRebalance     DecisionKind = "REBALANCE"
	DecisionCompound      DecisionKind = "COMPOUND"
	DecisionEmergencyStop DecisionKind = "EMERGENCY_STOP"
)

// IsAction reports whether the kind moves funds on-chain.
func (k DecisionKind) IsAction() bool {
	return k == DecisionRebalance || k == DecisionCompound
}

// IsValid reports whether k is a known decision kind.
func (k DecisionKind) IsValid() bool {
	switch k {
	case DecisionHold, DecisionObserveMore, DecisionRebalance, DecisionCompound, DecisionEmergencyStop:
		return true
	}
	return false
}

// Decision is the single outcome of a cycle's DECIDE stage.
type Decision struct {
	ID             string       `json:"id"`
	Kind           DecisionKind `json:"kind"`
	TargetPoolID   string       `json:"target_pool_id,omitempty"`
	AmountUSD      float64      `json:"amount_usd,omitempty"`
	Rationale      string       `json:"rationale"`
	Confidence     float64      `json:"confidence"`
	ExpectedROIUSD float64      `json:"expected_roi_usd"`
	GasBudgetUSD   float64      `json:"gas_budget_usd"`
	CreatedAt      time.Time    `json:"created_at"`
}

// Validate enforces the profitability invariant: an action decision must
// clear the emotion's ROI multiple over its gas budget.
func (d Decision) Validate(emotion Emotion) error {
	if !d.Kind.IsValid() {
		return &StateInvariantViolation{Invariant: fmt.Sprintf("unknown decision kind %q", d.Kind)}
	}
	if !d.Kind.IsAction() {
		return nil
	}
	required := d.GasBudgetUSD * emotion.RequiredROIMultiplier()
	if d.ExpectedROIUSD < required {
		return &StateInvariantViolation{
			Invariant: fmt.Sprintf("action roi %.4f below required %.4f", d.ExpectedROIUSD, required),
		}
	}
	return nil
}
