// Package domain provides core domain models and types.
package domain

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// aprTolerance is the allowed drift between total_apr and the sum of its
// components before an observation is considered malformed.
const aprTolerance = 1e-6

// PoolObservation is one reading of a liquidity pool taken during SENSE.
type PoolObservation struct {
	PoolID               string    `json:"pool_id"`
	PairLabel            string    `json:"pair_label"`
	TVLUSD               float64   `json:"tvl_usd"`
	Volume24hUSD         float64   `json:"volume_24h_usd"`
	FeeAPR               float64   `json:"fee_apr"`
	RewardAPR            float64   `json:"reward_apr"`
	TotalAPR             float64   `json:"total_apr"`
	VolumeToTVL          float64   `json:"volume_to_tvl"`
	ObservedAt           time.Time `json:"observed_at"`
	EmotionAtObservation Emotion   `json:"emotion_at_observation"`
}

// Validate checks the APR component invariants. Malformed observations are
// dropped by SENSE with a warning rather than failing the stage.
func (o PoolObservation) Validate() error {
	if o.PoolID == "" {
		return &DataQualityError{Source: "pool_observation", Reason: "empty pool_id"}
	}
	if o.FeeAPR < 0 || o.RewardAPR < 0 || o.TotalAPR < 0 {
		return &DataQualityError{Source: o.PoolID, Reason: "negative APR component"}
	}
	if math.Abs(o.TotalAPR-(o.FeeAPR+o.RewardAPR)) > aprTolerance {
		return &DataQualityError{
			Source: o.PoolID,
			Reason: fmt.Sprintf("total_apr %.6f does not match fee %.6f + reward %.6f", o.TotalAPR, o.FeeAPR, o.RewardAPR),
		}
	}
	return nil
}

// Normalize fills derived fields. VolumeToTVL is zero when the pool has no
// TVL rather than dividing by zero.
func (o *PoolObservation) Normalize() {
	if o.TVLUSD > 0 {
		o.VolumeToTVL = o.Volume24hUSD / o.TVLUSD
	} else {
		o.VolumeToTVL = 0
	}
}

// Position is a liquidity position held by the agent's wallet.
type Position struct {
	PoolID            string    `json:"pool_id"`
	PairLabel         string    `json:"pair_label"`
	ValueUSD          float64   `json:"value_usd"`
	PendingRewardsUSD float64   `json:"pending_rewards_usd"`
	EnteredAt         time.Time `json:"entered_at"`
	CurrentAPR        float64   `json:"current_apr"`
}

// PoolFilter narrows ListPools calls at the gateway.
type PoolFilter struct {
	MinTVLUSD float64 `json:"min_tvl_usd"`
	MaxPools  int     `json:"max_pools"`
}

// SwapQuote is the gateway's simulation of moving liquidity between pools.
type SwapQuote struct {
	FromPoolID     string  `json:"from_pool_id"`
	ToPoolID       string  `json:"to_pool_id"`
	AmountUSD      float64 `json:"amount_usd"`
	ExpectedOutUSD float64 `json:"expected_out_usd"`
	PriceImpactPct float64 `json:"price_impact_pct"`
	GasUSD         float64 `json:"gas_usd"`
}

// ExecutionReceipt is returned by gateway execution calls.
type ExecutionReceipt struct {
	TxHash      string    `json:"tx_hash"`
	GasSpentUSD float64   `json:"gas_spent_usd"`
	ExecutedAt  time.Time `json:"executed_at"`
}

// Gas operation names understood by ChainGateway.EstimateGasUSD.
const (
	GasOpRebalance = "rebalance"
	GasOpCompound  = "compound"
)

// MemoryRef is the lightweight handle working memory carries. Full records
// stay in the episodic store.
type MemoryRef struct {
	ID             string         `json:"id"`
	Category       MemoryCategory `json:"category"`
	Importance     float64        `json:"importance"`
	Summary        string         `json:"summary"`
	LastAccessedAt time.Time      `json:"last_accessed_at"`
}

// ConsciousnessState is the single working object a cycle mutates. Exactly
// one cycle owns it at a time; the engine snapshots the interesting fields at
// PERSIST and reuses the object for the next cycle.
type ConsciousnessState struct {
	AgentID    string
	CycleCount int64
	StartedAt  time.Time
	Now        time.Time

	TreasuryUSD         float64
	DailyBurnUSD        float64
	DaysUntilBankruptcy float64
	Emotion             Emotion
	EmotionIntensity    float64

	Observations    []PoolObservation
	Positions       []Position
	GasPriceGwei    float64
	GasEstimatesUSD map[string]float64

	WorkingMemories []MemoryRef
	PatternsActive  []Pattern
	LastDecision    *Decision

	CycleCostUSD float64
	TotalCostUSD float64

	Errors   []string
	Warnings []string
}

// NewConsciousnessState builds the initial state for a fresh engine.
func NewConsciousnessState(agentID string, startingTreasuryUSD float64, now time.Time) *ConsciousnessState {
	s := &ConsciousnessState{
		AgentID:         agentID,
		StartedAt:       now,
		Now:             now,
		TreasuryUSD:     startingTreasuryUSD,
		GasEstimatesUSD: make(map[string]float64),
	}
	s.Emotion, s.EmotionIntensity = AssessEmotion(startingTreasuryUSD, 0)
	s.DaysUntilBankruptcy = RunwayDays(startingTreasuryUSD, 0)
	return s
}

// BeginCycle resets the per-cycle fields. Treasury, emotion, total cost and
// the last decision carry over between cycles.
func (s *ConsciousnessState) BeginCycle(now time.Time) {
	s.Now = now
	s.Observations = nil
	s.Positions = nil
	s.GasPriceGwei = 0
	s.GasEstimatesUSD = make(map[string]float64)
	s.CycleCostUSD = 0
	s.Errors = nil
	s.Warnings = nil
}

// RecordError appends a short error note to the cycle.
func (s *ConsciousnessState) RecordError(stage string, err error) {
	if err == nil {
		return
	}
	s.Errors = append(s.Errors, fmt.Sprintf("%s: %v", stage, err))
}

// RecordWarning appends a short warning note to the cycle.
func (s *ConsciousnessState) RecordWarning(stage, msg string) {
	s.Warnings = append(s.Warnings, fmt.Sprintf("%s: %s", stage, msg))
}

// PushWorkingMemory inserts a ref keeping at most capacity entries, retaining
// the most recently accessed ones.
func (s *ConsciousnessState) PushWorkingMemory(ref MemoryRef, capacity int) {
	if capacity <= 0 {
		return
	}
	for i := range s.WorkingMemories {
		if s.WorkingMemories[i].ID == ref.ID {
			s.WorkingMemories[i] = ref
			return
		}
	}
	s.WorkingMemories = append(s.WorkingMemories, ref)
	if len(s.WorkingMemories) <= capacity {
		return
	}
	sort.SliceStable(s.WorkingMemories, func(i, j int) bool {
		return s.WorkingMemories[i].LastAccessedAt.After(s.WorkingMemories[j].LastAccessedAt)
	})
	s.WorkingMemories = s.WorkingMemories[:capacity]
}

// Validate checks the state invariants that indicate an internal bug. A
// violation forces the cycle's decision to HOLD.
func (s *ConsciousnessState) Validate(workingMemoryCap int) error {
	if s.AgentID == "" {
		return &StateInvariantViolation{Invariant: "agent_id must not be empty"}
	}
	if s.CycleCount < 0 {
		return &StateInvariantViolation{Invariant: "cycle_count must be non-negative"}
	}
	if s.TreasuryUSD < 0 {
		return &StateInvariantViolation{Invariant: "treasury_usd must be non-negative"}
	}
	if s.Emotion != "" && !s.Emotion.IsValid() {
		return &StateInvariantViolation{Invariant: fmt.Sprintf("unknown emotion %q", s.Emotion)}
	}
	if s.EmotionIntensity < 0 || s.EmotionIntensity > 1 {
		return &StateInvariantViolation{Invariant: "emotion_intensity outside [0,1]"}
	}
	if workingMemoryCap > 0 && len(s.WorkingMemories) > workingMemoryCap {
		return &StateInvariantViolation{Invariant: "working memory over capacity"}
	}
	return nil
}

// CycleSnapshot is what PERSIST writes per cycle and under the agent's
// current-state key. The external API layer reads these documents.
type CycleSnapshot struct {
	AgentID           string    `json:"agent_id"`
	CycleCount        int64     `json:"cycle_count"`
	Emotion           Emotion   `json:"emotion"`
	EmotionIntensity  float64   `json:"emotion_intensity"`
	TreasuryUSD       float64   `json:"treasury_usd"`
	LastDecision      *Decision `json:"last_decision,omitempty"`
	CycleCostUSD      float64   `json:"cycle_cost_usd"`
	WorkingMemoryRefs []string  `json:"working_memory_refs"`
	Errors            []string  `json:"errors,omitempty"`
	Warnings          []string  `json:"warnings,omitempty"`
	PersistedAt       time.Time `json:"persisted_at"`
}

// Snapshot extracts the persistable view of the state for the given cycle
// number and decision.
func (s *ConsciousnessState) Snapshot(cycle int64, decision *Decision, at time.Time) CycleSnapshot {
	refs := make([]string, 0, len(s.WorkingMemories))
	for _, ref := range s.WorkingMemories {
		refs = append(refs, ref.ID)
	}
	return CycleSnapshot{
		AgentID:           s.AgentID,
		CycleCount:        cycle,
		Emotion:           s.Emotion,
		EmotionIntensity:  s.EmotionIntensity,
		TreasuryUSD:       s.TreasuryUSD,
		LastDecision:      decision,
		CycleCostUSD:      s.CycleCostUSD,
		WorkingMemoryRefs: refs,
		Errors:            append([]string(nil), s.Errors...),
		Warnings:          append([]string(nil), s.Warnings...),
		PersistedAt:       at,
	}
}
