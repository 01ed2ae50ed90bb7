package domain

import "time"

// ModelTier is the router's cost ladder, cheapest first. CRITICAL is the
// survival tier: the cheapest model that can still produce an analysis.
type ModelTier string

const (
	TierCritical  ModelTier = "CRITICAL"
	TierEfficient ModelTier = "EFFICIENT"
	TierBalanced  ModelTier = "BALANCED"
	TierPowerful  ModelTier = "POWERFUL"
)

// TaskHint tells the router what kind of work the prompt is.
type TaskHint string

const (
	TaskRoutine          TaskHint = "ROUTINE"
	TaskAnalysis         TaskHint = "ANALYSIS"
	TaskCriticalDecision TaskHint = "CRITICAL_DECISION"
)

// CostService labels which collaborator a ledger entry paid for.
type CostService string

const (
	CostLLM    CostService = "LLM"
	CostRPC    CostService = "RPC"
	CostVector CostService = "VECTOR"
	CostDoc    CostService = "DOC"
	CostOther  CostService = "OTHER"
)

// CostLedgerEntry is one write-only spend record. The daily running sum over
// these entries never regresses; crossing the hard cap triggers the
// emergency stop.
type CostLedgerEntry struct {
	TS        time.Time   `json:"ts"`
	Service   CostService `json:"service"`
	Operation string      `json:"operation"`
	USD       float64     `json:"usd"`
	TokensIn  int64       `json:"tokens_in"`
	TokensOut int64       `json:"tokens_out"`
	ModelTier ModelTier   `json:"model_tier,omitempty"`
}

// Completion is an LLM provider response with measured cost.
type Completion struct {
	Text      string    `json:"text"`
	USD       float64   `json:"usd"`
	TokensIn  int64     `json:"tokens_in"`
	TokensOut int64     `json:"tokens_out"`
	Tier      ModelTier `json:"tier"`
	Model     string    `json:"model"`
}
