package domain

import "time"

// Persisted-state layout. Every durable key is namespaced by agent id so
// multiple agents can share one deployment without colliding.

// Document ids inside the agent_state collection.
const (
	DocIDCurrent        = "current"
	DocIDEmergency      = "emergency"
	DocIDGasStats       = "gas_stats"
	DocIDPendingOutcome = "pending_outcome"
)

// AgentStateCollection holds the latest snapshot and the emergency tombstone.
func AgentStateCollection(agentID string) string {
	return "agent_state/" + agentID
}

// CyclesCollection holds one append-only snapshot per completed cycle,
// keyed by the cycle count.
func CyclesCollection(agentID string) string {
	return "cycles/" + agentID
}

// MemoriesCollection holds episodic memory records.
func MemoriesCollection(agentID string) string {
	return "memories/" + agentID
}

// PoolProfilesCollection holds per-pool statistical profiles.
func PoolProfilesCollection(agentID string) string {
	return "pool_profiles/" + agentID
}

// PatternsCollection holds detected market patterns.
func PatternsCollection(agentID string) string {
	return "patterns/" + agentID
}

// SemanticRepairsCollection queues vector writes that failed and must be
// replayed by the repair job.
func SemanticRepairsCollection(agentID string) string {
	return "semantic_repairs/" + agentID
}

// CostKey is the KV counter key for one UTC day of spend, in micro-dollars.
func CostKey(agentID string, day time.Time) string {
	return "costs/" + agentID + "/" + day.UTC().Format("20060102")
}

// VectorNamespace scopes the semantic index to one agent's memories.
func VectorNamespace(agentID string) string {
	return agentID + "/memories"
}
