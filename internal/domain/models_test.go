package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBeginCycleResetsScratchAndKeepsCarryover(t *testing.T) {
	start := time.Date(2026, 4, 10, 8, 0, 0, 0, time.UTC)
	s := NewConsciousnessState("agent-1", 300, start)
	s.CycleCount = 4
	s.Emotion = EmotionCautious
	s.EmotionIntensity = 0.6
	s.TotalCostUSD = 1.25
	s.LastDecision = &Decision{Kind: DecisionHold}
	s.PushWorkingMemory(MemoryRef{ID: "m1", LastAccessedAt: start}, 10)

	// Leftovers from a finished cycle.
	s.Observations = []PoolObservation{{PoolID: "p1"}}
	s.Positions = []Position{{PoolID: "p1", ValueUSD: 50}}
	s.GasPriceGwei = 42
	s.GasEstimatesUSD["rebalance"] = 1.1
	s.CycleCostUSD = 0.30
	s.RecordError("SENSE", errors.New("rpc timeout"))
	s.RecordWarning("THINK", "degraded to rules")

	next := start.Add(time.Hour)
	s.BeginCycle(next)

	assert.Equal(t, next, s.Now)
	assert.Empty(t, s.Observations)
	assert.Empty(t, s.Positions)
	assert.Zero(t, s.GasPriceGwei)
	assert.Empty(t, s.GasEstimatesUSD)
	assert.Zero(t, s.CycleCostUSD)
	assert.Empty(t, s.Errors)
	assert.Empty(t, s.Warnings)

	// Cross-cycle identity survives the reset.
	assert.Equal(t, int64(4), s.CycleCount)
	assert.Equal(t, 300.0, s.TreasuryUSD)
	assert.Equal(t, EmotionCautious, s.Emotion)
	assert.Equal(t, 1.25, s.TotalCostUSD)
	require.NotNil(t, s.LastDecision)
	require.Len(t, s.WorkingMemories, 1)
	assert.Equal(t, "m1", s.WorkingMemories[0].ID)
}

func TestRecordErrorAndWarningCarryStagePrefix(t *testing.T) {
	s := NewConsciousnessState("agent-1", 100, time.Now().UTC())

	s.RecordError("SENSE", errors.New("gas oracle unreachable"))
	s.RecordError("LEARN", nil)
	s.RecordWarning("DECIDE", "invariant forced HOLD")

	require.Len(t, s.Errors, 1, "nil errors are not recorded")
	assert.Equal(t, "SENSE: gas oracle unreachable", s.Errors[0])
	require.Len(t, s.Warnings, 1)
	assert.Equal(t, "DECIDE: invariant forced HOLD", s.Warnings[0])
}

func TestNewConsciousnessStateStartsConfidentWithNoBurn(t *testing.T) {
	now := time.Date(2026, 4, 10, 8, 0, 0, 0, time.UTC)
	s := NewConsciousnessState("agent-1", 300, now)

	assert.Equal(t, EmotionConfident, s.Emotion)
	assert.True(t, s.DaysUntilBankruptcy > 365, "no burn reads as effectively infinite runway")
	assert.NoError(t, s.Validate(10))
}
