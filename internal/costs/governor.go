// Package costs enforces the hard daily USD cap and routes LLM calls to the
// cheapest adequate model tier. Spend is tracked per UTC day in a KV counter
// holding micro-dollars; prior days are never touched again.
package costs

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"github.com/aristath/vigil/internal/domain"
	"github.com/aristath/vigil/internal/events"
	"github.com/rs/zerolog"
)

const (
	// microPerUSD is the counter resolution. Fractional cents from token
	// pricing survive the round trip.
	microPerUSD = 1_000_000

	// casMaxRetries bounds the optimistic increment loop before the
	// conflict is surfaced to the caller.
	casMaxRetries = 5

	kvTimeout  = 5 * time.Second
	docTimeout = 10 * time.Second
)

// ledgerTable is the analytics table holding one row per paid call.
const ledgerTable = "cost_ledger"

// EmergencyStop is the tombstone persisted at agent_state/{agent}/emergency.
// While it exists the scheduler refuses to dispatch cycles.
type EmergencyStop struct {
	Reason        string    `json:"reason"`
	DailySpendUSD float64   `json:"daily_spend_usd"`
	TriggeredAt   time.Time `json:"triggered_at"`
}

// Governor owns the daily spend counter, the alert thresholds and the
// emergency tombstone. All methods are safe for concurrent use.
type Governor struct {
	agentID         string
	capUSD          float64
	alertThresholds []float64

	kv        domain.KV
	docs      domain.DocStore
	analytics domain.Analytics
	clock     domain.Clock
	observer  domain.Observer
	log       zerolog.Logger

	emergency atomic.Bool
}

// NewGovernor creates a cost governor. Alert thresholds are copied and kept
// sorted ascending.
func NewGovernor(
	agentID string,
	capUSD float64,
	alertThresholds []float64,
	kv domain.KV,
	docs domain.DocStore,
	analytics domain.Analytics,
	clock domain.Clock,
	observer domain.Observer,
	log zerolog.Logger,
) *Governor {
	thresholds := make([]float64, len(alertThresholds))
	copy(thresholds, alertThresholds)
	sort.Float64s(thresholds)

	return &Governor{
		agentID:         agentID,
		capUSD:          capUSD,
		alertThresholds: thresholds,
		kv:              kv,
		docs:            docs,
		analytics:       analytics,
		clock:           clock,
		observer:        observer,
		log:             log.With().Str("module", "costs").Logger(),
	}
}

// CapUSD returns the hard daily cap.
func (g *Governor) CapUSD() float64 {
	return g.capUSD
}

// DailyKey returns the KV counter key for the given instant's UTC day.
func (g *Governor) DailyKey(at time.Time) string {
	return domain.CostKey(g.agentID, at)
}

// DailySpendUSD reads today's running spend. A key that has never been
// written reads as zero, which is how the UTC midnight reset works: the new
// day simply starts on a fresh key.
func (g *Governor) DailySpendUSD(ctx context.Context) (float64, error) {
	kvCtx, cancel := context.WithTimeout(ctx, kvTimeout)
	defer cancel()

	micros, err := g.kv.GetInt(kvCtx, g.DailyKey(g.clock.Now()))
	if err != nil {
		return 0, fmt.Errorf("failed to read daily spend: %w", err)
	}
	return usdFromMicro(micros), nil
}

// SpendUSDOn reads the spend recorded for an arbitrary day. Used for burn
// rate derivation and reporting; days other than today are immutable.
func (g *Governor) SpendUSDOn(ctx context.Context, day time.Time) (float64, error) {
	kvCtx, cancel := context.WithTimeout(ctx, kvTimeout)
	defer cancel()

	micros, err := g.kv.GetInt(kvCtx, domain.CostKey(g.agentID, day))
	if err != nil {
		return 0, fmt.Errorf("failed to read spend for %s: %w", day.UTC().Format("20060102"), err)
	}
	return usdFromMicro(micros), nil
}

// Authorize checks whether a call with the given budget hint fits under the
// cap. Returns the current spend either way. Breaching the cap triggers the
// emergency stop before ErrCapExceeded is returned.
func (g *Governor) Authorize(ctx context.Context, budgetHintUSD float64) (float64, error) {
	spend, err := g.DailySpendUSD(ctx)
	if err != nil {
		return 0, err
	}

	if spend+budgetHintUSD > g.capUSD {
		g.log.Error().
			Float64("daily_spend_usd", spend).
			Float64("budget_hint_usd", budgetHintUSD).
			Float64("cap_usd", g.capUSD).
			Msg("Daily cost cap would be exceeded")
		g.TriggerEmergencyStop(ctx, fmt.Sprintf(
			"daily spend $%.2f + budget $%.2f exceeds cap $%.2f", spend, budgetHintUSD, g.capUSD))
		return spend, domain.ErrCapExceeded
	}
	return spend, nil
}

// Record atomically adds a ledger entry's cost to today's counter, appends
// the entry to the analytics ledger and raises alerts for every threshold
// the increment crossed. Returns the new daily total.
//
// The counter update is an optimistic read-modify-write: losing the CAS more
// than casMaxRetries times surfaces ErrCostUpdateConflict and the entry is
// not applied.
func (g *Governor) Record(ctx context.Context, entry domain.CostLedgerEntry) (float64, error) {
	key := g.DailyKey(g.clock.Now())
	delta := microFromUSD(entry.USD)

	var before, after int64
	applied := false
	for attempt := 0; attempt < casMaxRetries; attempt++ {
		kvCtx, cancel := context.WithTimeout(ctx, kvTimeout)
		current, err := g.kv.GetInt(kvCtx, key)
		if err != nil {
			cancel()
			return 0, fmt.Errorf("failed to read daily spend: %w", err)
		}

		ok, err := g.kv.CompareAndSetInt(kvCtx, key, current, current+delta)
		cancel()
		if err != nil {
			return 0, fmt.Errorf("failed to update daily spend: %w", err)
		}
		if ok {
			before, after = current, current+delta
			applied = true
			break
		}
	}
	if !applied {
		g.observer.Event(events.LevelError, events.CodeCostCASConflict, map[string]any{
			"key":      key,
			"delta_us": delta,
			"retries":  casMaxRetries,
		})
		return 0, domain.ErrCostUpdateConflict
	}

	g.appendLedger(ctx, entry, usdFromMicro(after))
	g.raiseAlerts(usdFromMicro(before), usdFromMicro(after))

	return usdFromMicro(after), nil
}

// TriggerEmergencyStop flips emergency mode on and persists the tombstone.
// Idempotent: repeat calls after the tombstone exists are no-ops.
func (g *Governor) TriggerEmergencyStop(ctx context.Context, reason string) {
	if g.emergency.Swap(true) {
		return
	}

	spend, err := g.DailySpendUSD(ctx)
	if err != nil {
		g.log.Warn().Err(err).Msg("Failed to read spend for emergency tombstone")
	}

	tombstone := EmergencyStop{
		Reason:        reason,
		DailySpendUSD: spend,
		TriggeredAt:   g.clock.Now().UTC(),
	}

	docCtx, cancel := context.WithTimeout(ctx, docTimeout)
	defer cancel()
	err = g.docs.PutIfRevision(docCtx, domain.AgentStateCollection(g.agentID), domain.DocIDEmergency, tombstone, 0)
	if err != nil && !errors.Is(err, domain.ErrRevisionMismatch) {
		// Authorize keeps refusing over-cap spend on its own math.
		// Resetting the flag lets the next trigger retry the write.
		g.log.Error().Err(err).Msg("Failed to persist emergency tombstone")
		g.emergency.Store(false)
	}

	g.observer.Event(events.LevelError, events.CodeEmergencyStop, map[string]any{
		"reason":          reason,
		"daily_spend_usd": spend,
		"cap_usd":         g.capUSD,
	})
	g.log.Error().Str("reason", reason).Msg("EMERGENCY STOP triggered")
}

// EmergencyActive reports whether the emergency tombstone is set, checking
// the in-process flag first and the persisted doc on a cold start.
func (g *Governor) EmergencyActive(ctx context.Context) (bool, error) {
	if g.emergency.Load() {
		return true, nil
	}

	docCtx, cancel := context.WithTimeout(ctx, docTimeout)
	defer cancel()

	var tombstone EmergencyStop
	err := g.docs.Get(docCtx, domain.AgentStateCollection(g.agentID), domain.DocIDEmergency, &tombstone)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read emergency tombstone: %w", err)
	}

	g.emergency.Store(true)
	return true, nil
}

// ClearEmergency removes the tombstone and resets the in-process flag. This
// is an operator action, never called by the agent itself.
func (g *Governor) ClearEmergency(ctx context.Context) error {
	docCtx, cancel := context.WithTimeout(ctx, docTimeout)
	defer cancel()

	if err := g.docs.Delete(docCtx, domain.AgentStateCollection(g.agentID), domain.DocIDEmergency); err != nil {
		return fmt.Errorf("failed to delete emergency tombstone: %w", err)
	}
	g.emergency.Store(false)
	g.log.Warn().Msg("Emergency stop cleared")
	return nil
}

func (g *Governor) appendLedger(ctx context.Context, entry domain.CostLedgerEntry, dailyTotalUSD float64) {
	record := map[string]any{
		"ts":              entry.TS.UTC().Format(time.RFC3339),
		"service":         string(entry.Service),
		"operation":       entry.Operation,
		"usd":             entry.USD,
		"tokens_in":       entry.TokensIn,
		"tokens_out":      entry.TokensOut,
		"model_tier":      string(entry.ModelTier),
		"daily_total_usd": dailyTotalUSD,
	}

	// The KV counter is the authoritative sum; a ledger append failure
	// loses detail, not money.
	if err := g.analytics.Append(ctx, ledgerTable, record); err != nil {
		g.log.Warn().Err(err).Msg("Failed to append cost ledger entry")
	}
}

func (g *Governor) raiseAlerts(beforeUSD, afterUSD float64) {
	for _, threshold := range g.alertThresholds {
		if beforeUSD < threshold && afterUSD >= threshold {
			g.observer.Event(events.LevelWarn, events.CodeCostAlert, map[string]any{
				"threshold_usd":   threshold,
				"daily_spend_usd": afterUSD,
				"cap_usd":         g.capUSD,
			})
			g.log.Warn().
				Float64("threshold_usd", threshold).
				Float64("daily_spend_usd", afterUSD).
				Msg("Daily spend crossed alert threshold")
		}
	}
}

func microFromUSD(usd float64) int64 {
	return int64(math.Round(usd * microPerUSD))
}

func usdFromMicro(micros int64) float64 {
	return float64(micros) / microPerUSD
}
