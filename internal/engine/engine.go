// Package engine runs the cognitive cycle: SENSE, THINK, FEEL, DECIDE,
// EXECUTE when armed, LEARN, PERSIST. A failing stage records its error on
// the state and the remaining stages still run, so every cycle ends with a
// decision and a persisted snapshot. Only a cost-cap breach, a dropped
// persist or context cancellation surface out of RunCycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aristath/vigil/internal/config"
	"github.com/aristath/vigil/internal/costs"
	"github.com/aristath/vigil/internal/decider"
	"github.com/aristath/vigil/internal/domain"
	"github.com/aristath/vigil/internal/events"
	"github.com/aristath/vigil/internal/memory"
	"github.com/aristath/vigil/internal/patterns"
	"github.com/aristath/vigil/internal/profiles"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// persistAttempts is the initial write plus two retries. After that the
	// cycle is dropped and the scheduler backs off.
	persistAttempts   = 3
	persistRetryDelay = time.Second
	persistTimeout    = 10 * time.Second
)

// ErrCycleDropped reports that a cycle could not be persisted and was not
// applied. The cycle number is reused by the next run, keeping the sequence
// free of gaps.
var ErrCycleDropped = errors.New("cycle dropped: persistence failed")

// Engine owns the ConsciousnessState and drives it through the stages.
type Engine struct {
	cfg      *config.Config
	state    *domain.ConsciousnessState
	gateway  domain.ChainGateway
	docs     domain.DocStore
	memories *memory.Manager
	profiles *profiles.Store
	patterns *patterns.Engine
	governor *costs.Governor
	router   *costs.Router
	clock    domain.Clock
	observer domain.Observer
	log      zerolog.Logger

	// Per-cycle scratch, reset by RunCycle. The state is single-writer so
	// these need no locking.
	lastCandidates []decider.Candidate
	capBreached    bool
	pending        *pendingOutcome
	outcomeStored  bool
}

// New creates the cycle engine around a fresh state.
func New(
	cfg *config.Config,
	gateway domain.ChainGateway,
	docs domain.DocStore,
	memories *memory.Manager,
	profileStore *profiles.Store,
	patternEngine *patterns.Engine,
	governor *costs.Governor,
	router *costs.Router,
	clock domain.Clock,
	observer domain.Observer,
	log zerolog.Logger,
) *Engine {
	return &Engine{
		cfg:      cfg,
		state:    domain.NewConsciousnessState(cfg.AgentID, cfg.StartingTreasuryUSD, clock.Now().UTC()),
		gateway:  gateway,
		docs:     docs,
		memories: memories,
		profiles: profileStore,
		patterns: patternEngine,
		governor: governor,
		router:   router,
		clock:    clock,
		observer: observer,
		log:      log.With().Str("module", "engine").Logger(),
	}
}

// State exposes the working state. The scheduler reads emotion and cycle
// count between cycles; nothing mutates the state from outside.
func (e *Engine) State() *domain.ConsciousnessState {
	return e.state
}

// Restore loads the last persisted snapshot so cycle numbering, treasury and
// emotion carry across restarts. A missing snapshot means a fresh agent.
func (e *Engine) Restore(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()

	var snap domain.CycleSnapshot
	err := e.docs.Get(ctx, domain.AgentStateCollection(e.cfg.AgentID), domain.DocIDCurrent, &snap)
	if errors.Is(err, domain.ErrNotFound) {
		e.log.Info().Str("agent_id", e.cfg.AgentID).Msg("No prior state found, starting fresh")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to restore agent state: %w", err)
	}

	e.state.CycleCount = snap.CycleCount
	e.state.TreasuryUSD = snap.TreasuryUSD
	e.state.Emotion = snap.Emotion
	e.state.EmotionIntensity = snap.EmotionIntensity
	e.state.LastDecision = snap.LastDecision

	e.log.Info().
		Int64("cycle_count", snap.CycleCount).
		Float64("treasury_usd", snap.TreasuryUSD).
		Str("emotion", string(snap.Emotion)).
		Msg("Restored agent state")
	return nil
}

// RunCycle executes one full cycle under the cycle deadline. Stage failures
// are recorded on the state and the cycle still persists; the returned error
// is nil unless the cycle was dropped, the cost cap was breached or the
// context was cancelled.
func (e *Engine) RunCycle(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cycle := e.state.CycleCount + 1
	now := e.clock.Now().UTC()
	e.state.BeginCycle(now)
	e.lastCandidates = nil
	e.capBreached = false
	e.pending = nil
	e.outcomeStored = false

	cctx, cancel := context.WithTimeout(ctx, e.cfg.CycleDeadline)
	defer cancel()

	e.log.Info().
		Int64("cycle", cycle).
		Str("emotion", string(e.state.Emotion)).
		Float64("treasury_usd", e.state.TreasuryUSD).
		Msg("Cycle started")

	e.sense(cctx)
	analysis := e.think(cctx)
	e.feel()
	decision := e.decide(cctx)

	// The follow-up marker is read before EXECUTE so a back-to-back action
	// cannot overwrite it unseen.
	e.loadPendingOutcome(cctx)

	if !e.cfg.ObservationMode && decision.Kind.IsAction() {
		e.execute(cctx, decision)
	}

	e.learn(cctx, decision, analysis)

	if err := e.persist(cctx, cycle, &decision); err != nil {
		e.observer.Event(events.LevelError, events.CodeCycleFailed, map[string]any{
			"cycle": cycle,
			"error": err.Error(),
		})
		return err
	}

	e.observer.Event(events.LevelInfo, events.CodeCycleCompleted, map[string]any{
		"cycle":          cycle,
		"emotion":        string(e.state.Emotion),
		"decision":       string(decision.Kind),
		"cycle_cost_usd": e.state.CycleCostUSD,
		"errors":         len(e.state.Errors),
		"warnings":       len(e.state.Warnings),
	})
	e.log.Info().
		Int64("cycle", cycle).
		Str("decision", string(decision.Kind)).
		Str("emotion", string(e.state.Emotion)).
		Float64("cycle_cost_usd", e.state.CycleCostUSD).
		Msg("Cycle completed")

	if e.capBreached {
		return domain.ErrCapExceeded
	}
	return ctx.Err()
}

// decide runs the decision pipeline. Invariant violations and an expired
// cycle deadline force HOLD before the decider is consulted.
func (e *Engine) decide(ctx context.Context) domain.Decision {
	if err := e.state.Validate(e.cfg.WorkingMemoryCap); err != nil {
		e.state.RecordError("decide", err)
		return e.finishDecision(holdDecision("state invariant violated: holding", e.state.Now))
	}
	if ctx.Err() != nil {
		e.state.RecordError("decide", ctx.Err())
		return e.finishDecision(holdDecision("cycle deadline exceeded: holding with partial data", e.state.Now))
	}

	emergency, err := e.governor.EmergencyActive(ctx)
	if err != nil {
		e.state.RecordWarning("decide", fmt.Sprintf("emergency check failed: %v", err))
	}

	d := decider.New(decider.Config{
		ObservationMode:      e.effectiveObservationMode(),
		MinTVLUSD:            e.cfg.MinTVLUSD,
		MaxILRisk:            e.cfg.MaxILRisk,
		CriticalFloorUSD:     e.cfg.CriticalFloorUSD,
		MinPatternConfidence: e.cfg.MinPatternConfidence,
		GasWindowHorizon:     e.cfg.GasWindowHorizon,
		Weights: decider.Weights{
			APR:     e.cfg.ScoreWeightAPR,
			Pattern: e.cfg.ScoreWeightPattern,
			Risk:    e.cfg.ScoreWeightRisk,
			Gas:     e.cfg.ScoreWeightGas,
		},
	}, e.profiles, e.log)

	decision, candidates := d.Decide(decider.Input{
		Now:             e.state.Now,
		Emotion:         e.state.Emotion,
		TreasuryUSD:     e.state.TreasuryUSD,
		EmergencyMode:   emergency,
		Observations:    e.state.Observations,
		Positions:       e.state.Positions,
		Patterns:        e.state.PatternsActive,
		GasEstimatesUSD: e.state.GasEstimatesUSD,
	})
	e.lastCandidates = candidates

	return e.finishDecision(decision)
}

func (e *Engine) finishDecision(decision domain.Decision) domain.Decision {
	e.state.LastDecision = &decision
	e.observer.Event(events.LevelInfo, events.CodeDecisionMade, map[string]any{
		"kind":        string(decision.Kind),
		"target_pool": decision.TargetPoolID,
		"confidence":  decision.Confidence,
		"rationale":   decision.Rationale,
	})
	return decision
}

// effectiveObservationMode applies the exit gate: leaving observation mode
// requires at least one actionable pattern. Until one exists the agent stays
// advisory-only and says so.
func (e *Engine) effectiveObservationMode() bool {
	if e.cfg.ObservationMode {
		return true
	}
	if len(e.patterns.Actionable()) > 0 {
		return false
	}
	e.state.RecordWarning("decide", "execution enabled but no actionable pattern exists yet: staying advisory-only this cycle")
	e.log.Warn().Msg("Execution enabled without an actionable pattern, staying advisory-only")
	return true
}

// persist snapshots the cycle under cycles/{agent}/{n} and mirrors it to the
// current-state key. The writes run on a detached context so a cycle that hit
// its deadline still persists. On success the cycle number advances and the
// cycle cost folds into the total; a dropped cycle changes neither.
func (e *Engine) persist(ctx context.Context, cycle int64, decision *domain.Decision) error {
	snapshot := e.state.Snapshot(cycle, decision, e.clock.Now().UTC())
	collection := domain.CyclesCollection(e.cfg.AgentID)
	stateCollection := domain.AgentStateCollection(e.cfg.AgentID)

	var lastErr error
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		if attempt > 1 {
			e.observer.Event(events.LevelWarn, events.CodePersistRetry, map[string]any{
				"cycle":   cycle,
				"attempt": attempt,
				"error":   lastErr.Error(),
			})
			_ = e.clock.Sleep(ctx, persistRetryDelay)
		}

		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		err := e.docs.Put(pctx, collection, strconv.FormatInt(cycle, 10), snapshot)
		if err == nil {
			err = e.docs.Put(pctx, stateCollection, domain.DocIDCurrent, snapshot)
		}
		cancel()

		if err == nil {
			e.state.CycleCount = cycle
			e.state.TotalCostUSD += e.state.CycleCostUSD
			return nil
		}
		lastErr = err
		e.log.Warn().Err(err).Int64("cycle", cycle).Int("attempt", attempt).Msg("Persist attempt failed")
	}

	return fmt.Errorf("%w: cycle %d after %d attempts: %v", ErrCycleDropped, cycle, persistAttempts, lastErr)
}

func holdDecision(rationale string, at time.Time) domain.Decision {
	return domain.Decision{
		ID:        uuid.New().String(),
		Kind:      domain.DecisionHold,
		Rationale: rationale,
		CreatedAt: at,
	}
}
