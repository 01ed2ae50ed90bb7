package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/vigil/internal/domain"
	"github.com/aristath/vigil/internal/memory"
	"golang.org/x/sync/errgroup"
)

const (
	// senseMaxPools bounds one cycle's pool scan to what the profiler
	// correlates over.
	senseMaxPools = 32

	// recallWindow is how far back SENSE pulls candidate memories.
	recallWindow = 7 * 24 * time.Hour

	recallQuery = "recent pool behavior, rebalance outcomes and survival notes"
)

// sense gathers pool data, gas, wallet balance and candidate memories, all
// concurrently under one read timeout. Every source records its own result;
// a missing source degrades the cycle with a warning instead of failing it.
func (e *Engine) sense(ctx context.Context) {
	sctx, cancel := context.WithTimeout(ctx, e.cfg.ExternalReadTimeout)
	defer cancel()

	var (
		balanceUSD float64
		balanceErr error

		gasGwei float64
		gasErr  error

		rebalanceGasUSD float64
		rebalanceErr    error
		compoundGasUSD  float64
		compoundErr     error

		positions    []domain.Position
		positionsErr error

		pools    []domain.PoolObservation
		poolsErr error

		recalled  []domain.MemoryRef
		recallErr error
	)

	var g errgroup.Group
	g.Go(func() error {
		balanceUSD, balanceErr = e.gateway.GetWalletBalanceUSD(sctx)
		return nil
	})
	g.Go(func() error {
		gasGwei, gasErr = e.gateway.GetGasPriceGwei(sctx)
		return nil
	})
	g.Go(func() error {
		rebalanceGasUSD, rebalanceErr = e.gateway.EstimateGasUSD(sctx, domain.GasOpRebalance)
		return nil
	})
	g.Go(func() error {
		compoundGasUSD, compoundErr = e.gateway.EstimateGasUSD(sctx, domain.GasOpCompound)
		return nil
	})
	g.Go(func() error {
		positions, positionsErr = e.gateway.ListPositions(sctx)
		return nil
	})
	g.Go(func() error {
		pools, poolsErr = e.gateway.ListPools(sctx, domain.PoolFilter{
			MinTVLUSD: e.cfg.MinTVLUSD,
			MaxPools:  senseMaxPools,
		})
		return nil
	})
	g.Go(func() error {
		recalled, recallErr = e.memories.Recall(sctx, recallQuery, memory.RecallFilters{
			After: e.state.Now.Add(-recallWindow),
		}, e.cfg.WorkingMemoryCap)
		return nil
	})
	_ = g.Wait()

	if balanceErr != nil {
		e.state.RecordWarning("sense", fmt.Sprintf("wallet balance unavailable, keeping $%.2f: %v", e.state.TreasuryUSD, balanceErr))
	} else {
		e.state.TreasuryUSD = balanceUSD
	}

	if gasErr != nil {
		e.state.RecordWarning("sense", fmt.Sprintf("gas price unavailable: %v", gasErr))
	} else {
		e.state.GasPriceGwei = gasGwei
	}

	if rebalanceErr != nil {
		e.state.RecordWarning("sense", fmt.Sprintf("rebalance gas estimate unavailable: %v", rebalanceErr))
	} else {
		e.state.GasEstimatesUSD[domain.GasOpRebalance] = rebalanceGasUSD
	}
	if compoundErr != nil {
		e.state.RecordWarning("sense", fmt.Sprintf("compound gas estimate unavailable: %v", compoundErr))
	} else {
		e.state.GasEstimatesUSD[domain.GasOpCompound] = compoundGasUSD
	}

	if positionsErr != nil {
		e.state.RecordWarning("sense", fmt.Sprintf("positions unavailable: %v", positionsErr))
	} else {
		e.state.Positions = positions
	}

	if poolsErr != nil {
		e.state.RecordWarning("sense", fmt.Sprintf("pool scan failed: %v", poolsErr))
	} else {
		e.state.Observations = e.cleanObservations(pools)
	}

	if recallErr != nil {
		e.state.RecordWarning("sense", fmt.Sprintf("memory recall failed: %v", recallErr))
	} else {
		for _, ref := range recalled {
			e.state.PushWorkingMemory(ref, e.cfg.WorkingMemoryCap)
		}
	}

	e.refreshBurn(ctx)

	e.log.Debug().
		Int("pools", len(e.state.Observations)).
		Int("positions", len(e.state.Positions)).
		Int("working_memories", len(e.state.WorkingMemories)).
		Float64("treasury_usd", e.state.TreasuryUSD).
		Float64("gas_gwei", e.state.GasPriceGwei).
		Int("warnings", len(e.state.Warnings)).
		Msg("Sense completed")
}

// cleanObservations normalizes, stamps and validates the raw pool readings.
// Malformed readings are dropped, not fatal.
func (e *Engine) cleanObservations(pools []domain.PoolObservation) []domain.PoolObservation {
	out := make([]domain.PoolObservation, 0, len(pools))
	dropped := 0
	var firstReason string
	for _, obs := range pools {
		obs.Normalize()
		obs.ObservedAt = e.state.Now
		obs.EmotionAtObservation = e.state.Emotion
		if err := obs.Validate(); err != nil {
			dropped++
			if firstReason == "" {
				firstReason = err.Error()
			}
			continue
		}
		out = append(out, obs)
	}
	if dropped > 0 {
		e.state.RecordWarning("sense", fmt.Sprintf("dropped %d malformed observations: %s", dropped, firstReason))
	}
	return out
}

// refreshBurn derives the daily burn from yesterday's recorded spend, floored
// so a silent day never reports an infinite runway.
func (e *Engine) refreshBurn(ctx context.Context) {
	yesterday := e.state.Now.Add(-24 * time.Hour)
	spentUSD, err := e.governor.SpendUSDOn(ctx, yesterday)
	if err != nil {
		e.state.RecordWarning("sense", fmt.Sprintf("burn lookup failed: %v", err))
		spentUSD = 0
	}
	e.state.DailyBurnUSD = max(e.cfg.DailyBurnFloorUSD, spentUSD)
}
