// Package reliability hardens the agent's edges: circuit breakers around the
// chain gateway, machine health snapshots for the analytics feed, and cloud
// backups of the SQLite files.
package reliability

import (
	"context"
	"errors"
	"time"

	"github.com/aristath/vigil/internal/domain"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// Breaker thresholds. Reads trip after a burst of failures and recover
// quickly; executions trip after two consecutive failures and stay open
// longer because a reverted rebalance burns real gas.
const (
	readTripThreshold = 5
	readOpenTimeout   = 30 * time.Second
	execTripThreshold = 2
	execOpenTimeout   = 5 * time.Minute
)

// BreakerGateway decorates a ChainGateway with circuit breakers so a flapping
// RPC endpoint degrades into fast transient errors instead of eating the
// cycle deadline one timeout at a time. Reads and executions trip
// independently: a read brownout must not lock out an action already decided,
// and execution reverts must not blind SENSE.
type BreakerGateway struct {
	inner domain.ChainGateway
	reads *gobreaker.CircuitBreaker
	execs *gobreaker.CircuitBreaker
}

// NewBreakerGateway wraps inner with independent read and execution breakers.
func NewBreakerGateway(inner domain.ChainGateway, log zerolog.Logger) *BreakerGateway {
	blog := log.With().Str("module", "breaker").Logger()
	onChange := func(name string, from, to gobreaker.State) {
		blog.Warn().
			Str("breaker", name).
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("Circuit breaker state changed")
	}
	// Cancellation is the caller giving up, not the endpoint failing.
	healthy := func(err error) bool {
		return err == nil || errors.Is(err, context.Canceled)
	}

	return &BreakerGateway{
		inner: inner,
		reads: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "gateway_reads",
			MaxRequests: 2,
			Interval:    time.Minute,
			Timeout:     readOpenTimeout,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= readTripThreshold
			},
			OnStateChange: onChange,
			IsSuccessful:  healthy,
		}),
		execs: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "gateway_executions",
			MaxRequests: 1,
			Timeout:     execOpenTimeout,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= execTripThreshold
			},
			OnStateChange: onChange,
			IsSuccessful:  healthy,
		}),
	}
}

// breakerErr converts open-circuit rejections into TransientError so stages
// record them as warnings and carry on. Real gateway errors pass through
// with whatever classification the inner client gave them.
func breakerErr(op string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &domain.TransientError{Op: op, Err: err}
	}
	return err
}

func (g *BreakerGateway) GetWalletBalanceUSD(ctx context.Context) (float64, error) {
	v, err := g.reads.Execute(func() (interface{}, error) {
		return g.inner.GetWalletBalanceUSD(ctx)
	})
	if err != nil {
		return 0, breakerErr("wallet_balance", err)
	}
	return v.(float64), nil
}

func (g *BreakerGateway) GetGasPriceGwei(ctx context.Context) (float64, error) {
	v, err := g.reads.Execute(func() (interface{}, error) {
		return g.inner.GetGasPriceGwei(ctx)
	})
	if err != nil {
		return 0, breakerErr("gas_price", err)
	}
	return v.(float64), nil
}

func (g *BreakerGateway) EstimateGasUSD(ctx context.Context, op string) (float64, error) {
	v, err := g.reads.Execute(func() (interface{}, error) {
		return g.inner.EstimateGasUSD(ctx, op)
	})
	if err != nil {
		return 0, breakerErr("estimate_gas", err)
	}
	return v.(float64), nil
}

func (g *BreakerGateway) ListPositions(ctx context.Context) ([]domain.Position, error) {
	v, err := g.reads.Execute(func() (interface{}, error) {
		return g.inner.ListPositions(ctx)
	})
	if err != nil {
		return nil, breakerErr("positions", err)
	}
	return v.([]domain.Position), nil
}

func (g *BreakerGateway) ListPools(ctx context.Context, filter domain.PoolFilter) ([]domain.PoolObservation, error) {
	v, err := g.reads.Execute(func() (interface{}, error) {
		return g.inner.ListPools(ctx, filter)
	})
	if err != nil {
		return nil, breakerErr("pools", err)
	}
	return v.([]domain.PoolObservation), nil
}

func (g *BreakerGateway) GetPoolInfo(ctx context.Context, poolID string) (domain.PoolObservation, error) {
	v, err := g.reads.Execute(func() (interface{}, error) {
		return g.inner.GetPoolInfo(ctx, poolID)
	})
	if err != nil {
		return domain.PoolObservation{}, breakerErr("pool_info", err)
	}
	return v.(domain.PoolObservation), nil
}

func (g *BreakerGateway) SimulateSwap(ctx context.Context, fromPool, toPool string, amountUSD float64) (domain.SwapQuote, error) {
	v, err := g.reads.Execute(func() (interface{}, error) {
		return g.inner.SimulateSwap(ctx, fromPool, toPool, amountUSD)
	})
	if err != nil {
		return domain.SwapQuote{}, breakerErr("simulate_swap", err)
	}
	return v.(domain.SwapQuote), nil
}

func (g *BreakerGateway) ExecuteRebalance(ctx context.Context, fromPool, toPool string, amountUSD float64) (domain.ExecutionReceipt, error) {
	v, err := g.execs.Execute(func() (interface{}, error) {
		return g.inner.ExecuteRebalance(ctx, fromPool, toPool, amountUSD)
	})
	if err != nil {
		return domain.ExecutionReceipt{}, breakerErr("rebalance", err)
	}
	return v.(domain.ExecutionReceipt), nil
}

func (g *BreakerGateway) ExecuteCompound(ctx context.Context, poolID string) (domain.ExecutionReceipt, error) {
	v, err := g.execs.Execute(func() (interface{}, error) {
		return g.inner.ExecuteCompound(ctx, poolID)
	})
	if err != nil {
		return domain.ExecutionReceipt{}, breakerErr("compound", err)
	}
	return v.(domain.ExecutionReceipt), nil
}
