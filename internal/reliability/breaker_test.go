package reliability

import (
	"context"
	"errors"
	"testing"

	"github.com/aristath/vigil/internal/domain"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubGateway struct {
	balance   float64
	readErr   error
	execErr   error
	readCalls int
	execCalls int
}

func (s *stubGateway) read() error {
	s.readCalls++
	return s.readErr
}

func (s *stubGateway) GetWalletBalanceUSD(ctx context.Context) (float64, error) {
	if err := s.read(); err != nil {
		return 0, err
	}
	return s.balance, nil
}

func (s *stubGateway) GetGasPriceGwei(ctx context.Context) (float64, error) {
	if err := s.read(); err != nil {
		return 0, err
	}
	return 25, nil
}

func (s *stubGateway) EstimateGasUSD(ctx context.Context, op string) (float64, error) {
	if err := s.read(); err != nil {
		return 0, err
	}
	return 0.5, nil
}

func (s *stubGateway) ListPositions(ctx context.Context) ([]domain.Position, error) {
	if err := s.read(); err != nil {
		return nil, err
	}
	return []domain.Position{}, nil
}

func (s *stubGateway) ListPools(ctx context.Context, filter domain.PoolFilter) ([]domain.PoolObservation, error) {
	if err := s.read(); err != nil {
		return nil, err
	}
	return []domain.PoolObservation{}, nil
}

func (s *stubGateway) GetPoolInfo(ctx context.Context, poolID string) (domain.PoolObservation, error) {
	if err := s.read(); err != nil {
		return domain.PoolObservation{}, err
	}
	return domain.PoolObservation{PoolID: poolID}, nil
}

func (s *stubGateway) SimulateSwap(ctx context.Context, fromPool, toPool string, amountUSD float64) (domain.SwapQuote, error) {
	if err := s.read(); err != nil {
		return domain.SwapQuote{}, err
	}
	return domain.SwapQuote{}, nil
}

func (s *stubGateway) ExecuteRebalance(ctx context.Context, fromPool, toPool string, amountUSD float64) (domain.ExecutionReceipt, error) {
	s.execCalls++
	if s.execErr != nil {
		return domain.ExecutionReceipt{}, s.execErr
	}
	return domain.ExecutionReceipt{TxHash: "0xabc"}, nil
}

func (s *stubGateway) ExecuteCompound(ctx context.Context, poolID string) (domain.ExecutionReceipt, error) {
	s.execCalls++
	if s.execErr != nil {
		return domain.ExecutionReceipt{}, s.execErr
	}
	return domain.ExecutionReceipt{TxHash: "0xdef"}, nil
}

func TestBreakerPassesThroughHealthyCalls(t *testing.T) {
	inner := &stubGateway{balance: 512.5}
	gw := NewBreakerGateway(inner, zerolog.Nop())

	balance, err := gw.GetWalletBalanceUSD(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 512.5, balance)

	receipt, err := gw.ExecuteCompound(context.Background(), "pool-a")
	require.NoError(t, err)
	assert.Equal(t, "0xdef", receipt.TxHash)

	assert.Equal(t, 1, inner.readCalls)
	assert.Equal(t, 1, inner.execCalls)
}

func TestReadBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	inner := &stubGateway{readErr: errors.New("rpc timeout")}
	gw := NewBreakerGateway(inner, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < readTripThreshold; i++ {
		_, err := gw.GetWalletBalanceUSD(ctx)
		require.EqualError(t, err, "rpc timeout")
	}
	assert.Equal(t, readTripThreshold, inner.readCalls)

	// Open circuit rejects without touching the endpoint and reports as
	// transient so SENSE degrades instead of failing the cycle.
	_, err := gw.GetGasPriceGwei(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
	assert.True(t, domain.IsTransient(err))
	assert.Equal(t, readTripThreshold, inner.readCalls)
}

func TestExecutionBreakerIsIndependentOfReads(t *testing.T) {
	inner := &stubGateway{readErr: errors.New("rpc timeout")}
	gw := NewBreakerGateway(inner, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < readTripThreshold; i++ {
		_, _ = gw.ListPools(ctx, domain.PoolFilter{})
	}
	_, err := gw.ListPositions(ctx)
	require.True(t, errors.Is(err, gobreaker.ErrOpenState))

	receipt, err := gw.ExecuteRebalance(ctx, "pool-a", "pool-b", 100)
	require.NoError(t, err)
	assert.Equal(t, "0xabc", receipt.TxHash)
}

func TestExecutionBreakerTripsFaster(t *testing.T) {
	inner := &stubGateway{execErr: errors.New("execution reverted")}
	gw := NewBreakerGateway(inner, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < execTripThreshold; i++ {
		_, err := gw.ExecuteCompound(ctx, "pool-a")
		require.EqualError(t, err, "execution reverted")
	}
	assert.Equal(t, execTripThreshold, inner.execCalls)

	_, err := gw.ExecuteCompound(ctx, "pool-a")
	require.True(t, errors.Is(err, gobreaker.ErrOpenState))
	assert.Equal(t, execTripThreshold, inner.execCalls)
}

func TestCancelledContextDoesNotTripBreaker(t *testing.T) {
	inner := &stubGateway{readErr: context.Canceled}
	gw := NewBreakerGateway(inner, zerolog.Nop())
	ctx := context.Background()

	// Far more cancellations than the trip threshold, and the circuit
	// stays closed: every call still reaches the endpoint.
	for i := 0; i < readTripThreshold*2; i++ {
		_, err := gw.GetWalletBalanceUSD(ctx)
		require.True(t, errors.Is(err, context.Canceled))
	}
	assert.Equal(t, readTripThreshold*2, inner.readCalls)
}

func TestRealErrorsPassThroughUnwrapped(t *testing.T) {
	inner := &stubGateway{readErr: &domain.DataQualityError{Source: "pools", Reason: "negative tvl"}}
	gw := NewBreakerGateway(inner, zerolog.Nop())

	_, err := gw.GetPoolInfo(context.Background(), "pool-a")
	var dqe *domain.DataQualityError
	require.True(t, errors.As(err, &dqe))
	assert.Equal(t, "pools", dqe.Source)
}
