// Package simchain is a deterministic in-process liquidity protocol gateway.
// Pool metrics follow fixed diurnal curves derived from the clock, so runs
// are reproducible end to end; executions mutate in-memory positions and the
// gas wallet. Deployments against a real chain replace this with an RPC
// implementation of domain.ChainGateway.
package simchain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/domain"
)

const (
	// L2-ish execution costs per gwei of gas price. A rebalance is an exit
	// plus an entry, a compound is a single claim-and-stake.
	rebalanceUSDPerGwei = 0.020
	compoundUSDPerGwei  = 0.008

	swapFeePct     = 0.0005 // 5 bps pool fee on the way through
	hoursPerYear   = 365 * 24
	dustUSD        = 0.01
	gasBaseGwei    = 28.0
	gasSwingGwei   = 14.0
	gasDriftGwei   = 3.0
	gasPeakHourUTC = 15.0
)

// poolSpec is one catalog entry: the stable identity of a pool plus the
// anchors its observable metrics oscillate around.
type poolSpec struct {
	id        string
	pair      string
	tvlUSD    float64
	volumeUSD float64
	feeAPR    float64
	rewardAPR float64
	phaseHour float64 // UTC hour where this pool's fee APR peaks
	swing     float64 // peak deviation from the anchor, as a fraction
}

var catalog = []poolSpec{
	{id: "vlm-usdc-weth", pair: "USDC/WETH", tvlUSD: 42_000_000, volumeUSD: 18_000_000, feeAPR: 0.11, rewardAPR: 0.06, phaseHour: 14, swing: 0.25},
	{id: "vlm-weth-degen", pair: "WETH/DEGEN", tvlUSD: 3_800_000, volumeUSD: 5_200_000, feeAPR: 0.34, rewardAPR: 0.21, phaseHour: 2, swing: 0.45},
	{id: "vlm-usdc-usdt", pair: "USDC/USDT", tvlUSD: 65_000_000, volumeUSD: 9_500_000, feeAPR: 0.04, rewardAPR: 0.02, phaseHour: 8, swing: 0.10},
	{id: "vlm-weth-cbbtc", pair: "WETH/cbBTC", tvlUSD: 28_000_000, volumeUSD: 11_000_000, feeAPR: 0.09, rewardAPR: 0.05, phaseHour: 20, swing: 0.20},
	{id: "vlm-usdc-aero", pair: "USDC/AERO", tvlUSD: 7_500_000, volumeUSD: 4_100_000, feeAPR: 0.22, rewardAPR: 0.14, phaseHour: 5, swing: 0.35},
	{id: "vlm-weth-wsteth", pair: "WETH/wstETH", tvlUSD: 54_000_000, volumeUSD: 6_800_000, feeAPR: 0.03, rewardAPR: 0.025, phaseHour: 11, swing: 0.08},
}

// position is a held stake plus its reward accrual bookkeeping.
type position struct {
	poolID      string
	valueUSD    float64
	pendingUSD  float64
	enteredAt   time.Time
	lastAccrual time.Time
}

// Gateway implements domain.ChainGateway against the catalog above.
type Gateway struct {
	clock domain.Clock
	log   zerolog.Logger

	mu        sync.Mutex
	walletUSD float64
	positions map[string]*position
	txSeq     int64
}

// NewGateway creates a gateway holding walletUSD of gas money and two seed
// positions, so the first cycles have something to observe and manage.
func NewGateway(walletUSD float64, clock domain.Clock, log zerolog.Logger) *Gateway {
	now := clock.Now().UTC()
	g := &Gateway{
		clock:     clock,
		log:       log.With().Str("client", "simchain").Logger(),
		walletUSD: walletUSD,
		positions: make(map[string]*position),
	}
	g.positions[catalog[0].id] = &position{
		poolID: catalog[0].id, valueUSD: 5000, enteredAt: now, lastAccrual: now,
	}
	g.positions[catalog[2].id] = &position{
		poolID: catalog[2].id, valueUSD: 3000, enteredAt: now, lastAccrual: now,
	}
	return g
}

func (g *Gateway) GetWalletBalanceUSD(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.walletUSD, nil
}

// GetGasPriceGwei follows a diurnal curve: trough near 03:00 UTC, peak near
// 15:00 UTC, plus a small day-to-day drift.
func (g *Gateway) GetGasPriceGwei(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return gasAt(g.clock.Now().UTC()), nil
}

func (g *Gateway) EstimateGasUSD(ctx context.Context, op string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	gwei := gasAt(g.clock.Now().UTC())
	switch op {
	case domain.GasOpRebalance:
		return gwei * rebalanceUSDPerGwei, nil
	case domain.GasOpCompound:
		return gwei * compoundUSDPerGwei, nil
	default:
		return 0, &domain.DataQualityError{Source: "simchain", Reason: fmt.Sprintf("unknown gas op %q", op)}
	}
}

func (g *Gateway) ListPositions(ctx context.Context) ([]domain.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := g.clock.Now().UTC()

	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]domain.Position, 0, len(g.positions))
	for _, pos := range g.positions {
		g.accrue(pos, now)
		spec, ok := specFor(pos.poolID)
		obs := observationAt(spec, now)
		apr := 0.0
		pair := pos.poolID
		if ok {
			apr = obs.TotalAPR
			pair = spec.pair
		}
		out = append(out, domain.Position{
			PoolID:            pos.poolID,
			PairLabel:         pair,
			ValueUSD:          pos.valueUSD,
			PendingRewardsUSD: pos.pendingUSD,
			EnteredAt:         pos.enteredAt,
			CurrentAPR:        apr,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PoolID < out[j].PoolID })
	return out, nil
}

func (g *Gateway) ListPools(ctx context.Context, filter domain.PoolFilter) ([]domain.PoolObservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := g.clock.Now().UTC()

	out := make([]domain.PoolObservation, 0, len(catalog))
	for _, spec := range catalog {
		obs := observationAt(spec, now)
		if obs.TVLUSD < filter.MinTVLUSD {
			continue
		}
		out = append(out, obs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TVLUSD > out[j].TVLUSD })
	if filter.MaxPools > 0 && len(out) > filter.MaxPools {
		out = out[:filter.MaxPools]
	}
	return out, nil
}

func (g *Gateway) GetPoolInfo(ctx context.Context, poolID string) (domain.PoolObservation, error) {
	if err := ctx.Err(); err != nil {
		return domain.PoolObservation{}, err
	}
	spec, ok := specFor(poolID)
	if !ok {
		return domain.PoolObservation{}, fmt.Errorf("pool %s: %w", poolID, domain.ErrNotFound)
	}
	return observationAt(spec, g.clock.Now().UTC()), nil
}

func (g *Gateway) SimulateSwap(ctx context.Context, fromPool, toPool string, amountUSD float64) (domain.SwapQuote, error) {
	if err := ctx.Err(); err != nil {
		return domain.SwapQuote{}, err
	}
	if amountUSD <= 0 {
		return domain.SwapQuote{}, &domain.DataQualityError{Source: "simchain", Reason: "non-positive swap amount"}
	}
	if _, ok := specFor(fromPool); !ok {
		return domain.SwapQuote{}, fmt.Errorf("pool %s: %w", fromPool, domain.ErrNotFound)
	}
	toSpec, ok := specFor(toPool)
	if !ok {
		return domain.SwapQuote{}, fmt.Errorf("pool %s: %w", toPool, domain.ErrNotFound)
	}

	now := g.clock.Now().UTC()
	impact := priceImpact(amountUSD, observationAt(toSpec, now).TVLUSD)
	return domain.SwapQuote{
		FromPoolID:     fromPool,
		ToPoolID:       toPool,
		AmountUSD:      amountUSD,
		ExpectedOutUSD: amountUSD * (1 - impact - swapFeePct),
		PriceImpactPct: impact * 100,
		GasUSD:         gasAt(now) * rebalanceUSDPerGwei,
	}, nil
}

func (g *Gateway) ExecuteRebalance(ctx context.Context, fromPool, toPool string, amountUSD float64) (domain.ExecutionReceipt, error) {
	if err := ctx.Err(); err != nil {
		return domain.ExecutionReceipt{}, err
	}
	if amountUSD <= 0 {
		return domain.ExecutionReceipt{}, &domain.ExecutionError{Op: "rebalance", Err: fmt.Errorf("non-positive amount %.2f", amountUSD)}
	}
	toSpec, ok := specFor(toPool)
	if !ok {
		return domain.ExecutionReceipt{}, &domain.ExecutionError{Op: "rebalance", Err: fmt.Errorf("pool %s: %w", toPool, domain.ErrNotFound)}
	}
	now := g.clock.Now().UTC()
	gasUSD := gasAt(now) * rebalanceUSDPerGwei

	g.mu.Lock()
	defer g.mu.Unlock()

	from, ok := g.positions[fromPool]
	if !ok {
		return domain.ExecutionReceipt{}, &domain.ExecutionError{Op: "rebalance", Err: fmt.Errorf("no position in %s", fromPool)}
	}
	g.accrue(from, now)
	if from.valueUSD < amountUSD {
		return domain.ExecutionReceipt{}, &domain.ExecutionError{
			Op:  "rebalance",
			Err: fmt.Errorf("position %s holds $%.2f, cannot move $%.2f", fromPool, from.valueUSD, amountUSD),
		}
	}
	if g.walletUSD < gasUSD {
		return domain.ExecutionReceipt{}, &domain.ExecutionError{
			Op:  "rebalance",
			Err: fmt.Errorf("wallet $%.2f cannot cover gas $%.2f", g.walletUSD, gasUSD),
		}
	}

	moved := amountUSD * (1 - priceImpact(amountUSD, observationAt(toSpec, now).TVLUSD) - swapFeePct)
	from.valueUSD -= amountUSD
	if from.valueUSD < dustUSD {
		// A full exit sweeps dust and pending rewards along.
		moved += from.valueUSD + from.pendingUSD
		delete(g.positions, fromPool)
	}

	to, ok := g.positions[toPool]
	if !ok {
		to = &position{poolID: toPool, enteredAt: now, lastAccrual: now}
		g.positions[toPool] = to
	}
	g.accrue(to, now)
	to.valueUSD += moved

	g.walletUSD -= gasUSD
	receipt := domain.ExecutionReceipt{TxHash: g.nextTxHash(now), GasSpentUSD: gasUSD, ExecutedAt: now}
	g.log.Info().
		Str("from", fromPool).
		Str("to", toPool).
		Float64("amount_usd", amountUSD).
		Float64("gas_usd", gasUSD).
		Str("tx", receipt.TxHash).
		Msg("Rebalance executed")
	return receipt, nil
}

func (g *Gateway) ExecuteCompound(ctx context.Context, poolID string) (domain.ExecutionReceipt, error) {
	if err := ctx.Err(); err != nil {
		return domain.ExecutionReceipt{}, err
	}
	now := g.clock.Now().UTC()
	gasUSD := gasAt(now) * compoundUSDPerGwei

	g.mu.Lock()
	defer g.mu.Unlock()

	pos, ok := g.positions[poolID]
	if !ok {
		return domain.ExecutionReceipt{}, &domain.ExecutionError{Op: "compound", Err: fmt.Errorf("no position in %s", poolID)}
	}
	if g.walletUSD < gasUSD {
		return domain.ExecutionReceipt{}, &domain.ExecutionError{
			Op:  "compound",
			Err: fmt.Errorf("wallet $%.2f cannot cover gas $%.2f", g.walletUSD, gasUSD),
		}
	}

	g.accrue(pos, now)
	compounded := pos.pendingUSD
	pos.valueUSD += compounded
	pos.pendingUSD = 0

	g.walletUSD -= gasUSD
	receipt := domain.ExecutionReceipt{TxHash: g.nextTxHash(now), GasSpentUSD: gasUSD, ExecutedAt: now}
	g.log.Info().
		Str("pool", poolID).
		Float64("compounded_usd", compounded).
		Float64("gas_usd", gasUSD).
		Str("tx", receipt.TxHash).
		Msg("Compound executed")
	return receipt, nil
}

// accrue folds reward emissions since the last accrual into the position.
// Callers hold g.mu.
func (g *Gateway) accrue(pos *position, now time.Time) {
	elapsed := now.Sub(pos.lastAccrual)
	if elapsed <= 0 {
		return
	}
	spec, ok := specFor(pos.poolID)
	if ok {
		rate := observationAt(spec, now).RewardAPR
		pos.pendingUSD += pos.valueUSD * rate * elapsed.Hours() / hoursPerYear
	}
	pos.lastAccrual = now
}

func (g *Gateway) nextTxHash(now time.Time) string {
	g.txSeq++
	sum := sha256.Sum256([]byte(fmt.Sprintf("vigil-sim-%d-%d", g.txSeq, now.UnixNano())))
	return "0x" + hex.EncodeToString(sum[:])
}

func specFor(poolID string) (poolSpec, bool) {
	for _, spec := range catalog {
		if spec.id == poolID {
			return spec, true
		}
	}
	return poolSpec{}, false
}

// observationAt projects a catalog entry onto a moment in time. Fee APR and
// volume ride a shared daily wave offset by the pool's phase; TVL breathes
// on a slower weekly wave.
func observationAt(spec poolSpec, now time.Time) domain.PoolObservation {
	hour := float64(now.Hour()) + float64(now.Minute())/60
	daily := math.Sin((hour - spec.phaseHour) / 24 * 2 * math.Pi)
	weekly := math.Sin(float64(now.YearDay()%7) / 7 * 2 * math.Pi)

	fee := spec.feeAPR * (1 + spec.swing*daily)
	reward := spec.rewardAPR * (1 + 0.5*spec.swing*weekly)
	tvl := spec.tvlUSD * (1 + 0.08*weekly)
	volume := spec.volumeUSD * (1 + 0.30*daily)
	if volume < 0 {
		volume = 0
	}

	return domain.PoolObservation{
		PoolID:       spec.id,
		PairLabel:    spec.pair,
		TVLUSD:       tvl,
		Volume24hUSD: volume,
		FeeAPR:       fee,
		RewardAPR:    reward,
		TotalAPR:     fee + reward,
		VolumeToTVL:  volume / tvl,
		ObservedAt:   now,
	}
}

// priceImpact approximates constant-product slippage for a one-sided entry.
func priceImpact(amountUSD, poolTVLUSD float64) float64 {
	if poolTVLUSD <= 0 {
		return 1
	}
	return amountUSD / (amountUSD + poolTVLUSD)
}

func gasAt(now time.Time) float64 {
	hour := float64(now.Hour()) + float64(now.Minute())/60
	daily := math.Cos((hour - gasPeakHourUTC) / 24 * 2 * math.Pi)
	drift := math.Sin(float64(now.YearDay()) * 0.7)
	return gasBaseGwei + gasSwingGwei*daily + gasDriftGwei*drift
}
