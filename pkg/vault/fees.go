package vault

import (
	"math/big"

	"github.com/luxfi/margin/pkg/fixed"
)

// FeeConfig holds the fee schedule, all in basis points except the
// liquidation fee which is a flat USD amount.
type FeeConfig struct {
	TaxBps           *big.Int
	StableTaxBps     *big.Int
	MintBurnFeeBps   *big.Int
	SwapFeeBps       *big.Int
	StableSwapFeeBps *big.Int
	MarginFeeBps     *big.Int
	DynamicFees      bool
}

// DefaultFeeConfig returns the standard fee schedule.
func DefaultFeeConfig() *FeeConfig {
	return &FeeConfig{
		TaxBps:           big.NewInt(50),
		StableTaxBps:     big.NewInt(20),
		MintBurnFeeBps:   big.NewInt(30),
		SwapFeeBps:       big.NewInt(30),
		StableSwapFeeBps: big.NewInt(4),
		MarginFeeBps:     big.NewInt(10),
		DynamicFees:      true,
	}
}

// PositionFee returns the flat-rate fee on a notional size delta.
func (fc *FeeConfig) PositionFee(sizeDelta *big.Int) *big.Int {
	return fixed.ApplyBps(sizeDelta, fc.MarginFeeBps)
}

// DynamicFeeBps maps a proposed synthetic-debt change to a fee. Moving the
// asset's debt toward its weight-implied target earns a rebate off baseBps
// (floored at zero); moving away pays a penalty on top. currentDebt and
// deltaUsd are synthetic units; targetDebt is the weight-implied share of
// total synthetic supply.
func DynamicFeeBps(currentDebt, targetDebt, deltaUsd, baseBps, taxBps *big.Int, increment, dynamic bool) *big.Int {
	if !dynamic || targetDebt.Sign() == 0 {
		return fixed.Clone(baseBps)
	}

	nextDebt := new(big.Int)
	if increment {
		nextDebt.Add(currentDebt, deltaUsd)
	} else if currentDebt.Cmp(deltaUsd) > 0 {
		nextDebt.Sub(currentDebt, deltaUsd)
	}

	initialDiff := fixed.AbsDiff(currentDebt, targetDebt)
	nextDiff := fixed.AbsDiff(nextDebt, targetDebt)

	if nextDiff.Cmp(initialDiff) < 0 {
		// Correcting the imbalance: rebate proportional to how far off
		// target the pool was.
		rebate := new(big.Int).Mul(taxBps, initialDiff)
		rebate.Quo(rebate, targetDebt)
		if rebate.Cmp(baseBps) >= 0 {
			return new(big.Int)
		}
		return new(big.Int).Sub(baseBps, rebate)
	}

	averageDiff := new(big.Int).Add(initialDiff, nextDiff)
	averageDiff.Quo(averageDiff, big.NewInt(2))
	if averageDiff.Cmp(targetDebt) > 0 {
		averageDiff = targetDebt
	}
	penalty := new(big.Int).Mul(taxBps, averageDiff)
	penalty.Quo(penalty, targetDebt)
	return new(big.Int).Add(baseBps, penalty)
}
