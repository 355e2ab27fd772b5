package vault

import (
	"math/big"
	"time"

	"github.com/luxfi/margin/pkg/fixed"
)

// FundingConfig parameterizes utilization-based funding accrual.
type FundingConfig struct {
	// Interval is the accrual granularity. Rates only move on interval
	// boundaries; partial intervals accrue nothing.
	Interval time.Duration

	// RateFactor scales the per-interval rate for volatile assets, in
	// fixed.FundingRatePrecision units.
	RateFactor *big.Int

	// StableRateFactor is the factor applied to stable assets.
	StableRateFactor *big.Int
}

// DefaultFundingConfig returns hourly accrual with the standard factors.
func DefaultFundingConfig() *FundingConfig {
	return &FundingConfig{
		Interval:         time.Hour,
		RateFactor:       big.NewInt(100),
		StableRateFactor: big.NewInt(100),
	}
}

// FundingTracker accrues the per-asset cumulative funding-rate counter.
// The counter is monotonically non-decreasing; a position's funding fee is
// size * (cumulative - entrySnapshot) / FundingRatePrecision.
type FundingTracker struct {
	ledger *PoolLedger
	config *FundingConfig
	now    func() time.Time
}

// NewFundingTracker creates a tracker over the given ledger.
func NewFundingTracker(ledger *PoolLedger, config *FundingConfig) *FundingTracker {
	if config == nil {
		config = DefaultFundingConfig()
	}
	return &FundingTracker{ledger: ledger, config: config, now: time.Now}
}

// SetClock overrides the time source. Test hook.
func (ft *FundingTracker) SetClock(now func() time.Time) { ft.now = now }

// Update advances an asset's cumulative funding rate if at least one full
// interval has elapsed. The last-funding timestamp advances to the interval
// boundary, never to "now", so accrual never drifts.
func (ft *FundingTracker) Update(symbol string) error {
	now := ft.now()
	return ft.ledger.mutate(symbol, func(a *Asset) error {
		if a.LastFundingTime.IsZero() {
			a.LastFundingTime = now.Truncate(ft.config.Interval)
			return nil
		}
		elapsed := now.Sub(a.LastFundingTime)
		if elapsed < ft.config.Interval {
			return nil
		}
		intervals := int64(elapsed / ft.config.Interval)

		rate := new(big.Int)
		if a.PoolAmount.Sign() > 0 {
			factor := ft.config.RateFactor
			if a.IsStable {
				factor = ft.config.StableRateFactor
			}
			num := new(big.Int).Mul(factor, a.ReservedAmount)
			num.Mul(num, big.NewInt(intervals))
			rate.Quo(num, a.PoolAmount)
		}

		a.CumulativeFundingRate = fixed.Add(a.CumulativeFundingRate, rate)
		a.LastFundingTime = a.LastFundingTime.Add(time.Duration(intervals) * ft.config.Interval)
		return nil
	})
}

// CumulativeRate returns the asset's current cumulative funding rate.
func (ft *FundingTracker) CumulativeRate(symbol string) (*big.Int, error) {
	a, err := ft.ledger.Asset(symbol)
	if err != nil {
		return nil, err
	}
	return a.CumulativeFundingRate, nil
}

// FundingFee returns the funding owed on a position of the given size whose
// entry snapshot was entryRate, against the asset's current cumulative rate.
func FundingFee(size, entryRate, cumulativeRate *big.Int) (*big.Int, error) {
	if size.Sign() == 0 {
		return new(big.Int), nil
	}
	owed, err := fixed.Sub(cumulativeRate, entryRate)
	if err != nil {
		return nil, err
	}
	return fixed.MulDiv(size, owed, fixed.FundingRatePrecision)
}
