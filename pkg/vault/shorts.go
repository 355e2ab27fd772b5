package vault

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/luxfi/margin/pkg/fixed"
)

// GlobalShort is the synthetic aggregate of all short exposure on one index
// asset: total USD size and the volume-weighted average entry price.
type GlobalShort struct {
	TotalSize    *big.Int
	AveragePrice *big.Int
}

// ShortExposureTracker maintains per-index-asset global short state. It is
// updated exactly once per increase/decrease of any short position, before
// the triggering position's own average price is recomputed, so realized-PnL
// attribution always runs against the pre-update global average.
type ShortExposureTracker struct {
	mu     sync.RWMutex
	shorts map[string]*GlobalShort
	ledger *PoolLedger
}

// NewShortExposureTracker creates an empty tracker.
func NewShortExposureTracker(ledger *PoolLedger) *ShortExposureTracker {
	return &ShortExposureTracker{
		shorts: make(map[string]*GlobalShort),
		ledger: ledger,
	}
}

// Global returns the aggregate short size and average price for an index
// asset.
func (st *ShortExposureTracker) Global(indexAsset string) (size, averagePrice *big.Int) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	gs, ok := st.shorts[indexAsset]
	if !ok {
		return new(big.Int), new(big.Int)
	}
	return fixed.Clone(gs.TotalSize), fixed.Clone(gs.AveragePrice)
}

// GlobalDelta returns whether aggregate shorts are in profit at markPrice
// and the unrealized PnL magnitude.
func (st *ShortExposureTracker) GlobalDelta(indexAsset string, markPrice *big.Int) (bool, *big.Int, error) {
	size, avg := st.Global(indexAsset)
	return PositionDelta(false, size, avg, markPrice)
}

// Increase folds sizeDelta of new short exposure at price into the global
// average, enforcing the per-asset exposure cap.
func (st *ShortExposureTracker) Increase(indexAsset string, price, sizeDelta *big.Int) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	gs, ok := st.shorts[indexAsset]
	if !ok {
		gs = &GlobalShort{TotalSize: new(big.Int), AveragePrice: new(big.Int)}
		st.shorts[indexAsset] = gs
	}

	nextSize := fixed.Add(gs.TotalSize, sizeDelta)
	if st.ledger != nil {
		a, err := st.ledger.Asset(indexAsset)
		if err != nil {
			return err
		}
		if a.MaxGlobalShortSize.Sign() > 0 && nextSize.Cmp(a.MaxGlobalShortSize) > 0 {
			return fmt.Errorf("vault: shorts on %s: %w", indexAsset, ErrMaxShortsExceeded)
		}
	}

	if gs.TotalSize.Sign() == 0 {
		gs.TotalSize = nextSize
		gs.AveragePrice = fixed.Clone(price)
		return nil
	}

	nextAvg, err := NextAveragePrice(false, gs.TotalSize, gs.AveragePrice, price, sizeDelta)
	if err != nil {
		return err
	}
	gs.TotalSize = nextSize
	gs.AveragePrice = nextAvg
	return nil
}

// checkpoint captures one index asset's global short state, or its absence,
// and returns a function that restores it.
func (st *ShortExposureTracker) checkpoint(indexAsset string) func() {
	st.mu.RLock()
	gs, existed := st.shorts[indexAsset]
	var size, avg *big.Int
	if existed {
		size = fixed.Clone(gs.TotalSize)
		avg = fixed.Clone(gs.AveragePrice)
	}
	st.mu.RUnlock()

	return func() {
		st.mu.Lock()
		defer st.mu.Unlock()
		if !existed {
			delete(st.shorts, indexAsset)
			return
		}
		st.shorts[indexAsset] = &GlobalShort{TotalSize: size, AveragePrice: avg}
	}
}

// Decrease removes sizeDelta of short exposure at markPrice, folding out the
// realized PnL of the triggering position transition (signed, positive =
// trader profit) so the global average keeps tracking only unrealized
// exposure.
func (st *ShortExposureTracker) Decrease(indexAsset string, markPrice, sizeDelta, realizedPnl *big.Int) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	gs, ok := st.shorts[indexAsset]
	if !ok {
		return fmt.Errorf("vault: no global short exposure for %s", indexAsset)
	}

	nextSize, err := fixed.Sub(gs.TotalSize, sizeDelta)
	if err != nil {
		return fmt.Errorf("vault: decrease global short %s: %w", indexAsset, err)
	}
	if nextSize.Sign() == 0 {
		gs.TotalSize = new(big.Int)
		gs.AveragePrice = new(big.Int)
		return nil
	}

	// Remaining unrealized PnL is the pre-update aggregate PnL minus what
	// the transition just realized. Solve the average-price equation for
	// the price that yields exactly that PnL on the remaining size.
	hasProfit, delta, err := PositionDelta(false, gs.TotalSize, gs.AveragePrice, markPrice)
	if err != nil {
		return err
	}
	unrealized := fixed.Clone(delta)
	if !hasProfit {
		unrealized.Neg(unrealized)
	}
	remaining := new(big.Int).Sub(unrealized, realizedPnl)

	divisor := new(big.Int).Sub(nextSize, remaining)
	if divisor.Sign() <= 0 {
		return fmt.Errorf("vault: decrease global short %s: %w", indexAsset, fixed.ErrDivideByZero)
	}
	nextAvg, err := fixed.MulDiv(markPrice, nextSize, divisor)
	if err != nil {
		return err
	}
	gs.TotalSize = nextSize
	gs.AveragePrice = nextAvg
	return nil
}
