package vault

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/luxfi/margin/pkg/fixed"
)

// PositionKey identifies a position. One position exists per combination.
type PositionKey struct {
	Owner           string
	CollateralAsset string
	IndexAsset      string
	IsLong          bool
}

// Position is a leveraged exposure record. Size and Collateral are USD at
// fixed.PricePrecision; ReserveAmount is collateral-asset units.
type Position struct {
	Key              PositionKey
	Size             *big.Int
	Collateral       *big.Int
	AveragePrice     *big.Int
	EntryFundingRate *big.Int
	ReserveAmount    *big.Int
	RealizedPnl      *big.Int // signed
	LastIncreaseTime time.Time
}

func newPosition(key PositionKey) *Position {
	return &Position{
		Key:              key,
		Size:             new(big.Int),
		Collateral:       new(big.Int),
		AveragePrice:     new(big.Int),
		EntryFundingRate: new(big.Int),
		ReserveAmount:    new(big.Int),
		RealizedPnl:      new(big.Int),
	}
}

func (p *Position) snapshot() Position {
	return Position{
		Key:              p.Key,
		Size:             fixed.Clone(p.Size),
		Collateral:       fixed.Clone(p.Collateral),
		AveragePrice:     fixed.Clone(p.AveragePrice),
		EntryFundingRate: fixed.Clone(p.EntryFundingRate),
		ReserveAmount:    fixed.Clone(p.ReserveAmount),
		RealizedPnl:      fixed.Clone(p.RealizedPnl),
		LastIncreaseTime: p.LastIncreaseTime,
	}
}

// PositionBook stores all open positions. Only the margin trading engine and
// the liquidation path mutate entries, and only under the engine's
// operation guard.
type PositionBook struct {
	mu        sync.RWMutex
	positions map[PositionKey]*Position
}

// NewPositionBook creates an empty position book.
func NewPositionBook() *PositionBook {
	return &PositionBook{positions: make(map[PositionKey]*Position)}
}

// Get returns a snapshot of a position, or false if none exists.
func (pb *PositionBook) Get(key PositionKey) (Position, bool) {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	p, ok := pb.positions[key]
	if !ok {
		return Position{}, false
	}
	return p.snapshot(), true
}

// Count returns the number of open positions.
func (pb *PositionBook) Count() int {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	return len(pb.positions)
}

func (pb *PositionBook) getOrCreate(key PositionKey) *Position {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	p, ok := pb.positions[key]
	if !ok {
		p = newPosition(key)
		pb.positions[key] = p
	}
	return p
}

func (pb *PositionBook) get(key PositionKey) *Position {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	return pb.positions[key]
}

func (pb *PositionBook) delete(key PositionKey) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	delete(pb.positions, key)
}

// checkpoint captures one entry's state, or its absence, and returns a
// function that restores it.
func (pb *PositionBook) checkpoint(key PositionKey) func() {
	pb.mu.RLock()
	p, existed := pb.positions[key]
	var snap Position
	if existed {
		snap = p.snapshot()
	}
	pb.mu.RUnlock()

	return func() {
		pb.mu.Lock()
		defer pb.mu.Unlock()
		if !existed {
			delete(pb.positions, key)
			return
		}
		cur, ok := pb.positions[key]
		if !ok {
			cur = newPosition(key)
			pb.positions[key] = cur
		}
		*cur = snap
	}
}

// PositionDelta returns whether the position is in profit at markPrice and
// the unrealized PnL magnitude in USD.
func PositionDelta(isLong bool, size, averagePrice, markPrice *big.Int) (bool, *big.Int, error) {
	if size.Sign() == 0 || averagePrice.Sign() == 0 {
		return false, new(big.Int), nil
	}
	priceDelta := fixed.AbsDiff(markPrice, averagePrice)
	delta, err := fixed.MulDiv(size, priceDelta, averagePrice)
	if err != nil {
		return false, nil, err
	}
	var hasProfit bool
	if isLong {
		hasProfit = markPrice.Cmp(averagePrice) > 0
	} else {
		hasProfit = markPrice.Cmp(averagePrice) < 0
	}
	return hasProfit, delta, nil
}

// NextAveragePrice computes the entry price after growing a position by
// sizeDelta at nextPrice. The divisor folds the existing unrealized PnL in,
// so closing immediately after the increase at the same price realizes
// exactly the PnL that was unrealized before it.
func NextAveragePrice(isLong bool, size, averagePrice, nextPrice, sizeDelta *big.Int) (*big.Int, error) {
	hasProfit, delta, err := PositionDelta(isLong, size, averagePrice, nextPrice)
	if err != nil {
		return nil, err
	}
	nextSize := fixed.Add(size, sizeDelta)

	divisor := new(big.Int)
	if isLong == hasProfit {
		// Profitable long or losing short pulls the divisor up.
		divisor.Add(nextSize, delta)
	} else {
		divisor.Sub(nextSize, delta)
	}
	// On the subtracting side delta is bounded by size, so the divisor can
	// only collapse when the unrealized loss consumes the entire next size.
	if divisor.Sign() <= 0 {
		return nil, fmt.Errorf("vault: next average price: %w", fixed.ErrDivideByZero)
	}
	return fixed.MulDiv(nextPrice, nextSize, divisor)
}
