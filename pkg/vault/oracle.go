package vault

import (
	"fmt"
	"math/big"
	"sync"
)

// PriceOracle supplies per-asset min/max prices scaled by
// fixed.PricePrecision. Both calls are synchronous; freshness and source
// aggregation are the oracle collaborator's problem, not the ledger's.
type PriceOracle interface {
	MinPrice(symbol string) (*big.Int, error)
	MaxPrice(symbol string) (*big.Int, error)
}

// StaticOracle is a fixed-price oracle for tests and local runs.
type StaticOracle struct {
	mu     sync.RWMutex
	prices map[string][2]*big.Int // symbol -> {min, max}
}

// NewStaticOracle creates an empty static oracle.
func NewStaticOracle() *StaticOracle {
	return &StaticOracle{prices: make(map[string][2]*big.Int)}
}

// SetPrice sets both min and max price for a symbol.
func (o *StaticOracle) SetPrice(symbol string, price *big.Int) {
	o.SetPrices(symbol, price, price)
}

// SetPrices sets distinct min and max prices for a symbol.
func (o *StaticOracle) SetPrices(symbol string, min, max *big.Int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[symbol] = [2]*big.Int{new(big.Int).Set(min), new(big.Int).Set(max)}
}

// MinPrice returns the configured minimum price.
func (o *StaticOracle) MinPrice(symbol string) (*big.Int, error) {
	return o.price(symbol, 0)
}

// MaxPrice returns the configured maximum price.
func (o *StaticOracle) MaxPrice(symbol string) (*big.Int, error) {
	return o.price(symbol, 1)
}

func (o *StaticOracle) price(symbol string, idx int) (*big.Int, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.prices[symbol]
	if !ok {
		return nil, fmt.Errorf("oracle: no price for %s", symbol)
	}
	return new(big.Int).Set(p[idx]), nil
}
