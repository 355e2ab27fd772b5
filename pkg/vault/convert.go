package vault

import (
	"math/big"

	"github.com/luxfi/margin/pkg/fixed"
)

// priceDecimals is the implied decimal count of PricePrecision-scaled USD.
const priceDecimals = 30

// converter rescales between token units, USD and synthetic units. Every
// cross-asset computation goes through here so decimal handling is never
// implicit.
type converter struct {
	ledger *PoolLedger
	oracle PriceOracle
}

func (c converter) tokenToUsdMin(symbol string, amount *big.Int) (*big.Int, error) {
	price, err := c.oracle.MinPrice(symbol)
	if err != nil {
		return nil, err
	}
	return c.tokenToUsd(symbol, amount, price)
}

func (c converter) tokenToUsdMax(symbol string, amount *big.Int) (*big.Int, error) {
	price, err := c.oracle.MaxPrice(symbol)
	if err != nil {
		return nil, err
	}
	return c.tokenToUsd(symbol, amount, price)
}

func (c converter) tokenToUsd(symbol string, amount, price *big.Int) (*big.Int, error) {
	a, err := c.ledger.Asset(symbol)
	if err != nil {
		return nil, err
	}
	return fixed.MulDiv(amount, price, fixed.Pow10(a.Decimals))
}

// usdToTokenMin converts USD to tokens at the maximum price, yielding the
// fewest tokens (conservative for payouts).
func (c converter) usdToTokenMin(symbol string, usd *big.Int) (*big.Int, error) {
	price, err := c.oracle.MaxPrice(symbol)
	if err != nil {
		return nil, err
	}
	return c.usdToToken(symbol, usd, price)
}

// usdToTokenMax converts USD to tokens at the minimum price, yielding the
// most tokens (conservative for reserves).
func (c converter) usdToTokenMax(symbol string, usd *big.Int) (*big.Int, error) {
	price, err := c.oracle.MinPrice(symbol)
	if err != nil {
		return nil, err
	}
	return c.usdToToken(symbol, usd, price)
}

func (c converter) usdToToken(symbol string, usd, price *big.Int) (*big.Int, error) {
	a, err := c.ledger.Asset(symbol)
	if err != nil {
		return nil, err
	}
	return fixed.MulDiv(usd, fixed.Pow10(a.Decimals), price)
}

// usdToSynthetic rescales a PricePrecision USD value to synthetic units.
func usdToSynthetic(usd *big.Int) *big.Int {
	return fixed.AdjustDecimals(usd, priceDecimals, fixed.SyntheticDecimals)
}

// syntheticToUsd rescales synthetic units to a PricePrecision USD value.
func syntheticToUsd(amount *big.Int) *big.Int {
	return fixed.AdjustDecimals(amount, fixed.SyntheticDecimals, priceDecimals)
}
