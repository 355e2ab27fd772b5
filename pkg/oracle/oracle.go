// Package oracle turns external price quotes into the fixed-point prices
// the ledger consumes. Quotes arrive as human-readable decimals; the oracle
// scales them to PricePrecision, applies a configured bid/ask spread, and
// refuses to serve stale data.
package oracle

import (
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/luxfi/log"
	"github.com/shopspring/decimal"

	"github.com/luxfi/margin/pkg/fixed"
)

// Config bounds quote freshness and spread.
type Config struct {
	// MaxStaleness is the oldest quote age served. Zero disables the check.
	MaxStaleness time.Duration

	// SpreadBps widens a single quote into a min/max pair, in basis points
	// applied symmetrically.
	SpreadBps int64
}

// DefaultConfig returns a 30 second staleness bound and a 10 bps spread.
func DefaultConfig() *Config {
	return &Config{
		MaxStaleness: 30 * time.Second,
		SpreadBps:    10,
	}
}

type quote struct {
	min       *big.Int
	max       *big.Int
	updatedAt time.Time
}

// Oracle serves PricePrecision-scaled min/max prices from pushed quotes.
// It implements vault.PriceOracle.
type Oracle struct {
	mu     sync.RWMutex
	config *Config
	quotes map[string]quote
	logger log.Logger
	now    func() time.Time
}

// New creates an empty oracle.
func New(config *Config) *Oracle {
	if config == nil {
		config = DefaultConfig()
	}
	return &Oracle{
		config: config,
		quotes: make(map[string]quote),
		logger: log.Root().New("module", "oracle"),
		now:    time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (o *Oracle) SetClock(now func() time.Time) { o.now = now }

// Update records a mid quote for a symbol, widening it by the configured
// spread. The quote must be positive.
func (o *Oracle) Update(symbol string, mid decimal.Decimal) error {
	if mid.Sign() <= 0 {
		return fmt.Errorf("oracle: non-positive quote for %s", symbol)
	}
	divisor := decimal.NewFromInt(10_000)
	minD := mid.Mul(decimal.NewFromInt(10_000 - o.config.SpreadBps)).Div(divisor)
	maxD := mid.Mul(decimal.NewFromInt(10_000 + o.config.SpreadBps)).Div(divisor)

	scale := decimal.NewFromBigInt(fixed.PricePrecision, 0)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.quotes[symbol] = quote{
		min:       minD.Mul(scale).BigInt(),
		max:       maxD.Mul(scale).BigInt(),
		updatedAt: o.now(),
	}
	return nil
}

// UpdateFromString parses and records a quote.
func (o *Oracle) UpdateFromString(symbol, price string) error {
	mid, err := decimal.NewFromString(price)
	if err != nil {
		return fmt.Errorf("oracle: parse quote for %s: %w", symbol, err)
	}
	return o.Update(symbol, mid)
}

// tickMessage is the JSON wire form of a pushed quote batch.
type tickMessage struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// UpdateFromJSON ingests a JSON array of {symbol, price} ticks. Bad entries
// are logged and skipped; the rest of the batch still applies.
func (o *Oracle) UpdateFromJSON(payload []byte) error {
	var ticks []tickMessage
	if err := json.Unmarshal(payload, &ticks); err != nil {
		return fmt.Errorf("oracle: decode tick batch: %w", err)
	}
	for _, tick := range ticks {
		if err := o.UpdateFromString(tick.Symbol, tick.Price); err != nil {
			o.logger.Warn("skipping bad tick", "symbol", tick.Symbol, "error", err)
		}
	}
	return nil
}

// MinPrice returns the bid-side price scaled by PricePrecision.
func (o *Oracle) MinPrice(symbol string) (*big.Int, error) {
	q, err := o.fresh(symbol)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(q.min), nil
}

// MaxPrice returns the ask-side price scaled by PricePrecision.
func (o *Oracle) MaxPrice(symbol string) (*big.Int, error) {
	q, err := o.fresh(symbol)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(q.max), nil
}

func (o *Oracle) fresh(symbol string) (quote, error) {
	o.mu.RLock()
	q, ok := o.quotes[symbol]
	o.mu.RUnlock()
	if !ok {
		return quote{}, fmt.Errorf("oracle: no quote for %s", symbol)
	}
	if o.config.MaxStaleness > 0 && o.now().Sub(q.updatedAt) > o.config.MaxStaleness {
		return quote{}, fmt.Errorf("oracle: quote for %s is stale", symbol)
	}
	return q, nil
}
