package vault

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/luxfi/margin/pkg/fixed"
)

// Asset holds the per-token pool counters. All token-denominated fields are
// in the asset's native decimals; guaranteedUsd carries fixed.PricePrecision
// and syntheticDebt carries fixed.SyntheticDecimals.
type Asset struct {
	Symbol      string
	Decimals    uint8
	Weight      *big.Int // target share of system backing
	IsStable    bool
	IsShortable bool

	PoolAmount     *big.Int // deposited, available as backing
	ReservedAmount *big.Int // earmarked against open positions
	BufferAmount   *big.Int // minimum-liquidity floor for swaps
	GuaranteedUsd  *big.Int // USD backing attributed to long collateral
	FeeReserve     *big.Int // accumulated fees, excluded from the pool
	SyntheticDebt  *big.Int // synthetic units minted against this asset

	MaxSyntheticDebt   *big.Int // 0 = uncapped
	MaxGlobalShortSize *big.Int // USD bound on aggregate shorts; 0 = uncapped

	CumulativeFundingRate *big.Int
	LastFundingTime       time.Time
}

// AssetConfig is the registration input for an asset.
type AssetConfig struct {
	Symbol             string
	Decimals           uint8
	Weight             uint64
	IsStable           bool
	IsShortable        bool
	BufferAmount       *big.Int
	MaxSyntheticDebt   *big.Int
	MaxGlobalShortSize *big.Int
}

// PoolLedger tracks the shared multi-asset pool. Every mutation is a checked
// add or subtract; anything that would wrap fails the operation instead.
type PoolLedger struct {
	mu           sync.RWMutex
	bank         Bank
	assets       map[string]*Asset
	order        []string // registration order, for deterministic iteration
	totalWeights *big.Int
}

// NewPoolLedger creates an empty ledger backed by the given bank.
func NewPoolLedger(bank Bank) *PoolLedger {
	return &PoolLedger{
		bank:         bank,
		assets:       make(map[string]*Asset),
		totalWeights: new(big.Int),
	}
}

// RegisterAsset adds a supported asset to the ledger.
func (pl *PoolLedger) RegisterAsset(cfg AssetConfig) error {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	if cfg.Symbol == "" {
		return fmt.Errorf("vault: asset symbol required")
	}
	if _, exists := pl.assets[cfg.Symbol]; exists {
		return fmt.Errorf("vault: asset %s already registered", cfg.Symbol)
	}

	a := &Asset{
		Symbol:                cfg.Symbol,
		Decimals:              cfg.Decimals,
		Weight:                new(big.Int).SetUint64(cfg.Weight),
		IsStable:              cfg.IsStable,
		IsShortable:           cfg.IsShortable,
		PoolAmount:            new(big.Int),
		ReservedAmount:        new(big.Int),
		BufferAmount:          fixed.Clone(cfg.BufferAmount),
		GuaranteedUsd:         new(big.Int),
		FeeReserve:            new(big.Int),
		SyntheticDebt:         new(big.Int),
		MaxSyntheticDebt:      fixed.Clone(cfg.MaxSyntheticDebt),
		MaxGlobalShortSize:    fixed.Clone(cfg.MaxGlobalShortSize),
		CumulativeFundingRate: new(big.Int),
	}
	pl.assets[cfg.Symbol] = a
	pl.order = append(pl.order, cfg.Symbol)
	pl.totalWeights.Add(pl.totalWeights, a.Weight)
	return nil
}

// SetBufferAmount adjusts an asset's minimum-liquidity floor.
func (pl *PoolLedger) SetBufferAmount(symbol string, amount *big.Int) error {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	a, err := pl.asset(symbol)
	if err != nil {
		return err
	}
	a.BufferAmount = fixed.Clone(amount)
	return nil
}

// Asset returns a snapshot copy of an asset's counters.
func (pl *PoolLedger) Asset(symbol string) (Asset, error) {
	pl.mu.RLock()
	defer pl.mu.RUnlock()
	a, err := pl.asset(symbol)
	if err != nil {
		return Asset{}, err
	}
	return snapshotAsset(a), nil
}

// Assets returns snapshots of all registered assets in registration order.
func (pl *PoolLedger) Assets() []Asset {
	pl.mu.RLock()
	defer pl.mu.RUnlock()
	out := make([]Asset, 0, len(pl.order))
	for _, sym := range pl.order {
		out = append(out, snapshotAsset(pl.assets[sym]))
	}
	return out
}

// IsRegistered reports whether an asset is known to the ledger.
func (pl *PoolLedger) IsRegistered(symbol string) bool {
	pl.mu.RLock()
	defer pl.mu.RUnlock()
	_, ok := pl.assets[symbol]
	return ok
}

// IncreasePool adds to an asset's pooled amount, asserting the new pool does
// not exceed what the bank actually custodies net of the fee reserve. The
// assert catches unaccounted-for shortfalls at the earliest mutation.
func (pl *PoolLedger) IncreasePool(symbol string, amount *big.Int) error {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	a, err := pl.asset(symbol)
	if err != nil {
		return err
	}
	next := fixed.Add(a.PoolAmount, amount)
	onHand, err := fixed.Sub(pl.bank.BalanceOf(symbol), a.FeeReserve)
	if err != nil || next.Cmp(onHand) > 0 {
		return fmt.Errorf("%w: %s pool %s > custodied %s",
			ErrPoolExceedsBalance, symbol, next, pl.bank.BalanceOf(symbol))
	}
	a.PoolAmount = next
	return nil
}

// DecreasePool removes from an asset's pooled amount, keeping the
// reserved <= pool invariant.
func (pl *PoolLedger) DecreasePool(symbol string, amount *big.Int) error {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	a, err := pl.asset(symbol)
	if err != nil {
		return err
	}
	next, err := fixed.Sub(a.PoolAmount, amount)
	if err != nil {
		return fmt.Errorf("vault: decrease pool %s: %w", symbol, err)
	}
	if a.ReservedAmount.Cmp(next) > 0 {
		return fmt.Errorf("vault: decrease pool %s: %w", symbol, ErrInsufficientPool)
	}
	a.PoolAmount = next
	return nil
}

// IncreaseReserved earmarks pool liquidity against an open position.
func (pl *PoolLedger) IncreaseReserved(symbol string, amount *big.Int) error {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	a, err := pl.asset(symbol)
	if err != nil {
		return err
	}
	next := fixed.Add(a.ReservedAmount, amount)
	if next.Cmp(a.PoolAmount) > 0 {
		return fmt.Errorf("vault: reserve %s: %w", symbol, ErrInsufficientPool)
	}
	a.ReservedAmount = next
	return nil
}

// DecreaseReserved releases earmarked pool liquidity.
func (pl *PoolLedger) DecreaseReserved(symbol string, amount *big.Int) error {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	a, err := pl.asset(symbol)
	if err != nil {
		return err
	}
	next, err := fixed.Sub(a.ReservedAmount, amount)
	if err != nil {
		return fmt.Errorf("vault: release reserve %s: %w", symbol, err)
	}
	a.ReservedAmount = next
	return nil
}

// IncreaseGuaranteed adds to the USD backing attributed to long collateral.
func (pl *PoolLedger) IncreaseGuaranteed(symbol string, usd *big.Int) error {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	a, err := pl.asset(symbol)
	if err != nil {
		return err
	}
	a.GuaranteedUsd = fixed.Add(a.GuaranteedUsd, usd)
	return nil
}

// DecreaseGuaranteed removes from the guaranteed USD backing.
func (pl *PoolLedger) DecreaseGuaranteed(symbol string, usd *big.Int) error {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	a, err := pl.asset(symbol)
	if err != nil {
		return err
	}
	next, err := fixed.Sub(a.GuaranteedUsd, usd)
	if err != nil {
		return fmt.Errorf("vault: decrease guaranteed %s: %w", symbol, err)
	}
	a.GuaranteedUsd = next
	return nil
}

// IncreaseSyntheticDebt adds minted synthetic units to an asset's debt,
// honoring the per-asset cap.
func (pl *PoolLedger) IncreaseSyntheticDebt(symbol string, amount *big.Int) error {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	a, err := pl.asset(symbol)
	if err != nil {
		return err
	}
	next := fixed.Add(a.SyntheticDebt, amount)
	if a.MaxSyntheticDebt.Sign() > 0 && next.Cmp(a.MaxSyntheticDebt) > 0 {
		return fmt.Errorf("vault: synthetic debt %s: %w", symbol, ErrCapExceeded)
	}
	a.SyntheticDebt = next
	return nil
}

// DecreaseSyntheticDebt removes burned synthetic units from an asset's debt.
func (pl *PoolLedger) DecreaseSyntheticDebt(symbol string, amount *big.Int) error {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	a, err := pl.asset(symbol)
	if err != nil {
		return err
	}
	next, err := fixed.Sub(a.SyntheticDebt, amount)
	if err != nil {
		return fmt.Errorf("vault: decrease synthetic debt %s: %w", symbol, err)
	}
	a.SyntheticDebt = next
	return nil
}

// IncreaseFeeReserve accumulates collected fees for an asset.
func (pl *PoolLedger) IncreaseFeeReserve(symbol string, amount *big.Int) error {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	a, err := pl.asset(symbol)
	if err != nil {
		return err
	}
	a.FeeReserve = fixed.Add(a.FeeReserve, amount)
	return nil
}

// WithdrawFees pays out an asset's accumulated fee reserve and returns the
// amount transferred.
func (pl *PoolLedger) WithdrawFees(symbol, receiver string) (*big.Int, error) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	a, err := pl.asset(symbol)
	if err != nil {
		return nil, err
	}
	amount := a.FeeReserve
	if amount.Sign() == 0 {
		return new(big.Int), nil
	}
	if err := pl.bank.TransferOut(symbol, receiver, amount); err != nil {
		return nil, err
	}
	a.FeeReserve = new(big.Int)
	return new(big.Int).Set(amount), nil
}

// SyntheticSupply returns the total synthetic units outstanding across all
// assets.
func (pl *PoolLedger) SyntheticSupply() *big.Int {
	pl.mu.RLock()
	defer pl.mu.RUnlock()
	return pl.syntheticSupplyLocked()
}

// TargetSyntheticDebt returns the weight-implied target share of the total
// synthetic supply for an asset.
func (pl *PoolLedger) TargetSyntheticDebt(symbol string) (*big.Int, error) {
	pl.mu.RLock()
	defer pl.mu.RUnlock()
	a, err := pl.asset(symbol)
	if err != nil {
		return nil, err
	}
	if pl.totalWeights.Sign() == 0 {
		return new(big.Int), nil
	}
	return fixed.MulDiv(a.Weight, pl.syntheticSupplyLocked(), pl.totalWeights)
}

func (pl *PoolLedger) syntheticSupplyLocked() *big.Int {
	supply := new(big.Int)
	for _, sym := range pl.order {
		supply.Add(supply, pl.assets[sym].SyntheticDebt)
	}
	return supply
}

// updateFunding and position flows need direct field access under the
// ledger lock; mutate returns an error from fn unchanged.
func (pl *PoolLedger) mutate(symbol string, fn func(a *Asset) error) error {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	a, err := pl.asset(symbol)
	if err != nil {
		return err
	}
	return fn(a)
}

// checkpoint captures the named assets' counters and returns a function that
// restores them. The trading and swap engines take one before their first
// mutation so a failing operation leaves the ledger exactly as it found it.
func (pl *PoolLedger) checkpoint(symbols ...string) func() {
	pl.mu.RLock()
	saved := make(map[string]Asset, len(symbols))
	for _, sym := range symbols {
		if a, ok := pl.assets[sym]; ok {
			saved[sym] = snapshotAsset(a)
		}
	}
	pl.mu.RUnlock()

	return func() {
		pl.mu.Lock()
		defer pl.mu.Unlock()
		for sym, snap := range saved {
			if a, ok := pl.assets[sym]; ok {
				*a = snap
			}
		}
	}
}

func (pl *PoolLedger) asset(symbol string) (*Asset, error) {
	a, ok := pl.assets[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAssetNotRegistered, symbol)
	}
	return a, nil
}

func snapshotAsset(a *Asset) Asset {
	return Asset{
		Symbol:                a.Symbol,
		Decimals:              a.Decimals,
		Weight:                fixed.Clone(a.Weight),
		IsStable:              a.IsStable,
		IsShortable:           a.IsShortable,
		PoolAmount:            fixed.Clone(a.PoolAmount),
		ReservedAmount:        fixed.Clone(a.ReservedAmount),
		BufferAmount:          fixed.Clone(a.BufferAmount),
		GuaranteedUsd:         fixed.Clone(a.GuaranteedUsd),
		FeeReserve:            fixed.Clone(a.FeeReserve),
		SyntheticDebt:         fixed.Clone(a.SyntheticDebt),
		MaxSyntheticDebt:      fixed.Clone(a.MaxSyntheticDebt),
		MaxGlobalShortSize:    fixed.Clone(a.MaxGlobalShortSize),
		CumulativeFundingRate: fixed.Clone(a.CumulativeFundingRate),
		LastFundingTime:       a.LastFundingTime,
	}
}
