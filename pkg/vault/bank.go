package vault

import (
	"errors"
	"math/big"
	"sync"

	"github.com/luxfi/margin/pkg/fixed"
)

// SyntheticSymbol is the engine's 1:1-USD-pegged accounting unit.
const SyntheticSymbol = "sUSD"

// Bank is the asset-transfer collaborator. It tracks which tokens the engine
// custodies and moves tokens between the engine and external accounts. The
// ledger never touches balances directly; every transfer goes through here.
type Bank interface {
	// BalanceOf returns the amount of an asset custodied by the engine.
	BalanceOf(symbol string) *big.Int

	// TransferIn moves tokens from an external account into engine custody
	// and returns the observed custody delta.
	TransferIn(symbol, from string, amount *big.Int) (*big.Int, error)

	// TransferOut moves tokens from engine custody to an external account.
	TransferOut(symbol, to string, amount *big.Int) error

	// MintSynthetic credits newly minted synthetic units to an account.
	MintSynthetic(to string, amount *big.Int) error

	// BurnSynthetic destroys synthetic units held by an account.
	BurnSynthetic(from string, amount *big.Int) error
}

// MemoryBank is an in-process Bank for tests and single-node runs.
type MemoryBank struct {
	mu       sync.RWMutex
	custody  map[string]*big.Int            // symbol -> engine-held amount
	accounts map[string]map[string]*big.Int // owner -> symbol -> amount
}

// NewMemoryBank creates an empty in-memory bank.
func NewMemoryBank() *MemoryBank {
	return &MemoryBank{
		custody:  make(map[string]*big.Int),
		accounts: make(map[string]map[string]*big.Int),
	}
}

// Fund credits an external account, creating tokens out of thin air.
// Test and bootstrap helper.
func (b *MemoryBank) Fund(owner, symbol string, amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.credit(owner, symbol, amount)
}

// AccountBalance returns an external account's balance of an asset.
func (b *MemoryBank) AccountBalance(owner, symbol string) *big.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if acct, ok := b.accounts[owner]; ok {
		if v, ok := acct[symbol]; ok {
			return new(big.Int).Set(v)
		}
	}
	return new(big.Int)
}

// BalanceOf returns the engine-custodied amount of an asset.
func (b *MemoryBank) BalanceOf(symbol string) *big.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if v, ok := b.custody[symbol]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// TransferIn moves tokens from an account into custody.
func (b *MemoryBank) TransferIn(symbol, from string, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, errors.New("bank: transfer amount must be positive")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.debit(from, symbol, amount); err != nil {
		return nil, err
	}
	cur := b.custody[symbol]
	if cur == nil {
		cur = new(big.Int)
	}
	b.custody[symbol] = new(big.Int).Add(cur, amount)
	return new(big.Int).Set(amount), nil
}

// TransferOut moves tokens from custody to an account.
func (b *MemoryBank) TransferOut(symbol, to string, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return errors.New("bank: transfer amount must be non-negative")
	}
	if amount.Sign() == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	cur := b.custody[symbol]
	if cur == nil || cur.Cmp(amount) < 0 {
		return fixed.ErrUnderflow
	}
	b.custody[symbol] = new(big.Int).Sub(cur, amount)
	b.credit(to, symbol, amount)
	return nil
}

// MintSynthetic credits synthetic units to an account.
func (b *MemoryBank) MintSynthetic(to string, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return errors.New("bank: mint amount must be non-negative")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.credit(to, SyntheticSymbol, amount)
	return nil
}

// BurnSynthetic destroys synthetic units held by an account.
func (b *MemoryBank) BurnSynthetic(from string, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return errors.New("bank: burn amount must be non-negative")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.debit(from, SyntheticSymbol, amount)
}

func (b *MemoryBank) credit(owner, symbol string, amount *big.Int) {
	acct := b.accounts[owner]
	if acct == nil {
		acct = make(map[string]*big.Int)
		b.accounts[owner] = acct
	}
	cur := acct[symbol]
	if cur == nil {
		cur = new(big.Int)
	}
	acct[symbol] = new(big.Int).Add(cur, amount)
}

func (b *MemoryBank) debit(owner, symbol string, amount *big.Int) error {
	acct := b.accounts[owner]
	if acct == nil {
		return fixed.ErrUnderflow
	}
	cur := acct[symbol]
	if cur == nil || cur.Cmp(amount) < 0 {
		return fixed.ErrUnderflow
	}
	acct[symbol] = new(big.Int).Sub(cur, amount)
	return nil
}
