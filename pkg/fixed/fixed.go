// Package fixed provides checked scaled-integer arithmetic for ledger math.
//
// All monetary amounts in the engine are *big.Int values at a fixed scale:
// USD values carry PricePrecision, fees are expressed in basis points and
// funding rates in FundingRatePrecision units. Every multiply-then-divide
// rounds down, and subtraction below zero is rejected rather than wrapped,
// so conservation invariants can never be silently corrupted.
package fixed

import (
	"errors"
	"math/big"
)

// Precision constants shared across the engine.
var (
	// PricePrecision scales USD values and oracle prices (10^30).
	PricePrecision = new(big.Int).Exp(big.NewInt(10), big.NewInt(30), nil)

	// FundingRatePrecision scales cumulative funding rates (10^6).
	FundingRatePrecision = big.NewInt(1_000_000)

	// BasisPointsDivisor converts basis points to fractions.
	BasisPointsDivisor = big.NewInt(10_000)
)

// SyntheticDecimals is the decimal count of the synthetic USD unit.
const SyntheticDecimals = 18

// Arithmetic failure sentinels. These are fatal to the enclosing ledger
// operation; callers must abort, never saturate.
var (
	ErrUnderflow    = errors.New("fixed: subtraction underflow")
	ErrDivideByZero = errors.New("fixed: division by zero")
)

// Zero returns a fresh zero value.
func Zero() *big.Int { return new(big.Int) }

// Clone returns a copy of v, treating nil as zero.
func Clone(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// IsZero reports whether v is nil or zero.
func IsZero(v *big.Int) bool {
	return v == nil || v.Sign() == 0
}

// Add returns a+b without mutating either operand.
func Add(a, b *big.Int) *big.Int {
	return new(big.Int).Add(a, b)
}

// Sub returns a-b, failing with ErrUnderflow if the result would be negative.
func Sub(a, b *big.Int) (*big.Int, error) {
	if a.Cmp(b) < 0 {
		return nil, ErrUnderflow
	}
	return new(big.Int).Sub(a, b), nil
}

// Mul returns a*b.
func Mul(a, b *big.Int) *big.Int {
	return new(big.Int).Mul(a, b)
}

// Div returns a/b rounded down, guarding against a zero divisor.
func Div(a, b *big.Int) (*big.Int, error) {
	if b.Sign() == 0 {
		return nil, ErrDivideByZero
	}
	return new(big.Int).Quo(a, b), nil
}

// MulDiv returns a*b/den rounded down. The intermediate product is exact,
// so no overflow window exists regardless of operand magnitude.
func MulDiv(a, b, den *big.Int) (*big.Int, error) {
	if den.Sign() == 0 {
		return nil, ErrDivideByZero
	}
	return new(big.Int).Quo(new(big.Int).Mul(a, b), den), nil
}

// AbsDiff returns |a-b|.
func AbsDiff(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return new(big.Int).Sub(a, b)
	}
	return new(big.Int).Sub(b, a)
}

// Min returns the smaller of a and b.
func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}

// Pow10 returns 10^n as a big integer.
func Pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// AdjustDecimals rescales amount from one decimal count to another,
// rounding down on contraction.
func AdjustDecimals(amount *big.Int, from, to uint8) *big.Int {
	if from == to {
		return Clone(amount)
	}
	if to > from {
		return new(big.Int).Mul(amount, Pow10(to-from))
	}
	return new(big.Int).Quo(amount, Pow10(from-to))
}

// ApplyBps returns amount*bps/10000 rounded down.
func ApplyBps(amount *big.Int, bps *big.Int) *big.Int {
	out := new(big.Int).Mul(amount, bps)
	return out.Quo(out, BasisPointsDivisor)
}

// AfterFeeBps returns amount*(10000-bps)/10000 rounded down.
func AfterFeeBps(amount *big.Int, bps *big.Int) (*big.Int, error) {
	keep, err := Sub(BasisPointsDivisor, bps)
	if err != nil {
		return nil, err
	}
	out := new(big.Int).Mul(amount, keep)
	return out.Quo(out, BasisPointsDivisor), nil
}
