package vault

import (
	"math/big"

	"github.com/luxfi/margin/pkg/fixed"
)

// LiquidationState is the outcome of a position health check. It is a
// return value, not an error: the caller chooses full unwind vs forced
// deleverage from it.
type LiquidationState int

const (
	Healthy LiquidationState = iota
	Liquidatable
	LeverageExceeded
)

func (s LiquidationState) String() string {
	switch s {
	case Healthy:
		return "Healthy"
	case Liquidatable:
		return "Liquidatable"
	case LeverageExceeded:
		return "LeverageExceeded"
	default:
		return "Unknown"
	}
}

// LiquidationConfig holds the system-wide liquidation parameters.
type LiquidationConfig struct {
	// LiquidationFeeUsd is the flat fee paid to the liquidator, in USD at
	// fixed.PricePrecision.
	LiquidationFeeUsd *big.Int

	// MaxLeverage is expressed in basis points of collateral: 50x leverage
	// is 500_000.
	MaxLeverage *big.Int
}

// DefaultLiquidationConfig returns a 5 USD liquidation fee and 50x leverage.
func DefaultLiquidationConfig() *LiquidationConfig {
	return &LiquidationConfig{
		LiquidationFeeUsd: new(big.Int).Mul(big.NewInt(5), fixed.PricePrecision),
		MaxLeverage:       big.NewInt(500_000),
	}
}

// LiquidationResult reports which check fired and the fee amounts the
// downstream distribution depends on. Rules two and three both report
// Liquidatable but with distinct remaining-collateral figures: rule two
// reports collateral net of unrealized loss, rule three reports that amount
// further net of margin fees.
type LiquidationResult struct {
	State               LiquidationState
	MarginFees          *big.Int // funding fee + position fee, USD
	RemainingCollateral *big.Int
	Reason              string
}

// LiquidationEngine evaluates positions against the three liquidation
// conditions and the leverage bound.
type LiquidationEngine struct {
	ledger *PoolLedger
	fees   *FeeConfig
	config *LiquidationConfig
}

// NewLiquidationEngine creates a liquidation engine over the ledger.
func NewLiquidationEngine(ledger *PoolLedger, fees *FeeConfig, config *LiquidationConfig) *LiquidationEngine {
	if config == nil {
		config = DefaultLiquidationConfig()
	}
	return &LiquidationEngine{ledger: ledger, fees: fees, config: config}
}

// MarginFees returns the funding fee plus position fee owed by a position.
func (le *LiquidationEngine) MarginFees(pos *Position) (*big.Int, error) {
	a, err := le.ledger.Asset(pos.Key.CollateralAsset)
	if err != nil {
		return nil, err
	}
	fundingFee, err := FundingFee(pos.Size, pos.EntryFundingRate, a.CumulativeFundingRate)
	if err != nil {
		return nil, err
	}
	return fixed.Add(fundingFee, le.fees.PositionFee(pos.Size)), nil
}

// Evaluate runs the health checks against markPrice. In strict mode any
// non-healthy outcome fails the caller's transaction with a ValidationError
// instead of returning a status.
func (le *LiquidationEngine) Evaluate(pos *Position, markPrice *big.Int, strict bool) (*LiquidationResult, error) {
	hasProfit, delta, err := PositionDelta(pos.Key.IsLong, pos.Size, pos.AveragePrice, markPrice)
	if err != nil {
		return nil, err
	}
	marginFees, err := le.MarginFees(pos)
	if err != nil {
		return nil, err
	}

	// Rule 1: unrealized loss consumes the collateral outright.
	if !hasProfit && delta.Cmp(pos.Collateral) >= 0 {
		res := &LiquidationResult{
			State:               Liquidatable,
			MarginFees:          marginFees,
			RemainingCollateral: new(big.Int),
			Reason:              "losses exceed collateral",
		}
		return le.finish(res, strict)
	}

	remaining := fixed.Clone(pos.Collateral)
	if !hasProfit {
		remaining.Sub(remaining, delta)
	}

	// Rule 2: accrued margin fees exceed what is left.
	if remaining.Cmp(marginFees) < 0 {
		res := &LiquidationResult{
			State:               Liquidatable,
			MarginFees:          marginFees,
			RemainingCollateral: remaining,
			Reason:              "fees exceed collateral",
		}
		return le.finish(res, strict)
	}

	// Rule 3: same status, but it is specifically the flat liquidation fee
	// that tips the balance. Reported remaining collateral is net of margin
	// fees so fee distribution can tell the branches apart.
	afterFees := new(big.Int).Sub(remaining, marginFees)
	if afterFees.Cmp(le.config.LiquidationFeeUsd) < 0 {
		res := &LiquidationResult{
			State:               Liquidatable,
			MarginFees:          marginFees,
			RemainingCollateral: afterFees,
			Reason:              "liquidation fee exceeds remaining collateral",
		}
		return le.finish(res, strict)
	}

	// Leverage bound: not a loss-driven liquidation but a forced size
	// reduction.
	lhs := new(big.Int).Mul(remaining, le.config.MaxLeverage)
	rhs := new(big.Int).Mul(pos.Size, fixed.BasisPointsDivisor)
	if lhs.Cmp(rhs) < 0 {
		res := &LiquidationResult{
			State:               LeverageExceeded,
			MarginFees:          marginFees,
			RemainingCollateral: remaining,
			Reason:              "leverage above maximum",
		}
		return le.finish(res, strict)
	}

	return &LiquidationResult{
		State:               Healthy,
		MarginFees:          marginFees,
		RemainingCollateral: remaining,
	}, nil
}

func (le *LiquidationEngine) finish(res *LiquidationResult, strict bool) (*LiquidationResult, error) {
	if strict {
		return nil, validationErr("liquidation check", ErrLiquidationStateInvalid)
	}
	return res, nil
}
