package vault

import (
	"errors"
	"fmt"
)

// ErrLocked is returned when a mutating entry point is invoked while another
// mutating operation is in progress. Intermediate ledger state is never safe
// to observe, so nested or racing mutators are rejected deterministically.
var ErrLocked = errors.New("vault: operation in progress")

// ErrCapExceeded is returned when a checked increase would push a counter
// past its configured cap.
var ErrCapExceeded = errors.New("vault: cap exceeded")

// Sentinel validation failures. Engine errors wrap one of these so callers
// (the order queue in particular) can map failures to cancel reasons.
var (
	ErrAssetNotRegistered      = errors.New("vault: asset not registered")
	ErrInvalidAmount           = errors.New("vault: invalid amount")
	ErrInvalidCollateralPair   = errors.New("vault: invalid collateral pairing for direction")
	ErrInsufficientCollateral  = errors.New("vault: insufficient collateral")
	ErrInsufficientPool        = errors.New("vault: insufficient pool liquidity")
	ErrBufferViolated          = errors.New("vault: pool would fall below buffer")
	ErrMaxLeverage             = errors.New("vault: max leverage exceeded")
	ErrMaxShortsExceeded       = errors.New("vault: max global short size exceeded")
	ErrSlippage                = errors.New("vault: price outside acceptable bound")
	ErrPositionNotFound        = errors.New("vault: position does not exist")
	ErrPositionHealthy         = errors.New("vault: position cannot be liquidated")
	ErrPoolExceedsBalance      = errors.New("vault: pool amount exceeds custodied balance")
	ErrLiquidationStateInvalid = errors.New("vault: position state violates liquidation margin")
)

// ValidationError aborts the entire operation atomically; no partial state
// change survives it.
type ValidationError struct {
	Op     string
	Reason error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("vault: %s: %v", e.Op, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Reason }

func validationErr(op string, reason error) error {
	return &ValidationError{Op: op, Reason: reason}
}

// CancelReason explains why an asynchronous request was converted into a
// refund-and-cancel instead of an execution.
type CancelReason int

const (
	CancelNone CancelReason = iota
	CancelPaused
	CancelMarketClosed
	CancelSlippage
	CancelTakeProfitHit
	CancelStopLossHit
	CancelExposureLimitExceeded
	CancelPriceImpactExceeded
	CancelMaxLeverageExceeded
	CancelNotHit
	CancelNoTrade
)

func (r CancelReason) String() string {
	switch r {
	case CancelNone:
		return "None"
	case CancelPaused:
		return "Paused"
	case CancelMarketClosed:
		return "MarketClosed"
	case CancelSlippage:
		return "Slippage"
	case CancelTakeProfitHit:
		return "TakeProfitHit"
	case CancelStopLossHit:
		return "StopLossHit"
	case CancelExposureLimitExceeded:
		return "ExposureLimitExceeded"
	case CancelPriceImpactExceeded:
		return "PriceImpactExceeded"
	case CancelMaxLeverageExceeded:
		return "MaxLeverageExceeded"
	case CancelNotHit:
		return "NotHit"
	case CancelNoTrade:
		return "NoTrade"
	default:
		return "Unknown"
	}
}

// CancelReasonFor maps an engine error to the cancel reason reported to the
// submitter. Anything unrecognized degrades to NoTrade so a bad request can
// never surface as a hard failure on the async path.
func CancelReasonFor(err error) CancelReason {
	switch {
	case errors.Is(err, ErrSlippage):
		return CancelSlippage
	case errors.Is(err, ErrMaxLeverage):
		return CancelMaxLeverageExceeded
	case errors.Is(err, ErrMaxShortsExceeded):
		return CancelExposureLimitExceeded
	case errors.Is(err, ErrBufferViolated), errors.Is(err, ErrInsufficientPool):
		return CancelPriceImpactExceeded
	default:
		return CancelNoTrade
	}
}
