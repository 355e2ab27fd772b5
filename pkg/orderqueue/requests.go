package orderqueue

import (
	"fmt"
	"math/big"
	"time"
)

// IncreaseRequest is an immutable snapshot of a deferred open-or-grow
// order. Amounts follow the engine's conventions: AmountIn is collateral
// tokens, SizeDelta and AcceptablePrice are PricePrecision USD.
type IncreaseRequest struct {
	Account         string    `json:"account"`
	CollateralAsset string    `json:"collateralAsset"`
	IndexAsset      string    `json:"indexAsset"`
	AmountIn        *big.Int  `json:"amountIn"`
	SizeDelta       *big.Int  `json:"sizeDelta"`
	IsLong          bool      `json:"isLong"`
	AcceptablePrice *big.Int  `json:"acceptablePrice"`
	ExecutionFee    *big.Int  `json:"executionFee"`
	SubmitSequence  uint64    `json:"submitSequence"`
	SubmitTime      time.Time `json:"submitTime"`
	CallbackTarget  string    `json:"callbackTarget,omitempty"`
}

// DecreaseRequest is an immutable snapshot of a deferred shrink-or-close
// order. CollateralDelta and SizeDelta are USD. TakeProfitPrice and
// StopLossPrice are optional trigger bounds evaluated at execution time.
type DecreaseRequest struct {
	Account         string    `json:"account"`
	CollateralAsset string    `json:"collateralAsset"`
	IndexAsset      string    `json:"indexAsset"`
	CollateralDelta *big.Int  `json:"collateralDelta"`
	SizeDelta       *big.Int  `json:"sizeDelta"`
	IsLong          bool      `json:"isLong"`
	Receiver        string    `json:"receiver"`
	AcceptablePrice *big.Int  `json:"acceptablePrice"`
	TakeProfitPrice *big.Int  `json:"takeProfitPrice,omitempty"`
	StopLossPrice   *big.Int  `json:"stopLossPrice,omitempty"`
	ExecutionFee    *big.Int  `json:"executionFee"`
	SubmitSequence  uint64    `json:"submitSequence"`
	SubmitTime      time.Time `json:"submitTime"`
	CallbackTarget  string    `json:"callbackTarget,omitempty"`
}

// RequestKey identifies a queued request by submitter and the submitter's
// own sequence number. FIFO order within one account follows this sequence.
type RequestKey struct {
	Account  string `json:"account"`
	Sequence uint64 `json:"sequence"`
}

func (k RequestKey) String() string {
	return fmt.Sprintf("%s:%d", k.Account, k.Sequence)
}

// ExecutionCallback is invoked best-effort after a request reaches a
// terminal state. A panic or error inside the callback never rolls back the
// trade.
type ExecutionCallback interface {
	OnExecuted(key RequestKey, executed bool)
}
