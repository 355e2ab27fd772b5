package vault

import (
	"math/big"
	"time"
)

// EventSink receives ledger events for fan-out (websocket feed, NATS,
// metrics). Implementations must not call back into the engine and must not
// block; a nil sink disables emission.
type EventSink interface {
	Emit(event Event)
}

// Event is a ledger event. Amounts are decimal strings so the payload
// serializes without precision loss.
type Event struct {
	Type            string    `json:"type"`
	Owner           string    `json:"owner,omitempty"`
	CollateralAsset string    `json:"collateralAsset,omitempty"`
	IndexAsset      string    `json:"indexAsset,omitempty"`
	IsLong          bool      `json:"isLong,omitempty"`
	SizeDelta       string    `json:"sizeDelta,omitempty"`
	CollateralDelta string    `json:"collateralDelta,omitempty"`
	Price           string    `json:"price,omitempty"`
	Fee             string    `json:"fee,omitempty"`
	Reason          string    `json:"reason,omitempty"`
	Time            time.Time `json:"time"`
}

// Event types emitted by the engine.
const (
	EventIncreasePosition  = "position.increase"
	EventDecreasePosition  = "position.decrease"
	EventClosePosition     = "position.close"
	EventLiquidatePosition = "position.liquidate"
)

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
