package vault

import (
	"math/big"
	"sync/atomic"
	"time"

	"github.com/luxfi/log"

	"github.com/luxfi/margin/pkg/fixed"
)

// IncreaseParams describes an open-or-grow request. CollateralDelta is in
// collateral-asset tokens already transferred into custody by the caller;
// SizeDelta and AcceptablePrice are USD at fixed.PricePrecision.
type IncreaseParams struct {
	Owner           string
	CollateralAsset string
	IndexAsset      string
	CollateralDelta *big.Int
	SizeDelta       *big.Int
	IsLong          bool
	AcceptablePrice *big.Int
}

// DecreaseParams describes a shrink-or-close request. CollateralDelta and
// SizeDelta are USD; the payout is converted to collateral-asset tokens and
// sent to Receiver.
type DecreaseParams struct {
	Owner           string
	CollateralAsset string
	IndexAsset      string
	CollateralDelta *big.Int
	SizeDelta       *big.Int
	IsLong          bool
	Receiver        string
	AcceptablePrice *big.Int
}

// MarginTradingEngine orchestrates position lifecycle against the shared
// pool. Every mutating entry point is protected by a single operation flag:
// concurrent or re-entrant mutators are rejected with ErrLocked, never
// allowed to observe intermediate ledger state.
type MarginTradingEngine struct {
	busy atomic.Bool

	ledger      *PoolLedger
	positions   *PositionBook
	shorts      *ShortExposureTracker
	funding     *FundingTracker
	liquidation *LiquidationEngine
	fees        *FeeConfig
	oracle      PriceOracle
	bank        Bank
	conv        converter
	events      EventSink
	logger      log.Logger
	now         func() time.Time
}

// NewMarginTradingEngine wires the trading engine over its collaborators.
func NewMarginTradingEngine(
	ledger *PoolLedger,
	positions *PositionBook,
	shorts *ShortExposureTracker,
	funding *FundingTracker,
	liquidation *LiquidationEngine,
	fees *FeeConfig,
	oracle PriceOracle,
	bank Bank,
) *MarginTradingEngine {
	return &MarginTradingEngine{
		ledger:      ledger,
		positions:   positions,
		shorts:      shorts,
		funding:     funding,
		liquidation: liquidation,
		fees:        fees,
		oracle:      oracle,
		bank:        bank,
		conv:        converter{ledger: ledger, oracle: oracle},
		logger:      log.Root().New("module", "margin"),
		now:         time.Now,
	}
}

// SetEventSink attaches an event sink. Must be called before trading starts.
func (e *MarginTradingEngine) SetEventSink(sink EventSink) { e.events = sink }

// SetClock overrides the time source. Test hook.
func (e *MarginTradingEngine) SetClock(now func() time.Time) { e.now = now }

// begin acquires the operation guard; the returned release must be deferred.
func (e *MarginTradingEngine) begin() (func(), error) {
	if !e.busy.CompareAndSwap(false, true) {
		return nil, ErrLocked
	}
	return func() { e.busy.Store(false) }, nil
}

// checkpoint captures everything a position operation can touch: the book
// entry, the collateral asset's counters and, for shorts, the global short
// exposure on the index asset. The returned restore runs on any error exit so
// a rejected operation is state-neutral. Safe because the operation guard
// makes the engine a single writer.
func (e *MarginTradingEngine) checkpoint(key PositionKey) func() {
	restorePosition := e.positions.checkpoint(key)
	restoreLedger := e.ledger.checkpoint(key.CollateralAsset)
	restoreShorts := func() {}
	if !key.IsLong {
		restoreShorts = e.shorts.checkpoint(key.IndexAsset)
	}
	return func() {
		restorePosition()
		restoreLedger()
		restoreShorts()
	}
}

// IncreasePosition opens or grows a position. The collateral tokens counted
// by CollateralDelta must already be in engine custody.
func (e *MarginTradingEngine) IncreasePosition(p IncreaseParams) error {
	release, err := e.begin()
	if err != nil {
		return err
	}
	defer release()
	return e.increasePosition(p)
}

func (e *MarginTradingEngine) increasePosition(p IncreaseParams) (err error) {
	if fixed.IsZero(p.SizeDelta) || p.SizeDelta.Sign() < 0 {
		return validationErr("increase", ErrInvalidAmount)
	}
	if err := e.validatePairing(p.CollateralAsset, p.IndexAsset, p.IsLong); err != nil {
		return err
	}
	if err := e.funding.Update(p.CollateralAsset); err != nil {
		return err
	}

	// Longs enter at the worse (max) price, shorts at min.
	var price *big.Int
	if p.IsLong {
		price, err = e.oracle.MaxPrice(p.IndexAsset)
	} else {
		price, err = e.oracle.MinPrice(p.IndexAsset)
	}
	if err != nil {
		return err
	}
	if p.AcceptablePrice != nil {
		if p.IsLong && price.Cmp(p.AcceptablePrice) > 0 {
			return validationErr("increase", ErrSlippage)
		}
		if !p.IsLong && price.Cmp(p.AcceptablePrice) < 0 {
			return validationErr("increase", ErrSlippage)
		}
	}

	key := PositionKey{Owner: p.Owner, CollateralAsset: p.CollateralAsset, IndexAsset: p.IndexAsset, IsLong: p.IsLong}

	// Funding accrual above is a clock advance and stays; everything past
	// this point unwinds if the operation fails.
	restore := e.checkpoint(key)
	defer func() {
		if err != nil {
			restore()
		}
	}()

	pos := e.positions.getOrCreate(key)

	// Global short state moves first so PnL attribution runs against the
	// pre-update average.
	if !p.IsLong {
		if err := e.shorts.Increase(p.IndexAsset, price, p.SizeDelta); err != nil {
			return err
		}
	}

	if pos.Size.Sign() == 0 {
		pos.AveragePrice = fixed.Clone(price)
	} else {
		nextAvg, err := NextAveragePrice(p.IsLong, pos.Size, pos.AveragePrice, price, p.SizeDelta)
		if err != nil {
			return err
		}
		pos.AveragePrice = nextAvg
	}

	asset, err := e.ledger.Asset(p.CollateralAsset)
	if err != nil {
		return err
	}
	fundingFee, err := FundingFee(pos.Size, pos.EntryFundingRate, asset.CumulativeFundingRate)
	if err != nil {
		return err
	}
	feeUsd := fixed.Add(fundingFee, e.fees.PositionFee(p.SizeDelta))

	collateralDeltaUsd := new(big.Int)
	if p.CollateralDelta != nil && p.CollateralDelta.Sign() > 0 {
		collateralDeltaUsd, err = e.conv.tokenToUsdMin(p.CollateralAsset, p.CollateralDelta)
		if err != nil {
			return err
		}
	}

	nextCollateral := fixed.Add(pos.Collateral, collateralDeltaUsd)
	if nextCollateral.Cmp(feeUsd) < 0 {
		return validationErr("increase", ErrInsufficientCollateral)
	}
	nextCollateral.Sub(nextCollateral, feeUsd)

	feeTokens, err := e.conv.usdToTokenMin(p.CollateralAsset, feeUsd)
	if err != nil {
		return err
	}

	pos.Collateral = nextCollateral
	pos.EntryFundingRate = fixed.Clone(asset.CumulativeFundingRate)
	pos.Size = fixed.Add(pos.Size, p.SizeDelta)
	pos.LastIncreaseTime = e.now()

	if pos.Size.Cmp(pos.Collateral) < 0 {
		return validationErr("increase", ErrMaxLeverage)
	}

	// Reserve sizeDelta worth of collateral-asset tokens against the
	// position, priced to yield the most tokens.
	reserveDelta, err := e.conv.usdToTokenMax(p.CollateralAsset, p.SizeDelta)
	if err != nil {
		return err
	}
	if err := e.ledger.IncreaseReserved(p.CollateralAsset, reserveDelta); err != nil {
		return err
	}
	pos.ReserveAmount = fixed.Add(pos.ReserveAmount, reserveDelta)

	if p.IsLong {
		// guaranteedUsd tracks size minus trader collateral: the USD the
		// pool is on the hook for. Fees were deducted from collateral so
		// they are added back.
		guaranteed := fixed.Add(p.SizeDelta, feeUsd)
		guaranteed, err = fixed.Sub(guaranteed, collateralDeltaUsd)
		if err == nil {
			if err := e.ledger.IncreaseGuaranteed(p.CollateralAsset, guaranteed); err != nil {
				return err
			}
		} else {
			// Collateral exceeds size delta plus fees; backing shrinks.
			excess, err := fixed.Sub(collateralDeltaUsd, fixed.Add(p.SizeDelta, feeUsd))
			if err != nil {
				return err
			}
			if err := e.ledger.DecreaseGuaranteed(p.CollateralAsset, excess); err != nil {
				return err
			}
		}
		// The deposited collateral joins the pool, then the fee portion
		// moves pool -> fee reserve.
		if p.CollateralDelta != nil && p.CollateralDelta.Sign() > 0 {
			if err := e.ledger.IncreasePool(p.CollateralAsset, p.CollateralDelta); err != nil {
				return err
			}
		}
		if err := e.ledger.DecreasePool(p.CollateralAsset, feeTokens); err != nil {
			return err
		}
	}
	if err := e.ledger.IncreaseFeeReserve(p.CollateralAsset, feeTokens); err != nil {
		return err
	}

	markPrice, err := e.markPrice(p.IndexAsset, p.IsLong)
	if err != nil {
		return err
	}
	res, err := e.liquidation.Evaluate(pos, markPrice, false)
	if err != nil {
		return err
	}
	if res.State != Healthy {
		return validationErr("increase", ErrLiquidationStateInvalid)
	}

	e.emit(Event{
		Type:            EventIncreasePosition,
		Owner:           p.Owner,
		CollateralAsset: p.CollateralAsset,
		IndexAsset:      p.IndexAsset,
		IsLong:          p.IsLong,
		SizeDelta:       bigString(p.SizeDelta),
		CollateralDelta: bigString(collateralDeltaUsd),
		Price:           bigString(price),
		Fee:             bigString(feeUsd),
		Time:            e.now(),
	})
	e.logger.Info("position increased",
		"owner", p.Owner, "index", p.IndexAsset, "long", p.IsLong,
		"sizeDelta", p.SizeDelta, "price", price)
	return nil
}

// DecreasePosition shrinks or closes a position, returning the payout in
// collateral-asset tokens.
func (e *MarginTradingEngine) DecreasePosition(p DecreaseParams) (*big.Int, error) {
	release, err := e.begin()
	if err != nil {
		return nil, err
	}
	defer release()
	return e.decreasePosition(p)
}

func (e *MarginTradingEngine) decreasePosition(p DecreaseParams) (_ *big.Int, err error) {
	key := PositionKey{Owner: p.Owner, CollateralAsset: p.CollateralAsset, IndexAsset: p.IndexAsset, IsLong: p.IsLong}
	pos := e.positions.get(key)
	if pos == nil || pos.Size.Sign() == 0 {
		return nil, validationErr("decrease", ErrPositionNotFound)
	}
	if fixed.IsZero(p.SizeDelta) || p.SizeDelta.Sign() < 0 || pos.Size.Cmp(p.SizeDelta) < 0 {
		return nil, validationErr("decrease", ErrInvalidAmount)
	}
	collateralDelta := fixed.Clone(p.CollateralDelta)
	if pos.Collateral.Cmp(collateralDelta) < 0 {
		return nil, validationErr("decrease", ErrInsufficientCollateral)
	}
	if err := e.funding.Update(p.CollateralAsset); err != nil {
		return nil, err
	}

	// Exits take the worse side of the spread: longs at min, shorts at max.
	var price *big.Int
	if p.IsLong {
		price, err = e.oracle.MinPrice(p.IndexAsset)
	} else {
		price, err = e.oracle.MaxPrice(p.IndexAsset)
	}
	if err != nil {
		return nil, err
	}
	if p.AcceptablePrice != nil {
		if p.IsLong && price.Cmp(p.AcceptablePrice) < 0 {
			return nil, validationErr("decrease", ErrSlippage)
		}
		if !p.IsLong && price.Cmp(p.AcceptablePrice) > 0 {
			return nil, validationErr("decrease", ErrSlippage)
		}
	}

	restore := e.checkpoint(key)
	defer func() {
		if err != nil {
			restore()
		}
	}()

	// Release the reserve pro-rata before touching collateral.
	reserveDelta, err := fixed.MulDiv(pos.ReserveAmount, p.SizeDelta, pos.Size)
	if err != nil {
		return nil, err
	}
	if err := e.ledger.DecreaseReserved(p.CollateralAsset, reserveDelta); err != nil {
		return nil, err
	}
	pos.ReserveAmount, _ = fixed.Sub(pos.ReserveAmount, reserveDelta)

	priorCollateral := fixed.Clone(pos.Collateral)
	usdOut, usdOutAfterFee, realized, err := e.reduceCollateral(pos, p.SizeDelta, collateralDelta, price)
	if err != nil {
		return nil, err
	}

	if !p.IsLong {
		if err := e.shorts.Decrease(p.IndexAsset, price, p.SizeDelta, realized); err != nil {
			return nil, err
		}
	}

	closing := pos.Size.Cmp(p.SizeDelta) == 0
	if !closing {
		asset, err := e.ledger.Asset(p.CollateralAsset)
		if err != nil {
			return nil, err
		}
		pos.EntryFundingRate = fixed.Clone(asset.CumulativeFundingRate)
		pos.Size, _ = fixed.Sub(pos.Size, p.SizeDelta)

		if pos.Size.Cmp(pos.Collateral) < 0 {
			return nil, validationErr("decrease", ErrMaxLeverage)
		}
		markPrice, err := e.markPrice(p.IndexAsset, p.IsLong)
		if err != nil {
			return nil, err
		}
		if _, err := e.liquidation.Evaluate(pos, markPrice, true); err != nil {
			return nil, err
		}
	}

	if p.IsLong {
		// Collateral that left the position re-enters guaranteed backing;
		// the closed notional leaves it.
		spent, err := fixed.Sub(priorCollateral, pos.Collateral)
		if err != nil {
			return nil, err
		}
		if err := e.ledger.IncreaseGuaranteed(p.CollateralAsset, spent); err != nil {
			return nil, err
		}
		if err := e.ledger.DecreaseGuaranteed(p.CollateralAsset, p.SizeDelta); err != nil {
			return nil, err
		}
	}

	var amountOut *big.Int
	if usdOut.Sign() > 0 {
		if p.IsLong {
			tokens, err := e.conv.usdToTokenMin(p.CollateralAsset, usdOut)
			if err != nil {
				return nil, err
			}
			if err := e.ledger.DecreasePool(p.CollateralAsset, tokens); err != nil {
				return nil, err
			}
		}
		amountOut, err = e.conv.usdToTokenMin(p.CollateralAsset, usdOutAfterFee)
		if err != nil {
			return nil, err
		}
		receiver := p.Receiver
		if receiver == "" {
			receiver = p.Owner
		}
		if err := e.bank.TransferOut(p.CollateralAsset, receiver, amountOut); err != nil {
			return nil, err
		}
	} else {
		amountOut = new(big.Int)
	}

	eventType := EventDecreasePosition
	if closing {
		e.positions.delete(key)
		eventType = EventClosePosition
	}

	e.emit(Event{
		Type:            eventType,
		Owner:           p.Owner,
		CollateralAsset: p.CollateralAsset,
		IndexAsset:      p.IndexAsset,
		IsLong:          p.IsLong,
		SizeDelta:       bigString(p.SizeDelta),
		CollateralDelta: bigString(collateralDelta),
		Price:           bigString(price),
		Time:            e.now(),
	})
	e.logger.Info("position decreased",
		"owner", p.Owner, "index", p.IndexAsset, "long", p.IsLong,
		"sizeDelta", p.SizeDelta, "closed", closing, "out", amountOut)
	return amountOut, nil
}

// reduceCollateral realizes PnL on the decreased portion and computes the
// USD owed to the trader. Returns gross USD out, USD out net of margin fees
// and the signed realized PnL of this transition.
func (e *MarginTradingEngine) reduceCollateral(pos *Position, sizeDelta, collateralDelta, price *big.Int) (usdOut, usdOutAfterFee, realized *big.Int, err error) {
	asset, err := e.ledger.Asset(pos.Key.CollateralAsset)
	if err != nil {
		return nil, nil, nil, err
	}
	fundingFee, err := FundingFee(pos.Size, pos.EntryFundingRate, asset.CumulativeFundingRate)
	if err != nil {
		return nil, nil, nil, err
	}
	feeUsd := fixed.Add(fundingFee, e.fees.PositionFee(sizeDelta))

	feeTokens, err := e.conv.usdToTokenMin(pos.Key.CollateralAsset, feeUsd)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := e.ledger.IncreaseFeeReserve(pos.Key.CollateralAsset, feeTokens); err != nil {
		return nil, nil, nil, err
	}

	hasProfit, delta, err := PositionDelta(pos.Key.IsLong, pos.Size, pos.AveragePrice, price)
	if err != nil {
		return nil, nil, nil, err
	}
	adjustedDelta, err := fixed.MulDiv(delta, sizeDelta, pos.Size)
	if err != nil {
		return nil, nil, nil, err
	}

	usdOut = new(big.Int)
	realized = new(big.Int)
	if hasProfit && adjustedDelta.Sign() > 0 {
		usdOut.Set(adjustedDelta)
		realized.Set(adjustedDelta)
		pos.RealizedPnl = fixed.Add(pos.RealizedPnl, adjustedDelta)
		// Short profits are paid out of the pool; long pool adjustment
		// happens on payout in the caller.
		if !pos.Key.IsLong {
			tokens, err := e.conv.usdToTokenMin(pos.Key.CollateralAsset, adjustedDelta)
			if err != nil {
				return nil, nil, nil, err
			}
			if err := e.ledger.DecreasePool(pos.Key.CollateralAsset, tokens); err != nil {
				return nil, nil, nil, err
			}
		}
	} else if !hasProfit && adjustedDelta.Sign() > 0 {
		pos.Collateral, err = fixed.Sub(pos.Collateral, adjustedDelta)
		if err != nil {
			return nil, nil, nil, validationErr("decrease", ErrInsufficientCollateral)
		}
		realized.Neg(adjustedDelta)
		pos.RealizedPnl = fixed.Add(pos.RealizedPnl, realized)
		// Short losses accrue to the pool.
		if !pos.Key.IsLong {
			tokens, err := e.conv.usdToTokenMin(pos.Key.CollateralAsset, adjustedDelta)
			if err != nil {
				return nil, nil, nil, err
			}
			if err := e.ledger.IncreasePool(pos.Key.CollateralAsset, tokens); err != nil {
				return nil, nil, nil, err
			}
		}
	}

	if collateralDelta.Sign() > 0 {
		usdOut = fixed.Add(usdOut, collateralDelta)
		pos.Collateral, err = fixed.Sub(pos.Collateral, collateralDelta)
		if err != nil {
			return nil, nil, nil, validationErr("decrease", ErrInsufficientCollateral)
		}
	}
	if pos.Size.Cmp(sizeDelta) == 0 {
		// Full close returns whatever collateral is left.
		usdOut = fixed.Add(usdOut, pos.Collateral)
		pos.Collateral = new(big.Int)
	}

	usdOutAfterFee = fixed.Clone(usdOut)
	if usdOut.Cmp(feeUsd) >= 0 {
		// The payout covers the fee: the gross pool withdrawal in the
		// caller already funds the fee reserve transfer.
		usdOutAfterFee.Sub(usdOutAfterFee, feeUsd)
	} else {
		pos.Collateral, err = fixed.Sub(pos.Collateral, feeUsd)
		if err != nil {
			return nil, nil, nil, validationErr("decrease", ErrInsufficientCollateral)
		}
		// Long collateral lives in the pool, so paying the fee from
		// collateral moves tokens pool -> fee reserve.
		if pos.Key.IsLong {
			if err := e.ledger.DecreasePool(pos.Key.CollateralAsset, feeTokens); err != nil {
				return nil, nil, nil, err
			}
		}
	}
	return usdOut, usdOutAfterFee, realized, nil
}

// LiquidatePosition evaluates a position and either forces a
// zero-collateral full-size deleverage or fully unwinds it, paying the flat
// liquidation fee to feeReceiver as incentive.
func (e *MarginTradingEngine) LiquidatePosition(owner, collateralAsset, indexAsset string, isLong bool, feeReceiver string) (err error) {
	release, err := e.begin()
	if err != nil {
		return err
	}
	defer release()

	key := PositionKey{Owner: owner, CollateralAsset: collateralAsset, IndexAsset: indexAsset, IsLong: isLong}
	pos := e.positions.get(key)
	if pos == nil || pos.Size.Sign() == 0 {
		return validationErr("liquidate", ErrPositionNotFound)
	}
	if err := e.funding.Update(collateralAsset); err != nil {
		return err
	}

	restore := e.checkpoint(key)
	defer func() {
		if err != nil {
			restore()
		}
	}()

	markPrice, err := e.markPrice(indexAsset, isLong)
	if err != nil {
		return err
	}
	res, err := e.liquidation.Evaluate(pos, markPrice, false)
	if err != nil {
		return err
	}
	if res.State == Healthy {
		return validationErr("liquidate", ErrPositionHealthy)
	}

	if res.State == LeverageExceeded {
		// Forced deleverage: full size, zero collateral delta; the trader
		// keeps the position's remaining collateral.
		_, err := e.decreasePosition(DecreaseParams{
			Owner:           owner,
			CollateralAsset: collateralAsset,
			IndexAsset:      indexAsset,
			CollateralDelta: new(big.Int),
			SizeDelta:       fixed.Clone(pos.Size),
			IsLong:          isLong,
			Receiver:        owner,
		})
		if err != nil {
			return err
		}
		e.emit(Event{
			Type:       EventLiquidatePosition,
			Owner:      owner,
			IndexAsset: indexAsset,
			IsLong:     isLong,
			Reason:     "deleverage",
			Price:      bigString(markPrice),
			Time:       e.now(),
		})
		return nil
	}

	feeTokens, err := e.conv.usdToTokenMin(collateralAsset, res.MarginFees)
	if err != nil {
		return err
	}
	if err := e.ledger.IncreaseFeeReserve(collateralAsset, feeTokens); err != nil {
		return err
	}
	if err := e.ledger.DecreaseReserved(collateralAsset, pos.ReserveAmount); err != nil {
		return err
	}

	if isLong {
		guaranteed, err := fixed.Sub(pos.Size, pos.Collateral)
		if err == nil {
			if err := e.ledger.DecreaseGuaranteed(collateralAsset, guaranteed); err != nil {
				return err
			}
		}
		if err := e.ledger.DecreasePool(collateralAsset, feeTokens); err != nil {
			return err
		}
	} else {
		// Short collateral beyond the fees is absorbed by the pool.
		if res.MarginFees.Cmp(pos.Collateral) < 0 {
			remainder, _ := fixed.Sub(pos.Collateral, res.MarginFees)
			tokens, err := e.conv.usdToTokenMin(collateralAsset, remainder)
			if err != nil {
				return err
			}
			if err := e.ledger.IncreasePool(collateralAsset, tokens); err != nil {
				return err
			}
		}
		if err := e.shorts.Decrease(indexAsset, markPrice, pos.Size, new(big.Int)); err != nil {
			return err
		}
	}

	e.positions.delete(key)

	// The flat liquidation fee leaves the pool and pays the caller.
	liqFeeTokens, err := e.conv.usdToTokenMin(collateralAsset, e.liquidation.config.LiquidationFeeUsd)
	if err != nil {
		return err
	}
	if err := e.ledger.DecreasePool(collateralAsset, liqFeeTokens); err != nil {
		return err
	}
	if err := e.bank.TransferOut(collateralAsset, feeReceiver, liqFeeTokens); err != nil {
		return err
	}

	e.emit(Event{
		Type:       EventLiquidatePosition,
		Owner:      owner,
		IndexAsset: indexAsset,
		IsLong:     isLong,
		Reason:     res.Reason,
		Fee:        bigString(res.MarginFees),
		Price:      bigString(markPrice),
		Time:       e.now(),
	})
	e.logger.Info("position liquidated",
		"owner", owner, "index", indexAsset, "long", isLong, "reason", res.Reason)
	return nil
}

// EvaluatePosition exposes the liquidation check for keepers and tests.
func (e *MarginTradingEngine) EvaluatePosition(key PositionKey) (*LiquidationResult, error) {
	pos := e.positions.get(key)
	if pos == nil || pos.Size.Sign() == 0 {
		return nil, validationErr("evaluate", ErrPositionNotFound)
	}
	markPrice, err := e.markPrice(key.IndexAsset, key.IsLong)
	if err != nil {
		return nil, err
	}
	return e.liquidation.Evaluate(pos, markPrice, false)
}

// validatePairing enforces the direction rules: longs use the index asset
// itself as collateral; shorts use a stable asset against a shortable,
// non-stable index.
func (e *MarginTradingEngine) validatePairing(collateralAsset, indexAsset string, isLong bool) error {
	ca, err := e.ledger.Asset(collateralAsset)
	if err != nil {
		return validationErr("pairing", err)
	}
	ia, err := e.ledger.Asset(indexAsset)
	if err != nil {
		return validationErr("pairing", err)
	}
	if isLong {
		if collateralAsset != indexAsset || ca.IsStable {
			return validationErr("pairing", ErrInvalidCollateralPair)
		}
		return nil
	}
	if !ca.IsStable || ia.IsStable || !ia.IsShortable {
		return validationErr("pairing", ErrInvalidCollateralPair)
	}
	return nil
}

// markPrice is the price used for health checks: the side that works
// against the position.
func (e *MarginTradingEngine) markPrice(indexAsset string, isLong bool) (*big.Int, error) {
	if isLong {
		return e.oracle.MinPrice(indexAsset)
	}
	return e.oracle.MaxPrice(indexAsset)
}

func (e *MarginTradingEngine) emit(ev Event) {
	if e.events != nil {
		e.events.Emit(ev)
	}
}
