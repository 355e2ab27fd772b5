package vault

import (
	"math/big"

	"github.com/luxfi/log"

	"github.com/luxfi/margin/pkg/fixed"
)

// SwapEngine converts between pool assets and the synthetic unit, applying
// the dynamic fee curve on every synthetic-debt shift.
type SwapEngine struct {
	ledger  *PoolLedger
	funding *FundingTracker
	fees    *FeeConfig
	oracle  PriceOracle
	bank    Bank
	conv    converter
	logger  log.Logger
}

// NewSwapEngine creates a swap engine over the shared ledger.
func NewSwapEngine(ledger *PoolLedger, funding *FundingTracker, fees *FeeConfig, oracle PriceOracle, bank Bank) *SwapEngine {
	return &SwapEngine{
		ledger:  ledger,
		funding: funding,
		fees:    fees,
		oracle:  oracle,
		bank:    bank,
		conv:    converter{ledger: ledger, oracle: oracle},
		logger:  log.Root().New("module", "swap"),
	}
}

// Mint deposits amountIn of asset and mints synthetic units 1:1 with the
// post-fee USD value at the asset's minimum price.
func (se *SwapEngine) Mint(sender, symbol string, amountIn *big.Int, receiver string) (_ *big.Int, err error) {
	if fixed.IsZero(amountIn) || amountIn.Sign() < 0 {
		return nil, validationErr("mint", ErrInvalidAmount)
	}
	if !se.ledger.IsRegistered(symbol) {
		return nil, validationErr("mint", ErrAssetNotRegistered)
	}
	if err := se.funding.Update(symbol); err != nil {
		return nil, err
	}
	if _, err := se.bank.TransferIn(symbol, sender, amountIn); err != nil {
		return nil, err
	}

	// A failure past the deposit unwinds the ledger and returns the tokens,
	// so a rejected mint is state-neutral.
	restore := se.ledger.checkpoint(symbol)
	defer func() {
		if err == nil {
			return
		}
		restore()
		if rerr := se.bank.TransferOut(symbol, sender, amountIn); rerr != nil {
			se.logger.Error("mint unwind failed", "asset", symbol, "sender", sender, "error", rerr)
		}
	}()

	usdValue, err := se.conv.tokenToUsdMin(symbol, amountIn)
	if err != nil {
		return nil, err
	}
	syntheticDelta := usdToSynthetic(usdValue)

	feeBps, err := se.feeBps(symbol, syntheticDelta, se.fees.MintBurnFeeBps, true)
	if err != nil {
		return nil, err
	}
	amountAfterFee, err := se.collectSwapFee(symbol, amountIn, feeBps)
	if err != nil {
		return nil, err
	}

	mintValue, err := se.conv.tokenToUsdMin(symbol, amountAfterFee)
	if err != nil {
		return nil, err
	}
	mintAmount := usdToSynthetic(mintValue)

	if err := se.ledger.IncreaseSyntheticDebt(symbol, mintAmount); err != nil {
		return nil, err
	}
	if err := se.ledger.IncreasePool(symbol, amountAfterFee); err != nil {
		return nil, err
	}
	if err := se.bank.MintSynthetic(receiver, mintAmount); err != nil {
		return nil, err
	}

	se.logger.Debug("minted synthetic", "asset", symbol, "in", amountIn, "out", mintAmount, "feeBps", feeBps)
	return mintAmount, nil
}

// Redeem burns synthetic units and pays out the asset at its maximum price.
func (se *SwapEngine) Redeem(sender, symbol string, syntheticAmount *big.Int, receiver string) (_ *big.Int, err error) {
	if fixed.IsZero(syntheticAmount) || syntheticAmount.Sign() < 0 {
		return nil, validationErr("redeem", ErrInvalidAmount)
	}
	if !se.ledger.IsRegistered(symbol) {
		return nil, validationErr("redeem", ErrAssetNotRegistered)
	}
	if err := se.funding.Update(symbol); err != nil {
		return nil, err
	}

	// A failure after the burn unwinds the ledger and re-mints, so a
	// rejected redeem is state-neutral.
	restore := se.ledger.checkpoint(symbol)
	burned := false
	defer func() {
		if err == nil {
			return
		}
		restore()
		if !burned {
			return
		}
		if rerr := se.bank.MintSynthetic(sender, syntheticAmount); rerr != nil {
			se.logger.Error("redeem unwind failed", "asset", symbol, "sender", sender, "error", rerr)
		}
	}()

	if err := se.bank.BurnSynthetic(sender, syntheticAmount); err != nil {
		return nil, err
	}
	burned = true

	redemptionUsd := syntheticToUsd(syntheticAmount)
	redemptionAmount, err := se.conv.usdToTokenMin(symbol, redemptionUsd)
	if err != nil {
		return nil, err
	}
	if redemptionAmount.Sign() == 0 {
		return nil, validationErr("redeem", ErrInvalidAmount)
	}

	if err := se.ledger.DecreaseSyntheticDebt(symbol, syntheticAmount); err != nil {
		return nil, err
	}
	if err := se.ledger.DecreasePool(symbol, redemptionAmount); err != nil {
		return nil, err
	}

	feeBps, err := se.feeBps(symbol, syntheticAmount, se.fees.MintBurnFeeBps, false)
	if err != nil {
		return nil, err
	}
	amountOut, err := se.collectSwapFee(symbol, redemptionAmount, feeBps)
	if err != nil {
		return nil, err
	}
	if err := se.bank.TransferOut(symbol, receiver, amountOut); err != nil {
		return nil, err
	}

	se.logger.Debug("redeemed synthetic", "asset", symbol, "in", syntheticAmount, "out", amountOut, "feeBps", feeBps)
	return amountOut, nil
}

// Swap converts amountIn of assetIn into assetOut at oracle min/max prices,
// charging the worse of the two assets' dynamic fees on the equivalent
// synthetic-debt shift and refusing to drain assetOut below its buffer.
func (se *SwapEngine) Swap(sender, assetIn, assetOut string, amountIn *big.Int, receiver string) (_ *big.Int, err error) {
	if assetIn == assetOut {
		return nil, validationErr("swap", ErrInvalidAmount)
	}
	if fixed.IsZero(amountIn) || amountIn.Sign() < 0 {
		return nil, validationErr("swap", ErrInvalidAmount)
	}
	if !se.ledger.IsRegistered(assetIn) || !se.ledger.IsRegistered(assetOut) {
		return nil, validationErr("swap", ErrAssetNotRegistered)
	}
	if err := se.funding.Update(assetIn); err != nil {
		return nil, err
	}
	if err := se.funding.Update(assetOut); err != nil {
		return nil, err
	}
	if _, err := se.bank.TransferIn(assetIn, sender, amountIn); err != nil {
		return nil, err
	}

	// A failure past the deposit, the buffer floor included, unwinds both
	// legs and refunds the sender.
	restore := se.ledger.checkpoint(assetIn, assetOut)
	defer func() {
		if err == nil {
			return
		}
		restore()
		if rerr := se.bank.TransferOut(assetIn, sender, amountIn); rerr != nil {
			se.logger.Error("swap unwind failed", "asset", assetIn, "sender", sender, "error", rerr)
		}
	}()

	priceIn, err := se.oracle.MinPrice(assetIn)
	if err != nil {
		return nil, err
	}
	priceOut, err := se.oracle.MaxPrice(assetOut)
	if err != nil {
		return nil, err
	}

	in, err := se.ledger.Asset(assetIn)
	if err != nil {
		return nil, err
	}
	out, err := se.ledger.Asset(assetOut)
	if err != nil {
		return nil, err
	}

	amountOut, err := fixed.MulDiv(amountIn, priceIn, priceOut)
	if err != nil {
		return nil, err
	}
	amountOut = fixed.AdjustDecimals(amountOut, in.Decimals, out.Decimals)

	usdShift, err := se.conv.tokenToUsd(assetIn, amountIn, priceIn)
	if err != nil {
		return nil, err
	}
	syntheticShift := usdToSynthetic(usdShift)

	feeBps, err := se.swapFeeBps(&in, &out, syntheticShift)
	if err != nil {
		return nil, err
	}
	amountOutAfterFee, err := se.collectSwapFee(assetOut, amountOut, feeBps)
	if err != nil {
		return nil, err
	}

	if err := se.ledger.IncreaseSyntheticDebt(assetIn, syntheticShift); err != nil {
		return nil, err
	}
	if err := se.ledger.DecreaseSyntheticDebt(assetOut, syntheticShift); err != nil {
		return nil, err
	}
	if err := se.ledger.IncreasePool(assetIn, amountIn); err != nil {
		return nil, err
	}
	if err := se.ledger.DecreasePool(assetOut, amountOut); err != nil {
		return nil, err
	}

	post, err := se.ledger.Asset(assetOut)
	if err != nil {
		return nil, err
	}
	if post.PoolAmount.Cmp(post.BufferAmount) < 0 {
		return nil, validationErr("swap", ErrBufferViolated)
	}

	if err := se.bank.TransferOut(assetOut, receiver, amountOutAfterFee); err != nil {
		return nil, err
	}

	se.logger.Debug("swapped", "in", assetIn, "out", assetOut,
		"amountIn", amountIn, "amountOut", amountOutAfterFee, "feeBps", feeBps)
	return amountOutAfterFee, nil
}

// feeBps runs the dynamic fee curve for one asset's debt shift.
func (se *SwapEngine) feeBps(symbol string, syntheticDelta, baseBps *big.Int, increment bool) (*big.Int, error) {
	a, err := se.ledger.Asset(symbol)
	if err != nil {
		return nil, err
	}
	target, err := se.ledger.TargetSyntheticDebt(symbol)
	if err != nil {
		return nil, err
	}
	return DynamicFeeBps(a.SyntheticDebt, target, syntheticDelta, baseBps, se.fees.TaxBps, increment, se.fees.DynamicFees), nil
}

// swapFeeBps charges the worse of the two legs. Stable-to-stable swaps use
// the reduced schedule.
func (se *SwapEngine) swapFeeBps(in, out *Asset, syntheticShift *big.Int) (*big.Int, error) {
	baseBps := se.fees.SwapFeeBps
	taxBps := se.fees.TaxBps
	if in.IsStable && out.IsStable {
		baseBps = se.fees.StableSwapFeeBps
		taxBps = se.fees.StableTaxBps
	}
	targetIn, err := se.ledger.TargetSyntheticDebt(in.Symbol)
	if err != nil {
		return nil, err
	}
	targetOut, err := se.ledger.TargetSyntheticDebt(out.Symbol)
	if err != nil {
		return nil, err
	}
	feeIn := DynamicFeeBps(in.SyntheticDebt, targetIn, syntheticShift, baseBps, taxBps, true, se.fees.DynamicFees)
	feeOut := DynamicFeeBps(out.SyntheticDebt, targetOut, syntheticShift, baseBps, taxBps, false, se.fees.DynamicFees)
	return fixed.Max(feeIn, feeOut), nil
}

// collectSwapFee moves the fee portion into the asset's fee reserve and
// returns the remainder.
func (se *SwapEngine) collectSwapFee(symbol string, amount, feeBps *big.Int) (*big.Int, error) {
	afterFee, err := fixed.AfterFeeBps(amount, feeBps)
	if err != nil {
		return nil, err
	}
	fee := new(big.Int).Sub(amount, afterFee)
	if fee.Sign() > 0 {
		if err := se.ledger.IncreaseFeeReserve(symbol, fee); err != nil {
			return nil, err
		}
	}
	return afterFee, nil
}
