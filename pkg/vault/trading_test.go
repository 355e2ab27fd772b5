package vault

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sinkRecorder struct {
	events []Event
}

func (s *sinkRecorder) Emit(event Event) { s.events = append(s.events, event) }

func (s *sinkRecorder) last() Event {
	if len(s.events) == 0 {
		return Event{}
	}
	return s.events[len(s.events)-1]
}

// openLong seeds a 10 BTC pool and opens a long for alice with the given
// collateral (in BTC units) and USD size.
func openLong(t *testing.T, tv *testVault, collateral, sizeDelta *big.Int) PositionKey {
	t.Helper()
	tv.seedPool(t, "BTC", btc(10, 0))
	tv.custodyCollateral(t, "alice", "BTC", collateral)
	require.NoError(t, tv.engine.IncreasePosition(IncreaseParams{
		Owner:           "alice",
		CollateralAsset: "BTC",
		IndexAsset:      "BTC",
		CollateralDelta: collateral,
		SizeDelta:       sizeDelta,
		IsLong:          true,
	}))
	return PositionKey{Owner: "alice", CollateralAsset: "BTC", IndexAsset: "BTC", IsLong: true}
}

// openShort seeds a 100,000 USDC pool and opens a short for bob with the
// given USDC collateral and USD size.
func openShort(t *testing.T, tv *testVault, collateral, sizeDelta *big.Int) PositionKey {
	t.Helper()
	tv.seedPool(t, "USDC", usdc(100_000))
	tv.custodyCollateral(t, "bob", "USDC", collateral)
	require.NoError(t, tv.engine.IncreasePosition(IncreaseParams{
		Owner:           "bob",
		CollateralAsset: "USDC",
		IndexAsset:      "BTC",
		CollateralDelta: collateral,
		SizeDelta:       sizeDelta,
		IsLong:          false,
	}))
	return PositionKey{Owner: "bob", CollateralAsset: "USDC", IndexAsset: "BTC", IsLong: false}
}

func TestIncreasePosition(t *testing.T) {
	t.Run("opens a long and adjusts the pool", func(t *testing.T) {
		tv := newTestVault(t)
		key := openLong(t, tv, btc(1, 0), usd(90_000))

		pos, ok := tv.positions.Get(key)
		require.True(t, ok)
		assert.Equal(t, usd(90_000), pos.Size)
		// 50,000 deposited minus the 90 USD position fee.
		assert.Equal(t, usd(49_910), pos.Collateral)
		assert.Equal(t, usd(50_000), pos.AveragePrice)
		assert.Equal(t, btc(1, 80_000_000), pos.ReserveAmount)

		a, err := tv.ledger.Asset("BTC")
		require.NoError(t, err)
		// Pool gains the deposit and loses the fee portion.
		assert.Equal(t, big.NewInt(1_099_820_000), a.PoolAmount)
		assert.Equal(t, btc(1, 80_000_000), a.ReservedAmount)
		assert.Equal(t, usd(40_090), a.GuaranteedUsd) // size + fee - collateral
		assert.Equal(t, big.NewInt(180_000), a.FeeReserve)
		tv.requirePoolEqualsCustody(t, "BTC")
	})

	t.Run("opens a short without touching the pool", func(t *testing.T) {
		tv := newTestVault(t)
		key := openShort(t, tv, usdc(10_000), usd(50_000))

		pos, ok := tv.positions.Get(key)
		require.True(t, ok)
		assert.Equal(t, usd(9_950), pos.Collateral) // 10,000 - 50 fee
		assert.Equal(t, usd(50_000), pos.AveragePrice)

		a, err := tv.ledger.Asset("USDC")
		require.NoError(t, err)
		assert.Equal(t, usdc(100_000), a.PoolAmount, "short collateral stays out of the pool")
		assert.Equal(t, usdc(50_000), a.ReservedAmount)
		assert.Zero(t, a.GuaranteedUsd.Sign())
		assert.Equal(t, big.NewInt(50_000_000), a.FeeReserve)

		size, avg := tv.shorts.Global("BTC")
		assert.Equal(t, usd(50_000), size)
		assert.Equal(t, usd(50_000), avg)
		tv.requirePoolBacked(t, "USDC")
	})

	t.Run("growing a position folds pnl into the average", func(t *testing.T) {
		tv := newTestVault(t)
		key := openLong(t, tv, btc(0, 50_000_000), usd(45_000))

		tv.oracle.SetPrice("BTC", usd(55_000))
		require.NoError(t, tv.engine.IncreasePosition(IncreaseParams{
			Owner:           "alice",
			CollateralAsset: "BTC",
			IndexAsset:      "BTC",
			SizeDelta:       usd(45_000),
			IsLong:          true,
		}))

		pos, ok := tv.positions.Get(key)
		require.True(t, ok)
		assert.Equal(t, usd(90_000), pos.Size)
		// 55000 * 90000 / 94500 = 52380.95..
		assert.True(t, pos.AveragePrice.Cmp(usd(52_380)) > 0)
		assert.True(t, pos.AveragePrice.Cmp(usd(52_381)) < 0)
	})

	t.Run("slippage bound", func(t *testing.T) {
		tv := newTestVault(t)
		tv.seedPool(t, "BTC", btc(10, 0))
		tv.custodyCollateral(t, "alice", "BTC", btc(1, 0))
		err := tv.engine.IncreasePosition(IncreaseParams{
			Owner:           "alice",
			CollateralAsset: "BTC",
			IndexAsset:      "BTC",
			CollateralDelta: btc(1, 0),
			SizeDelta:       usd(90_000),
			IsLong:          true,
			AcceptablePrice: usd(49_500),
		})
		assert.ErrorIs(t, err, ErrSlippage)
	})

	t.Run("pairing rules", func(t *testing.T) {
		tv := newTestVault(t)
		tv.seedPool(t, "BTC", btc(10, 0))
		tv.seedPool(t, "USDC", usdc(100_000))

		// Long must collateralize with the index asset itself.
		err := tv.engine.IncreasePosition(IncreaseParams{
			Owner: "alice", CollateralAsset: "USDC", IndexAsset: "BTC",
			SizeDelta: usd(1_000), IsLong: true,
		})
		assert.ErrorIs(t, err, ErrInvalidCollateralPair)

		// Short must collateralize with a stable asset.
		err = tv.engine.IncreasePosition(IncreaseParams{
			Owner: "bob", CollateralAsset: "BTC", IndexAsset: "BTC",
			SizeDelta: usd(1_000), IsLong: false,
		})
		assert.ErrorIs(t, err, ErrInvalidCollateralPair)

		// Short index must be shortable and non-stable.
		err = tv.engine.IncreasePosition(IncreaseParams{
			Owner: "bob", CollateralAsset: "USDC", IndexAsset: "USDC",
			SizeDelta: usd(1_000), IsLong: false,
		})
		assert.ErrorIs(t, err, ErrInvalidCollateralPair)
	})

	t.Run("collateral must cover the notional", func(t *testing.T) {
		tv := newTestVault(t)
		tv.seedPool(t, "BTC", btc(10, 0))
		tv.custodyCollateral(t, "alice", "BTC", btc(1, 0))
		// 50,000 of collateral against a 10,000 size is below 1x.
		err := tv.engine.IncreasePosition(IncreaseParams{
			Owner: "alice", CollateralAsset: "BTC", IndexAsset: "BTC",
			CollateralDelta: btc(1, 0), SizeDelta: usd(10_000), IsLong: true,
		})
		assert.ErrorIs(t, err, ErrMaxLeverage)
	})

	t.Run("reservation needs pool liquidity", func(t *testing.T) {
		tv := newTestVault(t)
		tv.seedPool(t, "BTC", btc(1, 0))
		tv.custodyCollateral(t, "alice", "BTC", btc(1, 0))
		// Size needs 1.8 BTC reserved against a ~2 BTC pool minus fees --
		// push it past what is pooled.
		err := tv.engine.IncreasePosition(IncreaseParams{
			Owner: "alice", CollateralAsset: "BTC", IndexAsset: "BTC",
			CollateralDelta: btc(1, 0), SizeDelta: usd(150_000), IsLong: true,
		})
		assert.ErrorIs(t, err, ErrInsufficientPool)
	})

	t.Run("global short cap", func(t *testing.T) {
		tv := newTestVault(t)
		require.NoError(t, tv.ledger.mutate("BTC", func(a *Asset) error {
			a.MaxGlobalShortSize = usd(60_000)
			return nil
		}))
		openShort(t, tv, usdc(10_000), usd(50_000))

		tv.custodyCollateral(t, "bob", "USDC", usdc(10_000))
		err := tv.engine.IncreasePosition(IncreaseParams{
			Owner: "bob", CollateralAsset: "USDC", IndexAsset: "BTC",
			CollateralDelta: usdc(10_000), SizeDelta: usd(20_000), IsLong: false,
		})
		assert.ErrorIs(t, err, ErrMaxShortsExceeded)
	})
}

func TestDecreasePosition(t *testing.T) {
	t.Run("flat close returns collateral minus fees", func(t *testing.T) {
		tv := newTestVault(t)
		key := openLong(t, tv, btc(1, 0), usd(90_000))

		out, err := tv.engine.DecreasePosition(DecreaseParams{
			Owner: "alice", CollateralAsset: "BTC", IndexAsset: "BTC",
			CollateralDelta: new(big.Int), SizeDelta: usd(90_000), IsLong: true,
		})
		require.NoError(t, err)
		// 49,910 collateral minus the 90 USD close fee at 50,000.
		assert.Equal(t, big.NewInt(99_640_000), out)

		_, ok := tv.positions.Get(key)
		assert.False(t, ok, "closed position must be deleted")
		assert.Zero(t, tv.positions.Count())

		a, err := tv.ledger.Asset("BTC")
		require.NoError(t, err)
		assert.Equal(t, btc(10, 0), a.PoolAmount, "pool returns to its seed")
		assert.Zero(t, a.ReservedAmount.Sign())
		assert.Zero(t, a.GuaranteedUsd.Sign())
		assert.Equal(t, big.NewInt(360_000), a.FeeReserve)
		tv.requirePoolEqualsCustody(t, "BTC")
	})

	t.Run("profitable close pays from the pool", func(t *testing.T) {
		tv := newTestVault(t)
		openLong(t, tv, btc(1, 0), usd(90_000))

		tv.oracle.SetPrice("BTC", usd(55_000))
		out, err := tv.engine.DecreasePosition(DecreaseParams{
			Owner: "alice", CollateralAsset: "BTC", IndexAsset: "BTC",
			CollateralDelta: new(big.Int), SizeDelta: usd(90_000), IsLong: true,
		})
		require.NoError(t, err)
		// (9,000 profit + 49,910 collateral - 90 fee) / 55,000
		assert.Equal(t, big.NewInt(106_945_454), out)
		tv.requirePoolEqualsCustody(t, "BTC")
	})

	t.Run("losing close shrinks the payout", func(t *testing.T) {
		tv := newTestVault(t)
		openLong(t, tv, btc(1, 0), usd(90_000))

		tv.oracle.SetPrice("BTC", usd(49_000))
		out, err := tv.engine.DecreasePosition(DecreaseParams{
			Owner: "alice", CollateralAsset: "BTC", IndexAsset: "BTC",
			CollateralDelta: new(big.Int), SizeDelta: usd(90_000), IsLong: true,
		})
		require.NoError(t, err)
		// (49,910 - 1,800 loss - 90 fee) / 49,000 = 0.98 BTC
		assert.Equal(t, big.NewInt(98_000_000), out)
		tv.requirePoolEqualsCustody(t, "BTC")
	})

	t.Run("partial decrease keeps the position healthy", func(t *testing.T) {
		tv := newTestVault(t)
		key := openLong(t, tv, btc(0, 50_000_000), usd(90_000))

		out, err := tv.engine.DecreasePosition(DecreaseParams{
			Owner: "alice", CollateralAsset: "BTC", IndexAsset: "BTC",
			CollateralDelta: new(big.Int), SizeDelta: usd(45_000), IsLong: true,
		})
		require.NoError(t, err)
		assert.Zero(t, out.Sign(), "no collateral withdrawal, no payout")

		pos, ok := tv.positions.Get(key)
		require.True(t, ok)
		assert.Equal(t, usd(45_000), pos.Size)
		// 24,910 after open fee, minus the 45 USD fee paid from collateral.
		assert.Equal(t, usd(24_865), pos.Collateral)
		assert.Equal(t, btc(0, 90_000_000), pos.ReserveAmount, "reserve releases pro-rata")
		tv.requirePoolBacked(t, "BTC")
	})

	t.Run("collateral withdrawal rides along", func(t *testing.T) {
		tv := newTestVault(t)
		key := openLong(t, tv, btc(0, 50_000_000), usd(90_000))

		out, err := tv.engine.DecreasePosition(DecreaseParams{
			Owner: "alice", CollateralAsset: "BTC", IndexAsset: "BTC",
			CollateralDelta: usd(5_000), SizeDelta: usd(45_000), IsLong: true,
		})
		require.NoError(t, err)
		// (5,000 - 45 fee) / 50,000 = 0.0991 BTC
		assert.Equal(t, big.NewInt(9_910_000), out)

		pos, ok := tv.positions.Get(key)
		require.True(t, ok)
		assert.Equal(t, usd(19_910), pos.Collateral)
		tv.requirePoolEqualsCustody(t, "BTC")
	})

	t.Run("short close with profit drains the pool", func(t *testing.T) {
		tv := newTestVault(t)
		key := openShort(t, tv, usdc(10_000), usd(50_000))

		tv.oracle.SetPrice("BTC", usd(45_000))
		out, err := tv.engine.DecreasePosition(DecreaseParams{
			Owner: "bob", CollateralAsset: "USDC", IndexAsset: "BTC",
			CollateralDelta: new(big.Int), SizeDelta: usd(50_000), IsLong: false,
		})
		require.NoError(t, err)
		// 5,000 profit + 9,950 collateral - 50 fee
		assert.Equal(t, usdc(14_900), out)
		assert.Equal(t, usdc(14_900), tv.bank.AccountBalance("bob", "USDC"))

		a, err := tv.ledger.Asset("USDC")
		require.NoError(t, err)
		assert.Equal(t, usdc(95_000), a.PoolAmount, "profit paid from the pool")

		_, ok := tv.positions.Get(key)
		assert.False(t, ok)
		size, _ := tv.shorts.Global("BTC")
		assert.Zero(t, size.Sign())
		tv.requirePoolBacked(t, "USDC")
	})

	t.Run("short close with loss feeds the pool", func(t *testing.T) {
		tv := newTestVault(t)
		openShort(t, tv, usdc(10_000), usd(50_000))

		tv.oracle.SetPrice("BTC", usd(52_000))
		out, err := tv.engine.DecreasePosition(DecreaseParams{
			Owner: "bob", CollateralAsset: "USDC", IndexAsset: "BTC",
			CollateralDelta: new(big.Int), SizeDelta: usd(50_000), IsLong: false,
		})
		require.NoError(t, err)
		// 9,950 - 2,000 loss - 50 fee
		assert.Equal(t, usdc(7_900), out)

		a, err := tv.ledger.Asset("USDC")
		require.NoError(t, err)
		assert.Equal(t, usdc(102_000), a.PoolAmount, "loss accrues to the pool")
		tv.requirePoolBacked(t, "USDC")
	})

	t.Run("validation", func(t *testing.T) {
		tv := newTestVault(t)
		_, err := tv.engine.DecreasePosition(DecreaseParams{
			Owner: "nobody", CollateralAsset: "BTC", IndexAsset: "BTC",
			CollateralDelta: new(big.Int), SizeDelta: usd(1), IsLong: true,
		})
		assert.ErrorIs(t, err, ErrPositionNotFound)

		openLong(t, tv, btc(1, 0), usd(90_000))
		_, err = tv.engine.DecreasePosition(DecreaseParams{
			Owner: "alice", CollateralAsset: "BTC", IndexAsset: "BTC",
			CollateralDelta: new(big.Int), SizeDelta: usd(100_000), IsLong: true,
		})
		assert.ErrorIs(t, err, ErrInvalidAmount, "cannot decrease beyond size")

		_, err = tv.engine.DecreasePosition(DecreaseParams{
			Owner: "alice", CollateralAsset: "BTC", IndexAsset: "BTC",
			CollateralDelta: usd(60_000), SizeDelta: usd(90_000), IsLong: true,
		})
		assert.ErrorIs(t, err, ErrInsufficientCollateral)
	})
}

func TestLiquidatePosition(t *testing.T) {
	t.Run("underwater short is fully unwound", func(t *testing.T) {
		tv := newTestVault(t)
		key := openShort(t, tv, usdc(10_000), usd(50_000))

		// 10,500 loss exceeds the 9,950 collateral.
		tv.oracle.SetPrice("BTC", usd(60_500))
		require.NoError(t, tv.engine.LiquidatePosition("bob", "USDC", "BTC", false, "keeper"))

		_, ok := tv.positions.Get(key)
		assert.False(t, ok)
		size, _ := tv.shorts.Global("BTC")
		assert.Zero(t, size.Sign())

		// The keeper earns the flat 5 USD fee.
		assert.Equal(t, usdc(5), tv.bank.AccountBalance("keeper", "USDC"))

		a, err := tv.ledger.Asset("USDC")
		require.NoError(t, err)
		// Pool absorbs the collateral net of margin fees, minus the
		// liquidation fee: 100,000 + 9,900 - 5.
		assert.Equal(t, usdc(109_895), a.PoolAmount)
		assert.Zero(t, a.ReservedAmount.Sign())
		tv.requirePoolBacked(t, "USDC")
	})

	t.Run("healthy position refuses", func(t *testing.T) {
		tv := newTestVault(t)
		openLong(t, tv, btc(1, 0), usd(90_000))
		err := tv.engine.LiquidatePosition("alice", "BTC", "BTC", true, "keeper")
		assert.ErrorIs(t, err, ErrPositionHealthy)
	})

	t.Run("excess leverage deleverages instead of seizing", func(t *testing.T) {
		tv := newTestVault(t)
		sink := &sinkRecorder{}
		tv.engine.SetEventSink(sink)
		key := openLong(t, tv, btc(0, 4_000_000), usd(90_000)) // 2,000 collateral, 45x

		// A small loss pushes effective leverage past 50x without touching
		// the loss-based rules.
		tv.oracle.SetPrice("BTC", usd(49_900))
		require.NoError(t, tv.engine.LiquidatePosition("alice", "BTC", "BTC", true, "keeper"))

		_, ok := tv.positions.Get(key)
		assert.False(t, ok, "deleverage closes the full size")
		// The trader keeps the remaining collateral: (1,910 - 180 loss -
		// 90 fee) / 49,900.
		assert.Equal(t, big.NewInt(3_286_573), tv.bank.AccountBalance("alice", "BTC"))
		// No seizure: the keeper is not paid on a deleverage.
		assert.Zero(t, tv.bank.AccountBalance("keeper", "BTC").Sign())

		last := sink.last()
		assert.Equal(t, EventLiquidatePosition, last.Type)
		assert.Equal(t, "deleverage", last.Reason)
	})

	t.Run("missing position", func(t *testing.T) {
		tv := newTestVault(t)
		err := tv.engine.LiquidatePosition("ghost", "BTC", "BTC", true, "keeper")
		assert.ErrorIs(t, err, ErrPositionNotFound)
	})
}

// reentrantSink tries to mutate the engine from inside an event emission.
type reentrantSink struct {
	engine *MarginTradingEngine
	err    error
}

func (s *reentrantSink) Emit(Event) {
	_, s.err = s.engine.DecreasePosition(DecreaseParams{
		Owner: "alice", CollateralAsset: "BTC", IndexAsset: "BTC",
		CollateralDelta: new(big.Int), SizeDelta: usd(1), IsLong: true,
	})
}

func TestOperationGuard(t *testing.T) {
	tv := newTestVault(t)
	sink := &reentrantSink{engine: tv.engine}
	tv.engine.SetEventSink(sink)

	openLong(t, tv, btc(1, 0), usd(90_000))
	assert.ErrorIs(t, sink.err, ErrLocked,
		"mutating entry points must reject re-entrant calls")
}

func TestEvaluatePosition(t *testing.T) {
	tv := newTestVault(t)
	key := openLong(t, tv, btc(1, 0), usd(90_000))

	res, err := tv.engine.EvaluatePosition(key)
	require.NoError(t, err)
	assert.Equal(t, Healthy, res.State)

	tv.oracle.SetPrice("BTC", usd(20_000))
	res, err = tv.engine.EvaluatePosition(key)
	require.NoError(t, err)
	assert.Equal(t, Liquidatable, res.State)
}

func TestEventEmission(t *testing.T) {
	tv := newTestVault(t)
	sink := &sinkRecorder{}
	tv.engine.SetEventSink(sink)

	openLong(t, tv, btc(0, 50_000_000), usd(90_000))
	require.Len(t, sink.events, 1)
	assert.Equal(t, EventIncreasePosition, sink.events[0].Type)
	assert.Equal(t, "alice", sink.events[0].Owner)

	_, err := tv.engine.DecreasePosition(DecreaseParams{
		Owner: "alice", CollateralAsset: "BTC", IndexAsset: "BTC",
		CollateralDelta: new(big.Int), SizeDelta: usd(45_000), IsLong: true,
	})
	require.NoError(t, err)
	assert.Equal(t, EventDecreasePosition, sink.last().Type)

	_, err = tv.engine.DecreasePosition(DecreaseParams{
		Owner: "alice", CollateralAsset: "BTC", IndexAsset: "BTC",
		CollateralDelta: new(big.Int), SizeDelta: usd(45_000), IsLong: true,
	})
	require.NoError(t, err)
	assert.Equal(t, EventClosePosition, sink.last().Type)
}

func TestFailedOperationAtomicity(t *testing.T) {
	t.Run("rejected long increase leaves no trace", func(t *testing.T) {
		tv := newTestVault(t)
		tv.seedPool(t, "BTC", btc(10, 0))
		tv.custodyCollateral(t, "alice", "BTC", btc(1, 0))

		// A wide spread makes the entry pass slippage at the max price while
		// the health pre-check at the min price finds the position already
		// under water.
		tv.oracle.SetPrices("BTC", usd(25_000), usd(50_000))
		err := tv.engine.IncreasePosition(IncreaseParams{
			Owner:           "alice",
			CollateralAsset: "BTC",
			IndexAsset:      "BTC",
			CollateralDelta: btc(1, 0),
			SizeDelta:       usd(90_000),
			IsLong:          true,
		})
		require.ErrorIs(t, err, ErrLiquidationStateInvalid)

		_, ok := tv.positions.Get(PositionKey{Owner: "alice", CollateralAsset: "BTC", IndexAsset: "BTC", IsLong: true})
		assert.False(t, ok)
		assert.Zero(t, tv.positions.Count())

		a, err := tv.ledger.Asset("BTC")
		require.NoError(t, err)
		assert.Equal(t, btc(10, 0), a.PoolAmount)
		assert.Zero(t, a.ReservedAmount.Sign())
		assert.Zero(t, a.GuaranteedUsd.Sign())
		assert.Zero(t, a.FeeReserve.Sign())
		tv.requirePoolBacked(t, "BTC")
	})

	t.Run("rejected short increase leaves global shorts untouched", func(t *testing.T) {
		tv := newTestVault(t)
		tv.seedPool(t, "USDC", usdc(100_000))
		tv.custodyCollateral(t, "bob", "USDC", usdc(10_000))

		tv.oracle.SetPrices("BTC", usd(50_000), usd(100_000))
		err := tv.engine.IncreasePosition(IncreaseParams{
			Owner:           "bob",
			CollateralAsset: "USDC",
			IndexAsset:      "BTC",
			CollateralDelta: usdc(10_000),
			SizeDelta:       usd(50_000),
			IsLong:          false,
		})
		require.ErrorIs(t, err, ErrLiquidationStateInvalid)

		size, avg := tv.shorts.Global("BTC")
		assert.Zero(t, size.Sign())
		assert.Zero(t, avg.Sign())
		assert.Zero(t, tv.positions.Count())

		a, err := tv.ledger.Asset("USDC")
		require.NoError(t, err)
		assert.Equal(t, usdc(100_000), a.PoolAmount)
		assert.Zero(t, a.ReservedAmount.Sign())
		assert.Zero(t, a.FeeReserve.Sign())
		tv.requirePoolBacked(t, "USDC")
	})

	t.Run("rejected partial decrease leaves the position intact", func(t *testing.T) {
		tv := newTestVault(t)
		key := openLong(t, tv, btc(0, 50_000_000), usd(90_000))

		// Shrinking to 20,000 USD of size against ~24,910 of collateral
		// trips the leverage floor after the reserve and fee moves.
		_, err := tv.engine.DecreasePosition(DecreaseParams{
			Owner:           "alice",
			CollateralAsset: "BTC",
			IndexAsset:      "BTC",
			CollateralDelta: new(big.Int),
			SizeDelta:       usd(70_000),
			IsLong:          true,
		})
		require.ErrorIs(t, err, ErrMaxLeverage)

		pos, ok := tv.positions.Get(key)
		require.True(t, ok)
		assert.Equal(t, usd(90_000), pos.Size)
		assert.Equal(t, usd(24_910), pos.Collateral)
		assert.Equal(t, btc(1, 80_000_000), pos.ReserveAmount)

		a, err := tv.ledger.Asset("BTC")
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(1_049_820_000), a.PoolAmount)
		assert.Equal(t, btc(1, 80_000_000), a.ReservedAmount)
		assert.Equal(t, usd(65_090), a.GuaranteedUsd)
		assert.Equal(t, big.NewInt(180_000), a.FeeReserve)
		tv.requirePoolEqualsCustody(t, "BTC")
	})
}
