package vault

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/margin/pkg/fixed"
)

// usd scales a whole-dollar amount to PricePrecision.
func usd(v int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), fixed.PricePrecision)
}

// btc returns a BTC amount in 8-decimal native units.
func btc(whole int64, sats int64) *big.Int {
	v := new(big.Int).Mul(big.NewInt(whole), big.NewInt(100_000_000))
	return v.Add(v, big.NewInt(sats))
}

// usdc returns a USDC amount in 6-decimal native units.
func usdc(whole int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(whole), big.NewInt(1_000_000))
}

// testVault wires the full component stack over an in-memory bank with BTC
// and USDC registered, BTC priced at 50,000 and USDC at 1, and a
// controllable clock shared by the funding tracker and trading engine.
type testVault struct {
	bank        *MemoryBank
	oracle      *StaticOracle
	ledger      *PoolLedger
	positions   *PositionBook
	shorts      *ShortExposureTracker
	funding     *FundingTracker
	fees        *FeeConfig
	liquidation *LiquidationEngine
	swap        *SwapEngine
	engine      *MarginTradingEngine
	now         time.Time
}

func (tv *testVault) advance(d time.Duration) { tv.now = tv.now.Add(d) }

func (tv *testVault) clock() time.Time { return tv.now }

// seedPool moves funded tokens into custody and the pool ledger.
func (tv *testVault) seedPool(t *testing.T, symbol string, amount *big.Int) {
	t.Helper()
	tv.bank.Fund("lp", symbol, amount)
	_, err := tv.bank.TransferIn(symbol, "lp", amount)
	require.NoError(t, err)
	require.NoError(t, tv.ledger.IncreasePool(symbol, amount))
}

// custodyCollateral funds an account and moves tokens into engine custody,
// the way the order queue does before calling the engine.
func (tv *testVault) custodyCollateral(t *testing.T, owner, symbol string, amount *big.Int) {
	t.Helper()
	tv.bank.Fund(owner, symbol, amount)
	_, err := tv.bank.TransferIn(symbol, owner, amount)
	require.NoError(t, err)
}

// requirePoolBacked asserts the pooled amount never exceeds what the bank
// custodies net of the fee reserve, and that reserved stays within the pool.
func (tv *testVault) requirePoolBacked(t *testing.T, symbol string) {
	t.Helper()
	a, err := tv.ledger.Asset(symbol)
	require.NoError(t, err)
	onHand := new(big.Int).Sub(tv.bank.BalanceOf(symbol), a.FeeReserve)
	require.True(t, a.PoolAmount.Cmp(onHand) <= 0,
		"%s pool %s exceeds custodied %s", symbol, a.PoolAmount, onHand)
	require.True(t, a.ReservedAmount.Cmp(a.PoolAmount) <= 0,
		"%s reserved %s exceeds pool %s", symbol, a.ReservedAmount, a.PoolAmount)
}

// requirePoolEqualsCustody asserts the strict accounting identity that holds
// on flows with no out-of-pool collateral: pool == custody - feeReserve.
func (tv *testVault) requirePoolEqualsCustody(t *testing.T, symbol string) {
	t.Helper()
	a, err := tv.ledger.Asset(symbol)
	require.NoError(t, err)
	onHand := new(big.Int).Sub(tv.bank.BalanceOf(symbol), a.FeeReserve)
	require.Equal(t, onHand, a.PoolAmount,
		"%s pool %s != custody net of fees %s", symbol, a.PoolAmount, onHand)
}

func newTestVault(t *testing.T) *testVault {
	t.Helper()
	tv := &testVault{
		bank:   NewMemoryBank(),
		oracle: NewStaticOracle(),
		now:    time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
	}
	tv.oracle.SetPrice("BTC", usd(50_000))
	tv.oracle.SetPrice("USDC", usd(1))

	tv.ledger = NewPoolLedger(tv.bank)
	require.NoError(t, tv.ledger.RegisterAsset(AssetConfig{
		Symbol:      "BTC",
		Decimals:    8,
		Weight:      60,
		IsShortable: true,
	}))
	require.NoError(t, tv.ledger.RegisterAsset(AssetConfig{
		Symbol:   "USDC",
		Decimals: 6,
		Weight:   40,
		IsStable: true,
	}))

	tv.positions = NewPositionBook()
	tv.shorts = NewShortExposureTracker(tv.ledger)
	tv.funding = NewFundingTracker(tv.ledger, nil)
	tv.funding.SetClock(tv.clock)
	tv.fees = DefaultFeeConfig()
	tv.liquidation = NewLiquidationEngine(tv.ledger, tv.fees, nil)
	tv.swap = NewSwapEngine(tv.ledger, tv.funding, tv.fees, tv.oracle, tv.bank)
	tv.engine = NewMarginTradingEngine(
		tv.ledger, tv.positions, tv.shorts, tv.funding, tv.liquidation,
		tv.fees, tv.oracle, tv.bank,
	)
	tv.engine.SetClock(tv.clock)
	return tv
}
