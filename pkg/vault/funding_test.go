package vault

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/margin/pkg/fixed"
)

func TestFundingAccrual(t *testing.T) {
	setup := func(t *testing.T) *testVault {
		tv := newTestVault(t)
		tv.seedPool(t, "BTC", big.NewInt(1_000))
		require.NoError(t, tv.ledger.IncreaseReserved("BTC", big.NewInt(500)))
		return tv
	}

	t.Run("first touch only stamps the boundary", func(t *testing.T) {
		tv := setup(t)
		require.NoError(t, tv.funding.Update("BTC"))
		rate, err := tv.funding.CumulativeRate("BTC")
		require.NoError(t, err)
		assert.Zero(t, rate.Sign())

		a, err := tv.ledger.Asset("BTC")
		require.NoError(t, err)
		assert.Equal(t, tv.now.Truncate(time.Hour), a.LastFundingTime)
	})

	t.Run("partial interval accrues nothing", func(t *testing.T) {
		tv := setup(t)
		require.NoError(t, tv.funding.Update("BTC"))
		tv.advance(59 * time.Minute)
		require.NoError(t, tv.funding.Update("BTC"))
		rate, err := tv.funding.CumulativeRate("BTC")
		require.NoError(t, err)
		assert.Zero(t, rate.Sign())
	})

	t.Run("rate is factor times utilization per interval", func(t *testing.T) {
		tv := setup(t)
		require.NoError(t, tv.funding.Update("BTC"))
		tv.advance(2 * time.Hour)
		require.NoError(t, tv.funding.Update("BTC"))

		// 100 * 500 * 2 / 1000
		rate, err := tv.funding.CumulativeRate("BTC")
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(100), rate)
	})

	t.Run("timestamp advances to the boundary, never drifting", func(t *testing.T) {
		tv := setup(t)
		require.NoError(t, tv.funding.Update("BTC"))
		start := tv.now

		tv.advance(90 * time.Minute)
		require.NoError(t, tv.funding.Update("BTC"))
		a, err := tv.ledger.Asset("BTC")
		require.NoError(t, err)
		assert.Equal(t, start.Add(time.Hour), a.LastFundingTime,
			"only the whole interval advances the stamp")

		// The leftover 30 minutes combine with the next 30 into one more
		// interval.
		tv.advance(30 * time.Minute)
		require.NoError(t, tv.funding.Update("BTC"))
		rate, err := tv.funding.CumulativeRate("BTC")
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(100), rate, "two intervals over three hours of calls")
	})

	t.Run("monotonically non-decreasing", func(t *testing.T) {
		tv := setup(t)
		require.NoError(t, tv.funding.Update("BTC"))
		prev := new(big.Int)
		for i := 0; i < 5; i++ {
			tv.advance(time.Hour)
			require.NoError(t, tv.funding.Update("BTC"))
			rate, err := tv.funding.CumulativeRate("BTC")
			require.NoError(t, err)
			assert.True(t, rate.Cmp(prev) >= 0)
			prev = rate
		}
	})

	t.Run("empty pool accrues zero", func(t *testing.T) {
		tv := newTestVault(t)
		require.NoError(t, tv.funding.Update("BTC"))
		tv.advance(5 * time.Hour)
		require.NoError(t, tv.funding.Update("BTC"))
		rate, err := tv.funding.CumulativeRate("BTC")
		require.NoError(t, err)
		assert.Zero(t, rate.Sign())
	})
}

func TestFundingFee(t *testing.T) {
	t.Run("proportional to size and rate delta", func(t *testing.T) {
		size := usd(100_000)
		fee, err := FundingFee(size, big.NewInt(100), big.NewInt(600))
		require.NoError(t, err)
		// 100000 * 500 / 1e6 = 50 USD
		assert.Equal(t, usd(50), fee)
	})

	t.Run("zero size owes nothing", func(t *testing.T) {
		fee, err := FundingFee(new(big.Int), big.NewInt(0), big.NewInt(1_000))
		require.NoError(t, err)
		assert.Zero(t, fee.Sign())
	})

	t.Run("entry ahead of cumulative is rejected", func(t *testing.T) {
		_, err := FundingFee(usd(1), big.NewInt(10), big.NewInt(5))
		assert.ErrorIs(t, err, fixed.ErrUnderflow)
	})
}
