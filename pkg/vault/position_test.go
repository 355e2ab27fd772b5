package vault

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/margin/pkg/fixed"
)

func TestPositionDelta(t *testing.T) {
	size := usd(100_000)
	avg := usd(50_000)

	t.Run("long gains when price rises", func(t *testing.T) {
		hasProfit, delta, err := PositionDelta(true, size, avg, usd(55_000))
		require.NoError(t, err)
		assert.True(t, hasProfit)
		assert.Equal(t, usd(10_000), delta) // 100k * 5k/50k
	})

	t.Run("long loses when price falls", func(t *testing.T) {
		hasProfit, delta, err := PositionDelta(true, size, avg, usd(45_000))
		require.NoError(t, err)
		assert.False(t, hasProfit)
		assert.Equal(t, usd(10_000), delta)
	})

	t.Run("short mirrors", func(t *testing.T) {
		hasProfit, delta, err := PositionDelta(false, size, avg, usd(45_000))
		require.NoError(t, err)
		assert.True(t, hasProfit)
		assert.Equal(t, usd(10_000), delta)

		hasProfit, _, err = PositionDelta(false, size, avg, usd(55_000))
		require.NoError(t, err)
		assert.False(t, hasProfit)
	})

	t.Run("flat price has zero delta", func(t *testing.T) {
		_, delta, err := PositionDelta(true, size, avg, avg)
		require.NoError(t, err)
		assert.Zero(t, delta.Sign())
	})

	t.Run("empty position", func(t *testing.T) {
		hasProfit, delta, err := PositionDelta(true, new(big.Int), new(big.Int), usd(50_000))
		require.NoError(t, err)
		assert.False(t, hasProfit)
		assert.Zero(t, delta.Sign())
	})
}

func TestNextAveragePrice(t *testing.T) {
	t.Run("profitable long", func(t *testing.T) {
		// 1000 @ 100, grown by 500 at 150: delta 500, divisor 2000.
		next, err := NextAveragePrice(true, usd(1_000), usd(100), usd(150), usd(500))
		require.NoError(t, err)
		// 150 * 1500 / 2000 = 112.5
		want := new(big.Int).Div(new(big.Int).Mul(usd(150), big.NewInt(1_500)), big.NewInt(2_000))
		assert.Equal(t, want, next)
	})

	t.Run("losing long pulls the average down", func(t *testing.T) {
		// 1000 @ 100, grown by 1000 at 80: delta 200, divisor 1800.
		next, err := NextAveragePrice(true, usd(1_000), usd(100), usd(80), usd(1_000))
		require.NoError(t, err)
		// 80 * 2000 / 1800 = 88.88..
		want, ok := new(big.Int).SetString("88888888888888888888888888888888", 10)
		require.True(t, ok)
		assert.Equal(t, want, next)
	})

	t.Run("profitable short", func(t *testing.T) {
		// Short 1000 @ 100, grown by 500 at 80: delta 200, divisor 1500-200.
		next, err := NextAveragePrice(false, usd(1_000), usd(100), usd(80), usd(500))
		require.NoError(t, err)
		// 80 * 1500 / 1300 = 92.3..
		want := new(big.Int).Div(new(big.Int).Mul(usd(80), big.NewInt(1_500)), big.NewInt(1_300))
		assert.Equal(t, want, next)
	})

	t.Run("short increased after the price doubles", func(t *testing.T) {
		// A losing short folds its unrealized loss into the adding side, so
		// the average stays positive however far the price has run.
		next, err := NextAveragePrice(false, usd(1_000), usd(100), usd(250), usd(500))
		require.NoError(t, err)
		// delta 1500, divisor 1500+1500: 250 * 1500 / 3000 = 125.
		want := new(big.Int).Div(new(big.Int).Mul(usd(250), big.NewInt(1_500)), big.NewInt(3_000))
		assert.Equal(t, want, next)

		hasProfit, loss, err := PositionDelta(false, usd(1_500), next, usd(250))
		require.NoError(t, err)
		assert.False(t, hasProfit)
		assert.Equal(t, usd(1_500), loss)
	})

	t.Run("collapsed divisor is rejected", func(t *testing.T) {
		// A long marked to zero with no size added consumes the whole next
		// size, which must surface as an error, not a zero division.
		_, err := NextAveragePrice(true, usd(1_000), usd(100), new(big.Int), new(big.Int))
		assert.ErrorIs(t, err, fixed.ErrDivideByZero)
	})

	t.Run("preserves unrealized pnl through the increase", func(t *testing.T) {
		size := usd(1_000)
		avg := usd(100)
		price := usd(150)

		_, before, err := PositionDelta(true, size, avg, price)
		require.NoError(t, err)

		next, err := NextAveragePrice(true, size, avg, price, usd(500))
		require.NoError(t, err)
		_, after, err := PositionDelta(true, usd(1_500), next, price)
		require.NoError(t, err)

		// Closing right after the increase at the same price realizes what
		// was unrealized before it (up to integer truncation).
		diff := new(big.Int).Sub(before, after)
		assert.True(t, diff.CmpAbs(big.NewInt(1_000)) <= 0,
			"pnl drifted by %s through the increase", diff)
	})
}

func TestPositionBook(t *testing.T) {
	book := NewPositionBook()
	key := PositionKey{Owner: "alice", CollateralAsset: "BTC", IndexAsset: "BTC", IsLong: true}

	_, ok := book.Get(key)
	assert.False(t, ok)
	assert.Zero(t, book.Count())

	pos := book.getOrCreate(key)
	pos.Size = usd(100)
	assert.Equal(t, 1, book.Count())

	snap, ok := book.Get(key)
	require.True(t, ok)
	assert.Equal(t, usd(100), snap.Size)

	// Snapshots are copies, not aliases.
	snap.Size.SetInt64(0)
	again, _ := book.Get(key)
	assert.Equal(t, usd(100), again.Size)

	book.delete(key)
	assert.Zero(t, book.Count())
}
