package vault

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPositionFee(t *testing.T) {
	fees := DefaultFeeConfig()
	// 10 bps of 100,000
	assert.Equal(t, usd(100), fees.PositionFee(usd(100_000)))
	assert.Zero(t, fees.PositionFee(new(big.Int)).Sign())
}

func TestDynamicFeeBps(t *testing.T) {
	base := big.NewInt(30)
	tax := big.NewInt(50)

	t.Run("disabled curve returns the base fee", func(t *testing.T) {
		fee := DynamicFeeBps(big.NewInt(900), big.NewInt(500), big.NewInt(100), base, tax, true, false)
		assert.Equal(t, base, fee)
	})

	t.Run("zero target returns the base fee", func(t *testing.T) {
		fee := DynamicFeeBps(big.NewInt(0), big.NewInt(0), big.NewInt(100), base, tax, true, true)
		assert.Equal(t, base, fee)
	})

	t.Run("moving toward target earns a rebate", func(t *testing.T) {
		// Debt 200 vs target 1000: adding 100 closes the gap.
		fee := DynamicFeeBps(big.NewInt(200), big.NewInt(1_000), big.NewInt(100), base, tax, true, true)
		// rebate = 50 * 800 / 1000 = 40 >= base 30 -> free
		assert.Zero(t, fee.Sign())
	})

	t.Run("rebate floors at zero", func(t *testing.T) {
		// Small imbalance: rebate = 50 * 100 / 1000 = 5 -> fee 25.
		fee := DynamicFeeBps(big.NewInt(900), big.NewInt(1_000), big.NewInt(50), base, tax, true, true)
		assert.Equal(t, big.NewInt(25), fee)
	})

	t.Run("moving away pays a penalty", func(t *testing.T) {
		// Debt 1000 at target; adding 200 moves away. avgDiff = (0+200)/2.
		fee := DynamicFeeBps(big.NewInt(1_000), big.NewInt(1_000), big.NewInt(200), base, tax, true, true)
		// penalty = 50 * 100 / 1000 = 5 -> fee 35
		assert.Equal(t, big.NewInt(35), fee)
	})

	t.Run("penalty saturates at the target", func(t *testing.T) {
		// Enormous move away: averageDiff caps at targetDebt, so the
		// penalty caps at taxBps.
		fee := DynamicFeeBps(big.NewInt(1_000), big.NewInt(1_000), big.NewInt(1_000_000), base, tax, true, true)
		assert.Equal(t, new(big.Int).Add(base, tax), fee)
	})

	t.Run("decrement side mirrors", func(t *testing.T) {
		// Debt 1200 vs target 1000: removing 300 crosses under but still
		// closes the gap (diff 200 -> 100).
		fee := DynamicFeeBps(big.NewInt(1_200), big.NewInt(1_000), big.NewInt(300), base, tax, false, true)
		// rebate = 50 * 200 / 1000 = 10 -> 20
		assert.Equal(t, big.NewInt(20), fee)

		// Removing everything from an asset already below target moves away.
		fee = DynamicFeeBps(big.NewInt(500), big.NewInt(1_000), big.NewInt(400), base, tax, false, true)
		// diffs 500 -> 900, avg 700: penalty = 50 * 700 / 1000 = 35 -> 65
		assert.Equal(t, big.NewInt(65), fee)
	})
}
