package oracle

import (
	"math/big"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scaled(t *testing.T, human string) *big.Int {
	t.Helper()
	d, err := decimal.NewFromString(human)
	require.NoError(t, err)
	return d.Shift(30).BigInt()
}

func TestOracle(t *testing.T) {
	t.Run("scales and spreads a quote", func(t *testing.T) {
		o := New(&Config{SpreadBps: 10})
		require.NoError(t, o.UpdateFromString("BTC", "50000"))

		min, err := o.MinPrice("BTC")
		require.NoError(t, err)
		max, err := o.MaxPrice("BTC")
		require.NoError(t, err)

		assert.Equal(t, scaled(t, "49950"), min) // -10 bps
		assert.Equal(t, scaled(t, "50050"), max) // +10 bps
		assert.True(t, min.Cmp(max) < 0)
	})

	t.Run("zero spread collapses min and max", func(t *testing.T) {
		o := New(&Config{})
		require.NoError(t, o.UpdateFromString("USDC", "1"))

		min, err := o.MinPrice("USDC")
		require.NoError(t, err)
		max, err := o.MaxPrice("USDC")
		require.NoError(t, err)
		assert.Equal(t, min, max)
		assert.Equal(t, scaled(t, "1"), min)
	})

	t.Run("preserves fractional quotes", func(t *testing.T) {
		o := New(&Config{})
		require.NoError(t, o.UpdateFromString("ETH", "3421.57"))

		min, err := o.MinPrice("ETH")
		require.NoError(t, err)
		assert.Equal(t, scaled(t, "3421.57"), min)
	})

	t.Run("rejects non-positive quotes", func(t *testing.T) {
		o := New(nil)
		assert.Error(t, o.UpdateFromString("BTC", "0"))
		assert.Error(t, o.UpdateFromString("BTC", "-1"))
		assert.Error(t, o.UpdateFromString("BTC", "not a number"))
	})

	t.Run("unknown symbol", func(t *testing.T) {
		o := New(nil)
		_, err := o.MinPrice("DOGE")
		assert.Error(t, err)
	})

	t.Run("refuses stale quotes", func(t *testing.T) {
		now := time.Unix(1_700_000_000, 0)
		o := New(&Config{MaxStaleness: 30 * time.Second})
		o.SetClock(func() time.Time { return now })
		require.NoError(t, o.UpdateFromString("BTC", "50000"))

		_, err := o.MinPrice("BTC")
		require.NoError(t, err)

		now = now.Add(31 * time.Second)
		_, err = o.MinPrice("BTC")
		assert.Error(t, err)
	})
}

func TestUpdateFromJSON(t *testing.T) {
	o := New(&Config{})
	payload := []byte(`[
		{"symbol": "BTC", "price": "50000"},
		{"symbol": "ETH", "price": "bogus"},
		{"symbol": "USDC", "price": "1.0001"}
	]`)
	require.NoError(t, o.UpdateFromJSON(payload))

	_, err := o.MinPrice("BTC")
	assert.NoError(t, err)
	_, err = o.MinPrice("ETH")
	assert.Error(t, err, "bad tick must not register")
	_, err = o.MinPrice("USDC")
	assert.NoError(t, err)

	assert.Error(t, o.UpdateFromJSON([]byte("{")))
}
