package resample

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dexfeed/internal/domain"
)

func baseCandle(minute int64, open, high, low, close, volume float64, trades int, lastBlock int64) *domain.Candle {
	return &domain.Candle{
		PoolID:      "pool-a",
		PairID:      "WETH-USDC",
		Timeframe:   domain.Timeframe1m,
		BucketStart: minute * 60_000,
		Open:        open,
		High:        high,
		Low:         low,
		Close:       close,
		Volume:      volume,
		QuoteVolume: volume * close,
		TradeCount:  trades,
		FirstBlock:  lastBlock,
		LastBlock:   lastBlock,
		Closed:      true,
	}
}

func TestResamplerFoldsFiveMinutes(t *testing.T) {
	var closed []*domain.Candle
	r, err := New(domain.Timeframe1m, []domain.Timeframe{domain.Timeframe5m}, func(c *domain.Candle) {
		closed = append(closed, c)
	})
	require.NoError(t, err)

	require.NoError(t, r.Fold(baseCandle(0, 10, 12, 9, 11, 1, 2, 100)))
	require.NoError(t, r.Fold(baseCandle(2, 11, 14, 11, 13, 2, 3, 110)))
	require.NoError(t, r.Fold(baseCandle(4, 13, 13, 8, 9, 1, 1, 120)))
	assert.Empty(t, closed, "5m bucket still open")

	// Minute 5 starts the next 5m bucket and closes the first.
	require.NoError(t, r.Fold(baseCandle(5, 9, 10, 9, 10, 1, 1, 130)))
	require.Len(t, closed, 1)

	c := closed[0]
	assert.Equal(t, domain.Timeframe5m, c.Timeframe)
	assert.Equal(t, int64(0), c.BucketStart)
	assert.Equal(t, 10.0, c.Open)
	assert.Equal(t, 14.0, c.High)
	assert.Equal(t, 8.0, c.Low)
	assert.Equal(t, 9.0, c.Close)
	assert.Equal(t, 4.0, c.Volume)
	assert.Equal(t, 6, c.TradeCount)
	assert.True(t, c.Closed)
}

func TestResamplerMatchesDirectRecompute(t *testing.T) {
	// Folding incrementally must equal aggregating the same events directly
	// at the higher timeframe.
	bases := []*domain.Candle{
		baseCandle(0, 10, 12, 9, 11, 1, 2, 100),
		baseCandle(1, 11, 11, 10, 10, 2, 2, 105),
		baseCandle(3, 10, 15, 10, 14, 1, 1, 112),
	}

	var derived []*domain.Candle
	r, err := New(domain.Timeframe1m, []domain.Timeframe{domain.Timeframe5m}, func(c *domain.Candle) {
		derived = append(derived, c)
	})
	require.NoError(t, err)
	for _, b := range bases {
		require.NoError(t, r.Fold(b))
	}
	r.CloseAll()

	require.Len(t, derived, 1)
	c := derived[0]
	assert.Equal(t, bases[0].Open, c.Open)
	assert.Equal(t, 15.0, c.High)
	assert.Equal(t, 9.0, c.Low)
	assert.Equal(t, bases[2].Close, c.Close)
	assert.Equal(t, 4.0, c.Volume)
	assert.Equal(t, 5, c.TradeCount)
	assert.Equal(t, int64(100), c.FirstBlock)
	assert.Equal(t, int64(112), c.LastBlock)
}

func TestResamplerRejectsOpenCandles(t *testing.T) {
	r, err := New(domain.Timeframe1m, []domain.Timeframe{domain.Timeframe5m}, nil)
	require.NoError(t, err)

	open := baseCandle(0, 10, 12, 9, 11, 1, 2, 100)
	open.Closed = false
	require.Error(t, r.Fold(open))

	wrongTF := baseCandle(0, 10, 12, 9, 11, 1, 2, 100)
	wrongTF.Timeframe = domain.Timeframe5m
	require.Error(t, r.Fold(wrongTF))
}

func TestResamplerRejectsBadTargets(t *testing.T) {
	_, err := New(domain.Timeframe5m, []domain.Timeframe{domain.Timeframe1m}, nil)
	require.ErrorIs(t, err, ErrBadTarget)
}

func TestResamplerCorrectionReemits(t *testing.T) {
	var closed []*domain.Candle
	r, err := New(domain.Timeframe1m, []domain.Timeframe{domain.Timeframe5m}, func(c *domain.Candle) {
		closed = append(closed, c)
	})
	require.NoError(t, err)

	require.NoError(t, r.Fold(baseCandle(0, 10, 12, 9, 11, 1, 2, 100)))
	require.NoError(t, r.Fold(baseCandle(5, 11, 11, 11, 11, 1, 1, 130)))
	require.Len(t, closed, 1)

	// Corrected minute 0 arrives after the 5m candle closed.
	require.NoError(t, r.Fold(baseCandle(0, 10, 16, 9, 12, 2, 3, 100)))
	require.Len(t, closed, 2)
	assert.Equal(t, 16.0, closed[1].High)
	assert.Equal(t, 1, closed[1].Revision)
	assert.True(t, closed[1].Closed)
}

func TestResamplerInvalidatePropagates(t *testing.T) {
	r, err := New(domain.Timeframe1m, []domain.Timeframe{domain.Timeframe5m, domain.Timeframe15m}, nil)
	require.NoError(t, err)

	require.NoError(t, r.Fold(baseCandle(0, 10, 12, 9, 11, 1, 2, 100)))
	require.NoError(t, r.Fold(baseCandle(1, 11, 11, 10, 10, 2, 2, 105)))

	keys := r.Invalidate(105)
	require.Len(t, keys, 2, "one derived key per target timeframe")
	assert.Equal(t, domain.Timeframe5m, keys[0].Timeframe)
	assert.Equal(t, domain.Timeframe15m, keys[1].Timeframe)

	// The surviving constituent keeps the derived bucket alive.
	snap := r.Snapshot("WETH-USDC", domain.Timeframe5m)
	require.Len(t, snap, 1)
	assert.Equal(t, 2, snap[0].TradeCount)
	assert.Equal(t, 1, snap[0].Revision)

	// Invalidating the rest drops the bucket entirely.
	keys = r.Invalidate(100)
	require.Len(t, keys, 2)
	assert.Empty(t, r.Snapshot("WETH-USDC", domain.Timeframe5m))
}
