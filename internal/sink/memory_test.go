package sink

import (
	"context"
	"testing"

	"dexfeed/internal/domain"
)

func TestMemorySinkKeepsLatest(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	c := &domain.Candle{
		PoolID:      "pool-a",
		PairID:      "WETH-USDC",
		Timeframe:   domain.Timeframe1m,
		BucketStart: 0,
		Open:        10, High: 10, Low: 10, Close: 10,
		TradeCount: 1,
	}
	if err := m.Write(ctx, c); err != nil {
		t.Fatal(err)
	}

	updated := c.Clone()
	updated.Close = 12
	updated.High = 12
	updated.TradeCount = 2
	if err := m.Write(ctx, updated); err != nil {
		t.Fatal(err)
	}

	got := m.Latest("pool-a", domain.Timeframe1m, 0)
	if got == nil || got.TradeCount != 2 || got.Close != 12 {
		t.Fatalf("latest = %+v, want superseding write", got)
	}
	if len(m.Writes()) != 2 {
		t.Fatalf("writes = %d, want 2", len(m.Writes()))
	}
}

func TestMemorySinkRecordsCorrections(t *testing.T) {
	m := NewMemory()

	keys := []domain.CandleKey{
		{PairID: "WETH-USDC", Timeframe: domain.Timeframe1m, BucketStart: 0},
		{PairID: "WETH-USDC", Timeframe: domain.Timeframe5m, BucketStart: 0},
	}
	if err := m.Correct(context.Background(), keys); err != nil {
		t.Fatal(err)
	}

	got := m.Corrections()
	if len(got) != 1 || len(got[0]) != 2 {
		t.Fatalf("corrections = %+v, want one batch of two keys", got)
	}
}

func TestMultiFansOut(t *testing.T) {
	a := NewMemory()
	b := NewMemory()
	multi := NewMulti(a, b)

	c := &domain.Candle{PoolID: "pool-a", PairID: "WETH-USDC", Timeframe: domain.Timeframe1m, TradeCount: 1}
	if err := multi.Write(context.Background(), c); err != nil {
		t.Fatal(err)
	}

	if len(a.Writes()) != 1 || len(b.Writes()) != 1 {
		t.Fatalf("writes = %d/%d, want 1/1", len(a.Writes()), len(b.Writes()))
	}
}
