package normalize

import (
	"errors"
	"testing"

	"dexfeed/internal/domain"
	"dexfeed/internal/registry"
)

func newTestNormalizer(t *testing.T) *Normalizer {
	t.Helper()

	reg, err := registry.New([]domain.Pool{
		{PoolID: "pool-a", PairID: "WETH-USDC", BaseAsset: "WETH", QuoteAsset: "USDC", FeeTierBps: 30},
	})
	if err != nil {
		t.Fatal(err)
	}
	return New(reg)
}

func TestNormalizeSwap(t *testing.T) {
	n := newTestNormalizer(t)

	raw := &domain.RawLog{
		PoolID:      "pool-a",
		BlockNumber: 120,
		BlockHash:   "0xabc",
		LogIndex:    3,
		Timestamp:   1_700_000_000_000,
		Topic:       domain.TopicSwapBuy,
		Data:        "1850.25|0.5|925.125",
	}

	ev, err := n.Normalize(raw)
	if err != nil {
		t.Fatal(err)
	}

	if ev.PairID != "WETH-USDC" || ev.PoolID != "pool-a" {
		t.Errorf("identity = %s/%s", ev.PairID, ev.PoolID)
	}
	if ev.Price != 1850.25 || ev.BaseVolume != 0.5 || ev.QuoteVolume != 925.125 {
		t.Errorf("amounts = %v/%v/%v", ev.Price, ev.BaseVolume, ev.QuoteVolume)
	}
	if ev.BlockNumber != 120 || ev.LogIndex != 3 || ev.Timestamp != 1_700_000_000_000 {
		t.Errorf("provenance = %d/%d/%d", ev.BlockNumber, ev.LogIndex, ev.Timestamp)
	}
	if ev.Direction != domain.DirectionBuy {
		t.Errorf("direction = %s", ev.Direction)
	}
}

func TestNormalizeIsDeterministic(t *testing.T) {
	n := newTestNormalizer(t)

	raw := &domain.RawLog{
		PoolID:    "pool-a",
		Timestamp: 1000,
		Topic:     domain.TopicSwapSell,
		Data:      "10|1|10",
	}

	a, err := n.Normalize(raw)
	if err != nil {
		t.Fatal(err)
	}
	b, err := n.Normalize(raw)
	if err != nil {
		t.Fatal(err)
	}
	if *a != *b {
		t.Errorf("normalization not deterministic: %+v vs %+v", a, b)
	}
}

func TestNormalizeRejections(t *testing.T) {
	n := newTestNormalizer(t)

	cases := []struct {
		name string
		log  *domain.RawLog
		want error
	}{
		{"unknown pool", &domain.RawLog{PoolID: "nope", Topic: domain.TopicSwapBuy, Data: "10|1|10"}, ErrUnknownPool},
		{"unsupported topic", &domain.RawLog{PoolID: "pool-a", Topic: "liquidity.add", Data: "10|1|10"}, ErrUnsupportedTopic},
		{"wrong field count", &domain.RawLog{PoolID: "pool-a", Topic: domain.TopicSwapBuy, Data: "10|1"}, ErrMalformedPayload},
		{"bad number", &domain.RawLog{PoolID: "pool-a", Topic: domain.TopicSwapBuy, Data: "ten|1|10"}, ErrMalformedPayload},
		{"zero price", &domain.RawLog{PoolID: "pool-a", Topic: domain.TopicSwapBuy, Data: "0|1|10"}, ErrMalformedPayload},
		{"negative volume", &domain.RawLog{PoolID: "pool-a", Topic: domain.TopicSwapBuy, Data: "10|-1|10"}, ErrMalformedPayload},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := n.Normalize(tc.log)
			if !errors.Is(err, tc.want) {
				t.Errorf("err = %v, want %v", err, tc.want)
			}
		})
	}

	if got := n.Rejected(); got != int64(len(cases)) {
		t.Errorf("rejected = %d, want %d", got, len(cases))
	}
}
