package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"dexfeed/internal/domain"
)

// candleMessage is the JSON shape published for candle updates.
type candleMessage struct {
	PoolID      string  `json:"pool_id"`
	PairID      string  `json:"pair_id"`
	Timeframe   string  `json:"timeframe"`
	BucketStart int64   `json:"bucket_start"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	Volume      float64 `json:"volume"`
	QuoteVolume float64 `json:"quote_volume"`
	TradeCount  int     `json:"trade_count"`
	Closed      bool    `json:"closed"`
	Revision    int     `json:"revision"`
}

// correctionMessage is the JSON shape published for correction notices.
type correctionMessage struct {
	PairID      string `json:"pair_id"`
	Timeframe   string `json:"timeframe"`
	BucketStart int64  `json:"bucket_start"`
}

// RedisPublisher fans candle updates out over Redis pub/sub for live
// subscribers such as chart frontends.
//
// Channels:
//
//	candles:all
//	candles:<pair>:<timeframe>
//	corrections:<pair>
type RedisPublisher struct {
	client *redis.Client
}

// Compile-time interface check.
var _ Sink = (*RedisPublisher)(nil)

// NewRedisPublisher connects to Redis at addr.
func NewRedisPublisher(addr string) *RedisPublisher {
	return &RedisPublisher{
		client: redis.NewClient(&redis.Options{
			Addr: addr,
			DB:   0,
		}),
	}
}

// Close releases the Redis client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// Write publishes a candle update to the global and pair channels.
func (p *RedisPublisher) Write(ctx context.Context, candle *domain.Candle) error {
	data, err := json.Marshal(candleMessage{
		PoolID:      candle.PoolID,
		PairID:      candle.PairID,
		Timeframe:   candle.Timeframe.String(),
		BucketStart: candle.BucketStart,
		Open:        candle.Open,
		High:        candle.High,
		Low:         candle.Low,
		Close:       candle.Close,
		Volume:      candle.Volume,
		QuoteVolume: candle.QuoteVolume,
		TradeCount:  candle.TradeCount,
		Closed:      candle.Closed,
		Revision:    candle.Revision,
	})
	if err != nil {
		return fmt.Errorf("marshal candle: %w", err)
	}

	channels := []string{
		"candles:all",
		fmt.Sprintf("candles:%s:%s", candle.PairID, candle.Timeframe),
	}

	pipe := p.client.Pipeline()
	for _, channel := range channels {
		pipe.Publish(ctx, channel, data)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish candle: %w", err)
	}
	return nil
}

// Correct publishes a correction notice per invalidated key.
func (p *RedisPublisher) Correct(ctx context.Context, keys []domain.CandleKey) error {
	if len(keys) == 0 {
		return nil
	}

	pipe := p.client.Pipeline()
	for _, k := range keys {
		data, err := json.Marshal(correctionMessage{
			PairID:      k.PairID,
			Timeframe:   k.Timeframe.String(),
			BucketStart: k.BucketStart,
		})
		if err != nil {
			return fmt.Errorf("marshal correction: %w", err)
		}
		pipe.Publish(ctx, fmt.Sprintf("corrections:%s", k.PairID), data)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish corrections: %w", err)
	}
	return nil
}
