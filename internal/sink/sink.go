// Package sink delivers closed and corrected candles to downstream datasets.
package sink

import (
	"context"

	"dexfeed/internal/domain"
)

// Sink receives candle updates and correction notices.
//
// Write delivers a candle snapshot; re-delivery of the same key with a higher
// revision supersedes earlier writes. Correct announces that the candles at
// the given keys were invalidated by a reorg and will be superseded; it is
// delivered before the replacement writes.
type Sink interface {
	Write(ctx context.Context, candle *domain.Candle) error
	Correct(ctx context.Context, keys []domain.CandleKey) error
}
