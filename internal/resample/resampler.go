// Package resample derives higher-timeframe candles from closed base
// candles. Derived candles are recomputed from their retained constituents,
// so corrected base candles and reorg invalidations propagate exactly.
package resample

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"dexfeed/internal/domain"
)

// ErrBadTarget is returned when a target timeframe is not a whole multiple of
// the base timeframe.
var ErrBadTarget = errors.New("target timeframe not a multiple of base")

// derivedBucket accumulates the base candles that make up one derived candle.
// Constituents are keyed by base bucket start so a corrected base candle
// replaces its previous version.
type derivedBucket struct {
	pairID       string
	constituents map[int64]*domain.Candle
	closed       bool
	revision     int
}

// Resampler folds closed base-timeframe candles into one or more higher
// timeframes per pool. Only closed base candles are accepted; open candles
// never leak into derived series.
type Resampler struct {
	mu      sync.Mutex
	base    domain.Timeframe
	targets []domain.Timeframe

	// buckets[timeframe][poolID][derivedStart]
	buckets map[domain.Timeframe]map[string]map[int64]*derivedBucket

	onClose func(*domain.Candle)
}

// New creates a resampler from base into targets. Every target must be a
// whole multiple of base.
func New(base domain.Timeframe, targets []domain.Timeframe, onClose func(*domain.Candle)) (*Resampler, error) {
	buckets := make(map[domain.Timeframe]map[string]map[int64]*derivedBucket, len(targets))
	for _, tf := range targets {
		if tf.Millis() <= base.Millis() || tf.Millis()%base.Millis() != 0 {
			return nil, fmt.Errorf("%w: %s from %s", ErrBadTarget, tf, base)
		}
		buckets[tf] = make(map[string]map[int64]*derivedBucket)
	}
	return &Resampler{
		base:    base,
		targets: targets,
		buckets: buckets,
		onClose: onClose,
	}, nil
}

// Targets returns the derived timeframes.
func (r *Resampler) Targets() []domain.Timeframe {
	return r.targets
}

// Fold incorporates one closed base candle into every target timeframe.
// Re-delivery of a corrected base candle replaces its earlier contribution
// and re-emits any derived candle that was already closed.
func (r *Resampler) Fold(base *domain.Candle) error {
	if base.Timeframe != r.base {
		return fmt.Errorf("fold: candle timeframe %s, want %s", base.Timeframe, r.base)
	}
	if !base.Closed {
		return fmt.Errorf("fold: candle %s is still open", base.Key())
	}

	r.mu.Lock()
	var reemit []*domain.Candle

	for _, tf := range r.targets {
		start := tf.Bucket(base.BucketStart)

		pool := r.buckets[tf][base.PoolID]
		if pool == nil {
			pool = make(map[int64]*derivedBucket)
			r.buckets[tf][base.PoolID] = pool
		}

		b := pool[start]
		if b == nil {
			b = &derivedBucket{
				pairID:       base.PairID,
				constituents: make(map[int64]*domain.Candle),
			}
			pool[start] = b
		}

		b.constituents[base.BucketStart] = base.Clone()

		if b.closed {
			// Correction after close: recompute and deliver again.
			b.revision++
			reemit = append(reemit, r.compute(tf, base.PoolID, start, b, true))
			continue
		}

		// Close every derived bucket strictly older than this one.
		for s, prev := range pool {
			if s < start && !prev.closed {
				prev.closed = true
				reemit = append(reemit, r.compute(tf, base.PoolID, s, prev, true))
			}
		}
	}

	r.mu.Unlock()
	r.emit(reemit)
	return nil
}

// FlushStale closes derived buckets whose window plus grace has fully
// elapsed. Used alongside the base aggregator's stale flush for quiet pools.
func (r *Resampler) FlushStale(nowMs int64, grace int64) {
	r.mu.Lock()
	var out []*domain.Candle
	for _, tf := range r.targets {
		for poolID, pool := range r.buckets[tf] {
			for start, b := range pool {
				if b.closed {
					continue
				}
				if start+tf.Millis()+grace <= nowMs {
					b.closed = true
					out = append(out, r.compute(tf, poolID, start, b, true))
				}
			}
		}
	}
	r.mu.Unlock()
	r.emit(out)
}

// CloseAll closes every open derived bucket.
func (r *Resampler) CloseAll() {
	r.mu.Lock()
	var out []*domain.Candle
	for _, tf := range r.targets {
		for poolID, pool := range r.buckets[tf] {
			for start, b := range pool {
				if !b.closed {
					b.closed = true
					out = append(out, r.compute(tf, poolID, start, b, true))
				}
			}
		}
	}
	r.mu.Unlock()
	r.emit(out)
}

// Invalidate discards every constituent built from blocks >= fromBlock and
// reopens affected derived buckets. Returns the affected pair-level derived
// keys; the corrected base candles re-delivered after replay rebuild them.
func (r *Resampler) Invalidate(fromBlock int64) []domain.CandleKey {
	r.mu.Lock()
	defer r.mu.Unlock()

	keySet := make(map[domain.CandleKey]struct{})

	for _, tf := range r.targets {
		for _, pool := range r.buckets[tf] {
			for start, b := range pool {
				touched := false
				for baseStart, c := range b.constituents {
					if c.LastBlock >= fromBlock {
						delete(b.constituents, baseStart)
						touched = true
					}
				}
				if !touched {
					continue
				}

				keySet[domain.CandleKey{PairID: b.pairID, Timeframe: tf, BucketStart: start}] = struct{}{}
				b.revision++
				b.closed = false
				if len(b.constituents) == 0 {
					// Revision survives in keySet consumers; the bucket itself
					// is rebuilt from scratch when replay re-folds candles.
					delete(pool, start)
				}
			}
		}
	}

	keys := make([]domain.CandleKey, 0, len(keySet))
	for k := range keySet {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Timeframe != keys[j].Timeframe {
			return keys[i].Timeframe < keys[j].Timeframe
		}
		return keys[i].BucketStart < keys[j].BucketStart
	})
	return keys
}

// Finalize releases closed derived buckets whose constituents are all at or
// below throughBlock. Finalized derived candles can no longer be corrected.
func (r *Resampler) Finalize(throughBlock int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, tf := range r.targets {
		for _, pool := range r.buckets[tf] {
			for start, b := range pool {
				if !b.closed {
					continue
				}
				final := true
				for _, c := range b.constituents {
					if c.LastBlock > throughBlock {
						final = false
						break
					}
				}
				if final {
					delete(pool, start)
				}
			}
		}
	}
}

// Snapshot returns copies of current derived candles for one pair and target
// timeframe, ordered by (pool, bucket start).
func (r *Resampler) Snapshot(pairID string, tf domain.Timeframe) []*domain.Candle {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*domain.Candle
	for poolID, pool := range r.buckets[tf] {
		for start, b := range pool {
			if b.pairID != pairID || len(b.constituents) == 0 {
				continue
			}
			out = append(out, r.compute(tf, poolID, start, b, b.closed))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PoolID != out[j].PoolID {
			return out[i].PoolID < out[j].PoolID
		}
		return out[i].BucketStart < out[j].BucketStart
	})
	return out
}

// compute rebuilds a derived candle from its constituents in base-bucket
// order. Caller holds the lock.
func (r *Resampler) compute(tf domain.Timeframe, poolID string, start int64, b *derivedBucket, closed bool) *domain.Candle {
	starts := make([]int64, 0, len(b.constituents))
	for s := range b.constituents {
		starts = append(starts, s)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	out := &domain.Candle{
		PoolID:      poolID,
		PairID:      b.pairID,
		Timeframe:   tf,
		BucketStart: start,
		Revision:    b.revision,
		Closed:      closed,
	}

	for i, s := range starts {
		c := b.constituents[s]
		if i == 0 {
			out.Open = c.Open
			out.High = c.High
			out.Low = c.Low
			out.FirstBlock = c.FirstBlock
			out.LastBlock = c.LastBlock
		} else {
			if c.High > out.High {
				out.High = c.High
			}
			if c.Low < out.Low {
				out.Low = c.Low
			}
			if c.FirstBlock < out.FirstBlock {
				out.FirstBlock = c.FirstBlock
			}
			if c.LastBlock > out.LastBlock {
				out.LastBlock = c.LastBlock
			}
		}
		out.Close = c.Close
		out.Volume += c.Volume
		out.QuoteVolume += c.QuoteVolume
		out.TradeCount += c.TradeCount
	}

	return out
}

// emit delivers derived candles outside the lock, ordered for determinism.
func (r *Resampler) emit(out []*domain.Candle) {
	if r.onClose == nil || len(out) == 0 {
		return
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timeframe != out[j].Timeframe {
			return out[i].Timeframe < out[j].Timeframe
		}
		if out[i].PoolID != out[j].PoolID {
			return out[i].PoolID < out[j].PoolID
		}
		return out[i].BucketStart < out[j].BucketStart
	})
	for _, c := range out {
		r.onClose(c)
	}
}
