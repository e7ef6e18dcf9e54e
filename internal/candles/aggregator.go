// Package candles aggregates ordered swap events into OHLCV candles for one
// base timeframe, with explicit invalidation ranges for reorg corrections.
package candles

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"dexfeed/internal/domain"
)

// ErrFinalizedBucket is returned when an event targets a bucket that was
// already finalized. Finalized candles are immutable.
var ErrFinalizedBucket = errors.New("event targets finalized bucket")

// eventID identifies a swap within a pool for replay deduplication.
type eventID struct {
	block    int64
	logIndex int
}

// bucket is one open or closed-but-not-finalized candle plus its constituent
// events. Events are retained only while the bucket can still be hit by a
// reorg, so memory stays bounded by the finality window.
type bucket struct {
	candle domain.Candle
	events []*domain.SwapEvent
	seen   map[eventID]struct{}
}

// Aggregator maintains per-(pool, bucket) OHLCV accumulators for a single
// base timeframe. It is owned by one ingestion task; concurrent readers use
// Snapshot, which copies under the lock.
type Aggregator struct {
	mu        sync.RWMutex
	timeframe domain.Timeframe

	// buckets[poolID][bucketStart] -> accumulator
	buckets map[string]map[int64]*bucket

	// revisions remembers the last revision handed out per candle, surviving
	// bucket deletion so a rebuilt bucket gets a higher revision.
	revisions map[string]map[int64]int

	// finalizedBucket is the newest finalized bucket start per pool; events
	// at or below it are rejected.
	finalizedBucket map[string]int64

	// onClose receives every candle transition to closed (idempotent:
	// a bucket reopened by a late event or a reorg is delivered again).
	onClose func(*domain.Candle)
}

// NewAggregator creates an aggregator for one base timeframe. onClose may be
// nil; it is invoked synchronously whenever a candle closes.
func NewAggregator(tf domain.Timeframe, onClose func(*domain.Candle)) *Aggregator {
	return &Aggregator{
		timeframe:       tf,
		buckets:         make(map[string]map[int64]*bucket),
		revisions:       make(map[string]map[int64]int),
		finalizedBucket: make(map[string]int64),
		onClose:         onClose,
	}
}

// Timeframe returns the base timeframe.
func (a *Aggregator) Timeframe() domain.Timeframe {
	return a.timeframe
}

// Ingest folds one swap event into its bucket. Events are delivered in
// (block, log index) order per chain; timestamps may still be out of order
// near the tip, so the bucket is always derived from the event timestamp, not
// from the most recent bucket. Replayed duplicates are ignored. Closing is
// triggered for every bucket older than the event's bucket.
func (a *Aggregator) Ingest(ev *domain.SwapEvent) error {
	a.mu.Lock()

	start := a.timeframe.Bucket(ev.Timestamp)

	if fin, ok := a.finalizedBucket[ev.PoolID]; ok && start <= fin {
		a.mu.Unlock()
		return fmt.Errorf("%w: pool %s bucket %d", ErrFinalizedBucket, ev.PoolID, start)
	}

	pool := a.buckets[ev.PoolID]
	if pool == nil {
		pool = make(map[int64]*bucket)
		a.buckets[ev.PoolID] = pool
	}

	b := pool[start]
	if b == nil {
		b = &bucket{
			candle: domain.Candle{
				PoolID:      ev.PoolID,
				PairID:      ev.PairID,
				Timeframe:   a.timeframe,
				BucketStart: start,
				Revision:    a.revision(ev.PoolID, start),
			},
			seen: make(map[eventID]struct{}),
		}
		pool[start] = b
	}

	id := eventID{block: ev.BlockNumber, logIndex: ev.LogIndex}
	if _, dup := b.seen[id]; dup {
		a.mu.Unlock()
		return nil // identical replay, idempotent
	}
	b.seen[id] = struct{}{}
	b.events = append(b.events, ev)

	applyEvent(&b.candle, ev)

	// A late event can land in an already-closed bucket; reopen it so the
	// corrected candle is delivered again.
	reopened := b.candle.Closed
	b.candle.Closed = false

	// Close every bucket strictly older than this event's bucket.
	closed := a.collectClosable(ev.PoolID, start)
	if reopened {
		closed = append(closed, b)
	}

	a.mu.Unlock()
	a.deliver(closed)
	return nil
}

// FlushStale closes buckets that have received no events within the grace
// period after their window ended. Used for quiet pools near the tip.
func (a *Aggregator) FlushStale(nowMs int64, grace int64) {
	a.mu.Lock()
	var toClose []*bucket
	for _, pool := range a.buckets {
		for start, b := range pool {
			if b.candle.Closed {
				continue
			}
			if start+a.timeframe.Millis()+grace <= nowMs {
				toClose = append(toClose, b)
			}
		}
	}
	a.mu.Unlock()
	a.deliver(toClose)
}

// CloseAll closes every open bucket. Used on graceful shutdown and at the end
// of a bounded backfill range.
func (a *Aggregator) CloseAll() {
	a.mu.Lock()
	var toClose []*bucket
	for _, pool := range a.buckets {
		for _, b := range pool {
			if !b.candle.Closed {
				toClose = append(toClose, b)
			}
		}
	}
	a.mu.Unlock()
	a.deliver(toClose)
}

// Invalidate discards the contribution of every event with block number >=
// fromBlock from all non-finalized candles. Buckets built purely from
// discarded blocks are dropped; partially affected buckets are rebuilt from
// their surviving events and reopened. Returns the affected pair-level keys
// for downstream correction notices.
func (a *Aggregator) Invalidate(fromBlock int64) []domain.CandleKey {
	a.mu.Lock()
	defer a.mu.Unlock()

	keySet := make(map[domain.CandleKey]struct{})

	for poolID, pool := range a.buckets {
		for start, b := range pool {
			if b.candle.LastBlock < fromBlock {
				continue
			}

			keySet[b.candle.Key()] = struct{}{}
			a.bumpRevision(poolID, start)

			var survivors []*domain.SwapEvent
			for _, ev := range b.events {
				if ev.BlockNumber < fromBlock {
					survivors = append(survivors, ev)
				}
			}

			if len(survivors) == 0 {
				delete(pool, start)
				continue
			}

			rebuilt := rebuildBucket(survivors, a.timeframe, a.revision(poolID, start))
			pool[start] = rebuilt
		}
	}

	keys := make([]domain.CandleKey, 0, len(keySet))
	for k := range keySet {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].PairID != keys[j].PairID {
			return keys[i].PairID < keys[j].PairID
		}
		return keys[i].BucketStart < keys[j].BucketStart
	})
	return keys
}

// Finalize marks closed candles whose constituent blocks are all at or below
// throughBlock as immutable and releases their retained events. Finalized
// candles can never be reopened.
func (a *Aggregator) Finalize(throughBlock int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for poolID, pool := range a.buckets {
		for start, b := range pool {
			if !b.candle.Closed || b.candle.LastBlock > throughBlock {
				continue
			}
			if fin, ok := a.finalizedBucket[poolID]; !ok || start > fin {
				a.finalizedBucket[poolID] = start
			}
			delete(pool, start)
			delete(a.revisions[poolID], start)
		}
	}
}

// Snapshot returns copies of all non-finalized candles for a pair, per pool,
// ordered by (pool, bucket start). Safe for concurrent use with ingestion.
func (a *Aggregator) Snapshot(pairID string) []*domain.Candle {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []*domain.Candle
	for _, pool := range a.buckets {
		for _, b := range pool {
			if b.candle.PairID == pairID {
				out = append(out, b.candle.Clone())
			}
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

// OpenCount returns the number of open buckets across all pools.
func (a *Aggregator) OpenCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()

	n := 0
	for _, pool := range a.buckets {
		for _, b := range pool {
			if !b.candle.Closed {
				n++
			}
		}
	}
	return n
}

// collectClosable gathers open buckets older than newest for one pool.
// Caller holds the lock.
func (a *Aggregator) collectClosable(poolID string, newest int64) []*bucket {
	var toClose []*bucket
	for start, b := range a.buckets[poolID] {
		if start < newest && !b.candle.Closed {
			toClose = append(toClose, b)
		}
	}
	return toClose
}

// deliver marks buckets closed and invokes the close callback outside the
// lock. Delivery order is by bucket start for determinism.
func (a *Aggregator) deliver(toClose []*bucket) {
	if len(toClose) == 0 {
		return
	}
	sort.Slice(toClose, func(i, j int) bool {
		if toClose[i].candle.PoolID != toClose[j].candle.PoolID {
			return toClose[i].candle.PoolID < toClose[j].candle.PoolID
		}
		return toClose[i].candle.BucketStart < toClose[j].candle.BucketStart
	})

	a.mu.Lock()
	copies := make([]*domain.Candle, 0, len(toClose))
	for _, b := range toClose {
		b.candle.Closed = true
		copies = append(copies, b.candle.Clone())
	}
	a.mu.Unlock()

	if a.onClose != nil {
		for _, c := range copies {
			a.onClose(c)
		}
	}
}

// revision returns the current revision for a candle key.
func (a *Aggregator) revision(poolID string, start int64) int {
	return a.revisions[poolID][start]
}

// bumpRevision increments the remembered revision for a candle key.
func (a *Aggregator) bumpRevision(poolID string, start int64) {
	pool := a.revisions[poolID]
	if pool == nil {
		pool = make(map[int64]int)
		a.revisions[poolID] = pool
	}
	pool[start]++
}

// applyEvent folds one event into a candle.
func applyEvent(c *domain.Candle, ev *domain.SwapEvent) {
	if c.TradeCount == 0 {
		c.Open = ev.Price
		c.High = ev.Price
		c.Low = ev.Price
		c.Close = ev.Price
		c.FirstBlock = ev.BlockNumber
		c.LastBlock = ev.BlockNumber
	} else {
		if ev.Price > c.High {
			c.High = ev.Price
		}
		if ev.Price < c.Low {
			c.Low = ev.Price
		}
		c.Close = ev.Price
		if ev.BlockNumber < c.FirstBlock {
			c.FirstBlock = ev.BlockNumber
		}
		if ev.BlockNumber > c.LastBlock {
			c.LastBlock = ev.BlockNumber
		}
	}
	c.Volume += ev.BaseVolume
	c.QuoteVolume += ev.QuoteVolume
	c.TradeCount++
}

// rebuildBucket reconstructs a bucket from surviving events in canonical
// (block, log index) order after a partial invalidation.
func rebuildBucket(events []*domain.SwapEvent, tf domain.Timeframe, revision int) *bucket {
	sort.Slice(events, func(i, j int) bool {
		if events[i].BlockNumber != events[j].BlockNumber {
			return events[i].BlockNumber < events[j].BlockNumber
		}
		return events[i].LogIndex < events[j].LogIndex
	})

	first := events[0]
	b := &bucket{
		candle: domain.Candle{
			PoolID:      first.PoolID,
			PairID:      first.PairID,
			Timeframe:   tf,
			BucketStart: tf.Bucket(first.Timestamp),
			Revision:    revision,
		},
		seen: make(map[eventID]struct{}, len(events)),
	}

	for _, ev := range events {
		b.seen[eventID{block: ev.BlockNumber, logIndex: ev.LogIndex}] = struct{}{}
		b.events = append(b.events, ev)
		applyEvent(&b.candle, ev)
	}

	return b
}
