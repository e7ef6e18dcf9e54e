package sink

import (
	"context"
	"sync"

	"dexfeed/internal/domain"
)

// poolKey identifies a pool-level candle row.
type poolKey struct {
	poolID      string
	timeframe   domain.Timeframe
	bucketStart int64
}

// Memory is an in-memory sink for tests and dry runs. It keeps the latest
// candle per (pool, timeframe, bucket) plus the full write and correction
// history.
type Memory struct {
	mu          sync.Mutex
	latest      map[poolKey]*domain.Candle
	writes      []*domain.Candle
	corrections [][]domain.CandleKey
}

// Compile-time interface check.
var _ Sink = (*Memory)(nil)

// NewMemory creates an empty in-memory sink.
func NewMemory() *Memory {
	return &Memory{latest: make(map[poolKey]*domain.Candle)}
}

// Write records a candle.
func (m *Memory) Write(_ context.Context, candle *domain.Candle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := candle.Clone()
	m.latest[poolKey{c.PoolID, c.Timeframe, c.BucketStart}] = c
	m.writes = append(m.writes, c)
	return nil
}

// Correct records a correction notice.
func (m *Memory) Correct(_ context.Context, keys []domain.CandleKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	batch := make([]domain.CandleKey, len(keys))
	copy(batch, keys)
	m.corrections = append(m.corrections, batch)
	return nil
}

// Latest returns the current candle for a pool-level key, or nil.
func (m *Memory) Latest(poolID string, tf domain.Timeframe, bucketStart int64) *domain.Candle {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.latest[poolKey{poolID, tf, bucketStart}]
	if !ok {
		return nil
	}
	return c.Clone()
}

// Writes returns all recorded writes in order.
func (m *Memory) Writes() []*domain.Candle {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*domain.Candle, len(m.writes))
	copy(out, m.writes)
	return out
}

// Corrections returns all recorded correction batches in order.
func (m *Memory) Corrections() [][]domain.CandleKey {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([][]domain.CandleKey, len(m.corrections))
	copy(out, m.corrections)
	return out
}
