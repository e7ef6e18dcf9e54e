package sink

import (
	"context"
	"errors"

	"dexfeed/internal/domain"
)

// Multi fans every delivery out to all child sinks. Each child is attempted
// even when an earlier one fails; errors are joined.
type Multi struct {
	sinks []Sink
}

// Compile-time interface check.
var _ Sink = (*Multi)(nil)

// NewMulti creates a fan-out sink.
func NewMulti(sinks ...Sink) *Multi {
	return &Multi{sinks: sinks}
}

// Write delivers the candle to every child sink.
func (m *Multi) Write(ctx context.Context, candle *domain.Candle) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Write(ctx, candle); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Correct delivers the correction notice to every child sink.
func (m *Multi) Correct(ctx context.Context, keys []domain.CandleKey) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Correct(ctx, keys); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
