package normalize

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"dexfeed/internal/domain"
	"dexfeed/internal/registry"
)

// Rejection reasons. A rejected log is counted and skipped, never fatal.
var (
	ErrUnknownPool      = errors.New("log from unregistered pool")
	ErrUnsupportedTopic = errors.New("unsupported log topic")
	ErrMalformedPayload = errors.New("malformed swap payload")
)

// Normalizer converts raw on-chain logs into canonical SwapEvents.
// Normalization is deterministic and side-effect free: the same raw log always
// produces an identical SwapEvent, which reorg replay depends on.
type Normalizer struct {
	registry *registry.Registry
	rejected atomic.Int64
}

// New creates a normalizer over a pool registry.
func New(reg *registry.Registry) *Normalizer {
	return &Normalizer{registry: reg}
}

// Normalize decodes one raw log into a SwapEvent. Returns a rejection error
// (wrapped ErrUnknownPool, ErrUnsupportedTopic or ErrMalformedPayload) if the
// log cannot be decoded as a swap.
func (n *Normalizer) Normalize(log *domain.RawLog) (*domain.SwapEvent, error) {
	pool, err := n.registry.Pool(log.PoolID)
	if err != nil {
		n.rejected.Add(1)
		return nil, fmt.Errorf("%w: %s", ErrUnknownPool, log.PoolID)
	}

	var direction string
	switch log.Topic {
	case domain.TopicSwapBuy:
		direction = domain.DirectionBuy
	case domain.TopicSwapSell:
		direction = domain.DirectionSell
	default:
		n.rejected.Add(1)
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedTopic, log.Topic)
	}

	price, baseVol, quoteVol, err := parseSwapPayload(log.Data)
	if err != nil {
		n.rejected.Add(1)
		return nil, err
	}

	return &domain.SwapEvent{
		PoolID:      pool.PoolID,
		PairID:      pool.PairID,
		BlockNumber: log.BlockNumber,
		LogIndex:    log.LogIndex,
		Timestamp:   log.Timestamp,
		Price:       price,
		BaseVolume:  baseVol,
		QuoteVolume: quoteVol,
		Direction:   direction,
	}, nil
}

// Rejected returns the number of logs rejected since construction.
func (n *Normalizer) Rejected() int64 {
	return n.rejected.Load()
}

// parseSwapPayload decodes "price|baseVolume|quoteVolume" decimal fields.
func parseSwapPayload(data string) (price, baseVol, quoteVol float64, err error) {
	parts := strings.Split(data, "|")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("%w: expected 3 fields, got %d", ErrMalformedPayload, len(parts))
	}

	price, err = strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("%w: price %q", ErrMalformedPayload, parts[0])
	}
	baseVol, err = strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("%w: base volume %q", ErrMalformedPayload, parts[1])
	}
	quoteVol, err = strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("%w: quote volume %q", ErrMalformedPayload, parts[2])
	}

	if price <= 0 || baseVol < 0 || quoteVol < 0 {
		return 0, 0, 0, fmt.Errorf("%w: non-positive price or negative volume", ErrMalformedPayload)
	}

	return price, baseVol, quoteVol, nil
}
