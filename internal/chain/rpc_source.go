package chain

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/time/rate"

	"dexfeed/internal/domain"
	"dexfeed/internal/observability"
)

// RPCSourceOptions configures an RPCSource.
type RPCSourceOptions struct {
	Client RPCClient
	Pools  []string // pool addresses to filter logs by

	// RateLimit caps RPC calls per second. Zero means no limit.
	RateLimit float64

	// MaxRetries bounds transient-failure retries per call. Default: 5.
	MaxRetries int

	// RetryBackoff is the initial backoff, doubled per attempt. Default: 500ms.
	RetryBackoff time.Duration

	Logger *log.Logger
}

// RPCSource implements Source by polling a node RPC client, pacing calls with
// a rate limiter and retrying transient failures with exponential backoff.
type RPCSource struct {
	client       RPCClient
	pools        []string
	limiter      *rate.Limiter
	maxRetries   int
	retryBackoff time.Duration
	logger       *log.Logger
}

// Compile-time interface check.
var _ Source = (*RPCSource)(nil)

// NewRPCSource creates a rate-limited polling source.
func NewRPCSource(opts RPCSourceOptions) *RPCSource {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), 1)
	}

	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = 5
	}

	backoff := opts.RetryBackoff
	if backoff == 0 {
		backoff = 500 * time.Millisecond
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	return &RPCSource{
		client:       opts.Client,
		pools:        opts.Pools,
		limiter:      limiter,
		maxRetries:   maxRetries,
		retryBackoff: backoff,
		logger:       logger,
	}
}

// FetchLogs returns per-block logs with headers for [from, to].
func (s *RPCSource) FetchLogs(ctx context.Context, from, to int64) ([]domain.BlockLogs, error) {
	if from > to {
		return nil, fmt.Errorf("invalid block range [%d, %d]", from, to)
	}

	var logs []*domain.RawLog
	err := s.withRetry(ctx, "logs", func() error {
		var err error
		logs, err = s.client.Logs(ctx, from, to, s.pools)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch logs [%d, %d]: %w", from, to, err)
	}

	// Group logs by block; every block in range gets an entry so the reorg
	// detector sees the full header chain, including empty blocks.
	byBlock := make(map[int64][]*domain.RawLog)
	for _, l := range logs {
		byBlock[l.BlockNumber] = append(byBlock[l.BlockNumber], l)
	}

	batches := make([]domain.BlockLogs, 0, to-from+1)
	for n := from; n <= to; n++ {
		header, err := s.HeaderByNumber(ctx, n)
		if err != nil {
			return nil, err
		}
		for _, l := range byBlock[n] {
			if l.Timestamp == 0 {
				l.Timestamp = header.Timestamp
			}
			if l.BlockHash == "" {
				l.BlockHash = header.Hash
			}
		}
		batches = append(batches, domain.BlockLogs{Header: header, Logs: byBlock[n]})
	}

	return batches, nil
}

// Head returns the current chain tip header.
func (s *RPCSource) Head(ctx context.Context) (domain.BlockHeader, error) {
	var head int64
	err := s.withRetry(ctx, "head", func() error {
		var err error
		head, err = s.client.HeadNumber(ctx)
		return err
	})
	if err != nil {
		return domain.BlockHeader{}, fmt.Errorf("fetch head: %w", err)
	}
	return s.HeaderByNumber(ctx, head)
}

// HeaderByNumber returns the canonical header at a height.
func (s *RPCSource) HeaderByNumber(ctx context.Context, number int64) (domain.BlockHeader, error) {
	var header domain.BlockHeader
	err := s.withRetry(ctx, "header", func() error {
		var err error
		header, err = s.client.HeaderByNumber(ctx, number)
		return err
	})
	if err != nil {
		return domain.BlockHeader{}, fmt.Errorf("fetch header %d: %w", number, err)
	}
	return header, nil
}

// withRetry paces a call through the rate limiter and retries transient
// failures with exponential backoff. Context cancellation stops retrying.
func (s *RPCSource) withRetry(ctx context.Context, op string, call func() error) error {
	backoff := s.retryBackoff
	var lastErr error

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}

		started := time.Now()
		lastErr = call()
		observability.RecordRPCLatency(op, time.Since(started).Seconds())
		if lastErr == nil {
			return nil
		}

		if attempt < s.maxRetries-1 {
			s.logger.Printf("RPC %s failed (attempt %d/%d): %v, retrying in %v",
				op, attempt+1, s.maxRetries, lastErr, backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, s.maxRetries, lastErr)
}
