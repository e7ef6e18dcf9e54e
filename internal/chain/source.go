package chain

import (
	"context"

	"dexfeed/internal/domain"
)

// Source provides ordered raw logs and chain head information. The feed core
// treats this as a capability the surrounding system supplies; transport is
// not specified here.
type Source interface {
	// FetchLogs returns logs for blocks in [from, to] (inclusive), one entry
	// per block in ascending block order, logs ordered by LogIndex. Each entry
	// carries the block header for parent-linkage verification.
	FetchLogs(ctx context.Context, from, to int64) ([]domain.BlockLogs, error)

	// Head returns the current chain tip header.
	Head(ctx context.Context) (domain.BlockHeader, error)

	// HeaderByNumber returns the canonical header at a height. Used by the
	// reorg reconciler to locate the fork point.
	HeaderByNumber(ctx context.Context, number int64) (domain.BlockHeader, error)
}

// RPCClient is the minimal node RPC surface RPCSource needs.
type RPCClient interface {
	// HeadNumber returns the latest block number.
	HeadNumber(ctx context.Context) (int64, error)

	// HeaderByNumber returns the header at a height.
	HeaderByNumber(ctx context.Context, number int64) (domain.BlockHeader, error)

	// Logs returns raw logs emitted by the given pools in [from, to],
	// ordered by (block number, log index) ascending.
	Logs(ctx context.Context, from, to int64, pools []string) ([]*domain.RawLog, error)
}
