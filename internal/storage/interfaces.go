// Package storage defines persistence interfaces for ingestion checkpoints.
package storage

import (
	"context"

	"dexfeed/internal/domain"
)

// CursorStore persists per-chain ingestion cursors so a restarted feed
// resumes from its last accepted block instead of re-ingesting history.
type CursorStore interface {
	// Save upserts the cursor for cursor.ChainID.
	Save(ctx context.Context, cursor domain.ChainCursor) error

	// Load returns the cursor for a chain, or ErrNotFound.
	Load(ctx context.Context, chainID string) (domain.ChainCursor, error)
}
