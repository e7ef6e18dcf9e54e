package postgres

import (
	"context"

	"dexfeed/internal/domain"
	"dexfeed/internal/storage"
)

// CursorStore is a PostgreSQL implementation of storage.CursorStore.
// One row per chain, updated in place.
type CursorStore struct {
	pool *Pool
}

// NewCursorStore creates a new PostgreSQL cursor store.
func NewCursorStore(pool *Pool) *CursorStore {
	return &CursorStore{pool: pool}
}

// Compile-time interface check.
var _ storage.CursorStore = (*CursorStore)(nil)

// Save upserts the cursor for its chain.
func (s *CursorStore) Save(ctx context.Context, cursor domain.ChainCursor) error {
	if cursor.ChainID == "" {
		return storage.ErrInvalidInput
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO chain_cursors (chain_id, last_block_number, last_block_hash, finalized_block, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (chain_id) DO UPDATE
		SET last_block_number = EXCLUDED.last_block_number,
		    last_block_hash = EXCLUDED.last_block_hash,
		    finalized_block = EXCLUDED.finalized_block,
		    updated_at = NOW()
	`, cursor.ChainID, cursor.LastBlockNumber, cursor.LastBlockHash, cursor.FinalizedBlock)

	return err
}

// Load returns the cursor for a chain, or ErrNotFound.
func (s *CursorStore) Load(ctx context.Context, chainID string) (domain.ChainCursor, error) {
	if chainID == "" {
		return domain.ChainCursor{}, storage.ErrInvalidInput
	}

	row := s.pool.QueryRow(ctx, `
		SELECT chain_id, last_block_number, last_block_hash, finalized_block
		FROM chain_cursors
		WHERE chain_id = $1
	`, chainID)

	var cursor domain.ChainCursor
	err := row.Scan(&cursor.ChainID, &cursor.LastBlockNumber, &cursor.LastBlockHash, &cursor.FinalizedBlock)
	if err != nil {
		if isNotFoundError(err) {
			return domain.ChainCursor{}, storage.ErrNotFound
		}
		return domain.ChainCursor{}, err
	}

	return cursor, nil
}
