package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dexfeed/internal/domain"
	"dexfeed/internal/storage"
)

func TestCursorStoreSaveLoad(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewCursorStore(pool)
	ctx := context.Background()

	cursor := domain.ChainCursor{
		ChainID:         "eth-mainnet",
		LastBlockNumber: 120,
		LastBlockHash:   "0xabc",
		FinalizedBlock:  108,
	}
	require.NoError(t, store.Save(ctx, cursor))

	got, err := store.Load(ctx, "eth-mainnet")
	require.NoError(t, err)
	assert.Equal(t, cursor, got)

	// Upsert replaces the row.
	cursor.LastBlockNumber = 125
	cursor.LastBlockHash = "0xdef"
	require.NoError(t, store.Save(ctx, cursor))

	got, err = store.Load(ctx, "eth-mainnet")
	require.NoError(t, err)
	assert.Equal(t, int64(125), got.LastBlockNumber)
	assert.Equal(t, "0xdef", got.LastBlockHash)
}

func TestCursorStoreLoadMissing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewCursorStore(pool)

	_, err := store.Load(context.Background(), "unknown-chain")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCursorStoreInvalidInput(t *testing.T) {
	store := NewCursorStore(nil)

	err := store.Save(context.Background(), domain.ChainCursor{})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	_, err = store.Load(context.Background(), "")
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}
