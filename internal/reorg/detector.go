// Package reorg detects chain reorganizations by parent-hash verification and
// reconciles them by walking recorded hashes back to the common ancestor.
//
// Detection needs no extra RPC calls in the common case: every incoming block
// already carries its parent hash, which is compared against the last accepted
// hash. Only when a mismatch appears does the reconciler fetch headers to
// locate the fork point.
package reorg

import (
	"context"
	"errors"
	"fmt"
	"log"

	"dexfeed/internal/domain"
)

// Detector states per chain.
const (
	StateSynced         = "SYNCED"
	StateReorgSuspected = "REORG_SUSPECTED"
	StateReconciling    = "RECONCILING"
)

// Errors surfaced by the detector.
var (
	// ErrFinalityViolation means the chain diverged at or below the finalized
	// watermark. The finality assumption the whole model depends on is broken;
	// this is a configuration error and must halt the affected chain.
	ErrFinalityViolation = errors.New("reorg at or below finality depth")

	// ErrBlockGap means a header arrived that does not directly extend the
	// last accepted block.
	ErrBlockGap = errors.New("non-contiguous block")
)

// Invalidate signals that all state derived from blocks >= FromBlock must be
// discarded and rebuilt by replay.
type Invalidate struct {
	FromBlock    int64  // first block to discard (fork point + 1)
	ForkBlock    int64  // highest block both branches share
	OrphanedTip  int64  // top of the abandoned branch
	ExpectedHash string // hash previously recorded at the divergent height
	ActualHash   string // hash now observed at that height
}

// HashFetcher returns the canonical header at a height, used during fork-point
// search.
type HashFetcher func(ctx context.Context, number int64) (domain.BlockHeader, error)

// Detector tracks per-chain acceptance state and recent block hashes.
// It owns the ChainCursor; nothing else mutates it.
type Detector struct {
	chainID       string
	finalityDepth int64
	fetch         HashFetcher
	logger        *log.Logger

	cursor domain.ChainCursor
	recent map[int64]string // accepted hashes within the finality window
	state  string
	booted bool
}

// NewDetector creates a detector for one chain.
func NewDetector(chainID string, finalityDepth int64, fetch HashFetcher, logger *log.Logger) *Detector {
	if logger == nil {
		logger = log.Default()
	}
	return &Detector{
		chainID:       chainID,
		finalityDepth: finalityDepth,
		fetch:         fetch,
		logger:        logger,
		cursor:        domain.ChainCursor{ChainID: chainID, FinalizedBlock: -1},
		recent:        make(map[int64]string),
		state:         StateSynced,
	}
}

// Resume restores the detector from a persisted cursor. Recorded hashes above
// the cursor are unknown after resume, so the first reorg spanning the restart
// reconciles against the cursor block itself.
func (d *Detector) Resume(cursor domain.ChainCursor) {
	d.cursor = cursor
	d.recent = map[int64]string{cursor.LastBlockNumber: cursor.LastBlockHash}
	d.booted = true
	d.state = StateSynced
}

// State returns the current state machine state.
func (d *Detector) State() string {
	return d.state
}

// Cursor returns a copy of the chain cursor.
func (d *Detector) Cursor() domain.ChainCursor {
	return d.cursor
}

// Accept verifies one header against the cursor.
//
// Returns (nil, nil) when the header extends the accepted chain. Returns an
// Invalidate when a reorg above the finality depth was reconciled; the cursor
// is already rewound to the fork point and the caller must replay from
// Invalidate.FromBlock. Returns ErrFinalityViolation when the divergence
// reaches the finalized watermark.
func (d *Detector) Accept(ctx context.Context, header domain.BlockHeader) (*Invalidate, error) {
	// Bootstrap: first ever block is accepted unconditionally.
	if !d.booted {
		d.record(header)
		d.booted = true
		return nil, nil
	}

	switch {
	case header.Number == d.cursor.LastBlockNumber+1:
		if header.ParentHash == d.cursor.LastBlockHash {
			d.record(header)
			d.state = StateSynced
			return nil, nil
		}
		// Parent linkage broken: the previous block was replaced.
		d.state = StateReorgSuspected
		return d.reconcile(ctx, d.cursor.LastBlockNumber, d.cursor.LastBlockHash, header.ParentHash)

	case header.Number <= d.cursor.LastBlockNumber:
		// A height we already accepted, seen again.
		if recorded, ok := d.recent[header.Number]; ok && recorded == header.Hash {
			return nil, nil // duplicate delivery, idempotent
		}
		d.state = StateReorgSuspected
		expected := d.recent[header.Number]
		return d.reconcile(ctx, header.Number-1, expected, header.Hash)

	default:
		return nil, fmt.Errorf("%w: got %d, last accepted %d",
			ErrBlockGap, header.Number, d.cursor.LastBlockNumber)
	}
}

// reconcile walks backward from suspectTop until a recorded hash matches the
// canonical chain, then rewinds the cursor to that fork point.
func (d *Detector) reconcile(ctx context.Context, suspectTop int64, expectedHash, actualHash string) (*Invalidate, error) {
	d.state = StateReconciling
	d.logger.Printf("Reorg suspected on %s at block %d (expected %s, saw %s), reconciling...",
		d.chainID, suspectTop+1, expectedHash, actualHash)

	fork := int64(-1)
	for n := suspectTop; n > d.cursor.FinalizedBlock; n-- {
		recorded, ok := d.recent[n]
		if !ok {
			continue
		}
		canonical, err := d.fetch(ctx, n)
		if err != nil {
			d.state = StateReorgSuspected
			return nil, fmt.Errorf("fetch header %d during reconcile: %w", n, err)
		}
		if canonical.Hash == recorded {
			fork = n
			break
		}
	}

	if fork < 0 && d.cursor.FinalizedBlock >= 0 {
		// Divergence extends to the finalized watermark: check whether the
		// finalized block itself survived.
		canonical, err := d.fetch(ctx, d.cursor.FinalizedBlock)
		if err != nil {
			d.state = StateReorgSuspected
			return nil, fmt.Errorf("fetch finalized header %d: %w", d.cursor.FinalizedBlock, err)
		}
		if recorded, ok := d.recent[d.cursor.FinalizedBlock]; ok {
			if canonical.Hash != recorded {
				return nil, fmt.Errorf("%w: chain %s diverged below block %d",
					ErrFinalityViolation, d.chainID, d.cursor.FinalizedBlock)
			}
			fork = d.cursor.FinalizedBlock
		} else {
			// No hash recorded at the watermark (restart case). Finalized
			// blocks cannot reorg, so adopt the canonical hash and replay
			// everything above it.
			d.recent[d.cursor.FinalizedBlock] = canonical.Hash
			fork = d.cursor.FinalizedBlock
		}
	}

	if fork < 0 {
		return nil, fmt.Errorf("%w: chain %s diverged below block %d",
			ErrFinalityViolation, d.chainID, d.cursor.FinalizedBlock)
	}

	// Rewind: drop recorded hashes above the fork point.
	orphanedTip := d.cursor.LastBlockNumber
	for n := fork + 1; n <= orphanedTip; n++ {
		delete(d.recent, n)
	}
	d.cursor.LastBlockNumber = fork
	d.cursor.LastBlockHash = d.recent[fork]

	d.logger.Printf("Reorg on %s reconciled: fork point %d, invalidating from %d",
		d.chainID, fork, fork+1)

	return &Invalidate{
		FromBlock:    fork + 1,
		ForkBlock:    fork,
		OrphanedTip:  orphanedTip,
		ExpectedHash: expectedHash,
		ActualHash:   actualHash,
	}, nil
}

// record accepts a header: stores its hash, advances the cursor and the
// finalized watermark, and prunes hashes below the finality window.
func (d *Detector) record(header domain.BlockHeader) {
	d.recent[header.Number] = header.Hash
	d.cursor.LastBlockNumber = header.Number
	d.cursor.LastBlockHash = header.Hash

	if finalized := header.Number - d.finalityDepth; finalized > d.cursor.FinalizedBlock {
		d.cursor.FinalizedBlock = finalized
	}

	for n := range d.recent {
		if n < d.cursor.FinalizedBlock {
			delete(d.recent, n)
		}
	}
}
