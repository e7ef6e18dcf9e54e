// Package stub provides a scripted in-memory chain source for tests.
package stub

import (
	"context"
	"fmt"
	"sync"

	"dexfeed/internal/chain"
	"dexfeed/internal/domain"
)

// Source is an in-memory chain.Source whose canonical chain can be extended
// and reorganized by tests.
type Source struct {
	mu     sync.Mutex
	blocks map[int64]domain.BlockLogs
	head   int64
}

// Compile-time interface check.
var _ chain.Source = (*Source)(nil)

// NewSource creates an empty scripted chain.
func NewSource() *Source {
	return &Source{blocks: make(map[int64]domain.BlockLogs)}
}

// Append adds a block at head+1, linking its parent hash automatically.
// Returns the new header.
func (s *Source) Append(hash string, tsMs int64, logs []*domain.RawLog) domain.BlockHeader {
	s.mu.Lock()
	defer s.mu.Unlock()

	number := s.head + 1
	if len(s.blocks) == 0 {
		number = 0
	}

	parentHash := ""
	if prev, ok := s.blocks[number-1]; ok {
		parentHash = prev.Header.Hash
	}

	header := domain.BlockHeader{
		Number:     number,
		Hash:       hash,
		ParentHash: parentHash,
		Timestamp:  tsMs,
	}

	for _, l := range logs {
		l.BlockNumber = number
		l.BlockHash = hash
		l.Timestamp = tsMs
	}

	s.blocks[number] = domain.BlockLogs{Header: header, Logs: logs}
	s.head = number
	return header
}

// Reorg replaces the canonical chain from fromBlock onward with a new branch.
// Each replacement block must carry a distinct hash; parent hashes are linked
// to the surviving prefix automatically.
func (s *Source) Reorg(fromBlock int64, branch []domain.BlockLogs) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for n := fromBlock; n <= s.head; n++ {
		delete(s.blocks, n)
	}

	parentHash := ""
	if prev, ok := s.blocks[fromBlock-1]; ok {
		parentHash = prev.Header.Hash
	}

	number := fromBlock
	for _, b := range branch {
		b.Header.Number = number
		b.Header.ParentHash = parentHash
		for _, l := range b.Logs {
			l.BlockNumber = number
			l.BlockHash = b.Header.Hash
			l.Timestamp = b.Header.Timestamp
		}
		s.blocks[number] = b
		parentHash = b.Header.Hash
		number++
	}

	s.head = number - 1
}

// FetchLogs returns blocks [from, to] in ascending order.
func (s *Source) FetchLogs(_ context.Context, from, to int64) ([]domain.BlockLogs, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if from > to {
		return nil, fmt.Errorf("invalid block range [%d, %d]", from, to)
	}

	var batches []domain.BlockLogs
	for n := from; n <= to; n++ {
		b, ok := s.blocks[n]
		if !ok {
			return nil, fmt.Errorf("block %d not available", n)
		}
		batches = append(batches, b)
	}
	return batches, nil
}

// Head returns the current tip header.
func (s *Source) Head(_ context.Context) (domain.BlockHeader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.blocks[s.head]
	if !ok {
		return domain.BlockHeader{}, fmt.Errorf("empty chain")
	}
	return b.Header, nil
}

// HeaderByNumber returns the canonical header at a height.
func (s *Source) HeaderByNumber(_ context.Context, number int64) (domain.BlockHeader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.blocks[number]
	if !ok {
		return domain.BlockHeader{}, fmt.Errorf("block %d not available", number)
	}
	return b.Header, nil
}

// HeadNumber returns the current tip height.
func (s *Source) HeadNumber(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head, nil
}
