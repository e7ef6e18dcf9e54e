package registry

import (
	"errors"
	"fmt"
	"sort"

	"dexfeed/internal/domain"
)

// ErrUnknownPool is returned when a pool id has no registry entry.
var ErrUnknownPool = errors.New("unknown pool")

// Registry maps pool ids to pair metadata. Built once from configuration and
// read-only afterwards, so lookups need no locking.
type Registry struct {
	pools   map[string]*domain.Pool
	byPair  map[string][]*domain.Pool
	pairIDs []string
}

// New builds a registry from pool descriptors. Duplicate pool ids are rejected.
func New(pools []domain.Pool) (*Registry, error) {
	r := &Registry{
		pools:  make(map[string]*domain.Pool, len(pools)),
		byPair: make(map[string][]*domain.Pool),
	}

	for i := range pools {
		p := pools[i]
		if p.PoolID == "" || p.PairID == "" {
			return nil, fmt.Errorf("pool descriptor missing pool or pair id: %+v", p)
		}
		if _, exists := r.pools[p.PoolID]; exists {
			return nil, fmt.Errorf("duplicate pool id %s", p.PoolID)
		}
		r.pools[p.PoolID] = &p
		r.byPair[p.PairID] = append(r.byPair[p.PairID], &p)
	}

	for pair := range r.byPair {
		r.pairIDs = append(r.pairIDs, pair)
	}
	sort.Strings(r.pairIDs)

	return r, nil
}

// Pool returns the entry for a pool id. Returns ErrUnknownPool if not registered.
func (r *Registry) Pool(poolID string) (*domain.Pool, error) {
	p, ok := r.pools[poolID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPool, poolID)
	}
	return p, nil
}

// PoolsForPair returns all pools serving a pair, or nil if none.
func (r *Registry) PoolsForPair(pairID string) []*domain.Pool {
	return r.byPair[pairID]
}

// Pairs returns all registered pair ids, sorted.
func (r *Registry) Pairs() []string {
	return r.pairIDs
}

// PoolIDs returns all registered pool ids.
func (r *Registry) PoolIDs() []string {
	ids := make([]string, 0, len(r.pools))
	for id := range r.pools {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
