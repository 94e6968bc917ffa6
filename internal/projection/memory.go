package projection

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

type recordKey struct {
	buyer    uuid.UUID
	policyID uuid.UUID
}

// MemoryStore is an in-process read model for deployments without Postgres.
type MemoryStore struct {
	mu       sync.RWMutex
	pool     PoolRow
	policies map[uuid.UUID]PolicyRow
	records  map[recordKey]RecordRow
	lastSeq  int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		policies: make(map[uuid.UUID]PolicyRow),
		records:  make(map[recordKey]RecordRow),
		lastSeq:  -1,
	}
}

func (s *MemoryStore) Apply(_ context.Context, out ProjectionOutput) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pool = out.Pool
	for _, p := range out.Policies {
		s.policies[p.ID] = p
	}
	for _, r := range out.Records {
		s.records[recordKey{r.Buyer, r.PolicyID}] = r
	}
	s.lastSeq = out.Sequence
	return nil
}

func (s *MemoryStore) Reset(_ context.Context, seed Seed) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pool = seed.Pool
	s.policies = make(map[uuid.UUID]PolicyRow, len(seed.Policies))
	for _, p := range seed.Policies {
		s.policies[p.ID] = p
	}
	s.records = make(map[recordKey]RecordRow, len(seed.Records))
	for _, r := range seed.Records {
		s.records[recordKey{r.Buyer, r.PolicyID}] = r
	}
	s.lastSeq = seed.Sequence
	return nil
}

// Pool returns the projected pool and the sequence it reflects.
func (s *MemoryStore) Pool() (PoolRow, int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pool, s.lastSeq
}

// Policies returns projected templates sorted by ID; retired ones are
// included only when withRetired is set.
func (s *MemoryStore) Policies(withRetired bool) []PolicyRow {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]PolicyRow, 0, len(s.policies))
	for _, p := range s.policies {
		if p.Retired && !withRetired {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// RecordsByBuyer returns every projected record of buyer, open or closed.
func (s *MemoryStore) RecordsByBuyer(buyer uuid.UUID) []RecordRow {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []RecordRow
	for k, r := range s.records {
		if k.buyer == buyer {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].PolicyID.String() < out[j].PolicyID.String()
	})
	return out
}
