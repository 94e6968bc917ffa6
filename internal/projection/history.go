package projection

import (
	"sync"

	"github.com/google/uuid"
)

// HistoryEntry is one change to a buyer's coverage.
type HistoryEntry struct {
	Sequence   int64
	EventType  string
	Epoch      uint64
	Buyer      uuid.UUID
	PolicyID   uuid.UUID
	ClaimState string
	Claimed    int64
	Applied    int64
	Payout     int64
	Closed     bool
}

// HistoryProjection keeps the most recent coverage changes in memory for
// per-buyer history queries. Older entries fall off once capacity is reached.
type HistoryProjection struct {
	mu       sync.RWMutex
	entries  []HistoryEntry
	capacity int
}

func NewHistoryProjection(capacity int) *HistoryProjection {
	if capacity <= 0 {
		capacity = 10_000
	}
	return &HistoryProjection{
		entries:  make([]HistoryEntry, 0, capacity),
		capacity: capacity,
	}
}

// Apply records every record change in out.
func (p *HistoryProjection) Apply(out ProjectionOutput) {
	if len(out.Records) == 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, r := range out.Records {
		entry := HistoryEntry{
			Sequence:   out.Sequence,
			EventType:  out.EventType,
			Epoch:      out.Epoch,
			Buyer:      r.Buyer,
			PolicyID:   r.PolicyID,
			ClaimState: r.ClaimState,
			Claimed:    r.Claimed,
			Applied:    r.Applied,
			Closed:     r.Closed,
		}
		// Approval touches exactly one record.
		if len(out.Records) == 1 {
			entry.Payout = out.Payout
		}
		if len(p.entries) == p.capacity {
			copy(p.entries, p.entries[1:])
			p.entries = p.entries[:len(p.entries)-1]
		}
		p.entries = append(p.entries, entry)
	}
}

// QueryByBuyer returns up to limit entries for buyer, newest first.
func (p *HistoryProjection) QueryByBuyer(buyer uuid.UUID, limit int) []HistoryEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]HistoryEntry, 0)
	for i := len(p.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if p.entries[i].Buyer == buyer {
			result = append(result, p.entries[i])
		}
	}
	return result
}

// Len returns the number of retained entries.
func (p *HistoryProjection) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}
