package core

import (
	"fmt"

	"CoverLedger/internal/ledger"
	"CoverLedger/internal/state"
)

// SnapshotState is the engine's in-memory state at one sequence, enough to
// resume without replaying the log from genesis.
type SnapshotState struct {
	Sequence        int64                  `json:"sequence"` // last applied; -1 before the first command
	StateHash       [32]byte               `json:"state_hash"`
	Epoch           uint64                 `json:"epoch"` // clock reading at capture
	Denomination    string                 `json:"denomination"`
	RecordScope     string                 `json:"record_scope"`
	Balances        []ledger.BalanceEntry  `json:"balances"`
	Templates       []state.PolicyTemplate `json:"templates"`
	Records         []state.CoverageRecord `json:"records"`
	SequenceState   map[string]int64       `json:"sequence_state"`
	IdempotencyKeys []string               `json:"idempotency_keys"`
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *CoverageEngine) CreateSnapshotState() *SnapshotState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       c.hasher.GetPrevHash(),
		Epoch:           c.clock.CurrentEpoch(),
		Denomination:    c.denom,
		RecordScope:     c.records.Scope().String(),
		Balances:        c.tracker.Entries(),
		Templates:       c.catalog.All(),
		Records:         c.records.All(),
		SequenceState:   c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: c.idempotency.lru.GetAllKeys(),
	}
}

// RestoreFromSnapshot loads a snapshot into a fresh engine. On warm restart
// the caller then replays every logged envelope after snap.Sequence.
func (c *CoverageEngine) RestoreFromSnapshot(snap *SnapshotState) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sequence != 0 {
		return fmt.Errorf("restore into engine that already applied %d commands", c.sequence)
	}
	if snap.Denomination != c.denom {
		return fmt.Errorf("snapshot denomination %q does not match engine %q", snap.Denomination, c.denom)
	}
	if snap.RecordScope != c.records.Scope().String() {
		return fmt.Errorf("snapshot record scope %q does not match engine %q", snap.RecordScope, c.records.Scope())
	}

	c.tracker.Restore(snap.Balances)
	c.catalog.Restore(snap.Templates)
	c.records.Restore(snap.Records)

	if err := c.postCheckInvariants(); err != nil {
		// Leave the engine empty rather than half-loaded.
		c.tracker.Restore(nil)
		c.catalog.Restore(nil)
		c.records.Restore(nil)
		return fmt.Errorf("snapshot at seq %d violates invariants: %w", snap.Sequence, err)
	}

	c.sequence = snap.Sequence + 1
	c.hasher.SetPrevHash(snap.StateHash)

	for partition, nextSeq := range snap.SequenceState {
		c.sequenceValidator.RestorePartition(partition, nextSeq)
	}
	c.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)

	return nil
}

// WarmLRU loads recent idempotency keys (composite, oldest first) into the
// LRU so recently processed commands skip the tier-2 lookup.
func (c *CoverageEngine) WarmLRU(keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idempotency.lru.WarmFromKeys(keys)
}
