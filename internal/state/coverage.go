package state

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// RecordScope decides how many live records a buyer may hold.
type RecordScope uint8

const (
	// RecordScopeBuyer allows one active record per buyer, whatever the policy.
	RecordScopeBuyer RecordScope = iota
	// RecordScopePolicy allows one active record per (buyer, policy).
	RecordScopePolicy
)

func (s RecordScope) String() string {
	switch s {
	case RecordScopeBuyer:
		return "buyer"
	case RecordScopePolicy:
		return "policy"
	default:
		return "unknown"
	}
}

// ParseRecordScope maps a config value to a RecordScope.
func ParseRecordScope(s string) (RecordScope, error) {
	switch s {
	case "", "buyer":
		return RecordScopeBuyer, nil
	case "policy":
		return RecordScopePolicy, nil
	}
	return 0, fmt.Errorf("unknown record scope %q", s)
}

// RecordKey identifies a coverage record. PolicyID is uuid.Nil under
// RecordScopeBuyer.
type RecordKey struct {
	Buyer    uuid.UUID
	PolicyID uuid.UUID
}

// CoverageRecord is one buyer's purchased, still-live coverage. Coverage is
// copied from the template at purchase so the record outlives retirement.
type CoverageRecord struct {
	Buyer          uuid.UUID `json:"buyer"`
	PolicyID       uuid.UUID `json:"policy_id"`
	Coverage       int64     `json:"coverage"`
	PurchasedEpoch uint64    `json:"purchased_epoch"`
	ExpiryEpoch    uint64    `json:"expiry_epoch"`
	Claimed        int64     `json:"claimed"`
	Applied        int64     `json:"applied"`
}

// Remaining is the coverage that can still be drawn.
func (r *CoverageRecord) Remaining() int64 {
	return r.Coverage - r.Applied
}

// Lapsed reports whether the expiry epoch has passed.
func (r *CoverageRecord) Lapsed(epoch uint64) bool {
	return epoch > r.ExpiryEpoch
}

// CanonicalBytes returns deterministic serialization for hashing
func (r *CoverageRecord) CanonicalBytes() []byte {
	buf := make([]byte, 0, 80)
	buf = append(buf, r.Buyer[:]...)
	buf = append(buf, r.PolicyID[:]...)
	buf = appendInt64LE(buf, r.Coverage)
	buf = appendUint64LE(buf, r.PurchasedEpoch)
	buf = appendUint64LE(buf, r.ExpiryEpoch)
	buf = appendInt64LE(buf, r.Claimed)
	buf = appendInt64LE(buf, r.Applied)
	return buf
}

// CoverageLedger holds live coverage records.
// Not thread-safe; owned by the engine.
type CoverageLedger struct {
	scope   RecordScope
	records map[RecordKey]*CoverageRecord
}

func NewCoverageLedger(scope RecordScope) *CoverageLedger {
	return &CoverageLedger{
		scope:   scope,
		records: make(map[RecordKey]*CoverageRecord),
	}
}

func (l *CoverageLedger) Scope() RecordScope { return l.scope }

// KeyFor builds the lookup key under the ledger's scope.
func (l *CoverageLedger) KeyFor(buyer, policyID uuid.UUID) RecordKey {
	if l.scope == RecordScopeBuyer {
		return RecordKey{Buyer: buyer}
	}
	return RecordKey{Buyer: buyer, PolicyID: policyID}
}

// Get returns the record or nil.
func (l *CoverageLedger) Get(buyer, policyID uuid.UUID) *CoverageRecord {
	return l.records[l.KeyFor(buyer, policyID)]
}

// Lookup returns the record or a NotFound error.
func (l *CoverageLedger) Lookup(buyer, policyID uuid.UUID) (*CoverageRecord, error) {
	rec := l.Get(buyer, policyID)
	if rec == nil {
		return nil, newError(KindNotFound, 0, 0, "no coverage for buyer %s", buyer)
	}
	return rec, nil
}

// CheckPurchase rejects a buyer that already holds live coverage under this
// scope. A lapsed record without a pending claim does not block: it is
// returned so the purchase can expire it first.
func (l *CoverageLedger) CheckPurchase(buyer, policyID uuid.UUID, epoch uint64) (*CoverageRecord, error) {
	existing := l.Get(buyer, policyID)
	if existing == nil {
		return nil, nil
	}
	if existing.Lapsed(epoch) && existing.Claimed == 0 {
		return existing, nil
	}
	return nil, newError(KindAlreadyExists, 0, 0, "buyer %s already holds coverage under policy %s", buyer, existing.PolicyID)
}

// Put stores a record under its scoped key.
func (l *CoverageLedger) Put(rec *CoverageRecord) {
	l.records[l.KeyFor(rec.Buyer, rec.PolicyID)] = rec
}

// Remove deletes a record.
func (l *CoverageLedger) Remove(rec *CoverageRecord) {
	delete(l.records, l.KeyFor(rec.Buyer, rec.PolicyID))
}

// UnexpiredFor counts records of a policy whose expiry has not passed.
func (l *CoverageLedger) UnexpiredFor(policyID uuid.UUID, epoch uint64) int {
	var n int
	for _, r := range l.records {
		if r.PolicyID == policyID && !r.Lapsed(epoch) {
			n++
		}
	}
	return n
}

// LapsedAt returns records past expiry, in canonical order.
func (l *CoverageLedger) LapsedAt(epoch uint64) []*CoverageRecord {
	var out []*CoverageRecord
	for _, r := range l.records {
		if r.Lapsed(epoch) {
			out = append(out, r)
		}
	}
	sortRecords(out)
	return out
}

// All returns copies of every record in canonical order.
func (l *CoverageLedger) All() []CoverageRecord {
	ptrs := make([]*CoverageRecord, 0, len(l.records))
	for _, r := range l.records {
		ptrs = append(ptrs, r)
	}
	sortRecords(ptrs)
	out := make([]CoverageRecord, len(ptrs))
	for i, r := range ptrs {
		out[i] = *r
	}
	return out
}

// Backing sums coverage − applied over all records.
func (l *CoverageLedger) Backing() int64 {
	var total int64
	for _, r := range l.records {
		total += r.Remaining()
	}
	return total
}

func (l *CoverageLedger) Len() int { return len(l.records) }

// Restore replaces the ledger contents (snapshot load).
func (l *CoverageLedger) Restore(records []CoverageRecord) {
	l.records = make(map[RecordKey]*CoverageRecord, len(records))
	for i := range records {
		r := records[i]
		l.Put(&r)
	}
}

func sortRecords(rs []*CoverageRecord) {
	sort.Slice(rs, func(i, j int) bool {
		if c := bytes.Compare(rs[i].Buyer[:], rs[j].Buyer[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(rs[i].PolicyID[:], rs[j].PolicyID[:]) < 0
	})
}
