package projection

import (
	"time"

	"CoverLedger/internal/core"
	"CoverLedger/internal/ledger"
	"CoverLedger/internal/state"

	"github.com/google/uuid"
)

// ProjectionOutput is the read-model delta of one applied command.
type ProjectionOutput struct {
	Sequence  int64
	EventType string
	Epoch     uint64
	Timestamp time.Time
	Pool      PoolRow
	Policies  []PolicyRow
	Records   []RecordRow
	Payout    int64 // units paid to the buyer by this command
}

// PoolRow is the pool totals after a command.
type PoolRow struct {
	Asset  string
	Free   int64
	Locked int64
}

// PolicyRow is a template as the read model stores it.
type PolicyRow struct {
	ID              uuid.UUID
	Kind            string
	Coverage        int64
	Price           int64
	Duration        uint64
	RemainingSupply uint64
	InitialSupply   uint64
	Issued          uint64
	IssuedEpoch     uint64
	Retired         bool
}

// RecordRow is a coverage record as the read model stores it. Closed rows
// are settled or expired and no longer back any coverage.
type RecordRow struct {
	Buyer          uuid.UUID
	PolicyID       uuid.UUID
	Coverage       int64
	PurchasedEpoch uint64
	ExpiryEpoch    uint64
	Claimed        int64
	Applied        int64
	ClaimState     string
	Closed         bool
}

// FromCoreOutput converts an engine output into a projection delta.
func FromCoreOutput(out core.CoreOutput) ProjectionOutput {
	po := ProjectionOutput{
		Sequence:  out.Envelope.Sequence,
		EventType: out.Envelope.EventType.String(),
		Epoch:     out.Envelope.Epoch,
		Timestamp: out.Envelope.Timestamp,
		Pool:      PoolRow{Asset: out.Pool.Asset, Free: out.Pool.Free, Locked: out.Pool.Locked},
		Payout:    out.Batch.Total(ledger.JournalTypeClaimPayout),
	}
	for _, pc := range out.Policies {
		po.Policies = append(po.Policies, policyRow(pc.Template, pc.Removed))
	}
	for _, rc := range out.Records {
		po.Records = append(po.Records, recordRow(rc.Record, rc.State, rc.Removed))
	}
	return po
}

func policyRow(t state.PolicyTemplate, retired bool) PolicyRow {
	return PolicyRow{
		ID:              t.ID,
		Kind:            t.Kind,
		Coverage:        t.Coverage,
		Price:           t.Price,
		Duration:        t.Duration,
		RemainingSupply: t.RemainingSupply,
		InitialSupply:   t.InitialSupply,
		Issued:          t.Issued,
		IssuedEpoch:     t.IssuedEpoch,
		Retired:         retired,
	}
}

func recordRow(r state.CoverageRecord, cs state.ClaimState, closed bool) RecordRow {
	return RecordRow{
		Buyer:          r.Buyer,
		PolicyID:       r.PolicyID,
		Coverage:       r.Coverage,
		PurchasedEpoch: r.PurchasedEpoch,
		ExpiryEpoch:    r.ExpiryEpoch,
		Claimed:        r.Claimed,
		Applied:        r.Applied,
		ClaimState:     cs.String(),
		Closed:         closed,
	}
}

// Seed is a full read-model image, used to reset projections after the
// engine recovers.
type Seed struct {
	Sequence int64
	Pool     PoolRow
	Policies []PolicyRow
	Records  []RecordRow
}

// SeedFromEngine captures the engine's current state as a Seed.
func SeedFromEngine(e *core.CoverageEngine) Seed {
	pool := e.Pool()
	seed := Seed{
		Sequence: e.GetSequence() - 1,
		Pool:     PoolRow{Asset: pool.Asset, Free: pool.Free, Locked: pool.Locked},
	}
	for _, t := range e.Policies() {
		seed.Policies = append(seed.Policies, policyRow(t, false))
	}
	for _, r := range e.Records() {
		seed.Records = append(seed.Records, recordRow(r, r.State(), false))
	}
	return seed
}
