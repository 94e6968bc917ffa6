package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"CoverLedger/internal/ledger"
	fpmath "CoverLedger/internal/math"
	"CoverLedger/internal/projection"

	"github.com/google/uuid"
)

// ErrNoEventLog is returned by queries that need the Postgres event log
// when the service runs without one.
var ErrNoEventLog = errors.New("event log not configured")

// LedgerView is the slice of the engine the admin queries need.
type LedgerView interface {
	Conservation() ledger.Conservation
	CheckInvariants() error
	GetSequence() int64
}

// QueryService provides read-only access to the projections. With a
// database it reads the projections schema; without one it reads the
// in-memory store. Responses carry as_of_sequence for freshness.
type QueryService struct {
	db      *sql.DB
	memory  *projection.MemoryStore
	history *projection.HistoryProjection
	ledger  LedgerView
}

func NewQueryService(db *sql.DB, memory *projection.MemoryStore, history *projection.HistoryProjection, lv LedgerView) *QueryService {
	return &QueryService{db: db, memory: memory, history: history, ledger: lv}
}

// GetPool returns the projected pool totals.
func (qs *QueryService) GetPool(ctx context.Context) (*PoolResponse, error) {
	if qs.db == nil {
		pool, seq := qs.memory.Pool()
		return &PoolResponse{
			Asset:        pool.Asset,
			Free:         fpmath.FormatAmount(pool.Free),
			Locked:       fpmath.FormatAmount(pool.Locked),
			AsOfSequence: seq,
		}, nil
	}

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	var (
		asset        string
		free, locked int64
	)
	err = qs.db.QueryRowContext(ctx, `
		SELECT asset, free, locked FROM projections.pool_balances LIMIT 1
	`).Scan(&asset, &free, &locked)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	return &PoolResponse{
		Asset:        asset,
		Free:         fpmath.FormatAmount(free),
		Locked:       fpmath.FormatAmount(locked),
		AsOfSequence: asOfSeq,
	}, nil
}

// ListPolicies returns the projected templates, optionally with retired ones.
func (qs *QueryService) ListPolicies(ctx context.Context, includeRetired bool) ([]PolicyResponse, error) {
	if qs.db == nil {
		rows := qs.memory.Policies(includeRetired)
		out := make([]PolicyResponse, 0, len(rows))
		for _, p := range rows {
			out = append(out, policyResponse(p))
		}
		return out, nil
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT policy_id, kind, coverage, price, duration, remaining_supply,
		       initial_supply, issued, issued_epoch, retired
		FROM projections.policies
		WHERE retired = FALSE OR $1
		ORDER BY policy_id
	`, includeRetired)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]PolicyResponse, 0)
	for rows.Next() {
		var (
			r                                                 projection.PolicyRow
			duration, remaining, initial, issued, issuedEpoch int64
		)
		if err := rows.Scan(
			&r.ID, &r.Kind, &r.Coverage, &r.Price, &duration, &remaining,
			&initial, &issued, &issuedEpoch, &r.Retired,
		); err != nil {
			return nil, err
		}
		r.Duration = uint64(duration)
		r.RemainingSupply = uint64(remaining)
		r.InitialSupply = uint64(initial)
		r.Issued = uint64(issued)
		r.IssuedEpoch = uint64(issuedEpoch)
		out = append(out, policyResponse(r))
	}
	return out, rows.Err()
}

// GetRecords returns every projected record of buyer, including closed ones.
func (qs *QueryService) GetRecords(ctx context.Context, buyer uuid.UUID) ([]RecordResponse, error) {
	if qs.db == nil {
		_, seq := qs.memory.Pool()
		rows := qs.memory.RecordsByBuyer(buyer)
		out := make([]RecordResponse, 0, len(rows))
		for _, r := range rows {
			out = append(out, recordResponse(r, seq))
		}
		return out, nil
	}

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT policy_id, coverage, purchased_epoch, expiry_epoch, claimed, applied,
		       claim_state, closed
		FROM projections.coverage_records
		WHERE buyer = $1
		ORDER BY policy_id
	`, buyer)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]RecordResponse, 0)
	for rows.Next() {
		var (
			r                 projection.RecordRow
			purchased, expiry int64
		)
		r.Buyer = buyer
		if err := rows.Scan(
			&r.PolicyID, &r.Coverage, &purchased, &expiry, &r.Claimed, &r.Applied,
			&r.ClaimState, &r.Closed,
		); err != nil {
			return nil, err
		}
		r.PurchasedEpoch = uint64(purchased)
		r.ExpiryEpoch = uint64(expiry)
		out = append(out, recordResponse(r, asOfSeq))
	}
	return out, rows.Err()
}

// GetRecord returns the buyer's record for one policy.
func (qs *QueryService) GetRecord(ctx context.Context, buyer, policyID uuid.UUID) (*RecordResponse, error) {
	records, err := qs.GetRecords(ctx, buyer)
	if err != nil {
		return nil, err
	}
	for i := range records {
		if records[i].PolicyID == policyID {
			return &records[i], nil
		}
	}
	return nil, nil
}

// GetHistory returns the buyer's most recent coverage changes, newest first.
func (qs *QueryService) GetHistory(buyer uuid.UUID, limit int) []HistoryResponse {
	if qs.history == nil {
		return nil
	}
	entries := qs.history.QueryByBuyer(buyer, limit)
	out := make([]HistoryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, HistoryResponse{
			Sequence:   e.Sequence,
			EventType:  e.EventType,
			Epoch:      e.Epoch,
			PolicyID:   e.PolicyID,
			ClaimState: e.ClaimState,
			Claimed:    fpmath.FormatAmount(e.Claimed),
			Applied:    fpmath.FormatAmount(e.Applied),
			Payout:     fpmath.FormatAmount(e.Payout),
			Closed:     e.Closed,
		})
	}
	return out
}

// GetJournalHistory returns the buyer's journal entries, newest first.
// Pass afterSequence to page backwards.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	buyer uuid.UUID,
	limit int,
	afterSequence *int64,
) ([]JournalHistoryEntry, error) {
	if qs.db == nil {
		return nil, ErrNoEventLog
	}

	accountPrefix := fmt.Sprintf("buyer:%s:%%", buyer)

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []any{accountPrefix}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var (
			e      JournalHistoryEntry
			amount int64
		)
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &amount, &e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		e.Amount = fpmath.FormatAmount(amount)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks the live engine invariants and, with an event
// log, the continuity of the logged hash chain.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{
		Conservation:   qs.ledger.Conservation().Holds(),
		BackingMatches: qs.ledger.CheckInvariants() == nil,
		Sequence:       qs.ledger.GetSequence() - 1,
	}

	if qs.db != nil {
		rows, err := qs.db.QueryContext(ctx, `
			SELECT e1.sequence
			FROM event_log.events e1
			LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
			WHERE e1.sequence > 0 AND e1.prev_hash != COALESCE(e2.state_hash, e1.prev_hash)
			ORDER BY e1.sequence
			LIMIT 10
		`)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		for rows.Next() {
			var seq int64
			if err := rows.Scan(&seq); err != nil {
				return nil, err
			}
			report.HashChainBreaks = append(report.HashChainBreaks, seq)
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	report.IsHealthy = report.Conservation && report.BackingMatches && len(report.HashChainBreaks) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE projection = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}

func policyResponse(p projection.PolicyRow) PolicyResponse {
	return PolicyResponse{
		ID:              p.ID,
		Kind:            p.Kind,
		Coverage:        fpmath.FormatAmount(p.Coverage),
		Price:           fpmath.FormatAmount(p.Price),
		Duration:        p.Duration,
		RemainingSupply: p.RemainingSupply,
		InitialSupply:   p.InitialSupply,
		Issued:          p.Issued,
		IssuedEpoch:     p.IssuedEpoch,
		Retired:         p.Retired,
	}
}

func recordResponse(r projection.RecordRow, asOf int64) RecordResponse {
	return RecordResponse{
		Buyer:          r.Buyer,
		PolicyID:       r.PolicyID,
		Coverage:       fpmath.FormatAmount(r.Coverage),
		PurchasedEpoch: r.PurchasedEpoch,
		ExpiryEpoch:    r.ExpiryEpoch,
		Claimed:        fpmath.FormatAmount(r.Claimed),
		Applied:        fpmath.FormatAmount(r.Applied),
		ClaimState:     r.ClaimState,
		Closed:         r.Closed,
		AsOfSequence:   asOf,
	}
}
