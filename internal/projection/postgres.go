package projection

import (
	"context"
	"database/sql"
	"fmt"
)

const watermarkName = "main"

// PostgresStore keeps the read model in the projections schema.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Apply writes the pool, touched policies and touched records in one
// transaction, together with the watermark.
func (s *PostgresStore) Apply(ctx context.Context, out ProjectionOutput) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := upsertPool(ctx, tx, out.Pool, out.Sequence); err != nil {
		return fmt.Errorf("pool projection: %w", err)
	}
	for _, p := range out.Policies {
		if err := upsertPolicy(ctx, tx, p, out.Sequence); err != nil {
			return fmt.Errorf("policy projection: %w", err)
		}
	}
	for _, r := range out.Records {
		if err := upsertRecord(ctx, tx, r, out.Sequence); err != nil {
			return fmt.Errorf("record projection: %w", err)
		}
	}
	if err := setWatermark(ctx, tx, out.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// Reset replaces the whole read model with seed.
func (s *PostgresStore) Reset(ctx context.Context, seed Seed) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`TRUNCATE projections.pool_balances`,
		`TRUNCATE projections.policies`,
		`TRUNCATE projections.coverage_records`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	if err := upsertPool(ctx, tx, seed.Pool, seed.Sequence); err != nil {
		return err
	}
	for _, p := range seed.Policies {
		if err := upsertPolicy(ctx, tx, p, seed.Sequence); err != nil {
			return err
		}
	}
	for _, r := range seed.Records {
		if err := upsertRecord(ctx, tx, r, seed.Sequence); err != nil {
			return err
		}
	}
	if err := setWatermark(ctx, tx, seed.Sequence); err != nil {
		return err
	}

	return tx.Commit()
}

// Watermark returns the last projected sequence, -1 if none.
func (s *PostgresStore) Watermark(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE projection = $1
	`, watermarkName).Scan(&seq)
	if err == sql.ErrNoRows {
		return -1, nil
	}
	return seq, err
}

func upsertPool(ctx context.Context, tx *sql.Tx, p PoolRow, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.pool_balances (asset, free, locked, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (asset) DO UPDATE
			SET free = $2, locked = $3, last_sequence = $4, updated_at = NOW()
			WHERE projections.pool_balances.last_sequence <= $4
	`, p.Asset, p.Free, p.Locked, seq)
	return err
}

func upsertPolicy(ctx context.Context, tx *sql.Tx, p PolicyRow, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.policies
			(policy_id, kind, coverage, price, duration, remaining_supply, initial_supply,
			 issued, issued_epoch, retired, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		ON CONFLICT (policy_id) DO UPDATE
			SET remaining_supply = $6, issued = $8, retired = $10,
			    last_sequence = $11, updated_at = NOW()
			WHERE projections.policies.last_sequence <= $11
	`, p.ID, p.Kind, p.Coverage, p.Price, int64(p.Duration), int64(p.RemainingSupply),
		int64(p.InitialSupply), int64(p.Issued), int64(p.IssuedEpoch), p.Retired, seq)
	return err
}

func upsertRecord(ctx context.Context, tx *sql.Tx, r RecordRow, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.coverage_records
			(buyer, policy_id, coverage, purchased_epoch, expiry_epoch, claimed, applied,
			 claim_state, closed, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (buyer, policy_id) DO UPDATE
			SET coverage = $3, purchased_epoch = $4, expiry_epoch = $5, claimed = $6,
			    applied = $7, claim_state = $8, closed = $9,
			    last_sequence = $10, updated_at = NOW()
			WHERE projections.coverage_records.last_sequence <= $10
	`, r.Buyer, r.PolicyID, r.Coverage, int64(r.PurchasedEpoch), int64(r.ExpiryEpoch),
		r.Claimed, r.Applied, r.ClaimState, r.Closed, seq)
	return err
}

func setWatermark(ctx context.Context, tx *sql.Tx, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (projection, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (projection) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, watermarkName, seq)
	return err
}
