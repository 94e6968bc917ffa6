package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"CoverLedger/internal/core"

	"github.com/google/uuid"
)

// snapshotFormatVersion tags the JSON layout of core.SnapshotState.
const snapshotFormatVersion = 1

// SnapshotManager stores engine snapshots and reads the event log back for
// recovery. A snapshot is only used for restore once it has been verified.
type SnapshotManager struct {
	db *sql.DB
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot and returns its encoded size.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *core.SnapshotState) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), snap.Sequence, data, snap.StateHash[:], snapshotFormatVersion, len(data), time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("save snapshot at seq %d: %w", snap.Sequence, err)
	}

	return len(data), nil
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil on a
// cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*core.SnapshotState, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data, format_version FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var (
		data    []byte
		version int
	)
	if err := row.Scan(&data, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if version != snapshotFormatVersion {
		return nil, fmt.Errorf("snapshot format version %d not supported", version)
	}

	var snap core.SnapshotState
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// MarkVerified marks a snapshot as usable for restore.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom loads up to limit events starting at fromSequence.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, source, source_sequence,
		       epoch, payload, state_hash, prev_hash, timestamp
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.Source, &e.SourceSequence,
			&e.Epoch, &e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// LoadRejectionsFrom loads every rejection refused at or after engine
// sequence fromSequence. Rejections before it are covered by the snapshot.
func (sm *SnapshotManager) LoadRejectionsFrom(ctx context.Context, fromSequence int64) ([]RejectionRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT partition, source_sequence, event_type, idempotency_key,
		       kind, detail, epoch, next_sequence, timestamp
		FROM event_log.rejections
		WHERE next_sequence >= $1
		ORDER BY next_sequence ASC, partition ASC, source_sequence ASC
	`, fromSequence)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rejections []RejectionRow
	for rows.Next() {
		var r RejectionRow
		if err := rows.Scan(
			&r.Partition, &r.SourceSequence, &r.EventType, &r.IdempotencyKey,
			&r.Kind, &r.Detail, &r.Epoch, &r.NextSequence, &r.Timestamp,
		); err != nil {
			return nil, err
		}
		rejections = append(rejections, r)
	}

	return rejections, rows.Err()
}

// GetLatestSequence returns the highest logged sequence, or -1 when the
// log is empty.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}

// GetLatestEpoch returns the epoch of the last logged command, so a
// restarted clock never runs behind the log.
func (sm *SnapshotManager) GetLatestEpoch(ctx context.Context) (uint64, error) {
	var epoch sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT epoch FROM event_log.events ORDER BY sequence DESC LIMIT 1
	`).Scan(&epoch)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !epoch.Valid) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return uint64(epoch.Int64), nil
}
