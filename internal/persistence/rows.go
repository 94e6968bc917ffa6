package persistence

import (
	"fmt"
	"time"

	"CoverLedger/internal/core"
	"CoverLedger/internal/event"
	"CoverLedger/internal/ledger"
	"CoverLedger/internal/state"
)

// CoreOutput is the persistence view of one command: the event log row and
// journal legs of an applied command, or the row of a refused one.
type CoreOutput struct {
	EventRow    EventRow
	JournalRows []JournalRow
	Rejection   *RejectionRow
}

// RejectionRow represents a row in event_log.rejections
type RejectionRow struct {
	EventType      string
	IdempotencyKey string
	Partition      string
	SourceSequence int64
	Kind           string
	Detail         string
	Epoch          int64
	NextSequence   int64
	Timestamp      time.Time
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	Source         string
	SourceSequence int64
	Epoch          int64
	Payload        []byte // JSON-encoded command
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	AssetID       uint16
	Amount        int64
	JournalType   string
	Timestamp     int64
}

// FromCoreOutput converts an engine output into rows for the writer.
func FromCoreOutput(out core.CoreOutput) CoreOutput {
	if r := out.Rejection; r != nil {
		return CoreOutput{Rejection: &RejectionRow{
			EventType:      r.EventType.String(),
			IdempotencyKey: r.IdempotencyKey,
			Partition:      r.Partition,
			SourceSequence: r.SourceSequence,
			Kind:           r.Kind.String(),
			Detail:         r.Detail,
			Epoch:          int64(r.Epoch),
			NextSequence:   r.NextSequence,
			Timestamp:      r.Timestamp,
		}}
	}
	env := out.Envelope
	row := EventRow{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Source:         env.Source,
		SourceSequence: env.SourceSequence,
		Epoch:          int64(env.Epoch),
		Payload:        env.Payload,
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		Timestamp:      env.Timestamp,
	}
	return CoreOutput{EventRow: row, JournalRows: JournalRowsFromBatch(out.Batch)}
}

// JournalRowsFromBatch flattens a batch into journal rows. A nil batch has none.
func JournalRowsFromBatch(batch *ledger.Batch) []JournalRow {
	if batch == nil {
		return nil
	}
	rows := make([]JournalRow, 0, len(batch.Journals))
	for _, j := range batch.Journals {
		rows = append(rows, JournalRow{
			JournalID:     j.JournalID.String(),
			BatchID:       j.BatchID.String(),
			EventRef:      j.EventRef,
			Sequence:      j.Sequence,
			DebitAccount:  j.DebitAccount.AccountPath(),
			CreditAccount: j.CreditAccount.AccountPath(),
			AssetID:       uint16(j.AssetID),
			Amount:        j.Amount,
			JournalType:   j.JournalType.String(),
			Timestamp:     j.Timestamp,
		})
	}
	return rows
}

// Envelope rebuilds the logged envelope for replay.
func (r EventRow) Envelope() (*event.EventEnvelope, error) {
	et := event.ParseEventType(r.EventType)
	if et == event.EventTypeUnknown {
		return nil, fmt.Errorf("event %d: unknown event type %q", r.Sequence, r.EventType)
	}
	if len(r.StateHash) != 32 || len(r.PrevHash) != 32 {
		return nil, fmt.Errorf("event %d: malformed hash columns", r.Sequence)
	}
	if r.Epoch < 0 {
		return nil, fmt.Errorf("event %d: negative epoch %d", r.Sequence, r.Epoch)
	}

	env := &event.EventEnvelope{
		Sequence:       r.Sequence,
		IdempotencyKey: r.IdempotencyKey,
		EventType:      et,
		Source:         r.Source,
		SourceSequence: r.SourceSequence,
		Epoch:          uint64(r.Epoch),
		Timestamp:      r.Timestamp.UTC(),
		Payload:        r.Payload,
	}
	copy(env.StateHash[:], r.StateHash)
	copy(env.PrevHash[:], r.PrevHash)
	return env, nil
}

// Rejection rebuilds the refused command for recovery.
func (r RejectionRow) Rejection() (*core.Rejection, error) {
	et := event.ParseEventType(r.EventType)
	if et == event.EventTypeUnknown {
		return nil, fmt.Errorf("rejection %s/%d: unknown event type %q", r.Partition, r.SourceSequence, r.EventType)
	}
	kind, ok := state.ParseKind(r.Kind)
	if !ok {
		return nil, fmt.Errorf("rejection %s/%d: unknown kind %q", r.Partition, r.SourceSequence, r.Kind)
	}
	return &core.Rejection{
		EventType:      et,
		IdempotencyKey: r.IdempotencyKey,
		Partition:      r.Partition,
		SourceSequence: r.SourceSequence,
		Kind:           kind,
		Detail:         r.Detail,
		Epoch:          uint64(r.Epoch),
		NextSequence:   r.NextSequence,
		Timestamp:      r.Timestamp.UTC(),
	}, nil
}
