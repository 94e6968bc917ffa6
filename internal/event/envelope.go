package event

import (
	"time"
)

// EventType discriminator for command payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypePoolDeposit
	EventTypePoolWithdraw
	EventTypePolicyIssue
	EventTypePolicyRetire
	EventTypeCoveragePurchase
	EventTypeClaimFile
	EventTypeClaimApprove
	EventTypeCoverageExpire
	EventTypeLapseSweep
)

// AutoSequence asks the core to assign the next source sequence for the
// command's partition instead of validating a caller-supplied one.
const AutoSequence int64 = -1

// EventEnvelope wraps every applied command in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Source partition and its sequence, for ordering validation
	Source         string
	SourceSequence int64

	// Epoch the command was applied at; replay reuses it
	Epoch uint64

	// Input timestamp (NOT read by the core from the wall clock)
	Timestamp time.Time

	// JSON-encoded command (see Encode/Decode)
	Payload []byte

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte
}

// Meta is the routing header shared by every command.
type Meta struct {
	Key       string    `json:"idempotency_key"`
	Source    string    `json:"source"`
	Seq       int64     `json:"source_sequence"`
	Timestamp time.Time `json:"timestamp"`

	// Epoch pins the epoch the command is evaluated at. Unpinned commands
	// read the engine clock.
	Epoch  uint64 `json:"epoch,omitempty"`
	Pinned bool   `json:"pinned,omitempty"`
}

func (m *Meta) IdempotencyKey() string { return m.Key }

// Partition is the ordering scope for SourceSequence.
func (m *Meta) Partition() string {
	if m.Source == "" {
		return "global"
	}
	return m.Source
}

func (m *Meta) SourceSequence() int64 { return m.Seq }

func (m *Meta) Header() *Meta { return m }

// Event is the interface all command payloads implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// Partition returns the ordering scope
	Partition() string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64

	// Header exposes the routing fields for the core to fill in
	Header() *Meta
}

func (et EventType) String() string {
	switch et {
	case EventTypePoolDeposit:
		return "PoolDeposit"
	case EventTypePoolWithdraw:
		return "PoolWithdraw"
	case EventTypePolicyIssue:
		return "PolicyIssue"
	case EventTypePolicyRetire:
		return "PolicyRetire"
	case EventTypeCoveragePurchase:
		return "CoveragePurchase"
	case EventTypeClaimFile:
		return "ClaimFile"
	case EventTypeClaimApprove:
		return "ClaimApprove"
	case EventTypeCoverageExpire:
		return "CoverageExpire"
	case EventTypeLapseSweep:
		return "LapseSweep"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of String.
func ParseEventType(s string) EventType {
	for et := EventTypePoolDeposit; et <= EventTypeLapseSweep; et++ {
		if et.String() == s {
			return et
		}
	}
	return EventTypeUnknown
}
