package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"CoverLedger/internal/event"
	fpmath "CoverLedger/internal/math"

	"github.com/google/uuid"
)

var (
	ErrMissingKey      = errors.New("missing idempotency_key")
	ErrMissingSequence = errors.New("missing sequence")
)

// ParseCommand converts a message from the command bus into a typed
// command. Bus commands must carry their own routing: an idempotency key
// and a source sequence.
func ParseCommand(raw RawEvent, et event.EventType) (event.Event, error) {
	evt, hdr, err := decode(et, raw.Data)
	if err != nil {
		return nil, err
	}
	if hdr.IdempotencyKey == "" {
		return nil, fmt.Errorf("parse %s: %w", et, ErrMissingKey)
	}
	if hdr.Sequence == nil {
		return nil, fmt.Errorf("parse %s: %w", et, ErrMissingSequence)
	}
	if *hdr.Sequence < 0 {
		return nil, fmt.Errorf("parse %s: negative sequence %d", et, *hdr.Sequence)
	}

	h := evt.Header()
	h.Key = hdr.IdempotencyKey
	h.Source = hdr.Source
	h.Seq = *hdr.Sequence
	h.Timestamp = hdr.timestamp(raw.Timestamp)
	return evt, nil
}

// ParseRequest converts an API request body into a typed command. Routing
// fields are optional; the engine fills in what is missing.
func ParseRequest(et event.EventType, data []byte, idempotencyKey string) (event.Event, error) {
	evt, hdr, err := decode(et, data)
	if err != nil {
		return nil, err
	}

	h := evt.Header()
	h.Key = hdr.IdempotencyKey
	if idempotencyKey != "" {
		h.Key = idempotencyKey
	}
	if hdr.Source != "" && hdr.Sequence != nil {
		h.Source = hdr.Source
		h.Seq = *hdr.Sequence
	}
	h.Timestamp = hdr.timestamp(time.Time{})
	return evt, nil
}

// --- JSON wire formats ---
// Amounts are decimal strings; ids are canonical UUID strings.

type commandHeader struct {
	IdempotencyKey string `json:"idempotency_key"`
	Source         string `json:"source"`
	Sequence       *int64 `json:"sequence"`
	TimestampUs    int64  `json:"timestamp_us"`
}

func (h commandHeader) timestamp(fallback time.Time) time.Time {
	if h.TimestampUs > 0 {
		return time.UnixMicro(h.TimestampUs).UTC()
	}
	return fallback.UTC()
}

type amountJSON struct {
	commandHeader
	Amount string `json:"amount"`
}

type issueJSON struct {
	commandHeader
	PolicyID string `json:"policy_id"`
	Kind     string `json:"kind"`
	Coverage string `json:"coverage"`
	Price    string `json:"price"`
	Duration uint64 `json:"duration"`
	Supply   uint64 `json:"supply"`
}

type retireJSON struct {
	commandHeader
	PolicyID string `json:"policy_id"`
}

type purchaseJSON struct {
	commandHeader
	PolicyID string `json:"policy_id"`
	Buyer    string `json:"buyer"`
	Payment  string `json:"payment"`
}

type claimJSON struct {
	commandHeader
	Buyer    string `json:"buyer"`
	PolicyID string `json:"policy_id"`
	Amount   string `json:"amount"`
}

type expireJSON struct {
	commandHeader
	Buyer    string `json:"buyer"`
	PolicyID string `json:"policy_id"`
}

func decode(et event.EventType, data []byte) (event.Event, commandHeader, error) {
	switch et {
	case event.EventTypePoolDeposit, event.EventTypePoolWithdraw:
		var j amountJSON
		if err := unmarshal(et, data, &j); err != nil {
			return nil, commandHeader{}, err
		}
		amount, err := parseAmount("amount", j.Amount)
		if err != nil {
			return nil, commandHeader{}, err
		}
		if et == event.EventTypePoolDeposit {
			return &event.PoolDeposit{Amount: amount}, j.commandHeader, nil
		}
		return &event.PoolWithdraw{Amount: amount}, j.commandHeader, nil

	case event.EventTypePolicyIssue:
		var j issueJSON
		if err := unmarshal(et, data, &j); err != nil {
			return nil, commandHeader{}, err
		}
		policyID, err := parseOptionalID("policy_id", j.PolicyID)
		if err != nil {
			return nil, commandHeader{}, err
		}
		coverage, err := parseAmount("coverage", j.Coverage)
		if err != nil {
			return nil, commandHeader{}, err
		}
		price, err := parseAmount("price", j.Price)
		if err != nil {
			return nil, commandHeader{}, err
		}
		return &event.PolicyIssue{
			PolicyID: policyID,
			Kind:     j.Kind,
			Coverage: coverage,
			Price:    price,
			Duration: j.Duration,
			Supply:   j.Supply,
		}, j.commandHeader, nil

	case event.EventTypePolicyRetire:
		var j retireJSON
		if err := unmarshal(et, data, &j); err != nil {
			return nil, commandHeader{}, err
		}
		policyID, err := parseID("policy_id", j.PolicyID)
		if err != nil {
			return nil, commandHeader{}, err
		}
		return &event.PolicyRetire{PolicyID: policyID}, j.commandHeader, nil

	case event.EventTypeCoveragePurchase:
		var j purchaseJSON
		if err := unmarshal(et, data, &j); err != nil {
			return nil, commandHeader{}, err
		}
		policyID, err := parseID("policy_id", j.PolicyID)
		if err != nil {
			return nil, commandHeader{}, err
		}
		buyer, err := parseID("buyer", j.Buyer)
		if err != nil {
			return nil, commandHeader{}, err
		}
		payment, err := parseAmount("payment", j.Payment)
		if err != nil {
			return nil, commandHeader{}, err
		}
		return &event.CoveragePurchase{PolicyID: policyID, Buyer: buyer, Payment: payment}, j.commandHeader, nil

	case event.EventTypeClaimFile, event.EventTypeClaimApprove:
		var j claimJSON
		if err := unmarshal(et, data, &j); err != nil {
			return nil, commandHeader{}, err
		}
		buyer, err := parseID("buyer", j.Buyer)
		if err != nil {
			return nil, commandHeader{}, err
		}
		policyID, err := parseOptionalID("policy_id", j.PolicyID)
		if err != nil {
			return nil, commandHeader{}, err
		}
		amount, err := parseAmount("amount", j.Amount)
		if err != nil {
			return nil, commandHeader{}, err
		}
		if et == event.EventTypeClaimFile {
			return &event.ClaimFile{Buyer: buyer, PolicyID: policyID, Amount: amount}, j.commandHeader, nil
		}
		return &event.ClaimApprove{Buyer: buyer, PolicyID: policyID, Amount: amount}, j.commandHeader, nil

	case event.EventTypeCoverageExpire:
		var j expireJSON
		if err := unmarshal(et, data, &j); err != nil {
			return nil, commandHeader{}, err
		}
		buyer, err := parseID("buyer", j.Buyer)
		if err != nil {
			return nil, commandHeader{}, err
		}
		policyID, err := parseOptionalID("policy_id", j.PolicyID)
		if err != nil {
			return nil, commandHeader{}, err
		}
		return &event.CoverageExpire{Buyer: buyer, PolicyID: policyID}, j.commandHeader, nil

	case event.EventTypeLapseSweep:
		var j commandHeader
		if err := unmarshal(et, data, &j); err != nil {
			return nil, commandHeader{}, err
		}
		return &event.LapseSweep{}, j, nil

	default:
		return nil, commandHeader{}, fmt.Errorf("unknown command type: %s", et)
	}
}

func unmarshal(et event.EventType, data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", et, err)
	}
	return nil
}

func parseAmount(field, s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("missing %s", field)
	}
	v, err := fpmath.ParseAmount(s)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", field, err)
	}
	return v, nil
}

func parseID(field, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse %s: %w", field, err)
	}
	return id, nil
}

func parseOptionalID(field, s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, nil
	}
	return parseID(field, s)
}
