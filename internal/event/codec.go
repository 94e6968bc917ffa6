package event

import (
	"encoding/json"
	"fmt"
)

// New returns an empty command of the given type.
func New(et EventType) (Event, error) {
	switch et {
	case EventTypePoolDeposit:
		return &PoolDeposit{}, nil
	case EventTypePoolWithdraw:
		return &PoolWithdraw{}, nil
	case EventTypePolicyIssue:
		return &PolicyIssue{}, nil
	case EventTypePolicyRetire:
		return &PolicyRetire{}, nil
	case EventTypeCoveragePurchase:
		return &CoveragePurchase{}, nil
	case EventTypeClaimFile:
		return &ClaimFile{}, nil
	case EventTypeClaimApprove:
		return &ClaimApprove{}, nil
	case EventTypeCoverageExpire:
		return &CoverageExpire{}, nil
	case EventTypeLapseSweep:
		return &LapseSweep{}, nil
	default:
		return nil, fmt.Errorf("unknown event type: %d", et)
	}
}

// Encode serializes a command into an envelope payload.
func Encode(evt Event) ([]byte, error) {
	return json.Marshal(evt)
}

// Decode rebuilds a command from an envelope payload.
func Decode(et EventType, payload []byte) (Event, error) {
	evt, err := New(et)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", et, err)
	}
	return evt, nil
}

// FromEnvelope rebuilds the command of a logged envelope with its epoch
// pinned, ready for replay.
func FromEnvelope(env *EventEnvelope) (Event, error) {
	evt, err := Decode(env.EventType, env.Payload)
	if err != nil {
		return nil, err
	}
	h := evt.Header()
	h.Key = env.IdempotencyKey
	h.Source = env.Source
	h.Seq = env.SourceSequence
	h.Timestamp = env.Timestamp
	h.Epoch = env.Epoch
	h.Pinned = true
	return evt, nil
}
