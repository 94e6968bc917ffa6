package event

import "github.com/google/uuid"

// PolicyIssue creates a template and locks coverage × supply.
// PolicyID is optional; the core derives one from the idempotency key when
// it is zero so replays produce the same ID.
type PolicyIssue struct {
	Meta
	PolicyID uuid.UUID `json:"policy_id"`
	Kind     string    `json:"kind"`
	Coverage int64     `json:"coverage"`
	Price    int64     `json:"price"`
	Duration uint64    `json:"duration"`
	Supply   uint64    `json:"supply"`
}

func (p *PolicyIssue) EventType() EventType {
	return EventTypePolicyIssue
}

// PolicyRetire removes a template and releases its unsold backing.
type PolicyRetire struct {
	Meta
	PolicyID uuid.UUID `json:"policy_id"`
}

func (p *PolicyRetire) EventType() EventType {
	return EventTypePolicyRetire
}

// CoveragePurchase buys one unit of a template for Buyer.
type CoveragePurchase struct {
	Meta
	PolicyID uuid.UUID `json:"policy_id"`
	Buyer    uuid.UUID `json:"buyer"`
	Payment  int64     `json:"payment"`
}

func (p *CoveragePurchase) EventType() EventType {
	return EventTypeCoveragePurchase
}
