package event

import "github.com/google/uuid"

// ClaimFile is a buyer's request to draw on their coverage. PolicyID selects
// the record when records are scoped per policy and is ignored otherwise.
type ClaimFile struct {
	Meta
	Buyer    uuid.UUID `json:"buyer"`
	PolicyID uuid.UUID `json:"policy_id"`
	Amount   int64     `json:"amount"`
}

func (c *ClaimFile) EventType() EventType {
	return EventTypeClaimFile
}

// ClaimApprove is the operator's resolution of a pending claim.
type ClaimApprove struct {
	Meta
	Buyer    uuid.UUID `json:"buyer"`
	PolicyID uuid.UUID `json:"policy_id"`
	Amount   int64     `json:"amount"`
}

func (c *ClaimApprove) EventType() EventType {
	return EventTypeClaimApprove
}

// CoverageExpire lapses one record past its expiry epoch.
type CoverageExpire struct {
	Meta
	Buyer    uuid.UUID `json:"buyer"`
	PolicyID uuid.UUID `json:"policy_id"`
}

func (c *CoverageExpire) EventType() EventType {
	return EventTypeCoverageExpire
}

// LapseSweep expires every record past its expiry epoch.
type LapseSweep struct {
	Meta
}

func (s *LapseSweep) EventType() EventType {
	return EventTypeLapseSweep
}
