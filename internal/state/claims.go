package state

// ClaimState is the lifecycle position of a coverage record.
type ClaimState int32

const (
	ClaimStateActive ClaimState = iota
	ClaimStateClaimed
	ClaimStateSettled
	ClaimStateExpired
)

func (s ClaimState) String() string {
	switch s {
	case ClaimStateActive:
		return "Active"
	case ClaimStateClaimed:
		return "Claimed"
	case ClaimStateSettled:
		return "Settled"
	case ClaimStateExpired:
		return "Expired"
	default:
		return "Unknown"
	}
}

// State derives the record's state. Removed records are Settled or Expired;
// a live record is Claimed while a claim is outstanding.
func (r *CoverageRecord) State() ClaimState {
	switch {
	case r.Applied >= r.Coverage:
		return ClaimStateSettled
	case r.Claimed != 0:
		return ClaimStateClaimed
	default:
		return ClaimStateActive
	}
}

// ClaimStateMachine validates claim/approve/expire transitions on a record.
// Validation and application are split so the engine can validate fully
// before touching any state.
type ClaimStateMachine struct {
	// StrictExpiry rejects expiry while a claim is pending instead of letting
	// the claim lapse.
	StrictExpiry bool
}

// ValidateClaim checks a buyer's claim of amount at epoch.
func (m ClaimStateMachine) ValidateClaim(r *CoverageRecord, amount int64, epoch uint64) error {
	if amount <= 0 {
		return newError(KindInvalidParameter, amount, 0, "claim amount must be positive")
	}
	if r.Lapsed(epoch) {
		return newError(KindExpired, int64(epoch), int64(r.ExpiryEpoch), "coverage expired")
	}
	if r.Claimed != 0 {
		return newError(KindAlreadyClaimed, amount, 0, "claim of %d already pending", r.Claimed)
	}
	if remaining := r.Remaining(); amount > remaining {
		return newError(KindOverClaim, amount, remaining, "claim exceeds remaining coverage")
	}
	return nil
}

// ValidateApprove checks an operator approval of amount at epoch. A pending
// claim may be completed after expiry; a fresh payout may not.
func (m ClaimStateMachine) ValidateApprove(r *CoverageRecord, amount int64, epoch uint64) error {
	if amount <= 0 {
		return newError(KindInvalidParameter, amount, 0, "approve amount must be positive")
	}
	if r.Lapsed(epoch) && r.Claimed == 0 {
		return newError(KindExpired, int64(epoch), int64(r.ExpiryEpoch), "coverage expired with no pending claim")
	}
	if amount > r.Claimed {
		return newError(KindOverApprove, amount, r.Claimed, "approve exceeds pending claim")
	}
	return nil
}

// ValidateExpire checks the record may lapse at epoch.
func (m ClaimStateMachine) ValidateExpire(r *CoverageRecord, epoch uint64) error {
	if !r.Lapsed(epoch) {
		return newError(KindNotExpired, int64(epoch), int64(r.ExpiryEpoch), "coverage still live")
	}
	if m.StrictExpiry && r.Claimed != 0 {
		return newError(KindClaimPending, r.Claimed, 0, "claim pending at expiry")
	}
	return nil
}

// ApplyClaim records the outstanding claim.
func (m ClaimStateMachine) ApplyClaim(r *CoverageRecord, amount int64) {
	r.Claimed = amount
}

// ApplyApprove pays amount against the pending claim. Any unapproved
// remainder of the claim is dropped. Returns true when the record is fully
// settled and should be removed.
func (m ClaimStateMachine) ApplyApprove(r *CoverageRecord, amount int64) bool {
	r.Applied += amount
	r.Claimed = 0
	return r.State() == ClaimStateSettled
}
