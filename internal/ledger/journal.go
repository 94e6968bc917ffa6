package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit         JournalType = iota // external:deposits -> pool:free
	JournalTypeWithdrawal                         // pool:free -> external:withdrawals
	JournalTypePolicyLock                         // pool:free -> pool:locked
	JournalTypePolicyUnlock                       // pool:locked -> pool:free (retirement)
	JournalTypePremium                            // buyer:premiums -> pool:free
	JournalTypeClaimPayout                        // pool:locked -> buyer:payouts
	JournalTypeCoverageRelease                    // pool:locked -> pool:free (expiry)
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeWithdrawal:
		return "withdrawal"
	case JournalTypePolicyLock:
		return "policy_lock"
	case JournalTypePolicyUnlock:
		return "policy_unlock"
	case JournalTypePremium:
		return "premium"
	case JournalTypeClaimPayout:
		return "claim_payout"
	case JournalTypeCoverageRelease:
		return "coverage_release"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Deterministic: derived from EventRef and leg index
	BatchID       uuid.UUID   // Groups balanced entries
	EventRef      string      // Idempotency key of source command
	Sequence      int64       // Global command sequence
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	AssetID       AssetID     // Asset being transferred
	Amount        int64       // Fixed-point amount (ALWAYS positive)
	JournalType   JournalType // Entry type
	Timestamp     int64       // Input timestamp (epoch microseconds)
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Total returns the sum of journal amounts of the given type.
func (b *Batch) Total(jt JournalType) int64 {
	if b == nil {
		return 0
	}
	var total int64
	for _, j := range b.Journals {
		if j.JournalType == jt {
			total += j.Amount
		}
	}
	return total
}

// Validate ensures the batch is well-formed.
// Each journal is a balanced transfer by construction (one positive amount moves
// from the credit account to the debit account), so Σ debits == Σ credits holds
// per entry. Multi-leg batches use several entries under one batch_id.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.AssetID != j.AssetID || j.CreditAccount.AssetID != j.AssetID {
			return fmt.Errorf("journal %s moves between assets", j.JournalID)
		}
	}

	return nil
}
