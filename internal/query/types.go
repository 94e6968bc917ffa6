package query

import "github.com/google/uuid"

// Amounts are decimal strings at the ledger precision ("100.5").

// PoolResponse is the pool state for API queries.
type PoolResponse struct {
	Asset        string `json:"asset"`
	Free         string `json:"free"`
	Locked       string `json:"locked"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// PolicyResponse is a policy template for API queries.
type PolicyResponse struct {
	ID              uuid.UUID `json:"id"`
	Kind            string    `json:"kind"`
	Coverage        string    `json:"coverage"`
	Price           string    `json:"price"`
	Duration        uint64    `json:"duration"`
	RemainingSupply uint64    `json:"remaining_supply"`
	InitialSupply   uint64    `json:"initial_supply"`
	Issued          uint64    `json:"issued"`
	IssuedEpoch     uint64    `json:"issued_epoch"`
	Retired         bool      `json:"retired"`
}

// RecordResponse is a coverage record for API queries.
type RecordResponse struct {
	Buyer          uuid.UUID `json:"buyer"`
	PolicyID       uuid.UUID `json:"policy_id"`
	Coverage       string    `json:"coverage"`
	PurchasedEpoch uint64    `json:"purchased_epoch"`
	ExpiryEpoch    uint64    `json:"expiry_epoch"`
	Claimed        string    `json:"claimed"`
	Applied        string    `json:"applied"`
	ClaimState     string    `json:"claim_state"`
	Closed         bool      `json:"closed"`
	AsOfSequence   int64     `json:"as_of_sequence"`
}

// HistoryResponse is one change to a buyer's coverage.
type HistoryResponse struct {
	Sequence   int64     `json:"sequence"`
	EventType  string    `json:"event_type"`
	Epoch      uint64    `json:"epoch"`
	PolicyID   uuid.UUID `json:"policy_id"`
	ClaimState string    `json:"claim_state"`
	Claimed    string    `json:"claimed"`
	Applied    string    `json:"applied"`
	Payout     string    `json:"payout"`
	Closed     bool      `json:"closed"`
}

// JournalHistoryEntry is a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Amount        string `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	Conservation    bool    `json:"conservation"`
	BackingMatches  bool    `json:"backing_matches"`
	Sequence        int64   `json:"sequence"`
}
