package ledger

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	balances map[AccountKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] += j.Amount
	bt.balances[j.CreditAccount] -= j.Amount
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances[key]
}

// === Pool Queries ===

// PoolFree returns the uncommitted reserve
func (bt *BalanceTracker) PoolFree(assetID AssetID) int64 {
	return bt.GetBalance(NewPoolAccountKey(SubTypePoolFree, assetID))
}

// PoolLocked returns the reserve committed to outstanding coverage
func (bt *BalanceTracker) PoolLocked(assetID AssetID) int64 {
	return bt.GetBalance(NewPoolAccountKey(SubTypePoolLocked, assetID))
}

// BuyerPaid returns the total paid out to a buyer
func (bt *BalanceTracker) BuyerPaid(buyer uuid.UUID, assetID AssetID) int64 {
	return bt.GetBalance(NewBuyerAccountKey(buyer, SubTypeBuyerPayouts, assetID))
}

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[AssetID]int64 {
	totals := make(map[AssetID]int64)

	for key, balance := range bt.balances {
		totals[key.AssetID] += balance
	}

	return totals
}

// SumByScope totals every account of one scope and sub-type, e.g. all buyer payouts.
func (bt *BalanceTracker) SumByScope(scope AccountScope, subType AccountSubType, assetID AssetID) int64 {
	var total int64
	for key, balance := range bt.balances {
		if key.Scope == scope && key.SubType == subType && key.AssetID == assetID {
			total += balance
		}
	}
	return total
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// Snapshot returns a copy of all balances (for state hashing)
func (bt *BalanceTracker) Snapshot() map[AccountKey]int64 {
	snapshot := make(map[AccountKey]int64, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}

// BalanceEntry is one account balance in a serializable form.
type BalanceEntry struct {
	Scope    AccountScope   `json:"scope"`
	EntityID uuid.UUID      `json:"entity_id"`
	SubType  AccountSubType `json:"sub_type"`
	AssetID  AssetID        `json:"asset_id"`
	Balance  int64          `json:"balance"`
}

// Key rebuilds the account key of the entry.
func (e BalanceEntry) Key() AccountKey {
	return AccountKey{Scope: e.Scope, EntityID: e.EntityID, SubType: e.SubType, AssetID: e.AssetID}
}

// Entries returns all non-zero balances ordered by account path.
func (bt *BalanceTracker) Entries() []BalanceEntry {
	keys := make([]AccountKey, 0, len(bt.balances))
	for k, v := range bt.balances {
		if v != 0 {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].AccountPath() < keys[j].AccountPath()
	})

	entries := make([]BalanceEntry, 0, len(keys))
	for _, k := range keys {
		entries = append(entries, BalanceEntry{
			Scope:    k.Scope,
			EntityID: uuid.UUID(k.EntityID),
			SubType:  k.SubType,
			AssetID:  k.AssetID,
			Balance:  bt.balances[k],
		})
	}
	return entries
}

// Restore replaces all balances with the given entries.
func (bt *BalanceTracker) Restore(entries []BalanceEntry) {
	bt.balances = make(map[AccountKey]int64, len(entries))
	for _, e := range entries {
		bt.balances[e.Key()] = e.Balance
	}
}
