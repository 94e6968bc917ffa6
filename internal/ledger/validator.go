package ledger

import (
	"fmt"
)

// PoolAccountant checks ledger invariants over the reserve pool
type PoolAccountant struct {
	tracker *BalanceTracker
}

func NewPoolAccountant(tracker *BalanceTracker) *PoolAccountant {
	return &PoolAccountant{
		tracker: tracker,
	}
}

// Conservation is the breakdown of value that entered and left the pool.
// All fields are positive magnitudes.
type Conservation struct {
	Free        int64
	Locked      int64
	Deposits    int64
	Premiums    int64
	Payouts     int64
	Withdrawals int64
}

// Holds reports free + locked + payouts + withdrawals == deposits + premiums.
func (c Conservation) Holds() bool {
	return c.Free+c.Locked+c.Payouts+c.Withdrawals == c.Deposits+c.Premiums
}

// Conservation reads the current breakdown for an asset
func (a *PoolAccountant) Conservation(assetID AssetID) Conservation {
	return Conservation{
		Free:        a.tracker.PoolFree(assetID),
		Locked:      a.tracker.PoolLocked(assetID),
		Deposits:    -a.tracker.GetBalance(NewExternalAccountKey(SubTypeExternalDeposits, assetID)),
		Premiums:    -a.tracker.SumByScope(AccountScopeBuyer, SubTypeBuyerPremiums, assetID),
		Payouts:     a.tracker.SumByScope(AccountScopeBuyer, SubTypeBuyerPayouts, assetID),
		Withdrawals: a.tracker.GetBalance(NewExternalAccountKey(SubTypeExternalWithdrawals, assetID)),
	}
}

// ValidateBatchBalance verifies batch is balanced
func (a *PoolAccountant) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateGlobalBalance verifies system is zero-sum. With the account layout
// above this is the same statement as Conservation.Holds.
func (a *PoolAccountant) ValidateGlobalBalance() error {
	totals := a.tracker.ComputeGlobalBalance()

	for assetID, total := range totals {
		if total != 0 {
			assetName, _ := GetAssetName(assetID)
			return fmt.Errorf("global balance for %s is non-zero: %d", assetName, total)
		}
	}

	return nil
}

// ValidatePoolNonNegative checks free >= 0 and locked >= 0
func (a *PoolAccountant) ValidatePoolNonNegative(assetID AssetID) error {
	if err := a.tracker.ValidateNonNegative(NewPoolAccountKey(SubTypePoolFree, assetID)); err != nil {
		return err
	}
	return a.tracker.ValidateNonNegative(NewPoolAccountKey(SubTypePoolLocked, assetID))
}

// ValidateLockedBacking checks locked equals the collateral owed to templates
// and live records.
func (a *PoolAccountant) ValidateLockedBacking(assetID AssetID, expected int64) error {
	locked := a.tracker.PoolLocked(assetID)
	if locked != expected {
		return fmt.Errorf("locked pool %d does not match outstanding backing %d", locked, expected)
	}
	return nil
}

// ValidateAll runs every pool invariant for an asset
func (a *PoolAccountant) ValidateAll(assetID AssetID, expectedBacking int64) error {
	if err := a.ValidateGlobalBalance(); err != nil {
		return err
	}
	if c := a.Conservation(assetID); !c.Holds() {
		return fmt.Errorf("conservation broken: %+v", c)
	}
	if err := a.ValidatePoolNonNegative(assetID); err != nil {
		return err
	}
	return a.ValidateLockedBacking(assetID, expectedBacking)
}
