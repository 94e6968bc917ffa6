package state

import (
	"math"

	"CoverLedger/internal/ledger"
	fpmath "CoverLedger/internal/math"
)

// AssetPool is the reserve of one denomination, split into free and locked.
// Balances live in the ledger (pool:free / pool:locked accounts); AssetPool
// only reads them and validates requested movements. It never mutates: every
// change goes through a journal batch applied by the engine.
type AssetPool struct {
	tracker *ledger.BalanceTracker
	assetID ledger.AssetID
}

func NewAssetPool(tracker *ledger.BalanceTracker, assetID ledger.AssetID) *AssetPool {
	return &AssetPool{tracker: tracker, assetID: assetID}
}

// PoolView is a point-in-time read of the pool.
type PoolView struct {
	Asset  string
	Free   int64
	Locked int64
}

func (p *AssetPool) AssetID() ledger.AssetID { return p.assetID }

func (p *AssetPool) Free() int64 { return p.tracker.PoolFree(p.assetID) }

func (p *AssetPool) Locked() int64 { return p.tracker.PoolLocked(p.assetID) }

func (p *AssetPool) View() PoolView {
	name, _ := ledger.GetAssetName(p.assetID)
	return PoolView{Asset: name, Free: p.Free(), Locked: p.Locked()}
}

// Inflow is everything ever paid into the pool: deposits plus premiums.
// Every pool and counterpart balance is bounded by it.
func (p *AssetPool) Inflow() int64 {
	deposits := -p.tracker.GetBalance(ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, p.assetID))
	premiums := -p.tracker.SumByScope(ledger.AccountScopeBuyer, ledger.SubTypeBuyerPremiums, p.assetID)
	return deposits + premiums
}

// CheckDeposit requires amount > 0 and room for it in the pool.
func (p *AssetPool) CheckDeposit(amount int64) error {
	if amount <= 0 {
		return newError(KindInvalidParameter, amount, 0, "deposit amount must be positive")
	}
	return p.checkInflow(amount, "deposit")
}

// CheckPremium requires room in the pool for a premium credit.
func (p *AssetPool) CheckPremium(price int64) error {
	return p.checkInflow(price, "premium")
}

func (p *AssetPool) checkInflow(amount int64, what string) error {
	inflow := p.Inflow()
	if _, ok := fpmath.CheckedAdd(inflow, amount); !ok {
		return newError(KindInvalidParameter, amount, math.MaxInt64-inflow,
			"%s would overflow pool capacity", what)
	}
	return nil
}

// CheckWithdraw requires 0 < amount <= free.
func (p *AssetPool) CheckWithdraw(amount int64) error {
	if amount <= 0 {
		return newError(KindInvalidParameter, amount, 0, "withdraw amount must be positive")
	}
	if free := p.Free(); amount > free {
		return newError(KindInsufficientFunds, amount, free, "withdraw exceeds free reserve")
	}
	return nil
}

// CheckLock requires amount <= free.
func (p *AssetPool) CheckLock(amount int64) error {
	if free := p.Free(); amount > free {
		return newError(KindInsufficientReserve, amount, free, "coverage exceeds free reserve")
	}
	return nil
}

// CheckUnlock requires amount <= locked.
func (p *AssetPool) CheckUnlock(amount int64) error {
	if locked := p.Locked(); amount > locked {
		return newError(KindInsufficientFunds, amount, locked, "release exceeds locked collateral")
	}
	return nil
}
