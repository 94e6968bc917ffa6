package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopePool AccountScope = iota
	AccountScopeBuyer
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// Pool sub-types
	SubTypePoolFree AccountSubType = iota
	SubTypePoolLocked

	// Buyer sub-types (counterparty side of premiums and payouts)
	SubTypeBuyerPremiums
	SubTypeBuyerPayouts

	// External sub-types (operator side of the reserve)
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
)

// AssetID maps asset strings to numeric IDs for performance
type AssetID uint16

var (
	assetToID = map[string]AssetID{
		"USDT": 1,
		"USDC": 2,
		"BTC":  3,
		"ETH":  4,
		"XRD":  5,
	}
	idToAsset = map[AssetID]string{
		1: "USDT",
		2: "USDC",
		3: "BTC",
		4: "ETH",
		5: "XRD",
	}
)

func GetAssetID(asset string) (AssetID, bool) {
	id, ok := assetToID[asset]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	name, ok := idToAsset[id]
	return name, ok
}

// AccountKey is the in-memory key for balance tracking (20 bytes, cache-friendly)
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // buyer identity for buyer accounts, zero otherwise
	SubType  AccountSubType
	AssetID  AssetID
}

// NewPoolAccountKey creates a key for one side of the reserve pool
func NewPoolAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopePool,
		SubType: subType,
		AssetID: assetID,
	}
}

// NewBuyerAccountKey creates a key for a buyer's premium or payout account
func NewBuyerAccountKey(buyer uuid.UUID, subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeBuyer,
		EntityID: buyer,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: assetID,
	}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case AccountScopePool:
		return fmt.Sprintf("pool:%s:%s", k.subTypeName(), assetName)
	case AccountScopeBuyer:
		return fmt.Sprintf("buyer:%s:%s:%s", uuid.UUID(k.EntityID).String(), k.subTypeName(), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypePoolFree:
		return "free"
	case SubTypePoolLocked:
		return "locked"
	case SubTypeBuyerPremiums:
		return "premiums"
	case SubTypeBuyerPayouts:
		return "payouts"
	case SubTypeExternalDeposits:
		return "deposits"
	case SubTypeExternalWithdrawals:
		return "withdrawals"
	default:
		return "unknown"
	}
}
