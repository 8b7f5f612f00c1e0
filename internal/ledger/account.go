package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeCollateral AccountSubType = iota

	// System sub-types
	SubTypeSystemClearing // counterparty of every realized PnL settlement
	SubTypeSystemInsuranceFund
	SubTypeSystemSocializedLoss

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
)

var subTypeNames = map[AccountSubType]string{
	SubTypeCollateral:           "collateral",
	SubTypeSystemClearing:       "clearing",
	SubTypeSystemInsuranceFund:  "insurance_fund",
	SubTypeSystemSocializedLoss: "socialized_loss",
	SubTypeExternalDeposits:     "deposits",
	SubTypeExternalWithdrawals:  "withdrawals",
}

// AssetID maps asset strings to numeric IDs for performance
type AssetID uint16

// AssetUSDC is the only collateral asset.
const AssetUSDC AssetID = 2

var (
	assetToID = map[string]AssetID{
		"USDC": AssetUSDC,
	}
	idToAsset = map[AssetID]string{
		AssetUSDC: "USDC",
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

// AccountKey is the in-memory key for balance tracking (20 bytes, comparable)
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // trader id for users, zero for system and external accounts
	SubType  AccountSubType
	AssetID  AssetID
}

// NewUserAccountKey creates a key for trader accounts
func NewUserAccountKey(trader uuid.UUID, subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: trader,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewSystemAccountKey creates a key for protocol-owned accounts
func NewSystemAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		SubType: subType,
		AssetID: assetID,
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
	name, ok := subTypeNames[k.SubType]
	if !ok {
		name = "unknown"
	}

	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s:%s:%s", uuid.UUID(k.EntityID).String(), name, assetName)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", name, assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", name, assetName)
	}
	return "unknown"
}
