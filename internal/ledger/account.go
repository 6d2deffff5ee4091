package ledger

import (
	"fmt"
	"strings"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeVault AccountScope = iota
	AccountScopeSystem
	AccountScopeReceiver
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// Vault sub-types
	SubTypeVirtualBalance AccountSubType = iota
	SubTypeTreasury

	// System sub-types
	SubTypeCustody

	// Receiver sub-types
	SubTypeSettlement

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalRefunds
	SubTypeExternalPayouts
	SubTypeExternalYield
	SubTypeExternalLoss
)

var subTypeNames = map[AccountSubType]string{
	SubTypeVirtualBalance:   "balance",
	SubTypeTreasury:         "treasury",
	SubTypeCustody:          "custody",
	SubTypeSettlement:       "settlement",
	SubTypeExternalDeposits: "deposits",
	SubTypeExternalRefunds:  "refunds",
	SubTypeExternalPayouts:  "payouts",
	SubTypeExternalYield:    "yield",
	SubTypeExternalLoss:     "loss",
}

var scopeNames = map[AccountScope]string{
	AccountScopeVault:    "vault",
	AccountScopeSystem:   "system",
	AccountScopeReceiver: "receiver",
	AccountScopeExternal: "external",
}

// AccountKey names one side of a journal entry.
type AccountKey struct {
	Scope   AccountScope
	Entity  string // vault id or receiver address; empty for system/external
	SubType AccountSubType
	Asset   string
}

// NewVaultAccountKey creates a key for a vault's virtual balance or treasury.
func NewVaultAccountKey(vaultID string, subType AccountSubType, asset string) AccountKey {
	return AccountKey{Scope: AccountScopeVault, Entity: vaultID, SubType: subType, Asset: asset}
}

// NewCustodyAccountKey creates the key for custodied funds of an asset.
func NewCustodyAccountKey(asset string) AccountKey {
	return AccountKey{Scope: AccountScopeSystem, SubType: SubTypeCustody, Asset: asset}
}

// NewReceiverAccountKey creates a key for a settlement receiver.
func NewReceiverAccountKey(receiver, asset string) AccountKey {
	return AccountKey{Scope: AccountScopeReceiver, Entity: receiver, SubType: SubTypeSettlement, Asset: asset}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, asset string) AccountKey {
	return AccountKey{Scope: AccountScopeExternal, SubType: subType, Asset: asset}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeVault, AccountScopeReceiver:
		return fmt.Sprintf("%s:%s:%s:%s", scopeNames[k.Scope], k.Entity, k.subTypeName(), k.Asset)
	case AccountScopeSystem, AccountScopeExternal:
		return fmt.Sprintf("%s:%s:%s", scopeNames[k.Scope], k.subTypeName(), k.Asset)
	}
	return "unknown"
}

func (k AccountKey) String() string {
	return k.AccountPath()
}

func (k AccountKey) subTypeName() string {
	if name, ok := subTypeNames[k.SubType]; ok {
		return name
	}
	return "unknown"
}

// ParseAccountPath is the inverse of AccountPath.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")
	if len(parts) < 3 {
		return AccountKey{}, fmt.Errorf("malformed account path %q", path)
	}

	var key AccountKey
	found := false
	for scope, name := range scopeNames {
		if name == parts[0] {
			key.Scope = scope
			found = true
			break
		}
	}
	if !found {
		return AccountKey{}, fmt.Errorf("unknown account scope in %q", path)
	}

	var subType string
	switch key.Scope {
	case AccountScopeVault, AccountScopeReceiver:
		if len(parts) != 4 {
			return AccountKey{}, fmt.Errorf("malformed account path %q", path)
		}
		key.Entity, subType, key.Asset = parts[1], parts[2], parts[3]
	default:
		if len(parts) != 3 {
			return AccountKey{}, fmt.Errorf("malformed account path %q", path)
		}
		subType, key.Asset = parts[1], parts[2]
	}

	for st, name := range subTypeNames {
		if name == subType {
			key.SubType = st
			return key, nil
		}
	}
	return AccountKey{}, fmt.Errorf("unknown account sub-type in %q", path)
}
