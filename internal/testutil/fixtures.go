package testutil

import (
	"testing"

	"VaultLedger/internal/registry"

	"github.com/holiman/uint256"
)

// Well-known addresses used across tests.
const (
	Relayer  = "relayer-1"
	Guardian = "guardian-1"
	Operator = "operator-1"
	Alice    = "alice"
	Bob      = "bob"
	Treasury = "treasury"
	Receiver = "settlement-receiver"

	AssetUSD = "USDV"

	// PlainVault is a staking vault charging no fees.
	PlainVault = "stake-plain"
	// FeeVault charges 1% management and 20% performance over a 5% hard hurdle.
	FeeVault = "stake-fees"
	// GatewayVault is the institutional issuance vault.
	GatewayVault = "gateway"
)

// Registry builds the standard test registry.
func Registry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New(
		[]registry.Asset{{Key: AssetUSD, Decimals: 18, HurdleBps: 500}},
		[]registry.Vault{
			{ID: PlainVault, Kind: registry.VaultKindPrimary, Assets: []string{AssetUSD}, Receiver: Receiver},
			{
				ID:                FeeVault,
				Kind:              registry.VaultKindSatellite,
				Assets:            []string{AssetUSD},
				ManagementFeeBps:  100,
				PerformanceFeeBps: 2000,
				HardHurdle:        true,
				FeeRecipient:      Treasury,
				Receiver:          Receiver,
			},
			{ID: GatewayVault, Kind: registry.VaultKindGateway, Assets: []string{AssetUSD}, Receiver: Receiver},
		},
	)
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	return reg
}

// Roles returns the standard role table.
func Roles() *registry.Roles {
	return registry.NewRoles([]string{Relayer}, []string{Guardian}, []string{Operator})
}

// Units returns n whole tokens at 18 decimals.
func Units(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(1_000_000_000_000_000_000))
}
