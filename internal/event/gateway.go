package event

import (
	"VaultLedger/internal/ledger"

	"github.com/holiman/uint256"
)

// GatewayDeposit is collateral received for minting to Beneficiary.
type GatewayDeposit struct {
	Header
	Vault       string
	Asset       string
	Amount      *uint256.Int
	Beneficiary string
}

func (e *GatewayDeposit) EventType() EventType { return EventTypeGatewayDeposit }
func (e *GatewayDeposit) VaultID() *string     { return &e.Vault }

// GatewayRedeemRequest burns tokens for collateral paid after settlement.
type GatewayRedeemRequest struct {
	Header
	Vault       string
	Asset       string
	Amount      *uint256.Int
	Beneficiary string
}

func (e *GatewayRedeemRequest) EventType() EventType { return EventTypeGatewayRedeemRequest }
func (e *GatewayRedeemRequest) VaultID() *string     { return &e.Vault }

// GatewayRedeemFinalize pays a settled redemption.
type GatewayRedeemFinalize struct {
	Header
	RequestID ledger.ID
}

func (e *GatewayRedeemFinalize) EventType() EventType { return EventTypeGatewayRedeemFinalize }
func (e *GatewayRedeemFinalize) VaultID() *string     { return nil }

// GatewayMintClaim finalizes a settled deposit.
type GatewayMintClaim struct {
	Header
	RequestID ledger.ID
}

func (e *GatewayMintClaim) EventType() EventType { return EventTypeGatewayMintClaim }
func (e *GatewayMintClaim) VaultID() *string     { return nil }
