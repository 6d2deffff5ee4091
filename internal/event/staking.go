package event

import (
	"VaultLedger/internal/ledger"

	"github.com/holiman/uint256"
)

// StakeRequest stakes Amount assets on behalf of the caller.
type StakeRequest struct {
	Header
	Vault     string
	Recipient string
	Amount    *uint256.Int
}

func (e *StakeRequest) EventType() EventType { return EventTypeStakeRequest }
func (e *StakeRequest) VaultID() *string     { return &e.Vault }

// UnstakeRequest redeems Shares for assets paid to Recipient.
type UnstakeRequest struct {
	Header
	Vault     string
	Recipient string
	Shares    *uint256.Int
}

func (e *UnstakeRequest) EventType() EventType { return EventTypeUnstakeRequest }
func (e *UnstakeRequest) VaultID() *string     { return &e.Vault }

type StakeClaim struct {
	Header
	RequestID ledger.ID
}

func (e *StakeClaim) EventType() EventType { return EventTypeStakeClaim }
func (e *StakeClaim) VaultID() *string     { return nil }

type UnstakeClaim struct {
	Header
	RequestID ledger.ID
}

func (e *UnstakeClaim) EventType() EventType { return EventTypeUnstakeClaim }
func (e *UnstakeClaim) VaultID() *string     { return nil }

// RequestCancel withdraws a pending request of either entry point.
type RequestCancel struct {
	Header
	RequestID ledger.ID
}

func (e *RequestCancel) EventType() EventType { return EventTypeRequestCancel }
func (e *RequestCancel) VaultID() *string     { return nil }
