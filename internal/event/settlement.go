package event

import (
	"VaultLedger/internal/ledger"

	"github.com/holiman/uint256"
)

// SettlementPropose submits a relayer's reported total for a closed batch.
type SettlementPropose struct {
	Header
	BatchID             ledger.ID
	ProposedTotalAssets *uint256.Int
	CooldownSeconds     int64
}

func (e *SettlementPropose) EventType() EventType { return EventTypeSettlementPropose }
func (e *SettlementPropose) VaultID() *string     { return nil }

// SettlementReject is a guardian veto.
type SettlementReject struct {
	Header
	ProposalID ledger.ID
}

func (e *SettlementReject) EventType() EventType { return EventTypeSettlementReject }
func (e *SettlementReject) VaultID() *string     { return nil }

// SettlementExecute settles a proposal whose timelock has elapsed.
type SettlementExecute struct {
	Header
	ProposalID ledger.ID
}

func (e *SettlementExecute) EventType() EventType { return EventTypeSettlementExecute }
func (e *SettlementExecute) VaultID() *string     { return nil }
