package event

import "VaultLedger/internal/ledger"

// BatchCreate opens a batch for (Vault, Asset).
type BatchCreate struct {
	Header
	Vault string
	Asset string
}

func (e *BatchCreate) EventType() EventType { return EventTypeBatchCreate }
func (e *BatchCreate) VaultID() *string     { return &e.Vault }

// BatchClose freezes a batch, optionally opening its successor.
type BatchClose struct {
	Header
	BatchID    ledger.ID
	CreateNext bool
}

func (e *BatchClose) EventType() EventType { return EventTypeBatchClose }
func (e *BatchClose) VaultID() *string     { return nil }
