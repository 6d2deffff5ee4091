package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeBatchCreate
	EventTypeBatchClose
	EventTypeSettlementPropose
	EventTypeSettlementReject
	EventTypeSettlementExecute
	EventTypeGatewayDeposit
	EventTypeGatewayRedeemRequest
	EventTypeGatewayRedeemFinalize
	EventTypeGatewayMintClaim
	EventTypeStakeRequest
	EventTypeUnstakeRequest
	EventTypeStakeClaim
	EventTypeUnstakeClaim
	EventTypeRequestCancel
)

var eventTypeNames = map[EventType]string{
	EventTypeBatchCreate:           "BatchCreate",
	EventTypeBatchClose:            "BatchClose",
	EventTypeSettlementPropose:     "SettlementPropose",
	EventTypeSettlementReject:      "SettlementReject",
	EventTypeSettlementExecute:     "SettlementExecute",
	EventTypeGatewayDeposit:        "GatewayDeposit",
	EventTypeGatewayRedeemRequest:  "GatewayRedeemRequest",
	EventTypeGatewayRedeemFinalize: "GatewayRedeemFinalize",
	EventTypeGatewayMintClaim:      "GatewayMintClaim",
	EventTypeStakeRequest:          "StakeRequest",
	EventTypeUnstakeRequest:        "UnstakeRequest",
	EventTypeStakeClaim:            "StakeClaim",
	EventTypeUnstakeClaim:          "UnstakeClaim",
	EventTypeRequestCancel:         "RequestCancel",
}

func (et EventType) String() string {
	if name, ok := eventTypeNames[et]; ok {
		return name
	}
	return "Unknown"
}

// ParseEventType is the inverse of String.
func ParseEventType(s string) EventType {
	for et, name := range eventTypeNames {
		if name == s {
			return et
		}
	}
	return EventTypeUnknown
}

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Vault context (nil for events addressed by id)
	VaultID *string

	// Address the event acts on behalf of
	Caller string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream producer and its sequence, for ordering validation
	Source         string
	SourceSequence int64

	// JSON-encoded wire payload, replayable through the parser
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// VaultID returns the vault context (nil for events addressed by id)
	VaultID() *string

	// Caller returns the address whose capabilities are checked
	Caller() string

	// Source names the upstream producer; empty skips sequence validation
	Source() string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64

	// OccurredAt is the versioned input timestamp
	OccurredAt() time.Time
}

// Header carries the fields common to every event.
type Header struct {
	Key       string
	Actor     string
	Producer  string
	Seq       int64
	Timestamp time.Time
}

func (h *Header) IdempotencyKey() string { return h.Key }
func (h *Header) Caller() string         { return h.Actor }
func (h *Header) Source() string         { return h.Producer }
func (h *Header) SourceSequence() int64  { return h.Seq }
func (h *Header) OccurredAt() time.Time  { return h.Timestamp }
