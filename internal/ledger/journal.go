package ledger

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypePush JournalType = iota
	JournalTypeRefund
	JournalTypeYield
	JournalTypeLoss
	JournalTypeFee
	JournalTypeSettlementTransfer
	JournalTypePayout
)

func (t JournalType) String() string {
	switch t {
	case JournalTypePush:
		return "push"
	case JournalTypeRefund:
		return "refund"
	case JournalTypeYield:
		return "yield"
	case JournalTypeLoss:
		return "loss"
	case JournalTypeFee:
		return "fee"
	case JournalTypeSettlementTransfer:
		return "settlement_transfer"
	case JournalTypePayout:
		return "payout"
	default:
		return "unknown"
	}
}

// journalNamespace seeds deterministic journal ids.
var journalNamespace = uuid.MustParse("6f1c7f5e-3b7a-4d43-9a59-1f0a5c2e8d11")

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID    // Deterministic: derived from event ref and position
	PostingID     uuid.UUID    // Groups entries produced by one event
	EventRef      string       // Idempotency key of source event
	Sequence      int64        // Global event sequence
	DebitAccount  AccountKey   // Account receiving debit (balance increases)
	CreditAccount AccountKey   // Account receiving credit (balance decreases)
	Asset         string       // Asset being transferred
	Amount        *uint256.Int // ALWAYS positive
	JournalType   JournalType
	Timestamp     int64 // Event timestamp (epoch seconds)
}

// Posting groups the journal entries produced by one event.
type Posting struct {
	PostingID uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// NewPosting stamps journals recorded during an event with their
// deterministic identifiers.
func NewPosting(eventRef string, sequence, timestamp int64, journals []Journal) *Posting {
	postingID := uuid.NewSHA1(journalNamespace, []byte(eventRef))
	p := &Posting{
		PostingID: postingID,
		EventRef:  eventRef,
		Sequence:  sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, len(journals)),
	}
	for i, j := range journals {
		j.JournalID = uuid.NewSHA1(postingID, []byte(strconv.Itoa(i)))
		j.PostingID = postingID
		j.EventRef = eventRef
		j.Sequence = sequence
		j.Timestamp = timestamp
		p.Journals[i] = j
	}
	return p
}

// Validate ensures the posting is well-formed. Each entry moves a single
// positive amount from credit to debit, so every entry balances on its own.
func (p *Posting) Validate() error {
	if len(p.Journals) == 0 {
		return fmt.Errorf("posting %s is empty", p.PostingID)
	}

	for _, j := range p.Journals {
		if j.Amount == nil || j.Amount.IsZero() {
			return fmt.Errorf("journal %s has non-positive amount", j.JournalID)
		}
		if j.PostingID != p.PostingID {
			return fmt.Errorf("journal %s has mismatched posting_id", j.JournalID)
		}
		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
		if j.DebitAccount.Asset != j.Asset || j.CreditAccount.Asset != j.Asset {
			return fmt.Errorf("journal %s crosses assets", j.JournalID)
		}
	}

	return nil
}
