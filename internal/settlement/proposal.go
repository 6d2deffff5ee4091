// Package settlement reconciles closed batches against reported custodial
// value through a timelocked proposal that a guardian may veto.
package settlement

import (
	"fmt"

	"VaultLedger/internal/ledger"
	fpmath "VaultLedger/internal/math"

	"github.com/holiman/uint256"
)

// Status is the stored state of a proposal. Accepted is not stored: a
// Proposed record whose timelock has elapsed is Accepted.
type Status uint8

const (
	StatusProposed Status = iota + 1
	StatusAccepted
	StatusRejected
	StatusExecuted
)

func (s Status) String() string {
	switch s {
	case StatusProposed:
		return "proposed"
	case StatusAccepted:
		return "accepted"
	case StatusRejected:
		return "rejected"
	case StatusExecuted:
		return "executed"
	default:
		return "none"
	}
}

func ParseStatus(s string) (Status, error) {
	for _, st := range []Status{StatusProposed, StatusAccepted, StatusRejected, StatusExecuted} {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown proposal status %q", s)
}

// Proposal is a relayer's claim about a closed batch's total assets.
type Proposal struct {
	ID                  ledger.ID
	BatchID             ledger.ID
	Proposer            string
	ProposedTotalAssets *uint256.Int
	CreatedAt           int64
	CooldownSeconds     int64
	Status              Status
	ExecutedAt          int64
}

func (p *Proposal) clone() *Proposal {
	c := *p
	c.ProposedTotalAssets = fpmath.Clone(p.ProposedTotalAssets)
	return &c
}

// UnlocksAt is the first instant execute may succeed.
func (p Proposal) UnlocksAt() int64 {
	return p.CreatedAt + p.CooldownSeconds
}

// StatusAt resolves the derived Accepted state.
func (p Proposal) StatusAt(now int64) Status {
	if p.Status == StatusProposed && now >= p.UnlocksAt() {
		return StatusAccepted
	}
	return p.Status
}

// Record is the serialized form of a Proposal.
type Record struct {
	ID                  ledger.ID `json:"id"`
	BatchID             ledger.ID `json:"batch_id"`
	Proposer            string    `json:"proposer"`
	ProposedTotalAssets string    `json:"proposed_total_assets"`
	CreatedAt           int64     `json:"created_at"`
	CooldownSeconds     int64     `json:"cooldown_seconds"`
	Status              string    `json:"status"`
	ExecutedAt          int64     `json:"executed_at"`
}

func (p Proposal) Record() Record {
	return Record{
		ID:                  p.ID,
		BatchID:             p.BatchID,
		Proposer:            p.Proposer,
		ProposedTotalAssets: fpmath.String(p.ProposedTotalAssets),
		CreatedAt:           p.CreatedAt,
		CooldownSeconds:     p.CooldownSeconds,
		Status:              p.Status.String(),
		ExecutedAt:          p.ExecutedAt,
	}
}

func (r Record) ToProposal() (*Proposal, error) {
	status, err := ParseStatus(r.Status)
	if err != nil {
		return nil, err
	}
	total, err := fpmath.ParseAmount(r.ProposedTotalAssets)
	if err != nil {
		return nil, fmt.Errorf("proposal %s: %w", r.ID.Short(), err)
	}
	return &Proposal{
		ID:                  r.ID,
		BatchID:             r.BatchID,
		Proposer:            r.Proposer,
		ProposedTotalAssets: total,
		CreatedAt:           r.CreatedAt,
		CooldownSeconds:     r.CooldownSeconds,
		Status:              status,
		ExecutedAt:          r.ExecutedAt,
	}, nil
}
