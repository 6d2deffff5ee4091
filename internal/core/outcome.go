package core

import (
	"time"

	"VaultLedger/internal/event"
	"VaultLedger/internal/fees"
	"VaultLedger/internal/gateway"
	"VaultLedger/internal/ledger"
	fpmath "VaultLedger/internal/math"
	"VaultLedger/internal/observability"
	"VaultLedger/internal/requests"
	"VaultLedger/internal/settlement"
)

// Outcome reports what an applied event produced. Only the fields relevant
// to the event type are set.
type Outcome struct {
	BatchID     ledger.ID
	NextBatchID ledger.ID
	ProposalID  ledger.ID
	RequestID   ledger.ID
	Proposal    *settlement.Proposal
	Execution   *settlement.Execution
	Claim       *gateway.Claim
	Request     *requests.Request
}

// Changes is the post-event image of every record the event touched, in
// canonical order. Its JSON encoding is the per-event state digest.
type Changes struct {
	Balances          []ledger.BalanceEntry      `json:"balances,omitempty"`
	Custody           []ledger.CustodyEntry      `json:"custody,omitempty"`
	Batches           []ledger.BatchRecord       `json:"batches,omitempty"`
	Proposals         []settlement.Record        `json:"proposals,omitempty"`
	RejectedProposals []settlement.RejectedEntry `json:"rejected_proposals,omitempty"`
	Requests          []requests.Record          `json:"requests,omitempty"`
	FeeStates         []fees.StateRecord         `json:"fee_states,omitempty"`
	Holdings          []fees.HoldingRecord       `json:"holdings,omitempty"`
}

// Rejection describes an event the core refused.
type Rejection struct {
	IdempotencyKey string
	EventType      event.EventType
	Caller         string
	Source         string
	SourceSequence int64
	Timestamp      time.Time
	Kind           ledger.ErrorKind
	Reason         string
	Payload        []byte
}

func (c *DeterministicCore) collectChanges(refs []ledger.Ref) *Changes {
	ch := &Changes{}
	for _, r := range refs {
		switch r.Kind {
		case ledger.RefBalance:
			k, err := ledger.ParseBalanceKey(r.Key)
			if err != nil {
				continue
			}
			ch.Balances = append(ch.Balances, ledger.BalanceEntry{
				Vault:  k.Vault,
				Asset:  k.Asset,
				Amount: fpmath.String(c.tracker.GetBalance(k.Vault, k.Asset)),
			})
		case ledger.RefCustody:
			ch.Custody = append(ch.Custody, ledger.CustodyEntry{
				Asset:  r.Key,
				Amount: fpmath.String(c.tracker.GetCustodied(r.Key)),
			})
		case ledger.RefBatch:
			if id, err := ledger.ParseID(r.Key); err == nil {
				if b, ok := c.batches.Batch(id); ok {
					ch.Batches = append(ch.Batches, b.Record())
				}
			}
		case ledger.RefProposal:
			id, err := ledger.ParseID(r.Key)
			if err != nil {
				continue
			}
			if p, ok := c.settlement.Proposal(id); ok {
				ch.Proposals = append(ch.Proposals, p.Record())
			} else if c.settlement.IsRejected(id) {
				// Rejected proposals are deleted; only the tombstone remains.
				ch.RejectedProposals = append(ch.RejectedProposals, c.settlement.Tombstone(id))
			}
		case ledger.RefRequest:
			if id, err := ledger.ParseID(r.Key); err == nil {
				if req, ok := c.requests.Get(id); ok {
					ch.Requests = append(ch.Requests, req.Record())
				}
			}
		case ledger.RefFeeState:
			if s, ok := c.fees.State(r.Key); ok {
				ch.FeeStates = append(ch.FeeStates, s.Record())
			}
		case ledger.RefHolding:
			if vault, holder, err := fees.ParseHoldingKey(r.Key); err == nil {
				ch.Holdings = append(ch.Holdings, c.fees.Holding(vault, holder).Record())
			}
		}
	}
	return ch
}

func (c *DeterministicCore) recordOutcomeMetrics(out *CoreOutput) {
	m := c.metrics
	if m == nil {
		return
	}
	if out.Posting != nil {
		for _, j := range out.Posting.Journals {
			m.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
		}
	}
	for _, b := range out.Changes.Balances {
		if v, err := fpmath.ParseAmount(b.Amount); err == nil {
			m.VirtualBalance.WithLabelValues(b.Vault, b.Asset).Set(observability.UnitsFloat(v))
		}
	}
	for _, b := range out.Changes.Batches {
		m.BatchTransitions.WithLabelValues(b.Vault, b.Asset, b.State).Inc()
		if b.State == ledger.BatchOpen.String() {
			m.BatchOpen.WithLabelValues(b.Vault, b.Asset).Set(float64(b.Sequence))
		}
	}
	for _, r := range out.Changes.Requests {
		m.RequestTransitions.WithLabelValues(r.Kind, r.Status).Inc()
	}

	o := out.Outcome
	if o == nil {
		return
	}
	switch out.Envelope.EventType {
	case event.EventTypeSettlementPropose:
		if b, ok := c.batches.Batch(o.BatchID); ok {
			m.ProposalOutcomes.WithLabelValues(b.Vault, "proposed").Inc()
		}
	case event.EventTypeSettlementReject:
		if b, ok := c.batches.Batch(o.BatchID); ok {
			m.ProposalOutcomes.WithLabelValues(b.Vault, "rejected").Inc()
		}
	}
	if e := o.Execution; e != nil {
		m.ProposalOutcomes.WithLabelValues(e.Vault, "executed").Inc()
		m.FeesCollected.WithLabelValues(e.Vault).Add(observability.UnitsFloat(e.FeesCollected))
		m.SharePrice.WithLabelValues(e.Vault, "gross").Set(observability.FixedFloat(e.Quote.Gross))
		m.SharePrice.WithLabelValues(e.Vault, "net").Set(observability.FixedFloat(e.Quote.Net))
		m.Watermark.WithLabelValues(e.Vault).Set(observability.FixedFloat(e.Watermark))
		if e.Yield != nil && !e.Yield.IsZero() {
			m.ReconciliationDelta.WithLabelValues(e.Vault, "yield").Add(observability.UnitsFloat(e.Yield))
		}
		if e.Loss != nil && !e.Loss.IsZero() {
			m.ReconciliationDelta.WithLabelValues(e.Vault, "loss").Add(observability.UnitsFloat(e.Loss))
		}
	}
}
