package requests

import (
	"fmt"

	"VaultLedger/internal/ledger"
	fpmath "VaultLedger/internal/math"

	"github.com/google/btree"
)

// Record is the serialized form of a Request.
type Record struct {
	ID          ledger.ID `json:"id"`
	Kind        string    `json:"kind"`
	Vault       string    `json:"vault"`
	Asset       string    `json:"asset"`
	Owner       string    `json:"owner"`
	Beneficiary string    `json:"beneficiary"`
	Amount      string    `json:"amount"`
	BatchID     ledger.ID `json:"batch_id"`
	Seq         uint64    `json:"seq"`
	CreatedAt   int64     `json:"created_at"`
	Status      string    `json:"status"`
	Payout      string    `json:"payout"`
	CompletedAt int64     `json:"completed_at"`
}

func (r Request) Record() Record {
	return Record{
		ID:          r.ID,
		Kind:        r.Kind.String(),
		Vault:       r.Vault,
		Asset:       r.Asset,
		Owner:       r.Owner,
		Beneficiary: r.Beneficiary,
		Amount:      fpmath.String(r.Amount),
		BatchID:     r.BatchID,
		Seq:         r.Seq,
		CreatedAt:   r.CreatedAt,
		Status:      r.Status.String(),
		Payout:      fpmath.String(r.Payout),
		CompletedAt: r.CompletedAt,
	}
}

func (rec Record) ToRequest() (*Request, error) {
	kind, err := ParseKind(rec.Kind)
	if err != nil {
		return nil, err
	}
	status, err := ParseStatus(rec.Status)
	if err != nil {
		return nil, err
	}
	amount, err := fpmath.ParseAmount(rec.Amount)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", rec.ID.Short(), err)
	}
	payout, err := fpmath.ParseAmount(rec.Payout)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", rec.ID.Short(), err)
	}
	return &Request{
		ID:          rec.ID,
		Kind:        kind,
		Vault:       rec.Vault,
		Asset:       rec.Asset,
		Owner:       rec.Owner,
		Beneficiary: rec.Beneficiary,
		Amount:      amount,
		BatchID:     rec.BatchID,
		Seq:         rec.Seq,
		CreatedAt:   rec.CreatedAt,
		Status:      status,
		Payout:      payout,
		CompletedAt: rec.CompletedAt,
	}, nil
}

type Snapshot struct {
	Counter  uint64   `json:"counter"`
	Requests []Record `json:"requests"`
}

func (l *Ledger) Snapshot() Snapshot {
	snap := Snapshot{Counter: l.counter}
	for _, r := range l.all() {
		snap.Requests = append(snap.Requests, r.Record())
	}
	return snap
}

// Restore replaces the arena and rebuilds the pending index.
func (l *Ledger) Restore(snap Snapshot) error {
	records := make(map[ledger.ID]*Request, len(snap.Requests))
	pending := btree.NewG(defaultTreeDegree, pendingItem.Less)
	for _, rec := range snap.Requests {
		r, err := rec.ToRequest()
		if err != nil {
			return err
		}
		records[r.ID] = r
		if r.Status == StatusPending {
			pending.ReplaceOrInsert(pendingItem{BatchID: r.BatchID, Seq: r.Seq, ID: r.ID})
		}
	}
	l.counter = snap.Counter
	l.records = records
	l.pending = pending
	return nil
}
