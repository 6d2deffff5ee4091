// Package requests tracks individual stake, unstake, mint and burn
// requests from creation to their terminal state.
package requests

import (
	"bytes"
	"fmt"
	"sort"

	"VaultLedger/internal/ledger"
	fpmath "VaultLedger/internal/math"

	"github.com/google/btree"
	"github.com/holiman/uint256"
)

const defaultTreeDegree = 2

type Kind uint8

const (
	KindStake Kind = iota + 1
	KindUnstake
	KindMint
	KindBurn
)

func (k Kind) String() string {
	switch k {
	case KindStake:
		return "stake"
	case KindUnstake:
		return "unstake"
	case KindMint:
		return "mint"
	case KindBurn:
		return "burn"
	default:
		return "unknown"
	}
}

func ParseKind(s string) (Kind, error) {
	for _, k := range []Kind{KindStake, KindUnstake, KindMint, KindBurn} {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown request kind %q", s)
}

// Denomination reports whether Amount is in assets or shares.
func (k Kind) Denomination() ledger.Denomination {
	if k == KindUnstake {
		return ledger.DenomShares
	}
	return ledger.DenomAssets
}

// IsInflow reports whether the request brings assets into a vault.
func (k Kind) IsInflow() bool {
	return k == KindStake || k == KindMint
}

type Status uint8

const (
	StatusPending Status = iota + 1
	StatusClaimed
	StatusRedeemed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusClaimed:
		return "claimed"
	case StatusRedeemed:
		return "redeemed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func ParseStatus(s string) (Status, error) {
	for _, st := range []Status{StatusPending, StatusClaimed, StatusRedeemed, StatusCancelled} {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown request status %q", s)
}

// Request is one user intent bound to a batch.
type Request struct {
	ID          ledger.ID
	Kind        Kind
	Vault       string
	Asset       string
	Owner       string
	Beneficiary string
	// Amount is in shares for unstake requests and in assets otherwise.
	Amount    *uint256.Int
	BatchID   ledger.ID
	Seq       uint64
	CreatedAt int64
	Status    Status
	// Payout is shares for stake/mint claims and assets for unstake/burn.
	Payout      *uint256.Int
	CompletedAt int64
}

func (r *Request) clone() *Request {
	c := *r
	c.Amount = fpmath.Clone(r.Amount)
	c.Payout = fpmath.Clone(r.Payout)
	return &c
}

type pendingItem struct {
	BatchID ledger.ID
	Seq     uint64
	ID      ledger.ID
}

func (a pendingItem) Less(b pendingItem) bool {
	if c := bytes.Compare(a.BatchID[:], b.BatchID[:]); c != 0 {
		return c < 0
	}
	return a.Seq < b.Seq
}

// Ledger is the request arena plus a pending index ordered by batch and
// submission sequence.
type Ledger struct {
	contextID string
	counter   uint64
	records   map[ledger.ID]*Request
	pending   *btree.BTreeG[pendingItem]
}

func NewLedger(contextID string) *Ledger {
	return &Ledger{
		contextID: contextID,
		records:   make(map[ledger.ID]*Request),
		pending:   btree.NewG(defaultTreeDegree, pendingItem.Less),
	}
}

func (l *Ledger) put(tx *ledger.Tx, r *Request) {
	prev, existed := l.records[r.ID]
	l.records[r.ID] = r
	tx.Touch(ledger.RefRequest, r.ID.String())
	tx.Defer(func() {
		if existed {
			l.records[r.ID] = prev
		} else {
			delete(l.records, r.ID)
		}
	})
}

func (l *Ledger) indexPending(tx *ledger.Tx, item pendingItem) {
	l.pending.ReplaceOrInsert(item)
	tx.Defer(func() { l.pending.Delete(item) })
}

func (l *Ledger) unindexPending(tx *ledger.Tx, item pendingItem) {
	if _, found := l.pending.Delete(item); found {
		tx.Defer(func() { l.pending.ReplaceOrInsert(item) })
	}
}

// Create records a pending request against batchID.
func (l *Ledger) Create(tx *ledger.Tx, kind Kind, vault, asset, owner, beneficiary string, amount *uint256.Int, batchID ledger.ID, now int64) (ledger.ID, error) {
	if fpmath.IsZero(amount) {
		return ledger.ZeroID, ledger.ErrZeroAmount
	}
	if beneficiary == "" {
		beneficiary = owner
	}

	prev := l.counter
	l.counter++
	tx.Defer(func() { l.counter = prev })

	r := &Request{
		ID:          ledger.DeriveID(l.contextID, l.counter, "request", kind.String(), vault, asset, owner),
		Kind:        kind,
		Vault:       vault,
		Asset:       asset,
		Owner:       owner,
		Beneficiary: beneficiary,
		Amount:      fpmath.Clone(amount),
		BatchID:     batchID,
		Seq:         l.counter,
		CreatedAt:   now,
		Status:      StatusPending,
		Payout:      fpmath.Zero(),
	}
	l.put(tx, r)
	l.indexPending(tx, pendingItem{BatchID: batchID, Seq: r.Seq, ID: r.ID})
	return r.ID, nil
}

// Get returns a copy of the request.
func (l *Ledger) Get(id ledger.ID) (Request, bool) {
	r, ok := l.records[id]
	if !ok {
		return Request{}, false
	}
	return *r.clone(), true
}

func (l *Ledger) pendingRecord(id ledger.ID) (*Request, error) {
	r, ok := l.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrRequestNotFound, id.Short())
	}
	if r.Status != StatusPending {
		return nil, fmt.Errorf("%w: %s is %s", ledger.ErrRequestNotPending, id.Short(), r.Status)
	}
	return r.clone(), nil
}

// Complete moves a pending request to its terminal state with payout.
// The owning batch must be settled.
func (l *Ledger) Complete(tx *ledger.Tx, id ledger.ID, batch ledger.Batch, payout *uint256.Int, now int64) error {
	r, err := l.pendingRecord(id)
	if err != nil {
		return err
	}
	if batch.ID != r.BatchID {
		return fmt.Errorf("%w: request %s bound to batch %s", ledger.ErrInvalidState, id.Short(), r.BatchID.Short())
	}
	if batch.State != ledger.BatchSettled {
		return fmt.Errorf("%w: %s is %s", ledger.ErrBatchNotSettled, batch.ID.Short(), batch.State)
	}

	if r.Kind.IsInflow() {
		r.Status = StatusClaimed
	} else {
		r.Status = StatusRedeemed
	}
	r.Payout = fpmath.Clone(payout)
	r.CompletedAt = now
	l.put(tx, r)
	l.unindexPending(tx, pendingItem{BatchID: r.BatchID, Seq: r.Seq, ID: r.ID})
	return nil
}

// Cancel withdraws a pending request. Only its owner may cancel, and only
// while the owning batch is open.
func (l *Ledger) Cancel(tx *ledger.Tx, id ledger.ID, caller string, batch ledger.Batch, now int64) (Request, error) {
	r, err := l.pendingRecord(id)
	if err != nil {
		return Request{}, err
	}
	if caller != r.Owner {
		return Request{}, fmt.Errorf("%w: %s does not own request %s", ledger.ErrUnauthorized, caller, id.Short())
	}
	if batch.ID != r.BatchID {
		return Request{}, fmt.Errorf("%w: request %s bound to batch %s", ledger.ErrInvalidState, id.Short(), r.BatchID.Short())
	}
	if batch.State != ledger.BatchOpen {
		return Request{}, fmt.Errorf("%w: %s is %s", ledger.ErrBatchNotOpen, batch.ID.Short(), batch.State)
	}

	r.Status = StatusCancelled
	r.CompletedAt = now
	l.put(tx, r)
	l.unindexPending(tx, pendingItem{BatchID: r.BatchID, Seq: r.Seq, ID: r.ID})
	return *r.clone(), nil
}

// PendingByBatch returns pending requests of a batch in submission order.
func (l *Ledger) PendingByBatch(batchID ledger.ID) []Request {
	var out []Request
	l.pending.AscendGreaterOrEqual(pendingItem{BatchID: batchID}, func(item pendingItem) bool {
		if item.BatchID != batchID {
			return false
		}
		if r, ok := l.records[item.ID]; ok {
			out = append(out, *r.clone())
		}
		return true
	})
	return out
}

// PendingCount is the number of requests awaiting a terminal state.
func (l *Ledger) PendingCount() int {
	return l.pending.Len()
}

// ByOwner returns the owner's requests in submission order.
func (l *Ledger) ByOwner(owner string) []Request {
	var out []Request
	for _, r := range l.records {
		if r.Owner == owner {
			out = append(out, *r.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (l *Ledger) all() []*Request {
	out := make([]*Request, 0, len(l.records))
	for _, r := range l.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// AppendDigest writes the canonical encoding of all requests.
func (l *Ledger) AppendDigest(buf []byte) []byte {
	buf = fmt.Appendf(buf, "rq-counter|%d\n", l.counter)
	for _, r := range l.all() {
		buf = fmt.Appendf(buf, "rq|%s|%d|%s|%s|%s|%s|%s|%s|%d|%d|%d|%s|%d\n",
			r.ID, r.Kind, r.Vault, r.Asset, r.Owner, r.Beneficiary, fpmath.String(r.Amount),
			r.BatchID, r.Seq, r.CreatedAt, r.Status, fpmath.String(r.Payout), r.CompletedAt)
	}
	return buf
}
