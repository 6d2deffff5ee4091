package settlement

import (
	"context"
	"fmt"
	"sort"

	"VaultLedger/internal/fees"
	"VaultLedger/internal/ledger"
	fpmath "VaultLedger/internal/math"
	"VaultLedger/internal/registry"
	"VaultLedger/internal/router"

	"github.com/holiman/uint256"
)

// Config bounds the cooldown a relayer may choose.
type Config struct {
	MinCooldownSeconds int64
	MaxCooldownSeconds int64
}

// Execution describes a settled batch.
type Execution struct {
	ProposalID    ledger.ID
	BatchID       ledger.ID
	Vault         string
	Asset         string
	ProposedTotal *uint256.Int
	Quote         fees.Quote
	FeesCollected *uint256.Int
	IssuedShares  *uint256.Int
	PayoutAssets  *uint256.Int
	Receiver      string
	Watermark     *uint256.Int
	// Yield or Loss recognized against the batch's settling balance.
	Yield *uint256.Int
	Loss  *uint256.Int
}

// Engine owns every settlement proposal. It is the only component holding
// the batch settler and the router's settlement port.
type Engine struct {
	cfg       Config
	contextID string
	counter   uint64

	reg     *registry.Registry
	auth    registry.Authorizer
	batches *ledger.BatchManager
	settler *ledger.Settler
	port    *router.SettlementPort
	fees    *fees.Engine

	proposals map[ledger.ID]*Proposal
	live      map[ledger.ID]ledger.ID // batch -> proposal in Proposed
	rejected  map[ledger.ID]ledger.ID // tombstones: proposal -> batch
}

func NewEngine(cfg Config, contextID string, reg *registry.Registry, auth registry.Authorizer,
	batches *ledger.BatchManager, settler *ledger.Settler, port *router.SettlementPort, feeEngine *fees.Engine) *Engine {
	return &Engine{
		cfg:       cfg,
		contextID: contextID,
		reg:       reg,
		auth:      auth,
		batches:   batches,
		settler:   settler,
		port:      port,
		fees:      feeEngine,
		proposals: make(map[ledger.ID]*Proposal),
		live:      make(map[ledger.ID]ledger.ID),
		rejected:  make(map[ledger.ID]ledger.ID),
	}
}

func (e *Engine) put(tx *ledger.Tx, p *Proposal) {
	prev, existed := e.proposals[p.ID]
	e.proposals[p.ID] = p
	tx.Touch(ledger.RefProposal, p.ID.String())
	tx.Defer(func() {
		if existed {
			e.proposals[p.ID] = prev
		} else {
			delete(e.proposals, p.ID)
		}
	})
}

func (e *Engine) remove(tx *ledger.Tx, id ledger.ID) {
	prev, existed := e.proposals[id]
	if !existed {
		return
	}
	delete(e.proposals, id)
	tx.Touch(ledger.RefProposal, id.String())
	tx.Defer(func() { e.proposals[id] = prev })
}

func setIndex(tx *ledger.Tx, m map[ledger.ID]ledger.ID, key, val ledger.ID) {
	prev, existed := m[key]
	if val.IsZero() {
		delete(m, key)
	} else {
		m[key] = val
	}
	tx.Defer(func() {
		if existed {
			m[key] = prev
		} else {
			delete(m, key)
		}
	})
}

// Propose stores a proposal for a closed batch. At most one proposal per
// batch may be live; a second call fails rather than replacing the first.
// Batches of one (vault, asset) settle in sequence, so the batch before
// this one must already be settled. proposedTotal is the custodied total
// excluding deposits into later batches.
func (e *Engine) Propose(tx *ledger.Tx, caller string, batchID ledger.ID, proposedTotal *uint256.Int, cooldownSeconds, now int64) (ledger.ID, error) {
	if !e.auth.IsRelayer(caller) {
		return ledger.ZeroID, fmt.Errorf("%w: %s is not a relayer", ledger.ErrUnauthorized, caller)
	}
	b, ok := e.batches.Batch(batchID)
	if !ok {
		return ledger.ZeroID, fmt.Errorf("%w: %s", ledger.ErrBatchNotFound, batchID.Short())
	}
	if b.State != ledger.BatchClosed {
		return ledger.ZeroID, fmt.Errorf("%w: %s is %s", ledger.ErrBatchNotClosed, batchID.Short(), b.State)
	}
	if prev, ok := e.batches.Predecessor(batchID); ok && prev.State != ledger.BatchSettled {
		return ledger.ZeroID, fmt.Errorf("%w: predecessor %s of %s is %s",
			ledger.ErrBatchNotSettled, prev.ID.Short(), batchID.Short(), prev.State)
	}
	if existing, ok := e.live[batchID]; ok {
		return ledger.ZeroID, fmt.Errorf("%w: %s for batch %s", ledger.ErrProposalExists, existing.Short(), batchID.Short())
	}
	if cooldownSeconds < e.cfg.MinCooldownSeconds || cooldownSeconds > e.cfg.MaxCooldownSeconds {
		return ledger.ZeroID, fmt.Errorf("%w: %ds not in [%d, %d]", ledger.ErrCooldownRange,
			cooldownSeconds, e.cfg.MinCooldownSeconds, e.cfg.MaxCooldownSeconds)
	}
	if proposedTotal == nil {
		proposedTotal = fpmath.Zero()
	}

	prev := e.counter
	e.counter++
	tx.Defer(func() { e.counter = prev })

	p := &Proposal{
		ID:                  ledger.DeriveID(e.contextID, e.counter, "proposal", batchID.String(), caller),
		BatchID:             batchID,
		Proposer:            caller,
		ProposedTotalAssets: fpmath.Clone(proposedTotal),
		CreatedAt:           now,
		CooldownSeconds:     cooldownSeconds,
		Status:              StatusProposed,
	}
	e.put(tx, p)
	setIndex(tx, e.live, batchID, p.ID)
	return p.ID, nil
}

// Reject deletes a proposal during its cooldown so the batch can be
// re-proposed. Guardian only.
func (e *Engine) Reject(tx *ledger.Tx, caller string, id ledger.ID, now int64) (Proposal, error) {
	if !e.auth.IsGuardian(caller) {
		return Proposal{}, fmt.Errorf("%w: %s is not a guardian", ledger.ErrUnauthorized, caller)
	}
	p, err := e.liveProposal(id)
	if err != nil {
		return Proposal{}, err
	}
	if now >= p.UnlocksAt() {
		return Proposal{}, fmt.Errorf("%w: proposal %s unlocked at %d", ledger.ErrTimelockElapsed, id.Short(), p.UnlocksAt())
	}

	e.remove(tx, id)
	setIndex(tx, e.live, p.BatchID, ledger.ZeroID)
	setIndex(tx, e.rejected, id, p.BatchID)

	out := *p.clone()
	out.Status = StatusRejected
	return out, nil
}

func (e *Engine) liveProposal(id ledger.ID) (*Proposal, error) {
	if _, ok := e.rejected[id]; ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrProposalRejected, id.Short())
	}
	p, ok := e.proposals[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrProposalNotFound, id.Short())
	}
	if p.Status == StatusExecuted {
		return nil, fmt.Errorf("%w: %s", ledger.ErrProposalExecuted, id.Short())
	}
	return p, nil
}

// Execute settles the proposal's batch once its timelock has elapsed.
// All accounting is applied first; the physical settlement transfer is the
// final step, and its failure rolls back everything.
func (e *Engine) Execute(ctx context.Context, tx *ledger.Tx, caller string, id ledger.ID, now int64) (*Execution, error) {
	if !e.auth.IsRelayer(caller) {
		return nil, fmt.Errorf("%w: %s is not a relayer", ledger.ErrUnauthorized, caller)
	}
	p, err := e.liveProposal(id)
	if err != nil {
		return nil, err
	}
	if now < p.UnlocksAt() {
		return nil, fmt.Errorf("%w: proposal %s unlocks at %d", ledger.ErrTimelockActive, id.Short(), p.UnlocksAt())
	}
	b, ok := e.batches.Batch(p.BatchID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrBatchNotFound, p.BatchID.Short())
	}
	if b.State != ledger.BatchClosed {
		return nil, fmt.Errorf("%w: %s is %s", ledger.ErrBatchNotClosed, b.ID.Short(), b.State)
	}
	v, ok := e.reg.Vault(b.Vault)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrUnknownVault, b.Vault)
	}

	// Measured against the live balance rather than the close snapshot:
	// earlier settlements may have moved it since, and deposits into later
	// batches are excluded.
	recorded, err := e.batches.SettlingBalance(b.ID)
	if err != nil {
		return nil, err
	}
	yield, loss := fpmath.Zero(), fpmath.Zero()
	if d, ok := fpmath.Sub(p.ProposedTotalAssets, recorded); ok {
		yield = d
	} else {
		loss = fpmath.SaturatingSub(recorded, p.ProposedTotalAssets)
	}

	// Bring the virtual balance in line with what custody reported.
	if err := e.port.Reconcile(tx, b.Vault, b.Asset, p.ProposedTotalAssets, recorded); err != nil {
		return nil, err
	}

	// Deposits of this batch buy in at the settled price, so they are not
	// part of the assets being priced.
	pricingAssets := fpmath.SaturatingSub(p.ProposedTotalAssets, b.Deposited)
	quote, err := e.fees.Quote(b.Vault, pricingAssets, now)
	if err != nil {
		return nil, err
	}
	if fpmath.IsZero(quote.Net) && !fpmath.IsZero(b.Deposited) {
		return nil, fmt.Errorf("%w: batch %s settles at zero net price with deposits %s",
			ledger.ErrReconciliation, b.ID.Short(), b.Deposited.Dec())
	}

	feeTotal, err := quote.Fees.Total()
	if err != nil {
		return nil, fmt.Errorf("%w: fee total: %v", ledger.ErrBounds, err)
	}
	feeTotal = fpmath.Min(feeTotal, pricingAssets)
	if !feeTotal.IsZero() {
		if err := e.port.CollectFee(tx, b.Vault, b.Asset, v.FeeRecipient, feeTotal); err != nil {
			return nil, err
		}
	}

	issued := fpmath.Zero()
	if !fpmath.IsZero(b.Deposited) {
		issued, err = fpmath.AssetsToShares(b.Deposited, quote.Net)
		if err != nil {
			return nil, fmt.Errorf("%w: issued shares: %v", ledger.ErrBounds, err)
		}
	}
	sharePayout, err := fpmath.SharesToAssets(b.RedeemShares, quote.Net)
	if err != nil {
		return nil, fmt.Errorf("%w: share payout: %v", ledger.ErrBounds, err)
	}
	payout, err := fpmath.Add(b.RedeemAssets, sharePayout)
	if err != nil {
		return nil, fmt.Errorf("%w: payout: %v", ledger.ErrBounds, err)
	}

	burned := fpmath.Clone(b.RedeemShares)
	if v.IsGateway() {
		// Gateway redemptions are denominated in tokens priced 1:1.
		burned, err = fpmath.Add(burned, b.RedeemAssets)
		if err != nil {
			return nil, fmt.Errorf("%w: burn: %v", ledger.ErrBounds, err)
		}
	}
	if err := e.fees.MintShares(tx, b.Vault, issued); err != nil {
		return nil, err
	}
	if err := e.fees.BurnShares(tx, b.Vault, burned); err != nil {
		return nil, err
	}

	if err := e.settler.MarkSettled(tx, b.ID, ledger.SettlementOutcome{
		GrossPrice:   quote.Gross,
		NetPrice:     quote.Net,
		SettledTotal: p.ProposedTotalAssets,
		PayoutAssets: payout,
		IssuedShares: issued,
	}, now); err != nil {
		return nil, err
	}

	if !v.IsGateway() {
		if err := e.fees.Crystallize(tx, b.Vault, quote.Net, now); err != nil {
			return nil, err
		}
	}

	executed := p.clone()
	executed.Status = StatusExecuted
	executed.ExecutedAt = now
	e.put(tx, executed)
	setIndex(tx, e.live, b.ID, ledger.ZeroID)

	if err := e.port.SettlementTransfer(ctx, tx, b.Vault, b.Asset, payout, b.Receiver); err != nil {
		return nil, err
	}

	fs, _ := e.fees.State(b.Vault)
	return &Execution{
		ProposalID:    p.ID,
		BatchID:       b.ID,
		Vault:         b.Vault,
		Asset:         b.Asset,
		ProposedTotal: fpmath.Clone(p.ProposedTotalAssets),
		Quote:         quote,
		FeesCollected: feeTotal,
		IssuedShares:  issued,
		PayoutAssets:  payout,
		Receiver:      b.Receiver,
		Watermark:     fpmath.Clone(fs.Watermark),
		Yield:         yield,
		Loss:          loss,
	}, nil
}

// Proposal returns a copy of a stored proposal.
func (e *Engine) Proposal(id ledger.ID) (Proposal, bool) {
	p, ok := e.proposals[id]
	if !ok {
		return Proposal{}, false
	}
	return *p.clone(), true
}

// LiveProposal returns the batch's proposal awaiting execution, if any.
func (e *Engine) LiveProposal(batchID ledger.ID) (Proposal, bool) {
	id, ok := e.live[batchID]
	if !ok {
		return Proposal{}, false
	}
	return e.Proposal(id)
}

// Tombstone returns the rejection record of a vetoed proposal.
func (e *Engine) Tombstone(id ledger.ID) RejectedEntry {
	return RejectedEntry{ProposalID: id, BatchID: e.rejected[id]}
}

// IsRejected reports whether id was vetoed.
func (e *Engine) IsRejected(id ledger.ID) bool {
	_, ok := e.rejected[id]
	return ok
}

// Proposals returns stored proposals ordered by creation time then id.
func (e *Engine) Proposals() []Proposal {
	out := make([]Proposal, 0, len(e.proposals))
	for _, p := range e.proposals {
		out = append(out, *p.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

func sortedIDs(m map[ledger.ID]ledger.ID) []ledger.ID {
	ids := make([]ledger.ID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// AppendDigest writes the canonical encoding of all proposals.
func (e *Engine) AppendDigest(buf []byte) []byte {
	buf = fmt.Appendf(buf, "pr-counter|%d\n", e.counter)
	for _, p := range e.Proposals() {
		buf = fmt.Appendf(buf, "pr|%s|%s|%s|%s|%d|%d|%d|%d\n",
			p.ID, p.BatchID, p.Proposer, fpmath.String(p.ProposedTotalAssets),
			p.CreatedAt, p.CooldownSeconds, p.Status, p.ExecutedAt)
	}
	for _, id := range sortedIDs(e.rejected) {
		buf = fmt.Appendf(buf, "rj|%s|%s\n", id, e.rejected[id])
	}
	return buf
}

type RejectedEntry struct {
	ProposalID ledger.ID `json:"proposal_id"`
	BatchID    ledger.ID `json:"batch_id"`
}

type Snapshot struct {
	Counter   uint64          `json:"counter"`
	Proposals []Record        `json:"proposals"`
	Rejected  []RejectedEntry `json:"rejected"`
}

func (e *Engine) Snapshot() Snapshot {
	snap := Snapshot{Counter: e.counter}
	for _, p := range e.Proposals() {
		snap.Proposals = append(snap.Proposals, p.Record())
	}
	for _, id := range sortedIDs(e.rejected) {
		snap.Rejected = append(snap.Rejected, RejectedEntry{ProposalID: id, BatchID: e.rejected[id]})
	}
	return snap
}

// Restore replaces all proposals and rebuilds the live index.
func (e *Engine) Restore(snap Snapshot) error {
	proposals := make(map[ledger.ID]*Proposal, len(snap.Proposals))
	live := make(map[ledger.ID]ledger.ID)
	for _, rec := range snap.Proposals {
		p, err := rec.ToProposal()
		if err != nil {
			return err
		}
		proposals[p.ID] = p
		if p.Status == StatusProposed {
			if other, dup := live[p.BatchID]; dup {
				return fmt.Errorf("restore: batch %s has proposals %s and %s", p.BatchID.Short(), other.Short(), p.ID.Short())
			}
			live[p.BatchID] = p.ID
		}
	}
	rejected := make(map[ledger.ID]ledger.ID, len(snap.Rejected))
	for _, r := range snap.Rejected {
		rejected[r.ProposalID] = r.BatchID
	}
	e.counter = snap.Counter
	e.proposals = proposals
	e.live = live
	e.rejected = rejected
	return nil
}
