package ledger

import (
	"fmt"
	"sort"

	fpmath "VaultLedger/internal/math"
	"VaultLedger/internal/registry"

	"github.com/holiman/uint256"
)

// BatchState is the lifecycle position of a batch. Transitions only move
// forward: Open -> Closed -> Settled.
type BatchState uint8

const (
	BatchOpen BatchState = iota + 1
	BatchClosed
	BatchSettled
)

func (s BatchState) String() string {
	switch s {
	case BatchOpen:
		return "open"
	case BatchClosed:
		return "closed"
	case BatchSettled:
		return "settled"
	default:
		return "unknown"
	}
}

func ParseBatchState(s string) (BatchState, error) {
	switch s {
	case "open":
		return BatchOpen, nil
	case "closed":
		return BatchClosed, nil
	case "settled":
		return BatchSettled, nil
	}
	return 0, fmt.Errorf("unknown batch state %q", s)
}

// Denomination of a redemption amount.
type Denomination uint8

const (
	DenomAssets Denomination = iota
	DenomShares
)

// Batch groups the deposits and redemptions of one (vault, asset) pair
// that settle together at one price.
type Batch struct {
	ID        ID
	Vault     string
	Asset     string
	Sequence  uint64
	State     BatchState
	Receiver  string
	CreatedAt int64
	ClosedAt  int64
	SettledAt int64

	Deposited      *uint256.Int
	RedeemAssets   *uint256.Int
	RedeemShares   *uint256.Int
	ClosingBalance *uint256.Int

	GrossPrice    *uint256.Int
	NetPrice      *uint256.Int
	SettledTotal  *uint256.Int
	PayoutAssets  *uint256.Int
	IssuedShares  *uint256.Int
	Paid          *uint256.Int
	ClaimedShares *uint256.Int
}

func (b *Batch) Key() BalanceKey {
	return BalanceKey{Vault: b.Vault, Asset: b.Asset}
}

func (b *Batch) clone() *Batch {
	c := *b
	c.Deposited = fpmath.Clone(b.Deposited)
	c.RedeemAssets = fpmath.Clone(b.RedeemAssets)
	c.RedeemShares = fpmath.Clone(b.RedeemShares)
	c.ClosingBalance = fpmath.Clone(b.ClosingBalance)
	c.GrossPrice = fpmath.Clone(b.GrossPrice)
	c.NetPrice = fpmath.Clone(b.NetPrice)
	c.SettledTotal = fpmath.Clone(b.SettledTotal)
	c.PayoutAssets = fpmath.Clone(b.PayoutAssets)
	c.IssuedShares = fpmath.Clone(b.IssuedShares)
	c.Paid = fpmath.Clone(b.Paid)
	c.ClaimedShares = fpmath.Clone(b.ClaimedShares)
	return &c
}

// SettlementOutcome is the pricing result written onto a batch when it settles.
type SettlementOutcome struct {
	GrossPrice   *uint256.Int
	NetPrice     *uint256.Int
	SettledTotal *uint256.Int
	PayoutAssets *uint256.Int
	IssuedShares *uint256.Int
}

// BatchManager owns the batch arena and the one-open-batch-per-key index.
type BatchManager struct {
	contextID string
	reg       *registry.Registry
	auth      registry.Authorizer
	tracker   *BalanceTracker

	batches map[ID]*Batch
	open    map[BalanceKey]ID
	seq     map[BalanceKey]uint64

	settlerClaimed bool
}

func NewBatchManager(contextID string, reg *registry.Registry, auth registry.Authorizer, tracker *BalanceTracker) *BatchManager {
	return &BatchManager{
		contextID: contextID,
		reg:       reg,
		auth:      auth,
		tracker:   tracker,
		batches:   make(map[ID]*Batch),
		open:      make(map[BalanceKey]ID),
		seq:       make(map[BalanceKey]uint64),
	}
}

func (bm *BatchManager) put(tx *Tx, b *Batch) {
	prev, existed := bm.batches[b.ID]
	bm.batches[b.ID] = b
	tx.Touch(RefBatch, b.ID.String())
	tx.Defer(func() {
		if existed {
			bm.batches[b.ID] = prev
		} else {
			delete(bm.batches, b.ID)
		}
	})
}

func (bm *BatchManager) setOpen(tx *Tx, key BalanceKey, id ID) {
	prev, existed := bm.open[key]
	if id.IsZero() {
		delete(bm.open, key)
	} else {
		bm.open[key] = id
	}
	tx.Defer(func() {
		if existed {
			bm.open[key] = prev
		} else {
			delete(bm.open, key)
		}
	})
}

func (bm *BatchManager) canManage(caller string) bool {
	return bm.auth.IsRelayer(caller) || bm.auth.IsOperator(caller)
}

// CreateBatch opens a new batch for (vault, asset).
func (bm *BatchManager) CreateBatch(tx *Tx, caller, vault, asset string, now int64) (ID, error) {
	if !bm.canManage(caller) {
		return ZeroID, fmt.Errorf("%w: %s cannot create batches", ErrUnauthorized, caller)
	}
	v, ok := bm.reg.Vault(vault)
	if !ok {
		return ZeroID, fmt.Errorf("%w: %s", ErrUnknownVault, vault)
	}
	if !v.HoldsAsset(asset) {
		return ZeroID, fmt.Errorf("%w: %s not held by vault %s", ErrUnknownAsset, asset, vault)
	}
	return bm.create(tx, v, asset, now)
}

func (bm *BatchManager) create(tx *Tx, v registry.Vault, asset string, now int64) (ID, error) {
	key := BalanceKey{Vault: v.ID, Asset: asset}
	if existing, ok := bm.open[key]; ok {
		return ZeroID, fmt.Errorf("%w: %s has open batch %s", ErrBatchAlreadyOpen, key, existing.Short())
	}

	prevSeq := bm.seq[key]
	seq := prevSeq + 1
	bm.seq[key] = seq
	tx.Defer(func() {
		if prevSeq == 0 {
			delete(bm.seq, key)
		} else {
			bm.seq[key] = prevSeq
		}
	})

	b := &Batch{
		ID:             DeriveID(bm.contextID, seq, "batch", v.ID, asset),
		Vault:          v.ID,
		Asset:          asset,
		Sequence:       seq,
		State:          BatchOpen,
		Receiver:       v.Receiver,
		CreatedAt:      now,
		Deposited:      fpmath.Zero(),
		RedeemAssets:   fpmath.Zero(),
		RedeemShares:   fpmath.Zero(),
		ClosingBalance: fpmath.Zero(),
		Paid:           fpmath.Zero(),
		ClaimedShares:  fpmath.Zero(),
	}
	bm.put(tx, b)
	bm.setOpen(tx, key, b.ID)
	return b.ID, nil
}

// CloseBatch freezes an open batch, snapshotting the virtual balance it
// will be reconciled against. With createNext a fresh batch is opened for
// the same key and its ID returned.
func (bm *BatchManager) CloseBatch(tx *Tx, caller string, id ID, createNext bool, now int64) (ID, error) {
	if !bm.canManage(caller) {
		return ZeroID, fmt.Errorf("%w: %s cannot close batches", ErrUnauthorized, caller)
	}
	cur, ok := bm.batches[id]
	if !ok {
		return ZeroID, fmt.Errorf("%w: %s", ErrBatchNotFound, id.Short())
	}
	if cur.State != BatchOpen {
		return ZeroID, fmt.Errorf("%w: %s is %s", ErrBatchNotOpen, id.Short(), cur.State)
	}

	b := cur.clone()
	b.State = BatchClosed
	b.ClosedAt = now
	b.ClosingBalance = bm.tracker.GetBalance(b.Vault, b.Asset)
	bm.put(tx, b)
	bm.setOpen(tx, b.Key(), ZeroID)

	if !createNext {
		return ZeroID, nil
	}
	v, ok := bm.reg.Vault(b.Vault)
	if !ok {
		return ZeroID, fmt.Errorf("%w: %s", ErrUnknownVault, b.Vault)
	}
	return bm.create(tx, v, b.Asset, now)
}

func (bm *BatchManager) sibling(key BalanceKey, seq uint64) (*Batch, bool) {
	b, ok := bm.batches[DeriveID(bm.contextID, seq, "batch", key.Vault, key.Asset)]
	return b, ok
}

// Predecessor returns the batch opened just before id for the same key.
func (bm *BatchManager) Predecessor(id ID) (Batch, bool) {
	b, ok := bm.batches[id]
	if !ok || b.Sequence <= 1 {
		return Batch{}, false
	}
	prev, ok := bm.sibling(b.Key(), b.Sequence-1)
	if !ok {
		return Batch{}, false
	}
	return *prev.clone(), true
}

// SettlingBalance is the key's virtual balance less the deposits pushed
// into batches after id. Later deposits have not been priced yet and earn
// nothing in id's settlement.
func (bm *BatchManager) SettlingBalance(id ID) (*uint256.Int, error) {
	b, ok := bm.batches[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, id.Short())
	}
	later := fpmath.Zero()
	for seq := b.Sequence + 1; seq <= bm.seq[b.Key()]; seq++ {
		next, ok := bm.sibling(b.Key(), seq)
		if !ok || next.State == BatchSettled {
			continue
		}
		sum, err := fpmath.Add(later, next.Deposited)
		if err != nil {
			return nil, fmt.Errorf("%w: later deposits overflow", ErrBounds)
		}
		later = sum
	}
	return fpmath.SaturatingSub(bm.tracker.GetBalance(b.Vault, b.Asset), later), nil
}

func (bm *BatchManager) mutable(id ID, want BatchState) (*Batch, error) {
	cur, ok := bm.batches[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, id.Short())
	}
	if cur.State != want {
		var sentinel error
		switch want {
		case BatchOpen:
			sentinel = ErrBatchNotOpen
		case BatchClosed:
			sentinel = ErrBatchNotClosed
		default:
			sentinel = ErrBatchNotSettled
		}
		return nil, fmt.Errorf("%w: %s is %s", sentinel, id.Short(), cur.State)
	}
	return cur.clone(), nil
}

// RecordDeposit adds amount to the batch's deposits, enforcing the mint cap.
func (bm *BatchManager) RecordDeposit(tx *Tx, id ID, amount *uint256.Int) error {
	b, err := bm.mutable(id, BatchOpen)
	if err != nil {
		return err
	}
	next, err := fpmath.Add(b.Deposited, amount)
	if err != nil {
		return fmt.Errorf("%w: deposits overflow", ErrBounds)
	}
	if a, ok := bm.reg.Asset(b.Asset); ok && a.MintCap != nil && next.Cmp(a.MintCap) > 0 {
		return fmt.Errorf("%w: batch %s would hold %s, cap %s", ErrMintCapExceeded, id.Short(), next.Dec(), a.MintCap.Dec())
	}
	b.Deposited = next
	bm.put(tx, b)
	return nil
}

// ReleaseDeposit removes a cancelled deposit from an open batch.
func (bm *BatchManager) ReleaseDeposit(tx *Tx, id ID, amount *uint256.Int) error {
	b, err := bm.mutable(id, BatchOpen)
	if err != nil {
		return err
	}
	next, ok := fpmath.Sub(b.Deposited, amount)
	if !ok {
		return fmt.Errorf("%w: deposit release %s > %s", ErrReleaseExceeded, amount.Dec(), b.Deposited.Dec())
	}
	b.Deposited = next
	bm.put(tx, b)
	return nil
}

// RecordRedemption adds a redemption to the batch. The redeem cap only
// constrains asset-denominated amounts.
func (bm *BatchManager) RecordRedemption(tx *Tx, id ID, amount *uint256.Int, denom Denomination) error {
	b, err := bm.mutable(id, BatchOpen)
	if err != nil {
		return err
	}
	switch denom {
	case DenomShares:
		next, err := fpmath.Add(b.RedeemShares, amount)
		if err != nil {
			return fmt.Errorf("%w: redemptions overflow", ErrBounds)
		}
		b.RedeemShares = next
	default:
		next, err := fpmath.Add(b.RedeemAssets, amount)
		if err != nil {
			return fmt.Errorf("%w: redemptions overflow", ErrBounds)
		}
		if a, ok := bm.reg.Asset(b.Asset); ok && a.RedeemCap != nil && next.Cmp(a.RedeemCap) > 0 {
			return fmt.Errorf("%w: batch %s would redeem %s, cap %s", ErrRedeemCapExceed, id.Short(), next.Dec(), a.RedeemCap.Dec())
		}
		b.RedeemAssets = next
	}
	bm.put(tx, b)
	return nil
}

// ReleaseRedemption removes a cancelled redemption from an open batch.
func (bm *BatchManager) ReleaseRedemption(tx *Tx, id ID, amount *uint256.Int, denom Denomination) error {
	b, err := bm.mutable(id, BatchOpen)
	if err != nil {
		return err
	}
	target := &b.RedeemAssets
	if denom == DenomShares {
		target = &b.RedeemShares
	}
	next, ok := fpmath.Sub(*target, amount)
	if !ok {
		return fmt.Errorf("%w: redemption release %s > %s", ErrReleaseExceeded, amount.Dec(), (*target).Dec())
	}
	*target = next
	bm.put(tx, b)
	return nil
}

// RecordPayout accounts for assets paid to a claimant of a settled batch.
func (bm *BatchManager) RecordPayout(tx *Tx, id ID, amount *uint256.Int) error {
	b, err := bm.mutable(id, BatchSettled)
	if err != nil {
		return err
	}
	next, err := fpmath.Add(b.Paid, amount)
	if err != nil || next.Cmp(b.PayoutAssets) > 0 {
		return fmt.Errorf("%w: batch %s paid %s of %s, requested %s",
			ErrPayoutExceeded, id.Short(), b.Paid.Dec(), b.PayoutAssets.Dec(), amount.Dec())
	}
	b.Paid = next
	bm.put(tx, b)
	return nil
}

// RecordShareClaim accounts for shares delivered to a claimant of a settled batch.
func (bm *BatchManager) RecordShareClaim(tx *Tx, id ID, shares *uint256.Int) error {
	b, err := bm.mutable(id, BatchSettled)
	if err != nil {
		return err
	}
	next, err := fpmath.Add(b.ClaimedShares, shares)
	if err != nil || next.Cmp(b.IssuedShares) > 0 {
		return fmt.Errorf("%w: batch %s issued %s shares, claimed %s, requested %s",
			ErrPayoutExceeded, id.Short(), b.IssuedShares.Dec(), b.ClaimedShares.Dec(), shares.Dec())
	}
	b.ClaimedShares = next
	bm.put(tx, b)
	return nil
}

// Settler is the only handle through which a batch can be marked settled.
type Settler struct {
	bm *BatchManager
}

// ClaimSettler hands out the settlement capability exactly once.
func (bm *BatchManager) ClaimSettler() (*Settler, error) {
	if bm.settlerClaimed {
		return nil, ErrHandleClaimed
	}
	bm.settlerClaimed = true
	return &Settler{bm: bm}, nil
}

// MarkSettled moves a closed batch to Settled and records its pricing.
func (s *Settler) MarkSettled(tx *Tx, id ID, out SettlementOutcome, now int64) error {
	b, err := s.bm.mutable(id, BatchClosed)
	if err != nil {
		return err
	}
	b.State = BatchSettled
	b.SettledAt = now
	b.GrossPrice = fpmath.Clone(out.GrossPrice)
	b.NetPrice = fpmath.Clone(out.NetPrice)
	b.SettledTotal = fpmath.Clone(out.SettledTotal)
	b.PayoutAssets = fpmath.Clone(out.PayoutAssets)
	b.IssuedShares = fpmath.Clone(out.IssuedShares)
	s.bm.put(tx, b)
	return nil
}

// Batch returns a copy of the batch.
func (bm *BatchManager) Batch(id ID) (Batch, bool) {
	b, ok := bm.batches[id]
	if !ok {
		return Batch{}, false
	}
	return *b.clone(), true
}

// OpenBatch returns the open batch for (vault, asset), if any.
func (bm *BatchManager) OpenBatch(vault, asset string) (Batch, bool) {
	id, ok := bm.open[BalanceKey{Vault: vault, Asset: asset}]
	if !ok {
		return Batch{}, false
	}
	return bm.Batch(id)
}

// Batches returns copies of all batches ordered by vault, asset and sequence.
func (bm *BatchManager) Batches() []Batch {
	out := make([]Batch, 0, len(bm.batches))
	for _, b := range bm.batches {
		out = append(out, *b.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Vault != out[j].Vault {
			return out[i].Vault < out[j].Vault
		}
		if out[i].Asset != out[j].Asset {
			return out[i].Asset < out[j].Asset
		}
		return out[i].Sequence < out[j].Sequence
	})
	return out
}

// AppendDigest writes the canonical encoding of all batches.
func (bm *BatchManager) AppendDigest(buf []byte) []byte {
	for _, b := range bm.Batches() {
		buf = fmt.Appendf(buf, "ba|%s|%s|%s|%d|%d|%s|%d|%d|%d|%s|%s|%s|%s|%s|%s|%s|%s|%s|%s|%s\n",
			b.ID, b.Vault, b.Asset, b.Sequence, b.State, b.Receiver, b.CreatedAt, b.ClosedAt, b.SettledAt,
			fpmath.String(b.Deposited), fpmath.String(b.RedeemAssets), fpmath.String(b.RedeemShares),
			fpmath.String(b.ClosingBalance), fpmath.String(b.GrossPrice), fpmath.String(b.NetPrice),
			fpmath.String(b.SettledTotal), fpmath.String(b.PayoutAssets), fpmath.String(b.IssuedShares),
			fpmath.String(b.Paid), fpmath.String(b.ClaimedShares))
	}
	return buf
}
