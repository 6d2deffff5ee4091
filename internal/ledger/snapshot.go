package ledger

import (
	"fmt"

	fpmath "VaultLedger/internal/math"

	"github.com/holiman/uint256"
)

// BatchRecord is the serialized form of a Batch. Amounts are base-10 strings.
type BatchRecord struct {
	ID             ID     `json:"id"`
	Vault          string `json:"vault"`
	Asset          string `json:"asset"`
	Sequence       uint64 `json:"sequence"`
	State          string `json:"state"`
	Receiver       string `json:"receiver"`
	CreatedAt      int64  `json:"created_at"`
	ClosedAt       int64  `json:"closed_at"`
	SettledAt      int64  `json:"settled_at"`
	Deposited      string `json:"deposited"`
	RedeemAssets   string `json:"redeem_assets"`
	RedeemShares   string `json:"redeem_shares"`
	ClosingBalance string `json:"closing_balance"`
	GrossPrice     string `json:"gross_price"`
	NetPrice       string `json:"net_price"`
	SettledTotal   string `json:"settled_total"`
	PayoutAssets   string `json:"payout_assets"`
	IssuedShares   string `json:"issued_shares"`
	Paid           string `json:"paid"`
	ClaimedShares  string `json:"claimed_shares"`
}

// Record converts a batch to its serialized form.
func (b Batch) Record() BatchRecord {
	return BatchRecord{
		ID:             b.ID,
		Vault:          b.Vault,
		Asset:          b.Asset,
		Sequence:       b.Sequence,
		State:          b.State.String(),
		Receiver:       b.Receiver,
		CreatedAt:      b.CreatedAt,
		ClosedAt:       b.ClosedAt,
		SettledAt:      b.SettledAt,
		Deposited:      fpmath.String(b.Deposited),
		RedeemAssets:   fpmath.String(b.RedeemAssets),
		RedeemShares:   fpmath.String(b.RedeemShares),
		ClosingBalance: fpmath.String(b.ClosingBalance),
		GrossPrice:     fpmath.String(b.GrossPrice),
		NetPrice:       fpmath.String(b.NetPrice),
		SettledTotal:   fpmath.String(b.SettledTotal),
		PayoutAssets:   fpmath.String(b.PayoutAssets),
		IssuedShares:   fpmath.String(b.IssuedShares),
		Paid:           fpmath.String(b.Paid),
		ClaimedShares:  fpmath.String(b.ClaimedShares),
	}
}

// ToBatch parses a serialized batch.
func (r BatchRecord) ToBatch() (*Batch, error) {
	state, err := ParseBatchState(r.State)
	if err != nil {
		return nil, err
	}
	b := &Batch{
		ID:        r.ID,
		Vault:     r.Vault,
		Asset:     r.Asset,
		Sequence:  r.Sequence,
		State:     state,
		Receiver:  r.Receiver,
		CreatedAt: r.CreatedAt,
		ClosedAt:  r.ClosedAt,
		SettledAt: r.SettledAt,
	}
	fields := []struct {
		src string
		dst **uint256.Int
	}{
		{r.Deposited, &b.Deposited},
		{r.RedeemAssets, &b.RedeemAssets},
		{r.RedeemShares, &b.RedeemShares},
		{r.ClosingBalance, &b.ClosingBalance},
		{r.GrossPrice, &b.GrossPrice},
		{r.NetPrice, &b.NetPrice},
		{r.SettledTotal, &b.SettledTotal},
		{r.PayoutAssets, &b.PayoutAssets},
		{r.IssuedShares, &b.IssuedShares},
		{r.Paid, &b.Paid},
		{r.ClaimedShares, &b.ClaimedShares},
	}
	for _, f := range fields {
		v, err := fpmath.ParseAmount(f.src)
		if err != nil {
			return nil, fmt.Errorf("batch %s: %w", r.ID.Short(), err)
		}
		*f.dst = v
	}
	return b, nil
}

type SequenceEntry struct {
	Vault string `json:"vault"`
	Asset string `json:"asset"`
	Last  uint64 `json:"last"`
}

type BatchSnapshot struct {
	Batches   []BatchRecord   `json:"batches"`
	Sequences []SequenceEntry `json:"sequences"`
}

// Snapshot serializes the batch arena in canonical order.
func (bm *BatchManager) Snapshot() BatchSnapshot {
	snap := BatchSnapshot{}
	for _, b := range bm.Batches() {
		snap.Batches = append(snap.Batches, b.Record())
	}
	keys := make([]BalanceKey, 0, len(bm.seq))
	for k := range bm.seq {
		keys = append(keys, k)
	}
	sortBalanceKeys(keys)
	for _, k := range keys {
		snap.Sequences = append(snap.Sequences, SequenceEntry{Vault: k.Vault, Asset: k.Asset, Last: bm.seq[k]})
	}
	return snap
}

// Restore replaces the batch arena and rebuilds the open index.
func (bm *BatchManager) Restore(snap BatchSnapshot) error {
	batches := make(map[ID]*Batch, len(snap.Batches))
	open := make(map[BalanceKey]ID)
	for _, rec := range snap.Batches {
		b, err := rec.ToBatch()
		if err != nil {
			return err
		}
		batches[b.ID] = b
		if b.State == BatchOpen {
			if other, dup := open[b.Key()]; dup {
				return fmt.Errorf("restore: %s has two open batches %s and %s", b.Key(), other.Short(), b.ID.Short())
			}
			open[b.Key()] = b.ID
		}
	}
	seq := make(map[BalanceKey]uint64, len(snap.Sequences))
	for _, s := range snap.Sequences {
		seq[BalanceKey{Vault: s.Vault, Asset: s.Asset}] = s.Last
	}
	bm.batches = batches
	bm.open = open
	bm.seq = seq
	return nil
}
