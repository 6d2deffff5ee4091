// Package router attributes custodied value to vaults as virtual balances
// and performs the real fund movements that settlement and claims require.
package router

import (
	"context"
	"fmt"
	"sync"

	"VaultLedger/internal/ledger"
	fpmath "VaultLedger/internal/math"
	"VaultLedger/internal/registry"

	"github.com/holiman/uint256"
)

// CustodyAdapter is the custodial or strategy backend holding real funds.
type CustodyAdapter interface {
	ReportTotalAssets(ctx context.Context, vault, asset string) (*uint256.Int, error)
	Pull(ctx context.Context, asset string, amount *uint256.Int) error
}

// Transfer is an instruction to move real funds.
type Transfer struct {
	Asset     string
	Amount    *uint256.Int
	From      string
	To        string
	Reference string
}

// Transferer executes real fund movements.
type Transferer interface {
	Transfer(ctx context.Context, t Transfer) error
}

type sideEffectsKey struct{}

// WithoutSideEffects marks ctx so that accounting runs but no adapter or
// transfer call is made. Used when replaying the event log.
func WithoutSideEffects(ctx context.Context) context.Context {
	return context.WithValue(ctx, sideEffectsKey{}, true)
}

func sideEffectsSuppressed(ctx context.Context) bool {
	v, _ := ctx.Value(sideEffectsKey{}).(bool)
	return v
}

// Router is the single writer of virtual balances outside settlement.
type Router struct {
	// mu is held for the duration of every mutating call; a callee that
	// re-enters gets ErrReentrantCall instead of blocking.
	mu sync.Mutex

	reg       *registry.Registry
	tracker   *ledger.BalanceTracker
	batches   *ledger.BatchManager
	custody   CustodyAdapter
	transfers Transferer

	portClaimed bool
}

func New(reg *registry.Registry, tracker *ledger.BalanceTracker, batches *ledger.BatchManager, custody CustodyAdapter, transfers Transferer) *Router {
	return &Router{
		reg:       reg,
		tracker:   tracker,
		batches:   batches,
		custody:   custody,
		transfers: transfers,
	}
}

func (r *Router) enter() error {
	if !r.mu.TryLock() {
		return ledger.ErrReentrantCall
	}
	return nil
}

func (r *Router) checkBatch(batchID ledger.ID, vault, asset string) error {
	if _, ok := r.reg.Vault(vault); !ok {
		return fmt.Errorf("%w: %s", ledger.ErrUnknownVault, vault)
	}
	b, ok := r.batches.Batch(batchID)
	if !ok {
		return fmt.Errorf("%w: %s", ledger.ErrBatchNotFound, batchID.Short())
	}
	if b.Vault != vault || b.Asset != asset {
		return fmt.Errorf("%w: batch %s belongs to %s", ledger.ErrInvalidState, batchID.Short(), b.Key())
	}
	return nil
}

// Push attributes amount, already received into custody, to the vault's
// open batch. The virtual balance and the custodied total rise together.
func (r *Router) Push(tx *ledger.Tx, vault, asset string, amount *uint256.Int, batchID ledger.ID) error {
	if err := r.enter(); err != nil {
		return err
	}
	defer r.mu.Unlock()

	if fpmath.IsZero(amount) {
		return ledger.ErrZeroAmount
	}
	if err := r.checkBatch(batchID, vault, asset); err != nil {
		return err
	}
	if err := r.batches.RecordDeposit(tx, batchID, amount); err != nil {
		return err
	}
	key := ledger.BalanceKey{Vault: vault, Asset: asset}
	if err := r.tracker.Credit(tx, key, amount, ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, asset), ledger.JournalTypePush); err != nil {
		return err
	}
	return r.tracker.AddCustody(tx, asset, amount)
}

// RequestPull records a withdrawal intent. No balance moves until the
// batch settles.
func (r *Router) RequestPull(tx *ledger.Tx, vault, asset string, amount *uint256.Int, denom ledger.Denomination, batchID ledger.ID) error {
	if err := r.enter(); err != nil {
		return err
	}
	defer r.mu.Unlock()

	if fpmath.IsZero(amount) {
		return ledger.ErrZeroAmount
	}
	if err := r.checkBatch(batchID, vault, asset); err != nil {
		return err
	}
	return r.batches.RecordRedemption(tx, batchID, amount, denom)
}

// CancelPull withdraws a pull intent from a still-open batch.
func (r *Router) CancelPull(tx *ledger.Tx, vault, asset string, amount *uint256.Int, denom ledger.Denomination, batchID ledger.ID) error {
	if err := r.enter(); err != nil {
		return err
	}
	defer r.mu.Unlock()

	if err := r.checkBatch(batchID, vault, asset); err != nil {
		return err
	}
	return r.batches.ReleaseRedemption(tx, batchID, amount, denom)
}

// Refund reverses a push from a still-open batch and returns the funds to
// destination.
func (r *Router) Refund(ctx context.Context, tx *ledger.Tx, vault, asset string, amount *uint256.Int, batchID ledger.ID, destination string) error {
	if err := r.enter(); err != nil {
		return err
	}
	defer r.mu.Unlock()

	if fpmath.IsZero(amount) {
		return ledger.ErrZeroAmount
	}
	if err := r.checkBatch(batchID, vault, asset); err != nil {
		return err
	}
	if err := r.batches.ReleaseDeposit(tx, batchID, amount); err != nil {
		return err
	}
	key := ledger.BalanceKey{Vault: vault, Asset: asset}
	if err := r.tracker.Debit(tx, key, amount, ledger.NewExternalAccountKey(ledger.SubTypeExternalRefunds, asset), ledger.JournalTypeRefund); err != nil {
		return err
	}
	if err := r.tracker.RemoveCustody(tx, asset, amount); err != nil {
		return err
	}

	return r.release(ctx, Transfer{
		Asset:     asset,
		Amount:    fpmath.Clone(amount),
		From:      vault,
		To:        destination,
		Reference: "refund:" + batchID.String(),
	})
}

// Payout pays a claimant of a settled batch out of the batch receiver.
func (r *Router) Payout(ctx context.Context, tx *ledger.Tx, batchID ledger.ID, amount *uint256.Int, destination string) error {
	if err := r.enter(); err != nil {
		return err
	}
	defer r.mu.Unlock()

	if fpmath.IsZero(amount) {
		return nil
	}
	b, ok := r.batches.Batch(batchID)
	if !ok {
		return fmt.Errorf("%w: %s", ledger.ErrBatchNotFound, batchID.Short())
	}
	if err := r.batches.RecordPayout(tx, batchID, amount); err != nil {
		return err
	}
	tx.Record(ledger.Journal{
		DebitAccount:  ledger.NewExternalAccountKey(ledger.SubTypeExternalPayouts, b.Asset),
		CreditAccount: ledger.NewReceiverAccountKey(b.Receiver, b.Asset),
		Asset:         b.Asset,
		Amount:        fpmath.Clone(amount),
		JournalType:   ledger.JournalTypePayout,
	})

	if sideEffectsSuppressed(ctx) {
		return nil
	}
	if err := r.transfers.Transfer(ctx, Transfer{
		Asset:     b.Asset,
		Amount:    fpmath.Clone(amount),
		From:      b.Receiver,
		To:        destination,
		Reference: "payout:" + batchID.String(),
	}); err != nil {
		return fmt.Errorf("payout transfer: %w", err)
	}
	return nil
}

// ReportTotalAssets reads the custodian's view of a vault. Read-only.
func (r *Router) ReportTotalAssets(ctx context.Context, vault, asset string) (*uint256.Int, error) {
	return r.custody.ReportTotalAssets(ctx, vault, asset)
}

// release pulls amount out of the custody adapter and transfers it on.
// Called last, after all accounting for the operation is recorded.
func (r *Router) release(ctx context.Context, t Transfer) error {
	if sideEffectsSuppressed(ctx) {
		return nil
	}
	if err := r.custody.Pull(ctx, t.Asset, t.Amount); err != nil {
		return fmt.Errorf("custody pull %s %s: %w", t.Amount.Dec(), t.Asset, err)
	}
	if err := r.transfers.Transfer(ctx, t); err != nil {
		return fmt.Errorf("transfer %s %s to %s: %w", t.Amount.Dec(), t.Asset, t.To, err)
	}
	return nil
}
