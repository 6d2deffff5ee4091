package router

import (
	"context"
	"fmt"

	"VaultLedger/internal/ledger"
	fpmath "VaultLedger/internal/math"

	"github.com/holiman/uint256"
)

// SettlementPort carries the operations reserved for settlement execution.
// Exactly one exists per Router.
type SettlementPort struct {
	r *Router
}

// ClaimSettlementPort hands out the settlement capability exactly once.
func (r *Router) ClaimSettlementPort() (*SettlementPort, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.portClaimed {
		return nil, ledger.ErrHandleClaimed
	}
	r.portClaimed = true
	return &SettlementPort{r: r}, nil
}

// Reconcile adjusts a virtual balance and custody together by the
// difference between reported and recorded assets.
func (p *SettlementPort) Reconcile(tx *ledger.Tx, vault, asset string, reported, recorded *uint256.Int) error {
	if err := p.r.enter(); err != nil {
		return err
	}
	defer p.r.mu.Unlock()

	key := ledger.BalanceKey{Vault: vault, Asset: asset}
	switch reported.Cmp(recorded) {
	case 1:
		gain, _ := fpmath.Sub(reported, recorded)
		if err := p.r.tracker.Credit(tx, key, gain, ledger.NewExternalAccountKey(ledger.SubTypeExternalYield, asset), ledger.JournalTypeYield); err != nil {
			return err
		}
		return p.r.tracker.AddCustody(tx, asset, gain)
	case -1:
		loss, _ := fpmath.Sub(recorded, reported)
		if err := p.r.tracker.Debit(tx, key, loss, ledger.NewExternalAccountKey(ledger.SubTypeExternalLoss, asset), ledger.JournalTypeLoss); err != nil {
			return err
		}
		return p.r.tracker.RemoveCustody(tx, asset, loss)
	}
	return nil
}

// CollectFee moves crystallized fees from the vault to its fee recipient.
func (p *SettlementPort) CollectFee(tx *ledger.Tx, vault, asset, recipient string, amount *uint256.Int) error {
	if err := p.r.enter(); err != nil {
		return err
	}
	defer p.r.mu.Unlock()

	return p.r.tracker.Transfer(tx,
		ledger.BalanceKey{Vault: vault, Asset: asset},
		ledger.BalanceKey{Vault: recipient, Asset: asset},
		amount, ledger.JournalTypeFee)
}

// SettlementTransfer debits the vault, then physically moves amount out of
// custody to destination. The reentrancy lock is held across the external
// calls and every balance update precedes them.
func (p *SettlementPort) SettlementTransfer(ctx context.Context, tx *ledger.Tx, vault, asset string, amount *uint256.Int, destination string) error {
	if err := p.r.enter(); err != nil {
		return err
	}
	defer p.r.mu.Unlock()

	if fpmath.IsZero(amount) {
		return nil
	}
	key := ledger.BalanceKey{Vault: vault, Asset: asset}
	if err := p.r.tracker.Debit(tx, key, amount, ledger.NewReceiverAccountKey(destination, asset), ledger.JournalTypeSettlementTransfer); err != nil {
		return fmt.Errorf("settlement transfer: %w", err)
	}
	if err := p.r.tracker.RemoveCustody(tx, asset, amount); err != nil {
		return fmt.Errorf("settlement transfer: %w", err)
	}

	return p.r.release(ctx, Transfer{
		Asset:     asset,
		Amount:    fpmath.Clone(amount),
		From:      vault,
		To:        destination,
		Reference: "settlement:" + vault,
	})
}
