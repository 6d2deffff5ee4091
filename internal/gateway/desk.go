// Package gateway implements the user-facing entry points: the
// institutional issuance gateway and retail staking vaults. Both record
// intents through the router and settle through the request ledger.
package gateway

import (
	"context"
	"fmt"

	"VaultLedger/internal/fees"
	"VaultLedger/internal/ledger"
	fpmath "VaultLedger/internal/math"
	"VaultLedger/internal/registry"
	"VaultLedger/internal/requests"
	"VaultLedger/internal/router"

	"github.com/holiman/uint256"
)

// Claim is the outcome of finalizing a request.
type Claim struct {
	Request requests.Request
	// Shares for stake/mint claims, assets for unstake/burn claims.
	Amount *uint256.Int
	Price  *uint256.Int
}

// circulating holds gateway tokens. They move freely outside the ledger,
// so redemptions are bounded by the claimed total rather than per holder.
const circulating = "circulating"

// desk holds what both entry points share.
type desk struct {
	reg      *registry.Registry
	auth     registry.Authorizer
	router   *router.Router
	batches  *ledger.BatchManager
	requests *requests.Ledger
	shares   *fees.Engine
	gateway  bool
}

// authorize admits any caller to a staking vault; gateway operations are
// reserved to operators.
func (d *desk) authorize(caller string) error {
	if d.gateway && (d.auth == nil || !d.auth.IsOperator(caller)) {
		return fmt.Errorf("%w: %s is not an issuance operator", ledger.ErrUnauthorized, caller)
	}
	return nil
}

func (d *desk) holder(addr string) string {
	if d.gateway {
		return circulating
	}
	return addr
}

func (d *desk) vault(id string) (registry.Vault, error) {
	v, ok := d.reg.Vault(id)
	if !ok {
		return registry.Vault{}, fmt.Errorf("%w: %s", ledger.ErrUnknownVault, id)
	}
	if v.IsGateway() != d.gateway {
		return registry.Vault{}, fmt.Errorf("%w: vault %s is %s", ledger.ErrInvalidState, id, v.Kind)
	}
	return v, nil
}

func (d *desk) openBatch(vault, asset string) (ledger.Batch, error) {
	b, ok := d.batches.OpenBatch(vault, asset)
	if !ok {
		return ledger.Batch{}, fmt.Errorf("%w: no open batch for %s:%s", ledger.ErrBatchNotOpen, vault, asset)
	}
	return b, nil
}

// inflow pushes funds into the open batch and records the request.
func (d *desk) inflow(tx *ledger.Tx, kind requests.Kind, vault, asset, owner, beneficiary string, amount *uint256.Int, now int64) (ledger.ID, error) {
	if fpmath.IsZero(amount) {
		return ledger.ZeroID, ledger.ErrZeroAmount
	}
	b, err := d.openBatch(vault, asset)
	if err != nil {
		return ledger.ZeroID, err
	}
	if err := d.router.Push(tx, vault, asset, amount, b.ID); err != nil {
		return ledger.ZeroID, err
	}
	return d.requests.Create(tx, kind, vault, asset, owner, beneficiary, amount, b.ID, now)
}

// outflow escrows the owner's shares and records a pull intent against
// the open batch and the request.
func (d *desk) outflow(tx *ledger.Tx, kind requests.Kind, vault, asset, owner, beneficiary string, amount *uint256.Int, now int64) (ledger.ID, error) {
	if fpmath.IsZero(amount) {
		return ledger.ZeroID, ledger.ErrZeroAmount
	}
	b, err := d.openBatch(vault, asset)
	if err != nil {
		return ledger.ZeroID, err
	}
	if err := d.shares.EscrowShares(tx, vault, d.holder(owner), amount); err != nil {
		return ledger.ZeroID, err
	}
	if err := d.router.RequestPull(tx, vault, asset, amount, kind.Denomination(), b.ID); err != nil {
		return ledger.ZeroID, err
	}
	return d.requests.Create(tx, kind, vault, asset, owner, beneficiary, amount, b.ID, now)
}

func (d *desk) settledRequest(id ledger.ID, kind requests.Kind) (requests.Request, ledger.Batch, error) {
	r, ok := d.requests.Get(id)
	if !ok {
		return requests.Request{}, ledger.Batch{}, fmt.Errorf("%w: %s", ledger.ErrRequestNotFound, id.Short())
	}
	if r.Kind != kind {
		return requests.Request{}, ledger.Batch{}, fmt.Errorf("%w: request %s is %s, not %s", ledger.ErrInvalidState, id.Short(), r.Kind, kind)
	}
	if r.Status != requests.StatusPending {
		return requests.Request{}, ledger.Batch{}, fmt.Errorf("%w: %s is %s", ledger.ErrRequestNotPending, id.Short(), r.Status)
	}
	if _, err := d.vault(r.Vault); err != nil {
		return requests.Request{}, ledger.Batch{}, err
	}
	b, ok := d.batches.Batch(r.BatchID)
	if !ok {
		return requests.Request{}, ledger.Batch{}, fmt.Errorf("%w: %s", ledger.ErrBatchNotFound, r.BatchID.Short())
	}
	return r, b, nil
}

// claimShares delivers shares bought at the batch's settled net price.
func (d *desk) claimShares(tx *ledger.Tx, id ledger.ID, kind requests.Kind, now int64) (*Claim, error) {
	r, b, err := d.settledRequest(id, kind)
	if err != nil {
		return nil, err
	}
	if b.State != ledger.BatchSettled {
		return nil, fmt.Errorf("%w: %s is %s", ledger.ErrBatchNotSettled, b.ID.Short(), b.State)
	}
	shares, err := fpmath.AssetsToShares(r.Amount, b.NetPrice)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrReconciliation, err)
	}
	if err := d.batches.RecordShareClaim(tx, b.ID, shares); err != nil {
		return nil, err
	}
	if err := d.shares.CreditShares(tx, r.Vault, d.holder(r.Beneficiary), shares); err != nil {
		return nil, err
	}
	if err := d.requests.Complete(tx, id, b, shares, now); err != nil {
		return nil, err
	}
	r.Status = requests.StatusClaimed
	r.Payout = shares
	r.CompletedAt = now
	return &Claim{Request: r, Amount: shares, Price: fpmath.Clone(b.NetPrice)}, nil
}

// claimAssets pays out a redemption from the batch receiver.
func (d *desk) claimAssets(ctx context.Context, tx *ledger.Tx, id ledger.ID, kind requests.Kind, now int64) (*Claim, error) {
	r, b, err := d.settledRequest(id, kind)
	if err != nil {
		return nil, err
	}
	if b.State != ledger.BatchSettled {
		return nil, fmt.Errorf("%w: %s is %s", ledger.ErrBatchNotSettled, b.ID.Short(), b.State)
	}
	assets := fpmath.Clone(r.Amount)
	if kind.Denomination() == ledger.DenomShares {
		assets, err = fpmath.SharesToAssets(r.Amount, b.NetPrice)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ledger.ErrBounds, err)
		}
	}
	// Complete first so a failed transfer rolls back with it and the
	// request cannot be paid twice.
	if err := d.requests.Complete(tx, id, b, assets, now); err != nil {
		return nil, err
	}
	if err := d.shares.RetireEscrow(tx, r.Vault, d.holder(r.Owner), r.Amount); err != nil {
		return nil, err
	}
	if err := d.router.Payout(ctx, tx, b.ID, assets, r.Beneficiary); err != nil {
		return nil, err
	}
	r.Status = requests.StatusRedeemed
	r.Payout = assets
	r.CompletedAt = now
	return &Claim{Request: r, Amount: assets, Price: fpmath.Clone(b.NetPrice)}, nil
}

// cancel withdraws a pending request from its still-open batch. Inflows
// are refunded to the owner; outflows return the escrowed shares.
func (d *desk) cancel(ctx context.Context, tx *ledger.Tx, caller string, id ledger.ID, now int64) (requests.Request, error) {
	r, ok := d.requests.Get(id)
	if !ok {
		return requests.Request{}, fmt.Errorf("%w: %s", ledger.ErrRequestNotFound, id.Short())
	}
	if _, err := d.vault(r.Vault); err != nil {
		return requests.Request{}, err
	}
	b, ok := d.batches.Batch(r.BatchID)
	if !ok {
		return requests.Request{}, fmt.Errorf("%w: %s", ledger.ErrBatchNotFound, r.BatchID.Short())
	}
	cancelled, err := d.requests.Cancel(tx, id, caller, b, now)
	if err != nil {
		return requests.Request{}, err
	}
	if r.Kind.IsInflow() {
		err = d.router.Refund(ctx, tx, r.Vault, r.Asset, r.Amount, r.BatchID, r.Owner)
	} else {
		err = d.router.CancelPull(tx, r.Vault, r.Asset, r.Amount, r.Kind.Denomination(), r.BatchID)
		if err == nil {
			err = d.shares.ReleaseEscrow(tx, r.Vault, d.holder(r.Owner), r.Amount)
		}
	}
	if err != nil {
		return requests.Request{}, err
	}
	return cancelled, nil
}
