package gateway

import (
	"context"

	"VaultLedger/internal/fees"
	"VaultLedger/internal/ledger"
	"VaultLedger/internal/registry"
	"VaultLedger/internal/requests"
	"VaultLedger/internal/router"

	"github.com/holiman/uint256"
)

// IssuanceGateway serves institutions minting and redeeming wrapped
// tokens 1:1 against collateral. Token mint and burn happen outside the
// ledger; the gateway tracks the collateral and its batch binding. Every
// operation requires the operator capability.
type IssuanceGateway struct {
	desk
}

func NewIssuanceGateway(reg *registry.Registry, auth registry.Authorizer, r *router.Router,
	batches *ledger.BatchManager, reqs *requests.Ledger, shares *fees.Engine) *IssuanceGateway {
	return &IssuanceGateway{desk{reg: reg, auth: auth, router: r, batches: batches, requests: reqs, shares: shares, gateway: true}}
}

// Deposit pushes collateral into the open batch and records a mint request
// for beneficiary.
func (g *IssuanceGateway) Deposit(tx *ledger.Tx, caller, vault, asset string, amount *uint256.Int, beneficiary string, now int64) (ledger.ID, error) {
	if err := g.authorize(caller); err != nil {
		return ledger.ZeroID, err
	}
	if _, err := g.vault(vault); err != nil {
		return ledger.ZeroID, err
	}
	return g.inflow(tx, requests.KindMint, vault, asset, caller, beneficiary, amount, now)
}

// RequestRedeem records a burn of amount tokens for collateral paid to
// beneficiary after settlement.
func (g *IssuanceGateway) RequestRedeem(tx *ledger.Tx, caller, vault, asset string, amount *uint256.Int, beneficiary string, now int64) (ledger.ID, error) {
	if err := g.authorize(caller); err != nil {
		return ledger.ZeroID, err
	}
	if _, err := g.vault(vault); err != nil {
		return ledger.ZeroID, err
	}
	return g.outflow(tx, requests.KindBurn, vault, asset, caller, beneficiary, amount, now)
}

// FinalizeRedeem pays a settled redemption to its beneficiary.
func (g *IssuanceGateway) FinalizeRedeem(ctx context.Context, tx *ledger.Tx, caller string, requestID ledger.ID, now int64) (*Claim, error) {
	if err := g.authorize(caller); err != nil {
		return nil, err
	}
	return g.claimAssets(ctx, tx, requestID, requests.KindBurn, now)
}

// ClaimMint finalizes a settled deposit; the returned amount is the number
// of tokens to mint.
func (g *IssuanceGateway) ClaimMint(tx *ledger.Tx, caller string, requestID ledger.ID, now int64) (*Claim, error) {
	if err := g.authorize(caller); err != nil {
		return nil, err
	}
	return g.claimShares(tx, requestID, requests.KindMint, now)
}

// Cancel withdraws a pending mint or burn while its batch is open.
func (g *IssuanceGateway) Cancel(ctx context.Context, tx *ledger.Tx, caller string, requestID ledger.ID, now int64) (requests.Request, error) {
	if err := g.authorize(caller); err != nil {
		return requests.Request{}, err
	}
	return g.cancel(ctx, tx, caller, requestID, now)
}
