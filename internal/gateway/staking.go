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

// StakingVault serves retail holders staking wrapped tokens into primary
// and satellite vaults. Stakes and unstakes are priced at their batch's
// settled net share price.
type StakingVault struct {
	desk
}

func NewStakingVault(reg *registry.Registry, r *router.Router, batches *ledger.BatchManager, reqs *requests.Ledger, shares *fees.Engine) *StakingVault {
	return &StakingVault{desk{reg: reg, router: r, batches: batches, requests: reqs, shares: shares, gateway: false}}
}

// RequestStake pushes amount of the vault's asset on behalf of owner.
func (s *StakingVault) RequestStake(tx *ledger.Tx, owner, vault, recipient string, amount *uint256.Int, now int64) (ledger.ID, error) {
	v, err := s.vault(vault)
	if err != nil {
		return ledger.ZeroID, err
	}
	return s.inflow(tx, requests.KindStake, vault, v.Assets[0], owner, recipient, amount, now)
}

// RequestUnstake escrows shares from owner's free position and records
// their redemption for assets paid to recipient.
func (s *StakingVault) RequestUnstake(tx *ledger.Tx, owner, vault, recipient string, shares *uint256.Int, now int64) (ledger.ID, error) {
	v, err := s.vault(vault)
	if err != nil {
		return ledger.ZeroID, err
	}
	return s.outflow(tx, requests.KindUnstake, vault, v.Assets[0], owner, recipient, shares, now)
}

// ClaimStake credits the beneficiary with shares at the batch's settled price.
func (s *StakingVault) ClaimStake(tx *ledger.Tx, requestID ledger.ID, now int64) (*Claim, error) {
	return s.claimShares(tx, requestID, requests.KindStake, now)
}

// ClaimUnstake pays assets at the batch's settled price.
func (s *StakingVault) ClaimUnstake(ctx context.Context, tx *ledger.Tx, requestID ledger.ID, now int64) (*Claim, error) {
	return s.claimAssets(ctx, tx, requestID, requests.KindUnstake, now)
}

// Cancel withdraws a pending stake or unstake while its batch is open.
func (s *StakingVault) Cancel(ctx context.Context, tx *ledger.Tx, caller string, requestID ledger.ID, now int64) (requests.Request, error) {
	return s.cancel(ctx, tx, caller, requestID, now)
}
