package core

import (
	"VaultLedger/internal/fees"
	"VaultLedger/internal/ledger"
	"VaultLedger/internal/registry"
	"VaultLedger/internal/requests"
	"VaultLedger/internal/settlement"

	"github.com/holiman/uint256"
)

// Read accessors. Like every other method they must be called from the
// goroutine that owns the core (see Runner.Do). All return copies.

func (c *DeterministicCore) Registry() *registry.Registry { return c.reg }

func (c *DeterministicCore) Batch(id ledger.ID) (ledger.Batch, bool) {
	return c.batches.Batch(id)
}

func (c *DeterministicCore) OpenBatch(vault, asset string) (ledger.Batch, bool) {
	return c.batches.OpenBatch(vault, asset)
}

func (c *DeterministicCore) Batches() []ledger.Batch {
	return c.batches.Batches()
}

func (c *DeterministicCore) Proposal(id ledger.ID) (settlement.Proposal, bool) {
	return c.settlement.Proposal(id)
}

func (c *DeterministicCore) LiveProposal(batchID ledger.ID) (settlement.Proposal, bool) {
	return c.settlement.LiveProposal(batchID)
}

func (c *DeterministicCore) Proposals() []settlement.Proposal {
	return c.settlement.Proposals()
}

func (c *DeterministicCore) FeeState(vault string) (fees.State, bool) {
	return c.fees.State(vault)
}

// Quote prices vault at totalAssets on the ledger clock.
func (c *DeterministicCore) Quote(vault string, totalAssets *uint256.Int) (fees.Quote, error) {
	return c.fees.Quote(vault, totalAssets, c.lastTimestamp)
}

func (c *DeterministicCore) Balance(vault, asset string) *uint256.Int {
	return c.tracker.GetBalance(vault, asset)
}

func (c *DeterministicCore) Custodied(asset string) *uint256.Int {
	return c.tracker.GetCustodied(asset)
}

func (c *DeterministicCore) Request(id ledger.ID) (requests.Request, bool) {
	return c.requests.Get(id)
}

func (c *DeterministicCore) RequestsByOwner(owner string) []requests.Request {
	return c.requests.ByOwner(owner)
}

func (c *DeterministicCore) PendingRequests(batchID ledger.ID) []requests.Request {
	return c.requests.PendingByBatch(batchID)
}
