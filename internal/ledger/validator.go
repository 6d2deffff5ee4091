package ledger

import (
	"fmt"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
	batches *BatchManager
}

func NewInvariantValidator(tracker *BalanceTracker, batches *BatchManager) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
		batches: batches,
	}
}

// ValidatePosting verifies every entry of a posting is well-formed.
func (v *InvariantValidator) ValidatePosting(p *Posting) error {
	return p.Validate()
}

// ValidateReconciliation verifies that the virtual balances of asset sum
// to its custodied total.
func (v *InvariantValidator) ValidateReconciliation(asset string) error {
	sum, err := v.tracker.SumVirtual(asset)
	if err != nil {
		return fmt.Errorf("%w: sum of %s overflows", ErrReconciliation, asset)
	}
	held := v.tracker.GetCustodied(asset)
	if sum.Cmp(held) != 0 {
		return fmt.Errorf("%w: %s virtual %s != custodied %s", ErrReconciliation, asset, sum.Dec(), held.Dec())
	}
	return nil
}

// ValidateBatches verifies that no settled batch has paid or issued more
// than it settled for.
func (v *InvariantValidator) ValidateBatches() error {
	for _, b := range v.batches.Batches() {
		if err := v.ValidateBatch(b); err != nil {
			return err
		}
	}
	return nil
}

// ValidateBatch checks a single batch.
func (v *InvariantValidator) ValidateBatch(b Batch) error {
	if b.State != BatchSettled {
		return nil
	}
	if b.Paid.Cmp(b.PayoutAssets) > 0 {
		return fmt.Errorf("%w: batch %s paid %s > payout %s", ErrReconciliation, b.ID.Short(), b.Paid.Dec(), b.PayoutAssets.Dec())
	}
	if b.ClaimedShares.Cmp(b.IssuedShares) > 0 {
		return fmt.Errorf("%w: batch %s claimed %s > issued %s", ErrReconciliation, b.ID.Short(), b.ClaimedShares.Dec(), b.IssuedShares.Dec())
	}
	return nil
}

// ValidateAll runs every check across all known assets.
func (v *InvariantValidator) ValidateAll() error {
	for _, asset := range v.tracker.Assets() {
		if err := v.ValidateReconciliation(asset); err != nil {
			return err
		}
	}
	return v.ValidateBatches()
}
