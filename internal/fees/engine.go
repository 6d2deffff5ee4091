package fees

import (
	"fmt"
	"sort"

	"VaultLedger/internal/ledger"
	fpmath "VaultLedger/internal/math"
	"VaultLedger/internal/registry"

	"github.com/holiman/uint256"
)

// Engine owns the fee accrual state and share positions of every vault.
type Engine struct {
	reg      *registry.Registry
	states   map[string]*State
	holdings map[holdingKey]*Holding
}

func NewEngine(reg *registry.Registry) *Engine {
	e := &Engine{
		reg:      reg,
		states:   make(map[string]*State),
		holdings: make(map[holdingKey]*Holding),
	}
	for _, v := range reg.Vaults() {
		e.states[v.ID] = initialState(reg, v)
	}
	return e
}

func initialState(reg *registry.Registry, v registry.Vault) *State {
	return &State{
		Vault:             v.ID,
		Watermark:         fpmath.Clone(fpmath.PriceScale),
		ManagementFeeBps:  v.ManagementFeeBps,
		PerformanceFeeBps: v.PerformanceFeeBps,
		HurdleBps:         reg.EffectiveHurdleBps(v),
		HardHurdle:        v.HardHurdle,
		TotalSupply:       fpmath.Zero(),
		FeeRecipient:      v.FeeRecipient,
		Gateway:           v.IsGateway(),
	}
}

// State returns a copy of the vault's fee state.
func (e *Engine) State(vault string) (State, bool) {
	s, ok := e.states[vault]
	if !ok {
		return State{}, false
	}
	return *s.clone(), true
}

// Quote prices the vault at totalAssets.
func (e *Engine) Quote(vault string, totalAssets *uint256.Int, now int64) (Quote, error) {
	s, ok := e.states[vault]
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s", ledger.ErrUnknownVault, vault)
	}
	return QuotePrice(*s, totalAssets, now)
}

func (e *Engine) mutable(vault string) (*State, error) {
	s, ok := e.states[vault]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrUnknownVault, vault)
	}
	return s.clone(), nil
}

func (e *Engine) put(tx *ledger.Tx, s *State) {
	prev := e.states[s.Vault]
	e.states[s.Vault] = s
	tx.Touch(ledger.RefFeeState, s.Vault)
	tx.Defer(func() { e.states[s.Vault] = prev })
}

// Crystallize resets the accrual clocks to now and raises the watermark
// when netPrice exceeds it. The watermark is never lowered.
func (e *Engine) Crystallize(tx *ledger.Tx, vault string, netPrice *uint256.Int, now int64) error {
	s, err := e.mutable(vault)
	if err != nil {
		return err
	}
	s.LastManagementFeeAt = now
	s.LastPerformanceFeeAt = now
	if netPrice != nil && netPrice.Cmp(s.Watermark) > 0 {
		s.Watermark = fpmath.Clone(netPrice)
	}
	e.put(tx, s)
	return nil
}

// MintShares raises the vault's share supply.
func (e *Engine) MintShares(tx *ledger.Tx, vault string, shares *uint256.Int) error {
	if fpmath.IsZero(shares) {
		return nil
	}
	s, err := e.mutable(vault)
	if err != nil {
		return err
	}
	next, err := fpmath.Add(s.TotalSupply, shares)
	if err != nil {
		return fmt.Errorf("%w: supply overflow", ledger.ErrBounds)
	}
	s.TotalSupply = next
	e.put(tx, s)
	return nil
}

// BurnShares lowers the vault's share supply.
func (e *Engine) BurnShares(tx *ledger.Tx, vault string, shares *uint256.Int) error {
	if fpmath.IsZero(shares) {
		return nil
	}
	s, err := e.mutable(vault)
	if err != nil {
		return err
	}
	next, ok := fpmath.Sub(s.TotalSupply, shares)
	if !ok {
		return fmt.Errorf("%w: burn %s exceeds supply %s", ledger.ErrReconciliation, shares.Dec(), s.TotalSupply.Dec())
	}
	s.TotalSupply = next
	e.put(tx, s)
	return nil
}

func (e *Engine) vaultIDs() []string {
	ids := make([]string, 0, len(e.states))
	for id := range e.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AppendDigest writes the canonical encoding of all fee states and share
// positions.
func (e *Engine) AppendDigest(buf []byte) []byte {
	for _, id := range e.vaultIDs() {
		s := e.states[id]
		buf = fmt.Appendf(buf, "fe|%s|%d|%d|%s|%s\n",
			s.Vault, s.LastManagementFeeAt, s.LastPerformanceFeeAt,
			fpmath.String(s.Watermark), fpmath.String(s.TotalSupply))
	}
	return e.appendHoldingsDigest(buf)
}

// StateRecord is the serialized dynamic part of a fee state. Rates come
// from the registry and are not persisted.
type StateRecord struct {
	Vault                string `json:"vault"`
	LastManagementFeeAt  int64  `json:"last_management_fee_at"`
	LastPerformanceFeeAt int64  `json:"last_performance_fee_at"`
	Watermark            string `json:"watermark"`
	TotalSupply          string `json:"total_supply"`
}

func (s State) Record() StateRecord {
	return StateRecord{
		Vault:                s.Vault,
		LastManagementFeeAt:  s.LastManagementFeeAt,
		LastPerformanceFeeAt: s.LastPerformanceFeeAt,
		Watermark:            fpmath.String(s.Watermark),
		TotalSupply:          fpmath.String(s.TotalSupply),
	}
}

// Snapshot returns every fee state in vault order.
func (e *Engine) Snapshot() []StateRecord {
	out := make([]StateRecord, 0, len(e.states))
	for _, id := range e.vaultIDs() {
		out = append(out, e.states[id].Record())
	}
	return out
}

// Restore overlays persisted accrual state on the registry configuration.
func (e *Engine) Restore(records []StateRecord) error {
	states := make(map[string]*State, len(e.states))
	for _, v := range e.reg.Vaults() {
		states[v.ID] = initialState(e.reg, v)
	}
	for _, r := range records {
		s, ok := states[r.Vault]
		if !ok {
			return fmt.Errorf("restore fee state: %w: %s", ledger.ErrUnknownVault, r.Vault)
		}
		wm, err := fpmath.ParseAmount(r.Watermark)
		if err != nil {
			return fmt.Errorf("restore fee state %s: %w", r.Vault, err)
		}
		supply, err := fpmath.ParseAmount(r.TotalSupply)
		if err != nil {
			return fmt.Errorf("restore fee state %s: %w", r.Vault, err)
		}
		s.LastManagementFeeAt = r.LastManagementFeeAt
		s.LastPerformanceFeeAt = r.LastPerformanceFeeAt
		s.Watermark = wm
		s.TotalSupply = supply
	}
	e.states = states
	return nil
}
