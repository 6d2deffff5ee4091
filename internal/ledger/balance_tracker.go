package ledger

import (
	"fmt"
	"sort"
	"strings"

	fpmath "VaultLedger/internal/math"

	"github.com/holiman/uint256"
)

// BalanceKey addresses one virtual balance.
type BalanceKey struct {
	Vault string
	Asset string
}

func (k BalanceKey) String() string {
	return k.Vault + ":" + k.Asset
}

// ParseBalanceKey is the inverse of String. Asset keys never contain a
// colon, so the last one separates the two parts.
func ParseBalanceKey(s string) (BalanceKey, error) {
	i := strings.LastIndexByte(s, ':')
	if i <= 0 || i == len(s)-1 {
		return BalanceKey{}, fmt.Errorf("malformed balance key %q", s)
	}
	return BalanceKey{Vault: s[:i], Asset: s[i+1:]}, nil
}

// BalanceTracker maintains virtual balances per (vault, asset) and the
// custodied total per asset. The sum of virtual balances of an asset must
// always equal its custodied total.
type BalanceTracker struct {
	balances  map[BalanceKey]*uint256.Int
	custodied map[string]*uint256.Int
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances:  make(map[BalanceKey]*uint256.Int),
		custodied: make(map[string]*uint256.Int),
	}
}

// GetBalance returns a copy of the virtual balance; unknown keys read zero.
func (bt *BalanceTracker) GetBalance(vault, asset string) *uint256.Int {
	return fpmath.Clone(bt.balances[BalanceKey{Vault: vault, Asset: asset}])
}

// GetCustodied returns a copy of the custodied total for asset.
func (bt *BalanceTracker) GetCustodied(asset string) *uint256.Int {
	return fpmath.Clone(bt.custodied[asset])
}

func (bt *BalanceTracker) setBalance(tx *Tx, key BalanceKey, v *uint256.Int) {
	prev, existed := bt.balances[key]
	bt.balances[key] = v
	tx.Touch(RefBalance, key.String())
	tx.Defer(func() {
		if existed {
			bt.balances[key] = prev
		} else {
			delete(bt.balances, key)
		}
	})
}

func (bt *BalanceTracker) setCustodied(tx *Tx, asset string, v *uint256.Int) {
	prev, existed := bt.custodied[asset]
	bt.custodied[asset] = v
	tx.Touch(RefCustody, asset)
	tx.Defer(func() {
		if existed {
			bt.custodied[asset] = prev
		} else {
			delete(bt.custodied, asset)
		}
	})
}

// Credit raises the virtual balance and journals the inflow from counter.
func (bt *BalanceTracker) Credit(tx *Tx, key BalanceKey, amount *uint256.Int, counter AccountKey, jt JournalType) error {
	if fpmath.IsZero(amount) {
		return nil
	}
	next, err := fpmath.Add(bt.balances[key], amount)
	if err != nil {
		return fmt.Errorf("%w: credit %s: %v", ErrBounds, key, err)
	}
	bt.setBalance(tx, key, next)
	tx.Record(Journal{
		DebitAccount:  NewVaultAccountKey(key.Vault, SubTypeVirtualBalance, key.Asset),
		CreditAccount: counter,
		Asset:         key.Asset,
		Amount:        fpmath.Clone(amount),
		JournalType:   jt,
	})
	return nil
}

// Debit lowers the virtual balance and journals the outflow to counter.
func (bt *BalanceTracker) Debit(tx *Tx, key BalanceKey, amount *uint256.Int, counter AccountKey, jt JournalType) error {
	if fpmath.IsZero(amount) {
		return nil
	}
	next, ok := fpmath.Sub(bt.balances[key], amount)
	if !ok {
		return fmt.Errorf("%w: %s has %s, need %s", ErrInsufficientVB,
			key, fpmath.String(bt.balances[key]), amount.Dec())
	}
	bt.setBalance(tx, key, next)
	tx.Record(Journal{
		DebitAccount:  counter,
		CreditAccount: NewVaultAccountKey(key.Vault, SubTypeVirtualBalance, key.Asset),
		Asset:         key.Asset,
		Amount:        fpmath.Clone(amount),
		JournalType:   jt,
	})
	return nil
}

// Transfer moves value between two virtual balances of the same asset.
// Custody is unaffected.
func (bt *BalanceTracker) Transfer(tx *Tx, from, to BalanceKey, amount *uint256.Int, jt JournalType) error {
	if from.Asset != to.Asset {
		return fmt.Errorf("%w: transfer across assets %s -> %s", ErrBounds, from, to)
	}
	if fpmath.IsZero(amount) || from == to {
		return nil
	}
	fromNext, ok := fpmath.Sub(bt.balances[from], amount)
	if !ok {
		return fmt.Errorf("%w: %s has %s, need %s", ErrInsufficientVB,
			from, fpmath.String(bt.balances[from]), amount.Dec())
	}
	toNext, err := fpmath.Add(bt.balances[to], amount)
	if err != nil {
		return fmt.Errorf("%w: transfer to %s: %v", ErrBounds, to, err)
	}
	bt.setBalance(tx, from, fromNext)
	bt.setBalance(tx, to, toNext)
	tx.Record(Journal{
		DebitAccount:  NewVaultAccountKey(to.Vault, SubTypeVirtualBalance, to.Asset),
		CreditAccount: NewVaultAccountKey(from.Vault, SubTypeVirtualBalance, from.Asset),
		Asset:         from.Asset,
		Amount:        fpmath.Clone(amount),
		JournalType:   jt,
	})
	return nil
}

// AddCustody raises the custodied total of asset.
func (bt *BalanceTracker) AddCustody(tx *Tx, asset string, amount *uint256.Int) error {
	if fpmath.IsZero(amount) {
		return nil
	}
	next, err := fpmath.Add(bt.custodied[asset], amount)
	if err != nil {
		return fmt.Errorf("%w: custody %s: %v", ErrBounds, asset, err)
	}
	bt.setCustodied(tx, asset, next)
	return nil
}

// RemoveCustody lowers the custodied total of asset.
func (bt *BalanceTracker) RemoveCustody(tx *Tx, asset string, amount *uint256.Int) error {
	if fpmath.IsZero(amount) {
		return nil
	}
	next, ok := fpmath.Sub(bt.custodied[asset], amount)
	if !ok {
		return fmt.Errorf("%w: custody %s has %s, need %s", ErrInsufficientHeld,
			asset, fpmath.String(bt.custodied[asset]), amount.Dec())
	}
	bt.setCustodied(tx, asset, next)
	return nil
}

// SumVirtual totals every virtual balance of asset.
func (bt *BalanceTracker) SumVirtual(asset string) (*uint256.Int, error) {
	total := fpmath.Zero()
	for key, v := range bt.balances {
		if key.Asset != asset {
			continue
		}
		next, err := fpmath.Add(total, v)
		if err != nil {
			return nil, err
		}
		total = next
	}
	return total, nil
}

// Keys returns all balance keys ordered by vault then asset.
func (bt *BalanceTracker) Keys() []BalanceKey {
	keys := make([]BalanceKey, 0, len(bt.balances))
	for k := range bt.balances {
		keys = append(keys, k)
	}
	sortBalanceKeys(keys)
	return keys
}

func sortBalanceKeys(keys []BalanceKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Vault != keys[j].Vault {
			return keys[i].Vault < keys[j].Vault
		}
		return keys[i].Asset < keys[j].Asset
	})
}

// Assets returns every asset that has appeared in custody or a balance.
func (bt *BalanceTracker) Assets() []string {
	seen := make(map[string]struct{})
	for a := range bt.custodied {
		seen[a] = struct{}{}
	}
	for k := range bt.balances {
		seen[k.Asset] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// AppendDigest writes the canonical encoding of all balances.
func (bt *BalanceTracker) AppendDigest(buf []byte) []byte {
	for _, k := range bt.Keys() {
		buf = fmt.Appendf(buf, "vb|%s|%s|%s\n", k.Vault, k.Asset, fpmath.String(bt.balances[k]))
	}
	for _, a := range bt.Assets() {
		buf = fmt.Appendf(buf, "cu|%s|%s\n", a, fpmath.String(bt.custodied[a]))
	}
	return buf
}

type BalanceEntry struct {
	Vault  string `json:"vault"`
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type CustodyEntry struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type BalanceSnapshot struct {
	Balances  []BalanceEntry `json:"balances"`
	Custodied []CustodyEntry `json:"custodied"`
}

// Snapshot returns a copy of all balances in canonical order.
func (bt *BalanceTracker) Snapshot() BalanceSnapshot {
	snap := BalanceSnapshot{}
	for _, k := range bt.Keys() {
		snap.Balances = append(snap.Balances, BalanceEntry{Vault: k.Vault, Asset: k.Asset, Amount: fpmath.String(bt.balances[k])})
	}
	for _, a := range bt.Assets() {
		if v, ok := bt.custodied[a]; ok {
			snap.Custodied = append(snap.Custodied, CustodyEntry{Asset: a, Amount: fpmath.String(v)})
		}
	}
	return snap
}

// Restore replaces all balances from a snapshot.
func (bt *BalanceTracker) Restore(snap BalanceSnapshot) error {
	balances := make(map[BalanceKey]*uint256.Int, len(snap.Balances))
	for _, e := range snap.Balances {
		v, err := fpmath.ParseAmount(e.Amount)
		if err != nil {
			return fmt.Errorf("restore balance %s:%s: %w", e.Vault, e.Asset, err)
		}
		balances[BalanceKey{Vault: e.Vault, Asset: e.Asset}] = v
	}
	custodied := make(map[string]*uint256.Int, len(snap.Custodied))
	for _, e := range snap.Custodied {
		v, err := fpmath.ParseAmount(e.Amount)
		if err != nil {
			return fmt.Errorf("restore custody %s: %w", e.Asset, err)
		}
		custodied[e.Asset] = v
	}
	bt.balances = balances
	bt.custodied = custodied
	return nil
}
