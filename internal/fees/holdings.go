package fees

import (
	"fmt"
	"sort"
	"strings"

	"VaultLedger/internal/ledger"
	fpmath "VaultLedger/internal/math"

	"github.com/holiman/uint256"
)

// Holding is one account's share position in a vault. Escrowed shares are
// committed to a pending redemption and leave the position when that
// redemption is claimed or return to Free when it is cancelled.
type Holding struct {
	Vault    string
	Holder   string
	Free     *uint256.Int
	Escrowed *uint256.Int
}

func (h *Holding) clone() *Holding {
	c := *h
	c.Free = fpmath.Clone(h.Free)
	c.Escrowed = fpmath.Clone(h.Escrowed)
	return &c
}

type holdingKey struct {
	vault  string
	holder string
}

func (k holdingKey) String() string { return k.vault + "/" + k.holder }

// ParseHoldingKey reverses the "vault/holder" ref key.
func ParseHoldingKey(s string) (vault, holder string, err error) {
	vault, holder, ok := strings.Cut(s, "/")
	if !ok || vault == "" || holder == "" {
		return "", "", fmt.Errorf("bad holding key %q", s)
	}
	return vault, holder, nil
}

// Holding returns a copy of holder's position, zero when it has none.
func (e *Engine) Holding(vault, holder string) Holding {
	if h, ok := e.holdings[holdingKey{vault, holder}]; ok {
		return *h.clone()
	}
	return Holding{Vault: vault, Holder: holder, Free: fpmath.Zero(), Escrowed: fpmath.Zero()}
}

func (e *Engine) mutableHolding(vault, holder string) (*Holding, error) {
	if _, ok := e.states[vault]; !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrUnknownVault, vault)
	}
	if holder == "" {
		return nil, fmt.Errorf("%w: empty holder", ledger.ErrInvalidState)
	}
	h := e.Holding(vault, holder)
	return &h, nil
}

func (e *Engine) putHolding(tx *ledger.Tx, h *Holding) {
	k := holdingKey{h.Vault, h.Holder}
	prev, existed := e.holdings[k]
	e.holdings[k] = h
	tx.Touch(ledger.RefHolding, k.String())
	tx.Defer(func() {
		if existed {
			e.holdings[k] = prev
		} else {
			delete(e.holdings, k)
		}
	})
}

// CreditShares adds claimed shares to holder's free position.
func (e *Engine) CreditShares(tx *ledger.Tx, vault, holder string, shares *uint256.Int) error {
	if fpmath.IsZero(shares) {
		return nil
	}
	h, err := e.mutableHolding(vault, holder)
	if err != nil {
		return err
	}
	next, err := fpmath.Add(h.Free, shares)
	if err != nil {
		return fmt.Errorf("%w: holding overflow", ledger.ErrBounds)
	}
	h.Free = next
	e.putHolding(tx, h)
	return nil
}

// EscrowShares moves shares from holder's free position into escrow for a
// pending redemption.
func (e *Engine) EscrowShares(tx *ledger.Tx, vault, holder string, shares *uint256.Int) error {
	h, err := e.mutableHolding(vault, holder)
	if err != nil {
		return err
	}
	free, ok := fpmath.Sub(h.Free, shares)
	if !ok {
		return fmt.Errorf("%w: %s holds %s in %s, redeeming %s",
			ledger.ErrInsufficientFree, holder, h.Free.Dec(), vault, shares.Dec())
	}
	escrowed, err := fpmath.Add(h.Escrowed, shares)
	if err != nil {
		return fmt.Errorf("%w: escrow overflow", ledger.ErrBounds)
	}
	h.Free, h.Escrowed = free, escrowed
	e.putHolding(tx, h)
	return nil
}

// ReleaseEscrow returns escrowed shares to the free position.
func (e *Engine) ReleaseEscrow(tx *ledger.Tx, vault, holder string, shares *uint256.Int) error {
	h, err := e.mutableHolding(vault, holder)
	if err != nil {
		return err
	}
	escrowed, ok := fpmath.Sub(h.Escrowed, shares)
	if !ok {
		return fmt.Errorf("%w: escrow release %s > %s", ledger.ErrReleaseExceeded, shares.Dec(), h.Escrowed.Dec())
	}
	free, err := fpmath.Add(h.Free, shares)
	if err != nil {
		return fmt.Errorf("%w: holding overflow", ledger.ErrBounds)
	}
	h.Free, h.Escrowed = free, escrowed
	e.putHolding(tx, h)
	return nil
}

// RetireEscrow drops escrowed shares whose redemption has been paid. The
// supply itself was burned when the batch settled.
func (e *Engine) RetireEscrow(tx *ledger.Tx, vault, holder string, shares *uint256.Int) error {
	h, err := e.mutableHolding(vault, holder)
	if err != nil {
		return err
	}
	escrowed, ok := fpmath.Sub(h.Escrowed, shares)
	if !ok {
		return fmt.Errorf("%w: retire %s > escrowed %s", ledger.ErrReleaseExceeded, shares.Dec(), h.Escrowed.Dec())
	}
	h.Escrowed = escrowed
	e.putHolding(tx, h)
	return nil
}

func (e *Engine) holdingKeys() []holdingKey {
	keys := make([]holdingKey, 0, len(e.holdings))
	for k := range e.holdings {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].vault != keys[j].vault {
			return keys[i].vault < keys[j].vault
		}
		return keys[i].holder < keys[j].holder
	})
	return keys
}

// HoldingRecord is the serialized form of a Holding.
type HoldingRecord struct {
	Vault    string `json:"vault"`
	Holder   string `json:"holder"`
	Free     string `json:"free"`
	Escrowed string `json:"escrowed"`
}

func (h Holding) Record() HoldingRecord {
	return HoldingRecord{
		Vault:    h.Vault,
		Holder:   h.Holder,
		Free:     fpmath.String(h.Free),
		Escrowed: fpmath.String(h.Escrowed),
	}
}

// SnapshotHoldings returns every position in (vault, holder) order.
func (e *Engine) SnapshotHoldings() []HoldingRecord {
	out := make([]HoldingRecord, 0, len(e.holdings))
	for _, k := range e.holdingKeys() {
		out = append(out, e.holdings[k].Record())
	}
	return out
}

// RestoreHoldings replaces every position.
func (e *Engine) RestoreHoldings(records []HoldingRecord) error {
	holdings := make(map[holdingKey]*Holding, len(records))
	for _, r := range records {
		if _, ok := e.states[r.Vault]; !ok {
			return fmt.Errorf("restore holding: %w: %s", ledger.ErrUnknownVault, r.Vault)
		}
		free, err := fpmath.ParseAmount(r.Free)
		if err != nil {
			return fmt.Errorf("restore holding %s/%s: %w", r.Vault, r.Holder, err)
		}
		escrowed, err := fpmath.ParseAmount(r.Escrowed)
		if err != nil {
			return fmt.Errorf("restore holding %s/%s: %w", r.Vault, r.Holder, err)
		}
		holdings[holdingKey{r.Vault, r.Holder}] = &Holding{Vault: r.Vault, Holder: r.Holder, Free: free, Escrowed: escrowed}
	}
	e.holdings = holdings
	return nil
}

func (e *Engine) appendHoldingsDigest(buf []byte) []byte {
	for _, k := range e.holdingKeys() {
		h := e.holdings[k]
		buf = fmt.Appendf(buf, "sh|%s|%s|%s|%s\n", h.Vault, h.Holder, fpmath.String(h.Free), fpmath.String(h.Escrowed))
	}
	return buf
}
