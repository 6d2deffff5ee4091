package registry

import (
	"fmt"
	"sort"
	"strings"

	"github.com/holiman/uint256"
)

// VaultKind distinguishes institutional issuance from retail staking vaults.
type VaultKind uint8

const (
	VaultKindGateway VaultKind = iota + 1
	VaultKindPrimary
	VaultKindSatellite
)

func (k VaultKind) String() string {
	switch k {
	case VaultKindGateway:
		return "gateway"
	case VaultKindPrimary:
		return "primary"
	case VaultKindSatellite:
		return "satellite"
	default:
		return "unknown"
	}
}

// ParseVaultKind accepts the lowercase names produced by String.
func ParseVaultKind(s string) (VaultKind, error) {
	switch strings.ToLower(s) {
	case "gateway":
		return VaultKindGateway, nil
	case "primary":
		return VaultKindPrimary, nil
	case "satellite":
		return VaultKindSatellite, nil
	default:
		return 0, fmt.Errorf("unknown vault kind %q", s)
	}
}

// Asset is a registered collateral type. Nil caps are unlimited.
type Asset struct {
	Key       string
	Decimals  uint8
	MintCap   *uint256.Int
	RedeemCap *uint256.Int
	HurdleBps uint32
}

// Vault holds virtual balances of one or more assets.
type Vault struct {
	ID                string
	Kind              VaultKind
	Assets            []string
	ManagementFeeBps  uint32
	PerformanceFeeBps uint32
	// HurdleBps overrides the asset hurdle when non-zero.
	HurdleBps    uint32
	HardHurdle   bool
	FeeRecipient string
	// Receiver is where settlement transfers land and claims are paid from.
	Receiver string
}

// HoldsAsset reports whether the vault is configured for asset.
func (v Vault) HoldsAsset(asset string) bool {
	for _, a := range v.Assets {
		if a == asset {
			return true
		}
	}
	return false
}

// IsGateway reports whether the vault prices 1:1 with no fees.
func (v Vault) IsGateway() bool {
	return v.Kind == VaultKindGateway
}

// Registry is the read-only directory of assets and vaults, built once at
// startup and passed by reference into every component.
type Registry struct {
	assets map[string]Asset
	vaults map[string]Vault
}

func New(assets []Asset, vaults []Vault) (*Registry, error) {
	r := &Registry{
		assets: make(map[string]Asset, len(assets)),
		vaults: make(map[string]Vault, len(vaults)),
	}

	for _, a := range assets {
		if a.Key == "" {
			return nil, fmt.Errorf("asset with empty key")
		}
		if strings.ContainsAny(a.Key, ":|") {
			return nil, fmt.Errorf("asset key %q contains a reserved separator", a.Key)
		}
		if _, dup := r.assets[a.Key]; dup {
			return nil, fmt.Errorf("duplicate asset %s", a.Key)
		}
		if a.HurdleBps > 10_000 {
			return nil, fmt.Errorf("asset %s: hurdle %d bps exceeds 10000", a.Key, a.HurdleBps)
		}
		r.assets[a.Key] = a
	}

	for _, v := range vaults {
		if v.ID == "" {
			return nil, fmt.Errorf("vault with empty id")
		}
		if _, dup := r.vaults[v.ID]; dup {
			return nil, fmt.Errorf("duplicate vault %s", v.ID)
		}
		if len(v.Assets) == 0 {
			return nil, fmt.Errorf("vault %s has no assets", v.ID)
		}
		for _, a := range v.Assets {
			if _, ok := r.assets[a]; !ok {
				return nil, fmt.Errorf("vault %s references unknown asset %s", v.ID, a)
			}
		}
		if v.ManagementFeeBps > 10_000 || v.PerformanceFeeBps > 10_000 || v.HurdleBps > 10_000 {
			return nil, fmt.Errorf("vault %s: fee bps exceeds 10000", v.ID)
		}
		if v.Kind == VaultKindGateway && (v.ManagementFeeBps != 0 || v.PerformanceFeeBps != 0) {
			return nil, fmt.Errorf("gateway vault %s cannot charge fees", v.ID)
		}
		if v.Kind != VaultKindGateway && len(v.Assets) != 1 {
			return nil, fmt.Errorf("staking vault %s must hold exactly one asset", v.ID)
		}
		if v.Receiver == "" {
			return nil, fmt.Errorf("vault %s has no settlement receiver", v.ID)
		}
		if v.FeeRecipient == "" && (v.ManagementFeeBps != 0 || v.PerformanceFeeBps != 0) {
			return nil, fmt.Errorf("vault %s charges fees but has no fee recipient", v.ID)
		}
		r.vaults[v.ID] = v
	}

	return r, nil
}

func (r *Registry) Asset(key string) (Asset, bool) {
	a, ok := r.assets[key]
	return a, ok
}

func (r *Registry) Vault(id string) (Vault, bool) {
	v, ok := r.vaults[id]
	return v, ok
}

// Vaults returns all vaults ordered by id.
func (r *Registry) Vaults() []Vault {
	out := make([]Vault, 0, len(r.vaults))
	for _, v := range r.vaults {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Assets returns all assets ordered by key.
func (r *Registry) Assets() []Asset {
	out := make([]Asset, 0, len(r.assets))
	for _, a := range r.assets {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// EffectiveHurdleBps resolves the vault override against the asset hurdle.
func (r *Registry) EffectiveHurdleBps(v Vault) uint32 {
	if v.HurdleBps != 0 {
		return v.HurdleBps
	}
	if a, ok := r.assets[v.Assets[0]]; ok {
		return a.HurdleBps
	}
	return 0
}
