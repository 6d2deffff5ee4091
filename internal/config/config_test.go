package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"VaultLedger/internal/registry"

	"github.com/stretchr/testify/require"
)

const sample = `
core:
  context_id: test-ctx
settlement:
  min_cooldown: 2h
  max_cooldown: 48h
relayer:
  enabled: true
  address: relayer-1
  cooldown: 12h
assets:
  - key: USDV
    decimals: 6
    mint_cap: "1000000"
vaults:
  - id: gw
    kind: gateway
    assets: [USDV]
    receiver: r-gw
  - id: stake
    kind: primary
    assets: [USDV]
    performance_fee_bps: 2000
    fee_recipient: treasury
    receiver: r-stake
roles:
  relayers: [relayer-1]
  operators: [op-1]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	require.Equal(t, "test-ctx", cfg.Core.ContextID)
	require.Equal(t, ":9090", cfg.Service.GRPCAddr)
	require.Equal(t, 12*time.Hour, cfg.Relayer.Cooldown)

	cc := cfg.CoreConfig()
	require.Equal(t, int64(7200), cc.Settlement.MinCooldownSeconds)
	require.Equal(t, int64(48*3600), cc.Settlement.MaxCooldownSeconds)

	reg, err := cfg.Registry()
	require.NoError(t, err)
	usdv, ok := reg.Asset("USDV")
	require.True(t, ok)
	require.Equal(t, uint64(1_000_000), usdv.MintCap.Uint64())
	require.Nil(t, usdv.RedeemCap)
	v, ok := reg.Vault("gw")
	require.True(t, ok)
	require.Equal(t, registry.VaultKindGateway, v.Kind)

	roles := cfg.Authorizer()
	require.True(t, roles.IsRelayer("relayer-1"))
	require.True(t, roles.IsOperator("op-1"))
	require.False(t, roles.IsGuardian("op-1"))
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("VAULT_GRPC_ADDR", ":7777")
	t.Setenv("VAULT_PERSIST_BATCH_SIZE", "7")
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	require.Equal(t, ":7777", cfg.Service.GRPCAddr)
	require.Equal(t, 7, cfg.Persistence.BatchSize)

	t.Setenv("VAULT_PERSIST_BATCH_SIZE", "many")
	_, err = Load(writeConfig(t, sample))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *Config){
		"cooldown bounds inverted":   func(c *Config) { c.Settlement.MinCooldown = 72 * time.Hour },
		"relayer cooldown too short": func(c *Config) { c.Relayer.Cooldown = time.Minute },
		"relayer without address":    func(c *Config) { c.Relayer.Address = "" },
		"unknown vault asset":        func(c *Config) { c.Vaults[1].Assets = []string{"BTC"} },
		"fee bps out of range":       func(c *Config) { c.Vaults[1].PerformanceFeeBps = 10_001 },
		"bad vault kind":             func(c *Config) { c.Vaults[0].Kind = "bank" },
		"bad mint cap":               func(c *Config) { c.Assets[0].MintCap = "1e6" },
		"empty context":              func(c *Config) { c.Core.ContextID = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, sample))
			require.NoError(t, err)
			mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
