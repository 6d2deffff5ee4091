package persistence

import (
	"testing"

	"VaultLedger/internal/core"
	"VaultLedger/internal/fees"
	"VaultLedger/internal/ledger"
	"VaultLedger/internal/settlement"

	"github.com/stretchr/testify/require"
)

func TestPlaceholders(t *testing.T) {
	require.Equal(t, "($1, $2), ($3, $4), ($5, $6)", placeholders(3, 2))
	require.Equal(t, "($1)", placeholders(1, 1))
}

func TestRecordSet_KeepsLatestImage(t *testing.T) {
	batch := ledger.DeriveID("ctx", 1, "batch", "v", "a")
	rs := NewRecordSet()

	rs.Add(1, &core.Changes{
		Balances: []ledger.BalanceEntry{{Vault: "v", Asset: "a", Amount: "10"}},
		Batches:  []ledger.BatchRecord{{ID: batch, State: "open"}},
	})
	rs.Add(2, &core.Changes{
		Balances: []ledger.BalanceEntry{{Vault: "v", Asset: "a", Amount: "25"}},
		Batches:  []ledger.BatchRecord{{ID: batch, State: "closed"}},
	})

	require.Equal(t, 2, rs.Len())
	require.Equal(t, "25", rs.balances["v/a"].entry.Amount)
	require.Equal(t, int64(2), rs.balances["v/a"].sequence)
	require.Equal(t, "closed", rs.batches[batch].record.State)

	rs.Reset()
	require.Zero(t, rs.Len())
}

func TestRecordSet_RejectionInSameBatchRewritesImage(t *testing.T) {
	proposal := ledger.DeriveID("ctx", 1, "proposal", "b")
	other := ledger.DeriveID("ctx", 2, "proposal", "b")
	rs := NewRecordSet()

	rs.Add(5, &core.Changes{Proposals: []settlement.Record{{ID: proposal, Status: "proposed"}}})
	rs.Add(6, &core.Changes{RejectedProposals: []settlement.RejectedEntry{
		{ProposalID: proposal},
		{ProposalID: other},
	}})

	// The proposal written in this batch is upserted already rejected.
	require.Equal(t, settlement.StatusRejected.String(), rs.proposals[proposal].record.Status)
	require.Equal(t, int64(6), rs.proposals[proposal].sequence)
	// One persisted by an earlier batch is updated in place.
	require.Equal(t, int64(6), rs.rejected[other])
	_, ok := rs.rejected[proposal]
	require.False(t, ok)
}

func TestRecordSet_HoldingsKeyedByVaultAndHolder(t *testing.T) {
	rs := NewRecordSet()
	rs.Add(3, &core.Changes{Holdings: []fees.HoldingRecord{
		{Vault: "v", Holder: "alice", Free: "10", Escrowed: "0"},
		{Vault: "v", Holder: "bob", Free: "5", Escrowed: "0"},
	}})
	rs.Add(4, &core.Changes{Holdings: []fees.HoldingRecord{
		{Vault: "v", Holder: "alice", Free: "4", Escrowed: "6"},
	}})

	require.Equal(t, 2, rs.Len())
	require.Equal(t, "6", rs.holdings["v/alice"].record.Escrowed)
	require.Equal(t, int64(4), rs.holdings["v/alice"].sequence)
	require.Equal(t, int64(3), rs.holdings["v/bob"].sequence)
}
