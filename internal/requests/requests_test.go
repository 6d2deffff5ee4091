package requests_test

import (
	"testing"

	"VaultLedger/internal/ledger"
	"VaultLedger/internal/requests"
	"VaultLedger/internal/testutil"

	"github.com/stretchr/testify/require"
)

var (
	batchA = ledger.DeriveID("test", 1, "batch", "a")
	batchB = ledger.DeriveID("test", 2, "batch", "b")
)

func create(t *testing.T, l *requests.Ledger, kind requests.Kind, owner string, batch ledger.ID, n uint64) ledger.ID {
	t.Helper()
	tx := ledger.NewTx()
	id, err := l.Create(tx, kind, testutil.PlainVault, testutil.AssetUSD, owner, "", testutil.Units(n), batch, 100)
	require.NoError(t, err)
	tx.Commit()
	return id
}

func TestCreate_DefaultsBeneficiaryToOwner(t *testing.T) {
	l := requests.NewLedger("test")
	id := create(t, l, requests.KindStake, testutil.Alice, batchA, 5)

	r, ok := l.Get(id)
	require.True(t, ok)
	require.Equal(t, testutil.Alice, r.Beneficiary)
	require.Equal(t, requests.StatusPending, r.Status)
	require.Equal(t, 1, l.PendingCount())
}

func TestCreate_ZeroAmountLeavesNoTrace(t *testing.T) {
	l := requests.NewLedger("test")
	_, err := l.Create(ledger.NewTx(), requests.KindStake, testutil.PlainVault, testutil.AssetUSD, testutil.Alice, "", testutil.Units(0), batchA, 100)
	require.ErrorIs(t, err, ledger.ErrZeroAmount)
	require.Zero(t, l.PendingCount())
}

func TestCreate_RollbackRestoresCounterAndIndex(t *testing.T) {
	l := requests.NewLedger("test")
	tx := ledger.NewTx()
	rolled, err := l.Create(tx, requests.KindStake, testutil.PlainVault, testutil.AssetUSD, testutil.Alice, "", testutil.Units(1), batchA, 100)
	require.NoError(t, err)
	tx.Rollback()

	_, ok := l.Get(rolled)
	require.False(t, ok)
	require.Zero(t, l.PendingCount())

	// The counter rewound, so the retried request derives the same id.
	again := create(t, l, requests.KindStake, testutil.Alice, batchA, 1)
	require.Equal(t, rolled, again)
}

func TestPendingByBatch_SubmissionOrder(t *testing.T) {
	l := requests.NewLedger("test")
	first := create(t, l, requests.KindStake, testutil.Alice, batchA, 1)
	create(t, l, requests.KindStake, testutil.Bob, batchB, 1)
	second := create(t, l, requests.KindUnstake, testutil.Bob, batchA, 2)

	pending := l.PendingByBatch(batchA)
	require.Len(t, pending, 2)
	require.Equal(t, first, pending[0].ID)
	require.Equal(t, second, pending[1].ID)
	require.Equal(t, ledger.DenomShares, pending[1].Kind.Denomination())
}

func TestComplete_RequiresSettledOwningBatch(t *testing.T) {
	l := requests.NewLedger("test")
	id := create(t, l, requests.KindStake, testutil.Alice, batchA, 3)

	open := ledger.Batch{ID: batchA, State: ledger.BatchClosed}
	err := l.Complete(ledger.NewTx(), id, open, testutil.Units(3), 200)
	require.ErrorIs(t, err, ledger.ErrBatchNotSettled)

	other := ledger.Batch{ID: batchB, State: ledger.BatchSettled}
	err = l.Complete(ledger.NewTx(), id, other, testutil.Units(3), 200)
	require.ErrorIs(t, err, ledger.ErrInvalidState)

	settled := ledger.Batch{ID: batchA, State: ledger.BatchSettled}
	tx := ledger.NewTx()
	require.NoError(t, l.Complete(tx, id, settled, testutil.Units(3), 200))
	tx.Commit()

	r, _ := l.Get(id)
	require.Equal(t, requests.StatusClaimed, r.Status)
	require.Equal(t, testutil.Units(3), r.Payout)
	require.Zero(t, l.PendingCount())

	err = l.Complete(ledger.NewTx(), id, settled, testutil.Units(3), 300)
	require.ErrorIs(t, err, ledger.ErrRequestNotPending)
}

func TestCancel_OwnerOnlyWhileOpen(t *testing.T) {
	l := requests.NewLedger("test")
	id := create(t, l, requests.KindUnstake, testutil.Alice, batchA, 3)
	open := ledger.Batch{ID: batchA, State: ledger.BatchOpen}

	_, err := l.Cancel(ledger.NewTx(), id, testutil.Bob, open, 150)
	require.ErrorIs(t, err, ledger.ErrUnauthorized)

	_, err = l.Cancel(ledger.NewTx(), id, testutil.Alice, ledger.Batch{ID: batchA, State: ledger.BatchClosed}, 150)
	require.ErrorIs(t, err, ledger.ErrBatchNotOpen)

	tx := ledger.NewTx()
	r, err := l.Cancel(tx, id, testutil.Alice, open, 150)
	require.NoError(t, err)
	require.Equal(t, requests.StatusCancelled, r.Status)
	tx.Rollback()

	restored, _ := l.Get(id)
	require.Equal(t, requests.StatusPending, restored.Status)
	require.Equal(t, 1, l.PendingCount())
}

func TestByOwner(t *testing.T) {
	l := requests.NewLedger("test")
	a1 := create(t, l, requests.KindStake, testutil.Alice, batchA, 1)
	create(t, l, requests.KindStake, testutil.Bob, batchA, 1)
	a2 := create(t, l, requests.KindMint, testutil.Alice, batchB, 1)

	got := l.ByOwner(testutil.Alice)
	require.Len(t, got, 2)
	require.Equal(t, a1, got[0].ID)
	require.Equal(t, a2, got[1].ID)
}

func TestSnapshotRestore(t *testing.T) {
	l := requests.NewLedger("test")
	create(t, l, requests.KindStake, testutil.Alice, batchA, 1)
	done := create(t, l, requests.KindBurn, testutil.Bob, batchB, 2)
	tx := ledger.NewTx()
	require.NoError(t, l.Complete(tx, done, ledger.Batch{ID: batchB, State: ledger.BatchSettled}, testutil.Units(2), 300))
	tx.Commit()

	restored := requests.NewLedger("test")
	require.NoError(t, restored.Restore(l.Snapshot()))
	require.Equal(t, string(l.AppendDigest(nil)), string(restored.AppendDigest(nil)))
	require.Equal(t, 1, restored.PendingCount())

	next := create(t, restored, requests.KindStake, testutil.Alice, batchA, 1)
	r, _ := restored.Get(next)
	require.Equal(t, uint64(3), r.Seq)
}

func TestParseKindAndStatus(t *testing.T) {
	k, err := requests.ParseKind("unstake")
	require.NoError(t, err)
	require.Equal(t, requests.KindUnstake, k)
	require.False(t, k.IsInflow())
	_, err = requests.ParseKind("swap")
	require.Error(t, err)

	s, err := requests.ParseStatus("redeemed")
	require.NoError(t, err)
	require.Equal(t, requests.StatusRedeemed, s)
}
