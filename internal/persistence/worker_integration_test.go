package persistence_test

import (
	"context"
	"testing"
	"time"

	"VaultLedger/internal/core"
	"VaultLedger/internal/event"
	"VaultLedger/internal/persistence"
	"VaultLedger/internal/testutil"

	"github.com/stretchr/testify/require"
)

func TestPersistenceWorker_RoundTrip(t *testing.T) {
	testutil.RequireIntegration(t)
	db := testutil.SetupTestDB(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, persistence.NewMigrator(db, "../../migrations").Up(ctx))

	src := newNode(t)
	src.settleOnce()
	// A refused event consumes a source sequence without reaching the chain.
	_, err := src.core.ProcessEvent(ctx, &event.BatchCreate{Header: src.hdr(testutil.Alice), Vault: testutil.PlainVault, Asset: testutil.AssetUSD})
	require.Error(t, err)
	outs := src.drain()

	in := make(chan core.CoreOutput, len(outs))
	for _, o := range outs {
		in <- o
	}
	close(in)

	var committed int
	worker := persistence.NewPersistenceWorker(db, in, 4, 5*time.Millisecond, nil)
	worker.OnCommit = func(batch []core.CoreOutput) { committed += len(batch) }
	require.NoError(t, worker.Run(ctx))
	require.Equal(t, len(outs), committed)

	sm := persistence.NewSnapshotManager(db)
	latest, err := sm.GetLatestSequence(ctx)
	require.NoError(t, err)
	require.Equal(t, src.core.GetSequence(), latest)

	last, err := sm.LastSourceSequences(ctx)
	require.NoError(t, err)
	require.Equal(t, src.seq-1, last["relay"])

	dedup := persistence.NewEventLogDedup(db, 0)
	seq, found, err := dedup.AppliedSequence(ctx, event.EventTypeBatchCreate.String(), "evt-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Positive(t, seq)

	_, found, err = dedup.AppliedSequence(ctx, event.EventTypeBatchCreate.String(), "never-sent")
	require.NoError(t, err)
	require.False(t, found)

	var batchState string
	require.NoError(t, db.QueryRowContext(ctx, `SELECT state FROM records.batches LIMIT 1`).Scan(&batchState))
	require.Equal(t, "settled", batchState)

	// Snapshot, reload, and recover a fresh core from Postgres.
	snap := src.core.CreateSnapshotState()
	_, err = sm.SaveSnapshot(ctx, snap, time.Now())
	require.NoError(t, err)
	require.NoError(t, sm.MarkVerified(ctx, snap.Sequence))

	dst := newNode(t)
	report, err := persistence.Recover(ctx, dst.core, sm, nil)
	require.NoError(t, err)
	require.Equal(t, snap.Sequence, report.SnapshotSequence)
	require.Equal(t, src.core.StateDigest(), dst.core.StateDigest())
}
