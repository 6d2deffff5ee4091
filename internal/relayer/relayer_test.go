package relayer

import (
	"context"
	"errors"
	"testing"
	"time"

	"VaultLedger/internal/core"
	"VaultLedger/internal/custody"
	"VaultLedger/internal/event"
	"VaultLedger/internal/ledger"
	"VaultLedger/internal/observability"
	"VaultLedger/internal/settlement"
	"VaultLedger/internal/testutil"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

const t0 = int64(1_700_000_000)

func startRunner(t *testing.T, mem *custody.Memory) *core.Runner {
	t.Helper()
	c, err := core.NewDeterministicCore(
		core.Config{
			ContextID:  "relayer-test",
			Settlement: settlement.Config{MinCooldownSeconds: 60, MaxCooldownSeconds: 86_400},
		},
		core.Deps{
			Registry:  testutil.Registry(t),
			Auth:      testutil.Roles(),
			Custody:   mem,
			Transfers: mem,
		},
		make(chan core.CoreOutput, 256), make(chan core.CoreOutput, 256),
	)
	require.NoError(t, err)

	runner := core.NewRunner(c, 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		runner.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return runner
}

func batchState(t *testing.T, runner *core.Runner, id ledger.ID) ledger.BatchState {
	t.Helper()
	var st ledger.BatchState
	require.NoError(t, runner.Do(context.Background(), func(c *core.DeterministicCore) error {
		b, ok := c.Batch(id)
		require.True(t, ok)
		st = b.State
		return nil
	}))
	return st
}

func TestRelayer_DrivesBatchToSettlement(t *testing.T) {
	ctx := context.Background()
	mem := custody.NewMemory()
	mem.SetReported(testutil.PlainVault, testutil.AssetUSD, testutil.Units(100))
	runner := startRunner(t, mem)

	res, err := runner.Submit(ctx, &event.BatchCreate{
		Header: event.Header{Key: "create-1", Actor: testutil.Relayer, Timestamp: time.Unix(t0, 0)},
		Vault:  testutil.PlainVault,
		Asset:  testutil.AssetUSD,
	})
	require.NoError(t, err)
	first := res.Outcome.BatchID
	_, err = runner.Submit(ctx, &event.StakeRequest{
		Header:    event.Header{Key: "stake-1", Actor: testutil.Alice, Timestamp: time.Unix(t0+10, 0)},
		Vault:     testutil.PlainVault,
		Recipient: testutil.Alice,
		Amount:    testutil.Units(100),
	})
	require.NoError(t, err)

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	r := New(Config{
		Address:       testutil.Relayer,
		BatchInterval: time.Hour,
		PollInterval:  time.Second,
		Cooldown:      time.Minute,
	}, NewCoreView(runner), runner, mem, metrics)

	now := time.Unix(t0+1800, 0)
	r.now = func() time.Time { return now }

	r.Tick(ctx)
	require.Equal(t, ledger.BatchOpen, batchState(t, runner, first))

	// Interval elapsed: close and propose in one tick.
	now = time.Unix(t0+3600, 0)
	r.Tick(ctx)
	require.Equal(t, ledger.BatchClosed, batchState(t, runner, first))

	var successor ledger.ID
	var proposal settlement.Proposal
	require.NoError(t, runner.Do(ctx, func(c *core.DeterministicCore) error {
		b, ok := c.OpenBatch(testutil.PlainVault, testutil.AssetUSD)
		require.True(t, ok)
		successor = b.ID
		proposal, ok = c.LiveProposal(first)
		require.True(t, ok)
		return nil
	}))
	require.NotEqual(t, first, successor)
	require.Equal(t, testutil.Relayer, proposal.Proposer)
	require.Equal(t, int64(60), proposal.CooldownSeconds)

	// Still inside the cooldown: nothing to do.
	r.Tick(ctx)
	require.Equal(t, ledger.BatchClosed, batchState(t, runner, first))

	now = time.Unix(t0+3600+60, 0)
	r.Tick(ctx)
	require.Equal(t, ledger.BatchSettled, batchState(t, runner, first))
	require.NoError(t, runner.Do(ctx, func(c *core.DeterministicCore) error {
		b, _ := c.Batch(first)
		require.Equal(t, testutil.Units(100), b.IssuedShares)
		return nil
	}))
	require.Equal(t, ledger.BatchOpen, batchState(t, runner, successor))

	require.Zero(t, promtest.ToFloat64(metrics.RelayerErrors.WithLabelValues(loopClose)))
	require.Zero(t, promtest.ToFloat64(metrics.RelayerErrors.WithLabelValues(loopPropose)))
	require.Zero(t, promtest.ToFloat64(metrics.RelayerErrors.WithLabelValues(loopExecute)))
	require.Equal(t, float64(4), promtest.ToFloat64(metrics.RelayerTicks.WithLabelValues(loopExecute)))
}

type fakeView struct {
	open    []OpenBatch
	closed  []ClosedBatch
	pending []PendingProposal
}

func (f *fakeView) OpenBatches(context.Context) ([]OpenBatch, error)         { return f.open, nil }
func (f *fakeView) UnproposedBatches(context.Context) ([]ClosedBatch, error) { return f.closed, nil }
func (f *fakeView) PendingProposals(context.Context) ([]PendingProposal, error) {
	return f.pending, nil
}

type recorder struct {
	events []event.Event
	err    error
}

func (r *recorder) Submit(_ context.Context, evt event.Event) (*core.Result, error) {
	r.events = append(r.events, evt)
	return nil, r.err
}

type failingReporter struct{}

func (failingReporter) ReportTotalAssets(context.Context, string, string) (*uint256.Int, error) {
	return nil, errors.New("custodian unreachable")
}

func TestRelayer_SkipsBatchWhenCustodyFails(t *testing.T) {
	batch := ledger.DeriveID("x", 1, "batch")
	proposal := ledger.DeriveID("x", 2, "proposal")
	view := &fakeView{
		closed:  []ClosedBatch{{ID: batch, Vault: testutil.PlainVault, Asset: testutil.AssetUSD}},
		pending: []PendingProposal{{ID: proposal, BatchID: batch, UnlocksAt: t0}},
	}
	sub := &recorder{}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	r := New(Config{Address: "relayer-9", BatchInterval: time.Hour, Cooldown: time.Hour}, view, sub, failingReporter{}, metrics)
	r.now = func() time.Time { return time.Unix(t0, 0) }

	r.Tick(context.Background())

	require.Equal(t, float64(1), promtest.ToFloat64(metrics.RelayerErrors.WithLabelValues(loopPropose)))
	require.Len(t, sub.events, 1)
	exec, ok := sub.events[0].(*event.SettlementExecute)
	require.True(t, ok)
	require.Equal(t, proposal, exec.ProposalID)
	require.Equal(t, "relayer-9", exec.Caller())
	require.Equal(t, "relayer:execute:"+proposal.String(), exec.IdempotencyKey())
}

func TestRelayer_StaleReadIsCounted(t *testing.T) {
	view := &fakeView{open: []OpenBatch{{ID: ledger.DeriveID("x", 1, "batch"), CreatedAt: t0}}}
	sub := &recorder{err: ledger.ErrBatchNotOpen}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	r := New(Config{Address: "relayer-9", BatchInterval: time.Minute}, view, sub, failingReporter{}, metrics)
	r.now = func() time.Time { return time.Unix(t0+120, 0) }

	r.Tick(context.Background())

	require.Len(t, sub.events, 1)
	closeEvt := sub.events[0].(*event.BatchClose)
	require.True(t, closeEvt.CreateNext)
	require.Equal(t, float64(1), promtest.ToFloat64(metrics.RelayerErrors.WithLabelValues(loopClose)))
}

func TestRelayer_ProposesTotalExcludingLaterDeposits(t *testing.T) {
	batch := ledger.DeriveID("x", 1, "batch")
	mem := custody.NewMemory()
	// 105 for the closed batch plus 50 staked into its successor.
	mem.SetReported(testutil.PlainVault, testutil.AssetUSD, testutil.Units(155))
	view := &fakeView{closed: []ClosedBatch{{
		ID:            batch,
		Vault:         testutil.PlainVault,
		Asset:         testutil.AssetUSD,
		LaterDeposits: testutil.Units(50),
	}}}
	sub := &recorder{}
	r := New(Config{Address: testutil.Relayer, BatchInterval: time.Hour, Cooldown: time.Hour}, view, sub, mem, nil)
	r.now = func() time.Time { return time.Unix(t0, 0) }

	r.Tick(context.Background())

	require.Len(t, sub.events, 1)
	propose, ok := sub.events[0].(*event.SettlementPropose)
	require.True(t, ok)
	require.Equal(t, batch, propose.BatchID)
	require.Equal(t, testutil.Units(105), propose.ProposedTotalAssets)
}

func TestCoreView_HoldsBackSuccessorUntilPredecessorSettles(t *testing.T) {
	ctx := context.Background()
	mem := custody.NewMemory()
	runner := startRunner(t, mem)
	hdr := func(key, actor string, at int64) event.Header {
		return event.Header{Key: key, Actor: actor, Timestamp: time.Unix(at, 0)}
	}

	res, err := runner.Submit(ctx, &event.BatchCreate{Header: hdr("create", testutil.Operator, t0), Vault: testutil.PlainVault, Asset: testutil.AssetUSD})
	require.NoError(t, err)
	first := res.Outcome.BatchID
	_, err = runner.Submit(ctx, &event.StakeRequest{Header: hdr("stake-1", testutil.Alice, t0), Vault: testutil.PlainVault, Recipient: testutil.Alice, Amount: testutil.Units(100)})
	require.NoError(t, err)
	res, err = runner.Submit(ctx, &event.BatchClose{Header: hdr("close-1", testutil.Relayer, t0), BatchID: first, CreateNext: true})
	require.NoError(t, err)
	second := res.Outcome.NextBatchID
	_, err = runner.Submit(ctx, &event.StakeRequest{Header: hdr("stake-2", testutil.Bob, t0), Vault: testutil.PlainVault, Recipient: testutil.Bob, Amount: testutil.Units(50)})
	require.NoError(t, err)
	_, err = runner.Submit(ctx, &event.BatchClose{Header: hdr("close-2", testutil.Relayer, t0), BatchID: second})
	require.NoError(t, err)

	closed, err := NewCoreView(runner).UnproposedBatches(ctx)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	require.Equal(t, first, closed[0].ID)
	require.Equal(t, testutil.Units(50), closed[0].LaterDeposits)
}
