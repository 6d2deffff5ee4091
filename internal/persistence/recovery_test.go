package persistence_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"VaultLedger/internal/core"
	"VaultLedger/internal/custody"
	"VaultLedger/internal/event"
	"VaultLedger/internal/ledger"
	"VaultLedger/internal/persistence"
	"VaultLedger/internal/settlement"
	"VaultLedger/internal/testutil"

	"github.com/stretchr/testify/require"
)

const t0 = int64(1_700_000_000)

// memLog is an in-memory LogSource fed from core outputs.
type memLog struct {
	snapshot   *core.SnapshotState
	events     []persistence.EventRow
	rejections []persistence.RejectionRow
}

func (m *memLog) record(outs []core.CoreOutput) {
	for _, o := range outs {
		switch {
		case o.Envelope != nil:
			m.events = append(m.events, persistence.NewEventRow(o.Envelope))
		case o.Rejection != nil:
			m.rejections = append(m.rejections, persistence.NewRejectionRow(o.Rejection))
		}
	}
}

func (m *memLog) LoadLatestSnapshot(context.Context) (*core.SnapshotState, error) {
	if m.snapshot == nil {
		return nil, nil
	}
	// Round-trip through JSON like the snapshots table does.
	data, err := json.Marshal(m.snapshot)
	if err != nil {
		return nil, err
	}
	var snap core.SnapshotState
	return &snap, json.Unmarshal(data, &snap)
}

func (m *memLog) LoadEventsFrom(_ context.Context, from int64, limit int) ([]persistence.EventRow, error) {
	var out []persistence.EventRow
	for _, e := range m.events {
		if e.Sequence >= from && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memLog) LastSourceSequences(context.Context) (map[string]int64, error) {
	last := make(map[string]int64)
	bump := func(src string, seq int64) {
		if src != "" && seq > last[src] {
			last[src] = seq
		}
	}
	for _, e := range m.events {
		bump(e.Source, e.SourceSequence)
	}
	for _, r := range m.rejections {
		bump(r.Source, r.SourceSequence)
	}
	return last, nil
}

type node struct {
	t       *testing.T
	core    *core.DeterministicCore
	persist chan core.CoreOutput
	seq     int64
	now     int64
}

func newNode(t *testing.T) *node {
	t.Helper()
	mem := custody.NewMemory()
	persist := make(chan core.CoreOutput, 256)
	c, err := core.NewDeterministicCore(
		core.Config{
			ContextID:  "recovery",
			Settlement: settlement.Config{MinCooldownSeconds: 60, MaxCooldownSeconds: 86_400},
		},
		core.Deps{Registry: testutil.Registry(t), Auth: testutil.Roles(), Custody: mem, Transfers: mem},
		persist, nil,
	)
	require.NoError(t, err)
	return &node{t: t, core: c, persist: persist, now: t0}
}

func (n *node) hdr(caller string) event.Header {
	n.seq++
	return event.Header{
		Key:       fmt.Sprintf("evt-%d", n.seq),
		Actor:     caller,
		Producer:  "relay",
		Seq:       n.seq - 1,
		Timestamp: time.Unix(n.now, 0).UTC(),
	}
}

func (n *node) apply(evt event.Event) *core.Result {
	n.t.Helper()
	res, err := n.core.ProcessEvent(context.Background(), evt)
	require.NoError(n.t, err)
	return res
}

func (n *node) drain() []core.CoreOutput {
	var outs []core.CoreOutput
	for {
		select {
		case o := <-n.persist:
			outs = append(outs, o)
		default:
			return outs
		}
	}
}

// settleOnce drives a batch through stake, close, propose and execute.
func (n *node) settleOnce() ledger.ID {
	batch := n.apply(&event.BatchCreate{Header: n.hdr(testutil.Operator), Vault: testutil.FeeVault, Asset: testutil.AssetUSD}).Outcome.BatchID
	n.apply(&event.StakeRequest{Header: n.hdr(testutil.Alice), Vault: testutil.FeeVault, Recipient: testutil.Alice, Amount: testutil.Units(100)})
	n.apply(&event.BatchClose{Header: n.hdr(testutil.Relayer), BatchID: batch})
	closed, ok := n.core.Batch(batch)
	require.True(n.t, ok)
	proposal := n.apply(&event.SettlementPropose{
		Header:              n.hdr(testutil.Relayer),
		BatchID:             batch,
		ProposedTotalAssets: closed.ClosingBalance,
		CooldownSeconds:     120,
	}).Outcome.ProposalID
	n.now += 120
	n.apply(&event.SettlementExecute{Header: n.hdr(testutil.Relayer), ProposalID: proposal})
	return batch
}

func TestRecover_ColdStartReplaysLog(t *testing.T) {
	src := newNode(t)
	src.settleOnce()
	log := &memLog{}
	log.record(src.drain())

	dst := newNode(t)
	report, err := persistence.Recover(context.Background(), dst.core, log, nil)
	require.NoError(t, err)

	require.Equal(t, int64(0), report.SnapshotSequence)
	require.Equal(t, int64(len(log.events)), report.Replayed)
	require.Equal(t, src.core.GetSequence(), dst.core.GetSequence())
	require.Equal(t, src.core.GetStateHash(), report.StateHash)
	require.Equal(t, src.core.StateDigest(), dst.core.StateDigest())
}

func TestRecover_SnapshotThenTail(t *testing.T) {
	src := newNode(t)
	src.settleOnce()
	log := &memLog{}
	log.record(src.drain())
	log.snapshot = src.core.CreateSnapshotState()

	src.now += 3600
	src.settleOnce()
	log.record(src.drain())

	dst := newNode(t)
	report, err := persistence.Recover(context.Background(), dst.core, log, nil)
	require.NoError(t, err)

	require.Equal(t, log.snapshot.Sequence, report.SnapshotSequence)
	require.Equal(t, src.core.GetSequence()-log.snapshot.Sequence, report.Replayed)
	require.Equal(t, src.core.StateDigest(), dst.core.StateDigest())

	// Keys applied before the snapshot are still recognized as duplicates.
	res, err := dst.core.ProcessEvent(context.Background(), &event.BatchCreate{
		Header: event.Header{Key: "evt-1", Actor: testutil.Operator, Timestamp: time.Unix(src.now, 0)},
		Vault:  testutil.FeeVault,
		Asset:  testutil.AssetUSD,
	})
	require.NoError(t, err)
	require.True(t, res.Duplicate)
	require.Positive(t, res.Sequence)
}

func TestRecover_TamperedPayloadFails(t *testing.T) {
	src := newNode(t)
	src.settleOnce()
	log := &memLog{}
	log.record(src.drain())

	// Restake a different amount under the same hash.
	for i, e := range log.events {
		if e.EventType == event.EventTypeStakeRequest.String() {
			var fields map[string]interface{}
			require.NoError(t, json.Unmarshal(e.Payload, &fields))
			fields["amount"] = testutil.Units(99).Dec()
			log.events[i].Payload, _ = json.Marshal(fields)
		}
	}

	_, err := persistence.Recover(context.Background(), newNode(t).core, log, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "state hash mismatch")
}

func TestRecover_RejectionsKeepTheirSourceSequence(t *testing.T) {
	src := newNode(t)
	batch := src.apply(&event.BatchCreate{Header: src.hdr(testutil.Operator), Vault: testutil.PlainVault, Asset: testutil.AssetUSD}).Outcome.BatchID

	// Alice may not close batches; the event is refused but consumes seq 1.
	_, err := src.core.ProcessEvent(context.Background(), &event.BatchClose{Header: src.hdr(testutil.Alice), BatchID: batch})
	require.ErrorIs(t, err, ledger.ErrUnauthorized)

	log := &memLog{}
	log.record(src.drain())
	require.Len(t, log.rejections, 1)

	dst := newNode(t)
	_, err = persistence.Recover(context.Background(), dst.core, log, nil)
	require.NoError(t, err)

	// Redelivering seq 1 is out of order; seq 2 is next.
	_, err = dst.core.ProcessEvent(context.Background(), &event.BatchClose{
		Header:  event.Header{Key: "retry", Actor: testutil.Relayer, Producer: "relay", Seq: 1, Timestamp: time.Unix(t0, 0)},
		BatchID: batch,
	})
	require.ErrorIs(t, err, core.ErrSequenceViolation)

	_, err = dst.core.ProcessEvent(context.Background(), &event.BatchClose{
		Header:  event.Header{Key: "next", Actor: testutil.Relayer, Producer: "relay", Seq: 2, Timestamp: time.Unix(t0, 0)},
		BatchID: batch,
	})
	require.NoError(t, err)
}

func TestEventRow_EnvelopeRoundTrip(t *testing.T) {
	src := newNode(t)
	src.apply(&event.BatchCreate{Header: src.hdr(testutil.Operator), Vault: testutil.PlainVault, Asset: testutil.AssetUSD})
	outs := src.drain()
	require.Len(t, outs, 1)

	env := outs[0].Envelope
	back, err := persistence.NewEventRow(env).Envelope()
	require.NoError(t, err)
	require.Equal(t, env.StateHash, back.StateHash)
	require.Equal(t, env.PrevHash, back.PrevHash)
	require.Equal(t, env.EventType, back.EventType)
	require.Equal(t, env.Source, back.Source)
	require.Equal(t, env.SourceSequence, back.SourceSequence)

	bad := persistence.NewEventRow(env)
	bad.StateHash = bad.StateHash[:16]
	_, err = bad.Envelope()
	require.Error(t, err)
}
