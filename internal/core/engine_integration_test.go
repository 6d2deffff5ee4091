package core_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"VaultLedger/internal/core"
	"VaultLedger/internal/custody"
	"VaultLedger/internal/event"
	"VaultLedger/internal/ledger"
	fpmath "VaultLedger/internal/math"
	"VaultLedger/internal/requests"
	"VaultLedger/internal/settlement"
	"VaultLedger/internal/testutil"

	"github.com/holiman/uint256"
)

// --- Test helpers ---

const (
	t0   = int64(1_700_000_000)
	hour = int64(3600)
)

type harness struct {
	t       *testing.T
	core    *core.DeterministicCore
	custody *custody.Memory
	persist chan core.CoreOutput
	proj    chan core.CoreOutput
	keySeq  int
	now     int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mem := custody.NewMemory()
	persist := make(chan core.CoreOutput, 1024)
	proj := make(chan core.CoreOutput, 1024)
	c, err := core.NewDeterministicCore(
		core.Config{
			ContextID:  "test",
			Settlement: settlement.Config{MinCooldownSeconds: 60, MaxCooldownSeconds: 7 * 24 * hour},
		},
		core.Deps{
			Registry:  testutil.Registry(t),
			Auth:      testutil.Roles(),
			Custody:   mem,
			Transfers: mem,
		},
		persist, proj,
	)
	if err != nil {
		t.Fatalf("NewDeterministicCore: %v", err)
	}
	return &harness{t: t, core: c, custody: mem, persist: persist, proj: proj, now: t0}
}

func (h *harness) hdr(caller string) event.Header {
	h.keySeq++
	return event.Header{
		Key:       fmt.Sprintf("k-%d", h.keySeq),
		Actor:     caller,
		Timestamp: time.Unix(h.now, 0).UTC(),
	}
}

func (h *harness) advance(seconds int64) { h.now += seconds }

func (h *harness) apply(evt event.Event) *core.Result {
	h.t.Helper()
	res, err := h.core.ProcessEvent(context.Background(), evt)
	if err != nil {
		h.t.Fatalf("ProcessEvent(%s): %v", evt.EventType(), err)
	}
	return res
}

func (h *harness) applyErr(evt event.Event) error {
	h.t.Helper()
	_, err := h.core.ProcessEvent(context.Background(), evt)
	if err == nil {
		h.t.Fatalf("ProcessEvent(%s): expected error", evt.EventType())
	}
	return err
}

func (h *harness) createBatch(vault string) ledger.ID {
	return h.apply(&event.BatchCreate{Header: h.hdr(testutil.Operator), Vault: vault, Asset: testutil.AssetUSD}).Outcome.BatchID
}

func (h *harness) closeBatch(id ledger.ID, next bool) ledger.ID {
	return h.apply(&event.BatchClose{Header: h.hdr(testutil.Relayer), BatchID: id, CreateNext: next}).Outcome.NextBatchID
}

func (h *harness) stake(owner, vault string, amount *uint256.Int) ledger.ID {
	return h.apply(&event.StakeRequest{Header: h.hdr(owner), Vault: vault, Recipient: owner, Amount: amount}).Outcome.RequestID
}

func (h *harness) propose(batch ledger.ID, total *uint256.Int, cooldown int64) ledger.ID {
	return h.apply(&event.SettlementPropose{
		Header:              h.hdr(testutil.Relayer),
		BatchID:             batch,
		ProposedTotalAssets: total,
		CooldownSeconds:     cooldown,
	}).Outcome.ProposalID
}

func (h *harness) execute(id ledger.ID) *core.Result {
	return h.apply(&event.SettlementExecute{Header: h.hdr(testutil.Relayer), ProposalID: id})
}

func (h *harness) batch(id ledger.ID) ledger.Batch {
	h.t.Helper()
	b, ok := h.core.Batch(id)
	if !ok {
		h.t.Fatalf("batch %s not found", id.Short())
	}
	return b
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

func envelopes(outputs []core.CoreOutput) []*event.EventEnvelope {
	var envs []*event.EventEnvelope
	for _, o := range outputs {
		if o.Envelope != nil {
			envs = append(envs, o.Envelope)
		}
	}
	return envs
}

func assertAmount(t *testing.T, what string, got, want *uint256.Int) {
	t.Helper()
	if got.Cmp(want) != 0 {
		t.Errorf("%s: got %s, want %s", what, got.Dec(), want.Dec())
	}
}

// ============================================================================
// Test: Settlement Flow
// ============================================================================

func TestSettlement_TimelockThenExecute(t *testing.T) {
	h := newHarness(t)
	batch := h.createBatch(testutil.PlainVault)
	h.stake(testutil.Alice, testutil.PlainVault, testutil.Units(100))
	h.stake(testutil.Bob, testutil.PlainVault, testutil.Units(50))
	h.closeBatch(batch, false)

	if b := h.batch(batch); b.ClosingBalance.Cmp(testutil.Units(150)) != 0 {
		t.Fatalf("closing balance = %s, want 150 units", b.ClosingBalance.Dec())
	}

	proposal := h.propose(batch, testutil.Units(150), hour)

	h.advance(hour - 1)
	err := h.applyErr(&event.SettlementExecute{Header: h.hdr(testutil.Relayer), ProposalID: proposal})
	if !errors.Is(err, ledger.ErrTimelockActive) {
		t.Fatalf("expected ErrTimelockActive, got %v", err)
	}

	h.advance(1)
	res := h.execute(proposal)
	exec := res.Outcome.Execution
	if exec == nil {
		t.Fatal("expected an execution outcome")
	}

	b := h.batch(batch)
	if b.State != ledger.BatchSettled {
		t.Errorf("batch state = %s, want settled", b.State)
	}
	assertAmount(t, "issued shares", b.IssuedShares, testutil.Units(150))
	assertAmount(t, "virtual balance", h.core.Balance(testutil.PlainVault, testutil.AssetUSD), testutil.Units(150))
	assertAmount(t, "custodied", h.core.Custodied(testutil.AssetUSD), testutil.Units(150))

	p, ok := h.core.Proposal(proposal)
	if !ok || p.Status != settlement.StatusExecuted {
		t.Errorf("proposal status = %v (found=%v), want executed", p.Status, ok)
	}
	if _, live := h.core.LiveProposal(batch); live {
		t.Error("settled batch still has a live proposal")
	}
	if err := h.core.VerifyInvariants(); err != nil {
		t.Errorf("invariants: %v", err)
	}
}

// ============================================================================
// Test: Guardian Veto
// ============================================================================

func TestSettlement_GuardianRejectAllowsReproposal(t *testing.T) {
	h := newHarness(t)
	batch := h.createBatch(testutil.PlainVault)
	h.stake(testutil.Alice, testutil.PlainVault, testutil.Units(150))
	h.closeBatch(batch, false)

	first := h.propose(batch, testutil.Units(150), hour)

	// Only the guardian may veto.
	err := h.applyErr(&event.SettlementReject{Header: h.hdr(testutil.Relayer), ProposalID: first})
	if !errors.Is(err, ledger.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	h.advance(10 * 60)
	h.apply(&event.SettlementReject{Header: h.hdr(testutil.Guardian), ProposalID: first})

	if _, ok := h.core.Proposal(first); ok {
		t.Error("rejected proposal record still present")
	}
	if _, live := h.core.LiveProposal(batch); live {
		t.Error("batch still has a live proposal after rejection")
	}

	second := h.propose(batch, testutil.Units(140), hour)
	if second == first {
		t.Fatal("re-proposal reused the rejected id")
	}

	err = h.applyErr(&event.SettlementExecute{Header: h.hdr(testutil.Relayer), ProposalID: first})
	if !errors.Is(err, ledger.ErrInvalidState) {
		t.Errorf("executing rejected proposal: expected invalid state, got %v", err)
	}

	h.advance(hour)
	exec := h.execute(second).Outcome.Execution
	assertAmount(t, "loss", exec.Loss, testutil.Units(10))
	assertAmount(t, "virtual balance", h.core.Balance(testutil.PlainVault, testutil.AssetUSD), testutil.Units(140))
	assertAmount(t, "custodied", h.core.Custodied(testutil.AssetUSD), testutil.Units(140))
}

func TestSettlement_SingleLiveProposal(t *testing.T) {
	h := newHarness(t)
	batch := h.createBatch(testutil.PlainVault)
	h.stake(testutil.Alice, testutil.PlainVault, testutil.Units(10))
	h.closeBatch(batch, false)
	h.propose(batch, testutil.Units(10), hour)

	err := h.applyErr(&event.SettlementPropose{
		Header:              h.hdr(testutil.Relayer),
		BatchID:             batch,
		ProposedTotalAssets: testutil.Units(11),
		CooldownSeconds:     hour,
	})
	if !errors.Is(err, ledger.ErrProposalExists) {
		t.Fatalf("expected ErrProposalExists, got %v", err)
	}
}

func TestSettlement_BatchesSettleInSequence(t *testing.T) {
	h := newHarness(t)
	first := h.createBatch(testutil.PlainVault)
	h.stake(testutil.Alice, testutil.PlainVault, testutil.Units(100))
	second := h.closeBatch(first, true)
	h.stake(testutil.Bob, testutil.PlainVault, testutil.Units(50))
	h.closeBatch(second, false)

	err := h.applyErr(&event.SettlementPropose{
		Header:              h.hdr(testutil.Relayer),
		BatchID:             second,
		ProposedTotalAssets: testutil.Units(155),
		CooldownSeconds:     hour,
	})
	if !errors.Is(err, ledger.ErrBatchNotSettled) {
		t.Fatalf("expected ErrBatchNotSettled, got %v", err)
	}

	p1 := h.propose(first, testutil.Units(105), hour)
	h.advance(hour)
	assertAmount(t, "first yield", h.execute(p1).Outcome.Execution.Yield, testutil.Units(5))

	p2 := h.propose(second, testutil.Units(155), hour)
	h.advance(hour)
	assertAmount(t, "second yield", h.execute(p2).Outcome.Execution.Yield, uint256.NewInt(0))

	assertAmount(t, "virtual balance", h.core.Balance(testutil.PlainVault, testutil.AssetUSD), testutil.Units(155))
	assertAmount(t, "custodied", h.core.Custodied(testutil.AssetUSD), testutil.Units(155))
}

func TestSettlement_ProposeRequiresClosedBatch(t *testing.T) {
	h := newHarness(t)
	batch := h.createBatch(testutil.PlainVault)
	err := h.applyErr(&event.SettlementPropose{
		Header:              h.hdr(testutil.Relayer),
		BatchID:             batch,
		ProposedTotalAssets: testutil.Units(1),
		CooldownSeconds:     hour,
	})
	if !errors.Is(err, ledger.ErrBatchNotClosed) {
		t.Fatalf("expected ErrBatchNotClosed, got %v", err)
	}
}

// ============================================================================
// Test: Claims
// ============================================================================

func TestClaim_UsesOwnBatchPrice(t *testing.T) {
	h := newHarness(t)
	batchA := h.createBatch(testutil.PlainVault)
	aliceReq := h.stake(testutil.Alice, testutil.PlainVault, testutil.Units(100))
	batchB := h.closeBatch(batchA, true)
	if batchB.IsZero() {
		t.Fatal("closing with createNext did not open a new batch")
	}

	pA := h.propose(batchA, testutil.Units(100), hour)
	h.advance(hour)
	h.execute(pA)
	priceA := h.batch(batchA).NetPrice

	// Batch B settles with a large yield, so its price differs.
	h.stake(testutil.Bob, testutil.PlainVault, testutil.Units(50))
	h.closeBatch(batchB, true)
	pB := h.propose(batchB, testutil.Units(300), hour)
	h.advance(hour)
	exec := h.execute(pB).Outcome.Execution
	assertAmount(t, "yield", exec.Yield, testutil.Units(150))

	priceB := h.batch(batchB).NetPrice
	if priceA.Cmp(priceB) == 0 {
		t.Fatalf("test setup: both batches settled at %s", priceA.Dec())
	}

	claim := h.apply(&event.StakeClaim{Header: h.hdr(testutil.Bob), RequestID: aliceReq}).Outcome.Claim
	assertAmount(t, "claim price", claim.Price, priceA)
	assertAmount(t, "claimed shares", claim.Amount, testutil.Units(100))

	req, _ := h.core.Request(aliceReq)
	if req.Status != requests.StatusClaimed {
		t.Errorf("request status = %s, want claimed", req.Status)
	}

	// A second claim is refused.
	err := h.applyErr(&event.StakeClaim{Header: h.hdr(testutil.Alice), RequestID: aliceReq})
	if !errors.Is(err, ledger.ErrRequestNotPending) {
		t.Errorf("expected ErrRequestNotPending, got %v", err)
	}
}

func TestClaim_BeforeSettlementFails(t *testing.T) {
	h := newHarness(t)
	batch := h.createBatch(testutil.PlainVault)
	req := h.stake(testutil.Alice, testutil.PlainVault, testutil.Units(5))
	h.closeBatch(batch, false)

	err := h.applyErr(&event.StakeClaim{Header: h.hdr(testutil.Alice), RequestID: req})
	if !errors.Is(err, ledger.ErrBatchNotSettled) {
		t.Fatalf("expected ErrBatchNotSettled, got %v", err)
	}
}

// ============================================================================
// Test: Rejected Events
// ============================================================================

func TestPush_ZeroAmountIsBoundsErrorWithoutStateChange(t *testing.T) {
	h := newHarness(t)
	h.createBatch(testutil.PlainVault)
	h.stake(testutil.Alice, testutil.PlainVault, testutil.Units(3))
	drainOutputs(h.persist)

	before := h.core.StateDigest()
	seqBefore := h.core.GetSequence()
	hashBefore := h.core.GetStateHash()

	err := h.applyErr(&event.StakeRequest{
		Header:    h.hdr(testutil.Bob),
		Vault:     testutil.PlainVault,
		Recipient: testutil.Bob,
		Amount:    uint256.NewInt(0),
	})
	if !errors.Is(err, ledger.ErrBounds) {
		t.Fatalf("expected bounds error, got %v", err)
	}
	if ledger.KindOf(err) != ledger.KindBounds {
		t.Errorf("KindOf = %s, want bounds", ledger.KindOf(err))
	}

	if h.core.StateDigest() != before {
		t.Error("state digest changed after rejected event")
	}
	if h.core.GetSequence() != seqBefore || h.core.GetStateHash() != hashBefore {
		t.Error("sequence or hash chain advanced after rejected event")
	}

	outputs := drainOutputs(h.persist)
	if len(outputs) != 1 || outputs[0].Rejection == nil {
		t.Fatalf("expected exactly one rejection output, got %d outputs", len(outputs))
	}
	if outputs[0].Rejection.Kind != ledger.KindBounds {
		t.Errorf("rejection kind = %s, want bounds", outputs[0].Rejection.Kind)
	}
}

// ============================================================================
// Test: Atomicity
// ============================================================================

func TestCancel_FailedRefundRollsBackEverything(t *testing.T) {
	h := newHarness(t)
	batch := h.createBatch(testutil.PlainVault)
	req := h.stake(testutil.Alice, testutil.PlainVault, testutil.Units(20))
	h.custody.Fund(testutil.AssetUSD, testutil.Units(20))

	before := h.core.StateDigest()
	h.custody.FailNext(errors.New("custodian offline"))

	h.applyErr(&event.RequestCancel{Header: h.hdr(testutil.Alice), RequestID: req})

	if h.core.StateDigest() != before {
		t.Fatal("failed refund left state modified")
	}
	r, _ := h.core.Request(req)
	if r.Status != requests.StatusPending {
		t.Errorf("request status = %s, want pending", r.Status)
	}

	// The retry succeeds and refunds the owner.
	h.apply(&event.RequestCancel{Header: h.hdr(testutil.Alice), RequestID: req})
	assertAmount(t, "batch deposits", h.batch(batch).Deposited, uint256.NewInt(0))
	assertAmount(t, "virtual balance", h.core.Balance(testutil.PlainVault, testutil.AssetUSD), uint256.NewInt(0))

	transfers := h.custody.Transfers()
	if len(transfers) != 1 || transfers[0].To != testutil.Alice {
		t.Fatalf("expected one refund transfer to alice, got %+v", transfers)
	}
}

func TestCancel_OnlyOwner(t *testing.T) {
	h := newHarness(t)
	h.createBatch(testutil.PlainVault)
	req := h.stake(testutil.Alice, testutil.PlainVault, testutil.Units(20))

	err := h.applyErr(&event.RequestCancel{Header: h.hdr(testutil.Bob), RequestID: req})
	if !errors.Is(err, ledger.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestBatch_UnauthorizedCreate(t *testing.T) {
	h := newHarness(t)
	err := h.applyErr(&event.BatchCreate{Header: h.hdr(testutil.Alice), Vault: testutil.PlainVault, Asset: testutil.AssetUSD})
	if !errors.Is(err, ledger.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestGateway_UnauthorizedIssuance(t *testing.T) {
	h := newHarness(t)
	h.createBatch(testutil.GatewayVault)
	drainOutputs(h.persist)
	before := h.core.StateDigest()

	err := h.applyErr(&event.GatewayDeposit{
		Header:      h.hdr(testutil.Alice),
		Vault:       testutil.GatewayVault,
		Asset:       testutil.AssetUSD,
		Amount:      testutil.Units(10),
		Beneficiary: testutil.Alice,
	})
	if !errors.Is(err, ledger.ErrUnauthorized) {
		t.Fatalf("deposit: expected ErrUnauthorized, got %v", err)
	}
	err = h.applyErr(&event.GatewayRedeemRequest{
		Header: h.hdr(testutil.Alice),
		Vault:  testutil.GatewayVault,
		Asset:  testutil.AssetUSD,
		Amount: testutil.Units(10),
	})
	if !errors.Is(err, ledger.ErrUnauthorized) {
		t.Fatalf("redeem: expected ErrUnauthorized, got %v", err)
	}
	if h.core.StateDigest() != before {
		t.Error("unauthorized issuance changed state")
	}

	res := h.apply(&event.GatewayDeposit{
		Header:      h.hdr(testutil.Operator),
		Vault:       testutil.GatewayVault,
		Asset:       testutil.AssetUSD,
		Amount:      testutil.Units(10),
		Beneficiary: testutil.Alice,
	})
	err = h.applyErr(&event.GatewayMintClaim{Header: h.hdr(testutil.Alice), RequestID: res.Outcome.RequestID})
	if !errors.Is(err, ledger.ErrUnauthorized) {
		t.Fatalf("claim: expected ErrUnauthorized, got %v", err)
	}
}

// ============================================================================
// Test: Fees
// ============================================================================

func TestSettlement_FeesMoveToRecipient(t *testing.T) {
	h := newHarness(t)
	batchA := h.createBatch(testutil.FeeVault)
	h.stake(testutil.Alice, testutil.FeeVault, testutil.Units(1000))
	batchB := h.closeBatch(batchA, true)
	first := h.propose(batchA, testutil.Units(1000), 60)
	h.advance(60)
	h.execute(first)

	// A year later the vault reports 8% growth.
	h.closeBatch(batchB, false)
	h.advance(fpmath.SecondsPerYear - 60)
	p := h.propose(batchB, testutil.Units(1080), 60)
	h.advance(60)
	exec := h.execute(p).Outcome.Execution

	if exec.FeesCollected.IsZero() {
		t.Fatal("expected fees to be collected")
	}
	assertAmount(t, "treasury balance", h.core.Balance(testutil.Treasury, testutil.AssetUSD), exec.FeesCollected)

	sum := new(uint256.Int).Add(h.core.Balance(testutil.FeeVault, testutil.AssetUSD), h.core.Balance(testutil.Treasury, testutil.AssetUSD))
	assertAmount(t, "sum of virtual balances", sum, testutil.Units(1080))
	assertAmount(t, "custodied", h.core.Custodied(testutil.AssetUSD), testutil.Units(1080))

	fs, _ := h.core.FeeState(testutil.FeeVault)
	if fs.Watermark.Cmp(exec.Quote.Net) < 0 {
		t.Errorf("watermark %s below net price %s", fs.Watermark.Dec(), exec.Quote.Net.Dec())
	}
	if exec.Quote.Net.Cmp(exec.Quote.Gross) > 0 {
		t.Errorf("net price %s above gross %s", exec.Quote.Net.Dec(), exec.Quote.Gross.Dec())
	}
}

// ============================================================================
// Test: Idempotency and Ordering
// ============================================================================

func TestDuplicateEvent_Skipped(t *testing.T) {
	h := newHarness(t)
	evt := &event.BatchCreate{Header: h.hdr(testutil.Operator), Vault: testutil.PlainVault, Asset: testutil.AssetUSD}
	first := h.apply(evt)
	second := h.apply(evt)

	if !second.Duplicate {
		t.Fatal("second submission not reported as duplicate")
	}
	if second.Sequence != first.Sequence {
		t.Errorf("duplicate reports sequence %d, original applied at %d", second.Sequence, first.Sequence)
	}
	if h.core.GetSequence() != first.Sequence {
		t.Errorf("sequence advanced on duplicate: %d -> %d", first.Sequence, h.core.GetSequence())
	}
	if n := len(envelopes(drainOutputs(h.persist))); n != 1 {
		t.Errorf("expected 1 persisted envelope, got %d", n)
	}
}

func TestRejectedEvent_CanBeRetriedWithSameKey(t *testing.T) {
	h := newHarness(t)
	hdr := h.hdr(testutil.Alice)
	err := h.applyErr(&event.StakeRequest{Header: hdr, Vault: testutil.PlainVault, Recipient: testutil.Alice, Amount: testutil.Units(1)})
	if !errors.Is(err, ledger.ErrBatchNotOpen) {
		t.Fatalf("expected ErrBatchNotOpen, got %v", err)
	}
	h.createBatch(testutil.PlainVault)
	res := h.apply(&event.StakeRequest{Header: hdr, Vault: testutil.PlainVault, Recipient: testutil.Alice, Amount: testutil.Units(1)})
	if res.Duplicate {
		t.Fatal("retry of a rejected event was treated as a duplicate")
	}
}

func TestSequenceGap_Refused(t *testing.T) {
	h := newHarness(t)
	mk := func(seq int64) *event.BatchCreate {
		hdr := h.hdr(testutil.Operator)
		hdr.Producer = "relayer-feed"
		hdr.Seq = seq
		vault := testutil.PlainVault
		if seq%2 == 1 {
			vault = testutil.FeeVault
		}
		return &event.BatchCreate{Header: hdr, Vault: vault, Asset: testutil.AssetUSD}
	}

	h.apply(mk(0))
	err := h.applyErr(mk(2))
	if !errors.Is(err, core.ErrSequenceViolation) {
		t.Fatalf("expected ErrSequenceViolation, got %v", err)
	}
	h.apply(mk(1))

	// A business rejection still consumes its source sequence.
	h.applyErr(mk(2))
	if got := h.core.CreateSnapshotState().SequenceState["relayer-feed"]; got != 3 {
		t.Errorf("next expected source sequence = %d, want 3", got)
	}
}

func TestLedgerClock_NeverRunsBackwards(t *testing.T) {
	h := newHarness(t)
	h.createBatch(testutil.PlainVault)
	h.now -= 500
	h.stake(testutil.Alice, testutil.PlainVault, testutil.Units(1))
	if h.core.LastTimestamp() != t0 {
		t.Errorf("ledger clock = %d, want %d", h.core.LastTimestamp(), t0)
	}
}

// ============================================================================
// Test: Hash Chain, Snapshot and Replay
// ============================================================================

func runLifecycle(h *harness) {
	batch := h.createBatch(testutil.FeeVault)
	h.stake(testutil.Alice, testutil.FeeVault, testutil.Units(400))
	h.stake(testutil.Bob, testutil.FeeVault, testutil.Units(100))
	next := h.closeBatch(batch, true)
	p := h.propose(batch, testutil.Units(500), hour)
	h.advance(hour)
	h.execute(p)
	h.stake(testutil.Bob, testutil.FeeVault, testutil.Units(7))
	h.closeBatch(next, true)
}

func TestHashChain_Links(t *testing.T) {
	h := newHarness(t)
	runLifecycle(h)

	envs := envelopes(drainOutputs(h.persist))
	if len(envs) == 0 {
		t.Fatal("no envelopes emitted")
	}
	if envs[0].PrevHash != core.GenesisHash("test") {
		t.Error("first envelope does not chain from genesis")
	}
	for i := 1; i < len(envs); i++ {
		if envs[i].Sequence != envs[i-1].Sequence+1 {
			t.Errorf("sequence gap at %d", envs[i].Sequence)
		}
		if envs[i].PrevHash != envs[i-1].StateHash {
			t.Errorf("broken chain at sequence %d", envs[i].Sequence)
		}
	}
	if envs[len(envs)-1].StateHash != h.core.GetStateHash() {
		t.Error("chain tip does not match core state hash")
	}
}

func TestReplay_ReproducesStateAndHashes(t *testing.T) {
	live := newHarness(t)
	runLifecycle(live)
	envs := envelopes(drainOutputs(live.persist))

	replica := newHarness(t)
	for _, env := range envs {
		if err := replica.core.ReplayEnvelope(context.Background(), env); err != nil {
			t.Fatalf("replay: %v", err)
		}
	}
	if replica.core.StateDigest() != live.core.StateDigest() {
		t.Error("replayed state digest differs")
	}
	if replica.core.GetStateHash() != live.core.GetStateHash() {
		t.Error("replayed chain tip differs")
	}
	if n := len(replica.custody.Transfers()); n != 0 {
		t.Errorf("replay performed %d transfers", n)
	}
	if n := len(drainOutputs(replica.persist)); n != 0 {
		t.Errorf("replay emitted %d outputs", n)
	}
}

func TestReplay_DetectsTamperedHash(t *testing.T) {
	live := newHarness(t)
	live.createBatch(testutil.PlainVault)
	envs := envelopes(drainOutputs(live.persist))
	envs[0].StateHash[0] ^= 0xff

	replica := newHarness(t)
	if err := replica.core.ReplayEnvelope(context.Background(), envs[0]); err == nil {
		t.Fatal("expected hash mismatch error")
	}
}

func TestSnapshot_RoundTrip(t *testing.T) {
	live := newHarness(t)
	runLifecycle(live)

	data, err := json.Marshal(live.core.CreateSnapshotState())
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	var snap core.SnapshotState
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}

	restored := newHarness(t)
	if err := restored.core.RestoreFromSnapshot(&snap); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.core.StateDigest() != live.core.StateDigest() {
		t.Fatal("restored state digest differs")
	}
	if restored.core.GetSequence() != live.core.GetSequence() {
		t.Errorf("sequence: got %d, want %d", restored.core.GetSequence(), live.core.GetSequence())
	}

	// Both continue identically.
	restored.now, restored.keySeq = live.now, live.keySeq
	a := live.stake(testutil.Alice, testutil.FeeVault, testutil.Units(2))
	b := restored.stake(testutil.Alice, testutil.FeeVault, testutil.Units(2))
	if a != b {
		t.Error("derived request ids diverged after restore")
	}
	if restored.core.GetStateHash() != live.core.GetStateHash() {
		t.Error("chain tips diverged after restore")
	}
}

// ============================================================================
// Test: Runner
// ============================================================================

func TestRunner_SerializesSubmitAndDo(t *testing.T) {
	h := newHarness(t)
	r := core.NewRunner(h.core, 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	res, err := r.Submit(ctx, &event.BatchCreate{Header: h.hdr(testutil.Operator), Vault: testutil.PlainVault, Asset: testutil.AssetUSD})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	var open bool
	if err := r.Do(ctx, func(c *core.DeterministicCore) error {
		_, open = c.OpenBatch(testutil.PlainVault, testutil.AssetUSD)
		return nil
	}); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !open || res.Sequence != 1 {
		t.Errorf("open=%v sequence=%d", open, res.Sequence)
	}

	cancel()
	<-done
	if _, err := r.Submit(context.Background(), &event.BatchCreate{Header: h.hdr(testutil.Operator)}); !errors.Is(err, core.ErrRunnerStopped) {
		t.Errorf("submit after stop: got %v", err)
	}
}
