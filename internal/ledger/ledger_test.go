package ledger_test

import (
	"errors"
	"testing"

	"VaultLedger/internal/ledger"
	"VaultLedger/internal/testutil"

	"github.com/holiman/uint256"
)

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_VaultPath(t *testing.T) {
	key := ledger.NewVaultAccountKey("stake-plain", ledger.SubTypeVirtualBalance, "USDV")
	if got := key.AccountPath(); got != "vault:stake-plain:balance:USDV" {
		t.Errorf("got %q, want %q", got, "vault:stake-plain:balance:USDV")
	}
	treasury := ledger.NewVaultAccountKey("stake-fees", ledger.SubTypeTreasury, "USDV")
	if got := treasury.AccountPath(); got != "vault:stake-fees:treasury:USDV" {
		t.Errorf("got %q, want %q", got, "vault:stake-fees:treasury:USDV")
	}
}

func TestAccountKey_SystemAndExternalPaths(t *testing.T) {
	if got := ledger.NewCustodyAccountKey("USDV").AccountPath(); got != "system:custody:USDV" {
		t.Errorf("custody path = %q", got)
	}
	if got := ledger.NewExternalAccountKey(ledger.SubTypeExternalYield, "USDV").AccountPath(); got != "external:yield:USDV" {
		t.Errorf("external path = %q", got)
	}
	if got := ledger.NewReceiverAccountKey("recv-1", "USDV").AccountPath(); got != "receiver:recv-1:settlement:USDV" {
		t.Errorf("receiver path = %q", got)
	}
}

func TestParseAccountPath_RoundTrip(t *testing.T) {
	keys := []ledger.AccountKey{
		ledger.NewVaultAccountKey("gateway", ledger.SubTypeVirtualBalance, "USDV"),
		ledger.NewCustodyAccountKey("USDV"),
		ledger.NewReceiverAccountKey("recv-1", "USDV"),
		ledger.NewExternalAccountKey(ledger.SubTypeExternalLoss, "USDV"),
	}
	for _, k := range keys {
		parsed, err := ledger.ParseAccountPath(k.AccountPath())
		if err != nil {
			t.Fatalf("parse %q: %v", k.AccountPath(), err)
		}
		if parsed != k {
			t.Errorf("round trip %q: got %+v, want %+v", k.AccountPath(), parsed, k)
		}
	}
}

func TestParseAccountPath_Rejects(t *testing.T) {
	for _, path := range []string{"", "vault:x", "bank:x:balance:USDV", "vault:x:savings:USDV", "system:custody:USDV:extra"} {
		if _, err := ledger.ParseAccountPath(path); err == nil {
			t.Errorf("ParseAccountPath(%q) should fail", path)
		}
	}
}

// ============================================================================
// Test: IDs
// ============================================================================

func TestDeriveID_DeterministicAndSeparated(t *testing.T) {
	a := ledger.DeriveID("ctx", 1, "batch", "vault", "USDV")
	b := ledger.DeriveID("ctx", 1, "batch", "vault", "USDV")
	if a != b {
		t.Fatal("same inputs must derive the same id")
	}
	if a == ledger.DeriveID("ctx", 2, "batch", "vault", "USDV") {
		t.Error("counter must change the id")
	}
	if a == ledger.DeriveID("other", 1, "batch", "vault", "USDV") {
		t.Error("context must change the id")
	}
	// Length prefixes keep "ab"+"c" apart from "a"+"bc".
	if ledger.DeriveID("ctx", 1, "s", "ab", "c") == ledger.DeriveID("ctx", 1, "s", "a", "bc") {
		t.Error("field boundaries must be part of the hash")
	}
}

func TestParseID(t *testing.T) {
	id := ledger.DeriveID("ctx", 7, "proposal")
	parsed, err := ledger.ParseID(id.String())
	if err != nil {
		t.Fatalf("ParseID: %v", err)
	}
	if parsed != id {
		t.Errorf("got %s, want %s", parsed, id)
	}
	if len(id.Short()) != 8 {
		t.Errorf("Short() = %q, want 8 hex chars", id.Short())
	}
	if _, err := ledger.ParseID("abcd"); err == nil {
		t.Error("short id should fail")
	}
	if _, err := ledger.ParseID("zz"); err == nil {
		t.Error("non-hex id should fail")
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func key(vault string) ledger.BalanceKey {
	return ledger.BalanceKey{Vault: vault, Asset: "USDV"}
}

func TestBalanceTracker_InitialBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	if !bt.GetBalance("nobody", "USDV").IsZero() {
		t.Error("unknown balance should read zero")
	}
	if !bt.GetCustodied("USDV").IsZero() {
		t.Error("unknown custody should read zero")
	}
}

func TestBalanceTracker_CreditJournalsAgainstCounter(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	tx := ledger.NewTx()
	counter := ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, "USDV")

	if err := bt.Credit(tx, key("v1"), uint256.NewInt(100), counter, ledger.JournalTypePush); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	journals := tx.Commit()
	if len(journals) != 1 {
		t.Fatalf("journals = %d, want 1", len(journals))
	}
	j := journals[0]
	if j.DebitAccount.AccountPath() != "vault:v1:balance:USDV" || j.CreditAccount != counter {
		t.Errorf("journal sides: debit %s credit %s", j.DebitAccount, j.CreditAccount)
	}
	if bt.GetBalance("v1", "USDV").Uint64() != 100 {
		t.Errorf("balance = %s, want 100", bt.GetBalance("v1", "USDV").Dec())
	}
}

func TestBalanceTracker_DebitInsufficient(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	tx := ledger.NewTx()
	err := bt.Debit(tx, key("v1"), uint256.NewInt(1), ledger.NewCustodyAccountKey("USDV"), ledger.JournalTypeRefund)
	if !errors.Is(err, ledger.ErrInsufficientVB) {
		t.Fatalf("expected ErrInsufficientVB, got %v", err)
	}
	if ledger.KindOf(err) != ledger.KindReconciliation {
		t.Errorf("kind = %v, want reconciliation", ledger.KindOf(err))
	}
}

func TestBalanceTracker_TransferPreservesSum(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	tx := ledger.NewTx()
	counter := ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, "USDV")
	if err := bt.Credit(tx, key("v1"), uint256.NewInt(100), counter, ledger.JournalTypePush); err != nil {
		t.Fatal(err)
	}
	if err := bt.Transfer(tx, key("v1"), key("treasury"), uint256.NewInt(30), ledger.JournalTypeFee); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	tx.Commit()

	sum, err := bt.SumVirtual("USDV")
	if err != nil {
		t.Fatal(err)
	}
	if sum.Uint64() != 100 {
		t.Errorf("sum = %s, want 100", sum.Dec())
	}
	if bt.GetBalance("treasury", "USDV").Uint64() != 30 {
		t.Errorf("treasury = %s, want 30", bt.GetBalance("treasury", "USDV").Dec())
	}

	if err := bt.Transfer(ledger.NewTx(), key("v1"), ledger.BalanceKey{Vault: "v1", Asset: "BTC"}, uint256.NewInt(1), ledger.JournalTypeFee); !errors.Is(err, ledger.ErrBounds) {
		t.Errorf("cross-asset transfer: expected ErrBounds, got %v", err)
	}
}

func TestBalanceTracker_RollbackRestoresState(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	setup := ledger.NewTx()
	counter := ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, "USDV")
	bt.Credit(setup, key("v1"), uint256.NewInt(50), counter, ledger.JournalTypePush)
	bt.AddCustody(setup, "USDV", uint256.NewInt(50))
	setup.Commit()

	tx := ledger.NewTx()
	bt.Credit(tx, key("v1"), uint256.NewInt(10), counter, ledger.JournalTypePush)
	bt.Credit(tx, key("v2"), uint256.NewInt(5), counter, ledger.JournalTypePush)
	bt.AddCustody(tx, "USDV", uint256.NewInt(15))
	if len(tx.Touched()) != 3 {
		t.Errorf("touched = %d, want 3", len(tx.Touched()))
	}
	tx.Rollback()

	if bt.GetBalance("v1", "USDV").Uint64() != 50 {
		t.Errorf("v1 = %s, want 50", bt.GetBalance("v1", "USDV").Dec())
	}
	if len(bt.Keys()) != 1 {
		t.Errorf("keys after rollback = %v, want only v1", bt.Keys())
	}
	if bt.GetCustodied("USDV").Uint64() != 50 {
		t.Errorf("custodied = %s, want 50", bt.GetCustodied("USDV").Dec())
	}
	if len(tx.Journals()) != 0 {
		t.Error("rolled back tx must not keep journals")
	}
}

func TestBalanceTracker_RemoveCustodyInsufficient(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	err := bt.RemoveCustody(ledger.NewTx(), "USDV", uint256.NewInt(1))
	if !errors.Is(err, ledger.ErrInsufficientHeld) {
		t.Errorf("expected ErrInsufficientHeld, got %v", err)
	}
}

func TestBalanceTracker_SnapshotRestore(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	tx := ledger.NewTx()
	counter := ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, "USDV")
	bt.Credit(tx, key("b"), uint256.NewInt(7), counter, ledger.JournalTypePush)
	bt.Credit(tx, key("a"), uint256.NewInt(3), counter, ledger.JournalTypePush)
	bt.AddCustody(tx, "USDV", uint256.NewInt(10))
	tx.Commit()

	snap := bt.Snapshot()
	if len(snap.Balances) != 2 || snap.Balances[0].Vault != "a" {
		t.Fatalf("snapshot not in canonical order: %+v", snap.Balances)
	}

	restored := ledger.NewBalanceTracker()
	if err := restored.Restore(snap); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if string(restored.AppendDigest(nil)) != string(bt.AppendDigest(nil)) {
		t.Error("restored digest differs")
	}
}

// ============================================================================
// Test: Posting validation
// ============================================================================

func journal(amount uint64) ledger.Journal {
	return ledger.Journal{
		DebitAccount:  ledger.NewVaultAccountKey("v1", ledger.SubTypeVirtualBalance, "USDV"),
		CreditAccount: ledger.NewCustodyAccountKey("USDV"),
		Asset:         "USDV",
		Amount:        uint256.NewInt(amount),
		JournalType:   ledger.JournalTypePush,
	}
}

func TestPosting_EmptyFails(t *testing.T) {
	p := ledger.NewPosting("k", 1, 100, nil)
	if err := p.Validate(); err == nil {
		t.Error("empty posting should fail")
	}
}

func TestPosting_ZeroAmountFails(t *testing.T) {
	p := ledger.NewPosting("k", 1, 100, []ledger.Journal{journal(0)})
	if err := p.Validate(); err == nil {
		t.Error("zero amount should fail")
	}
}

func TestPosting_SelfTransferFails(t *testing.T) {
	j := journal(5)
	j.CreditAccount = j.DebitAccount
	if err := ledger.NewPosting("k", 1, 100, []ledger.Journal{j}).Validate(); err == nil {
		t.Error("self transfer should fail")
	}
}

func TestPosting_CrossAssetFails(t *testing.T) {
	j := journal(5)
	j.CreditAccount = ledger.NewCustodyAccountKey("BTC")
	if err := ledger.NewPosting("k", 1, 100, []ledger.Journal{j}).Validate(); err == nil {
		t.Error("cross-asset journal should fail")
	}
}

func TestPosting_DeterministicIDs(t *testing.T) {
	a := ledger.NewPosting("evt-1", 4, 100, []ledger.Journal{journal(1), journal(2)})
	b := ledger.NewPosting("evt-1", 4, 100, []ledger.Journal{journal(1), journal(2)})
	if err := a.Validate(); err != nil {
		t.Fatalf("valid posting rejected: %v", err)
	}
	if a.PostingID != b.PostingID || a.Journals[1].JournalID != b.Journals[1].JournalID {
		t.Error("posting ids must derive from the event ref")
	}
	if a.Journals[0].JournalID == a.Journals[1].JournalID {
		t.Error("journal ids within a posting must differ")
	}
	if a.Journals[0].Sequence != 4 || a.Journals[0].EventRef != "evt-1" {
		t.Errorf("journal not stamped: %+v", a.Journals[0])
	}
}

// ============================================================================
// Test: BatchManager and InvariantValidator
// ============================================================================

func newBatches(t *testing.T) (*ledger.BatchManager, *ledger.BalanceTracker) {
	t.Helper()
	bt := ledger.NewBalanceTracker()
	return ledger.NewBatchManager("test", testutil.Registry(t), testutil.Roles(), bt), bt
}

func TestBatchManager_CreateCloseNext(t *testing.T) {
	bm, _ := newBatches(t)
	tx := ledger.NewTx()
	id, err := bm.CreateBatch(tx, testutil.Operator, testutil.PlainVault, testutil.AssetUSD, 100)
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	if _, err := bm.CreateBatch(tx, testutil.Operator, testutil.PlainVault, testutil.AssetUSD, 100); !errors.Is(err, ledger.ErrBatchAlreadyOpen) {
		t.Errorf("second open batch: expected ErrBatchAlreadyOpen, got %v", err)
	}

	next, err := bm.CloseBatch(tx, testutil.Relayer, id, true, 200)
	if err != nil {
		t.Fatalf("CloseBatch: %v", err)
	}
	tx.Commit()

	closed, _ := bm.Batch(id)
	if closed.State != ledger.BatchClosed || closed.ClosedAt != 200 {
		t.Errorf("closed batch = %s at %d", closed.State, closed.ClosedAt)
	}
	open, ok := bm.OpenBatch(testutil.PlainVault, testutil.AssetUSD)
	if !ok || open.ID != next || open.Sequence != 2 {
		t.Errorf("successor = %+v (found=%v), want seq 2 id %s", open, ok, next.Short())
	}
}

func TestBatchManager_UnauthorizedAndUnknown(t *testing.T) {
	bm, _ := newBatches(t)
	if _, err := bm.CreateBatch(ledger.NewTx(), testutil.Alice, testutil.PlainVault, testutil.AssetUSD, 1); !errors.Is(err, ledger.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := bm.CreateBatch(ledger.NewTx(), testutil.Operator, "missing", testutil.AssetUSD, 1); !errors.Is(err, ledger.ErrUnknownVault) {
		t.Errorf("expected ErrUnknownVault, got %v", err)
	}
	if _, err := bm.CloseBatch(ledger.NewTx(), testutil.Relayer, ledger.DeriveID("x", 1, "batch"), false, 1); !errors.Is(err, ledger.ErrBatchNotFound) {
		t.Errorf("expected ErrBatchNotFound, got %v", err)
	}
}

func TestBatchManager_SettlerClaimedOnce(t *testing.T) {
	bm, _ := newBatches(t)
	if _, err := bm.ClaimSettler(); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if _, err := bm.ClaimSettler(); !errors.Is(err, ledger.ErrHandleClaimed) {
		t.Errorf("second claim: expected ErrHandleClaimed, got %v", err)
	}
}

func TestInvariantValidator_Reconciliation(t *testing.T) {
	bm, bt := newBatches(t)
	v := ledger.NewInvariantValidator(bt, bm)

	tx := ledger.NewTx()
	bt.Credit(tx, key("v1"), uint256.NewInt(40), ledger.NewCustodyAccountKey("USDV"), ledger.JournalTypePush)
	bt.AddCustody(tx, "USDV", uint256.NewInt(40))
	tx.Commit()
	if err := v.ValidateAll(); err != nil {
		t.Fatalf("balanced ledger rejected: %v", err)
	}

	drift := ledger.NewTx()
	bt.AddCustody(drift, "USDV", uint256.NewInt(1))
	drift.Commit()
	err := v.ValidateReconciliation("USDV")
	if !errors.Is(err, ledger.ErrReconciliation) {
		t.Errorf("expected ErrReconciliation, got %v", err)
	}
}
