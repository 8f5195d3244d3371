package state

import (
	"testing"

	"github.com/holiman/uint256"

	"dealchain/native/deal"
	"dealchain/storage"
)

func newTestManager(t *testing.T) (*Manager, *storage.MemDB) {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	return NewManager(db), db
}

func addr(fill byte) [20]byte {
	var out [20]byte
	for i := range out {
		out[i] = fill
	}
	return out
}

func sampleDeal() *deal.Deal {
	deadline := int64(5_000)
	return &deal.Deal{
		ID:            deal.DealID{9},
		Address:       addr(0xAA),
		Client:        addr(0x01),
		Executor:      addr(0x02),
		Payer:         addr(0x01),
		Asset:         "USDC",
		ClientAccount: addr(0x11),
		Amount:        uint256.NewInt(1_000),
		PaidAmount:    uint256.NewInt(250),
		AdvancePaid:   uint256.NewInt(100),
		ExecutorBond:  &deal.Bond{Asset: "BOND", Amount: uint256.NewInt(300), Source: addr(0x22)},
		Checker:       &deal.Checker{Identity: addr(0x03), Fee: new(uint256.Int)},
		Deadline:      &deadline,
		CreatedAt:     1_000,
		Deposit:       uint256.NewInt(10),
	}
}

func TestDealRoundTrip(t *testing.T) {
	mgr, _ := newTestManager(t)
	want := sampleDeal()
	if err := mgr.DealPut(want); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok, err := mgr.DealGet(want.Address)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.ClientBond != nil {
		t.Fatalf("absent client bond must stay absent")
	}
	if got.HolderMode != nil {
		t.Fatalf("absent holder mode must stay absent")
	}
	if got.Checker == nil || !got.Checker.Fee.IsZero() || got.Checker.Identity != addr(0x03) {
		t.Fatalf("zero-fee checker lost: %+v", got.Checker)
	}
	if got.ExecutorBond == nil || got.ExecutorBond.Amount.Uint64() != 300 || got.ExecutorBond.Source != addr(0x22) {
		t.Fatalf("executor bond mismatch: %+v", got.ExecutorBond)
	}
	if got.PaidAmount.Uint64() != 250 || got.AdvancePaid.Uint64() != 100 || *got.Deadline != 5_000 {
		t.Fatalf("amounts mismatch: %+v", got)
	}

	byClient, err := mgr.DealsByParty(addr(0x01))
	if err != nil || len(byClient) != 1 {
		t.Fatalf("party index: %d %v", len(byClient), err)
	}
	if err := mgr.DealDelete(want.Address); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := mgr.DealGet(want.Address); ok {
		t.Fatalf("record still present after delete")
	}
	byExecutor, err := mgr.DealsByParty(addr(0x02))
	if err != nil || len(byExecutor) != 0 {
		t.Fatalf("party index not cleaned: %d %v", len(byExecutor), err)
	}
}

func TestSnapshotRevert(t *testing.T) {
	mgr, _ := newTestManager(t)
	if err := mgr.SetNativeBalance(addr(0x01), uint256.NewInt(5)); err != nil {
		t.Fatalf("set: %v", err)
	}
	snap := mgr.Snapshot()
	if err := mgr.SetNativeBalance(addr(0x01), uint256.NewInt(7)); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := mgr.DealPut(sampleDeal()); err != nil {
		t.Fatalf("put: %v", err)
	}
	mgr.RevertToSnapshot(snap)

	bal, err := mgr.NativeBalance(addr(0x01))
	if err != nil || bal.Uint64() != 5 {
		t.Fatalf("balance after revert = %v (%v), want 5", bal, err)
	}
	if _, ok, _ := mgr.DealGet(addr(0xAA)); ok {
		t.Fatalf("record survived revert")
	}
}

func TestCommitFlushesOverlay(t *testing.T) {
	mgr, db := newTestManager(t)
	if err := mgr.SetNativeBalance(addr(0x01), uint256.NewInt(42)); err != nil {
		t.Fatalf("set: %v", err)
	}
	if len(db.Keys()) != 0 {
		t.Fatalf("writes reached the database before commit")
	}
	if err := mgr.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if mgr.Pending() != 0 || len(db.Keys()) != 1 {
		t.Fatalf("unexpected state after commit: pending=%d keys=%d", mgr.Pending(), len(db.Keys()))
	}

	reopened := NewManager(db)
	bal, err := reopened.NativeBalance(addr(0x01))
	if err != nil || bal.Uint64() != 42 {
		t.Fatalf("committed balance = %v (%v)", bal, err)
	}

	if err := reopened.KVDelete(LedgerNativeKey(addr(0x01))); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := reopened.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(db.Keys()) != 0 {
		t.Fatalf("delete was not committed")
	}
}

func TestTokenRegistry(t *testing.T) {
	mgr, _ := newTestManager(t)
	if err := mgr.RegisterToken("usdc", "USD Coin", 6); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := mgr.RegisterToken("USDC", "again", 6); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
	if err := mgr.RegisterToken("bond", "Bond", 0); err != nil {
		t.Fatalf("register: %v", err)
	}
	list, err := mgr.TokenList()
	if err != nil || len(list) != 2 || list[0] != "BOND" {
		t.Fatalf("token list = %v (%v)", list, err)
	}
	if err := mgr.SetTokenMintAuthority("usdc", []byte{1}); err != nil {
		t.Fatalf("authority: %v", err)
	}
	meta, err := mgr.Token("USDC")
	if err != nil || meta == nil || len(meta.MintAuthority) != 1 {
		t.Fatalf("token metadata = %+v (%v)", meta, err)
	}
}
