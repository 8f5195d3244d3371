package ledger_test

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"dealchain/core/events"
	"dealchain/core/ledger"
	"dealchain/core/state"
	"dealchain/native/deal"
	"dealchain/storage"
)

func fill(b byte) [20]byte {
	var out [20]byte
	for i := range out {
		out[i] = b
	}
	return out
}

var (
	client   = fill(0x01)
	executor = fill(0x02)
	checker  = fill(0x03)
	service  = fill(0x04)
	treasury = fill(0x05)
	minter   = fill(0x06)
)

type harness struct {
	db     *storage.MemDB
	state  *state.Manager
	ledger *ledger.Ledger
	engine *deal.Engine
	events *events.Buffer
	now    int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	st := state.NewManager(db)
	for _, asset := range []string{"USDC", "HOLD", "BOND"} {
		require.NoError(t, st.RegisterToken(asset, asset+" token", 6))
	}
	require.NoError(t, st.SetTokenMintAuthority("USDC", minter[:]))
	l := ledger.New(st, uint256.NewInt(3))
	for _, who := range [][20]byte{client, executor, checker, service} {
		require.NoError(t, l.CreditNative(who, uint256.NewInt(1_000)))
	}
	h := &harness{db: db, state: st, ledger: l, events: &events.Buffer{}, now: 100}
	h.engine = deal.NewEngine(deal.Params{
		ServiceIdentity:    service,
		FeeRecipient:       treasury,
		FeeEligibleAsset:   "USDC",
		HolderAsset:        "HOLD",
		HolderThreshold:    uint256.NewInt(50),
		HolderWaiverAmount: uint256.NewInt(50),
		RecordDeposit:      uint256.NewInt(7),
	})
	h.engine.SetState(st)
	h.engine.SetLedger(l)
	h.engine.SetEmitter(h.events)
	h.engine.SetNowFunc(func() int64 { return h.now })
	require.NoError(t, st.Commit())
	return h
}

func (h *harness) wallet(t *testing.T, owner [20]byte, asset string, balance uint64) [20]byte {
	t.Helper()
	addr := h.engine.AssociatedAddress(asset, owner)
	_, err := h.ledger.EnsureAccount(addr, asset, owner, owner)
	require.NoError(t, err)
	require.NoError(t, h.ledger.Mint(asset, addr, minter, uint256.NewInt(balance)))
	return addr
}

func (h *harness) balance(t *testing.T, addr [20]byte) uint64 {
	t.Helper()
	acc, ok, err := h.ledger.Account(addr)
	require.NoError(t, err)
	if !ok {
		return 0
	}
	return acc.Balance.Uint64()
}

func TestTransferRules(t *testing.T) {
	h := newHarness(t)
	from := h.wallet(t, client, "USDC", 100)
	to := h.wallet(t, executor, "USDC", 0)
	bond := h.wallet(t, executor, "BOND", 0)

	require.ErrorIs(t, h.ledger.Transfer("USDC", from, to, executor, uint256.NewInt(1)), ledger.ErrAuthority)
	require.ErrorIs(t, h.ledger.Transfer("USDC", from, to, client, uint256.NewInt(101)), ledger.ErrInsufficientFunds)
	require.ErrorIs(t, h.ledger.Transfer("USDC", from, bond, client, uint256.NewInt(1)), ledger.ErrAssetMismatch)
	require.ErrorIs(t, h.ledger.Transfer("USDC", from, fill(0xEE), client, uint256.NewInt(1)), ledger.ErrAccountNotFound)
	require.NoError(t, h.ledger.Transfer("usdc", from, to, client, uint256.NewInt(40)))
	require.EqualValues(t, 60, h.balance(t, from))
	require.EqualValues(t, 40, h.balance(t, to))
}

func TestAccountLifecycle(t *testing.T) {
	h := newHarness(t)
	addr := fill(0x77)
	_, err := h.ledger.EnsureAccount(addr, "NOPE", client, client)
	require.ErrorIs(t, err, ledger.ErrUnknownAsset)

	acc, err := h.ledger.EnsureAccount(addr, "BOND", client, client)
	require.NoError(t, err)
	require.EqualValues(t, 3, acc.Deposit.Uint64())
	native, err := h.ledger.NativeBalance(client)
	require.NoError(t, err)
	require.EqualValues(t, 997, native.Uint64())

	_, err = h.ledger.OpenAccount(addr, "BOND", client, client)
	require.ErrorIs(t, err, ledger.ErrAccountExists)

	require.NoError(t, h.ledger.Mint("BOND", addr, client, uint256.NewInt(5)))
	require.ErrorIs(t, h.ledger.CloseAccount(addr, executor, client), ledger.ErrAccountNotEmpty)
	require.ErrorIs(t, h.ledger.CloseAccount(addr, executor, executor), ledger.ErrAuthority)
	require.NoError(t, h.ledger.Transfer("BOND", addr, h.wallet(t, executor, "BOND", 0), client, uint256.NewInt(5)))
	require.NoError(t, h.ledger.CloseAccount(addr, executor, client))

	native, err = h.ledger.NativeBalance(executor)
	require.NoError(t, err)
	// executor paid 3 for its own wallet and received the closed deposit
	require.EqualValues(t, 1_000, native.Uint64())
}

func TestMintAuthority(t *testing.T) {
	h := newHarness(t)
	addr := h.wallet(t, client, "USDC", 0)
	require.ErrorIs(t, h.ledger.Mint("USDC", addr, client, uint256.NewInt(1)), ledger.ErrMintAuthority)
	require.NoError(t, h.state.SetTokenMintPaused("USDC", true))
	require.ErrorIs(t, h.ledger.Mint("USDC", addr, minter, uint256.NewInt(1)), ledger.ErrMintPaused)
}

func TestLockDepositInsufficient(t *testing.T) {
	h := newHarness(t)
	require.ErrorIs(t, h.ledger.LockDeposit(fill(0x99), uint256.NewInt(1)), ledger.ErrInsufficientDeposit)
	require.NoError(t, h.ledger.LockDeposit(fill(0x99), new(uint256.Int)))
}

// The engine and ledger share one state manager, so a failing transition
// leaves no ledger trace and the committed database is untouched.
func TestEngineOverLedgerRollsBack(t *testing.T) {
	h := newHarness(t)
	h.wallet(t, client, "USDC", 1_005)
	require.NoError(t, h.state.Commit())
	committed := len(h.db.Keys())

	req := deal.InitializeRequest{
		ID:         deal.DealID{1},
		Client:     client,
		Executor:   executor,
		Signers:    [][20]byte{client},
		Asset:      "USDC",
		Amount:     uint256.NewInt(1_000),
		ServiceFee: uint256.NewInt(10),
	}
	_, err := h.engine.Initialize(req)
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	require.Equal(t, "LedgerError", deal.Code(err))
	require.Zero(t, h.state.Pending())
	require.NoError(t, h.state.Commit())
	require.Len(t, h.db.Keys(), committed)
	require.Empty(t, h.events.Drain())
}

func TestEngineScenarioOverLedger(t *testing.T) {
	h := newHarness(t)
	clientWallet := h.wallet(t, client, "USDC", 2_000)
	h.wallet(t, client, "HOLD", 80)
	deadline := int64(500)

	req := deal.InitializeRequest{
		ID:             deal.DealID{2},
		Client:         client,
		Executor:       executor,
		Signers:        [][20]byte{client, executor},
		Asset:          "USDC",
		Amount:         uint256.NewInt(1_000),
		Deadline:       &deadline,
		HolderMode:     true,
		Checker:        &deal.Checker{Identity: checker, Fee: uint256.NewInt(25)},
		AdvancePayment: uint256.NewInt(75),
		ExecutorBond:   &deal.Bond{Asset: "BOND", Amount: new(uint256.Int)},
	}
	h.wallet(t, executor, "BOND", 0)
	rcpt, err := h.engine.Initialize(req)
	require.NoError(t, err)
	require.NoError(t, h.state.Commit())
	key := req.Key()
	require.EqualValues(t, 975, h.balance(t, clientWallet))
	require.EqualValues(t, 950, h.balance(t, h.engine.CustodyAddress(key, deal.RolePrincipal)))
	require.NotNil(t, rcpt.Deal.HolderMode)

	_, err = h.engine.PartiallyPay(key, client, uint256.NewInt(125))
	require.NoError(t, err)

	stored, err := h.engine.Deal(key)
	require.NoError(t, err)
	require.EqualValues(t, 200, stored.PaidAmount.Uint64())

	_, err = h.engine.Finish(key, checker)
	require.ErrorIs(t, err, deal.ErrDeadlineNotCome)
	h.now = deadline
	rcpt, err = h.engine.Finish(key, checker)
	require.NoError(t, err)
	require.NoError(t, h.state.Commit())

	require.EqualValues(t, 800, rcpt.Total(deal.PurposePayout, "USDC").Uint64())
	require.EqualValues(t, 1_000, h.balance(t, h.engine.AssociatedAddress("USDC", executor)))
	require.EqualValues(t, 25, h.balance(t, h.engine.AssociatedAddress("USDC", checker)))
	require.EqualValues(t, 975, h.balance(t, clientWallet))
	require.EqualValues(t, 80, h.balance(t, h.engine.AssociatedAddress("HOLD", client)))
	require.Len(t, rcpt.Closed, 3)

	_, err = h.engine.Deal(key)
	require.ErrorIs(t, err, deal.ErrDealNotFound)

	types := make([]string, 0, 4)
	for _, evt := range h.events.Drain() {
		types = append(types, evt.Type)
	}
	require.Equal(t, []string{deal.EventTypeDealInitialized, deal.EventTypeDealPartiallyPaid, deal.EventTypeDealFinished}, types)
}
