package deal

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/holiman/uint256"

	"dealchain/core/events"
)

var errMockInsufficient = errors.New("mock ledger: insufficient funds")

type mockSnapshot struct {
	deals    map[[20]byte]*Deal
	accounts map[[20]byte]*Account
	native   map[[20]byte]*uint256.Int
}

// mockState implements both the record store and the ledger over plain maps
// with copy-on-snapshot rollback.
type mockState struct {
	deals          map[[20]byte]*Deal
	accounts       map[[20]byte]*Account
	native         map[[20]byte]*uint256.Int
	accountDeposit *uint256.Int
	snapshots      []mockSnapshot
	failClose      bool
}

func newMockState() *mockState {
	return &mockState{
		deals:          make(map[[20]byte]*Deal),
		accounts:       make(map[[20]byte]*Account),
		native:         make(map[[20]byte]*uint256.Int),
		accountDeposit: uint256.NewInt(2),
	}
}

func (m *mockState) DealPut(d *Deal) error {
	sanitized, err := SanitizeDeal(d)
	if err != nil {
		return err
	}
	m.deals[d.Address] = sanitized
	return nil
}

func (m *mockState) DealGet(addr [20]byte) (*Deal, bool, error) {
	d, ok := m.deals[addr]
	if !ok {
		return nil, false, nil
	}
	return d.Clone(), true, nil
}

func (m *mockState) DealDelete(addr [20]byte) error {
	delete(m.deals, addr)
	return nil
}

func (m *mockState) Snapshot() int {
	snap := mockSnapshot{
		deals:    make(map[[20]byte]*Deal, len(m.deals)),
		accounts: make(map[[20]byte]*Account, len(m.accounts)),
		native:   make(map[[20]byte]*uint256.Int, len(m.native)),
	}
	for k, v := range m.deals {
		snap.deals[k] = v.Clone()
	}
	for k, v := range m.accounts {
		snap.accounts[k] = copyAccount(v)
	}
	for k, v := range m.native {
		snap.native[k] = v.Clone()
	}
	m.snapshots = append(m.snapshots, snap)
	return len(m.snapshots) - 1
}

func (m *mockState) RevertToSnapshot(id int) {
	snap := m.snapshots[id]
	m.deals, m.accounts, m.native = snap.deals, snap.accounts, snap.native
	m.snapshots = m.snapshots[:id]
}

func copyAccount(a *Account) *Account {
	out := *a
	out.Balance = cloneAmount(a.Balance)
	out.Deposit = cloneAmount(a.Deposit)
	return &out
}

func (m *mockState) Account(addr [20]byte) (*Account, bool, error) {
	acc, ok := m.accounts[addr]
	if !ok {
		return nil, false, nil
	}
	return copyAccount(acc), true, nil
}

func (m *mockState) EnsureAccount(addr [20]byte, asset string, owner, payer [20]byte) (*Account, error) {
	if acc, ok := m.accounts[addr]; ok {
		return copyAccount(acc), nil
	}
	if err := m.LockDeposit(payer, m.accountDeposit); err != nil {
		return nil, err
	}
	acc := &Account{Address: addr, Asset: asset, Owner: owner, Balance: new(uint256.Int), Deposit: m.accountDeposit.Clone()}
	m.accounts[addr] = acc
	return copyAccount(acc), nil
}

func (m *mockState) Transfer(asset string, from, to, authority [20]byte, amount *uint256.Int) error {
	src, ok := m.accounts[from]
	if !ok {
		return fmt.Errorf("mock ledger: source %x missing", from)
	}
	dst, ok := m.accounts[to]
	if !ok {
		return fmt.Errorf("mock ledger: destination %x missing", to)
	}
	if src.Owner != authority {
		return fmt.Errorf("mock ledger: authority mismatch")
	}
	if src.Asset != asset || dst.Asset != asset {
		return fmt.Errorf("mock ledger: asset mismatch")
	}
	if src.Balance.Lt(amount) {
		return errMockInsufficient
	}
	src.Balance = new(uint256.Int).Sub(src.Balance, amount)
	dst.Balance = new(uint256.Int).Add(dst.Balance, amount)
	return nil
}

func (m *mockState) CloseAccount(account, destination, authority [20]byte) error {
	if m.failClose {
		return errors.New("mock ledger: close failed")
	}
	acc, ok := m.accounts[account]
	if !ok {
		return fmt.Errorf("mock ledger: account missing")
	}
	if acc.Owner != authority {
		return fmt.Errorf("mock ledger: authority mismatch")
	}
	if !acc.Balance.IsZero() {
		return fmt.Errorf("mock ledger: account not empty")
	}
	delete(m.accounts, account)
	return m.ReleaseDeposit(destination, acc.Deposit)
}

func (m *mockState) LockDeposit(payer [20]byte, amount *uint256.Int) error {
	bal := m.nativeOf(payer)
	if bal.Lt(amount) {
		return errMockInsufficient
	}
	m.native[payer] = new(uint256.Int).Sub(bal, amount)
	return nil
}

func (m *mockState) ReleaseDeposit(destination [20]byte, amount *uint256.Int) error {
	m.native[destination] = new(uint256.Int).Add(m.nativeOf(destination), amount)
	return nil
}

func (m *mockState) nativeOf(addr [20]byte) *uint256.Int {
	if v, ok := m.native[addr]; ok {
		return v
	}
	return new(uint256.Int)
}

func (m *mockState) balance(addr [20]byte) uint64 {
	acc, ok := m.accounts[addr]
	if !ok {
		return 0
	}
	return acc.Balance.Uint64()
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

var (
	testClient   = newTestAddress(0x01)
	testExecutor = newTestAddress(0x02)
	testChecker  = newTestAddress(0x03)
	testService  = newTestAddress(0x04)
	testTreasury = newTestAddress(0x05)
	testPayer    = newTestAddress(0x06)
	testStranger = newTestAddress(0x07)
)

type fixture struct {
	t       *testing.T
	engine  *Engine
	state   *mockState
	events  *events.Buffer
	now     int64
	params  Params
	deriver KeccakDeriver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	params := Params{
		ServiceIdentity:    testService,
		FeeRecipient:       testTreasury,
		FeeEligibleAsset:   "USDC",
		HolderAsset:        "HOLD",
		HolderThreshold:    uint256.NewInt(500),
		HolderWaiverAmount: uint256.NewInt(500),
		RecordDeposit:      uint256.NewInt(10),
	}
	f := &fixture{t: t, state: newMockState(), events: &events.Buffer{}, now: 1_000, params: params}
	f.engine = NewEngine(params)
	f.engine.SetState(f.state)
	f.engine.SetLedger(f.state)
	f.engine.SetEmitter(f.events)
	f.engine.SetNowFunc(func() int64 { return f.now })
	for _, who := range [][20]byte{testClient, testExecutor, testChecker, testPayer, testService, testStranger} {
		f.state.native[who] = uint256.NewInt(1_000)
	}
	return f
}

// fund opens owner's associated account for asset holding amount.
func (f *fixture) fund(owner [20]byte, asset string, amount uint64) [20]byte {
	addr := f.deriver.AssociatedAddress(asset, owner)
	f.state.accounts[addr] = &Account{Address: addr, Asset: asset, Owner: owner, Balance: uint256.NewInt(amount), Deposit: new(uint256.Int)}
	return addr
}

func (f *fixture) wallet(owner [20]byte, asset string) uint64 {
	return f.state.balance(f.deriver.AssociatedAddress(asset, owner))
}

func (f *fixture) custody(key Key, role string) [20]byte {
	return f.deriver.CustodyAddress(key, role)
}

func (f *fixture) baseRequest(id byte) InitializeRequest {
	return InitializeRequest{
		ID:         DealID{id},
		Client:     testClient,
		Executor:   testExecutor,
		Signers:    [][20]byte{testClient, testExecutor},
		Asset:      "USDC",
		Amount:     uint256.NewInt(1_000),
		ServiceFee: uint256.NewInt(10),
	}
}

func deadline(v int64) *int64 { return &v }
