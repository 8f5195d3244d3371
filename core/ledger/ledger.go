package ledger

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"dealchain/core/state"
	"dealchain/native/deal"
)

var (
	ErrInsufficientFunds   = errors.New("ledger: insufficient funds")
	ErrInsufficientDeposit = errors.New("ledger: insufficient native balance for deposit")
	ErrAccountNotFound     = errors.New("ledger: account not found")
	ErrAccountExists       = errors.New("ledger: account already exists")
	ErrAccountNotEmpty     = errors.New("ledger: account not empty")
	ErrAuthority           = errors.New("ledger: authority does not own the account")
	ErrAssetMismatch       = errors.New("ledger: asset mismatch")
	ErrUnknownAsset        = errors.New("ledger: asset not registered")
	ErrMintPaused          = errors.New("ledger: minting paused")
	ErrMintAuthority       = errors.New("ledger: caller is not the mint authority")
)

// Ledger is the token ledger backing the deal engine. It shares the state
// manager with the engine so a reverted snapshot also reverts every ledger
// write.
type Ledger struct {
	state          *state.Manager
	accountDeposit *uint256.Int
}

// New returns a ledger charging accountDeposit of native balance for every
// opened account.
func New(st *state.Manager, accountDeposit *uint256.Int) *Ledger {
	deposit := new(uint256.Int)
	if accountDeposit != nil {
		deposit = accountDeposit.Clone()
	}
	return &Ledger{state: st, accountDeposit: deposit}
}

var _ deal.Ledger = (*Ledger)(nil)

// AccountDeposit returns the storage deposit charged per account.
func (l *Ledger) AccountDeposit() *uint256.Int { return l.accountDeposit.Clone() }

func (l *Ledger) Account(addr [20]byte) (*deal.Account, bool, error) {
	return l.state.LedgerAccount(addr)
}

func (l *Ledger) EnsureAccount(addr [20]byte, asset string, owner, payer [20]byte) (*deal.Account, error) {
	acc, ok, err := l.state.LedgerAccount(addr)
	if err != nil {
		return nil, err
	}
	if ok {
		return acc, nil
	}
	return l.open(addr, asset, owner, payer)
}

// OpenAccount creates a new account and fails if addr is taken.
func (l *Ledger) OpenAccount(addr [20]byte, asset string, owner, payer [20]byte) (*deal.Account, error) {
	if _, ok, err := l.state.LedgerAccount(addr); err != nil {
		return nil, err
	} else if ok {
		return nil, fmt.Errorf("%w: %x", ErrAccountExists, addr)
	}
	return l.open(addr, asset, owner, payer)
}

func (l *Ledger) open(addr [20]byte, asset string, owner, payer [20]byte) (*deal.Account, error) {
	normalized, err := l.registered(asset)
	if err != nil {
		return nil, err
	}
	if err := l.LockDeposit(payer, l.accountDeposit); err != nil {
		return nil, err
	}
	acc := &deal.Account{
		Address: addr,
		Asset:   normalized,
		Owner:   owner,
		Balance: new(uint256.Int),
		Deposit: l.accountDeposit.Clone(),
	}
	if err := l.state.PutLedgerAccount(acc); err != nil {
		return nil, err
	}
	return acc, nil
}

func (l *Ledger) Transfer(asset string, from, to, authority [20]byte, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	normalized, err := deal.NormalizeAsset(asset)
	if err != nil {
		return err
	}
	src, err := l.mustAccount(from)
	if err != nil {
		return err
	}
	if src.Owner != authority {
		return fmt.Errorf("%w: %x", ErrAuthority, from)
	}
	if src.Asset != normalized {
		return fmt.Errorf("%w: source holds %s, transfer of %s", ErrAssetMismatch, src.Asset, normalized)
	}
	if from == to {
		return nil
	}
	dst, err := l.mustAccount(to)
	if err != nil {
		return err
	}
	if dst.Asset != normalized {
		return fmt.Errorf("%w: destination holds %s, transfer of %s", ErrAssetMismatch, dst.Asset, normalized)
	}
	if src.Balance.Lt(amount) {
		return fmt.Errorf("%w: %x has %s, needs %s", ErrInsufficientFunds, from, src.Balance.Dec(), amount.Dec())
	}
	credited, overflow := new(uint256.Int).AddOverflow(dst.Balance, amount)
	if overflow {
		return fmt.Errorf("ledger: balance overflow on %x", to)
	}
	src.Balance = new(uint256.Int).Sub(src.Balance, amount)
	dst.Balance = credited
	if err := l.state.PutLedgerAccount(src); err != nil {
		return err
	}
	return l.state.PutLedgerAccount(dst)
}

func (l *Ledger) CloseAccount(account, destination, authority [20]byte) error {
	acc, err := l.mustAccount(account)
	if err != nil {
		return err
	}
	if acc.Owner != authority {
		return fmt.Errorf("%w: %x", ErrAuthority, account)
	}
	if !acc.Balance.IsZero() {
		return fmt.Errorf("%w: %x holds %s %s", ErrAccountNotEmpty, account, acc.Balance.Dec(), acc.Asset)
	}
	if err := l.state.DeleteLedgerAccount(account); err != nil {
		return err
	}
	return l.ReleaseDeposit(destination, acc.Deposit)
}

func (l *Ledger) LockDeposit(payer [20]byte, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	bal, err := l.state.NativeBalance(payer)
	if err != nil {
		return err
	}
	if bal.Lt(amount) {
		return fmt.Errorf("%w: %x has %s, needs %s", ErrInsufficientDeposit, payer, bal.Dec(), amount.Dec())
	}
	return l.state.SetNativeBalance(payer, new(uint256.Int).Sub(bal, amount))
}

func (l *Ledger) ReleaseDeposit(destination [20]byte, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	return l.CreditNative(destination, amount)
}

// CreditNative adds amount to addr's native deposit balance.
func (l *Ledger) CreditNative(addr [20]byte, amount *uint256.Int) error {
	bal, err := l.state.NativeBalance(addr)
	if err != nil {
		return err
	}
	next, overflow := new(uint256.Int).AddOverflow(bal, amount)
	if overflow {
		return fmt.Errorf("ledger: native balance overflow on %x", addr)
	}
	return l.state.SetNativeBalance(addr, next)
}

// NativeBalance returns addr's native deposit balance.
func (l *Ledger) NativeBalance(addr [20]byte) (*uint256.Int, error) {
	return l.state.NativeBalance(addr)
}

// Mint credits amount of asset to the account at addr. When the asset has a
// mint authority configured, authority must match it.
func (l *Ledger) Mint(asset string, addr, authority [20]byte, amount *uint256.Int) error {
	normalized, err := deal.NormalizeAsset(asset)
	if err != nil {
		return err
	}
	meta, err := l.state.Token(normalized)
	if err != nil {
		return err
	}
	if meta == nil {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, normalized)
	}
	if meta.MintPaused {
		return fmt.Errorf("%w: %s", ErrMintPaused, normalized)
	}
	if len(meta.MintAuthority) > 0 && !bytes.Equal(meta.MintAuthority, authority[:]) {
		return fmt.Errorf("%w: %s", ErrMintAuthority, normalized)
	}
	acc, err := l.mustAccount(addr)
	if err != nil {
		return err
	}
	if acc.Asset != normalized {
		return fmt.Errorf("%w: account holds %s, mint of %s", ErrAssetMismatch, acc.Asset, normalized)
	}
	next, overflow := new(uint256.Int).AddOverflow(acc.Balance, amountOrZero(amount))
	if overflow {
		return fmt.Errorf("ledger: balance overflow on %x", addr)
	}
	acc.Balance = next
	return l.state.PutLedgerAccount(acc)
}

func (l *Ledger) mustAccount(addr [20]byte) (*deal.Account, error) {
	acc, ok, err := l.state.LedgerAccount(addr)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %x", ErrAccountNotFound, addr)
	}
	return acc, nil
}

func (l *Ledger) registered(asset string) (string, error) {
	normalized, err := deal.NormalizeAsset(asset)
	if err != nil {
		return "", err
	}
	meta, err := l.state.Token(normalized)
	if err != nil {
		return "", err
	}
	if meta == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownAsset, normalized)
	}
	return normalized, nil
}

func amountOrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}
