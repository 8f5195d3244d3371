package state

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	"dealchain/native/deal"
)

type storedAccount struct {
	Address [20]byte
	Asset   string
	Owner   [20]byte
	Balance *big.Int
	Deposit *big.Int
}

func newStoredAccount(acc *deal.Account) *storedAccount {
	return &storedAccount{
		Address: acc.Address,
		Asset:   acc.Asset,
		Owner:   acc.Owner,
		Balance: toBig(acc.Balance),
		Deposit: toBig(acc.Deposit),
	}
}

func (s *storedAccount) toAccount() (*deal.Account, error) {
	balance, err := fromBig(s.Balance)
	if err != nil {
		return nil, err
	}
	deposit, err := fromBig(s.Deposit)
	if err != nil {
		return nil, err
	}
	return &deal.Account{Address: s.Address, Asset: s.Asset, Owner: s.Owner, Balance: balance, Deposit: deposit}, nil
}

// LedgerAccount loads the token account at addr.
func (m *Manager) LedgerAccount(addr [20]byte) (*deal.Account, bool, error) {
	var stored storedAccount
	ok, err := m.KVGet(LedgerAccountKey(addr), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	acc, err := stored.toAccount()
	if err != nil {
		return nil, false, err
	}
	return acc, true, nil
}

// PutLedgerAccount stores acc at its address.
func (m *Manager) PutLedgerAccount(acc *deal.Account) error {
	if acc == nil {
		return fmt.Errorf("ledger: nil account")
	}
	return m.KVPut(LedgerAccountKey(acc.Address), newStoredAccount(acc))
}

// DeleteLedgerAccount removes the account at addr.
func (m *Manager) DeleteLedgerAccount(addr [20]byte) error {
	return m.KVDelete(LedgerAccountKey(addr))
}

// NativeBalance returns the native deposit balance of addr.
func (m *Manager) NativeBalance(addr [20]byte) (*uint256.Int, error) {
	stored := new(big.Int)
	ok, err := m.KVGet(LedgerNativeKey(addr), stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return new(uint256.Int), nil
	}
	return fromBig(stored)
}

// SetNativeBalance stores the native deposit balance of addr.
func (m *Manager) SetNativeBalance(addr [20]byte, amount *uint256.Int) error {
	return m.KVPut(LedgerNativeKey(addr), toBig(amount))
}
