package deal

import "github.com/holiman/uint256"

// Account is a balance of one asset held at an address on behalf of Owner.
// Deposit is the storage deposit paid when the account was opened; it is
// released to the destination when the account closes.
type Account struct {
	Address [20]byte
	Asset   string
	Owner   [20]byte
	Balance *uint256.Int
	Deposit *uint256.Int
}

// Ledger is the token ledger the engine moves value through. Every error it
// returns is surfaced to the caller unchanged and aborts the operation.
type Ledger interface {
	// Account loads the account at addr.
	Account(addr [20]byte) (*Account, bool, error)
	// EnsureAccount returns the account at addr, opening it for asset and
	// owner with payer covering the storage deposit when it does not exist.
	// An existing account is returned as-is even if its asset or owner
	// differ.
	EnsureAccount(addr [20]byte, asset string, owner, payer [20]byte) (*Account, error)
	// Transfer moves amount of asset between accounts. authority must be the
	// owner of from.
	Transfer(asset string, from, to, authority [20]byte, amount *uint256.Int) error
	// CloseAccount removes an empty account and releases its storage deposit
	// to destination. authority must be the owner.
	CloseAccount(account, destination, authority [20]byte) error
	// LockDeposit takes amount of storage deposit from payer.
	LockDeposit(payer [20]byte, amount *uint256.Int) error
	// ReleaseDeposit returns amount of storage deposit to destination.
	ReleaseDeposit(destination [20]byte, amount *uint256.Int) error
}
