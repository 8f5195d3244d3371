package deal

import (
	"fmt"

	"github.com/holiman/uint256"
)

// validateAccount checks the asset and owner relations of a participant or
// custody account.
func validateAccount(acc *Account, asset string, owner [20]byte) error {
	if acc == nil {
		return fmt.Errorf("%w: account missing", ErrInvalidOwner)
	}
	if acc.Asset != asset {
		return fmt.Errorf("%w: account %x holds %s, expected %s", ErrInvalidMint, acc.Address, acc.Asset, asset)
	}
	if acc.Owner != owner {
		return fmt.Errorf("%w: account %x owned by %x, expected %x", ErrInvalidOwner, acc.Address, acc.Owner, owner)
	}
	return nil
}

// resolveAccount picks the explicitly supplied account address, falling back
// to the owner's associated account for asset.
func (e *Engine) resolveAccount(override *[20]byte, asset string, owner [20]byte) [20]byte {
	if override != nil && *override != ([20]byte{}) {
		return *override
	}
	return e.deriver.AssociatedAddress(asset, owner)
}

// openAccount ensures the account exists and carries the expected relations.
func (e *Engine) openAccount(addr [20]byte, asset string, owner, payer [20]byte) (*Account, error) {
	acc, err := e.ledger.EnsureAccount(addr, asset, owner, payer)
	if err != nil {
		return nil, err
	}
	if err := validateAccount(acc, asset, owner); err != nil {
		return nil, err
	}
	return acc, nil
}

// existingAccount loads an account that must already exist with the given
// relations.
func (e *Engine) existingAccount(addr [20]byte, asset string, owner [20]byte) (*Account, error) {
	acc, ok, err := e.ledger.Account(addr)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: account %x does not exist", ErrInvalidOwner, addr)
	}
	if err := validateAccount(acc, asset, owner); err != nil {
		return nil, err
	}
	return acc, nil
}

// Movement is one transfer performed by a transition.
type Movement struct {
	Purpose string
	Asset   string
	From    [20]byte
	To      [20]byte
	Amount  *uint256.Int
}

// Movement purposes.
const (
	PurposeDeposit      = "deposit"
	PurposeServiceFee   = "service_fee"
	PurposeHolderStake  = "holder_stake"
	PurposeBond         = "bond"
	PurposeAdvance      = "advance"
	PurposePartial      = "partial_payment"
	PurposeCheckerFund  = "checker_fund"
	PurposePayout       = "payout"
	PurposeCheckerFee   = "checker_fee"
	PurposeBondReturn   = "bond_return"
	PurposeHolderReturn = "holder_return"
	PurposeRefund       = "refund"
)

// Receipt summarises a successful transition. For terminal transitions Deal
// is the record as it was before deletion.
type Receipt struct {
	Deal      *Deal
	Movements []Movement
	Closed    [][20]byte
}

// Total returns the sum moved for purpose in asset.
func (r *Receipt) Total(purpose, asset string) *uint256.Int {
	total := new(uint256.Int)
	if r == nil {
		return total
	}
	for _, m := range r.Movements {
		if m.Purpose == purpose && m.Asset == asset {
			total.Add(total, m.Amount)
		}
	}
	return total
}

// move transfers amount and records it in the receipt. Zero amounts are
// skipped.
func (e *Engine) move(rcpt *Receipt, purpose, asset string, from, to, authority [20]byte, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	if err := e.ledger.Transfer(asset, from, to, authority, amount); err != nil {
		return err
	}
	rcpt.Movements = append(rcpt.Movements, Movement{
		Purpose: purpose,
		Asset:   asset,
		From:    from,
		To:      to,
		Amount:  amount.Clone(),
	})
	return nil
}

func (e *Engine) closeAccount(rcpt *Receipt, account, destination, authority [20]byte) error {
	if err := e.ledger.CloseAccount(account, destination, authority); err != nil {
		return err
	}
	rcpt.Closed = append(rcpt.Closed, account)
	return nil
}
