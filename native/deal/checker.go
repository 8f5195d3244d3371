package deal

import (
	"fmt"

	"github.com/holiman/uint256"

	"dealchain/core/types"
)

// UpdateCheckerRequest assigns an arbitrator to a deal.
type UpdateCheckerRequest struct {
	Signers  [][20]byte
	Identity [20]byte
	Fee      *uint256.Int
}

// UpdateChecker attaches a checker to a deal. Without the service identity
// among the signers both parties must sign and no checker may be assigned
// yet. The principal custody is topped up from, or refunded to, the client
// so it always holds the current checker fee.
func (e *Engine) UpdateChecker(key Key, req UpdateCheckerRequest) (*Receipt, error) {
	var rcpt *Receipt
	err := e.atomically(func() (*types.Event, error) {
		record, err := e.load(key)
		if err != nil {
			return nil, err
		}
		privileged := containsSigner(req.Signers, e.params.ServiceIdentity)
		if !privileged {
			if !containsSigner(req.Signers, record.Client) || !containsSigner(req.Signers, record.Executor) {
				return nil, fmt.Errorf("%w: client and executor must both sign", ErrMissingSignature)
			}
			if record.Checker != nil {
				return nil, ErrDealStateWithChecker
			}
		}
		if req.Identity == ([20]byte{}) {
			return nil, fmt.Errorf("%w: empty identity", ErrInvalidChecker)
		}
		if req.Identity == record.Client || req.Identity == record.Executor {
			return nil, fmt.Errorf("%w: checker must not be a party", ErrInvalidChecker)
		}

		oldFee := record.CheckerFee()
		newFee := cloneAmount(req.Fee)
		principal := e.deriver.CustodyAddress(key, RolePrincipal)
		rcpt = &Receipt{}
		switch newFee.Cmp(oldFee) {
		case 1:
			if !containsSigner(req.Signers, record.Client) {
				return nil, fmt.Errorf("%w: client must sign to fund a higher checker fee", ErrMissingSignature)
			}
			if _, err := addAmounts(record.Amount, newFee); err != nil {
				return nil, err
			}
			delta := new(uint256.Int).Sub(newFee, oldFee)
			if _, err := e.existingAccount(record.ClientAccount, record.Asset, record.Client); err != nil {
				return nil, err
			}
			if err := e.move(rcpt, PurposeCheckerFund, record.Asset, record.ClientAccount, principal, record.Client, delta); err != nil {
				return nil, err
			}
		case -1:
			delta := new(uint256.Int).Sub(oldFee, newFee)
			if err := e.move(rcpt, PurposeRefund, record.Asset, principal, record.ClientAccount, record.Address, delta); err != nil {
				return nil, err
			}
		}
		record.Checker = &Checker{Identity: req.Identity, Fee: newFee}
		if err := e.state.DealPut(record); err != nil {
			return nil, err
		}
		rcpt.Deal = record.Clone()
		return NewCheckerUpdatedEvent(record), nil
	})
	if err != nil {
		return nil, err
	}
	return rcpt, nil
}
