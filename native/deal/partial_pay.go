package deal

import (
	"fmt"

	"github.com/holiman/uint256"

	"dealchain/core/types"
)

// PartiallyPay transfers amount directly from the client's deal account to
// the executor and records it against the deal. Custody is untouched.
func (e *Engine) PartiallyPay(key Key, caller [20]byte, amount *uint256.Int) (*Receipt, error) {
	var rcpt *Receipt
	err := e.atomically(func() (*types.Event, error) {
		record, err := e.load(key)
		if err != nil {
			return nil, err
		}
		if caller != record.Client {
			return nil, fmt.Errorf("%w: only the client may pay", ErrUnauthorized)
		}
		amt := cloneAmount(amount)
		paid, err := addAmounts(record.PaidAmount, amt)
		if err != nil {
			return nil, err
		}
		if paid.Gt(record.Amount) {
			return nil, fmt.Errorf("%w: paid %s of %s, adding %s", ErrPaymentExceedsAmount, record.PaidAmount.Dec(), record.Amount.Dec(), amt.Dec())
		}
		if _, err := e.existingAccount(record.ClientAccount, record.Asset, record.Client); err != nil {
			return nil, err
		}
		executorDeal := e.deriver.AssociatedAddress(record.Asset, record.Executor)
		if _, err := e.openAccount(executorDeal, record.Asset, record.Executor, caller); err != nil {
			return nil, err
		}
		rcpt = &Receipt{}
		if err := e.move(rcpt, PurposePartial, record.Asset, record.ClientAccount, executorDeal, caller, amt); err != nil {
			return nil, err
		}
		record.PaidAmount = paid
		if err := e.state.DealPut(record); err != nil {
			return nil, err
		}
		rcpt.Deal = record.Clone()
		return NewPartiallyPaidEvent(record, amt), nil
	})
	if err != nil {
		return nil, err
	}
	return rcpt, nil
}
