package deal

import (
	"fmt"

	"dealchain/core/types"
)

// Cancel unwinds a deal once its deadline, if any, has passed. Everything
// still in custody returns to the client, bonds and the holder stake to their
// sources, custody deposits to the client and the record deposit to the
// payer. Any party, the checker or the service identity may cancel.
func (e *Engine) Cancel(key Key, caller [20]byte) (*Receipt, error) {
	var rcpt *Receipt
	err := e.atomically(func() (*types.Event, error) {
		record, err := e.load(key)
		if err != nil {
			return nil, err
		}
		allowed := caller == record.Client ||
			caller == record.Executor ||
			caller == e.params.ServiceIdentity ||
			(record.Checker != nil && caller == record.Checker.Identity)
		if !allowed {
			return nil, fmt.Errorf("%w: caller may not cancel", ErrUnauthorized)
		}
		if record.Deadline != nil && !record.DeadlineElapsed(e.now()) {
			return nil, ErrDeadlineNotCome
		}

		rcpt = &Receipt{Deal: record.Clone()}
		principal := e.deriver.CustodyAddress(key, RolePrincipal)
		refund, err := record.Held()
		if err != nil {
			return nil, err
		}
		if err := e.move(rcpt, PurposeRefund, record.Asset, principal, record.ClientAccount, record.Address, refund); err != nil {
			return nil, err
		}
		if err := e.releaseCollateral(rcpt, record, record.Client); err != nil {
			return nil, err
		}
		if err := e.closeAccount(rcpt, principal, record.Client, record.Address); err != nil {
			return nil, err
		}
		if err := e.state.DealDelete(record.Address); err != nil {
			return nil, err
		}
		if err := e.ledger.ReleaseDeposit(record.Payer, record.Deposit); err != nil {
			return nil, err
		}
		return NewCancelledEvent(record, caller), nil
	})
	if err != nil {
		return nil, err
	}
	return rcpt, nil
}
