package deal

import (
	"fmt"

	"dealchain/core/types"
)

// Finish settles a deal in the executor's favour. The executor may finish at
// any time; the checker only once the deadline, if any, has passed. The
// outstanding principal goes to the executor, the checker fee to the
// checker, bonds and the holder stake back to their sources, custody
// deposits to the fee recipient and the record deposit to the payer.
func (e *Engine) Finish(key Key, caller [20]byte) (*Receipt, error) {
	var rcpt *Receipt
	err := e.atomically(func() (*types.Event, error) {
		record, err := e.load(key)
		if err != nil {
			return nil, err
		}
		isExecutor := caller == record.Executor
		isChecker := record.Checker != nil && caller == record.Checker.Identity
		if !isExecutor && !isChecker {
			return nil, fmt.Errorf("%w: only the executor or checker may finish", ErrUnauthorized)
		}
		if !isExecutor && record.Deadline != nil && !record.DeadlineElapsed(e.now()) {
			return nil, ErrDeadlineNotCome
		}

		rcpt = &Receipt{Deal: record.Clone()}
		principal := e.deriver.CustodyAddress(key, RolePrincipal)
		held, err := record.Held()
		if err != nil {
			return nil, err
		}
		payout, err := record.Outstanding()
		if err != nil {
			return nil, err
		}
		if !payout.IsZero() {
			executorDeal := e.deriver.AssociatedAddress(record.Asset, record.Executor)
			if _, err := e.openAccount(executorDeal, record.Asset, record.Executor, caller); err != nil {
				return nil, err
			}
			if err := e.move(rcpt, PurposePayout, record.Asset, principal, executorDeal, record.Address, payout); err != nil {
				return nil, err
			}
		}
		fee := record.CheckerFee()
		if !fee.IsZero() {
			checkerDeal := e.deriver.AssociatedAddress(record.Asset, record.Checker.Identity)
			if _, err := e.openAccount(checkerDeal, record.Asset, record.Checker.Identity, caller); err != nil {
				return nil, err
			}
			if err := e.move(rcpt, PurposeCheckerFee, record.Asset, principal, checkerDeal, record.Address, fee); err != nil {
				return nil, err
			}
		}

		// Direct partial payments never entered custody, so the principal
		// collected for them is returned to the client.
		spent, err := addAmounts(payout, fee)
		if err != nil {
			return nil, err
		}
		residual, err := subAmounts(held, spent)
		if err != nil {
			return nil, err
		}
		if err := e.move(rcpt, PurposeRefund, record.Asset, principal, record.ClientAccount, record.Address, residual); err != nil {
			return nil, err
		}

		if err := e.releaseCollateral(rcpt, record, e.params.FeeRecipient); err != nil {
			return nil, err
		}
		if err := e.closeAccount(rcpt, principal, e.params.FeeRecipient, record.Address); err != nil {
			return nil, err
		}
		if err := e.state.DealDelete(record.Address); err != nil {
			return nil, err
		}
		if err := e.ledger.ReleaseDeposit(record.Payer, record.Deposit); err != nil {
			return nil, err
		}
		return NewFinishedEvent(record, caller), nil
	})
	if err != nil {
		return nil, err
	}
	return rcpt, nil
}

// releaseCollateral returns both bonds and the holder stake to their source
// accounts and closes their custody accounts, sending the custody deposits to
// depositDest.
func (e *Engine) releaseCollateral(rcpt *Receipt, record *Deal, depositDest [20]byte) error {
	key := record.Key()
	bonds := []struct {
		role  string
		bond  *Bond
		owner [20]byte
	}{
		{RoleClientBond, record.ClientBond, record.Client},
		{RoleExecutorBond, record.ExecutorBond, record.Executor},
	}
	for _, b := range bonds {
		if b.bond == nil {
			continue
		}
		custody := e.deriver.CustodyAddress(key, b.role)
		if err := e.move(rcpt, PurposeBondReturn, b.bond.Asset, custody, b.bond.Source, record.Address, b.bond.Amount); err != nil {
			return err
		}
		if err := e.closeAccount(rcpt, custody, depositDest, record.Address); err != nil {
			return err
		}
	}
	if record.HolderMode != nil {
		custody := e.deriver.CustodyAddress(key, RoleHolder)
		if err := e.move(rcpt, PurposeHolderReturn, e.params.HolderAsset, custody, record.HolderMode.Source, record.Address, record.HolderMode.Amount); err != nil {
			return err
		}
		if err := e.closeAccount(rcpt, custody, depositDest, record.Address); err != nil {
			return err
		}
	}
	return nil
}
