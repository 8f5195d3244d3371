package deal

import (
	"fmt"

	"github.com/holiman/uint256"

	"dealchain/core/types"
)

// InitializeAccounts optionally pins the participant accounts used by
// Initialize. Unset entries fall back to the owner's associated account.
type InitializeAccounts struct {
	ClientDeal   *[20]byte
	ClientHolder *[20]byte
	ClientBond   *[20]byte
	ExecutorBond *[20]byte
}

// InitializeRequest carries every input of a new deal.
type InitializeRequest struct {
	ID       DealID
	Client   [20]byte
	Executor [20]byte
	// Payer covers storage deposits. Defaults to Client.
	Payer   [20]byte
	Signers [][20]byte

	Asset          string
	Amount         *uint256.Int
	ServiceFee     *uint256.Int
	Deadline       *int64
	HolderMode     bool
	ClientBond     *Bond
	ExecutorBond   *Bond
	Checker        *Checker
	AdvancePayment *uint256.Int

	Accounts InitializeAccounts
}

// Key returns the identity triple the request will create.
func (r InitializeRequest) Key() Key {
	return Key{ID: r.ID, Client: r.Client, Executor: r.Executor}
}

// Initialize creates a deal, moves the principal plus checker fee into
// custody, charges the service fee or stakes the holder waiver, posts bonds
// and releases any advance payment to the executor.
func (e *Engine) Initialize(req InitializeRequest) (*Receipt, error) {
	var rcpt *Receipt
	err := e.atomically(func() (*types.Event, error) {
		var err error
		rcpt, err = e.initialize(req)
		if err != nil {
			return nil, err
		}
		return NewInitializedEvent(rcpt.Deal), nil
	})
	if err != nil {
		return nil, err
	}
	return rcpt, nil
}

func (e *Engine) initialize(req InitializeRequest) (*Receipt, error) {
	asset, err := NormalizeAsset(req.Asset)
	if err != nil {
		return nil, err
	}
	if req.Client == req.Executor {
		return nil, ErrSameParties
	}
	payer := req.Payer
	if payer == ([20]byte{}) {
		payer = req.Client
	}
	if !containsSigner(req.Signers, req.Client) {
		return nil, fmt.Errorf("%w: client", ErrMissingSignature)
	}
	if payer != req.Client && !containsSigner(req.Signers, payer) {
		return nil, fmt.Errorf("%w: payer", ErrMissingSignature)
	}
	if req.ExecutorBond != nil && !containsSigner(req.Signers, req.Executor) {
		return nil, fmt.Errorf("%w: executor must sign to post a bond", ErrMissingSignature)
	}

	amount := cloneAmount(req.Amount)
	if amount.IsZero() {
		return nil, ErrAmountTooLow
	}
	now := e.now()
	if req.Deadline != nil && now >= *req.Deadline {
		return nil, ErrDeadlineExpired
	}

	var checker *Checker
	if req.Checker != nil {
		if req.Checker.Identity == ([20]byte{}) {
			return nil, fmt.Errorf("%w: empty identity", ErrInvalidChecker)
		}
		if req.Checker.Identity == req.Client || req.Checker.Identity == req.Executor {
			return nil, fmt.Errorf("%w: checker must not be a party", ErrInvalidChecker)
		}
		checker = &Checker{Identity: req.Checker.Identity, Fee: cloneAmount(req.Checker.Fee)}
	}
	checkerFee := new(uint256.Int)
	if checker != nil {
		checkerFee = checker.Fee.Clone()
	}

	serviceFee := cloneAmount(req.ServiceFee)
	if !req.HolderMode && serviceFee.IsZero() {
		return nil, ErrFeeIsTooLow
	}

	advance := cloneAmount(req.AdvancePayment)
	if !advance.IsZero() {
		ceiling, underflow := new(uint256.Int).SubOverflow(amount, checkerFee)
		if underflow || !advance.Lt(ceiling) {
			return nil, ErrAdvancePaymentExceeded
		}
	}

	deposit, err := addAmounts(amount, checkerFee)
	if err != nil {
		return nil, err
	}

	clientBond, err := normalizeBond(req.ClientBond)
	if err != nil {
		return nil, err
	}
	executorBond, err := normalizeBond(req.ExecutorBond)
	if err != nil {
		return nil, err
	}

	key := req.Key()
	recordAddr := e.deriver.RecordAddress(key)
	if _, exists, err := e.state.DealGet(recordAddr); err != nil {
		return nil, err
	} else if exists {
		return nil, ErrDealExists
	}

	var holder *HolderMode
	if req.HolderMode {
		holder, err = e.checkHolderEligibility(asset, req.Client, req.Accounts.ClientHolder)
		if err != nil {
			return nil, err
		}
	}

	clientDeal := e.resolveAccount(req.Accounts.ClientDeal, asset, req.Client)
	if _, err := e.existingAccount(clientDeal, asset, req.Client); err != nil {
		return nil, err
	}

	record := &Deal{
		ID:            req.ID,
		Address:       recordAddr,
		Client:        req.Client,
		Executor:      req.Executor,
		Payer:         payer,
		Asset:         asset,
		ClientAccount: clientDeal,
		Amount:        amount,
		PaidAmount:    advance.Clone(),
		AdvancePaid:   advance.Clone(),
		Checker:       checker,
		HolderMode:    holder,
		CreatedAt:     now,
		Deposit:       cloneAmount(e.params.RecordDeposit),
	}
	if req.Deadline != nil {
		deadline := *req.Deadline
		record.Deadline = &deadline
	}

	rcpt := &Receipt{}
	if err := e.ledger.LockDeposit(payer, record.Deposit); err != nil {
		return nil, err
	}

	principal := e.deriver.CustodyAddress(key, RolePrincipal)
	if _, err := e.openAccount(principal, asset, recordAddr, payer); err != nil {
		return nil, err
	}
	if err := e.move(rcpt, PurposeDeposit, asset, clientDeal, principal, req.Client, deposit); err != nil {
		return nil, err
	}

	if holder != nil {
		custody := e.deriver.CustodyAddress(key, RoleHolder)
		if _, err := e.openAccount(custody, e.params.HolderAsset, recordAddr, payer); err != nil {
			return nil, err
		}
		if err := e.move(rcpt, PurposeHolderStake, e.params.HolderAsset, holder.Source, custody, req.Client, holder.Amount); err != nil {
			return nil, err
		}
	} else {
		feeAccount := e.deriver.AssociatedAddress(asset, e.params.FeeRecipient)
		if _, err := e.openAccount(feeAccount, asset, e.params.FeeRecipient, payer); err != nil {
			return nil, err
		}
		if err := e.move(rcpt, PurposeServiceFee, asset, clientDeal, feeAccount, req.Client, serviceFee); err != nil {
			return nil, err
		}
	}

	if clientBond != nil {
		clientBond.Source = e.resolveAccount(req.Accounts.ClientBond, clientBond.Asset, req.Client)
		if err := e.postBond(rcpt, key, RoleClientBond, clientBond, req.Client, payer); err != nil {
			return nil, err
		}
		record.ClientBond = clientBond
	}
	if executorBond != nil {
		executorBond.Source = e.resolveAccount(req.Accounts.ExecutorBond, executorBond.Asset, req.Executor)
		if err := e.postBond(rcpt, key, RoleExecutorBond, executorBond, req.Executor, payer); err != nil {
			return nil, err
		}
		record.ExecutorBond = executorBond
	}

	if !advance.IsZero() {
		executorDeal := e.deriver.AssociatedAddress(asset, req.Executor)
		if _, err := e.openAccount(executorDeal, asset, req.Executor, payer); err != nil {
			return nil, err
		}
		if err := e.move(rcpt, PurposeAdvance, asset, principal, executorDeal, recordAddr, advance); err != nil {
			return nil, err
		}
	}

	if err := e.state.DealPut(record); err != nil {
		return nil, err
	}
	rcpt.Deal = record.Clone()
	return rcpt, nil
}

// checkHolderEligibility verifies holder mode is offered for the deal asset
// and that the client's holder account meets the threshold.
func (e *Engine) checkHolderEligibility(asset string, client [20]byte, override *[20]byte) (*HolderMode, error) {
	if asset != e.params.FeeEligibleAsset {
		return nil, fmt.Errorf("%w: asset %s is not eligible", ErrHolderModeUnavailable, asset)
	}
	source := e.resolveAccount(override, e.params.HolderAsset, client)
	acc, ok, err := e.ledger.Account(source)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: no holder account", ErrHolderModeUnavailable)
	}
	if err := validateAccount(acc, e.params.HolderAsset, client); err != nil {
		return nil, err
	}
	if acc.Balance == nil || acc.Balance.Lt(e.params.HolderThreshold) {
		return nil, fmt.Errorf("%w: holder balance below threshold", ErrHolderModeUnavailable)
	}
	return &HolderMode{Amount: cloneAmount(e.params.HolderWaiverAmount), Source: source}, nil
}

func (e *Engine) postBond(rcpt *Receipt, key Key, role string, bond *Bond, owner, payer [20]byte) error {
	if _, err := e.existingAccount(bond.Source, bond.Asset, owner); err != nil {
		return err
	}
	recordAddr := e.deriver.RecordAddress(key)
	custody := e.deriver.CustodyAddress(key, role)
	if _, err := e.openAccount(custody, bond.Asset, recordAddr, payer); err != nil {
		return err
	}
	return e.move(rcpt, PurposeBond, bond.Asset, bond.Source, custody, owner, bond.Amount)
}

func normalizeBond(in *Bond) (*Bond, error) {
	if in == nil {
		return nil, nil
	}
	asset, err := NormalizeAsset(in.Asset)
	if err != nil {
		return nil, fmt.Errorf("bond: %w", err)
	}
	return &Bond{Asset: asset, Amount: cloneAmount(in.Amount)}, nil
}
