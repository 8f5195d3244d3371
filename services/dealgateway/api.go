package dealgateway

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"

	"dealchain/core/types"
	"dealchain/crypto"
	"dealchain/native/deal"
)

// BondRequest describes collateral posted at initialization. Source pins the
// account the bond is drawn from; empty uses the owner's associated account.
type BondRequest struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
	Source string `json:"source,omitempty"`
}

// CheckerRequest names an arbitrator and its fee.
type CheckerRequest struct {
	Identity string `json:"identity"`
	Fee      string `json:"fee"`
}

// AccountsRequest optionally pins the participant accounts.
type AccountsRequest struct {
	ClientDeal   string `json:"clientDeal,omitempty"`
	ClientHolder string `json:"clientHolder,omitempty"`
}

// InitializeRequest is the body of POST /v1/deals.
type InitializeRequest struct {
	ID             string          `json:"id"`
	Client         string          `json:"client"`
	Executor       string          `json:"executor"`
	Payer          string          `json:"payer,omitempty"`
	Asset          string          `json:"asset"`
	Amount         string          `json:"amount"`
	ServiceFee     string          `json:"serviceFee,omitempty"`
	Deadline       *int64          `json:"deadline,omitempty"`
	HolderMode     bool            `json:"holderMode,omitempty"`
	ClientBond     *BondRequest    `json:"clientBond,omitempty"`
	ExecutorBond   *BondRequest    `json:"executorBond,omitempty"`
	Checker        *CheckerRequest `json:"checker,omitempty"`
	AdvancePayment string          `json:"advancePayment,omitempty"`
	Accounts       AccountsRequest `json:"accounts,omitempty"`
}

// PartialPaymentRequest is the body of POST /v1/deals/{address}/partial-payments.
type PartialPaymentRequest struct {
	Caller string `json:"caller,omitempty"`
	Amount string `json:"amount"`
}

// CheckerUpdateRequest is the body of POST /v1/deals/{address}/checker.
type CheckerUpdateRequest struct {
	Identity string `json:"identity"`
	Fee      string `json:"fee"`
}

// CallerRequest is the body of the finish and cancel routes. Caller selects
// which signer acts; empty picks the first signer.
type CallerRequest struct {
	Caller string `json:"caller,omitempty"`
}

// FundRequestBody is the body of POST /v1/admin/mint.
type FundRequestBody struct {
	Owner  string `json:"owner"`
	Native string `json:"native,omitempty"`
	Asset  string `json:"asset,omitempty"`
	Amount string `json:"amount,omitempty"`
}

func (r InitializeRequest) toEngine(signers [][20]byte) (deal.InitializeRequest, error) {
	var out deal.InitializeRequest
	id, err := deal.ParseDealID(r.ID)
	if err != nil {
		return out, err
	}
	out.ID = id
	if out.Client, err = parseIdentityField("client", r.Client); err != nil {
		return out, err
	}
	if out.Executor, err = parseIdentityField("executor", r.Executor); err != nil {
		return out, err
	}
	if strings.TrimSpace(r.Payer) != "" {
		if out.Payer, err = parseIdentityField("payer", r.Payer); err != nil {
			return out, err
		}
	}
	out.Signers = signers
	out.Asset = r.Asset
	if out.Amount, err = parseAmountField("amount", r.Amount, true); err != nil {
		return out, err
	}
	if out.ServiceFee, err = parseAmountField("serviceFee", r.ServiceFee, false); err != nil {
		return out, err
	}
	if out.AdvancePayment, err = parseAmountField("advancePayment", r.AdvancePayment, false); err != nil {
		return out, err
	}
	if r.Deadline != nil {
		deadline := *r.Deadline
		out.Deadline = &deadline
	}
	out.HolderMode = r.HolderMode
	if out.ClientBond, out.Accounts.ClientBond, err = r.ClientBond.toEngine("clientBond"); err != nil {
		return out, err
	}
	if out.ExecutorBond, out.Accounts.ExecutorBond, err = r.ExecutorBond.toEngine("executorBond"); err != nil {
		return out, err
	}
	if r.Checker != nil {
		identity, err := parseIdentityField("checker.identity", r.Checker.Identity)
		if err != nil {
			return out, err
		}
		fee, err := parseAmountField("checker.fee", r.Checker.Fee, false)
		if err != nil {
			return out, err
		}
		out.Checker = &deal.Checker{Identity: identity, Fee: fee}
	}
	if out.Accounts.ClientDeal, err = optionalIdentity("accounts.clientDeal", r.Accounts.ClientDeal); err != nil {
		return out, err
	}
	if out.Accounts.ClientHolder, err = optionalIdentity("accounts.clientHolder", r.Accounts.ClientHolder); err != nil {
		return out, err
	}
	return out, nil
}

func (b *BondRequest) toEngine(field string) (*deal.Bond, *[20]byte, error) {
	if b == nil {
		return nil, nil, nil
	}
	amount, err := parseAmountField(field+".amount", b.Amount, true)
	if err != nil {
		return nil, nil, err
	}
	source, err := optionalIdentity(field+".source", b.Source)
	if err != nil {
		return nil, nil, err
	}
	return &deal.Bond{Asset: b.Asset, Amount: amount}, source, nil
}

func parseIdentityField(field, raw string) ([20]byte, error) {
	id, err := crypto.ParseIdentity(raw)
	if err != nil {
		return [20]byte{}, fmt.Errorf("%s: %w", field, err)
	}
	return id, nil
}

func optionalIdentity(field, raw string) (*[20]byte, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	id, err := parseIdentityField(field, raw)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func parseAmountField(field, raw string, required bool) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		if required {
			return nil, fmt.Errorf("%s: required", field)
		}
		return new(uint256.Int), nil
	}
	v, err := uint256.FromDecimal(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return v, nil
}

// DealView is the JSON rendering of a deal record.
type DealView struct {
	ID            string       `json:"id"`
	Address       string       `json:"address"`
	Client        string       `json:"client"`
	Executor      string       `json:"executor"`
	Payer         string       `json:"payer"`
	Asset         string       `json:"asset"`
	ClientAccount string       `json:"clientAccount"`
	Amount        string       `json:"amount"`
	PaidAmount    string       `json:"paidAmount"`
	AdvancePaid   string       `json:"advancePaid"`
	Held          string       `json:"held"`
	ClientBond    *BondView    `json:"clientBond,omitempty"`
	ExecutorBond  *BondView    `json:"executorBond,omitempty"`
	Checker       *CheckerView `json:"checker,omitempty"`
	HolderStake   *BondView    `json:"holderStake,omitempty"`
	Deadline      *int64       `json:"deadline,omitempty"`
	CreatedAt     int64        `json:"createdAt"`
	Deposit       string       `json:"deposit"`
}

// BondView renders collateral held by the deal.
type BondView struct {
	Asset  string `json:"asset,omitempty"`
	Amount string `json:"amount"`
	Source string `json:"source"`
}

// CheckerView renders the assigned checker.
type CheckerView struct {
	Identity string `json:"identity"`
	Fee      string `json:"fee"`
}

// MovementView renders one transfer.
type MovementView struct {
	Purpose string `json:"purpose"`
	Asset   string `json:"asset"`
	From    string `json:"from,omitempty"`
	To      string `json:"to"`
	Amount  string `json:"amount"`
}

// ReceiptView is the response body of every transition.
type ReceiptView struct {
	RequestID string         `json:"requestId"`
	Deal      *DealView      `json:"deal,omitempty"`
	Movements []MovementView `json:"movements"`
	Closed    []string       `json:"closed,omitempty"`
	Events    []*types.Event `json:"events,omitempty"`
}

// AccountResponse renders a ledger account.
type AccountResponse struct {
	Address string `json:"address"`
	Exists  bool   `json:"exists"`
	Asset   string `json:"asset,omitempty"`
	Owner   string `json:"owner,omitempty"`
	Balance string `json:"balance,omitempty"`
	Deposit string `json:"deposit,omitempty"`
	Native  string `json:"native"`
}

func newDealView(d *deal.Deal) *DealView {
	if d == nil {
		return nil
	}
	view := &DealView{
		ID:            d.ID.String(),
		Address:       crypto.FormatCustody(d.Address),
		Client:        crypto.FormatIdentity(d.Client),
		Executor:      crypto.FormatIdentity(d.Executor),
		Payer:         crypto.FormatIdentity(d.Payer),
		Asset:         d.Asset,
		ClientAccount: crypto.FormatCustody(d.ClientAccount),
		Amount:        decimal(d.Amount),
		PaidAmount:    decimal(d.PaidAmount),
		AdvancePaid:   decimal(d.AdvancePaid),
		CreatedAt:     d.CreatedAt,
		Deposit:       decimal(d.Deposit),
	}
	if held, err := d.Held(); err == nil {
		view.Held = held.Dec()
	}
	if d.ClientBond != nil {
		view.ClientBond = &BondView{Asset: d.ClientBond.Asset, Amount: decimal(d.ClientBond.Amount), Source: crypto.FormatCustody(d.ClientBond.Source)}
	}
	if d.ExecutorBond != nil {
		view.ExecutorBond = &BondView{Asset: d.ExecutorBond.Asset, Amount: decimal(d.ExecutorBond.Amount), Source: crypto.FormatCustody(d.ExecutorBond.Source)}
	}
	if d.Checker != nil {
		view.Checker = &CheckerView{Identity: crypto.FormatIdentity(d.Checker.Identity), Fee: decimal(d.Checker.Fee)}
	}
	if d.HolderMode != nil {
		view.HolderStake = &BondView{Amount: decimal(d.HolderMode.Amount), Source: crypto.FormatCustody(d.HolderMode.Source)}
	}
	if d.Deadline != nil {
		deadline := *d.Deadline
		view.Deadline = &deadline
	}
	return view
}

func newReceiptView(requestID string, outcome *Outcome) ReceiptView {
	view := ReceiptView{RequestID: requestID, Movements: []MovementView{}}
	if outcome == nil {
		return view
	}
	view.Events = outcome.Events
	rcpt := outcome.Receipt
	if rcpt == nil {
		return view
	}
	view.Deal = newDealView(rcpt.Deal)
	for _, m := range rcpt.Movements {
		mv := MovementView{
			Purpose: m.Purpose,
			Asset:   m.Asset,
			To:      crypto.FormatCustody(m.To),
			Amount:  decimal(m.Amount),
		}
		if m.From != ([20]byte{}) {
			mv.From = crypto.FormatCustody(m.From)
		}
		view.Movements = append(view.Movements, mv)
	}
	for _, addr := range rcpt.Closed {
		view.Closed = append(view.Closed, crypto.FormatCustody(addr))
	}
	return view
}

func newAccountResponse(addr [20]byte, view *AccountView) AccountResponse {
	resp := AccountResponse{Address: crypto.FormatCustody(addr), Native: decimal(view.Native)}
	if acc := view.Account; acc != nil {
		resp.Exists = true
		resp.Asset = acc.Asset
		resp.Owner = crypto.FormatIdentity(acc.Owner)
		resp.Balance = decimal(acc.Balance)
		resp.Deposit = decimal(acc.Deposit)
	}
	return resp
}

func decimal(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
