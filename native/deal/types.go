package deal

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// DealID is the caller-supplied 16-byte deal identifier. Together with the
// client and executor identities it fixes the record address.
type DealID [16]byte

// ParseDealID decodes a 32 character hex identifier (with or without 0x).
func ParseDealID(value string) (DealID, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return DealID{}, fmt.Errorf("deal: invalid id: %w", err)
	}
	if len(raw) != len(DealID{}) {
		return DealID{}, fmt.Errorf("deal: id must be %d bytes, got %d", len(DealID{}), len(raw))
	}
	var id DealID
	copy(id[:], raw)
	return id, nil
}

func (id DealID) String() string { return hex.EncodeToString(id[:]) }

// Key identifies a deal record: the same triple always derives the same
// record address.
type Key struct {
	ID       DealID
	Client   [20]byte
	Executor [20]byte
}

// Bond is collateral posted by one party and held until Finish or Cancel.
// Source is the account the bond was drawn from and is returned to.
type Bond struct {
	Asset  string
	Amount *uint256.Int
	Source [20]byte
}

// Checker is the arbitrator entitled to finish the deal and its fee. A nil
// *Checker means no arbitrator; a zero Fee is a valid, unpaid arbitrator.
type Checker struct {
	Identity [20]byte
	Fee      *uint256.Int
}

// HolderMode records the holder-asset stake that replaced the flat service
// fee. The stake is returned to Source when the deal closes.
type HolderMode struct {
	Amount *uint256.Int
	Source [20]byte
}

// Deal is the persistent record of one escrow agreement. Optional
// sub-ledgers are nil when absent.
type Deal struct {
	ID       DealID
	Address  [20]byte
	Client   [20]byte
	Executor [20]byte
	Payer    [20]byte

	Asset         string
	ClientAccount [20]byte
	Amount        *uint256.Int
	// PaidAmount counts every unit already delivered to the executor, both
	// the advance released from custody and direct partial payments.
	PaidAmount *uint256.Int
	// AdvancePaid is the part of PaidAmount that left principal custody.
	AdvancePaid *uint256.Int

	ClientBond   *Bond
	ExecutorBond *Bond
	Checker      *Checker
	HolderMode   *HolderMode

	Deadline  *int64
	CreatedAt int64
	// Deposit is the storage deposit locked from Payer for the record itself.
	Deposit *uint256.Int
}

// Key returns the identity triple of the record.
func (d *Deal) Key() Key {
	return Key{ID: d.ID, Client: d.Client, Executor: d.Executor}
}

// CheckerFee returns the checker fee, or zero when no checker is assigned.
func (d *Deal) CheckerFee() *uint256.Int {
	if d == nil || d.Checker == nil || d.Checker.Fee == nil {
		return new(uint256.Int)
	}
	return d.Checker.Fee.Clone()
}

// DeadlineElapsed reports whether a deadline is set and has passed at now.
func (d *Deal) DeadlineElapsed(now int64) bool {
	return d.Deadline != nil && now >= *d.Deadline
}

// Held returns what principal custody must contain:
// Amount + CheckerFee - AdvancePaid.
func (d *Deal) Held() (*uint256.Int, error) {
	total, err := addAmounts(d.Amount, d.CheckerFee())
	if err != nil {
		return nil, err
	}
	return subAmounts(total, d.AdvancePaid)
}

// Outstanding returns Amount - PaidAmount, the principal still owed to the
// executor.
func (d *Deal) Outstanding() (*uint256.Int, error) {
	return subAmounts(d.Amount, d.PaidAmount)
}

// Clone returns a deep copy of the record so callers can safely mutate the
// copy without affecting the stored instance.
func (d *Deal) Clone() *Deal {
	if d == nil {
		return nil
	}
	clone := *d
	clone.Amount = cloneAmount(d.Amount)
	clone.PaidAmount = cloneAmount(d.PaidAmount)
	clone.AdvancePaid = cloneAmount(d.AdvancePaid)
	clone.Deposit = cloneAmount(d.Deposit)
	if d.ClientBond != nil {
		bond := *d.ClientBond
		bond.Amount = cloneAmount(d.ClientBond.Amount)
		clone.ClientBond = &bond
	}
	if d.ExecutorBond != nil {
		bond := *d.ExecutorBond
		bond.Amount = cloneAmount(d.ExecutorBond.Amount)
		clone.ExecutorBond = &bond
	}
	if d.Checker != nil {
		checker := *d.Checker
		checker.Fee = cloneAmount(d.Checker.Fee)
		clone.Checker = &checker
	}
	if d.HolderMode != nil {
		holder := *d.HolderMode
		holder.Amount = cloneAmount(d.HolderMode.Amount)
		clone.HolderMode = &holder
	}
	if d.Deadline != nil {
		deadline := *d.Deadline
		clone.Deadline = &deadline
	}
	return &clone
}

// NormalizeAsset returns the canonical upper-case form of an asset symbol.
// Symbols are 1-16 characters of A-Z, 0-9, '-' or '_'.
func NormalizeAsset(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	if trimmed == "" || len(trimmed) > 16 {
		return "", fmt.Errorf("%w: %q", ErrInvalidAsset, symbol)
	}
	for _, r := range trimmed {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return "", fmt.Errorf("%w: %q", ErrInvalidAsset, symbol)
		}
	}
	return trimmed, nil
}

// SanitizeDeal validates the record invariants and returns a normalised
// clone. The input is not mutated.
func SanitizeDeal(d *Deal) (*Deal, error) {
	if d == nil {
		return nil, fmt.Errorf("%w: nil record", ErrInvalidRecord)
	}
	clone := d.Clone()
	asset, err := NormalizeAsset(clone.Asset)
	if err != nil {
		return nil, err
	}
	clone.Asset = asset
	if clone.Client == clone.Executor {
		return nil, ErrSameParties
	}
	for _, field := range []**uint256.Int{&clone.Amount, &clone.PaidAmount, &clone.AdvancePaid, &clone.Deposit} {
		if *field == nil {
			*field = new(uint256.Int)
		}
	}
	if clone.Amount.IsZero() {
		return nil, ErrAmountTooLow
	}
	if clone.PaidAmount.Gt(clone.Amount) {
		return nil, fmt.Errorf("%w: paid %s exceeds amount %s", ErrInvalidRecord, clone.PaidAmount.Dec(), clone.Amount.Dec())
	}
	if clone.AdvancePaid.Gt(clone.PaidAmount) {
		return nil, fmt.Errorf("%w: advance %s exceeds paid %s", ErrInvalidRecord, clone.AdvancePaid.Dec(), clone.PaidAmount.Dec())
	}
	for _, bond := range []*Bond{clone.ClientBond, clone.ExecutorBond} {
		if bond == nil {
			continue
		}
		if bond.Asset, err = NormalizeAsset(bond.Asset); err != nil {
			return nil, err
		}
		if bond.Amount == nil {
			bond.Amount = new(uint256.Int)
		}
	}
	if clone.Checker != nil && clone.Checker.Fee == nil {
		clone.Checker.Fee = new(uint256.Int)
	}
	if clone.HolderMode != nil && clone.HolderMode.Amount == nil {
		clone.HolderMode.Amount = new(uint256.Int)
	}
	return clone, nil
}

func cloneAmount(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v.Clone()
}

func amountOrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}

func addAmounts(a, b *uint256.Int) (*uint256.Int, error) {
	sum, overflow := new(uint256.Int).AddOverflow(amountOrZero(a), amountOrZero(b))
	if overflow {
		return nil, ErrAmountOverflow
	}
	return sum, nil
}

func subAmounts(a, b *uint256.Int) (*uint256.Int, error) {
	diff, underflow := new(uint256.Int).SubOverflow(amountOrZero(a), amountOrZero(b))
	if underflow {
		return nil, fmt.Errorf("%w: %s - %s underflows", ErrAmountOverflow, amountOrZero(a).Dec(), amountOrZero(b).Dec())
	}
	return diff, nil
}
