package state

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	"dealchain/native/deal"
)

type storedBond struct {
	Asset  string
	Amount *big.Int
	Source [20]byte
}

type storedDeal struct {
	ID            [16]byte
	Address       [20]byte
	Client        [20]byte
	Executor      [20]byte
	Payer         [20]byte
	Asset         string
	ClientAccount [20]byte
	Amount        *big.Int
	PaidAmount    *big.Int
	AdvancePaid   *big.Int

	HasClientBond   bool
	ClientBond      storedBond
	HasExecutorBond bool
	ExecutorBond    storedBond
	HasChecker      bool
	Checker         [20]byte
	CheckerFee      *big.Int
	HasHolderMode   bool
	HolderAmount    *big.Int
	HolderSource    [20]byte

	HasDeadline bool
	Deadline    uint64
	CreatedAt   uint64
	Deposit     *big.Int
}

func toBig(v *uint256.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v.ToBig()
}

func fromBig(v *big.Int) (*uint256.Int, error) {
	if v == nil {
		return new(uint256.Int), nil
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		return nil, fmt.Errorf("state: stored amount %s overflows 256 bits", v)
	}
	return out, nil
}

func unixToStored(v int64) (uint64, error) {
	if v < 0 {
		return 0, fmt.Errorf("state: negative timestamp %d", v)
	}
	return uint64(v), nil
}

func newStoredBond(b *deal.Bond) storedBond {
	return storedBond{Asset: b.Asset, Amount: toBig(b.Amount), Source: b.Source}
}

func (s storedBond) toBond() (*deal.Bond, error) {
	amount, err := fromBig(s.Amount)
	if err != nil {
		return nil, err
	}
	return &deal.Bond{Asset: s.Asset, Amount: amount, Source: s.Source}, nil
}

func newStoredDeal(d *deal.Deal) (*storedDeal, error) {
	createdAt, err := unixToStored(d.CreatedAt)
	if err != nil {
		return nil, err
	}
	out := &storedDeal{
		ID:            d.ID,
		Address:       d.Address,
		Client:        d.Client,
		Executor:      d.Executor,
		Payer:         d.Payer,
		Asset:         d.Asset,
		ClientAccount: d.ClientAccount,
		Amount:        toBig(d.Amount),
		PaidAmount:    toBig(d.PaidAmount),
		AdvancePaid:   toBig(d.AdvancePaid),
		CheckerFee:    big.NewInt(0),
		HolderAmount:  big.NewInt(0),
		ClientBond:    storedBond{Amount: big.NewInt(0)},
		ExecutorBond:  storedBond{Amount: big.NewInt(0)},
		CreatedAt:     createdAt,
		Deposit:       toBig(d.Deposit),
	}
	if d.ClientBond != nil {
		out.HasClientBond = true
		out.ClientBond = newStoredBond(d.ClientBond)
	}
	if d.ExecutorBond != nil {
		out.HasExecutorBond = true
		out.ExecutorBond = newStoredBond(d.ExecutorBond)
	}
	if d.Checker != nil {
		out.HasChecker = true
		out.Checker = d.Checker.Identity
		out.CheckerFee = toBig(d.Checker.Fee)
	}
	if d.HolderMode != nil {
		out.HasHolderMode = true
		out.HolderAmount = toBig(d.HolderMode.Amount)
		out.HolderSource = d.HolderMode.Source
	}
	if d.Deadline != nil {
		if out.Deadline, err = unixToStored(*d.Deadline); err != nil {
			return nil, err
		}
		out.HasDeadline = true
	}
	return out, nil
}

func (s *storedDeal) toDeal() (*deal.Deal, error) {
	if s == nil {
		return nil, fmt.Errorf("deal: nil storage record")
	}
	out := &deal.Deal{
		ID:            s.ID,
		Address:       s.Address,
		Client:        s.Client,
		Executor:      s.Executor,
		Payer:         s.Payer,
		Asset:         s.Asset,
		ClientAccount: s.ClientAccount,
		CreatedAt:     int64(s.CreatedAt),
	}
	var err error
	for _, pair := range []struct {
		dst **uint256.Int
		src *big.Int
	}{
		{&out.Amount, s.Amount},
		{&out.PaidAmount, s.PaidAmount},
		{&out.AdvancePaid, s.AdvancePaid},
		{&out.Deposit, s.Deposit},
	} {
		if *pair.dst, err = fromBig(pair.src); err != nil {
			return nil, err
		}
	}
	if s.HasClientBond {
		if out.ClientBond, err = s.ClientBond.toBond(); err != nil {
			return nil, err
		}
	}
	if s.HasExecutorBond {
		if out.ExecutorBond, err = s.ExecutorBond.toBond(); err != nil {
			return nil, err
		}
	}
	if s.HasChecker {
		fee, err := fromBig(s.CheckerFee)
		if err != nil {
			return nil, err
		}
		out.Checker = &deal.Checker{Identity: s.Checker, Fee: fee}
	}
	if s.HasHolderMode {
		amount, err := fromBig(s.HolderAmount)
		if err != nil {
			return nil, err
		}
		out.HolderMode = &deal.HolderMode{Amount: amount, Source: s.HolderSource}
	}
	if s.HasDeadline {
		deadline := int64(s.Deadline)
		out.Deadline = &deadline
	}
	return deal.SanitizeDeal(out)
}

// DealPut persists the record at its address and indexes it under both
// parties.
func (m *Manager) DealPut(d *deal.Deal) error {
	sanitized, err := deal.SanitizeDeal(d)
	if err != nil {
		return err
	}
	record, err := newStoredDeal(sanitized)
	if err != nil {
		return err
	}
	if err := m.KVPut(DealRecordKey(sanitized.Address), record); err != nil {
		return err
	}
	for _, party := range [][20]byte{sanitized.Client, sanitized.Executor} {
		if err := m.KVAppend(DealPartyKey(party), sanitized.Address[:]); err != nil {
			return err
		}
	}
	return nil
}

// DealGet loads the record stored at addr.
func (m *Manager) DealGet(addr [20]byte) (*deal.Deal, bool, error) {
	var record storedDeal
	ok, err := m.KVGet(DealRecordKey(addr), &record)
	if err != nil || !ok {
		return nil, false, err
	}
	d, err := record.toDeal()
	if err != nil {
		return nil, false, err
	}
	return d, true, nil
}

// DealDelete removes the record at addr and its party index entries.
func (m *Manager) DealDelete(addr [20]byte) error {
	d, ok, err := m.DealGet(addr)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	for _, party := range [][20]byte{d.Client, d.Executor} {
		if err := m.KVRemove(DealPartyKey(party), addr[:]); err != nil {
			return err
		}
	}
	return m.KVDelete(DealRecordKey(addr))
}

// DealsByParty returns the open deals party is client or executor of.
func (m *Manager) DealsByParty(party [20]byte) ([]*deal.Deal, error) {
	var index [][]byte
	if err := m.KVGetList(DealPartyKey(party), &index); err != nil {
		return nil, err
	}
	out := make([]*deal.Deal, 0, len(index))
	for _, raw := range index {
		var addr [20]byte
		copy(addr[:], raw)
		d, ok, err := m.DealGet(addr)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, d)
		}
	}
	return out, nil
}
