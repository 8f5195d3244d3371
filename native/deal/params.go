package deal

import (
	"fmt"

	"github.com/holiman/uint256"
)

// Params holds the deployment constants the engine consults. The value is
// copied into the engine at construction and never mutated afterwards.
type Params struct {
	// ServiceIdentity may assign a checker without the parties and may
	// cancel any deal.
	ServiceIdentity [20]byte
	// FeeRecipient receives flat service fees and the storage deposits of
	// custody accounts closed by Finish.
	FeeRecipient [20]byte
	// FeeEligibleAsset is the only deal asset for which holder mode is
	// offered.
	FeeEligibleAsset string
	// HolderAsset is the asset a client must hold to qualify for holder mode.
	HolderAsset string
	// HolderThreshold is the minimum HolderAsset balance for holder mode.
	HolderThreshold *uint256.Int
	// HolderWaiverAmount is staked into holder custody for the lifetime of a
	// holder-mode deal.
	HolderWaiverAmount *uint256.Int
	// RecordDeposit is locked from the payer while the deal record exists.
	RecordDeposit *uint256.Int
}

// DefaultParams returns parameters suitable for local development. The
// service identity and fee recipient are left empty and must be configured.
func DefaultParams() Params {
	return Params{
		FeeEligibleAsset:   "USDC",
		HolderAsset:        "HOLD",
		HolderThreshold:    uint256.NewInt(500_000_000_000),
		HolderWaiverAmount: uint256.NewInt(500_000_000_000),
		RecordDeposit:      uint256.NewInt(2_000_000),
	}
}

// Validate normalises asset symbols and rejects incomplete parameter sets.
func (p Params) Validate() (Params, error) {
	out := p.Clone()
	if out.ServiceIdentity == ([20]byte{}) {
		return Params{}, fmt.Errorf("deal: service identity must be configured")
	}
	if out.FeeRecipient == ([20]byte{}) {
		return Params{}, fmt.Errorf("deal: fee recipient must be configured")
	}
	var err error
	if out.FeeEligibleAsset, err = NormalizeAsset(out.FeeEligibleAsset); err != nil {
		return Params{}, fmt.Errorf("fee eligible asset: %w", err)
	}
	if out.HolderAsset, err = NormalizeAsset(out.HolderAsset); err != nil {
		return Params{}, fmt.Errorf("holder asset: %w", err)
	}
	if out.HolderThreshold.IsZero() {
		return Params{}, fmt.Errorf("deal: holder threshold must be positive")
	}
	if out.HolderWaiverAmount.IsZero() {
		return Params{}, fmt.Errorf("deal: holder waiver amount must be positive")
	}
	return out, nil
}

// Clone returns a deep copy with nil amounts replaced by zero.
func (p Params) Clone() Params {
	out := p
	out.HolderThreshold = cloneAmount(p.HolderThreshold)
	out.HolderWaiverAmount = cloneAmount(p.HolderWaiverAmount)
	out.RecordDeposit = cloneAmount(p.RecordDeposit)
	return out
}
