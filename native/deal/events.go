package deal

import (
	"encoding/hex"
	"strconv"

	"github.com/holiman/uint256"

	"dealchain/core/types"
)

const (
	EventTypeDealInitialized    = "deal.initialized"
	EventTypeDealPartiallyPaid  = "deal.partially_paid"
	EventTypeDealCheckerUpdated = "deal.checker_updated"
	EventTypeDealFinished       = "deal.finished"
	EventTypeDealCancelled      = "deal.cancelled"
)

// NewInitializedEvent returns the canonical event payload for a new deal.
func NewInitializedEvent(d *Deal) *types.Event {
	return newDealEvent(EventTypeDealInitialized, d, nil)
}

// NewPartiallyPaidEvent returns the payload for a direct partial payment.
func NewPartiallyPaidEvent(d *Deal, amount *uint256.Int) *types.Event {
	return newDealEvent(EventTypeDealPartiallyPaid, d, map[string]string{"payment": cloneAmount(amount).Dec()})
}

// NewCheckerUpdatedEvent returns the payload emitted when a checker is
// assigned.
func NewCheckerUpdatedEvent(d *Deal) *types.Event {
	return newDealEvent(EventTypeDealCheckerUpdated, d, nil)
}

func NewFinishedEvent(d *Deal, caller [20]byte) *types.Event {
	return newDealEvent(EventTypeDealFinished, d, map[string]string{"caller": hex.EncodeToString(caller[:])})
}

func NewCancelledEvent(d *Deal, caller [20]byte) *types.Event {
	return newDealEvent(EventTypeDealCancelled, d, map[string]string{"caller": hex.EncodeToString(caller[:])})
}

func newDealEvent(eventType string, d *Deal, extra map[string]string) *types.Event {
	attrs := make(map[string]string)
	if d == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	sanitized, err := SanitizeDeal(d)
	if err != nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = sanitized.ID.String()
	attrs["address"] = hex.EncodeToString(sanitized.Address[:])
	attrs["client"] = hex.EncodeToString(sanitized.Client[:])
	attrs["executor"] = hex.EncodeToString(sanitized.Executor[:])
	attrs["asset"] = sanitized.Asset
	attrs["amount"] = sanitized.Amount.Dec()
	attrs["paidAmount"] = sanitized.PaidAmount.Dec()
	attrs["createdAt"] = strconv.FormatInt(sanitized.CreatedAt, 10)
	if sanitized.Deadline != nil {
		attrs["deadline"] = strconv.FormatInt(*sanitized.Deadline, 10)
	}
	if sanitized.Checker != nil {
		attrs["checker"] = hex.EncodeToString(sanitized.Checker.Identity[:])
		attrs["checkerFee"] = sanitized.Checker.Fee.Dec()
	}
	if sanitized.HolderMode != nil {
		attrs["holderMode"] = "true"
	}
	for k, v := range extra {
		attrs[k] = v
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
