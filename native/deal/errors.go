package deal

import "errors"

// Validation errors. Nothing has moved when one of these is returned.
var (
	ErrAmountTooLow           = errors.New("deal: amount too low")
	ErrDeadlineExpired        = errors.New("deal: deadline expired")
	ErrHolderModeUnavailable  = errors.New("deal: holder mode unavailable")
	ErrFeeIsTooLow            = errors.New("deal: fee is too low")
	ErrAdvancePaymentExceeded = errors.New("deal: advance payment exceeds amount minus checker fee")
	ErrPaymentExceedsAmount   = errors.New("deal: payment exceeds outstanding amount")
	ErrSameParties            = errors.New("deal: client and executor must differ")
	ErrInvalidAsset           = errors.New("deal: invalid asset")
	ErrInvalidChecker         = errors.New("deal: invalid checker")
	ErrAmountOverflow         = errors.New("deal: amount overflow")
	ErrInvalidRecord          = errors.New("deal: invalid record")
)

// Authorization errors.
var (
	ErrUnauthorized         = errors.New("deal: unauthorized caller")
	ErrMissingSignature     = errors.New("deal: required signature missing")
	ErrDealStateWithChecker = errors.New("deal: checker already assigned")
)

// State errors.
var (
	ErrDealExists      = errors.New("deal: record already exists")
	ErrDealNotFound    = errors.New("deal: record not found")
	ErrDeadlineNotCome = errors.New("deal: deadline has not yet come")
)

// Account-relation errors.
var (
	ErrInvalidMint  = errors.New("deal: account asset mismatch")
	ErrInvalidOwner = errors.New("deal: account owner mismatch")
)

var errNotConfigured = errors.New("deal: engine not configured")

// Kind groups errors by how a caller should react to them.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindAuthorization Kind = "authorization"
	KindState         Kind = "state"
	KindAccount       Kind = "account"
	// KindAdapter covers everything the ledger returned; such errors are
	// passed through unchanged.
	KindAdapter Kind = "adapter"
)

type errorInfo struct {
	err  error
	code string
	kind Kind
}

var catalogue = []errorInfo{
	{ErrAmountTooLow, "AmountTooLow", KindValidation},
	{ErrDeadlineExpired, "DeadlineExpired", KindValidation},
	{ErrHolderModeUnavailable, "HolderModeUnavailable", KindValidation},
	{ErrFeeIsTooLow, "FeeIsTooLow", KindValidation},
	{ErrAdvancePaymentExceeded, "AdvancePaymentExceeded", KindValidation},
	{ErrPaymentExceedsAmount, "PaymentExceedsAmount", KindValidation},
	{ErrSameParties, "SameParties", KindValidation},
	{ErrInvalidAsset, "InvalidAsset", KindValidation},
	{ErrInvalidChecker, "InvalidChecker", KindValidation},
	{ErrAmountOverflow, "AmountOverflow", KindValidation},
	{ErrInvalidRecord, "InvalidRecord", KindValidation},
	{ErrUnauthorized, "Unauthorized", KindAuthorization},
	{ErrMissingSignature, "MissingSignature", KindAuthorization},
	{ErrDealStateWithChecker, "DealStateWithChecker", KindAuthorization},
	{ErrDealExists, "DealExists", KindState},
	{ErrDealNotFound, "DealNotFound", KindState},
	{ErrDeadlineNotCome, "DeadlineNotCome", KindState},
	{ErrInvalidMint, "InvalidMint", KindAccount},
	{ErrInvalidOwner, "InvalidOwner", KindAccount},
	{errNotConfigured, "NotConfigured", KindState},
}

func lookup(err error) (errorInfo, bool) {
	if err == nil {
		return errorInfo{}, false
	}
	for _, info := range catalogue {
		if errors.Is(err, info.err) {
			return info, true
		}
	}
	return errorInfo{}, false
}

// Code returns the stable error code for err. Errors raised by the ledger
// report "LedgerError".
func Code(err error) string {
	if err == nil {
		return ""
	}
	if info, ok := lookup(err); ok {
		return info.code
	}
	return "LedgerError"
}

// KindOf classifies err.
func KindOf(err error) Kind {
	if info, ok := lookup(err); ok {
		return info.kind
	}
	return KindAdapter
}

// Retryable reports whether the same call may succeed later without any
// change by the caller.
func Retryable(err error) bool {
	return errors.Is(err, ErrDeadlineNotCome)
}
