package ledger

import "errors"

// Kind groups contract errors the way callers react to them.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindAuthorization Kind = "authorization"
	KindState         Kind = "state"
	KindResource      Kind = "resource"
	KindInternal      Kind = "internal"
)

// Error is a typed contract failure. Values are compared by identity with
// errors.Is, so wrap them with %w rather than re-creating them.
type Error struct {
	Code string
	Kind Kind
}

func (e *Error) Error() string {
	return "payflow: " + e.Code
}

func newError(kind Kind, code string) *Error {
	return &Error{Code: code, Kind: kind}
}

var (
	ErrInvalidAmount        = newError(KindValidation, "invalid amount")
	ErrInvalidPeriod        = newError(KindValidation, "invalid period")
	ErrAgreementNotFound    = newError(KindValidation, "agreement not found")
	ErrEmployeeNotFound     = newError(KindValidation, "employee not found")
	ErrMilestoneNotFound    = newError(KindValidation, "milestone not found")
	ErrNotAuthorized        = newError(KindAuthorization, "not authorized")
	ErrNotArbiter           = newError(KindAuthorization, "not arbiter")
	ErrInvalidData          = newError(KindState, "invalid data")
	ErrDisputeAlreadyRaised = newError(KindState, "dispute already raised")
	ErrNoDispute            = newError(KindState, "no dispute")
	ErrNotInGracePeriod     = newError(KindState, "not in grace period")
	ErrNotApproved          = newError(KindState, "milestone not approved")
	ErrAlreadyClaimed       = newError(KindState, "already claimed")
	ErrAlreadyInitialized   = newError(KindState, "already initialized")
	ErrNotInitialized       = newError(KindState, "not initialized")
	ErrInsufficientFunds    = newError(KindResource, "insufficient funds")
	ErrNoPeriodsToClaim     = newError(KindResource, "no periods to claim")
	ErrOverflow             = newError(KindResource, "overflow")
)

// KindOf reports the kind of err. Errors that are not contract errors are
// infrastructure failures and classify as KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the contract error code of err, or "" for other errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
