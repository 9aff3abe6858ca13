package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies conversion errors so callers can branch on kind
// instead of matching message strings.
type ErrorKind string

const (
	// KindValidation covers malformed input, amounts out of bounds,
	// unsupported currency pairs, and duplicate active conversions. Never
	// retried.
	KindValidation ErrorKind = "validation"

	// KindRiskPolicy covers state transitions rejected by the approval
	// policy. The record is left unchanged.
	KindRiskPolicy ErrorKind = "risk_policy"

	// KindVenue covers network failures, timeouts, rejected orders, and
	// authentication failures at a trading venue. Retryable.
	KindVenue ErrorKind = "venue"

	// KindSlippage means the fresh rate at execution time deviated beyond
	// tolerance. Retryable, since a later attempt may see acceptable pricing.
	KindSlippage ErrorKind = "slippage"

	// KindNotFound means the referenced record or order does not exist.
	KindNotFound ErrorKind = "not_found"

	// KindConflict means a non-failed conversion already exists for the
	// order.
	KindConflict ErrorKind = "conflict"
)

// Error is a kinded conversion error.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same kind, so sentinel comparisons like
// errors.Is(err, ErrInvalidAmount) work on wrapped errors.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Msg == "" || t.Msg == e.Msg)
}

// Errorf builds a kinded error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapErr builds a kinded error wrapping an underlying cause.
func WrapErr(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the kind of err, or "" if err carries no kind.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Retryable reports whether the kind marks a transient failure eligible for
// the retry budget. Only venue and slippage failures are transient.
func (k ErrorKind) Retryable() bool {
	return k == KindVenue || k == KindSlippage
}

// Retryable reports whether an execution failure with this error is eligible
// for the retry budget.
func Retryable(err error) bool {
	return KindOf(err).Retryable()
}

// Sentinels for the two rate-engine failure modes.
var (
	ErrInvalidAmount       = &Error{Kind: KindValidation, Msg: "invalid amount"}
	ErrUnsupportedCurrency = &Error{Kind: KindValidation, Msg: "unsupported currency"}
)
