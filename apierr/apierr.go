// Package apierr defines the closed set of failure kinds the API reports.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	Unauthenticated          Kind = "Unauthenticated"
	Forbidden                Kind = "Forbidden"
	InvalidRequest           Kind = "InvalidRequest"
	NotFound                 Kind = "NotFound"
	ReconciliationIncomplete Kind = "ReconciliationIncomplete"
	StoreUnavailable         Kind = "StoreUnavailable"
	RateLimited              Kind = "RateLimited"
	Internal                 Kind = "Internal"
)

// Error carries a kind, a human readable detail and, for partial
// settlements, the payment and the appointment ids still to reconcile.
type Error struct {
	Kind         Kind
	Detail       string
	PaymentID    string
	Unreconciled []string
	// Fields holds per-field validation messages.
	Fields []map[string]string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// Status maps the kind to its HTTP status code.
func (e *Error) Status() int {
	return StatusOf(e.Kind)
}

func StatusOf(k Kind) int {
	switch k {
	case Unauthenticated:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case InvalidRequest:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case ReconciliationIncomplete:
		return http.StatusConflict
	case StoreUnavailable:
		return http.StatusServiceUnavailable
	case RateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a new Error of the given kind.
func Wrap(err error, kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// Incomplete reports a settlement whose payment was written but whose
// appointments are not all reconciled yet.
func Incomplete(paymentID string, unreconciled []string, err error) *Error {
	if unreconciled == nil {
		unreconciled = []string{}
	}
	return &Error{
		Kind:         ReconciliationIncomplete,
		Detail:       fmt.Sprintf("payment %s recorded, %d appointment(s) not yet reconciled", paymentID, len(unreconciled)),
		PaymentID:    paymentID,
		Unreconciled: unreconciled,
		Err:          err,
	}
}

// KindOf returns the kind of the first *Error in err's chain, or Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
