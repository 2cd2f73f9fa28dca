// Package apperr classifies engine failures so transports can map them without
// knowing which package produced them.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the failure class of an engine error.
type Kind int

const (
	// Internal covers infrastructure faults that carry no domain meaning.
	Internal Kind = iota
	Validation
	NotFound
	StateConflict
	Capacity
	Integrity
	Downstream
	// Forbidden marks a caller acting on a resource it has no role in.
	Forbidden
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case NotFound:
		return "not_found"
	case StateConflict:
		return "state_conflict"
	case Capacity:
		return "capacity"
	case Integrity:
		return "integrity"
	case Downstream:
		return "downstream"
	case Forbidden:
		return "forbidden"
	default:
		return "internal"
	}
}

// Error is a classified error. Sentinels are declared as *Error values and
// compared with errors.Is; wrapped causes stay reachable through Unwrap.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a classified error with no cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap classifies err under kind, keeping it in the chain.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Validationf formats a validation failure in the manner of fmt.Sprintf.
func Validationf(format string, args ...any) *Error {
	return New(Validation, fmt.Sprintf(format, args...))
}

// KindOf reports the kind of the outermost classified error in the chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps an error to the status code returned by the API.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case Validation:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case StateConflict, Capacity:
		return http.StatusConflict
	case Integrity:
		return http.StatusUnprocessableEntity
	case Downstream:
		return http.StatusBadGateway
	case Forbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
