// internal/billing/errors.go
package billing

import (
	"errors"
	"fmt"
)

// ErrorKind discriminates the failures callers may branch on.
type ErrorKind string

const (
	KindNotFound       ErrorKind = "not_found"
	KindValidation     ErrorKind = "validation"
	KindPrecondition   ErrorKind = "precondition"
	KindConflict       ErrorKind = "conflict"
	KindNotImplemented ErrorKind = "not_implemented"
	KindGateway        ErrorKind = "gateway"
	KindInternal       ErrorKind = "internal"
)

// Error is the typed error returned by the sync service.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message != "" {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotFound) works
// regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Retryable reports whether repeating the whole operation is safe and may succeed.
func (e *Error) Retryable() bool {
	return e.Kind == KindGateway || e.Kind == KindInternal
}

var (
	ErrNotFound       = &Error{Kind: KindNotFound}
	ErrValidation     = &Error{Kind: KindValidation}
	ErrPrecondition   = &Error{Kind: KindPrecondition}
	ErrConflict       = &Error{Kind: KindConflict}
	ErrNotImplemented = &Error{Kind: KindNotImplemented}
	ErrGateway        = &Error{Kind: KindGateway}
	ErrInternal       = &Error{Kind: KindInternal}
)

// Errors returned by store and gateway implementations. Only the sync service
// translates them into an ErrorKind.
var (
	ErrRecordNotFound     = errors.New("record not found")
	ErrVersionConflict    = errors.New("version conflict")
	ErrRecordExists       = errors.New("record already exists")
	ErrChargeUnsupported  = errors.New("charging saved payment methods is not supported by this gateway")
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
)

// Errors returned by webhook parsers.
var (
	ErrEventIgnored     = errors.New("event does not affect payment state")
	ErrInvalidSignature = errors.New("webhook signature verification failed")
)

// KindOf returns the kind of err, or KindInternal for untyped errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func notFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func precondition(format string, args ...any) *Error {
	return &Error{Kind: KindPrecondition, Message: fmt.Sprintf(format, args...)}
}

func conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

func gatewayFailure(op string, err error) *Error {
	return &Error{Kind: KindGateway, Message: op + " failed at payment gateway", Err: err}
}

func internal(op string, err error) *Error {
	return &Error{Kind: KindInternal, Message: op + " failed", Err: err}
}
