package ledger

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed operation.
type ErrorKind string

const (
	KindUnknown       ErrorKind = "unknown"
	KindAuthorization ErrorKind = "authorization"
	KindState         ErrorKind = "state"
	KindResource      ErrorKind = "resource"
	KindReplay        ErrorKind = "replay"
	KindProof         ErrorKind = "proof"
)

// Error is a named protocol failure. Packages declare their failures as
// package-level *Error sentinels so callers can match them with errors.Is.
type Error struct {
	Kind ErrorKind
	msg  string
}

// NewError declares a sentinel of the given kind.
func NewError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, msg: msg}
}

func (e *Error) Error() string {
	return e.msg
}

// OpError records which operation failed and why.
type OpError struct {
	Op   string
	Kind ErrorKind
	Err  error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// KindOf returns the category of err, or KindUnknown.
func KindOf(err error) ErrorKind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	var oerr *OpError
	if errors.As(err, &oerr) {
		return oerr.Kind
	}
	return KindUnknown
}

var (
	ErrReentrantCall       = NewError(KindState, "reentrant call")
	ErrInsufficientBalance = NewError(KindResource, "insufficient balance")
	ErrZeroAmount          = NewError(KindResource, "zero amount")
	ErrOverflow            = NewError(KindResource, "amount overflow")
	ErrUnauthorized        = NewError(KindAuthorization, "caller lacks required role")
	ErrZeroAddress         = NewError(KindState, "zero address")
)
