package service

import (
	"errors"
	"fmt"
)

// Kind is the stable, machine readable error code returned to clients.
type Kind string

const (
	KindValidation     Kind = "validation_error"
	KindNotFound       Kind = "not_found"
	KindExpired        Kind = "expired"
	KindDeviceConflict Kind = "device_conflict"
	KindAlreadyUsed    Kind = "already_used"
	KindPermission     Kind = "permission_denied"
	KindDuplicateKey   Kind = "duplicate_key"
	KindNotBound       Kind = "not_bound"
	KindStoreFailure   Kind = "store_failure"
)

// Error is returned by every CardService operation. Fields carries context
// such as expiredAt or usedAt so callers can show state without a refetch.
type Error struct {
	Kind    Kind
	Message string
	Fields  map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrExpired) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrValidation     = &Error{Kind: KindValidation, Message: "invalid request"}
	ErrNotFound       = &Error{Kind: KindNotFound, Message: "card not found"}
	ErrExpired        = &Error{Kind: KindExpired, Message: "card has expired"}
	ErrDeviceConflict = &Error{Kind: KindDeviceConflict, Message: "card is bound to another device"}
	ErrAlreadyUsed    = &Error{Kind: KindAlreadyUsed, Message: "card has already been used"}
	ErrPermission     = &Error{Kind: KindPermission, Message: "permission denied"}
	ErrDuplicateKey   = &Error{Kind: KindDuplicateKey, Message: "card key already exists"}
	ErrNotBound       = &Error{Kind: KindNotBound, Message: "card is not bound to any device"}
	ErrStoreFailure   = &Error{Kind: KindStoreFailure, Message: "card store unavailable"}
)

func newError(kind Kind, msg string, fields map[string]any) *Error {
	return &Error{Kind: kind, Message: msg, Fields: fields}
}

func validationError(msg string) *Error {
	return newError(KindValidation, msg, nil)
}

func storeFailure(op string, err error) *Error {
	return &Error{Kind: KindStoreFailure, Message: op + " failed", Err: err}
}

// KindOf returns the kind of a service error, or KindStoreFailure for
// anything else.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStoreFailure
}
