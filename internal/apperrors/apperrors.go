package apperrors

import (
	"errors"
	"fmt"
)

// Kind classifies failures the dispatch router reports back to a client.
type Kind string

const (
	KindProtocol      Kind = "protocol"
	KindAuth          Kind = "auth"
	KindNotFound      Kind = "not_found"
	KindStateConflict Kind = "state_conflict"
	KindNoDrivers     Kind = "no_drivers"
	KindInternal      Kind = "internal"
)

type Error struct {
	Kind  Kind
	Field string // offending payload field, protocol errors only
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrNoDrivers) works on wrapped errors.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Msg == "" && t.Kind == e.Kind
}

// Kind sentinels for errors.Is.
var (
	ErrProtocol      = &Error{Kind: KindProtocol}
	ErrAuth          = &Error{Kind: KindAuth}
	ErrNotFound      = &Error{Kind: KindNotFound}
	ErrStateConflict = &Error{Kind: KindStateConflict}
	ErrNoDrivers     = &Error{Kind: KindNoDrivers}
)

func Protocol(field, format string, args ...any) *Error {
	return &Error{Kind: KindProtocol, Field: field, Msg: fmt.Sprintf(format, args...)}
}

func Auth(format string, args ...any) *Error {
	return &Error{Kind: KindAuth, Msg: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

func StateConflict(format string, args ...any) *Error {
	return &Error{Kind: KindStateConflict, Msg: fmt.Sprintf(format, args...)}
}

func NoDrivers(format string, args ...any) *Error {
	return &Error{Kind: KindNoDrivers, Msg: fmt.Sprintf(format, args...)}
}

func Internal(err error, format string, args ...any) *Error {
	return &Error{Kind: KindInternal, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// FieldOf returns the offending field of a protocol error, if any.
func FieldOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Field
	}
	return ""
}
