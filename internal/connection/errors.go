package connection

import (
	"errors"
	"fmt"
)

// Kind is the stable error category the HTTP layer maps to status codes.
type Kind string

const (
	KindProviderUnavailable  Kind = "provider_unavailable"
	KindInvalidConfig        Kind = "invalid_config"
	KindConflictingOperation Kind = "conflicting_operation"
	KindNotConnected         Kind = "not_connected"
	KindUnknownTenant        Kind = "unknown_tenant"
)

// Sentinels for errors.Is. Any *Error with the same Kind matches.
var (
	ErrProviderUnavailable  = &Error{Kind: KindProviderUnavailable}
	ErrInvalidConfig        = &Error{Kind: KindInvalidConfig}
	ErrConflictingOperation = &Error{Kind: KindConflictingOperation}
	ErrNotConnected         = &Error{Kind: KindNotConnected}
	ErrUnknownTenant        = &Error{Kind: KindUnknownTenant}

	// ErrStaleWrite is returned by stores when a newer LastSyncedAt is already persisted.
	ErrStaleWrite = errors.New("connection record has a newer sync timestamp")
)

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op) && t.Err == nil
}

// Errorf builds a kinded error wrapping a formatted cause.
func Errorf(kind Kind, op string, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind to err. An err that already carries a kind keeps it.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind carried by err, or "" for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
