// Package apperrors defines the typed error taxonomy shared across the
// realtime core (cache, document, lock, sync, conflict, transaction,
// session, broadcast, hub), so callers can distinguish recoverable,
// user-visible, and critical-operational failures with errors.Is/As instead
// of string matching.
package apperrors

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
)

// Kind identifies one of the taxonomy's error categories.
type Kind string

const (
	KindCacheUnavailable    Kind = "CacheUnavailable"
	KindDocumentUnavailable Kind = "DocumentUnavailable"
	KindLockContended       Kind = "LockContended"
	KindLockLost            Kind = "LockLost"
	KindVersionConflict     Kind = "VersionConflict"
	KindTransactionAborted  Kind = "TransactionAborted"
	KindTransactionPartial  Kind = "TransactionPartial"
	KindPoolFull            Kind = "PoolFull"
	KindUnauthorized        Kind = "Unauthorized"
	KindRouteInvalid        Kind = "RouteInvalid"
	KindInvalidArgument     Kind = "InvalidArgument"
)

// Code returns the grpc status code a caller-facing RPC surface would use to
// report this kind of failure. The core never opens an RPC connection itself
// (that surface is an external collaborator); this mapping exists so typed
// results can be translated by whatever RPC layer sits above the core.
func (k Kind) Code() codes.Code {
	switch k {
	case KindCacheUnavailable, KindDocumentUnavailable:
		return codes.Unavailable
	case KindLockContended:
		return codes.ResourceExhausted
	case KindLockLost:
		return codes.Aborted
	case KindVersionConflict:
		return codes.FailedPrecondition
	case KindTransactionAborted:
		return codes.Aborted
	case KindTransactionPartial:
		return codes.DataLoss
	case KindPoolFull:
		return codes.ResourceExhausted
	case KindUnauthorized:
		return codes.Unauthenticated
	case KindRouteInvalid, KindInvalidArgument:
		return codes.InvalidArgument
	default:
		return codes.Unknown
	}
}

// Error is the taxonomy's concrete error type. It wraps an optional cause so
// %w / errors.Unwrap keeps working, and carries enough structured context
// (Key) for structured logging without string parsing.
type Error struct {
	Kind  Kind
	Msg   string
	Key   string // logical key / lock key / connection id, when applicable
	cause error
}

func (e *Error) Error() string {
	if e.Key != "" {
		if e.cause != nil {
			return fmt.Sprintf("%s: %s (key=%s): %v", e.Kind, e.Msg, e.Key, e.cause)
		}
		return fmt.Sprintf("%s: %s (key=%s)", e.Kind, e.Msg, e.Key)
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.cause }

// Is allows errors.Is(err, apperrors.New(KindX, "")) to match on Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New creates a taxonomy error with no wrapped cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap creates a taxonomy error wrapping cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, cause: cause}
}

// WithKey attaches a logical/lock key to the error for structured logging.
func (e *Error) WithKey(key string) *Error {
	return &Error{Kind: e.Kind, Msg: e.Msg, Key: key, cause: e.cause}
}

// Sentinels for errors.Is comparisons against a bare Kind.
var (
	ErrCacheUnavailable    = New(KindCacheUnavailable, "cache store unavailable")
	ErrDocumentUnavailable = New(KindDocumentUnavailable, "document store unavailable")
	ErrLockContended       = New(KindLockContended, "lock held by another owner")
	ErrLockLost            = New(KindLockLost, "lock no longer owned")
	ErrVersionConflict     = New(KindVersionConflict, "version mismatch")
	ErrTransactionAborted  = New(KindTransactionAborted, "transaction aborted")
	ErrTransactionPartial  = New(KindTransactionPartial, "transaction partially committed")
	ErrPoolFull            = New(KindPoolFull, "capacity exhausted")
	ErrUnauthorized        = New(KindUnauthorized, "unauthorized")
	ErrRouteInvalid        = New(KindRouteInvalid, "invalid route")
	ErrInvalidArgument     = New(KindInvalidArgument, "invalid argument")
)

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return errors.Is(err, &Error{Kind: kind})
}
