package chat

import (
	"errors"
	"fmt"
)

// Sentinel error kinds (stable for errors.Is and for mapping to HTTP status codes and realtime error codes).
var (
	ErrInvalidArgument  = errors.New("invalid_argument")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrForbidden        = errors.New("forbidden")
	ErrNotFound         = errors.New("not_found")
	ErrConflict         = errors.New("conflict")
	ErrInvalidOperation = errors.New("invalid_operation")
	ErrInternal         = errors.New("internal")
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
//   - Kind is one of the sentinel kinds above.
//   - Msg is safe to show to clients. Do not put store details in it.
//   - Err is the underlying cause, kept for logs only.
type OpError struct {
	Op   string
	Kind error
	Msg  string
	Err  error
}

func (e *OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func opErr(op string, kind error, msg string) error {
	return &OpError{Op: op, Kind: kind, Msg: msg}
}

func invalid(op, msg string) error   { return opErr(op, ErrInvalidArgument, msg) }
func forbidden(op, msg string) error { return opErr(op, ErrForbidden, msg) }
func notFound(op, msg string) error  { return opErr(op, ErrNotFound, msg) }

// internal wraps a store/transport failure. Kinds that are already classified pass through unchanged.
func internal(op string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != ErrInternal {
		return err
	}
	var oe *OpError
	if errors.As(err, &oe) {
		return err
	}
	return &OpError{Op: op, Kind: ErrInternal, Msg: "internal error", Err: err}
}

// KindOf maps err onto one of the sentinel kinds. Unknown errors are ErrInternal.
func KindOf(err error) error {
	for _, k := range []error{
		ErrInvalidArgument,
		ErrUnauthorized,
		ErrForbidden,
		ErrNotFound,
		ErrConflict,
		ErrInvalidOperation,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return ErrInternal
}

// PublicMessage returns the client-safe message for err.
func PublicMessage(err error) string {
	var oe *OpError
	if errors.As(err, &oe) && oe.Msg != "" && oe.Kind != ErrInternal {
		return oe.Msg
	}
	switch k := KindOf(err); k {
	case ErrInternal:
		return "internal error"
	default:
		return k.Error()
	}
}

func IsInvalidArgument(err error) bool  { return errors.Is(err, ErrInvalidArgument) }
func IsForbidden(err error) bool        { return errors.Is(err, ErrForbidden) }
func IsNotFound(err error) bool         { return errors.Is(err, ErrNotFound) }
func IsConflict(err error) bool         { return errors.Is(err, ErrConflict) }
func IsInvalidOperation(err error) bool { return errors.Is(err, ErrInvalidOperation) }
