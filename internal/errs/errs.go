// Package errs classifies pipeline failures so callers can tell a rejected
// request from a fatal service outage or a degraded best-effort step.
package errs

import (
	"errors"
	"fmt"
)

// Kind is the failure class of an Error.
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation marks malformed config or input, rejected before any external call.
	KindValidation
	// KindService marks a fatal external service failure (embedding, completion on a required path).
	KindService
	// KindDegraded marks a non-fatal service failure that was replaced by a default.
	KindDegraded
	// KindStorage marks a failure reading or writing the store.
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindService:
		return "service"
	case KindDegraded:
		return "degraded"
	case KindStorage:
		return "storage"
	default:
		return "unknown"
	}
}

var (
	ErrEmptyContent  = errors.New("content is empty")
	ErrInvalidConfig = errors.New("invalid config")
	ErrNotFound      = errors.New("not found")
)

// Error is a classified pipeline failure.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Validation returns a KindValidation error.
func Validation(op, msg string) *Error {
	return &Error{Kind: KindValidation, Op: op, Msg: msg}
}

// Validationf wraps a sentinel such as ErrEmptyContent as a validation error.
func Validationf(op string, err error, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}

func Service(op string, err error) *Error {
	return &Error{Kind: KindService, Op: op, Err: err}
}

func Degraded(op string, err error) *Error {
	return &Error{Kind: KindDegraded, Op: op, Err: err}
}

func Storage(op string, err error) *Error {
	return &Error{Kind: KindStorage, Op: op, Err: err}
}

// KindOf returns the Kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// Distill renders err for callers outside the pipeline. Upstream messages
// (which may echo request bodies or key fragments) are dropped for everything
// but validation failures.
func Distill(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if !errors.As(err, &e) {
		return "internal error"
	}
	switch e.Kind {
	case KindValidation:
		if e.Msg != "" {
			return e.Op + ": " + e.Msg
		}
		return e.Error()
	case KindService:
		return e.Op + ": external service failed"
	case KindStorage:
		return e.Op + ": storage failed"
	case KindDegraded:
		return e.Op + ": degraded"
	default:
		return "internal error"
	}
}
