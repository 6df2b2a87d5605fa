// Package errkind defines the shared error taxonomy used across the
// commuter core: one set of wrapped kinds every package can check without
// string matching, instead of ad hoc sentinel vars per package.
package errkind

import "fmt"

// Kind classifies an error for the purposes of propagation policy:
// whether the conductor retries, whether an admin sees a raw message,
// whether the process aborts.
type Kind int

const (
	// Validation marks malformed geometry, a missing required field, or an
	// out-of-range value. Surfaced at ingest boundaries; the offending item
	// is dropped.
	Validation Kind = iota
	// State marks an illegal transition, e.g. boarding a non-WAITING
	// passenger.
	State
	// Unavailable marks a hub or CMS that is temporarily unreachable;
	// callers retry with backoff.
	Unavailable
	// Timeout marks a request/response that did not complete in the
	// configured window.
	Timeout
	// NotFound marks an unknown id.
	NotFound
	// CapacityExceeded marks a boarding attempt that would exceed vehicle
	// capacity. Always prevented before it can be reported externally.
	CapacityExceeded
	// Fatal marks a corrupted invariant (e.g. a duplicated passenger id
	// across reservoirs). The process aborts after flushing logs.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation_error"
	case State:
		return "state_error"
	case Unavailable:
		return "unavailable"
	case Timeout:
		return "timeout"
	case NotFound:
		return "not_found"
	case CapacityExceeded:
		return "capacity_exceeded"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a classified error carrying its Kind alongside the usual wrapped
// cause, so callers can branch on Kind() without parsing message text.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a classified error with no underlying cause.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap constructs a classified error around an underlying cause.
func Wrap(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// Is reports whether err was classified with the given Kind, walking the
// wrap chain like errors.As but keyed on Kind identity.
func Is(err error, kind Kind) bool {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Kind == kind
	}
	return false
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
