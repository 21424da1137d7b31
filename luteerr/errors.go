// Package luteerr defines the closed set of error kinds shared by every
// core subsystem (event log, scheduler, crawler). Callers use Is to test an
// error chain for a Kind and errors.As to recover the wrapped Error.
package luteerr

import (
	"errors"
	"fmt"
)

// Kind is a closed classification of failure used across the core.
type Kind int

const (
	// KindUnknown is the zero value; never constructed deliberately.
	KindUnknown Kind = iota
	// KindInvalidInput covers file-name parsing, malformed config, bad group-by keys.
	KindInvalidInput
	// KindStorage covers DB/KV unavailability. Retried by the caller's outer loop.
	KindStorage
	// KindCorruption covers undeserializable stored rows. Logged and skipped.
	KindCorruption
	// KindTransient covers network, HTTP 5xx, proxy failures. Retried with backoff.
	KindTransient
	// KindPermanentForURL covers HTTP 4xx and repeated parse failure.
	KindPermanentForURL
	// KindRateLimited covers HTTP 429 or window-cap reached.
	KindRateLimited
	// KindInconsistentProgress covers a multi-step commit where one side succeeded.
	KindInconsistentProgress
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindStorage:
		return "storage"
	case KindCorruption:
		return "corruption"
	case KindTransient:
		return "transient"
	case KindPermanentForURL:
		return "permanent_for_url"
	case KindRateLimited:
		return "rate_limited"
	case KindInconsistentProgress:
		return "inconsistent_progress"
	default:
		return "unknown"
	}
}

// Error is the concrete error type carrying a Kind, the failing operation
// name, and the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err (which may be nil) with a Kind and the operation that failed.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	for errors.As(err, &e) {
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}
