package setfarm

import (
	"errors"
	"fmt"
)

// Kind classifies engine errors into the taxonomy callers branch on.
type Kind string

const (
	KindBadInput  Kind = "bad_input" // malformed claim/complete arguments
	KindNotFound  Kind = "not_found" // unknown unit, run, or workflow
	KindConflict  Kind = "conflict"  // unit no longer in a claimable/completable state
	KindSpec      Kind = "spec"      // invalid workflow specification
	KindUpstream  Kind = "upstream"  // cron gateway unreachable or rejecting
	KindParse     Kind = "parse"     // agent output missing required keys
	KindExhausted Kind = "exhausted" // retry budget reached
	KindInternal  Kind = "internal"  // invariant violation; fatal
)

// Error carries a kind, the failing operation, and an optional cause.
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

// E constructs an Error with a formatted message.
func E(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error around a cause. Wrapping nil returns nil.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the Kind from err, walking the wrap chain. Errors outside
// the taxonomy report KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
