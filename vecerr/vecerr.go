// Package vecerr defines the error taxonomy shared across every vecrt
// component. Callers should match on the Kind values here (see Is) rather
// than on message text; every constructor wraps
// its cause with github.com/pkg/errors so a full chain survives past
// component boundaries.
package vecerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a vecrt error into the taxonomy a caller can branch on.
type Kind int

const (
	KindConfig Kind = iota
	KindComponentLoad
	KindOutOfMemory
	KindTypeNotSupported
	KindInstructionNotSupported
	KindExtmethodNotSupported
	KindCompile
	KindInvalidShape
	KindInvalidView
	KindInternalInvariant
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "ConfigError"
	case KindComponentLoad:
		return "ComponentLoadError"
	case KindOutOfMemory:
		return "OutOfMemory"
	case KindTypeNotSupported:
		return "TypeNotSupported"
	case KindInstructionNotSupported:
		return "InstructionNotSupported"
	case KindExtmethodNotSupported:
		return "ExtmethodNotSupported"
	case KindCompile:
		return "CompileError"
	case KindInvalidShape:
		return "InvalidShape"
	case KindInvalidView:
		return "InvalidView"
	case KindInternalInvariant:
		return "InternalInvariant"
	default:
		return "UnknownError"
	}
}

// Error is the concrete type every vecrt package returns. It carries a Kind
// for programmatic dispatch and a Detail string for the diagnostic channel.
type Error struct {
	Kind   Kind
	Detail string
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a bare vecrt error with no wrapped cause.
func New(kind Kind, detail string) error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap attaches kind/detail context to an existing error, preserving it in
// the Unwrap chain via github.com/pkg/errors so both %+v stack traces and
// errors.Is/As keep working across the wrap.
func Wrap(kind Kind, detail string, cause error) error {
	if cause == nil {
		return New(kind, detail)
	}
	return &Error{Kind: kind, Detail: detail, cause: errors.Wrap(cause, detail)}
}

// Wrapf is Wrap with a formatted detail string.
func Wrapf(kind Kind, cause error, format string, args ...interface{}) error {
	return Wrap(kind, fmt.Sprintf(format, args...), cause)
}

// Is reports whether err is a vecrt *Error of the given kind, walking the
// Unwrap chain.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if ve, ok := err.(*Error); ok {
			e = ve
			if e.Kind == kind {
				return true
			}
			err = e.cause
			continue
		}
		err = errors.Unwrap(err)
	}
	return false
}
