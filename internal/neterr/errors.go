// Package neterr defines the error taxonomy shared by the reconciliation
// engine and its backends.
//
// Every error that leaves Apply carries exactly one Kind. Backends wrap their
// transport errors into a kind at the boundary; the engine never inspects
// transport-specific error types.
package neterr

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidArgument
	KindVerificationError
	KindBug
	KindPluginFailure
	KindDependencyError
	KindNotImplemented
	KindNotSupported
	KindKernelIntegerRounded
	KindPermissionError
	KindTimeout
)

var kindNames = map[Kind]string{
	KindUnknown:              "Unknown",
	KindInvalidArgument:      "InvalidArgument",
	KindVerificationError:    "VerificationError",
	KindBug:                  "Bug",
	KindPluginFailure:        "PluginFailure",
	KindDependencyError:      "DependencyError",
	KindNotImplemented:       "NotImplementedError",
	KindNotSupported:         "NotSupportedError",
	KindKernelIntegerRounded: "KernelIntegerRoundedError",
	KindPermissionError:      "PermissionError",
	KindTimeout:              "Timeout",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is a classified error.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg == "" {
			return fmt.Sprintf("%s: %v", e.Kind, e.Err)
		}
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrBug) works
// for every Bug regardless of its message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Msg == "" && t.Err == nil
}

// Sentinels for errors.Is checks.
var (
	ErrInvalidArgument      = &Error{Kind: KindInvalidArgument}
	ErrVerification         = &Error{Kind: KindVerificationError}
	ErrBug                  = &Error{Kind: KindBug}
	ErrPluginFailure        = &Error{Kind: KindPluginFailure}
	ErrDependency           = &Error{Kind: KindDependencyError}
	ErrNotImplemented       = &Error{Kind: KindNotImplemented}
	ErrNotSupported         = &Error{Kind: KindNotSupported}
	ErrKernelIntegerRounded = &Error{Kind: KindKernelIntegerRounded}
	ErrPermission           = &Error{Kind: KindPermissionError}
	ErrTimeout              = &Error{Kind: KindTimeout}
)

// New returns a classified error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. A nil err yields nil. An err that is already
// classified keeps its kind and gains the message as context.
func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	var existing *Error
	if errors.As(err, &existing) {
		return &Error{Kind: existing.Kind, Msg: msg, Err: err}
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func InvalidArgument(format string, args ...any) *Error {
	return New(KindInvalidArgument, format, args...)
}

func Bug(format string, args ...any) *Error {
	return New(KindBug, format, args...)
}

func PluginFailure(format string, args ...any) *Error {
	return New(KindPluginFailure, format, args...)
}

func Dependency(format string, args ...any) *Error {
	return New(KindDependencyError, format, args...)
}

func NotSupported(format string, args ...any) *Error {
	return New(KindNotSupported, format, args...)
}

func NotImplemented(format string, args ...any) *Error {
	return New(KindNotImplemented, format, args...)
}

// KindOf returns the kind of the outermost classified error in err's chain,
// or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
