// Package avberr provides the unified error taxonomy shared by every
// control-API and engine operation in the stream handler. It replaces the
// two historical error families of the original implementation
// (IasResult/IasAvbResult) with a single enum plus an OS-errno carrier.
package avberr

import (
	"fmt"
	"syscall"
)

// Kind enumerates the control-API-visible outcomes of an operation.
type Kind int

const (
	Ok Kind = iota
	Generic
	AlreadyInitialized
	NotInitialized
	InvalidParam
	OutOfMemory
	NotFound
	NotSupported
	TryAgain
	AlreadyInUse
	NoSpaceLeft
	InitializationFailed
	NullPointer
	ThreadStartFailed
	ThreadStopFailed
	Errno // carries an OS errno in Error.errno
)

func (k Kind) String() string {
	switch k {
	case Ok:
		return "Ok"
	case Generic:
		return "Generic"
	case AlreadyInitialized:
		return "AlreadyInitialized"
	case NotInitialized:
		return "NotInitialized"
	case InvalidParam:
		return "InvalidParam"
	case OutOfMemory:
		return "OutOfMemory"
	case NotFound:
		return "NotFound"
	case NotSupported:
		return "NotSupported"
	case TryAgain:
		return "TryAgain"
	case AlreadyInUse:
		return "AlreadyInUse"
	case NoSpaceLeft:
		return "NoSpaceLeft"
	case InitializationFailed:
		return "InitializationFailed"
	case NullPointer:
		return "NullPointer"
	case ThreadStartFailed:
		return "ThreadStartFailed"
	case ThreadStopFailed:
		return "ThreadStopFailed"
	case Errno:
		return "Errno"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is the concrete error type returned by control-API and engine
// operations. A nil *Error (or a Kind of Ok) means success.
type Error struct {
	Kind    Kind
	Context string
	errno   syscall.Errno
}

func (e *Error) Error() string {
	if e == nil {
		return "Ok"
	}
	if e.Kind == Errno {
		if e.Context != "" {
			return fmt.Sprintf("%s: errno %d (%s)", e.Context, int(e.errno), e.errno.Error())
		}
		return fmt.Sprintf("errno %d (%s)", int(e.errno), e.errno.Error())
	}
	if e.Context != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Context)
	}
	return e.Kind.String()
}

// Is allows errors.Is(err, avberr.New(NotFound)) style comparisons based on Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Errno unwraps the OS errno carried by an Errno-kind Error, or 0.
func (e *Error) Errno() syscall.Errno {
	if e == nil {
		return 0
	}
	return e.errno
}

// New constructs an Error of the given kind with optional context.
func New(kind Kind, context string) *Error {
	return &Error{Kind: kind, Context: context}
}

// FromErrno wraps an OS errno as an Errno-kind Error.
func FromErrno(errno syscall.Errno, context string) *Error {
	return &Error{Kind: Errno, Context: context, errno: errno}
}

// KindOf extracts the Kind of err, or Ok if err is nil, or Generic if err
// is a foreign error type.
func KindOf(err error) Kind {
	if err == nil {
		return Ok
	}
	if ae, ok := err.(*Error); ok {
		return ae.Kind
	}
	return Generic
}
