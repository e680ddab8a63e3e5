package archive

import "fmt"

// Class is the coarse-grained outcome of an operation.
type Class int

const (
	// OK means the operation succeeded.
	OK Class = iota
	// ErrorClass means the operation failed. Failures that move the
	// session to StageError are reported with this class too; check
	// Session.Stage to tell whether the session is still usable.
	ErrorClass
	// Fatal is a third failure class; no operation in this package
	// returns it.
	Fatal
)

func (c Class) String() string {
	switch c {
	case OK:
		return "OK"
	case ErrorClass:
		return "Error"
	case Fatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// Code enumerates the error taxonomy returned alongside Class.
type Code int

const (
	// CodeNone accompanies a Class of OK.
	CodeNone Code = iota
	// InvalidOp: operation issued in a state where it is meaningless.
	InvalidOp
	// NotFound: member requested for read does not exist, or open
	// without New was requested for an absent member.
	NotFound
	// NotSupported: compression method outside {stored, deflate}.
	NotSupported
	// DataError: on-disk structure failed a signature or length check.
	DataError
)

func (c Code) String() string {
	switch c {
	case CodeNone:
		return "None"
	case InvalidOp:
		return "InvalidOp"
	case NotFound:
		return "NotFound"
	case NotSupported:
		return "NotSupported"
	case DataError:
		return "DataError"
	default:
		return "Unknown"
	}
}

// Status is the structured error shape used across the public API:
// { class, code, errno?, message }. It wraps remote-transport errors
// verbatim, so errors.Is/errors.As keep working against the
// underlying cause.
type Status struct {
	Class   Class
	Code    Code
	Errno   int
	Message string
	Cause   error
}

// StatusOK is the zero-cost success status shared by every successful
// call, so callers never need to allocate one themselves.
var StatusOK = &Status{Class: OK}

func (s *Status) Error() string {
	if s == nil {
		return "<nil>"
	}
	if s.Cause != nil {
		return fmt.Sprintf("%s/%s: %s: %v", s.Class, s.Code, s.Message, s.Cause)
	}
	return fmt.Sprintf("%s/%s: %s", s.Class, s.Code, s.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (s *Status) Unwrap() error { return s.Cause }

// IsOK reports whether this status represents success.
func (s *Status) IsOK() bool { return s == nil || s.Class == OK }

// newStatus builds a Status of the given class/code/message.
func newStatus(class Class, code Code, message string) *Status {
	return &Status{Class: class, Code: code, Message: message}
}

// wrapStatus lifts a remote-transport error verbatim into a Status:
// core logic never re-interprets a transport failure's meaning.
func wrapStatus(err error) *Status {
	if err == nil {
		return StatusOK
	}
	if s, ok := err.(*Status); ok {
		return s
	}
	return &Status{Class: ErrorClass, Code: CodeNone, Message: "remote I/O failure", Cause: err}
}

// firstFailure returns a if it is a failure, else b. Used by
// CloseArchive to propagate the *first* failure across its
// write-then-close two-step instead of letting a successful close
// mask an earlier write error.
func firstFailure(a, b *Status) *Status {
	if !a.IsOK() {
		return a
	}
	return b
}
