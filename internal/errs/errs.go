// Package errs defines the error taxonomy shared by every layer of the
// transport: codec, crypto, network I/O, tunnel, proxy, topic dispatch.
package errs

import (
	"errors"
	"fmt"
)

// Code identifies the kind of failure, independent of where it occurred.
type Code int

const (
	Unspecified Code = iota
	InvalidParam
	InvalidFormat
	OutOfLimit
	Retry
	Timeout
	CryptoSign
	CryptoEncrypt
	CryptoDecrypt
	CryptoVerify
	TunnelClosed
	TunnelExpired
	NotFound
	AlreadyExist
	Conflict
	Forbidden
	Ignore
	Fatal
	Exception
)

func (c Code) String() string {
	switch c {
	case InvalidParam:
		return "InvalidParam"
	case InvalidFormat:
		return "InvalidFormat"
	case OutOfLimit:
		return "OutOfLimit"
	case Retry:
		return "Retry"
	case Timeout:
		return "Timeout"
	case CryptoSign:
		return "CryptoSign"
	case CryptoEncrypt:
		return "CryptoEncrypt"
	case CryptoDecrypt:
		return "CryptoDecrypt"
	case CryptoVerify:
		return "CryptoVerify"
	case TunnelClosed:
		return "TunnelClosed"
	case TunnelExpired:
		return "TunnelExpired"
	case NotFound:
		return "NotFound"
	case AlreadyExist:
		return "AlreadyExist"
	case Conflict:
		return "Conflict"
	case Forbidden:
		return "Forbidden"
	case Ignore:
		return "Ignore"
	case Fatal:
		return "Fatal"
	case Exception:
		return "Exception"
	default:
		return "Unspecified"
	}
}

// Error wraps a Code with the operation and target identifier it
// occurred against, plus an optional underlying cause.
type Error struct {
	Code   Code
	Op     string
	Target string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Target != "":
		return fmt.Sprintf("%s: %s (%s): %v", e.Op, e.Code, e.Target, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	case e.Target != "":
		return fmt.Sprintf("%s: %s (%s)", e.Op, e.Code, e.Target)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with no underlying cause.
func New(code Code, op string) *Error {
	return &Error{Code: code, Op: op}
}

// Wrap builds an *Error carrying an underlying cause.
func Wrap(code Code, op string, target string, err error) *Error {
	return &Error{Code: code, Op: op, Target: target, Err: err}
}

// Is reports whether err (or something it wraps) is an *Error of code c.
func Is(err error, c Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == c
	}
	return false
}

// CodeOf extracts the Code carried by err, or Unspecified if err is not
// (or does not wrap) an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Unspecified
}
