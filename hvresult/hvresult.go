// x86-64 hypervisor bring-up core
// https://github.com/openhv/bringup
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package hvresult defines the small POSIX-style error taxonomy shared by
// every layer of the bring-up core, so that a failure recorded by one CPU
// in the sticky error latch can be reported back across the vm_cpu_entry
// ABI boundary as a plain numeric code while still behaving as an
// idiomatic Go error everywhere else.
package hvresult

import "fmt"

// Code is a POSIX-style negative error code, matching the numeric
// contract the host driver expects at the vm_cpu_entry/rt_cpu_entry ABI
// boundary.
type Code int32

// The fixed set of error codes the core can report.
const (
	EINVAL Code = -22
	EIO    Code = -5
	ERANGE Code = -34
	EBUSY  Code = -16
	ENOMEM Code = -12
)

func (c Code) String() string {
	switch c {
	case EINVAL:
		return "EINVAL"
	case EIO:
		return "EIO"
	case ERANGE:
		return "ERANGE"
	case EBUSY:
		return "EBUSY"
	case ENOMEM:
		return "ENOMEM"
	default:
		return fmt.Sprintf("Code(%d)", int32(c))
	}
}

// Error pairs a Code with a human-readable message. It satisfies the
// standard error interface so core code returns plain Go errors, while
// Code lets a caller at the ABI boundary recover the numeric value
// without string parsing.
type Error struct {
	Code Code
	Msg  string
}

// New builds an Error, formatting Msg from format/args the same way
// fmt.Errorf does.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// As reports the numeric Code carried by err, if any, falling back to
// EIO for a non-nil error that did not originate from this package —
// the bring-up state machine must always be able to latch some code,
// even for an error surfaced by a collaborator package.
func As(err error) Code {
	if err == nil {
		return 0
	}
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return EIO
}
