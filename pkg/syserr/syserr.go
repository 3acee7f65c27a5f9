// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package syserr contains the kernel's error taxonomy. Every error that can
// reach a thread through the system call boundary is one of the values
// declared here and is returned to user code as a small negative code.
package syserr

import (
	"errors"
	"fmt"
)

// Code is the value placed in the result register when a system call fails.
// Codes are always negative.
type Code int64

// Error represents a kernel error.
type Error struct {
	// message is the human readable form of this Error.
	message string

	// code is the ABI code this Error is translated to.
	code Code

	// parent is the broader class this error belongs to, if any. errors.Is
	// reports a match against the parent as well.
	parent *Error
}

const maxCode = 32

// byCode maps -code back to the Error declared for it.
var byCode [maxCode]*Error

// New creates a new Error and registers its code.
//
// New must only be called at init.
func New(message string, code Code) *Error {
	return newWithParent(message, code, nil)
}

func newWithParent(message string, code Code, parent *Error) *Error {
	if code >= 0 || -code >= maxCode {
		panic(fmt.Sprintf("invalid code %d for %q", code, message))
	}
	if byCode[-code] != nil {
		panic(fmt.Sprintf("code %d registered twice: %q and %q", code, byCode[-code].message, message))
	}
	e := &Error{message: message, code: code, parent: parent}
	byCode[-code] = e
	return e
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// String implements fmt.Stringer.String.
func (e *Error) String() string {
	if e == nil {
		return "<nil>"
	}
	return e.message
}

// Code returns the ABI code of e.
func (e *Error) Code() Code { return e.code }

// Is implements the interface used by errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	for p := e; p != nil; p = p.parent {
		if p == t {
			return true
		}
	}
	return false
}

// The kernel error taxonomy.
var (
	ErrInvalidArgument      = New("invalid argument", -1)
	ErrPermissionDenied     = New("permission denied", -2)
	ErrOutOfCapacity        = New("out of capacity", -3)
	ErrBusy                 = New("resource busy", -4)
	ErrMessageTooLarge      = New("message too large", -5)
	ErrTimedOut             = New("operation timed out", -6)
	ErrWouldBlock           = New("operation would block", -7)
	ErrDeadlock             = New("deadlock detected", -8)
	ErrUnsupportedOperation = New("operation not supported", -9)

	// ErrRightsExceeded is returned when a derivation asks for rights the
	// parent does not hold. It is a permission failure.
	ErrRightsExceeded = newWithParent("requested rights exceed parent rights", -10, ErrPermissionDenied)
)

// ToCode translates err into the ABI result code. A nil error translates to
// zero. Errors outside the taxonomy translate to ErrInvalidArgument's code,
// since a kernel error must never leak as an undefined value.
func ToCode(err error) Code {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.code
	}
	return ErrInvalidArgument.code
}

// FromCode returns the Error registered for code, or nil if code is not a
// known error code.
func FromCode(code Code) *Error {
	if code >= 0 || -code >= maxCode {
		return nil
	}
	return byCode[-code]
}

// Result converts a successful value or an error into the value placed in the
// result register.
func Result(val uint64, err error) uint64 {
	if err != nil {
		return uint64(ToCode(err))
	}
	return val
}

// IsError reports whether a raw result register value holds an error code.
func IsError(ret uint64) bool {
	c := Code(int64(ret))
	return c < 0 && FromCode(c) != nil
}
