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

package syserr

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodes(t *testing.T) {
	for _, tc := range []struct {
		err  *Error
		code Code
	}{
		{ErrInvalidArgument, -1},
		{ErrPermissionDenied, -2},
		{ErrOutOfCapacity, -3},
		{ErrBusy, -4},
		{ErrMessageTooLarge, -5},
		{ErrTimedOut, -6},
		{ErrWouldBlock, -7},
		{ErrDeadlock, -8},
		{ErrUnsupportedOperation, -9},
		{ErrRightsExceeded, -10},
	} {
		t.Run(tc.err.Error(), func(t *testing.T) {
			if got := tc.err.Code(); got != tc.code {
				t.Errorf("Code: got %d, wanted %d", got, tc.code)
			}
			if got := FromCode(tc.code); got != tc.err {
				t.Errorf("FromCode(%d): got %v, wanted %v", tc.code, got, tc.err)
			}
			wrapped := fmt.Errorf("send on port 3: %w", tc.err)
			if got := ToCode(wrapped); got != tc.code {
				t.Errorf("ToCode(wrapped): got %d, wanted %d", got, tc.code)
			}
			if ret := Result(7, wrapped); !IsError(ret) {
				t.Errorf("IsError(%#x): got false, wanted true", ret)
			}
		})
	}
}

func TestRightsExceededIsPermissionDenied(t *testing.T) {
	if !errors.Is(ErrRightsExceeded, ErrPermissionDenied) {
		t.Errorf("errors.Is(ErrRightsExceeded, ErrPermissionDenied): got false, wanted true")
	}
	if errors.Is(ErrPermissionDenied, ErrRightsExceeded) {
		t.Errorf("errors.Is(ErrPermissionDenied, ErrRightsExceeded): got true, wanted false")
	}
	if errors.Is(ErrBusy, ErrPermissionDenied) {
		t.Errorf("errors.Is(ErrBusy, ErrPermissionDenied): got true, wanted false")
	}
}

func TestForeignErrors(t *testing.T) {
	if got := ToCode(nil); got != 0 {
		t.Errorf("ToCode(nil): got %d, wanted 0", got)
	}
	if got := ToCode(errors.New("boom")); got != ErrInvalidArgument.Code() {
		t.Errorf("ToCode(foreign): got %d, wanted %d", got, ErrInvalidArgument.Code())
	}
	if got := FromCode(-31); got != nil {
		t.Errorf("FromCode(-31): got %v, wanted nil", got)
	}
	if got := Result(42, nil); got != 42 {
		t.Errorf("Result(42, nil): got %d, wanted 42", got)
	}
	if IsError(42) {
		t.Errorf("IsError(42): got true, wanted false")
	}
}
