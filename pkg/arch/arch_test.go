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

package arch

import (
	"testing"
	"unsafe"

	"github.com/google/go-cmp/cmp"
)

func TestLayout(t *testing.T) {
	var r Registers
	for _, tc := range []struct {
		name   string
		got    uintptr
		offset uintptr
	}{
		{"rax", unsafe.Offsetof(r.Rax), OffsetRax},
		{"rbx", unsafe.Offsetof(r.Rbx), OffsetRbx},
		{"rcx", unsafe.Offsetof(r.Rcx), OffsetRcx},
		{"rdx", unsafe.Offsetof(r.Rdx), OffsetRdx},
		{"rsi", unsafe.Offsetof(r.Rsi), OffsetRsi},
		{"rdi", unsafe.Offsetof(r.Rdi), OffsetRdi},
		{"rbp", unsafe.Offsetof(r.Rbp), OffsetRbp},
		{"rsp", unsafe.Offsetof(r.Rsp), OffsetRsp},
		{"r8", unsafe.Offsetof(r.R8), OffsetR8},
		{"r9", unsafe.Offsetof(r.R9), OffsetR9},
		{"r10", unsafe.Offsetof(r.R10), OffsetR10},
		{"r11", unsafe.Offsetof(r.R11), OffsetR11},
		{"r12", unsafe.Offsetof(r.R12), OffsetR12},
		{"r13", unsafe.Offsetof(r.R13), OffsetR13},
		{"r14", unsafe.Offsetof(r.R14), OffsetR14},
		{"r15", unsafe.Offsetof(r.R15), OffsetR15},
		{"rip", unsafe.Offsetof(r.Rip), OffsetRip},
		{"rflags", unsafe.Offsetof(r.Rflags), OffsetRflags},
		{"cs", unsafe.Offsetof(r.Cs), OffsetCs},
		{"ss", unsafe.Offsetof(r.Ss), OffsetSs},
		{"ds", unsafe.Offsetof(r.Ds), OffsetDs},
		{"es", unsafe.Offsetof(r.Es), OffsetEs},
		{"cr3", unsafe.Offsetof(r.Cr3), OffsetCr3},
	} {
		if tc.got != tc.offset {
			t.Errorf("offset of %s: got %#x, wanted %#x", tc.name, tc.got, tc.offset)
		}
	}
	if got := unsafe.Sizeof(r); got != RegistersSize {
		t.Errorf("sizeof(Registers): got %#x, wanted %#x", got, RegistersSize)
	}
}

func TestGPROrderMatchesLayout(t *testing.T) {
	var r Registers
	base := uintptr(unsafe.Pointer(&r))
	for g := Reg(0); g < NumGPRs; g++ {
		if got, want := uintptr(unsafe.Pointer(r.GPR(g)))-base, uintptr(g)*8; got != want {
			t.Errorf("GPR(%v) at offset %#x, wanted %#x", g, got, want)
		}
	}
}

func TestSanitizeUserFlags(t *testing.T) {
	for _, tc := range []struct {
		name string
		in   uint64
		want uint64
	}{
		{"zero", 0, FlagIF | FlagReserved},
		{"arithmetic kept", FlagCF | FlagZF | FlagOF, FlagCF | FlagZF | FlagOF | FlagIF | FlagReserved},
		{"iopl cleared", FlagIOPL | FlagIF, FlagIF | FlagReserved},
		{"nt cleared", FlagNT, FlagIF | FlagReserved},
		{"vm and rf cleared", FlagVM | FlagRF, FlagIF | FlagReserved},
		{"reserved high bits cleared", 1<<40 | 1<<22 | FlagTF, FlagTF | FlagIF | FlagReserved},
		{"all ones", ^uint64(0), UserFlagsSafeMask | FlagReserved},
		{"all ones value", ^uint64(0), 0x3C0FD7},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeUserFlags(tc.in); got != tc.want {
				t.Errorf("SanitizeUserFlags(%#x): got %#x, wanted %#x", tc.in, got, tc.want)
			}
		})
	}
}

func TestInitialContexts(t *testing.T) {
	u := NewUserContext(0x400000, 0x7fff_1237, 0x1000)
	if !u.IsUser() || u.Rsp != 0x7fff_1230 || u.Rflags != 0x202 || u.Ds != UserData {
		t.Errorf("NewUserContext: got %s", &u)
	}
	k := NewKernelContext(0xffff_8000_0000_1000, 0xffff_8000_0010_0000, 0x2000)
	if k.IsUser() || k.Cs != KernelCode || k.Ss != KernelData {
		t.Errorf("NewKernelContext: got %s", &k)
	}
}

func TestSyscallArgs(t *testing.T) {
	r := Registers{Rax: 6, Rdi: 1, Rsi: 2, Rdx: 3, R10: 4, R8: 5, R9: 6, Rcx: 99}
	want := SyscallArguments{{1}, {2}, {3}, {4}, {5}, {6}}
	if diff := cmp.Diff(want, r.SyscallArgs()); diff != "" {
		t.Errorf("SyscallArgs mismatch (-want +got):\n%s", diff)
	}
	if got := r.SyscallNo(); got != 6 {
		t.Errorf("SyscallNo: got %d, wanted 6", got)
	}
}

func TestCodecRoundTrip(t *testing.T) {
	live := Registers{
		Rax: 1, Rbx: 2, Rcx: 3, Rdx: 4, Rsi: 5, Rdi: 6, Rbp: 7, Rsp: 8,
		R8: 9, R9: 10, R10: 11, R11: 12, R12: 13, R13: 14, R14: 15, R15: 16,
		Rip: 0xdead, Rflags: 0x246, Cs: UserCode, Ss: UserData, Ds: UserData, Es: UserData,
		Cr3: 0x5000,
	}
	c := &AMD64{}
	var saved Registers
	c.Save(&saved, &live, live.Rip)
	if diff := cmp.Diff(live, saved); diff != "" {
		t.Fatalf("Save mismatch (-want +got):\n%s", diff)
	}

	var restored Registers
	c.Restore(&restored, &saved)
	f := c.BuildReturnFrame(&saved)
	restored.Rip, restored.Cs, restored.Rflags, restored.Rsp, restored.Ss = f.Rip, f.Cs, f.Rflags, f.Rsp, f.Ss
	restored.Ds, restored.Es, restored.Cr3 = saved.Ds, saved.Es, saved.Cr3
	if diff := cmp.Diff(live, restored); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestRestoreOrder(t *testing.T) {
	var seen []Reg
	c := &AMD64{Observe: func(g Reg) { seen = append(seen, g) }}
	var live, src Registers
	c.Restore(&live, &src)

	if diff := cmp.Diff(RestoreOrder(), seen); diff != "" {
		t.Errorf("restore order mismatch (-want +got):\n%s", diff)
	}
	if last := seen[len(seen)-1]; last != ContextReg {
		t.Errorf("last restored register: got %v, wanted %v", last, ContextReg)
	}
	restored := make(map[Reg]bool)
	for _, g := range seen {
		if restored[g] {
			t.Errorf("%v restored twice", g)
		}
		restored[g] = true
	}
	for g := Reg(0); g < NumGPRs; g++ {
		if g != RSP && !restored[g] {
			t.Errorf("%v never restored", g)
		}
	}
	if restored[RSP] {
		t.Errorf("rsp restored outside the return frame")
	}
}

func TestReturnFrameWords(t *testing.T) {
	f := ReturnFrame{Rip: 1, Cs: 2, Rflags: 3, Rsp: 4, Ss: 5}
	if diff := cmp.Diff([5]uint64{5, 4, 3, 2, 1}, f.Words()); diff != "" {
		t.Errorf("Words mismatch (-want +got):\n%s", diff)
	}
	if got := ReturnFrameFromStack([5]uint64{1, 2, 3, 4, 5}); got != f {
		t.Errorf("ReturnFrameFromStack: got %+v, wanted %+v", got, f)
	}
}

func TestUserFrameSanitized(t *testing.T) {
	c := &AMD64{}
	r := NewUserContext(0x1000, 0x2000, 0)
	r.Rflags = FlagIOPL | FlagCF
	if got := c.BuildReturnFrame(&r).Rflags; got != FlagCF|FlagIF|FlagReserved {
		t.Errorf("user frame flags: got %#x", got)
	}
	k := NewKernelContext(0x1000, 0x2000, 0)
	k.Rflags = FlagIOPL | FlagReserved
	if got := c.BuildReturnFrame(&k).Rflags; got != FlagIOPL|FlagReserved {
		t.Errorf("kernel frame flags: got %#x", got)
	}
}
