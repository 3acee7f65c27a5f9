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

// Package arch describes the execution context of a thread on amd64 and the
// codec used to save it, restore it and build resumable frames from it.
//
// Nothing outside this package and ring0 should depend on the layout of
// Registers; kernel logic reads and writes contexts through the accessors and
// the Codec interface.
package arch

import (
	"fmt"
)

// Registers is the saved execution context of a thread.
//
// The field order is an ABI shared by the trap stubs and the context switch
// engine. The Offset constants below must match it; see TestLayout.
type Registers struct {
	Rax    uint64
	Rbx    uint64
	Rcx    uint64
	Rdx    uint64
	Rsi    uint64
	Rdi    uint64
	Rbp    uint64
	Rsp    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	Rip    uint64
	Rflags uint64
	Cs     uint64
	Ss     uint64
	Ds     uint64
	Es     uint64

	// Cr3 is the address-space root active when the context was saved.
	Cr3 uint64
}

// Byte offsets of each Registers field.
const (
	OffsetRax    = 0x00
	OffsetRbx    = 0x08
	OffsetRcx    = 0x10
	OffsetRdx    = 0x18
	OffsetRsi    = 0x20
	OffsetRdi    = 0x28
	OffsetRbp    = 0x30
	OffsetRsp    = 0x38
	OffsetR8     = 0x40
	OffsetR9     = 0x48
	OffsetR10    = 0x50
	OffsetR11    = 0x58
	OffsetR12    = 0x60
	OffsetR13    = 0x68
	OffsetR14    = 0x70
	OffsetR15    = 0x78
	OffsetRip    = 0x80
	OffsetRflags = 0x88
	OffsetCs     = 0x90
	OffsetSs     = 0x98
	OffsetDs     = 0xa0
	OffsetEs     = 0xa8
	OffsetCr3    = 0xb0

	// RegistersSize is the size of Registers in bytes.
	RegistersSize = 0xb8
)

// Segment selectors installed in the GDT.
const (
	KernelCode = 0x08
	KernelData = 0x10
	UserCode   = 0x18 | 3
	UserData   = 0x20 | 3
)

// Privilege returns the privilege level encoded in a selector.
func Privilege(selector uint64) int {
	return int(selector & 3)
}

// Flags register bits.
const (
	FlagCF       = 1 << 0
	FlagReserved = 1 << 1
	FlagPF       = 1 << 2
	FlagAF       = 1 << 4
	FlagZF       = 1 << 6
	FlagSF       = 1 << 7
	FlagTF       = 1 << 8
	FlagIF       = 1 << 9
	FlagDF       = 1 << 10
	FlagOF       = 1 << 11
	FlagIOPL     = 3 << 12
	FlagNT       = 1 << 14
	FlagRF       = 1 << 16
	FlagVM       = 1 << 17
	FlagAC       = 1 << 18
	FlagVIF      = 1 << 19
	FlagVIP      = 1 << 20
	FlagID       = 1 << 21
)

const (
	// UserFlagsSafeMask is the set of flags user code may control. IOPL,
	// NT, RF and VM are never carried into user mode.
	UserFlagsSafeMask = FlagCF | FlagPF | FlagAF | FlagZF | FlagSF | FlagTF |
		FlagIF | FlagDF | FlagOF | FlagAC | FlagVIF | FlagVIP | FlagID

	// UserFlagsSet are always set on entry to user mode.
	UserFlagsSet = FlagIF | FlagReserved

	// KernelFlagsSet are set on every fresh kernel context.
	KernelFlagsSet = FlagIF | FlagReserved

	// SyscallFlagsMask is cleared by the syscall instruction (IA32_FMASK).
	SyscallFlagsMask = FlagIF | FlagTF | FlagDF | FlagAC | FlagNT | FlagIOPL
)

// SanitizeUserFlags returns flags fit to be loaded on a transition to user
// mode.
func SanitizeUserFlags(flags uint64) uint64 {
	return flags&UserFlagsSafeMask | UserFlagsSet
}

// NewKernelContext returns the initial context of a kernel thread that starts
// at entry on the given stack.
func NewKernelContext(entry, stack, root uint64) Registers {
	return Registers{
		Rip:    entry,
		Rsp:    stack,
		Rflags: KernelFlagsSet,
		Cs:     KernelCode,
		Ss:     KernelData,
		Ds:     KernelData,
		Es:     KernelData,
		Cr3:    root,
	}
}

// NewUserContext returns the initial context of a user thread. The stack
// pointer is aligned down to 16 bytes.
func NewUserContext(entry, stack, root uint64) Registers {
	return Registers{
		Rip:    entry,
		Rsp:    stack &^ 0xf,
		Rflags: UserFlagsSet,
		Cs:     UserCode,
		Ss:     UserData,
		Ds:     UserData,
		Es:     UserData,
		Cr3:    root,
	}
}

// IsUser returns whether the context resumes in user mode.
func (r *Registers) IsUser() bool {
	return Privilege(r.Cs) == 3
}

// Return returns the current syscall return value.
func (r *Registers) Return() uint64 {
	return r.Rax
}

// SetReturn sets the syscall return value.
func (r *Registers) SetReturn(value uint64) {
	r.Rax = value
}

// IP returns the current instruction pointer.
func (r *Registers) IP() uint64 {
	return r.Rip
}

// SetIP sets the current instruction pointer.
func (r *Registers) SetIP(value uint64) {
	r.Rip = value
}

// Stack returns the current stack pointer.
func (r *Registers) Stack() uint64 {
	return r.Rsp
}

// SetStack sets the current stack pointer.
func (r *Registers) SetStack(value uint64) {
	r.Rsp = value
}

// Reg names a general-purpose register.
type Reg int

// General-purpose registers, in Registers field order.
const (
	RAX Reg = iota
	RBX
	RCX
	RDX
	RSI
	RDI
	RBP
	RSP
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15

	// NumGPRs is the number of general-purpose registers.
	NumGPRs = 16
)

var regNames = [NumGPRs]string{
	"rax", "rbx", "rcx", "rdx", "rsi", "rdi", "rbp", "rsp",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

func (g Reg) String() string {
	if g < 0 || int(g) >= NumGPRs {
		return fmt.Sprintf("reg(%d)", int(g))
	}
	return regNames[g]
}

// GPR returns a pointer to the named register.
func (r *Registers) GPR(g Reg) *uint64 {
	switch g {
	case RAX:
		return &r.Rax
	case RBX:
		return &r.Rbx
	case RCX:
		return &r.Rcx
	case RDX:
		return &r.Rdx
	case RSI:
		return &r.Rsi
	case RDI:
		return &r.Rdi
	case RBP:
		return &r.Rbp
	case RSP:
		return &r.Rsp
	case R8:
		return &r.R8
	case R9:
		return &r.R9
	case R10:
		return &r.R10
	case R11:
		return &r.R11
	case R12:
		return &r.R12
	case R13:
		return &r.R13
	case R14:
		return &r.R14
	case R15:
		return &r.R15
	default:
		panic(fmt.Sprintf("invalid register %d", int(g)))
	}
}

// SyscallArgument is an argument supplied to a syscall implementation. The
// accessors convert to the Go type the argument is interpreted as.
type SyscallArgument struct {
	// Prefer to use accessor methods instead of 'Value' directly.
	Value uint64
}

// SyscallArguments represents the set of arguments passed to a syscall.
type SyscallArguments [6]SyscallArgument

// Pointer returns the argument as a user address.
func (a SyscallArgument) Pointer() uint64 {
	return a.Value
}

// Int returns the int32 representation of a 32-bit signed integer argument.
func (a SyscallArgument) Int() int32 {
	return int32(a.Value)
}

// Uint returns the uint32 representation of a 32-bit unsigned integer argument.
func (a SyscallArgument) Uint() uint32 {
	return uint32(a.Value)
}

// Uint64 returns the uint64 representation of a 64-bit unsigned integer argument.
func (a SyscallArgument) Uint64() uint64 {
	return a.Value
}

// SizeT returns the uint representation of a size_t argument.
func (a SyscallArgument) SizeT() uint {
	return uint(a.Value)
}

// SyscallArgRegs are the registers carrying syscall arguments, in order.
var SyscallArgRegs = [6]Reg{RDI, RSI, RDX, R10, R8, R9}

// SyscallNo returns the syscall number held in a context.
func (r *Registers) SyscallNo() uint64 {
	return r.Rax
}

// SyscallArgs marshals the argument registers.
func (r *Registers) SyscallArgs() SyscallArguments {
	var args SyscallArguments
	for i, g := range SyscallArgRegs {
		args[i].Value = *r.GPR(g)
	}
	return args
}

// String implements fmt.Stringer.String.
func (r *Registers) String() string {
	return fmt.Sprintf("rip=%#x rsp=%#x rflags=%#x cs=%#x ss=%#x cr3=%#x rax=%#x rdi=%#x rsi=%#x rdx=%#x",
		r.Rip, r.Rsp, r.Rflags, r.Cs, r.Ss, r.Cr3, r.Rax, r.Rdi, r.Rsi, r.Rdx)
}
