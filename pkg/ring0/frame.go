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

package ring0

import (
	"atomos.dev/atom/pkg/arch"
)

// TrapFrame is the stack image built by every trap stub, lowest address
// first. The stub pushes the general-purpose registers, the vector and (if
// the hardware did not) a zero error code above the hardware frame.
type TrapFrame struct {
	R15       uint64
	R14       uint64
	R13       uint64
	R12       uint64
	R11       uint64
	R10       uint64
	R9        uint64
	R8        uint64
	Rbp       uint64
	Rdi       uint64
	Rsi       uint64
	Rdx       uint64
	Rcx       uint64
	Rbx       uint64
	Rax       uint64
	Vector    uint64
	ErrorCode uint64

	// Pushed by hardware.
	Rip    uint64
	Cs     uint64
	Rflags uint64
	Rsp    uint64
	Ss     uint64
}

const (
	// TrapFrameWords is the size of a TrapFrame in words.
	TrapFrameWords = 22

	// TrapFrameSize is the size of a TrapFrame in bytes.
	TrapFrameSize = TrapFrameWords * 8

	// trapGPRs is the number of registers pushed by a stub.
	trapGPRs = 15

	// Offsets of the fields following the pushed registers.
	TrapFrameVector    = trapGPRs * 8
	TrapFrameErrorCode = TrapFrameVector + 8
	TrapFrameRip       = TrapFrameErrorCode + 8
	TrapFrameCs        = TrapFrameRip + 8
	TrapFrameRflags    = TrapFrameCs + 8
	TrapFrameRsp       = TrapFrameRflags + 8
	TrapFrameSs        = TrapFrameRsp + 8
)

// stubPushOrder is the order in which stubs push registers. The last pushed
// (r15) is at the lowest address.
var stubPushOrder = [trapGPRs]arch.Reg{
	arch.RAX, arch.RBX, arch.RCX, arch.RDX, arch.RSI, arch.RDI, arch.RBP,
	arch.R8, arch.R9, arch.R10, arch.R11, arch.R12, arch.R13, arch.R14, arch.R15,
}

// words returns pointers to each field, lowest address first.
func (f *TrapFrame) words() [TrapFrameWords]*uint64 {
	return [TrapFrameWords]*uint64{
		&f.R15, &f.R14, &f.R13, &f.R12, &f.R11, &f.R10, &f.R9, &f.R8,
		&f.Rbp, &f.Rdi, &f.Rsi, &f.Rdx, &f.Rcx, &f.Rbx, &f.Rax,
		&f.Vector, &f.ErrorCode,
		&f.Rip, &f.Cs, &f.Rflags, &f.Rsp, &f.Ss,
	}
}

// FromUser returns whether the trap interrupted user mode.
func (f *TrapFrame) FromUser() bool {
	return arch.Privilege(f.Cs) == 3
}

// Registers copies the interrupted context into dst. Fields not carried by
// the frame (data selectors and address-space root) are left unchanged.
func (f *TrapFrame) Registers(dst *arch.Registers) {
	dst.Rax, dst.Rbx, dst.Rcx, dst.Rdx = f.Rax, f.Rbx, f.Rcx, f.Rdx
	dst.Rsi, dst.Rdi, dst.Rbp, dst.Rsp = f.Rsi, f.Rdi, f.Rbp, f.Rsp
	dst.R8, dst.R9, dst.R10, dst.R11 = f.R8, f.R9, f.R10, f.R11
	dst.R12, dst.R13, dst.R14, dst.R15 = f.R12, f.R13, f.R14, f.R15
	dst.Rip, dst.Cs, dst.Rflags, dst.Ss = f.Rip, f.Cs, f.Rflags, f.Ss
}

// SetRegisters makes the frame resume src when the trap returns.
func (f *TrapFrame) SetRegisters(src *arch.Registers) {
	f.Rax, f.Rbx, f.Rcx, f.Rdx = src.Rax, src.Rbx, src.Rcx, src.Rdx
	f.Rsi, f.Rdi, f.Rbp, f.Rsp = src.Rsi, src.Rdi, src.Rbp, src.Rsp
	f.R8, f.R9, f.R10, f.R11 = src.R8, src.R9, src.R10, src.R11
	f.R12, f.R13, f.R14, f.R15 = src.R12, src.R13, src.R14, src.R15
	f.Rip, f.Cs, f.Rflags, f.Ss = src.Rip, src.Cs, src.Rflags, src.Ss
}
