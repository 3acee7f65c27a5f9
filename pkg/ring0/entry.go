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

// trapEntry is the stub for vector v.
//
// On entry the hardware frame (and possibly an error code) is on the stack.
// The stub makes the frame uniform, saves every register, and calls the
// handler for the vector's class with the return address set to the common
// epilogue.
func (c *CPU) trapEntry(v Vector) bool {
	if !HasErrorCode(v) && !c.push(0) {
		return false
	}
	if !c.push(uint64(v)) {
		return false
	}
	for _, g := range stubPushOrder {
		if !c.push(*c.regs.GPR(g)) {
			return false
		}
	}
	addr := c.regs.Rsp
	var f TrapFrame
	if !c.readFrame(addr, &f) {
		return false
	}

	c.regs.Rip = c.kernel.addrTrapExit
	switch ClassOf(v) {
	case ClassException:
		c.KernelException(c, &f)
	case ClassTimer:
		c.KernelTimer(c, &f)
	default:
		c.KernelInterrupt(c, &f)
	}
	if c.halt != nil {
		return false
	}

	// The handler may have edited the frame, and may have switched away
	// from it; either way the frame belongs to the interrupted context.
	return c.writeFrame(addr, &f)
}

// trapExit is the common epilogue. It restores every register from the
// frame at the stack pointer, discards the vector and error code, and
// returns with iretq.
func (c *CPU) trapExit() bool {
	for i := len(stubPushOrder) - 1; i >= 0; i-- {
		v, ok := c.pop()
		if !ok {
			return false
		}
		*c.regs.GPR(stubPushOrder[i]) = v
	}
	c.regs.Rsp += 16
	return c.iret()
}

// syscallEntry is the syscall trampoline.
func (c *CPU) syscallEntry() bool {
	c.scratch.UserRSP = c.regs.Rsp
	c.scratch.UserRIP = c.regs.Rcx
	c.scratch.UserFlags = c.regs.R11
	if c.scratch.KernelStackTop == 0 {
		c.Halt("syscall with no kernel stack")
		return false
	}
	c.regs.Rsp = c.scratch.KernelStackTop

	// The scratch cells are per-CPU. Keep a copy on the thread's own stack
	// so that a switch before sysret cannot lose them.
	for _, w := range []uint64{c.scratch.UserRSP, c.scratch.UserRIP, c.scratch.UserFlags} {
		if !c.push(w) {
			return false
		}
	}
	c.stats.Syscalls++

	nr := c.regs.SyscallNo()
	args := c.regs.SyscallArgs()
	c.regs.Rip = c.kernel.addrSyscallExit
	resumes := c.stats.Resumes
	ret := c.KernelSyscall(c, nr, args)
	if c.halt != nil {
		return false
	}
	if c.stats.Resumes == resumes {
		c.regs.Rax = ret
	}
	return true
}

// syscallExit unwinds the trampoline and returns with sysretq.
func (c *CPU) syscallExit() bool {
	flags, ok := c.pop()
	if !ok {
		return false
	}
	rip, ok := c.pop()
	if !ok {
		return false
	}
	rsp, ok := c.pop()
	if !ok {
		return false
	}
	c.regs.Rcx = rip
	c.regs.R11 = arch.SanitizeUserFlags(flags)

	// sysretq.
	c.regs.Rsp = rsp
	c.regs.Rip = c.regs.Rcx
	c.regs.Rflags = c.regs.R11
	c.regs.Cs = arch.UserCode
	c.regs.Ss = arch.UserData
	return true
}

// idle is the idle loop: hlt until the next interrupt.
func (c *CPU) idle() bool {
	c.waiting = true
	return false
}

// SyscallUserContext stores into dst the user context of the thread in the
// current system call, as it will be seen on return: rcx and r11 hold the
// return address and flags, and rax is not yet the result.
//
// It may only be called from KernelSyscall before any switch.
func (c *CPU) SyscallUserContext(dst *arch.Registers) {
	for g := arch.Reg(0); g < arch.NumGPRs; g++ {
		*dst.GPR(g) = *c.regs.GPR(g)
	}
	flags := arch.SanitizeUserFlags(c.scratch.UserFlags)
	dst.Rsp = c.scratch.UserRSP
	dst.Rip = c.scratch.UserRIP
	dst.Rcx = c.scratch.UserRIP
	dst.Rflags = flags
	dst.R11 = flags
	dst.Cs = arch.UserCode
	dst.Ss = arch.UserData
	dst.Ds = c.regs.Ds
	dst.Es = c.regs.Es
	dst.Cr3 = c.regs.Cr3
}

// TrapContext stores into dst the context interrupted by the trap whose
// frame is f.
func (c *CPU) TrapContext(f *TrapFrame, dst *arch.Registers) {
	f.Registers(dst)
	dst.Ds = c.regs.Ds
	dst.Es = c.regs.Es
	dst.Cr3 = c.regs.Cr3
}
