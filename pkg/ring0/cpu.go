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
	"fmt"

	"atomos.dev/atom/pkg/arch"
	"atomos.dev/atom/pkg/bitmap"
	"atomos.dev/atom/pkg/log"
)

// bootStackWords is the size of the stack a CPU starts on.
const bootStackWords = 512

// Scratch holds the per-CPU cells used by the syscall trampoline. The
// syscall instruction does not switch stacks, so the user stack pointer,
// return address and flags are parked here until the kernel stack is live.
type Scratch struct {
	UserRSP        uint64
	UserRIP        uint64
	UserFlags      uint64
	KernelStackTop uint64
}

// Stats are CPU event counters.
type Stats struct {
	// Traps counts deliveries per vector.
	Traps [NumVectors]uint64

	// Syscalls counts syscall instructions.
	Syscalls uint64

	// Switches counts calls to Switch.
	Switches uint64

	// Resumes counts calls to ResumeOnly, including those from Switch.
	Resumes uint64

	// RootLoads counts address-space root reloads.
	RootLoads uint64

	// RootReuses counts resumes that kept the active root, avoiding a
	// translation flush.
	RootReuses uint64
}

// Halt describes why a CPU stopped.
type Halt struct {
	Reason string

	// Regs is the live register file when the CPU halted.
	Regs arch.Registers
}

// CPU is the kernel's view of a single processor.
type CPU struct {
	// kernel is the kernel this CPU belongs to.
	kernel *Kernel

	// regs is the live register file.
	regs arch.Registers

	// scratch are the syscall scratch cells.
	scratch Scratch

	// rsp0 is the stack loaded on a trap from user mode.
	rsp0 uint64

	// boot is the stack the CPU starts on.
	boot *Stack

	// pending holds interrupts raised while interrupts were disabled.
	pending bitmap.Bitmap

	// running is set while kernel code executes.
	running bool

	// waiting is set while the CPU idles for an interrupt.
	waiting bool

	// halt is set once the CPU stops for good.
	halt *Halt

	stats Stats

	// KernelException is called for exception vectors.
	KernelException func(c *CPU, f *TrapFrame)

	// KernelTimer is called for the timer vector.
	KernelTimer func(c *CPU, f *TrapFrame)

	// KernelInterrupt is called for every other vector.
	KernelInterrupt func(c *CPU, f *TrapFrame)

	// KernelSyscall is called for system calls. Its result is returned to
	// the caller in rax unless the handler resumed another context.
	KernelSyscall func(c *CPU, nr uint64, args arch.SyscallArguments) uint64
}

func defaultException(c *CPU, f *TrapFrame) {
	c.Halt(fmt.Sprintf("unhandled exception: %v (error code %#x) at rip %#x", Vector(f.Vector), f.ErrorCode, f.Rip))
}

func defaultTimer(*CPU, *TrapFrame) {}

func defaultInterrupt(_ *CPU, f *TrapFrame) {
	log.Debugf("unexpected interrupt: %v", Vector(f.Vector))
}

func defaultSyscall(c *CPU, nr uint64, _ arch.SyscallArguments) uint64 {
	c.Halt(fmt.Sprintf("unhandled syscall %d", nr))
	return 0
}

// Init allows the initialization of a CPU from a kernel without allocation.
//
// Init allows embedding in other objects.
func (c *CPU) Init(k *Kernel) {
	c.kernel = k
	c.boot = k.NewStack(bootStackWords)
	c.regs = arch.NewKernelContext(0, c.boot.Top(), 0)

	// Interrupts are disabled until the first context is resumed.
	c.regs.Rflags = arch.FlagReserved
	c.pending = bitmap.New(NumVectors)

	// Defaults.
	c.KernelException = defaultException
	c.KernelTimer = defaultTimer
	c.KernelInterrupt = defaultInterrupt
	c.KernelSyscall = defaultSyscall
}

// Kernel returns the kernel this CPU belongs to.
func (c *CPU) Kernel() *Kernel {
	return c.kernel
}

// Registers returns the live register file.
//
// While the CPU is in user mode this is the state of the running user
// thread, and a driver edits it to simulate user execution.
func (c *CPU) Registers() *arch.Registers {
	return &c.regs
}

// Scratch returns the syscall scratch cells.
func (c *CPU) Scratch() Scratch {
	return c.scratch
}

// SetKernelStack sets the stack used on the next entry from user mode.
func (c *CPU) SetKernelStack(top uint64) {
	c.rsp0 = top
	c.scratch.KernelStackTop = top
}

// KernelStack returns the stack used on entry from user mode.
func (c *CPU) KernelStack() uint64 {
	return c.rsp0
}

// Stats returns a copy of the CPU counters.
func (c *CPU) Stats() Stats {
	return c.stats
}

// Halt stops the CPU. Execution ends once the current handler returns.
func (c *CPU) Halt(reason string) {
	if c.halt != nil {
		return
	}
	c.halt = &Halt{Reason: reason, Regs: c.regs}
	log.Warningf("CPU halted: %s", reason)
}

// Halted returns the halt record, or nil if the CPU is live.
func (c *CPU) Halted() *Halt {
	return c.halt
}

// Waiting returns whether the CPU is idle, waiting for an interrupt.
func (c *CPU) Waiting() bool {
	return c.waiting
}

// InUser returns whether the CPU executes in user mode.
func (c *CPU) InUser() bool {
	return c.halt == nil && c.regs.IsUser()
}

// Start resumes ctx on a freshly initialized CPU and runs until the CPU is
// in user mode, idle or halted.
func (c *CPU) Start(ctx *arch.Registers) {
	c.enterKernel(func() {
		c.ResumeOnly(ctx)
	})
}

// Continue runs kernel code from the current instruction pointer.
func (c *CPU) Continue() {
	c.enterKernel(func() {})
}

// Syscall executes the syscall instruction in user mode.
func (c *CPU) Syscall() {
	if c.running {
		panic("syscall instruction executed in kernel code")
	}
	if !c.InUser() {
		c.Exception(InvalidOpcode, 0)
		return
	}
	c.enterKernel(func() {
		c.regs.Rcx = c.regs.Rip
		c.regs.R11 = c.regs.Rflags
		c.regs.Rflags &^= arch.SyscallFlagsMask
		c.regs.Cs = arch.KernelCode
		c.regs.Ss = arch.KernelData
		c.regs.Rip = c.kernel.addrSyscallEntry
	})
}

// Exception raises the exception v. Exceptions cannot be masked.
func (c *CPU) Exception(v Vector, code uint64) {
	if v >= NumExceptions {
		panic(fmt.Sprintf("vector %d is not an exception", v))
	}
	if c.running {
		panic("exception raised from kernel code")
	}
	c.enterKernel(func() {
		c.enter(v, code)
	})
}

// Interrupt raises the external interrupt v. If interrupts are disabled or
// kernel code is running, it is held pending and delivered once interrupts
// are enabled again.
func (c *CPU) Interrupt(v Vector) {
	if c.running || c.regs.Rflags&arch.FlagIF == 0 {
		c.pending.Add(uint32(v))
		return
	}
	c.enterKernel(func() {
		c.enter(v, 0)
	})
}

// Pending returns the vectors held pending.
func (c *CPU) Pending() []Vector {
	var vs []Vector
	for _, v := range c.pending.Members() {
		vs = append(vs, Vector(v))
	}
	return vs
}

func (c *CPU) enterKernel(fn func()) {
	if c.halt != nil {
		return
	}
	c.running = true
	defer func() { c.running = false }()
	fn()
	c.run()
}

// run executes kernel code until the CPU returns to user mode, idles or
// halts.
func (c *CPU) run() {
	for c.halt == nil {
		if c.regs.Rflags&arch.FlagIF != 0 && !c.pending.Empty() {
			// Highest vector first.
			vs := c.pending.Members()
			v := vs[len(vs)-1]
			c.pending.Remove(v)
			if !c.enter(Vector(v), 0) {
				return
			}
			continue
		}
		if c.regs.IsUser() {
			c.waiting = false
			return
		}
		fn, ok := c.kernel.code[c.regs.Rip]
		if !ok {
			c.Halt(fmt.Sprintf("kernel execution at unmapped address %#x", c.regs.Rip))
			return
		}
		if !fn(c) {
			return
		}
	}
}

// enter performs the hardware side of a trap: stack switch, frame push and
// vectoring through the IDT.
func (c *CPU) enter(v Vector, code uint64) bool {
	c.waiting = false
	c.stats.Traps[v]++
	from := c.regs
	rsp := from.Rsp
	if from.IsUser() {
		if c.rsp0 == 0 {
			c.Halt(fmt.Sprintf("%v from user mode with no kernel stack", v))
			return false
		}
		rsp = c.rsp0
	}
	c.regs.Rsp = rsp &^ 0xf
	c.regs.Cs = arch.KernelCode
	c.regs.Ss = arch.KernelData
	hw := arch.ReturnFrame{Rip: from.Rip, Cs: from.Cs, Rflags: from.Rflags, Rsp: from.Rsp, Ss: from.Ss}
	for _, w := range hw.Words() {
		if !c.push(w) {
			return false
		}
	}
	if HasErrorCode(v) && !c.push(code) {
		return false
	}
	c.regs.Rflags &^= arch.FlagIF | arch.FlagTF
	c.regs.Rip = c.kernel.idt[v]
	return true
}

func (c *CPU) push(val uint64) bool {
	c.regs.Rsp -= 8
	if !c.kernel.mem.write(c.regs.Rsp, val) {
		c.Halt(fmt.Sprintf("kernel stack fault writing %#x", c.regs.Rsp))
		return false
	}
	return true
}

func (c *CPU) pop() (uint64, bool) {
	val, ok := c.kernel.mem.read(c.regs.Rsp)
	if !ok {
		c.Halt(fmt.Sprintf("kernel stack fault reading %#x", c.regs.Rsp))
		return 0, false
	}
	c.regs.Rsp += 8
	return val, true
}

// iret pops a return frame and loads it.
func (c *CPU) iret() bool {
	var w [5]uint64
	for i := range w {
		v, ok := c.pop()
		if !ok {
			return false
		}
		w[i] = v
	}
	f := arch.ReturnFrameFromStack(w)
	c.regs.Rip, c.regs.Cs, c.regs.Rflags, c.regs.Rsp, c.regs.Ss = f.Rip, f.Cs, f.Rflags, f.Rsp, f.Ss
	return true
}

func (c *CPU) readFrame(addr uint64, f *TrapFrame) bool {
	for i, p := range f.words() {
		v, ok := c.kernel.mem.read(addr + uint64(i)*8)
		if !ok {
			c.Halt(fmt.Sprintf("kernel stack fault reading trap frame at %#x", addr))
			return false
		}
		*p = v
	}
	return true
}

func (c *CPU) writeFrame(addr uint64, f *TrapFrame) bool {
	for i, p := range f.words() {
		if !c.kernel.mem.write(addr+uint64(i)*8, *p) {
			c.Halt(fmt.Sprintf("kernel stack fault writing trap frame at %#x", addr))
			return false
		}
	}
	return true
}
