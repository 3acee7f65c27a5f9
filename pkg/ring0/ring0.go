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

// Package ring0 implements the privileged entry and exit paths of the kernel
// on a model of a single amd64 CPU.
//
// The model is word-accurate where it matters to the kernel: hardware pushes
// and stack switches on traps, the stub prologue and epilogue, the syscall
// trampoline with its scratch cells, and the iretq based context switch.
// Kernel code lives at addresses in a code map, so a saved kernel-mode
// context resumes exactly where it was suspended.
//
// A CPU is driven from the outside: user code is simulated by editing the
// live registers and then executing Syscall, Exception or Interrupt. Each of
// these runs kernel code until the CPU is back in user mode, idles, or halts.
package ring0

import (
	"fmt"

	"atomos.dev/atom/pkg/arch"
)

// Vector is an interrupt vector.
type Vector uint8

// Architectural exception vectors.
const (
	DivideByZero               Vector = 0
	Debug                      Vector = 1
	NMI                        Vector = 2
	Breakpoint                 Vector = 3
	Overflow                   Vector = 4
	BoundRangeExceeded         Vector = 5
	InvalidOpcode              Vector = 6
	DeviceNotAvailable         Vector = 7
	DoubleFault                Vector = 8
	CoprocessorSegmentOverrun  Vector = 9
	InvalidTSS                 Vector = 10
	SegmentNotPresent          Vector = 11
	StackSegmentFault          Vector = 12
	GeneralProtectionFault     Vector = 13
	PageFault                  Vector = 14
	X87FloatingPointException  Vector = 16
	AlignmentCheck             Vector = 17
	MachineCheck               Vector = 18
	SIMDFloatingPointException Vector = 19
	VirtualizationException    Vector = 20
	ControlProtectionException Vector = 21
	HypervisorInjection        Vector = 28
	VMMCommunication           Vector = 29
	SecurityException          Vector = 30

	// NumExceptions is the number of architectural exception vectors.
	NumExceptions = 32
)

// Device vectors with a dedicated meaning.
const (
	// Timer is the periodic timer interrupt.
	Timer Vector = 32

	// Spurious is the local APIC spurious vector.
	Spurious Vector = 0xff

	// NumVectors is the size of the IDT.
	NumVectors = 256
)

var exceptionNames = map[Vector]string{
	DivideByZero:               "divide by zero",
	Debug:                      "debug",
	NMI:                        "nmi",
	Breakpoint:                 "breakpoint",
	Overflow:                   "overflow",
	BoundRangeExceeded:         "bound range exceeded",
	InvalidOpcode:              "invalid opcode",
	DeviceNotAvailable:         "device not available",
	DoubleFault:                "double fault",
	CoprocessorSegmentOverrun:  "coprocessor segment overrun",
	InvalidTSS:                 "invalid tss",
	SegmentNotPresent:          "segment not present",
	StackSegmentFault:          "stack segment fault",
	GeneralProtectionFault:     "general protection fault",
	PageFault:                  "page fault",
	X87FloatingPointException:  "x87 floating point exception",
	AlignmentCheck:             "alignment check",
	MachineCheck:               "machine check",
	SIMDFloatingPointException: "simd floating point exception",
	VirtualizationException:    "virtualization exception",
	ControlProtectionException: "control protection exception",
	HypervisorInjection:        "hypervisor injection",
	VMMCommunication:           "vmm communication",
	SecurityException:          "security exception",
}

func (v Vector) String() string {
	if name, ok := exceptionNames[v]; ok {
		return name
	}
	switch {
	case v == Timer:
		return "timer"
	case v == Spurious:
		return "spurious"
	case v < NumExceptions:
		return fmt.Sprintf("reserved exception %d", uint8(v))
	default:
		return fmt.Sprintf("vector %d", uint8(v))
	}
}

// HasErrorCode returns whether the hardware pushes an error code for v.
func HasErrorCode(v Vector) bool {
	switch v {
	case DoubleFault, InvalidTSS, SegmentNotPresent, StackSegmentFault,
		GeneralProtectionFault, PageFault, AlignmentCheck,
		ControlProtectionException, VMMCommunication, SecurityException:
		return true
	default:
		return false
	}
}

// Class is the dispatch class of a vector's stub.
type Class int

// Stub classes.
const (
	// ClassException stubs dispatch to KernelException.
	ClassException Class = iota

	// ClassTimer stubs dispatch to KernelTimer.
	ClassTimer

	// ClassUnexpected stubs dispatch to KernelInterrupt.
	ClassUnexpected
)

// ClassOf returns the dispatch class of v.
func ClassOf(v Vector) Class {
	switch {
	case v < NumExceptions:
		return ClassException
	case v == Timer:
		return ClassTimer
	default:
		return ClassUnexpected
	}
}

// KernelOpts has initialization options for the kernel.
type KernelOpts struct {
	// Codec saves and restores contexts. Defaults to arch.AMD64.
	Codec arch.Codec

	// LoadRoot, if set, is called whenever a different address-space root
	// is loaded.
	LoadRoot func(root uint64)
}

// Kernel is a global kernel object.
//
// This contains global state, shared by multiple CPUs.
type Kernel struct {
	// KernelOpts contains the initialization options.
	KernelOpts

	// mem holds every region the CPU can push to or pop from.
	mem memory

	// code maps kernel text addresses to routines.
	code map[uint64]routine

	// nextCode is the next free text address.
	nextCode uint64

	// idt maps each vector to its stub address.
	idt [NumVectors]uint64

	// Fixed text addresses.
	addrTrapExit     uint64
	addrSyscallEntry uint64
	addrSyscallExit  uint64
	addrIdle         uint64
}

// routine is kernel code at a text address. It returns false if the CPU
// stops executing (idle or halted).
type routine func(c *CPU) bool

// Kernel text and stack regions.
const (
	kernelText   = 0xffff_ffff_8000_0000
	kernelStacks = 0xffff_c000_0000_0000
)

// New creates a new kernel.
func New(opts KernelOpts) *Kernel {
	k := new(Kernel)
	k.init(opts)
	return k
}

func (k *Kernel) init(opts KernelOpts) {
	k.KernelOpts = opts
	if k.Codec == nil {
		k.Codec = &arch.AMD64{}
	}
	k.code = make(map[uint64]routine)
	k.nextCode = kernelText
	k.mem.next = kernelStacks

	// Setup the IDT. Every vector gets its own stub.
	for v := 0; v < NumVectors; v++ {
		vec := Vector(v)
		k.idt[v] = k.text(func(c *CPU) bool { return c.trapEntry(vec) })
	}
	k.addrTrapExit = k.text((*CPU).trapExit)
	k.addrSyscallEntry = k.text((*CPU).syscallEntry)
	k.addrSyscallExit = k.text((*CPU).syscallExit)
	k.addrIdle = k.text((*CPU).idle)
}

func (k *Kernel) text(fn routine) uint64 {
	addr := k.nextCode
	k.nextCode += 0x40
	k.code[addr] = fn
	return addr
}

// RegisterCode places fn in kernel text and returns its address. fn runs
// whenever a kernel-mode context resumes at that address, and returns false
// to stop the CPU until the next interrupt.
func (k *Kernel) RegisterCode(fn func(c *CPU) bool) uint64 {
	return k.text(fn)
}

// IdleAddr is the entry point of the idle loop.
func (k *Kernel) IdleAddr() uint64 {
	return k.addrIdle
}

// TrapExitAddr is the address handlers return to; a context saved during a
// trap resumes here and unwinds the trap frame.
func (k *Kernel) TrapExitAddr() uint64 {
	return k.addrTrapExit
}

// SyscallExitAddr is the address the syscall dispatcher returns to.
func (k *Kernel) SyscallExitAddr() uint64 {
	return k.addrSyscallExit
}

// StubAddr returns the address of the stub for v.
func (k *Kernel) StubAddr(v Vector) uint64 {
	return k.idt[v]
}

// NewStack allocates a kernel stack of the given number of words.
func (k *Kernel) NewStack(words int) *Stack {
	return k.mem.alloc(words)
}

// FreeStack releases a stack allocated by NewStack.
func (k *Kernel) FreeStack(s *Stack) {
	k.mem.free(s)
}

// NewCPU creates a new CPU associated with this Kernel.
func (k *Kernel) NewCPU() *CPU {
	c := new(CPU)
	c.Init(k)
	return c
}
