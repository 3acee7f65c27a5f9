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

// Package kernel is the trap handler and system call surface of the
// microkernel. It owns the thread table and drives the scheduler, the
// capability manager and the IPC manager from the hooks of a ring0 CPU.
//
// Lock order:
//
//	Kernel.mu
//
// Every trap hook takes Kernel.mu for its whole duration; the subsystems
// themselves are unsynchronized. Hooks never nest: kernel code runs with
// interrupts disabled, so interrupts raised meanwhile are held pending by
// the CPU.
package kernel

import (
	"fmt"
	"sync"
	"time"

	"atomos.dev/atom/pkg/abi/atom"
	"atomos.dev/atom/pkg/arch"
	"atomos.dev/atom/pkg/bitmap"
	"atomos.dev/atom/pkg/kconfig"
	"atomos.dev/atom/pkg/kernel/capability"
	"atomos.dev/atom/pkg/kernel/ipc"
	"atomos.dev/atom/pkg/kernel/sched"
	"atomos.dev/atom/pkg/log"
	"atomos.dev/atom/pkg/ring0"
	"atomos.dev/atom/pkg/syserr"
	"atomos.dev/atom/pkg/usermem"
)

// Mapper builds address spaces. The kernel consults it for the memory
// system calls; it never interprets page tables itself.
type Mapper interface {
	// CreateAddressSpace returns the root of a new, empty address space.
	CreateAddressSpace() (uint64, error)

	// DestroyAddressSpace releases an address space no thread runs in.
	DestroyAddressSpace(root uint64) error

	// Map maps the region res at va in root with rights.
	Map(root, va uint64, res capability.Resource, rights capability.Rights) error

	// Unmap removes [va, va+size) from root.
	Unmap(root, va, size uint64) error

	// Remap changes the rights of [va, va+size) in root.
	Remap(root, va, size uint64, rights capability.Rights) error
}

// Options are the collaborators of a Kernel.
type Options struct {
	// Codec saves and restores contexts. Defaults to arch.AMD64.
	Codec arch.Codec

	// Memory is user memory as seen by the system calls. Without it every
	// user buffer faults.
	Memory usermem.IO

	// Mapper serves the memory system calls. Without it they fail with
	// ErrUnsupportedOperation.
	Mapper Mapper

	// LoadRoot is called whenever a different address-space root is
	// loaded.
	LoadRoot func(root uint64)
}

// Stats are kernel event counters.
type Stats struct {
	Ticks    uint64
	Syscalls [atom.SyscallTableSize]uint64

	// Unknown counts system calls with no handler.
	Unknown uint64

	Switches uint64
	Created  uint64
	Exited   uint64
	Reaped   uint64

	// Faults counts exceptions from user mode; Redirected of them went to
	// a fault handler and the rest killed their thread.
	Faults     uint64
	Redirected uint64

	// Spurious counts unexpected interrupts.
	Spurious uint64
}

// Kernel is the kernel.
type Kernel struct {
	// mu is the kernel lock. See package comment.
	mu sync.Mutex

	cfg kconfig.Config

	ring *ring0.Kernel
	cpu  *ring0.CPU

	sched *sched.Scheduler
	caps  *capability.Manager
	ipc   *ipc.Manager

	mem    usermem.IO
	mapper Mapper

	// spaces maps address-space roots created by system call to their
	// creator.
	spaces map[uint64]atom.ThreadID

	threads map[atom.ThreadID]*Thread
	tids    *bitmap.Allocator

	// idle is the idle thread. It is a kernel context and has no
	// capability table.
	idle *Thread

	// zombies are exited threads not yet reaped.
	zombies []*Thread

	sleepers *sleepQueue

	ticks uint64

	// fault is set once the kernel halts on a fatal fault.
	fault *FaultReport

	stats Stats

	log log.Logger

	// irqLog reports unexpected interrupts, which may arrive in storms.
	irqLog log.Logger
}

// New creates a kernel with a single CPU and its idle thread. No user
// thread exists yet; see CreateThread and Start.
func New(cfg kconfig.Config, opts Options) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if opts.Memory == nil {
		opts.Memory = usermem.NewBytesIO(0, 0)
	}
	k := &Kernel{
		cfg:      cfg,
		mem:      opts.Memory,
		mapper:   opts.Mapper,
		spaces:   make(map[uint64]atom.ThreadID),
		threads:  make(map[atom.ThreadID]*Thread),
		tids:     bitmap.NewAllocator(1, uint32(cfg.MaxThreads)+1),
		sleepers: newSleepQueue(),
		log:      log.Tagged("kernel"),
		irqLog:   log.RateLimitedLogger(log.Tagged("irq"), time.Second),
	}
	k.ring = ring0.New(ring0.KernelOpts{Codec: opts.Codec, LoadRoot: opts.LoadRoot})
	k.cpu = k.ring.NewCPU()
	k.cpu.KernelSyscall = k.handleSyscall
	k.cpu.KernelTimer = k.handleTimer
	k.cpu.KernelException = k.handleException
	k.cpu.KernelInterrupt = k.handleInterrupt

	k.sched = sched.New(cfg.Sched())
	k.caps = capability.New(cfg.Capability(), k.now)
	k.ipc = ipc.New(cfg.IPC(), ipc.Options{
		Sched: k.sched,
		Caps:  k.caps,
		Waker: ipc.WakerFunc(k.complete),
		Now:   k.now,
	})

	raw, _ := k.tids.Allocate()
	idle := &Thread{
		id:    atom.ThreadID(raw),
		name:  "idle",
		stack: k.ring.NewStack(cfg.KernelStackWords),
	}
	idle.ctx = arch.NewKernelContext(k.ring.IdleAddr(), idle.stack.Top(), 0)
	if err := k.sched.SetIdle(idle.id); err != nil {
		return nil, err
	}
	k.threads[idle.id] = idle
	k.idle = idle
	return k, nil
}

// now is the clock shared by every subsystem.
func (k *Kernel) now() uint64 {
	return k.ticks
}

// Config returns the configuration in effect.
func (k *Kernel) Config() kconfig.Config {
	return k.cfg
}

// CPU returns the kernel's CPU. A driver simulates user execution by
// editing its registers and raising system calls, exceptions and
// interrupts on it.
func (k *Kernel) CPU() *ring0.CPU {
	return k.cpu
}

// IdleThread returns the idle thread's identifier.
func (k *Kernel) IdleThread() atom.ThreadID {
	return k.idle.id
}

// Start resumes the first thread. It must be called once, after the boot
// threads are created.
func (k *Kernel) Start() error {
	k.mu.Lock()
	if k.sched.Current() != atom.NoThread {
		k.mu.Unlock()
		return fmt.Errorf("kernel already started: %w", syserr.ErrBusy)
	}
	t := k.threads[k.sched.PickNext()]
	if t.user {
		k.cpu.SetKernelStack(t.stack.Top())
	}
	k.log.Infof("starting %v", t)
	ctx := &t.ctx
	k.mu.Unlock()

	// The CPU may deliver pending interrupts before returning, which takes
	// the lock again.
	k.cpu.Start(ctx)
	return nil
}

// Tick raises the timer interrupt.
func (k *Kernel) Tick() {
	k.cpu.Interrupt(ring0.Timer)
}

// Syscall executes a system call from the thread running in user mode and
// returns the value in rax afterwards. If the call switched threads, that
// is the new thread's rax; the caller's result is in its saved context.
func (k *Kernel) Syscall(nr uint64, args ...uint64) uint64 {
	if len(args) > len(arch.SyscallArgRegs) {
		panic(fmt.Sprintf("system call with %d arguments", len(args)))
	}
	r := k.cpu.Registers()
	r.Rax = nr
	for i, g := range arch.SyscallArgRegs {
		var v uint64
		if i < len(args) {
			v = args[i]
		}
		*r.GPR(g) = v
	}
	k.cpu.Syscall()
	return k.cpu.Registers().Rax
}

// Fault raises exception v in the running context.
func (k *Kernel) Fault(v ring0.Vector, code uint64) {
	k.cpu.Exception(v, code)
}

// Current returns the running thread.
func (k *Kernel) Current() atom.ThreadID {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.sched.Current()
}

// Ticks returns the number of timer ticks since boot.
func (k *Kernel) Ticks() uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.ticks
}

// Stats returns a copy of the kernel counters.
func (k *Kernel) Stats() Stats {
	k.mu.Lock()
	defer k.mu.Unlock()
	s := k.stats
	s.Ticks = k.ticks
	return s
}

// CapabilityStats returns the capability arena counters.
func (k *Kernel) CapabilityStats() capability.Stats {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.caps.Stats()
}

// AuditLog returns up to n of the most recent capability audit records.
func (k *Kernel) AuditLog(n int) []capability.AuditRecord {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.caps.AuditLog(n)
}

// Capabilities returns the capabilities tid holds.
func (k *Kernel) Capabilities(tid atom.ThreadID) ([]capability.Capability, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.caps.List(tid)
}

// IPCStats returns the global IPC counters.
func (k *Kernel) IPCStats() ipc.Stats {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.ipc.Stats()
}

// Ports returns the metrics of every open port.
func (k *Kernel) Ports() []ipc.PortStats {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.ipc.Ports()
}

// Trace returns up to n of the most recent IPC trace events.
func (k *Kernel) Trace(n int) []ipc.TraceEvent {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.ipc.Trace(n)
}

// Deadlocks returns the cycles in the priority inheritance graph.
func (k *Kernel) Deadlocks() [][]atom.ThreadID {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.sched.DetectDeadlocks()
}

// Edges returns the priority inheritance edges.
func (k *Kernel) Edges() []sched.Edge {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.sched.Edges()
}
