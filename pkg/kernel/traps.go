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

package kernel

import (
	"fmt"

	"github.com/mohae/deepcopy"

	"atomos.dev/atom/pkg/abi/atom"
	"atomos.dev/atom/pkg/arch"
	"atomos.dev/atom/pkg/log"
	"atomos.dev/atom/pkg/ring0"
)

// FaultReport describes the fault that halted the kernel.
type FaultReport struct {
	Reason string

	// Trap is set if the fault was an exception, described by Vector and
	// ErrorCode.
	Trap      bool
	Vector    ring0.Vector
	ErrorCode uint64

	Tick   uint64
	Thread atom.ThreadID

	// Context is the interrupted context.
	Context arch.Registers

	// Threads is the thread table when the kernel halted.
	Threads []ThreadInfo
}

// LastFault returns the fault that halted the kernel, or nil.
func (k *Kernel) LastFault() *FaultReport {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.fault == nil {
		return nil
	}
	return deepcopy.Copy(k.fault).(*FaultReport)
}

// fatal records r and halts the CPU.
func (k *Kernel) fatal(r *FaultReport) {
	r.Tick = k.ticks
	r.Thread = k.sched.Current()
	r.Threads = k.threadInfos()
	k.fault = r
	k.log.Warningf("fatal: %s", r.Reason)
	k.cpu.Halt(r.Reason)
}

// running returns the running thread, or nil between a block and the next
// pick.
func (k *Kernel) running() *Thread {
	return k.threads[k.sched.Current()]
}

// resume makes next run. prev is the thread being left; it must already
// have left the Running state and, unless it is the idle thread or exited,
// its user context must be in its TCB. The idle thread is only ever left
// from a trap that interrupted it, so its live kernel context is saved with
// Switch and resumes by unwinding that trap.
func (k *Kernel) resume(prev, next *Thread) {
	if prev == next {
		return
	}
	if prev != nil && !prev.stack.CanaryIntact() {
		k.fatal(&FaultReport{
			Reason:  fmt.Sprintf("kernel stack of %v corrupted", prev),
			Context: prev.ctx,
		})
		return
	}
	if next.user {
		k.cpu.SetKernelStack(next.stack.Top())
	}
	k.stats.Switches++
	if k.log.IsLogging(log.Debug) {
		k.log.Debugf("switch %v -> %v", prev, next)
	}
	if prev == k.idle {
		k.cpu.Switch(&prev.ctx, &next.ctx)
		return
	}
	k.cpu.ResumeOnly(&next.ctx)
}

// schedule picks and resumes the next thread after prev stopped running.
func (k *Kernel) schedule(prev *Thread) {
	k.resume(prev, k.threads[k.sched.PickNext()])
}

// handleTimer is the timer path: advance the clock, expire IPC timeouts
// and sleeps, reap, then let the scheduler decide whether to switch.
func (k *Kernel) handleTimer(c *ring0.CPU, f *ring0.TrapFrame) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.ticks++
	for _, tid := range k.ipc.OnTick(k.ticks) {
		k.log.Debugf("%v timed out", tid)
	}
	for _, tid := range k.sleepers.expired(k.ticks) {
		t := k.threads[tid]
		t.ctx.Rax = 0
		if _, err := k.sched.Wake(tid); err != nil {
			panic(fmt.Sprintf("waking sleeper %v: %v", t, err))
		}
	}
	k.reap()

	prevID, nextID := k.sched.OnTimerTick()
	if prevID == nextID {
		return
	}
	prev := k.threads[prevID]
	if prev != nil && prev.user {
		c.TrapContext(f, &prev.ctx)
	}
	k.resume(prev, k.threads[nextID])
}

// handleException applies the exception policy. A fault in user mode goes
// to the thread's fault handler, with the vector, error code and faulting
// address in the first three argument registers, or kills the thread. A
// fault in kernel mode, a double fault or a machine check is fatal.
func (k *Kernel) handleException(c *ring0.CPU, f *ring0.TrapFrame) {
	k.mu.Lock()
	defer k.mu.Unlock()

	v := ring0.Vector(f.Vector)
	t := k.running()
	if !f.FromUser() || v == ring0.DoubleFault || v == ring0.MachineCheck || t == nil || !t.user {
		r := &FaultReport{
			Reason:    fmt.Sprintf("%v (error code %#x) at rip %#x", v, f.ErrorCode, f.Rip),
			Trap:      true,
			Vector:    v,
			ErrorCode: f.ErrorCode,
		}
		f.Registers(&r.Context)
		k.fatal(r)
		return
	}

	k.stats.Faults++
	if t.faultHandler != 0 {
		k.stats.Redirected++
		k.log.Debugf("%v: %v at %#x, redirected to %#x", t, v, f.Rip, t.faultHandler)
		f.Rdi, f.Rsi, f.Rdx = uint64(v), f.ErrorCode, f.Rip
		f.Rip = t.faultHandler
		return
	}
	k.log.Infof("%v killed by %v at %#x", t, v, f.Rip)
	k.exit(t, faultExitCode(v))
	k.schedule(t)
}

// faultExitCode is the exit code of a thread killed by v.
func faultExitCode(v ring0.Vector) int64 {
	return 128 + int64(v)
}

// handleInterrupt reports an interrupt nothing is routed to.
func (k *Kernel) handleInterrupt(_ *ring0.CPU, f *ring0.TrapFrame) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.stats.Spurious++
	k.irqLog.Warningf("unexpected interrupt: %v", ring0.Vector(f.Vector))
}
