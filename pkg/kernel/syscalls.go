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
	"math"

	"atomos.dev/atom/pkg/abi/atom"
	"atomos.dev/atom/pkg/arch"
	"atomos.dev/atom/pkg/log"
	"atomos.dev/atom/pkg/ring0"
	"atomos.dev/atom/pkg/syserr"
)

// SyscallControl is returned by a system call that does not simply return
// to its caller.
type SyscallControl struct {
	// next is what happens to the caller.
	next control
}

type control int

const (
	// controlBlock means the caller blocked. Its result is written into
	// its saved context when the operation completes.
	controlBlock control = iota + 1

	// controlYield means the caller gives up the CPU with a zero result.
	controlYield

	// controlExit means the caller exited.
	controlExit
)

var (
	ctrlBlock = &SyscallControl{next: controlBlock}
	ctrlYield = &SyscallControl{next: controlYield}
	ctrlExit  = &SyscallControl{next: controlExit}
)

// SyscallFn is a system call implementation. It returns the result, or a
// control for calls that leave the caller, or an error.
type SyscallFn func(k *Kernel, t *Thread, args arch.SyscallArguments) (uint64, *SyscallControl, error)

// Syscall is a system call table entry.
type Syscall struct {
	Name string
	Fn   SyscallFn
}

// syscallTable is indexed by system call number.
var syscallTable = [atom.SyscallTableSize]Syscall{
	atom.SysYield:                {"yield", Yield},
	atom.SysExit:                 {"exit", Exit},
	atom.SysSleep:                {"sleep", Sleep},
	atom.SysThreadCreate:         {"create", Create},
	atom.SysPortCreate:           {"create_port", CreatePort},
	atom.SysPortClose:            {"close_port", ClosePort},
	atom.SysSend:                 {"send", Send},
	atom.SysRecv:                 {"recv", Recv},
	atom.SysCapCreate:            {"cap_create", CapCreate},
	atom.SysCapCheck:             {"cap_check", CapCheck},
	atom.SysCapRevoke:            {"cap_revoke", CapRevoke},
	atom.SysCapDerive:            {"cap_derive", CapDerive},
	atom.SysCapList:              {"cap_list", CapList},
	atom.SysCapTransfer:          {"cap_transfer", CapTransfer},
	atom.SysSendWithCap:          {"send_with_capability", SendWithCapability},
	atom.SysCapQueryParent:       {"query_parent", QueryParent},
	atom.SysCapQueryChildren:     {"query_children", QueryChildren},
	atom.SysSendBatch:            {"send_batch", SendBatch},
	atom.SysRecvBatch:            {"recv_batch", RecvBatch},
	atom.SysSendAsync:            {"send_async", SendAsync},
	atom.SysTryRecv:              {"try_recv", TryRecv},
	atom.SysIPCTraceRead:         {"ipc_trace_read", IPCTraceRead},
	atom.SysPortStats:            {"ipc_port_stats", PortStats},
	atom.SysAddrSpaceCreate:      {"addrspace_create", AddrSpaceCreate},
	atom.SysAddrSpaceDestroy:     {"addrspace_destroy", AddrSpaceDestroy},
	atom.SysMapRegion:            {"map_region", MapRegion},
	atom.SysUnmapRegion:          {"unmap_region", UnmapRegion},
	atom.SysRemapRegion:          {"remap_region", RemapRegion},
	atom.SysRegisterFaultHandler: {"register_fault_handler", RegisterFaultHandler},
	atom.SysGetTicks:             {"get_ticks", GetTicks},
}

// SyscallName returns the name of system call nr.
func SyscallName(nr uint64) string {
	if nr < atom.SyscallTableSize && syscallTable[nr].Fn != nil {
		return syscallTable[nr].Name
	}
	return fmt.Sprintf("sys_%d", nr)
}

// SyscallNumber returns the number of the system call called name.
func SyscallNumber(name string) (uint64, bool) {
	for nr := range syscallTable {
		if syscallTable[nr].Fn != nil && syscallTable[nr].Name == name {
			return uint64(nr), true
		}
	}
	return 0, false
}

// SyscallNumbers returns the implemented system call numbers in order.
func SyscallNumbers() []uint64 {
	var nrs []uint64
	for nr := range syscallTable {
		if syscallTable[nr].Fn != nil {
			nrs = append(nrs, uint64(nr))
		}
	}
	return nrs
}

// handleSyscall dispatches a system call from the running thread.
func (k *Kernel) handleSyscall(c *ring0.CPU, nr uint64, args arch.SyscallArguments) uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()

	t := k.running()
	if t == nil || !t.user {
		k.fatal(&FaultReport{Reason: fmt.Sprintf("system call %d with no user thread running", nr)})
		return 0
	}
	if nr >= atom.SyscallTableSize || syscallTable[nr].Fn == nil {
		k.stats.Unknown++
		k.log.Debugf("%v: unknown system call %d", t, nr)
		return syserr.Result(0, syserr.ErrUnsupportedOperation)
	}
	k.stats.Syscalls[nr]++
	s := &syscallTable[nr]
	val, ctrl, err := s.Fn(k, t, args)
	if k.cpu.Halted() != nil {
		return 0
	}
	if err != nil && k.log.IsLogging(log.Debug) {
		k.log.Debugf("%v: %s: %v", t, s.Name, err)
	}

	if ctrl == nil {
		ret := syserr.Result(val, err)
		if k.sched.ShouldPreempt() {
			// The call woke a thread that outranks the caller.
			c.SyscallUserContext(&t.ctx)
			t.ctx.Rax = ret
			prev, next := k.sched.Preempt()
			k.resume(k.threads[prev], k.threads[next])
		}
		return ret
	}

	switch ctrl.next {
	case controlBlock:
		c.SyscallUserContext(&t.ctx)
		k.schedule(t)
	case controlYield:
		_, next := k.sched.Yield()
		if next == t.id {
			return 0
		}
		c.SyscallUserContext(&t.ctx)
		t.ctx.Rax = 0
		k.resume(t, k.threads[next])
	case controlExit:
		k.schedule(t)
	default:
		panic(fmt.Sprintf("unknown syscall control %d", ctrl.next))
	}
	return 0
}

// timeout converts a timeout argument in milliseconds to ticks, rounding
// up. Zero means NoWait and all ones means Forever.
func (k *Kernel) timeout(ms uint64) atom.Timeout {
	switch ms {
	case 0:
		return atom.NoWait
	case math.MaxUint64:
		return atom.Forever
	}
	tick := uint64(k.cfg.TickMillis)
	return atom.Timeout(ms/tick + min(ms%tick, 1))
}

// userLimit is the end of the user half of the address space.
const userLimit = 1 << 47
