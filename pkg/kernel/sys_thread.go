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

	"atomos.dev/atom/pkg/abi/atom"
	"atomos.dev/atom/pkg/arch"
	"atomos.dev/atom/pkg/kernel/sched"
	"atomos.dev/atom/pkg/syserr"
)

// Yield implements yield().
func Yield(k *Kernel, t *Thread, args arch.SyscallArguments) (uint64, *SyscallControl, error) {
	return 0, ctrlYield, nil
}

// Exit implements exit(code).
func Exit(k *Kernel, t *Thread, args arch.SyscallArguments) (uint64, *SyscallControl, error) {
	k.exit(t, int64(args[0].Uint64()))
	return 0, ctrlExit, nil
}

// Sleep implements sleep(ms). A zero duration yields.
func Sleep(k *Kernel, t *Thread, args arch.SyscallArguments) (uint64, *SyscallControl, error) {
	d := k.timeout(args[0].Uint64())
	if d == atom.NoWait {
		return 0, ctrlYield, nil
	}
	if err := k.sched.Block(t.id, sched.Sleep); err != nil {
		return 0, nil, err
	}
	at := k.ticks + uint64(d)
	if d == atom.Forever || at < k.ticks {
		at = ^uint64(0)
	}
	k.sleepers.add(at, t.id)
	return 0, ctrlBlock, nil
}

// Create implements create(entry, stack, priority, arg, root).
//
// The new thread starts at entry on stack with arg in its first argument
// register. It runs in root, which must be an address space the caller
// created, or in the caller's address space if root is zero. Its priority
// may not exceed the caller's base priority. The caller receives a Thread
// capability over it, whose handle is returned.
func Create(k *Kernel, t *Thread, args arch.SyscallArguments) (uint64, *SyscallControl, error) {
	entry, stack := args[0].Pointer(), args[1].Pointer()
	prio := args[2].Uint64()
	if entry == 0 || entry >= userLimit || stack >= userLimit || prio >= sched.NumPriorities {
		return 0, nil, syserr.ErrInvalidArgument
	}
	if sched.Priority(prio) > k.sched.Base(t.id) {
		return 0, nil, fmt.Errorf("priority %v above caller's: %w", sched.Priority(prio), syserr.ErrPermissionDenied)
	}
	root := t.root
	if r := args[4].Uint64(); r != 0 {
		if owner, ok := k.spaces[r]; !ok || owner != t.id {
			return 0, nil, fmt.Errorf("address space %#x: %w", r, syserr.ErrPermissionDenied)
		}
		root = r
	}
	ctx := arch.NewUserContext(entry, stack, root)
	ctx.Rdi = args[3].Uint64()
	_, h, err := k.createThread(ThreadSpec{
		Name:     fmt.Sprintf("%s.%d", t.name, k.stats.Created),
		Priority: sched.Priority(prio),
		Context:  ctx,
		Creator:  t.id,
	})
	return uint64(h), nil, err
}

// RegisterFaultHandler implements register_fault_handler(addr). Zero
// removes the handler.
func RegisterFaultHandler(k *Kernel, t *Thread, args arch.SyscallArguments) (uint64, *SyscallControl, error) {
	addr := args[0].Pointer()
	if addr >= userLimit {
		return 0, nil, syserr.ErrInvalidArgument
	}
	t.faultHandler = addr
	return 0, nil, nil
}

// GetTicks implements get_ticks().
func GetTicks(k *Kernel, t *Thread, args arch.SyscallArguments) (uint64, *SyscallControl, error) {
	return k.ticks, nil, nil
}
