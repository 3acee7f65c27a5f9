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
	"atomos.dev/atom/pkg/kernel/capability"
	"atomos.dev/atom/pkg/kernel/sched"
	"atomos.dev/atom/pkg/ring0"
	"atomos.dev/atom/pkg/syserr"
	"atomos.dev/atom/pkg/usermem"
)

// Thread is a thread control block.
type Thread struct {
	id   atom.ThreadID
	name string

	// user is false only for the idle thread.
	user bool

	// privileged threads may mint root capabilities.
	privileged bool

	// ctx is the saved context. It is stale while the thread runs.
	ctx arch.Registers

	// stack is the kernel stack used on entry from user mode.
	stack *ring0.Stack

	// root is the address-space root the thread runs in.
	root uint64

	// faultHandler is the user address exceptions are redirected to, or
	// zero.
	faultHandler uint64

	exited   bool
	exitCode int64

	// pending is the receive a blocked thread waits to complete.
	pending *pendingRecv
}

// pendingRecv is where a blocked receive delivers its message.
type pendingRecv struct {
	buf       usermem.Addr
	handleOut usermem.Addr
}

func (t *Thread) String() string {
	return fmt.Sprintf("%v (%s)", t.id, t.name)
}

// threadResource is the resource a Thread capability names.
func threadResource(tid atom.ThreadID) capability.Resource {
	return capability.Resource{Kind: capability.Thread, ID: uint64(tid)}
}

// ThreadSpec describes a new thread.
type ThreadSpec struct {
	Name     string
	Priority sched.Priority

	// Context is the fully formed initial user context, for example from
	// arch.NewUserContext. Its root is the thread's address space.
	Context arch.Registers

	// Creator receives a Thread capability over the new thread with every
	// right. Boot threads have no creator.
	Creator atom.ThreadID

	// Privileged threads may create root capabilities with cap_create.
	Privileged bool
}

// ThreadInfo is a snapshot of a thread.
type ThreadInfo struct {
	ID        atom.ThreadID
	Name      string
	State     sched.State
	Reason    sched.BlockReason
	Base      sched.Priority
	Effective sched.Priority
	ExitCode  int64

	FaultHandler uint64
	Root         uint64

	// Context is the saved context; it is stale for the running thread.
	Context arch.Registers
}

// CreateThread creates a Ready thread from spec. It returns the thread and
// the creator's handle over it, which is zero without a creator.
func (k *Kernel) CreateThread(spec ThreadSpec) (atom.ThreadID, atom.Handle, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.createThread(spec)
}

func (k *Kernel) createThread(spec ThreadSpec) (atom.ThreadID, atom.Handle, error) {
	if !spec.Context.IsUser() || spec.Priority >= sched.NumPriorities {
		return 0, 0, fmt.Errorf("thread %q: %w", spec.Name, syserr.ErrInvalidArgument)
	}
	if spec.Creator != atom.NoThread && !k.caps.HasThread(spec.Creator) {
		return 0, 0, fmt.Errorf("creator %v: %w", spec.Creator, syserr.ErrInvalidArgument)
	}
	raw, ok := k.tids.Allocate()
	if !ok {
		return 0, 0, fmt.Errorf("thread table full: %w", syserr.ErrOutOfCapacity)
	}
	tid := atom.ThreadID(raw)
	t := &Thread{
		id:         tid,
		name:       spec.Name,
		user:       true,
		privileged: spec.Privileged,
		ctx:        spec.Context,
		stack:      k.ring.NewStack(k.cfg.KernelStackWords),
		root:       spec.Context.Cr3,
	}
	t.ctx.Rflags = arch.SanitizeUserFlags(t.ctx.Rflags)
	if t.name == "" {
		t.name = fmt.Sprintf("thread-%d", tid)
	}

	undo := func() {
		k.caps.DropTable(tid)
		k.ring.FreeStack(t.stack)
		k.tids.Free(raw)
	}
	if err := k.caps.AddThread(tid); err != nil {
		undo()
		return 0, 0, err
	}
	var h atom.Handle
	if spec.Creator != atom.NoThread {
		var err error
		if h, err = k.caps.Create(spec.Creator, spec.Creator, threadResource(tid), capability.All); err != nil {
			undo()
			return 0, 0, err
		}
	}
	if err := k.sched.Add(tid, spec.Priority); err != nil {
		k.caps.RevokeResource(spec.Creator, threadResource(tid))
		undo()
		return 0, 0, err
	}
	k.threads[tid] = t
	k.stats.Created++
	k.log.Infof("created %v at %v priority, entry %#x", t, spec.Priority, t.ctx.Rip)
	return tid, h, nil
}

// exit ends t. Its waits are cancelled, its capabilities and every
// capability naming it are revoked, and it waits in the zombie list until
// nothing references it.
func (k *Kernel) exit(t *Thread, code int64) {
	if t.exited {
		return
	}
	t.exited = true
	t.exitCode = code
	t.pending = nil
	k.ipc.Forget(t.id)
	k.sleepers.remove(t.id)
	if err := k.sched.Exit(t.id); err != nil {
		panic(fmt.Sprintf("exiting %v: %v", t, err))
	}
	held := k.caps.DropTable(t.id)
	named := k.caps.RevokeResource(t.id, threadResource(t.id))
	k.zombies = append(k.zombies, t)
	k.stats.Exited++
	k.log.Infof("%v exited with %d; revoked %d held and %d naming it", t, code, held, named)
}

// reap reclaims zombies nothing references any more. A zombie whose kernel
// stack is still in use is kept for a later pass.
func (k *Kernel) reap() {
	rsp := k.cpu.Registers().Rsp
	kept := k.zombies[:0]
	for _, t := range k.zombies {
		if t.stack.Contains(rsp) || k.caps.References(threadResource(t.id)) > 0 || k.ipc.References(t.id) > 0 {
			kept = append(kept, t)
			continue
		}
		if err := k.sched.Remove(t.id); err != nil {
			panic(fmt.Sprintf("reaping %v: %v", t, err))
		}
		k.ring.FreeStack(t.stack)
		k.tids.Free(uint32(t.id))
		delete(k.threads, t.id)
		k.stats.Reaped++
		k.log.Debugf("reaped %v", t)
	}
	for i := len(kept); i < len(k.zombies); i++ {
		k.zombies[i] = nil
	}
	k.zombies = kept
}

func (k *Kernel) info(t *Thread) ThreadInfo {
	si, _ := k.sched.Info(t.id)
	return ThreadInfo{
		ID:           t.id,
		Name:         t.name,
		State:        si.State,
		Reason:       si.Reason,
		Base:         si.Base,
		Effective:    si.Effective,
		ExitCode:     t.exitCode,
		FaultHandler: t.faultHandler,
		Root:         t.root,
		Context:      t.ctx,
	}
}

// Thread returns a snapshot of tid. Reaped threads are not found.
func (k *Kernel) Thread(tid atom.ThreadID) (ThreadInfo, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, ok := k.threads[tid]
	if !ok {
		return ThreadInfo{}, fmt.Errorf("%v: %w", tid, syserr.ErrInvalidArgument)
	}
	return k.info(t), nil
}

// Threads returns a snapshot of every thread, ordered by identifier.
func (k *Kernel) Threads() []ThreadInfo {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.threadInfos()
}

func (k *Kernel) threadInfos() []ThreadInfo {
	infos := make([]ThreadInfo, 0, len(k.threads))
	for _, raw := range k.tids.InUseList() {
		if t, ok := k.threads[atom.ThreadID(raw)]; ok {
			infos = append(infos, k.info(t))
		}
	}
	return infos
}
