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
	"atomos.dev/atom/pkg/kernel/capability"
	"atomos.dev/atom/pkg/syserr"
	"atomos.dev/atom/pkg/usermem"
)

// capListWords is the number of words cap_list writes per capability:
// handle, kind<<32|rights, resource identifier, packed capability ID.
const capListWords = 4

// rightsArg decodes a rights argument, refusing unknown bits.
func rightsArg(a arch.SyscallArgument) (capability.Rights, error) {
	r := capability.Rights(a.Uint64())
	if uint64(r) != a.Uint64() || !r.Valid() {
		return 0, fmt.Errorf("rights %#x: %w", a.Uint64(), syserr.ErrInvalidArgument)
	}
	return r, nil
}

// handleArg decodes a capability handle argument. Handles are 32 bits
// wide; a larger value is refused rather than truncated.
func handleArg(a arch.SyscallArgument) (atom.Handle, error) {
	if v := a.Uint64(); v > math.MaxUint32 {
		return 0, fmt.Errorf("handle %#x: %w", v, syserr.ErrInvalidArgument)
	}
	return atom.Handle(a.Uint()), nil
}

// CapCreate implements cap_create(kind, rights, id, base, size).
//
// Only privileged threads mint root capabilities, and only over external
// resources: threads and ports are created by their own system calls.
func CapCreate(k *Kernel, t *Thread, args arch.SyscallArguments) (uint64, *SyscallControl, error) {
	if !t.privileged {
		return 0, nil, fmt.Errorf("%v may not create capabilities: %w", t, syserr.ErrPermissionDenied)
	}
	if args[0].Uint64() >= capability.NumKinds {
		return 0, nil, fmt.Errorf("kind %d: %w", args[0].Uint64(), syserr.ErrInvalidArgument)
	}
	kind := capability.Kind(args[0].Uint64())
	switch kind {
	case capability.MemoryRegion, capability.Interrupt, capability.Device, capability.DMABuffer, capability.SharedRegion:
	default:
		return 0, nil, fmt.Errorf("kind %d: %w", args[0].Uint64(), syserr.ErrInvalidArgument)
	}
	rights, err := rightsArg(args[1])
	if err != nil {
		return 0, nil, err
	}
	res := capability.Resource{Kind: kind, ID: args[2].Uint64(), Base: args[3].Uint64(), Size: args[4].Uint64()}
	h, err := k.caps.Create(t.id, t.id, res, rights)
	return uint64(h), nil, err
}

// CapCheck implements cap_check(h, rights).
func CapCheck(k *Kernel, t *Thread, args arch.SyscallArguments) (uint64, *SyscallControl, error) {
	h, err := handleArg(args[0])
	if err != nil {
		return 0, nil, err
	}
	rights, err := rightsArg(args[1])
	if err != nil {
		return 0, nil, err
	}
	return 0, nil, k.caps.Check(t.id, h, rights)
}

// CapRevoke implements cap_revoke(h). It returns the number of capabilities
// removed.
func CapRevoke(k *Kernel, t *Thread, args arch.SyscallArguments) (uint64, *SyscallControl, error) {
	h, err := handleArg(args[0])
	if err != nil {
		return 0, nil, err
	}
	n, err := k.caps.Revoke(t.id, h)
	return uint64(n), nil, err
}

// CapDerive implements cap_derive(h, rights).
func CapDerive(k *Kernel, t *Thread, args arch.SyscallArguments) (uint64, *SyscallControl, error) {
	h, err := handleArg(args[0])
	if err != nil {
		return 0, nil, err
	}
	rights, err := rightsArg(args[1])
	if err != nil {
		return 0, nil, err
	}
	nh, err := k.caps.Derive(t.id, h, rights)
	return uint64(nh), nil, err
}

// CapList implements cap_list(buf, max). It writes up to max entries in
// handle order and returns the number of capabilities held.
func CapList(k *Kernel, t *Thread, args arch.SyscallArguments) (uint64, *SyscallControl, error) {
	caps, err := k.caps.List(t.id)
	if err != nil {
		return 0, nil, err
	}
	n := min(uint64(len(caps)), args[1].Uint64())
	words := make([]uint64, 0, n*capListWords)
	for _, c := range caps[:n] {
		words = append(words,
			uint64(c.Handle),
			uint64(c.Resource.Kind)<<32|uint64(c.Rights),
			c.Resource.ID,
			c.ID.Pack())
	}
	if err := usermem.CopyOutUint64s(k.mem, usermem.Addr(args[0].Pointer()), words); err != nil {
		return 0, nil, err
	}
	return uint64(len(caps)), nil, nil
}

// CapTransfer implements cap_transfer(h, thread, mode). thread is a handle
// over the target thread with Write; mode is decoded by
// atom.DecodeTransferArg. It returns the handle in the target's table.
func CapTransfer(k *Kernel, t *Thread, args arch.SyscallArguments) (uint64, *SyscallControl, error) {
	h, err := handleArg(args[0])
	if err != nil {
		return 0, nil, err
	}
	th, err := handleArg(args[1])
	if err != nil {
		return 0, nil, err
	}
	res, err := k.caps.CheckResource(t.id, th, capability.Thread, capability.Write)
	if err != nil {
		return 0, nil, err
	}
	to := atom.ThreadID(res.ID)
	if target, ok := k.threads[to]; !ok || target.exited {
		return 0, nil, fmt.Errorf("%v: %w", to, syserr.ErrInvalidArgument)
	}
	mode, rights := atom.DecodeTransferArg(args[2].Uint64())
	nh, err := k.caps.Transfer(t.id, h, to, mode, capability.Rights(rights))
	return uint64(nh), nil, err
}

// QueryParent implements query_parent(h). It returns the packed ID of the
// parent, or zero for a root.
func QueryParent(k *Kernel, t *Thread, args arch.SyscallArguments) (uint64, *SyscallControl, error) {
	h, err := handleArg(args[0])
	if err != nil {
		return 0, nil, err
	}
	id, err := k.caps.QueryParent(t.id, h)
	if err != nil {
		return 0, nil, err
	}
	return id.Pack(), nil, nil
}

// QueryChildren implements query_children(h, buf, max). It writes up to
// max packed child IDs and returns the number of children.
func QueryChildren(k *Kernel, t *Thread, args arch.SyscallArguments) (uint64, *SyscallControl, error) {
	h, err := handleArg(args[0])
	if err != nil {
		return 0, nil, err
	}
	ids, err := k.caps.QueryChildren(t.id, h)
	if err != nil {
		return 0, nil, err
	}
	n := min(uint64(len(ids)), args[2].Uint64())
	words := make([]uint64, n)
	for i := range words {
		words[i] = ids[i].Pack()
	}
	if err := usermem.CopyOutUint64s(k.mem, usermem.Addr(args[1].Pointer()), words); err != nil {
		return 0, nil, err
	}
	return uint64(len(ids)), nil, nil
}
