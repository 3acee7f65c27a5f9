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
	"atomos.dev/atom/pkg/syserr"
)

var errNoMapper = fmt.Errorf("no address-space mapper: %w", syserr.ErrUnsupportedOperation)

// mappable returns the region tid's handle h names, checking that it is a
// kind of memory and that the handle carries rights.
func (k *Kernel) mappable(t *Thread, h atom.Handle, rights capability.Rights) (capability.Resource, error) {
	c, err := k.caps.Lookup(t.id, h)
	if err != nil {
		return capability.Resource{}, err
	}
	switch c.Resource.Kind {
	case capability.MemoryRegion, capability.SharedRegion, capability.DMABuffer:
	default:
		return capability.Resource{}, fmt.Errorf("%v is not memory: %w", c.Resource, syserr.ErrInvalidArgument)
	}
	return k.caps.CheckResource(t.id, h, c.Resource.Kind, rights)
}

// AddrSpaceCreate implements addrspace_create(). It returns the new root,
// which the caller may pass to create.
func AddrSpaceCreate(k *Kernel, t *Thread, args arch.SyscallArguments) (uint64, *SyscallControl, error) {
	if k.mapper == nil {
		return 0, nil, errNoMapper
	}
	root, err := k.mapper.CreateAddressSpace()
	if err != nil {
		return 0, nil, err
	}
	if _, ok := k.spaces[root]; ok || root == 0 {
		return 0, nil, fmt.Errorf("mapper returned root %#x twice: %w", root, syserr.ErrBusy)
	}
	k.spaces[root] = t.id
	return root, nil, nil
}

// AddrSpaceDestroy implements addrspace_destroy(root). Only the creator may
// destroy an address space, and only once no live thread runs in it.
func AddrSpaceDestroy(k *Kernel, t *Thread, args arch.SyscallArguments) (uint64, *SyscallControl, error) {
	if k.mapper == nil {
		return 0, nil, errNoMapper
	}
	root := args[0].Uint64()
	if owner, ok := k.spaces[root]; !ok || owner != t.id {
		return 0, nil, fmt.Errorf("address space %#x: %w", root, syserr.ErrPermissionDenied)
	}
	for _, other := range k.threads {
		if other.root == root && !other.exited {
			return 0, nil, fmt.Errorf("address space %#x in use by %v: %w", root, other, syserr.ErrBusy)
		}
	}
	if err := k.mapper.DestroyAddressSpace(root); err != nil {
		return 0, nil, err
	}
	delete(k.spaces, root)
	return 0, nil, nil
}

// MapRegion implements map_region(h, va, rights). The region h names is
// mapped at va in the caller's address space; h must carry rights.
func MapRegion(k *Kernel, t *Thread, args arch.SyscallArguments) (uint64, *SyscallControl, error) {
	if k.mapper == nil {
		return 0, nil, errNoMapper
	}
	rights, err := rightsArg(args[2])
	if err != nil {
		return 0, nil, err
	}
	va := args[1].Pointer()
	if va >= userLimit {
		return 0, nil, syserr.ErrInvalidArgument
	}
	h, err := handleArg(args[0])
	if err != nil {
		return 0, nil, err
	}
	res, err := k.mappable(t, h, rights)
	if err != nil {
		return 0, nil, err
	}
	return 0, nil, k.mapper.Map(t.root, va, res, rights)
}

// UnmapRegion implements unmap_region(va, size).
func UnmapRegion(k *Kernel, t *Thread, args arch.SyscallArguments) (uint64, *SyscallControl, error) {
	if k.mapper == nil {
		return 0, nil, errNoMapper
	}
	va, size := args[0].Pointer(), args[1].Uint64()
	if size == 0 || va >= userLimit || size > userLimit-va {
		return 0, nil, syserr.ErrInvalidArgument
	}
	return 0, nil, k.mapper.Unmap(t.root, va, size)
}

// RemapRegion implements remap_region(h, va, rights). The mapping of the
// region h names at va gets rights, which h must carry.
func RemapRegion(k *Kernel, t *Thread, args arch.SyscallArguments) (uint64, *SyscallControl, error) {
	if k.mapper == nil {
		return 0, nil, errNoMapper
	}
	rights, err := rightsArg(args[2])
	if err != nil {
		return 0, nil, err
	}
	va := args[1].Pointer()
	if va >= userLimit {
		return 0, nil, syserr.ErrInvalidArgument
	}
	h, err := handleArg(args[0])
	if err != nil {
		return 0, nil, err
	}
	res, err := k.mappable(t, h, rights)
	if err != nil {
		return 0, nil, err
	}
	return 0, nil, k.mapper.Remap(t.root, va, res.Size, rights)
}
