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

// Package capability implements the capability manager: an arena of
// capability records forming a derivation forest, per-thread handle tables,
// derivation with monotonic rights reduction, cascading revocation,
// transfer between tables and an audit ring.
//
// Records are addressed by CapID, an arena index paired with a generation.
// Removing a record bumps its slot's generation, so a CapID held by a
// message in flight or a stale diagnostic never resolves to a later
// record in the same slot.
//
// A Manager is not synchronized; callers hold the kernel lock.
package capability

import (
	"fmt"
	"strings"

	"atomos.dev/atom/pkg/abi/atom"
)

// Rights is a permission bit-set.
type Rights uint32

// Rights bits.
const (
	Read Rights = 1 << iota
	Write
	Execute
	Grant
	Revoke

	// All is every right.
	All = Read | Write | Execute | Grant | Revoke
)

var rightNames = []struct {
	r    Rights
	name string
}{
	{Read, "read"},
	{Write, "write"},
	{Execute, "execute"},
	{Grant, "grant"},
	{Revoke, "revoke"},
}

// Has returns whether r includes every bit of want.
func (r Rights) Has(want Rights) bool {
	return r&want == want
}

// Valid returns whether r is a non-empty subset of All.
func (r Rights) Valid() bool {
	return r != 0 && r&^All == 0
}

func (r Rights) String() string {
	if r == 0 {
		return "none"
	}
	var parts []string
	for _, n := range rightNames {
		if r&n.r != 0 {
			parts = append(parts, n.name)
		}
	}
	if extra := r &^ All; extra != 0 {
		parts = append(parts, fmt.Sprintf("%#x", uint32(extra)))
	}
	return strings.Join(parts, "|")
}

// ParseRights parses a "|" or "," separated list of right names, or "all".
func ParseRights(s string) (Rights, error) {
	var r Rights
	for _, f := range strings.FieldsFunc(s, func(c rune) bool { return c == '|' || c == ',' || c == ' ' }) {
		if f == "all" {
			r |= All
			continue
		}
		found := false
		for _, n := range rightNames {
			if n.name == f {
				r |= n.r
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown right %q", f)
		}
	}
	return r, nil
}

// Kind is the kind of resource a capability names.
type Kind uint8

// Resource kinds.
const (
	Thread Kind = iota
	MemoryRegion
	Port
	Interrupt
	Device
	DMABuffer
	SharedRegion

	// NumKinds is the number of kinds.
	NumKinds = 7
)

var kindNames = [NumKinds]string{
	Thread:       "thread",
	MemoryRegion: "memory",
	Port:         "port",
	Interrupt:    "interrupt",
	Device:       "device",
	DMABuffer:    "dma",
	SharedRegion: "shared",
}

func (k Kind) String() string {
	if k < NumKinds {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind parses a kind name.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return Kind(k), nil
		}
	}
	return 0, fmt.Errorf("unknown capability kind %q", s)
}

// Resource names the object a capability grants access to. Base and Size
// are meaningful for memory-like kinds only.
type Resource struct {
	Kind Kind
	ID   uint64
	Base uint64
	Size uint64
}

// Same returns whether r and o name the same object.
func (r Resource) Same(o Resource) bool {
	return r.Kind == o.Kind && r.ID == o.ID
}

func (r Resource) String() string {
	if r.Size != 0 {
		return fmt.Sprintf("%v:%d[%#x+%#x]", r.Kind, r.ID, r.Base, r.Size)
	}
	return fmt.Sprintf("%v:%d", r.Kind, r.ID)
}

// CapID identifies a record in the arena. The zero CapID names nothing.
type CapID struct {
	Index      uint32
	Generation uint32
}

// NoCap is the zero CapID.
var NoCap CapID

// IsValid returns whether id can name a record.
func (id CapID) IsValid() bool {
	return id.Generation != 0
}

// Pack encodes id as a single word, index in the high half.
func (id CapID) Pack() uint64 {
	return uint64(id.Index)<<32 | uint64(id.Generation)
}

// UnpackCapID is the inverse of Pack.
func UnpackCapID(v uint64) CapID {
	return CapID{Index: uint32(v >> 32), Generation: uint32(v)}
}

func (id CapID) String() string {
	if !id.IsValid() {
		return "cap(none)"
	}
	return fmt.Sprintf("cap(%d.%d)", id.Index, id.Generation)
}

// Capability is a snapshot of a record as seen through a handle.
type Capability struct {
	ID       CapID
	Handle   atom.Handle
	Holder   atom.ThreadID
	Resource Resource
	Rights   Rights
	Parent   CapID
	Children []CapID
	InFlight bool
}
