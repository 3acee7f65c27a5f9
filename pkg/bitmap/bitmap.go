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

// Package bitmap provides a fixed-capacity bitmap and an identifier
// allocator built on it.
package bitmap

import (
	"fmt"
	"math/bits"
)

// Bitmap is a set of small integers below a capacity fixed at creation.
type Bitmap struct {
	words []uint64
	count uint32
	size  uint32
}

// New returns an empty Bitmap holding [0, size).
func New(size uint32) Bitmap {
	return Bitmap{words: make([]uint64, (size+63)/64), size: size}
}

// Cap returns the capacity.
func (b *Bitmap) Cap() uint32 {
	return b.size
}

// Count returns the number of members.
func (b *Bitmap) Count() uint32 {
	return b.count
}

// Empty returns whether there are no members.
func (b *Bitmap) Empty() bool {
	return b.count == 0
}

// Contains returns whether i is a member. Out of range values never are.
func (b *Bitmap) Contains(i uint32) bool {
	return i < b.size && b.words[i/64]&(1<<(i%64)) != 0
}

// Add makes i a member. It panics if i is out of range.
func (b *Bitmap) Add(i uint32) {
	if i >= b.size {
		panic(fmt.Sprintf("bitmap: %d out of range [0, %d)", i, b.size))
	}
	w, m := &b.words[i/64], uint64(1)<<(i%64)
	if *w&m == 0 {
		*w |= m
		b.count++
	}
}

// Remove removes i if it is a member.
func (b *Bitmap) Remove(i uint32) {
	if i >= b.size {
		return
	}
	w, m := &b.words[i/64], uint64(1)<<(i%64)
	if *w&m != 0 {
		*w &^= m
		b.count--
	}
}

// FirstZero returns the smallest non-member in [start, Cap()).
func (b *Bitmap) FirstZero(start uint32) (uint32, bool) {
	for i := start / 64; int(i) < len(b.words); i++ {
		w := b.words[i]
		if i == start/64 {
			w |= 1<<(start%64) - 1
		}
		if w == ^uint64(0) {
			continue
		}
		bit := i*64 + uint32(bits.TrailingZeros64(^w))
		if bit >= b.size {
			return 0, false
		}
		return bit, true
	}
	return 0, false
}

// Members returns the members in ascending order.
func (b *Bitmap) Members() []uint32 {
	out := make([]uint32, 0, b.count)
	for i, w := range b.words {
		for w != 0 {
			out = append(out, uint32(i*64+bits.TrailingZeros64(w)))
			w &= w - 1
		}
	}
	return out
}

// Allocator hands out identifiers in [first, limit). Identifiers are handed
// out in increasing order starting after the most recently allocated one and
// wrap around, so a freed identifier is not reused until the rest of the
// space has been tried.
type Allocator struct {
	used  Bitmap
	first uint32
	limit uint32
	last  uint32
}

// NewAllocator returns an allocator over [first, limit).
func NewAllocator(first, limit uint32) *Allocator {
	if limit <= first {
		panic(fmt.Sprintf("invalid allocator range [%d, %d)", first, limit))
	}
	return &Allocator{
		used:  New(limit),
		first: first,
		limit: limit,
		last:  limit - 1,
	}
}

// Allocate returns a free identifier, or false if every identifier in the
// range is in use.
func (a *Allocator) Allocate() (uint32, bool) {
	start := a.last + 1
	if start >= a.limit || start < a.first {
		start = a.first
	}
	id, ok := a.firstFree(start, a.limit)
	if !ok {
		id, ok = a.firstFree(a.first, start)
	}
	if !ok {
		return 0, false
	}
	a.used.Add(id)
	a.last = id
	return id, true
}

func (a *Allocator) firstFree(from, to uint32) (uint32, bool) {
	if from >= to {
		return 0, false
	}
	id, ok := a.used.FirstZero(from)
	if !ok || id >= to {
		return 0, false
	}
	return id, true
}

// Reserve marks id as used. It returns false if id is outside the range or
// already in use.
func (a *Allocator) Reserve(id uint32) bool {
	if id < a.first || id >= a.limit || a.used.Contains(id) {
		return false
	}
	a.used.Add(id)
	return true
}

// Free releases id.
func (a *Allocator) Free(id uint32) {
	a.used.Remove(id)
}

// InUse returns whether id is allocated.
func (a *Allocator) InUse(id uint32) bool {
	return a.used.Contains(id)
}

// InUseList returns the allocated identifiers in ascending order.
func (a *Allocator) InUseList() []uint32 {
	return a.used.Members()
}

// Len returns the number of allocated identifiers.
func (a *Allocator) Len() int {
	return int(a.used.Count())
}

// Capacity returns the number of identifiers in the range.
func (a *Allocator) Capacity() int {
	return int(a.limit - a.first)
}
