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

package ring0

import (
	"fmt"
	"sort"
)

// StackCanary is written to the lowest word of every kernel stack.
const StackCanary = 0x57ac_cafe_d00d_f00d

const (
	pageSize  = 0x1000
	guardSize = pageSize
)

// Stack is a kernel stack. Stacks grow down from Top; the lowest word holds
// StackCanary.
type Stack struct {
	// Base is the lowest address of the stack.
	Base uint64

	words []uint64
}

// Top returns the address just above the highest word.
func (s *Stack) Top() uint64 {
	return s.Base + uint64(len(s.words))*8
}

// Contains returns whether addr is a word of s.
func (s *Stack) Contains(addr uint64) bool {
	return addr >= s.Base && addr < s.Top()
}

// CanaryIntact returns whether the canary word is unmodified.
func (s *Stack) CanaryIntact() bool {
	return s.words[0] == StackCanary
}

// Word returns the word at addr.
func (s *Stack) Word(addr uint64) uint64 {
	return s.words[(addr-s.Base)/8]
}

// SetWord stores val at addr, as a stray kernel write would.
func (s *Stack) SetWord(addr, val uint64) {
	s.words[(addr-s.Base)/8] = val
}

func (s *Stack) String() string {
	return fmt.Sprintf("stack[%#x-%#x]", s.Base, s.Top())
}

// memory is the set of kernel stacks, ordered by address.
type memory struct {
	stacks []*Stack
	next   uint64
}

func (m *memory) alloc(words int) *Stack {
	if words < 2 {
		panic(fmt.Sprintf("stack of %d words too small", words))
	}
	s := &Stack{Base: m.next, words: make([]uint64, words)}
	s.words[0] = StackCanary
	size := (uint64(words)*8 + pageSize - 1) &^ (pageSize - 1)
	m.next += size + guardSize
	m.stacks = append(m.stacks, s)
	return s
}

func (m *memory) free(s *Stack) {
	i := sort.Search(len(m.stacks), func(i int) bool { return m.stacks[i].Base >= s.Base })
	if i < len(m.stacks) && m.stacks[i] == s {
		m.stacks = append(m.stacks[:i], m.stacks[i+1:]...)
	}
}

func (m *memory) lookup(addr uint64) *Stack {
	i := sort.Search(len(m.stacks), func(i int) bool { return m.stacks[i].Top() > addr })
	if i < len(m.stacks) && m.stacks[i].Contains(addr) {
		return m.stacks[i]
	}
	return nil
}

// read returns the word at addr, or false if addr is not mapped.
func (m *memory) read(addr uint64) (uint64, bool) {
	if addr&7 != 0 {
		return 0, false
	}
	s := m.lookup(addr)
	if s == nil {
		return 0, false
	}
	return s.words[(addr-s.Base)/8], true
}

// write stores val at addr, or returns false if addr is not mapped.
func (m *memory) write(addr, val uint64) bool {
	if addr&7 != 0 {
		return false
	}
	s := m.lookup(addr)
	if s == nil {
		return false
	}
	s.words[(addr-s.Base)/8] = val
	return true
}
