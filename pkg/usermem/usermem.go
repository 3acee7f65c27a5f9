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

// Package usermem provides access to user memory from the syscall layer.
//
// The kernel core does not manage address spaces. Syscalls that take user
// buffers reach them through IO, which the embedder backs with whatever
// memory the thread's address space maps.
package usermem

import (
	"encoding/binary"
	"fmt"

	"atomos.dev/atom/pkg/syserr"
)

// Addr is a user virtual address.
type Addr uint64

// ErrFault is returned for an access outside mapped user memory.
var ErrFault = fmt.Errorf("bad user address: %w", syserr.ErrInvalidArgument)

// IO copies to and from user memory.
type IO interface {
	// CopyOut copies len(src) bytes from src to the memory mapped at addr.
	// It returns the number of bytes copied; n < len(src) iff err != nil.
	CopyOut(addr Addr, src []byte) (int, error)

	// CopyIn copies len(dst) bytes from the memory mapped at addr to dst.
	// It returns the number of bytes copied; n < len(dst) iff err != nil.
	CopyIn(addr Addr, dst []byte) (int, error)

	// ZeroOut sets toZero bytes at addr to zero.
	ZeroOut(addr Addr, toZero int64) (int64, error)
}

// BytesIO implements IO using a byte slice mapped at Base. Addresses are
// interpreted relative to Base.
type BytesIO struct {
	Base  Addr
	Bytes []byte
}

// NewBytesIO returns a BytesIO of size zeroed bytes at base.
func NewBytesIO(base Addr, size int) *BytesIO {
	return &BytesIO{Base: base, Bytes: make([]byte, size)}
}

// rangeCheck returns the window of b.Bytes that [addr, addr+length)
// overlaps, and ErrFault if the overlap is shorter than length.
func (b *BytesIO) rangeCheck(addr Addr, length int) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	if addr < b.Base || uint64(addr-b.Base) >= uint64(len(b.Bytes)) {
		return nil, ErrFault
	}
	start := int(addr - b.Base)
	end := start + length
	if end < start || end > len(b.Bytes) {
		return b.Bytes[start:], ErrFault
	}
	return b.Bytes[start:end], nil
}

// CopyOut implements IO.CopyOut.
func (b *BytesIO) CopyOut(addr Addr, src []byte) (int, error) {
	win, err := b.rangeCheck(addr, len(src))
	return copy(win, src), err
}

// CopyIn implements IO.CopyIn.
func (b *BytesIO) CopyIn(addr Addr, dst []byte) (int, error) {
	win, err := b.rangeCheck(addr, len(dst))
	return copy(dst, win), err
}

// ZeroOut implements IO.ZeroOut.
func (b *BytesIO) ZeroOut(addr Addr, toZero int64) (int64, error) {
	win, err := b.rangeCheck(addr, int(toZero))
	for i := range win {
		win[i] = 0
	}
	return int64(len(win)), err
}

// CopyOutUint64s writes vals at addr, little endian.
func CopyOutUint64s(io IO, addr Addr, vals []uint64) error {
	buf := make([]byte, 0, 8*len(vals))
	for _, v := range vals {
		buf = binary.LittleEndian.AppendUint64(buf, v)
	}
	_, err := io.CopyOut(addr, buf)
	return err
}

// CopyInBytes reads n bytes at addr.
func CopyInBytes(io IO, addr Addr, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.CopyIn(addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
