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

package capability

import (
	"fmt"

	"atomos.dev/atom/pkg/abi/atom"
)

// Op is an audited operation.
type Op uint8

// Audited operations.
const (
	OpCreate Op = iota + 1
	OpDerive
	OpRevoke
	OpMove
	OpGrant
	OpDeliver
)

func (o Op) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpDerive:
		return "derive"
	case OpRevoke:
		return "revoke"
	case OpMove:
		return "move"
	case OpGrant:
		return "grant"
	case OpDeliver:
		return "deliver"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// AuditRecord describes one change to the arena.
type AuditRecord struct {
	// Seq increases by one per record and is never reused, so a reader
	// can tell how many records were overwritten.
	Seq uint64

	// Tick is the kernel tick at which the change happened.
	Tick uint64

	// Actor is the thread on whose behalf the change was made.
	Actor atom.ThreadID

	Op     Op
	Cap    CapID
	Parent CapID

	// Target is the receiving thread of a move, grant or delivery, and
	// the holder of a revoked entry.
	Target atom.ThreadID
}

func (r AuditRecord) String() string {
	return fmt.Sprintf("#%d t=%d %v %v by %v parent=%v target=%v", r.Seq, r.Tick, r.Op, r.Cap, r.Actor, r.Parent, r.Target)
}

// auditRing keeps the most recent records. Once full, the oldest record is
// overwritten.
type auditRing struct {
	buf  []AuditRecord
	head int
	len  int
	seq  uint64
}

func newAuditRing(capacity int) *auditRing {
	return &auditRing{buf: make([]AuditRecord, capacity)}
}

func (a *auditRing) add(r AuditRecord) {
	a.seq++
	r.Seq = a.seq
	if len(a.buf) == 0 {
		return
	}
	a.buf[(a.head+a.len)%len(a.buf)] = r
	if a.len < len(a.buf) {
		a.len++
	} else {
		a.head = (a.head + 1) % len(a.buf)
	}
}

// last returns up to n of the most recent records, oldest first. n <= 0
// returns everything retained.
func (a *auditRing) last(n int) []AuditRecord {
	if n <= 0 || n > a.len {
		n = a.len
	}
	out := make([]AuditRecord, 0, n)
	for i := a.len - n; i < a.len; i++ {
		out = append(out, a.buf[(a.head+i)%len(a.buf)])
	}
	return out
}
