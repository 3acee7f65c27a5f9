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

package ipc

import (
	"fmt"

	"atomos.dev/atom/pkg/abi/atom"
)

// TraceKind is the kind of a trace event.
type TraceKind uint8

// Trace event kinds.
const (
	TraceCreate TraceKind = iota + 1
	TraceClose
	TraceSend
	TraceHandoff
	TraceRecv
	TraceBlock
	TraceTimeout
)

func (k TraceKind) String() string {
	switch k {
	case TraceCreate:
		return "create"
	case TraceClose:
		return "close"
	case TraceSend:
		return "send"
	case TraceHandoff:
		return "handoff"
	case TraceRecv:
		return "recv"
	case TraceBlock:
		return "block"
	case TraceTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("trace(%d)", uint8(k))
	}
}

// TraceEvent is one IPC event.
type TraceEvent struct {
	Seq    uint64
	Tick   uint64
	Kind   TraceKind
	Port   atom.PortID
	Thread atom.ThreadID

	// Peer is the other side: the receiver of a handoff, the sender of a
	// received message or the owner of a closed port.
	Peer   atom.ThreadID
	Length uint32
}

func (e TraceEvent) String() string {
	return fmt.Sprintf("#%d t=%d %v %v %v peer=%v len=%d", e.Seq, e.Tick, e.Kind, e.Port, e.Thread, e.Peer, e.Length)
}

// traceRing keeps the most recent events.
type traceRing struct {
	buf  []TraceEvent
	head int
	len  int
	seq  uint64
}

func newTraceRing(capacity int) *traceRing {
	return &traceRing{buf: make([]TraceEvent, capacity)}
}

func (r *traceRing) add(tick uint64, kind TraceKind, port atom.PortID, tid, peer atom.ThreadID, length uint32) {
	r.seq++
	e := TraceEvent{Seq: r.seq, Tick: tick, Kind: kind, Port: port, Thread: tid, Peer: peer, Length: length}
	r.buf[(r.head+r.len)%len(r.buf)] = e
	if r.len < len(r.buf) {
		r.len++
	} else {
		r.head = (r.head + 1) % len(r.buf)
	}
}

func (r *traceRing) last(n int) []TraceEvent {
	if n <= 0 || n > r.len {
		n = r.len
	}
	out := make([]TraceEvent, 0, n)
	for i := r.len - n; i < r.len; i++ {
		out = append(out, r.buf[(r.head+i)%len(r.buf)])
	}
	return out
}
