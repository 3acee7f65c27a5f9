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
	"container/list"
	"fmt"

	"atomos.dev/atom/pkg/abi/atom"
	"atomos.dev/atom/pkg/kernel/capability"
	"atomos.dev/atom/pkg/syserr"
)

// PortStats are per-port metrics. Latencies are in ticks from acceptance to
// receipt.
type PortStats struct {
	ID         atom.PortID
	Owner      atom.ThreadID
	Depth      int
	HighWater  int
	Sent       uint64
	Received   uint64
	Bytes      uint64
	Handoffs   uint64
	Timeouts   uint64
	MinLatency uint64
	MaxLatency uint64

	// totalLatency is the sum over Received messages.
	totalLatency uint64
}

// AvgLatency returns the mean latency of received messages.
func (s PortStats) AvgLatency() uint64 {
	if s.Received == 0 {
		return 0
	}
	return s.totalLatency / s.Received
}

// Port is a message port.
type Port struct {
	id    atom.PortID
	owner atom.ThreadID

	// queue holds accepted messages, oldest first.
	queue []*Message

	// receiver is the thread blocked receiving, or NoThread. A thread
	// waits only while queue is empty.
	receiver atom.ThreadID

	// senders holds *wait for threads blocked on a full queue, in arrival
	// order.
	senders *list.List

	stats PortStats
}

func (p *Port) String() string {
	return p.id.String()
}

func (p *Port) push(msg *Message) {
	p.queue = append(p.queue, msg)
	if len(p.queue) > p.stats.HighWater {
		p.stats.HighWater = len(p.queue)
	}
}

func (p *Port) pop() *Message {
	msg := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	return msg
}

// CreatePort makes a port owned by owner and gives owner a capability over
// it with OwnerRights.
func (m *Manager) CreatePort(owner atom.ThreadID) (atom.PortID, atom.Handle, error) {
	raw, ok := m.portIDs.Allocate()
	if !ok {
		return 0, 0, fmt.Errorf("port table full: %w", syserr.ErrOutOfCapacity)
	}
	id := atom.PortID(raw)
	h, err := m.caps.Create(owner, owner, portResource(id), OwnerRights)
	if err != nil {
		m.portIDs.Free(raw)
		return 0, 0, err
	}
	m.ports[id] = &Port{
		id:      id,
		owner:   owner,
		senders: list.New(),
		stats:   PortStats{ID: id, Owner: owner},
	}
	m.trace.add(m.now(), TraceCreate, id, owner, atom.NoThread, 0)
	m.log.Debugf("%v created %v, handle %d", owner, id, h)
	return id, h, nil
}

// ClosePort destroys the port h names. The caller must own the port or hold
// the Revoke right over it. Threads blocked on the port fail with
// ErrInvalidArgument, undelivered capabilities are discarded and every
// capability over the port is revoked.
func (m *Manager) ClosePort(tid atom.ThreadID, h atom.Handle) error {
	p, err := m.resolve(tid, h, 0)
	if err != nil {
		return err
	}
	if p.owner != tid {
		if _, err := m.caps.CheckResource(tid, h, capability.Port, capability.Revoke); err != nil {
			return err
		}
	}

	closed := fmt.Errorf("%v closed: %w", p.id, syserr.ErrInvalidArgument)
	if p.receiver != atom.NoThread {
		m.finish(m.waits[p.receiver], Completion{Err: closed})
	}
	for p.senders.Len() > 0 {
		w := p.senders.Front().Value.(*wait)
		m.finish(w, Completion{Err: closed})
	}
	for len(p.queue) > 0 {
		msg := p.pop()
		if msg.inFlight.IsValid() {
			m.caps.Discard(tid, msg.inFlight)
		}
	}
	n := m.caps.RevokeResource(tid, portResource(p.id))
	delete(m.ports, p.id)
	m.portIDs.Free(uint32(p.id))
	m.trace.add(m.now(), TraceClose, p.id, tid, p.owner, 0)
	m.log.Debugf("%v closed %v, %d capabilities revoked", tid, p.id, n)
	return nil
}

// PortStats returns the metrics of the port h names. It requires Read.
func (m *Manager) PortStats(tid atom.ThreadID, h atom.Handle) (PortStats, error) {
	p, err := m.resolve(tid, h, capability.Read)
	if err != nil {
		return PortStats{}, err
	}
	s := p.stats
	s.Depth = len(p.queue)
	return s, nil
}

// Ports returns the metrics of every port, for diagnostics.
func (m *Manager) Ports() []PortStats {
	out := make([]PortStats, 0, len(m.ports))
	for _, id := range m.portIDs.InUseList() {
		if p, ok := m.ports[atom.PortID(id)]; ok {
			s := p.stats
			s.Depth = len(p.queue)
			out = append(out, s)
		}
	}
	return out
}

// References returns the number of IPC structures that name tid: ports it
// owns and its own wait.
func (m *Manager) References(tid atom.ThreadID) int {
	n := 0
	for _, p := range m.ports {
		if p.owner == tid {
			n++
		}
	}
	if _, ok := m.waits[tid]; ok {
		n++
	}
	return n
}

// Forget drops every reference to an exiting thread: its wait is cancelled
// without completion and the ports it owns become ownerless. Messages it
// already sent stay queued.
func (m *Manager) Forget(tid atom.ThreadID) {
	if w, ok := m.waits[tid]; ok {
		m.cancel(w)
	}
	for _, p := range m.ports {
		if p.owner == tid {
			p.owner = atom.NoThread
			p.stats.Owner = atom.NoThread
		}
	}
}
