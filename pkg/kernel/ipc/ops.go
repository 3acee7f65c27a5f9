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
	"atomos.dev/atom/pkg/kernel/capability"
	"atomos.dev/atom/pkg/kernel/sched"
	"atomos.dev/atom/pkg/syserr"
)

// validate checks msg against the size limits and its transfer request
// against tid's table, without changing anything.
func (m *Manager) validate(tid atom.ThreadID, msg *Message) error {
	if len(msg.Payload) > m.cfg.MaxInline {
		return fmt.Errorf("payload of %d bytes exceeds %d: %w", len(msg.Payload), m.cfg.MaxInline, syserr.ErrMessageTooLarge)
	}
	if msg.Region != nil {
		if len(msg.Payload) != 0 {
			return fmt.Errorf("message carries both a payload and a region: %w", syserr.ErrInvalidArgument)
		}
		if msg.Region.Size <= uint64(m.cfg.ZeroCopyThreshold) {
			return fmt.Errorf("region of %d bytes belongs inline: %w", msg.Region.Size, syserr.ErrInvalidArgument)
		}
	}
	if msg.Transfer.Mode != atom.TransferNone {
		return m.caps.CheckTransfer(tid, msg.Transfer.Handle, msg.Transfer.Mode, msg.Transfer.Rights)
	}
	return nil
}

// accept copies msg into a kernel-owned message stamped with its origin.
func (m *Manager) accept(tid atom.ThreadID, p *Port, msg Message) *Message {
	out := &Message{
		Sender:   tid,
		Port:     p.id,
		Type:     msg.Type,
		Transfer: msg.Transfer,
		SentAt:   m.now(),
	}
	if len(msg.Payload) > 0 {
		out.Payload = append([]byte(nil), msg.Payload...)
	}
	if msg.Region != nil {
		r := *msg.Region
		out.Region = &r
	}
	return out
}

// commit takes the sender's capability into flight.
func (m *Manager) commit(msg *Message) error {
	var (
		id  capability.CapID
		err error
	)
	switch msg.Transfer.Mode {
	case atom.TransferNone:
		return nil
	case atom.TransferMove:
		id, err = m.caps.Detach(msg.Sender, msg.Transfer.Handle)
	default:
		id, err = m.caps.DeriveInFlight(msg.Sender, msg.Transfer.Handle, msg.Transfer.Rights)
	}
	if err != nil {
		return err
	}
	msg.inFlight = id
	m.stats.Transfers++
	return nil
}

// deliver hands msg to receiver: its capability goes into the receiver's
// table and the metrics are updated.
func (m *Manager) deliver(receiver atom.ThreadID, p *Port, msg *Message) {
	switch {
	case msg.inFlight.IsValid():
		h, err := m.caps.Attach(receiver, msg.inFlight, receiver)
		if err != nil {
			m.caps.Discard(receiver, msg.inFlight)
			msg.Delivered = Delivered{Err: err}
		} else {
			msg.Delivered = Delivered{Handle: h}
		}
		msg.inFlight = capability.NoCap
	}

	now := m.now()
	latency := uint64(0)
	if now > msg.SentAt {
		latency = now - msg.SentAt
	}
	s := &p.stats
	if s.Received == 0 || latency < s.MinLatency {
		s.MinLatency = latency
	}
	if latency > s.MaxLatency {
		s.MaxLatency = latency
	}
	s.Received++
	s.totalLatency += latency
	m.stats.Received++
	m.trace.add(now, TraceRecv, p.id, receiver, msg.Sender, msg.Header().Length)
}

func (m *Manager) countSent(p *Port, msg *Message) {
	p.stats.Sent++
	p.stats.Bytes += uint64(len(msg.Payload))
	if msg.Region != nil {
		p.stats.Bytes += msg.Region.Size
	}
	m.stats.Sent++
}

// peer returns the unique thread other than tid holding need over p, or
// NoThread when there is none or more than one.
func (m *Manager) peer(p *Port, tid atom.ThreadID, need capability.Rights) atom.ThreadID {
	found := atom.NoThread
	for _, h := range m.caps.Holders(portResource(p.id), need) {
		if h == tid {
			continue
		}
		if found != atom.NoThread {
			return atom.NoThread
		}
		found = h
	}
	return found
}

// block suspends tid on p. The inheritance edge is added first so that a
// refused edge leaves nothing behind.
func (m *Manager) block(w *wait, timeout atom.Timeout) error {
	need, reason := capability.Write, sched.RecvEmpty
	if w.kind == waitSend {
		need, reason = capability.Read, sched.SendFull
	}
	if peer := m.peer(w.port, w.tid, need); peer != atom.NoThread {
		if err := m.sched.Boost(peer, w.tid); err != nil {
			return err
		}
	}
	if err := m.sched.Block(w.tid, reason); err != nil {
		m.sched.ReleaseWaiter(w.tid)
		return err
	}
	now := m.now()
	if at, ok := deadline(now, timeout); ok {
		w.deadline, w.timed = at, true
		m.deadlines.add(at, w.tid)
	}
	m.waits[w.tid] = w
	if w.kind == waitSend {
		w.port.senders.PushBack(w)
	} else {
		w.port.receiver = w.tid
	}
	m.stats.Blocked++
	m.trace.add(now, TraceBlock, w.port.id, w.tid, atom.NoThread, 0)
	return nil
}

// cancel removes every registration of w.
func (m *Manager) cancel(w *wait) {
	delete(m.waits, w.tid)
	if w.timed {
		m.deadlines.remove(w.deadline, w.tid)
	}
	switch w.kind {
	case waitRecv:
		if w.port.receiver == w.tid {
			w.port.receiver = atom.NoThread
		}
	case waitSend:
		for e := w.port.senders.Front(); e != nil; e = e.Next() {
			if e.Value.(*wait) == w {
				w.port.senders.Remove(e)
				break
			}
		}
	}
	m.sched.ReleaseWaiter(w.tid)
}

// finish cancels w, completes its operation with c and wakes the thread.
func (m *Manager) finish(w *wait, c Completion) {
	m.cancel(w)
	m.waker.Complete(w.tid, c)
	if _, err := m.sched.Wake(w.tid); err != nil {
		m.log.Warningf("waking %v: %v", w.tid, err)
	}
}

// refill moves blocked senders' messages into free slots, oldest first,
// and completes their sends. A sender whose transfer can no longer be
// committed, e.g. because the capability was revoked while it waited, fails
// with that error and its message is dropped.
func (m *Manager) refill(p *Port) {
	for p.senders.Len() > 0 && len(p.queue) < m.cfg.QueueDepth {
		w := p.senders.Front().Value.(*wait)
		msg := w.msg
		if err := m.commit(msg); err != nil {
			m.finish(w, Completion{Err: err})
			continue
		}
		msg.SentAt = m.now()
		p.push(msg)
		m.countSent(p, msg)
		m.trace.add(msg.SentAt, TraceSend, p.id, w.tid, atom.NoThread, msg.Header().Length)
		m.finish(w, Completion{})
	}
}

// post hands a committed message to the waiting receiver, or queues it.
func (m *Manager) post(tid atom.ThreadID, p *Port, out *Message) {
	if p.receiver != atom.NoThread {
		w := m.waits[p.receiver]
		m.countSent(p, out)
		p.stats.Handoffs++
		m.stats.Handoffs++
		m.trace.add(out.SentAt, TraceHandoff, p.id, tid, w.tid, out.Header().Length)
		m.deliver(w.tid, p, out)
		m.finish(w, Completion{Msg: out})
		return
	}
	p.push(out)
	m.countSent(p, out)
	m.trace.add(out.SentAt, TraceSend, p.id, tid, atom.NoThread, out.Header().Length)
}

// Send sends msg on the port h names, which requires Write. A waiting
// receiver gets the message directly; otherwise it is queued. On a full
// queue, NoWait fails with ErrWouldBlock and any other timeout blocks the
// sender, in which case Send returns true and the outcome is reported
// through the Waker.
func (m *Manager) Send(tid atom.ThreadID, h atom.Handle, msg Message, timeout atom.Timeout) (bool, error) {
	p, err := m.resolve(tid, h, capability.Write)
	if err != nil {
		return false, err
	}
	if err := m.validate(tid, &msg); err != nil {
		return false, err
	}
	out := m.accept(tid, p, msg)

	if p.receiver != atom.NoThread || len(p.queue) < m.cfg.QueueDepth {
		if err := m.commit(out); err != nil {
			return false, err
		}
		m.post(tid, p, out)
		return false, nil
	}

	if timeout == atom.NoWait {
		m.stats.WouldBlock++
		return false, fmt.Errorf("%v full: %w", p.id, syserr.ErrWouldBlock)
	}
	if err := m.block(&wait{tid: tid, kind: waitSend, port: p, msg: out}, timeout); err != nil {
		return false, err
	}
	return true, nil
}

// SendAsync is Send that never blocks.
func (m *Manager) SendAsync(tid atom.ThreadID, h atom.Handle, msg Message) error {
	_, err := m.Send(tid, h, msg, atom.NoWait)
	return err
}

// Recv receives the oldest message on the port h names, which requires
// Read. On an empty port, NoWait fails with ErrWouldBlock and any other
// timeout blocks the caller, in which case Recv returns true and the
// message is delivered through the Waker. Only one thread may wait on a
// port.
func (m *Manager) Recv(tid atom.ThreadID, h atom.Handle, timeout atom.Timeout) (*Message, bool, error) {
	p, err := m.resolve(tid, h, capability.Read)
	if err != nil {
		return nil, false, err
	}
	if len(p.queue) > 0 {
		msg := p.pop()
		m.deliver(tid, p, msg)
		m.refill(p)
		return msg, false, nil
	}
	if p.receiver != atom.NoThread {
		return nil, false, fmt.Errorf("%v already has %v waiting: %w", p.id, p.receiver, syserr.ErrBusy)
	}
	if timeout == atom.NoWait {
		m.stats.WouldBlock++
		return nil, false, fmt.Errorf("%v empty: %w", p.id, syserr.ErrWouldBlock)
	}
	if err := m.block(&wait{tid: tid, kind: waitRecv, port: p}, timeout); err != nil {
		return nil, false, err
	}
	return nil, true, nil
}

// TryRecv is Recv that never blocks.
func (m *Manager) TryRecv(tid atom.ThreadID, h atom.Handle) (*Message, error) {
	msg, _, err := m.Recv(tid, h, atom.NoWait)
	return msg, err
}

// SendBatch sends up to MaxBatch messages on the port h names without
// blocking. The batch is sent whole or not at all: it fails with
// ErrWouldBlock unless the queue has room for every message, and with the
// first validation error otherwise. A handle moved by one message may not
// be transferred by another. It returns the number sent.
func (m *Manager) SendBatch(tid atom.ThreadID, h atom.Handle, msgs []Message) (int, error) {
	if len(msgs) == 0 || len(msgs) > m.cfg.MaxBatch {
		return 0, fmt.Errorf("batch of %d messages: %w", len(msgs), syserr.ErrInvalidArgument)
	}
	p, err := m.resolve(tid, h, capability.Write)
	if err != nil {
		return 0, err
	}
	used := make(map[atom.Handle]atom.TransferMode)
	grants := 0
	for i := range msgs {
		if err := m.validate(tid, &msgs[i]); err != nil {
			return 0, err
		}
		tr := msgs[i].Transfer
		if tr.Mode == atom.TransferNone {
			continue
		}
		if prev, ok := used[tr.Handle]; ok && (prev == atom.TransferMove || tr.Mode == atom.TransferMove) {
			return 0, fmt.Errorf("handle %d moved and transferred again in one batch: %w", tr.Handle, syserr.ErrInvalidArgument)
		}
		used[tr.Handle] = tr.Mode
		if tr.Mode == atom.TransferGrant {
			grants++
		}
	}
	if len(p.queue)+len(msgs) > m.cfg.QueueDepth {
		m.stats.WouldBlock++
		return 0, fmt.Errorf("%v has room for %d of %d messages: %w", p.id, m.cfg.QueueDepth-len(p.queue), len(msgs), syserr.ErrWouldBlock)
	}
	if err := m.caps.CheckArena(grants); err != nil {
		return 0, err
	}

	outs := make([]*Message, len(msgs))
	for i := range msgs {
		outs[i] = m.accept(tid, p, msgs[i])
		if err := m.commit(outs[i]); err != nil {
			panic(fmt.Sprintf("committing validated batch transfer %+v: %v", msgs[i].Transfer, err))
		}
	}
	for _, out := range outs {
		m.post(tid, p, out)
	}
	return len(outs), nil
}

// RecvBatch receives up to limit queued messages without blocking.
func (m *Manager) RecvBatch(tid atom.ThreadID, h atom.Handle, limit int) ([]*Message, error) {
	if limit <= 0 || limit > m.cfg.MaxBatch {
		return nil, fmt.Errorf("batch of %d messages: %w", limit, syserr.ErrInvalidArgument)
	}
	var msgs []*Message
	for len(msgs) < limit {
		msg, err := m.TryRecv(tid, h)
		if err != nil {
			if len(msgs) == 0 {
				return nil, err
			}
			break
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// OnTick fails every wait whose deadline is at or before now with
// ErrTimedOut. It returns the threads woken.
func (m *Manager) OnTick(now uint64) []atom.ThreadID {
	tids := m.deadlines.expired(now)
	for _, tid := range tids {
		w, ok := m.waits[tid]
		if !ok {
			continue
		}
		// The deadline is already out of the queue.
		w.timed = false
		w.port.stats.Timeouts++
		m.stats.Timeouts++
		m.trace.add(now, TraceTimeout, w.port.id, tid, atom.NoThread, 0)
		m.finish(w, Completion{Err: fmt.Errorf("%v: %w", w.port.id, syserr.ErrTimedOut)})
	}
	return tids
}
