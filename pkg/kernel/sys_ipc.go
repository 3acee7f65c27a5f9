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
	"encoding/binary"
	"fmt"
	"math"

	"atomos.dev/atom/pkg/abi/atom"
	"atomos.dev/atom/pkg/arch"
	"atomos.dev/atom/pkg/kernel/capability"
	"atomos.dev/atom/pkg/kernel/ipc"
	"atomos.dev/atom/pkg/syserr"
	"atomos.dev/atom/pkg/usermem"
)

// batchDescSize is the size of a send_batch descriptor:
//
//	0 type u32
//	4 len  u32
//	8 buf  u64
const batchDescSize = 16

// traceWords is the number of words ipc_trace_read writes per event:
// sequence, tick, kind<<32|port, thread<<32|peer, length.
const traceWords = 5

// maxTraceRead bounds one ipc_trace_read.
const maxTraceRead = 4096

// typeArg decodes a 32-bit message type argument.
func typeArg(a arch.SyscallArgument) (uint32, error) {
	if v := a.Uint64(); v > math.MaxUint32 {
		return 0, fmt.Errorf("message type %#x: %w", v, syserr.ErrInvalidArgument)
	}
	return a.Uint(), nil
}

// readMessage copies a message body in from user memory. A type with
// atom.TypeRegion set reads a region descriptor instead of a payload.
func (k *Kernel) readMessage(addr, n uint64, typ uint32) (ipc.Message, error) {
	msg := ipc.Message{Type: typ}
	if typ&atom.TypeRegion != 0 {
		if n != atom.RegionDescriptorSize {
			return ipc.Message{}, fmt.Errorf("region descriptor of %d bytes: %w", n, syserr.ErrInvalidArgument)
		}
		buf, err := usermem.CopyInBytes(k.mem, usermem.Addr(addr), atom.RegionDescriptorSize)
		if err != nil {
			return ipc.Message{}, err
		}
		d, err := atom.DecodeRegionDescriptor(buf)
		if err != nil {
			return ipc.Message{}, err
		}
		msg.Region = &d
		return msg, nil
	}
	if n > uint64(k.cfg.MaxInline) {
		return ipc.Message{}, fmt.Errorf("payload of %d bytes: %w", n, syserr.ErrMessageTooLarge)
	}
	if n == 0 {
		return msg, nil
	}
	payload, err := usermem.CopyInBytes(k.mem, usermem.Addr(addr), int(n))
	if err != nil {
		return ipc.Message{}, err
	}
	msg.Payload = payload
	return msg, nil
}

// messageSpace is the receive buffer size that holds any message.
func (k *Kernel) messageSpace() uint64 {
	return uint64(atom.MessageHeaderSize + k.cfg.MaxInline)
}

// checkRecvBuffer verifies, before anything is dequeued, that the receive
// buffer can hold count messages and that the count delivered handle cells
// at handleOut are writable.
func (k *Kernel) checkRecvBuffer(buf, size, handleOut uint64, count int) error {
	need := k.messageSpace() * uint64(count)
	if size < need {
		return fmt.Errorf("receive buffer of %d bytes, need %d: %w", size, need, syserr.ErrInvalidArgument)
	}
	if _, err := k.mem.ZeroOut(usermem.Addr(buf), int64(need)); err != nil {
		return err
	}
	if handleOut != 0 {
		if _, err := k.mem.ZeroOut(usermem.Addr(handleOut), int64(8*count)); err != nil {
			return err
		}
	}
	return nil
}

// deliveredWord encodes the receiver's side of a transfer: the new handle,
// a negative error code, or zero.
func deliveredWord(d ipc.Delivered) uint64 {
	if d.Err != nil {
		return uint64(syserr.ToCode(d.Err))
	}
	return uint64(d.Handle)
}

// writeMessage copies msg out in wire form and returns its length.
func (k *Kernel) writeMessage(p *pendingRecv, msg *ipc.Message) (uint64, error) {
	enc := msg.Encode()
	if _, err := k.mem.CopyOut(p.buf, enc); err != nil {
		return 0, err
	}
	if p.handleOut != 0 {
		if err := usermem.CopyOutUint64s(k.mem, p.handleOut, []uint64{deliveredWord(msg.Delivered)}); err != nil {
			return 0, err
		}
	}
	return uint64(len(enc)), nil
}

// complete finishes a blocked IPC operation. The result goes into the
// thread's saved rax, and a received message into its buffer.
func (k *Kernel) complete(tid atom.ThreadID, c ipc.Completion) {
	t := k.threads[tid]
	p := t.pending
	t.pending = nil
	switch {
	case c.Err != nil:
		t.ctx.Rax = syserr.Result(0, c.Err)
	case c.Msg != nil && p != nil:
		n, err := k.writeMessage(p, c.Msg)
		t.ctx.Rax = syserr.Result(n, err)
	default:
		t.ctx.Rax = 0
	}
}

// CreatePort implements create_port(). It returns the owner's handle.
func CreatePort(k *Kernel, t *Thread, args arch.SyscallArguments) (uint64, *SyscallControl, error) {
	_, h, err := k.ipc.CreatePort(t.id)
	return uint64(h), nil, err
}

// ClosePort implements close_port(h).
func ClosePort(k *Kernel, t *Thread, args arch.SyscallArguments) (uint64, *SyscallControl, error) {
	h, err := handleArg(args[0])
	if err != nil {
		return 0, nil, err
	}
	return 0, nil, k.ipc.ClosePort(t.id, h)
}

func (k *Kernel) send(t *Thread, h atom.Handle, msg ipc.Message, timeout atom.Timeout) (uint64, *SyscallControl, error) {
	blocked, err := k.ipc.Send(t.id, h, msg, timeout)
	if err != nil {
		return 0, nil, err
	}
	if blocked {
		return 0, ctrlBlock, nil
	}
	return 0, nil, nil
}

// Send implements send(h, buf, len, type, timeout_ms).
func Send(k *Kernel, t *Thread, args arch.SyscallArguments) (uint64, *SyscallControl, error) {
	h, err := handleArg(args[0])
	if err != nil {
		return 0, nil, err
	}
	typ, err := typeArg(args[3])
	if err != nil {
		return 0, nil, err
	}
	msg, err := k.readMessage(args[1].Pointer(), args[2].Uint64(), typ)
	if err != nil {
		return 0, nil, err
	}
	return k.send(t, h, msg, k.timeout(args[4].Uint64()))
}

// SendAsync implements send_async(h, buf, len, type), a send that never
// blocks.
func SendAsync(k *Kernel, t *Thread, args arch.SyscallArguments) (uint64, *SyscallControl, error) {
	h, err := handleArg(args[0])
	if err != nil {
		return 0, nil, err
	}
	typ, err := typeArg(args[3])
	if err != nil {
		return 0, nil, err
	}
	msg, err := k.readMessage(args[1].Pointer(), args[2].Uint64(), typ)
	if err != nil {
		return 0, nil, err
	}
	return 0, nil, k.ipc.SendAsync(t.id, h, msg)
}

// SendWithCapability implements send_with_capability(h, buf, len, cap,
// mode, timeout_ms). mode is decoded by atom.DecodeTransferArg.
func SendWithCapability(k *Kernel, t *Thread, args arch.SyscallArguments) (uint64, *SyscallControl, error) {
	h, err := handleArg(args[0])
	if err != nil {
		return 0, nil, err
	}
	ch, err := handleArg(args[3])
	if err != nil {
		return 0, nil, err
	}
	msg, err := k.readMessage(args[1].Pointer(), args[2].Uint64(), 0)
	if err != nil {
		return 0, nil, err
	}
	mode, rights := atom.DecodeTransferArg(args[4].Uint64())
	msg.Transfer = ipc.Transfer{
		Mode:   mode,
		Handle: ch,
		Rights: capability.Rights(rights),
	}
	return k.send(t, h, msg, k.timeout(args[5].Uint64()))
}

// Recv implements recv(h, buf, size, timeout_ms, handle_out).
//
// The message is written to buf in wire form and its length returned. buf
// must hold the largest message. If handle_out is set, it receives the
// handle of a transferred capability, a negative error code if the
// transfer failed, or zero.
func Recv(k *Kernel, t *Thread, args arch.SyscallArguments) (uint64, *SyscallControl, error) {
	h, err := handleArg(args[0])
	if err != nil {
		return 0, nil, err
	}
	buf, size, handleOut := args[1].Pointer(), args[2].Uint64(), args[4].Pointer()
	if err := k.checkRecvBuffer(buf, size, handleOut, 1); err != nil {
		return 0, nil, err
	}
	p := &pendingRecv{buf: usermem.Addr(buf), handleOut: usermem.Addr(handleOut)}
	msg, blocked, err := k.ipc.Recv(t.id, h, k.timeout(args[3].Uint64()))
	if err != nil {
		return 0, nil, err
	}
	if blocked {
		t.pending = p
		return 0, ctrlBlock, nil
	}
	n, err := k.writeMessage(p, msg)
	return n, nil, err
}

// TryRecv implements try_recv(h, buf, size, handle_out), a receive that
// never blocks.
func TryRecv(k *Kernel, t *Thread, args arch.SyscallArguments) (uint64, *SyscallControl, error) {
	h, err := handleArg(args[0])
	if err != nil {
		return 0, nil, err
	}
	buf, size, handleOut := args[1].Pointer(), args[2].Uint64(), args[3].Pointer()
	if err := k.checkRecvBuffer(buf, size, handleOut, 1); err != nil {
		return 0, nil, err
	}
	msg, err := k.ipc.TryRecv(t.id, h)
	if err != nil {
		return 0, nil, err
	}
	n, err := k.writeMessage(&pendingRecv{buf: usermem.Addr(buf), handleOut: usermem.Addr(handleOut)}, msg)
	return n, nil, err
}

// SendBatch implements send_batch(h, descs, count). Either every message
// is queued and count is returned, or none is and the call fails.
func SendBatch(k *Kernel, t *Thread, args arch.SyscallArguments) (uint64, *SyscallControl, error) {
	h, err := handleArg(args[0])
	if err != nil {
		return 0, nil, err
	}
	count := args[2].Uint64()
	if count == 0 || count > uint64(k.cfg.MaxBatch) {
		return 0, nil, fmt.Errorf("batch of %d messages: %w", count, syserr.ErrInvalidArgument)
	}
	raw, err := usermem.CopyInBytes(k.mem, usermem.Addr(args[1].Pointer()), int(count)*batchDescSize)
	if err != nil {
		return 0, nil, err
	}
	msgs := make([]ipc.Message, count)
	for i := range msgs {
		d := raw[i*batchDescSize:]
		typ := binary.LittleEndian.Uint32(d[0:])
		n := binary.LittleEndian.Uint32(d[4:])
		addr := binary.LittleEndian.Uint64(d[8:])
		if msgs[i], err = k.readMessage(addr, uint64(n), typ); err != nil {
			return 0, nil, err
		}
	}
	sent, err := k.ipc.SendBatch(t.id, h, msgs)
	return uint64(sent), nil, err
}

// RecvBatch implements recv_batch(h, buf, size, limit, handles_out).
// Messages are written back to back in wire form; buf must hold limit of
// the largest message. If handles_out is set, it receives one delivered
// handle word per message, as for recv. It returns the number received.
func RecvBatch(k *Kernel, t *Thread, args arch.SyscallArguments) (uint64, *SyscallControl, error) {
	h, err := handleArg(args[0])
	if err != nil {
		return 0, nil, err
	}
	buf, size, limit, handlesOut := args[1].Pointer(), args[2].Uint64(), args[3].Uint64(), args[4].Pointer()
	if limit == 0 || limit > uint64(k.cfg.MaxBatch) {
		return 0, nil, fmt.Errorf("batch of %d messages: %w", limit, syserr.ErrInvalidArgument)
	}
	if err := k.checkRecvBuffer(buf, size, handlesOut, int(limit)); err != nil {
		return 0, nil, err
	}
	msgs, err := k.ipc.RecvBatch(t.id, h, int(limit))
	if err != nil {
		return 0, nil, err
	}
	addr, out := usermem.Addr(buf), usermem.Addr(handlesOut)
	for _, msg := range msgs {
		p := &pendingRecv{buf: addr}
		if out != 0 {
			p.handleOut = out
			out += 8
		}
		n, err := k.writeMessage(p, msg)
		if err != nil {
			return 0, nil, err
		}
		addr += usermem.Addr(n)
	}
	return uint64(len(msgs)), nil, nil
}

// IPCTraceRead implements ipc_trace_read(buf, max). It writes up to max of
// the most recent trace events, oldest first, and returns their number.
func IPCTraceRead(k *Kernel, t *Thread, args arch.SyscallArguments) (uint64, *SyscallControl, error) {
	limit := args[1].Uint64()
	if limit == 0 || limit > maxTraceRead {
		return 0, nil, syserr.ErrInvalidArgument
	}
	events := k.ipc.Trace(int(limit))
	words := make([]uint64, 0, len(events)*traceWords)
	for _, e := range events {
		words = append(words,
			e.Seq,
			e.Tick,
			uint64(e.Kind)<<32|uint64(e.Port),
			uint64(e.Thread)<<32|uint64(e.Peer),
			uint64(e.Length))
	}
	if err := usermem.CopyOutUint64s(k.mem, usermem.Addr(args[0].Pointer()), words); err != nil {
		return 0, nil, err
	}
	return uint64(len(events)), nil, nil
}

// PortStats implements ipc_port_stats(h, buf). It writes the words: port,
// owner, depth, high water, sent, received, bytes, handoffs, timeouts, and
// the minimum, average and maximum latency in ticks.
func PortStats(k *Kernel, t *Thread, args arch.SyscallArguments) (uint64, *SyscallControl, error) {
	h, err := handleArg(args[0])
	if err != nil {
		return 0, nil, err
	}
	s, err := k.ipc.PortStats(t.id, h)
	if err != nil {
		return 0, nil, err
	}
	words := []uint64{
		uint64(s.ID),
		uint64(s.Owner),
		uint64(s.Depth),
		uint64(s.HighWater),
		s.Sent,
		s.Received,
		s.Bytes,
		s.Handoffs,
		s.Timeouts,
		s.MinLatency,
		s.AvgLatency(),
		s.MaxLatency,
	}
	return 0, nil, usermem.CopyOutUint64s(k.mem, usermem.Addr(args[1].Pointer()), words)
}
