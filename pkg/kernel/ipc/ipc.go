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

// Package ipc implements message ports: bounded FIFO queues with direct
// handoff to a waiting receiver, blocking with timeouts, capability
// transfer piggybacked on messages, batching, per-port metrics and a trace
// ring.
//
// Every operation is checked against the capability manager before it
// acts. A thread that must wait is handed to the scheduler as Blocked and
// its operation is finished later through the Waker, either by a matching
// operation of another thread, by its deadline passing, or by the port
// closing.
//
// A Manager is not synchronized; callers hold the kernel lock.
package ipc

import (
	"fmt"

	"atomos.dev/atom/pkg/abi/atom"
	"atomos.dev/atom/pkg/bitmap"
	"atomos.dev/atom/pkg/kernel/capability"
	"atomos.dev/atom/pkg/kernel/sched"
	"atomos.dev/atom/pkg/log"
	"atomos.dev/atom/pkg/syserr"
)

// Config holds the IPC limits.
type Config struct {
	MaxPorts          int
	QueueDepth        int
	MaxInline         int
	ZeroCopyThreshold int
	MaxBatch          int
	TraceCapacity     int
}

// DefaultConfig returns the limits used when none are configured.
func DefaultConfig() Config {
	return Config{
		MaxPorts:          256,
		QueueDepth:        64,
		MaxInline:         atom.MaxInlinePayload,
		ZeroCopyThreshold: atom.ZeroCopyThreshold,
		MaxBatch:          atom.MaxBatch,
		TraceCapacity:     1000,
	}
}

// Scheduler is the part of the scheduler IPC drives.
type Scheduler interface {
	Block(tid atom.ThreadID, reason sched.BlockReason) error
	Wake(tid atom.ThreadID) (bool, error)
	Boost(blocker, waiter atom.ThreadID) error
	ReleaseWaiter(waiter atom.ThreadID)
}

// Capabilities is the part of the capability manager IPC drives.
type Capabilities interface {
	Create(actor, owner atom.ThreadID, res capability.Resource, rights capability.Rights) (atom.Handle, error)
	CheckResource(tid atom.ThreadID, h atom.Handle, kind capability.Kind, need capability.Rights) (capability.Resource, error)
	Holders(res capability.Resource, need capability.Rights) []atom.ThreadID
	RevokeResource(actor atom.ThreadID, res capability.Resource) int
	CheckTransfer(from atom.ThreadID, h atom.Handle, mode atom.TransferMode, rights capability.Rights) error
	Detach(from atom.ThreadID, h atom.Handle) (capability.CapID, error)
	DeriveInFlight(from atom.ThreadID, h atom.Handle, rights capability.Rights) (capability.CapID, error)
	CheckArena(n int) error
	Attach(actor atom.ThreadID, id capability.CapID, to atom.ThreadID) (atom.Handle, error)
	Discard(actor atom.ThreadID, id capability.CapID)
}

// Completion finishes an operation that blocked.
type Completion struct {
	// Err is nil on success.
	Err error

	// Msg is the received message, for a receive.
	Msg *Message
}

// Waker finishes blocked operations. Complete is called before the thread
// is made Ready.
type Waker interface {
	Complete(tid atom.ThreadID, c Completion)
}

// WakerFunc adapts a function to Waker.
type WakerFunc func(tid atom.ThreadID, c Completion)

// Complete implements Waker.Complete.
func (f WakerFunc) Complete(tid atom.ThreadID, c Completion) {
	f(tid, c)
}

// OwnerRights are the rights a port's creator receives.
const OwnerRights = capability.Read | capability.Write | capability.Grant | capability.Revoke

// Transfer is a sender's capability transfer request.
type Transfer struct {
	Mode   atom.TransferMode
	Handle atom.Handle

	// Rights are the rights granted; zero grants the sender's rights.
	// Ignored for Move.
	Rights capability.Rights
}

// Delivered is the receiver's side of a transfer.
type Delivered struct {
	// Handle is the capability's handle in the receiver's table, or zero.
	Handle atom.Handle

	// Err is set when a transfer was requested but could not be
	// delivered. The message itself is still delivered.
	Err error
}

// Message is a message in flight.
type Message struct {
	Sender atom.ThreadID
	Port   atom.PortID
	Type   uint32

	// Payload is the inline data. It is exclusive with Region.
	Payload []byte

	// Region describes a shared region carried in place of a payload.
	Region *atom.RegionDescriptor

	Transfer Transfer

	// SentAt is the tick at which the message was accepted.
	SentAt uint64

	// Delivered is filled in on receipt.
	Delivered Delivered

	// inFlight is the capability committed for transfer.
	inFlight capability.CapID
}

// Header returns the wire header for m.
func (m *Message) Header() atom.MessageHeader {
	n := uint32(len(m.Payload))
	if m.Region != nil {
		n = atom.RegionDescriptorSize
	}
	return atom.MessageHeader{Sender: m.Sender, Port: m.Port, Type: m.Type, Length: n}
}

// Encode returns the wire form of m: header followed by the payload or the
// region descriptor.
func (m *Message) Encode() []byte {
	buf := m.Header().Append(make([]byte, 0, atom.MessageHeaderSize+len(m.Payload)))
	if m.Region != nil {
		return m.Region.Append(buf)
	}
	return append(buf, m.Payload...)
}

// Stats are global IPC counters.
type Stats struct {
	Ports      int
	Sent       uint64
	Received   uint64
	Handoffs   uint64
	Blocked    uint64
	Timeouts   uint64
	WouldBlock uint64
	Transfers  uint64
}

// waitKind is what a blocked thread waits for.
type waitKind int

const (
	waitRecv waitKind = iota + 1
	waitSend
)

// wait is a blocked thread's registration.
type wait struct {
	tid      atom.ThreadID
	kind     waitKind
	port     *Port
	deadline uint64
	timed    bool

	// msg is the pending message of a blocked sender.
	msg *Message
}

// Options are the collaborators of a Manager.
type Options struct {
	Sched Scheduler
	Caps  Capabilities
	Waker Waker

	// Now returns the current tick.
	Now func() uint64
}

// Manager owns every port.
type Manager struct {
	cfg   Config
	sched Scheduler
	caps  Capabilities
	waker Waker
	now   func() uint64

	ports   map[atom.PortID]*Port
	portIDs *bitmap.Allocator

	waits     map[atom.ThreadID]*wait
	deadlines *deadlineQueue

	trace *traceRing
	stats Stats
	log   log.Logger
}

// New returns a Manager with no ports.
func New(cfg Config, opts Options) *Manager {
	def := DefaultConfig()
	if cfg.MaxPorts <= 0 {
		cfg.MaxPorts = def.MaxPorts
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = def.QueueDepth
	}
	if cfg.MaxInline <= 0 {
		cfg.MaxInline = def.MaxInline
	}
	if cfg.ZeroCopyThreshold <= 0 {
		cfg.ZeroCopyThreshold = def.ZeroCopyThreshold
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = def.MaxBatch
	}
	if cfg.TraceCapacity <= 0 {
		cfg.TraceCapacity = def.TraceCapacity
	}
	if opts.Now == nil {
		opts.Now = func() uint64 { return 0 }
	}
	if opts.Sched == nil || opts.Caps == nil || opts.Waker == nil {
		panic("ipc.New: scheduler, capabilities and waker are required")
	}
	return &Manager{
		cfg:       cfg,
		sched:     opts.Sched,
		caps:      opts.Caps,
		waker:     opts.Waker,
		now:       opts.Now,
		ports:     make(map[atom.PortID]*Port),
		portIDs:   bitmap.NewAllocator(1, uint32(cfg.MaxPorts)+1),
		waits:     make(map[atom.ThreadID]*wait),
		deadlines: newDeadlineQueue(),
		trace:     newTraceRing(cfg.TraceCapacity),
		log:       log.Tagged("ipc"),
	}
}

// Config returns the limits in effect.
func (m *Manager) Config() Config {
	return m.cfg
}

func portResource(id atom.PortID) capability.Resource {
	return capability.Resource{Kind: capability.Port, ID: uint64(id)}
}

// resolve checks that tid holds h over a port with need and returns the
// port.
func (m *Manager) resolve(tid atom.ThreadID, h atom.Handle, need capability.Rights) (*Port, error) {
	res, err := m.caps.CheckResource(tid, h, capability.Port, need)
	if err != nil {
		return nil, err
	}
	p, ok := m.ports[atom.PortID(res.ID)]
	if !ok {
		return nil, fmt.Errorf("%v closed: %w", atom.PortID(res.ID), syserr.ErrInvalidArgument)
	}
	return p, nil
}

// Waiting returns whether tid is blocked in an IPC operation.
func (m *Manager) Waiting(tid atom.ThreadID) bool {
	_, ok := m.waits[tid]
	return ok
}

// Stats returns the global counters.
func (m *Manager) Stats() Stats {
	s := m.stats
	s.Ports = len(m.ports)
	return s
}

// Trace returns up to n of the most recent trace events, oldest first.
func (m *Manager) Trace(n int) []TraceEvent {
	return m.trace.last(n)
}
