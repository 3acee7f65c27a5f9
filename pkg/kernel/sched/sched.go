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

// Package sched implements the run queues, the per-thread run state machine
// and priority inheritance.
//
// The scheduler never touches hardware state. Operations that change which
// thread runs return the previous and next thread and leave the context
// switch to the caller.
//
// A Scheduler is not synchronized; callers hold the kernel lock.
package sched

import (
	"container/list"
	"fmt"
	"sort"

	"atomos.dev/atom/pkg/abi/atom"
	"atomos.dev/atom/pkg/log"
	"atomos.dev/atom/pkg/syserr"
)

// Priority is a scheduling level. Higher values run first.
type Priority uint8

// Priority levels.
const (
	Idle Priority = iota
	Low
	Normal
	High

	// NumPriorities is the number of levels.
	NumPriorities = 4
)

func (p Priority) String() string {
	switch p {
	case Idle:
		return "idle"
	case Low:
		return "low"
	case Normal:
		return "normal"
	case High:
		return "high"
	default:
		return fmt.Sprintf("priority(%d)", uint8(p))
	}
}

// ParsePriority parses a level name.
func ParsePriority(s string) (Priority, error) {
	for p := Idle; p < NumPriorities; p++ {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// State is a thread's run state.
type State int

// Run states.
const (
	Ready State = iota
	Running
	Blocked
	Exited
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Exited:
		return "exited"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// BlockReason is why a Blocked thread is waiting.
type BlockReason int

// Block reasons.
const (
	NotBlocked BlockReason = iota
	RecvEmpty
	SendFull
	Sleep
	Join
)

func (r BlockReason) String() string {
	switch r {
	case NotBlocked:
		return ""
	case RecvEmpty:
		return "recv on empty port"
	case SendFull:
		return "send on full port"
	case Sleep:
		return "sleep"
	case Join:
		return "join"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// Config configures a Scheduler.
type Config struct {
	// Quantum is the number of ticks a thread runs before it is preempted
	// in favor of a thread at the same level.
	Quantum int

	// DebugDeadlock enables cycle detection on inheritance edges.
	DebugDeadlock bool
}

// thread is the scheduler's view of a thread.
type thread struct {
	id        atom.ThreadID
	base      Priority
	effective Priority
	state     State
	reason    BlockReason

	// elem is the thread's run queue entry while it is queued.
	elem *list.Element

	// ticks is the remainder of the current quantum.
	ticks int
}

// Scheduler owns the run queues.
type Scheduler struct {
	cfg Config

	threads map[atom.ThreadID]*thread

	// queues holds Ready threads by effective priority, in arrival order.
	queues [NumPriorities]*list.List

	// current is the Running thread, or NoThread between a block or exit
	// and the next PickNext.
	current atom.ThreadID

	// idle runs when every queue is empty. It is never queued.
	idle atom.ThreadID

	// waitsOn and waiters are the two directions of the inheritance edge
	// set: waitsOn[w] holds every b with an edge (w, b).
	waitsOn map[atom.ThreadID]map[atom.ThreadID]struct{}
	waiters map[atom.ThreadID]map[atom.ThreadID]struct{}

	log log.Logger
}

// New returns an empty Scheduler.
func New(cfg Config) *Scheduler {
	if cfg.Quantum <= 0 {
		cfg.Quantum = 1
	}
	s := &Scheduler{
		cfg:     cfg,
		threads: make(map[atom.ThreadID]*thread),
		waitsOn: make(map[atom.ThreadID]map[atom.ThreadID]struct{}),
		waiters: make(map[atom.ThreadID]map[atom.ThreadID]struct{}),
		log:     log.Tagged("sched"),
	}
	for i := range s.queues {
		s.queues[i] = list.New()
	}
	return s
}

func (s *Scheduler) lookup(tid atom.ThreadID) (*thread, error) {
	t, ok := s.threads[tid]
	if !ok {
		return nil, fmt.Errorf("%v: %w", tid, syserr.ErrInvalidArgument)
	}
	return t, nil
}

// Add registers a new thread at base priority and makes it Ready.
func (s *Scheduler) Add(tid atom.ThreadID, base Priority) error {
	if tid == atom.NoThread || base >= NumPriorities {
		return syserr.ErrInvalidArgument
	}
	if _, ok := s.threads[tid]; ok {
		return fmt.Errorf("%v already scheduled: %w", tid, syserr.ErrBusy)
	}
	t := &thread{id: tid, base: base, effective: base, state: Ready}
	s.threads[tid] = t
	s.enqueue(t)
	return nil
}

// SetIdle registers tid as the idle thread. It runs at Idle priority only
// when no other thread is Ready.
func (s *Scheduler) SetIdle(tid atom.ThreadID) error {
	if tid == atom.NoThread {
		return syserr.ErrInvalidArgument
	}
	if s.idle != atom.NoThread {
		return fmt.Errorf("idle thread already set to %v: %w", s.idle, syserr.ErrBusy)
	}
	if _, ok := s.threads[tid]; ok {
		return fmt.Errorf("%v already scheduled: %w", tid, syserr.ErrBusy)
	}
	s.threads[tid] = &thread{id: tid, base: Idle, effective: Idle, state: Ready}
	s.idle = tid
	return nil
}

// IdleThread returns the idle thread.
func (s *Scheduler) IdleThread() atom.ThreadID {
	return s.idle
}

// Current returns the Running thread, or NoThread.
func (s *Scheduler) Current() atom.ThreadID {
	return s.current
}

func (s *Scheduler) enqueue(t *thread) {
	t.elem = s.queues[t.effective].PushBack(t)
}

func (s *Scheduler) dequeue(t *thread) {
	if t.elem != nil {
		s.queues[t.effective].Remove(t.elem)
		t.elem = nil
	}
}

// EnqueueReady appends a Ready thread that is not queued to the tail of its
// effective priority's queue.
func (s *Scheduler) EnqueueReady(tid atom.ThreadID) error {
	t, err := s.lookup(tid)
	if err != nil {
		return err
	}
	if t.state != Ready || t.elem != nil || tid == s.idle {
		return fmt.Errorf("%v is %v, cannot enqueue: %w", tid, t.state, syserr.ErrInvalidArgument)
	}
	s.enqueue(t)
	return nil
}

// highest returns the highest non-empty level, or -1.
func (s *Scheduler) highest() int {
	for p := NumPriorities - 1; p >= 0; p-- {
		if s.queues[p].Len() > 0 {
			return p
		}
	}
	return -1
}

// PickNext dequeues the head of the highest non-empty queue, or selects the
// idle thread if every queue is empty, and makes it Running. It never
// blocks. The previous thread must already have left the Running state.
func (s *Scheduler) PickNext() atom.ThreadID {
	if s.current != atom.NoThread {
		panic(fmt.Sprintf("PickNext with %v still running", s.current))
	}
	next := s.idle
	if p := s.highest(); p >= 0 {
		t := s.queues[p].Front().Value.(*thread)
		s.dequeue(t)
		next = t.id
	}
	if next == atom.NoThread {
		return atom.NoThread
	}
	t := s.threads[next]
	t.state = Running
	t.ticks = s.cfg.Quantum
	s.current = next
	return next
}

// requeue moves the Running thread back to Ready.
func (s *Scheduler) requeue() {
	if s.current == atom.NoThread {
		return
	}
	t := s.threads[s.current]
	t.state = Ready
	if t.id != s.idle {
		s.enqueue(t)
	}
	s.current = atom.NoThread
}

// Yield moves the Running thread to the tail of its queue and picks the next
// thread.
func (s *Scheduler) Yield() (prev, next atom.ThreadID) {
	prev = s.current
	s.requeue()
	next = s.PickNext()
	if prev != next {
		s.log.Debugf("yield: %v -> %v", prev, next)
	}
	return prev, next
}

// Preempt is Yield for a thread that did not ask to stop.
func (s *Scheduler) Preempt() (prev, next atom.ThreadID) {
	return s.Yield()
}

// ShouldPreempt returns whether a Ready thread outranks the Running one.
func (s *Scheduler) ShouldPreempt() bool {
	p := s.highest()
	if p < 0 {
		return false
	}
	if s.current == atom.NoThread {
		return true
	}
	cur := s.threads[s.current]
	return Priority(p) > cur.effective || (s.current == s.idle)
}

// OnTimerTick accounts one tick to the Running thread and decides whether
// it is preempted: on quantum expiry when another thread at the same or a
// higher level is Ready, or at once when a higher level is Ready. It
// returns the previous and next threads; they are equal when no switch is
// needed.
func (s *Scheduler) OnTimerTick() (prev, next atom.ThreadID) {
	cur := s.current
	if cur == atom.NoThread {
		next = s.PickNext()
		return atom.NoThread, next
	}
	t := s.threads[cur]
	t.ticks--
	if s.ShouldPreempt() {
		return s.Preempt()
	}
	if t.ticks <= 0 {
		if p := s.highest(); p >= 0 && Priority(p) >= t.effective {
			return s.Preempt()
		}
		t.ticks = s.cfg.Quantum
	}
	return cur, cur
}

// Block moves the Running thread tid to Blocked. The caller then picks the
// next thread.
func (s *Scheduler) Block(tid atom.ThreadID, reason BlockReason) error {
	t, err := s.lookup(tid)
	if err != nil {
		return err
	}
	if t.state != Running || reason == NotBlocked || tid == s.idle {
		return fmt.Errorf("%v is %v, cannot block: %w", tid, t.state, syserr.ErrInvalidArgument)
	}
	t.state = Blocked
	t.reason = reason
	s.current = atom.NoThread
	s.log.Debugf("%v blocked: %v", tid, reason)
	return nil
}

// Wake moves a Blocked thread to Ready at the tail of its queue. It returns
// whether the woken thread outranks the Running thread.
func (s *Scheduler) Wake(tid atom.ThreadID) (bool, error) {
	t, err := s.lookup(tid)
	if err != nil {
		return false, err
	}
	if t.state != Blocked {
		return false, fmt.Errorf("%v is %v, cannot wake: %w", tid, t.state, syserr.ErrInvalidArgument)
	}
	t.state = Ready
	t.reason = NotBlocked
	s.enqueue(t)
	s.log.Debugf("%v woken", tid)
	return s.ShouldPreempt(), nil
}

// Exit moves tid to Exited from any state. It leaves the run queues and
// every inheritance edge, and threads it was boosting are recomputed.
func (s *Scheduler) Exit(tid atom.ThreadID) error {
	t, err := s.lookup(tid)
	if err != nil {
		return err
	}
	if tid == s.idle {
		return fmt.Errorf("idle thread cannot exit: %w", syserr.ErrInvalidArgument)
	}
	if t.state == Exited {
		return nil
	}
	s.dequeue(t)
	if s.current == tid {
		s.current = atom.NoThread
	}
	t.state = Exited
	t.reason = NotBlocked

	blockers := s.removeEdges(tid)
	t.effective = t.base
	s.recompute(blockers...)
	return nil
}

// Remove forgets an Exited thread entirely.
func (s *Scheduler) Remove(tid atom.ThreadID) error {
	t, err := s.lookup(tid)
	if err != nil {
		return err
	}
	if t.state != Exited {
		return fmt.Errorf("%v is %v, cannot remove: %w", tid, t.state, syserr.ErrBusy)
	}
	delete(s.threads, tid)
	return nil
}

// ThreadInfo is a snapshot of one thread.
type ThreadInfo struct {
	ID        atom.ThreadID
	Base      Priority
	Effective Priority
	State     State
	Reason    BlockReason
}

// Info returns a snapshot of tid.
func (s *Scheduler) Info(tid atom.ThreadID) (ThreadInfo, error) {
	t, err := s.lookup(tid)
	if err != nil {
		return ThreadInfo{}, err
	}
	return ThreadInfo{ID: t.id, Base: t.base, Effective: t.effective, State: t.state, Reason: t.reason}, nil
}

// Threads returns a snapshot of every thread, ordered by identifier.
func (s *Scheduler) Threads() []ThreadInfo {
	infos := make([]ThreadInfo, 0, len(s.threads))
	for tid := range s.threads {
		info, _ := s.Info(tid)
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Effective returns tid's effective priority.
func (s *Scheduler) Effective(tid atom.ThreadID) Priority {
	if t, ok := s.threads[tid]; ok {
		return t.effective
	}
	return Idle
}

// Base returns tid's base priority.
func (s *Scheduler) Base(tid atom.ThreadID) Priority {
	if t, ok := s.threads[tid]; ok {
		return t.base
	}
	return Idle
}

// SetBase changes tid's base priority.
func (s *Scheduler) SetBase(tid atom.ThreadID, p Priority) error {
	t, err := s.lookup(tid)
	if err != nil {
		return err
	}
	if p >= NumPriorities || tid == s.idle {
		return syserr.ErrInvalidArgument
	}
	t.base = p
	s.recompute(tid)
	return nil
}

// QueueOrder returns the queued threads at level p, head first.
func (s *Scheduler) QueueOrder(p Priority) []atom.ThreadID {
	var ids []atom.ThreadID
	for e := s.queues[p].Front(); e != nil; e = e.Next() {
		ids = append(ids, e.Value.(*thread).id)
	}
	return ids
}
