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

package sched

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"

	"atomos.dev/atom/pkg/abi/atom"
	"atomos.dev/atom/pkg/syserr"
)

const idleTID = 100

func newScheduler(t *testing.T, cfg Config, threads map[atom.ThreadID]Priority, order ...atom.ThreadID) *Scheduler {
	t.Helper()
	s := New(cfg)
	if err := s.SetIdle(idleTID); err != nil {
		t.Fatalf("SetIdle: %v", err)
	}
	for _, tid := range order {
		if err := s.Add(tid, threads[tid]); err != nil {
			t.Fatalf("Add(%v): %v", tid, err)
		}
	}
	return s
}

type switchPair struct {
	Prev, Next atom.ThreadID
}

func TestRoundRobinFIFO(t *testing.T) {
	s := newScheduler(t, Config{Quantum: 1}, map[atom.ThreadID]Priority{1: Normal, 2: Normal, 3: Normal}, 1, 2, 3)
	if got := s.PickNext(); got != 1 {
		t.Fatalf("PickNext: got %v, wanted 1", got)
	}
	var got []switchPair
	for i := 0; i < 4; i++ {
		prev, next := s.Yield()
		got = append(got, switchPair{prev, next})
	}
	want := []switchPair{{1, 2}, {2, 3}, {3, 1}, {1, 2}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("yield order mismatch (-want +got):\n%s", diff)
	}
}

func TestQuantum(t *testing.T) {
	s := newScheduler(t, Config{Quantum: 3}, map[atom.ThreadID]Priority{1: Normal, 2: Normal}, 1, 2)
	s.PickNext()
	var got []switchPair
	for i := 0; i < 6; i++ {
		prev, next := s.OnTimerTick()
		got = append(got, switchPair{prev, next})
	}
	want := []switchPair{{1, 1}, {1, 1}, {1, 2}, {2, 2}, {2, 2}, {2, 1}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("tick decisions mismatch (-want +got):\n%s", diff)
	}
}

func TestQuantumExpiryWithLowerReady(t *testing.T) {
	s := newScheduler(t, Config{Quantum: 1}, map[atom.ThreadID]Priority{1: High, 2: Low}, 1, 2)
	s.PickNext()
	for i := 0; i < 3; i++ {
		if prev, next := s.OnTimerTick(); prev != 1 || next != 1 {
			t.Fatalf("tick %d: got (%v, %v), wanted (1, 1)", i, prev, next)
		}
	}
}

func TestHigherLevelPreempts(t *testing.T) {
	s := newScheduler(t, Config{Quantum: 10}, map[atom.ThreadID]Priority{1: Normal, 2: High}, 1)
	s.PickNext()
	if err := s.Add(2, High); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if prev, next := s.OnTimerTick(); prev != 1 || next != 2 {
		t.Errorf("OnTimerTick: got (%v, %v), wanted (1, 2)", prev, next)
	}
	if diff := cmp.Diff([]atom.ThreadID{1}, s.QueueOrder(Normal)); diff != "" {
		t.Errorf("normal queue mismatch (-want +got):\n%s", diff)
	}
}

func TestIdleFallback(t *testing.T) {
	s := newScheduler(t, Config{Quantum: 1}, nil)
	if got := s.PickNext(); got != idleTID {
		t.Fatalf("PickNext on empty queues: got %v, wanted idle", got)
	}
	for p := Idle; p < NumPriorities; p++ {
		if q := s.QueueOrder(p); len(q) != 0 {
			t.Errorf("queue %v not empty: %v", p, q)
		}
	}
	if prev, next := s.OnTimerTick(); prev != idleTID || next != idleTID {
		t.Errorf("idle tick with nothing ready: got (%v, %v)", prev, next)
	}

	if err := s.Add(1, Idle); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if prev, next := s.OnTimerTick(); prev != idleTID || next != 1 {
		t.Errorf("OnTimerTick: got (%v, %v), wanted (idle, 1)", prev, next)
	}
	if err := s.Block(1, Sleep); err != nil {
		t.Fatalf("Block: %v", err)
	}
	if got := s.PickNext(); got != idleTID {
		t.Errorf("PickNext after block: got %v, wanted idle", got)
	}
	if q := s.QueueOrder(Idle); len(q) != 0 {
		t.Errorf("idle thread queued: %v", q)
	}
}

func TestBlockWake(t *testing.T) {
	s := newScheduler(t, Config{Quantum: 1}, map[atom.ThreadID]Priority{1: Low, 2: High}, 1, 2)
	if got := s.PickNext(); got != 2 {
		t.Fatalf("PickNext: got %v, wanted 2", got)
	}
	if err := s.Block(2, RecvEmpty); err != nil {
		t.Fatalf("Block: %v", err)
	}
	if info, _ := s.Info(2); info.State != Blocked || info.Reason != RecvEmpty {
		t.Errorf("Info(2): got %+v", info)
	}
	if got := s.PickNext(); got != 1 {
		t.Fatalf("PickNext: got %v, wanted 1", got)
	}
	preempt, err := s.Wake(2)
	if err != nil {
		t.Fatalf("Wake: %v", err)
	}
	if !preempt {
		t.Errorf("waking a high thread over a low one did not request preemption")
	}
	if prev, next := s.Preempt(); prev != 1 || next != 2 {
		t.Errorf("Preempt: got (%v, %v), wanted (1, 2)", prev, next)
	}
}

func TestIllegalTransitions(t *testing.T) {
	s := newScheduler(t, Config{}, map[atom.ThreadID]Priority{1: Low, 2: Low}, 1, 2)
	if _, err := s.Wake(1); !errors.Is(err, syserr.ErrInvalidArgument) {
		t.Errorf("Wake(Ready): got %v, wanted %v", err, syserr.ErrInvalidArgument)
	}
	if err := s.Block(2, RecvEmpty); !errors.Is(err, syserr.ErrInvalidArgument) {
		t.Errorf("Block(Ready): got %v, wanted %v", err, syserr.ErrInvalidArgument)
	}
	if err := s.EnqueueReady(1); !errors.Is(err, syserr.ErrInvalidArgument) {
		t.Errorf("EnqueueReady(queued): got %v, wanted %v", err, syserr.ErrInvalidArgument)
	}
	if err := s.Add(1, Low); !errors.Is(err, syserr.ErrBusy) {
		t.Errorf("Add twice: got %v, wanted %v", err, syserr.ErrBusy)
	}
	if err := s.Add(3, Priority(7)); !errors.Is(err, syserr.ErrInvalidArgument) {
		t.Errorf("Add with bad priority: got %v, wanted %v", err, syserr.ErrInvalidArgument)
	}
	if err := s.Remove(1); !errors.Is(err, syserr.ErrBusy) {
		t.Errorf("Remove(Ready): got %v, wanted %v", err, syserr.ErrBusy)
	}
}

func TestEnqueueReady(t *testing.T) {
	s := newScheduler(t, Config{}, map[atom.ThreadID]Priority{1: Low, 2: Low}, 1, 2)
	s.PickNext()
	// A thread that left the queue without running is put back at the tail.
	s.dequeue(s.threads[2])
	if err := s.Add(3, Low); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.EnqueueReady(2); err != nil {
		t.Fatalf("EnqueueReady: %v", err)
	}
	if diff := cmp.Diff([]atom.ThreadID{3, 2}, s.QueueOrder(Low)); diff != "" {
		t.Errorf("queue mismatch (-want +got):\n%s", diff)
	}
}

func TestSameLevelBoostDoesNotReorder(t *testing.T) {
	s := newScheduler(t, Config{}, map[atom.ThreadID]Priority{1: Normal, 2: Normal, 3: Normal, 4: Normal}, 1, 2, 3, 4)
	if err := s.Boost(2, 4); err != nil {
		t.Fatalf("Boost: %v", err)
	}
	if diff := cmp.Diff([]atom.ThreadID{1, 2, 3, 4}, s.QueueOrder(Normal)); diff != "" {
		t.Errorf("queue reordered (-want +got):\n%s", diff)
	}
}

func TestBoostMovesQueuedThread(t *testing.T) {
	s := newScheduler(t, Config{}, map[atom.ThreadID]Priority{1: High, 2: Low, 3: Low}, 1, 2, 3)
	if got := s.PickNext(); got != 1 {
		t.Fatalf("PickNext: got %v", got)
	}
	if err := s.Block(1, RecvEmpty); err != nil {
		t.Fatalf("Block: %v", err)
	}
	if err := s.Boost(3, 1); err != nil {
		t.Fatalf("Boost: %v", err)
	}
	if diff := cmp.Diff([]atom.ThreadID{3}, s.QueueOrder(High)); diff != "" {
		t.Errorf("high queue mismatch (-want +got):\n%s", diff)
	}
	if got := s.PickNext(); got != 3 {
		t.Errorf("PickNext: got %v, wanted boosted 3", got)
	}
}

func TestBoostRequeuesInIDOrder(t *testing.T) {
	for run := 0; run < 20; run++ {
		prios := map[atom.ThreadID]Priority{1: High}
		order := []atom.ThreadID{1}
		for tid := atom.ThreadID(2); tid <= 8; tid++ {
			prios[tid] = Low
			order = append(order, tid)
		}
		s := newScheduler(t, Config{}, prios, order...)
		for tid := atom.ThreadID(8); tid >= 3; tid-- {
			if err := s.Boost(tid, 2); err != nil {
				t.Fatalf("Boost(%v, 2): %v", tid, err)
			}
		}
		if err := s.Boost(2, 1); err != nil {
			t.Fatalf("Boost(2, 1): %v", err)
		}
		if diff := cmp.Diff([]atom.ThreadID{1, 2, 3, 4, 5, 6, 7, 8}, s.QueueOrder(High)); diff != "" {
			t.Fatalf("run %d: high queue mismatch (-want +got):\n%s", run, diff)
		}
		s.Release(2, 1)
		if diff := cmp.Diff([]atom.ThreadID{2, 3, 4, 5, 6, 7, 8}, s.QueueOrder(Low)); diff != "" {
			t.Fatalf("run %d: low queue mismatch (-want +got):\n%s", run, diff)
		}
	}
}

// Three threads at Low, Normal and High. High waits on a port served by Low.
// Low runs at High while it holds the dependency, so Normal cannot starve
// it, and drops back to Low as soon as it replies.
func TestInheritanceScenario(t *testing.T) {
	const (
		low  = atom.ThreadID(1)
		mid  = atom.ThreadID(2)
		high = atom.ThreadID(3)
	)
	s := newScheduler(t, Config{Quantum: 1}, map[atom.ThreadID]Priority{low: Low, mid: Normal, high: High}, low, mid, high)

	if got := s.PickNext(); got != high {
		t.Fatalf("PickNext: got %v, wanted high", got)
	}
	if err := s.Block(high, RecvEmpty); err != nil {
		t.Fatalf("Block: %v", err)
	}
	if err := s.Boost(low, high); err != nil {
		t.Fatalf("Boost: %v", err)
	}
	if got := s.Effective(low); got != High {
		t.Fatalf("Effective(low) while serving high: got %v, wanted %v", got, High)
	}
	if got := s.PickNext(); got != low {
		t.Fatalf("PickNext: got %v, wanted low running boosted", got)
	}
	for i := 0; i < 3; i++ {
		if prev, next := s.OnTimerTick(); prev != low || next != low {
			t.Fatalf("tick %d: mid preempted boosted low: (%v, %v)", i, prev, next)
		}
	}

	// Low replies: the edge goes away and high is woken.
	s.Release(low, high)
	if got := s.Effective(low); got != Low {
		t.Errorf("Effective(low) after reply: got %v, wanted %v", got, Low)
	}
	preempt, err := s.Wake(high)
	if err != nil || !preempt {
		t.Fatalf("Wake(high): got (%t, %v)", preempt, err)
	}
	if prev, next := s.Preempt(); prev != low || next != high {
		t.Errorf("Preempt: got (%v, %v), wanted (low, high)", prev, next)
	}
}

func TestTransitiveInheritance(t *testing.T) {
	s := newScheduler(t, Config{}, map[atom.ThreadID]Priority{1: High, 2: Low, 3: Low, 4: Normal}, 1, 2, 3, 4)
	if err := s.Boost(3, 2); err != nil {
		t.Fatalf("Boost(3, 2): %v", err)
	}
	if err := s.Boost(2, 1); err != nil {
		t.Fatalf("Boost(2, 1): %v", err)
	}
	if s.Effective(2) != High || s.Effective(3) != High {
		t.Errorf("chain not boosted: 2=%v 3=%v", s.Effective(2), s.Effective(3))
	}
	if err := s.Boost(3, 4); err != nil {
		t.Fatalf("Boost(3, 4): %v", err)
	}

	s.Release(2, 1)
	if s.Effective(2) != Low {
		t.Errorf("Effective(2): got %v, wanted %v", s.Effective(2), Low)
	}
	if s.Effective(3) != Normal {
		t.Errorf("Effective(3) with a remaining normal waiter: got %v, wanted %v", s.Effective(3), Normal)
	}
	s.Release(3, 4)
	s.Release(3, 2)
	if s.Effective(3) != Low {
		t.Errorf("Effective(3) with no waiters: got %v, wanted %v", s.Effective(3), Low)
	}
}

func TestBoostExitedIsNoop(t *testing.T) {
	s := newScheduler(t, Config{}, map[atom.ThreadID]Priority{1: High, 2: Low}, 1, 2)
	if err := s.Exit(2); err != nil {
		t.Fatalf("Exit: %v", err)
	}
	if err := s.Boost(2, 1); err != nil {
		t.Fatalf("Boost(exited): %v", err)
	}
	if got := s.Effective(2); got != Low {
		t.Errorf("Effective(exited): got %v, wanted %v", got, Low)
	}
	if edges := s.Edges(); len(edges) != 0 {
		t.Errorf("edges recorded for exited thread: %v", edges)
	}
}

func TestExitClearsEdgesAndQueues(t *testing.T) {
	s := newScheduler(t, Config{}, map[atom.ThreadID]Priority{1: High, 2: Low, 3: Low}, 1, 2, 3)
	if err := s.Boost(2, 1); err != nil {
		t.Fatalf("Boost: %v", err)
	}
	if err := s.Boost(3, 2); err != nil {
		t.Fatalf("Boost: %v", err)
	}
	if err := s.Exit(1); err != nil {
		t.Fatalf("Exit(1): %v", err)
	}
	if s.Effective(2) != Low || s.Effective(3) != Low {
		t.Errorf("priorities not reverted after waiter exit: 2=%v 3=%v", s.Effective(2), s.Effective(3))
	}
	if err := s.Exit(3); err != nil {
		t.Fatalf("Exit(3): %v", err)
	}
	if diff := cmp.Diff([]atom.ThreadID{2}, s.QueueOrder(Low)); diff != "" {
		t.Errorf("low queue mismatch (-want +got):\n%s", diff)
	}
	if edges := s.Edges(); len(edges) != 0 {
		t.Errorf("edges left after exits: %v", edges)
	}
	if err := s.Remove(3); err != nil {
		t.Errorf("Remove(3): %v", err)
	}
	if _, err := s.Info(3); !errors.Is(err, syserr.ErrInvalidArgument) {
		t.Errorf("Info(removed): got %v", err)
	}
}

func TestDeadlockRefusedInDebug(t *testing.T) {
	s := newScheduler(t, Config{DebugDeadlock: true}, map[atom.ThreadID]Priority{1: Low, 2: Low, 3: Low}, 1, 2, 3)
	if err := s.Boost(2, 1); err != nil {
		t.Fatalf("Boost(2, 1): %v", err)
	}
	if err := s.Boost(3, 2); err != nil {
		t.Fatalf("Boost(3, 2): %v", err)
	}
	if err := s.Boost(1, 3); !errors.Is(err, syserr.ErrDeadlock) {
		t.Errorf("Boost closing a cycle: got %v, wanted %v", err, syserr.ErrDeadlock)
	}
	if err := s.Boost(1, 1); !errors.Is(err, syserr.ErrDeadlock) {
		t.Errorf("Boost(self): got %v, wanted %v", err, syserr.ErrDeadlock)
	}
	want := []Edge{{Waiter: 1, Blocker: 2}, {Waiter: 2, Blocker: 3}}
	if diff := cmp.Diff(want, s.Edges()); diff != "" {
		t.Errorf("edges mismatch (-want +got):\n%s", diff)
	}
	if cycles := s.DetectDeadlocks(); len(cycles) != 0 {
		t.Errorf("DetectDeadlocks: got %v, wanted none", cycles)
	}
}

func TestDetectDeadlocks(t *testing.T) {
	s := newScheduler(t, Config{}, map[atom.ThreadID]Priority{1: Low, 2: High, 3: Low, 4: Low, 5: Low}, 1, 2, 3, 4, 5)
	for _, e := range []Edge{{3, 2}, {2, 3}, {4, 5}, {5, 1}, {1, 4}} {
		if err := s.Boost(e.Blocker, e.Waiter); err != nil {
			t.Fatalf("Boost(%v, %v): %v", e.Blocker, e.Waiter, err)
		}
	}
	want := [][]atom.ThreadID{{1, 4, 5}, {2, 3}}
	if diff := cmp.Diff(want, s.DetectDeadlocks()); diff != "" {
		t.Errorf("cycles mismatch (-want +got):\n%s", diff)
	}
	if s.Effective(3) != High || s.Effective(2) != High {
		t.Errorf("cycle priorities: 2=%v 3=%v", s.Effective(2), s.Effective(3))
	}
}

// checkInheritance verifies the inheritance invariants on every edge and
// thread.
func checkInheritance(t *testing.T, s *Scheduler) {
	t.Helper()
	for _, e := range s.Edges() {
		if s.Effective(e.Blocker) < s.Effective(e.Waiter) {
			t.Fatalf("edge %+v: blocker effective %v below waiter %v", e, s.Effective(e.Blocker), s.Effective(e.Waiter))
		}
	}
	for _, info := range s.Threads() {
		if info.State == Exited || info.ID == s.IdleThread() {
			continue
		}
		want := info.Base
		for w := range s.waiters[info.ID] {
			if p := s.Effective(w); p > want && s.threads[w].state != Exited {
				want = p
			}
		}
		if info.Effective != want {
			t.Fatalf("%v: effective %v, wanted %v", info.ID, info.Effective, want)
		}
		if info.State == Ready {
			found := false
			for _, id := range s.QueueOrder(info.Effective) {
				found = found || id == info.ID
			}
			if !found {
				t.Fatalf("%v Ready but not queued at %v", info.ID, info.Effective)
			}
		}
	}
}

func TestInheritanceInvariantsRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	s := New(Config{DebugDeadlock: true})
	const n = 12
	for tid := atom.ThreadID(1); tid <= n; tid++ {
		if err := s.Add(tid, Priority(rng.Intn(NumPriorities))); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	for i := 0; i < 2000; i++ {
		a := atom.ThreadID(rng.Intn(n) + 1)
		b := atom.ThreadID(rng.Intn(n) + 1)
		switch rng.Intn(4) {
		case 0, 1:
			if err := s.Boost(a, b); err != nil && !errors.Is(err, syserr.ErrDeadlock) {
				t.Fatalf("Boost(%v, %v): %v", a, b, err)
			}
		case 2:
			s.Release(a, b)
		case 3:
			if err := s.SetBase(a, Priority(rng.Intn(NumPriorities))); err != nil {
				t.Fatalf("SetBase: %v", err)
			}
		}
		checkInheritance(t, s)
	}
	for _, e := range s.Edges() {
		s.Release(e.Blocker, e.Waiter)
	}
	for _, info := range s.Threads() {
		if info.Effective != info.Base {
			t.Errorf("%v: effective %v after all releases, base %v", info.ID, info.Effective, info.Base)
		}
	}
}
