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
	"fmt"
	"sort"

	"atomos.dev/atom/pkg/abi/atom"
	"atomos.dev/atom/pkg/syserr"
)

// Edge is a priority inheritance edge: Waiter is blocked on a resource
// served by Blocker.
type Edge struct {
	Waiter  atom.ThreadID
	Blocker atom.ThreadID
}

// Boost records that waiter waits on blocker and raises the effective
// priority of blocker, and of everything blocker transitively waits on, to
// at least waiter's.
//
// Boosting an Exited thread is a no-op. With deadlock detection enabled, an
// edge that would close a cycle is refused with ErrDeadlock.
func (s *Scheduler) Boost(blocker, waiter atom.ThreadID) error {
	b, err := s.lookup(blocker)
	if err != nil {
		return err
	}
	w, err := s.lookup(waiter)
	if err != nil {
		return err
	}
	if b.state == Exited || w.state == Exited {
		return nil
	}
	if blocker == waiter || s.reaches(blocker, waiter) {
		if s.cfg.DebugDeadlock {
			s.log.Warningf("deadlock: %v waiting on %v closes a cycle", waiter, blocker)
			return fmt.Errorf("%v waiting on %v: %w", waiter, blocker, syserr.ErrDeadlock)
		}
		if blocker == waiter {
			return nil
		}
	}
	addEdge(s.waitsOn, waiter, blocker)
	addEdge(s.waiters, blocker, waiter)
	s.recompute(blocker)
	return nil
}

// Release removes the edge (waiter, blocker) and recomputes blocker's
// effective priority from its base and remaining waiters.
func (s *Scheduler) Release(blocker, waiter atom.ThreadID) {
	if _, ok := s.waitsOn[waiter][blocker]; !ok {
		return
	}
	removeEdge(s.waitsOn, waiter, blocker)
	removeEdge(s.waiters, blocker, waiter)
	s.recompute(blocker)
}

// ReleaseWaiter removes every edge on which waiter waits.
func (s *Scheduler) ReleaseWaiter(waiter atom.ThreadID) {
	for b := range s.waitsOn[waiter] {
		s.Release(b, waiter)
	}
}

// removeEdges removes every edge touching tid and returns the threads tid
// was waiting on.
func (s *Scheduler) removeEdges(tid atom.ThreadID) []atom.ThreadID {
	var blockers []atom.ThreadID
	for b := range s.waitsOn[tid] {
		removeEdge(s.waiters, b, tid)
		blockers = append(blockers, b)
	}
	delete(s.waitsOn, tid)
	for w := range s.waiters[tid] {
		removeEdge(s.waitsOn, w, tid)
	}
	delete(s.waiters, tid)
	return blockers
}

// WaitsOn returns the threads tid waits on.
func (s *Scheduler) WaitsOn(tid atom.ThreadID) []atom.ThreadID {
	return sortedIDs(s.waitsOn[tid])
}

// Edges returns every inheritance edge, ordered.
func (s *Scheduler) Edges() []Edge {
	var edges []Edge
	for w, bs := range s.waitsOn {
		for b := range bs {
			edges = append(edges, Edge{Waiter: w, Blocker: b})
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Waiter != edges[j].Waiter {
			return edges[i].Waiter < edges[j].Waiter
		}
		return edges[i].Blocker < edges[j].Blocker
	})
	return edges
}

// reaches returns whether to is reachable from from along waitsOn.
func (s *Scheduler) reaches(from, to atom.ThreadID) bool {
	visited := map[atom.ThreadID]bool{from: true}
	work := []atom.ThreadID{from}
	for len(work) > 0 {
		id := work[len(work)-1]
		work = work[:len(work)-1]
		for b := range s.waitsOn[id] {
			if b == to {
				return true
			}
			if !visited[b] {
				visited[b] = true
				work = append(work, b)
			}
		}
	}
	return false
}

// recompute brings the effective priority of every thread reachable from
// starts along waitsOn up to date with
//
//	effective(t) = max(base(t), effective(w) for each waiter w of t)
//
// The affected set is collected with a visited set so cycles terminate, and
// then relaxed from base until no value changes.
func (s *Scheduler) recompute(starts ...atom.ThreadID) {
	visited := make(map[atom.ThreadID]bool)
	var affected []atom.ThreadID
	work := append([]atom.ThreadID(nil), starts...)
	for len(work) > 0 {
		id := work[0]
		work = work[1:]
		if visited[id] {
			continue
		}
		visited[id] = true
		affected = append(affected, id)
		for b := range s.waitsOn[id] {
			work = append(work, b)
		}
	}

	// Values are rebuilt from base so that a released cycle drops back
	// down instead of holding itself up.
	prio := make(map[atom.ThreadID]Priority, len(affected))
	for _, id := range affected {
		if t, ok := s.threads[id]; ok && t.state != Exited {
			prio[id] = t.base
		}
	}
	for round := 0; round <= len(affected); round++ {
		changed := false
		for _, id := range affected {
			p, ok := prio[id]
			if !ok {
				continue
			}
			for w := range s.waiters[id] {
				wp, ok := prio[w]
				if !ok {
					wt, live := s.threads[w]
					if !live || wt.state == Exited || visited[w] {
						continue
					}
					wp = wt.effective
				}
				if wp > p {
					p = wp
				}
			}
			if p != prio[id] {
				prio[id] = p
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	// Requeue in identifier order.
	sort.Slice(affected, func(i, j int) bool { return affected[i] < affected[j] })
	for _, id := range affected {
		if p, ok := prio[id]; ok && s.threads[id].effective != p {
			s.setEffective(s.threads[id], p)
		}
	}
}

// setEffective changes t's effective priority. A queued thread moves to the
// tail of its new level.
func (s *Scheduler) setEffective(t *thread, p Priority) {
	queued := t.elem != nil
	s.dequeue(t)
	s.log.Debugf("%v effective priority %v -> %v", t.id, t.effective, p)
	t.effective = p
	if queued {
		s.enqueue(t)
	}
}

// DetectDeadlocks returns every cycle in the edge set, each rotated to start
// at its smallest thread and listed once.
func (s *Scheduler) DetectDeadlocks() [][]atom.ThreadID {
	seen := make(map[string]bool)
	var cycles [][]atom.ThreadID

	var path []atom.ThreadID
	onPath := make(map[atom.ThreadID]int)
	done := make(map[atom.ThreadID]bool)
	var visit func(id atom.ThreadID)
	visit = func(id atom.ThreadID) {
		onPath[id] = len(path)
		path = append(path, id)
		for _, b := range sortedIDs(s.waitsOn[id]) {
			if i, ok := onPath[b]; ok {
				cycle := canonical(path[i:])
				key := fmt.Sprint(cycle)
				if !seen[key] {
					seen[key] = true
					cycles = append(cycles, cycle)
				}
				continue
			}
			if !done[b] {
				visit(b)
			}
		}
		path = path[:len(path)-1]
		delete(onPath, id)
		done[id] = true
	}

	starts := make(map[atom.ThreadID]struct{}, len(s.waitsOn))
	for w := range s.waitsOn {
		starts[w] = struct{}{}
	}
	for _, id := range sortedIDs(starts) {
		if !done[id] {
			visit(id)
		}
	}
	if len(cycles) > 0 {
		s.log.Warningf("deadlock detection found %d cycle(s): %v", len(cycles), cycles)
	}
	return cycles
}

func canonical(cycle []atom.ThreadID) []atom.ThreadID {
	lo := 0
	for i, id := range cycle {
		if id < cycle[lo] {
			lo = i
		}
	}
	out := make([]atom.ThreadID, 0, len(cycle))
	out = append(out, cycle[lo:]...)
	return append(out, cycle[:lo]...)
}

func addEdge(m map[atom.ThreadID]map[atom.ThreadID]struct{}, from, to atom.ThreadID) {
	set, ok := m[from]
	if !ok {
		set = make(map[atom.ThreadID]struct{})
		m[from] = set
	}
	set[to] = struct{}{}
}

func removeEdge(m map[atom.ThreadID]map[atom.ThreadID]struct{}, from, to atom.ThreadID) {
	set, ok := m[from]
	if !ok {
		return
	}
	delete(set, to)
	if len(set) == 0 {
		delete(m, from)
	}
}

func sortedIDs(set map[atom.ThreadID]struct{}) []atom.ThreadID {
	ids := make([]atom.ThreadID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
