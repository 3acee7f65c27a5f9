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
	"github.com/google/btree"

	"atomos.dev/atom/pkg/abi/atom"
)

type sleeper struct {
	at  uint64
	tid atom.ThreadID
}

func sleeperLess(a, b sleeper) bool {
	if a.at != b.at {
		return a.at < b.at
	}
	return a.tid < b.tid
}

// sleepQueue holds sleeping threads ordered by wake tick.
type sleepQueue struct {
	tree *btree.BTreeG[sleeper]
	at   map[atom.ThreadID]uint64
}

func newSleepQueue() *sleepQueue {
	return &sleepQueue{
		tree: btree.NewG(8, sleeperLess),
		at:   make(map[atom.ThreadID]uint64),
	}
}

func (q *sleepQueue) add(at uint64, tid atom.ThreadID) {
	q.remove(tid)
	q.tree.ReplaceOrInsert(sleeper{at: at, tid: tid})
	q.at[tid] = at
}

func (q *sleepQueue) remove(tid atom.ThreadID) {
	if at, ok := q.at[tid]; ok {
		q.tree.Delete(sleeper{at: at, tid: tid})
		delete(q.at, tid)
	}
}

// expired removes and returns the sleepers due at or before now, earliest
// first.
func (q *sleepQueue) expired(now uint64) []atom.ThreadID {
	var due []atom.ThreadID
	for {
		s, ok := q.tree.Min()
		if !ok || s.at > now {
			return due
		}
		q.tree.DeleteMin()
		delete(q.at, s.tid)
		due = append(due, s.tid)
	}
}

func (q *sleepQueue) len() int {
	return q.tree.Len()
}
