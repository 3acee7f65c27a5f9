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
	"github.com/google/btree"

	"atomos.dev/atom/pkg/abi/atom"
)

// deadlineKey orders timed waits by expiry, then thread.
type deadlineKey struct {
	at  uint64
	tid atom.ThreadID
}

func deadlineLess(a, b deadlineKey) bool {
	if a.at != b.at {
		return a.at < b.at
	}
	return a.tid < b.tid
}

// deadlineQueue holds the deadlines of timed waits.
type deadlineQueue struct {
	tree *btree.BTreeG[deadlineKey]
}

func newDeadlineQueue() *deadlineQueue {
	return &deadlineQueue{tree: btree.NewG(8, deadlineLess)}
}

func (q *deadlineQueue) add(at uint64, tid atom.ThreadID) {
	q.tree.ReplaceOrInsert(deadlineKey{at: at, tid: tid})
}

func (q *deadlineQueue) remove(at uint64, tid atom.ThreadID) {
	q.tree.Delete(deadlineKey{at: at, tid: tid})
}

// expired removes and returns, earliest first, every thread whose deadline
// is at or before now.
func (q *deadlineQueue) expired(now uint64) []atom.ThreadID {
	var tids []atom.ThreadID
	for {
		k, ok := q.tree.Min()
		if !ok || k.at > now {
			return tids
		}
		q.tree.DeleteMin()
		tids = append(tids, k.tid)
	}
}

func (q *deadlineQueue) len() int {
	return q.tree.Len()
}

// deadline converts a timeout relative to now into an absolute tick. It
// returns false for a wait without deadline.
func deadline(now uint64, timeout atom.Timeout) (uint64, bool) {
	if timeout == atom.Forever {
		return 0, false
	}
	at := now + uint64(timeout)
	if at < now {
		return 0, false
	}
	return at, true
}
