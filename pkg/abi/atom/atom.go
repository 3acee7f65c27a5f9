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

// Package atom contains the definitions shared between the kernel and user
// code: identifiers, system call numbers, timeouts and the message wire
// format.
package atom

import (
	"fmt"
	"math"
)

// ThreadID is a stable thread identifier. Zero is never a valid thread.
type ThreadID uint32

// NoThread is the zero ThreadID.
const NoThread ThreadID = 0

func (t ThreadID) String() string {
	if t == NoThread {
		return "thread(none)"
	}
	return fmt.Sprintf("thread(%d)", uint32(t))
}

// PortID identifies an IPC port. Zero is never a valid port.
type PortID uint32

func (p PortID) String() string {
	return fmt.Sprintf("port(%d)", uint32(p))
}

// Handle is a capability handle, meaningful only in the table that issued
// it. Zero is never a valid handle.
type Handle uint32

// Timeout is a blocking timeout in ticks.
type Timeout uint64

const (
	// NoWait fails immediately instead of blocking.
	NoWait Timeout = 0

	// Forever blocks until the operation can complete.
	Forever Timeout = math.MaxUint64
)

// TickMillis is the length of a timer tick.
const TickMillis = 10

// MillisToTicks converts a timeout in milliseconds to ticks, rounding up.
// math.MaxUint64 milliseconds means Forever.
func MillisToTicks(ms uint64) Timeout {
	switch ms {
	case 0:
		return NoWait
	case math.MaxUint64:
		return Forever
	default:
		return Timeout((ms + TickMillis - 1) / TickMillis)
	}
}
