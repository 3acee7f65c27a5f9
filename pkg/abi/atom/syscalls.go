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

package atom

// System call numbers. These are stable; never renumber.
const (
	SysYield                = 0
	SysExit                 = 1
	SysSleep                = 2
	SysThreadCreate         = 3
	SysPortCreate           = 4
	SysPortClose            = 5
	SysSend                 = 6
	SysRecv                 = 7
	SysCapCreate            = 8
	SysCapCheck             = 9
	SysCapRevoke            = 10
	SysCapDerive            = 11
	SysCapList              = 12
	SysCapTransfer          = 13
	SysSendWithCap          = 14
	SysCapQueryParent       = 15
	SysCapQueryChildren     = 16
	SysSendBatch            = 21
	SysRecvBatch            = 22
	SysSendAsync            = 23
	SysTryRecv              = 24
	SysIPCTraceRead         = 25
	SysPortStats            = 26
	SysAddrSpaceCreate      = 27
	SysAddrSpaceDestroy     = 28
	SysMapRegion            = 29
	SysUnmapRegion          = 30
	SysRemapRegion          = 31
	SysRegisterFaultHandler = 32
	SysGetTicks             = 38

	// SyscallTableSize bounds the system call numbers.
	SyscallTableSize = 64
)

// TransferMode selects how a capability rides along with a message.
type TransferMode uint32

const (
	// TransferNone carries no capability.
	TransferNone TransferMode = iota

	// TransferGrant derives a child with the requested rights for the
	// receiver; the sender keeps its capability.
	TransferGrant

	// TransferMove hands the sender's capability to the receiver.
	TransferMove
)

func (m TransferMode) String() string {
	switch m {
	case TransferNone:
		return "none"
	case TransferGrant:
		return "grant"
	case TransferMove:
		return "move"
	default:
		return "invalid"
	}
}

// DecodeTransferArg splits the send_with_capability mode argument. A non-zero
// high half selects Move; otherwise the transfer is a Grant of the rights in
// the low half.
func DecodeTransferArg(arg uint64) (TransferMode, uint32) {
	if arg>>32 != 0 {
		return TransferMove, 0
	}
	return TransferGrant, uint32(arg)
}
