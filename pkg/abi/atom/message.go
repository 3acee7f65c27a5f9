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

import (
	"encoding/binary"
	"fmt"
)

// Message limits.
const (
	// MaxInlinePayload is the largest payload carried inline.
	MaxInlinePayload = 256

	// ZeroCopyThreshold is the size at and below which data must travel
	// inline. A region descriptor for fewer bytes is refused.
	ZeroCopyThreshold = 128

	// MaxBatch is the most messages one batch call moves.
	MaxBatch = 32
)

// TypeRegion marks a message type whose send buffer holds a RegionDescriptor
// rather than an inline payload.
const TypeRegion uint32 = 1 << 31

// MessageHeader is the fixed header preceding every message on the wire.
//
// Layout, little endian:
//
//	0  sender  u64
//	8  port    u64
//	16 type    u32
//	20 length  u32
type MessageHeader struct {
	Sender ThreadID
	Port   PortID
	Type   uint32
	Length uint32
}

// MessageHeaderSize is the encoded size of MessageHeader.
const MessageHeaderSize = 24

// Append appends the encoded header to buf.
func (h MessageHeader) Append(buf []byte) []byte {
	buf = binary.LittleEndian.AppendUint64(buf, uint64(h.Sender))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(h.Port))
	buf = binary.LittleEndian.AppendUint32(buf, h.Type)
	return binary.LittleEndian.AppendUint32(buf, h.Length)
}

// DecodeMessageHeader decodes a header from the start of buf.
func DecodeMessageHeader(buf []byte) (MessageHeader, error) {
	if len(buf) < MessageHeaderSize {
		return MessageHeader{}, fmt.Errorf("message header needs %d bytes, got %d", MessageHeaderSize, len(buf))
	}
	sender := binary.LittleEndian.Uint64(buf[0:])
	port := binary.LittleEndian.Uint64(buf[8:])
	if sender > 0xffff_ffff || port > 0xffff_ffff {
		return MessageHeader{}, fmt.Errorf("message header identifiers out of range: sender %#x, port %#x", sender, port)
	}
	return MessageHeader{
		Sender: ThreadID(sender),
		Port:   PortID(port),
		Type:   binary.LittleEndian.Uint32(buf[16:]),
		Length: binary.LittleEndian.Uint32(buf[20:]),
	}, nil
}

// RegionDescriptor names a shared memory region carried by a message in
// place of an inline payload. It follows the header on the wire.
//
// Layout, little endian:
//
//	0 region u64
//	8 size   u64
type RegionDescriptor struct {
	Region uint64
	Size   uint64
}

// RegionDescriptorSize is the encoded size of RegionDescriptor.
const RegionDescriptorSize = 16

// Append appends the encoded descriptor to buf.
func (d RegionDescriptor) Append(buf []byte) []byte {
	buf = binary.LittleEndian.AppendUint64(buf, d.Region)
	return binary.LittleEndian.AppendUint64(buf, d.Size)
}

// DecodeRegionDescriptor decodes a descriptor from the start of buf.
func DecodeRegionDescriptor(buf []byte) (RegionDescriptor, error) {
	if len(buf) < RegionDescriptorSize {
		return RegionDescriptor{}, fmt.Errorf("region descriptor needs %d bytes, got %d", RegionDescriptorSize, len(buf))
	}
	return RegionDescriptor{
		Region: binary.LittleEndian.Uint64(buf[0:]),
		Size:   binary.LittleEndian.Uint64(buf[8:]),
	}, nil
}
