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

package arch

// ContextReg is the register that holds the pointer to the context being
// restored. It is read from memory throughout a restore and is therefore
// always restored last.
const ContextReg = RDI

// ReturnFrame is the resumable state consumed by iretq.
type ReturnFrame struct {
	Rip    uint64
	Cs     uint64
	Rflags uint64
	Rsp    uint64
	Ss     uint64
}

// Words returns the frame in push order: SS, RSP, RFLAGS, CS, RIP. The last
// word pushed is the one at the lowest address and the first popped.
func (f ReturnFrame) Words() [5]uint64 {
	return [5]uint64{f.Ss, f.Rsp, f.Rflags, f.Cs, f.Rip}
}

// ReturnFrameFromStack rebuilds a frame from the five words at the top of a
// stack, lowest address first.
func ReturnFrameFromStack(words [5]uint64) ReturnFrame {
	return ReturnFrame{
		Rip:    words[0],
		Cs:     words[1],
		Rflags: words[2],
		Rsp:    words[3],
		Ss:     words[4],
	}
}

// Codec saves and restores execution contexts. Kernel logic is written
// against this interface only.
type Codec interface {
	// Save captures every general-purpose register, the flags, segment
	// selectors and address-space root of live into dst, recording resume
	// as the instruction pointer.
	Save(dst, live *Registers, resume uint64)

	// Restore loads the general-purpose registers of src into live,
	// excluding the stack pointer, which is carried by the return frame.
	// ContextReg is restored last.
	Restore(live, src *Registers)

	// BuildReturnFrame builds the frame that resumes src. Frames that
	// resume user mode carry sanitized flags.
	BuildReturnFrame(src *Registers) ReturnFrame
}

// restoreOrder is the order in which Restore writes registers.
var restoreOrder = []Reg{
	R15, R14, R13, R12, R11, R10, R9, R8,
	RBP, RSI, RDX, RCX, RBX, RAX,
	ContextReg,
}

// RestoreOrder returns the order in which the amd64 codec restores
// registers.
func RestoreOrder() []Reg {
	return append([]Reg(nil), restoreOrder...)
}

// AMD64 is the amd64 Codec.
type AMD64 struct {
	// Observe, if set, is called with each register as it is restored.
	Observe func(Reg)
}

var _ Codec = (*AMD64)(nil)

// Save implements Codec.Save.
func (c *AMD64) Save(dst, live *Registers, resume uint64) {
	for g := Reg(0); g < NumGPRs; g++ {
		*dst.GPR(g) = *live.GPR(g)
	}
	dst.Rip = resume
	dst.Rflags = live.Rflags
	dst.Cs = live.Cs
	dst.Ss = live.Ss
	dst.Ds = live.Ds
	dst.Es = live.Es
	dst.Cr3 = live.Cr3
}

// Restore implements Codec.Restore.
func (c *AMD64) Restore(live, src *Registers) {
	for _, g := range restoreOrder {
		*live.GPR(g) = *src.GPR(g)
		if c.Observe != nil {
			c.Observe(g)
		}
	}
}

// BuildReturnFrame implements Codec.BuildReturnFrame.
func (c *AMD64) BuildReturnFrame(src *Registers) ReturnFrame {
	flags := src.Rflags
	if src.IsUser() {
		flags = SanitizeUserFlags(flags)
	}
	return ReturnFrame{
		Rip:    src.Rip,
		Cs:     src.Cs,
		Rflags: flags,
		Rsp:    src.Rsp,
		Ss:     src.Ss,
	}
}
