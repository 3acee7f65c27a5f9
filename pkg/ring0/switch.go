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

package ring0

import (
	"atomos.dev/atom/pkg/arch"
)

// Switch saves the live context into old and resumes new.
//
// The saved context resumes at the current return address, which inside a
// handler is the epilogue of the trap or system call being handled. Resuming
// old later therefore completes that trap as if no switch had happened.
func (c *CPU) Switch(old, new *arch.Registers) {
	c.kernel.Codec.Save(old, &c.regs, c.regs.Rip)
	c.stats.Switches++
	c.ResumeOnly(new)
}

// ResumeOnly loads new without saving the live context.
//
// Interrupts are disabled for the whole transition. The address-space root
// is reloaded only if it differs from the active one. A kernel-mode target
// gets its return frame on its own stack; a user-mode target has its flags
// sanitized and its data selectors restored. In both cases the context
// pointer register is the last register restored.
func (c *CPU) ResumeOnly(new *arch.Registers) {
	c.regs.Rflags &^= arch.FlagIF
	c.stats.Resumes++

	if new.Cr3 != c.regs.Cr3 {
		c.regs.Cr3 = new.Cr3
		c.stats.RootLoads++
		if c.kernel.LoadRoot != nil {
			c.kernel.LoadRoot(new.Cr3)
		}
	} else {
		c.stats.RootReuses++
	}

	codec := c.kernel.Codec
	frame := codec.BuildReturnFrame(new)
	if arch.Privilege(new.Cs) == 0 {
		c.regs.Rsp = new.Rsp
	} else {
		c.regs.Ds = new.Ds
		c.regs.Es = new.Es
	}
	for _, w := range frame.Words() {
		if !c.push(w) {
			return
		}
	}
	codec.Restore(&c.regs, new)
	c.iret()
}
