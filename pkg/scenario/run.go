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

package scenario

import (
	"context"
	"fmt"

	"atomos.dev/atom/pkg/abi/atom"
	"atomos.dev/atom/pkg/kconfig"
	"atomos.dev/atom/pkg/kernel"
	"atomos.dev/atom/pkg/kernel/capability"
	"atomos.dev/atom/pkg/kernel/ipc"
	"atomos.dev/atom/pkg/log"
	"atomos.dev/atom/pkg/ring0"
	"atomos.dev/atom/pkg/syserr"
	"atomos.dev/atom/pkg/usermem"
)

// Halted is the Running value of a step that must stop the CPU.
const Halted = "halted"

// StepResult is the outcome of one step.
type StepResult struct {
	Index int    `json:"index"`
	Step  string `json:"step"`

	// Before and After are the threads running around the step.
	Before string `json:"before"`
	After  string `json:"after"`

	// Ret is the value in rax after a system call.
	Ret int64 `json:"ret"`

	// Err names the error code in Ret, if any.
	Err string `json:"err,omitempty"`
}

// Result is the outcome of a run.
type Result struct {
	Name    string              `json:"name"`
	Steps   []StepResult        `json:"steps"`
	Ticks   uint64              `json:"ticks"`
	Halt    string              `json:"halt,omitempty"`
	Stats   kernel.Stats        `json:"stats"`
	IPC     ipc.Stats           `json:"ipc"`
	Caps    capability.Stats    `json:"capabilities"`
	Threads []kernel.ThreadInfo `json:"threads"`
	Ports   []ipc.PortStats     `json:"ports"`

	// Audit and Trace hold the most recent records, if requested.
	Audit []capability.AuditRecord `json:"audit,omitempty"`
	Trace []ipc.TraceEvent         `json:"trace,omitempty"`
}

// Options configure a run.
type Options struct {
	// Config is the base configuration; the scenario's own config is
	// applied over it.
	Config kconfig.Config

	// Mapper serves the memory system calls, if set.
	Mapper kernel.Mapper

	// AuditRecords and TraceEvents are the number of capability audit
	// records and IPC trace events to keep in the result.
	AuditRecords int
	TraceEvents  int
}

// Run executes sc on a fresh kernel. It returns the result so far and an
// error at the first failed expectation. The run stops early when ctx is
// done.
func Run(ctx context.Context, sc *Scenario, opts Options) (*Result, error) {
	r, err := newRunner(sc, opts)
	if err != nil {
		return nil, err
	}
	return r.run(ctx)
}

type runner struct {
	sc   *Scenario
	opts Options
	k    *kernel.Kernel
	mem  *usermem.BytesIO
	log  log.Logger
	res  *Result
}

func newRunner(sc *Scenario, opts Options) (*runner, error) {
	cfg := opts.Config
	if sc.Config != "" {
		var err error
		if cfg, err = cfg.Overlay(sc.Config); err != nil {
			return nil, fmt.Errorf("scenario %q config: %w", sc.Name, err)
		}
	}
	base, size := sc.Memory.Base, sc.Memory.Size
	if base == 0 {
		base = DefaultMemoryBase
	}
	if size == 0 {
		size = DefaultMemorySize
	}
	mem := usermem.NewBytesIO(usermem.Addr(base), size)
	k, err := kernel.New(cfg, kernel.Options{Memory: mem, Mapper: opts.Mapper})
	if err != nil {
		return nil, err
	}
	for i := range sc.Threads {
		t := &sc.Threads[i]
		if _, _, err := k.CreateThread(kernel.ThreadSpec{
			Name:       t.Name,
			Priority:   t.priority(),
			Context:    t.context(i),
			Privileged: t.Privileged,
		}); err != nil {
			return nil, fmt.Errorf("thread %q: %w", t.Name, err)
		}
	}
	return &runner{
		sc:   sc,
		opts: opts,
		k:    k,
		mem:  mem,
		log:  log.Tagged("scenario/" + sc.Name),
		res:  &Result{Name: sc.Name},
	}, nil
}

func (r *runner) run(ctx context.Context) (*Result, error) {
	defer r.finish()
	if err := r.k.Start(); err != nil {
		return r.res, err
	}
	for i := range r.sc.Steps {
		if err := ctx.Err(); err != nil {
			return r.res, err
		}
		s := &r.sc.Steps[i]
		sr, err := r.step(i, s)
		r.res.Steps = append(r.res.Steps, sr)
		if err != nil {
			return r.res, fmt.Errorf("step %d (%v): %w", i, s, err)
		}
	}
	return r.res, nil
}

// finish records the final kernel state.
func (r *runner) finish() {
	k := r.k
	r.res.Ticks = k.Ticks()
	if h := k.CPU().Halted(); h != nil {
		r.res.Halt = h.Reason
	}
	r.res.Stats = k.Stats()
	r.res.IPC = k.IPCStats()
	r.res.Caps = k.CapabilityStats()
	r.res.Threads = k.Threads()
	r.res.Ports = k.Ports()
	if n := r.opts.AuditRecords; n > 0 {
		r.res.Audit = k.AuditLog(n)
	}
	if n := r.opts.TraceEvents; n > 0 {
		r.res.Trace = k.Trace(n)
	}
}

// running names the running thread, or Halted.
func (r *runner) running() string {
	if r.k.CPU().Halted() != nil {
		return Halted
	}
	info, err := r.k.Thread(r.k.Current())
	if err != nil {
		return fmt.Sprintf("%v", r.k.Current())
	}
	return info.Name
}

func (r *runner) step(i int, s *Step) (StepResult, error) {
	sr := StepResult{Index: i, Step: s.String(), Before: r.running()}
	if s.As != "" && sr.Before != s.As {
		return sr, fmt.Errorf("running before: got %s, wanted %s", sr.Before, s.As)
	}
	if sr.Before == Halted {
		return sr, fmt.Errorf("CPU halted: %s", r.k.CPU().Halted().Reason)
	}

	switch {
	case s.Syscall != "":
		nr, ok := kernel.SyscallNumber(s.Syscall)
		if !ok {
			return sr, fmt.Errorf("unknown system call %q", s.Syscall)
		}
		if !r.k.CPU().InUser() {
			return sr, fmt.Errorf("no user thread is running")
		}
		args := make([]uint64, len(s.Args))
		for j, a := range s.Args {
			args[j] = uint64(a)
		}
		ret := r.k.Syscall(nr, args...)
		sr.Ret = signed(ret)
		if syserr.IsError(ret) {
			if e := syserr.FromCode(syserr.Code(sr.Ret)); e != nil {
				sr.Err = e.Error()
			}
		}
	case s.Tick != 0:
		for j := 0; j < s.Tick; j++ {
			r.k.Tick()
		}
	case s.Fault != nil:
		if r.k.CPU().Waiting() {
			r.log.Infof("raising %v while idle", ring0.Vector(s.Fault.Vector))
		}
		r.k.Fault(ring0.Vector(s.Fault.Vector), s.Fault.Code)
	case s.Interrupt != 0:
		r.k.CPU().Interrupt(ring0.Vector(s.Interrupt))
	case s.Write != nil:
		if _, err := r.mem.CopyOut(usermem.Addr(s.Write.Addr), []byte(s.Write.Data)); err != nil {
			return sr, err
		}
	}

	sr.After = r.running()
	if s.Want != nil && sr.Ret != *s.Want {
		return sr, fmt.Errorf("result: got %d, wanted %d", sr.Ret, *s.Want)
	}
	if s.Running != "" && sr.After != s.Running {
		return sr, fmt.Errorf("running after: got %s, wanted %s", sr.After, s.Running)
	}
	return sr, nil
}

// Lookup returns the identifier of the live thread called name in res.
func (res *Result) Lookup(name string) (atom.ThreadID, bool) {
	for _, t := range res.Threads {
		if t.Name == name {
			return t.ID, true
		}
	}
	return atom.NoThread, false
}
