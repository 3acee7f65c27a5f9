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

// Package scenario runs scripted workloads on the kernel's machine model.
//
// A scenario names the boot threads and a list of steps. Each step acts on
// whichever thread the CPU is running: it issues a system call, raises the
// timer or an exception, or writes user memory. Steps may state the result
// and the thread expected to run afterwards; the first mismatch ends the
// run.
//
// Scenarios are YAML:
//
//	name: ping
//	threads:
//	  - {name: init, priority: high, privileged: true}
//	steps:
//	  - {syscall: create_port, want: 1}
//	  - {syscall: sleep, args: [forever], running: idle}
//	  - {tick: 3}
package scenario

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"atomos.dev/atom/pkg/arch"
	"atomos.dev/atom/pkg/kernel/capability"
	"atomos.dev/atom/pkg/kernel/sched"
	"atomos.dev/atom/pkg/ring0"
)

// Scenario is a scripted run.
type Scenario struct {
	Name string `yaml:"name"`

	// Config is TOML applied over the caller's configuration.
	Config string `yaml:"config,omitempty"`

	Memory  Memory   `yaml:"memory,omitempty"`
	Threads []Thread `yaml:"threads"`
	Steps   []Step   `yaml:"steps"`
}

// Memory is the flat user memory window.
type Memory struct {
	Base uint64 `yaml:"base,omitempty"`
	Size int    `yaml:"size,omitempty"`
}

// Default user memory window.
const (
	DefaultMemoryBase = 0x10000
	DefaultMemorySize = 0x10000
)

// Thread is a boot thread.
type Thread struct {
	Name       string `yaml:"name"`
	Priority   string `yaml:"priority,omitempty"`
	Privileged bool   `yaml:"privileged,omitempty"`
	Entry      uint64 `yaml:"entry,omitempty"`
	Stack      uint64 `yaml:"stack,omitempty"`
	Root       uint64 `yaml:"root,omitempty"`
}

// Step is one action. Exactly one of Syscall, Tick, Fault, Interrupt and
// Write is set.
type Step struct {
	Syscall   string `yaml:"syscall,omitempty"`
	Args      []Arg  `yaml:"args,omitempty"`
	Tick      int    `yaml:"tick,omitempty"`
	Fault     *Fault `yaml:"fault,omitempty"`
	Interrupt int    `yaml:"interrupt,omitempty"`
	Write     *Write `yaml:"write,omitempty"`

	// As is the thread that must be running before the step.
	As string `yaml:"as,omitempty"`

	// Want is the expected result of a system call. Errors are negative.
	Want *int64 `yaml:"want,omitempty"`

	// Running is the thread that must be running after the step, or
	// "halted".
	Running string `yaml:"running,omitempty"`
}

// Fault is an exception raised in the running context.
type Fault struct {
	Vector uint8  `yaml:"vector"`
	Code   uint64 `yaml:"code,omitempty"`
}

// Write stores Data at Addr in user memory.
type Write struct {
	Addr uint64 `yaml:"addr"`
	Data string `yaml:"data"`
}

// Arg is a system call argument. In YAML it is an integer (negative values
// are two's complement), "forever", a rights list such as "read|write", a
// capability kind or a priority name.
type Arg uint64

// UnmarshalYAML implements yaml.Unmarshaler.
func (a *Arg) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: argument must be a scalar", n.Line)
	}
	v, err := parseArg(n.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*a = Arg(v)
	return nil
}

func parseArg(s string) (uint64, error) {
	if v, err := strconv.ParseUint(s, 0, 64); err == nil {
		return v, nil
	}
	if v, err := strconv.ParseInt(s, 0, 64); err == nil {
		return uint64(v), nil
	}
	if s == "forever" {
		return math.MaxUint64, nil
	}
	if r, err := capability.ParseRights(s); err == nil {
		return uint64(r), nil
	}
	if k, err := capability.ParseKind(s); err == nil {
		return uint64(k), nil
	}
	if p, err := sched.ParsePriority(s); err == nil {
		return uint64(p), nil
	}
	return 0, fmt.Errorf("bad argument %q", s)
}

// Parse decodes a scenario and checks its shape.
func Parse(data []byte) (*Scenario, error) {
	var sc Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("decoding scenario: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Load reads and parses the scenario file at path.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	sc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sc, nil
}

// Validate checks that the scenario can be run.
func (sc *Scenario) Validate() error {
	if len(sc.Threads) == 0 {
		return fmt.Errorf("scenario %q has no threads", sc.Name)
	}
	names := make(map[string]bool)
	for i, t := range sc.Threads {
		if t.Name == "" || t.Name == "idle" || t.Name == Halted {
			return fmt.Errorf("thread %d: invalid name %q", i, t.Name)
		}
		if names[t.Name] {
			return fmt.Errorf("thread %d: duplicate name %q", i, t.Name)
		}
		names[t.Name] = true
		if t.Priority != "" {
			if _, err := sched.ParsePriority(t.Priority); err != nil {
				return fmt.Errorf("thread %q: %w", t.Name, err)
			}
		}
	}
	for i, s := range sc.Steps {
		if err := s.validate(); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}
	return nil
}

func (s *Step) validate() error {
	actions := 0
	if s.Syscall != "" {
		actions++
	}
	if s.Tick != 0 {
		actions++
	}
	if s.Fault != nil {
		actions++
	}
	if s.Interrupt != 0 {
		actions++
	}
	if s.Write != nil {
		actions++
	}
	switch {
	case actions != 1:
		return fmt.Errorf("a step needs exactly one action, got %d", actions)
	case s.Tick < 0:
		return fmt.Errorf("negative tick count %d", s.Tick)
	case len(s.Args) > len(arch.SyscallArgRegs):
		return fmt.Errorf("%d arguments", len(s.Args))
	case s.Want != nil && s.Syscall == "":
		return fmt.Errorf("want is only meaningful for a system call")
	case s.Fault != nil && s.Fault.Vector >= ring0.NumExceptions:
		return fmt.Errorf("vector %d is not an exception", s.Fault.Vector)
	case s.Interrupt < 0 || s.Interrupt >= ring0.NumVectors || (s.Interrupt != 0 && s.Interrupt < ring0.NumExceptions):
		return fmt.Errorf("vector %d is not an interrupt", s.Interrupt)
	}
	return nil
}

// String describes the step's action.
func (s *Step) String() string {
	switch {
	case s.Syscall != "":
		return fmt.Sprintf("%s%v", s.Syscall, s.Args)
	case s.Tick != 0:
		return fmt.Sprintf("tick x%d", s.Tick)
	case s.Fault != nil:
		return fmt.Sprintf("fault %v code %#x", ring0.Vector(s.Fault.Vector), s.Fault.Code)
	case s.Interrupt != 0:
		return fmt.Sprintf("interrupt %d", s.Interrupt)
	case s.Write != nil:
		return fmt.Sprintf("write %d bytes at %#x", len(s.Write.Data), s.Write.Addr)
	}
	return "nop"
}

// entry is the default entry point of boot thread i.
func entry(i int) uint64 {
	return 0x40_0000 + uint64(i)*0x1000
}

// Default boot thread stack and address-space root.
const (
	defaultStack = 0x7fff_0000
	defaultRoot  = 0x1000
)

// context returns the initial context of boot thread i.
func (t *Thread) context(i int) arch.Registers {
	e, s, r := t.Entry, t.Stack, t.Root
	if e == 0 {
		e = entry(i)
	}
	if s == 0 {
		s = defaultStack
	}
	if r == 0 {
		r = defaultRoot
	}
	return arch.NewUserContext(e, s, r)
}

// priority returns the thread's level, Normal by default.
func (t *Thread) priority() sched.Priority {
	if t.Priority == "" {
		return sched.Normal
	}
	p, _ := sched.ParsePriority(t.Priority)
	return p
}

// signed renders a system call result.
func signed(v uint64) int64 {
	return int64(v)
}
