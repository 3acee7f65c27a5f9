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

// Package kconfig holds the kernel configuration and loads it from TOML.
package kconfig

import (
	"fmt"
	"io"

	"github.com/BurntSushi/toml"

	"atomos.dev/atom/pkg/abi/atom"
	"atomos.dev/atom/pkg/kernel/capability"
	"atomos.dev/atom/pkg/kernel/ipc"
	"atomos.dev/atom/pkg/kernel/sched"
	"atomos.dev/atom/pkg/log"
)

// Config is the kernel configuration. Zero fields in a file take their
// defaults.
type Config struct {
	// TickMillis is the timer period.
	TickMillis int `toml:"tick_ms"`

	// QuantumTicks is the round-robin quantum.
	QuantumTicks int `toml:"quantum_ticks"`

	// MaxThreads bounds the thread table.
	MaxThreads int `toml:"max_threads"`

	// KernelStackWords is the size of each thread's kernel stack.
	KernelStackWords int `toml:"kernel_stack_words"`

	MaxPorts          int `toml:"max_ports"`
	QueueDepth        int `toml:"queue_depth"`
	MaxInline         int `toml:"max_inline"`
	ZeroCopyThreshold int `toml:"zero_copy_threshold"`
	MaxBatch          int `toml:"max_batch"`
	TraceCapacity     int `toml:"trace_capacity"`

	MaxCapabilities int `toml:"max_capabilities"`
	MaxPerThread    int `toml:"max_capabilities_per_thread"`
	AuditCapacity   int `toml:"audit_capacity"`

	// DebugDeadlock refuses inheritance edges that close a cycle.
	DebugDeadlock bool `toml:"debug_deadlock"`

	// LogLevel is one of "warning", "info" or "debug".
	LogLevel string `toml:"log_level"`

	// LogFormat is "text" or "json".
	LogFormat string `toml:"log_format"`
}

// Default returns the default configuration.
func Default() Config {
	capCfg := capability.DefaultConfig()
	ipcCfg := ipc.DefaultConfig()
	return Config{
		TickMillis:        atom.TickMillis,
		QuantumTicks:      5,
		MaxThreads:        256,
		KernelStackWords:  512,
		MaxPorts:          ipcCfg.MaxPorts,
		QueueDepth:        ipcCfg.QueueDepth,
		MaxInline:         ipcCfg.MaxInline,
		ZeroCopyThreshold: ipcCfg.ZeroCopyThreshold,
		MaxBatch:          ipcCfg.MaxBatch,
		TraceCapacity:     ipcCfg.TraceCapacity,
		MaxCapabilities:   capCfg.MaxCapabilities,
		MaxPerThread:      capCfg.MaxPerThread,
		AuditCapacity:     capCfg.AuditCapacity,
		DebugDeadlock:     true,
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

// Load reads a TOML file over the defaults and validates the result.
func Load(path string) (Config, error) {
	c := Default()
	md, err := toml.DecodeFile(path, &c)
	if err != nil {
		return Config{}, fmt.Errorf("loading %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("loading %q: unknown keys %v", path, undecoded)
	}
	if err := c.Validate(); err != nil {
		return Config{}, fmt.Errorf("loading %q: %w", path, err)
	}
	return c, nil
}

// Decode is Load for a TOML document held in memory.
func Decode(data string) (Config, error) {
	return Default().Overlay(data)
}

// Overlay returns c with the keys set in the TOML document data replaced.
func (c Config) Overlay(data string) (Config, error) {
	md, err := toml.Decode(data, &c)
	if err != nil {
		return Config{}, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("unknown keys %v", undecoded)
	}
	return c, c.Validate()
}

// Encode writes c to w as TOML.
func (c *Config) Encode(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

// Validate rejects non-positive limits and inconsistent settings.
func (c *Config) Validate() error {
	for _, f := range []struct {
		name string
		v    int
	}{
		{"tick_ms", c.TickMillis},
		{"quantum_ticks", c.QuantumTicks},
		{"max_threads", c.MaxThreads},
		{"kernel_stack_words", c.KernelStackWords},
		{"max_ports", c.MaxPorts},
		{"queue_depth", c.QueueDepth},
		{"max_inline", c.MaxInline},
		{"zero_copy_threshold", c.ZeroCopyThreshold},
		{"max_batch", c.MaxBatch},
		{"trace_capacity", c.TraceCapacity},
		{"max_capabilities", c.MaxCapabilities},
		{"max_capabilities_per_thread", c.MaxPerThread},
		{"audit_capacity", c.AuditCapacity},
	} {
		if f.v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", f.name, f.v)
		}
	}
	if c.ZeroCopyThreshold > c.MaxInline {
		return fmt.Errorf("zero_copy_threshold %d exceeds max_inline %d", c.ZeroCopyThreshold, c.MaxInline)
	}
	if c.KernelStackWords < 64 {
		return fmt.Errorf("kernel_stack_words %d is too small", c.KernelStackWords)
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid log_format %q", c.LogFormat)
	}
	return nil
}

// Sched returns the scheduler configuration.
func (c *Config) Sched() sched.Config {
	return sched.Config{Quantum: c.QuantumTicks, DebugDeadlock: c.DebugDeadlock}
}

// Capability returns the capability manager configuration.
func (c *Config) Capability() capability.Config {
	return capability.Config{
		MaxCapabilities: c.MaxCapabilities,
		MaxPerThread:    c.MaxPerThread,
		AuditCapacity:   c.AuditCapacity,
	}
}

// IPC returns the IPC configuration.
func (c *Config) IPC() ipc.Config {
	return ipc.Config{
		MaxPorts:          c.MaxPorts,
		QueueDepth:        c.QueueDepth,
		MaxInline:         c.MaxInline,
		ZeroCopyThreshold: c.ZeroCopyThreshold,
		MaxBatch:          c.MaxBatch,
		TraceCapacity:     c.TraceCapacity,
	}
}
