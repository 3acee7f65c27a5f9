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

package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"atomos.dev/atom/pkg/kernel"
	"atomos.dev/atom/pkg/kernel/capability"
	"atomos.dev/atom/pkg/kernel/sched"
	"atomos.dev/atom/pkg/scenario"
)

type reportFunc func(io.Writer, *scenario.Result) error

// reportFormats maps output format names to writers.
var reportFormats = map[string]reportFunc{
	"text": reportText,
	"json": reportJSON,
}

func reportJSON(w io.Writer, res *scenario.Result) error {
	e := json.NewEncoder(w)
	e.SetIndent("", "  ")
	return e.Encode(res)
}

func reportText(w io.Writer, res *scenario.Result) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "SCENARIO %s\n\n", res.Name)

	fmt.Fprint(tw, "#\tSTEP\tBEFORE\tRESULT\tAFTER\n")
	for _, s := range res.Steps {
		ret := fmt.Sprintf("%d", s.Ret)
		if s.Err != "" {
			ret = fmt.Sprintf("%d (%s)", s.Ret, s.Err)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", s.Index, s.Step, s.Before, ret, s.After)
	}

	fmt.Fprint(tw, "\nTHREAD\tNAME\tSTATE\tPRIORITY\tEXIT\n")
	for _, t := range res.Threads {
		state := t.State.String()
		if t.Reason != sched.NotBlocked {
			state = fmt.Sprintf("%s (%s)", state, t.Reason)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%v/%v\t%d\n", t.ID, t.Name, state, t.Base, t.Effective, t.ExitCode)
	}

	if len(res.Ports) > 0 {
		fmt.Fprint(tw, "\nPORT\tOWNER\tDEPTH\tSENT\tRECEIVED\tBYTES\tLATENCY\n")
		for _, p := range res.Ports {
			fmt.Fprintf(tw, "%d\t%d\t%d/%d\t%d\t%d\t%d\t%d/%d/%d\n",
				p.ID, p.Owner, p.Depth, p.HighWater, p.Sent, p.Received, p.Bytes,
				p.MinLatency, p.AvgLatency(), p.MaxLatency)
		}
	}

	fmt.Fprintf(tw, "\nticks\t%d\n", res.Ticks)
	fmt.Fprintf(tw, "switches\t%d\n", res.Stats.Switches)
	fmt.Fprintf(tw, "threads\tcreated %d, exited %d, reaped %d\n", res.Stats.Created, res.Stats.Exited, res.Stats.Reaped)
	fmt.Fprintf(tw, "faults\t%d (%d redirected), %d spurious interrupts\n", res.Stats.Faults, res.Stats.Redirected, res.Stats.Spurious)
	for _, nr := range kernel.SyscallNumbers() {
		if n := res.Stats.Syscalls[nr]; n > 0 {
			fmt.Fprintf(tw, "syscall %s\t%d\n", kernel.SyscallName(nr), n)
		}
	}
	if res.Stats.Unknown > 0 {
		fmt.Fprintf(tw, "syscall (unknown)\t%d\n", res.Stats.Unknown)
	}
	fmt.Fprintf(tw, "ipc\tsent %d, received %d, handoffs %d, blocked %d, timeouts %d\n",
		res.IPC.Sent, res.IPC.Received, res.IPC.Handoffs, res.IPC.Blocked, res.IPC.Timeouts)
	fmt.Fprintf(tw, "capabilities\t%d live, %d in flight, %d denied\n", res.Caps.Live, res.Caps.InFlight, res.Caps.Denied)
	for k, n := range res.Caps.ByKind {
		if n > 0 {
			fmt.Fprintf(tw, "capabilities %v\t%d\n", capability.Kind(k), n)
		}
	}
	if res.Halt != "" {
		fmt.Fprintf(tw, "halted\t%s\n", res.Halt)
	}

	if len(res.Audit) > 0 {
		fmt.Fprint(tw, "\nAUDIT\n")
		for _, a := range res.Audit {
			fmt.Fprintf(tw, "%v\n", a)
		}
	}
	if len(res.Trace) > 0 {
		fmt.Fprint(tw, "\nTRACE\n")
		for _, e := range res.Trace {
			fmt.Fprintf(tw, "%v\n", e)
		}
	}
	fmt.Fprintln(tw)
	return tw.Flush()
}
