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
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/google/subcommands"

	"atomos.dev/atom/pkg/kernel"
)

// Syscalls implements subcommands.Command for the "syscalls" command.
type Syscalls struct {
	output string
}

// SyscallDoc describes one system call.
type SyscallDoc struct {
	Num  uint64 `json:"num"`
	Name string `json:"name"`
	Args string `json:"args,omitempty"`
}

// syscallArgs documents the argument registers of each call, in order.
var syscallArgs = map[string]string{
	"yield":                  "",
	"exit":                   "code",
	"sleep":                  "ms",
	"create":                 "entry, stack, priority, arg, root",
	"create_port":            "",
	"close_port":             "port",
	"send":                   "port, buf, len, type, timeout",
	"recv":                   "port, buf, len, timeout, out",
	"cap_create":             "kind, rights, id, base, size",
	"cap_check":              "handle, rights",
	"cap_revoke":             "handle",
	"cap_derive":             "handle, rights",
	"cap_list":               "buf, max",
	"cap_transfer":           "handle, thread, mode",
	"send_with_capability":   "port, buf, len, handle, mode, timeout",
	"query_parent":           "handle",
	"query_children":         "handle, buf, max",
	"send_batch":             "port, descs, count",
	"recv_batch":             "port, buf, len, max, handles",
	"send_async":             "port, buf, len, type",
	"try_recv":               "port, buf, len, out",
	"ipc_trace_read":         "buf, max",
	"ipc_port_stats":         "port, buf",
	"addrspace_create":       "",
	"addrspace_destroy":      "root",
	"map_region":             "region, va, rights",
	"unmap_region":           "va, size",
	"remap_region":           "region, va, rights",
	"register_fault_handler": "addr",
	"get_ticks":              "",
}

type syscallsFunc func(io.Writer, []SyscallDoc) error

var syscallsFormats = map[string]syscallsFunc{
	"table": syscallsTable,
	"json":  syscallsJSON,
	"csv":   syscallsCSV,
}

// Name implements subcommands.Command.Name.
func (*Syscalls) Name() string {
	return "syscalls"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Syscalls) Synopsis() string {
	return "Print the system call table."
}

// Usage implements subcommands.Command.Usage.
func (*Syscalls) Usage() string {
	return `syscalls [options] - Print the system call table.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Syscalls) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.output, "o", "table", "Output format (table, csv, json).")
}

// Execute implements subcommands.Command.Execute.
func (s *Syscalls) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	out, ok := syscallsFormats[s.output]
	if !ok {
		Fatalf("unsupported output format %q", s.output)
	}
	if err := out(os.Stdout, syscallDocs()); err != nil {
		Fatalf("error writing output: %v", err)
	}
	return subcommands.ExitSuccess
}

func syscallDocs() []SyscallDoc {
	var docs []SyscallDoc
	for _, nr := range kernel.SyscallNumbers() {
		name := kernel.SyscallName(nr)
		docs = append(docs, SyscallDoc{Num: nr, Name: name, Args: syscallArgs[name]})
	}
	return docs
}

func syscallsTable(w io.Writer, docs []SyscallDoc) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if _, err := fmt.Fprintf(tw, "NUM\tNAME\tARGS\n"); err != nil {
		return err
	}
	for _, d := range docs {
		if _, err := fmt.Fprintf(tw, "%d\t%s\t%s\n", d.Num, d.Name, d.Args); err != nil {
			return err
		}
	}
	return tw.Flush()
}

func syscallsJSON(w io.Writer, docs []SyscallDoc) error {
	e := json.NewEncoder(w)
	e.SetIndent("", "  ")
	return e.Encode(docs)
}

func syscallsCSV(w io.Writer, docs []SyscallDoc) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"Num", "Name", "Args"}); err != nil {
		return err
	}
	for _, d := range docs {
		if err := cw.Write([]string{strconv.FormatUint(d.Num, 10), d.Name, d.Args}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
