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
	"flag"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"text/tabwriter"

	"github.com/google/subcommands"

	"atomos.dev/atom/pkg/arch"
	"atomos.dev/atom/pkg/ring0"
)

// Layout implements subcommands.Command for the "layout" command.
type Layout struct{}

// Name implements subcommands.Command.Name.
func (*Layout) Name() string {
	return "layout"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Layout) Synopsis() string {
	return "Print the saved context and trap frame layouts."
}

// Usage implements subcommands.Command.Usage.
func (*Layout) Usage() string {
	return `layout - Print the byte offset of every field the trap stubs and the
context switch engine share.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Layout) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Layout) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	if err := writeLayout(os.Stdout); err != nil {
		Fatalf("error writing output: %v", err)
	}
	return subcommands.ExitSuccess
}

func writeLayout(w io.Writer) error {
	for _, v := range []struct {
		name string
		typ  reflect.Type
	}{
		{"arch.Registers", reflect.TypeOf(arch.Registers{})},
		{"ring0.TrapFrame", reflect.TypeOf(ring0.TrapFrame{})},
	} {
		fmt.Fprintf(w, "%s (%d bytes):\n\n", v.name, v.typ.Size())
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprint(tw, "OFFSET\tFIELD\n")
		for i := 0; i < v.typ.NumField(); i++ {
			f := v.typ.Field(i)
			fmt.Fprintf(tw, "%#04x\t%s\n", f.Offset, strings.ToLower(f.Name))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		fmt.Fprintln(w)
	}
	_, err := fmt.Fprintf(w, "kernel stack canary %#x at the stack base\n", uint64(ring0.StackCanary))
	return err
}
