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
	"os"

	"github.com/google/subcommands"

	"atomos.dev/atom/pkg/log"
	"atomos.dev/atom/pkg/scenario"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	output string
	audit  int
	trace  int
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "Run scenarios on the machine model and report the outcome."
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [options] <scenario.yaml>... - Run each scenario on a fresh kernel.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.output, "o", "text", "Output format (text, json).")
	f.IntVar(&r.audit, "audit", 0, "Number of capability audit records to report.")
	f.IntVar(&r.trace, "trace", 0, "Number of IPC trace events to report.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	out, ok := reportFormats[r.output]
	if !ok {
		Fatalf("unsupported output format %q", r.output)
	}
	conf := confFromArgs(args)

	status := subcommands.ExitSuccess
	for _, path := range f.Args() {
		sc, err := scenario.Load(path)
		if err != nil {
			Fatalf("%v", err)
		}
		res, err := scenario.Run(ctx, sc, scenario.Options{
			Config:       *conf,
			AuditRecords: r.audit,
			TraceEvents:  r.trace,
		})
		if res == nil {
			Fatalf("%s: %v", path, err)
		}
		if werr := out(os.Stdout, res); werr != nil {
			Fatalf("writing report: %v", werr)
		}
		if err != nil {
			log.Warningf("%s: %v", path, err)
			fmt.Fprintf(os.Stderr, "%s: FAIL: %v\n", path, err)
			status = subcommands.ExitFailure
		}
	}
	return status
}
