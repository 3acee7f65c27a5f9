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
	"runtime"
	"time"

	"github.com/google/subcommands"

	"atomos.dev/atom/pkg/log"
	"atomos.dev/atom/pkg/scenario"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	runs     int
	parallel int
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "Run a scenario many times concurrently and check the runs agree."
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [options] <scenario.yaml> - Run the scenario on many kernels at
once. Every run must produce the same result as the first.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.runs, "n", 100, "Number of runs.")
	f.IntVar(&s.parallel, "parallel", runtime.GOMAXPROCS(0), "Maximum number of concurrent runs.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := confFromArgs(args)
	path := f.Arg(0)
	sc, err := scenario.Load(path)
	if err != nil {
		Fatalf("%v", err)
	}

	start := time.Now()
	res, err := scenario.Stress(ctx, sc, scenario.Options{Config: *conf}, s.runs, s.parallel)
	elapsed := time.Since(start)
	if res == nil {
		Fatalf("%s: %v", path, err)
	}
	if err != nil {
		log.Warningf("%s: %v", path, err)
		fmt.Fprintf(os.Stderr, "%s: FAIL: %v\n", path, err)
		return subcommands.ExitFailure
	}
	fmt.Printf("%s: %d runs of %d steps agree (%v, %d switches each)\n",
		path, s.runs, len(res.Steps), elapsed.Round(time.Millisecond), res.Stats.Switches)
	return subcommands.ExitSuccess
}
