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
	"os"

	"github.com/google/subcommands"
)

// Config implements subcommands.Command for the "config" command.
type Config struct{}

// Name implements subcommands.Command.Name.
func (*Config) Name() string {
	return "config"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Config) Synopsis() string {
	return "Print the effective kernel configuration as TOML."
}

// Usage implements subcommands.Command.Usage.
func (*Config) Usage() string {
	return `config - Print the configuration after defaults and -config are applied.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Config) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Config) Execute(_ context.Context, _ *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := confFromArgs(args)
	if err := conf.Encode(os.Stdout); err != nil {
		Fatalf("error writing configuration: %v", err)
	}
	return subcommands.ExitSuccess
}
