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

// Package cmd holds implementations of the atomctl commands.
package cmd

import (
	"fmt"
	"os"

	"atomos.dev/atom/pkg/kconfig"
	"atomos.dev/atom/pkg/log"
)

// Fatalf logs the message, writes it to stderr and exits with status 128.
func Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Warningf("FATAL: %s", msg)
	fmt.Fprintf(os.Stderr, "atomctl: %s\n", msg)
	os.Exit(128)
}

// confFromArgs returns the configuration main passes to every command.
func confFromArgs(args []any) *kconfig.Config {
	if len(args) == 0 {
		c := kconfig.Default()
		return &c
	}
	return args[0].(*kconfig.Config)
}
