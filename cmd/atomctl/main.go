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

// Binary atomctl drives the kernel's machine model: it runs scenarios,
// prints the context and trap frame layouts, and lists the system calls.
package main

import (
	"context"
	"flag"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/google/subcommands"

	"atomos.dev/atom/cmd/atomctl/cmd"
	"atomos.dev/atom/pkg/kconfig"
	"atomos.dev/atom/pkg/log"
)

var (
	configPath = flag.String("config", "", "kernel configuration file (TOML); defaults apply when empty.")
	logPath    = flag.String("log", "", "file to write logs to, %COMMAND% and %TIMESTAMP% are expanded. Empty means stderr.")
	logFormat  = flag.String("log-format", "", "log format: text or json. Overrides the configuration.")
	debug      = flag.Bool("debug", false, "enable debug logging.")
)

func main() {
	forEachCmd(subcommands.Register)
	flag.Parse()

	conf := kconfig.Default()
	if *configPath != "" {
		var err error
		if conf, err = kconfig.Load(*configPath); err != nil {
			cmd.Fatalf("%v", err)
		}
	}
	if *logFormat != "" {
		conf.LogFormat = *logFormat
	}
	if *debug {
		conf.LogLevel = log.Debug.String()
	}
	if err := conf.Validate(); err != nil {
		cmd.Fatalf("%v", err)
	}

	subcommand := flag.CommandLine.Arg(0)
	var out io.Writer = os.Stderr
	var logFile *os.File
	if *logPath != "" {
		var err error
		if logFile, err = log.OpenFile(log.BuildPath(*logPath, subcommand, time.Now())); err != nil {
			cmd.Fatalf("%v", err)
		}
		out = logFile
	}
	log.SetTarget(newEmitter(conf.LogFormat, out))
	level, _ := log.ParseLevel(conf.LogLevel)
	log.SetLevel(level)

	log.Infof("atomctl %s, %s/%s, args %v", subcommand, runtime.GOOS, runtime.GOARCH, os.Args)
	log.Debugf("configuration: %+v", conf)

	status := subcommands.Execute(context.Background(), &conf)
	if logFile != nil {
		logFile.Close()
	}
	os.Exit(int(status))
}

// forEachCmd invokes cb for each atomctl command.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")
	cb(subcommands.CommandsCommand(), "")

	const machine = "machine"
	cb(new(cmd.Run), machine)
	cb(new(cmd.Stress), machine)

	const info = "information"
	cb(new(cmd.Layout), info)
	cb(new(cmd.Syscalls), info)
	cb(new(cmd.Config), info)
}

func newEmitter(format string, logFile io.Writer) log.Emitter {
	switch format {
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: logFile}}
	default:
		return log.GoogleEmitter{Writer: &log.Writer{Next: logFile}}
	}
}
