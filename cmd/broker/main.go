// Copyright 2025 Kadir Pekel
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

// Command broker is the CLI entry point for the device broker: it
// wires the Repository, Device Registry, Task Manager, Capability
// Manifest Builder, Intent Router, External Agent Client, Dispatcher,
// Scan Loop, and Worker Pool into one running process, and exposes
// both the JSON-RPC and REST transports over HTTP.
//
// Usage:
//
//	broker serve --config broker.yaml
//	broker migrate --driver sqlite --dsn .devicebroker/devicebroker.db
//	broker device register --device-id cam-1 --source-ref http://cam-1.local/mcp --kind camera
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"github.com/kadirpekel/devicebroker/pkg/config"
	"github.com/kadirpekel/devicebroker/pkg/logger"
)

// CLI defines the command-line interface.
type CLI struct {
	Serve   ServeCmd   `cmd:"" help:"Start the broker's JSON-RPC and REST servers."`
	Migrate MigrateCmd `cmd:"" help:"Apply the Repository and Stream Store schema to a fresh database."`
	Device  DeviceCmd  `cmd:"" help:"Manage the device fleet."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple, verbose, or custom)." default:"simple"`
}

// DeviceCmd groups fleet-management subcommands.
type DeviceCmd struct {
	Register DeviceRegisterCmd `cmd:"" help:"Register a device against the broker's store."`
}

func main() {
	_ = config.LoadDotEnv()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("broker"),
		kong.Description("devicebroker - an A2A broker for a device fleet"),
		kong.UsageOnError(),
	)

	level, err := logger.ParseLevel(cli.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level: %v\n", err)
		os.Exit(1)
	}
	output := os.Stderr
	if cli.LogFile != "" {
		f, cleanup, openErr := logger.OpenLogFile(cli.LogFile)
		if openErr != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file: %v\n", openErr)
			os.Exit(1)
		}
		defer cleanup()
		output = f
	}
	logger.Init(level, output, cli.LogFormat)

	if err := ctx.Run(&cli); err != nil {
		slog.Error("devicebroker: command failed", "error", err)
		os.Exit(1)
	}
}
