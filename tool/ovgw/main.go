/*
 * oCloudView Gateway
 * Copyright (C) 2025  oCloudView, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Command ovgw runs the oCloudView display gateway: a websocket-to-TCP proxy
// that connects browser VNC and SPICE clients to virtual machine consoles.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	"github.com/ocloudview/gateway/lib/config"
	"github.com/ocloudview/gateway/lib/service"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", trace.UserMessage(err))
		os.Exit(1)
	}
}

func run() error {
	app := kingpin.New("ovgw", "oCloudView display gateway")
	configPath := app.Flag("config", "Path to a YAML configuration file.").Short('c').String()
	fromEnv := app.Flag("env", "Read configuration from OVGW_* environment variables.").Bool()
	debug := app.Flag("debug", "Enable debug logging.").Short('d').Bool()
	app.HelpFlag.Short('h')

	if _, err := app.Parse(os.Args[1:]); err != nil {
		return trace.Wrap(err)
	}

	var cfg *config.Config
	var err error
	switch {
	case *configPath != "":
		cfg, err = config.ReadFile(*configPath)
	case *fromEnv:
		cfg, err = config.FromEnv()
	default:
		return trace.BadParameter("either --config or --env is required")
	}
	if err != nil {
		return trace.Wrap(err)
	}
	if *debug {
		cfg.Debug = true
	}

	gateway, err := service.New(cfg)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(gateway.Run(context.Background()))
}
