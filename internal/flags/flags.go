/*
 * Copyright (c) 2025. Virt-Watchdog Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package flags

import (
	"github.com/urfave/cli/v2"

	"github.com/virtwatch/virt-watchdog/internal/constant"
)

type Args struct {
	ConfigPath                  string
	RootDir                     string
	SystemControllerAddr        string
	EnableSystemController      bool
	EnableSystemControllerCount int
	LogLevel                    string
	LogToStdout                 bool
	LogToStdoutCount            int
	PprofAddr                   string
	PrintVersion                bool
}

type Flags struct {
	Args *Args
	F    []cli.Flag
}

func buildFlags(args *Args) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to virt-watchdog configuration (such as: config.toml)",
			Destination: &args.ConfigPath,
		},
		&cli.StringFlag{
			Name:        "root",
			Usage:       "directory to store watchdog data and working states",
			Destination: &args.RootDir,
			DefaultText: constant.DefaultRootDir,
		},
		&cli.StringFlag{
			Name:        "system-controller-address",
			Usage:       "unix socket path the status/metrics HTTP API listens on",
			Destination: &args.SystemControllerAddr,
			DefaultText: constant.DefaultSystemControllerAddress,
		},
		&cli.BoolFlag{
			Name:        "enable-system-controller",
			Usage:       "serve the status/metrics HTTP API",
			Destination: &args.EnableSystemController,
			Count:       &args.EnableSystemControllerCount,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "logging level, possible values \"trace\", \"debug\", \"info\", \"warn\", \"error\"",
			Destination: &args.LogLevel,
			DefaultText: constant.DefaultLogLevel,
		},
		&cli.BoolFlag{
			Name:        "log-to-stdout",
			Usage:       "log messages to standard out rather than files",
			Destination: &args.LogToStdout,
			Count:       &args.LogToStdoutCount,
		},
		&cli.StringFlag{
			Name:        "pprof-addr",
			Usage:       "serve runtime profiling data via HTTP, e.g. \"localhost:6060\"",
			Destination: &args.PprofAddr,
		},
		&cli.BoolFlag{
			Name:        "version",
			Usage:       "print version and build information",
			Destination: &args.PrintVersion,
		},
	}
}

func NewFlags() *Flags {
	var args Args
	return &Flags{
		Args: &args,
		F:    buildFlags(&args),
	}
}
