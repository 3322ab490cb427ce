/*
 * Copyright (c) 2025. Virt-Watchdog Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/containerd/log"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/virtwatch/virt-watchdog/config"
	"github.com/virtwatch/virt-watchdog/internal/flags"
	"github.com/virtwatch/virt-watchdog/internal/logging"
	"github.com/virtwatch/virt-watchdog/version"
)

func main() {
	flags := flags.NewFlags()
	app := &cli.App{
		Name:        "virt-watchdogd",
		Usage:       "Software watchdog monitoring liveness of virtualized guests",
		Version:     version.Version,
		Flags:       flags.F,
		HideVersion: true,
		Action: func(_ *cli.Context) error {
			if flags.Args.PrintVersion {
				fmt.Println("Version:    ", version.Version)
				fmt.Println("Revision:   ", version.Revision)
				fmt.Println("Go version: ", version.GoVersion)
				fmt.Println("Build time: ", version.BuildTimestamp)
				return nil
			}

			watchdogConfig, err := config.LoadWatchdogConfig(flags.Args.ConfigPath)
			if err != nil {
				return errors.Wrap(err, "failed to load watchdog configuration")
			}

			// Command line parameters override the configuration file.
			if err := config.ParseParameters(flags.Args, watchdogConfig); err != nil {
				return errors.Wrap(err, "failed to parse commandline options")
			}

			if err := watchdogConfig.FillUpWithDefaults(); err != nil {
				return errors.New("failed to fill up watchdog configuration with defaults")
			}

			if err := config.ValidateConfig(watchdogConfig); err != nil {
				return errors.Wrap(err, "failed to validate configuration")
			}

			ctx := logging.WithContext()
			logConfig := &watchdogConfig.LoggingConfig
			if logConfig.LogDir == "" {
				logConfig.LogDir = filepath.Join(watchdogConfig.Root, logging.DefaultLogDirName)
			}
			logRotateArgs := &logging.RotateLogArgs{
				RotateLogMaxSize:    logConfig.RotateLogMaxSize,
				RotateLogMaxBackups: logConfig.RotateLogMaxBackups,
				RotateLogMaxAge:     logConfig.RotateLogMaxAge,
				RotateLogLocalTime:  logConfig.RotateLogLocalTime,
				RotateLogCompress:   logConfig.RotateLogCompress,
			}

			if err := logging.SetUp(logConfig.LogLevel, logConfig.LogToStdout, logConfig.LogDir, logRotateArgs); err != nil {
				return errors.Wrap(err, "failed to setup logger")
			}

			log.L.Infof("Start virt-watchdog. Version: %s, PID: %d, Guests: %d",
				version.Version, os.Getpid(), len(watchdogConfig.Guests))

			return Start(ctx, watchdogConfig)
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.L.WithError(err).Fatal("failed to start virt-watchdog")
	}
}
