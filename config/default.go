/*
 * Copyright (c) 2025. Virt-Watchdog Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package config

import (
	"github.com/virtwatch/virt-watchdog/internal/constant"
)

const (
	defaultGuestTokenPath = "/run/watchdog-token"

	defaultMaxConcurrentPolls = 32
)

func (c *WatchdogConfig) FillUpWithDefaults() error {
	if c.Root == "" {
		c.Root = constant.DefaultRootDir
	}
	if c.SystemControllerAddr == "" {
		c.SystemControllerAddr = constant.DefaultSystemControllerAddress
	}

	// logging configuration
	logConfig := &c.LoggingConfig
	if logConfig.LogLevel == "" {
		logConfig.LogLevel = constant.DefaultLogLevel
	}
	if logConfig.RotateLogMaxSize == 0 {
		logConfig.RotateLogMaxSize = constant.DefaultRotateLogMaxSize
	}
	if logConfig.RotateLogMaxBackups == 0 {
		logConfig.RotateLogMaxBackups = constant.DefaultRotateLogMaxBackups
	}
	if logConfig.RotateLogMaxAge == 0 {
		logConfig.RotateLogMaxAge = constant.DefaultRotateLogMaxAge
	}
	logConfig.RotateLogLocalTime = constant.DefaultRotateLogLocalTime
	logConfig.RotateLogCompress = constant.DefaultRotateLogCompress

	// monitor configuration
	monitorConfig := &c.MonitorConfig
	if monitorConfig.PollInterval == "" {
		monitorConfig.PollInterval = constant.DefaultPollInterval
	}
	if monitorConfig.TransportTimeout == "" {
		monitorConfig.TransportTimeout = constant.DefaultTransportTimeout
	}
	if monitorConfig.MaxConcurrentPolls == 0 {
		monitorConfig.MaxConcurrentPolls = defaultMaxConcurrentPolls
	}
	if monitorConfig.FeedInterval == "" {
		monitorConfig.FeedInterval = constant.DefaultFeedInterval
	}
	if monitorConfig.GraceMultiplier == 0 {
		monitorConfig.GraceMultiplier = constant.DefaultGraceMultiplier
	}
	if monitorConfig.RecoveryCooldown == "" {
		monitorConfig.RecoveryCooldown = constant.DefaultRecoveryCooldown
	}
	if monitorConfig.ChannelFailureTolerance == 0 {
		monitorConfig.ChannelFailureTolerance = constant.DefaultChannelFailureTolerance
	}

	// Guests inherit any knob they leave unset from the monitor section.
	for i := range c.Guests {
		g := &c.Guests[i]
		if g.Name == "" {
			g.Name = g.ID
		}
		if g.TokenPath == "" {
			g.TokenPath = defaultGuestTokenPath
		}
		if g.FeedInterval == "" {
			g.FeedInterval = monitorConfig.FeedInterval
		}
		if g.GraceMultiplier == 0 {
			g.GraceMultiplier = monitorConfig.GraceMultiplier
		}
		if g.RecoveryCooldown == "" {
			g.RecoveryCooldown = monitorConfig.RecoveryCooldown
		}
		if g.ChannelFailureTolerance == 0 {
			g.ChannelFailureTolerance = monitorConfig.ChannelFailureTolerance
		}
		if g.ChannelFailureEscalation == "" {
			g.ChannelFailureEscalation = monitorConfig.ChannelFailureEscalation
		}
	}

	return nil
}
