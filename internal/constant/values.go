/*
 * Copyright (c) 2025. Virt-Watchdog Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// constants of virt-watchdog CLI config

package constant

const (
	DefaultLogLevel string = "info"

	DefaultRootDir                 = "/var/lib/virt-watchdog"
	DefaultSystemControllerAddress = "/run/virt-watchdog/system.sock"

	// Polling and detection defaults. Per-guest values from the
	// configuration file override these.
	DefaultPollInterval     = "5s"
	DefaultFeedInterval     = "10s"
	DefaultGraceMultiplier  = 3
	DefaultRecoveryCooldown = "2m"
	// How many consecutive transport failures are tolerated before
	// stale-token evidence alone no longer justifies a reset.
	DefaultChannelFailureTolerance = 5
	// Bound on a single transport call. Keep it close to the poll
	// interval so one wedged channel cannot starve a tick.
	DefaultTransportTimeout = "5s"

	// Log rotation
	DefaultRotateLogMaxSize    = 200 // 200 megabytes
	DefaultRotateLogMaxBackups = 10
	DefaultRotateLogMaxAge     = 0 // days
	DefaultRotateLogLocalTime  = true
	DefaultRotateLogCompress   = true
)
