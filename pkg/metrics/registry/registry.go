/*
 * Copyright (c) 2025. Virt-Watchdog Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package registry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/virtwatch/virt-watchdog/pkg/metrics/data"
)

var (
	Registry = prometheus.NewRegistry()
)

func init() {
	Registry.MustRegister(
		data.GuestHealthState,
		data.HealthTransitionsCount,
		data.PollFailuresCount,
		data.RecoveryAttemptsCount,
		data.LastFreshTimestamp,
	)
}
