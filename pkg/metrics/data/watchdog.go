/*
 * Copyright (c) 2025. Virt-Watchdog Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package data

import "github.com/prometheus/client_golang/prometheus"

var (
	guestLabel   = "guest"
	stateLabel   = "state"
	fromLabel    = "from"
	toLabel      = "to"
	classLabel   = "class"
	outcomeLabel = "outcome"
)

var (
	GuestHealthState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "watchdog_guest_health_state",
			Help: "Current health state per guest, one series per state with value 0 or 1.",
		},
		[]string{guestLabel, stateLabel},
	)

	HealthTransitionsCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchdog_health_transitions_total",
			Help: "Health state transitions per guest.",
		},
		[]string{guestLabel, fromLabel, toLabel},
	)

	PollFailuresCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchdog_poll_failures_total",
			Help: "Transport-level poll failures per guest by error class.",
		},
		[]string{guestLabel, classLabel},
	)

	RecoveryAttemptsCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchdog_recovery_attempts_total",
			Help: "Recovery attempts per guest by outcome.",
		},
		[]string{guestLabel, outcomeLabel},
	)

	LastFreshTimestamp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "watchdog_guest_last_fresh_timestamp_seconds",
			Help: "Unix time of the last distinct liveness token per guest.",
		},
		[]string{guestLabel},
	)
)
