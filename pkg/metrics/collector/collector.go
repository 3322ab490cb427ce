/*
 * Copyright (c) 2025. Virt-Watchdog Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package collector

import (
	"time"

	"github.com/virtwatch/virt-watchdog/pkg/detector"
	"github.com/virtwatch/virt-watchdog/pkg/metrics/data"
)

// allStates enumerates every health state so the per-guest gauge exposes a
// full set of 0/1 series instead of series popping in and out.
var allStates = []detector.State{
	detector.StateHealthy,
	detector.StateSuspicious,
	detector.StateUnresponsive,
	detector.StateRecovering,
	detector.StateUnknown,
	detector.StatePoweredOff,
}

type TransitionCollector struct {
	GuestID string
	From    detector.State
	To      detector.State
}

func (c *TransitionCollector) Collect() {
	data.HealthTransitionsCount.WithLabelValues(c.GuestID, string(c.From), string(c.To)).Inc()

	for _, s := range allStates {
		v := 0.0
		if s == c.To {
			v = 1.0
		}
		data.GuestHealthState.WithLabelValues(c.GuestID, string(s)).Set(v)
	}
}

type PollFailureCollector struct {
	GuestID string
	Class   string
}

func (c *PollFailureCollector) Collect() {
	data.PollFailuresCount.WithLabelValues(c.GuestID, c.Class).Inc()
}

type RecoveryAttemptCollector struct {
	GuestID string
	Outcome string
}

func (c *RecoveryAttemptCollector) Collect() {
	data.RecoveryAttemptsCount.WithLabelValues(c.GuestID, c.Outcome).Inc()
}

type FreshTokenCollector struct {
	GuestID string
	SeenAt  time.Time
}

func (c *FreshTokenCollector) Collect() {
	data.LastFreshTimestamp.WithLabelValues(c.GuestID).Set(float64(c.SeenAt.Unix()))
}
