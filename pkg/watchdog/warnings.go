/*
 * Copyright (c) 2025. Virt-Watchdog Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package watchdog

import (
	"fmt"
	"time"

	"github.com/docker/go-units"

	"github.com/virtwatch/virt-watchdog/pkg/detector"
	"github.com/virtwatch/virt-watchdog/pkg/tracker"
)

// Escalating countdown notices while a guest dwells in Suspicious. Each
// threshold is announced at most once per degradation episode.
var graceWarnThresholds = []time.Duration{
	1 * time.Minute,
	2 * time.Minute,
	3 * time.Minute,
	4 * time.Minute,
	5 * time.Minute,
	10 * time.Minute,
	15 * time.Minute,
	30 * time.Minute,
	1 * time.Hour,
	2 * time.Hour,
}

func (m *Manager) maybeWarn(gm *guestMonitor, evidence tracker.Record, now time.Time) {
	guest := gm.guest

	deadline := evidence.LastFresh.Add(guest.Policy.Grace())
	remaining := deadline.Sub(now)
	if remaining <= 0 {
		return
	}

	// Smallest threshold that does not undershoot the remaining time.
	threshold := graceWarnThresholds[len(graceWarnThresholds)-1]
	for _, t := range graceWarnThresholds {
		if t > remaining {
			threshold = t
			break
		}
	}

	gm.mu.Lock()
	if gm.warnedThreshold == threshold {
		gm.mu.Unlock()
		return
	}
	gm.warnedThreshold = threshold
	gm.mu.Unlock()

	m.notify(guest, detector.StateSuspicious, detector.StateSuspicious, now,
		fmt.Sprintf("Guest will be reset in %s unless a fresh liveness token arrives",
			units.HumanDuration(remaining)))
}
