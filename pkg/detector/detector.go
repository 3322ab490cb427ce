/*
 * Copyright (c) 2025. Virt-Watchdog Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package detector converts liveness evidence into a health verdict.
//
// The transition function is pure: given the current state, the tracker's
// evidence, the guest's policy and the monitor's clock it computes the next
// state. Channel-failure evidence and stale-token evidence corroborate each
// other; a guest that is merely unreachable through a broken channel is
// held in Unknown instead of being declared dead.
package detector

import (
	"time"

	"github.com/virtwatch/virt-watchdog/pkg/tracker"
)

type State string

const (
	// StateHealthy means a distinct token arrived within the feed interval.
	StateHealthy State = "HEALTHY"
	// StateSuspicious means the feed interval elapsed without a fresh
	// token but the grace period has not. Advisory, never acted upon.
	StateSuspicious State = "SUSPICIOUS"
	// StateUnresponsive means the grace period elapsed with corroborated
	// evidence that the guest stopped feeding. Recovery starts here.
	StateUnresponsive State = "UNRESPONSIVE"
	// StateRecovering means a recovery attempt is active or the monitor is
	// waiting for proof of revival after a reset.
	StateRecovering State = "RECOVERING"
	// StateUnknown means the channel has been failing long enough that no
	// token could be read at all, with no stale evidence to corroborate a
	// hang. Distinct from Unresponsive so a flaky channel never triggers
	// a reset on its own.
	StateUnknown State = "UNKNOWN"
	// StatePoweredOff means the hypervisor reports the guest off.
	// Monitoring is suspended, nothing is ever reset.
	StatePoweredOff State = "POWERED_OFF"
)

// Policy is the per-guest detection configuration.
type Policy struct {
	// Expected cadence of the guest-side feeder.
	FeedInterval time.Duration
	// Grace = FeedInterval * GraceMultiplier. Must be >= 1.
	GraceMultiplier int
	// Consecutive transport failures tolerated before stale evidence is
	// considered unavailable rather than merely old.
	ChannelFailureTolerance int
	// How long sustained pure channel failure may last before escalating
	// to Unresponsive. Zero disables escalation.
	ChannelFailureEscalation time.Duration
}

// Grace returns the tolerated window without a fresh token.
func (p Policy) Grace() time.Duration {
	return p.FeedInterval * time.Duration(p.GraceMultiplier)
}

// Evaluate computes the next health state. All elapsed-time comparisons use
// the monitor's clock via `now`; nothing read from the guest participates.
func Evaluate(current State, ev tracker.Record, p Policy, now time.Time) State {
	if !ev.PowerOn {
		return StatePoweredOff
	}

	sinceFresh := now.Sub(ev.LastFresh)

	// A fresh token settles every dispute, including one pending reset:
	// success of the reset command alone is not proof of revival, a new
	// token is.
	if sinceFresh < p.FeedInterval {
		return StateHealthy
	}

	if sinceFresh < p.Grace() {
		// Recovery stays sticky until a fresh token shows up, otherwise a
		// freshly reset guest would bounce through Suspicious while booting.
		if current == StateRecovering {
			return StateRecovering
		}
		return StateSuspicious
	}

	// Grace elapsed. Decide whether the evidence is corroborated or the
	// channel itself is the problem.
	if pureChannelFailure(ev, p) {
		if p.ChannelFailureEscalation > 0 && !ev.FirstFailure.IsZero() &&
			now.Sub(ev.FirstFailure) >= p.ChannelFailureEscalation {
			return escalate(current)
		}
		if current == StateRecovering {
			return StateRecovering
		}
		return StateUnknown
	}

	return escalate(current)
}

// pureChannelFailure reports whether the only evidence on file is a run of
// transport errors: the channel has been broken past tolerance and not a
// single stale token corroborates a guest-side hang.
func pureChannelFailure(ev tracker.Record, p Policy) bool {
	return ev.FailCount >= p.ChannelFailureTolerance && ev.StaleCount == 0
}

// escalate keeps an active recovery sticky; everything else becomes
// Unresponsive so the coordinator is invoked exactly once per episode.
func escalate(current State) State {
	if current == StateRecovering {
		return StateRecovering
	}
	return StateUnresponsive
}
