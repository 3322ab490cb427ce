/*
 * Copyright (c) 2025. Virt-Watchdog Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package tracker maintains the raw liveness evidence for a single guest.
// It only accounts for what was observed; all timeout and threshold policy
// lives in the detector.
package tracker

import (
	"time"

	"github.com/virtwatch/virt-watchdog/pkg/transport"
)

// Record is the liveness evidence accumulated for one guest. Stale and
// failure counters are tracked independently: a repeated token is evidence
// the guest has not fed, a transport failure says nothing about the guest
// at all.
type Record struct {
	// Last observed token. Empty until the first successful read.
	Token transport.Token
	// When a distinct token was last observed. Initialized to the moment
	// monitoring (re)starts so a silent guest gets one full grace window.
	LastFresh time.Time
	// Consecutive polls that returned the same token.
	StaleCount int
	// Consecutive polls that failed at the transport layer.
	FailCount int
	// When the current run of transport failures began. Zero when
	// FailCount is zero.
	FirstFailure time.Time
	// Whether the guest is powered on as far as the hypervisor knows.
	PowerOn bool
}

// Tracker mutates the Record for one guest. It is not safe for concurrent
// use; the owning guest monitor serializes access.
type Tracker struct {
	rec Record
	now func() time.Time
}

func New(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	t := &Tracker{now: now}
	t.rec.LastFresh = now()
	t.rec.PowerOn = true
	return t
}

// ObserveToken records a successful liveness read. It reports whether the
// token is distinct from the previous one.
func (t *Tracker) ObserveToken(token transport.Token) (fresh bool) {
	t.rec.FailCount = 0
	t.rec.FirstFailure = time.Time{}

	if token != t.rec.Token {
		t.rec.Token = token
		t.rec.LastFresh = t.now()
		t.rec.StaleCount = 0
		return true
	}

	// Same token again. Not failure by itself, the feed interval may
	// simply not have elapsed yet.
	t.rec.StaleCount++
	return false
}

// ObserveFailure records a transport-layer failure. The stale counter is
// deliberately left alone: channel trouble is evidence-neutral about the
// guest itself.
func (t *Tracker) ObserveFailure() {
	if t.rec.FailCount == 0 {
		t.rec.FirstFailure = t.now()
	}
	t.rec.FailCount++
}

// ObservePower records the hypervisor-reported power state. A power-on
// edge restarts the liveness window so a booting guest gets a full grace
// period before any verdict.
func (t *Tracker) ObservePower(on bool) {
	if on && !t.rec.PowerOn {
		t.Reset()
	}
	t.rec.PowerOn = on
}

// Reset clears all evidence and restarts the liveness window, e.g. after
// a power-on edge or monitor start.
func (t *Tracker) Reset() {
	t.rec = Record{
		LastFresh: t.now(),
		PowerOn:   true,
	}
}

// Snapshot returns a copy of the current evidence.
func (t *Tracker) Snapshot() Record {
	return t.rec
}
