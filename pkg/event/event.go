/*
 * Copyright (c) 2025. Virt-Watchdog Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package event delivers health state transitions and recovery outcomes to
// external sinks. Delivery is fire-and-forget and must never block the
// monitor's poll loop.
package event

import (
	"time"

	"github.com/containerd/log"

	"github.com/virtwatch/virt-watchdog/pkg/detector"
)

// Event describes one guest state transition or recovery milestone.
type Event struct {
	GuestID   string         `json:"guest_id"`
	GuestName string         `json:"guest_name"`
	Previous  detector.State `json:"previous"`
	Current   detector.State `json:"current"`
	Timestamp time.Time      `json:"timestamp"`
	Details   string         `json:"details"`
}

// Sink consumes events. Implementations own their delivery semantics and
// may drop events under pressure; the watchdog never waits for them.
type Sink interface {
	Notify(ev Event)
}

// LogSink writes events to the daemon log.
type LogSink struct{}

func (LogSink) Notify(ev Event) {
	log.L.WithField("guest", ev.GuestID).Infof("Guest %s (%s): %s -> %s. %s",
		ev.GuestID, ev.GuestName, ev.Previous, ev.Current, ev.Details)
}

// MultiSink fans an event out to several sinks in order.
type MultiSink []Sink

func (m MultiSink) Notify(ev Event) {
	for _, s := range m {
		s.Notify(ev)
	}
}
