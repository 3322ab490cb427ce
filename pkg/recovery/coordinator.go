/*
 * Copyright (c) 2025. Virt-Watchdog Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package recovery serializes reset actions per guest. Independent guests
// recover concurrently; a single guest never has more than one reset in
// flight and never two attempts within its cooldown window.
package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/containerd/log"
	"github.com/rs/xid"

	"github.com/virtwatch/virt-watchdog/pkg/detector"
	"github.com/virtwatch/virt-watchdog/pkg/event"
	"github.com/virtwatch/virt-watchdog/pkg/metrics/collector"
	"github.com/virtwatch/virt-watchdog/pkg/transport"
)

type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	// OutcomeDryRun marks an attempt that went through all bookkeeping
	// without issuing the reset.
	OutcomeDryRun Outcome = "dry_run"
)

// Attempt is one recovery action against one guest.
type Attempt struct {
	ID         string
	GuestID    string
	Seq        int
	StartedAt  time.Time
	FinishedAt time.Time
	Outcome    Outcome
	Error      string
	DryRun     bool
}

// Guest is the recovery-relevant slice of a guest's configuration.
type Guest struct {
	Ref      transport.GuestRef
	Name     string
	Cooldown time.Duration
	DryRun   bool
}

// Archiver persists a finished attempt. Wired to the bbolt store; a nil
// archiver keeps attempts in memory only.
type Archiver func(Attempt)

type guestRecovery struct {
	inFlight     bool
	lastFinished time.Time
	attempts     int
	lastOutcome  Outcome
}

// Coordinator guarantees per-guest at-most-one-in-flight resets with a
// cooldown between attempts. No retry cap is imposed here: a guest that
// keeps hanging keeps being reset, bounded only by the cooldown, and the
// attempt counter is surfaced for alerting.
type Coordinator struct {
	channel transport.Channel
	sink    event.Sink
	archive Archiver
	// Bound on the reset call towards the hypervisor.
	timeout time.Duration
	now     func() time.Time

	mu     sync.Mutex
	guests map[string]*guestRecovery
	wg     sync.WaitGroup
}

type Opt struct {
	Channel  transport.Channel
	Sink     event.Sink
	Archiver Archiver
	Timeout  time.Duration
	// Clock override for tests.
	Now func() time.Time
}

func NewCoordinator(opt Opt) *Coordinator {
	now := opt.Now
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		channel: opt.Channel,
		sink:    opt.Sink,
		archive: opt.Archiver,
		timeout: opt.Timeout,
		now:     now,
		guests:  make(map[string]*guestRecovery),
	}
}

func (c *Coordinator) state(id string) *guestRecovery {
	g, ok := c.guests[id]
	if !ok {
		g = &guestRecovery{}
		c.guests[id] = g
	}
	return g
}

// RestoreAttemptCount seeds the attempt counter from persisted state so
// alerting continuity survives a watchdog restart.
func (c *Coordinator) RestoreAttemptCount(guestID string, attempts int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	g := c.state(guestID)
	if attempts > g.attempts {
		g.attempts = attempts
	}
}

// Trigger starts a recovery attempt unless one is already in flight or the
// cooldown since the previous attempt has not elapsed. It returns whether
// an attempt was started. Never blocks on the reset itself.
func (c *Coordinator) Trigger(guest Guest) bool {
	c.mu.Lock()
	g := c.state(guest.Ref.ID)

	if g.inFlight {
		c.mu.Unlock()
		return false
	}
	if !g.lastFinished.IsZero() && c.now().Sub(g.lastFinished) < guest.Cooldown {
		c.mu.Unlock()
		return false
	}

	g.inFlight = true
	g.attempts++
	seq := g.attempts
	c.mu.Unlock()

	attempt := Attempt{
		ID:        xid.New().String(),
		GuestID:   guest.Ref.ID,
		Seq:       seq,
		StartedAt: c.now(),
		Outcome:   OutcomePending,
		DryRun:    guest.DryRun,
	}

	c.wg.Add(1)
	go c.run(guest, attempt)

	return true
}

func (c *Coordinator) run(guest Guest, attempt Attempt) {
	defer c.wg.Done()

	c.notify(guest, "Recovery attempt #%d started, requesting guest reset", attempt.Seq)

	if guest.DryRun {
		log.L.Infof("Dry-run: skipping reset of guest %s", guest.Ref.ID)
		attempt.Outcome = OutcomeDryRun
	} else {
		// Detached from the poll context: an in-flight reset is allowed
		// to finish even when the watchdog is shutting down.
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		err := c.channel.RequestReset(ctx, guest.Ref)
		cancel()

		if err != nil {
			log.L.WithError(err).Errorf("Reset request for guest %s failed", guest.Ref.ID)
			attempt.Outcome = OutcomeFailed
			attempt.Error = err.Error()
		} else {
			attempt.Outcome = OutcomeSucceeded
		}
	}

	attempt.FinishedAt = c.now()

	c.mu.Lock()
	g := c.state(guest.Ref.ID)
	g.inFlight = false
	g.lastFinished = attempt.FinishedAt
	g.lastOutcome = attempt.Outcome
	c.mu.Unlock()

	(&collector.RecoveryAttemptCollector{GuestID: guest.Ref.ID, Outcome: string(attempt.Outcome)}).Collect()

	if c.archive != nil {
		c.archive(attempt)
	}

	switch attempt.Outcome {
	case OutcomeFailed:
		c.notify(guest, "Recovery attempt #%d failed: %s. Next attempt after cooldown %s",
			attempt.Seq, attempt.Error, guest.Cooldown)
	case OutcomeDryRun:
		c.notify(guest, "Recovery attempt #%d finished in dry-run mode, no reset was issued", attempt.Seq)
	default:
		c.notify(guest, "Recovery attempt #%d succeeded, waiting for a fresh liveness token", attempt.Seq)
	}
}

func (c *Coordinator) notify(guest Guest, format string, args ...interface{}) {
	if c.sink == nil {
		return
	}
	c.sink.Notify(event.Event{
		GuestID:   guest.Ref.ID,
		GuestName: guest.Name,
		Previous:  detector.StateRecovering,
		Current:   detector.StateRecovering,
		Timestamp: c.now(),
		Details:   fmt.Sprintf(format, args...),
	})
}

// Active reports whether a recovery attempt is in flight for the guest.
func (c *Coordinator) Active(guestID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.guests[guestID]
	return ok && g.inFlight
}

// Attempts returns how many recovery attempts were made for the guest.
func (c *Coordinator) Attempts(guestID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.guests[guestID]
	if !ok {
		return 0
	}
	return g.attempts
}

// ResetEpisode clears the attempt counter after a guest proved revival with
// a fresh token, closing the degradation episode.
func (c *Coordinator) ResetEpisode(guestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if g, ok := c.guests[guestID]; ok && !g.inFlight {
		g.attempts = 0
		g.lastFinished = time.Time{}
	}
}

// Wait blocks until all in-flight attempts finish. Used on shutdown.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}
