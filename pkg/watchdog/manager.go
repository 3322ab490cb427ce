/*
 * Copyright (c) 2025. Virt-Watchdog Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package watchdog drives the monitoring loop: a global polling tick fans
// out to one bounded task per guest, each guest's evidence is tracked and
// evaluated in isolation, and unresponsive guests are handed to the
// recovery coordinator.
package watchdog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/containerd/log"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"

	"github.com/virtwatch/virt-watchdog/pkg/detector"
	"github.com/virtwatch/virt-watchdog/pkg/errdefs"
	"github.com/virtwatch/virt-watchdog/pkg/event"
	"github.com/virtwatch/virt-watchdog/pkg/metrics/collector"
	"github.com/virtwatch/virt-watchdog/pkg/recovery"
	"github.com/virtwatch/virt-watchdog/pkg/store"
	"github.com/virtwatch/virt-watchdog/pkg/tracker"
	"github.com/virtwatch/virt-watchdog/pkg/transport"
)

// guestMonitor owns one guest's mutable state. All mutation happens under
// mu; the in-flight flag keeps a slow poll from overlapping with the next
// tick for the same guest while other guests proceed.
type guestMonitor struct {
	mu      sync.Mutex
	guest   Guest
	tracker *tracker.Tracker
	state   detector.State
	polling bool
	// Last grace warning threshold announced during the current
	// degradation episode. Zero when none was sent.
	warnedThreshold time.Duration
}

// GuestStatus is a consistent point-in-time snapshot of one guest,
// served by the status API.
type GuestStatus struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Node           string          `json:"node"`
	State          detector.State  `json:"state"`
	Token          transport.Token `json:"token"`
	LastFresh      time.Time       `json:"last_fresh"`
	StaleCount     int             `json:"stale_count"`
	FailCount      int             `json:"fail_count"`
	AttemptCount   int             `json:"attempt_count"`
	RecoveryActive bool            `json:"recovery_active"`
	DryRun         bool            `json:"dry_run"`
}

type Opt struct {
	Channel     transport.Channel
	Sink        event.Sink
	Database    *store.Database // optional
	Coordinator *recovery.Coordinator

	PollInterval       time.Duration
	TransportTimeout   time.Duration
	MaxConcurrentPolls int

	// Clock override for tests.
	Now func() time.Time
}

// Manager monitors all configured guests.
type Manager struct {
	channel     transport.Channel
	sink        event.Sink
	db          *store.Database
	coordinator *recovery.Coordinator

	pollInterval     time.Duration
	transportTimeout time.Duration

	monitors cmap.ConcurrentMap[string, *guestMonitor]
	pool     *ants.Pool
	now      func() time.Time

	// Tracks in-flight poll tasks for orderly shutdown.
	polls sync.WaitGroup
}

func NewManager(opt Opt) (*Manager, error) {
	if opt.Channel == nil {
		return nil, errors.Wrap(errdefs.ErrInvalidArgument, "transport channel is required")
	}
	if opt.PollInterval <= 0 {
		return nil, errors.Wrap(errdefs.ErrInvalidArgument, "poll interval must be positive")
	}
	if opt.TransportTimeout <= 0 {
		return nil, errors.Wrap(errdefs.ErrInvalidArgument, "transport timeout must be positive")
	}
	if opt.MaxConcurrentPolls <= 0 {
		opt.MaxConcurrentPolls = 32
	}

	pool, err := ants.NewPool(opt.MaxConcurrentPolls, ants.WithNonblocking(true))
	if err != nil {
		return nil, errors.Wrap(err, "create poll worker pool")
	}

	now := opt.Now
	if now == nil {
		now = time.Now
	}

	return &Manager{
		channel:          opt.Channel,
		sink:             opt.Sink,
		db:               opt.Database,
		coordinator:      opt.Coordinator,
		pollInterval:     opt.PollInterval,
		transportTimeout: opt.TransportTimeout,
		monitors:         cmap.New[*guestMonitor](),
		pool:             pool,
		now:              now,
	}, nil
}

// AddGuest registers a guest for monitoring. Persisted attempt counters
// are restored for alerting continuity; health state is always re-derived
// from live polls, never trusted from disk.
func (m *Manager) AddGuest(guest Guest) error {
	gm := &guestMonitor{
		guest:   guest,
		tracker: tracker.New(m.now),
		state:   detector.StateHealthy,
	}

	if !m.monitors.SetIfAbsent(guest.ID, gm) {
		return errors.Wrapf(errdefs.ErrAlreadyExists, "guest %s", guest.ID)
	}

	if m.db != nil {
		if persisted, err := m.db.GetGuestState(guest.ID); err == nil {
			if m.coordinator != nil && persisted.AttemptCount > 0 {
				m.coordinator.RestoreAttemptCount(guest.ID, persisted.AttemptCount)
			}
			log.L.Infof("Guest %s last persisted state %s at %s, restarting with a fresh grace window",
				guest.ID, persisted.State, persisted.UpdatedAt.Format(time.RFC3339))
		} else if !errdefs.IsNotFound(err) {
			return errors.Wrapf(err, "load persisted state of guest %s", guest.ID)
		}
	}

	log.L.Infof("Monitoring guest %s (%s) on node %s, feed interval %s, grace %s",
		guest.ID, guest.Name, guest.Node, guest.Policy.FeedInterval, guest.Policy.Grace())

	return nil
}

// Run drives the polling loop until the context is cancelled. On return
// all in-flight polls have completed; an in-flight recovery attempt is the
// coordinator's to finish.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	log.L.Infof("Watchdog running, polling %d guests every %s", m.monitors.Count(), m.pollInterval)

	for {
		select {
		case <-ctx.Done():
			log.L.Info("Watchdog stopping, waiting for in-flight polls")
			m.polls.Wait()
			m.pool.Release()
			return ctx.Err()
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick fans one poll task per guest out to the worker pool. A guest whose
// previous poll is still running is skipped; a full pool only delays this
// tick's remaining guests to the next one.
func (m *Manager) tick(ctx context.Context) {
	for item := range m.monitors.IterBuffered() {
		gm := item.Val

		gm.mu.Lock()
		if gm.polling {
			gm.mu.Unlock()
			continue
		}
		gm.polling = true
		gm.mu.Unlock()

		m.polls.Add(1)
		err := m.pool.Submit(func() {
			defer m.polls.Done()
			defer func() {
				gm.mu.Lock()
				gm.polling = false
				gm.mu.Unlock()
			}()
			m.poll(ctx, gm)
		})
		if err != nil {
			// Nonblocking pool is saturated. Release the guard and let
			// the next tick try again.
			gm.mu.Lock()
			gm.polling = false
			gm.mu.Unlock()
			m.polls.Done()
			log.L.Warnf("Poll pool saturated, skipping guest %s this tick, %v", gm.guest.ID, err)
		}
	}
}

// poll performs one observation of one guest and feeds the result through
// tracker and detector. Every error is absorbed here; nothing a single
// guest does can bubble out of its own poll.
func (m *Manager) poll(ctx context.Context, gm *guestMonitor) {
	guest := gm.guest

	pollCtx, cancel := context.WithTimeout(ctx, m.transportTimeout)
	defer cancel()

	running, err := m.channel.Power(pollCtx, guest.Ref)
	if err != nil {
		log.L.WithError(err).Debugf("Power query for guest %s failed", guest.ID)
		m.observeFailure(gm, err)
		return
	}

	gm.mu.Lock()
	gm.tracker.ObservePower(running)
	gm.mu.Unlock()

	if !running {
		m.evaluate(gm)
		return
	}

	token, err := m.channel.ReadLiveness(pollCtx, guest.Ref)
	if err != nil {
		log.L.WithError(err).Debugf("Liveness read for guest %s failed", guest.ID)
		m.observeFailure(gm, err)
		return
	}

	gm.mu.Lock()
	fresh := gm.tracker.ObserveToken(token)
	gm.mu.Unlock()

	if fresh {
		(&collector.FreshTokenCollector{GuestID: guest.ID, SeenAt: m.now()}).Collect()
	}

	m.evaluate(gm)
}

func (m *Manager) observeFailure(gm *guestMonitor, err error) {
	gm.mu.Lock()
	gm.tracker.ObserveFailure()
	gm.mu.Unlock()

	(&collector.PollFailureCollector{GuestID: gm.guest.ID, Class: failureClass(err)}).Collect()

	m.evaluate(gm)
}

func failureClass(err error) string {
	switch {
	case errdefs.IsTimeout(err):
		return "timeout"
	case errdefs.IsChannelUnavailable(err):
		return "unavailable"
	case errdefs.IsProtocol(err):
		return "protocol"
	default:
		return "other"
	}
}

// evaluate runs the detector over the guest's current evidence and applies
// any state transition.
func (m *Manager) evaluate(gm *guestMonitor) {
	now := m.now()

	gm.mu.Lock()
	evidence := gm.tracker.Snapshot()
	current := gm.state
	next := detector.Evaluate(current, evidence, gm.guest.Policy, now)

	if next == current {
		gm.mu.Unlock()
		if current == detector.StateSuspicious {
			m.maybeWarn(gm, evidence, now)
		} else if current == detector.StateRecovering && m.coordinator != nil {
			// Retry path: the coordinator gates on in-flight and cooldown.
			m.coordinator.Trigger(gm.guest.recoveryView())
		}
		return
	}

	gm.state = next
	if next != detector.StateSuspicious {
		gm.warnedThreshold = 0
	}
	gm.mu.Unlock()

	m.transition(gm, current, next, evidence, now)
}

func (m *Manager) transition(gm *guestMonitor, from, to detector.State, evidence tracker.Record, now time.Time) {
	guest := gm.guest

	log.L.Infof("Guest %s health %s -> %s", guest.ID, from, to)
	(&collector.TransitionCollector{GuestID: guest.ID, From: from, To: to}).Collect()
	m.notify(guest, from, to, now, transitionDetails(to, evidence, guest.Policy, now))
	m.persist(gm, to, evidence, now)

	switch to {
	case detector.StateUnresponsive:
		// Entering Unresponsive invokes recovery exactly once; the state
		// moves on to Recovering immediately, whether or not the attempt
		// could start (a cooldown may still be running).
		if m.coordinator != nil {
			m.coordinator.Trigger(guest.recoveryView())
		}

		gm.mu.Lock()
		gm.state = detector.StateRecovering
		gm.mu.Unlock()

		m.notify(guest, detector.StateUnresponsive, detector.StateRecovering, m.now(), "Recovery engaged")
		(&collector.TransitionCollector{GuestID: guest.ID, From: detector.StateUnresponsive, To: detector.StateRecovering}).Collect()
		m.persist(gm, detector.StateRecovering, evidence, now)

	case detector.StateHealthy:
		if from == detector.StateRecovering && m.coordinator != nil {
			// Fresh token after a reset: the episode is closed.
			m.coordinator.ResetEpisode(guest.ID)
		}
	}
}

func (m *Manager) notify(guest Guest, from, to detector.State, now time.Time, details string) {
	if m.sink == nil {
		return
	}
	m.sink.Notify(event.Event{
		GuestID:   guest.ID,
		GuestName: guest.Name,
		Previous:  from,
		Current:   to,
		Timestamp: now,
		Details:   details,
	})
}

func (m *Manager) persist(gm *guestMonitor, state detector.State, evidence tracker.Record, now time.Time) {
	if m.db == nil {
		return
	}

	attempts := 0
	if m.coordinator != nil {
		attempts = m.coordinator.Attempts(gm.guest.ID)
	}

	record := store.GuestState{
		ID:           gm.guest.ID,
		State:        state,
		Token:        string(evidence.Token),
		LastFresh:    evidence.LastFresh,
		StaleCount:   evidence.StaleCount,
		FailCount:    evidence.FailCount,
		AttemptCount: attempts,
		UpdatedAt:    now,
	}
	if err := m.db.SaveGuestState(&record); err != nil {
		log.L.WithError(err).Warnf("Failed to persist state of guest %s", gm.guest.ID)
	}
}

// Status returns a snapshot of every monitored guest.
func (m *Manager) Status() []GuestStatus {
	statuses := make([]GuestStatus, 0, m.monitors.Count())
	for item := range m.monitors.IterBuffered() {
		statuses = append(statuses, m.snapshot(item.Val))
	}
	return statuses
}

// GuestStatus returns the snapshot of a single guest.
func (m *Manager) GuestStatus(id string) (GuestStatus, error) {
	gm, ok := m.monitors.Get(id)
	if !ok {
		return GuestStatus{}, errors.Wrapf(errdefs.ErrNotFound, "guest %s", id)
	}
	return m.snapshot(gm), nil
}

func (m *Manager) snapshot(gm *guestMonitor) GuestStatus {
	gm.mu.Lock()
	evidence := gm.tracker.Snapshot()
	state := gm.state
	gm.mu.Unlock()

	status := GuestStatus{
		ID:         gm.guest.ID,
		Name:       gm.guest.Name,
		Node:       gm.guest.Node,
		State:      state,
		Token:      evidence.Token,
		LastFresh:  evidence.LastFresh,
		StaleCount: evidence.StaleCount,
		FailCount:  evidence.FailCount,
		DryRun:     gm.guest.DryRun,
	}
	if m.coordinator != nil {
		status.AttemptCount = m.coordinator.Attempts(gm.guest.ID)
		status.RecoveryActive = m.coordinator.Active(gm.guest.ID)
	}
	return status
}

func transitionDetails(to detector.State, evidence tracker.Record, policy detector.Policy, now time.Time) string {
	switch to {
	case detector.StateSuspicious:
		return fmt.Sprintf("No fresh liveness token for %s (feed interval %s)",
			now.Sub(evidence.LastFresh).Round(time.Second), policy.FeedInterval)
	case detector.StateUnresponsive:
		return fmt.Sprintf("Grace period %s elapsed without a fresh token, %d stale polls, %d consecutive channel failures",
			policy.Grace(), evidence.StaleCount, evidence.FailCount)
	case detector.StateUnknown:
		return fmt.Sprintf("Channel failing for %d consecutive polls with no liveness evidence either way",
			evidence.FailCount)
	case detector.StatePoweredOff:
		return "Guest is powered off, monitoring suspended"
	case detector.StateHealthy:
		return "Fresh liveness token observed"
	default:
		return ""
	}
}
