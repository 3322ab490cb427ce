/*
 * Copyright (c) 2025. Virt-Watchdog Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package event

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virtwatch/virt-watchdog/pkg/detector"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	// When non-nil, Notify blocks until the gate closes.
	gate chan struct{}
}

func (s *recordingSink) Notify(ev Event) {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func testEvent(id string) Event {
	return Event{
		GuestID:   id,
		GuestName: "db-primary",
		Previous:  detector.StateHealthy,
		Current:   detector.StateSuspicious,
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Details:   "no fresh token for 11s",
	}
}

func TestDispatcherDeliversInOrder(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(sink, 16)

	for i := 0; i < 10; i++ {
		d.Notify(testEvent(fmt.Sprintf("%d", i)))
	}
	d.Close()

	got := sink.snapshot()
	require.Len(t, got, 10)
	for i, ev := range got {
		assert.Equal(t, fmt.Sprintf("%d", i), ev.GuestID)
	}
	assert.Zero(t, d.Dropped())
}

func TestDispatcherDropsUnderBackpressure(t *testing.T) {
	sink := &recordingSink{gate: make(chan struct{})}
	d := NewDispatcher(sink, 2)

	// One event is pulled by the worker and blocks on the gate, two fill
	// the queue, the rest must be dropped without blocking.
	for i := 0; i < 10; i++ {
		d.Notify(testEvent(fmt.Sprintf("%d", i)))
	}

	assert.GreaterOrEqual(t, d.Dropped(), uint64(7))

	close(sink.gate)
	d.Close()

	assert.LessOrEqual(t, len(sink.snapshot()), 3)
}

func TestDispatcherCloseIsIdempotentAndSafe(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(sink, 4)

	d.Notify(testEvent("a"))
	d.Close()
	d.Close()

	// Notify after Close is a no-op, not a panic.
	d.Notify(testEvent("b"))

	got := sink.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].GuestID)
}

func TestDispatcherConcurrentNotifyAndClose(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(sink, 64)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				d.Notify(testEvent(fmt.Sprintf("%d-%d", n, j)))
			}
		}(i)
	}

	d.Close()
	wg.Wait()
	// No assertion on counts: this test exists for the race detector.
}

func TestMultiSinkFansOut(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{}

	MultiSink{a, b}.Notify(testEvent("x"))

	assert.Len(t, a.snapshot(), 1)
	assert.Len(t, b.snapshot(), 1)
}
