/*
 * Copyright (c) 2025. Virt-Watchdog Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package event

import (
	"sync"
	"sync/atomic"

	"github.com/containerd/log"
)

const defaultQueueDepth = 128

// Dispatcher decouples the poll loop from sink latency. Notify enqueues
// without blocking; a single worker goroutine drains the queue towards the
// downstream sink. When the queue is full the event is dropped and counted,
// never waited on.
type Dispatcher struct {
	sink  Sink
	queue chan Event
	wg    sync.WaitGroup

	// Guards queue closure against concurrent Notify.
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

func NewDispatcher(sink Sink, depth int) *Dispatcher {
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	d := &Dispatcher{
		sink:  sink,
		queue: make(chan Event, depth),
	}

	d.wg.Add(1)
	go d.run()

	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for ev := range d.queue {
		d.sink.Notify(ev)
	}
}

// Notify enqueues the event. It never blocks.
func (d *Dispatcher) Notify(ev Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return
	}

	select {
	case d.queue <- ev:
	default:
		n := d.dropped.Add(1)
		log.L.Warnf("Event queue full, dropped event for guest %s (%d dropped so far)", ev.GuestID, n)
	}
}

// Dropped returns how many events were discarded due to backpressure.
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Close drains queued events and stops the worker.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	d.wg.Wait()
}
