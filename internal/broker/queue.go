// Copyright 2026 The DeviceBroker Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package broker

import (
	"errors"

	"go.uber.org/zap"
)

// ErrQueueFull is returned by Insert when it is handed a nil Event, the
// case of an event that could not be allocated. The kernel's uevent is
// lost; this is treated as non-recoverable.
var ErrQueueFull = errors.New("devicebroker: out of memory inserting event")

// StateFilter selects which events Cleanup removes.
type StateFilter int

const (
	// FilterQueued removes only Queued events.
	FilterQueued StateFilter = iota
	// FilterAny removes every event regardless of state.
	FilterAny
)

// Dispatcher attaches an Event to a worker, or leaves it Queued if no
// worker is available. It is WorkerPool's sole surface the queue depends
// on, kept narrow so queue.go can be tested without a real pool.
type Dispatcher interface {
	Dispatch(e *Event) error
}

// EventQueue is the ordered, insertion-order (= seqnum-order) list of
// pending device events and the scheduling logic that decides which of
// them may run concurrently. It is owned and mutated only by the reactor
// goroutine: single Broker value, no locks.
type EventQueue struct {
	events []*Event // insertion order; never reordered
}

// NewEventQueue returns an empty queue.
func NewEventQueue() *EventQueue {
	return &EventQueue{}
}

// Insert appends a freshly observed device change to the tail of the
// queue. There is no duplicate-seqnum filtering: a repeated seqnum is a
// kernel bug the broker is not responsible for catching.
func (q *EventQueue) Insert(e *Event) error {
	if e == nil {
		return ErrQueueFull
	}
	q.events = append(q.events, e)
	return nil
}

// IsEmpty reports whether the queue holds any event at all, used by the
// supervisor's idle detection and the /run/udev/queue marker.
func (q *EventQueue) IsEmpty() bool {
	return len(q.events) == 0
}

// Len returns the number of events currently tracked, queued or running.
func (q *EventQueue) Len() int {
	return len(q.events)
}

// Cleanup removes events matching filter, used during supervisor drain
// to purge still-queued work before shutdown.
func (q *EventQueue) Cleanup(filter StateFilter) {
	if filter == FilterAny {
		q.events = nil
		return
	}
	kept := q.events[:0]
	for _, e := range q.events {
		if e.State != Queued {
			kept = append(kept, e)
		}
	}
	q.events = kept
}

// isBlocked runs the memoized scan for whether e is blocked by an earlier,
// still-present event.
func (q *EventQueue) isBlocked(e *Event) bool {
	start := 0
	if e.DelayingSeqnum != 0 {
		// Entries with seqnum < DelayingSeqnum cannot be a new first
		// blocker: the queue drains in order, so if the memoized
		// blocker is gone, nothing earlier than it can still be here.
		for i, l := range q.events {
			if l.Seqnum >= e.DelayingSeqnum {
				start = i
				break
			}
		}
	}
	for _, l := range q.events[start:] {
		if l.Seqnum >= e.Seqnum {
			break // reached e itself; scan is over
		}
		if l.Seqnum == e.DelayingSeqnum {
			return true // memoized blocker is still present
		}
		if blocks(e, l) {
			e.DelayingSeqnum = l.Seqnum
			return true
		}
	}
	return false
}

// Start scans the queue head-to-tail and attempts to dispatch every
// Queued event that is not blocked. It does not stop at the first
// non-dispatched event: a blocked event never prevents a
// later, independent event from running.
func (q *EventQueue) Start(d Dispatcher) {
	for _, e := range q.events {
		if e.State != Queued {
			continue
		}
		if q.isBlocked(e) {
			continue
		}
		if err := d.Dispatch(e); err != nil {
			zap.S().Warnw("dispatch failed, leaving event queued", "seqnum", e.Seqnum, "error", err)
		}
	}
}

// Remove drops an event from the queue outright, used when a reload or
// SET_ENV kills the worker that owned it (the event is freed, not
// re-forwarded) and when a worker crash frees its event after
// re-forwarding the raw kernel event.
func (q *EventQueue) Remove(seqnum uint64) *Event {
	for i, e := range q.events {
		if e.Seqnum == seqnum {
			q.events = append(q.events[:i], q.events[i+1:]...)
			return e
		}
	}
	return nil
}

// Get returns the event with the given seqnum, if still tracked.
func (q *EventQueue) Get(seqnum uint64) (*Event, bool) {
	for _, e := range q.events {
		if e.Seqnum == seqnum {
			return e, true
		}
	}
	return nil, false
}

// All returns the queue's events in seqnum order. Callers must not retain
// the slice across a Cleanup/Remove/Insert call.
func (q *EventQueue) All() []*Event {
	return q.events
}
