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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDispatcher struct {
	dispatched []uint64
	cap        int
}

func (f *fakeDispatcher) Dispatch(e *Event) error {
	if f.cap > 0 && len(f.dispatched) >= f.cap {
		return nil // stays queued, mimics "no room" from WorkerPool
	}
	f.dispatched = append(f.dispatched, e.Seqnum)
	e.State = Running
	return nil
}

func mustInsert(t *testing.T, q *EventQueue, e *Event) {
	t.Helper()
	require.NoError(t, q.Insert(e))
}

// Scenario 1: two events on the same devpath dispatch in order.
func TestQueue_SameDevpathOrdersStrictly(t *testing.T) {
	q := NewEventQueue()
	e10 := &Event{Seqnum: 10, Devpath: "/devices/pci/a"}
	e11 := &Event{Seqnum: 11, Devpath: "/devices/pci/a"}
	mustInsert(t, q, e10)
	mustInsert(t, q, e11)

	d := &fakeDispatcher{}
	q.Start(d)
	assert.Equal(t, []uint64{10}, d.dispatched)
	assert.Equal(t, Running, e10.State)
	assert.Equal(t, Queued, e11.State)

	// e10 completes and is removed; e11 is now unblocked.
	q.Remove(10)
	q.Start(d)
	assert.Equal(t, []uint64{10, 11}, d.dispatched)
}

// Scenario 2: ancestor/descendant devpaths block even with differing devnums.
func TestQueue_AncestorBlocksDescendant(t *testing.T) {
	q := NewEventQueue()
	ancestor := &Event{Seqnum: 10, Devpath: "/devices/pci", DevNum: DevNum{Major: 1, Minor: 1}}
	descendant := &Event{Seqnum: 11, Devpath: "/devices/pci/a", DevNum: DevNum{Major: 2, Minor: 2}}
	mustInsert(t, q, ancestor)
	mustInsert(t, q, descendant)

	d := &fakeDispatcher{}
	q.Start(d)
	assert.Equal(t, []uint64{10}, d.dispatched)
	assert.Equal(t, Queued, descendant.State)
}

// Scenario 3: a rename blocks on its previous devpath.
func TestQueue_RenameBlocksOnOldPath(t *testing.T) {
	q := NewEventQueue()
	original := &Event{Seqnum: 10, Devpath: "/devices/x"}
	renamed := &Event{Seqnum: 11, Devpath: "/devices/y", DevpathOld: "/devices/x"}
	mustInsert(t, q, original)
	mustInsert(t, q, renamed)

	d := &fakeDispatcher{}
	q.Start(d)
	assert.Equal(t, []uint64{10}, d.dispatched)
}

// Scenario 4: independent events dispatch concurrently, subject only to cap.
func TestQueue_IndependentEventsDispatchTogether(t *testing.T) {
	q := NewEventQueue()
	a := &Event{Seqnum: 10, Devpath: "/devices/a"}
	b := &Event{Seqnum: 11, Devpath: "/devices/b"}
	mustInsert(t, q, a)
	mustInsert(t, q, b)

	d := &fakeDispatcher{cap: 2}
	q.Start(d)
	assert.ElementsMatch(t, []uint64{10, 11}, d.dispatched)
}

// A blocked event does not prevent a later, independent event from
// dispatching in the same pass.
func TestQueue_BlockedEventDoesNotStallLaterIndependentEvent(t *testing.T) {
	q := NewEventQueue()
	blocker := &Event{Seqnum: 10, Devpath: "/devices/a"}
	blocked := &Event{Seqnum: 11, Devpath: "/devices/a"}
	independent := &Event{Seqnum: 12, Devpath: "/devices/z"}
	mustInsert(t, q, blocker)
	mustInsert(t, q, blocked)
	mustInsert(t, q, independent)

	d := &fakeDispatcher{}
	q.Start(d)
	assert.Equal(t, []uint64{10, 12}, d.dispatched)
}

// P5: memoization soundness. Once the memoized blocker is gone and
// isBlocked returns false, no lower-or-equal-seqnum entry still blocks.
func TestQueue_MemoizationClearsAfterBlockerRemoved(t *testing.T) {
	q := NewEventQueue()
	l1 := &Event{Seqnum: 5, Devpath: "/devices/a"}
	l2 := &Event{Seqnum: 7, Devpath: "/devices/a"}
	e := &Event{Seqnum: 9, Devpath: "/devices/a"}
	mustInsert(t, q, l1)
	mustInsert(t, q, l2)
	mustInsert(t, q, e)

	assert.True(t, q.isBlocked(e))
	assert.Equal(t, uint64(5), e.DelayingSeqnum)

	q.Remove(5)
	// l2 (seqnum 7) is still < e's seqnum and still matches; memoization
	// must re-scan from the start since the memoized blocker (5) is gone.
	assert.True(t, q.isBlocked(e))
	assert.Equal(t, uint64(7), e.DelayingSeqnum)

	q.Remove(7)
	assert.False(t, q.isBlocked(e))
}

func TestQueue_CleanupFiltersByState(t *testing.T) {
	q := NewEventQueue()
	queued := &Event{Seqnum: 1, State: Queued}
	running := &Event{Seqnum: 2, State: Running}
	mustInsert(t, q, queued)
	mustInsert(t, q, running)

	q.Cleanup(FilterQueued)
	_, ok := q.Get(1)
	assert.False(t, ok)
	_, ok = q.Get(2)
	assert.True(t, ok)

	q.Cleanup(FilterAny)
	assert.True(t, q.IsEmpty())
}

func TestQueue_InsertRejectsNil(t *testing.T) {
	q := NewEventQueue()
	err := q.Insert(nil)
	assert.ErrorIs(t, err, ErrQueueFull)
}
