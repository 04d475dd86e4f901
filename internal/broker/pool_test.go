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
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	sent   []uint64
	broken bool
}

func (c *fakeChannel) Send(e *Event) error {
	if c.broken {
		return assert.AnError
	}
	c.sent = append(c.sent, e.Seqnum)
	return nil
}

func (c *fakeChannel) Close() error { return nil }

type fakeSignaler struct{ killed bool }

func (s *fakeSignaler) Kill() error {
	s.killed = true
	return nil
}

type fakeSpawner struct {
	nextPID int
	spawned []uint64
}

func (s *fakeSpawner) Spawn(e *Event, props PropertiesSet) (*Worker, error) {
	s.nextPID++
	s.spawned = append(s.spawned, e.Seqnum)
	return &Worker{
		PID:      s.nextPID,
		State:    WorkerIdle,
		Channel:  &fakeChannel{},
		Signaler: &fakeSignaler{},
	}, nil
}

type fakePersistence struct{ deleted []string }

func (p *fakePersistence) DeleteRecord(devpath string) error {
	p.deleted = append(p.deleted, devpath)
	return nil
}

type fakeSink struct{ republished []uint64 }

func (s *fakeSink) PublishUnprocessed(e *Event) error {
	s.republished = append(s.republished, e.Seqnum)
	return nil
}

func newTestPool(cap int) (*WorkerPool, *fakeSpawner, *fakePersistence, *fakeSink) {
	spawner := &fakeSpawner{}
	persistence := &fakePersistence{}
	sink := &fakeSink{}
	return NewWorkerPool(cap, spawner, persistence, sink), spawner, persistence, sink
}

func TestPool_DispatchSpawnsWhenNoIdleWorker(t *testing.T) {
	pool, spawner, _, _ := newTestPool(2)
	e := &Event{Seqnum: 1, Devpath: "/devices/a"}
	require.NoError(t, pool.Dispatch(e))
	assert.Equal(t, []uint64{1}, spawner.spawned)
	assert.Equal(t, Running, e.State)
	assert.Equal(t, 1, pool.Size())
}

func TestPool_DispatchReusesIdleWorker(t *testing.T) {
	pool, spawner, _, _ := newTestPool(2)
	e1 := &Event{Seqnum: 1}
	require.NoError(t, pool.Dispatch(e1))
	w := pool.Workers()[1]
	w.Detach() // simulate completion

	e2 := &Event{Seqnum: 2}
	require.NoError(t, pool.Dispatch(e2))
	assert.Len(t, spawner.spawned, 1, "should not spawn a second worker when one is idle")
	assert.Equal(t, Running, e2.State)
}

// P3: cap.
func TestPool_DispatchLeavesEventQueuedAtCap(t *testing.T) {
	pool, _, _, _ := newTestPool(1)
	e1 := &Event{Seqnum: 1}
	e2 := &Event{Seqnum: 2}
	require.NoError(t, pool.Dispatch(e1))
	require.NoError(t, pool.Dispatch(e2))
	assert.Equal(t, 1, pool.Size())
	assert.Equal(t, Queued, e2.State)
}

func TestPool_OnCompletionIdempotent(t *testing.T) {
	pool, _, _, _ := newTestPool(2)
	q := NewEventQueue()
	e := &Event{Seqnum: 1}
	require.NoError(t, q.Insert(e))
	require.NoError(t, pool.Dispatch(e))
	w := pool.Workers()[1]

	pool.OnCompletion(1, q)
	assert.Equal(t, WorkerIdle, w.State)
	_, ok := q.Get(1)
	assert.False(t, ok, "completed event must be removed from the queue")

	// P7: a repeated completion for an already-idle worker is a no-op,
	// not a panic or state corruption.
	pool.OnCompletion(1, q)
	assert.Equal(t, WorkerIdle, w.State)
}

func TestPool_OnCompletionUnknownPidDropped(t *testing.T) {
	pool, _, _, _ := newTestPool(2)
	q := NewEventQueue()
	pool.OnCompletion(9999, q) // must not panic
}

// A later event sharing the same devpath as a completed one must dispatch
// once completion has cleared the earlier event from the queue: a
// completed event must not go on blocking its successors forever.
func TestPool_OnCompletionUnblocksSameDevpathSuccessor(t *testing.T) {
	pool, _, _, _ := newTestPool(2)
	q := NewEventQueue()
	e1 := &Event{Seqnum: 10, Devpath: "/devices/a"}
	e2 := &Event{Seqnum: 11, Devpath: "/devices/a"}
	require.NoError(t, q.Insert(e1))
	require.NoError(t, q.Insert(e2))
	q.Start(pool)
	assert.Equal(t, Running, e1.State)
	assert.Equal(t, Queued, e2.State, "e2 must block behind e1 on shared devpath")

	pool.OnCompletion(1, q)
	_, ok := q.Get(10)
	assert.False(t, ok)

	q.Start(pool)
	assert.Equal(t, Running, e2.State, "e2 must dispatch once e1 is gone")
}

// Scenario 5: worker timeout kills, deletes the record, and republishes.
func TestPool_TimeoutSweepKillsAndRepublishes(t *testing.T) {
	pool, _, persistence, sink := newTestPool(2)
	q := NewEventQueue()
	e := &Event{Seqnum: 1, Devpath: "/devices/a"}
	require.NoError(t, q.Insert(e))
	require.NoError(t, pool.Dispatch(e))
	w := pool.Workers()[1]
	sig := w.Signaler.(*fakeSignaler)

	e.StartTime = time.Now().Add(-2 * time.Second)
	pool.TimeoutSweep(time.Now(), 500*time.Millisecond, time.Second, q)

	assert.True(t, sig.killed)
	assert.Equal(t, WorkerKilled, w.State)
	assert.Equal(t, []string{"/devices/a"}, persistence.deleted)
	assert.Equal(t, []uint64{1}, sink.republished)
	_, found := q.Get(1)
	assert.False(t, found, "timed-out event must be removed from the queue")
}

func TestPool_TimeoutSweepWarnsOnce(t *testing.T) {
	pool, _, _, _ := newTestPool(2)
	q := NewEventQueue()
	e := &Event{Seqnum: 1}
	require.NoError(t, q.Insert(e))
	require.NoError(t, pool.Dispatch(e))

	e.StartTime = time.Now().Add(-600 * time.Millisecond)
	pool.TimeoutSweep(time.Now(), 500*time.Millisecond, time.Hour, q)
	assert.True(t, e.Warned)

	// A second sweep leaves an already-warned event marked; the warning
	// itself is a log line this test does not observe.
	e.Warned = true
	pool.TimeoutSweep(time.Now(), 500*time.Millisecond, time.Hour, q)
	assert.True(t, e.Warned)
}

// Scenario 6: reload kills all workers; queued events remain queued.
func TestPool_KillAllFreesEventsButLeavesQueuedEventsAlone(t *testing.T) {
	pool, _, _, _ := newTestPool(3)
	q := NewEventQueue()
	running := &Event{Seqnum: 1}
	queued := &Event{Seqnum: 2}
	require.NoError(t, q.Insert(running))
	require.NoError(t, q.Insert(queued))
	require.NoError(t, pool.Dispatch(running))
	// queued stays Queued because Dispatch was only called for `running`.

	pool.KillAll(q)

	for _, w := range pool.Workers() {
		assert.Equal(t, WorkerKilled, w.State)
	}
	// The running event's seqnum was freed outright: no re-forward on
	// reload, unlike a worker crash.
	_, found := q.Get(1)
	assert.False(t, found)
	// The still-queued event is untouched.
	got, found := q.Get(2)
	assert.True(t, found)
	assert.Equal(t, Queued, got.State)
}

func TestPool_OnChildExitSalvagesEventOnCrash(t *testing.T) {
	pool, _, persistence, sink := newTestPool(2)
	q := NewEventQueue()
	e := &Event{Seqnum: 1, Devpath: "/devices/a"}
	require.NoError(t, q.Insert(e))
	require.NoError(t, pool.Dispatch(e))

	pool.OnChildExit(1, q)

	assert.Equal(t, []string{"/devices/a"}, persistence.deleted)
	assert.Equal(t, []uint64{1}, sink.republished)
	_, found := q.Get(1)
	assert.False(t, found)
	assert.Equal(t, 0, pool.Size())
}

func TestPool_KillIdleSweepsOnlyIdleWorkers(t *testing.T) {
	pool, _, _, _ := newTestPool(3)
	running := &Event{Seqnum: 1}
	require.NoError(t, pool.Dispatch(running))
	idleEvent := &Event{Seqnum: 2}
	require.NoError(t, pool.Dispatch(idleEvent))
	pool.Workers()[2].Detach()

	pool.KillIdle()

	assert.Equal(t, WorkerRunning, pool.Workers()[1].State)
	_, stillThere := pool.Workers()[2]
	assert.False(t, stillThere)
}

func TestPool_SetChildrenMaxDoesNotCullExisting(t *testing.T) {
	pool, _, _, _ := newTestPool(5)
	for i := 1; i <= 3; i++ {
		require.NoError(t, pool.Dispatch(&Event{Seqnum: uint64(i)}))
	}
	pool.SetChildrenMax(1)
	assert.Equal(t, 3, pool.Size())
}
