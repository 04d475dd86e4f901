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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/united-manufacturing-hub/devicebroker/internal/reactor"
)

type fakeReactor struct {
	queued []reactor.Ready
}

func (r *fakeReactor) Register(reactor.Source, int) error { return nil }
func (r *fakeReactor) Unregister(reactor.Source) error    { return nil }
func (r *fakeReactor) Close() error                       { return nil }
func (r *fakeReactor) Wait(time.Duration) (reactor.Ready, error) {
	if len(r.queued) == 0 {
		return 0, nil
	}
	next := r.queued[0]
	r.queued = r.queued[1:]
	return next, nil
}

type fakeNetlink struct{ events []*Event }

func (f *fakeNetlink) Fd() int { return 1 }
func (f *fakeNetlink) Drain(q *EventQueue) error {
	for _, e := range f.events {
		if err := q.Insert(e); err != nil {
			return err
		}
	}
	f.events = nil
	return nil
}

type fakeRulePoller struct{ changed bool }

func (f *fakeRulePoller) Changed() bool { return f.changed }

func newTestLoop(t *testing.T, cap int) (*Loop, *fakeReactor, *fakeNetlink) {
	pool, _, _, _ := newTestPool(cap)
	b := NewBroker(NewEventQueue(), pool)
	s := NewSupervisor(t.TempDir() + "/queue")
	s.MarkRunning()
	r := &fakeReactor{}
	nl := &fakeNetlink{}
	return &Loop{
		Reactor:    r,
		Broker:     b,
		Supervisor: s,
		Netlink:    nl,
	}, r, nl
}

func TestLoop_NetlinkEventGetsQueuedAndDispatched(t *testing.T) {
	loop, r, nl := newTestLoop(t, 2)
	nl.events = []*Event{{Seqnum: 1, Devpath: "/devices/a"}}
	r.queued = []reactor.Ready{readyBitForTest(reactor.SourceNetlink)}

	require.NoError(t, loop.iterate(time.Now))

	e, found := loop.Broker.Queue.Get(1)
	require.True(t, found)
	assert.Equal(t, Running, e.State)
}

func TestLoop_ReloadKillsWorkersThenClearsFlag(t *testing.T) {
	loop, r, _ := newTestLoop(t, 2)
	require.NoError(t, loop.Broker.Queue.Insert(&Event{Seqnum: 1}))
	require.NoError(t, loop.Broker.Pool.Dispatch(&Event{Seqnum: 1}))
	loop.Broker.Reload = true
	r.queued = []reactor.Ready{0}

	require.NoError(t, loop.iterate(time.Now))

	assert.False(t, loop.Broker.Reload)
	for _, w := range loop.Broker.Pool.Workers() {
		assert.Equal(t, WorkerKilled, w.State)
	}
}

func TestLoop_RulePollSetsReloadOnChange(t *testing.T) {
	loop, r, _ := newTestLoop(t, 2)
	loop.Rules = &fakeRulePoller{changed: true}
	require.NoError(t, loop.Broker.Pool.Dispatch(&Event{Seqnum: 1}))
	require.Equal(t, 1, loop.Broker.Pool.Size())
	r.queued = []reactor.Ready{0}

	// The poll (step 4) sets Reload and step 5 of the same iteration acts
	// on it: every worker is killed and the flag is cleared again.
	base := time.Now()
	require.NoError(t, loop.iterate(func() time.Time { return base }))
	for _, w := range loop.Broker.Pool.Workers() {
		assert.Equal(t, WorkerKilled, w.State)
	}
	assert.False(t, loop.Broker.Reload)
}

func TestLoop_ExitSuppressesInotifyAndControl(t *testing.T) {
	loop, r, _ := newTestLoop(t, 2)
	loop.Broker.UdevExit = true
	r.queued = []reactor.Ready{readyBitForTest(reactor.SourceInotify) | readyBitForTest(reactor.SourceControl)}

	// Inotify/Control are nil here; the point is iterate must not panic
	// trying to reach them once UdevExit is set ("then (if not exiting)
	// inotify, then control").
	require.NoError(t, loop.iterate(time.Now))
}

// Scenario: Running -> Draining purges still-queued events and kills every
// worker outright rather than waiting for events to drain naturally.
func TestLoop_ExitPurgesQueueAndKillsWorkersBeforeDraining(t *testing.T) {
	loop, r, _ := newTestLoop(t, 2)
	running := &Event{Seqnum: 1, Devpath: "/devices/a"}
	queued := &Event{Seqnum: 2, Devpath: "/devices/b"}
	require.NoError(t, loop.Broker.Queue.Insert(running))
	require.NoError(t, loop.Broker.Queue.Insert(queued))
	require.NoError(t, loop.Broker.Pool.Dispatch(running))
	queued.State = Queued

	loop.Broker.UdevExit = true
	r.queued = []reactor.Ready{0}

	require.NoError(t, loop.iterate(time.Now))

	_, stillQueued := loop.Broker.Queue.Get(2)
	assert.False(t, stillQueued, "queued event must be purged on drain entry")
	for _, w := range loop.Broker.Pool.Workers() {
		assert.Equal(t, WorkerKilled, w.State)
	}
	assert.Equal(t, StateDraining, loop.Supervisor.State())
}

// TestLoop_IdleCullAndMetricsSampleRunInline verifies review comment 1's
// fix: killing idle workers and updating gauges happen as ordinary steps
// of iterate on the single goroutine driving it, not on a second
// goroutine racing Broker's unsynchronized map-backed state.
func TestLoop_IdleCullAndMetricsSampleRunInline(t *testing.T) {
	loop, r, _ := newTestLoop(t, 2)
	reg := prometheus.NewRegistry()
	loop.Metrics = NewMetrics(reg)

	e := &Event{Seqnum: 1, Devpath: "/devices/a"}
	require.NoError(t, loop.Broker.Queue.Insert(e))
	require.NoError(t, loop.Broker.Pool.Dispatch(e))
	loop.Broker.Pool.OnCompletion(1, loop.Broker.Queue)
	require.Equal(t, 1, loop.Broker.Pool.Size(), "worker should still exist, just idle")

	// lastIdleCull/lastMetricsSample start at their zero value, so the
	// very first iterate call already clears both intervals; the point
	// under test is that this happens synchronously inside the calls
	// this test goroutine makes, with no separate ticker goroutine
	// racing Broker's queue/pool. Metrics.Sample runs before the cull
	// within one iterate call, so it still reports the pre-cull worker
	// count on this first pass.
	base := time.Now()
	r.queued = []reactor.Ready{0}
	require.NoError(t, loop.iterate(func() time.Time { return base }))

	assert.Equal(t, 0, loop.Broker.Pool.Size(), "idle worker should have been culled inline")
	assert.Equal(t, float64(1), testutil.ToFloat64(loop.Metrics.WorkersTotal), "sampled before the cull ran")

	// A second dispatch proves the cull ran through the real map-delete
	// path (KillIdle), not just a state flip: with no idle worker left
	// to reuse, Dispatch has to spawn a fresh one.
	e2 := &Event{Seqnum: 2, Devpath: "/devices/b"}
	require.NoError(t, loop.Broker.Queue.Insert(e2))
	require.NoError(t, loop.Broker.Pool.Dispatch(e2))
	assert.Equal(t, 1, loop.Broker.Pool.Size())

	r.queued = []reactor.Ready{0}
	require.NoError(t, loop.iterate(func() time.Time { return base.Add(metricsSampleInterval + time.Second) }))
	assert.Equal(t, float64(1), testutil.ToFloat64(loop.Metrics.WorkersTotal), "second sample reflects the freshly spawned worker")
}

func readyBitForTest(s reactor.Source) reactor.Ready {
	var r reactor.Ready
	// mirrors reactor's unexported readyBit via the public Has/bit contract
	for i := 0; i < 5; i++ {
		if reactor.Source(i) == s {
			r = 1 << uint(i)
		}
	}
	return r
}
