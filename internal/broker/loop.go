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
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/devicebroker/internal"
	"github.com/united-manufacturing-hub/devicebroker/internal/reactor"
)

// activeTimeout and DrainTimeout are two of the three epoll_wait timeouts
// the reactor cycles through (the third, fully idle, is -1 and needs no
// constant). defaultWorkerFatal/defaultWorkerWarn are the worker hang
// thresholds used when Loop.WorkerFatal/WorkerWarn are left at their zero
// value; defaultWorkerFatal matches the 180s default event timeout, and
// defaultWorkerWarn is a third of it, same as Loop.WorkerWarn's derived
// default in cmd/devicebroker's flag wiring.
var (
	activeTimeout         = 3 * time.Second
	rulePollInterval      = 3 * time.Second
	defaultWorkerFatal    = 180 * time.Second
	defaultWorkerWarn     = defaultWorkerFatal / 3
	metricsSampleInterval = internal.OneSecond
	idleCullInterval      = 3 * time.Second
)

// WorkerResultSource drains completion/child-exit notifications from the
// shared credentialed datagram channel.
type WorkerResultSource interface {
	Fd() int
	Drain(pool *WorkerPool, q *EventQueue)
}

// NetlinkSource drains kernel uevents into the queue.
type NetlinkSource interface {
	Fd() int
	Drain(q *EventQueue) error
}

// SignalSource drains pending signals, reporting whether a termination
// signal arrived and which child pids were reaped via SIGCHLD.
type SignalSource interface {
	Fd() int
	Drain() (terminate bool, reaped []int)
}

// InotifySource drains filesystem watch events. A CLOSE_WRITE on a
// watched devnode provokes the kernel into emitting its own uevents
// (partition-table reread or sysfs uevent write), so InotifySource is
// handed the netlink source to re-drain immediately afterward.
type InotifySource interface {
	Fd() int
	Drain(q *EventQueue, netlink NetlinkSource) error
}

// ControlSource drains administrative commands off the control socket.
type ControlSource interface {
	Fd() int
	Drain(cp *ControlPlane, b *Broker)
}

// RulePoller reports whether the rule set or relevant built-in timestamps
// have changed since the last poll.
type RulePoller interface {
	Changed() bool
}

// Loop is the single-threaded reactor pump: it owns the Broker, the
// Supervisor, and the five registered sources, and implements the
// fixed-order processing those sources require. Metrics sampling and the
// idle-worker cull are reactor-owned steps too, not separate goroutines:
// Broker's map-backed state (EventQueue, WorkerPool) has exactly one
// writer, the goroutine running Loop.Run.
type Loop struct {
	Reactor      reactor.Reactor
	Broker       *Broker
	Supervisor   *Supervisor
	Rules        RulePoller
	ControlPlane *ControlPlane
	Metrics      *Metrics // optional; nil disables sampling

	WorkerResults WorkerResultSource
	Netlink       NetlinkSource
	Signals       SignalSource
	Inotify       InotifySource
	Control       ControlSource

	// WorkerFatal/WorkerWarn override defaultWorkerFatal/defaultWorkerWarn
	// when non-zero; cmd/devicebroker sets these from --event-timeout.
	WorkerFatal time.Duration
	WorkerWarn  time.Duration

	lastRulePoll      time.Time
	lastMetricsSample time.Time
	lastIdleCull      time.Time
}

// Run executes iterations of the reactor loop until the Supervisor reaches
// StateStopped. now is a clock function rather than time.Now so tests can
// drive it deterministically; production callers pass time.Now.
func (l *Loop) Run(now func() time.Time) error {
	for l.Supervisor.State() != StateStopped {
		if err := l.iterate(now); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loop) timeout() time.Duration {
	switch {
	case l.Supervisor.State() == StateDraining:
		return DrainTimeout
	case !l.Broker.Queue.IsEmpty() || l.Broker.Pool.Size() > 0:
		return activeTimeout
	default:
		return -1
	}
}

// iterate runs exactly one pass of the reactor's six numbered steps.
func (l *Loop) iterate(now func() time.Time) error {
	// Step 1: compute timeout.
	timeout := l.timeout()

	// Step 2: wait for readiness.
	ready, err := l.Reactor.Wait(timeout)
	if err != nil {
		return err
	}

	// Step 3: fixed processing order.
	if ready.Has(reactor.SourceWorkerResult) && l.WorkerResults != nil {
		l.WorkerResults.Drain(l.Broker.Pool, l.Broker.Queue)
	}
	if ready.Has(reactor.SourceNetlink) && l.Netlink != nil {
		if err := l.Netlink.Drain(l.Broker.Queue); err != nil {
			zap.S().Warnw("netlink drain failed", "error", err)
		}
	}
	terminate := false
	if ready.Has(reactor.SourceSignal) && l.Signals != nil {
		var reaped []int
		terminate, reaped = l.Signals.Drain()
		for _, pid := range reaped {
			l.Broker.Pool.OnChildExit(pid, l.Broker.Queue)
		}
	}
	if terminate {
		l.Broker.UdevExit = true
	}
	if !l.Broker.UdevExit {
		if ready.Has(reactor.SourceInotify) && l.Inotify != nil {
			if err := l.Inotify.Drain(l.Broker.Queue, l.Netlink); err != nil {
				zap.S().Warnw("inotify drain failed", "error", err)
			}
		}
		if ready.Has(reactor.SourceControl) && l.Control != nil {
			l.Control.Drain(l.ControlPlane, l.Broker)
		}
	}

	t := now()

	// Step 4: poll the rule set every three seconds.
	if l.Rules != nil && t.Sub(l.lastRulePoll) >= rulePollInterval {
		l.lastRulePoll = t
		if l.Rules.Changed() {
			l.Broker.Reload = true
		}
	}

	// Step 5: act on reload.
	if l.Broker.Reload {
		l.Broker.Pool.KillAll(l.Broker.Queue)
		l.Broker.Reload = false
	}

	// Timeout sweep runs alongside the fixed order; it is not one of the
	// five sources but must run every iteration so a hung worker cannot
	// survive past its own readiness event.
	fatal := l.WorkerFatal
	if fatal == 0 {
		fatal = defaultWorkerFatal
	}
	warn := l.WorkerWarn
	if warn == 0 {
		warn = defaultWorkerWarn
	}
	l.Broker.Pool.TimeoutSweep(t, warn, fatal, l.Broker.Queue)

	// Metrics sampling and the idle cull are both reactor-owned polls,
	// the same shape as the rule-set poll above: read-only passes over
	// Broker's queue/pool on the one goroutine that ever mutates them.
	if l.Metrics != nil && t.Sub(l.lastMetricsSample) >= metricsSampleInterval {
		l.lastMetricsSample = t
		l.Metrics.Sample(l.Broker.Queue, l.Broker.Pool)
	}
	if t.Sub(l.lastIdleCull) >= idleCullInterval {
		l.lastIdleCull = t
		if l.Broker.Queue.IsEmpty() {
			l.Broker.Pool.KillIdle()
		}
	}

	// Step 6: start the queue unless stopped or exiting.
	if !l.Broker.StopExecQueue && !l.Broker.UdevExit {
		l.Broker.Queue.Start(l.Broker.Pool)
	}

	if err := l.Supervisor.UpdateMarker(!l.Broker.Queue.IsEmpty() || l.Broker.Pool.Size() > 0); err != nil {
		zap.S().Warnw("failed to update queue marker", "error", err)
	}

	if l.Broker.UdevExit && l.Supervisor.State() != StateDraining && l.Supervisor.State() != StateStopped {
		l.Broker.Queue.Cleanup(FilterQueued)
		l.Broker.Pool.KillAll(l.Broker.Queue)
		l.Supervisor.BeginDrain(t)
	}
	if l.Supervisor.State() == StateDraining {
		l.Supervisor.MaybeFinishDrain(t, l.Broker.Queue, l.Broker.Pool)
	}

	return nil
}
