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
)

// Spawner creates a new worker subprocess seeded with the given event.
// The real implementation (internal/broker/spawn.go) forks a fresh
// devicebroker process over a SOCK_SEQPACKET socketpair; tests use a fake.
type Spawner interface {
	Spawn(e *Event, props PropertiesSet) (*Worker, error)
}

// Persistence is the narrow slice of DevicePersistence the pool needs: the
// ability to drop a device's record when its worker dies mid-event.
type Persistence interface {
	DeleteRecord(devpath string) error
}

// Sink is the narrow slice of ProcessedEventSink the pool needs: re-
// publishing an event's original, unprocessed form when its worker is
// killed or crashes before finishing.
type Sink interface {
	PublishUnprocessed(e *Event) error
}

// WorkerPool spawns workers up to childrenMax, recycles idle ones,
// times out hung ones, reaps exited ones, and kills all of them on
// reload.
type WorkerPool struct {
	workers     map[int]*Worker
	childrenMax int
	spawner     Spawner
	persistence Persistence
	sink        Sink
}

// NewWorkerPool constructs a pool capped at childrenMax concurrent workers.
func NewWorkerPool(childrenMax int, spawner Spawner, persistence Persistence, sink Sink) *WorkerPool {
	return &WorkerPool{
		workers:     make(map[int]*Worker),
		childrenMax: childrenMax,
		spawner:     spawner,
		persistence: persistence,
		sink:        sink,
	}
}

// Size returns the current worker population (P3: must stay <= childrenMax).
func (p *WorkerPool) Size() int {
	return len(p.workers)
}

// SetChildrenMax updates the cap. Pre-existing workers above the new cap
// are not culled.
func (p *WorkerPool) SetChildrenMax(n int) {
	p.childrenMax = n
}

func (p *WorkerPool) idleWorker() *Worker {
	for _, w := range p.workers {
		if w.State == WorkerIdle {
			return w
		}
	}
	return nil
}

// Dispatch implements the EventQueue.Dispatcher interface: reuse an idle
// worker, else spawn a new one below cap, else leave the event Queued.
func (p *WorkerPool) Dispatch(e *Event) error {
	return p.DispatchWithProps(e, nil)
}

// DispatchWithProps is Dispatch with an explicit PropertiesSet for a
// freshly spawned worker's environment. Dispatch passes nil, so a worker
// it spawns receives none of Broker.Properties.
func (p *WorkerPool) DispatchWithProps(e *Event, props PropertiesSet) error {
	if w := p.idleWorker(); w != nil {
		if err := w.Channel.Send(e); err != nil {
			p.killBroken(w)
			return err
		}
		w.Attach(e)
		e.StartTime = time.Now()
		e.Warned = false
		return nil
	}
	if len(p.workers) >= p.childrenMax {
		return nil // stays Queued; no room
	}
	w, err := p.spawner.Spawn(e, props)
	if err != nil {
		return err
	}
	w.Attach(e)
	e.StartTime = time.Now()
	e.Warned = false
	p.workers[w.PID] = w
	return nil
}

// killBroken is invoked when a unicast send fails: the worker is treated
// as broken and killed, leaving the event for the next dispatch pass
// instead of retrying immediately.
func (p *WorkerPool) killBroken(w *Worker) {
	zap.S().Warnw("worker did not accept message, killing", "pid", w.PID)
	if w.Signaler != nil {
		_ = w.Signaler.Kill()
	}
	w.State = WorkerKilled
	w.Event = 0
}

// OnCompletion handles a zero-length completion datagram whose sender pid
// was recovered from SCM_CREDENTIALS. Unknown pids (and pids we have no
// credentials for) are dropped. The completed event is removed from q
// before the worker is detached, since it is destroyed the moment its
// owning worker reports completion.
func (p *WorkerPool) OnCompletion(pid int, q *EventQueue) {
	w, ok := p.workers[pid]
	if !ok {
		zap.S().Warnw("completion from unknown worker, dropping", "pid", pid)
		return
	}
	if w.State == WorkerKilled {
		// P7: a repeated/late completion for an already-handled
		// worker is a no-op.
		zap.S().Warnw("completion for killed worker, dropping", "pid", pid)
		return
	}
	if w.Event != 0 {
		q.Remove(w.Event)
	}
	w.Detach()
}

// OnChildExit reaps a worker whose process has exited. If it died while
// holding an event, the event's persisted record is deleted and the
// original kernel event is re-forwarded unprocessed.
func (p *WorkerPool) OnChildExit(pid int, q *EventQueue) {
	w, ok := p.workers[pid]
	if !ok {
		return
	}
	if w.Event != 0 {
		if e, found := q.Get(w.Event); found {
			if err := p.persistence.DeleteRecord(e.Devpath); err != nil {
				zap.S().Warnw("failed to delete device record after worker death", "devpath", e.Devpath, "error", err)
			}
			if err := p.sink.PublishUnprocessed(e); err != nil {
				zap.S().Warnw("failed to republish unprocessed event", "seqnum", e.Seqnum, "error", err)
			}
			q.Remove(e.Seqnum)
		}
	}
	delete(p.workers, pid)
}

// KillAll terminates every non-Killed worker, used on reload and on
// SET_LOG_LEVEL/SET_ENV. The events those workers owned are freed outright,
// not re-forwarded — reload is not a failure, so it does not get the
// worker-fatal treatment.
func (p *WorkerPool) KillAll(q *EventQueue) {
	for pid, w := range p.workers {
		if w.State == WorkerKilled {
			continue
		}
		zap.S().Infow("killing worker", "pid", pid)
		if w.Signaler != nil {
			_ = w.Signaler.Kill()
		}
		w.State = WorkerKilled
		if w.Event != 0 {
			q.Remove(w.Event)
			w.Event = 0
		}
	}
}

// TimeoutSweep warns on workers that have run longer than warn and kills
// (SIGKILL) those that have exceeded fatal.
func (p *WorkerPool) TimeoutSweep(now time.Time, warn, fatal time.Duration, q *EventQueue) {
	for _, w := range p.workers {
		if w.State != WorkerRunning {
			continue
		}
		e, found := q.Get(w.Event)
		if !found {
			continue
		}
		elapsed := now.Sub(e.StartTime)
		if elapsed > fatal {
			zap.S().Errorw("worker event timed out, killing", "pid", w.PID, "seqnum", e.Seqnum, "elapsed", elapsed)
			if w.Signaler != nil {
				_ = w.Signaler.Kill()
			}
			w.State = WorkerKilled
			if err := p.persistence.DeleteRecord(e.Devpath); err != nil {
				zap.S().Warnw("failed to delete device record after timeout", "devpath", e.Devpath, "error", err)
			}
			if err := p.sink.PublishUnprocessed(e); err != nil {
				zap.S().Warnw("failed to republish unprocessed event", "seqnum", e.Seqnum, "error", err)
			}
			q.Remove(e.Seqnum)
			continue
		}
		if elapsed > warn && !e.Warned {
			zap.S().Warnw("worker taking a long time", "pid", w.PID, "seqnum", e.Seqnum, "elapsed", elapsed)
			e.Warned = true
		}
	}
}

// KillIdle sweeps idle workers when the queue is empty, bounding the
// resident process count between bursts of activity.
func (p *WorkerPool) KillIdle() {
	for pid, w := range p.workers {
		if w.State != WorkerIdle {
			continue
		}
		if w.Signaler != nil {
			_ = w.Signaler.Kill()
		}
		w.State = WorkerKilled
		delete(p.workers, pid)
	}
}

// Workers exposes the live worker set for the supervisor's drain-complete
// check.
func (p *WorkerPool) Workers() map[int]*Worker {
	return p.workers
}
