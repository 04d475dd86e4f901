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
	"os"
	"time"

	"go.uber.org/zap"
)

// SupervisorState is one of the four states of the top-level daemon
// lifecycle.
type SupervisorState int32

const (
	StateStarting SupervisorState = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s SupervisorState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	default:
		return "stopped"
	}
}

// DrainTimeout bounds how long Draining waits for workers to reap before
// forcing a transition to Stopped. internal/gracefulShutdown.go hardcoded
// the same 30s ceiling for its own shutdown-task deadline, which lines up
// with the 30s worker-drain ceiling here, so no new constant needed
// inventing.
const DrainTimeout = 30 * time.Second

// Supervisor tracks the daemon's lifecycle state and the /run/udev/queue
// busy marker external "settle" tooling polls. It is the
// generalization of internal/gracefulShutdown.go: same signal-driven,
// timeout-bounded shutdown shape, but modeled as an explicit state machine
// instead of a single shuttingDown boolean, to distinguish Draining (still
// reaping workers) from Stopped.
type Supervisor struct {
	state         SupervisorState
	markerPath    string
	markerExists  bool
	drainDeadline time.Time
}

// NewSupervisor returns a Supervisor in the Starting state, using
// markerPath (normally /run/udev/queue) for the settle marker.
func NewSupervisor(markerPath string) *Supervisor {
	return &Supervisor{state: StateStarting, markerPath: markerPath}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() SupervisorState {
	return s.state
}

// MarkRunning transitions Starting -> Running once initialization has
// completed (sockets bound, rules readable, etc.).
func (s *Supervisor) MarkRunning() {
	s.state = StateRunning
	zap.S().Info("devicebroker running")
}

// BeginDrain transitions Running -> Draining. Unregistering sources and
// purging/killing is the caller's job (the reactor owns the sockets);
// this only flips the state and arms the 30s ceiling.
func (s *Supervisor) BeginDrain(now time.Time) {
	s.state = StateDraining
	s.drainDeadline = now.Add(DrainTimeout)
	zap.S().Infow("draining", "timeout", DrainTimeout)
}

// DrainExpired reports whether the 30s ceiling has passed, forcing a
// break out of Draining regardless of outstanding workers.
func (s *Supervisor) DrainExpired(now time.Time) bool {
	return s.state == StateDraining && !now.Before(s.drainDeadline)
}

// MaybeFinishDrain transitions Draining -> Stopped once both the event
// list and worker map are empty, or the timeout has expired.
func (s *Supervisor) MaybeFinishDrain(now time.Time, q *EventQueue, p *WorkerPool) bool {
	if s.state != StateDraining {
		return false
	}
	if (q.IsEmpty() && len(p.Workers()) == 0) || s.DrainExpired(now) {
		s.state = StateStopped
		zap.S().Info("drain complete, stopping")
		return true
	}
	return false
}

// UpdateMarker creates or removes the settle marker file to match busy,
// idempotently (P6: existence must track "queue is non-empty" at every
// quiescent point between handler invocations).
func (s *Supervisor) UpdateMarker(busy bool) error {
	if busy == s.markerExists {
		return nil
	}
	if busy {
		f, err := os.Create(s.markerPath)
		if err != nil {
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		s.markerExists = true
		return nil
	}
	if err := os.Remove(s.markerPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	s.markerExists = false
	return nil
}
