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

// WorkerState is the lifecycle state of a worker subprocess.
type WorkerState int

const (
	// WorkerRunning holds exactly one Event and is executing rules for it.
	WorkerRunning WorkerState = iota
	// WorkerIdle holds no event and may be reused by the next dispatch.
	WorkerIdle
	// WorkerKilled has been sent a termination signal and is never
	// reassigned; it is waiting to be reaped.
	WorkerKilled
)

func (s WorkerState) String() string {
	switch s {
	case WorkerRunning:
		return "running"
	case WorkerIdle:
		return "idle"
	default:
		return "killed"
	}
}

// Channel is the unicast transport used to hand a single device to a
// worker. The real implementation is a SOCK_SEQPACKET socketpair created
// at spawn time (internal/broker/spawn.go); tests substitute a fake.
type Channel interface {
	Send(e *Event) error
	Close() error
}

// Worker is the broker's record of a subordinate process: its identity,
// state, and the event it currently owns. The broker never shares mutable
// memory with the process this describes — only messages cross the
// Channel and the shared completion socket.
type Worker struct {
	PID     int
	State   WorkerState
	Event   uint64 // seqnum of the owned event, 0 if none
	Channel Channel

	// Signaler lets the pool terminate the process; split out from
	// Channel because a broken unicast send must still be able to deliver SIGKILL.
	Signaler interface{ Kill() error }
}

// Attach assigns e to w and marks it Running.
func (w *Worker) Attach(e *Event) {
	w.State = WorkerRunning
	w.Event = e.Seqnum
	e.State = Running
	e.Worker = w.PID
}

// Detach clears w's owned event and marks it Idle. Killed workers are
// never detached back to Idle; callers must check State first.
func (w *Worker) Detach() {
	w.Event = 0
	w.State = WorkerIdle
}
