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
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
)

// WorkerEnvVar, when present in a child's environment, tells the
// re-exec'd binary to run as a worker rather than the supervisor; its
// value is the fd number (always 3, the first ExtraFiles slot) of the
// inherited unicast channel.
const WorkerEnvVar = "DEVICEBROKER_WORKER_FD"

// CompletionSockEnvVar carries the path of the shared SOCK_DGRAM
// completion socket every worker dials to report completion.
const CompletionSockEnvVar = "DEVICEBROKER_COMPLETION_SOCK"

// wireEvent is the JSON frame sent down a worker's unicast channel: the
// subset of Event fields a worker needs to build its rule-execution
// context. Workers never see queue bookkeeping fields (DelayingSeqnum,
// Worker, StartTime) — those are parent-only.
type wireEvent struct {
	Seqnum     uint64 `json:"seqnum"`
	Devpath    string `json:"devpath"`
	DevpathOld string `json:"devpath_old,omitempty"`
	DevMajor   uint32 `json:"dev_major,omitempty"`
	DevMinor   uint32 `json:"dev_minor,omitempty"`
	IsBlock    bool   `json:"is_block,omitempty"`
	Ifindex    uint32 `json:"ifindex,omitempty"`
	Subsystem  string `json:"subsystem"`
	Action     string `json:"action"`
	Devtype    string `json:"devtype,omitempty"`
	Sysname    string `json:"sysname"`
}

func toWireEvent(e *Event) wireEvent {
	return wireEvent{
		Seqnum:     e.Seqnum,
		Devpath:    e.Devpath,
		DevpathOld: e.DevpathOld,
		DevMajor:   e.DevNum.Major,
		DevMinor:   e.DevNum.Minor,
		IsBlock:    e.IsBlock,
		Ifindex:    e.Ifindex,
		Subsystem:  e.Subsystem,
		Action:     e.Action,
		Devtype:    e.Devtype,
		Sysname:    e.Sysname,
	}
}

// socketChannel is the parent-side handle on a worker's unicast channel:
// one end of a SOCK_SEQPACKET socketpair. Each Send writes one complete
// JSON datagram, matching SOCK_SEQPACKET's message-boundary-preserving
// semantics (no framing length prefix needed, unlike the control plane's
// SOCK_SEQPACKET wire, because this channel only ever carries one message
// type).
type socketChannel struct {
	f *os.File
}

func (c *socketChannel) Send(e *Event) error {
	b, err := json.Marshal(toWireEvent(e))
	if err != nil {
		return err
	}
	_, err = c.f.Write(b)
	return err
}

func (c *socketChannel) Close() error {
	return c.f.Close()
}

// pidSignaler kills a worker subprocess by pid.
type pidSignaler struct {
	pid int
}

func (s pidSignaler) Kill() error {
	return unix.Kill(s.pid, unix.SIGKILL)
}

// ProcessSpawner is the real Spawner: it forks a fresh devicebroker
// process (self-exec, matching the "worker shares the parent's
// address-space image at spawn" semantics via a clean re-exec rather than
// a raw fork, since Go forbids forking without an immediate exec) wired
// up with a private SOCK_SEQPACKET unicast channel and pointed at the
// shared completion socket.
type ProcessSpawner struct {
	binaryPath     string
	completionSock string
	extraArgs      []string
}

// NewProcessSpawner returns a spawner that re-execs binaryPath (normally
// os.Args[0]) with extraArgs, pointing each worker at completionSock for
// reporting completion.
func NewProcessSpawner(binaryPath, completionSock string, extraArgs ...string) *ProcessSpawner {
	return &ProcessSpawner{binaryPath: binaryPath, completionSock: completionSock, extraArgs: extraArgs}
}

// Spawn implements Spawner: a fresh socketpair becomes the worker's
// unicast channel, inherited as fd 3 via ExtraFiles; the worker role and
// completion socket path travel as environment variables appended to the
// supervisor's own inherited environment, and a non-nil props is appended
// after them as "k=v" entries.
func (s *ProcessSpawner) Spawn(e *Event, props PropertiesSet) (*Worker, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		return nil, fmt.Errorf("socketpair: %w", err)
	}
	parentFd, childFd := fds[0], fds[1]

	childFile := os.NewFile(uintptr(childFd), "worker-channel")
	defer childFile.Close()

	cmd := exec.Command(s.binaryPath, s.extraArgs...)
	cmd.ExtraFiles = []*os.File{childFile}
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("%s=3", WorkerEnvVar),
		fmt.Sprintf("%s=%s", CompletionSockEnvVar, s.completionSock),
	)
	if props != nil {
		cmd.Env = append(cmd.Env, props.Environ()...)
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		unix.Close(parentFd)
		return nil, fmt.Errorf("spawn worker: %w", err)
	}

	channel := &socketChannel{f: os.NewFile(uintptr(parentFd), "worker-channel-parent")}
	if err := channel.Send(e); err != nil {
		_ = cmd.Process.Kill()
		channel.Close()
		return nil, fmt.Errorf("seed worker with initial event: %w", err)
	}

	return &Worker{
		PID:      cmd.Process.Pid,
		State:    WorkerIdle,
		Channel:  channel,
		Signaler: pidSignaler{pid: cmd.Process.Pid},
	}, nil
}
