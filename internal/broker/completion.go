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
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// CompletionListener implements WorkerResultSource over a SOCK_DGRAM unix
// socket bound at a well-known path every worker dials to send a
// zero-length "I am done" datagram. SO_PASSCRED makes the kernel attach
// SCM_CREDENTIALS ancillary data to every receive, which is how the
// listener recovers the sender's pid without trusting anything the
// worker itself claims to be — the same trust boundary
// original_source/src/udev/udevd.c's worker_process message handling
// relies on (it reads msg_ctrllen/SCM_CREDENTIALS off the same kind of
// socket rather than a self-reported pid in the payload).
type CompletionListener struct {
	fd   int
	path string
}

// NewCompletionListener binds and listens at path, removing any stale
// socket file first (a leftover from an unclean prior shutdown).
func NewCompletionListener(path string) (*CompletionListener, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("completion listener socket: %w", err)
	}
	_ = unix.Unlink(path)
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("completion listener bind %s: %w", path, err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_PASSCRED, 1); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("completion listener SO_PASSCRED: %w", err)
	}
	return &CompletionListener{fd: fd, path: path}, nil
}

// NewCompletionListenerFromFd adopts an already-bound, already-listening
// socket handed down via systemd socket activation instead of binding a
// fresh one, setting SO_PASSCRED in case the activating process did not.
func NewCompletionListenerFromFd(fd int, path string) (*CompletionListener, error) {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_PASSCRED, 1); err != nil {
		return nil, fmt.Errorf("completion listener SO_PASSCRED: %w", err)
	}
	return &CompletionListener{fd: fd, path: path}, nil
}

func (c *CompletionListener) Fd() int {
	return c.fd
}

// Drain reads every pending completion datagram and feeds the sender's
// pid to pool.OnCompletion. A receive with no usable credentials
// (shouldn't happen with SO_PASSCRED set, but the kernel can still omit
// it under memory pressure) is logged and dropped rather than guessed at.
func (c *CompletionListener) Drain(pool *WorkerPool, q *EventQueue) {
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(unix.SizeofUcred))
	for {
		_, oobn, _, _, err := unix.Recvmsg(c.fd, buf, oob, 0)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			zap.S().Warnw("completion listener recvmsg failed", "error", err)
			return
		}
		pid, err := parseSenderPID(oob[:oobn])
		if err != nil {
			zap.S().Warnw("completion datagram missing credentials, dropping", "error", err)
			continue
		}
		pool.OnCompletion(pid, q)
	}
}

func parseSenderPID(oob []byte) (int, error) {
	cmsgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return 0, fmt.Errorf("parse control message: %w", err)
	}
	for _, cmsg := range cmsgs {
		if cmsg.Header.Level != unix.SOL_SOCKET || cmsg.Header.Type != unix.SCM_CREDENTIALS {
			continue
		}
		ucred, err := unix.ParseUnixCredentials(&cmsg)
		if err != nil {
			return 0, fmt.Errorf("parse unix credentials: %w", err)
		}
		return int(ucred.Pid), nil
	}
	return 0, fmt.Errorf("no SCM_CREDENTIALS in ancillary data")
}

func (c *CompletionListener) Close() error {
	err := unix.Close(c.fd)
	_ = unix.Unlink(c.path)
	return err
}

// CompletionClient is the worker-side handle a worker uses to report it
// has finished handling its current event: a single zero-length SOCK_DGRAM
// send to the shared listener, with SO_PASSCRED on the listener's end
// doing the authentication work instead of the payload.
type CompletionClient struct {
	fd   int
	addr unix.Sockaddr
}

// DialCompletionClient opens an unconnected SOCK_DGRAM socket a worker
// uses to send completion notices to path.
func DialCompletionClient(path string) (*CompletionClient, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("completion client socket: %w", err)
	}
	return &CompletionClient{fd: fd, addr: &unix.SockaddrUnix{Name: path}}, nil
}

// Notify sends the zero-length completion datagram.
func (c *CompletionClient) Notify() error {
	return unix.Sendto(c.fd, nil, 0, c.addr)
}

func (c *CompletionClient) Close() error {
	return unix.Close(c.fd)
}
