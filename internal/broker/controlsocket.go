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

// ControlSocket implements ControlSource over a SOCK_SEQPACKET AF_UNIX
// listener with SO_PASSCRED, the wire in original_source/src/udev/udevd.c's
// manager_init/on_ctrl_msg. Control traffic is low-rate and
// operator-driven (udevadm control's one command per connection model),
// so unlike the five-source reactor registrations this does not need its
// own epoll fan-out: only the listening fd is registered, and each
// accepted connection is read to completion inline.
type ControlSocket struct {
	fd       int
	path     string
	exitConn int // fd of the connection that sent EXIT, kept open until shutdown; 0 if none
}

// NewControlSocket binds and listens at path.
func NewControlSocket(path string) (*ControlSocket, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("control socket: %w", err)
	}
	_ = unix.Unlink(path)
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("control socket bind %s: %w", path, err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_PASSCRED, 1); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("control socket SO_PASSCRED: %w", err)
	}
	if err := unix.Listen(fd, 16); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("control socket listen: %w", err)
	}
	return &ControlSocket{fd: fd, path: path}, nil
}

// NewControlSocketFromFd adopts an already-bound, already-listening
// SOCK_SEQPACKET socket handed down via systemd socket activation instead
// of binding a fresh one.
func NewControlSocketFromFd(fd int, path string) (*ControlSocket, error) {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_PASSCRED, 1); err != nil {
		return nil, fmt.Errorf("control socket SO_PASSCRED: %w", err)
	}
	return &ControlSocket{fd: fd, path: path}, nil
}

func (c *ControlSocket) Fd() int {
	return c.fd
}

// Drain accepts every pending connection and applies its one control
// message. A connection that sent EXIT is kept open rather than closed —
// the caller is expected to block on its own read until the daemon
// actually finishes shutting down, which CloseAll delivers by closing the
// fd out from under it.
func (c *ControlSocket) Drain(cp *ControlPlane, b *Broker) {
	for {
		connFd, _, err := unix.Accept4(c.fd, unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			zap.S().Warnw("control socket accept failed", "error", err)
			return
		}
		c.handleConn(connFd, cp, b)
	}
}

func (c *ControlSocket) handleConn(connFd int, cp *ControlPlane, b *Broker) {
	buf := make([]byte, 4+payloadSize)
	n, err := unix.Read(connFd, buf)
	if err != nil || n == 0 {
		_ = unix.Close(connFd)
		return
	}
	m, err := DecodeMessage(buf[:n])
	if err != nil {
		zap.S().Warnw("malformed control message, dropping connection", "error", err)
		_ = unix.Close(connFd)
		return
	}
	cp.Handle(b, m)
	if m.Type == CmdExit {
		c.exitConn = connFd
		return
	}
	_ = unix.Close(connFd)
}

// CloseAll releases the listening socket and any pending EXIT connection,
// unblocking a client waiting on the control connection for shutdown to
// complete.
func (c *ControlSocket) CloseAll() error {
	if c.exitConn != 0 {
		_ = unix.Close(c.exitConn)
		c.exitConn = 0
	}
	err := unix.Close(c.fd)
	_ = unix.Unlink(c.path)
	return err
}
