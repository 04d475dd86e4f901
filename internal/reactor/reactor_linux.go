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

//go:build linux
// +build linux

package reactor

import (
	"time"

	"golang.org/x/sys/unix"
)

// epollReactor is the Linux epoll(7)-backed Reactor. Grounded on
// other_examples/momentics-hioload-ws's linuxReactor, which stashes an
// opaque udata word in the epoll_event's padding bytes to recover which
// registration fired; here the udata word is simply the Source enum, since
// there are only ever five registrations.
type epollReactor struct {
	epfd int
	fds  [sourceCount]int // -1 when unregistered
}

// NewReactor constructs the Linux epoll-backed Reactor.
func NewReactor() (Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	r := &epollReactor{epfd: epfd}
	for i := range r.fds {
		r.fds[i] = -1
	}
	return r, nil
}

func (r *epollReactor) Register(src Source, fd int) error {
	if err := r.Unregister(src); err != nil {
		return err
	}
	event := &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, event); err != nil {
		return err
	}
	r.fds[src] = fd
	return nil
}

func (r *epollReactor) Unregister(src Source) error {
	fd := r.fds[src]
	if fd < 0 {
		return nil
	}
	r.fds[src] = -1
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil && err != unix.ENOENT {
		return err
	}
	return nil
}

func (r *epollReactor) Wait(timeout time.Duration) (Ready, error) {
	timeoutMs := -1
	if timeout >= 0 {
		timeoutMs = int(timeout.Milliseconds())
	}
	var raw [sourceCount]unix.EpollEvent
	n, err := unix.EpollWait(r.epfd, raw[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	var ready Ready
	for i := 0; i < n; i++ {
		fd := int(raw[i].Fd)
		for src, registered := range r.fds {
			if registered == fd {
				ready |= readyBit(Source(src))
			}
		}
	}
	return ready, nil
}

func (r *epollReactor) Close() error {
	return unix.Close(r.epfd)
}
