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
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const siginfoSize = int(unsafe.Sizeof(unix.SignalfdSiginfo{}))

// signalfdSource is the signalfd-backed SignalSource implementation. Unlike
// internal/gracefulShutdown.go's approach (a goroutine blocking on
// signal.Notify, waking the rest of the program through a channel), the
// reactor is single-threaded and cooperative: it needs signals delivered
// as a pollable fd alongside the other four sources, not as an async
// wakeup. unix.Signalfd gives exactly that on Linux.
type signalfdSource struct {
	fd int
}

// NewSignalSource masks SIGTERM/SIGINT/SIGHUP/SIGCHLD from the default
// disposition and returns a pollable fd that reads them as siginfo
// records, mirroring udevd.c's on_sighup/on_sigchld/on_sigterm handlers
// but delivered through one registered descriptor instead of three signal
// handlers.
func NewSignalSource() (*signalfdSource, error) {
	var mask unix.Sigset_t
	for _, sig := range []unix.Signal{unix.SIGTERM, unix.SIGINT, unix.SIGHUP, unix.SIGCHLD} {
		addSignal(&mask, sig)
	}
	if err := unix.PthreadSigmask(unix.SIG_BLOCK, &mask, nil); err != nil {
		return nil, err
	}
	fd, err := unix.Signalfd(-1, &mask, unix.SFD_CLOEXEC|unix.SFD_NONBLOCK)
	if err != nil {
		return nil, err
	}
	return &signalfdSource{fd: fd}, nil
}

func addSignal(set *unix.Sigset_t, sig unix.Signal) {
	// unix.Sigset_t is a fixed-size word array; bit i (1-indexed signal
	// number) lives in word i/64, bit i%64 — same layout the kernel's
	// sigsetops macros use.
	word := (sig - 1) / 64
	bit := uint((sig - 1) % 64)
	set.Val[word] |= 1 << bit
}

func (s *signalfdSource) Fd() int {
	return s.fd
}

// Drain reads every pending siginfo record off the signalfd. SIGTERM and
// SIGINT request termination; SIGCHLD reaps pids via wait4(WNOHANG),
// matching udevd.c's on_sigchld loop. SIGHUP is read and discarded: Drain
// has no result that reports it, so it neither sets Broker.Reload nor
// forces a rule poll.
func (s *signalfdSource) Drain() (terminate bool, reaped []int) {
	raw := make([]byte, 64*siginfoSize)
	for {
		n, err := unix.Read(s.fd, raw)
		if err != nil {
			if err == unix.EAGAIN {
				return terminate, reaped
			}
			zap.S().Warnw("signalfd read failed", "error", err)
			return terminate, reaped
		}
		if n <= 0 {
			return terminate, reaped
		}
		for off := 0; off+siginfoSize <= n; off += siginfoSize {
			info := (*unix.SignalfdSiginfo)(unsafe.Pointer(&raw[off]))
			switch unix.Signal(info.Signo) {
			case unix.SIGTERM, unix.SIGINT:
				terminate = true
			case unix.SIGHUP:
				// Consumed with no effect; see Drain.
			case unix.SIGCHLD:
				reaped = append(reaped, reapChildren()...)
			}
		}
	}
}

// reapChildren drains every exited child via wait4(WNOHANG), matching
// udevd.c's on_sigchld loop ("there may be more than one child").
func reapChildren() []int {
	var pids []int
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return pids
		}
		pids = append(pids, pid)
	}
}

func (s *signalfdSource) Close() error {
	return unix.Close(s.fd)
}
