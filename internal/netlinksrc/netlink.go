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

// Package netlinksrc provides the broker's NetlinkSource implementations:
// a real AF_NETLINK/NETLINK_KOBJECT_UEVENT "kernel" group listener
// (grounded on original_source/src/udev/udevd.c's
// udev_monitor_new_from_netlink(udev, "kernel")) and a Kafka-backed
// alternate for replaying or fanning out a uevent stream without a real
// kernel underneath.
package netlinksrc

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/united-manufacturing-hub/devicebroker/internal/broker"
)

// KernelSource reads raw kernel uevents off the netlink kobject-uevent
// multicast group.
type KernelSource struct {
	fd     int
	seqnum *broker.SeqnumAllocator
}

// New binds a netlink socket to the kernel uevent multicast group (group
// bit 1, the only group the kernel itself ever broadcasts on).
func New(seqnum *broker.SeqnumAllocator) (*KernelSource, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, fmt.Errorf("netlink socket: %w", err)
	}
	sa := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: 1}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("netlink bind: %w", err)
	}
	// A large receive buffer matters here: a burst of device adds (a USB
	// hub plugged in with several downstream devices) can arrive faster
	// than one reactor iteration drains them.
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUFFORCE, 1<<20)
	return &KernelSource{fd: fd, seqnum: seqnum}, nil
}

func (s *KernelSource) Fd() int {
	return s.fd
}

// Drain reads every pending datagram off the netlink socket and inserts
// the Event it decodes to into q.
func (s *KernelSource) Drain(q *broker.EventQueue) error {
	buf := make([]byte, 64*1024)
	for {
		n, _, err := unix.Recvfrom(s.fd, buf, unix.MSG_DONTWAIT)
		if err != nil {
			if err == unix.EAGAIN {
				return nil
			}
			return fmt.Errorf("netlink recv: %w", err)
		}
		if n == 0 {
			return nil
		}
		e, err := ParseUevent(buf[:n])
		if err != nil {
			zap.S().Warnw("dropping unparseable uevent", "error", err)
			continue
		}
		if e.Seqnum != 0 {
			s.seqnum.Observe(e.Seqnum)
		} else {
			e.Seqnum = s.seqnum.Next()
		}
		if err := q.Insert(e); err != nil {
			return err
		}
	}
}

func (s *KernelSource) Close() error {
	return unix.Close(s.fd)
}

// ParseUevent decodes a raw kernel uevent datagram: a NUL-terminated
// "ACTION@DEVPATH" header line followed by NUL-separated "KEY=value"
// property lines. It is shared between KernelSource and the Kafka replay
// source so both produce identically structured Events from the same wire
// shape.
func ParseUevent(raw []byte) (*broker.Event, error) {
	parts := bytes.Split(raw, []byte{0})
	if len(parts) < 2 {
		return nil, fmt.Errorf("netlinksrc: malformed uevent, no header line")
	}

	e := &broker.Event{}
	var major, minor int
	var haveMajor, haveMinor bool

	for _, part := range parts[1:] {
		if len(part) == 0 {
			continue
		}
		kv := string(part)
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		key, value := kv[:eq], kv[eq+1:]
		switch key {
		case "ACTION":
			e.Action = value
		case "DEVPATH":
			e.Devpath = value
		case "DEVPATH_OLD":
			e.DevpathOld = value
		case "SUBSYSTEM":
			e.Subsystem = value
		case "DEVTYPE":
			e.Devtype = value
		case "DEVNAME":
			e.Sysname = lastPathElement(value)
		case "SEQNUM":
			n, err := strconv.ParseUint(value, 10, 64)
			if err == nil {
				e.Seqnum = n
			}
		case "MAJOR":
			if n, err := strconv.Atoi(value); err == nil {
				major, haveMajor = n, true
			}
		case "MINOR":
			if n, err := strconv.Atoi(value); err == nil {
				minor, haveMinor = n, true
			}
		case "IFINDEX":
			if n, err := strconv.ParseUint(value, 10, 32); err == nil {
				e.Ifindex = uint32(n)
			}
		}
	}

	if e.Devpath == "" || e.Action == "" {
		return nil, fmt.Errorf("netlinksrc: uevent missing ACTION/DEVPATH")
	}
	if haveMajor && haveMinor {
		dn, err := broker.NewDevNum(major, minor)
		if err != nil {
			return nil, fmt.Errorf("netlinksrc: invalid devnum: %w", err)
		}
		e.DevNum = dn
		e.IsBlock = e.Subsystem == "block"
	}
	if e.Sysname == "" {
		e.Sysname = lastPathElement(e.Devpath)
	}
	return e, nil
}

func lastPathElement(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[i+1:]
	}
	return p
}
