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

package sink

import (
	"fmt"
	"sort"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/united-manufacturing-hub/devicebroker/internal/broker"
)

// NetlinkSink re-broadcasts devices on a private netlink multicast group,
// the Go analogue of original_source/src/udev/udevd.c's
// udev_monitor_send_device(monitor, worker->monitor, event->dev): the
// daemon keeps one netlink socket for the kernel group it reads from and a
// second one it broadcasts userspace notifications on once a device has
// been (or failed to be) processed.
type NetlinkSink struct {
	fd    int
	group uint32
}

// NewNetlinkSink binds a netlink socket for broadcast-only use on the
// given multicast group (the caller picks a group distinct from the
// kernel's, conventionally group 2, "udev").
func NewNetlinkSink(group uint32) (*NetlinkSink, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, fmt.Errorf("netlink sink socket: %w", err)
	}
	sa := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: group}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("netlink sink bind: %w", err)
	}
	return &NetlinkSink{fd: fd, group: group}, nil
}

// PublishUnprocessed re-broadcasts e exactly as it arrived from the
// kernel, with no resolved properties attached — used when a worker died
// or timed out before finishing, so downstream listeners still learn the
// device changed even though rule execution never completed.
func (s *NetlinkSink) PublishUnprocessed(e *broker.Event) error {
	return s.send(e, nil)
}

// PublishProcessed re-broadcasts e with its resolved property set attached,
// used once a worker has finished running rules for it.
func (s *NetlinkSink) PublishProcessed(e *broker.Event, properties map[string]string) error {
	return s.send(e, properties)
}

func (s *NetlinkSink) send(e *broker.Event, properties map[string]string) error {
	payload := encodeUevent(e, properties)
	sa := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: s.group}
	return unix.Sendto(s.fd, payload, 0, sa)
}

func (s *NetlinkSink) Close() error {
	return unix.Close(s.fd)
}

// encodeUevent renders e (and an optional property set) back into the
// same "ACTION@DEVPATH\0KEY=value\0..." wire shape netlinksrc.ParseUevent
// decodes, so a listener downstream of this sink can reuse the same
// parser a second netlinksrc.KernelSource instance would use.
func encodeUevent(e *broker.Event, properties map[string]string) []byte {
	var out []byte
	out = append(out, e.Action+"@"+e.Devpath...)
	out = append(out, 0)

	add := func(k, v string) {
		out = append(out, k+"="+v...)
		out = append(out, 0)
	}
	add("ACTION", e.Action)
	add("DEVPATH", e.Devpath)
	if e.DevpathOld != "" {
		add("DEVPATH_OLD", e.DevpathOld)
	}
	if e.Subsystem != "" {
		add("SUBSYSTEM", e.Subsystem)
	}
	if e.Devtype != "" {
		add("DEVTYPE", e.Devtype)
	}
	if !e.DevNum.IsZero() {
		add("MAJOR", strconv.FormatUint(uint64(e.DevNum.Major), 10))
		add("MINOR", strconv.FormatUint(uint64(e.DevNum.Minor), 10))
	}
	if e.Ifindex != 0 {
		add("IFINDEX", strconv.FormatUint(uint64(e.Ifindex), 10))
	}
	add("SEQNUM", strconv.FormatUint(e.Seqnum, 10))

	keys := make([]string, 0, len(properties))
	for k := range properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		add(k, properties[k])
	}
	return out
}
