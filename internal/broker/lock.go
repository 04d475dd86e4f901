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

	"golang.org/x/sys/unix"
)

// DevNodeLock is a non-blocking shared advisory lock on a device node (or
// its parent whole-disk node, for a partition), taken by a worker before
// running rules for a block-device non-removal. It is
// grounded on original_source/src/udev/udevd.c's lock_device, which takes
// the same flock(LOCK_SH|LOCK_NB) discipline on /run/udev/data lock files.
type DevNodeLock struct {
	f *os.File
}

// TryLockDevNode attempts a non-blocking shared flock on path. ok is false
// without error when the lock is already held exclusively elsewhere — the
// caller must skip rule execution for this event rather than wait
//.
func TryLockDevNode(path string) (lock *DevNodeLock, ok bool, err error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, false, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &DevNodeLock{f: f}, true, nil
}

// Release drops the flock and closes the underlying descriptor.
func (l *DevNodeLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	return l.f.Close()
}

// ShouldLockDevNode reports whether a devnode lock is warranted: a block
// subsystem event, not a removal, and not a device-mapper or md device
// (those layer their own locking and would deadlock against it).
func ShouldLockDevNode(e *Event) bool {
	if !e.IsBlock || e.Action == "remove" {
		return false
	}
	return e.Devtype != "dm" && e.Subsystem != "md" && e.Devtype != "md"
}
