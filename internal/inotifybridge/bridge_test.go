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

package inotifybridge

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/united-manufacturing-hub/devicebroker/internal/broker"
)

func waitReadable(t *testing.T, fd int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for time.Now().Before(deadline) {
		n, err := unix.Poll(fds, 50)
		require.NoError(t, err)
		if n > 0 {
			return
		}
	}
	t.Fatal("inotify fd never became readable")
}

// fakeNetlink stands in for the kernel uevent source synthesizeChange
// re-drains once it has provoked the kernel into emitting real uevents.
type fakeNetlink struct{ drains int }

func (f *fakeNetlink) Fd() int { return 1 }
func (f *fakeNetlink) Drain(q *broker.EventQueue) error {
	f.drains++
	return nil
}

// TestBridge_CloseWriteRedrainsNetlink covers the non-block-device path:
// no partition reread is attempted, the sysfs uevent write is best-effort
// (this fake devnode has no backing /sys entry), but netlink must still be
// drained once so the kernel's real uevents are picked up immediately.
func TestBridge_CloseWriteRedrainsNetlink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fake-devnode")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	b, err := New(broker.NewSeqnumAllocator(0))
	require.NoError(t, err)
	defer b.Close()

	_, err = b.Watch(path, &broker.Event{Devpath: "/devices/fake", Subsystem: "tty", Sysname: "fake-devnode"})
	require.NoError(t, err)

	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.Write([]byte("y"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	waitReadable(t, b.Fd(), 2*time.Second)

	q := broker.NewEventQueue()
	nl := &fakeNetlink{}
	require.NoError(t, b.Drain(q, nl))

	assert.Equal(t, 1, nl.drains, "netlink must be re-drained once after synthesizing a change")
}

func TestBridge_IgnoredForgetsWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "removed-devnode")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	b, err := New(broker.NewSeqnumAllocator(0))
	require.NoError(t, err)
	defer b.Close()

	wd, err := b.Watch(path, &broker.Event{Devpath: "/devices/removed"})
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))

	waitReadable(t, b.Fd(), 2*time.Second)

	q := broker.NewEventQueue()
	require.NoError(t, b.Drain(q, &fakeNetlink{}))

	_, stillWatched := b.watches[wd]
	assert.False(t, stillWatched)
}

func TestIsWholeDiskCandidate(t *testing.T) {
	assert.True(t, isWholeDiskCandidate(watched{isBlock: true, devtype: "disk"}))
	assert.False(t, isWholeDiskCandidate(watched{isBlock: false, devtype: "disk"}))
	assert.False(t, isWholeDiskCandidate(watched{isBlock: true, devtype: "partition"}))
	assert.False(t, isWholeDiskCandidate(watched{isBlock: true, devtype: "dm"}))
	assert.False(t, isWholeDiskCandidate(watched{isBlock: true, subsystem: "md"}))
}

func TestPartitionChildren(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sda1"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sda1", "partition"), []byte("1"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "queue"), 0o755)) // not a partition child

	children := partitionChildren(dir)
	assert.Equal(t, []string{"sda1"}, children)
}

func TestWriteSysfsUevent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeSysfsUevent(dir))
	contents, err := os.ReadFile(filepath.Join(dir, "uevent"))
	require.NoError(t, err)
	assert.Equal(t, "change", string(contents))
}
