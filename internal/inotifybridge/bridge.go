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

// Package inotifybridge watches device nodes for CLOSE_WRITE so a tool
// writing directly to a device node (e.g. partition table editors) causes
// the broker to re-evaluate that device, the same role
// original_source/src/udev/udevd.c's on_inotify/synthesize_change plays:
// a devnode close-for-write becomes a synthetic "change" uevent.
//
// Grounded on golang.org/x/sys/unix for the raw inotify syscalls (the
// pack's fsnotify-based watcher in
// united-manufacturing-hub-united-manufacturing-hub/s6-rc-poc abstracts
// the fd away behind its own event loop, which does not fit a single
// epoll set shared with four other sources).
package inotifybridge

import (
	"os"
	"path/filepath"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/united-manufacturing-hub/devicebroker/internal/broker"
)

const eventHeaderSize = int(unsafe.Sizeof(unix.InotifyEvent{}))

// blkrrpart is linux/fs.h's BLKRRPART, _IO(0x12, 95): ask the kernel to
// re-read a whole disk's partition table.
const blkrrpart = 0x125f

// watched is what the bridge remembers about a watch descriptor: the
// identity of the device whose devnode it watches, so a CLOSE_WRITE can be
// mapped back to that device without re-reading it.
type watched struct {
	devpath   string
	devnum    broker.DevNum
	isBlock   bool
	ifindex   uint32
	subsystem string
	devtype   string
	sysname   string
}

// Bridge is the inotify-backed InotifySource.
type Bridge struct {
	fd      int
	watches map[int32]watched
	seqnum  *broker.SeqnumAllocator
}

// New creates an inotify instance registered non-blocking/close-on-exec,
// ready to hand its fd to the reactor.
func New(seqnum *broker.SeqnumAllocator) (*Bridge, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return nil, err
	}
	return &Bridge{fd: fd, watches: make(map[int32]watched), seqnum: seqnum}, nil
}

func (b *Bridge) Fd() int {
	return b.fd
}

// Watch begins watching devnode for CLOSE_WRITE/IGNORED, remembering the
// device's identity for Drain's CLOSE_WRITE handling.
func (b *Bridge) Watch(devnode string, e *broker.Event) (int32, error) {
	wd, err := unix.InotifyAddWatch(b.fd, devnode, unix.IN_CLOSE_WRITE|unix.IN_IGNORED)
	if err != nil {
		return 0, err
	}
	b.watches[int32(wd)] = watched{
		devpath:   e.Devpath,
		devnum:    e.DevNum,
		isBlock:   e.IsBlock,
		ifindex:   e.Ifindex,
		subsystem: e.Subsystem,
		devtype:   e.Devtype,
		sysname:   e.Sysname,
	}
	return int32(wd), nil
}

// End stops watching wd outright, used when a device is removed and its
// worker has already finished with it.
func (b *Bridge) End(wd int32) {
	_, _ = unix.InotifyRmWatch(b.fd, uint32(wd))
	delete(b.watches, wd)
}

// Drain reads every pending inotify_event record. A CLOSE_WRITE on a
// watched devnode triggers synthesizeChange, which prods the kernel into
// emitting its own uevents rather than fabricating one locally; netlink is
// drained once immediately afterward so that work is visible to this same
// iteration. IN_IGNORED (devnode removed, watch auto-released by the
// kernel) just forgets the watch table entry.
func (b *Bridge) Drain(q *broker.EventQueue, netlink broker.NetlinkSource) error {
	raw := make([]byte, 64*(eventHeaderSize+unix.PathMax))
	for {
		n, err := unix.Read(b.fd, raw)
		if err != nil {
			if err == unix.EAGAIN {
				return nil
			}
			return err
		}
		if n <= 0 {
			return nil
		}
		off := 0
		for off+eventHeaderSize <= n {
			ev := (*unix.InotifyEvent)(unsafe.Pointer(&raw[off]))
			off += eventHeaderSize + int(ev.Len)

			w, ok := b.watches[ev.Wd]
			if !ok {
				continue
			}
			switch {
			case ev.Mask&unix.IN_CLOSE_WRITE != 0:
				if err := b.synthesizeChange(w, q, netlink); err != nil {
					return err
				}
			case ev.Mask&unix.IN_IGNORED != 0:
				delete(b.watches, ev.Wd)
			}
		}
	}
}

// synthesizeChange implements original_source/src/udev/udevd.c's
// synthesize_change: for a whole, non-dm/md block disk, try an exclusive
// partition-table reread first, and only if that either fails or finds no
// partitions fall back to writing "change" into the device's (and each
// partition child's) sysfs uevent attribute. Either path hands the actual
// event synthesis to the kernel, so netlink is drained once right after to
// pick up what it just emitted.
func (b *Bridge) synthesizeChange(w watched, q *broker.EventQueue, netlink broker.NetlinkSource) error {
	sysfsDir := filepath.Join("/sys", w.devpath)

	if isWholeDiskCandidate(w) {
		ok, hasPartitions := rereadPartitionTable(devnodePath(w), sysfsDir)
		if ok && hasPartitions {
			zap.S().Debugw("partition table reread synthesized uevents", "devpath", w.devpath)
			return netlink.Drain(q)
		}
	}

	zap.S().Debugw("devnode closed for write, writing sysfs change", "devpath", w.devpath)
	if err := writeSysfsUevent(sysfsDir); err != nil {
		zap.S().Warnw("failed to write sysfs uevent", "devpath", w.devpath, "error", err)
	}
	for _, child := range partitionChildren(sysfsDir) {
		if err := writeSysfsUevent(filepath.Join(sysfsDir, child)); err != nil {
			zap.S().Warnw("failed to write sysfs uevent for partition child", "devpath", w.devpath, "child", child, "error", err)
		}
	}
	return netlink.Drain(q)
}

// isWholeDiskCandidate mirrors broker.ShouldLockDevNode's dm/md exclusion:
// those devices layer their own change propagation and must not be
// reread directly, and a partition is never itself whole-disk-reread.
func isWholeDiskCandidate(w watched) bool {
	if !w.isBlock || w.devtype == "partition" {
		return false
	}
	return w.devtype != "dm" && w.subsystem != "md" && w.devtype != "md"
}

func devnodePath(w watched) string {
	return "/dev/" + w.sysname
}

// rereadPartitionTable takes a non-blocking exclusive lock on devnode and
// issues BLKRRPART. ok is false if the lock could not be taken or the
// ioctl failed; hasPartitions is only meaningful when ok is true.
func rereadPartitionTable(devnode, sysfsDir string) (ok, hasPartitions bool) {
	f, err := os.OpenFile(devnode, os.O_RDONLY, 0)
	if err != nil {
		return false, false
	}
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return false, false
	}
	defer func() { _ = unix.Flock(int(f.Fd()), unix.LOCK_UN) }()
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), uintptr(blkrrpart), 0); errno != 0 {
		return false, false
	}
	return true, len(partitionChildren(sysfsDir)) > 0
}

// partitionChildren lists the sysfs subdirectories of sysfsDir that carry
// a "partition" attribute, the kernel's own marker for a partition device.
func partitionChildren(sysfsDir string) []string {
	entries, err := os.ReadDir(sysfsDir)
	if err != nil {
		return nil
	}
	var children []string
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(sysfsDir, ent.Name(), "partition")); err == nil {
			children = append(children, ent.Name())
		}
	}
	return children
}

func writeSysfsUevent(sysfsDir string) error {
	return os.WriteFile(filepath.Join(sysfsDir, "uevent"), []byte("change"), 0)
}

func (b *Bridge) Close() error {
	return unix.Close(b.fd)
}
