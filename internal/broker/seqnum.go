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

import "sync/atomic"

// SeqnumAllocator hands out monotonically increasing, unique sequence
// numbers. The netlink source prefers the kernel's own SEQNUM= field when a
// uevent carries one; this backs the uevents that don't, such as a
// replayed event from a non-kernel source, which still need a seqnum the
// queue's ordering scan can compare against real ones.
type SeqnumAllocator struct {
	next uint64
}

// NewSeqnumAllocator returns an allocator whose first Next() call returns
// start+1.
func NewSeqnumAllocator(start uint64) *SeqnumAllocator {
	return &SeqnumAllocator{next: start}
}

// Next returns the next unused sequence number.
func (a *SeqnumAllocator) Next() uint64 {
	return atomic.AddUint64(&a.next, 1)
}

// Observe advances the allocator past seqnum if seqnum is ahead of it,
// keeping synthetic numbers from lagging behind genuine kernel ones.
func (a *SeqnumAllocator) Observe(seqnum uint64) {
	for {
		cur := atomic.LoadUint64(&a.next)
		if seqnum <= cur {
			return
		}
		if atomic.CompareAndSwapUint64(&a.next, cur, seqnum) {
			return
		}
	}
}
