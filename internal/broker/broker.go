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

// Broker is the single mutable value the reactor owns outright and passes
// to every handler.
// Only the reactor goroutine ever touches it; there is no lock because
// there is no second writer.
type Broker struct {
	Queue      *EventQueue
	Pool       *WorkerPool
	Properties PropertiesSet

	StopExecQueue bool
	Reload        bool
	UdevExit      bool

	// LogLevel is read by zap's AtomicLevel; stored here too so
	// SET_LOG_LEVEL has something to report back on PING/introspection.
	LogLevel int32
}

// NewBroker wires a queue and pool into a fresh Broker with an empty
// properties set and default flags.
func NewBroker(queue *EventQueue, pool *WorkerPool) *Broker {
	return &Broker{
		Queue:      queue,
		Pool:       pool,
		Properties: NewPropertiesSet(),
	}
}

// SetLogLevel stores n atomically; readable concurrently with the zap
// AtomicLevel it mirrors even though only the reactor goroutine writes it.
func (b *Broker) SetLogLevel(n int32) {
	atomic.StoreInt32(&b.LogLevel, n)
}
