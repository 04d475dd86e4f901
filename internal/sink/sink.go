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

// Package sink implements the broker's two outbound publication paths:
// re-broadcasting an event unprocessed when its worker dies or times out
// (WorkerPool's salvage path), and publishing a fully processed device
// once a worker finishes rule execution for it. Both are collaborator
// interfaces external listeners (settle tooling, asset inventories) can
// consume; this package ships concrete netlink and Kafka backends,
// mirroring cmd/kafka-bridge and cmd/sensorconnect each shipping both a
// Kafka and an MQTT transport for the same "publish what changed" shape.
package sink

import "github.com/united-manufacturing-hub/devicebroker/internal/broker"

// ProcessedEventSink is the outbound publication surface: WorkerPool uses
// PublishUnprocessed for its salvage path, the worker-side rule runner
// uses PublishProcessed once it has resolved a device's full property set.
type ProcessedEventSink interface {
	PublishUnprocessed(e *broker.Event) error
	PublishProcessed(e *broker.Event, properties map[string]string) error
}
