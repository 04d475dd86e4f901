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

package internal

import "time"

// OneSecond is the one named poll interval this repo actually reuses:
// it backs the reactor's metrics-sampling tick (internal/broker/loop.go's
// metricsSampleInterval). Trimmed down from the original constant set to
// the duration something here actually names.
var OneSecond = 1 * time.Second
