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

// Package ruleexec ships the worker-side rule engine the core treats as
// an external collaborator: a RuleExecutor that resolves a device's
// property set from a matching rule and then runs any RUN+= programs the
// matching rule requested. The rule language and compiler proper stay out
// of scope; DefaultExecutor's rule table is intentionally the simplest
// thing that lets the broker run end-to-end.
package ruleexec

import (
	"context"
	"time"

	"github.com/united-manufacturing-hub/devicebroker/internal/broker"
)

// Timeouts bounds how long rule evaluation and each spawned program may
// run before the worker gives up on them.
type Timeouts struct {
	Apply   time.Duration
	Program time.Duration
}

// Rule is one compiled match/action pair. Match fields left empty are
// wildcards.
type Rule struct {
	Subsystem   string
	Action      string
	Devtype     string
	SetProperties map[string]string
	RunPrograms   []string
	Watch         bool
}

func (r Rule) matches(e *broker.Event) bool {
	if r.Subsystem != "" && r.Subsystem != e.Subsystem {
		return false
	}
	if r.Action != "" && r.Action != e.Action {
		return false
	}
	if r.Devtype != "" && r.Devtype != e.Devtype {
		return false
	}
	return true
}

// RuleSet is the compiled rule table, in priority order (first match per
// property wins, mirroring udev's rule file read order).
type RuleSet []Rule

// Result is what applying a RuleSet to a device produced.
type Result struct {
	Properties map[string]string
	Watch      bool
	Programs   []string
}

// RuleExecutor is the worker's external collaborator: resolve a device's
// properties from the rule set, then run any programs the matched rules
// requested.
type RuleExecutor interface {
	Apply(ctx context.Context, e *broker.Event, properties broker.PropertiesSet, rules RuleSet, timeouts Timeouts) (Result, error)
	RunPrograms(ctx context.Context, e *broker.Event, result Result, timeouts Timeouts) error
}
