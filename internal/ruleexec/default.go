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

package ruleexec

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	umhinternal "github.com/united-manufacturing-hub/devicebroker/internal"
	"github.com/united-manufacturing-hub/devicebroker/internal/broker"
)

// DefaultExecutor is the reference RuleExecutor: it scans a RuleSet
// top-to-bottom (first match per property wins, same precedence as udev
// rule files), caches the winning subset per subsystem so repeat events
// for chatty subsystems (tty, usb) skip the scan, and shells out to
// RUN+= programs with a retrying exec.CommandContext, backing off between
// attempts with internal.SleepBackedOff.
type DefaultExecutor struct {
	log *zap.Logger

	// subsystemCache maps a subsystem name to the RuleSet subset that can
	// ever match it, bounded so a daemon juggling hundreds of distinct
	// subsystems over its lifetime doesn't grow this without limit.
	subsystemCache *lru.Cache

	retrySlot time.Duration
	retryMax  time.Duration
	retries   int
}

// NewDefaultExecutor builds a DefaultExecutor whose per-subsystem rule
// cache holds up to cacheSize entries.
func NewDefaultExecutor(log *zap.Logger, cacheSize int) (*DefaultExecutor, error) {
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("ruleexec rule cache: %w", err)
	}
	return &DefaultExecutor{
		log:            log,
		subsystemCache: cache,
		retrySlot:      50 * time.Millisecond,
		retryMax:       2 * time.Second,
		retries:        3,
	}, nil
}

func (d *DefaultExecutor) candidates(e *broker.Event, rules RuleSet) RuleSet {
	if cached, ok := d.subsystemCache.Get(e.Subsystem); ok {
		return cached.(RuleSet)
	}
	var subset RuleSet
	for _, r := range rules {
		if r.Subsystem == "" || r.Subsystem == e.Subsystem {
			subset = append(subset, r)
		}
	}
	d.subsystemCache.Add(e.Subsystem, subset)
	return subset
}

// Apply walks the rule set's per-subsystem subset and merges every
// matching rule's SetProperties into the device's running PropertiesSet,
// later rules losing to earlier ones for a given key — mirroring udev's
// "first assignment wins unless the operator is +=" default for the
// non-list properties this broker models.
func (d *DefaultExecutor) Apply(ctx context.Context, e *broker.Event, properties broker.PropertiesSet, rules RuleSet, timeouts Timeouts) (Result, error) {
	deadline := time.Now().Add(timeouts.Apply)
	result := Result{Properties: make(map[string]string)}

	for _, r := range d.candidates(e, rules) {
		if time.Now().After(deadline) {
			return result, fmt.Errorf("ruleexec apply: exceeded %s evaluating rules for %s", timeouts.Apply, e.Devpath)
		}
		if !r.matches(e) {
			continue
		}
		for k, v := range r.SetProperties {
			if _, already := result.Properties[k]; already {
				continue
			}
			result.Properties[k] = v
			properties.Set(k, v)
		}
		if r.Watch {
			result.Watch = true
		}
		result.Programs = append(result.Programs, r.RunPrograms...)
	}
	return result, nil
}

// RunPrograms executes result.Programs in order, running a failing
// program up to d.retries times in all, with jittered backoff between
// attempts, before giving up
// on it and moving to the next; one program's exhaustion does not abort
// the rest, matching udev's "a RUN+= failure is logged, not fatal".
func (d *DefaultExecutor) RunPrograms(ctx context.Context, e *broker.Event, result Result, timeouts Timeouts) error {
	var firstErr error
	for _, prog := range result.Programs {
		if err := d.runWithRetry(ctx, prog, timeouts.Program); err != nil {
			d.log.Warn("run program failed", zap.String("devpath", e.Devpath), zap.String("program", prog), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (d *DefaultExecutor) runWithRetry(ctx context.Context, prog string, timeout time.Duration) error {
	var lastErr error
	for attempt := int64(0); attempt < int64(d.retries); attempt++ {
		if attempt > 0 {
			umhinternal.SleepBackedOff(attempt, d.retrySlot, d.retryMax)
		}
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		cmd := exec.CommandContext(runCtx, prog)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		lastErr = cmd.Run()
		cancel()
		if lastErr == nil {
			return nil
		}
		lastErr = fmt.Errorf("%w: %s", lastErr, stderr.String())
	}
	return lastErr
}
