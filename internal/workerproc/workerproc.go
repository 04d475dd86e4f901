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

// Package workerproc is the worker side of the fork+re-exec model in
// internal/broker/spawn.go: the loop a subprocess runs after it notices
// DEVICEBROKER_WORKER_FD in its environment instead of running the
// supervisor's reactor. It owns no state shared with the parent beyond
// the two message channels spawn.go wires up.
package workerproc

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/united-manufacturing-hub/devicebroker/internal/broker"
	"github.com/united-manufacturing-hub/devicebroker/internal/inotifybridge"
	"github.com/united-manufacturing-hub/devicebroker/internal/persistence"
	"github.com/united-manufacturing-hub/devicebroker/internal/ruleexec"
	"github.com/united-manufacturing-hub/devicebroker/internal/sink"
)

// wireEvent mirrors the unexported type in internal/broker/spawn.go; the
// worker decodes the same JSON shape the parent encodes, kept separate
// rather than exported across the package boundary since nothing else
// needs it.
type wireEvent struct {
	Seqnum     uint64 `json:"seqnum"`
	Devpath    string `json:"devpath"`
	DevpathOld string `json:"devpath_old,omitempty"`
	DevMajor   uint32 `json:"dev_major,omitempty"`
	DevMinor   uint32 `json:"dev_minor,omitempty"`
	IsBlock    bool   `json:"is_block,omitempty"`
	Ifindex    int    `json:"ifindex,omitempty"`
	Subsystem  string `json:"subsystem"`
	Action     string `json:"action"`
	Devtype    string `json:"devtype,omitempty"`
	Sysname    string `json:"sysname"`
}

func (w wireEvent) toEvent() *broker.Event {
	return &broker.Event{
		Seqnum:     w.Seqnum,
		Devpath:    w.Devpath,
		DevpathOld: w.DevpathOld,
		DevNum:     broker.DevNum{Major: w.DevMajor, Minor: w.DevMinor},
		IsBlock:    w.IsBlock,
		Ifindex:    uint32(w.Ifindex),
		Subsystem:  w.Subsystem,
		Action:     w.Action,
		Devtype:    w.Devtype,
		Sysname:    w.Sysname,
	}
}

// Deps bundles the worker-side collaborators the supervisor constructs
// once at startup and hands unchanged to every spawned worker; all are
// the same small capability set (apply, run_programs, publish,
// record_delete) the control loop depends on.
type Deps struct {
	Log        *zap.Logger
	Channel    *os.File // fd 3, the inherited unicast channel
	Completion *broker.CompletionClient
	Inotify    *inotifybridge.Bridge
	Executor   ruleexec.RuleExecutor
	Rules      ruleexec.RuleSet
	Timeouts   ruleexec.Timeouts
	Store      persistence.DevicePersistence
	Sink       sink.ProcessedEventSink
	Notifier   *ruleexec.MQTTNotifier // optional, nil when unconfigured
}

// Run executes the worker main loop: the initial device is just the
// first message on the inherited channel, same as every device after it,
// so there is nothing special-cased about it. The loop runs until the
// channel read fails (the parent exited or killed the process), at which
// point the worker exits cleanly. Every step is grounded on
// original_source/src/udev/udevd.c's worker_main's "one device, lock,
// apply rules, watch, unlock, publish, report done" cycle.
func Run(ctx context.Context, deps Deps) error {
	if err := unix.Prctl(unix.PR_SET_PDEATHSIG, uintptr(unix.SIGKILL), 0, 0, 0); err != nil {
		deps.Log.Warn("failed to arrange parent-death signal", zap.Error(err))
	}

	properties := deps.initialProperties()

	for {
		e, err := deps.readNext()
		if err != nil {
			return nil // channel closed: parent is done with this worker
		}
		if err := deps.handleOne(ctx, e, properties); err != nil {
			deps.Log.Warn("worker failed to handle device", zap.String("devpath", e.Devpath), zap.Error(err))
		}
		if err := deps.Completion.Notify(); err != nil {
			deps.Log.Warn("worker failed to notify completion", zap.Error(err))
		}
	}
}

func (d Deps) initialProperties() broker.PropertiesSet {
	props := broker.NewPropertiesSet()
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				props.Set(kv[:i], kv[i+1:])
				break
			}
		}
	}
	return props
}

func (d Deps) readNext() (*broker.Event, error) {
	buf := make([]byte, 64*1024)
	n, err := d.Channel.Read(buf)
	if err != nil {
		return nil, err
	}
	var w wireEvent
	if err := json.Unmarshal(buf[:n], &w); err != nil {
		return nil, fmt.Errorf("decode wire event: %w", err)
	}
	return w.toEvent(), nil
}

func devnodePath(e *broker.Event) string {
	return "/dev/" + e.Sysname
}

// handleOne runs steps 4a-4f of the worker main loop for a single device.
func (d Deps) handleOne(ctx context.Context, e *broker.Event, properties broker.PropertiesSet) error {
	var lock *broker.DevNodeLock
	if broker.ShouldLockDevNode(e) {
		l, ok, err := broker.TryLockDevNode(devnodePath(e))
		if err != nil {
			return fmt.Errorf("lock devnode: %w", err)
		}
		if !ok {
			d.Log.Debug("devnode busy, skipping rule execution", zap.String("devpath", e.Devpath))
			return d.Sink.PublishUnprocessed(e)
		}
		lock = l
	}
	defer lock.Release()

	result, err := d.Executor.Apply(ctx, e, properties, d.Rules, d.Timeouts)
	if err != nil {
		return fmt.Errorf("apply rules: %w", err)
	}
	if err := d.Executor.RunPrograms(ctx, e, result, d.Timeouts); err != nil {
		d.Log.Warn("one or more RUN+= programs failed", zap.String("devpath", e.Devpath), zap.Error(err))
	}

	if result.Watch {
		if d.Inotify != nil {
			if _, err := d.Inotify.Watch(devnodePath(e), e); err != nil {
				d.Log.Warn("failed to arm devnode watch", zap.String("devpath", e.Devpath), zap.Error(err))
			}
		}
		if err := d.Store.PutRecord(persistence.Record{
			Devpath:    e.Devpath,
			Properties: result.Properties,
			WatchNode:  true,
		}); err != nil {
			d.Log.Warn("failed to persist device record", zap.String("devpath", e.Devpath), zap.Error(err))
		}
	}

	if err := d.Sink.PublishProcessed(e, result.Properties); err != nil {
		return fmt.Errorf("publish processed device: %w", err)
	}
	if d.Notifier != nil {
		if err := d.Notifier.Notify(e, result.Properties); err != nil {
			d.Log.Warn("mqtt notify failed", zap.String("devpath", e.Devpath), zap.Error(err))
		}
	}
	return nil
}
