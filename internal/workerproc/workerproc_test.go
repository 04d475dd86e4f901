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

package workerproc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/devicebroker/internal/broker"
	"github.com/united-manufacturing-hub/devicebroker/internal/persistence"
	"github.com/united-manufacturing-hub/devicebroker/internal/ruleexec"
)

func TestWireEvent_ToEventPreservesFields(t *testing.T) {
	w := wireEvent{
		Seqnum:    42,
		Devpath:   "/devices/virtual/net/lo",
		Subsystem: "net",
		Action:    "add",
		Ifindex:   1,
		Sysname:   "lo",
	}
	e := w.toEvent()
	assert.Equal(t, uint64(42), e.Seqnum)
	assert.Equal(t, "net", e.Subsystem)
	assert.Equal(t, uint32(1), e.Ifindex)
	assert.False(t, e.IsBlock)
}

type fakeExecutor struct {
	applyResult ruleexec.Result
	ran         []string
}

func (f *fakeExecutor) Apply(ctx context.Context, e *broker.Event, properties broker.PropertiesSet, rules ruleexec.RuleSet, timeouts ruleexec.Timeouts) (ruleexec.Result, error) {
	return f.applyResult, nil
}

func (f *fakeExecutor) RunPrograms(ctx context.Context, e *broker.Event, result ruleexec.Result, timeouts ruleexec.Timeouts) error {
	f.ran = append(f.ran, result.Programs...)
	return nil
}

type fakeSink struct {
	unprocessed []*broker.Event
	processed   []*broker.Event
}

func (f *fakeSink) PublishUnprocessed(e *broker.Event) error {
	f.unprocessed = append(f.unprocessed, e)
	return nil
}

func (f *fakeSink) PublishProcessed(e *broker.Event, properties map[string]string) error {
	f.processed = append(f.processed, e)
	return nil
}

type fakeStore struct {
	put []persistence.Record
}

func (f *fakeStore) GetRecord(devpath string) (persistence.Record, bool) { return persistence.Record{}, false }
func (f *fakeStore) PutRecord(rec persistence.Record) error {
	f.put = append(f.put, rec)
	return nil
}
func (f *fakeStore) DeleteRecord(devpath string) error { return nil }

func TestHandleOne_NetworkDeviceSkipsLockAndPublishesProcessed(t *testing.T) {
	executor := &fakeExecutor{applyResult: ruleexec.Result{Properties: map[string]string{"ID_NET_NAME": "lo"}}}
	snk := &fakeSink{}
	store := &fakeStore{}

	deps := Deps{
		Log:      zap.NewNop(),
		Executor: executor,
		Store:    store,
		Sink:     snk,
		Timeouts: ruleexec.Timeouts{},
	}

	e := &broker.Event{Devpath: "/devices/virtual/net/lo", Subsystem: "net", Action: "add", Sysname: "lo"}
	err := deps.handleOne(context.Background(), e, broker.NewPropertiesSet())
	require.NoError(t, err)
	require.Len(t, snk.processed, 1)
	assert.Equal(t, "lo", snk.processed[0].Sysname)
	assert.Empty(t, store.put) // no watch requested
}

func TestHandleOne_WatchRequestPersistsRecord(t *testing.T) {
	executor := &fakeExecutor{applyResult: ruleexec.Result{Properties: map[string]string{"X": "1"}, Watch: true}}
	snk := &fakeSink{}
	store := &fakeStore{}

	deps := Deps{
		Log:      zap.NewNop(),
		Executor: executor,
		Store:    store,
		Sink:     snk,
		Inotify:  nil,
	}

	e := &broker.Event{Devpath: "/devices/virtual/net/eth9", Subsystem: "net", Action: "add", Sysname: "eth9"}

	err := deps.handleOne(context.Background(), e, broker.NewPropertiesSet())
	require.NoError(t, err)
	require.Len(t, store.put, 1)
	assert.True(t, store.put[0].WatchNode)
}
