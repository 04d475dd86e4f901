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
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/devicebroker/internal/broker"
)

func newTestExecutor(t *testing.T) *DefaultExecutor {
	t.Helper()
	exec, err := NewDefaultExecutor(zap.NewNop(), 64)
	require.NoError(t, err)
	return exec
}

func TestDefaultExecutor_ApplyMergesFirstMatchWins(t *testing.T) {
	exec := newTestExecutor(t)
	e := &broker.Event{Subsystem: "block", Action: "add", Devtype: "disk"}
	rules := RuleSet{
		{Subsystem: "block", SetProperties: map[string]string{"ID_BUS": "ata"}},
		{Subsystem: "block", SetProperties: map[string]string{"ID_BUS": "scsi", "ID_TYPE": "disk"}},
	}

	result, err := exec.Apply(context.Background(), e, broker.NewPropertiesSet(), rules, Timeouts{Apply: time.Second})
	require.NoError(t, err)
	assert.Equal(t, "ata", result.Properties["ID_BUS"])
	assert.Equal(t, "disk", result.Properties["ID_TYPE"])
}

func TestDefaultExecutor_ApplySkipsNonMatchingSubsystem(t *testing.T) {
	exec := newTestExecutor(t)
	e := &broker.Event{Subsystem: "net", Action: "add"}
	rules := RuleSet{
		{Subsystem: "block", SetProperties: map[string]string{"ID_BUS": "ata"}},
	}

	result, err := exec.Apply(context.Background(), e, broker.NewPropertiesSet(), rules, Timeouts{Apply: time.Second})
	require.NoError(t, err)
	assert.Empty(t, result.Properties)
}

func TestDefaultExecutor_ApplyCachesPerSubsystem(t *testing.T) {
	exec := newTestExecutor(t)
	rules := RuleSet{{Subsystem: "tty", SetProperties: map[string]string{"ID_BUS": "usb"}}}
	e := &broker.Event{Subsystem: "tty", Action: "add"}

	_, err := exec.Apply(context.Background(), e, broker.NewPropertiesSet(), rules, Timeouts{Apply: time.Second})
	require.NoError(t, err)
	assert.Equal(t, 1, exec.subsystemCache.Len())

	_, err = exec.Apply(context.Background(), e, broker.NewPropertiesSet(), rules, Timeouts{Apply: time.Second})
	require.NoError(t, err)
	assert.Equal(t, 1, exec.subsystemCache.Len())
}

func TestDefaultExecutor_RunProgramsRetriesFailingProgram(t *testing.T) {
	exec := newTestExecutor(t)
	exec.retrySlot = time.Millisecond
	exec.retryMax = 5 * time.Millisecond
	exec.retries = 2

	result := Result{Programs: []string{"/bin/false"}}
	err := exec.RunPrograms(context.Background(), &broker.Event{Devpath: "/devices/x"}, result, Timeouts{Program: time.Second})
	assert.Error(t, err)
}

func TestDefaultExecutor_RunProgramsSucceeds(t *testing.T) {
	exec := newTestExecutor(t)
	result := Result{Programs: []string{"/bin/true"}}
	err := exec.RunPrograms(context.Background(), &broker.Event{Devpath: "/devices/x"}, result, Timeouts{Program: time.Second})
	assert.NoError(t, err)
}
