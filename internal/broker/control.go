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

import (
	"encoding/binary"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// CommandType identifies one of the administrative commands the control
// plane accepts on the SOCK_SEQPACKET control socket.
type CommandType uint32

const (
	CmdSetLogLevel CommandType = iota + 1
	CmdStopExecQueue
	CmdStartExecQueue
	CmdReload
	CmdSetEnv
	CmdSetMaxChildren
	CmdPing
	CmdExit
)

// payloadSize bounds the fixed-size control message payload. It is large
// enough for a "KEY=value" SET_ENV line; anything longer is truncated by
// the wire format itself, not validated here.
const payloadSize = 256

// Message is the fixed-framing control wire message: a 4-byte command
// type followed by a fixed-size payload, one command per connection the
// way original_source/src/udev/udevd.c's on_ctrl_msg reads a single
// udev_ctrl_msg off each accepted connection.
type Message struct {
	Type    CommandType
	Payload [payloadSize]byte
}

// ErrMalformed is returned for a truncated or unrecognized control
// message; callers must log and ignore it, never crash the broker
//.
var ErrMalformed = errors.New("devicebroker: malformed control message")

// DecodeMessage parses a wire-format control message from buf.
func DecodeMessage(buf []byte) (Message, error) {
	var m Message
	if len(buf) < 4 {
		return m, ErrMalformed
	}
	m.Type = CommandType(binary.LittleEndian.Uint32(buf[:4]))
	n := copy(m.Payload[:], buf[4:])
	if n == 0 && len(buf) > 4 {
		return m, ErrMalformed
	}
	return m, nil
}

// payloadString returns the payload up to its first NUL byte.
func (m Message) payloadString() string {
	for i, b := range m.Payload {
		if b == 0 {
			return string(m.Payload[:i])
		}
	}
	return string(m.Payload[:])
}

// LogLevelSetter lets the control plane retune the process-wide log
// threshold without the broker package depending on zap's AtomicLevel
// type directly.
type LogLevelSetter interface {
	SetLevel(n int32)
}

// ControlPlane dispatches decoded Messages against a Broker.
type ControlPlane struct {
	levels LogLevelSetter
}

// NewControlPlane constructs a control plane that retunes levels through
// the given setter (typically a thin wrapper over a zap.AtomicLevel).
func NewControlPlane(levels LogLevelSetter) *ControlPlane {
	return &ControlPlane{levels: levels}
}

// Handle applies one decoded control message to b. Malformed SET_ENV
// payloads are logged and ignored rather than propagated.
func (c *ControlPlane) Handle(b *Broker, m Message) {
	switch m.Type {
	case CmdSetLogLevel:
		n := int32(binary.LittleEndian.Uint32(m.Payload[:4]))
		b.SetLogLevel(n)
		if c.levels != nil {
			c.levels.SetLevel(n)
		}
		b.Pool.KillAll(b.Queue) // respawned workers build their own logger; this level does not reach them
	case CmdStopExecQueue:
		b.StopExecQueue = true
	case CmdStartExecQueue:
		b.StopExecQueue = false
	case CmdReload:
		b.Reload = true // acted on by step 5 of the same loop iteration
	case CmdSetEnv:
		kv := m.payloadString()
		key, value, ok := splitKV(kv)
		if !ok {
			zap.S().Warnw("malformed SET_ENV payload, ignoring", "payload", kv)
			return
		}
		b.Properties.Set(key, value)
		b.Pool.KillAll(b.Queue) // Pool.Dispatch spawns with nil props, so respawned workers do not receive Properties
	case CmdSetMaxChildren:
		n := binary.LittleEndian.Uint32(m.Payload[:4])
		b.Pool.SetChildrenMax(int(n))
	case CmdPing:
		// Observability only; nothing is written back. The control
		// socket closes the connection once this returns, and the
		// reactor's fixed processing order has already read this
		// iteration's uevents and inotify synthesis before the command
		// is dequeued.
	case CmdExit:
		b.UdevExit = true
	default:
		zap.S().Warnw("unrecognized control command, ignoring", "type", m.Type)
	}
}

// splitKV parses a "KEY=value" or "KEY=" SET_ENV payload.
func splitKV(s string) (key, value string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			key = s[:i]
			value = s[i+1:]
			if key == "" {
				return "", "", false
			}
			return key, value, true
		}
	}
	return "", "", false
}

// EncodeSetEnv builds the wire payload for SET_ENV, exported for the
// control-socket client side (udevadm-equivalent tooling, or tests).
func EncodeSetEnv(key, value string) (Message, error) {
	kv := fmt.Sprintf("%s=%s", key, value)
	if len(kv) > payloadSize {
		return Message{}, fmt.Errorf("devicebroker: SET_ENV payload too long: %d bytes", len(kv))
	}
	var m Message
	m.Type = CmdSetEnv
	copy(m.Payload[:], kv)
	return m, nil
}
