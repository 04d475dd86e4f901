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

// PropertiesSet is a mapping from environment-key to optional value,
// mutated only by the control plane. A nil entry means
// "explicit unset" — distinct from the key being absent, which means
// "never configured".
type PropertiesSet map[string]*string

// NewPropertiesSet returns an empty set.
func NewPropertiesSet() PropertiesSet {
	return make(PropertiesSet)
}

// Set upserts key=value, or unsets key when value is empty, mirroring the
// control plane's SET_ENV("k=v"|"k=") wire format.
func (p PropertiesSet) Set(key, value string) {
	if value == "" {
		p[key] = nil
		return
	}
	p[key] = &value
}

// Snapshot returns a copy suitable for handing to a freshly spawned
// worker, which receives a point-in-time snapshot rather than a live
// reference.
func (p PropertiesSet) Snapshot() PropertiesSet {
	out := make(PropertiesSet, len(p))
	for k, v := range p {
		if v == nil {
			out[k] = nil
			continue
		}
		val := *v
		out[k] = &val
	}
	return out
}

// Environ renders the set as a process environment ("k=v" lines, per
// os/exec.Cmd.Env), skipping explicitly-unset keys.
func (p PropertiesSet) Environ() []string {
	out := make([]string, 0, len(p))
	for k, v := range p {
		if v == nil {
			continue
		}
		out = append(out, k+"="+*v)
	}
	return out
}
