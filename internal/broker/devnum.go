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

import "github.com/ccoveille/go-safecast"

// DevNum is a Linux device node identifier, the (major, minor) pair used to
// key block and character device nodes under /dev. A zero DevNum means
// "this event does not describe a device node".
type DevNum struct {
	Major uint32
	Minor uint32
}

// IsZero reports whether d represents "not a device node".
func (d DevNum) IsZero() bool {
	return d.Major == 0 && d.Minor == 0
}

// NewDevNum safely packs kernel-supplied major/minor integers, which arrive
// as signed values over the uevent wire, into the unsigned pair the broker
// keys on.
func NewDevNum(major, minor int) (DevNum, error) {
	maj, err := safecast.ToUint32(major)
	if err != nil {
		return DevNum{}, err
	}
	min, err := safecast.ToUint32(minor)
	if err != nil {
		return DevNum{}, err
	}
	return DevNum{Major: maj, Minor: min}, nil
}
