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
	"io/fs"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// MtimeRulePoller implements RulePoller the way udevd.c's
// udev_rules_check_timestamp does: a synchronous stat pass over the rule
// directory rather than an inotify watch, since Loop already polls it on
// a fixed cadence (rulePollInterval) and a second async notification path
// would just duplicate that. Changed reports true the first time it sees
// the directory's newest mtime move forward from what it last recorded.
type MtimeRulePoller struct {
	dir    string
	newest time.Time
	primed bool
}

// NewMtimeRulePoller watches dir (typically /etc/devicebroker/rules.d or
// similar) for any file whose mtime advances.
func NewMtimeRulePoller(dir string) *MtimeRulePoller {
	return &MtimeRulePoller{dir: dir}
}

// Changed reports whether any file under the watched directory has a
// newer mtime than the last call recorded. The first call always
// primes the baseline and returns false: a freshly started daemon
// hasn't "changed" relative to nothing.
func (p *MtimeRulePoller) Changed() bool {
	newest := p.newestMtime()
	if !p.primed {
		p.primed = true
		p.newest = newest
		return false
	}
	if newest.After(p.newest) {
		p.newest = newest
		return true
	}
	return false
}

func (p *MtimeRulePoller) newestMtime() time.Time {
	var newest time.Time
	err := filepath.WalkDir(p.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // missing/unreadable rule file: skip it, don't abort the walk
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		return nil
	})
	if err != nil {
		zap.S().Warnw("rule directory walk failed", "dir", p.dir, "error", err)
	}
	return newest
}
