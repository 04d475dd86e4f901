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

package main

import (
	"os"
	"strconv"
	"strings"
)

// listenFdsStart is systemd's sd_listen_fds convention: inherited fds
// begin immediately after stdin/stdout/stderr.
const listenFdsStart = 3

// activatedFds implements the sd_listen_fds(3) protocol udevd.c's
// manager_new checks before binding its own sockets: if LISTEN_PID
// matches our pid, LISTEN_FDS inherited descriptors starting at fd 3 are
// already bound and listening, handed off by a supervising process
// (systemd socket activation, or a test harness). LISTEN_FDNAMES, when
// present, lets the caller pick out a specific named fd instead of
// relying on ordering.
func activatedFds() map[string]int {
	pidStr := os.Getenv("LISTEN_PID")
	if pidStr == "" {
		return nil
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil || pid != os.Getpid() {
		return nil
	}
	n, err := strconv.Atoi(os.Getenv("LISTEN_FDS"))
	if err != nil || n <= 0 {
		return nil
	}

	names := strings.Split(os.Getenv("LISTEN_FDNAMES"), ":")
	out := make(map[string]int, n)
	for i := 0; i < n; i++ {
		name := strconv.Itoa(i)
		if i < len(names) && names[i] != "" {
			name = names[i]
		}
		out[name] = listenFdsStart + i
	}
	return out
}
