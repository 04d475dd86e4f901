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

package internal

import (
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/felixge/fgtrace"
	"go.uber.org/zap"
)

// fgtraceEnvVar gates the flame-graph tracer behind an explicit opt-in: a
// reactor loop spends most of its life in epoll_wait, so fgtrace's sampling
// overhead is cheap in practice, but it is still off by default.
const fgtraceEnvVar = "DEVICEBROKER_ENABLE_FGTRACE"

const fgtraceAddr = ":7687"

// StartFgtrace launches the fgtrace HTTP endpoint in the background when
// DEVICEBROKER_ENABLE_FGTRACE is set to a truthy value, serving live
// flame graphs of the reactor loop at fgtraceAddr + "/debug/fgtrace".
func StartFgtrace() {
	go func() {
		val, set := os.LookupEnv(fgtraceEnvVar)
		if !set {
			zap.S().Infof("%s not set, flame-graph tracing disabled", fgtraceEnvVar)
			return
		}

		enabled, err := strconv.ParseBool(val)
		if err != nil {
			zap.S().Errorf("%s is not a valid boolean: %s", fgtraceEnvVar, val)
			return
		}
		if !enabled {
			zap.S().Debugf("flame-graph tracing disabled")
			return
		}

		zap.S().Warnf("flame-graph tracing enabled on %s, this costs cycles on every reactor wakeup", fgtraceAddr)
		http.DefaultServeMux.Handle("/debug/fgtrace", fgtrace.Config{})
		server := &http.Server{
			Addr:              fgtraceAddr,
			ReadHeaderTimeout: 3 * time.Second,
		}
		if err := server.ListenAndServe(); err != nil {
			zap.S().Errorf("fgtrace server exited: %s", err)
		}
	}()
}
