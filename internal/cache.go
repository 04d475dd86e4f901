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

// Package internal holds small, broadly-shared helpers with no natural
// home of their own: retry backoff, an in-memory publish-dedup cache, and
// the debug profiling endpoint.
package internal

import (
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

var notifyCache *cache.Cache

// InitMemcache brings up the in-memory cache ruleexec.MQTTNotifier uses to
// suppress republishing a device notification whose payload hasn't
// changed. There is no Redis tier here: the cache only needs to survive
// one process's lifetime, since a restarted daemon re-running all its
// rules and republishing once is harmless.
func InitMemcache() {
	notifyCache = cache.New(10*time.Second, 20*time.Second)
	zap.S().Debugf("publish-dedup cache initialized")
}

// SetMemcached records key (normally a devpath/notification-body pair) as
// recently published.
func SetMemcached(key string, value interface{}) {
	notifyCache.SetDefault(key, value)
}

// GetMemcached reports whether key was recorded by a recent SetMemcached.
func GetMemcached(key string) (value interface{}, found bool) {
	return notifyCache.Get(key)
}
