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

package persistence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// tieredCache is a memory+Redis tiered cache, as a struct rather than
// package globals: the client and in-memory cache are fields so multiple
// DevicePersistence instances — e.g. one per test — don't share state.
// Redis is optional: a nil client degrades to memory-only, the same
// DRY_RUN behavior older iterations of this cache shape supported.
type tieredCache struct {
	mem   *cache.Cache
	redis *redis.Client

	memTTL   time.Duration
	redisTTL time.Duration
}

func newTieredCache(redisAddr string) *tieredCache {
	t := &tieredCache{
		mem:      cache.New(10*time.Second, 20*time.Second),
		memTTL:   10 * time.Second,
		redisTTL: 12 * time.Hour,
	}
	if redisAddr != "" {
		t.redis = redis.NewClient(&redis.Options{Addr: redisAddr})
	}
	return t
}

func (t *tieredCache) get(key string) (Record, bool) {
	if v, ok := t.mem.Get(key); ok {
		rec, _ := v.(Record)
		return rec, true
	}
	if t.redis == nil {
		return Record{}, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, err := t.redis.Get(ctx, key).Bytes()
	if err != nil {
		return Record{}, false
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		zap.S().Warnw("corrupt redis record, ignoring", "key", key, "error", err)
		return Record{}, false
	}
	t.mem.SetDefault(key, rec)
	return rec, true
}

func (t *tieredCache) set(key string, rec Record) {
	t.mem.SetDefault(key, rec)
	if t.redis == nil {
		return
	}
	b, err := json.Marshal(rec)
	if err != nil {
		zap.S().Warnw("failed to marshal record for redis", "key", key, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := t.redis.Set(ctx, key, b, t.redisTTL).Err(); err != nil {
		zap.S().Warnw("failed to write record to redis", "key", key, "error", err)
	}
}

func (t *tieredCache) delete(key string) {
	t.mem.Delete(key)
	if t.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := t.redis.Del(ctx, key).Err(); err != nil {
		zap.S().Warnw("failed to delete record from redis", "key", key, "error", err)
	}
}
