// Copyright 2025 Antfly, Inc.
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

package earwig

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/antflydb/earwig/lib/decode"
)

// TranscriptionCacheTTL is the default TTL for cached transcriptions.
const TranscriptionCacheTTL = 2 * time.Minute

// TranscriptionCache memoizes transcription results keyed by audio content
// and decoding options. Concurrent identical requests collapse into one
// computation.
type TranscriptionCache struct {
	cache   *ttlcache.Cache[string, *decode.Result]
	sfGroup *singleflight.Group
	logger  *zap.Logger

	// Metrics
	hits   atomic.Uint64
	misses atomic.Uint64
	sfHits atomic.Uint64
}

// NewTranscriptionCache builds a cache with the given TTL; zero means the
// default.
func NewTranscriptionCache(ttl time.Duration, logger *zap.Logger) *TranscriptionCache {
	if ttl <= 0 {
		ttl = TranscriptionCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, *decode.Result](ttl),
	)
	go cache.Start()
	return &TranscriptionCache{
		cache:   cache,
		sfGroup: &singleflight.Group{},
		logger:  logger,
	}
}

// Key derives the cache key from the model identity, samples and options.
func (c *TranscriptionCache) Key(model string, samples []float32, opts decode.Options) string {
	h := xxhash.New()
	_, _ = h.WriteString(model)
	_, _ = h.WriteString("\x00" + opts.Language + "\x00" + opts.Prompt + "\x00")
	var flags [1]byte
	if opts.CountEndToken {
		flags[0] = 1
	}
	_, _ = h.Write(flags[:])

	var buf [4]byte
	for _, s := range samples {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(s))
		_, _ = h.Write(buf[:])
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// Do returns the cached result for key or computes it once, deduplicating
// concurrent identical requests.
func (c *TranscriptionCache) Do(ctx context.Context, key string, compute func(context.Context) (*decode.Result, error)) (*decode.Result, error) {
	if item := c.cache.Get(key); item != nil {
		c.hits.Add(1)
		RecordCacheHit("transcription")
		c.logger.Debug("Transcription cache hit", zap.String("key", key))
		return item.Value(), nil
	}

	result, err, shared := c.sfGroup.Do(key, func() (any, error) {
		c.misses.Add(1)
		RecordCacheMiss("transcription")

		res, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.cache.Set(key, res, ttlcache.DefaultTTL)
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.sfHits.Add(1)
		c.logger.Debug("Singleflight hit for transcription request", zap.String("key", key))
	}
	return result.(*decode.Result), nil
}

// Stats returns hit, miss and deduplication counts.
func (c *TranscriptionCache) Stats() (hits, misses, sfHits uint64) {
	return c.hits.Load(), c.misses.Load(), c.sfHits.Load()
}

// Stop halts cache expiry and drops all entries.
func (c *TranscriptionCache) Stop() {
	c.cache.Stop()
	c.cache.DeleteAll()
}
