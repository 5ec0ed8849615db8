// Copyright 2025 Tom Barlow
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

// Package stepcache memoizes step executions keyed by
// (tenant, skill, version, input fingerprint).
//
// Concurrent lookups for the same key collapse into a single producer
// call via singleflight, so two runs submitting an identical step at
// the same moment execute it once. Entries whose artifacts have been
// purged are treated as misses and evicted.
package stepcache

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/skillweave/skillweave/internal/state"
)

// Key identifies one memoizable step execution.
type Key struct {
	TenantID     string
	SkillID      string
	SkillVersion string
	Fingerprint  string
}

func (k Key) String() string {
	return strings.Join([]string{k.TenantID, k.SkillID, k.SkillVersion, k.Fingerprint}, "\x00")
}

// Outcome is the reusable result of a step execution.
type Outcome struct {
	ResultJSON  []byte
	ArtifactIDs []string

	// FromCache reports whether the outcome was served from a prior
	// execution rather than produced now.
	FromCache bool
}

// Producer executes the step and persists its outcome. The producer is
// responsible for writing the cache entry (transactionally with the
// step completion) so a later lookup hits.
type Producer func(ctx context.Context) (*Outcome, error)

// backend is the slice of the state store the cache needs.
type backend interface {
	GetCacheEntry(ctx context.Context, tenantID, skillID, skillVersion, fingerprint string) (*state.CacheEntry, error)
	DeleteCacheEntriesForArtifact(ctx context.Context, tenantID, artifactID string) error
	ArtifactExists(ctx context.Context, tenantID, artifactID string) (bool, error)
}

// Cache is the single-flight step cache.
type Cache struct {
	store  backend
	group  singleflight.Group
	logger *slog.Logger
	now    func() time.Time
}

// New creates a cache over the given store. Logger may be nil.
func New(store backend, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{store: store, logger: logger, now: time.Now}
}

// Do returns the memoized outcome for key, or runs producer exactly
// once per in-flight key to obtain it. A ttl of zero means entries
// never expire.
func (c *Cache) Do(ctx context.Context, key Key, ttl time.Duration, producer Producer) (*Outcome, error) {
	v, err, _ := c.group.Do(key.String(), func() (any, error) {
		if out, ok := c.lookup(ctx, key, ttl); ok {
			return out, nil
		}
		return producer(ctx)
	})
	if err != nil {
		return nil, err
	}
	out := v.(*Outcome)

	// Followers of a singleflight leader share the leader's outcome
	// pointer; hand each caller its own copy.
	cp := *out
	return &cp, nil
}

// Lookup checks the cache without producing. Returns nil on miss.
func (c *Cache) Lookup(ctx context.Context, key Key, ttl time.Duration) *Outcome {
	out, ok := c.lookup(ctx, key, ttl)
	if !ok {
		return nil
	}
	return out
}

func (c *Cache) lookup(ctx context.Context, key Key, ttl time.Duration) (*Outcome, bool) {
	entry, err := c.store.GetCacheEntry(ctx, key.TenantID, key.SkillID, key.SkillVersion, key.Fingerprint)
	if err != nil {
		// A broken cache read degrades to a miss.
		c.logger.Warn("cache lookup failed",
			"skill_id", key.SkillID, "error", err)
		return nil, false
	}
	if entry == nil {
		return nil, false
	}

	if ttl > 0 && c.now().After(entry.CreatedAt.Add(ttl)) {
		return nil, false
	}

	// Validate every referenced artifact still resolves. A hit with a
	// dangling artifact would hand downstream steps a dead reference.
	for _, id := range entry.ArtifactIDs {
		ok, err := c.store.ArtifactExists(ctx, key.TenantID, id)
		if err != nil {
			c.logger.Warn("cache revalidation failed",
				"skill_id", key.SkillID, "artifact_id", id, "error", err)
			return nil, false
		}
		if !ok {
			c.logger.Info("evicting cache entry with purged artifact",
				"skill_id", key.SkillID, "artifact_id", id)
			if err := c.store.DeleteCacheEntriesForArtifact(ctx, key.TenantID, id); err != nil {
				c.logger.Warn("cache eviction failed", "artifact_id", id, "error", err)
			}
			return nil, false
		}
	}

	return &Outcome{
		ResultJSON:  entry.ResultJSON,
		ArtifactIDs: entry.ArtifactIDs,
		FromCache:   true,
	}, true
}
