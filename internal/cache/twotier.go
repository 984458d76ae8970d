// Package cache provides the two-tier read cache behind availability
// queries and reference data: an in-process tier for the hot path and a
// shared Redis tier so pods agree after invalidation.
package cache

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/wer-inc/ripipi/pkg/logger"
	"github.com/wer-inc/ripipi/pkg/redis"
)

// Config tunes the two cache tiers. The local TTL is kept shorter than the
// remote one so a pod that missed an invalidation converges quickly.
type Config struct {
	LocalTTL   time.Duration
	LocalSweep time.Duration
	RemoteTTL  time.Duration
}

func DefaultConfig() Config {
	return Config{
		LocalTTL:   15 * time.Second,
		LocalSweep: time.Minute,
		RemoteTTL:  5 * time.Minute,
	}
}

// TwoTier is a byte-value cache with tag-based invalidation. Every write
// may carry tags; invalidating a tag drops all keys written under it, in
// both tiers. The remote tier is optional and every remote failure degrades
// to a miss, never an error.
type TwoTier struct {
	local  *gocache.Cache
	remote *redis.Client
	cfg    Config
	log    *logger.Logger

	mu   sync.Mutex
	tags map[string]map[string]struct{}
}

func New(remote *redis.Client, cfg Config) *TwoTier {
	def := DefaultConfig()
	if cfg.LocalTTL <= 0 {
		cfg.LocalTTL = def.LocalTTL
	}
	if cfg.LocalSweep <= 0 {
		cfg.LocalSweep = def.LocalSweep
	}
	if cfg.RemoteTTL <= 0 {
		cfg.RemoteTTL = def.RemoteTTL
	}
	return &TwoTier{
		local:  gocache.New(cfg.LocalTTL, cfg.LocalSweep),
		remote: remote,
		cfg:    cfg,
		log:    logger.Get().Named("cache"),
		tags:   make(map[string]map[string]struct{}),
	}
}

const tagKeyPrefix = "cache:tag:"

// Get returns the cached value for key. A remote hit is written back into
// the local tier with Add so concurrent readers race to a single writer.
func (c *TwoTier) Get(ctx context.Context, key string) ([]byte, bool) {
	if v, ok := c.local.Get(key); ok {
		return v.([]byte), true
	}
	if c.remote == nil {
		return nil, false
	}

	raw, err := c.remote.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	c.local.Add(key, raw, gocache.DefaultExpiration)
	return raw, true
}

// Set stores value under key in both tiers and indexes it under tags.
func (c *TwoTier) Set(ctx context.Context, key string, value []byte, tags ...string) {
	c.local.Set(key, value, gocache.DefaultExpiration)
	c.index(key, tags)

	if c.remote == nil {
		return
	}
	if err := c.remote.Set(ctx, key, value, c.cfg.RemoteTTL).Err(); err != nil {
		c.log.Warn("remote cache set failed", "key", key, "error", err)
		return
	}
	for _, tag := range tags {
		tagKey := tagKeyPrefix + tag
		if err := c.remote.SAdd(ctx, tagKey, key).Err(); err != nil {
			c.log.Warn("remote cache tag index failed", "tag", tag, "error", err)
			continue
		}
		// the tag set outlives its newest member slightly so late
		// invalidations still find every key
		c.remote.Expire(ctx, tagKey, 2*c.cfg.RemoteTTL)
	}
}

// Invalidate drops the given keys from both tiers.
func (c *TwoTier) Invalidate(ctx context.Context, keys ...string) {
	for _, key := range keys {
		c.local.Delete(key)
	}
	if c.remote != nil && len(keys) > 0 {
		if err := c.remote.Del(ctx, keys...).Err(); err != nil {
			c.log.Warn("remote cache delete failed", "error", err)
		}
	}
}

// InvalidateTag drops every key written under tag.
func (c *TwoTier) InvalidateTag(ctx context.Context, tag string) {
	c.mu.Lock()
	keys := make([]string, 0, len(c.tags[tag]))
	for key := range c.tags[tag] {
		keys = append(keys, key)
	}
	delete(c.tags, tag)
	c.mu.Unlock()

	for _, key := range keys {
		c.local.Delete(key)
	}

	if c.remote == nil {
		return
	}
	tagKey := tagKeyPrefix + tag
	members, err := c.remote.SMembers(ctx, tagKey).Result()
	if err != nil {
		c.log.Warn("remote cache tag lookup failed", "tag", tag, "error", err)
		return
	}
	if err := c.remote.Del(ctx, append(members, tagKey)...).Err(); err != nil {
		c.log.Warn("remote cache tag delete failed", "tag", tag, "error", err)
	}
}

// AcquireLock takes a short shared lock, SET NX EX against the remote tier.
// Without a remote tier the lock is process-local only.
func (c *TwoTier) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if c.remote != nil {
		return c.remote.SetNX(ctx, "cache:lock:"+key, 1, ttl).Result()
	}
	return c.local.Add("cache:lock:"+key, []byte{1}, ttl) == nil, nil
}

// ReleaseLock releases a lock taken with AcquireLock.
func (c *TwoTier) ReleaseLock(ctx context.Context, key string) {
	c.local.Delete("cache:lock:" + key)
	if c.remote != nil {
		c.remote.Del(ctx, "cache:lock:"+key)
	}
}

func (c *TwoTier) index(key string, tags []string) {
	if len(tags) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tag := range tags {
		set, ok := c.tags[tag]
		if !ok {
			set = make(map[string]struct{})
			c.tags[tag] = set
		}
		set[key] = struct{}{}
	}
}
