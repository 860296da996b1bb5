package kernel

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/relaykit/orchestrator/core"
	"github.com/robfig/cron/v3"
)

// cacheEntry is one L1 slot: the cached final answer plus its expiry.
type cacheEntry struct {
	answer    string
	expiresAt time.Time
}

// Cache is the two-tier response cache (spec.md §4.5): an in-process L1
// map with lazy expiry checked on Get, backed by a durable L2 tier in Redis
// using the store's own TTL. Lookup tries two granularities — keyed on the
// normalized goal alone, then on goal‖plan_text — so a repeated goal with a
// differently-shaped plan still has a chance to hit.
//
// Grounded on orchestration/cache.go's SimpleCache (RWMutex-guarded map,
// sha256-derived keys, background eviction goroutine), generalized to two
// tiers and two key granularities, and replacing its ad hoc cleanup ticker
// with robfig/cron (jefflaplante-conduit/internal/maintenance/scheduler.go's
// cron.New/AddFunc/Start wiring) since SPEC_FULL.md §4.5 names a cron-driven
// sweep as the domain-stack addition for this component.
type Cache struct {
	mu  sync.RWMutex
	l1  map[string]cacheEntry
	ttl time.Duration

	redis  *core.RedisClient // nil disables the L2 tier
	cron   *cron.Cron
	logger core.Logger
}

// NewCache constructs a Cache with the given L1/L2 entry TTL. redisClient
// may be nil to run L1-only (e.g. in tests).
func NewCache(ttl time.Duration, redisClient *core.RedisClient, logger core.Logger) *Cache {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("kernel/cache")
	}
	return &Cache{
		l1:     make(map[string]cacheEntry),
		ttl:    ttl,
		redis:  redisClient,
		logger: logger,
	}
}

// StartSweep registers a periodic L1 eviction sweep on the given cron
// schedule (standard 5-field cron, e.g. "*/5 * * * *") and starts it. Call
// StopSweep to release it. A nil Cache.cron means no sweep is running;
// expired L1 entries are still never returned by Get (lazy expiry), so the
// sweep is a memory-bound, not a correctness, concern.
func (c *Cache) StartSweep(schedule string) error {
	c.cron = cron.New()
	if _, err := c.cron.AddFunc(schedule, c.sweepL1); err != nil {
		return err
	}
	c.cron.Start()
	return nil
}

// StopSweep stops the periodic sweep, if one was started.
func (c *Cache) StopSweep() {
	if c.cron != nil {
		c.cron.Stop()
	}
}

func (c *Cache) sweepL1() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	evicted := 0
	for key, entry := range c.l1 {
		if now.After(entry.expiresAt) {
			delete(c.l1, key)
			evicted++
		}
	}
	if evicted > 0 {
		c.logger.Info("cache sweep evicted expired entries", map[string]interface{}{"count": evicted})
	}
}

// Get looks up goal first against the goal-only key, falling back to the
// goal‖planText key, trying L1 before L2. A hit on L2 is promoted into L1.
func (c *Cache) Get(ctx context.Context, goal, planText string) (string, bool) {
	keys := []string{c.key(goal, ""), c.key(goal, planText)}

	for _, key := range keys {
		if answer, ok := c.getL1(key); ok {
			return answer, true
		}
	}

	if c.redis == nil {
		return "", false
	}

	for _, key := range keys {
		answer, err := c.redis.Get(ctx, redisCacheKey(key))
		if err == nil {
			c.setL1(key, answer)
			return answer, true
		}
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("cache L2 get failed", map[string]interface{}{"error": err.Error()})
		}
	}
	return "", false
}

// Set writes answer under both the goal‖planText key and the goal-only key,
// to both tiers, so a later lookup hits regardless of which granularity Get
// tries first (spec.md §4.5: "write both keys into both tiers"). L2 write
// failures are logged but never surface as an error — cache durability is
// best-effort.
func (c *Cache) Set(ctx context.Context, goal, planText, answer string) {
	keys := []string{c.key(goal, planText)}
	if planText != "" {
		keys = append(keys, c.key(goal, ""))
	}

	for _, key := range keys {
		c.setL1(key, answer)
		if c.redis == nil {
			continue
		}
		if err := c.redis.Set(ctx, redisCacheKey(key), answer, c.ttl); err != nil {
			c.logger.Warn("cache L2 set failed", map[string]interface{}{"error": err.Error()})
		}
	}
}

func (c *Cache) getL1(key string) (string, bool) {
	c.mu.RLock()
	entry, found := c.l1[key]
	c.mu.RUnlock()
	if !found || time.Now().After(entry.expiresAt) {
		return "", false
	}
	return entry.answer, true
}

func (c *Cache) setL1(key, answer string) {
	c.mu.Lock()
	c.l1[key] = cacheEntry{answer: answer, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

// key derives the SHA-256 digest key over the normalized goal, or normalized
// goal‖plan_text when planText is non-empty (spec.md §4.5's two lookup
// granularities).
func (c *Cache) key(goal, planText string) string {
	normalized := normalize(goal)
	if planText != "" {
		normalized = normalized + "\x00" + normalize(planText)
	}
	h := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(h[:])
}

func normalize(s string) string {
	fields := strings.Fields(strings.ToLower(s))
	return strings.Join(fields, " ")
}

func redisCacheKey(digest string) string {
	return "respcache:" + digest
}
