package engine

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/TimurManjosov/gopolicy/internal/rules"
)

// Key identifies one compiled rule version.
type Key struct {
	RuleID  string
	Version int
}

func (k Key) String() string { return fmt.Sprintf("%s@%d", k.RuleID, k.Version) }

// CacheStats is a point-in-time snapshot of cache counters.
type CacheStats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Compiles  uint64 `json:"compiles"`
	Failures  uint64 `json:"failures"`
	Evictions uint64 `json:"evictions"`
	Entries   int    `json:"entries"`
}

type cacheEntry struct {
	kb *KnowledgeBase
	fp uint64
}

// Cache holds compiled knowledge bases keyed by (rule id, version).
//
// Concurrent misses for the same key share one compilation. Failed compiles
// are not cached. Once a version is evicted, a compile of it or any older
// version that was in flight when the rule changed cannot repopulate the
// cache.
type Cache struct {
	logger *zap.Logger
	opts   []Option

	mu         sync.RWMutex
	entries    map[Key]cacheEntry
	superseded map[string]int
	stats      CacheStats

	group singleflight.Group
}

// NewCache returns an empty cache. opts apply to every compile it performs.
func NewCache(logger *zap.Logger, opts ...Option) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		logger:     logger.Named("kbcache"),
		opts:       opts,
		entries:    make(map[Key]cacheEntry),
		superseded: make(map[string]int),
	}
}

// Get returns the knowledge base for key, compiling source on a miss. Extra
// opts are appended to the cache-wide options for this compile.
func (c *Cache) Get(ctx context.Context, key Key, source string, opts ...Option) (*KnowledgeBase, error) {
	all := append(append([]Option{}, c.opts...), opts...)
	o := defaultOptions()
	for _, opt := range all {
		opt(&o)
	}

	fp := Fingerprint(source, o.FallbackFactType, o.FallbackFields)

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		if e.fp == fp {
			c.count(func(s *CacheStats) { s.Hits++ })
			return e.kb, nil
		}
		c.logger.Warn("cached knowledge base does not match source, recompiling",
			zap.String("key", key.String()))
	}
	c.count(func(s *CacheStats) { s.Misses++ })

	ch := c.group.DoChan(fmt.Sprintf("%s:%x", key, fp), func() (any, error) {
		kb, err := Compile(key.String(), source, all...)
		if err != nil {
			c.count(func(s *CacheStats) { s.Failures++ })
			c.logger.Debug("compile failed", zap.String("key", key.String()), zap.Error(err))
			return nil, err
		}
		c.count(func(s *CacheStats) { s.Compiles++ })
		c.store(key, cacheEntry{kb: kb, fp: fp})
		return kb, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*KnowledgeBase), nil
	}
}

// GetOrCompile returns the knowledge base for a stored rule, keyed by its id
// and version. The rule's field list is the fact schema for sources that do
// not declare one.
func (c *Cache) GetOrCompile(ctx context.Context, r *rules.Rule) (*KnowledgeBase, error) {
	var opts []Option
	if len(r.Fields) > 0 {
		opts = append(opts, WithFactSchema(r.FactType, r.Fields))
	}
	return c.Get(ctx, Key{RuleID: r.ID, Version: r.Version}, r.Source, opts...)
}

func (c *Cache) store(key Key, e cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.superseded[key.RuleID]; ok && key.Version <= v {
		c.logger.Debug("discarding compile of superseded version", zap.String("key", key.String()))
		return
	}
	c.entries[key] = e
}

// Evict removes exactly the entry for key and reports whether it was
// present. The version is also recorded as superseded, so a compile of it
// that is still in flight is returned to its callers but never stored.
func (c *Cache) Evict(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if key.Version > c.superseded[key.RuleID] {
		c.superseded[key.RuleID] = key.Version
	}
	if _, ok := c.entries[key]; !ok {
		return false
	}
	delete(c.entries, key)
	c.stats.Evictions++
	c.logger.Debug("evicted", zap.String("key", key.String()))
	return true
}

// Restore undoes the superseded mark an Evict of key left behind, for a
// version change that did not happen. Compiles of key may be stored again.
func (c *Cache) Restore(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.superseded[key.RuleID] != key.Version {
		return
	}
	if key.Version <= 1 {
		delete(c.superseded, key.RuleID)
		return
	}
	c.superseded[key.RuleID] = key.Version - 1
}

// Contains reports whether key is cached.
func (c *Cache) Contains(key Key) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[key]
	return ok
}

// Stats returns current counters.
func (c *Cache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.stats
	s.Entries = len(c.entries)
	return s
}

func (c *Cache) count(f func(*CacheStats)) {
	c.mu.Lock()
	f(&c.stats)
	c.mu.Unlock()
}
