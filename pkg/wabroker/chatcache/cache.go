// Package chatcache keeps short-lived per-chat metadata so that listing
// and profile lookups do not repeat expensive adapter calls.
package chatcache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jholhewres/wabroker/pkg/wabroker/adapter"
)

// Config holds cache limits.
type Config struct {
	// TTL is how long an entry stays fresh. Default: 5m
	TTL time.Duration `yaml:"ttl"`

	// MaxEntries bounds the cache size. Default: 2000
	MaxEntries int `yaml:"max_entries"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{TTL: 5 * time.Minute, MaxEntries: 2000}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TTL <= 0 {
		c.TTL = d.TTL
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = d.MaxEntries
	}
	return c
}

// LoadFunc produces a fresh summary for a chat.
type LoadFunc func(ctx context.Context, chatID string) (adapter.ChatSummary, error)

type entry struct {
	summary   adapter.ChatSummary
	expiresAt time.Time
}

type call struct {
	done    chan struct{}
	summary adapter.ChatSummary
	err     error
}

// Cache maps chat ids to summaries with a time-to-live.
type Cache struct {
	mu       sync.Mutex
	cfg      Config
	entries  map[string]*entry
	inflight map[string]*call
	now      func() time.Time
	logger   *slog.Logger

	hits   uint64
	misses uint64
}

// New creates a Cache.
func New(cfg Config, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		cfg:      cfg.withDefaults(),
		entries:  make(map[string]*entry),
		inflight: make(map[string]*call),
		now:      time.Now,
		logger:   logger.With("component", "chatcache"),
	}
}

// SetConfig replaces the limits. Existing entries keep their expiry.
func (c *Cache) SetConfig(cfg Config) {
	c.mu.Lock()
	c.cfg = cfg.withDefaults()
	c.mu.Unlock()
}

// Get returns a fresh entry.
func (c *Cache) Get(chatID string) (adapter.ChatSummary, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[chatID]
	if !ok || !c.now().Before(e.expiresAt) {
		c.misses++
		return adapter.ChatSummary{}, false
	}
	c.hits++
	return e.summary, true
}

// Put stores a summary with the configured TTL.
func (c *Cache) Put(s adapter.ChatSummary) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(s)
}

func (c *Cache) putLocked(s adapter.ChatSummary) {
	if _, exists := c.entries[s.ChatID]; !exists && len(c.entries) >= c.cfg.MaxEntries {
		c.evictLocked()
	}
	c.entries[s.ChatID] = &entry{summary: s, expiresAt: c.now().Add(c.cfg.TTL)}
}

// evictLocked drops expired entries, or the entry closest to expiry when
// none has expired.
func (c *Cache) evictLocked() {
	now := c.now()
	var (
		oldestID string
		oldestAt time.Time
	)
	removed := 0
	for id, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, id)
			removed++
			continue
		}
		if oldestID == "" || e.expiresAt.Before(oldestAt) {
			oldestID, oldestAt = id, e.expiresAt
		}
	}
	if removed == 0 && oldestID != "" {
		delete(c.entries, oldestID)
	}
}

// GetOrLoad returns the cached summary or runs load once for concurrent
// callers asking for the same chat. Load errors are not cached.
func (c *Cache) GetOrLoad(ctx context.Context, chatID string, load LoadFunc) (adapter.ChatSummary, error) {
	if s, ok := c.Get(chatID); ok {
		return s, nil
	}

	c.mu.Lock()
	if cl, ok := c.inflight[chatID]; ok {
		c.mu.Unlock()
		select {
		case <-cl.done:
			return cl.summary, cl.err
		case <-ctx.Done():
			return adapter.ChatSummary{}, ctx.Err()
		}
	}
	cl := &call{done: make(chan struct{})}
	c.inflight[chatID] = cl
	c.mu.Unlock()

	cl.summary, cl.err = load(ctx, chatID)

	c.mu.Lock()
	delete(c.inflight, chatID)
	if cl.err == nil {
		cl.summary.ChatID = chatID
		c.putLocked(cl.summary)
	}
	c.mu.Unlock()
	close(cl.done)

	return cl.summary, cl.err
}

// Invalidate removes a chat's entry.
func (c *Cache) Invalidate(chatID string) {
	c.mu.Lock()
	delete(c.entries, chatID)
	c.mu.Unlock()
}

// Clear removes every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*entry)
	c.mu.Unlock()
}

// Prune removes expired entries and returns how many were dropped.
func (c *Cache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for id, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, id)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debug("chatcache: pruned expired entries", "removed", removed, "remaining", len(c.entries))
	}
	return removed
}

// Len returns the number of stored entries, fresh or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns hit and miss counters.
func (c *Cache) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
