package cache

import (
	"encoding/json"
	"fmt"
	"sync"

	"aiorchestrator/internal/clock"
	"aiorchestrator/internal/domain"
)

// Entry is the stored cache record.
type Entry struct {
	Response    domain.Response
	InsertedMs  int64
	TTLSeconds  int
	Compressed  bool
	AccessCount int
}

// Config controls TTL computation, size bounds, and the compression
// threshold.
type Config struct {
	BaseTTLSeconds        int
	CompressionThreshold  int // bytes; entries above this are compressed
	MaxCacheSize          int
	SlidingRefreshEnabled bool
}

// DefaultConfig matches the teacher's conservative cache defaults.
func DefaultConfig() Config {
	return Config{
		BaseTTLSeconds:       3600,
		CompressionThreshold: 2048,
		MaxCacheSize:         10000,
	}
}

type storedEntry struct {
	raw         []byte // JSON-marshaled domain.Response, possibly flate-compressed
	compressed  bool
	insertedMs  int64
	ttlSeconds  int
	accessCount int
}

// Cache is the concurrency-safe semantic cache.
type Cache struct {
	cfg   Config
	clk   clock.Clock
	mu    sync.Mutex
	items map[string]*storedEntry
	order []string // insertion order, oldest first, for eviction
}

// New creates an empty Cache.
func New(cfg Config, clk clock.Clock) *Cache {
	return &Cache{
		cfg:   cfg,
		clk:   clk,
		items: make(map[string]*storedEntry),
	}
}

// Get looks up key. The returned Response has Cached=true on a hit.
// Expired entries are deleted lazily and reported as a miss.
func (c *Cache) Get(key string) (domain.Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	se, ok := c.items[key]
	if !ok {
		return domain.Response{}, false
	}

	nowMs := c.clk.Now().UnixMilli()
	ageSeconds := (nowMs - se.insertedMs) / 1000
	if ageSeconds >= int64(se.ttlSeconds) {
		delete(c.items, key)
		c.removeFromOrder(key)
		return domain.Response{}, false
	}

	se.accessCount++
	if c.cfg.SlidingRefreshEnabled {
		se.insertedMs = nowMs
	}

	resp, err := c.decodeEntry(se)
	if err != nil {
		delete(c.items, key)
		c.removeFromOrder(key)
		return domain.Response{}, false
	}
	resp.Cached = true
	return resp, true
}

// Set inserts resp under key, computing TTL from domain and cost per the
// cache's TTL recipe. Error responses are never cached.
func (c *Cache) Set(key string, resp domain.Response, reqDomain domain.Domain) error {
	if !resp.Success {
		return nil
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("cache: marshal response: %w", err)
	}

	compressed := false
	if len(raw) > c.cfg.CompressionThreshold {
		compactRaw, cerr := compress(raw)
		if cerr != nil {
			return fmt.Errorf("cache: compress entry: %w", cerr)
		}
		raw = compactRaw
		compressed = true
	}

	ttl := c.computeTTL(resp, reqDomain)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[key]; !exists {
		c.order = append(c.order, key)
	}
	c.items[key] = &storedEntry{
		raw:        raw,
		compressed: compressed,
		insertedMs: c.clk.Now().UnixMilli(),
		ttlSeconds: ttl,
	}
	c.evictIfOverCapacity()
	return nil
}

// Entry returns the stored record for key, for inspection/testing; it
// does not affect expiry or access counters.
func (c *Cache) Entry(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	se, ok := c.items[key]
	if !ok {
		return Entry{}, false
	}
	resp, err := c.decodeEntry(se)
	if err != nil {
		return Entry{}, false
	}
	return Entry{
		Response:    resp,
		InsertedMs:  se.insertedMs,
		TTLSeconds:  se.ttlSeconds,
		Compressed:  se.compressed,
		AccessCount: se.accessCount,
	}, true
}

// Size reports the current number of live (not necessarily unexpired)
// entries.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *Cache) computeTTL(resp domain.Response, reqDomain domain.Domain) int {
	ttl := float64(c.cfg.BaseTTLSeconds)
	if resp.CostEuro > 0.01 {
		ttl *= 2
	}
	switch reqDomain {
	case domain.DomainSupport:
		ttl *= 0.5
	case domain.DomainGeneral:
		ttl *= 1.5
	}
	return int(ttl)
}

func (c *Cache) decodeEntry(se *storedEntry) (domain.Response, error) {
	raw := se.raw
	if se.compressed {
		decompressed, err := decompress(raw)
		if err != nil {
			return domain.Response{}, err
		}
		raw = decompressed
	}
	var resp domain.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return domain.Response{}, err
	}
	return resp, nil
}

func (c *Cache) evictIfOverCapacity() {
	for c.cfg.MaxCacheSize > 0 && len(c.items) > c.cfg.MaxCacheSize && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.items, oldest)
	}
}

func (c *Cache) removeFromOrder(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}
