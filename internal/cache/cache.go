package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"calingest/internal/model"
)

const (
	defaultMaxEntries = 64
	defaultTTL        = 15 * time.Minute
)

// entry holds a cached parse result along with the timestamp it was stored.
type entry struct {
	result   model.ParseResult
	storedAt time.Time
}

// ResultCache is an opportunistic bounded cache of ParseResults keyed by
// document hash. It is an optimization only: callers must behave correctly
// when every lookup misses.
type ResultCache struct {
	entries *lru.Cache[string, entry]
	ttl     time.Duration
}

// New builds a ResultCache. Non-positive values fall back to defaults.
func New(maxEntries int, ttl time.Duration) (*ResultCache, error) {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	c, err := lru.New[string, entry](maxEntries)
	if err != nil {
		return nil, err
	}
	return &ResultCache{entries: c, ttl: ttl}, nil
}

// Key derives the cache key for a document fetched from sourceURL.
func Key(sourceURL string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(sourceURL))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached result for key if it exists and has not expired.
func (c *ResultCache) Get(key string) (model.ParseResult, bool) {
	e, ok := c.entries.Get(key)
	if !ok {
		return model.ParseResult{}, false
	}
	if time.Since(e.storedAt) > c.ttl {
		c.entries.Remove(key)
		return model.ParseResult{}, false
	}
	return e.result, true
}

// Set stores res under key.
func (c *ResultCache) Set(key string, res model.ParseResult) {
	c.entries.Add(key, entry{result: res, storedAt: time.Now()})
}

// Len reports how many entries are currently cached (including expired ones
// not yet evicted).
func (c *ResultCache) Len() int {
	return c.entries.Len()
}
