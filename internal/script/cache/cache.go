// Package cache holds compiled scripts in an LRU cache fronted by a
// compilation rate limiter.
package cache

import (
	"container/list"
	"errors"
	"sync"

	"github.com/kestrel-search/scripting/internal/metrics"
	"github.com/kestrel-search/scripting/internal/script"
	"github.com/kestrel-search/scripting/internal/script/engine"
)

// ErrRateLimited is returned when the compilation rate limit is exhausted.
// Callers map it to HTTP 429.
var ErrRateLimited = errors.New("compilation rate limit exceeded")

// DefaultCapacity is the default maximum number of compiled scripts held.
const DefaultCapacity = 3000

// Cache is a fixed-capacity LRU over compile results. Lookups by key are
// cheap; misses pay for a compilation, which is metered by the limiter so a
// caller churning unique scripts cannot monopolize the node.
type Cache struct {
	engine  *engine.Engine
	limiter *RateLimiter

	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	order    *list.List // front = most recently used
}

type entry struct {
	key      string
	compiled *engine.Compiled
}

// New creates a Cache. A nil limiter disables compilation rate limiting.
func New(eng *engine.Engine, capacity int, limiter *RateLimiter) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		engine:   eng,
		limiter:  limiter,
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Engine returns the engine compilations run against.
func (c *Cache) Engine() *engine.Engine {
	return c.engine
}

// Get returns the cached compile result for key, if present.
func (c *Cache) Get(key string) (*engine.Compiled, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		metrics.CacheMisses.Inc()
		return nil, false
	}
	c.order.MoveToFront(el)
	metrics.CacheHits.Inc()
	return el.Value.(*entry).compiled, true
}

// GetOrCompile returns the compiled form of s, compiling and caching on miss.
// Cache hits bypass the rate limiter: only actual compilations are metered.
func (c *Cache) GetOrCompile(s script.Script) (*engine.Compiled, error) {
	s = s.Normalized()
	if compiled, ok := c.Get(s.CacheKey()); ok {
		return compiled, nil
	}

	if c.limiter != nil && !c.limiter.Allow() {
		metrics.CompilationsLimited.Inc()
		return nil, ErrRateLimited
	}

	compiled, err := c.engine.Compile(s)
	if err != nil {
		metrics.CompilationErrors.Inc()
		return nil, err
	}
	metrics.CompilationsTotal.Inc()

	c.put(compiled)
	return compiled, nil
}

func (c *Cache) put(compiled *engine.Compiled) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[compiled.Key()]; ok {
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&entry{key: compiled.Key(), compiled: compiled})
	c.entries[compiled.Key()] = el

	for len(c.entries) > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*entry).key)
		metrics.CacheEvictions.Inc()
	}
	metrics.CacheEntries.Set(float64(len(c.entries)))
}

// Len returns the current number of cached scripts.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
