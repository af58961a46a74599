// Package infocache caches extractor metadata keyed by a stable hash of
// (url, preset, cli args). Entries expire by TTL and the cache is bounded by
// an LRU list; concurrent computations for the same key are coalesced so
// only one extraction subprocess runs.
package infocache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultMaxEntries bounds the cache unless a size is given.
const DefaultMaxEntries = 256

// CacheStatus annotates a result for the HTTP layer.
type CacheStatus string

const (
	Hit  CacheStatus = "hit"
	Miss CacheStatus = "miss"
)

// Result is a cache lookup outcome: the info map plus cache annotations.
type Result struct {
	Info    map[string]any `json:"info"`
	Status  CacheStatus    `json:"status"`
	TTL     time.Duration  `json:"ttl"`
	TTLLeft time.Duration  `json:"ttl_left"`
	Expires time.Time      `json:"expires"`
}

type entry struct {
	key     string
	info    map[string]any
	ttl     time.Duration
	expires time.Time
}

type Cache struct {
	mu      sync.Mutex
	max     int
	entries map[string]*list.Element // key -> *entry element
	order   *list.List               // front = most recently used

	flight singleflight.Group
	now    func() time.Time
}

func New(maxEntries int) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Cache{
		max:     maxEntries,
		entries: map[string]*list.Element{},
		order:   list.New(),
		now:     time.Now,
	}
}

// Key derives the stable cache key: SHA-256 over the url, preset name, and
// the sorted argument tokens.
func Key(url, presetName string, args []string) string {
	sorted := make([]string, len(args))
	copy(sorted, args)
	sort.Strings(sorted)

	h := sha256.New()
	h.Write([]byte(url))
	h.Write([]byte{0})
	h.Write([]byte(presetName))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(sorted, "\x00")))
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached entry for key, or nil on miss/expiry.
func (c *Cache) Get(key string) *Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

func (c *Cache) getLocked(key string) *Result {
	el, ok := c.entries[key]
	if !ok {
		return nil
	}
	e := el.Value.(*entry)
	if c.now().After(e.expires) {
		c.order.Remove(el)
		delete(c.entries, key)
		return nil
	}
	c.order.MoveToFront(el)
	return &Result{
		Info:    e.info,
		Status:  Hit,
		TTL:     e.ttl,
		TTLLeft: e.expires.Sub(c.now()),
		Expires: e.expires,
	}
}

// Put stores info under key with the given TTL, evicting the least recently
// used entry when over capacity.
func (c *Cache) Put(key string, info map[string]any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(key, info, ttl)
}

func (c *Cache) putLocked(key string, info map[string]any, ttl time.Duration) {
	if el, ok := c.entries[key]; ok {
		e := el.Value.(*entry)
		e.info = info
		e.ttl = ttl
		e.expires = c.now().Add(ttl)
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&entry{key: key, info: info, ttl: ttl, expires: c.now().Add(ttl)})
	c.entries[key] = el
	for c.order.Len() > c.max {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*entry).key)
	}
}

// Invalidate drops one key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.order.Remove(el)
		delete(c.entries, key)
	}
}

// Clear drops everything; used when config mutations invalidate metadata.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = map[string]*list.Element{}
	c.order.Init()
}

// Len reports the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// GetOrCompute returns the cached value or runs compute exactly once per
// key, no matter how many callers arrive concurrently. The computation is
// not aborted when a single waiter's context ends; remaining waiters (and
// the cache) still get the result. The given ctx only bounds this caller's
// wait.
func (c *Cache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func() (map[string]any, error)) (*Result, error) {
	if r := c.Get(key); r != nil {
		return r, nil
	}

	type flightOut struct {
		res *Result
	}
	ch := c.flight.DoChan(key, func() (any, error) {
		// Double-check under the flight: a racing caller may have stored
		// the value between our miss and the flight starting.
		if r := c.Get(key); r != nil {
			return &flightOut{res: r}, nil
		}
		info, err := compute()
		if err != nil {
			return nil, err
		}
		c.Put(key, info, ttl)
		return &flightOut{res: &Result{
			Info:    info,
			Status:  Miss,
			TTL:     ttl,
			TTLLeft: ttl,
			Expires: c.now().Add(ttl),
		}}, nil
	})

	select {
	case out := <-ch:
		if out.Err != nil {
			return nil, out.Err
		}
		return out.Val.(*flightOut).res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
