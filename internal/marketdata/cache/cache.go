// Package cache holds the per-key rolling window of recent candles. Each key
// owns a bounded ring ordered by open time; the tail may be an in-progress
// candle that is replaced in place as frames arrive. Single writer per key
// (the aggregator), concurrent readers.
package cache

import (
	"log"
	"sync"

	"candlefeedv1/internal/model"
)

// candleBytes is the rough in-memory footprint of one candle, used for the
// health snapshot estimate.
const candleBytes = 128

// ring is a fixed-capacity ordered window. start indexes the oldest element.
type ring struct {
	buf   []model.Candle
	start int
	n     int
}

func (r *ring) tail() *model.Candle {
	if r.n == 0 {
		return nil
	}
	return &r.buf[(r.start+r.n-1)%len(r.buf)]
}

func (r *ring) push(c model.Candle) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = c
		r.n++
		return
	}
	// Full: overwrite the head slot and rotate.
	r.buf[r.start] = c
	r.start = (r.start + 1) % len(r.buf)
}

// Cache is the in-memory candle window for all subscribed keys.
type Cache struct {
	mu       sync.RWMutex
	capacity int
	rings    map[model.Key]*ring

	// OnOutOfOrder is called when an upsert is rejected because its open
	// time precedes the current tail (optional, for metrics).
	OnOutOfOrder func(key model.Key)
}

// New creates a Cache with the given per-key capacity.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 200
	}
	return &Cache{
		capacity: capacity,
		rings:    make(map[model.Key]*ring),
	}
}

// Upsert merges a candle into the key's ring:
//   - same open time as the tail: replace the tail (in-progress update)
//   - older than the tail: reject (out-of-order)
//   - otherwise: append, dropping the head when full
//
// Returns false when the candle was rejected.
func (c *Cache) Upsert(key model.Key, candle model.Candle) bool {
	c.mu.Lock()
	r, ok := c.rings[key]
	if !ok {
		r = &ring{buf: make([]model.Candle, c.capacity)}
		c.rings[key] = r
	}
	if t := r.tail(); t != nil {
		switch {
		case candle.OpenTime == t.OpenTime:
			*t = candle
			c.mu.Unlock()
			return true
		case candle.OpenTime < t.OpenTime:
			c.mu.Unlock()
			log.Printf("[cache] out-of-order candle %s open_time=%d < tail=%d, skipping",
				key, candle.OpenTime, t.OpenTime)
			if c.OnOutOfOrder != nil {
				c.OnOutOfOrder(key)
			}
			return false
		}
	}
	r.push(candle)
	c.mu.Unlock()
	return true
}

// Tail returns the most recent candle for a key (possibly in-progress).
func (c *Cache) Tail(key model.Key) (model.Candle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.rings[key]
	if !ok {
		return model.Candle{}, false
	}
	t := r.tail()
	if t == nil {
		return model.Candle{}, false
	}
	return *t, true
}

// Slice returns up to limit most recent candles, oldest first.
// limit <= 0 means the whole window.
func (c *Cache) Slice(key model.Key, limit int) []model.Candle {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.rings[key]
	if !ok || r.n == 0 {
		return nil
	}
	n := r.n
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]model.Candle, n)
	first := r.start + r.n - n
	for i := 0; i < n; i++ {
		out[i] = r.buf[(first+i)%len(r.buf)]
	}
	return out
}

// Load replaces the ring contents with candles (oldest first), keeping only
// the newest capacity entries. Used to seed from the store on startup.
func (c *Cache) Load(key model.Key, candles []model.Candle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := &ring{buf: make([]model.Candle, c.capacity)}
	c.rings[key] = r
	if len(candles) > c.capacity {
		candles = candles[len(candles)-c.capacity:]
	}
	for _, cd := range candles {
		r.push(cd)
	}
}

// Drop removes a key's ring entirely (admin unsubscribe).
func (c *Cache) Drop(key model.Key) {
	c.mu.Lock()
	delete(c.rings, key)
	c.mu.Unlock()
}

// Len returns the number of cached candles for a key.
func (c *Cache) Len(key model.Key) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if r, ok := c.rings[key]; ok {
		return r.n
	}
	return 0
}

// Stats returns the total cached candle count and an estimated byte
// footprint across all keys.
func (c *Cache) Stats() (candles int, bytes int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, r := range c.rings {
		candles += r.n
	}
	return candles, int64(candles) * candleBytes
}
