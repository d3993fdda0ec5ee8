// Package indicator provides the indicator cache and the refresh scheduler.
//
// The scheduler decides when a (symbol, variant) pair is due, asks the
// windowed aggregator for a fresh value and stores it in the cache under the
// time bucket floor(now / refresh_interval). Consumers read the cache; they
// never trigger computation.
package indicator

import (
	"math"
	"sync"

	"github.com/moznion/go-optional"

	"signal-pipelinev1/internal/variant"
)

// Value is one cached indicator result.
type Value struct {
	Symbol    string                   `json:"symbol"`
	VariantID string                   `json:"variant_id"`
	Key       string                   `json:"key"` // normalized variant ID
	BaseType  variant.BaseType         `json:"indicator_type"`
	Value     optional.Option[float64] `json:"value"`
	Bucket    int64                    `json:"bucket"`
	TS        float64                  `json:"timestamp"`
}

// Bucket returns the cache slot of time now for the given refresh interval.
func Bucket(now, interval float64) int64 {
	if interval <= 0 {
		return int64(math.Floor(now))
	}
	return int64(math.Floor(now / interval))
}

// Cache holds the latest value per (symbol, key). Keys are normalized on
// write; readers must pass keys that were normalized when authored.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]map[string]Value // symbol → key → value
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]map[string]Value)}
}

// Put stores v, replacing the previous bucket for the same key.
func (c *Cache) Put(v Value) {
	v.Key = variant.NormalizeKey(v.VariantID)
	v.BaseType = variant.BaseType(variant.NormalizeKey(string(v.BaseType)))

	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.entries[v.Symbol]
	if !ok {
		m = make(map[string]Value)
		c.entries[v.Symbol] = m
	}
	m[v.Key] = v
}

// Get returns the value stored for key in bucket. A value from another
// bucket is a miss.
func (c *Cache) Get(symbol, key string, bucket int64) (Value, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[symbol][key]
	if !ok || v.Bucket != bucket {
		return Value{}, false
	}
	return v, true
}

// Latest returns the most recent value stored for key regardless of bucket.
func (c *Cache) Latest(symbol, key string) (Value, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[symbol][key]
	return v, ok
}

// Snapshot returns the current values of symbol keyed by normalized variant
// ID. When exactly one cached variant of a base type exists for the symbol,
// the base type name is also present as an alias, so a condition authored
// against "price_velocity" matches a variant named "PumpFast". Entries
// without data are left out.
func (c *Cache) Snapshot(symbol string) map[string]float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m := c.entries[symbol]
	out := make(map[string]float64, len(m)*2)
	perType := make(map[variant.BaseType]int, len(m))
	for _, v := range m {
		perType[v.BaseType]++
		if val, err := v.Value.Take(); err == nil {
			out[v.Key] = val
		}
	}
	for _, v := range m {
		alias := string(v.BaseType)
		if perType[v.BaseType] != 1 {
			continue
		}
		if _, shadowed := m[alias]; shadowed {
			continue
		}
		if val, err := v.Value.Take(); err == nil {
			out[alias] = val
		}
	}
	return out
}

// Remove drops the cached value of key for symbol.
func (c *Cache) Remove(symbol, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries[symbol], key)
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]map[string]Value)
	c.mu.Unlock()
}
