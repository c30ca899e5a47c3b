// Package cache holds recent search results for a short time so repeated
// questions skip the archive.
package cache

import (
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/kalambet/chatvault/internal/textutil"
)

const (
	DefaultTTL  = 5 * time.Minute
	DefaultSize = 100
)

// Options tunes a Cache. Zero values select defaults.
type Options struct {
	TTL  time.Duration
	Size int
}

// Cache is a size-bounded, time-limited result cache. Entries are evicted
// in insertion order; reads never refresh an entry. Safe for concurrent use.
type Cache[V any] struct {
	lru *expirable.LRU[string, V]
}

// New returns an empty Cache.
func New[V any](opts Options) *Cache[V] {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Size <= 0 {
		opts.Size = DefaultSize
	}
	return &Cache[V]{lru: expirable.NewLRU[string, V](opts.Size, nil, opts.TTL)}
}

// Get returns the value stored under key if it has not expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	return c.lru.Peek(key)
}

// Put stores value under key. Storing an existing key replaces it and
// makes it the newest entry.
func (c *Cache[V]) Put(key string, value V) {
	c.lru.Add(key, value)
}

// Len reports the number of entries, counting expired ones that have not
// been reaped yet.
func (c *Cache[V]) Len() int {
	return c.lru.Len()
}

// Purge drops every entry.
func (c *Cache[V]) Purge() {
	c.lru.Purge()
}

// Key builds a cache key from query text and optional scope values such
// as a channel id or time window. Text is matched case- and
// whitespace-insensitively. Every part is length-prefixed, so no content
// can be mistaken for a boundary between parts.
func Key(text string, scope ...string) string {
	var b strings.Builder
	for _, p := range append([]string{textutil.Collapse(text)}, scope...) {
		b.WriteString(strconv.Itoa(len(p)))
		b.WriteByte(':')
		b.WriteString(p)
	}
	return b.String()
}
