// Package thumbnail caches console screenshot thumbnails per target and VM.
// The background refresh workers write into the cache; API reads are served
// from it exclusively, so a slow or unreachable host degrades to stale
// thumbnails instead of blocking requests. MD5 hashes let clients poll for
// changed thumbnails cheaply.
package thumbnail

import (
	"crypto/md5"
	"encoding/hex"
	"log"
	"sync"
	"time"
)

// Entry is one cached thumbnail.
type Entry struct {
	Data      []byte
	Hash      string
	UpdatedAt time.Time
}

// Cache is a thread-safe two-level thumbnail store keyed by target then VM.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]map[string]*Entry

	nowFunc func() time.Time
}

// NewCache returns an empty Cache.
func NewCache() *Cache {
	return &Cache{
		entries: make(map[string]map[string]*Entry),
		nowFunc: time.Now,
	}
}

// Store downscales img and caches the result. A screenshot that cannot be
// decoded is dropped and any previous thumbnail for the VM is kept.
func (c *Cache) Store(targetID, moid string, img []byte) {
	thumb, err := Downscale(img)
	if err != nil {
		log.Printf("thumbnail: %s/%s: %v", targetID, moid, err)
		return
	}

	sum := md5.Sum(thumb)
	e := &Entry{
		Data:      thumb,
		Hash:      hex.EncodeToString(sum[:]),
		UpdatedAt: c.nowFunc(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.entries[targetID]
	if m == nil {
		m = make(map[string]*Entry)
		c.entries[targetID] = m
	}
	m[moid] = e
}

// Get returns the cached thumbnail for a VM.
func (c *Cache) Get(targetID, moid string) (*Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[targetID][moid]
	return e, ok
}

// Hashes returns moid -> MD5 for every cached thumbnail of a target.
func (c *Cache) Hashes(targetID string) map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]string, len(c.entries[targetID]))
	for moid, e := range c.entries[targetID] {
		out[moid] = e.Hash
	}
	return out
}

// ClearTarget drops every thumbnail cached for a target.
func (c *Cache) ClearTarget(targetID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, targetID)
}

// Count returns the total number of cached thumbnails.
func (c *Cache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := 0
	for _, m := range c.entries {
		n += len(m)
	}
	return n
}
