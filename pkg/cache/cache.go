// Package cache holds recently served chunk bytes so popular chunks are
// not re-read from disk for every requesting peer.
package cache

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// Key addresses one chunk of one offered file.
type Key struct {
	FileID string
	Index  uint32
}

// ChunkCache is a bounded LRU of chunk bytes shared across all offered
// files. Reads promote, inserts evict the least recently used entry.
type ChunkCache struct {
	entries *lru.Cache[Key, []byte]
}

// New creates a cache bounded at capacity entries.
func New(capacity int) (*ChunkCache, error) {
	entries, err := lru.New[Key, []byte](capacity)
	if err != nil {
		return nil, err
	}
	return &ChunkCache{entries: entries}, nil
}

// Get returns the cached bytes for (fileID, index) and promotes the entry.
func (c *ChunkCache) Get(fileID string, index uint32) ([]byte, bool) {
	return c.entries.Get(Key{FileID: fileID, Index: index})
}

// Put inserts the chunk bytes, evicting the least recently used entry when
// the cache is full.
func (c *ChunkCache) Put(fileID string, index uint32, data []byte) {
	c.entries.Add(Key{FileID: fileID, Index: index}, data)
}

// Len returns the current number of cached chunks.
func (c *ChunkCache) Len() int {
	return c.entries.Len()
}
