package grovedb

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/elastic/go-freelru"
)

// nodeCache is a shared LRU of decoded nodes keyed by page id. Decoding a
// page copies its keys and values onto the heap, so cached nodes survive a
// remap of the data file and can be shared across read transactions.
//
// An entry is only ever cached for a page that is live in some committed
// snapshot, and a page id cannot be reused while any transaction that could
// observe the old contents is still open. The writer still drops entries
// when it reallocates a page id, so a later reader never sees stale nodes.
type nodeCache struct {
	lru *freelru.SyncedLRU[pgid, *node]
}

func hashPgid(id pgid) uint32 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(id))
	return uint32(xxhash.Sum64(b[:]))
}

// newNodeCache returns a cache holding up to capacity nodes, or an inert
// cache when capacity is 0.
func newNodeCache(capacity int) *nodeCache {
	if capacity <= 0 {
		return &nodeCache{}
	}
	lru, err := freelru.NewSynced[pgid, *node](uint32(capacity), hashPgid)
	if err != nil {
		// Only reachable with a zero capacity, which is handled above.
		panic(err)
	}
	return &nodeCache{lru: lru}
}

func (c *nodeCache) get(id pgid) (*node, bool) {
	if c.lru == nil {
		return nil, false
	}
	return c.lru.Get(id)
}

func (c *nodeCache) add(id pgid, n *node) {
	if c.lru == nil {
		return
	}
	c.lru.Add(id, n)
}

func (c *nodeCache) remove(id pgid) {
	if c.lru == nil {
		return
	}
	c.lru.Remove(id)
}

func (c *nodeCache) purge() {
	if c.lru == nil {
		return
	}
	c.lru.Purge()
}
