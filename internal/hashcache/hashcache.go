// Package hashcache memoizes the data->leaf-id mapping the leaf store
// (C3) consults before hashing a chunk, and the reverse leaf-id->data
// mapping the leaf store consults before reading a leaf document.
// Both directions are bounded LRUs (github.com/hashicorp/golang-lru/v2,
// the bounded-cache dependency the zombar-tunnelmesh example wires for
// the same "avoid rehashing/refetching recently seen content" purpose)
// so memory stays flat regardless of how many distinct chunks a node
// has ever seen.
package hashcache

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache is a bounded bidirectional cache between chunk content and the
// leaf id it was last stored/seen under.
type Cache struct {
	forward *lru.Cache[string, string] // content -> leaf id
	reverse *lru.Cache[string, string] // leaf id -> content
}

// New creates a Cache holding up to size entries per direction.
func New(size int) (*Cache, error) {
	if size <= 0 {
		size = 1024
	}
	fwd, err := lru.New[string, string](size)
	if err != nil {
		return nil, err
	}
	rev, err := lru.New[string, string](size)
	if err != nil {
		return nil, err
	}
	return &Cache{forward: fwd, reverse: rev}, nil
}

// Set records that data maps to id, and id maps back to data.
func (c *Cache) Set(data []byte, id string) {
	key := string(data)
	c.forward.Add(key, id)
	c.reverse.Add(id, key)
}

// Get returns the leaf id previously recorded for data, if cached.
func (c *Cache) Get(data []byte) (id string, ok bool) {
	return c.forward.Get(string(data))
}

// RevGet returns the content previously recorded for leaf id, if cached.
func (c *Cache) RevGet(id string) (data []byte, ok bool) {
	v, ok := c.reverse.Get(id)
	if !ok {
		return nil, false
	}
	return []byte(v), true
}

// Forget evicts both directions for a given leaf id, so a stale mapping
// no longer short-circuits future lookups. No engine component calls it.
func (c *Cache) Forget(id string) {
	if data, ok := c.reverse.Peek(id); ok {
		c.forward.Remove(data)
	}
	c.reverse.Remove(id)
}

// Len reports the number of entries currently cached in the forward
// direction, used by diagnostics/tests.
func (c *Cache) Len() int {
	return c.forward.Len()
}
