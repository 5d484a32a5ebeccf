// Package drive locates (and lazily provisions) a member's personal drive space.
package drive

import "sync"

// Space is a member's personal drive space.
type Space struct {
	UnionID string `json:"union_id"`
	SpaceID string `json:"space_id"`
}

// SpaceCache stores resolved spaces by unionId. Implementations must be safe
// for concurrent use; entries are never invalidated.
type SpaceCache interface {
	Get(unionID string) (Space, bool)
	Put(space Space)
}

// MemoryCache is the process-wide SpaceCache.
type MemoryCache struct {
	mu     sync.RWMutex
	spaces map[string]Space
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{spaces: make(map[string]Space)}
}

func (c *MemoryCache) Get(unionID string) (Space, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	space, ok := c.spaces[unionID]
	return space, ok
}

func (c *MemoryCache) Put(space Space) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spaces[space.UnionID] = space
}

// Len reports the number of cached spaces.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.spaces)
}
