package policy

import (
	"github.com/expr-lang/expr/vm"
	"github.com/jellydator/ttlcache/v3"
)

// DefaultCacheSize bounds the number of compiled rules kept in memory.
// Deploys can introduce new rule text over the life of a process, so the
// cache must not grow without limit.
const DefaultCacheSize = 1024

var programs = newProgramCache(DefaultCacheSize)

// programCache holds compiled programs keyed by source. Entries never
// expire; the least recently used one is evicted once the cache is full.
type programCache struct {
	items *ttlcache.Cache[string, *vm.Program]
}

func newProgramCache(max int) *programCache {
	return &programCache{
		items: ttlcache.New[string, *vm.Program](
			ttlcache.WithCapacity[string, *vm.Program](uint64(max)),
		),
	}
}

// Get returns a cached program and marks it most recently used.
func (c *programCache) Get(source string) (*vm.Program, bool) {
	item := c.items.Get(source)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

func (c *programCache) Put(source string, program *vm.Program) {
	c.items.Set(source, program, ttlcache.NoTTL)
}

// Len returns the number of cached programs.
func (c *programCache) Len() int {
	return c.items.Len()
}
