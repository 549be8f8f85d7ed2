// Package mapcache is the Map Cache: a bounded cache of foreign-mapped
// guest pages keyed by guest page-frame number, so device handlers can
// DMA into or out of guest RAM without paying a map/unmap syscall on every
// access. Invalidated wholesale on a hypervisor INVALIDATE ioreq.
package mapcache

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/weichen81/xenioreqd/hypervisor"
	"github.com/weichen81/xenioreqd/internal/xlog"
)

// DefaultCapacity bounds the number of simultaneously-mapped guest pages.
// core_engine has no analogous cache (KVM guest memory is one big mmap'd
// slab, not foreign-mapped page by page); the bound here exists because
// every entry costs the host a real mmap'd page and a map/unmap hypercall
// pair on eviction.
const DefaultCapacity = 64

// Cache maps guest PFN -> mapped host bytes. Single-threaded by contract:
// it is only ever touched from the dispatch goroutine, so it carries no
// lock, matching the Dispatcher's single-threaded ownership of every other
// shared structure.
type Cache struct {
	transport hypervisor.Transport
	domid     uint16
	lru       *lru.Cache[uint64, []byte]
	log       *logrus.Entry
}

// New builds a Cache of the given capacity backed by transport. Eviction
// unmaps the evicted page through transport as its side effect, wired via
// lru.NewWithEvict.
func New(transport hypervisor.Transport, domid uint16, capacity int) (*Cache, error) {
	c := &Cache{transport: transport, domid: domid, log: xlog.For("mapcache")}
	evictCache, err := lru.NewWithEvict(capacity, func(pfn uint64, page []byte) {
		if err := transport.UnmapForeignPage(page); err != nil {
			c.log.WithError(err).Warnf("evict pfn=0x%x: unmap failed", pfn)
		}
	})
	if err != nil {
		return nil, err
	}
	c.lru = evictCache
	return c, nil
}

// Lookup returns the mapped host bytes for a guest page frame, mapping it
// on a miss. The returned pointer is stable only for the duration of the
// caller's single handler invocation — Invalidate() may drop it at any
// later point, and the Dispatcher never holds one across two requests.
func (c *Cache) Lookup(pfn uint64) ([]byte, error) {
	if page, ok := c.lru.Get(pfn); ok {
		return page, nil
	}
	page, err := c.transport.MapForeignPage(c.domid, pfn)
	if err != nil {
		return nil, err
	}
	c.lru.Add(pfn, page)
	return page, nil
}

// Invalidate clears every entry. Purge runs the evict callback registered
// in New for each entry, so every mapped page is unmapped exactly once.
// Called when the hypervisor sends an IOREQ_TYPE_INVALIDATE request; no
// handler is invoked for that request type.
func (c *Cache) Invalidate() {
	c.lru.Purge()
}

// Len reports the number of currently-mapped pages, for tests and the
// SIGUSR1 diagnostic dump.
func (c *Cache) Len() int { return c.lru.Len() }
