package directory

import (
	"container/list"
	"sync"
	"time"

	"grainrt/pkg/telemetry"
	"grainrt/pkg/types"
)

const ttlExtensionFactor = 2

type cached struct {
	addr       types.ActivationAddress
	versionTag string
	ttl        time.Duration
	expireAt   time.Time
}

// LookupCache remembers addresses of grains owned by other silos. Entries are
// evicted in LRU order once the cache is full. An expired entry is still
// returned by Get with fresh == false, so the caller can revalidate it with
// the owner: an unchanged VersionTag extends the TTL, a changed one resets it.
type LookupCache struct {
	mu         sync.Mutex
	data       map[types.GrainID]*list.Element
	ll         *list.List
	size       int
	initialTTL time.Duration
	maxTTL     time.Duration
	now        func() time.Time
}

func NewLookupCache(size int, initialTTL, maxTTL time.Duration) *LookupCache {
	if maxTTL < initialTTL {
		maxTTL = initialTTL
	}
	return &LookupCache{
		data:       make(map[types.GrainID]*list.Element),
		ll:         list.New(),
		size:       size,
		initialTTL: initialTTL,
		maxTTL:     maxTTL,
		now:        time.Now,
	}
}

// Get returns the cached address of g. fresh is false once the entry outlived its TTL.
func (c *LookupCache) Get(g types.GrainID) (addr types.ActivationAddress, fresh, ok bool) {
	if c == nil {
		return types.ActivationAddress{}, false, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.data[g]
	if !ok {
		telemetry.LookupCache.WithLabelValues("miss").Inc()
		return types.ActivationAddress{}, false, false
	}
	e := el.Value.(*cached)
	c.ll.MoveToFront(el)
	fresh = c.now().Before(e.expireAt)
	if fresh {
		telemetry.LookupCache.WithLabelValues("hit").Inc()
	} else {
		telemetry.LookupCache.WithLabelValues("expired").Inc()
	}
	return e.addr, fresh, true
}

// Put stores what the owner answered for addr.Grain.
func (c *LookupCache) Put(addr types.ActivationAddress, versionTag string) {
	if c == nil || c.size <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if el, ok := c.data[addr.Grain]; ok {
		e := el.Value.(*cached)
		if e.addr == addr && e.versionTag == versionTag && versionTag != "" {
			// владелец подтвердил запись: продлеваем TTL
			e.ttl *= ttlExtensionFactor
			if e.ttl > c.maxTTL {
				e.ttl = c.maxTTL
			}
			telemetry.LookupCache.WithLabelValues("revalidated").Inc()
		} else {
			e.addr, e.versionTag, e.ttl = addr, versionTag, c.initialTTL
		}
		e.expireAt = now.Add(e.ttl)
		c.ll.MoveToFront(el)
		return
	}

	e := &cached{addr: addr, versionTag: versionTag, ttl: c.initialTTL, expireAt: now.Add(c.initialTTL)}
	c.data[addr.Grain] = c.ll.PushFront(e)
	for c.ll.Len() > c.size {
		c.remove(c.ll.Back())
		telemetry.LookupCache.WithLabelValues("evicted").Inc()
	}
}

// Invalidate drops the entry of addr.Grain if it still points at addr.
func (c *LookupCache) Invalidate(addr types.ActivationAddress) bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.data[addr.Grain]
	if !ok || el.Value.(*cached).addr != addr {
		return false
	}
	c.remove(el)
	telemetry.LookupCache.WithLabelValues("invalidated").Inc()
	return true
}

// Forget drops whatever is cached for g.
func (c *LookupCache) Forget(g types.GrainID) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.data[g]; ok {
		c.remove(el)
	}
}

// RemoveIf drops every entry whose activation matches pred and returns how many were dropped.
func (c *LookupCache) RemoveIf(pred func(types.ActivationAddress) bool) int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for el := c.ll.Front(); el != nil; {
		next := el.Next()
		if pred(el.Value.(*cached).addr) {
			c.remove(el)
			removed++
		}
		el = next
	}
	if removed > 0 {
		telemetry.LookupCache.WithLabelValues("invalidated").Add(float64(removed))
	}
	return removed
}

func (c *LookupCache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

func (c *LookupCache) remove(el *list.Element) {
	delete(c.data, el.Value.(*cached).addr.Grain)
	c.ll.Remove(el)
}
