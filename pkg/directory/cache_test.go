package directory

import (
	"context"
	"testing"
	"time"

	"grainrt/pkg/cluster"
	"grainrt/pkg/types"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time           { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func ttlOf(c *LookupCache, g types.GrainID) time.Duration {
	el, ok := c.data[g]
	if !ok {
		return 0
	}
	return el.Value.(*cached).ttl
}

func TestLookupCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := NewLookupCache(2, time.Minute, time.Minute)
	a := types.NewActivationAddress(grain(1), silo(1))
	b := types.NewActivationAddress(grain(2), silo(1))
	d := types.NewActivationAddress(grain(3), silo(1))

	c.Put(a, "a")
	c.Put(b, "b")
	if _, _, ok := c.Get(a.Grain); !ok {
		t.Fatal("a missing")
	}
	c.Put(d, "d")

	if c.Len() != 2 {
		t.Fatalf("len = %d, want 2", c.Len())
	}
	if _, _, ok := c.Get(b.Grain); ok {
		t.Fatal("least recently used entry survived eviction")
	}
	if got, fresh, ok := c.Get(a.Grain); !ok || !fresh || got != a {
		t.Fatalf("a = %s, %v, %v", got, fresh, ok)
	}
}

func TestLookupCache_RevalidationExtendsTTL(t *testing.T) {
	clock := newFakeClock()
	c := NewLookupCache(8, time.Minute, 3*time.Minute)
	c.now = clock.Now
	a := types.NewActivationAddress(grain(1), silo(1))

	c.Put(a, "v1")
	clock.Advance(61 * time.Second)
	if _, fresh, ok := c.Get(a.Grain); !ok || fresh {
		t.Fatalf("entry past its ttl: fresh=%v ok=%v", fresh, ok)
	}

	// тот же тег: TTL удваивается, но не выше максимума
	c.Put(a, "v1")
	if got := ttlOf(c, a.Grain); got != 2*time.Minute {
		t.Fatalf("ttl after revalidation = %s", got)
	}
	c.Put(a, "v1")
	if got := ttlOf(c, a.Grain); got != 3*time.Minute {
		t.Fatalf("ttl is not capped: %s", got)
	}
	clock.Advance(2 * time.Minute)
	if _, fresh, _ := c.Get(a.Grain); !fresh {
		t.Fatal("extended entry expired early")
	}

	moved := types.NewActivationAddress(grain(1), silo(2))
	c.Put(moved, "v2")
	if got := ttlOf(c, a.Grain); got != time.Minute {
		t.Fatalf("ttl after change = %s, want reset", got)
	}
	if got, _, _ := c.Get(a.Grain); got != moved {
		t.Fatalf("cached = %s, want %s", got, moved)
	}
}

func TestLookupCache_InvalidateOnlyMatchingAddress(t *testing.T) {
	c := NewLookupCache(8, time.Minute, time.Minute)
	a := types.NewActivationAddress(grain(1), silo(1))
	c.Put(a, "v1")

	if c.Invalidate(types.NewActivationAddress(grain(1), silo(1))) {
		t.Fatal("invalidate of another activation removed the entry")
	}
	if !c.Invalidate(a) {
		t.Fatal("invalidate of the cached activation did nothing")
	}
	if c.Len() != 0 {
		t.Fatalf("len = %d", c.Len())
	}
}

func TestLookupCache_RemoveIf(t *testing.T) {
	c := NewLookupCache(8, time.Minute, time.Minute)
	for i := 0; i < 6; i++ {
		c.Put(types.NewActivationAddress(grain(i), silo(i%2)), "v")
	}
	if n := c.RemoveIf(func(a types.ActivationAddress) bool { return a.Silo == silo(1) }); n != 3 {
		t.Fatalf("removed %d, want 3", n)
	}
	if c.Len() != 3 {
		t.Fatalf("len = %d", c.Len())
	}
}

func TestLookupCache_NilIsDisabled(t *testing.T) {
	var c *LookupCache
	a := types.NewActivationAddress(grain(1), silo(1))
	c.Put(a, "v1")
	if _, _, ok := c.Get(a.Grain); ok || c.Len() != 0 || c.Invalidate(a) {
		t.Fatal("nil cache must behave as empty")
	}

	d := New(silo(1), testConfig(), newInprocNet())
	if d.Cache() != nil {
		t.Fatal("cache created with zero size")
	}
}

func TestLookup_ServesRemoteGrainFromCache(t *testing.T) {
	c := newTestCluster(t, 3, cachedConfig())
	d1 := c.dirs[silo(1)]
	g := grainWithOwners(t, d1, silo(2), types.SiloAddress{})
	ctx := context.Background()

	addr, _, err := d1.Register(ctx, types.NewActivationAddress(g, silo(3)))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	for i := 0; i < 3; i++ {
		got, found, err := d1.Lookup(ctx, g)
		if err != nil || !found || got != addr {
			t.Fatalf("lookup = %s, %v, %v", got, found, err)
		}
	}
	if n := c.net.count(cluster.KindLookup); n != 0 {
		t.Fatalf("%d lookups reached the owner, want 0", n)
	}

	// Invalidate сбрасывает кэш, следующий lookup идёт к владельцу
	if err := d1.Invalidate(ctx, addr); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, found, _ := d1.Lookup(ctx, g); found {
		t.Fatal("invalidated activation still returned")
	}
	if n := c.net.count(cluster.KindLookup); n != 1 {
		t.Fatalf("%d lookups reached the owner, want 1", n)
	}
	if d1.Cache().Len() != 0 {
		t.Fatal("negative answer was cached")
	}
}

func TestLookup_OwnedGrainIsNotCached(t *testing.T) {
	c := newTestCluster(t, 2, cachedConfig())
	d1 := c.dirs[silo(1)]
	g := grainWithOwners(t, d1, silo(1), types.SiloAddress{})

	if _, _, err := d1.Register(context.Background(), types.NewActivationAddress(g, silo(2))); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, found, err := d1.Lookup(context.Background(), g); err != nil || !found {
		t.Fatalf("lookup = %v, %v", found, err)
	}
	if d1.Cache().Len() != 0 {
		t.Fatal("locally owned grain was cached")
	}
}

func TestLookup_RevalidatesExpiredEntry(t *testing.T) {
	c := newTestCluster(t, 3, cachedConfig())
	d1, owner := c.dirs[silo(1)], c.dirs[silo(2)]
	clock := newFakeClock()
	d1.Cache().now = clock.Now
	g := grainWithOwners(t, d1, silo(2), types.SiloAddress{})
	ctx := context.Background()

	addr, _, err := d1.Register(ctx, types.NewActivationAddress(g, silo(3)))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	clock.Advance(61 * time.Second)
	if got, found, err := d1.Lookup(ctx, g); err != nil || !found || got != addr {
		t.Fatalf("lookup = %s, %v, %v", got, found, err)
	}
	if n := c.net.count(cluster.KindLookup); n != 1 {
		t.Fatalf("expired entry was not revalidated: %d lookups", n)
	}
	if got := ttlOf(d1.Cache(), g); got != 2*time.Minute {
		t.Fatalf("ttl after unchanged revalidation = %s", got)
	}

	// владелец заменил активацию: новый тег, TTL сброшен
	if err := owner.Unregister(ctx, addr); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	moved, _, err := owner.Register(ctx, types.NewActivationAddress(g, silo(2)))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	clock.Advance(2*time.Minute + time.Second)
	if got, found, err := d1.Lookup(ctx, g); err != nil || !found || got != moved {
		t.Fatalf("lookup after move = %s, %v, %v; want %s", got, found, err, moved)
	}
	if got := ttlOf(d1.Cache(), g); got != time.Minute {
		t.Fatalf("ttl after changed tag = %s, want reset", got)
	}
}

func TestRepair_DropsCacheEntriesOfDeadSilos(t *testing.T) {
	c := newTestCluster(t, 3, cachedConfig())
	d1 := c.dirs[silo(1)]
	ctx := context.Background()

	for i := 0; i < 40; i++ {
		if _, _, err := d1.Register(ctx, types.NewActivationAddress(grain(i), silo(3))); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	if d1.Cache().Len() == 0 {
		t.Fatal("nothing cached")
	}

	c.net.kill(silo(3))
	c.repairAll(t, viewOf(2, map[types.SiloAddress]types.SiloStatus{
		silo(1): types.StatusActive,
		silo(2): types.StatusActive,
		silo(3): types.StatusDead,
	}))
	if n := d1.Cache().Len(); n != 0 {
		t.Fatalf("%d cache entries survived the death of their silo", n)
	}
}
