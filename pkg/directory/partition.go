package directory

import (
	"sync"

	"github.com/google/uuid"
	"github.com/zhangyunhao116/skipmap"

	"grainrt/pkg/cluster"
	"grainrt/pkg/types"
)

// Role of a partition entry on this silo.
type Role int

const (
	RolePrimary Role = iota + 1
	RoleBackup
)

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleBackup:
		return "backup"
	default:
		return "unknown"
	}
}

// Entry is one grain registration held by this silo.
type Entry struct {
	Address types.ActivationAddress
	// VersionTag changes on every write of the entry.
	VersionTag string
	Role       Role
	// Owner is the primary that pushed a backup copy; for primaries it is this silo.
	Owner types.SiloAddress
}

func (e Entry) record() cluster.Record {
	return cluster.Record{Address: e.Address, VersionTag: e.VersionTag}
}

func newVersionTag() string {
	return uuid.NewString()
}

const stripes = 64

type orderedEntries = skipmap.FuncMap[types.GrainID, Entry]

// Partition is the slice of the directory stored on one silo. Reads are lock
// free; writes to one grain are serialized by a striped mutex.
type Partition struct {
	entries *orderedEntries
	locks   [stripes]sync.Mutex
}

func NewPartition() *Partition {
	return &Partition{
		entries: skipmap.NewFunc[types.GrainID, Entry](func(a, b types.GrainID) bool {
			return a.Compare(b) < 0
		}),
	}
}

func (p *Partition) lock(g types.GrainID) *sync.Mutex {
	return &p.locks[cluster.HashGrain(g)%stripes]
}

func (p *Partition) Get(g types.GrainID) (Entry, bool) {
	return p.entries.Load(g)
}

func (p *Partition) Len() int {
	return p.entries.Len()
}

// Register stores addr as the primary entry unless the grain is already
// registered, in which case the existing entry wins. An existing entry for
// which stale returns true is replaced.
func (p *Partition) Register(addr types.ActivationAddress, self types.SiloAddress, stale func(Entry) bool) (Entry, bool) {
	mu := p.lock(addr.Grain)
	mu.Lock()
	defer mu.Unlock()

	if cur, ok := p.entries.Load(addr.Grain); ok && (stale == nil || !stale(cur)) {
		if cur.Role != RolePrimary {
			// копия от прежнего владельца: теперь мы primary
			cur.Role = RolePrimary
			cur.Owner = self
			p.entries.Store(addr.Grain, cur)
		}
		return cur, false
	}

	e := Entry{Address: addr, VersionTag: newVersionTag(), Role: RolePrimary, Owner: self}
	p.entries.Store(addr.Grain, e)
	return e, true
}

// Unregister removes the entry only if it still points at the same activation.
func (p *Partition) Unregister(addr types.ActivationAddress) (Entry, bool) {
	mu := p.lock(addr.Grain)
	mu.Lock()
	defer mu.Unlock()

	cur, ok := p.entries.Load(addr.Grain)
	if !ok || cur.Address != addr {
		return Entry{}, false
	}
	p.entries.Delete(addr.Grain)
	return cur, true
}

// PutBackup stores a copy pushed by owner. A local primary entry is never
// overwritten by a backup push.
func (p *Partition) PutBackup(rec cluster.Record, owner types.SiloAddress) bool {
	g := rec.Address.Grain
	mu := p.lock(g)
	mu.Lock()
	defer mu.Unlock()

	if cur, ok := p.entries.Load(g); ok && cur.Role == RolePrimary {
		return false
	}
	p.entries.Store(g, Entry{Address: rec.Address, VersionTag: rec.VersionTag, Role: RoleBackup, Owner: owner})
	return true
}

// DeleteBackup drops a backup copy if it still matches rec.
func (p *Partition) DeleteBackup(rec cluster.Record) bool {
	g := rec.Address.Grain
	mu := p.lock(g)
	mu.Lock()
	defer mu.Unlock()

	cur, ok := p.entries.Load(g)
	if !ok || cur.Role != RoleBackup || cur.Address != rec.Address {
		return false
	}
	p.entries.Delete(g)
	return true
}

// Adopt merges an entry handed over by a leaving silo. An existing primary
// registration wins.
func (p *Partition) Adopt(rec cluster.Record, self types.SiloAddress) (Entry, bool) {
	g := rec.Address.Grain
	mu := p.lock(g)
	mu.Lock()
	defer mu.Unlock()

	if cur, ok := p.entries.Load(g); ok && cur.Role == RolePrimary {
		return cur, false
	}
	e := Entry{Address: rec.Address, VersionTag: rec.VersionTag, Role: RolePrimary, Owner: self}
	p.entries.Store(g, e)
	return e, true
}

// Update applies fn to the entry of g under its stripe lock. Returning false
// from fn deletes the entry.
func (p *Partition) Update(g types.GrainID, fn func(Entry) (Entry, bool)) {
	mu := p.lock(g)
	mu.Lock()
	defer mu.Unlock()

	cur, ok := p.entries.Load(g)
	if !ok {
		return
	}
	next, keep := fn(cur)
	if !keep {
		p.entries.Delete(g)
		return
	}
	p.entries.Store(g, next)
}

// Range iterates entries in grain order. The callback must not write to the partition.
func (p *Partition) Range(fn func(Entry) bool) {
	p.entries.Range(func(_ types.GrainID, e Entry) bool {
		return fn(e)
	})
}

// Grains returns the grains currently stored, in order.
func (p *Partition) Grains() []types.GrainID {
	out := make([]types.GrainID, 0, p.entries.Len())
	p.entries.Range(func(g types.GrainID, _ Entry) bool {
		out = append(out, g)
		return true
	})
	return out
}

// Count returns the number of entries per role.
func (p *Partition) Count() (primary, backup int) {
	p.Range(func(e Entry) bool {
		if e.Role == RolePrimary {
			primary++
		} else {
			backup++
		}
		return true
	})
	return primary, backup
}
