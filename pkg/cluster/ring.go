package cluster

import (
	"errors"
	"sort"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"

	"grainrt/pkg/membership"
	"grainrt/pkg/types"
)

var ErrNoActiveSilos = errors.New("no active silos available")

type point struct {
	hash uint64
	silo types.SiloAddress
}

// Ring is an immutable consistent hash ring over the active silos of one view.
// Every silo builds a byte-identical ring from the same view.
type Ring struct {
	version int64
	points  []point
	silos   []types.SiloAddress
}

// NewRing places each silo on the ring virtualNodes times.
func NewRing(silos []types.SiloAddress, virtualNodes int, version int64) *Ring {
	if virtualNodes < 1 {
		virtualNodes = 1
	}
	r := &Ring{
		version: version,
		points:  make([]point, 0, len(silos)*virtualNodes),
		silos:   append([]types.SiloAddress(nil), silos...),
	}
	sort.Slice(r.silos, func(i, j int) bool { return r.silos[i].Compare(r.silos[j]) < 0 })

	for _, s := range r.silos {
		for i := 0; i < virtualNodes; i++ {
			r.points = append(r.points, point{hash: hashSilo(s, i), silo: s})
		}
	}
	// при совпадении хэшей порядок задаёт строковое представление адреса
	sort.Slice(r.points, func(i, j int) bool {
		if r.points[i].hash != r.points[j].hash {
			return r.points[i].hash < r.points[j].hash
		}
		return r.points[i].silo.Compare(r.points[j].silo) < 0
	})
	return r
}

// RingFromView builds the ring of the active silos of v.
func RingFromView(v *membership.View, virtualNodes int) *Ring {
	return NewRing(v.ActiveSilos(), virtualNodes, v.Version)
}

func hashSilo(s types.SiloAddress, vnode int) uint64 {
	if vnode == 0 {
		return xxhash.Sum64String(s.String())
	}
	return xxhash.Sum64String(s.String() + "#" + strconv.Itoa(vnode))
}

// HashGrain is the ring position of a grain.
func HashGrain(g types.GrainID) uint64 {
	return xxhash.Sum64String(g.String())
}

func (r *Ring) Version() int64 { return r.version }

// Silos returns the silos on the ring in address order.
func (r *Ring) Silos() []types.SiloAddress { return r.silos }

func (r *Ring) Len() int { return len(r.silos) }

// Owners returns [primary, backup_1, ..., backup_{n-1}] for g. With fewer than
// n silos on the ring the list is shorter.
func (r *Ring) Owners(g types.GrainID, n int) ([]types.SiloAddress, error) {
	if len(r.points) == 0 {
		return nil, ErrNoActiveSilos
	}
	if n < 1 {
		n = 1
	}
	if n > len(r.silos) {
		n = len(r.silos)
	}

	h := HashGrain(g)
	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i].hash >= h })
	if idx == len(r.points) {
		idx = 0
	}

	out := make([]types.SiloAddress, 0, n)
	for i := 0; i < len(r.points) && len(out) < n; i++ {
		s := r.points[(idx+i)%len(r.points)].silo
		if !containsSilo(out, s) {
			out = append(out, s)
		}
	}
	return out, nil
}

// Owner returns the primary of g.
func (r *Ring) Owner(g types.GrainID) (types.SiloAddress, error) {
	owners, err := r.Owners(g, 1)
	if err != nil {
		return types.SiloAddress{}, err
	}
	return owners[0], nil
}

func containsSilo(list []types.SiloAddress, s types.SiloAddress) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

// Partitioner caches the ring of the most recent view it was asked about.
type Partitioner struct {
	virtualNodes int

	mu   sync.Mutex
	ring *Ring
}

func NewPartitioner(virtualNodes int) *Partitioner {
	return &Partitioner{virtualNodes: virtualNodes}
}

// ForView returns the ring for v, rebuilding it only when the version changed.
func (p *Partitioner) ForView(v *membership.View) *Ring {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ring != nil && p.ring.version == v.Version && p.ring.Len() == len(v.ActiveSilos()) {
		return p.ring
	}
	p.ring = RingFromView(v, p.virtualNodes)
	return p.ring
}
