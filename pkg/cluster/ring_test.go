package cluster

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"grainrt/pkg/membership"
	"grainrt/pkg/types"
)

func silo(i int) types.SiloAddress {
	return types.SiloAddress{Host: "10.0.0.1", Port: 11110 + i, Generation: 1}
}

// кольцо из N silo с заданным числом виртуальных нод
func makeRing(n, vnodes int) *Ring {
	silos := make([]types.SiloAddress, 0, n)
	for i := 1; i <= n; i++ {
		silos = append(silos, silo(i))
	}
	return NewRing(silos, vnodes, 1)
}

func grain(i int) types.GrainID {
	return types.GrainID{TypeCode: 7, Key: fmt.Sprintf("key-%d", i)}
}

func TestRing_Deterministic(t *testing.T) {
	a := makeRing(5, 16)
	// тот же набор в другом порядке
	b := NewRing([]types.SiloAddress{silo(3), silo(5), silo(1), silo(4), silo(2)}, 16, 1)

	for i := 0; i < 10_000; i++ {
		oa, errA := a.Owners(grain(i), 3)
		ob, errB := b.Owners(grain(i), 3)
		if errA != nil || errB != nil {
			t.Fatalf("owners error: %v / %v", errA, errB)
		}
		if fmt.Sprint(oa) != fmt.Sprint(ob) {
			t.Fatalf("non-deterministic owners for %s: %v vs %v", grain(i), oa, ob)
		}
	}
}

func TestRing_OwnersAreDistinct(t *testing.T) {
	r := makeRing(4, 32)
	for i := 0; i < 1000; i++ {
		owners, err := r.Owners(grain(i), 3)
		if err != nil {
			t.Fatalf("owners: %v", err)
		}
		if len(owners) != 3 {
			t.Fatalf("got %d owners, want 3", len(owners))
		}
		seen := map[types.SiloAddress]bool{}
		for _, o := range owners {
			if seen[o] {
				t.Fatalf("duplicate owner %s in %v", o, owners)
			}
			seen[o] = true
		}
	}
}

func TestRing_DegradesWithFewSilos(t *testing.T) {
	r := makeRing(2, 1)
	owners, err := r.Owners(grain(1), 3)
	if err != nil {
		t.Fatalf("owners: %v", err)
	}
	if len(owners) != 2 {
		t.Fatalf("got %d owners, want 2", len(owners))
	}
}

func TestRing_EmptyRing(t *testing.T) {
	r := NewRing(nil, 1, 0)
	if _, err := r.Owner(grain(1)); !errors.Is(err, ErrNoActiveSilos) {
		t.Fatalf("expected ErrNoActiveSilos, got %v", err)
	}
}

// равномерность распределения ~ 1/N с допуском
func TestRing_DistributionUniformity(t *testing.T) {
	N := 3
	r := makeRing(N, 512)
	total := 60_000

	counts := map[types.SiloAddress]int{}
	for i := 0; i < total; i++ {
		o, err := r.Owner(grain(i))
		if err != nil {
			t.Fatalf("owner: %v", err)
		}
		counts[o]++
	}
	ideal := float64(total) / float64(N)
	tolerance := 0.15 * ideal

	for s, c := range counts {
		diff := math.Abs(float64(c) - ideal)
		if diff > tolerance {
			t.Fatalf("silo %s: count=%d ideal=%.0f diff=%.0f > tol=%.0f", s, c, ideal, diff, tolerance)
		}
	}
}

// при добавлении silo переезжает примерно 1/(N+1) грейнов
func TestRing_MinimalMovementOnAdd(t *testing.T) {
	total := 100_000
	before := makeRing(3, 512)
	after := makeRing(4, 512)

	moved := 0
	for i := 0; i < total; i++ {
		a, _ := before.Owner(grain(i))
		b, _ := after.Owner(grain(i))
		if a != b {
			if b != silo(4) {
				t.Fatalf("grain %s moved between old silos: %s -> %s", grain(i), a, b)
			}
			moved++
		}
	}
	frac := float64(moved) / float64(total)
	if frac < 0.18 || frac > 0.32 {
		t.Fatalf("moved fraction %.3f out of expected range [0.18..0.32]", frac)
	}
}

func TestRing_RemovedPrimaryIsReplacedByFirstBackup(t *testing.T) {
	full := makeRing(4, 16)
	for i := 0; i < 500; i++ {
		owners, _ := full.Owners(grain(i), 2)
		var rest []types.SiloAddress
		for _, s := range full.Silos() {
			if s != owners[0] {
				rest = append(rest, s)
			}
		}
		shrunk := NewRing(rest, 16, 2)
		got, _ := shrunk.Owner(grain(i))
		if got != owners[1] {
			t.Fatalf("grain %s: new owner %s, want former backup %s", grain(i), got, owners[1])
		}
	}
}

func TestPartitioner_ForViewCachesByVersion(t *testing.T) {
	data := membership.TableData{Version: membership.TableVersion{Version: 4}}
	for i := 1; i <= 3; i++ {
		data.Entries = append(data.Entries, membership.EntryWithETag{
			Entry: membership.Entry{Silo: silo(i), Status: types.StatusActive},
		})
	}
	v := membership.NewView(data)

	p := NewPartitioner(8)
	r1 := p.ForView(v)
	r2 := p.ForView(v)
	if r1 != r2 {
		t.Fatal("expected cached ring for the same view")
	}
	if r1.Version() != 4 || r1.Len() != 3 {
		t.Fatalf("ring version=%d len=%d", r1.Version(), r1.Len())
	}

	r3 := p.ForView(v.Without(silo(2)))
	if r3 == r1 || r3.Len() != 2 {
		t.Fatalf("expected rebuilt ring without silo 2, len=%d", r3.Len())
	}
}
