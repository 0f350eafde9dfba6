package membership

import (
	"sort"

	"grainrt/pkg/types"
)

// View is an immutable snapshot of the cluster as seen by one silo.
// Consumers must never mutate a View they did not build.
type View struct {
	Version int64
	Entries map[types.SiloAddress]Entry

	active []types.SiloAddress
}

// NewView builds a snapshot from table data.
func NewView(data TableData) *View {
	v := &View{
		Version: data.Version.Version,
		Entries: make(map[types.SiloAddress]Entry, len(data.Entries)),
	}
	for _, e := range data.Entries {
		v.Entries[e.Entry.Silo] = e.Entry.Clone()
	}
	v.active = v.collect(func(s types.SiloStatus) bool { return s == types.StatusActive })
	return v
}

// EmptyView is the view before the first table read.
func EmptyView() *View {
	return &View{Entries: map[types.SiloAddress]Entry{}}
}

func (v *View) collect(pred func(types.SiloStatus) bool) []types.SiloAddress {
	out := make([]types.SiloAddress, 0, len(v.Entries))
	for silo, e := range v.Entries {
		if pred(e.Status) {
			out = append(out, silo)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

// ActiveSilos returns active silos sorted by address. The slice is shared; do not modify.
func (v *View) ActiveSilos() []types.SiloAddress {
	return v.active
}

func (v *View) Status(silo types.SiloAddress) types.SiloStatus {
	if e, ok := v.Entries[silo]; ok {
		return e.Status
	}
	return types.StatusNone
}

func (v *View) IsActive(silo types.SiloAddress) bool {
	return v.Status(silo) == types.StatusActive
}

// IsDead reports whether silo is known to be dead. Unknown silos are not dead.
func (v *View) IsDead(silo types.SiloAddress) bool {
	return v.Status(silo) == types.StatusDead
}

// Silos returns silos matching any of the given statuses.
func (v *View) Silos(statuses ...types.SiloStatus) []types.SiloAddress {
	return v.collect(func(s types.SiloStatus) bool {
		for _, want := range statuses {
			if s == want {
				return true
			}
		}
		return false
	})
}

// Changes lists silos whose status differs between prev and v.
func (v *View) Changes(prev *View) map[types.SiloAddress]types.SiloStatus {
	changed := make(map[types.SiloAddress]types.SiloStatus)
	for silo, e := range v.Entries {
		if prev == nil || prev.Status(silo) != e.Status {
			changed[silo] = e.Status
		}
	}
	if prev != nil {
		for silo := range prev.Entries {
			if _, ok := v.Entries[silo]; !ok {
				changed[silo] = types.StatusNone
			}
		}
	}
	return changed
}

// Without returns a copy of v in which silo is considered dead. Used to compute
// where data should go once the local silo is gone.
func (v *View) Without(silo types.SiloAddress) *View {
	data := TableData{Version: TableVersion{Version: v.Version}}
	for s, e := range v.Entries {
		c := e.Clone()
		if s == silo {
			c.Status = types.StatusDead
		}
		data.Entries = append(data.Entries, EntryWithETag{Entry: c})
	}
	return NewView(data)
}
