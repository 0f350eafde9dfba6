package directory

import (
	"context"
	"errors"

	"grainrt/pkg/cluster"
	"grainrt/pkg/membership"
	"grainrt/pkg/telemetry"
	"grainrt/pkg/types"
)

// RepairStats describes what one repair pass changed.
type RepairStats struct {
	Promoted    int
	Demoted     int
	Dropped     int
	Transferred int
}

func (s RepairStats) changed() bool {
	return s != RepairStats{}
}

// Repair re-partitions the local entries for view. Views older than the last
// repaired one are ignored; applying the same view twice changes nothing.
// Entries pointing at dead silos are kept: a backup must still be able to
// answer with the last registered address after its primary died.
func (d *LocalDirectory) Repair(ctx context.Context, view *membership.View) error {
	d.repairMu.Lock()
	defer d.repairMu.Unlock()

	if view.Version < d.lastRepaired {
		d.log.Debug("skipping repair for stale view", "view_version", view.Version, "last", d.lastRepaired)
		return nil
	}

	prev := d.router.Ring()
	ring := d.partitioner.ForView(view)
	d.view.Store(view)
	d.router.UpdateRing(ring)
	d.lastRepaired = view.Version
	d.cache.RemoveIf(func(a types.ActivationAddress) bool {
		owner, err := ring.Owner(a.Grain)
		return view.IsDead(a.Silo) || err != nil || owner == d.self
	})

	var (
		stats     RepairStats
		transfers = make(map[types.SiloAddress][]cluster.Record)
		pushes    = make(map[types.SiloAddress][]cluster.Record)
	)

	for _, g := range d.partition.Grains() {
		owners, err := ring.Owners(g, d.cfg.ReplicationFactor)
		if err != nil {
			// пустое кольцо: держим записи до появления активных silo
			break
		}
		prevOwners, _ := prev.Owners(g, d.cfg.ReplicationFactor)

		d.partition.Update(g, func(e Entry) (Entry, bool) {
			switch {
			case owners[0] == d.self:
				if e.Role != RolePrimary {
					e.Role = RolePrimary
					e.Owner = d.self
					stats.Promoted++
					addTargets(pushes, owners[1:], e.record())
				} else {
					addTargets(pushes, newTargets(prevOwners, owners), e.record())
				}
				return e, true

			case containsSilo(owners[1:], d.self):
				if e.Role == RolePrimary {
					stats.Demoted++
					stats.Transferred++
					transfers[owners[0]] = append(transfers[owners[0]], e.record())
				}
				e.Role = RoleBackup
				e.Owner = owners[0]
				return e, true

			default:
				if e.Role == RolePrimary {
					stats.Transferred++
					transfers[owners[0]] = append(transfers[owners[0]], e.record())
				}
				stats.Dropped++
				return e, false
			}
		})
	}

	var errs []error
	for target, records := range transfers {
		if err := d.sendHandoff(ctx, target, records); err != nil {
			errs = append(errs, err)
		}
	}
	for target, records := range pushes {
		d.push(ctx, cluster.OpPut, []types.SiloAddress{target}, records)
	}

	d.report(view, stats)
	return errors.Join(errs...)
}

func (d *LocalDirectory) report(view *membership.View, stats RepairStats) {
	telemetry.DirectoryRepairs.WithLabelValues("promoted").Add(float64(stats.Promoted))
	telemetry.DirectoryRepairs.WithLabelValues("demoted").Add(float64(stats.Demoted))
	telemetry.DirectoryRepairs.WithLabelValues("dropped").Add(float64(stats.Dropped))
	telemetry.DirectoryRepairs.WithLabelValues("transferred").Add(float64(stats.Transferred))

	primary, backup := d.partition.Count()
	telemetry.PartitionEntries.WithLabelValues(d.self.String(), RolePrimary.String()).Set(float64(primary))
	telemetry.PartitionEntries.WithLabelValues(d.self.String(), RoleBackup.String()).Set(float64(backup))

	if stats.changed() {
		d.log.Info("directory repaired",
			"view_version", view.Version,
			"active_silos", len(view.ActiveSilos()),
			"promoted", stats.Promoted,
			"demoted", stats.Demoted,
			"dropped", stats.Dropped,
			"transferred", stats.Transferred,
			"primary", primary,
			"backup", backup)
	}
}

// newTargets returns the backups of next that were not backups of prev.
func newTargets(prev, next []types.SiloAddress) []types.SiloAddress {
	var out []types.SiloAddress
	for _, s := range next[1:] {
		if len(prev) == 0 || !containsSilo(prev[1:], s) {
			out = append(out, s)
		}
	}
	return out
}

func addTargets(m map[types.SiloAddress][]cluster.Record, targets []types.SiloAddress, rec cluster.Record) {
	for _, t := range targets {
		m[t] = append(m[t], rec)
	}
}

func containsSilo(list []types.SiloAddress, s types.SiloAddress) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
