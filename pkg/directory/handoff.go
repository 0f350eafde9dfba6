package directory

import (
	"context"
	"errors"
	"fmt"

	"grainrt/pkg/cluster"
	"grainrt/pkg/types"
)

const defaultHandoffChunk = 500

// Handoff pushes every primary entry of this silo to the silo that owns it
// once this silo is gone. Called during graceful shutdown.
func (d *LocalDirectory) Handoff(ctx context.Context) error {
	next := d.View().Without(d.self)
	ring := cluster.RingFromView(next, d.cfg.VirtualNodes)
	if ring.Len() == 0 {
		d.log.Info("no silo left to hand the directory partition to")
		return nil
	}

	batches := make(map[types.SiloAddress][]cluster.Record)
	d.partition.Range(func(e Entry) bool {
		if e.Role != RolePrimary {
			return true
		}
		owner, err := ring.Owner(e.Address.Grain)
		if err == nil {
			batches[owner] = append(batches[owner], e.record())
		}
		return true
	})

	var errs []error
	total := 0
	for target, records := range batches {
		if err := d.sendHandoff(ctx, target, records); err != nil {
			errs = append(errs, err)
			continue
		}
		total += len(records)
	}
	d.log.Info("directory partition handed off", "entries", total, "targets", len(batches))
	return errors.Join(errs...)
}

// sendHandoff transfers records to target in chunks.
func (d *LocalDirectory) sendHandoff(ctx context.Context, target types.SiloAddress, records []cluster.Record) error {
	chunk := d.cfg.HandoffChunkSize
	if chunk <= 0 {
		chunk = defaultHandoffChunk
	}
	for start := 0; start < len(records); start += chunk {
		end := min(start+chunk, len(records))
		msg := cluster.HandoffRequest{From: d.self, Records: records[start:end]}
		if _, err := d.router.Send(ctx, target, msg); err != nil {
			return fmt.Errorf("handoff %d entries to %s: %w", len(records)-start, target, err)
		}
	}
	return nil
}

// adopt installs entries handed over by another silo as primaries and pushes
// them to the local backups.
func (d *LocalDirectory) adopt(ctx context.Context, m cluster.HandoffRequest) {
	adopted := 0
	pushes := make(map[types.SiloAddress][]cluster.Record)
	for _, rec := range m.Records {
		e, ok := d.partition.Adopt(rec, d.self)
		if !ok {
			continue
		}
		adopted++
		addTargets(pushes, d.backups(rec.Address.Grain), e.record())
	}
	for target, records := range pushes {
		d.push(ctx, cluster.OpPut, []types.SiloAddress{target}, records)
	}
	d.log.Info("adopted handed off entries", "from", m.From.String(), "received", len(m.Records), "adopted", adopted)
}
