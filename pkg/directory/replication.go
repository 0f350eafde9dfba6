package directory

import (
	"context"

	"grainrt/pkg/cluster"
	"grainrt/pkg/telemetry"
	"grainrt/pkg/types"
)

// ReplicationState tracks one primary write on its way to the backups.
type ReplicationState int

const (
	ReplicationPending ReplicationState = iota
	ReplicationReplicating
	ReplicationAcked
	ReplicationFailed
)

func (s ReplicationState) String() string {
	switch s {
	case ReplicationPending:
		return "pending"
	case ReplicationReplicating:
		return "replicating"
	case ReplicationAcked:
		return "acked"
	case ReplicationFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// replicate pushes one write to the current backups of its grain and waits for
// every push to finish or time out. A failed push does not fail the write.
func (d *LocalDirectory) replicate(ctx context.Context, op cluster.ReplicaOp, e Entry) ReplicationState {
	state := ReplicationPending
	backups := d.backups(e.Address.Grain)
	if len(backups) == 0 {
		return ReplicationAcked
	}

	state = ReplicationReplicating
	failed := d.push(ctx, op, backups, []cluster.Record{e.record()})
	if failed > 0 {
		state = ReplicationFailed
	} else {
		state = ReplicationAcked
	}

	d.log.Debug("write replicated",
		"grain", e.Address.Grain.String(),
		"op", string(op),
		"backups", len(backups),
		"failed", failed,
		"state", state.String())
	return state
}

// push sends the records to every target in parallel and returns how many
// targets failed.
func (d *LocalDirectory) push(ctx context.Context, op cluster.ReplicaOp, targets []types.SiloAddress, records []cluster.Record) int {
	if d.cfg.ReplicationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.ReplicationTimeout)
		defer cancel()
	}

	req := cluster.ReplicateRequest{Primary: d.self, Op: op, Records: records}
	errs := make(chan error, len(targets))
	for _, target := range targets {
		go func(target types.SiloAddress) {
			_, err := d.router.Send(ctx, target, req)
			if err != nil {
				d.log.Warn("backup push failed", "target", target.String(), "records", len(records), "error", err)
			}
			errs <- err
		}(target)
	}

	failed := 0
	for range targets {
		if err := <-errs; err != nil {
			failed++
			telemetry.ReplicationPushes.WithLabelValues("failed").Inc()
		} else {
			telemetry.ReplicationPushes.WithLabelValues("acked").Inc()
		}
	}
	return failed
}
