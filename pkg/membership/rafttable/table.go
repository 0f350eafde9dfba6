package rafttable

import (
	"context"
	"fmt"
	"time"

	"grainrt/pkg/membership"
	"grainrt/pkg/types"
)

// Table is a membership.Table replicated by the raft group of the seed silos.
// Reads are served from the local replica and may be stale; a write built on a
// stale read fails its version check once applied, and the oracle retries it.
type Table struct {
	node *Node
}

func NewTable(node *Node) *Table {
	return &Table{node: node}
}

func (t *Table) Node() *Node { return t.node }

// InitializeMembershipTable waits for the group to elect a leader.
func (t *Table) InitializeMembershipTable(ctx context.Context, _ bool) error {
	return t.node.WaitLeader(ctx)
}

func (t *Table) ReadRow(ctx context.Context, silo types.SiloAddress) (membership.TableData, error) {
	return t.node.Table().ReadRow(ctx, silo)
}

func (t *Table) ReadAll(ctx context.Context) (membership.TableData, error) {
	return t.node.Table().ReadAll(ctx)
}

func (t *Table) execute(ctx context.Context, cmd Cmd) (bool, error) {
	ok, err := t.node.Execute(ctx, cmd)
	if err != nil {
		return false, fmt.Errorf("raft %s: %w", cmd.Op, err)
	}
	return ok, nil
}

func (t *Table) InsertRow(ctx context.Context, entry membership.Entry, expected membership.TableVersion) (bool, error) {
	cmd := NewCmd(OpInsert)
	cmd.Entry = entry
	cmd.Expected = expected
	return t.execute(ctx, cmd)
}

func (t *Table) UpdateRow(ctx context.Context, entry membership.Entry, etag string, expected membership.TableVersion) (bool, error) {
	cmd := NewCmd(OpUpdate)
	cmd.Entry = entry
	cmd.ETag = etag
	cmd.Expected = expected
	return t.execute(ctx, cmd)
}

func (t *Table) UpdateIAmAlive(ctx context.Context, entry membership.Entry) error {
	cmd := NewCmd(OpIAmAlive)
	cmd.Entry = entry
	_, err := t.execute(ctx, cmd)
	return err
}

func (t *Table) DeleteMembershipTableEntries(ctx context.Context, clusterID string) error {
	cmd := NewCmd(OpDeleteCluster)
	cmd.ClusterID = clusterID
	_, err := t.execute(ctx, cmd)
	return err
}

func (t *Table) CleanupDefunctSiloEntries(ctx context.Context, before time.Time) error {
	cmd := NewCmd(OpCleanup)
	cmd.Before = before
	_, err := t.execute(ctx, cmd)
	return err
}
