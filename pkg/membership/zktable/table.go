// Package zktable stores the membership table in ZooKeeper.
//
// Layout under the configured root:
//
//	/<root>/<cluster>                  data: {"version": N}; znode version is the table etag
//	/<root>/<cluster>/<silo>           data: the row as JSON; znode version is the row etag
//	/<root>/<cluster>/<silo>/IAmAlive  data: last heartbeat, written without version checks
//
// Every conditional write is a single multi-op that sets the cluster znode with
// the expected version, so two writers holding the same table version cannot
// both succeed.
package zktable

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/goccy/go-json"

	"grainrt/internal/config"
	"grainrt/pkg/membership"
	"grainrt/pkg/types"
)

const aliveNode = "IAmAlive"

// Conn is the part of *zk.Conn the table uses.
type Conn interface {
	Exists(path string) (bool, *zk.Stat, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Get(path string) ([]byte, *zk.Stat, error)
	Set(path string, data []byte, version int32) (*zk.Stat, error)
	Children(path string) ([]string, *zk.Stat, error)
	Delete(path string, version int32) error
	Multi(ops ...interface{}) ([]zk.MultiResponse, error)
	State() zk.State
	Close()
}

type versionData struct {
	Version int64 `json:"version"`
}

type Table struct {
	conn        Conn
	root        string
	clusterID   string
	clusterPath string
	acl         []zk.ACL
	log         *slog.Logger
}

// Dial connects to the ensemble from cfg.
func Dial(cfg config.ZooKeeperConfig, clusterID string, log *slog.Logger) (*Table, error) {
	conn, _, err := zk.Connect(cfg.Servers, cfg.SessionTimeout, zk.WithLogInfo(false))
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	return New(conn, cfg.Root, clusterID, log), nil
}

func New(conn Conn, root, clusterID string, log *slog.Logger) *Table {
	if log == nil {
		log = slog.Default()
	}
	root = "/" + strings.Trim(root, "/")
	return &Table{
		conn:        conn,
		root:        root,
		clusterID:   clusterID,
		clusterPath: path.Join(root, clusterID),
		acl:         zk.WorldACL(zk.PermAll),
		log:         log.With("component", "zktable", "cluster", clusterID),
	}
}

func (t *Table) Close() error {
	t.conn.Close()
	return nil
}

func (t *Table) rowPath(silo types.SiloAddress) string {
	return path.Join(t.clusterPath, silo.String())
}

func (t *Table) ensurePath(p string) error {
	cur := ""
	for _, part := range strings.Split(p, "/") {
		if part == "" {
			continue
		}
		cur = cur + "/" + part
		exists, _, err := t.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = t.conn.Create(cur, nil, 0, t.acl)
			if err != nil && !errors.Is(err, zk.ErrNodeExists) {
				return err
			}
		}
	}
	return nil
}

func (t *Table) waitConnected(ctx context.Context) error {
	for {
		st := t.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("zk: not connected, state=%v: %w", st, ctx.Err())
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// InitializeMembershipTable creates the cluster znode with version 0 if it is missing.
func (t *Table) InitializeMembershipTable(ctx context.Context, tryInitVersion bool) error {
	if err := t.waitConnected(ctx); err != nil {
		return err
	}
	if err := t.ensurePath(t.root); err != nil {
		return fmt.Errorf("ensure root %s: %w", t.root, err)
	}
	if !tryInitVersion {
		return nil
	}
	data, _ := json.Marshal(versionData{Version: 0})
	_, err := t.conn.Create(t.clusterPath, data, 0, t.acl)
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return fmt.Errorf("create %s: %w", t.clusterPath, err)
	}
	if err == nil {
		t.log.Info("membership table created", "path", t.clusterPath)
	}
	return nil
}

func (t *Table) readVersion() (membership.TableVersion, error) {
	raw, stat, err := t.conn.Get(t.clusterPath)
	if err != nil {
		return membership.TableVersion{}, fmt.Errorf("get %s: %w", t.clusterPath, err)
	}
	var vd versionData
	if err := json.Unmarshal(raw, &vd); err != nil {
		return membership.TableVersion{}, fmt.Errorf("decode table version: %w", err)
	}
	return membership.TableVersion{Version: vd.Version, ETag: strconv.FormatInt(int64(stat.Version), 10)}, nil
}

// readRow returns found=false when the row disappeared between listing and reading.
func (t *Table) readRow(silo string) (membership.EntryWithETag, bool, error) {
	p := path.Join(t.clusterPath, silo)
	raw, stat, err := t.conn.Get(p)
	if errors.Is(err, zk.ErrNoNode) {
		return membership.EntryWithETag{}, false, nil
	}
	if err != nil {
		return membership.EntryWithETag{}, false, fmt.Errorf("get %s: %w", p, err)
	}
	var e membership.Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return membership.EntryWithETag{}, false, fmt.Errorf("decode row %s: %w", p, err)
	}
	// heartbeat хранится отдельно, берём его если он свежее
	if alive, _, err := t.conn.Get(path.Join(p, aliveNode)); err == nil {
		if ts, err := time.Parse(time.RFC3339Nano, string(alive)); err == nil && ts.After(e.IAmAliveTime) {
			e.IAmAliveTime = ts
		}
	}
	return membership.EntryWithETag{Entry: e, ETag: strconv.FormatInt(int64(stat.Version), 10)}, true, nil
}

func (t *Table) ReadRow(_ context.Context, silo types.SiloAddress) (membership.TableData, error) {
	v, err := t.readVersion()
	if err != nil {
		return membership.TableData{}, err
	}
	data := membership.TableData{Version: v}
	row, ok, err := t.readRow(silo.String())
	if err != nil {
		return membership.TableData{}, err
	}
	if ok {
		data.Entries = []membership.EntryWithETag{row}
	}
	return data, nil
}

func (t *Table) ReadAll(_ context.Context) (membership.TableData, error) {
	v, err := t.readVersion()
	if err != nil {
		return membership.TableData{}, err
	}
	children, _, err := t.conn.Children(t.clusterPath)
	if err != nil {
		return membership.TableData{}, fmt.Errorf("zk children: %w", err)
	}
	data := membership.TableData{Version: v, Entries: make([]membership.EntryWithETag, 0, len(children))}
	for _, c := range children {
		row, ok, err := t.readRow(c)
		if err != nil {
			return membership.TableData{}, err
		}
		if ok {
			data.Entries = append(data.Entries, row)
		}
	}
	return data, nil
}

func parseVersion(etag string) (int32, error) {
	v, err := strconv.ParseInt(etag, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("bad zk etag %q: %w", etag, err)
	}
	return int32(v), nil
}

func (t *Table) setVersionOp(expected membership.TableVersion) (*zk.SetDataRequest, error) {
	ver, err := parseVersion(expected.ETag)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(versionData{Version: expected.Version})
	if err != nil {
		return nil, err
	}
	return &zk.SetDataRequest{Path: t.clusterPath, Data: data, Version: ver}, nil
}

func (t *Table) InsertRow(_ context.Context, entry membership.Entry, expected membership.TableVersion) (bool, error) {
	setVersion, err := t.setVersionOp(expected)
	if err != nil {
		return false, nil
	}
	row, err := json.Marshal(entry)
	if err != nil {
		return false, fmt.Errorf("encode row: %w", err)
	}
	p := t.rowPath(entry.Silo)
	return t.multi(
		setVersion,
		&zk.CreateRequest{Path: p, Data: row, Acl: t.acl},
		&zk.CreateRequest{Path: path.Join(p, aliveNode), Data: aliveBytes(entry.IAmAliveTime), Acl: t.acl},
	)
}

func (t *Table) UpdateRow(_ context.Context, entry membership.Entry, etag string, expected membership.TableVersion) (bool, error) {
	setVersion, err := t.setVersionOp(expected)
	if err != nil {
		return false, nil
	}
	rowVer, err := parseVersion(etag)
	if err != nil {
		return false, nil
	}
	row, err := json.Marshal(entry)
	if err != nil {
		return false, fmt.Errorf("encode row: %w", err)
	}
	p := t.rowPath(entry.Silo)
	return t.multi(
		setVersion,
		&zk.SetDataRequest{Path: p, Data: row, Version: rowVer},
		&zk.SetDataRequest{Path: path.Join(p, aliveNode), Data: aliveBytes(entry.IAmAliveTime), Version: -1},
	)
}

func (t *Table) UpdateIAmAlive(_ context.Context, entry membership.Entry) error {
	p := path.Join(t.rowPath(entry.Silo), aliveNode)
	_, err := t.conn.Set(p, aliveBytes(entry.IAmAliveTime), -1)
	if errors.Is(err, zk.ErrNoNode) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("set %s: %w", p, err)
	}
	return nil
}

// DeleteMembershipTableEntries removes the whole subtree of clusterID.
func (t *Table) DeleteMembershipTableEntries(_ context.Context, clusterID string) error {
	return t.deleteTree(path.Join(t.root, clusterID))
}

func (t *Table) deleteTree(p string) error {
	children, _, err := t.conn.Children(p)
	if errors.Is(err, zk.ErrNoNode) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("zk children %s: %w", p, err)
	}
	for _, c := range children {
		if err := t.deleteTree(path.Join(p, c)); err != nil {
			return err
		}
	}
	if err := t.conn.Delete(p, -1); err != nil && !errors.Is(err, zk.ErrNoNode) {
		return fmt.Errorf("delete %s: %w", p, err)
	}
	return nil
}

// CleanupDefunctSiloEntries drops dead rows whose last heartbeat is older than before.
// A concurrent table write makes it a no-op; the next cleanup period retries.
func (t *Table) CleanupDefunctSiloEntries(ctx context.Context, before time.Time) error {
	data, err := t.ReadAll(ctx)
	if err != nil {
		return err
	}
	setVersion, err := t.setVersionOp(data.Version.Next())
	if err != nil {
		return err
	}
	ops := []interface{}{setVersion}
	for _, row := range data.Entries {
		e := row.Entry
		if e.Status != types.StatusDead || !e.IAmAliveTime.Before(before) {
			continue
		}
		rowVer, err := parseVersion(row.ETag)
		if err != nil {
			return err
		}
		p := t.rowPath(e.Silo)
		ops = append(ops,
			&zk.DeleteRequest{Path: path.Join(p, aliveNode), Version: -1},
			&zk.DeleteRequest{Path: p, Version: rowVer},
		)
	}
	if len(ops) == 1 {
		return nil
	}
	ok, err := t.multi(ops...)
	if err != nil {
		return err
	}
	if !ok {
		t.log.Debug("defunct cleanup lost a race, skipped")
	}
	return nil
}

// multi runs ops atomically. Version and existence failures are conflicts,
// anything else is a storage error.
func (t *Table) multi(ops ...interface{}) (bool, error) {
	res, err := t.conn.Multi(ops...)
	errs := []error{err}
	for _, r := range res {
		errs = append(errs, r.Error)
	}
	var storageErr error
	for _, e := range errs {
		switch {
		case e == nil:
		case errors.Is(e, zk.ErrBadVersion), errors.Is(e, zk.ErrNodeExists), errors.Is(e, zk.ErrNoNode):
			return false, nil
		default:
			if storageErr == nil {
				storageErr = e
			}
		}
	}
	if storageErr != nil {
		return false, fmt.Errorf("zk multi: %w", storageErr)
	}
	return true, nil
}

func aliveBytes(ts time.Time) []byte {
	return []byte(ts.UTC().Format(time.RFC3339Nano))
}
