// Package etcdtable stores the membership table in etcd v3.
//
// Keys under <prefix>/<cluster>/:
//
//	version        {"version": N}; its mod revision is the table etag
//	rows/<silo>    the row as JSON; its mod revision is the row etag
//	alive/<silo>   last heartbeat, written outside of transactions
//
// A read is one prefix Get, so rows and version always come from the same revision.
package etcdtable

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	clientv3 "go.etcd.io/etcd/client/v3"

	"grainrt/internal/config"
	"grainrt/pkg/membership"
	"grainrt/pkg/types"
)

// KV is the part of *clientv3.Client the table uses.
type KV interface {
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
	Delete(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.DeleteResponse, error)
	Txn(ctx context.Context) clientv3.Txn
}

type versionData struct {
	Version int64 `json:"version"`
}

type Table struct {
	kv        KV
	closer    func() error
	prefix    string
	clusterID string
	log       *slog.Logger
}

// Dial opens an etcd client for cfg.Endpoints.
func Dial(cfg config.EtcdConfig, clusterID string, log *slog.Logger) (*Table, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd connect: %w", err)
	}
	t := New(cli, cfg.Prefix, clusterID, log)
	t.closer = cli.Close
	return t, nil
}

func New(kv KV, prefix, clusterID string, log *slog.Logger) *Table {
	if log == nil {
		log = slog.Default()
	}
	return &Table{
		kv:        kv,
		prefix:    strings.TrimSuffix(prefix, "/"),
		clusterID: clusterID,
		log:       log.With("component", "etcdtable", "cluster", clusterID),
	}
}

func (t *Table) Close() error {
	if t.closer != nil {
		return t.closer()
	}
	return nil
}

func (t *Table) clusterPrefix(clusterID string) string {
	return t.prefix + "/" + clusterID + "/"
}

func (t *Table) versionKey() string { return t.clusterPrefix(t.clusterID) + "version" }

func (t *Table) rowKey(silo types.SiloAddress) string {
	return t.clusterPrefix(t.clusterID) + "rows/" + silo.String()
}

func (t *Table) aliveKey(silo types.SiloAddress) string {
	return t.clusterPrefix(t.clusterID) + "alive/" + silo.String()
}

func encodeVersion(v int64) string {
	b, _ := json.Marshal(versionData{Version: v})
	return string(b)
}

func (t *Table) InitializeMembershipTable(ctx context.Context, tryInitVersion bool) error {
	if !tryInitVersion {
		return nil
	}
	key := t.versionKey()
	resp, err := t.kv.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, encodeVersion(0))).
		Commit()
	if err != nil {
		return fmt.Errorf("etcd init %s: %w", key, err)
	}
	if resp.Succeeded {
		t.log.Info("membership table created", "key", key)
	}
	return nil
}

func (t *Table) ReadAll(ctx context.Context) (membership.TableData, error) {
	return t.read(ctx, nil)
}

func (t *Table) ReadRow(ctx context.Context, silo types.SiloAddress) (membership.TableData, error) {
	return t.read(ctx, &silo)
}

// read loads the whole cluster prefix at one revision. A non-nil only filters
// the returned rows.
func (t *Table) read(ctx context.Context, only *types.SiloAddress) (membership.TableData, error) {
	base := t.clusterPrefix(t.clusterID)
	resp, err := t.kv.Get(ctx, base, clientv3.WithPrefix())
	if err != nil {
		return membership.TableData{}, fmt.Errorf("etcd get %s: %w", base, err)
	}

	var (
		data      membership.TableData
		haveVer   bool
		alive     = make(map[string]time.Time)
		rowsByKey = make(map[string]membership.EntryWithETag)
	)
	for _, kv := range resp.Kvs {
		key := strings.TrimPrefix(string(kv.Key), base)
		switch {
		case key == "version":
			var vd versionData
			if err := json.Unmarshal(kv.Value, &vd); err != nil {
				return membership.TableData{}, fmt.Errorf("decode table version: %w", err)
			}
			data.Version = membership.TableVersion{Version: vd.Version, ETag: strconv.FormatInt(kv.ModRevision, 10)}
			haveVer = true
		case strings.HasPrefix(key, "rows/"):
			var e membership.Entry
			if err := json.Unmarshal(kv.Value, &e); err != nil {
				return membership.TableData{}, fmt.Errorf("decode row %s: %w", key, err)
			}
			rowsByKey[strings.TrimPrefix(key, "rows/")] = membership.EntryWithETag{Entry: e, ETag: strconv.FormatInt(kv.ModRevision, 10)}
		case strings.HasPrefix(key, "alive/"):
			if ts, err := time.Parse(time.RFC3339Nano, string(kv.Value)); err == nil {
				alive[strings.TrimPrefix(key, "alive/")] = ts
			}
		}
	}
	if !haveVer {
		return membership.TableData{}, fmt.Errorf("etcd: membership table %s is not initialized", t.clusterID)
	}

	for name, row := range rowsByKey {
		if only != nil && row.Entry.Silo != *only {
			continue
		}
		if ts, ok := alive[name]; ok && ts.After(row.Entry.IAmAliveTime) {
			row.Entry.IAmAliveTime = ts
		}
		data.Entries = append(data.Entries, row)
	}
	return data, nil
}

func parseRevision(etag string) (int64, bool) {
	rev, err := strconv.ParseInt(etag, 10, 64)
	return rev, err == nil
}

func (t *Table) writeRow(ctx context.Context, entry membership.Entry, rowCmp clientv3.Cmp, expected membership.TableVersion) (bool, error) {
	rev, ok := parseRevision(expected.ETag)
	if !ok {
		return false, nil
	}
	row, err := json.Marshal(entry)
	if err != nil {
		return false, fmt.Errorf("encode row: %w", err)
	}
	resp, err := t.kv.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(t.versionKey()), "=", rev), rowCmp).
		Then(
			clientv3.OpPut(t.versionKey(), encodeVersion(expected.Version)),
			clientv3.OpPut(t.rowKey(entry.Silo), string(row)),
			clientv3.OpPut(t.aliveKey(entry.Silo), aliveValue(entry.IAmAliveTime)),
		).
		Commit()
	if err != nil {
		return false, fmt.Errorf("etcd txn: %w", err)
	}
	return resp.Succeeded, nil
}

func (t *Table) InsertRow(ctx context.Context, entry membership.Entry, expected membership.TableVersion) (bool, error) {
	return t.writeRow(ctx, entry, clientv3.Compare(clientv3.CreateRevision(t.rowKey(entry.Silo)), "=", 0), expected)
}

func (t *Table) UpdateRow(ctx context.Context, entry membership.Entry, etag string, expected membership.TableVersion) (bool, error) {
	rowRev, ok := parseRevision(etag)
	if !ok {
		return false, nil
	}
	return t.writeRow(ctx, entry, clientv3.Compare(clientv3.ModRevision(t.rowKey(entry.Silo)), "=", rowRev), expected)
}

// UpdateIAmAlive writes the heartbeat only while the row exists.
func (t *Table) UpdateIAmAlive(ctx context.Context, entry membership.Entry) error {
	_, err := t.kv.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(t.rowKey(entry.Silo)), ">", 0)).
		Then(clientv3.OpPut(t.aliveKey(entry.Silo), aliveValue(entry.IAmAliveTime))).
		Commit()
	if err != nil {
		return fmt.Errorf("etcd heartbeat: %w", err)
	}
	return nil
}

func (t *Table) DeleteMembershipTableEntries(ctx context.Context, clusterID string) error {
	if _, err := t.kv.Delete(ctx, t.clusterPrefix(clusterID), clientv3.WithPrefix()); err != nil {
		return fmt.Errorf("etcd delete %s: %w", clusterID, err)
	}
	return nil
}

func (t *Table) CleanupDefunctSiloEntries(ctx context.Context, before time.Time) error {
	data, err := t.ReadAll(ctx)
	if err != nil {
		return err
	}
	rev, ok := parseRevision(data.Version.ETag)
	if !ok {
		return fmt.Errorf("etcd: bad table etag %q", data.Version.ETag)
	}
	ops := []clientv3.Op{clientv3.OpPut(t.versionKey(), encodeVersion(data.Version.Version+1))}
	for _, row := range data.Entries {
		e := row.Entry
		if e.Status == types.StatusDead && e.IAmAliveTime.Before(before) {
			ops = append(ops, clientv3.OpDelete(t.rowKey(e.Silo)), clientv3.OpDelete(t.aliveKey(e.Silo)))
		}
	}
	if len(ops) == 1 {
		return nil
	}
	resp, err := t.kv.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(t.versionKey()), "=", rev)).
		Then(ops...).
		Commit()
	if err != nil {
		return fmt.Errorf("etcd cleanup: %w", err)
	}
	if !resp.Succeeded {
		t.log.Debug("defunct cleanup lost a race, skipped")
	}
	return nil
}

func aliveValue(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339Nano)
}
