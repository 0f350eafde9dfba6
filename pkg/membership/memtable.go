package membership

import (
	"context"
	"sort"
	"sync"
	"time"

	"grainrt/pkg/types"
)

type memRow struct {
	entry Entry
	etag  string
}

// MemoryTable is an in-process Table. It backs single-process clusters and tests,
// and is the replicated state machine of the raft table.
//
// Etags are derived from the table version counter, so two MemoryTables that
// apply the same sequence of writes end up byte-identical.
type MemoryTable struct {
	clusterID string

	mu      sync.RWMutex
	rows    map[types.SiloAddress]*memRow
	version TableVersion
}

func NewMemoryTable(clusterID string) *MemoryTable {
	return &MemoryTable{
		clusterID: clusterID,
		rows:      make(map[types.SiloAddress]*memRow),
		version:   TableVersion{Version: 0, ETag: VersionETag(0)},
	}
}

func (t *MemoryTable) InitializeMembershipTable(_ context.Context, _ bool) error {
	return nil
}

func (t *MemoryTable) ReadRow(_ context.Context, silo types.SiloAddress) (TableData, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	data := TableData{Version: t.version}
	if r, ok := t.rows[silo]; ok {
		data.Entries = []EntryWithETag{{Entry: r.entry.Clone(), ETag: r.etag}}
	}
	return data, nil
}

func (t *MemoryTable) ReadAll(_ context.Context) (TableData, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshotLocked(), nil
}

func (t *MemoryTable) snapshotLocked() TableData {
	data := TableData{Version: t.version, Entries: make([]EntryWithETag, 0, len(t.rows))}
	for _, r := range t.rows {
		data.Entries = append(data.Entries, EntryWithETag{Entry: r.entry.Clone(), ETag: r.etag})
	}
	sort.Slice(data.Entries, func(i, j int) bool {
		return data.Entries[i].Entry.Silo.Compare(data.Entries[j].Entry.Silo) < 0
	})
	return data
}

// versionMatchesLocked checks the presented table version: the etag must be the
// current one and the version must move forward.
func (t *MemoryTable) versionMatchesLocked(expected TableVersion) bool {
	return expected.ETag == t.version.ETag && expected.Version > t.version.Version
}

func (t *MemoryTable) bumpLocked(to int64) {
	t.version = TableVersion{Version: to, ETag: VersionETag(to)}
}

func (t *MemoryTable) InsertRow(_ context.Context, entry Entry, expected TableVersion) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.versionMatchesLocked(expected) {
		return false, nil
	}
	if _, exists := t.rows[entry.Silo]; exists {
		return false, nil
	}
	t.bumpLocked(expected.Version)
	t.rows[entry.Silo] = &memRow{entry: entry.Clone(), etag: t.version.ETag}
	return true, nil
}

func (t *MemoryTable) UpdateRow(_ context.Context, entry Entry, etag string, expected TableVersion) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.versionMatchesLocked(expected) {
		return false, nil
	}
	r, ok := t.rows[entry.Silo]
	if !ok || r.etag != etag {
		return false, nil
	}
	t.bumpLocked(expected.Version)
	r.entry = entry.Clone()
	r.etag = t.version.ETag
	return true, nil
}

// UpdateIAmAlive touches only the heartbeat column; neither etag moves.
func (t *MemoryTable) UpdateIAmAlive(_ context.Context, entry Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if r, ok := t.rows[entry.Silo]; ok {
		r.entry.IAmAliveTime = entry.IAmAliveTime
	}
	return nil
}

func (t *MemoryTable) DeleteMembershipTableEntries(_ context.Context, clusterID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if clusterID != t.clusterID {
		return nil
	}
	clear(t.rows)
	t.bumpLocked(t.version.Version + 1)
	return nil
}

func (t *MemoryTable) CleanupDefunctSiloEntries(_ context.Context, before time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for silo, r := range t.rows {
		if r.entry.Status == types.StatusDead && r.entry.IAmAliveTime.Before(before) {
			delete(t.rows, silo)
			removed++
		}
	}
	if removed > 0 {
		t.bumpLocked(t.version.Version + 1)
	}
	return nil
}

// Snapshot returns a consistent copy of the table.
func (t *MemoryTable) Snapshot() TableData {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshotLocked()
}

// Restore replaces the whole table content with data.
func (t *MemoryTable) Restore(data TableData) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rows = make(map[types.SiloAddress]*memRow, len(data.Entries))
	for _, e := range data.Entries {
		t.rows[e.Entry.Silo] = &memRow{entry: e.Entry.Clone(), etag: e.ETag}
	}
	t.version = data.Version
}
