// Package tabletest holds the behaviour every membership.Table implementation
// must show. Adapters run it from their own tests.
package tabletest

import (
	"context"
	"sync"
	"testing"
	"time"

	"grainrt/pkg/membership"
	"grainrt/pkg/types"
)

// Factory returns an empty, initialized table for one test.
type Factory func(t *testing.T) membership.Table

func silo(i int) types.SiloAddress {
	return types.SiloAddress{Host: "10.1.0.1", Port: 30000 + i, Generation: 7}
}

func entry(i int, status types.SiloStatus) membership.Entry {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return membership.Entry{
		Silo:         silo(i),
		Status:       status,
		HostName:     "host",
		SiloName:     "silo",
		StartTime:    now,
		IAmAliveTime: now,
	}
}

// Run executes the conformance suite against tables produced by newTable.
func Run(t *testing.T, newTable Factory) {
	t.Run("InsertAndRead", func(t *testing.T) { testInsertAndRead(t, newTable(t)) })
	t.Run("StaleVersionRejected", func(t *testing.T) { testStaleVersion(t, newTable(t)) })
	t.Run("RowETagChecked", func(t *testing.T) { testRowETag(t, newTable(t)) })
	t.Run("DuplicateInsert", func(t *testing.T) { testDuplicateInsert(t, newTable(t)) })
	t.Run("IAmAliveKeepsVersions", func(t *testing.T) { testIAmAlive(t, newTable(t)) })
	t.Run("ConcurrentWritersOneWins", func(t *testing.T) { testConcurrentWriters(t, newTable(t)) })
	t.Run("CleanupDefunct", func(t *testing.T) { testCleanup(t, newTable(t)) })
}

func readAll(t *testing.T, tbl membership.Table) membership.TableData {
	t.Helper()
	data, err := tbl.ReadAll(context.Background())
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	return data
}

func mustInsert(t *testing.T, tbl membership.Table, e membership.Entry) membership.TableData {
	t.Helper()
	data := readAll(t, tbl)
	ok, err := tbl.InsertRow(context.Background(), e, data.Version.Next())
	if err != nil || !ok {
		t.Fatalf("InsertRow(%s) = %v, %v", e.Silo, ok, err)
	}
	return readAll(t, tbl)
}

func testInsertAndRead(t *testing.T, tbl membership.Table) {
	before := readAll(t, tbl)
	after := mustInsert(t, tbl, entry(1, types.StatusJoining))

	if after.Version.Version <= before.Version.Version {
		t.Fatalf("version did not grow: %d -> %d", before.Version.Version, after.Version.Version)
	}
	row, ok := after.Get(silo(1))
	if !ok || row.Entry.Status != types.StatusJoining || row.ETag == "" {
		t.Fatalf("row after insert: %+v found=%v", row, ok)
	}

	one, err := tbl.ReadRow(context.Background(), silo(1))
	if err != nil {
		t.Fatalf("ReadRow: %v", err)
	}
	if len(one.Entries) != 1 || one.Entries[0].Entry.Silo != silo(1) {
		t.Fatalf("ReadRow returned %+v", one.Entries)
	}
	missing, err := tbl.ReadRow(context.Background(), silo(9))
	if err != nil || len(missing.Entries) != 0 {
		t.Fatalf("ReadRow(missing) = %+v, %v", missing.Entries, err)
	}
}

func testStaleVersion(t *testing.T, tbl membership.Table) {
	stale := readAll(t, tbl)
	mustInsert(t, tbl, entry(1, types.StatusJoining))

	ok, err := tbl.InsertRow(context.Background(), entry(2, types.StatusJoining), stale.Version.Next())
	if err != nil {
		t.Fatalf("InsertRow: %v", err)
	}
	if ok {
		t.Fatal("insert with a stale table version succeeded")
	}

	data := readAll(t, tbl)
	row, _ := data.Get(silo(1))
	e := row.Entry
	e.Status = types.StatusActive
	ok, err = tbl.UpdateRow(context.Background(), e, row.ETag, stale.Version.Next())
	if err != nil {
		t.Fatalf("UpdateRow: %v", err)
	}
	if ok {
		t.Fatal("update with a stale table version succeeded")
	}

	last := readAll(t, tbl).Version.Version
	ok, err = tbl.UpdateRow(context.Background(), e, row.ETag, data.Version.Next())
	if err != nil || !ok {
		t.Fatalf("fresh update = %v, %v", ok, err)
	}
	if now := readAll(t, tbl).Version.Version; now <= last {
		t.Fatalf("version did not grow after update: %d -> %d", last, now)
	}
}

func testRowETag(t *testing.T, tbl membership.Table) {
	data := mustInsert(t, tbl, entry(1, types.StatusJoining))
	row, _ := data.Get(silo(1))

	e := row.Entry
	e.Status = types.StatusActive
	ok, err := tbl.UpdateRow(context.Background(), e, row.ETag, data.Version.Next())
	if err != nil || !ok {
		t.Fatalf("update = %v, %v", ok, err)
	}

	// старый etag строки, но свежая версия таблицы
	fresh := readAll(t, tbl)
	e.Status = types.StatusDead
	ok, err = tbl.UpdateRow(context.Background(), e, row.ETag, fresh.Version.Next())
	if err != nil {
		t.Fatalf("UpdateRow: %v", err)
	}
	if ok {
		t.Fatal("update with a stale row etag succeeded")
	}
	got, _ := readAll(t, tbl).Get(silo(1))
	if got.Entry.Status != types.StatusActive {
		t.Fatalf("row changed by a rejected write: %s", got.Entry.Status)
	}
}

func testDuplicateInsert(t *testing.T, tbl membership.Table) {
	data := mustInsert(t, tbl, entry(1, types.StatusJoining))
	ok, err := tbl.InsertRow(context.Background(), entry(1, types.StatusActive), data.Version.Next())
	if err != nil {
		t.Fatalf("InsertRow: %v", err)
	}
	if ok {
		t.Fatal("second insert of the same silo succeeded")
	}
}

func testIAmAlive(t *testing.T, tbl membership.Table) {
	data := mustInsert(t, tbl, entry(1, types.StatusActive))
	row, _ := data.Get(silo(1))

	e := row.Entry
	e.IAmAliveTime = e.IAmAliveTime.Add(time.Minute)
	if err := tbl.UpdateIAmAlive(context.Background(), e); err != nil {
		t.Fatalf("UpdateIAmAlive: %v", err)
	}

	after := readAll(t, tbl)
	got, _ := after.Get(silo(1))
	if !got.Entry.IAmAliveTime.Equal(e.IAmAliveTime) {
		t.Fatalf("IAmAliveTime = %s, want %s", got.Entry.IAmAliveTime, e.IAmAliveTime)
	}
	if after.Version != data.Version || got.ETag != row.ETag {
		t.Fatalf("heartbeat moved versions: table %+v -> %+v, row %q -> %q", data.Version, after.Version, row.ETag, got.ETag)
	}
}

func testConcurrentWriters(t *testing.T, tbl membership.Table) {
	data := readAll(t, tbl)
	const writers = 8

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 1; i <= writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := tbl.InsertRow(context.Background(), entry(i, types.StatusJoining), data.Version.Next())
			if err != nil {
				t.Errorf("InsertRow: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("%d writers succeeded with the same table version, want 1", wins)
	}
	if n := len(readAll(t, tbl).Entries); n != 1 {
		t.Fatalf("table has %d rows, want 1", n)
	}
}

func testCleanup(t *testing.T, tbl membership.Table) {
	old := entry(1, types.StatusDead)
	old.IAmAliveTime = time.Now().Add(-48 * time.Hour).UTC().Truncate(time.Millisecond)
	mustInsert(t, tbl, old)
	mustInsert(t, tbl, entry(2, types.StatusDead))
	mustInsert(t, tbl, entry(3, types.StatusActive))

	if err := tbl.CleanupDefunctSiloEntries(context.Background(), time.Now().Add(-24*time.Hour)); err != nil {
		t.Fatalf("CleanupDefunctSiloEntries: %v", err)
	}
	data := readAll(t, tbl)
	if _, ok := data.Get(silo(1)); ok {
		t.Fatal("old dead row survived cleanup")
	}
	if _, ok := data.Get(silo(2)); !ok {
		t.Fatal("recent dead row removed")
	}
	if _, ok := data.Get(silo(3)); !ok {
		t.Fatal("active row removed")
	}
}
