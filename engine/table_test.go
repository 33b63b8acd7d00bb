package engine

import (
	"testing"

	"github.com/colstore/lstore/storage"
)

func newTestTable(t *testing.T, numColumns, key int) *Table {
	t.Helper()
	cfg := DefaultConfig()
	cfg.TailMergeLimit = 4
	disk := storage.NewMemDisk(cfg.FilePageLength)
	buffer := storage.NewBufferPool(disk, 16)
	tbl, err := NewTable("t", numColumns, key, disk, buffer, cfg)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	t.Cleanup(tbl.Close)
	return tbl
}

func TestInsertThenReadReturnsAllColumns(t *testing.T) {
	tbl := newTestTable(t, 3, 0)

	rid, err := tbl.Insert([]int64{1, 100, 200})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	rec, err := tbl.Read(rid, nil)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	want := []int64{1, 100, 200}
	if len(rec.Columns) != len(want) {
		t.Fatalf("expected %d columns, got %d", len(want), len(rec.Columns))
	}
	for i, v := range want {
		if rec.Columns[i] != v {
			t.Errorf("column %d: want %d, got %d", i, v, rec.Columns[i])
		}
	}
	if rec.Key != 1 {
		t.Errorf("expected key 1, got %d", rec.Key)
	}
}

func TestReadProjectsRequestedColumnsOnly(t *testing.T) {
	tbl := newTestTable(t, 3, 0)
	rid, _ := tbl.Insert([]int64{1, 100, 200})

	rec, err := tbl.Read(rid, []bool{false, true, false})
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.Columns) != 1 || rec.Columns[0] != 100 {
		t.Errorf("expected a single projected column [100], got %v", rec.Columns)
	}
}

func TestInsertRejectsWrongColumnCount(t *testing.T) {
	tbl := newTestTable(t, 3, 0)
	if _, err := tbl.Insert([]int64{1, 2}); err == nil {
		t.Error("expected an error for a short column list")
	}
}

func TestUpdatePreservesUntouchedColumns(t *testing.T) {
	tbl := newTestTable(t, 3, 0)
	rid, _ := tbl.Insert([]int64{1, 100, 200})

	newMiddle := int64(999)
	if _, err := tbl.Update(rid, []*int64{nil, &newMiddle, nil}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	rec, err := tbl.Read(rid, nil)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Columns[1] != 999 {
		t.Errorf("expected updated column to be 999, got %d", rec.Columns[1])
	}
	if rec.Columns[0] != 1 || rec.Columns[2] != 200 {
		t.Errorf("untouched columns changed: %v", rec.Columns)
	}
}

func TestSecondUpdateReadsThroughFirst(t *testing.T) {
	tbl := newTestTable(t, 2, 0)
	rid, _ := tbl.Insert([]int64{1, 0})

	for i := int64(1); i <= 3; i++ {
		if _, err := tbl.Update(rid, []*int64{nil, &i}); err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
	}

	rec, err := tbl.Read(rid, nil)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Columns[1] != 3 {
		t.Errorf("expected the last update (3) to win, got %d", rec.Columns[1])
	}
}

func TestDeleteMakesRowUnreadable(t *testing.T) {
	tbl := newTestTable(t, 2, 0)
	rid, _ := tbl.Insert([]int64{1, 0})

	if err := tbl.Delete(rid); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := tbl.Read(rid, nil); err == nil {
		t.Error("expected Read of a deleted row to fail")
	}
}

func TestUndoUpdateRestoresPriorIndirection(t *testing.T) {
	tbl := newTestTable(t, 2, 0)
	rid, _ := tbl.Insert([]int64{1, 0})

	newVal := int64(7)
	tailRID, err := tbl.Update(rid, []*int64{nil, &newVal})
	if err != nil {
		t.Fatal(err)
	}

	if err := tbl.UndoUpdate(rid, tailRID); err != nil {
		t.Fatalf("UndoUpdate: %v", err)
	}

	rec, err := tbl.Read(rid, nil)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Columns[1] != 0 {
		t.Errorf("expected the undone update to vanish, got %d", rec.Columns[1])
	}
}

func TestScanVisitsEveryLiveBaseRow(t *testing.T) {
	tbl := newTestTable(t, 2, 0)
	var rids []storage.RID
	for k := int64(1); k <= 5; k++ {
		rid, err := tbl.Insert([]int64{k, k * 10})
		if err != nil {
			t.Fatal(err)
		}
		rids = append(rids, rid)
	}
	if err := tbl.Delete(rids[2]); err != nil {
		t.Fatal(err)
	}

	seen := make(map[int64]bool)
	if err := tbl.Scan(func(rid storage.RID, columns []int64) error {
		seen[columns[0]] = true
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if len(seen) != 4 {
		t.Errorf("expected 4 live rows after one delete, got %d", len(seen))
	}
	if seen[3] {
		t.Error("deleted row's key should not appear in the scan")
	}
}

func TestInsertAllocatesNewBaseRangeOnceFull(t *testing.T) {
	tbl := newTestTable(t, 1, 0)
	for i := int64(0); i < storage.PageEntries+10; i++ {
		if _, err := tbl.Insert([]int64{i}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	if tbl.baseOffsetCounter == 0 {
		t.Error("expected base range rollover to have allocated a new offset")
	}
}
