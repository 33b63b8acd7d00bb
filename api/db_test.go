package api

import (
	"os"
	"sync"
	"testing"

	"github.com/colstore/lstore/concurrency"
	"github.com/colstore/lstore/engine"
)

func tempDBPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "lstore_test_*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(tempDBPath(t), engine.DefaultConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestInsertAndSelect(t *testing.T) {
	db := openTestDB(t)
	q, err := db.CreateTable("jobs", 3, 0)
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	if err := q.Insert(1, 100, 200); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	rows, err := q.Select(1, 0, nil)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	want := []int64{1, 100, 200}
	for i, v := range want {
		if rows[0].Columns[i] != v {
			t.Errorf("column %d: want %d, got %d", i, v, rows[0].Columns[i])
		}
	}
}

func TestSelectProjection(t *testing.T) {
	db := openTestDB(t)
	q, _ := db.CreateTable("jobs", 3, 0)
	if err := q.Insert(1, 100, 200); err != nil {
		t.Fatal(err)
	}

	rows, err := q.Select(1, 0, []bool{true, false, true})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || len(rows[0].Columns) != 2 {
		t.Fatalf("expected a 2-column projected row, got %+v", rows)
	}
	if rows[0].Columns[0] != 1 || rows[0].Columns[1] != 200 {
		t.Errorf("unexpected projected columns: %v", rows[0].Columns)
	}
}

func TestUpdateThenSelectSeesNewValue(t *testing.T) {
	db := openTestDB(t)
	q, _ := db.CreateTable("jobs", 3, 0)
	if err := q.Insert(1, 100, 200); err != nil {
		t.Fatal(err)
	}

	newSalary := int64(999)
	if err := q.Update(1, []*int64{nil, &newSalary, nil}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	rows, err := q.Select(1, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if rows[0].Columns[1] != 999 {
		t.Errorf("expected updated salary 999, got %d", rows[0].Columns[1])
	}
	if rows[0].Columns[2] != 200 {
		t.Errorf("expected untouched column to survive the update, got %d", rows[0].Columns[2])
	}
}

func TestDeleteRemovesRowFromIndex(t *testing.T) {
	db := openTestDB(t)
	q, _ := db.CreateTable("jobs", 2, 0)
	if err := q.Insert(1, 100); err != nil {
		t.Fatal(err)
	}
	if err := q.Delete(1); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	rows, err := q.Select(1, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Errorf("expected no rows after delete, got %d", len(rows))
	}
}

func TestSumAcrossKeyRange(t *testing.T) {
	db := openTestDB(t)
	q, _ := db.CreateTable("jobs", 2, 0)
	for k := int64(1); k <= 5; k++ {
		if err := q.Insert(k, k*10); err != nil {
			t.Fatal(err)
		}
	}
	total, err := q.Sum(1, 5, 1)
	if err != nil {
		t.Fatal(err)
	}
	if total != 150 {
		t.Errorf("expected sum 150, got %d", total)
	}
}

func TestIncrement(t *testing.T) {
	db := openTestDB(t)
	q, _ := db.CreateTable("counters", 2, 0)
	if err := q.Insert(1, 0); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := q.Increment(1, 1); err != nil {
			t.Fatal(err)
		}
	}
	rows, err := q.Select(1, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if rows[0].Columns[1] != 3 {
		t.Errorf("expected counter at 3, got %d", rows[0].Columns[1])
	}
}

func TestTransactionAbortRestoresPriorValue(t *testing.T) {
	db := openTestDB(t)
	q, _ := db.CreateTable("jobs", 2, 0)
	if err := q.Insert(1, 100); err != nil {
		t.Fatal(err)
	}

	// A first transaction commits an update, giving the row a known
	// prior value.
	first := db.NewTransaction()
	table, ok := db.tables["jobs"]
	if !ok {
		t.Fatal("table not registered")
	}
	rows, err := q.Select(1, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	rid := rows[0].RID

	newVal := int64(500)
	first.AddUpdate(table.table, rid, []*int64{nil, &newVal})
	committed, _, _, err := first.Run()
	if err != nil {
		t.Fatal(err)
	}
	if !committed {
		t.Fatal("expected first transaction to commit")
	}

	after, err := q.Select(1, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if after[0].Columns[1] != 500 {
		t.Errorf("expected committed update to stick, got %d", after[0].Columns[1])
	}

	// Another transaction holds the write lock, so a second update of
	// the same row conflicts and is forced to abort.
	const holder = concurrency.TxnID(1 << 40)
	if !db.lockMgr.AcquireWrite(holder, rid) {
		t.Fatal("expected the write lock to be free")
	}
	second := db.NewTransaction()
	otherVal := int64(700)
	second.AddUpdate(table.table, rid, []*int64{nil, &otherVal})
	committed, _, _, err = second.Run()
	if err != nil {
		t.Fatal(err)
	}
	if committed {
		t.Fatal("expected the conflicting transaction to abort")
	}
	db.lockMgr.ReleaseLocks(holder)

	restored, err := q.Select(1, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if restored[0].Columns[1] != 500 {
		t.Errorf("expected the aborted update to leave the prior value 500, got %d", restored[0].Columns[1])
	}
}

func TestConcurrentUpdatesOnDistinctKeysSucceed(t *testing.T) {
	db := openTestDB(t)
	q, _ := db.CreateTable("jobs", 2, 0)
	for k := int64(1); k <= 10; k++ {
		if err := q.Insert(k, 0); err != nil {
			t.Fatal(err)
		}
	}

	var wg sync.WaitGroup
	for k := int64(1); k <= 10; k++ {
		wg.Add(1)
		go func(k int64) {
			defer wg.Done()
			v := k * 2
			q.Update(k, []*int64{nil, &v})
		}(k)
	}
	wg.Wait()

	for k := int64(1); k <= 10; k++ {
		rows, err := q.Select(k, 0, nil)
		if err != nil {
			t.Fatal(err)
		}
		if rows[0].Columns[1] != k*2 {
			t.Errorf("key %d: expected %d, got %d", k, k*2, rows[0].Columns[1])
		}
	}
}

func TestMultipleTablesAreIndependent(t *testing.T) {
	db := openTestDB(t)
	q1, _ := db.CreateTable("a", 2, 0)
	q2, _ := db.CreateTable("b", 2, 0)

	if err := q1.Insert(1, 10); err != nil {
		t.Fatal(err)
	}
	if err := q2.Insert(1, 20); err != nil {
		t.Fatal(err)
	}

	rowsA, _ := q1.Select(1, 0, nil)
	rowsB, _ := q2.Select(1, 0, nil)
	if rowsA[0].Columns[1] != 10 || rowsB[0].Columns[1] != 20 {
		t.Errorf("tables leaked state: a=%v b=%v", rowsA, rowsB)
	}
}

func TestCreateTableTwiceFails(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.CreateTable("jobs", 2, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := db.CreateTable("jobs", 2, 0); err == nil {
		t.Error("expected an error creating a duplicate table")
	}
}

func TestReopenPersistsData(t *testing.T) {
	path := tempDBPath(t)
	db, err := Open(path, engine.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	q, err := db.CreateTable("jobs", 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	for k := int64(1); k <= 20; k++ {
		if err := q.Insert(k, k*7); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db2, err := Open(path, engine.DefaultConfig())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()

	q2, ok := db2.Table("jobs")
	if !ok {
		t.Fatal("expected jobs table to be reloaded")
	}
	rows, err := q2.Select(13, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Columns[1] != 91 {
		t.Fatalf("expected reloaded row [13 91], got %+v", rows)
	}
}

func TestUpdatesUnderLowMergeLimitKeepLastValue(t *testing.T) {
	cfg := engine.DefaultConfig()
	cfg.TailMergeLimit = 2
	db := OpenMemory(cfg)
	defer db.Close()

	q, err := db.CreateTable("jobs", 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Insert(1, 0); err != nil {
		t.Fatal(err)
	}

	for i := int64(1); i <= 6; i++ {
		if err := q.Update(1, []*int64{nil, &i}); err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
	}

	rows, err := q.Select(1, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if rows[0].Columns[1] != 6 {
		t.Errorf("expected the last update to win regardless of merge timing, got %d", rows[0].Columns[1])
	}
}

func TestOpenMemoryDoesNotPersist(t *testing.T) {
	cfg := engine.DefaultConfig()
	db := OpenMemory(cfg)
	q, err := db.CreateTable("jobs", 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Insert(1, 42); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}
	// Nothing to reopen: OpenMemory never touches a directory. The
	// absence of a panic or leftover state is the assertion here.
}
