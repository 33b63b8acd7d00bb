package engine

import (
	"fmt"
	"sync"

	"github.com/colstore/lstore/concurrency"
	"github.com/colstore/lstore/index"
	"github.com/colstore/lstore/storage"
)

// Query is the thin, non-SQL API a caller programs against directly:
// Select/Insert/Update/Delete/Sum/Increment. Insert, Select, Update and
// Delete each run a single-purpose Transaction and Increment goes
// through Update; Sum reads rows directly without taking locks.
// Callers needing multi-statement atomicity build a Transaction
// themselves instead.
type Query struct {
	table *Table
	locks *concurrency.LockManager
	idx   *index.Manager

	mu      sync.Mutex
	nextTxn int64
}

// NewQuery wires a Query over table, its lock manager and its
// secondary index manager.
func NewQuery(table *Table, locks *concurrency.LockManager, idx *index.Manager) *Query {
	return &Query{table: table, locks: locks, idx: idx}
}

func (q *Query) newTxnID() concurrency.TxnID {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextTxn++
	return concurrency.TxnID(q.nextTxn)
}

// Insert adds a row and indexes it on every column.
func (q *Query) Insert(columns ...int64) error {
	txn := NewTransaction(q.newTxnID(), q.locks)
	txn.AddInsert(q.table, columns)
	ok, _, inserted, err := txn.Run()
	if err != nil {
		return err
	}
	if !ok || len(inserted) != 1 {
		return fmt.Errorf("engine: insert aborted")
	}
	for col := 0; col < q.table.NumColumns; col++ {
		q.idx.OnInsert(q.table.Name, col, columns[col], inserted[0])
	}
	return nil
}

// Select resolves searchKey through the index on searchColumn and
// reads every matching row, projecting queryColumns (nil for all).
func (q *Query) Select(searchKey int64, searchColumn int, queryColumns []bool) ([]*Record, error) {
	rids := q.idx.Lookup(q.table.Name, searchColumn, searchKey)
	txn := NewTransaction(q.newTxnID(), q.locks)
	for _, rid := range rids {
		txn.AddSelect(q.table, rid, queryColumns)
	}
	ok, results, _, err := txn.Run()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("engine: select aborted")
	}
	return results, nil
}

// Update applies newValues (nil entries keep the prior value) to the
// row whose primary key is key.
func (q *Query) Update(key int64, newValues []*int64) error {
	rids := q.idx.Lookup(q.table.Name, q.table.Key, key)
	if len(rids) == 0 {
		return fmt.Errorf("engine: update: key %d not found", key)
	}
	rid := rids[0]

	before, err := q.table.Read(rid, nil)
	if err != nil {
		return err
	}

	txn := NewTransaction(q.newTxnID(), q.locks)
	txn.AddUpdate(q.table, rid, newValues)
	ok, _, _, err := txn.Run()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("engine: update conflict on key %d", key)
	}

	for col, v := range newValues {
		if v != nil && *v != before.Columns[col] {
			q.idx.OnUpdate(q.table.Name, col, before.Columns[col], *v, rid)
		}
	}
	return nil
}

// Delete removes the row whose primary key is key.
func (q *Query) Delete(key int64) error {
	rids := q.idx.Lookup(q.table.Name, q.table.Key, key)
	if len(rids) == 0 {
		return fmt.Errorf("engine: delete: key %d not found", key)
	}
	rid := rids[0]

	rec, err := q.table.Read(rid, nil)
	if err != nil {
		return err
	}

	// Drop every column's index entry before the row itself is
	// tombstoned, so a rebuild scan racing this delete never sees a
	// live entry for a dead row. The entries come back if the delete
	// does not commit.
	for col, v := range rec.Columns {
		q.idx.OnDelete(q.table.Name, col, v, rid)
	}

	txn := NewTransaction(q.newTxnID(), q.locks)
	txn.AddDelete(q.table, rid)
	ok, _, _, err := txn.Run()
	if err != nil || !ok {
		for col, v := range rec.Columns {
			q.idx.OnInsert(q.table.Name, col, v, rid)
		}
	}
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("engine: delete conflict on key %d", key)
	}
	return nil
}

// Sum totals column across every row whose primary key falls in
// [startKey, endKey].
func (q *Query) Sum(startKey, endKey int64, column int) (int64, error) {
	var total int64
	for k := startKey; k <= endKey; k++ {
		for _, rid := range q.idx.Lookup(q.table.Name, q.table.Key, k) {
			rec, err := q.table.Read(rid, nil)
			if err != nil {
				continue
			}
			total += rec.Columns[column]
		}
	}
	return total, nil
}

// Increment adds one to column on the row whose primary key is key.
func (q *Query) Increment(key int64, column int) error {
	rids := q.idx.Lookup(q.table.Name, q.table.Key, key)
	if len(rids) == 0 {
		return fmt.Errorf("engine: increment: key %d not found", key)
	}
	rec, err := q.table.Read(rids[0], nil)
	if err != nil {
		return err
	}
	newVal := rec.Columns[column] + 1
	values := make([]*int64, q.table.NumColumns)
	values[column] = &newVal
	return q.Update(key, values)
}

// RebuildIndex repopulates idx's entries for every column of table from
// its current page directory. Used after reopening a database, since
// the index itself is never persisted.
func RebuildIndex(table *Table, idx *index.Manager) error {
	return table.Scan(func(rid storage.RID, columns []int64) error {
		for col, v := range columns {
			idx.OnInsert(table.Name, col, v, rid)
		}
		return nil
	})
}
