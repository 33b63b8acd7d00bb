package engine

import (
	"github.com/colstore/lstore/concurrency"
	"github.com/colstore/lstore/storage"
)

type opKind int

const (
	opInsert opKind = iota
	opSelect
	opUpdate
	opDelete
)

type queuedOp struct {
	kind         opKind
	table        *Table
	rid          storage.RID
	columns      []int64
	newValues    []*int64
	queryColumns []bool
}

type loggedOp struct {
	kind             opKind
	table            *Table
	baseRID          storage.RID
	installedTailRID storage.RID
}

// Transaction holds an ordered list of queued operations and drives
// strict two-phase locking: locks are acquired as operations run and
// released only at commit or abort. Abort replays the log in reverse,
// undoing updates, before releasing locks.
type Transaction struct {
	id    concurrency.TxnID
	locks *concurrency.LockManager
	ops   []queuedOp
	log   []loggedOp
}

// NewTransaction returns an empty transaction identified by id.
func NewTransaction(id concurrency.TxnID, locks *concurrency.LockManager) *Transaction {
	return &Transaction{id: id, locks: locks}
}

// AddInsert queues an insert of columns into t.
func (tx *Transaction) AddInsert(t *Table, columns []int64) {
	tx.ops = append(tx.ops, queuedOp{kind: opInsert, table: t, columns: columns})
}

// AddSelect queues a read of rid from t.
func (tx *Transaction) AddSelect(t *Table, rid storage.RID, queryColumns []bool) {
	tx.ops = append(tx.ops, queuedOp{kind: opSelect, table: t, rid: rid, queryColumns: queryColumns})
}

// AddUpdate queues an update of rid in t.
func (tx *Transaction) AddUpdate(t *Table, rid storage.RID, newValues []*int64) {
	tx.ops = append(tx.ops, queuedOp{kind: opUpdate, table: t, rid: rid, newValues: newValues})
}

// AddDelete queues a delete of rid from t.
func (tx *Transaction) AddDelete(t *Table, rid storage.RID) {
	tx.ops = append(tx.ops, queuedOp{kind: opDelete, table: t, rid: rid})
}

// Run executes every queued operation in order, acquiring locks as it
// goes. The first lock conflict or storage error aborts the whole
// transaction and rolls back its updates; otherwise it commits.
// selected holds one *Record per Select, inserted holds one RID per
// Insert, both in queue order.
func (tx *Transaction) Run() (committed bool, selected []*Record, inserted []storage.RID, err error) {
	for _, op := range tx.ops {
		switch op.kind {
		case opInsert:
			rid, insErr := op.table.Insert(op.columns)
			if insErr != nil {
				tx.abort()
				return false, selected, inserted, insErr
			}
			// The RID is brand new, so no other transaction can race
			// it yet; the write lock just records this txn as owner
			// in case a later op in the same transaction touches it.
			tx.locks.AcquireWrite(tx.id, rid)
			tx.log = append(tx.log, loggedOp{kind: opInsert, table: op.table, baseRID: rid})
			inserted = append(inserted, rid)

		case opSelect:
			if !tx.locks.AcquireRead(tx.id, op.rid) {
				tx.abort()
				return false, selected, inserted, nil
			}
			rec, readErr := op.table.Read(op.rid, op.queryColumns)
			if readErr != nil {
				tx.abort()
				return false, selected, inserted, readErr
			}
			selected = append(selected, rec)

		case opUpdate:
			if !tx.locks.AcquireWrite(tx.id, op.rid) {
				tx.abort()
				return false, selected, inserted, nil
			}
			tailRID, updErr := op.table.Update(op.rid, op.newValues)
			if updErr != nil {
				tx.abort()
				return false, selected, inserted, updErr
			}
			// The new tail RID is write-locked as well as the base RID,
			// so both rows this update wrote stay held until commit or
			// abort.
			tx.locks.AcquireWrite(tx.id, tailRID)
			tx.log = append(tx.log, loggedOp{kind: opUpdate, table: op.table, baseRID: op.rid, installedTailRID: tailRID})

		case opDelete:
			if !tx.locks.AcquireWrite(tx.id, op.rid) {
				tx.abort()
				return false, selected, inserted, nil
			}
			if delErr := op.table.Delete(op.rid); delErr != nil {
				tx.abort()
				return false, selected, inserted, delErr
			}
			tx.log = append(tx.log, loggedOp{kind: opDelete, table: op.table, baseRID: op.rid})
		}
	}
	tx.commit()
	return true, selected, inserted, nil
}

func (tx *Transaction) commit() {
	tx.locks.ReleaseLocks(tx.id)
}

func (tx *Transaction) abort() {
	for i := len(tx.log) - 1; i >= 0; i-- {
		entry := tx.log[i]
		if entry.kind == opUpdate {
			_ = entry.table.UndoUpdate(entry.baseRID, entry.installedTailRID)
		}
	}
	tx.locks.ReleaseLocks(tx.id)
}
