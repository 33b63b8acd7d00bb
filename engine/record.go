package engine

import "github.com/colstore/lstore/storage"

// Record is the result of a successful read: the RID it was resolved
// through, the (always base-column) primary key value, and whichever
// user columns were requested.
type Record struct {
	RID     storage.RID
	Key     int64
	Columns []int64
}
