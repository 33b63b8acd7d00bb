package storage

// RID is a record identifier: a key into a table's page directory.
// Base RIDs are positive and increase from StartBaseRID; tail RIDs are
// negative and decrease from -StartTailRID. The split is explicit on
// the type rather than inferred by comparing against a counter.
type RID int64

// IsBase reports whether rid addresses a base-range row.
func (rid RID) IsBase() bool { return rid > 0 }

// IsTail reports whether rid addresses a tail-range row.
func (rid RID) IsTail() bool { return rid < 0 }

// Zero is the sentinel used for "no indirection yet" and for a
// tombstoned (deleted or rolled back) row.
const Zero RID = 0
