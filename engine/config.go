// Package engine implements the table core: base/tail range storage,
// indirection-and-TPS reads, record-level transactions, and the
// background merge worker.
package engine

// Config holds the tunables a Table is constructed with. PageLength,
// PageEntries and the metadata-column Offset are fixed compile-time
// constants in the storage package; everything a caller can reasonably
// want to tune per deployment lives here.
type Config struct {
	// BufferSize is the number of resident ranges kept in memory.
	BufferSize int
	// TailMergeLimit is the tail-chain length that triggers a merge of
	// a full base range.
	TailMergeLimit int
	// StartBaseRID is the first RID assigned to an inserted row.
	StartBaseRID int64
	// StartTailRID is the magnitude of the first tail RID; tail RIDs
	// are -StartTailRID, -(StartTailRID+1), …
	StartTailRID int64
	// FilePageLength is the byte stride between adjacent range offsets.
	FilePageLength int64
}

// DefaultConfig returns sane defaults for every tunable.
func DefaultConfig() Config {
	return Config{
		BufferSize:     16,
		TailMergeLimit: 4,
		StartBaseRID:   1,
		StartTailRID:   1,
		FilePageLength: int64(4 + 512*8),
	}
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultConfig().BufferSize
	}
	if c.TailMergeLimit <= 0 {
		c.TailMergeLimit = DefaultConfig().TailMergeLimit
	}
	if c.StartBaseRID <= 0 {
		c.StartBaseRID = DefaultConfig().StartBaseRID
	}
	if c.StartTailRID <= 0 {
		c.StartTailRID = DefaultConfig().StartTailRID
	}
	if c.FilePageLength <= 0 {
		c.FilePageLength = DefaultConfig().FilePageLength
	}
	return c
}
