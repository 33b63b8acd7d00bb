package engine

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/colstore/lstore/storage"
)

const metaDirName = "_meta"

func metaPaths(dbRoot, table string) (dirFile, countersFile string) {
	dir := filepath.Join(dbRoot, table, metaDirName)
	return filepath.Join(dir, "directory.bin"), filepath.Join(dir, "counters.bin")
}

// SaveMeta persists the page directory and allocator counters for t
// under dbRoot. directory.bin is a big-endian count followed by
// (rid, offset, slot) 24-byte triples; counters.bin is six 8-byte
// big-endian integers: [baseRID, tailRID, baseOffsetCounter,
// tailOffsetCounter, numColumns, key].
func (t *Table) SaveMeta(dbRoot string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	dirPath, countersPath := metaPaths(dbRoot, t.Name)
	if err := os.MkdirAll(filepath.Dir(dirPath), 0o755); err != nil {
		return fmt.Errorf("engine: creating meta dir: %w", err)
	}

	buf := make([]byte, 8+len(t.pageDirectory)*24)
	binary.BigEndian.PutUint64(buf, uint64(len(t.pageDirectory)))
	i := 8
	for rid, loc := range t.pageDirectory {
		binary.BigEndian.PutUint64(buf[i:], uint64(int64(rid)))
		binary.BigEndian.PutUint64(buf[i+8:], uint64(loc.offset))
		binary.BigEndian.PutUint64(buf[i+16:], uint64(int64(loc.slot)))
		i += 24
	}
	if err := os.WriteFile(dirPath, buf, 0o644); err != nil {
		return fmt.Errorf("engine: writing page directory: %w", err)
	}

	counters := make([]byte, 48)
	binary.BigEndian.PutUint64(counters[0:], uint64(int64(t.baseRID)))
	binary.BigEndian.PutUint64(counters[8:], uint64(int64(t.tailRID)))
	binary.BigEndian.PutUint64(counters[16:], uint64(t.baseOffsetCounter))
	binary.BigEndian.PutUint64(counters[24:], uint64(t.tailOffsetCounter))
	binary.BigEndian.PutUint64(counters[32:], uint64(t.NumColumns))
	binary.BigEndian.PutUint64(counters[40:], uint64(t.Key))
	if err := os.WriteFile(countersPath, counters, 0o644); err != nil {
		return fmt.Errorf("engine: writing counters: %w", err)
	}
	return nil
}

// LoadMeta decodes metadata previously written by SaveMeta. ok is
// false (with a nil err) when no metadata file exists yet for table.
func LoadMeta(dbRoot, table string) (dir map[storage.RID]location, baseRID, tailRID, baseOffset, tailOffset int64, numColumns, key int, ok bool, err error) {
	dirPath, countersPath := metaPaths(dbRoot, table)

	countersBuf, cErr := os.ReadFile(countersPath)
	if cErr != nil {
		return nil, 0, 0, 0, 0, 0, 0, false, nil
	}
	if len(countersBuf) != 48 {
		return nil, 0, 0, 0, 0, 0, 0, false, fmt.Errorf("engine: corrupt counters file for %q", table)
	}
	baseRID = int64(binary.BigEndian.Uint64(countersBuf[0:]))
	tailRID = int64(binary.BigEndian.Uint64(countersBuf[8:]))
	baseOffset = int64(binary.BigEndian.Uint64(countersBuf[16:]))
	tailOffset = int64(binary.BigEndian.Uint64(countersBuf[24:]))
	numColumns = int(binary.BigEndian.Uint64(countersBuf[32:]))
	key = int(binary.BigEndian.Uint64(countersBuf[40:]))

	dirBuf, dErr := os.ReadFile(dirPath)
	if dErr != nil {
		return nil, 0, 0, 0, 0, 0, 0, false, fmt.Errorf("engine: reading page directory for %q: %w", table, dErr)
	}
	if len(dirBuf) < 8 {
		return nil, 0, 0, 0, 0, 0, 0, false, fmt.Errorf("engine: corrupt page directory for %q", table)
	}
	count := binary.BigEndian.Uint64(dirBuf)
	dir = make(map[storage.RID]location, count)
	i := 8
	for n := uint64(0); n < count; n++ {
		rid := storage.RID(int64(binary.BigEndian.Uint64(dirBuf[i:])))
		offset := int64(binary.BigEndian.Uint64(dirBuf[i+8:]))
		slot := int(int64(binary.BigEndian.Uint64(dirBuf[i+16:])))
		dir[rid] = location{offset: offset, slot: slot}
		i += 24
	}
	return dir, baseRID, tailRID, baseOffset, tailOffset, numColumns, key, true, nil
}

// OpenTable reconstructs a table from metadata previously written by
// SaveMeta under dbRoot.
func OpenTable(dbRoot, name string, disk storage.Disk, buffer *storage.BufferPool, cfg Config) (*Table, error) {
	dir, baseRID, tailRID, baseOffset, tailOffset, numColumns, key, ok, err := LoadMeta(dbRoot, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("engine: no persisted metadata for table %q", name)
	}

	cfg = cfg.withDefaults()
	t := &Table{
		Name:              name,
		NumColumns:        numColumns,
		Key:               key,
		disk:              disk,
		buffer:            buffer,
		cfg:               cfg,
		pageDirectory:     dir,
		tailChainLen:      make(map[int64]int),
		baseRID:           storage.RID(baseRID),
		tailRID:           storage.RID(tailRID),
		baseOffsetCounter: baseOffset,
		tailOffsetCounter: tailOffset,
	}
	t.merge = newMergeWorker(t)
	t.merge.start()
	return t, nil
}

// HasPersistedMeta reports whether table has a metadata file under
// dbRoot from a prior clean shutdown.
func HasPersistedMeta(dbRoot, table string) bool {
	_, countersPath := metaPaths(dbRoot, table)
	_, err := os.Stat(countersPath)
	return err == nil
}
