package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/colstore/lstore/storage"
)

type location struct {
	offset int64
	slot   int
}

// Table est le Core : elle possède le répertoire de pages, les
// compteurs de RID et d'offset de range, et pilote les lectures/
// écritures via un BufferPool. Elle ne détient aucune référence vers
// un Index ; un index lit à travers une Table plutôt que l'inverse,
// pour garder le graphe de dépendances acyclique
// (Table -> Buffer -> Disk, Table -> Disk) plutôt qu'un cycle.
type Table struct {
	mu sync.Mutex

	Name       string
	NumColumns int
	Key        int

	disk   storage.Disk
	buffer *storage.BufferPool
	cfg    Config

	pageDirectory map[storage.RID]location
	tailChainLen  map[int64]int

	baseRID           storage.RID
	tailRID           storage.RID
	baseOffsetCounter int64
	tailOffsetCounter int64

	merge *mergeWorker
}

// NewTable crée une table appuyée sur disk/buffer, en amorçant une
// base range vide à l'offset 0 si aucune n'existe encore.
func NewTable(name string, numColumns, key int, disk storage.Disk, buffer *storage.BufferPool, cfg Config) (*Table, error) {
	cfg = cfg.withDefaults()
	t := &Table{
		Name:              name,
		NumColumns:        numColumns,
		Key:               key,
		disk:              disk,
		buffer:            buffer,
		cfg:               cfg,
		pageDirectory:     make(map[storage.RID]location),
		tailChainLen:      make(map[int64]int),
		baseRID:           storage.RID(cfg.StartBaseRID),
		tailRID:           storage.RID(-cfg.StartTailRID),
		baseOffsetCounter: 0,
		tailOffsetCounter: 0,
	}
	if _, err := t.buffer.AddRange(t.Name, 0, t.NumColumns); err != nil {
		return nil, fmt.Errorf("engine: amorçage de la base range: %w", err)
	}
	t.merge = newMergeWorker(t)
	t.merge.start()
	return t, nil
}

// Close arrête le worker de fusion de la table. Ne vide pas le buffer
// pool ; les appelants le vident via DB.Close.
func (t *Table) Close() {
	t.merge.stop()
}

func (t *Table) currentBaseRange() (*storage.Range, error) {
	t.mu.Lock()
	offset := t.baseOffsetCounter
	t.mu.Unlock()

	r, err := t.buffer.FetchRange(t.Name, offset, t.NumColumns)
	if err != nil {
		return nil, err
	}
	if r.HasCapacity() {
		return r, nil
	}
	t.buffer.UnpinRange(t.Name, offset)

	newOffset := offset + t.cfg.FilePageLength
	if _, err := t.buffer.AddRange(t.Name, newOffset, t.NumColumns); err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.baseOffsetCounter = newOffset
	t.mu.Unlock()
	return t.buffer.FetchRange(t.Name, newOffset, t.NumColumns)
}

// Insert écrit une nouvelle ligne de base. columns doit avoir une
// longueur égale à NumColumns.
func (t *Table) Insert(columns []int64) (storage.RID, error) {
	if len(columns) != t.NumColumns {
		return 0, fmt.Errorf("engine: insert: %d colonnes attendues, %d reçues", t.NumColumns, len(columns))
	}

	t.mu.Lock()
	rid := t.baseRID
	t.baseRID++
	t.mu.Unlock()

	r, err := t.currentBaseRange()
	if err != nil {
		return 0, err
	}
	offset := r.RangeOffset
	defer t.buffer.UnpinRange(t.Name, offset)

	values := make([]int64, storage.Offset+t.NumColumns)
	values[storage.ColIndirection] = 0
	values[storage.ColRID] = int64(rid)
	values[storage.ColTimestamp] = time.Now().Unix()
	values[storage.ColBaseRID] = int64(rid)
	copy(values[storage.Offset:], columns)

	t.mu.Lock()
	slot := -1
	for col, v := range values {
		s, ok := r.Pages[col].Write(v)
		if !ok {
			t.mu.Unlock()
			return 0, fmt.Errorf("engine: base range %d colonne %d saturée", offset, col)
		}
		slot = s
	}
	t.pageDirectory[rid] = location{offset: offset, slot: slot}
	t.mu.Unlock()

	return rid, nil
}

// Read résout rid, en suivant l'indirection vers le stockage tail
// quand la ligne porte une mise à jour plus récente que le TPS de sa
// base range. queryColumns peut être nil pour demander toutes les
// colonnes utilisateur.
func (t *Table) Read(rid storage.RID, queryColumns []bool) (*Record, error) {
	t.mu.Lock()
	loc, ok := t.pageDirectory[rid]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("engine: rid %d introuvable", rid)
	}

	r, err := t.buffer.FetchRange(t.Name, loc.offset, t.NumColumns)
	if err != nil {
		return nil, err
	}
	defer t.buffer.UnpinRange(t.Name, loc.offset)

	if r.Pages[storage.ColRID].Read(loc.slot) == 0 {
		return nil, fmt.Errorf("engine: rid %d est supprimé", rid)
	}

	indirection := r.Pages[storage.ColIndirection].Read(loc.slot)
	tps := r.Pages[storage.ColIndirection].GetTPS()
	keyValue := r.Pages[storage.Offset+t.Key].Read(loc.slot)

	rec := &Record{RID: rid, Key: keyValue}

	if indirection == 0 || (tps != 0 && indirection >= tps) {
		for col := 0; col < t.NumColumns; col++ {
			if queryColumns == nil || (col < len(queryColumns) && queryColumns[col]) {
				rec.Columns = append(rec.Columns, r.Pages[storage.Offset+col].Read(loc.slot))
			}
		}
		return rec, nil
	}

	tailRID := storage.RID(indirection)
	t.mu.Lock()
	tailLoc, tok := t.pageDirectory[tailRID]
	t.mu.Unlock()
	if !tok {
		return nil, fmt.Errorf("engine: indirection rid %d introuvable", tailRID)
	}

	tr, err := t.buffer.FetchRange(t.Name, tailLoc.offset, t.NumColumns)
	if err != nil {
		return nil, err
	}
	defer t.buffer.UnpinRange(t.Name, tailLoc.offset)

	for col := 0; col < t.NumColumns; col++ {
		if queryColumns == nil || (col < len(queryColumns) && queryColumns[col]) {
			rec.Columns = append(rec.Columns, tr.Pages[storage.Offset+col].Read(tailLoc.slot))
		}
	}
	return rec, nil
}

// Update ajoute une ligne tail portant newValues fusionné avec
// l'image courante de la ligne (les entrées nil conservent la valeur
// précédente) et réécrit l'indirection de la ligne de base pour
// pointer vers elle. Retourne le nouveau RID tail pour qu'une
// Transaction puisse l'annuler en cas d'abandon.
func (t *Table) Update(baseRID storage.RID, newValues []*int64) (storage.RID, error) {
	t.mu.Lock()
	loc, ok := t.pageDirectory[baseRID]
	t.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("engine: rid %d introuvable", baseRID)
	}

	current, err := t.Read(baseRID, nil)
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	tailRID := t.tailRID
	t.tailRID--
	t.mu.Unlock()

	br, err := t.buffer.FetchRange(t.Name, loc.offset, t.NumColumns)
	if err != nil {
		return 0, err
	}
	priorIndirection := br.Pages[storage.ColIndirection].Read(loc.slot)

	tr, tailOffset, err := t.tailRangeForAppend(loc.offset)
	if err != nil {
		t.buffer.UnpinRange(t.Name, loc.offset)
		return 0, err
	}

	values := make([]int64, storage.Offset+t.NumColumns)
	values[storage.ColIndirection] = priorIndirection
	values[storage.ColRID] = int64(tailRID)
	values[storage.ColTimestamp] = time.Now().Unix()
	values[storage.ColBaseRID] = int64(baseRID)
	for col := 0; col < t.NumColumns; col++ {
		if newValues != nil && col < len(newValues) && newValues[col] != nil {
			values[storage.Offset+col] = *newValues[col]
		} else {
			values[storage.Offset+col] = current.Columns[col]
		}
	}

	t.mu.Lock()
	slot := -1
	for col, v := range values {
		s, ok := tr.Pages[col].Write(v)
		if !ok {
			t.mu.Unlock()
			t.buffer.UnpinRange(t.Name, tailOffset)
			t.buffer.UnpinRange(t.Name, loc.offset)
			return 0, fmt.Errorf("engine: tail range %d colonne %d saturée", tailOffset, col)
		}
		slot = s
	}
	t.pageDirectory[tailRID] = location{offset: tailOffset, slot: slot}
	t.mu.Unlock()
	t.buffer.UnpinRange(t.Name, tailOffset)

	br.Pages[storage.ColIndirection].InplaceUpdate(loc.slot, int64(tailRID))
	t.buffer.UnpinRange(t.Name, loc.offset)

	t.maybeEnqueueMerge(loc.offset)

	return tailRID, nil
}

// tailRangeForAppend retourne une tail range épinglée avec de la
// place pour une ligne de plus, en allouant une nouvelle tail range et
// en la chaînant si nécessaire. L'appelant doit dépingler l'offset de
// la range retournée.
func (t *Table) tailRangeForAppend(baseOffset int64) (*storage.Range, int64, error) {
	next, err := t.disk.GetOffset(t.Name, baseOffset)
	if err != nil {
		return nil, 0, err
	}
	if next == 0 {
		return t.appendNewTailRange(baseOffset, baseOffset)
	}

	cur := next
	for {
		n, err := t.disk.GetOffset(t.Name, cur)
		if err != nil {
			return nil, 0, err
		}
		if n == 0 {
			break
		}
		cur = n
	}

	r, err := t.buffer.FetchRange(t.Name, cur, t.NumColumns)
	if err != nil {
		return nil, 0, err
	}
	if r.HasCapacity() {
		return r, cur, nil
	}
	t.buffer.UnpinRange(t.Name, cur)
	return t.appendNewTailRange(baseOffset, cur)
}

// appendNewTailRange alloue une tail range neuve, la chaîne après
// predecessor (la base range elle-même s'il s'agit de la première
// tail range), et enregistre la croissance de la chaîne pour le
// déclenchement de la fusion.
func (t *Table) appendNewTailRange(baseOffset, predecessor int64) (*storage.Range, int64, error) {
	newOffset := t.allocateOffset()
	if _, err := t.buffer.AddRange(t.Name, newOffset, t.NumColumns); err != nil {
		return nil, 0, err
	}
	if err := t.disk.UpdateOffset(t.Name, predecessor, newOffset); err != nil {
		return nil, 0, err
	}
	t.mu.Lock()
	t.tailChainLen[baseOffset]++
	t.mu.Unlock()
	r, err := t.buffer.FetchRange(t.Name, newOffset, t.NumColumns)
	return r, newOffset, err
}

func (t *Table) allocateOffset() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tailOffsetCounter < t.baseOffsetCounter {
		t.tailOffsetCounter = t.baseOffsetCounter
	}
	t.tailOffsetCounter += t.cfg.FilePageLength
	return t.tailOffsetCounter
}

// Delete tombstone une ligne de base en mettant sa cellule RID à
// zéro. La ligne n'est jamais physiquement retirée.
func (t *Table) Delete(rid storage.RID) error {
	t.mu.Lock()
	loc, ok := t.pageDirectory[rid]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("engine: rid %d introuvable", rid)
	}
	r, err := t.buffer.FetchRange(t.Name, loc.offset, t.NumColumns)
	if err != nil {
		return err
	}
	defer t.buffer.UnpinRange(t.Name, loc.offset)
	r.Pages[storage.ColRID].InplaceUpdate(loc.slot, 0)
	return nil
}

// UndoUpdate annule un Update, invalide la ligne tail qu'il a écrite
// et restaure l'indirection précédente de la ligne de base. Appelé
// uniquement tant que la transaction ayant effectué la mise à jour
// détient encore ses verrous.
func (t *Table) UndoUpdate(baseRID, installedTailRID storage.RID) error {
	t.mu.Lock()
	baseLoc, ok := t.pageDirectory[baseRID]
	tailLoc, tok := t.pageDirectory[installedTailRID]
	t.mu.Unlock()
	if !ok || !tok {
		return fmt.Errorf("engine: undo_update: rid introuvable")
	}

	tr, err := t.buffer.FetchRange(t.Name, tailLoc.offset, t.NumColumns)
	if err != nil {
		return err
	}
	priorHead := tr.Pages[storage.ColIndirection].Read(tailLoc.slot)
	tr.Pages[storage.ColRID].InplaceUpdate(tailLoc.slot, 0)
	t.buffer.UnpinRange(t.Name, tailLoc.offset)

	br, err := t.buffer.FetchRange(t.Name, baseLoc.offset, t.NumColumns)
	if err != nil {
		return err
	}
	br.Pages[storage.ColIndirection].InplaceUpdate(baseLoc.slot, priorHead)
	t.buffer.UnpinRange(t.Name, baseLoc.offset)
	return nil
}

// maybeEnqueueMerge enqueue baseOffset pour une fusion en arrière-plan
// une fois que sa chaîne tail atteint TailMergeLimit et que la base
// range elle-même est pleine. Si la file de fusion est pleine, la
// requête est simplement abandonnée : la prochaine mise à jour au-delà
// de la limite réessaiera.
func (t *Table) maybeEnqueueMerge(baseOffset int64) {
	t.mu.Lock()
	chainLen := t.tailChainLen[baseOffset]
	t.mu.Unlock()
	if chainLen < t.cfg.TailMergeLimit {
		return
	}

	r, err := t.buffer.FetchRange(t.Name, baseOffset, t.NumColumns)
	if err != nil {
		return
	}
	full := !r.HasCapacity()
	t.buffer.UnpinRange(t.Name, baseOffset)
	if !full {
		return
	}

	t.merge.enqueue(baseOffset)
}

// Scan itère chaque ligne de base vivante, en sautant celles
// supprimées ou mal formées. Utilisé pour reconstruire un index
// secondaire depuis zéro.
func (t *Table) Scan(fn func(rid storage.RID, columns []int64) error) error {
	t.mu.Lock()
	rids := make([]storage.RID, 0, len(t.pageDirectory))
	for rid := range t.pageDirectory {
		if rid.IsBase() {
			rids = append(rids, rid)
		}
	}
	t.mu.Unlock()

	for _, rid := range rids {
		rec, err := t.Read(rid, nil)
		if err != nil {
			continue
		}
		if err := fn(rid, rec.Columns); err != nil {
			return err
		}
	}
	return nil
}

// resolveLocation est utilisé par le worker de fusion pour retrouver
// le slot de base d'une ligne tail pendant le repliement.
func (t *Table) resolveLocation(rid storage.RID) (location, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	loc, ok := t.pageDirectory[rid]
	return loc, ok
}

// collectTailOffsets parcourt la chaîne tail depuis baseOffset, en
// collectant jusqu'à limit offsets de tail range successifs dans
// l'ordre de la chaîne (le plus ancien en premier).
func (t *Table) collectTailOffsets(baseOffset int64, limit int) ([]int64, error) {
	var offsets []int64
	cur := baseOffset
	for len(offsets) < limit {
		next, err := t.disk.GetOffset(t.Name, cur)
		if err != nil {
			return nil, err
		}
		if next == 0 {
			break
		}
		offsets = append(offsets, next)
		cur = next
	}
	return offsets, nil
}

// mergeBaseRange replie jusqu'à TailMergeLimit tail ranges dans un
// clone-instantané de la base range, avance le TPS, rechaîne la suite
// tail au-delà de ce qui a été replié, et échange la range consolidée
// dans le buffer pool. Une chaîne plus courte que TailMergeLimit est
// un no-op.
func (t *Table) mergeBaseRange(baseOffset int64) error {
	baseSnapshot, err := t.buffer.FetchRange(t.Name, baseOffset, t.NumColumns)
	if err != nil {
		return err
	}
	clone := baseSnapshot.Clone()
	t.buffer.UnpinRange(t.Name, baseOffset)

	tailOffsets, err := t.collectTailOffsets(baseOffset, t.cfg.TailMergeLimit)
	if err != nil {
		return err
	}
	if len(tailOffsets) < t.cfg.TailMergeLimit {
		return nil
	}

	var lastRangeLastRID int64
	for _, tOffset := range tailOffsets {
		tr, err := t.buffer.FetchRange(t.Name, tOffset, t.NumColumns)
		if err != nil {
			return err
		}

		for slot := storage.PageEntries - 1; slot >= 1; slot-- {
			ridCell := tr.Pages[storage.ColRID].Read(slot)
			if ridCell == 0 {
				continue
			}
			baseRIDCell := tr.Pages[storage.ColBaseRID].Read(slot)
			loc, ok := t.resolveLocation(storage.RID(baseRIDCell))
			if !ok || loc.offset != baseOffset {
				continue
			}
			if clone.Pages[storage.ColIndirection].Read(loc.slot) != ridCell {
				continue
			}
			for col := 0; col < t.NumColumns; col++ {
				v := tr.Pages[storage.Offset+col].Read(slot)
				clone.Pages[storage.Offset+col].InplaceUpdate(loc.slot, v)
			}
		}
		lastRangeLastRID = tr.Pages[storage.ColRID].Read(storage.PageEntries - 1)
		t.buffer.UnpinRange(t.Name, tOffset)
	}

	clone.UpdateTPS(lastRangeLastRID)

	lastTailOffset := tailOffsets[len(tailOffsets)-1]
	nextAfterMerged, err := t.disk.GetOffset(t.Name, lastTailOffset)
	if err != nil {
		return err
	}
	if err := t.disk.UpdateOffset(t.Name, baseOffset, nextAfterMerged); err != nil {
		return err
	}

	t.mu.Lock()
	t.tailChainLen[baseOffset] -= len(tailOffsets)
	if t.tailChainLen[baseOffset] < 0 {
		t.tailChainLen[baseOffset] = 0
	}
	t.mu.Unlock()

	return t.buffer.SwapRange(t.Name, baseOffset, clone)
}
