package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/snappy"
)

// Disk est le collaborateur externe à travers lequel chaque range de
// table est persistée. Elle est adressée par contenu via
// (table, colonne, rangeOffset). Les implémentations ne voient jamais
// la sémantique des colonnes ; elles ne font que déplacer des octets.
type Disk interface {
	// FetchRange lit toutes les colonnes (métadonnées Offset + les
	// numColumns colonnes utilisateur) de la range à rangeOffset pour
	// table.
	FetchRange(table string, rangeOffset int64, numColumns int) (*Range, error)
	// WriteRange persiste chaque page de r sous table.
	WriteRange(table string, r *Range) error
	// GetOffset retourne le lien vers la prochaine tail range
	// enregistré pour rangeOffset, ou 0 si aucun n'a été fixé.
	GetOffset(table string, rangeOffset int64) (int64, error)
	// UpdateOffset enregistre le lien vers la prochaine tail range
	// pour rangeOffset.
	UpdateOffset(table string, rangeOffset int64, next int64) error
	// Close libère tout descripteur de fichier ouvert.
	Close() error
}

// rangeStore est l'unique implémentation de Disk, adressée par
// (table, colonne, rangeOffset) et appuyée sur un StorageFile par
// colonne (plus un par table pour le lien de chaînage des tail
// ranges). Chaque page est compressée avec snappy derrière un en-tête
// de longueur de 4 octets en big-endian avant d'atteindre le
// StorageFile. La seule différence entre un Disk sur fichier et un
// Disk en mémoire est la fonction open : os.OpenFile pour l'un,
// NewMemFile pour l'autre — les deux passent par le même chemin de
// lecture/écriture ci-dessous.
type rangeStore struct {
	mu             sync.Mutex
	root           string
	filePageLength int64
	files          map[string]StorageFile
	open           func(path string) (StorageFile, error)
}

func newRangeStore(root string, filePageLength int64, open func(string) (StorageFile, error)) *rangeStore {
	return &rangeStore{
		root:           root,
		filePageLength: filePageLength,
		files:          make(map[string]StorageFile),
		open:           open,
	}
}

// NewFileDisk ouvre (en le créant si besoin) root comme répertoire
// racine de la base. filePageLength est le pas entre deux offsets de
// range adjacents : la range à rangeOffset occupe le slot
// rangeOffset/filePageLength de chaque fichier de colonne, et chaque
// slot y fait PageLength+4 octets (en-tête de longueur puis page
// compressée).
func NewFileDisk(root string, filePageLength int64) (Disk, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("storage: impossible de créer la racine %q: %w", root, err)
	}
	return newRangeStore(root, filePageLength, func(path string) (StorageFile, error) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("storage: impossible de créer le répertoire de %q: %w", path, err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return nil, fmt.Errorf("storage: impossible d'ouvrir %q: %w", path, err)
		}
		return f, nil
	}), nil
}

// NewMemDisk retourne un Disk entièrement appuyé sur des MemFile en
// mémoire ; rien n'est persisté entre deux lancements du processus.
// filePageLength doit correspondre au pas qui espace les offsets de
// range de l'appelant (voir Config.FilePageLength), exactement comme
// pour NewFileDisk.
func NewMemDisk(filePageLength int64) Disk {
	return newRangeStore("", filePageLength, func(path string) (StorageFile, error) {
		return NewMemFile(), nil
	})
}

func (d *rangeStore) tableDir(table string) string {
	return filepath.Join(d.root, table)
}

func (d *rangeStore) fileFor(path string) (StorageFile, error) {
	if f, ok := d.files[path]; ok {
		return f, nil
	}
	f, err := d.open(path)
	if err != nil {
		return nil, err
	}
	d.files[path] = f
	return f, nil
}

func (d *rangeStore) columnPath(table string, col int) string {
	return filepath.Join(d.tableDir(table), fmt.Sprintf("col_%d.dat", col))
}

func (d *rangeStore) chainPath(table string) string {
	return filepath.Join(d.tableDir(table), "chain.dat")
}

func (d *rangeStore) slotFor(rangeOffset int64) int64 {
	if d.filePageLength <= 0 {
		return rangeOffset
	}
	return rangeOffset / d.filePageLength
}

func (d *rangeStore) readPage(f StorageFile, slot int64) (*Page, error) {
	compSizeBuf := make([]byte, 4)
	n, err := f.ReadAt(compSizeBuf, slot*int64(PageLength+4))
	if n < 4 || err != nil {
		return NewPage(), nil
	}
	compLen := int(compSizeBuf[0])<<24 | int(compSizeBuf[1])<<16 | int(compSizeBuf[2])<<8 | int(compSizeBuf[3])
	if compLen <= 0 {
		return NewPage(), nil
	}
	comp := make([]byte, compLen)
	if _, err := f.ReadAt(comp, slot*int64(PageLength+4)+4); err != nil {
		return nil, fmt.Errorf("storage: lecture de la page: %w", err)
	}
	raw, err := snappy.Decode(nil, comp)
	if err != nil {
		return nil, fmt.Errorf("storage: décompression de la page: %w", err)
	}
	return DeserializePage(raw), nil
}

func (d *rangeStore) writePage(f StorageFile, slot int64, p *Page) error {
	raw := p.Serialize()
	comp := snappy.Encode(nil, raw)
	header := []byte{
		byte(len(comp) >> 24), byte(len(comp) >> 16), byte(len(comp) >> 8), byte(len(comp)),
	}
	base := slot * int64(PageLength+4)
	if _, err := f.WriteAt(header, base); err != nil {
		return fmt.Errorf("storage: écriture de l'en-tête de page: %w", err)
	}
	if _, err := f.WriteAt(comp, base+4); err != nil {
		return fmt.Errorf("storage: écriture de la page: %w", err)
	}
	return nil
}

func (d *rangeStore) FetchRange(table string, rangeOffset int64, numColumns int) (*Range, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	slot := d.slotFor(rangeOffset)
	r := NewRange(rangeOffset, numColumns)
	for col := 0; col < Offset+numColumns; col++ {
		f, err := d.fileFor(d.columnPath(table, col))
		if err != nil {
			return nil, err
		}
		p, err := d.readPage(f, slot)
		if err != nil {
			return nil, err
		}
		r.Pages[col] = p
	}
	return r, nil
}

func (d *rangeStore) WriteRange(table string, r *Range) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	slot := d.slotFor(r.RangeOffset)
	for col, p := range r.Pages {
		f, err := d.fileFor(d.columnPath(table, col))
		if err != nil {
			return err
		}
		if err := d.writePage(f, slot, p); err != nil {
			return err
		}
		p.ClearDirty()
	}
	return nil
}

func (d *rangeStore) GetOffset(table string, rangeOffset int64) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := d.fileFor(d.chainPath(table))
	if err != nil {
		return 0, err
	}
	slot := d.slotFor(rangeOffset)
	buf := make([]byte, 8)
	n, err := f.ReadAt(buf, slot*8)
	if n < 8 || err != nil {
		return 0, nil
	}
	var v int64
	for _, b := range buf {
		v = v<<8 | int64(b)
	}
	return v, nil
}

func (d *rangeStore) UpdateOffset(table string, rangeOffset int64, next int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := d.fileFor(d.chainPath(table))
	if err != nil {
		return err
	}
	slot := d.slotFor(rangeOffset)
	buf := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		buf[i] = byte(next)
		next >>= 8
	}
	_, err = f.WriteAt(buf, slot*8)
	return err
}

func (d *rangeStore) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	for _, f := range d.files {
		if err := f.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
