// Package api fournit l'interface utilisateur de lstore.
// C'est le point d'entrée principal pour ouvrir une base, créer des tables
// et obtenir un Query pour chacune d'elles.
package api

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/colstore/lstore/concurrency"
	"github.com/colstore/lstore/engine"
	"github.com/colstore/lstore/index"
	"github.com/colstore/lstore/storage"
)

// tableHandle groups everything DB owns per opened table.
type tableHandle struct {
	table *engine.Table
	query *engine.Query
}

// DB représente une instance de base de données lstore : un répertoire
// sur disque (ou un espace purement en mémoire) partagé par toutes ses
// tables, qui partagent aussi un même tampon de pages, un même
// gestionnaire de verrous et un même gestionnaire d'index.
type DB struct {
	root     string
	memory   bool
	disk     storage.Disk
	buffer   *storage.BufferPool
	lockMgr  *concurrency.LockManager
	indexMgr *index.Manager
	dbLock   *storage.DBLock
	cfg      engine.Config

	mu     sync.Mutex
	tables map[string]*tableHandle
	txnSeq int64
}

// Open ouvre ou crée une base de données lstore dans le répertoire path,
// avec la configuration cfg (voir engine.DefaultConfig). Les tables
// précédemment créées et fermées proprement sont rechargées automatiquement.
func Open(path string, cfg engine.Config) (*DB, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("lstore: creating database directory: %w", err)
	}

	dbLock, err := storage.LockDB(filepath.Join(path, "db"))
	if err != nil {
		return nil, fmt.Errorf("lstore: %w", err)
	}

	cfg = withDefaults(cfg)
	disk, err := storage.NewFileDisk(path, cfg.FilePageLength)
	if err != nil {
		dbLock.Unlock()
		return nil, fmt.Errorf("lstore: %w", err)
	}

	db := &DB{
		root:     path,
		disk:     disk,
		buffer:   storage.NewBufferPool(disk, cfg.BufferSize),
		lockMgr:  concurrency.NewLockManager(),
		indexMgr: index.NewManager(),
		dbLock:   dbLock,
		cfg:      cfg,
		tables:   make(map[string]*tableHandle),
	}

	if err := db.reopenExistingTables(); err != nil {
		db.disk.Close()
		dbLock.Unlock()
		return nil, err
	}

	return db, nil
}

// OpenMemory ouvre une base purement en mémoire, qui disparaît à la
// fermeture du processus. Utile pour les tests et les prototypes.
func OpenMemory(cfg engine.Config) *DB {
	cfg = withDefaults(cfg)
	disk := storage.NewMemDisk(cfg.FilePageLength)
	return &DB{
		memory:   true,
		disk:     disk,
		buffer:   storage.NewBufferPool(disk, cfg.BufferSize),
		lockMgr:  concurrency.NewLockManager(),
		indexMgr: index.NewManager(),
		cfg:      cfg,
		tables:   make(map[string]*tableHandle),
	}
}

// withDefaults complète la taille du tampon et le pas entre ranges dont
// Open et OpenMemory ont besoin ; NewTable et OpenTable complètent
// eux-mêmes les autres réglages.
func withDefaults(cfg engine.Config) engine.Config {
	def := engine.DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.FilePageLength <= 0 {
		cfg.FilePageLength = def.FilePageLength
	}
	return cfg
}

// reopenExistingTables parcourt le répertoire de la base et recharge
// toute table disposant de métadonnées persistées par une fermeture propre.
func (db *DB) reopenExistingTables() error {
	entries, err := os.ReadDir(db.root)
	if err != nil {
		return fmt.Errorf("lstore: listing database directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == "_meta" {
			continue
		}
		name := entry.Name()
		if !engine.HasPersistedMeta(db.root, name) {
			continue
		}
		table, err := engine.OpenTable(db.root, name, db.disk, db.buffer, db.cfg)
		if err != nil {
			return fmt.Errorf("lstore: reopening table %q: %w", name, err)
		}
		if err := engine.RebuildIndex(table, db.indexMgr); err != nil {
			return fmt.Errorf("lstore: rebuilding index for %q: %w", name, err)
		}
		db.tables[name] = &tableHandle{
			table: table,
			query: engine.NewQuery(table, db.lockMgr, db.indexMgr),
		}
	}
	return nil
}

// CreateTable crée une nouvelle table portant numColumns colonnes
// utilisateur, dont la clé primaire est la colonne key (indexée
// automatiquement). Retourne une erreur si une table de ce nom existe déjà.
func (db *DB) CreateTable(name string, numColumns, key int) (*engine.Query, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, exists := db.tables[name]; exists {
		return nil, fmt.Errorf("lstore: table %q already exists", name)
	}

	table, err := engine.NewTable(name, numColumns, key, db.disk, db.buffer, db.cfg)
	if err != nil {
		return nil, fmt.Errorf("lstore: %w", err)
	}
	q := engine.NewQuery(table, db.lockMgr, db.indexMgr)
	db.tables[name] = &tableHandle{table: table, query: q}
	return q, nil
}

// Table retourne le Query de la table name, ou false si elle n'existe pas.
func (db *DB) Table(name string) (*engine.Query, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	h, ok := db.tables[name]
	if !ok {
		return nil, false
	}
	return h.query, true
}

// NewTransaction démarre une transaction multi-opérations sur cette base.
func (db *DB) NewTransaction() *engine.Transaction {
	db.mu.Lock()
	db.txnSeq++
	id := db.txnSeq
	db.mu.Unlock()
	return engine.NewTransaction(concurrency.TxnID(id), db.lockMgr)
}

// Close arrête proprement la base de données : chaque worker de fusion
// est stoppé, les tampons de pages sont vidés sur disque, les métadonnées
// des tables sont sauvegardées, puis le verrou de processus est libéré.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	var firstErr error
	for name, h := range db.tables {
		h.table.Close()
		if !db.memory {
			if err := h.table.SaveMeta(db.root); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("lstore: saving metadata for %q: %w", name, err)
			}
		}
	}

	if err := db.buffer.FlushAll(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("lstore: flushing buffer pool: %w", err)
	}
	if err := db.disk.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("lstore: closing disk: %w", err)
	}
	if err := db.dbLock.Unlock(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("lstore: %w", err)
	}
	return firstErr
}
