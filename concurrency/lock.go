// Package concurrency fournit un gestionnaire de verrous au niveau record.
package concurrency

import (
	"sync"

	"github.com/colstore/lstore/storage"
)

// TxnID identifie une transaction auprès du gestionnaire de verrous.
type TxnID int64

// LockManager gère des verrous partagés/exclusifs par RID. Aucune
// attente n'est effectuée : un conflit renvoie immédiatement false et
// laisse l'appelant décider d'annuler la transaction. Comme aucun
// goroutine ne bloque jamais sur un verrou, il n'y a pas besoin de
// détection de interblocage.
type LockManager struct {
	mu         sync.Mutex
	readLocks  map[storage.RID]map[TxnID]struct{}
	writeLocks map[storage.RID]TxnID
}

// NewLockManager crée un gestionnaire de verrous vide.
func NewLockManager() *LockManager {
	return &LockManager{
		readLocks:  make(map[storage.RID]map[TxnID]struct{}),
		writeLocks: make(map[storage.RID]TxnID),
	}
}

// AcquireRead tente de prendre un verrou partagé sur rid pour txn.
// Un titulaire du verrou exclusif qui redemande un verrou partagé sur
// son propre rid réussit sans effet (no-op).
func (lm *LockManager) AcquireRead(txn TxnID, rid storage.RID) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if holder, ok := lm.writeLocks[rid]; ok {
		return holder == txn
	}

	readers, ok := lm.readLocks[rid]
	if !ok {
		readers = make(map[TxnID]struct{})
		lm.readLocks[rid] = readers
	}
	readers[txn] = struct{}{}
	return true
}

// AcquireWrite tente de prendre un verrou exclusif sur rid pour txn.
func (lm *LockManager) AcquireWrite(txn TxnID, rid storage.RID) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	for reader := range lm.readLocks[rid] {
		if reader != txn {
			return false
		}
	}

	if holder, ok := lm.writeLocks[rid]; ok {
		return holder == txn
	}

	lm.writeLocks[rid] = txn
	return true
}

// ReleaseLocks libère tous les verrous (lecture et écriture) détenus
// par txn.
func (lm *LockManager) ReleaseLocks(txn TxnID) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	for rid, readers := range lm.readLocks {
		delete(readers, txn)
		if len(readers) == 0 {
			delete(lm.readLocks, rid)
		}
	}
	for rid, holder := range lm.writeLocks {
		if holder == txn {
			delete(lm.writeLocks, rid)
		}
	}
}
