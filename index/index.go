// Package index fournit un index secondaire en mémoire sur les
// colonnes d'une table : une correspondance entre une valeur de
// colonne et l'ensemble des base RID vivants qui la portent. Il n'est
// pas persisté ; il est reconstructible à partir du répertoire de
// pages d'une table après un redémarrage.
package index

import (
	"fmt"
	"sync"

	"github.com/colstore/lstore/storage"
)

// ColumnIndex associe une valeur de colonne encodée à l'ensemble des
// base RID qui la portent actuellement, pour un couple (table, colonne).
type ColumnIndex struct {
	mu   sync.RWMutex
	vals map[int64]map[storage.RID]struct{}
}

func newColumnIndex() *ColumnIndex {
	return &ColumnIndex{vals: make(map[int64]map[storage.RID]struct{})}
}

// Add enregistre que value est désormais portée par rid. Un RID nul
// (tombstone) est ignoré silencieusement, pour qu'une suppression
// concurrente à une reconstruction d'index ne puisse jamais laisser
// une entrée morte derrière elle.
func (c *ColumnIndex) Add(value int64, rid storage.RID) {
	if rid == storage.Zero {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.vals[value]
	if !ok {
		set = make(map[storage.RID]struct{})
		c.vals[value] = set
	}
	set[rid] = struct{}{}
}

// Remove retire rid de l'ensemble de value.
func (c *ColumnIndex) Remove(value int64, rid storage.RID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if set, ok := c.vals[value]; ok {
		delete(set, rid)
		if len(set) == 0 {
			delete(c.vals, value)
		}
	}
}

// Lookup retourne tous les RID actuellement enregistrés sous value.
func (c *ColumnIndex) Lookup(value int64) []storage.RID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	set := c.vals[value]
	out := make([]storage.RID, 0, len(set))
	for rid := range set {
		out = append(out, rid)
	}
	return out
}

// Manager indexe un ColumnIndex par (table, colonne).
type Manager struct {
	mu    sync.Mutex
	byKey map[string]*ColumnIndex
}

// NewManager retourne un gestionnaire d'index vide.
func NewManager() *Manager {
	return &Manager{byKey: make(map[string]*ColumnIndex)}
}

func key(table string, column int) string {
	return fmt.Sprintf("%s.%d", table, column)
}

func (m *Manager) indexFor(table string, column int) *ColumnIndex {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(table, column)
	ci, ok := m.byKey[k]
	if !ok {
		ci = newColumnIndex()
		m.byKey[k] = ci
	}
	return ci
}

// OnInsert enregistre la valeur d'une ligne nouvellement insérée.
func (m *Manager) OnInsert(table string, column int, value int64, rid storage.RID) {
	m.indexFor(table, column).Add(value, rid)
}

// OnDelete retire la valeur d'une ligne tombstonée. Les appelants
// doivent invoquer ceci avant que la ligne sous-jacente de la table ne
// soit effectivement tombstonée.
func (m *Manager) OnDelete(table string, column int, value int64, rid storage.RID) {
	m.indexFor(table, column).Remove(value, rid)
}

// OnUpdate déplace rid de l'ensemble de oldValue vers celui de newValue.
func (m *Manager) OnUpdate(table string, column int, oldValue, newValue int64, rid storage.RID) {
	if oldValue == newValue {
		return
	}
	ci := m.indexFor(table, column)
	ci.Remove(oldValue, rid)
	ci.Add(newValue, rid)
}

// Lookup retourne tous les RID enregistrés sous value pour (table, colonne).
func (m *Manager) Lookup(table string, column int, value int64) []storage.RID {
	return m.indexFor(table, column).Lookup(value)
}
