// Package index implements the in-memory secondary index manager: a plain
// map[string]map[string][]string (field -> canonical value key -> sorted id
// list), rather than an on-disk B+Tree, because the invariant an index has
// to satisfy (indexReflects) is purely in-memory — there is never a need to
// page an index in or out of process memory.
//
// The canonical-key encoding is adapted from the value-comparison logic the
// teacher's collection.go uses when maintaining its B+Tree composite keys in
// Insert/updateLocked, simplified to a stable string encoding since there is
// no tree ordering to preserve here, only set membership.
package index

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/wisejson/wisejson/storage"
)

// Definition describes one index as exposed to callers and persisted in
// checkpoint metadata.
type Definition struct {
	Field  string
	Unique bool
}

// Manager owns every secondary index for one collection.
type Manager struct {
	mu      sync.RWMutex
	indexes map[string]*fieldIndex
}

type fieldIndex struct {
	unique bool
	values map[string][]string // canonical value key -> sorted ids
}

// NewManager returns an empty index manager.
func NewManager() *Manager {
	return &Manager{indexes: make(map[string]*fieldIndex)}
}

// CanonicalKey renders a field value into the stable string key used for
// index lookups and storage: the value's encoding/json form, in which 3 and
// 3.0 encode identically and so index identically.
func CanonicalKey(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// CreateIndex builds a new index over field from the given documents. If
// unique is true, a pre-existing duplicate value among docs is reported as
// a UniqueConstraintError-shaped error via the returned duplicate info.
// Creating an index that already exists is not idempotent at this layer;
// the caller (Collection) decides whether to treat it as a no-op.
func (m *Manager) CreateIndex(field string, unique bool, docs []storage.Document) (dupValue interface{}, dupErr bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fi := &fieldIndex{unique: unique, values: make(map[string][]string)}

	for _, doc := range docs {
		val, ok := doc[field]
		if !ok {
			continue
		}
		id, ok := doc.GetID()
		if !ok {
			continue
		}
		key := CanonicalKey(val)
		if unique && len(fi.values[key]) > 0 {
			return val, true
		}
		fi.values[key] = appendSorted(fi.values[key], string(id))
	}

	m.indexes[field] = fi
	return nil, false
}

// DropIndex removes the index on field. Idempotent: dropping an index that
// does not exist is a no-op.
func (m *Manager) DropIndex(field string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.indexes, field)
}

// Has reports whether an index exists over field.
func (m *Manager) Has(field string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.indexes[field]
	return ok
}

// IsUnique reports whether the index on field is unique.
func (m *Manager) IsUnique(field string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fi, ok := m.indexes[field]
	return ok && fi.unique
}

// List returns every index definition currently registered, for checkpoint
// metadata.
func (m *Manager) List() []Definition {
	m.mu.RLock()
	defer m.mu.RUnlock()

	defs := make([]Definition, 0, len(m.indexes))
	for field, fi := range m.indexes {
		defs = append(defs, Definition{Field: field, Unique: fi.unique})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Field < defs[j].Field })
	return defs
}

// CheckUnique reports whether inserting value for field (for a document
// whose id is excludeID, used during updates) would violate a unique index.
// Returns (conflicting bool). If field has no unique index, always false.
func (m *Manager) CheckUnique(field string, value interface{}, excludeID storage.DocumentID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	fi, ok := m.indexes[field]
	if !ok || !fi.unique {
		return false
	}
	ids := fi.values[CanonicalKey(value)]
	for _, id := range ids {
		if id != string(excludeID) {
			return true
		}
	}
	return false
}

// OnInsert updates every index that covers a field present in doc.
func (m *Manager) OnInsert(doc storage.Document) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := doc.GetID()
	if !ok {
		return
	}
	for field, fi := range m.indexes {
		val, ok := doc[field]
		if !ok {
			continue
		}
		key := CanonicalKey(val)
		fi.values[key] = appendSorted(fi.values[key], string(id))
	}
}

// OnUpdate moves id from its old indexed positions to its new ones given
// oldDoc and newDoc.
func (m *Manager) OnUpdate(oldDoc, newDoc storage.Document) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := newDoc.GetID()
	if !ok {
		return
	}
	for field, fi := range m.indexes {
		oldVal, oldOk := oldDoc[field]
		newVal, newOk := newDoc[field]
		if oldOk {
			oldKey := CanonicalKey(oldVal)
			fi.values[oldKey] = removeID(fi.values[oldKey], string(id))
			if len(fi.values[oldKey]) == 0 {
				delete(fi.values, oldKey)
			}
		}
		if newOk {
			newKey := CanonicalKey(newVal)
			fi.values[newKey] = appendSorted(fi.values[newKey], string(id))
		}
	}
}

// OnRemove clears id from every index entry it occupies.
func (m *Manager) OnRemove(doc storage.Document) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := doc.GetID()
	if !ok {
		return
	}
	for field, fi := range m.indexes {
		val, ok := doc[field]
		if !ok {
			continue
		}
		key := CanonicalKey(val)
		fi.values[key] = removeID(fi.values[key], string(id))
		if len(fi.values[key]) == 0 {
			delete(fi.values, key)
		}
	}
}

// FindIDsByValue returns the (cloned) slice of ids whose field equals value,
// via exact-equality lookup only. Returns (nil, false) if field is not
// indexed.
func (m *Manager) FindIDsByValue(field string, value interface{}) ([]string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	fi, ok := m.indexes[field]
	if !ok {
		return nil, false
	}
	ids := fi.values[CanonicalKey(value)]
	out := make([]string, len(ids))
	copy(out, ids)
	return out, true
}

func appendSorted(ids []string, id string) []string {
	i := sort.SearchStrings(ids, id)
	if i < len(ids) && ids[i] == id {
		return ids
	}
	ids = append(ids, "")
	copy(ids[i+1:], ids[i:])
	ids[i] = id
	return ids
}

func removeID(ids []string, id string) []string {
	i := sort.SearchStrings(ids, id)
	if i < len(ids) && ids[i] == id {
		return append(ids[:i], ids[i+1:]...)
	}
	return ids
}
