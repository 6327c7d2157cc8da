// Package storage defines the on-the-wire document shape shared by every
// layer of wisejson: the WAL, the checkpoint manager, the index manager, and
// the collection core all operate on storage.Document.
package storage

import (
	"encoding/json"
	"fmt"
)

// Document is a JSON-shaped record. Three keys are reserved and managed by
// the engine: _id, createdAt, updatedAt. Two more are recognized for TTL:
// expireAt and ttl.
type Document map[string]interface{}

// DocumentID is a document's unique identifier within a collection.
type DocumentID string

const (
	FieldID        = "_id"
	FieldCreatedAt = "createdAt"
	FieldUpdatedAt = "updatedAt"
	FieldExpireAt  = "expireAt"
	FieldTTL       = "ttl"
)

// Serialize converts a document to compact JSON bytes.
func (d Document) Serialize() ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize document: %w", err)
	}
	return data, nil
}

// Deserialize converts JSON bytes to a document.
func Deserialize(data []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to deserialize document: %w", err)
	}
	return doc, nil
}

// GetID returns the document's _id if it exists and is a string.
func (d Document) GetID() (DocumentID, bool) {
	id, exists := d[FieldID]
	if !exists {
		return "", false
	}
	idStr, ok := id.(string)
	if !ok || idStr == "" {
		return "", false
	}
	return DocumentID(idStr), true
}

// SetID sets the document's _id.
func (d Document) SetID(id DocumentID) {
	d[FieldID] = string(id)
}

// Clone creates a deep copy of the document. Reads hand out clones so that
// callers can never mutate the engine's in-memory state through an egress
// value.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	clone := make(Document, len(d))
	for k, v := range d {
		clone[k] = deepCopyValue(v)
	}
	return clone
}

func deepCopyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case Document:
		return val.Clone()
	case map[string]interface{}:
		return Document(val).Clone()
	case []interface{}:
		cp := make([]interface{}, len(val))
		for i, item := range val {
			cp[i] = deepCopyValue(item)
		}
		return cp
	default:
		// Primitives (string, number, bool, nil) are copied by value.
		return val
	}
}

// Merge overlays patch on top of d, key by key, skipping the immutable
// fields (_id, createdAt). Used by Update and the other update paths.
func (d Document) Merge(patch Document) {
	for k, v := range patch {
		if k == FieldID || k == FieldCreatedAt {
			continue
		}
		d[k] = deepCopyValue(v)
	}
}

// Size returns the serialized size of the document in bytes, used by the
// checkpoint manager to bound segment size.
func (d Document) Size() int {
	data, err := json.Marshal(d)
	if err != nil {
		return 0
	}
	return len(data)
}
