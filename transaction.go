package wisejson

import (
	"fmt"

	"github.com/wisejson/wisejson/internal/txn"
	"github.com/wisejson/wisejson/storage"
)

// Transaction stages writes against one or more collections and commits
// them atomically: every involved collection's lock is acquired in
// lexicographic name order, every staged op is validated, a WAL bracket is
// appended per collection, and only then are the ops applied in memory.
type Transaction struct {
	db    *Database
	inner *txn.Transaction
}

// Insert stages an insert of doc into the named collection, assigning an _id
// if it has none and stamping createdAt/updatedAt. _id and unique-index
// conflicts are checked at Commit, not here.
func (t *Transaction) Insert(collectionName string, doc storage.Document) error {
	col, err := t.db.Collection(collectionName)
	if err != nil {
		return err
	}

	prepared := doc.Clone()
	if prepared == nil {
		prepared = storage.Document{}
	}
	if _, has := prepared[storage.FieldID]; !has {
		prepared.SetID(storage.DocumentID(col.db.opts.IDGenerator()))
	}
	ts := nowString()
	prepared[storage.FieldCreatedAt] = ts
	prepared[storage.FieldUpdatedAt] = ts

	id, ok := prepared.GetID()
	if !ok {
		return &ValidationError{Message: "_id must be a non-empty string"}
	}
	return t.inner.Stage(col, txn.Op{Kind: txn.OpInsert, ID: id, Doc: prepared})
}

// Update stages a shallow-merge update of id in the named collection.
func (t *Transaction) Update(collectionName, id string, patch storage.Document) error {
	col, err := t.db.Collection(collectionName)
	if err != nil {
		return err
	}

	col.mu.Lock()
	old, ok := col.docs[storage.DocumentID(id)]
	if !ok {
		col.mu.Unlock()
		return &NotFoundError{Kind: "document", ID: id}
	}
	updated := old.Clone()
	updated.Merge(patch)
	updated[storage.FieldUpdatedAt] = nowString()
	col.mu.Unlock()

	return t.inner.Stage(col, txn.Op{Kind: txn.OpUpdate, ID: storage.DocumentID(id), Doc: updated, OldDoc: old})
}

// Remove stages a removal of id from the named collection.
func (t *Transaction) Remove(collectionName, id string) error {
	col, err := t.db.Collection(collectionName)
	if err != nil {
		return err
	}
	return t.inner.Stage(col, txn.Op{Kind: txn.OpRemove, ID: storage.DocumentID(id)})
}

// Commit atomically applies every staged operation across every involved
// collection, or none of them.
func (t *Transaction) Commit() error {
	if err := t.inner.Commit(t.db.txnMgr); err != nil {
		return fmt.Errorf("wisejson: commit transaction: %w", err)
	}
	return nil
}

// Rollback discards every staged operation without touching any
// collection's state.
func (t *Transaction) Rollback() error {
	return t.inner.Rollback(t.db.txnMgr)
}
