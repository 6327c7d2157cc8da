package wisejson

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/wisejson/wisejson/internal/checkpoint"
	"github.com/wisejson/wisejson/internal/fsutil"
	"github.com/wisejson/wisejson/internal/index"
	"github.com/wisejson/wisejson/internal/logutil"
	"github.com/wisejson/wisejson/internal/query"
	"github.com/wisejson/wisejson/internal/ttl"
	"github.com/wisejson/wisejson/internal/txn"
	"github.com/wisejson/wisejson/internal/walog"
	"github.com/wisejson/wisejson/internal/writequeue"
	"github.com/wisejson/wisejson/storage"
)

// EventKind names the kind of change a Collection listener is notified of.
type EventKind string

const (
	EventInsert EventKind = "insert"
	EventUpdate EventKind = "update"
	EventRemove EventKind = "remove"
)

// Event is delivered to listeners registered with Collection.On.
type Event struct {
	Kind EventKind
	Doc  storage.Document
}

// EventListener receives Collection change notifications. Listeners run
// synchronously on the goroutine that produced the event, after the
// triggering write has committed to the WAL — slow listeners will slow
// down writes against this collection.
type EventListener func(Event)

// Collection is the storage engine for one named, self-contained set of
// documents: an in-memory map, a WAL, a checkpoint manager, and a secondary
// index manager, all serialized through a single-writer queue and an
// exclusive directory lock.
//
// CRUD/upsert/batch/find surface ported from the teacher's collection.go
// (Insert/Update/Patch/Delete/Find/FindQuery), stripped of MVCC/rules/schema
// and rebased onto the map+WAL+checkpoint architecture SPEC_FULL.md
// describes.
type Collection struct {
	name string
	dir  string
	db   *Database
	opts CollectionOptions

	mu   sync.RWMutex
	docs map[storage.DocumentID]storage.Document

	indexMgr      *index.Manager
	wal           *walog.WAL
	checkpointMgr *checkpoint.Manager
	queue         *writequeue.Queue
	dirLock       *writequeue.DirLock
	sweeper       *ttl.Sweeper
	log           *logutil.Logger

	walEntriesSinceCheckpoint int
	checkpointTicker          *time.Ticker
	stopCheckpointTicker      chan struct{}

	listenersMu sync.Mutex
	listeners   map[EventKind][]EventListener

	closeMu sync.Mutex
	closed  bool
}

// CollectionStats summarizes a collection's current state.
type CollectionStats struct {
	DocumentCount             int
	IndexCount                int
	WALEntriesSinceCheckpoint int
}

func openCollection(db *Database, name string, override *CollectionOptions) (*Collection, error) {
	dir := filepath.Join(db.opts.Path, name)
	if err := fsutil.EnsureDir(dir); err != nil {
		return nil, err
	}

	opts := db.resolveCollectionOptions(override)

	dirLock := writequeue.NewDirLock(filepath.Join(dir, name+".lock"))
	ok, err := dirLock.TryLock()
	if err != nil {
		return nil, &LockError{Path: dir, Wrapped: err}
	}
	if !ok {
		return nil, &LockError{Path: dir, Wrapped: fmt.Errorf("already locked by another process")}
	}

	c := &Collection{
		name:          name,
		dir:           dir,
		db:            db,
		opts:          opts,
		docs:          make(map[storage.DocumentID]storage.Document),
		indexMgr:      index.NewManager(),
		checkpointMgr: checkpoint.NewManager(dir, name, opts.MaxSegmentSizeBytes, opts.CheckpointsToKeep, opts.JSONIndent),
		queue:         writequeue.New(64),
		dirLock:       dirLock,
		log:           logutil.Default(),
		listeners:     make(map[EventKind][]EventListener),
	}

	if err := c.recover(opts); err != nil {
		c.queue.Close()
		dirLock.Unlock()
		return nil, err
	}

	c.sweeper = ttl.NewSweeper(ttlInterval(opts.TTLCleanupIntervalMs), func(now time.Time) {
		c.mu.Lock()
		c.sweepExpiredLocked(now)
		c.mu.Unlock()
	})
	c.sweeper.Start()

	if opts.CheckpointIntervalMs > 0 {
		c.checkpointTicker = time.NewTicker(ttlInterval(opts.CheckpointIntervalMs))
		c.stopCheckpointTicker = make(chan struct{})
		go func() {
			for {
				select {
				case <-c.checkpointTicker.C:
					c.mu.Lock()
					if err := c.checkpointLocked(time.Now()); err != nil {
						c.log.Warn("periodic checkpoint for %s failed: %v", c.name, err)
					}
					c.mu.Unlock()
				case <-c.stopCheckpointTicker:
					return
				}
			}
		}()
	}

	return c, nil
}

// recover loads the latest valid checkpoint, replays the WAL tail on top of
// it, and performs an initial TTL sweep.
func (c *Collection) recover(opts CollectionOptions) error {
	docs, meta, found, err := c.checkpointMgr.Load()
	if err != nil {
		return &CorruptedStorageError{Path: c.dir, Wrapped: err}
	}
	if found {
		for _, d := range docs {
			if id, ok := d.GetID(); ok {
				c.docs[id] = d
			}
		}
		for _, def := range meta.Indexes {
			c.indexMgr.CreateIndex(def.Field, def.Unique, docs)
		}
	}

	walPath := filepath.Join(c.dir, c.name+".wal")
	w, err := walog.Open(walPath, opts.WALForceSync)
	if err != nil {
		return fmt.Errorf("collection %s: open wal: %w", c.name, err)
	}
	c.wal = w

	records, corrupted, err := walog.Replay(walPath, opts.WALReadOptions.mode())
	if err != nil {
		return &CorruptedStorageError{Path: walPath, Wrapped: err}
	}
	if corrupted {
		c.log.Warn("collection %s: WAL recovery skipped a corrupted record", c.name)
	}

	c.replayRecords(records)

	var maxSeq uint64
	for _, r := range records {
		if r.Seq > maxSeq {
			maxSeq = r.Seq
		}
	}
	c.wal.SetSeq(maxSeq)
	c.walEntriesSinceCheckpoint = len(records)

	c.sweepExpiredLocked(time.Now())

	return nil
}

// replayRecords applies a WAL's records in order, honoring TXN_BEGIN/
// TXN_COMMIT brackets: an unmatched TXN_BEGIN (no following TXN_COMMIT for
// the same txnId) is treated as aborted and every record staged under it is
// discarded.
func (c *Collection) replayRecords(records []walog.Record) {
	pending := make(map[string][]walog.Record)

	for _, rec := range records {
		switch rec.Op {
		case walog.OpTxnBegin:
			pending[rec.TxnID] = []walog.Record{}
		case walog.OpTxnCommit:
			for _, staged := range pending[rec.TxnID] {
				c.applyRecordLocked(staged)
			}
			delete(pending, rec.TxnID)
		default:
			if rec.TxnID != "" {
				if _, active := pending[rec.TxnID]; active {
					pending[rec.TxnID] = append(pending[rec.TxnID], rec)
					continue
				}
				// TxnID set but no open TXN_BEGIN: treat as a non-transactional
				// record rather than silently dropping it.
			}
			c.applyRecordLocked(rec)
		}
	}
	// Any transaction left in pending at EOF never committed; its records
	// are discarded, matching replay's abort-on-unmatched-begin rule.
}

func (c *Collection) applyRecordLocked(rec walog.Record) {
	switch rec.Op {
	case walog.OpInsert, walog.OpUpdate:
		doc, err := storage.Deserialize(rec.Doc)
		if err != nil {
			return
		}
		id, ok := doc.GetID()
		if !ok {
			return
		}
		if old, existed := c.docs[id]; existed && rec.Op == walog.OpUpdate {
			c.indexMgr.OnUpdate(old, doc)
		} else {
			c.indexMgr.OnInsert(doc)
		}
		c.docs[id] = doc
	case walog.OpRemove:
		id := storage.DocumentID(rec.ID)
		if doc, ok := c.docs[id]; ok {
			c.indexMgr.OnRemove(doc)
			delete(c.docs, id)
		}
	case walog.OpIndexCreate:
		docs := c.docsSliceLocked()
		c.indexMgr.CreateIndex(rec.Field, rec.Unique, docs)
	case walog.OpIndexDrop:
		c.indexMgr.DropIndex(rec.Field)
	}
}

func (c *Collection) docsSliceLocked() []storage.Document {
	out := make([]storage.Document, 0, len(c.docs))
	for _, d := range c.docs {
		out = append(out, d)
	}
	return out
}

// Name returns the collection's name.
func (c *Collection) Name() string { return c.name }

// Lock and Unlock expose the collection's raw mutex for the cross-collection
// transaction coordinator, which must acquire several collections' locks at
// once in a fixed order — bypassing the single-writer queue, which only
// serializes independent, single-collection writes.
func (c *Collection) Lock()   { c.mu.Lock() }
func (c *Collection) Unlock() { c.mu.Unlock() }

func (c *Collection) checkClosed() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return &ClosedStateError{Name: c.name}
	}
	return nil
}

// On registers listener to be invoked for every event of kind emitted by
// this collection.
func (c *Collection) On(kind EventKind, listener EventListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners[kind] = append(c.listeners[kind], listener)
}

func (c *Collection) emit(kind EventKind, doc storage.Document) {
	c.listenersMu.Lock()
	listeners := append([]EventListener(nil), c.listeners[kind]...)
	c.listenersMu.Unlock()
	for _, l := range listeners {
		l(Event{Kind: kind, Doc: doc.Clone()})
	}
}

func now() time.Time { return time.Now() }

func nowString() string { return now().Format(time.RFC3339Nano) }

// prepareNewDocLocked validates doc and assigns _id/createdAt/updatedAt for an
// insert. The caller must hold c.mu.
func (c *Collection) prepareNewDocLocked(doc storage.Document) (storage.Document, error) {
	out := doc.Clone()
	if out == nil {
		out = storage.Document{}
	}

	if rawID, has := out[storage.FieldID]; has {
		idStr, ok := rawID.(string)
		if !ok || idStr == "" {
			return nil, &ValidationError{Message: "_id must be a non-empty string"}
		}
		if _, exists := c.docs[storage.DocumentID(idStr)]; exists {
			return nil, &ValidationError{Message: fmt.Sprintf("document with _id %q already exists", idStr)}
		}
	} else {
		out.SetID(storage.DocumentID(c.db.opts.IDGenerator()))
	}

	ts := nowString()
	out[storage.FieldCreatedAt] = ts
	out[storage.FieldUpdatedAt] = ts

	if err := c.checkUniqueConstraintsLocked(out, ""); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Collection) checkUniqueConstraintsLocked(doc storage.Document, excludeID storage.DocumentID) error {
	for _, def := range c.indexMgr.List() {
		if !def.Unique {
			continue
		}
		val, ok := doc[def.Field]
		if !ok {
			continue
		}
		if c.indexMgr.CheckUnique(def.Field, val, excludeID) {
			return &UniqueConstraintError{Collection: c.name, Field: def.Field, Value: val}
		}
	}
	return nil
}

func (c *Collection) appendInsertWAL(doc storage.Document) error {
	raw, err := doc.Serialize()
	if err != nil {
		return err
	}
	id, _ := doc.GetID()
	if _, err := c.wal.Append(walog.Record{Op: walog.OpInsert, ID: string(id), Doc: raw}); err != nil {
		return err
	}
	c.walEntriesSinceCheckpoint++
	return c.maybeCheckpointLocked()
}

func (c *Collection) appendUpdateWAL(doc storage.Document) error {
	raw, err := doc.Serialize()
	if err != nil {
		return err
	}
	id, _ := doc.GetID()
	if _, err := c.wal.Append(walog.Record{Op: walog.OpUpdate, ID: string(id), Doc: raw}); err != nil {
		return err
	}
	c.walEntriesSinceCheckpoint++
	return c.maybeCheckpointLocked()
}

func (c *Collection) appendRemoveWAL(id storage.DocumentID) error {
	if _, err := c.wal.Append(walog.Record{Op: walog.OpRemove, ID: string(id)}); err != nil {
		return err
	}
	c.walEntriesSinceCheckpoint++
	return c.maybeCheckpointLocked()
}

func (c *Collection) maybeCheckpointLocked() error {
	if c.opts.MaxWALEntriesBeforeCheckpoint > 0 && c.walEntriesSinceCheckpoint >= c.opts.MaxWALEntriesBeforeCheckpoint {
		return c.checkpointLocked(now())
	}
	return nil
}

func (c *Collection) checkpointLocked(at time.Time) error {
	docs := c.docsSliceLocked()
	defs := c.indexMgr.List()
	indexDefs := make([]checkpoint.IndexDef, len(defs))
	for i, d := range defs {
		indexDefs[i] = checkpoint.IndexDef{Field: d.Field, Unique: d.Unique}
	}

	if _, err := c.checkpointMgr.Write(docs, indexDefs, 0, at); err != nil {
		return fmt.Errorf("collection %s: write checkpoint: %w", c.name, err)
	}
	if err := c.wal.Truncate(); err != nil {
		return fmt.Errorf("collection %s: truncate wal: %w", c.name, err)
	}
	c.walEntriesSinceCheckpoint = 0
	return nil
}

func (c *Collection) sweepExpiredLocked(at time.Time) {
	for id, doc := range c.docs {
		if !ttl.IsAlive(doc, at) {
			c.indexMgr.OnRemove(doc)
			delete(c.docs, id)
		}
	}
}

// Insert adds doc as a new document, assigning _id/createdAt/updatedAt if
// absent, and returns the stored (cloned) document.
func (c *Collection) Insert(doc storage.Document) (storage.Document, error) {
	if err := c.checkClosed(); err != nil {
		return nil, err
	}
	res, err := c.queue.Submit(context.Background(), func() (interface{}, error) {
		c.mu.Lock()
		defer c.mu.Unlock()

		prepared, err := c.prepareNewDocLocked(doc)
		if err != nil {
			return nil, err
		}
		if err := c.appendInsertWAL(prepared); err != nil {
			return nil, err
		}
		c.indexMgr.OnInsert(prepared)
		id, _ := prepared.GetID()
		c.docs[id] = prepared
		return prepared.Clone(), nil
	})
	if err != nil {
		return nil, err
	}
	inserted := res.(storage.Document)
	c.emit(EventInsert, inserted)
	return inserted, nil
}

// InsertMany inserts every document in docs as a single all-or-nothing
// batch: if any document would violate a unique constraint or carries a
// duplicate _id, none of them are inserted.
func (c *Collection) InsertMany(docs []storage.Document) ([]storage.Document, error) {
	if err := c.checkClosed(); err != nil {
		return nil, err
	}
	res, err := c.queue.Submit(context.Background(), func() (interface{}, error) {
		c.mu.Lock()
		defer c.mu.Unlock()

		prepared := make([]storage.Document, 0, len(docs))
		seenIDs := make(map[storage.DocumentID]bool, len(docs))
		seenUnique := make(map[string]map[string]bool) // field -> canonical value key -> seen
		for _, d := range docs {
			p, err := c.prepareNewDocLocked(d)
			if err != nil {
				return nil, err
			}
			id, _ := p.GetID()
			if seenIDs[id] {
				return nil, &ValidationError{Message: fmt.Sprintf("duplicate _id %q within batch", id)}
			}
			seenIDs[id] = true

			for _, def := range c.indexMgr.List() {
				if !def.Unique {
					continue
				}
				val, ok := p[def.Field]
				if !ok {
					continue
				}
				key := index.CanonicalKey(val)
				if seenUnique[def.Field] == nil {
					seenUnique[def.Field] = make(map[string]bool)
				}
				if seenUnique[def.Field][key] {
					return nil, &UniqueConstraintError{Collection: c.name, Field: def.Field, Value: val}
				}
				seenUnique[def.Field][key] = true
			}

			prepared = append(prepared, p)
		}

		for _, p := range prepared {
			if err := c.appendInsertWAL(p); err != nil {
				return nil, err
			}
			c.indexMgr.OnInsert(p)
			id, _ := p.GetID()
			c.docs[id] = p
		}

		out := make([]storage.Document, len(prepared))
		for i, p := range prepared {
			out[i] = p.Clone()
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	inserted := res.([]storage.Document)
	for _, d := range inserted {
		c.emit(EventInsert, d)
	}
	return inserted, nil
}

// GetByID returns a clone of the document with the given id.
func (c *Collection) GetByID(id string) (storage.Document, error) {
	if err := c.checkClosed(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	doc, ok := c.docs[storage.DocumentID(id)]
	if !ok {
		return nil, &NotFoundError{Kind: "document", ID: id}
	}
	return doc.Clone(), nil
}

// Update overlays the fields of patch onto the document with the given id
// (shallow, top-level merge; fields absent from patch are kept; _id and
// createdAt are immutable and cannot be changed), updating updatedAt.
func (c *Collection) Update(id string, patch storage.Document) (storage.Document, error) {
	if err := c.checkClosed(); err != nil {
		return nil, err
	}
	res, err := c.queue.Submit(context.Background(), func() (interface{}, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.updateLocked(storage.DocumentID(id), patch)
	})
	if err != nil {
		return nil, err
	}
	updated := res.(storage.Document)
	c.emit(EventUpdate, updated)
	return updated, nil
}

func (c *Collection) updateLocked(id storage.DocumentID, patch storage.Document) (storage.Document, error) {
	old, ok := c.docs[id]
	if !ok {
		return nil, &NotFoundError{Kind: "document", ID: string(id)}
	}

	updated := old.Clone()
	updated.Merge(patch)
	updated[storage.FieldUpdatedAt] = nowString()
	return c.commitUpdateLocked(id, old, updated)
}

// updateWithOperatorsLocked resolves ops ($set/$inc, or a plain field map
// treated as an implicit $set) against the stored document and commits the
// result.
func (c *Collection) updateWithOperatorsLocked(id storage.DocumentID, ops map[string]interface{}) (storage.Document, error) {
	old, ok := c.docs[id]
	if !ok {
		return nil, &NotFoundError{Kind: "document", ID: string(id)}
	}
	updated, err := applyUpdateOperators(old, ops)
	if err != nil {
		return nil, err
	}
	updated[storage.FieldUpdatedAt] = nowString()
	return c.commitUpdateLocked(id, old, updated)
}

func (c *Collection) commitUpdateLocked(id storage.DocumentID, old, updated storage.Document) (storage.Document, error) {
	if err := c.checkUniqueConstraintsLocked(updated, id); err != nil {
		return nil, err
	}
	if err := c.appendUpdateWAL(updated); err != nil {
		return nil, err
	}
	c.indexMgr.OnUpdate(old, updated)
	c.docs[id] = updated
	return updated.Clone(), nil
}

// UpdateResult reports how many documents an updateOne/updateMany call
// matched against the filter versus how many were actually changed by it.
type UpdateResult struct {
	MatchedCount  int
	ModifiedCount int
}

// UpdateOne applies ops ({"$set": {...}, "$inc": {...}}, or a plain field
// map treated as an implicit $set) to the first document matching filter.
func (c *Collection) UpdateOne(filter map[string]interface{}, ops map[string]interface{}) (UpdateResult, error) {
	if err := c.checkClosed(); err != nil {
		return UpdateResult{}, err
	}
	res, err := c.queue.Submit(context.Background(), func() (interface{}, error) {
		c.mu.Lock()
		defer c.mu.Unlock()

		ids, err := c.matchingIDsLocked(filter)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return UpdateResult{}, nil
		}
		return c.updateManyLocked(ids[:1], ops)
	})
	if err != nil {
		return UpdateResult{}, err
	}
	return res.(UpdateResult), nil
}

// UpdateMany applies ops ({"$set": {...}, "$inc": {...}}, or a plain field
// map treated as an implicit $set) to every document matching filter.
func (c *Collection) UpdateMany(filter map[string]interface{}, ops map[string]interface{}) (UpdateResult, error) {
	if err := c.checkClosed(); err != nil {
		return UpdateResult{}, err
	}
	res, err := c.queue.Submit(context.Background(), func() (interface{}, error) {
		c.mu.Lock()
		defer c.mu.Unlock()

		ids, err := c.matchingIDsLocked(filter)
		if err != nil {
			return nil, err
		}
		return c.updateManyLocked(ids, ops)
	})
	if err != nil {
		return UpdateResult{}, err
	}
	return res.(UpdateResult), nil
}

func (c *Collection) updateManyLocked(ids []storage.DocumentID, ops map[string]interface{}) (UpdateResult, error) {
	var res UpdateResult
	for _, id := range ids {
		res.MatchedCount++
		before := c.docs[id]
		updated, err := c.updateWithOperatorsLocked(id, ops)
		if err != nil {
			return UpdateResult{}, err
		}
		if !documentsEqualIgnoringUpdatedAt(before, updated) {
			res.ModifiedCount++
			c.emit(EventUpdate, updated)
		}
	}
	return res, nil
}

func documentsEqualIgnoringUpdatedAt(a, b storage.Document) bool {
	ca, cb := a.Clone(), b.Clone()
	delete(ca, storage.FieldUpdatedAt)
	delete(cb, storage.FieldUpdatedAt)
	return reflect.DeepEqual(ca, cb)
}

// applyUpdateOperators resolves a MongoDB-style {"$set": {...}, "$inc": {...}}
// update document against old. $set overwrites named fields outright; $inc
// adds its numeric operand to the existing field (treating a missing field
// as 0) and fails if either operand is not numeric. A patch with no
// $-prefixed top-level keys is treated as an implicit $set of its own
// fields. Any other top-level operator is rejected rather than silently
// dropped.
func applyUpdateOperators(old storage.Document, ops map[string]interface{}) (storage.Document, error) {
	hasOperator := false
	for k := range ops {
		if len(k) > 0 && k[0] == '$' {
			hasOperator = true
			break
		}
	}
	if !hasOperator {
		updated := old.Clone()
		updated.Merge(storage.Document(ops))
		return updated, nil
	}

	updated := old.Clone()
	for op, val := range ops {
		fields, ok := val.(map[string]interface{})
		if !ok {
			return nil, &ValidationError{Message: fmt.Sprintf("update operator %s requires an object of fields", op)}
		}
		switch op {
		case "$set":
			for k, v := range fields {
				if k == storage.FieldID || k == storage.FieldCreatedAt {
					continue
				}
				updated[k] = v
			}
		case "$inc":
			for k, v := range fields {
				if k == storage.FieldID || k == storage.FieldCreatedAt {
					continue
				}
				delta, ok := numericValue(v)
				if !ok {
					return nil, &ValidationError{Message: fmt.Sprintf("$inc operand for %q must be numeric", k)}
				}
				current := 0.0
				if existing, present := updated[k]; present {
					cur, ok := numericValue(existing)
					if !ok {
						return nil, &ValidationError{Message: fmt.Sprintf("$inc target field %q is not numeric", k)}
					}
					current = cur
				}
				updated[k] = current + delta
			}
		default:
			return nil, &ValidationError{Message: fmt.Sprintf("unsupported update operator %q", op)}
		}
	}
	return updated, nil
}

func numericValue(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// Remove deletes the document with the given id.
func (c *Collection) Remove(id string) error {
	if err := c.checkClosed(); err != nil {
		return err
	}
	res, err := c.queue.Submit(context.Background(), func() (interface{}, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.removeLocked(storage.DocumentID(id))
	})
	if err != nil {
		return err
	}
	c.emit(EventRemove, res.(storage.Document))
	return nil
}

func (c *Collection) removeLocked(id storage.DocumentID) (storage.Document, error) {
	doc, ok := c.docs[id]
	if !ok {
		return nil, &NotFoundError{Kind: "document", ID: string(id)}
	}
	if err := c.appendRemoveWAL(id); err != nil {
		return nil, err
	}
	c.indexMgr.OnRemove(doc)
	delete(c.docs, id)
	return doc.Clone(), nil
}

// RemoveMany deletes every document matching filter, returning the count
// removed.
func (c *Collection) RemoveMany(filter map[string]interface{}) (int, error) {
	if err := c.checkClosed(); err != nil {
		return 0, err
	}
	res, err := c.queue.Submit(context.Background(), func() (interface{}, error) {
		c.mu.Lock()
		defer c.mu.Unlock()

		ids, err := c.matchingIDsLocked(filter)
		if err != nil {
			return nil, err
		}
		count := 0
		for _, id := range ids {
			if _, err := c.removeLocked(id); err != nil {
				return nil, err
			}
			count++
		}
		return count, nil
	})
	if err != nil {
		return 0, err
	}
	return res.(int), nil
}

// Upsert finds the first document matching filter and merges data into it;
// if none matches, it inserts a new document built from setOnInsert
// overlaid by filter's simple equality fields, with data applied last (data
// and filter fields always win over setOnInsert on the insert path).
func (c *Collection) Upsert(filter map[string]interface{}, data storage.Document, setOnInsert storage.Document) (storage.Document, error) {
	if err := c.checkClosed(); err != nil {
		return nil, err
	}
	res, err := c.queue.Submit(context.Background(), func() (interface{}, error) {
		c.mu.Lock()
		defer c.mu.Unlock()

		ids, err := c.matchingIDsLocked(filter)
		if err != nil {
			return nil, err
		}
		if len(ids) > 0 {
			return c.updateLocked(ids[0], data)
		}

		base := storage.Document{}
		base.Merge(setOnInsert)
		base.Merge(equalityFieldsOf(filter))
		base.Merge(data)

		prepared, err := c.prepareNewDocLocked(base)
		if err != nil {
			return nil, err
		}
		if err := c.appendInsertWAL(prepared); err != nil {
			return nil, err
		}
		c.indexMgr.OnInsert(prepared)
		id, _ := prepared.GetID()
		c.docs[id] = prepared
		return prepared.Clone(), nil
	})
	if err != nil {
		return nil, err
	}
	return res.(storage.Document), nil
}

// equalityFieldsOf extracts the top-level plain-equality fields of filter
// (skipping $and/$or and per-field operator maps), used to seed an upsert's
// inserted document.
func equalityFieldsOf(filter map[string]interface{}) storage.Document {
	out := storage.Document{}
	for k, v := range filter {
		if k == "$and" || k == "$or" {
			continue
		}
		if _, isMap := v.(map[string]interface{}); isMap {
			continue
		}
		out[k] = v
	}
	return out
}

// FindOneAndUpdate finds the first document matching filter, applies patch,
// and returns the updated document.
func (c *Collection) FindOneAndUpdate(filter map[string]interface{}, patch storage.Document) (storage.Document, error) {
	if err := c.checkClosed(); err != nil {
		return nil, err
	}
	res, err := c.queue.Submit(context.Background(), func() (interface{}, error) {
		c.mu.Lock()
		defer c.mu.Unlock()

		ids, err := c.matchingIDsLocked(filter)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return nil, &NotFoundError{Kind: "document", ID: "<filter match>"}
		}
		return c.updateLocked(ids[0], patch)
	})
	if err != nil {
		return nil, err
	}
	updated := res.(storage.Document)
	c.emit(EventUpdate, updated)
	return updated, nil
}

func (c *Collection) matchingIDsLocked(filter map[string]interface{}) ([]storage.DocumentID, error) {
	if err := query.CompileRegex(filter); err != nil {
		return nil, &ValidationError{Message: err.Error()}
	}
	node, err := query.Parse(filter)
	if err != nil {
		return nil, &ValidationError{Message: err.Error()}
	}

	var ids []storage.DocumentID
	if field, value, ok := query.IsSingleEquality(filter); ok && c.indexMgr.Has(field) {
		matched, _ := c.indexMgr.FindIDsByValue(field, value)
		for _, idStr := range matched {
			ids = append(ids, storage.DocumentID(idStr))
		}
		return ids, nil
	}

	for id, doc := range c.docs {
		if node.Matches(doc) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Find returns every live document matching filter, honoring opts' sort,
// skip, and limit.
func (c *Collection) Find(filter map[string]interface{}, opts ...QueryOptions) ([]storage.Document, error) {
	if err := c.checkClosed(); err != nil {
		return nil, err
	}
	c.sweeper.SweepNow()

	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := query.CompileRegex(filter); err != nil {
		return nil, &ValidationError{Message: err.Error()}
	}
	node, err := query.Parse(filter)
	if err != nil {
		return nil, &ValidationError{Message: err.Error()}
	}

	var it Iterator
	if field, value, ok := query.IsSingleEquality(filter); ok && c.indexMgr.Has(field) {
		it = NewIndexScanIterator(c, field, value)
	} else {
		it = NewFilterIterator(NewTableScanIterator(c), node)
	}

	var o QueryOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	if err := validateProjection(o.Projection); err != nil {
		return nil, err
	}
	if o.SortField != "" {
		it = NewSortIterator(it, o.SortField, o.SortDesc)
	}
	if o.Skip > 0 {
		it = NewSkipIterator(it, o.Skip)
	}
	if o.Limit > 0 {
		it = NewLimitIterator(it, o.Limit)
	}
	defer it.Close()

	var out []storage.Document
	for it.Next() {
		doc, err := it.Value()
		if err != nil {
			continue
		}
		cloned := doc.Clone()
		if len(o.Projection) > 0 {
			cloned = applyProjection(cloned, o.Projection)
		}
		out = append(out, cloned)
	}
	return out, nil
}

// validateProjection enforces spec's projection mixing rule: every value
// must be 1 or 0, and inclusion/exclusion may not be mixed, except that
// _id may always be excluded alongside inclusions.
func validateProjection(projection map[string]int) error {
	hasInclude, hasExclude := false, false
	for field, v := range projection {
		switch v {
		case 1:
			hasInclude = true
		case 0:
			if field != storage.FieldID {
				hasExclude = true
			}
		default:
			return &ValidationError{Message: fmt.Sprintf("projection value for %q must be 0 or 1", field)}
		}
	}
	if hasInclude && hasExclude {
		return &ValidationError{Message: "projection cannot mix inclusion and exclusion, except excluding _id alongside inclusions"}
	}
	return nil
}

// applyProjection narrows doc to the fields named by projection: an
// inclusion-only projection keeps only the named fields (plus _id unless
// explicitly excluded); an exclusion-only projection drops the named
// fields and keeps everything else.
func applyProjection(doc storage.Document, projection map[string]int) storage.Document {
	including := false
	for _, v := range projection {
		if v == 1 {
			including = true
			break
		}
	}

	if !including {
		out := doc
		for field, v := range projection {
			if v == 0 {
				delete(out, field)
			}
		}
		return out
	}

	out := storage.Document{}
	for field, v := range projection {
		if v == 1 {
			if val, ok := doc[field]; ok {
				out[field] = val
			}
		}
	}
	if excludeID, named := projection[storage.FieldID]; !named || excludeID != 0 {
		if id, ok := doc[storage.FieldID]; ok {
			out[storage.FieldID] = id
		}
	}
	return out
}

// FindOne returns the first live document matching filter, or
// NotFoundError.
func (c *Collection) FindOne(filter map[string]interface{}, opts ...QueryOptions) (storage.Document, error) {
	var o QueryOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	o.Limit = 1
	docs, err := c.Find(filter, o)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, &NotFoundError{Kind: "document", ID: "<filter match>"}
	}
	return docs[0], nil
}

// Count returns the number of live documents in the collection.
func (c *Collection) Count() (int, error) {
	if err := c.checkClosed(); err != nil {
		return 0, err
	}
	c.sweeper.SweepNow()
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.docs), nil
}

// GetAll returns a clone of every live document in the collection.
func (c *Collection) GetAll() ([]storage.Document, error) {
	if err := c.checkClosed(); err != nil {
		return nil, err
	}
	c.sweeper.SweepNow()
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]storage.Document, 0, len(c.docs))
	for _, d := range c.docs {
		out = append(out, d.Clone())
	}
	return out, nil
}

// snapshotLiveDocs returns a clone of every document currently held, used by
// TableScanIterator.
func (c *Collection) snapshotLiveDocs() []storage.Document {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]storage.Document, 0, len(c.docs))
	for _, d := range c.docs {
		out = append(out, d.Clone())
	}
	return out
}

// snapshotByIndex returns a clone of every document whose field equals
// value, per the index manager, used by IndexScanIterator.
func (c *Collection) snapshotByIndex(field string, value interface{}) []storage.Document {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids, _ := c.indexMgr.FindIDsByValue(field, value)
	out := make([]storage.Document, 0, len(ids))
	for _, id := range ids {
		if d, ok := c.docs[storage.DocumentID(id)]; ok {
			out = append(out, d.Clone())
		}
	}
	return out
}

// CreateIndex builds a new index over field. If unique is true and an
// existing document pair collides on field's value, returns
// UniqueConstraintError and the index is not created.
func (c *Collection) CreateIndex(field string, unique bool) error {
	if err := c.checkClosed(); err != nil {
		return err
	}
	_, err := c.queue.Submit(context.Background(), func() (interface{}, error) {
		c.mu.Lock()
		defer c.mu.Unlock()

		if c.indexMgr.Has(field) {
			return nil, nil
		}

		docs := c.docsSliceLocked()
		if dupVal, dup := c.indexMgr.CreateIndex(field, unique, docs); dup {
			return nil, &UniqueConstraintError{Collection: c.name, Field: field, Value: dupVal}
		}

		if _, err := c.wal.Append(walog.Record{Op: walog.OpIndexCreate, Field: field, Unique: unique}); err != nil {
			c.indexMgr.DropIndex(field)
			return nil, err
		}
		c.walEntriesSinceCheckpoint++
		return nil, c.maybeCheckpointLocked()
	})
	return err
}

// DropIndex removes the index over field. Idempotent.
func (c *Collection) DropIndex(field string) error {
	if err := c.checkClosed(); err != nil {
		return err
	}
	_, err := c.queue.Submit(context.Background(), func() (interface{}, error) {
		c.mu.Lock()
		defer c.mu.Unlock()

		c.indexMgr.DropIndex(field)
		if _, err := c.wal.Append(walog.Record{Op: walog.OpIndexDrop, Field: field}); err != nil {
			return nil, err
		}
		c.walEntriesSinceCheckpoint++
		return nil, c.maybeCheckpointLocked()
	})
	return err
}

// GetIndexes lists every index currently registered.
func (c *Collection) GetIndexes() []index.Definition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.indexMgr.List()
}

// FindByIndexedValue returns every document whose indexed field equals
// value.
func (c *Collection) FindByIndexedValue(field string, value interface{}) ([]storage.Document, error) {
	if err := c.checkClosed(); err != nil {
		return nil, err
	}
	if !c.indexMgr.Has(field) {
		return nil, &NotFoundError{Kind: "index", ID: field}
	}
	return c.snapshotByIndex(field, value), nil
}

// FindOneByIndexedValue returns the first document whose indexed field
// equals value.
func (c *Collection) FindOneByIndexedValue(field string, value interface{}) (storage.Document, error) {
	docs, err := c.FindByIndexedValue(field, value)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, &NotFoundError{Kind: "document", ID: "<index match>"}
	}
	return docs[0], nil
}

// Clear removes every document from the collection, logging a remove for
// each so replay stays correct.
func (c *Collection) Clear() error {
	if err := c.checkClosed(); err != nil {
		return err
	}
	_, err := c.queue.Submit(context.Background(), func() (interface{}, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		ids := make([]storage.DocumentID, 0, len(c.docs))
		for id := range c.docs {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			if _, err := c.removeLocked(id); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	return err
}

// ExportJSON returns every live document as a JSON array.
func (c *Collection) ExportJSON() ([]byte, error) {
	docs, err := c.GetAll()
	if err != nil {
		return nil, err
	}
	return fsutil.MarshalIndent(docs, c.opts.JSONIndent)
}

// ImportJSON clears the collection and inserts every document decoded from
// data (a JSON array). Every imported document gets a fresh _id and new
// createdAt/updatedAt; any _id or timestamps in data are discarded.
func (c *Collection) ImportJSON(data []byte) (int, error) {
	var docs []storage.Document
	if err := json.Unmarshal(data, &docs); err != nil {
		return 0, &ValidationError{Message: fmt.Sprintf("invalid import payload: %v", err)}
	}
	if err := c.Clear(); err != nil {
		return 0, err
	}
	for _, d := range docs {
		delete(d, storage.FieldID)
	}
	inserted, err := c.InsertMany(docs)
	if err != nil {
		return 0, err
	}
	return len(inserted), nil
}

// FlushToDisk forces an immediate checkpoint and WAL truncation, regardless
// of the configured automatic-checkpoint thresholds.
func (c *Collection) FlushToDisk() error {
	if err := c.checkClosed(); err != nil {
		return err
	}
	_, err := c.queue.Submit(context.Background(), func() (interface{}, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.checkpointLocked(now())
	})
	return err
}

// Stats reports the collection's current document and index counts.
func (c *Collection) Stats() CollectionStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CollectionStats{
		DocumentCount:             len(c.docs),
		IndexCount:                len(c.indexMgr.List()),
		WALEntriesSinceCheckpoint: c.walEntriesSinceCheckpoint,
	}
}

// Close flushes a final checkpoint, stops background goroutines, and
// releases the directory lock. Idempotent.
func (c *Collection) Close() error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return nil
	}
	c.closed = true
	c.closeMu.Unlock()

	c.sweeper.Stop()
	if c.checkpointTicker != nil {
		c.checkpointTicker.Stop()
		close(c.stopCheckpointTicker)
	}

	c.mu.Lock()
	err := c.checkpointLocked(now())
	c.mu.Unlock()

	c.queue.Close()
	if werr := c.wal.Close(); werr != nil && err == nil {
		err = werr
	}
	if lerr := c.dirLock.Unlock(); lerr != nil && err == nil {
		err = lerr
	}
	return err
}

// TxnPrepare implements txn.Participant: validates every staged op against
// the collection's current state without mutating anything.
func (c *Collection) TxnPrepare(ops []txn.Op) error {
	for _, op := range ops {
		switch op.Kind {
		case txn.OpInsert:
			if _, exists := c.docs[op.ID]; exists {
				return &ValidationError{Message: fmt.Sprintf("document with _id %q already exists", op.ID)}
			}
			if err := c.checkUniqueConstraintsLocked(op.Doc, ""); err != nil {
				return err
			}
		case txn.OpUpdate:
			if _, exists := c.docs[op.ID]; !exists {
				return &NotFoundError{Kind: "document", ID: string(op.ID)}
			}
			if err := c.checkUniqueConstraintsLocked(op.Doc, op.ID); err != nil {
				return err
			}
		case txn.OpRemove:
			if _, exists := c.docs[op.ID]; !exists {
				return &NotFoundError{Kind: "document", ID: string(op.ID)}
			}
		}
	}
	return nil
}

// TxnAppend implements txn.Participant: appends a TXN_BEGIN/ops/TXN_COMMIT
// bracket to the WAL. Called with the collection's lock already held by the
// transaction coordinator.
func (c *Collection) TxnAppend(txnID string, ops []txn.Op) error {
	if _, err := c.wal.Append(walog.Record{Op: walog.OpTxnBegin, TxnID: txnID}); err != nil {
		return err
	}
	for _, op := range ops {
		rec := walog.Record{TxnID: txnID, ID: string(op.ID)}
		switch op.Kind {
		case txn.OpInsert:
			rec.Op = walog.OpInsert
		case txn.OpUpdate:
			rec.Op = walog.OpUpdate
		case txn.OpRemove:
			rec.Op = walog.OpRemove
		}
		if op.Doc != nil {
			raw, err := op.Doc.Serialize()
			if err != nil {
				return err
			}
			rec.Doc = raw
		}
		if _, err := c.wal.Append(rec); err != nil {
			return err
		}
	}
	if _, err := c.wal.Append(walog.Record{Op: walog.OpTxnCommit, TxnID: txnID}); err != nil {
		return err
	}
	c.walEntriesSinceCheckpoint += len(ops) + 2
	return nil
}

// TxnApply implements txn.Participant: applies every staged op in-memory.
// Called after every participant in the transaction has durably appended
// its WAL bracket.
func (c *Collection) TxnApply(ops []txn.Op) {
	for _, op := range ops {
		switch op.Kind {
		case txn.OpInsert:
			c.indexMgr.OnInsert(op.Doc)
			c.docs[op.ID] = op.Doc
		case txn.OpUpdate:
			old := c.docs[op.ID]
			c.indexMgr.OnUpdate(old, op.Doc)
			c.docs[op.ID] = op.Doc
		case txn.OpRemove:
			if doc, ok := c.docs[op.ID]; ok {
				c.indexMgr.OnRemove(doc)
				delete(c.docs, op.ID)
			}
		}
	}
}
