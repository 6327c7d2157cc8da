// Package wisejson is an embedded, single-process JSON document store: each
// collection keeps its live documents in memory, backed by a write-ahead
// log and periodic segmented checkpoints for durability, with standard and
// unique secondary indexes, TTL expiration, per-collection write
// serialization, and cross-collection transactions.
//
// Ported from the teacher's database.go/Collection/Database shape, minus
// its on-disk B+Tree pager, buffer pool, MVCC, and Firestore-style
// rules/schema layers — see DESIGN.md for the full grounding ledger.
package wisejson

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/wisejson/wisejson/internal/fsutil"
	"github.com/wisejson/wisejson/internal/txn"
)

// Database is the top-level handle for a directory of collections.
type Database struct {
	opts *Options

	mu          sync.Mutex
	collections map[string]*Collection
	initMu      map[string]*sync.Once
	txnMgr      *txn.Manager
	closed      bool
}

// Open opens (creating if necessary) a database rooted at opts.Path. It
// does not itself eagerly open any collection's storage — that happens
// lazily the first time Collection(name) is called — but it does validate
// that the root directory is usable.
func Open(opts *Options) (*Database, error) {
	if opts == nil {
		return nil, fmt.Errorf("wisejson: options cannot be nil")
	}
	if opts.Path == "" {
		return nil, fmt.Errorf("wisejson: options.Path cannot be empty")
	}
	if err := fsutil.EnsureDir(opts.Path); err != nil {
		return nil, err
	}
	if opts.IDGenerator == nil {
		return nil, fmt.Errorf("wisejson: options.IDGenerator cannot be nil")
	}

	return &Database{
		opts:        opts,
		collections: make(map[string]*Collection),
		initMu:      make(map[string]*sync.Once),
		txnMgr:      txn.NewManager(),
	}, nil
}

// Collection returns the named collection, opening (and recovering) its
// on-disk state the first time it is requested. Concurrent first-callers
// for the same name share one initialization via sync.Once so recovery
// only ever runs once per collection per process.
func (db *Database) Collection(name string) (*Collection, error) {
	return db.collectionWithOptions(name, nil)
}

// CollectionWithOptions is like Collection but applies per-collection
// overrides the first time the collection is opened. Overrides are ignored
// on subsequent calls once the collection is already cached.
func (db *Database) CollectionWithOptions(name string, opts *CollectionOptions) (*Collection, error) {
	return db.collectionWithOptions(name, opts)
}

func (db *Database) collectionWithOptions(name string, opts *CollectionOptions) (*Collection, error) {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil, &ClosedStateError{Name: "database"}
	}
	if c, ok := db.collections[name]; ok {
		db.mu.Unlock()
		return c, nil
	}
	once, ok := db.initMu[name]
	if !ok {
		once = &sync.Once{}
		db.initMu[name] = once
	}
	db.mu.Unlock()

	var initErr error
	once.Do(func() {
		c, err := openCollection(db, name, opts)
		if err != nil {
			initErr = err
			return
		}
		db.mu.Lock()
		db.collections[name] = c
		db.mu.Unlock()
	})

	db.mu.Lock()
	c, ok := db.collections[name]
	db.mu.Unlock()
	if !ok {
		if initErr == nil {
			initErr = fmt.Errorf("wisejson: collection %s failed to initialize", name)
		}
		return nil, initErr
	}
	return c, nil
}

// GetCollectionNames lists every collection directory currently present on
// disk, excluding hidden entries.
func (db *Database) GetCollectionNames() ([]string, error) {
	entries, err := os.ReadDir(db.opts.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("wisejson: read database directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

// Begin starts a new cross-collection transaction.
func (db *Database) Begin() *Transaction {
	return &Transaction{db: db, inner: db.txnMgr.Begin()}
}

// Close closes every opened collection and marks the database closed.
// Idempotent.
func (db *Database) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	cols := make([]*Collection, 0, len(db.collections))
	for _, c := range db.collections {
		cols = append(cols, c)
	}
	db.mu.Unlock()

	var firstErr error
	for _, c := range cols {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
