// Package txn implements cross-collection transactions: a staged buffer of
// operations is accumulated against one or more collections, then committed
// by acquiring every involved collection's lock (the mutex that queued
// writes also take; the write queue itself is not entered) in a fixed
// lexicographic order (to avoid deadlock between concurrent transactions
// touching overlapping collection sets), appending a TXN_BEGIN/TXN_COMMIT
// bracket to each collection's WAL, and finally applying the operations
// in-memory.
//
// Modeled on the shape the teacher's internal/transaction package exposes
// (evidenced by manager_test.go, since the package's own manager.go was not
// available to copy): Transaction{ID,Status,WriteSet}, Status
// Active/Committed/Aborted, Begin/Commit/Rollback/GetActiveTransactionCount.
// Retargeted here from a single shared MVCC write-set to per-collection
// staged operations and WAL brackets, since this engine has no MVCC layer.
package txn

import (
	"fmt"
	"sort"
	"sync"

	"github.com/wisejson/wisejson/storage"
)

// Status is the lifecycle state of a Transaction.
type Status int

const (
	StatusActive Status = iota
	StatusCommitted
	StatusAborted
)

// OpKind is the kind of staged operation.
type OpKind int

const (
	OpInsert OpKind = iota
	OpUpdate
	OpRemove
)

// Op is one staged write against one collection.
type Op struct {
	Kind   OpKind
	ID     storage.DocumentID
	Doc    storage.Document // new document state for Insert/Update
	OldDoc storage.Document // previous state, recorded for Update; not read by Commit or Rollback
}

// Participant is the subset of Collection behavior a transaction needs in
// order to stage, commit, or roll back operations against it. The root
// package's Collection type implements this.
type Participant interface {
	Name() string
	// TxnPrepare validates ops against the collection's current state
	// (unique-index conflicts, etc.) without writing anything. Called for
	// every participant before any participant's WAL is touched, so a
	// validation failure on one collection never leaves another with a
	// half-applied commit.
	TxnPrepare(ops []Op) error
	// TxnAppend appends a TXN_BEGIN/ops/TXN_COMMIT bracket to the
	// collection's WAL.
	TxnAppend(txnID string, ops []Op) error
	// TxnApply applies ops to the collection's in-memory state. Only
	// called after every participant's TxnAppend has succeeded.
	TxnApply(ops []Op)
	Lock()
	Unlock()
}

// Transaction is a staged, not-yet-committed unit of work spanning one or
// more collections.
type Transaction struct {
	ID     string
	Status Status

	mu   sync.Mutex
	ops  map[string][]Op // collection name -> staged ops
	cols map[string]Participant
}

// Manager creates and tracks transactions.
type Manager struct {
	mu      sync.Mutex
	active  map[string]*Transaction
	nextSeq uint64
	prefix  string
}

// NewManager returns an empty transaction manager.
func NewManager() *Manager {
	return &Manager{active: make(map[string]*Transaction), prefix: "txn"}
}

// Begin starts a new transaction.
func (m *Manager) Begin() *Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSeq++
	id := fmt.Sprintf("%s-%d", m.prefix, m.nextSeq)
	t := &Transaction{
		ID:     id,
		Status: StatusActive,
		ops:    make(map[string][]Op),
		cols:   make(map[string]Participant),
	}
	m.active[id] = t
	return t
}

// GetActiveTransactionCount reports how many transactions are currently
// active (neither committed nor aborted).
func (m *Manager) GetActiveTransactionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

func (m *Manager) finish(t *Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, t.ID)
}

// Stage buffers op against col. It does not touch disk or in-memory state
// until Commit.
func (t *Transaction) Stage(col Participant, op Op) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Status != StatusActive {
		return fmt.Errorf("txn: cannot stage on a transaction in status %d", t.Status)
	}
	name := col.Name()
	t.ops[name] = append(t.ops[name], op)
	t.cols[name] = col
	return nil
}

// Commit acquires every involved collection's lock in lexicographic name
// order, appends a TXN_BEGIN/ops/TXN_COMMIT bracket to each collection's
// WAL, applies every staged operation in-memory, and releases the locks.
// On any WAL-append failure, no collection's in-memory state is mutated and
// the transaction is marked aborted.
func (t *Transaction) Commit(m *Manager) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Status != StatusActive {
		return fmt.Errorf("txn: cannot commit a transaction in status %d", t.Status)
	}

	names := make([]string, 0, len(t.cols))
	for name := range t.cols {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		t.cols[name].Lock()
	}
	defer func() {
		for _, name := range names {
			t.cols[name].Unlock()
		}
	}()

	for _, name := range names {
		if err := t.cols[name].TxnPrepare(t.ops[name]); err != nil {
			t.Status = StatusAborted
			m.finish(t)
			return fmt.Errorf("txn: prepare collection %s: %w", name, err)
		}
	}

	for _, name := range names {
		if err := t.cols[name].TxnAppend(t.ID, t.ops[name]); err != nil {
			t.Status = StatusAborted
			m.finish(t)
			return fmt.Errorf("txn: append WAL for collection %s: %w", name, err)
		}
	}

	for _, name := range names {
		t.cols[name].TxnApply(t.ops[name])
	}

	t.Status = StatusCommitted
	m.finish(t)
	return nil
}

// Rollback discards the staged buffer without touching disk or in-memory
// collection state.
func (t *Transaction) Rollback(m *Manager) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Status != StatusActive {
		return fmt.Errorf("txn: cannot roll back a transaction in status %d", t.Status)
	}
	t.Status = StatusAborted
	t.ops = nil
	m.finish(t)
	return nil
}
