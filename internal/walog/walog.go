// Package walog implements the write-ahead log: a single append-only NDJSON
// file per collection, replayed on open to rebuild in-memory state since the
// last checkpoint.
//
// Grounded in ppriyankuu-godkv's internal/store/wal.go (a single *os.File
// opened O_APPEND, one JSON record per line, bufio.Scanner replay that skips
// a record it can't parse) and the header/scanner recovery idiom in
// other_examples/4259d3fa_Jipok-go-persist__wal.go.go.
package walog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// Op is the kind of operation a WAL record captures.
type Op string

const (
	OpInsert      Op = "INSERT"
	OpUpdate      Op = "UPDATE"
	OpRemove      Op = "REMOVE"
	OpIndexCreate Op = "INDEX_CREATE"
	OpIndexDrop   Op = "INDEX_DROP"
	OpTxnBegin    Op = "TXN_BEGIN"
	OpTxnCommit   Op = "TXN_COMMIT"
)

// Record is one WAL line.
type Record struct {
	Op     Op              `json:"op"`
	ID     string          `json:"id,omitempty"`
	Doc    json.RawMessage `json:"doc,omitempty"`
	Field  string          `json:"field,omitempty"`
	Unique bool            `json:"unique,omitempty"`
	TxnID  string          `json:"txnId,omitempty"`
	Seq    uint64          `json:"seq"`
}

// Mode controls how Replay handles a corrupt record. A corrupt final line is
// skipped in either mode.
type Mode int

const (
	// ModeRecover skips every unparseable or truncated line, keeps reading,
	// and reports a flag the caller can log.
	ModeRecover Mode = iota
	// ModeStrict returns an error when a record other than the final line
	// fails to parse.
	ModeStrict
)

// WAL is an append-only log of Records backed by a single file.
type WAL struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	forceSync bool
	seq       uint64
}

// Open opens (creating if necessary) the WAL file at path for appending.
func Open(path string, forceSync bool) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("walog: open %s: %w", path, err)
	}
	return &WAL{file: f, path: path, forceSync: forceSync}, nil
}

// Append writes one record as a single JSON line and assigns it the next
// sequence number.
func (w *WAL) Append(rec Record) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.seq++
	rec.Seq = w.seq

	line, err := json.Marshal(rec)
	if err != nil {
		w.seq--
		return 0, fmt.Errorf("walog: marshal record: %w", err)
	}
	line = append(line, '\n')

	if _, err := w.file.Write(line); err != nil {
		w.seq--
		return 0, fmt.Errorf("walog: append: %w", err)
	}
	if w.forceSync {
		if err := w.file.Sync(); err != nil {
			return 0, fmt.Errorf("walog: fsync: %w", err)
		}
	}
	return rec.Seq, nil
}

// Sync flushes the WAL file to stable storage.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Sync()
}

// Close closes the underlying file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// Truncate discards all WAL content, used once a checkpoint has durably
// captured everything the log held. Resets the sequence counter to 0.
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Truncate(0); err != nil {
		return fmt.Errorf("walog: truncate: %w", err)
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("walog: seek after truncate: %w", err)
	}
	w.seq = 0
	return nil
}

// SetSeq overrides the next-sequence counter, used after replay to resume
// numbering from where the log left off.
func (w *WAL) SetSeq(seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seq = seq
}

// Replay reads every record currently in the WAL file from the start, in
// order. A truncated or malformed trailing line (as can happen if a crash
// occurred mid-append) is always treated as a recoverable skip and reported
// via corrupted=true, regardless of mode: a record that fails to parse
// anywhere else in the file skips under ModeRecover, or fails Replay outright
// under ModeStrict.
func Replay(path string, mode Mode) (records []Record, corrupted bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("walog: open %s for replay: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var pending []byte
	hasPending := false

	process := func(line []byte, isLast bool) error {
		if len(line) == 0 {
			return nil
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			if mode == ModeStrict && !isLast {
				return fmt.Errorf("walog: corrupt record: %w", err)
			}
			corrupted = true
			return nil
		}
		records = append(records, rec)
		return nil
	}

	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		if hasPending {
			if err := process(pending, false); err != nil {
				return records, false, err
			}
		}
		pending, hasPending = line, true
	}
	if hasPending {
		if err := process(pending, true); err != nil {
			return records, false, err
		}
	}

	if scanErr := scanner.Err(); scanErr != nil {
		// A scan error (e.g. a line exceeding the buffer) can only happen on
		// the line the scanner was working on when it stopped, which is by
		// definition the trailing line: always recoverable.
		corrupted = true
	}

	return records, corrupted, nil
}
