package walog

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.ndjson")

	w, err := Open(path, false)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if _, err := w.Append(Record{Op: OpInsert, ID: "1", Doc: []byte(`{"_id":"1"}`)}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if _, err := w.Append(Record{Op: OpUpdate, ID: "1", Doc: []byte(`{"_id":"1","n":2}`)}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if _, err := w.Append(Record{Op: OpRemove, ID: "1"}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	records, corrupted, err := Replay(path, ModeStrict)
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if corrupted {
		t.Error("did not expect corruption")
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	if records[0].Op != OpInsert || records[1].Op != OpUpdate || records[2].Op != OpRemove {
		t.Errorf("unexpected record order: %+v", records)
	}
	if records[0].Seq != 1 || records[2].Seq != 3 {
		t.Errorf("expected sequential seq numbers, got %d and %d", records[0].Seq, records[2].Seq)
	}
}

func TestReplayMissingFile(t *testing.T) {
	dir := t.TempDir()
	records, corrupted, err := Replay(filepath.Join(dir, "missing.ndjson"), ModeRecover)
	if err != nil {
		t.Fatalf("expected no error for a missing WAL, got %v", err)
	}
	if corrupted || records != nil {
		t.Error("expected empty, uncorrupted result for a missing WAL")
	}
}

func TestReplayRecoverSkipsCorruptTrailingLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.ndjson")

	content := `{"op":"INSERT","id":"1","seq":1}` + "\n" + `{"op":"INSERT","id":"2"` // truncated
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	records, corrupted, err := Replay(path, ModeRecover)
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if !corrupted {
		t.Error("expected corrupted=true for a truncated trailing record")
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 good record recovered, got %d", len(records))
	}
}

func TestReplayStrictFailsOnCorruption(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.ndjson")

	// The corrupt line sits between two valid records, not at the tail, so
	// it cannot be explained away as a crash-truncated final append.
	content := `{"op":"INSERT","id":"1","seq":1}` + "\n" +
		`not json at all` + "\n" +
		`{"op":"INSERT","id":"2","seq":2}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	if _, _, err := Replay(path, ModeStrict); err == nil {
		t.Error("expected ModeStrict to fail on a corrupt record that is not the trailing line")
	}
}

func TestReplayStrictToleratesCorruptTrailingLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.ndjson")

	// A corrupt or truncated trailing line is always a recoverable skip,
	// even under ModeStrict, since it is indistinguishable from a crash
	// mid-append.
	content := `{"op":"INSERT","id":"1","seq":1}` + "\n" + `not json at all`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	records, corrupted, err := Replay(path, ModeStrict)
	if err != nil {
		t.Fatalf("expected ModeStrict to tolerate a corrupt trailing line, got: %v", err)
	}
	if !corrupted {
		t.Error("expected corrupted=true for the skipped trailing line")
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 good record recovered, got %d", len(records))
	}
}

func TestTruncateResetsSeq(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.ndjson")

	w, err := Open(path, false)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer w.Close()

	if _, err := w.Append(Record{Op: OpInsert, ID: "1"}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := w.Truncate(); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}

	seq, err := w.Append(Record{Op: OpInsert, ID: "2"})
	if err != nil {
		t.Fatalf("Append after truncate failed: %v", err)
	}
	if seq != 1 {
		t.Errorf("expected seq to restart at 1 after truncate, got %d", seq)
	}

	records, _, err := Replay(path, ModeStrict)
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if len(records) != 1 || records[0].ID != "2" {
		t.Errorf("expected only the post-truncate record to survive, got %+v", records)
	}
}
