package fsutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteFileAtomicRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.json")

	n, err := WriteFileAtomic(path, []byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("WriteFileAtomic failed: %v", err)
	}
	if n != len(`{"a":1}`) {
		t.Errorf("expected n=%d, got %d", len(`{"a":1}`), n)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != `{"a":1}` {
		t.Errorf("unexpected contents: %s", data)
	}

	// No leftover temp files.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected exactly 1 file in dir, got %d", len(entries))
	}
}

func TestWriteFileAtomicOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.json")

	if _, err := WriteFileAtomic(path, []byte("first")); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if _, err := WriteFileAtomic(path, []byte("second")); err != nil {
		t.Fatalf("second write failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "second" {
		t.Errorf("expected overwritten contents, got %s", data)
	}
}

func TestRecoverLatestFallback(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meta.json")

	if _, err := RecoverLatest(path); err == nil {
		t.Error("expected error when no candidate file exists")
	}

	if err := os.WriteFile(path+".bak", []byte("backup"), 0o644); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	data, err := RecoverLatest(path)
	if err != nil {
		t.Fatalf("RecoverLatest failed: %v", err)
	}
	if string(data) != "backup" {
		t.Errorf("expected backup contents, got %s", data)
	}

	if err := os.WriteFile(path, []byte("primary"), 0o644); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	data, err = RecoverLatest(path)
	if err != nil {
		t.Fatalf("RecoverLatest failed: %v", err)
	}
	if string(data) != "primary" {
		t.Errorf("expected primary to take precedence, got %s", data)
	}
}

func TestMarshalIndentCompact(t *testing.T) {
	data, err := MarshalIndent(map[string]int{"a": 1}, -1)
	if err != nil {
		t.Fatalf("MarshalIndent failed: %v", err)
	}
	if string(data) != `{"a":1}` {
		t.Errorf("expected compact encoding, got %s", data)
	}
}

func TestEnsureDirAndExists(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "a", "b", "c")

	if Exists(nested) {
		t.Error("expected nested dir to not exist yet")
	}
	if err := EnsureDir(nested); err != nil {
		t.Fatalf("EnsureDir failed: %v", err)
	}
	if !Exists(nested) {
		t.Error("expected nested dir to exist after EnsureDir")
	}
}
