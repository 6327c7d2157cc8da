// Package checkpoint implements segmented checkpoint writing and recovery: a
// meta file that names a generation's data segments and acts as the commit
// marker, plus the size-bounded segment files themselves.
//
// Grounded in ppriyankuu-godkv/internal/store/snapshot.go's tmp-then-rename
// Snapshot()/loadSnapshot() pair, generalized from one file to a meta file
// plus N segments, in the spirit of the teacher's persistence of B+Tree root
// pointers as a small commit record in metadata.go.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/wisejson/wisejson/internal/fsutil"
	"github.com/wisejson/wisejson/storage"
)

// isoLayout formats a checkpoint's createdAt with a fixed-width, zero-padded
// fractional second and a forced UTC "Z" suffix, so that lexicographic
// string comparison of two timestamps agrees with chronological order.
const isoLayout = "2006-01-02T15:04:05.000000000Z"

// checkpointsDirName is the subdirectory (relative to a collection's
// directory) that holds every checkpoint meta and segment file.
const checkpointsDirName = "_checkpoints"

// filenameTimestamp turns an ISO-8601 createdAt string into the form used in
// checkpoint filenames, with colons replaced by hyphens (colons are not
// portable in filenames on every platform).
func filenameTimestamp(createdAt string) string {
	return strings.ReplaceAll(createdAt, ":", "-")
}

// IndexDef describes one index as recorded in a checkpoint's meta file.
type IndexDef struct {
	Field  string `json:"field"`
	Unique bool   `json:"unique"`
}

// Meta is the commit marker for one checkpoint generation: once it is
// written, every segment it names is guaranteed to be durable.
type Meta struct {
	CreatedAt     string     `json:"createdAt"`
	Segments      []string   `json:"segments"`
	Indexes       []IndexDef `json:"indexes"`
	DocumentCount int        `json:"documentCount"`
	WALSeq        uint64     `json:"walSeq"`
}

// Manager reads and writes checkpoints for a single collection directory.
type Manager struct {
	checkpointsDir    string
	collection        string
	maxSegmentBytes   int
	checkpointsToKeep int
	jsonIndent        int
}

// NewManager creates a checkpoint manager rooted at dir (a collection's own
// directory) for the named collection; checkpoints themselves are written
// under dir's "_checkpoints" subdirectory.
func NewManager(dir, collection string, maxSegmentBytes, checkpointsToKeep, jsonIndent int) *Manager {
	return &Manager{
		checkpointsDir:    filepath.Join(dir, checkpointsDirName),
		collection:        collection,
		maxSegmentBytes:   maxSegmentBytes,
		checkpointsToKeep: checkpointsToKeep,
		jsonIndent:        jsonIndent,
	}
}

func (m *Manager) metaPath(ts string) string {
	return filepath.Join(m.checkpointsDir, fmt.Sprintf("checkpoint_meta_%s_%s.json", m.collection, ts))
}

func (m *Manager) segmentPath(ts string, seg int) string {
	return filepath.Join(m.checkpointsDir, fmt.Sprintf("checkpoint_data_%s_%s_seg%d.json", m.collection, ts, seg))
}

// Write persists docs and the current index definitions as a new checkpoint
// generation, bounded to maxSegmentBytes per segment, then prunes old
// generations beyond checkpointsToKeep. Returns the generation's filename
// timestamp.
func (m *Manager) Write(docs []storage.Document, indexes []IndexDef, walSeq uint64, now time.Time) (string, error) {
	if err := fsutil.EnsureDir(m.checkpointsDir); err != nil {
		return "", fmt.Errorf("checkpoint: ensure checkpoints dir: %w", err)
	}

	createdAt := now.UTC().Format(isoLayout)
	ts := filenameTimestamp(createdAt)

	segments, err := m.writeSegments(ts, docs)
	if err != nil {
		return "", err
	}

	meta := Meta{
		CreatedAt:     createdAt,
		Segments:      segments,
		Indexes:       indexes,
		DocumentCount: len(docs),
		WALSeq:        walSeq,
	}
	metaBytes, err := fsutil.MarshalIndent(meta, m.jsonIndent)
	if err != nil {
		return "", fmt.Errorf("checkpoint: marshal meta: %w", err)
	}
	if _, err := fsutil.WriteFileAtomic(m.metaPath(ts), metaBytes); err != nil {
		return "", fmt.Errorf("checkpoint: write meta: %w", err)
	}

	m.prune()

	return ts, nil
}

func (m *Manager) writeSegments(ts string, docs []storage.Document) ([]string, error) {
	var segments []string
	segIdx := 0
	var buf []storage.Document
	bufSize := 0

	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		data, err := fsutil.MarshalIndent(buf, m.jsonIndent)
		if err != nil {
			return fmt.Errorf("checkpoint: marshal segment %d: %w", segIdx, err)
		}
		path := m.segmentPath(ts, segIdx)
		if _, err := fsutil.WriteFileAtomic(path, data); err != nil {
			return fmt.Errorf("checkpoint: write segment %d: %w", segIdx, err)
		}
		segments = append(segments, filepath.Base(path))
		segIdx++
		buf = nil
		bufSize = 0
		return nil
	}

	for _, doc := range docs {
		size := doc.Size()
		if bufSize > 0 && bufSize+size > m.maxSegmentBytes {
			if err := flush(); err != nil {
				return nil, err
			}
		}
		buf = append(buf, doc)
		bufSize += size
	}
	if err := flush(); err != nil {
		return nil, err
	}

	return segments, nil
}

// Load reads the most recent checkpoint it can fully validate, falling back
// to successively older generations if the newest meta is unparseable or
// names a missing segment. Returns (nil docs, zero meta, false) if there is
// no checkpoint at all yet.
func (m *Manager) Load() (docs []storage.Document, meta Meta, found bool, err error) {
	generations, err := m.listGenerations()
	if err != nil {
		return nil, Meta{}, false, err
	}

	var lastErr error
	for _, ts := range generations {
		loadedMeta, err := m.loadMeta(ts)
		if err != nil {
			lastErr = err
			continue
		}
		loadedDocs, err := m.loadSegments(loadedMeta)
		if err != nil {
			lastErr = err
			continue
		}
		return loadedDocs, loadedMeta, true, nil
	}

	if lastErr != nil {
		return nil, Meta{}, false, fmt.Errorf("checkpoint: no valid generation found, last error: %w", lastErr)
	}
	return nil, Meta{}, false, nil
}

// loadMeta reads a generation's meta file, falling back through
// fsutil.RecoverLatest's .bak/.new chain only when the primary file cannot
// be read; a primary that reads but does not parse is reported as an error,
// and its .bak/.new are not tried.
func (m *Manager) loadMeta(ts string) (Meta, error) {
	data, err := fsutil.RecoverLatest(m.metaPath(ts))
	if err != nil {
		return Meta{}, fmt.Errorf("checkpoint: read meta %s: %w", ts, err)
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return Meta{}, fmt.Errorf("checkpoint: parse meta %s: %w", ts, err)
	}
	return meta, nil
}

func (m *Manager) loadSegments(meta Meta) ([]storage.Document, error) {
	var docs []storage.Document
	for _, segName := range meta.Segments {
		data, err := os.ReadFile(filepath.Join(m.checkpointsDir, segName))
		if err != nil {
			return nil, fmt.Errorf("checkpoint: read segment %s: %w", segName, err)
		}
		var segDocs []storage.Document
		if err := json.Unmarshal(data, &segDocs); err != nil {
			return nil, fmt.Errorf("checkpoint: parse segment %s: %w", segName, err)
		}
		docs = append(docs, segDocs...)
	}
	return docs, nil
}

// listGenerations returns every checkpoint generation's filename timestamp
// found for this collection, newest first.
func (m *Manager) listGenerations() ([]string, error) {
	entries, err := os.ReadDir(m.checkpointsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("checkpoint: read dir %s: %w", m.checkpointsDir, err)
	}

	prefix := fmt.Sprintf("checkpoint_meta_%s_", m.collection)
	var gens []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		ts := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".json")
		gens = append(gens, ts)
	}

	sort.Sort(sort.Reverse(sort.StringSlice(gens)))
	return gens, nil
}

// prune removes every checkpoint generation older than the newest
// checkpointsToKeep, including their meta and segment files. A failure
// removing one generation's files does not stop pruning of the others.
func (m *Manager) prune() {
	gens, err := m.listGenerations()
	if err != nil {
		return
	}
	if len(gens) <= m.checkpointsToKeep {
		return
	}

	for _, ts := range gens[m.checkpointsToKeep:] {
		meta, err := m.loadMeta(ts)
		if err == nil {
			for _, seg := range meta.Segments {
				os.Remove(filepath.Join(m.checkpointsDir, seg))
			}
		}
		os.Remove(m.metaPath(ts))
	}
}
