package wisejson

import (
	"time"

	"github.com/google/uuid"
	"github.com/wisejson/wisejson/internal/walog"
)

// WALReadOptions controls how a collection handles a corrupt record in its
// WAL during recovery. A corrupt final line is skipped in every mode.
type WALReadOptions struct {
	// Recover (with Strict off) skips any unparseable or truncated WAL
	// record and continues, logging a warning. This is the default.
	Recover bool
	// Strict, or Recover left off, fails Open when a WAL record other than
	// the final line cannot be parsed.
	Strict bool
}

func (o WALReadOptions) mode() walog.Mode {
	if o.Strict || !o.Recover {
		return walog.ModeStrict
	}
	return walog.ModeRecover
}

// Options configures a Database.
type Options struct {
	// Path is the database's root directory. Each collection gets its own
	// subdirectory beneath it.
	Path string

	// MaxSegmentSizeBytes bounds how large a single checkpoint data segment
	// may grow before a new segment file is started (default: 1 MiB).
	MaxSegmentSizeBytes int

	// JSONIndent is the number of spaces used to indent on-disk JSON
	// (checkpoint meta/segments). -1 means compact, no whitespace.
	// Default: 2.
	JSONIndent int

	// WALForceSync fsyncs the WAL file after every append when true.
	// Default: false (rely on the OS page cache plus periodic checkpoints).
	WALForceSync bool

	// CheckpointIntervalMs triggers an automatic checkpoint on this cadence
	// when non-zero. Default: 0 (disabled; rely on
	// MaxWALEntriesBeforeCheckpoint and explicit Flush).
	CheckpointIntervalMs int

	// MaxWALEntriesBeforeCheckpoint triggers an automatic checkpoint once
	// the WAL accumulates this many records since the last one. Default:
	// 1000.
	MaxWALEntriesBeforeCheckpoint int

	// CheckpointsToKeep bounds how many checkpoint generations are retained
	// on disk; older ones are pruned once a new checkpoint completes.
	// Default: 2.
	CheckpointsToKeep int

	// TTLCleanupIntervalMs is the cadence of the background TTL sweep.
	// Default: 60000 (one minute).
	TTLCleanupIntervalMs int

	// IDGenerator produces a new document _id when the caller's document
	// omits one. Default: uuid.NewString.
	IDGenerator func() string

	// WALReadOptions controls corrupt-record handling during recovery.
	WALReadOptions WALReadOptions
}

// DefaultOptions returns the default database configuration rooted at path.
func DefaultOptions(path string) *Options {
	return &Options{
		Path:                          path,
		MaxSegmentSizeBytes:           1 << 20,
		JSONIndent:                    2,
		WALForceSync:                  false,
		CheckpointIntervalMs:          0,
		MaxWALEntriesBeforeCheckpoint: 1000,
		CheckpointsToKeep:             2,
		TTLCleanupIntervalMs:          60000,
		IDGenerator:                   uuid.NewString,
		WALReadOptions:                WALReadOptions{Recover: true},
	}
}

// CollectionOptions overrides Database-wide Options for a single collection.
// Any zero-valued field falls back to the database default.
type CollectionOptions struct {
	MaxSegmentSizeBytes           int
	JSONIndent                    int
	WALForceSync                  bool
	CheckpointIntervalMs          int
	MaxWALEntriesBeforeCheckpoint int
	CheckpointsToKeep             int
	TTLCleanupIntervalMs          int
	WALReadOptions                WALReadOptions
}

func (db *Database) resolveCollectionOptions(override *CollectionOptions) CollectionOptions {
	resolved := CollectionOptions{
		MaxSegmentSizeBytes:           db.opts.MaxSegmentSizeBytes,
		JSONIndent:                    db.opts.JSONIndent,
		WALForceSync:                  db.opts.WALForceSync,
		CheckpointIntervalMs:          db.opts.CheckpointIntervalMs,
		MaxWALEntriesBeforeCheckpoint: db.opts.MaxWALEntriesBeforeCheckpoint,
		CheckpointsToKeep:             db.opts.CheckpointsToKeep,
		TTLCleanupIntervalMs:          db.opts.TTLCleanupIntervalMs,
		WALReadOptions:                db.opts.WALReadOptions,
	}
	if override == nil {
		return resolved
	}
	if override.MaxSegmentSizeBytes != 0 {
		resolved.MaxSegmentSizeBytes = override.MaxSegmentSizeBytes
	}
	if override.JSONIndent != 0 {
		resolved.JSONIndent = override.JSONIndent
	}
	if override.WALForceSync {
		resolved.WALForceSync = true
	}
	if override.CheckpointIntervalMs != 0 {
		resolved.CheckpointIntervalMs = override.CheckpointIntervalMs
	}
	if override.MaxWALEntriesBeforeCheckpoint != 0 {
		resolved.MaxWALEntriesBeforeCheckpoint = override.MaxWALEntriesBeforeCheckpoint
	}
	if override.CheckpointsToKeep != 0 {
		resolved.CheckpointsToKeep = override.CheckpointsToKeep
	}
	if override.TTLCleanupIntervalMs != 0 {
		resolved.TTLCleanupIntervalMs = override.TTLCleanupIntervalMs
	}
	if override.WALReadOptions != (WALReadOptions{}) {
		resolved.WALReadOptions = override.WALReadOptions
	}
	return resolved
}

// QueryOptions controls sorting, skip, limit, and projection for find-style
// operations. Ported from the teacher's options.go.
type QueryOptions struct {
	SortField string
	SortDesc  bool
	Limit     int
	Skip      int

	// Projection selects which fields a matched document returns: 1
	// includes a field, 0 excludes it. Mixing inclusion and exclusion is
	// rejected, except that _id may always be excluded alongside
	// inclusions. A nil/empty Projection returns documents unmodified.
	Projection map[string]int
}

func ttlInterval(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
