// Package ttl decides document liveness and sweeps expired documents out of
// a collection's in-memory state. It never writes WAL entries for evictions:
// a document's liveness is re-derived purely from its own fields on replay,
// so there is nothing to log (see SPEC_FULL.md's Open Questions).
package ttl

import (
	"math"
	"sync"
	"time"

	"github.com/wisejson/wisejson/storage"
)

// IsAlive reports whether doc is still alive at time now.
//
//   - expireAt, if present and an integer, wins over ttl. A non-integer or
//     null expireAt is ignored (the field contributes no expiry).
//   - Otherwise ttl, if present and parseable as a positive number, combines
//     with a parseable createdAt: the document is alive while
//     createdAt + ttl > now. ttl <= 0 means already expired. A missing or
//     non-numeric ttl contributes no expiry.
func IsAlive(doc storage.Document, now time.Time) bool {
	nowMillis := now.UnixMilli()

	if raw, ok := doc[storage.FieldExpireAt]; ok && raw != nil {
		if f, isFloat := raw.(float64); !isFloat || f == math.Trunc(f) {
			if expireAt, ok := asInt64(raw); ok {
				return expireAt > nowMillis
			}
		}
		// Non-integer expireAt: ignore, fall through to ttl.
	}

	rawTTL, hasTTL := doc[storage.FieldTTL]
	if !hasTTL || rawTTL == nil {
		return true
	}

	ttlMillis, ok := asInt64(rawTTL)
	if !ok {
		return true
	}
	if ttlMillis <= 0 {
		return false
	}

	createdAt, ok := parseCreatedAt(doc)
	if !ok {
		// Can't establish a baseline; don't evict on an unparseable anchor.
		return true
	}

	return createdAt.UnixMilli()+ttlMillis > nowMillis
}

func parseCreatedAt(doc storage.Document) (time.Time, bool) {
	raw, ok := doc[storage.FieldCreatedAt]
	if !ok {
		return time.Time{}, false
	}
	s, ok := raw.(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// asInt64 accepts both float64 (the shape every numeric field takes once it
// has round-tripped through encoding/json) and the native Go integer types
// produced by in-process callers that haven't serialized yet.
func asInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	default:
		return 0, false
	}
}

// Sweeper periodically removes expired documents from a collection. The
// collection supplies the removal callback (EvictFunc) so the sweeper stays
// agnostic to index maintenance and WAL bookkeeping; it only decides *when*
// a sweep runs, and the callback decides which documents are evicted.
type Sweeper struct {
	interval time.Duration
	evict    EvictFunc

	mu      sync.Mutex
	stopCh  chan struct{}
	stopped bool
}

// EvictFunc is invoked with the current time and returns nothing; the
// collection it is bound to walks its own documents, calling IsAlive per
// document and removing the dead ones in-memory. TTL evictions are never
// WAL-logged: liveness is re-derived from each document's own fields on
// every replay, so there is nothing that needs to survive a crash.
type EvictFunc func(now time.Time)

// NewSweeper creates a sweeper that invokes evict every interval. Call
// Start to begin the background goroutine.
func NewSweeper(interval time.Duration, evict EvictFunc) *Sweeper {
	return &Sweeper{interval: interval, evict: evict, stopCh: make(chan struct{})}
}

// Start launches the sweeper's background goroutine. Safe to call once;
// calling Stop without Start is a no-op. An interval of zero disables the
// periodic sweep entirely; SweepNow remains available.
func (s *Sweeper) Start() {
	if s.interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.evict(time.Now())
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Stop halts the background goroutine. Idempotent.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.stopCh)
}

// SweepNow runs one eviction pass immediately, for callers that want an
// opportunistic sweep before a count/getAll rather than waiting on the
// timer.
func (s *Sweeper) SweepNow() {
	s.evict(time.Now())
}
