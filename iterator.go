package wisejson

import (
	"fmt"
	"sort"

	"github.com/wisejson/wisejson/internal/query"
	"github.com/wisejson/wisejson/storage"
)

// Iterator is the standard cursor pattern used by every Find-style
// operation: Next advances, Value retrieves. Ported from the teacher's
// iterator.go, stripped of MVCC visibility checks since this engine has a
// single, always-current in-memory view per collection.
type Iterator interface {
	Next() bool
	Value() (storage.Document, error)
	Close() error
}

// TableScanIterator walks every live document currently held by a
// collection, in a stable snapshot taken at iterator creation time.
type TableScanIterator struct {
	docs  []storage.Document
	index int
}

// NewTableScanIterator snapshots every live document in c.
func NewTableScanIterator(c *Collection) *TableScanIterator {
	return &TableScanIterator{docs: c.snapshotLiveDocs(), index: -1}
}

func (it *TableScanIterator) Next() bool {
	it.index++
	return it.index < len(it.docs)
}

func (it *TableScanIterator) Value() (storage.Document, error) {
	if it.index < 0 || it.index >= len(it.docs) {
		return nil, fmt.Errorf("iterator out of bounds")
	}
	return it.docs[it.index], nil
}

func (it *TableScanIterator) Close() error {
	it.docs = nil
	return nil
}

// IndexScanIterator walks the documents whose indexed field matches a single
// equality value, via the index manager's exact-value lookup.
type IndexScanIterator struct {
	docs  []storage.Document
	index int
}

// NewIndexScanIterator snapshots every live document in c whose field value
// equals value, using the index on field.
func NewIndexScanIterator(c *Collection, field string, value interface{}) *IndexScanIterator {
	return &IndexScanIterator{docs: c.snapshotByIndex(field, value), index: -1}
}

func (it *IndexScanIterator) Next() bool {
	it.index++
	return it.index < len(it.docs)
}

func (it *IndexScanIterator) Value() (storage.Document, error) {
	if it.index < 0 || it.index >= len(it.docs) {
		return nil, fmt.Errorf("iterator out of bounds")
	}
	return it.docs[it.index], nil
}

func (it *IndexScanIterator) Close() error {
	it.docs = nil
	return nil
}

// FilterIterator passes through only documents the matcher accepts.
type FilterIterator struct {
	source  Iterator
	matcher query.Matcher
	current storage.Document
}

// NewFilterIterator wraps source, filtering by matcher.
func NewFilterIterator(source Iterator, matcher query.Matcher) *FilterIterator {
	return &FilterIterator{source: source, matcher: matcher}
}

func (it *FilterIterator) Next() bool {
	for it.source.Next() {
		doc, err := it.source.Value()
		if err != nil {
			continue
		}
		if it.matcher.Matches(doc) {
			it.current = doc
			return true
		}
	}
	return false
}

func (it *FilterIterator) Value() (storage.Document, error) {
	return it.current, nil
}

func (it *FilterIterator) Close() error {
	return it.source.Close()
}

// LimitIterator caps the number of results returned.
type LimitIterator struct {
	source Iterator
	limit  int
	count  int
}

// NewLimitIterator wraps source, stopping after limit results.
func NewLimitIterator(source Iterator, limit int) *LimitIterator {
	return &LimitIterator{source: source, limit: limit}
}

func (it *LimitIterator) Next() bool {
	if it.count >= it.limit {
		return false
	}
	if it.source.Next() {
		it.count++
		return true
	}
	return false
}

func (it *LimitIterator) Value() (storage.Document, error) {
	return it.source.Value()
}

func (it *LimitIterator) Close() error {
	return it.source.Close()
}

// SkipIterator discards the first N results from source.
type SkipIterator struct {
	source  Iterator
	skip    int
	skipped bool
}

// NewSkipIterator wraps source, skipping the first skip results.
func NewSkipIterator(source Iterator, skip int) *SkipIterator {
	return &SkipIterator{source: source, skip: skip}
}

func (it *SkipIterator) Next() bool {
	if !it.skipped {
		for i := 0; i < it.skip; i++ {
			if !it.source.Next() {
				return false
			}
		}
		it.skipped = true
	}
	return it.source.Next()
}

func (it *SkipIterator) Value() (storage.Document, error) {
	return it.source.Value()
}

func (it *SkipIterator) Close() error {
	return it.source.Close()
}

// SortIterator buffers every result from source, sorts it by field, and
// iterates the sorted buffer.
type SortIterator struct {
	source    Iterator
	sortField string
	desc      bool
	docs      []storage.Document
	index     int
	prepared  bool
}

// NewSortIterator wraps source, sorting by field (ascending unless desc).
func NewSortIterator(source Iterator, field string, desc bool) *SortIterator {
	return &SortIterator{source: source, sortField: field, desc: desc, index: -1}
}

func (it *SortIterator) Next() bool {
	if !it.prepared {
		for it.source.Next() {
			doc, err := it.source.Value()
			if err == nil {
				it.docs = append(it.docs, doc)
			}
		}
		it.source.Close()

		if it.sortField != "" {
			sort.SliceStable(it.docs, func(i, j int) bool {
				valA := it.docs[i][it.sortField]
				valB := it.docs[j][it.sortField]
				result := query.CompareValues(valA, valB)
				if it.desc {
					return result > 0
				}
				return result < 0
			})
		}
		it.prepared = true
	}

	it.index++
	return it.index < len(it.docs)
}

func (it *SortIterator) Value() (storage.Document, error) {
	if it.index < 0 || it.index >= len(it.docs) {
		return nil, fmt.Errorf("iterator out of bounds")
	}
	return it.docs[it.index], nil
}

func (it *SortIterator) Close() error {
	it.docs = nil
	return nil
}
