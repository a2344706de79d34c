package retrieval

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultMaxMemoryMB is the memory budget used when none is configured.
	DefaultMaxMemoryMB = 50

	bytesPerComponent   = 4
	recordOverheadBytes = 1024
	evictionTargetRatio = 0.8
)

// ErrDocumentNotFound is returned when no record exists for a document ID.
var ErrDocumentNotFound = errors.New("document not found in embedding store")

var errEmptyDocumentID = errors.New("record has empty document id")

var timeNow = func() time.Time { return time.Now().UTC() }

// Stats summarizes the store contents.
type Stats struct {
	Count        int            `json:"count"`
	MemoryMB     float64        `json:"memory_mb"`
	MaxMemoryMB  float64        `json:"max_memory_mb"`
	TypeBuckets  int            `json:"type_buckets"`
	MonthBuckets int            `json:"month_buckets"`
	TagBuckets   int            `json:"tag_buckets"`
	Types        map[string]int `json:"types"`
}

type idSet map[string]struct{}

// Store is an in-memory embedding store keyed by document ID, with secondary
// indices by document type, month of the document date, and tag. It is safe
// for concurrent use; read methods return copies.
type Store struct {
	mu          sync.RWMutex
	records     map[string]Record
	byType      map[string]idSet
	byMonth     map[string]idSet
	byTag       map[string]idSet
	memoryBytes int64
	maxMemoryMB float64
	logger      *slog.Logger
}

// NewStore creates an empty store with the given memory budget in megabytes.
// A non-positive budget selects DefaultMaxMemoryMB.
func NewStore(maxMemoryMB float64) *Store {
	if maxMemoryMB <= 0 {
		maxMemoryMB = DefaultMaxMemoryMB
	}
	return &Store{
		records:     make(map[string]Record),
		byType:      make(map[string]idSet),
		byMonth:     make(map[string]idSet),
		byTag:       make(map[string]idSet),
		maxMemoryMB: maxMemoryMB,
		logger:      slog.Default(),
	}
}

// Add inserts rec, replacing any existing record with the same DocumentID.
// Vectors are not validated; malformed ones score zero at search time.
func (s *Store) Add(rec Record) error {
	if rec.DocumentID == "" {
		return errEmptyDocumentID
	}
	rec = copyRecord(rec)
	if rec.ID == "" {
		rec.ID = RecordID(rec.DocumentID)
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = timeNow()
	}
	rec.Metadata.Tags = dedupeTags(rec.Metadata.Tags)
	rec.Metadata.Summary = truncateRunes(rec.Metadata.Summary, maxSummaryRunes)

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.records[rec.DocumentID]; ok {
		s.unindexLocked(old)
	}
	s.records[rec.DocumentID] = rec
	s.indexLocked(rec)
	s.recomputeLocked()
	return nil
}

// AddBatch adds each record in order and returns how many were stored.
// Records that cannot be added are logged and skipped.
func (s *Store) AddBatch(recs []Record) int {
	added := 0
	for _, rec := range recs {
		if err := s.Add(rec); err != nil {
			s.logger.Warn("skipping embedding record", "record_id", rec.ID, "error", err)
			continue
		}
		added++
	}
	return added
}

// Remove deletes the record for documentID. It reports whether a record was
// present.
func (s *Store) Remove(documentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.removeLocked(documentID) {
		return false
	}
	s.recomputeLocked()
	return true
}

// Get returns a copy of the record for documentID.
func (s *Store) Get(documentID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[documentID]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID)
	}
	return copyRecord(rec), nil
}

// GetVector returns a copy of the stored vector for documentID.
func (s *Store) GetVector(documentID string) ([]float32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[documentID]
	if !ok {
		return nil, false
	}
	return copyRecord(rec).Vector, true
}

// UpdateSummary replaces the summary of an existing record.
func (s *Store) UpdateSummary(documentID, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[documentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID)
	}
	rec.Metadata.Summary = truncateRunes(summary, maxSummaryRunes)
	s.records[documentID] = rec
	return nil
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// AllIDs returns every document ID in sorted order.
func (s *Store) AllIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ByType returns the sorted document IDs of the given document type.
func (s *Store) ByType(docType string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byType[docType].sorted()
}

// ByMonth returns the sorted document IDs dated in the given YYYY-MM bucket.
func (s *Store) ByMonth(bucket string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byMonth[bucket].sorted()
}

// ByTag returns the sorted document IDs carrying tag.
func (s *Store) ByTag(tag string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byTag[tag].sorted()
}

// ByDateRange returns the sorted document IDs whose date falls inside
// [start, end]. Records without a parseable date are excluded.
func (s *Store) ByDateRange(start, end time.Time) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dateRangeLocked(DateRange{Start: start, End: end}).sorted()
}

// Candidates resolves a filter to the sorted set of matching document IDs.
// An empty filter selects every record.
func (s *Store) Candidates(f Filter) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if f.IsEmpty() {
		all := make(idSet, len(s.records))
		for id := range s.records {
			all[id] = struct{}{}
		}
		return all.sorted()
	}

	var sets []idSet
	if len(f.DocumentTypes) > 0 {
		sets = append(sets, unionOf(s.byType, f.DocumentTypes))
	}
	if f.DateRange != nil {
		sets = append(sets, s.dateRangeLocked(*f.DateRange))
	}
	if len(f.Tags) > 0 {
		sets = append(sets, unionOf(s.byTag, f.Tags))
	}

	result := sets[0]
	for _, other := range sets[1:] {
		next := make(idSet)
		for id := range result {
			if _, ok := other[id]; ok {
				next[id] = struct{}{}
			}
		}
		result = next
	}
	return result.sorted()
}

// snapshot returns the live records for ids, skipping any that have been
// removed. Vectors are shared with the store and must not be modified.
func (s *Store) snapshot(ids []string) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		if rec, ok := s.records[id]; ok {
			out = append(out, rec)
		}
	}
	return out
}

// Stats returns counts, the memory estimate and index cardinalities.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	types := make(map[string]int, len(s.byType))
	for t, ids := range s.byType {
		types[t] = len(ids)
	}
	return Stats{
		Count:        len(s.records),
		MemoryMB:     bytesToMB(s.memoryBytes),
		MaxMemoryMB:  s.maxMemoryMB,
		TypeBuckets:  len(s.byType),
		MonthBuckets: len(s.byMonth),
		TagBuckets:   len(s.byTag),
		Types:        types,
	}
}

// MaxMemoryMB returns the configured memory budget.
func (s *Store) MaxMemoryMB() float64 {
	return s.maxMemoryMB
}

// OverBudget reports whether the memory estimate exceeds the budget.
func (s *Store) OverBudget() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return bytesToMB(s.memoryBytes) > s.maxMemoryMB
}

// EvictToTarget removes the oldest records by document date until the memory
// estimate is at or below targetMB, and returns how many were removed. A
// non-positive target means 80% of the budget. Undated records are evicted
// first; ties are broken by document ID.
func (s *Store) EvictToTarget(targetMB float64) int {
	if targetMB <= 0 {
		targetMB = s.maxMemoryMB * evictionTargetRatio
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if bytesToMB(s.memoryBytes) <= targetMB {
		return 0
	}

	order := s.evictionOrderLocked()
	removed := 0
	for _, id := range order {
		if bytesToMB(s.memoryBytes) <= targetMB {
			break
		}
		s.memoryBytes -= recordBytes(s.records[id])
		s.removeLocked(id)
		removed++
	}
	s.logger.Info("evicted embeddings", "removed", removed, "memory_mb", bytesToMB(s.memoryBytes), "target_mb", targetMB)
	return removed
}

// Clear removes every record.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]Record)
	s.byType = make(map[string]idSet)
	s.byMonth = make(map[string]idSet)
	s.byTag = make(map[string]idSet)
	s.memoryBytes = 0
}

func (s *Store) evictionOrderLocked() []string {
	type entry struct {
		id    string
		date  time.Time
		dated bool
	}
	entries := make([]entry, 0, len(s.records))
	for id, rec := range s.records {
		t, ok := ParseDate(rec.Metadata.Date)
		entries = append(entries, entry{id: id, date: t, dated: ok})
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.dated != b.dated {
			return !a.dated
		}
		if !a.date.Equal(b.date) {
			return a.date.Before(b.date)
		}
		return a.id < b.id
	})
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids
}

func (s *Store) indexLocked(rec Record) {
	addTo(s.byType, typeKey(rec.Metadata), rec.DocumentID)
	if month, ok := monthKey(rec.Metadata); ok {
		addTo(s.byMonth, month, rec.DocumentID)
	}
	for _, tag := range rec.Metadata.Tags {
		addTo(s.byTag, tag, rec.DocumentID)
	}
}

func (s *Store) unindexLocked(rec Record) {
	removeFrom(s.byType, typeKey(rec.Metadata), rec.DocumentID)
	if month, ok := monthKey(rec.Metadata); ok {
		removeFrom(s.byMonth, month, rec.DocumentID)
	}
	for _, tag := range rec.Metadata.Tags {
		removeFrom(s.byTag, tag, rec.DocumentID)
	}
}

func (s *Store) removeLocked(documentID string) bool {
	rec, ok := s.records[documentID]
	if !ok {
		return false
	}
	s.unindexLocked(rec)
	delete(s.records, documentID)
	return true
}

func (s *Store) recomputeLocked() {
	var total int64
	for _, rec := range s.records {
		total += recordBytes(rec)
	}
	s.memoryBytes = total
}

func recordBytes(rec Record) int64 {
	return int64(len(rec.Vector))*bytesPerComponent + recordOverheadBytes
}

func (s *Store) dateRangeLocked(r DateRange) idSet {
	out := make(idSet)
	for id, rec := range s.records {
		t, ok := ParseDate(rec.Metadata.Date)
		if ok && r.Contains(t) {
			out[id] = struct{}{}
		}
	}
	return out
}

func addTo(index map[string]idSet, key, id string) {
	set, ok := index[key]
	if !ok {
		set = make(idSet)
		index[key] = set
	}
	set[id] = struct{}{}
}

func removeFrom(index map[string]idSet, key, id string) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(index, key)
	}
}

func unionOf(index map[string]idSet, keys []string) idSet {
	out := make(idSet)
	for _, key := range keys {
		for id := range index[key] {
			out[id] = struct{}{}
		}
	}
	return out
}

func (s idSet) sorted() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func bytesToMB(n int64) float64 {
	return float64(n) / (1024 * 1024)
}
