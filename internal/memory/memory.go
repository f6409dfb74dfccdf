// Package memory implements the append-only journal of tagged, typed,
// keyword-indexed events. The store exclusively owns MemoryRecords; other
// components hold only IDs. Writes are totally ordered by a monotonic
// sequence; reads observe a consistent prefix under the store mutex.
package memory

import (
	"sort"
	"strings"
	"sync"
	"time"

	"maestro/internal/ident"
	"maestro/internal/logging"
)

// RecordType is the closed set of event types. Unknown persisted tags parse
// to TypeUnknown.
type RecordType string

const (
	TypeGoal      RecordType = "/goal"
	TypeTask      RecordType = "/task"
	TypeContext   RecordType = "/context"
	TypeDecision  RecordType = "/decision"
	TypeProgress  RecordType = "/progress"
	TypeError     RecordType = "/error"
	TypeKnowledge RecordType = "/knowledge"
	TypeUnknown   RecordType = "/unknown"
)

// ParseRecordType maps a persisted tag to a RecordType, or TypeUnknown.
func ParseRecordType(s string) RecordType {
	switch RecordType(s) {
	case TypeGoal, TypeTask, TypeContext, TypeDecision, TypeProgress, TypeError, TypeKnowledge:
		return RecordType(s)
	default:
		return TypeUnknown
	}
}

// Record is one journal entry.
type Record struct {
	ID         int64                  `json:"id"`
	Content    string                 `json:"content"`
	Tags       []string               `json:"tags,omitempty"`
	Type       RecordType             `json:"type"`
	Keywords   []string               `json:"keywords,omitempty"`
	RelatedIDs []int64                `json:"related_ids,omitempty"`
	Importance float64                `json:"importance"`
	Summary    string                 `json:"summary,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// clone returns a copy the caller may keep; slices are duplicated so the
// store's canonical copy stays immutable.
func (r *Record) clone() Record {
	out := *r
	out.Tags = append([]string(nil), r.Tags...)
	out.Keywords = append([]string(nil), r.Keywords...)
	out.RelatedIDs = append([]int64(nil), r.RelatedIDs...)
	if r.Metadata != nil {
		out.Metadata = make(map[string]interface{}, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Store is the in-process memory store. Single-writer/many-reader via an
// internal mutex; indexes are rebuilt under exclusive lock on eviction.
type Store struct {
	mu  sync.RWMutex
	seq *ident.Sequence

	records []*Record
	byID    map[int64]*Record

	tagIndex     map[string][]int64
	keywordIndex map[string][]int64
	typeIndex    map[RecordType][]int64
	// adjacency holds cross-reference edges both ways.
	adjacency map[int64][]int64

	maxRecords int
	journal    *journal
	archive    *archive
}

// Options tunes the store.
type Options struct {
	// MaxRecords caps in-RAM records; 0 means unbounded.
	MaxRecords int
	// JournalPath enables the NDJSON journal when set.
	JournalPath string
	// JournalCapBytes triggers journal compaction; 0 disables.
	JournalCapBytes int64
	// ArchivePath enables the sqlite cold archive for evicted records.
	ArchivePath string
}

// NewStore creates a memory store, replaying the journal when one exists.
func NewStore(opts Options) (*Store, error) {
	s := &Store{
		seq:          &ident.Sequence{},
		byID:         make(map[int64]*Record),
		tagIndex:     make(map[string][]int64),
		keywordIndex: make(map[string][]int64),
		typeIndex:    make(map[RecordType][]int64),
		adjacency:    make(map[int64][]int64),
		maxRecords:   opts.MaxRecords,
	}

	if opts.ArchivePath != "" {
		a, err := openArchive(opts.ArchivePath)
		if err != nil {
			return nil, err
		}
		s.archive = a
	}

	if opts.JournalPath != "" {
		j, err := openJournal(opts.JournalPath, opts.JournalCapBytes)
		if err != nil {
			return nil, err
		}
		s.journal = j
		replayed, err := j.replay()
		if err != nil {
			logging.MemoryError("journal replay failed: %v", err)
		}
		for i := range replayed {
			rec := replayed[i]
			rec.Type = ParseRecordType(string(rec.Type))
			s.insertLocked(&rec)
			s.seq.Observe(rec.ID)
		}
		if len(replayed) > 0 {
			logging.Memory("replayed %d records from journal", len(replayed))
		}
	}

	return s, nil
}

// Close releases the journal and archive handles.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	if s.journal != nil {
		if err := s.journal.close(); err != nil {
			firstErr = err
		}
		s.journal = nil
	}
	if s.archive != nil {
		if err := s.archive.close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.archive = nil
	}
	return firstErr
}

// Append stores a new record and returns its assigned ID. Keywords are
// derived from content when none are given. Memory failures are best-effort
// for callers: Append never fails once the record is in RAM (journal errors
// are logged, not returned).
func (s *Store) Append(rec Record) int64 {
	if len(rec.Keywords) == 0 {
		rec.Keywords = ExtractKeywords(rec.Content)
	}
	if rec.Type == "" {
		rec.Type = TypeUnknown
	}
	rec.Type = ParseRecordType(string(rec.Type))
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.Importance = clamp01(rec.Importance)
	rec.ID = s.seq.Next()

	s.mu.Lock()
	s.insertLocked(&rec)
	if s.maxRecords > 0 && len(s.records) > s.maxRecords {
		s.optimizeLocked()
	}
	s.mu.Unlock()

	if s.journal != nil {
		if err := s.journal.append(rec); err != nil {
			logging.MemoryError("journal append failed for record %d: %v", rec.ID, err)
		}
	}
	return rec.ID
}

func (s *Store) insertLocked(rec *Record) {
	s.records = append(s.records, rec)
	s.byID[rec.ID] = rec
	s.indexLocked(rec)
}

func (s *Store) indexLocked(rec *Record) {
	for _, t := range rec.Tags {
		s.tagIndex[t] = append(s.tagIndex[t], rec.ID)
	}
	for _, k := range rec.Keywords {
		k = strings.ToLower(k)
		s.keywordIndex[k] = append(s.keywordIndex[k], rec.ID)
	}
	s.typeIndex[rec.Type] = append(s.typeIndex[rec.Type], rec.ID)
	for _, rel := range rec.RelatedIDs {
		s.adjacency[rec.ID] = append(s.adjacency[rec.ID], rel)
		s.adjacency[rel] = append(s.adjacency[rel], rec.ID)
	}
}

// Get returns the record with the given ID.
func (s *Store) Get(id int64) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[id]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// Len returns the number of in-RAM records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Related returns the IDs cross-referenced with id, both directions.
func (s *Store) Related(id int64) []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]int64(nil), s.adjacency[id]...)
}

// Query filters records by tag-set intersection, keyword overlap, and type.
// Zero-valued filter fields match everything. Results come back in insertion
// order.
type Query struct {
	Tags     []string
	Keywords []string
	Type     RecordType
	Limit    int
}

// Find runs a query.
func (s *Store) Find(q Query) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Record
	for _, rec := range s.records {
		if q.Type != "" && rec.Type != q.Type {
			continue
		}
		if len(q.Tags) > 0 && !containsAll(rec.Tags, q.Tags) {
			continue
		}
		if len(q.Keywords) > 0 && overlap(rec.Keywords, q.Keywords) == 0 {
			continue
		}
		out = append(out, rec.clone())
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out
}

// FindSimilar ranks records by keyword overlap with the given keywords,
// breaking ties by importance then recency. Records with zero overlap are
// excluded.
func (s *Store) FindSimilar(keywords []string, limit int) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type scored struct {
		rec   *Record
		score int
	}
	var candidates []scored
	for _, rec := range s.records {
		n := overlap(rec.Keywords, keywords)
		if n > 0 {
			candidates = append(candidates, scored{rec, n})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		if candidates[i].rec.Importance != candidates[j].rec.Importance {
			return candidates[i].rec.Importance > candidates[j].rec.Importance
		}
		return candidates[i].rec.ID > candidates[j].rec.ID
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]Record, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.rec.clone())
	}
	return out
}

// optimizeLocked evicts the lowest (importance, age) records down to the cap
// and rebuilds every index. Evicted records go to the cold archive when one
// is configured, preserving the append-only journal property.
func (s *Store) optimizeLocked() {
	over := len(s.records) - s.maxRecords
	if over <= 0 {
		return
	}

	victims := make([]*Record, len(s.records))
	copy(victims, s.records)
	sort.SliceStable(victims, func(i, j int) bool {
		if victims[i].Importance != victims[j].Importance {
			return victims[i].Importance < victims[j].Importance
		}
		return victims[i].ID < victims[j].ID
	})
	victims = victims[:over]

	evicted := make(map[int64]bool, over)
	for _, v := range victims {
		evicted[v.ID] = true
	}

	if s.archive != nil {
		if err := s.archive.store(victims); err != nil {
			logging.MemoryError("cold archive write failed: %v", err)
		}
	}

	kept := s.records[:0]
	for _, rec := range s.records {
		if !evicted[rec.ID] {
			kept = append(kept, rec)
		}
	}
	s.records = kept

	// Full index rebuild under the exclusive lock.
	s.byID = make(map[int64]*Record, len(s.records))
	s.tagIndex = make(map[string][]int64)
	s.keywordIndex = make(map[string][]int64)
	s.typeIndex = make(map[RecordType][]int64)
	s.adjacency = make(map[int64][]int64)
	for _, rec := range s.records {
		s.byID[rec.ID] = rec
		s.indexLocked(rec)
	}

	logging.MemoryDebug("evicted %d records, %d remain", over, len(s.records))
}

func containsAll(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func overlap(a, b []string) int {
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[strings.ToLower(s)] = true
	}
	n := 0
	for _, s := range b {
		if set[strings.ToLower(s)] {
			n++
		}
	}
	return n
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
