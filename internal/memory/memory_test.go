package memory

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendAssignsMonotonicIDs(t *testing.T) {
	s, err := NewStore(Options{})
	require.NoError(t, err)
	defer s.Close()

	var last int64
	for i := 0; i < 50; i++ {
		id := s.Append(Record{Content: fmt.Sprintf("event %d", i)})
		require.Greater(t, id, last, "IDs must strictly increase")
		last = id
	}
	require.Equal(t, 50, s.Len())
}

func TestAppendExtractsKeywords(t *testing.T) {
	s, err := NewStore(Options{})
	require.NoError(t, err)
	defer s.Close()

	id := s.Append(Record{Content: "refactor the payment gateway retry logic"})
	rec, ok := s.Get(id)
	require.True(t, ok)
	require.Contains(t, rec.Keywords, "payment")
	require.Contains(t, rec.Keywords, "gateway")
	require.NotContains(t, rec.Keywords, "the")
}

func TestFindByTagsAndType(t *testing.T) {
	s, err := NewStore(Options{})
	require.NoError(t, err)
	defer s.Close()

	s.Append(Record{Content: "worker succeeded", Tags: []string{"worker", "success"}, Type: TypeTask})
	s.Append(Record{Content: "worker failed", Tags: []string{"worker", "failure"}, Type: TypeError})
	s.Append(Record{Content: "unrelated", Tags: []string{"loop"}})

	got := s.Find(Query{Tags: []string{"worker"}})
	require.Len(t, got, 2)

	got = s.Find(Query{Tags: []string{"worker", "failure"}})
	require.Len(t, got, 1)
	require.Equal(t, "worker failed", got[0].Content)

	got = s.Find(Query{Type: TypeError})
	require.Len(t, got, 1)
}

func TestFindSimilarRanksByOverlap(t *testing.T) {
	s, err := NewStore(Options{})
	require.NoError(t, err)
	defer s.Close()

	s.Append(Record{Content: "database migration for user accounts"})
	s.Append(Record{Content: "database connection pool tuning"})
	s.Append(Record{Content: "frontend styling cleanup"})

	got := s.FindSimilar([]string{"database", "migration"}, 2)
	require.Len(t, got, 2)
	require.Contains(t, got[0].Content, "migration")
}

func TestJournalRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "memory.ndjson")

	s, err := NewStore(Options{JournalPath: path})
	require.NoError(t, err)
	first := s.Append(Record{Content: "persisted fact one", Importance: 0.9})
	second := s.Append(Record{Content: "persisted fact two", Importance: 0.5})
	require.NoError(t, s.Close())

	reopened, err := NewStore(Options{JournalPath: path})
	require.NoError(t, err)
	defer reopened.Close()

	require.Equal(t, 2, reopened.Len())
	rec, ok := reopened.Get(first)
	require.True(t, ok)
	require.Equal(t, "persisted fact one", rec.Content)

	// New IDs continue past the replayed ones.
	third := reopened.Append(Record{Content: "after restart"})
	require.Greater(t, third, second)
}

func TestEvictionKeepsImportantRecords(t *testing.T) {
	s, err := NewStore(Options{MaxRecords: 10})
	require.NoError(t, err)
	defer s.Close()

	var keeper int64
	for i := 0; i < 20; i++ {
		imp := 0.1
		if i == 5 {
			imp = 1.0
		}
		id := s.Append(Record{Content: fmt.Sprintf("record %d", i), Importance: imp})
		if i == 5 {
			keeper = id
		}
	}

	require.LessOrEqual(t, s.Len(), 10)
	_, ok := s.Get(keeper)
	require.True(t, ok, "high-importance record must survive eviction")
}

func TestEvictionArchivesToColdStore(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(Options{
		MaxRecords:  5,
		ArchivePath: filepath.Join(dir, "archive.db"),
	})
	require.NoError(t, err)
	defer s.Close()

	first := s.Append(Record{Content: "soon to be evicted", Importance: 0.01})
	for i := 0; i < 10; i++ {
		s.Append(Record{Content: fmt.Sprintf("filler %d", i), Importance: 0.9})
	}

	_, ok := s.Get(first)
	require.False(t, ok, "low-importance record should be evicted from RAM")

	archived, found, err := s.GetArchived(first)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "soon to be evicted", archived.Content)
}
